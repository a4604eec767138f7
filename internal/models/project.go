package models

import "time"

// Project is a registry entry for a repository whose builds go through review.
// Empty policy fields fall back to the global guardrail and rate limit defaults.
type Project struct {
	ID              string   `json:"id" yaml:"id"`
	Name            string   `json:"name" yaml:"name"`
	RepoURL         string   `json:"repo_url" yaml:"repo_url"`
	DefaultBranch   string   `json:"default_branch" yaml:"default_branch"`
	ProtectedPaths  []string `json:"protected_paths" yaml:"protected_paths"`
	DependencyFiles []string `json:"dependency_files" yaml:"dependency_files"`
	MaxIterations   int      `json:"max_iterations" yaml:"max_iterations"`

	// RateLimitCapacity and RateLimitWindow give the project its own dispatch
	// bucket. Zero values mean the project shares the global bucket.
	RateLimitCapacity int           `json:"rate_limit_capacity" yaml:"rate_limit_capacity"`
	RateLimitWindow   time.Duration `json:"rate_limit_window" yaml:"rate_limit_window"`

	CreatedAt time.Time `json:"created_at" yaml:"-"`
	UpdatedAt time.Time `json:"updated_at" yaml:"-"`
}

// HasRateLimitOverride reports whether the project dispatches from its own bucket.
func (p *Project) HasRateLimitOverride() bool {
	return p.RateLimitCapacity > 0 && p.RateLimitWindow > 0
}
