package review

import (
	"time"

	"github.com/spf13/viper"

	"github.com/joescharf/ralph/internal/guardrail"
	"github.com/joescharf/ralph/internal/models"
)

// Config holds review engine configuration.
type Config struct {
	DefaultPriority int
	// ResubmitPriorityBoost is added to the priority of every build after the
	// first in a lineage. Zero treats resubmissions like any other build.
	ResubmitPriorityBoost int
	Guardrails            guardrail.Policy
	// Reviewer is recorded as the inspector when a verdict names none.
	Reviewer      string
	StoreTimeout  time.Duration
	NotifyTimeout time.Duration
}

// DefaultConfig returns the engine config, reading from viper when available.
func DefaultConfig() Config {
	cfg := Config{
		DefaultPriority:       viper.GetInt("queue.default_priority"),
		ResubmitPriorityBoost: viper.GetInt("queue.resubmit_priority_boost"),
		Guardrails: guardrail.Policy{
			ProtectedPaths:  viper.GetStringSlice("guardrails.protected_paths"),
			DependencyFiles: viper.GetStringSlice("guardrails.dependency_files"),
			MaxIterations:   viper.GetInt("guardrails.max_iterations"),
		},
		Reviewer:      viper.GetString("review.reviewer"),
		StoreTimeout:  viper.GetDuration("database.timeout"),
		NotifyTimeout: viper.GetDuration("notify.timeout"),
	}
	return cfg.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.DefaultPriority <= 0 {
		c.DefaultPriority = models.DefaultPriority
	}
	c.Guardrails = c.Guardrails.Merge(guardrail.DefaultPolicy())
	if c.Reviewer == "" {
		c.Reviewer = "external-reviewer"
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = 10 * time.Second
	}
	return c
}
