// Package guardrail decides whether a build needs a human to approve it
// before it can be marked APPROVED.
package guardrail

import (
	"fmt"
	"path"
	"slices"
	"sort"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
)

// DefaultMaxIterations is the revision count at which the circuit breaker trips.
const DefaultMaxIterations = 3

// DefaultProtectedPaths are the areas a builder may not change unattended.
var DefaultProtectedPaths = []string{
	"backend/app/core/security",
	"backend/app/services/billing",
	"backend/app/core/config.py",
	".env",
	"secrets",
}

// DefaultDependencyFiles are the manifest and lock file patterns that mark a
// dependency change. Patterns are matched against the file's base name.
var DefaultDependencyFiles = []string{
	"requirements*.txt",
	"package.json",
	"package-lock.json",
	"pnpm-lock.yaml",
	"yarn.lock",
	"Cargo.toml",
	"Cargo.lock",
	"go.mod",
	"go.sum",
}

// Policy configures the three guardrail rules.
type Policy struct {
	// ProtectedPaths entries containing a slash protect that path and
	// everything under it. Entries without a slash protect any path segment
	// with that exact name.
	ProtectedPaths  []string
	DependencyFiles []string
	MaxIterations   int
}

// DefaultPolicy returns the built-in policy.
func DefaultPolicy() Policy {
	return Policy{
		ProtectedPaths:  append([]string(nil), DefaultProtectedPaths...),
		DependencyFiles: append([]string(nil), DefaultDependencyFiles...),
		MaxIterations:   DefaultMaxIterations,
	}
}

// Merge fills every empty field of p from defaults.
func (p Policy) Merge(defaults Policy) Policy {
	if len(p.ProtectedPaths) == 0 {
		p.ProtectedPaths = defaults.ProtectedPaths
	}
	if len(p.DependencyFiles) == 0 {
		p.DependencyFiles = defaults.DependencyFiles
	}
	if p.MaxIterations <= 0 {
		p.MaxIterations = defaults.MaxIterations
	}
	if p.MaxIterations <= 0 {
		p.MaxIterations = DefaultMaxIterations
	}
	return p
}

// Result is the outcome of an evaluation. Reasons is sorted and contains no
// duplicates, so evaluating the same input twice yields an identical Result.
type Result struct {
	RequiresHumanApproval bool     `json:"requires_human_approval"`
	Reasons               []string `json:"approval_reasons"`
}

// Evaluate applies the policy to a build's changed files and iteration count.
// It performs no I/O.
func Evaluate(changedFiles []string, iteration int, policy Policy) Result {
	reasons := mapset.NewThreadUnsafeSet[string]()

	for _, f := range NormalizePaths(changedFiles) {
		for _, protected := range policy.ProtectedPaths {
			if underProtected(f, protected) {
				reasons.Add("Protected area: " + strings.Trim(protected, "/"))
			}
		}
		base := path.Base(f)
		for _, pattern := range policy.DependencyFiles {
			if ok, err := path.Match(pattern, base); err == nil && ok {
				reasons.Add("Dependency change: " + base)
			}
		}
	}

	if policy.MaxIterations > 0 && iteration >= policy.MaxIterations {
		reasons.Add(fmt.Sprintf("Iteration limit reached: %d of %d", iteration, policy.MaxIterations))
	}

	out := reasons.ToSlice()
	sort.Strings(out)
	return Result{RequiresHumanApproval: len(out) > 0, Reasons: out}
}

// NormalizePaths cleans, deduplicates and sorts file paths. Leading "./" and
// "/" are dropped and empty entries removed.
func NormalizePaths(files []string) []string {
	set := mapset.NewThreadUnsafeSet[string]()
	for _, f := range files {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		f = strings.TrimLeft(path.Clean(strings.ReplaceAll(f, "\\", "/")), "/")
		if f == "" || f == "." {
			continue
		}
		set.Add(f)
	}
	out := set.ToSlice()
	sort.Strings(out)
	return out
}

func underProtected(file, protected string) bool {
	protected = strings.Trim(path.Clean(protected), "/")
	if protected == "" || protected == "." {
		return false
	}
	if !strings.Contains(protected, "/") {
		return slices.Contains(strings.Split(file, "/"), protected)
	}
	return file == protected || strings.HasPrefix(file, protected+"/")
}
