package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/joescharf/ralph/internal/models"
	"github.com/joescharf/ralph/internal/output"
	"github.com/joescharf/ralph/internal/store"
)

var (
	projectName            string
	projectRepo            string
	projectBranch          string
	projectProtected       []string
	projectDependencyFiles []string
	projectMaxIterations   int
	projectRateCapacity    int
	projectRateWindow      time.Duration
	projectFile            string
)

var projectCmd = &cobra.Command{
	Use:   "project",
	Short: "Manage the project registry",
	Long: `Add, remove, list and show the projects whose builds go through review.

Each project may override the global guardrail policy and get its own dispatch
rate limit bucket.`,
}

var projectAddCmd = &cobra.Command{
	Use:   "add <id>",
	Short: "Register a project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return projectAddRun(args[0])
	},
}

var projectRemoveCmd = &cobra.Command{
	Use:     "remove <id>",
	Aliases: []string{"rm"},
	Short:   "Remove a project and all of its builds",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return projectRemoveRun(args[0])
	},
}

var projectListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List registered projects",
	RunE: func(cmd *cobra.Command, args []string) error {
		return projectListRun()
	},
}

var projectShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a project and its review activity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return projectShowRun(args[0])
	},
}

var projectApplyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Create or update projects from a YAML file",
	Long: `Create or update projects from a YAML registry file:

  projects:
    - id: kaiscout
      name: KaiScout
      repo_url: https://github.com/example/kaiscout
      default_branch: main
      protected_paths: [backend/app/core/security, .env]
      max_iterations: 3
      rate_limit_capacity: 2
      rate_limit_window: 1h`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return projectApplyRun(projectFile)
	},
}

func init() {
	projectAddCmd.Flags().StringVar(&projectName, "name", "", "Display name (default: the ID)")
	projectAddCmd.Flags().StringVar(&projectRepo, "repo", "", "Repository URL")
	projectAddCmd.Flags().StringVar(&projectBranch, "branch", "main", "Default branch")
	projectAddCmd.Flags().StringSliceVar(&projectProtected, "protected", nil, "Protected paths (default: global guardrails)")
	projectAddCmd.Flags().StringSliceVar(&projectDependencyFiles, "dependency-files", nil, "Dependency manifest patterns")
	projectAddCmd.Flags().IntVar(&projectMaxIterations, "max-iterations", 0, "Revision circuit breaker (0: global default)")
	projectAddCmd.Flags().IntVar(&projectRateCapacity, "rate-capacity", 0, "Own dispatch bucket capacity (0: share the global bucket)")
	projectAddCmd.Flags().DurationVar(&projectRateWindow, "rate-window", 0, "Own dispatch bucket refill window")

	projectApplyCmd.Flags().StringVarP(&projectFile, "file", "f", "", "Registry YAML file")
	_ = projectApplyCmd.MarkFlagRequired("file")

	projectCmd.AddCommand(projectAddCmd)
	projectCmd.AddCommand(projectRemoveCmd)
	projectCmd.AddCommand(projectListCmd)
	projectCmd.AddCommand(projectShowCmd)
	projectCmd.AddCommand(projectApplyCmd)
	rootCmd.AddCommand(projectCmd)
}

func validateProject(p *models.Project) error {
	p.ID = strings.TrimSpace(p.ID)
	if p.ID == "" {
		return fmt.Errorf("project id is required")
	}
	if len(p.ID) > 64 {
		return fmt.Errorf("project id %q exceeds 64 characters", p.ID)
	}
	if p.Name == "" {
		p.Name = p.ID
	}
	if p.DefaultBranch == "" {
		p.DefaultBranch = "main"
	}
	if (p.RateLimitCapacity > 0) != (p.RateLimitWindow > 0) {
		return fmt.Errorf("project %s: rate_limit_capacity and rate_limit_window must be set together", p.ID)
	}
	if p.MaxIterations < 0 {
		return fmt.Errorf("project %s: max_iterations must not be negative", p.ID)
	}
	return nil
}

func projectAddRun(id string) error {
	p := &models.Project{
		ID:                id,
		Name:              projectName,
		RepoURL:           projectRepo,
		DefaultBranch:     projectBranch,
		ProtectedPaths:    projectProtected,
		DependencyFiles:   projectDependencyFiles,
		MaxIterations:     projectMaxIterations,
		RateLimitCapacity: projectRateCapacity,
		RateLimitWindow:   projectRateWindow,
	}
	if err := validateProject(p); err != nil {
		return err
	}

	if dryRun {
		ui.DryRunMsg("Would add project: %s", p.ID)
		return nil
	}

	s, err := getStore()
	if err != nil {
		return err
	}
	if err := s.CreateProject(context.Background(), p); err != nil {
		return fmt.Errorf("add project: %w", err)
	}

	ui.Success("Added project: %s", output.Cyan(p.ID))
	if p.HasRateLimitOverride() {
		ui.VerboseLog("Own rate limit: %d per %s", p.RateLimitCapacity, p.RateLimitWindow)
	}
	return nil
}

func projectRemoveRun(id string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	p, err := s.GetProject(ctx, id)
	if err != nil {
		return err
	}

	if dryRun {
		ui.DryRunMsg("Would remove project: %s", p.ID)
		return nil
	}

	if err := s.DeleteProject(ctx, p.ID); err != nil {
		return fmt.Errorf("remove project: %w", err)
	}
	ui.Success("Removed project: %s", output.Cyan(p.ID))
	return nil
}

func projectListRun() error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	projects, err := s.ListProjects(ctx)
	if err != nil {
		return err
	}
	if jsonOut {
		return ui.JSON(projects)
	}

	if len(projects) == 0 {
		ui.Info("No projects registered. Use 'ralph project add <id>' to get started.")
		return nil
	}

	table := ui.Table([]string{"ID", "Name", "Branch", "Max Iter", "Rate Limit", "Queued"})
	for _, p := range projects {
		queued, _ := s.ListQueue(ctx, store.QueueListFilter{ProjectID: p.ID, Status: models.QueueStatusPending})
		table.Append([]string{
			output.Cyan(p.ID),
			p.Name,
			p.DefaultBranch,
			orDefault(p.MaxIterations),
			rateLimitLabel(p),
			fmt.Sprint(len(queued)),
		})
	}
	table.Render()
	return nil
}

func projectShowRun(id string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	p, err := s.GetProject(ctx, id)
	if err != nil {
		return err
	}
	builds, err := s.ListBuilds(ctx, store.BuildListFilter{ProjectID: p.ID, Limit: 10})
	if err != nil {
		return err
	}
	revs, err := s.ListRevisions(ctx, store.RevisionListFilter{ProjectID: p.ID, Status: models.RevisionStatusPending})
	if err != nil {
		return err
	}

	if jsonOut {
		return ui.JSON(map[string]any{
			"project":           p,
			"recent_builds":     builds,
			"pending_revisions": revs,
		})
	}

	fmt.Fprintf(ui.Out, "%s\n", output.Cyan(p.ID))
	ui.Field("Name", p.Name)
	ui.Field("Repo", p.RepoURL)
	ui.Field("Branch", p.DefaultBranch)
	ui.Field("Protected", strings.Join(p.ProtectedPaths, ", "))
	ui.Field("Dependency files", strings.Join(p.DependencyFiles, ", "))
	ui.Field("Max iterations", orDefault(p.MaxIterations))
	ui.Field("Rate limit", rateLimitLabel(p))
	ui.Field("Pending revisions", fmt.Sprint(len(revs)))

	if len(builds) > 0 {
		fmt.Fprintln(ui.Out)
		table := ui.Table([]string{"Build", "Task", "Iter", "Status", "Age"})
		for _, b := range builds {
			table.Append([]string{
				output.Cyan(b.ID),
				output.Truncate(b.TaskID, 28),
				fmt.Sprint(b.IterationCount),
				output.StatusColor(string(b.Status)),
				output.Since(b.CreatedAt),
			})
		}
		table.Render()
	}
	return nil
}

// registryFile is the document read by 'project apply'.
type registryFile struct {
	Projects []*models.Project `yaml:"projects"`
}

func loadRegistry(path string) ([]*models.Project, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read registry: %w", err)
	}
	var reg registryFile
	if err := yaml.Unmarshal(data, &reg); err != nil {
		return nil, fmt.Errorf("parse registry: %w", err)
	}
	seen := make(map[string]bool, len(reg.Projects))
	for _, p := range reg.Projects {
		if err := validateProject(p); err != nil {
			return nil, err
		}
		if seen[p.ID] {
			return nil, fmt.Errorf("project %s listed twice", p.ID)
		}
		seen[p.ID] = true
	}
	return reg.Projects, nil
}

func projectApplyRun(path string) error {
	projects, err := loadRegistry(path)
	if err != nil {
		return err
	}
	if len(projects) == 0 {
		ui.Info("No projects in %s", path)
		return nil
	}

	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	var created, updated int
	for _, p := range projects {
		_, err := s.GetProject(ctx, p.ID)
		exists := err == nil
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}

		if dryRun {
			action := "create"
			if exists {
				action = "update"
			}
			ui.DryRunMsg("Would %s project: %s", action, p.ID)
			continue
		}

		if exists {
			if err := s.UpdateProject(ctx, p); err != nil {
				return fmt.Errorf("update project %s: %w", p.ID, err)
			}
			updated++
			ui.VerboseLog("Updated %s", p.ID)
			continue
		}
		if err := s.CreateProject(ctx, p); err != nil {
			return fmt.Errorf("create project %s: %w", p.ID, err)
		}
		created++
		ui.VerboseLog("Created %s", p.ID)
	}

	if !dryRun {
		ui.Success("Applied %s: %d created, %d updated", path, created, updated)
	}
	return nil
}

func orDefault(n int) string {
	if n == 0 {
		return "default"
	}
	return fmt.Sprint(n)
}

func rateLimitLabel(p *models.Project) string {
	if !p.HasRateLimitOverride() {
		return "global"
	}
	return fmt.Sprintf("%d/%s", p.RateLimitCapacity, p.RateLimitWindow)
}
