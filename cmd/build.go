package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/joescharf/ralph/internal/models"
	"github.com/joescharf/ralph/internal/output"
	"github.com/joescharf/ralph/internal/review"
	"github.com/joescharf/ralph/internal/store"
)

var (
	buildProject string
	buildStatus  string
	buildTask    string
	buildLimit   int
	buildFile    string
	buildActor   string
	buildNotes   string
	buildReason  string
	approveSHA   string
)

var buildCmd = &cobra.Command{
	Use:     "build",
	Aliases: []string{"builds"},
	Short:   "Inspect and submit builds",
}

var buildListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List builds, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		return buildListRun()
	},
}

var buildShowCmd = &cobra.Command{
	Use:   "show <build-id>",
	Short: "Show a build with its verdict, revision and history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return buildShowRun(args[0])
	},
}

var buildIngestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Submit a build payload",
	Long: `Submit a build payload as the builder would.

The payload is the JSON body of POST /api/v1/builds/ingest. Use '-f -' to read
it from stdin.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return buildIngestRun(cmd.InOrStdin())
	},
}

var buildApproveCmd = &cobra.Command{
	Use:   "approve <build-id>",
	Short: "Approve a build as a named human",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return buildApproveRun(args[0])
	},
}

var buildRejectCmd = &cobra.Command{
	Use:   "reject <build-id>",
	Short: "Reject a build",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return buildRejectRun(args[0])
	},
}

func init() {
	buildListCmd.Flags().StringVar(&buildProject, "project", "", "Filter by project ID")
	buildListCmd.Flags().StringVar(&buildStatus, "status", "", "Filter by inspection status")
	buildListCmd.Flags().StringVar(&buildTask, "task", "", "Filter by task ID (lineage)")
	buildListCmd.Flags().IntVar(&buildLimit, "limit", 50, "Maximum builds to list")

	buildIngestCmd.Flags().StringVarP(&buildFile, "file", "f", "", "Payload JSON file, or - for stdin")
	_ = buildIngestCmd.MarkFlagRequired("file")

	currentUser := os.Getenv("USER")
	buildApproveCmd.Flags().StringVar(&buildActor, "by", currentUser, "Human approver name")
	buildApproveCmd.Flags().StringVar(&buildNotes, "notes", "", "Approval notes")
	buildApproveCmd.Flags().StringVar(&approveSHA, "commit", "", "Expected commit SHA")

	buildRejectCmd.Flags().StringVar(&buildActor, "by", currentUser, "Who is rejecting")
	buildRejectCmd.Flags().StringVar(&buildReason, "reason", "", "Rejection reason")
	_ = buildRejectCmd.MarkFlagRequired("reason")

	buildCmd.AddCommand(buildListCmd)
	buildCmd.AddCommand(buildShowCmd)
	buildCmd.AddCommand(buildIngestCmd)
	buildCmd.AddCommand(buildApproveCmd)
	buildCmd.AddCommand(buildRejectCmd)
	rootCmd.AddCommand(buildCmd)
}

func buildListRun() error {
	engine, err := getEngine()
	if err != nil {
		return err
	}
	defer engine.Close()

	builds, err := engine.ListBuilds(context.Background(), store.BuildListFilter{
		ProjectID: buildProject,
		TaskID:    buildTask,
		Status:    models.BuildStatus(strings.ToUpper(buildStatus)),
		Limit:     buildLimit,
	})
	if err != nil {
		return err
	}
	if jsonOut {
		return ui.JSON(builds)
	}

	if len(builds) == 0 {
		ui.Info("No builds found.")
		return nil
	}

	table := ui.Table([]string{"Build", "Project", "Task", "Iter", "Status", "Human", "Commit", "Age"})
	for _, b := range builds {
		table.Append([]string{
			output.Cyan(b.ID),
			b.ProjectID,
			output.Truncate(b.TaskID, 28),
			fmt.Sprint(b.IterationCount),
			output.StatusColor(string(b.Status)),
			output.Flag(b.RequiresHumanApproval),
			output.Truncate(b.CommitSHA, 10),
			output.Since(b.CreatedAt),
		})
	}
	table.Render()
	return nil
}

func buildShowRun(id string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	b, err := s.GetBuild(ctx, id)
	if err != nil {
		return err
	}
	insp, err := s.GetInspection(ctx, id)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	rev, err := s.GetRevisionByBuild(ctx, id)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	audit, err := s.ListAuditEvents(ctx, id)
	if err != nil {
		return err
	}
	dispatches, err := s.ListDispatchEvents(ctx, id, 20)
	if err != nil {
		return err
	}

	if jsonOut {
		return ui.JSON(map[string]any{
			"build":      b,
			"inspection": insp,
			"revision":   rev,
			"audit":      audit,
			"dispatches": dispatches,
		})
	}

	fmt.Fprintf(ui.Out, "%s  %s\n", output.Cyan(b.ID), output.StatusColor(string(b.Status)))
	ui.Field("Project", b.ProjectID)
	ui.Field("Type", string(b.BuildType))
	ui.Field("Task", b.TaskID)
	ui.Field("Description", b.TaskDescription)
	ui.Field("Iteration", fmt.Sprint(b.IterationCount))
	ui.Field("Branch", b.Branch)
	ui.Field("Commit", b.CommitSHA)
	ui.Field("Signal", string(b.BuilderSignal))
	ui.Field("Tests", exitSummary(b.TestCommand, b.TestExitCode))
	ui.Field("Lint", exitSummary(b.LintCommand, b.LintExitCode))
	if b.Coverage != nil {
		ui.Field("Coverage", fmt.Sprintf("%.1f%%", *b.Coverage))
	}
	ui.Field("Submitted", output.Since(b.CreatedAt))
	if b.RequiresHumanApproval {
		ui.Field("Human approval", output.Yellow(strings.Join(b.ApprovalReasons, "; ")))
	}
	ui.Field("Approved by", b.HumanApprovedBy)
	ui.Field("Notes", b.ApprovalNotes)

	if len(b.ChangedFiles) > 0 {
		fmt.Fprintf(ui.Out, "\n  Changed files (%d):\n", len(b.ChangedFiles))
		for _, f := range b.ChangedFiles {
			fmt.Fprintf(ui.Out, "    %s\n", f)
		}
	}

	if insp != nil {
		verdict := output.Green("passed")
		if !insp.Passed {
			verdict = output.Red("failed")
		}
		fmt.Fprintf(ui.Out, "\n  Inspection: %s by %s (%s)\n", verdict, insp.Inspector, output.Since(insp.CreatedAt))
		for _, issue := range insp.Issues {
			loc := issue.File
			if issue.Line > 0 {
				loc = fmt.Sprintf("%s:%d", issue.File, issue.Line)
			}
			fmt.Fprintf(ui.Out, "    [%s] %s %s\n", issue.Severity, loc, issue.Description)
		}
	}

	if rev != nil {
		fmt.Fprintf(ui.Out, "\n  Revision %s: %s\n", rev.ID, output.StatusColor(string(rev.Status)))
		fmt.Fprintf(ui.Out, "    %s\n", rev.FeedbackSummary)
		for i, fix := range rev.PriorityFixes {
			fmt.Fprintf(ui.Out, "    %d. %s\n", i+1, fix)
		}
		if rev.AddressedByBuildID != "" {
			fmt.Fprintf(ui.Out, "    addressed by %s\n", rev.AddressedByBuildID)
		}
	}

	if len(dispatches) > 0 || len(audit) > 0 {
		fmt.Fprintln(ui.Out)
		table := ui.Table([]string{"When", "Event", "Actor", "Detail"})
		for i := len(dispatches) - 1; i >= 0; i-- {
			e := dispatches[i]
			table.Append([]string{output.Since(e.CreatedAt), output.OutcomeColor(string(e.Outcome)), e.Method, e.Detail})
		}
		for _, e := range audit {
			table.Append([]string{output.Since(e.CreatedAt), string(e.Kind), e.Actor, output.Truncate(e.Detail, 60)})
		}
		table.Render()
	}
	return nil
}

func exitSummary(command string, code *int) string {
	if code == nil {
		return command
	}
	mark := output.Green("ok")
	if *code != 0 {
		mark = output.Red(fmt.Sprintf("exit %d", *code))
	}
	if command == "" {
		return mark
	}
	return command + "  " + mark
}

func readPayload(path string, stdin io.Reader) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(stdin)
	}
	return os.ReadFile(path)
}

func buildIngestRun(stdin io.Reader) error {
	data, err := readPayload(buildFile, stdin)
	if err != nil {
		return fmt.Errorf("read payload: %w", err)
	}
	var req review.IngestRequest
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return fmt.Errorf("parse payload: %w", err)
	}

	if dryRun {
		ui.DryRunMsg("Would ingest build for %s/%s at %s", req.ProjectID, req.TaskID, req.CommitSHA)
		return nil
	}

	engine, err := getEngine()
	if err != nil {
		return err
	}
	defer engine.Close()

	res, err := engine.Ingest(context.Background(), req)
	if err != nil {
		return err
	}
	if jsonOut {
		return ui.JSON(res)
	}

	if res.Duplicate {
		ui.Warning("Duplicate submission, build %s is already %s", output.Cyan(res.BuildID), res.InspectionStatus)
		return nil
	}
	ui.Success("Ingested build %s (task %s, iteration %d)", output.Cyan(res.BuildID), res.TaskID, res.IterationCount)
	if res.ReviewQueued {
		ui.Info("Queued for review")
	}
	if res.RequiresHumanApproval {
		ui.Warning("Requires human approval: %s", strings.Join(res.ApprovalReasons, "; "))
	}
	for _, id := range res.AddressedRevisions {
		ui.VerboseLog("Addresses revision %s", id)
	}
	return nil
}

func buildApproveRun(id string) error {
	if strings.TrimSpace(buildActor) == "" {
		return fmt.Errorf("--by is required")
	}
	if dryRun {
		ui.DryRunMsg("Would approve build %s as %s", id, buildActor)
		return nil
	}

	engine, err := getEngine()
	if err != nil {
		return err
	}
	defer engine.Close()

	res, err := engine.ApproveBuild(context.Background(), review.ApprovalRequest{
		BuildID:         id,
		Notes:           buildNotes,
		HumanApprovedBy: buildActor,
		CommitSHA:       approveSHA,
	})
	if err != nil {
		return err
	}
	if jsonOut {
		return ui.JSON(res)
	}
	switch {
	case res.Replayed:
		ui.Info("Build %s was already approved", output.Cyan(id))
	case res.Override:
		ui.Warning("Build %s approved over a failed inspection by %s", output.Cyan(id), buildActor)
	default:
		ui.Success("Build %s approved by %s", output.Cyan(id), buildActor)
	}
	return nil
}

func buildRejectRun(id string) error {
	if dryRun {
		ui.DryRunMsg("Would reject build %s: %s", id, buildReason)
		return nil
	}

	engine, err := getEngine()
	if err != nil {
		return err
	}
	defer engine.Close()

	res, err := engine.RejectBuild(context.Background(), review.RejectionRequest{
		BuildID:    id,
		Reason:     buildReason,
		RejectedBy: buildActor,
	})
	if err != nil {
		return err
	}
	if jsonOut {
		return ui.JSON(res)
	}
	if res.Replayed {
		ui.Info("Build %s was already rejected", output.Cyan(id))
		return nil
	}
	ui.Success("Build %s rejected", output.Cyan(id))
	return nil
}
