package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/joescharf/ralph/internal/models"
	"github.com/joescharf/ralph/internal/output"
	"github.com/joescharf/ralph/internal/store"
)

var (
	queueProject string
	queueStatus  string
	queueLimit   int
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Show the review queue in dispatch order",
	Long: `Show review queue entries, highest priority first and oldest first within a
priority. By default only entries waiting for or holding a reviewer are shown.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return queueRun()
	},
}

func init() {
	queueCmd.Flags().StringVar(&queueProject, "project", "", "Filter by project ID")
	queueCmd.Flags().StringVar(&queueStatus, "status", "", "PENDING, DISPATCHED or COMPLETED (default: open entries)")
	queueCmd.Flags().IntVar(&queueLimit, "limit", 50, "Maximum entries per status")
	rootCmd.AddCommand(queueCmd)
}

func queueRun() error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	statuses := []models.QueueStatus{models.QueueStatusDispatched, models.QueueStatusPending}
	if queueStatus != "" {
		st := models.QueueStatus(strings.ToUpper(queueStatus))
		switch st {
		case models.QueueStatusPending, models.QueueStatusDispatched, models.QueueStatusCompleted:
		default:
			return fmt.Errorf("unknown queue status %q", queueStatus)
		}
		statuses = []models.QueueStatus{st}
	}

	var entries []*models.QueueEntry
	for _, st := range statuses {
		got, err := s.ListQueue(ctx, store.QueueListFilter{ProjectID: queueProject, Status: st, Limit: queueLimit})
		if err != nil {
			return err
		}
		entries = append(entries, got...)
	}
	if jsonOut {
		return ui.JSON(entries)
	}

	if len(entries) == 0 {
		ui.Info("Queue is empty.")
		return nil
	}

	table := ui.Table([]string{"Build", "Project", "Task", "Type", "Priority", "Status", "Queued", "Dispatched"})
	for _, e := range entries {
		table.Append([]string{
			output.Cyan(e.BuildID),
			e.ProjectID,
			output.Truncate(e.TaskID, 28),
			string(e.QueueType),
			fmt.Sprint(e.Priority),
			output.StatusColor(string(e.Status)),
			output.Since(e.CreatedAt),
			sinceOrDash(e.DispatchedAt),
		})
	}
	table.Render()
	return nil
}

func sinceOrDash(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return output.Since(*t)
}
