package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/ralph/internal/models"
	"github.com/joescharf/ralph/internal/output"
	"github.com/joescharf/ralph/internal/store"
)

var dispatchCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Run a single dispatcher tick",
	Long: `Release pending builds to reviewers once, in priority order, until the
rate limit bucket runs dry. Useful from cron when 'ralph serve' is not running.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return dispatchRun()
	},
}

func init() {
	rootCmd.AddCommand(dispatchCmd)
}

func dispatchRun() error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	if dryRun {
		pending, err := s.ListQueue(ctx, store.QueueListFilter{Status: models.QueueStatusPending})
		if err != nil {
			return err
		}
		ui.DryRunMsg("Would dispatch up to %d of %d pending builds", min(len(pending), viper.GetInt("dispatcher.batch_size")), len(pending))
		return nil
	}

	d, err := newDispatcher(s)
	if err != nil {
		return err
	}
	stats, err := d.Tick(ctx)
	if err != nil {
		return fmt.Errorf("dispatch: %w", err)
	}
	if jsonOut {
		return ui.JSON(stats)
	}

	if stats.Pending == 0 {
		ui.Info("Queue is empty")
		return nil
	}
	ui.Success("Dispatched %s of %d pending", output.Green(fmt.Sprint(stats.Dispatched)), stats.Pending)
	if stats.RateLimited > 0 {
		ui.Warning("Rate limited, remaining builds wait for the next tick")
	}
	if stats.Lost > 0 {
		ui.VerboseLog("%d claims lost to another dispatcher", stats.Lost)
	}
	if stats.Errors > 0 {
		ui.Error("%d entries failed to dispatch, see log", stats.Errors)
	}
	return nil
}
