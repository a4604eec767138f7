package cmd

import (
	"context"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/joescharf/ralph/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start the reviewer MCP server on stdio",
	Long: `Start an MCP (Model Context Protocol) server on stdio.

This lets a reviewer agent pull builds and submit verdicts natively.
Configure it in the agent's MCP settings with:

  {
    "mcpServers": {
      "ralph": { "command": "ralph", "args": ["mcp"] }
    }
  }

Available tools: get_latest_ready_build, get_build, submit_inspection,
request_revision, approve_build, reject_build, get_pending_revisions

The stdio server does not dispatch builds. Run 'ralph serve' or
'ralph dispatch' alongside it to release queued builds.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, err := getEngine()
		if err != nil {
			return err
		}
		defer engine.Close()

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		ctx, stop := signal.NotifyContext(ctx, shutdownSignals()...)
		defer stop()

		log.Debug("mcp stdio server starting", "version", buildVersion)
		return mcp.NewServer(engine, buildVersion).ServeStdio(ctx)
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}
