package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/joescharf/ralph/internal/api"
	"github.com/joescharf/ralph/internal/daemon"
	"github.com/joescharf/ralph/internal/dispatcher"
	"github.com/joescharf/ralph/internal/mcp"
	"github.com/joescharf/ralph/internal/output"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the REST API, MCP endpoint and dispatcher",
	Long: `Run the review server in the foreground.

The server exposes the REST API under /api/v1, the MCP streamable HTTP endpoint
at /mcp and, unless dispatcher.enabled is false, releases queued builds to
reviewers on dispatcher.interval. On Unix, SIGUSR1 triggers an extra dispatch
pass and SIGHUP stops the server like SIGTERM.

Use 'ralph serve start' to run it in the background.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveRun(cmd.Context())
	},
}

var serveStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the server in the background",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStartRun()
	},
}

var serveStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the background server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStopRun()
	},
}

var serveStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether the server is running",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStatusRun()
	},
}

func init() {
	serveCmd.PersistentFlags().IntP("port", "p", 8080, "Port to listen on")
	_ = viper.BindPFlag("server.port", serveCmd.PersistentFlags().Lookup("port"))

	serveCmd.AddCommand(serveStartCmd)
	serveCmd.AddCommand(serveStopCmd)
	serveCmd.AddCommand(serveStatusCmd)
	rootCmd.AddCommand(serveCmd)
}

func pidFile() *daemon.PIDFile {
	return daemon.NewPIDFile(filepath.Join(viper.GetString("state_dir"), "ralph-serve.pid"))
}

func serveLogPath() string {
	return filepath.Join(viper.GetString("state_dir"), "ralph-serve.log")
}

func serveRun(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	pf := pidFile()
	if err := pf.Acquire(); err != nil {
		return err
	}
	defer func() { _ = pf.Release() }()

	engine, err := getEngine()
	if err != nil {
		return err
	}
	defer engine.Close()

	d, err := newDispatcher(engine.Store())
	if err != nil {
		return err
	}

	apiCfg := api.Config{
		AllowedOrigins: viper.GetStringSlice("server.allowed_origins"),
		MCP:            mcp.NewServer(engine, buildVersion).HTTPHandler("/mcp"),
		WebhookSecret:  viper.GetString("notify.telegram.webhook_secret"),
		Logger:         log,
	}
	if tg := newTelegram(); tg != nil {
		apiCfg.Callbacks = tg
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", viper.GetInt("server.port")),
		Handler:           api.NewServer(engine, d, apiCfg).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, shutdownSignals()...)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("server listening", "addr", srv.Addr, "mcp", "/mcp")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		log.Info("server shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	if viper.GetBool("dispatcher.enabled") {
		g.Go(func() error {
			return d.Run(gctx)
		})
		if sigs := tickSignals(); len(sigs) > 0 {
			kicks := make(chan os.Signal, 1)
			signal.Notify(kicks, sigs...)
			defer signal.Stop(kicks)
			g.Go(func() error {
				return tickOnSignal(gctx, d, kicks, log)
			})
		}
	} else {
		log.Info("dispatcher disabled, builds stay queued until ticked")
	}

	return g.Wait()
}

type ticker interface {
	Tick(ctx context.Context) (dispatcher.Stats, error)
}

// tickOnSignal runs an extra dispatch pass for every signal received on kicks
// until ctx is done.
func tickOnSignal(ctx context.Context, d ticker, kicks <-chan os.Signal, logger *slog.Logger) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case sig := <-kicks:
			stats, err := d.Tick(ctx)
			if err != nil {
				logger.Warn("signalled dispatch failed", "signal", sig.String(), "error", err)
				continue
			}
			logger.Info("signalled dispatch", "signal", sig.String(),
				"dispatched", stats.Dispatched, "rate_limited", stats.RateLimited, "skipped", stats.Skipped)
		}
	}
}

func serveStartRun() error {
	pf := pidFile()
	if pid, running := pf.IsRunning(); running {
		return fmt.Errorf("server already running (pid %d)", pid)
	}

	if dryRun {
		ui.DryRunMsg("Would start server on port %d", viper.GetInt("server.port"))
		return nil
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("find executable: %w", err)
	}
	logPath := serveLogPath()
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer func() { _ = logFile.Close() }()

	args := []string{"serve", "--port", fmt.Sprint(viper.GetInt("server.port"))}
	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		args = append(args, "--config", cfgFile)
	}
	child := exec.Command(exe, args...)
	child.Stdout = logFile
	child.Stderr = logFile
	setDaemonAttrs(child)
	if err := child.Start(); err != nil {
		return fmt.Errorf("start server: %w", err)
	}
	_ = child.Process.Release()

	ui.Success("Server started (pid %d) on port %d", child.Process.Pid, viper.GetInt("server.port"))
	ui.VerboseLog("Logs: %s", logPath)
	return nil
}

func serveStopRun() error {
	pf := pidFile()
	pid, running := pf.IsRunning()
	if !running {
		if pid != 0 {
			_ = pf.Remove()
		}
		return fmt.Errorf("server is not running")
	}

	if dryRun {
		ui.DryRunMsg("Would stop server (pid %d)", pid)
		return nil
	}

	if err := pf.Signal(stopSignal()); err != nil {
		return fmt.Errorf("signal server: %w", err)
	}
	deadline := time.Now().Add(shutdownTimeout)
	for time.Now().Before(deadline) {
		if _, running := pf.IsRunning(); !running {
			ui.Success("Server stopped (pid %d)", pid)
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}

	ui.Warning("Server did not exit within %s, killing", shutdownTimeout)
	if err := pf.Signal(killSignal()); err != nil {
		return fmt.Errorf("kill server: %w", err)
	}
	_ = pf.Remove()
	ui.Success("Server killed (pid %d)", pid)
	return nil
}

func serveStatusRun() error {
	pf := pidFile()
	pid, running := pf.IsRunning()
	if jsonOut {
		return ui.JSON(map[string]any{
			"running":  running,
			"pid":      pid,
			"port":     viper.GetInt("server.port"),
			"pid_file": pf.Path,
			"log_file": serveLogPath(),
		})
	}
	if !running {
		if pid != 0 {
			ui.Warning("Stale PID file for pid %d: %s", pid, pf.Path)
		}
		ui.Info("Server is %s", output.Yellow("not running"))
		return nil
	}
	ui.Success("Server is %s (pid %d)", output.Green("running"), pid)
	ui.Field("Port", fmt.Sprint(viper.GetInt("server.port")))
	ui.Field("PID file", pf.Path)
	ui.Field("Log", serveLogPath())
	return nil
}
