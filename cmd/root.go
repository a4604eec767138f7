package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/ralph/internal/dispatcher"
	"github.com/joescharf/ralph/internal/guardrail"
	"github.com/joescharf/ralph/internal/logger"
	"github.com/joescharf/ralph/internal/notify"
	"github.com/joescharf/ralph/internal/output"
	"github.com/joescharf/ralph/internal/ratelimit"
	"github.com/joescharf/ralph/internal/review"
	"github.com/joescharf/ralph/internal/store"
)

// Package-level shared dependencies, initialized in cobra.OnInitialize.
var (
	ui        *output.UI
	log       *slog.Logger
	dataStore store.Store

	verbose bool
	dryRun  bool
	jsonOut bool
)

var rootCmd = &cobra.Command{
	Use:   "ralph",
	Short: "Review lifecycle engine for builder/reviewer agent loops",
	Long: `ralph sits between a builder agent and a reviewer.

Builders submit builds; ralph evaluates guardrails, queues them for review and
releases them to the reviewer at a rate-limited pace. Reviewers pull builds over
MCP or REST, submit verdicts and request revisions until a build is approved.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	DisableAutoGenTag: true,
}

// Execute is the main entry point called from main.go.
func Execute(version, commit, date string) {
	buildVersion = version
	buildCommit = commit
	buildDate = date

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if dataStore != nil {
			_ = dataStore.Close()
		}
		os.Exit(1)
	}
	if dataStore != nil {
		_ = dataStore.Close()
	}
}

func init() {
	cobra.OnInitialize(initConfig, initDeps)

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().BoolVarP(&dryRun, "dry-run", "n", false, "Show what would happen without making changes")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "Print results as JSON")
	rootCmd.PersistentFlags().String("config", "", "Config file (default ~/.config/ralph/config.yaml)")
}

func initConfig() {
	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		dir, err := configDirFunc()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: cannot find home directory: %v\n", err)
			os.Exit(1)
		}
		viper.AddConfigPath(dir)
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("RALPH")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	dir, _ := configDirFunc()
	setDefaults(dir)

	// Read config file if it exists (optional)
	_ = viper.ReadInConfig()
}

// setDefaults registers every config key with its default value.
func setDefaults(stateDir string) {
	viper.SetDefault("state_dir", stateDir)
	viper.SetDefault("db_path", filepath.Join(stateDir, "ralph.db"))
	viper.SetDefault("database.timeout", 10*time.Second)

	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "text")

	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.allowed_origins", []string{
		"https://chat.openai.com",
		"https://chatgpt.com",
		"http://localhost:3000",
	})

	viper.SetDefault("ratelimit.capacity", ratelimit.DefaultCapacity)
	viper.SetDefault("ratelimit.window", ratelimit.DefaultWindow)
	viper.SetDefault("ratelimit.timeout", ratelimit.DefaultTimeout)
	viper.SetDefault("ratelimit.backend", "store")

	viper.SetDefault("dispatcher.enabled", true)
	viper.SetDefault("dispatcher.interval", dispatcher.DefaultInterval)
	viper.SetDefault("dispatcher.batch_size", dispatcher.DefaultBatchSize)

	viper.SetDefault("queue.default_priority", 5)
	viper.SetDefault("queue.resubmit_priority_boost", 0)

	viper.SetDefault("guardrails.max_iterations", guardrail.DefaultMaxIterations)
	viper.SetDefault("guardrails.protected_paths", guardrail.DefaultProtectedPaths)
	viper.SetDefault("guardrails.dependency_files", guardrail.DefaultDependencyFiles)

	viper.SetDefault("review.reviewer", "external-reviewer")

	viper.SetDefault("notify.timeout", notify.DefaultTimeout)
	viper.SetDefault("notify.web_url", "")
	viper.SetDefault("notify.telegram.bot_token", "")
	viper.SetDefault("notify.telegram.chat_id", "")
	viper.SetDefault("notify.telegram.webhook_secret", "")
}

func initDeps() {
	ui = output.New()
	ui.Verbose = verbose
	ui.DryRun = dryRun

	level := viper.GetString("log.level")
	if verbose {
		level = "debug"
	}
	log = logger.New(logger.Config{Level: level, Format: viper.GetString("log.format")}, nil)
	slog.SetDefault(log)

	// The store is opened lazily so config/version commands run without a db.
}

// getStore returns the shared store, initializing it on first call.
func getStore() (store.Store, error) {
	if dataStore != nil {
		return dataStore, nil
	}

	dbPath := viper.GetString("db_path")
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), viper.GetDuration("database.timeout"))
	defer cancel()
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	dataStore = s
	return dataStore, nil
}

// getEngine builds a review engine over the shared store using the
// configured notifier.
func getEngine() (*review.Engine, error) {
	s, err := getStore()
	if err != nil {
		return nil, err
	}
	return review.New(s, newNotifier(), review.DefaultConfig(), log), nil
}

// newTelegram returns the configured Telegram client, or nil.
func newTelegram() *notify.Telegram {
	tg := notify.NewTelegram(notify.TelegramConfig{
		BotToken: viper.GetString("notify.telegram.bot_token"),
		ChatID:   viper.GetString("notify.telegram.chat_id"),
		WebURL:   viper.GetString("notify.web_url"),
	}, &http.Client{Timeout: viper.GetDuration("notify.timeout")})
	if !tg.Configured() {
		return nil
	}
	return tg
}

func newNotifier() notify.Notifier {
	if tg := newTelegram(); tg != nil {
		return tg
	}
	return notify.Nop{}
}

// newLimiter builds the dispatch rate limiter on the configured backend.
func newLimiter(s store.Store) (*ratelimit.Limiter, error) {
	var backend ratelimit.Backend
	switch b := viper.GetString("ratelimit.backend"); b {
	case "", "store":
		backend = s
	case "memory":
		backend = ratelimit.NewMemoryBackend()
	default:
		return nil, fmt.Errorf("unknown ratelimit.backend %q (want store or memory)", b)
	}
	return ratelimit.New(backend, ratelimit.Config{
		Capacity: viper.GetInt("ratelimit.capacity"),
		Window:   viper.GetDuration("ratelimit.window"),
		Timeout:  viper.GetDuration("ratelimit.timeout"),
	}, log), nil
}

func newDispatcher(s store.Store) (*dispatcher.Dispatcher, error) {
	limiter, err := newLimiter(s)
	if err != nil {
		return nil, err
	}
	return dispatcher.New(s, limiter, dispatcher.Config{
		Interval:  viper.GetDuration("dispatcher.interval"),
		BatchSize: viper.GetInt("dispatcher.batch_size"),
	}, log), nil
}
