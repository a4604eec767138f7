package cmd

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var configForce bool

// configDirFunc returns the config directory path, replaceable in tests.
var configDirFunc = defaultConfigDir

func defaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "ralph"), nil
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or manage configuration",
	Long: `Show or manage ralph configuration.

Running bare 'ralph config' is the same as 'ralph config show'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create config file with commented defaults",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configInitRun()
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show effective configuration with sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Open config file in $EDITOR",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configEditRun()
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite existing config file")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configEditCmd)
	rootCmd.AddCommand(configCmd)
}

// configTemplate is the template for generating config.yaml with comments.
const configTemplate = `# ralph configuration
# See: ralph config show (for effective values and sources)

# State/data directory (default: ~/.config/ralph)
# state_dir: {{ .StateDir }}

# SQLite database path (default: ~/.config/ralph/ralph.db)
# db_path: {{ .DBPath }}

log:
  # debug, info, warn or error
  level: {{ .LogLevel }}
  # text or json
  format: {{ .LogFormat }}

server:
  port: {{ .Port }}
  # Browser origins allowed to call the API and /mcp
  allowed_origins:
{{- range .AllowedOrigins }}
    - "{{ . }}"
{{- end }}

# Reviewer dispatch rate limit: capacity tokens refilled over window
ratelimit:
  capacity: {{ .RateCapacity }}
  window: {{ .RateWindow }}
  # store (shared SQLite bucket) or memory (this process only)
  backend: {{ .RateBackend }}

dispatcher:
  enabled: {{ .DispatcherEnabled }}
  interval: {{ .DispatcherInterval }}

queue:
  default_priority: {{ .DefaultPriority }}
  # Added to the priority of resubmissions (iteration > 0)
  resubmit_priority_boost: {{ .ResubmitBoost }}

guardrails:
  # Revision count that forces human approval
  max_iterations: {{ .MaxIterations }}
  protected_paths:
{{- range .ProtectedPaths }}
    - "{{ . }}"
{{- end }}
  dependency_files:
{{- range .DependencyFiles }}
    - "{{ . }}"
{{- end }}

review:
  # Recorded as the inspector when a verdict names none
  reviewer: "{{ .Reviewer }}"

notify:
  # Base URL for "View Details" links in notifications
  web_url: "{{ .WebURL }}"
  telegram:
    bot_token: "{{ .TelegramToken }}"
    chat_id: "{{ .TelegramChat }}"
    # Checked against X-Telegram-Bot-Api-Secret-Token on the webhook
    webhook_secret: "{{ .TelegramSecret }}"
`

type configTemplateData struct {
	StateDir           string
	DBPath             string
	LogLevel           string
	LogFormat          string
	Port               int
	AllowedOrigins     []string
	RateCapacity       int
	RateWindow         string
	RateBackend        string
	DispatcherEnabled  bool
	DispatcherInterval string
	DefaultPriority    int
	ResubmitBoost      int
	MaxIterations      int
	ProtectedPaths     []string
	DependencyFiles    []string
	Reviewer           string
	WebURL             string
	TelegramToken      string
	TelegramChat       string
	TelegramSecret     string
}

func configFilePath() (string, error) {
	dir, err := configDirFunc()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

func renderConfig() ([]byte, error) {
	data := configTemplateData{
		StateDir:           viper.GetString("state_dir"),
		DBPath:             viper.GetString("db_path"),
		LogLevel:           viper.GetString("log.level"),
		LogFormat:          viper.GetString("log.format"),
		Port:               viper.GetInt("server.port"),
		AllowedOrigins:     viper.GetStringSlice("server.allowed_origins"),
		RateCapacity:       viper.GetInt("ratelimit.capacity"),
		RateWindow:         viper.GetDuration("ratelimit.window").String(),
		RateBackend:        viper.GetString("ratelimit.backend"),
		DispatcherEnabled:  viper.GetBool("dispatcher.enabled"),
		DispatcherInterval: viper.GetDuration("dispatcher.interval").String(),
		DefaultPriority:    viper.GetInt("queue.default_priority"),
		ResubmitBoost:      viper.GetInt("queue.resubmit_priority_boost"),
		MaxIterations:      viper.GetInt("guardrails.max_iterations"),
		ProtectedPaths:     viper.GetStringSlice("guardrails.protected_paths"),
		DependencyFiles:    viper.GetStringSlice("guardrails.dependency_files"),
		Reviewer:           viper.GetString("review.reviewer"),
		WebURL:             viper.GetString("notify.web_url"),
		TelegramToken:      viper.GetString("notify.telegram.bot_token"),
		TelegramChat:       viper.GetString("notify.telegram.chat_id"),
		TelegramSecret:     viper.GetString("notify.telegram.webhook_secret"),
	}

	tmpl, err := template.New("config").Parse(configTemplate)
	if err != nil {
		return nil, fmt.Errorf("template parse error: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("template execute error: %w", err)
	}

	// The rendered file must load back through viper.
	var check map[string]any
	if err := yaml.Unmarshal(buf.Bytes(), &check); err != nil {
		return nil, fmt.Errorf("generated config is not valid YAML: %w", err)
	}
	return buf.Bytes(), nil
}

func configInitRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	if _, err := os.Stat(cfgPath); err == nil {
		if !configForce {
			return fmt.Errorf("config file already exists: %s (use --force to overwrite)", cfgPath)
		}
		ui.Warning("Overwriting existing config file")
	}

	content, err := renderConfig()
	if err != nil {
		return err
	}

	if dryRun {
		ui.DryRunMsg("Would create config file: %s", cfgPath)
		fmt.Fprintln(ui.Out)
		fmt.Fprint(ui.Out, string(content))
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(cfgPath), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	// The file may hold the bot token.
	if err := os.WriteFile(cfgPath, content, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	ui.Success("Config file created: %s", cfgPath)
	fmt.Fprintln(ui.Out)
	fmt.Fprint(ui.Out, string(content))
	return nil
}

// configKeys lists the keys shown by 'config show', in display order.
var configKeys = []string{
	"state_dir",
	"db_path",
	"database.timeout",
	"log.level",
	"log.format",
	"server.port",
	"server.allowed_origins",
	"ratelimit.capacity",
	"ratelimit.window",
	"ratelimit.timeout",
	"ratelimit.backend",
	"dispatcher.enabled",
	"dispatcher.interval",
	"dispatcher.batch_size",
	"queue.default_priority",
	"queue.resubmit_priority_boost",
	"guardrails.max_iterations",
	"guardrails.protected_paths",
	"guardrails.dependency_files",
	"review.reviewer",
	"notify.timeout",
	"notify.web_url",
	"notify.telegram.bot_token",
	"notify.telegram.chat_id",
	"notify.telegram.webhook_secret",
}

// secretKeys are masked in 'config show'.
var secretKeys = map[string]bool{
	"notify.telegram.bot_token":      true,
	"notify.telegram.webhook_secret": true,
}

// envVarFor returns the environment variable that overrides key.
func envVarFor(key string) string {
	return "RALPH_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

func configShowRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}
	if used := viper.ConfigFileUsed(); used != "" {
		cfgPath = used
	}

	if _, err := os.Stat(cfgPath); err == nil {
		ui.Info("Config file: %s", cfgPath)
	} else {
		ui.Info("Config file: (none)")
	}
	fmt.Fprintln(ui.Out)

	fileValues := readConfigFileValues(cfgPath)

	for _, key := range configKeys {
		val := fmt.Sprint(viper.Get(key))
		if secretKeys[key] && val != "" {
			val = "********"
		}
		source := detectSource(key, envVarFor(key), fileValues)
		fmt.Fprintf(ui.Out, "  %-32s %s  %s\n", key, val, source)
	}
	return nil
}

// readConfigFileValues reads the raw YAML file and returns a flat map of keys present in it.
func readConfigFileValues(path string) map[string]bool {
	result := make(map[string]bool)

	data, err := os.ReadFile(path)
	if err != nil {
		return result
	}

	var parsed map[string]any
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return result
	}

	flattenKeys("", parsed, result)
	return result
}

// flattenKeys recursively flattens a nested map to dot-notation keys.
func flattenKeys(prefix string, m map[string]any, result map[string]bool) {
	for key, val := range m {
		fullKey := key
		if prefix != "" {
			fullKey = prefix + "." + key
		}
		if nested, ok := val.(map[string]any); ok {
			flattenKeys(fullKey, nested, result)
		} else {
			result[fullKey] = true
		}
	}
}

// detectSource determines where a config value is coming from.
func detectSource(key, envVar string, fileValues map[string]bool) string {
	if _, ok := os.LookupEnv(envVar); ok {
		return fmt.Sprintf("(env: %s)", envVar)
	}
	if fileValues[key] {
		return "(file)"
	}
	return "(default)"
}

func configEditRun() error {
	editor := os.Getenv("EDITOR")
	if editor == "" {
		editor = os.Getenv("VISUAL")
	}
	if editor == "" {
		return fmt.Errorf("$EDITOR is not set, set it to your preferred editor (e.g. export EDITOR=vim)")
	}

	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s (run 'ralph config init' first)", cfgPath)
	}

	if dryRun {
		ui.DryRunMsg("Would open %s in %s", cfgPath, editor)
		return nil
	}

	editCmd := exec.Command(editor, cfgPath)
	editCmd.Stdin = os.Stdin
	editCmd.Stdout = os.Stdout
	editCmd.Stderr = os.Stderr
	return editCmd.Run()
}
