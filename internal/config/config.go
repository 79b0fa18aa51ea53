// Package config loads orchestrator configuration. Sources, lowest to
// highest precedence: built-in defaults, the .orchestrate.yaml file,
// ORCHESTRATE_* environment variables, command-line flags.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// FileName is the config file looked up in the repository root
const FileName = ".orchestrate.yaml"

// EnvPrefix prefixes every environment override
const EnvPrefix = "ORCHESTRATE"

// Config represents the complete orchestrator configuration
type Config struct {
	// StateDir holds the checkpoint store, logs, worktrees and run lock
	StateDir string `mapstructure:"state_dir"`
	// RepoDir is the primary repository (default: current directory)
	RepoDir    string `mapstructure:"repo_dir"`
	BaseBranch string `mapstructure:"base_branch"`
	Remote     string `mapstructure:"remote"`
	LogLevel   string `mapstructure:"log_level"`

	Run       RunConfig       `mapstructure:"run"`
	CI        CIConfig        `mapstructure:"ci"`
	Store     StoreConfig     `mapstructure:"store"`
	Runner    RunnerConfig    `mapstructure:"runner"`
	Tracker   TrackerConfig   `mapstructure:"tracker"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Baseline  BaselineConfig  `mapstructure:"baseline"`
	Cleanup   CleanupConfig   `mapstructure:"cleanup"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	AI        AIConfig        `mapstructure:"ai"`
}

// RunConfig holds the per-run knobs, most of them also flags
type RunConfig struct {
	// Parallel is the number of task runners executing at once
	Parallel int `mapstructure:"parallel"`
	// MaxBudget is the per-task spend cap in USD (0 = none)
	MaxBudget float64 `mapstructure:"max_budget"`
	Model     string  `mapstructure:"model"`
	// Wave restricts execution to one wave (0 = all)
	Wave           int  `mapstructure:"wave"`
	DryRun         bool `mapstructure:"dry_run"`
	Resume         bool `mapstructure:"resume"`
	SkipCI         bool `mapstructure:"skip_ci"`
	SkipReview     bool `mapstructure:"skip_review"`
	SkipMerge      bool `mapstructure:"skip_merge"`
	AutoMerge      bool `mapstructure:"auto_merge"`
	MaxReviewFixes int  `mapstructure:"max_review_fixes"`
	MaxCIAttempts  int  `mapstructure:"max_ci_attempts"`
}

// CIConfig controls CI polling
type CIConfig struct {
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	Timeout         time.Duration `mapstructure:"timeout"`
}

// StoreConfig tunes the checkpoint store
type StoreConfig struct {
	BusyTimeout  time.Duration `mapstructure:"busy_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	MaxOpenConns int           `mapstructure:"max_open_conns"`
}

// RunnerConfig configures the delegated task runner
type RunnerConfig struct {
	Command   string        `mapstructure:"command"`
	Timeout   time.Duration `mapstructure:"timeout"`
	ExtraArgs []string      `mapstructure:"extra_args"`
}

// Tracker kinds
const (
	TrackerGitHub = "github"
	TrackerBeads  = "beads"
	TrackerFile   = "file"
)

// TrackerConfig selects where work items come from
type TrackerConfig struct {
	Kind string `mapstructure:"kind"`
	// Repo is owner/name for GitHub (default: the current repository)
	Repo              string  `mapstructure:"repo"`
	BeadsDB           string  `mapstructure:"beads_db"`
	ItemsFile         string  `mapstructure:"items_file"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
}

// NotifyConfig configures the notify-and-wait channel
type NotifyConfig struct {
	Channel        string `mapstructure:"channel"`
	TelegramToken  string `mapstructure:"telegram_token"`
	TelegramChatID int64  `mapstructure:"telegram_chat_id"`
	AckFile        string `mapstructure:"ack_file"`
}

// BaselineConfig lists the commands whose error counts are snapshotted
// before a run. Empty commands are skipped.
type BaselineConfig struct {
	LintCommand      string `mapstructure:"lint_command"`
	TypecheckCommand string `mapstructure:"typecheck_command"`
	// ErrorPattern matches lines counted as errors
	ErrorPattern string `mapstructure:"error_pattern"`
}

// CleanupConfig controls pruning of leftover work branches
type CleanupConfig struct {
	BranchRetention time.Duration `mapstructure:"branch_retention"`
}

// TelemetryConfig configures OpenTelemetry export
type TelemetryConfig struct {
	Exporter string `mapstructure:"exporter"`
	Endpoint string `mapstructure:"endpoint"`
}

// AIConfig configures failure triage
type AIConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Model   string `mapstructure:"model"`
}

// DefaultConfig returns the built-in defaults
func DefaultConfig() *Config {
	return &Config{
		StateDir:   ".orchestrate",
		RepoDir:    ".",
		BaseBranch: "main",
		Remote:     "origin",
		LogLevel:   "info",
		Run: RunConfig{
			Parallel:       1,
			MaxReviewFixes: 2,
			MaxCIAttempts:  2,
		},
		CI: CIConfig{
			InitialInterval: 10 * time.Second,
			MaxInterval:     60 * time.Second,
			Timeout:         30 * time.Minute,
		},
		Store: StoreConfig{
			BusyTimeout:  5 * time.Second,
			IdleTimeout:  30 * time.Second,
			MaxOpenConns: 4,
		},
		Runner: RunnerConfig{
			Command: "claude",
			Timeout: 60 * time.Minute,
		},
		Tracker: TrackerConfig{
			Kind:              TrackerGitHub,
			RequestsPerSecond: 5,
		},
		Notify: NotifyConfig{
			Channel: "terminal",
		},
		Baseline: BaselineConfig{
			ErrorPattern: `(?i)\berror\b`,
		},
		Cleanup: CleanupConfig{
			BranchRetention: 7 * 24 * time.Hour,
		},
		Telemetry: TelemetryConfig{
			Exporter: "none",
		},
	}
}

// FlagKeys maps command-line flag names to config keys
var FlagKeys = map[string]string{
	"parallel":         "run.parallel",
	"max-budget":       "run.max_budget",
	"model":            "run.model",
	"wave":             "run.wave",
	"dry-run":          "run.dry_run",
	"resume":           "run.resume",
	"skip-ci":          "run.skip_ci",
	"skip-review":      "run.skip_review",
	"skip-merge":       "run.skip_merge",
	"auto-merge":       "run.auto_merge",
	"max-review-fixes": "run.max_review_fixes",
	"max-ci-attempts":  "run.max_ci_attempts",
	"state-dir":        "state_dir",
	"repo-dir":         "repo_dir",
	"base":             "base_branch",
	"tracker":          "tracker.kind",
	"repo":             "tracker.repo",
	"items-file":       "tracker.items_file",
	"beads-db":         "tracker.beads_db",
	"notify":           "notify.channel",
	"log-level":        "log_level",
}

// LoadOptions controls Load
type LoadOptions struct {
	// ConfigFile overrides the default lookup of FileName in RepoDir
	ConfigFile string
	// Flags are bound by FlagKeys when present
	Flags *pflag.FlagSet
}

// Load assembles the configuration from every source and validates it
func Load(opts LoadOptions) (*Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if opts.Flags != nil {
		for name, key := range FlagKeys {
			if f := opts.Flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("failed to bind flag --%s: %w", name, err)
				}
			}
		}
	}

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", opts.ConfigFile, err)
		}
	} else {
		v.SetConfigName(strings.TrimSuffix(FileName, filepath.Ext(FileName)))
		v.SetConfigType("yaml")
		v.AddConfigPath(v.GetString("repo_dir"))
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read %s: %w", FileName, err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("state_dir", d.StateDir)
	v.SetDefault("repo_dir", d.RepoDir)
	v.SetDefault("base_branch", d.BaseBranch)
	v.SetDefault("remote", d.Remote)
	v.SetDefault("log_level", d.LogLevel)

	v.SetDefault("run.parallel", d.Run.Parallel)
	v.SetDefault("run.max_budget", d.Run.MaxBudget)
	v.SetDefault("run.model", d.Run.Model)
	v.SetDefault("run.wave", d.Run.Wave)
	v.SetDefault("run.dry_run", d.Run.DryRun)
	v.SetDefault("run.resume", d.Run.Resume)
	v.SetDefault("run.skip_ci", d.Run.SkipCI)
	v.SetDefault("run.skip_review", d.Run.SkipReview)
	v.SetDefault("run.skip_merge", d.Run.SkipMerge)
	v.SetDefault("run.auto_merge", d.Run.AutoMerge)
	v.SetDefault("run.max_review_fixes", d.Run.MaxReviewFixes)
	v.SetDefault("run.max_ci_attempts", d.Run.MaxCIAttempts)

	v.SetDefault("ci.initial_interval", d.CI.InitialInterval)
	v.SetDefault("ci.max_interval", d.CI.MaxInterval)
	v.SetDefault("ci.timeout", d.CI.Timeout)

	v.SetDefault("store.busy_timeout", d.Store.BusyTimeout)
	v.SetDefault("store.idle_timeout", d.Store.IdleTimeout)
	v.SetDefault("store.max_open_conns", d.Store.MaxOpenConns)

	v.SetDefault("runner.command", d.Runner.Command)
	v.SetDefault("runner.timeout", d.Runner.Timeout)
	v.SetDefault("runner.extra_args", d.Runner.ExtraArgs)

	v.SetDefault("tracker.kind", d.Tracker.Kind)
	v.SetDefault("tracker.repo", d.Tracker.Repo)
	v.SetDefault("tracker.beads_db", d.Tracker.BeadsDB)
	v.SetDefault("tracker.items_file", d.Tracker.ItemsFile)
	v.SetDefault("tracker.requests_per_second", d.Tracker.RequestsPerSecond)

	v.SetDefault("notify.channel", d.Notify.Channel)
	v.SetDefault("notify.telegram_token", d.Notify.TelegramToken)
	v.SetDefault("notify.telegram_chat_id", d.Notify.TelegramChatID)
	v.SetDefault("notify.ack_file", d.Notify.AckFile)

	v.SetDefault("baseline.lint_command", d.Baseline.LintCommand)
	v.SetDefault("baseline.typecheck_command", d.Baseline.TypecheckCommand)
	v.SetDefault("baseline.error_pattern", d.Baseline.ErrorPattern)

	v.SetDefault("cleanup.branch_retention", d.Cleanup.BranchRetention)

	v.SetDefault("telemetry.exporter", d.Telemetry.Exporter)
	v.SetDefault("telemetry.endpoint", d.Telemetry.Endpoint)

	v.SetDefault("ai.enabled", d.AI.Enabled)
	v.SetDefault("ai.model", d.AI.Model)
}

// Validate checks if the configuration has valid values
func (c *Config) Validate() error {
	if c.StateDir == "" {
		return fmt.Errorf("state_dir cannot be empty")
	}
	if c.BaseBranch == "" {
		return fmt.Errorf("base_branch cannot be empty")
	}
	if c.Remote == "" {
		return fmt.Errorf("remote cannot be empty")
	}

	if c.Run.Parallel < 1 || c.Run.Parallel > 64 {
		return fmt.Errorf("parallel must be between 1 and 64 (got %d)", c.Run.Parallel)
	}
	if c.Run.MaxBudget < 0 {
		return fmt.Errorf("max_budget must be non-negative (got %v)", c.Run.MaxBudget)
	}
	if c.Run.Wave < 0 {
		return fmt.Errorf("wave must be positive (got %d)", c.Run.Wave)
	}
	if c.Run.MaxReviewFixes < 0 {
		return fmt.Errorf("max_review_fixes must be non-negative (got %d)", c.Run.MaxReviewFixes)
	}
	if c.Run.MaxCIAttempts < 0 {
		return fmt.Errorf("max_ci_attempts must be non-negative (got %d)", c.Run.MaxCIAttempts)
	}
	if c.Run.AutoMerge && c.Run.SkipMerge {
		return fmt.Errorf("auto_merge and skip_merge are mutually exclusive")
	}

	if c.CI.InitialInterval <= 0 || c.CI.MaxInterval <= 0 || c.CI.Timeout <= 0 {
		return fmt.Errorf("ci intervals and timeout must be positive")
	}
	if c.CI.InitialInterval > c.CI.MaxInterval {
		return fmt.Errorf("ci.initial_interval (%v) exceeds ci.max_interval (%v)", c.CI.InitialInterval, c.CI.MaxInterval)
	}

	if c.Store.BusyTimeout <= 0 {
		return fmt.Errorf("store.busy_timeout must be positive")
	}
	if c.Store.MaxOpenConns < 1 {
		return fmt.Errorf("store.max_open_conns must be at least 1")
	}

	if c.Runner.Command == "" {
		return fmt.Errorf("runner.command cannot be empty")
	}
	if c.Runner.Timeout <= 0 {
		return fmt.Errorf("runner.timeout must be positive")
	}

	switch c.Tracker.Kind {
	case TrackerGitHub:
	case TrackerBeads:
		if c.Tracker.BeadsDB == "" {
			return fmt.Errorf("tracker.beads_db is required for the beads tracker")
		}
	case TrackerFile:
		if c.Tracker.ItemsFile == "" {
			return fmt.Errorf("tracker.items_file is required for the file tracker")
		}
	default:
		return fmt.Errorf("unknown tracker kind: %q", c.Tracker.Kind)
	}
	if c.Tracker.RequestsPerSecond <= 0 {
		return fmt.Errorf("tracker.requests_per_second must be positive")
	}

	switch c.Notify.Channel {
	case "terminal", "file":
	case "telegram":
		if c.Notify.TelegramToken == "" || c.Notify.TelegramChatID == 0 {
			return fmt.Errorf("notify.telegram_token and notify.telegram_chat_id are required for telegram")
		}
	default:
		return fmt.Errorf("unknown notify channel: %q", c.Notify.Channel)
	}

	switch c.Telemetry.Exporter {
	case "none", "stdout", "otlp":
	default:
		return fmt.Errorf("unknown telemetry exporter: %q", c.Telemetry.Exporter)
	}
	return nil
}

// AckFilePath returns the file-channel acknowledgement path, defaulting to
// a file in the state directory
func (c *Config) AckFilePath() string {
	if c.Notify.AckFile != "" {
		return c.Notify.AckFile
	}
	return filepath.Join(c.StateDir, "merge.ack")
}

// String returns a human-readable representation of the config. Secrets
// are never printed.
func (c *Config) String() string {
	token := ""
	if c.Notify.TelegramToken != "" {
		token = "[set]"
	}
	return fmt.Sprintf(
		"Config{StateDir: %s, Base: %s/%s, Parallel: %d, Model: %q, MaxBudget: %v, Wave: %d, "+
			"SkipCI: %v, SkipReview: %v, SkipMerge: %v, AutoMerge: %v, MaxReviewFixes: %d, MaxCIAttempts: %d, "+
			"CI: %v..%v/%v, Tracker: %s, Notify: %s%s, Telemetry: %s}",
		c.StateDir, c.Remote, c.BaseBranch, c.Run.Parallel, c.Run.Model, c.Run.MaxBudget, c.Run.Wave,
		c.Run.SkipCI, c.Run.SkipReview, c.Run.SkipMerge, c.Run.AutoMerge, c.Run.MaxReviewFixes, c.Run.MaxCIAttempts,
		c.CI.InitialInterval, c.CI.MaxInterval, c.CI.Timeout, c.Tracker.Kind, c.Notify.Channel, token, c.Telemetry.Exporter,
	)
}
