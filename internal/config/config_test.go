package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 1, cfg.Run.Parallel)
	assert.Equal(t, 2, cfg.Run.MaxReviewFixes)
	assert.Equal(t, 2, cfg.Run.MaxCIAttempts)
	assert.Equal(t, 10*time.Second, cfg.CI.InitialInterval)
	assert.Equal(t, 60*time.Second, cfg.CI.MaxInterval)
	assert.Equal(t, 30*time.Minute, cfg.CI.Timeout)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero parallel", func(c *Config) { c.Run.Parallel = 0 }},
		{"negative budget", func(c *Config) { c.Run.MaxBudget = -1 }},
		{"negative wave", func(c *Config) { c.Run.Wave = -2 }},
		{"negative review fixes", func(c *Config) { c.Run.MaxReviewFixes = -1 }},
		{"auto and skip merge", func(c *Config) { c.Run.AutoMerge = true; c.Run.SkipMerge = true }},
		{"initial above max", func(c *Config) { c.CI.InitialInterval = 2 * time.Minute }},
		{"unknown tracker", func(c *Config) { c.Tracker.Kind = "jira" }},
		{"beads without db", func(c *Config) { c.Tracker.Kind = TrackerBeads }},
		{"file without path", func(c *Config) { c.Tracker.Kind = TrackerFile }},
		{"telegram without token", func(c *Config) { c.Notify.Channel = "telegram" }},
		{"unknown exporter", func(c *Config) { c.Telemetry.Exporter = "zipkin" }},
		{"empty runner", func(c *Config) { c.Runner.Command = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func newFlags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.Int("parallel", 1, "")
	fs.Float64("max-budget", 0, "")
	fs.String("model", "", "")
	fs.Bool("auto-merge", false, "")
	fs.Bool("skip-merge", false, "")
	fs.Int("max-review-fixes", 2, "")
	return fs
}

func TestLoadLayering(t *testing.T) {
	repo := t.TempDir()
	yaml := `
base_branch: develop
run:
  parallel: 3
  model: sonnet
ci:
  initial_interval: 5s
  timeout: 10m
tracker:
  repo: acme/app
runner:
  extra_args: ["--verbose"]
`
	require.NoError(t, os.WriteFile(filepath.Join(repo, FileName), []byte(yaml), 0644))
	t.Setenv("ORCHESTRATE_REPO_DIR", repo)
	t.Setenv("ORCHESTRATE_RUN_MODEL", "opus")
	t.Setenv("ORCHESTRATE_RUN_MAX_REVIEW_FIXES", "4")

	fs := newFlags()
	require.NoError(t, fs.Parse([]string{"--parallel", "5", "--auto-merge"}))

	cfg, err := Load(LoadOptions{Flags: fs})
	require.NoError(t, err)

	assert.Equal(t, "develop", cfg.BaseBranch, "file overrides default")
	assert.Equal(t, "opus", cfg.Run.Model, "env overrides file")
	assert.Equal(t, 5, cfg.Run.Parallel, "flag overrides file")
	assert.Equal(t, 4, cfg.Run.MaxReviewFixes, "env applies when flag unchanged")
	assert.True(t, cfg.Run.AutoMerge)
	assert.Equal(t, 5*time.Second, cfg.CI.InitialInterval)
	assert.Equal(t, 60*time.Second, cfg.CI.MaxInterval)
	assert.Equal(t, 10*time.Minute, cfg.CI.Timeout)
	assert.Equal(t, "acme/app", cfg.Tracker.Repo)
	assert.Equal(t, []string{"--verbose"}, cfg.Runner.ExtraArgs)
}

func TestLoadRejectsConflictingMergeFlags(t *testing.T) {
	t.Setenv("ORCHESTRATE_REPO_DIR", t.TempDir())
	fs := newFlags()
	require.NoError(t, fs.Parse([]string{"--auto-merge", "--skip-merge"}))

	_, err := Load(LoadOptions{Flags: fs})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mutually exclusive")
}

func TestLoadWithoutFile(t *testing.T) {
	t.Setenv("ORCHESTRATE_REPO_DIR", t.TempDir())
	cfg, err := Load(LoadOptions{})
	require.NoError(t, err)
	assert.Equal(t, "main", cfg.BaseBranch)
}

func TestLoadExplicitFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte("run:\n  parallel: 0\n"), 0644))
	_, err := Load(LoadOptions{ConfigFile: path})
	assert.Error(t, err, "invalid values are rejected")

	_, err = Load(LoadOptions{ConfigFile: filepath.Join(t.TempDir(), "missing.yaml")})
	assert.Error(t, err)
}

func TestStringHidesSecrets(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Notify.TelegramToken = "123:secret"
	s := cfg.String()
	assert.NotContains(t, s, "123:secret")
	assert.Contains(t, s, "[set]")
	assert.Equal(t, filepath.Join(".orchestrate", "merge.ack"), cfg.AckFilePath())
}
