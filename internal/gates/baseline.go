package gates

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/steveyegge/orchestrate/internal/storage"
	"github.com/steveyegge/orchestrate/internal/types"
)

// GateType identifies a baseline check
type GateType string

const (
	GateLint      GateType = "lint"
	GateTypecheck GateType = "typecheck"
)

// Result represents the outcome of one baseline check
type Result struct {
	Gate     GateType
	Passed   bool
	Skipped  bool
	ExitCode int
	Count    int // lines matching the error pattern
	Output   string
	Error    error
}

// GateProvider runs the baseline checks
type GateProvider interface {
	// RunAll executes all checks in sequence and reports whether all passed
	RunAll(ctx context.Context) ([]*Result, bool)
}

// BaselineConfig configures baseline capture
type BaselineConfig struct {
	LintCommand      string // Shell command, skipped when empty
	TypecheckCommand string // Shell command, skipped when empty
	ErrorPattern     string // Lines matching this count as errors (default: "error")
	WorkingDir       string // Directory the commands run in (default: ".")
	Timeout          time.Duration
}

// BaselineRunner runs the configured lint and typecheck commands
type BaselineRunner struct {
	config  BaselineConfig
	pattern *regexp.Regexp
}

// NewBaselineRunner creates a baseline runner
func NewBaselineRunner(cfg BaselineConfig) (*BaselineRunner, error) {
	if cfg.WorkingDir == "" {
		cfg.WorkingDir = "."
	}
	if cfg.ErrorPattern == "" {
		cfg.ErrorPattern = `(?i)\berror\b`
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Minute
	}
	pattern, err := regexp.Compile(cfg.ErrorPattern)
	if err != nil {
		return nil, fmt.Errorf("invalid error pattern: %w", err)
	}
	return &BaselineRunner{config: cfg, pattern: pattern}, nil
}

// Enabled reports whether any check is configured
func (r *BaselineRunner) Enabled() bool {
	return r.config.LintCommand != "" || r.config.TypecheckCommand != ""
}

// RunAll executes the lint then the typecheck command. Every check runs
// even when an earlier one fails.
func (r *BaselineRunner) RunAll(ctx context.Context) ([]*Result, bool) {
	results := []*Result{
		r.run(ctx, GateLint, r.config.LintCommand),
		r.run(ctx, GateTypecheck, r.config.TypecheckCommand),
	}
	allPassed := true
	for _, res := range results {
		if !res.Passed {
			allPassed = false
		}
	}
	return results, allPassed
}

func (r *BaselineRunner) run(ctx context.Context, gate GateType, command string) *Result {
	result := &Result{Gate: gate}
	if command == "" {
		result.Passed = true
		result.Skipped = true
		return result
	}

	ctx, cancel := context.WithTimeout(ctx, r.config.Timeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = r.config.WorkingDir

	output, err := cmd.CombinedOutput()
	result.Output = string(output)
	result.Count = r.countErrors(result.Output)

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		result.Passed = true
	case errors.As(err, &exitErr):
		result.ExitCode = exitErr.ExitCode()
		result.Error = fmt.Errorf("%s failed: %w", gate, err)
	default:
		result.ExitCode = -1
		result.Error = fmt.Errorf("%s could not run: %w", gate, err)
	}
	return result
}

func (r *BaselineRunner) countErrors(output string) int {
	count := 0
	scanner := bufio.NewScanner(strings.NewReader(output))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if r.pattern.MatchString(scanner.Text()) {
			count++
		}
	}
	return count
}

// CaptureBaseline runs the checks and stores the snapshot for a milestone
func CaptureBaseline(ctx context.Context, store storage.Storage, provider GateProvider, milestoneID string) (*types.Baseline, []*Result, error) {
	results, _ := provider.RunAll(ctx)
	b := Snapshot(milestoneID, results)
	if err := store.SaveBaseline(ctx, b); err != nil {
		return nil, results, storage.Persist("save baseline", err)
	}
	return b, results, nil
}

// Snapshot folds check results into an unsaved Baseline
func Snapshot(milestoneID string, results []*Result) *types.Baseline {
	b := &types.Baseline{MilestoneID: milestoneID, CapturedAt: time.Now().UTC()}
	for _, res := range results {
		switch res.Gate {
		case GateLint:
			b.LintExitCode, b.LintCount = res.ExitCode, res.Count
		case GateTypecheck:
			b.TypecheckExitCode, b.TypecheckCount = res.ExitCode, res.Count
		}
	}
	return b
}

// Regression compares a later snapshot against the baseline
type Regression struct {
	LintDelta      int
	TypecheckDelta int
	Regressed      bool
}

// String renders the comparison for the final report
func (r Regression) String() string {
	status := "no regressions"
	if r.Regressed {
		status = "REGRESSED"
	}
	return fmt.Sprintf("lint %+d, typecheck %+d (%s)", r.LintDelta, r.TypecheckDelta, status)
}

// CompareBaseline reports how after differs from before
func CompareBaseline(before, after *types.Baseline) Regression {
	if before == nil || after == nil {
		return Regression{}
	}
	return Regression{
		LintDelta:      after.LintCount - before.LintCount,
		TypecheckDelta: after.TypecheckCount - before.TypecheckCount,
		Regressed:      before.Regressed(after),
	}
}
