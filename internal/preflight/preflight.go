// Package preflight checks that the tools and state a run depends on are
// present and healthy.
package preflight

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/steveyegge/orchestrate/internal/git"
	"github.com/steveyegge/orchestrate/internal/storage"
	"golang.org/x/mod/semver"
)

// Status is the verdict of one check
type Status string

const (
	StatusOK   Status = "ok"
	StatusWarn Status = "warn"
	StatusFail Status = "fail"
)

// Result is the outcome of one check
type Result struct {
	Name   string
	Status Status
	Detail string
}

// Check inspects one precondition
type Check interface {
	Name() string
	Run(ctx context.Context) Result
}

// ExecFunc runs a command and returns its combined output
type ExecFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

// LookPathFunc resolves an executable on PATH
type LookPathFunc func(name string) (string, error)

func defaultExec(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

var versionPattern = regexp.MustCompile(`(\d+)\.(\d+)(?:\.(\d+))?`)

// ParseVersion extracts the first dotted version number from tool output
// and returns it in canonical semver form, e.g. "git version 2.39.2" ->
// "v2.39.2". It returns "" when no version is found.
func ParseVersion(output string) string {
	m := versionPattern.FindStringSubmatch(output)
	if m == nil {
		return ""
	}
	patch := m[3]
	if patch == "" {
		patch = "0"
	}
	v := fmt.Sprintf("v%s.%s.%s", m[1], m[2], patch)
	if !semver.IsValid(v) {
		return ""
	}
	return semver.Canonical(v)
}

// ToolCheck verifies an executable exists and meets a minimum version
type ToolCheck struct {
	Tool        string
	VersionArgs []string
	MinVersion  string // semver without the leading v; empty skips the comparison
	Required    bool   // a missing optional tool only warns

	Exec     ExecFunc
	LookPath LookPathFunc
}

// Name returns the tool name
func (c *ToolCheck) Name() string { return c.Tool }

// Run looks the tool up and compares its version
func (c *ToolCheck) Run(ctx context.Context) Result {
	res := Result{Name: c.Tool}
	lookPath, run := c.LookPath, c.Exec
	if lookPath == nil {
		lookPath = exec.LookPath
	}
	if run == nil {
		run = defaultExec
	}
	missing := StatusWarn
	if c.Required {
		missing = StatusFail
	}

	path, err := lookPath(c.Tool)
	if err != nil {
		res.Status = missing
		res.Detail = "not found on PATH"
		return res
	}
	args := c.VersionArgs
	if len(args) == 0 {
		args = []string{"--version"}
	}
	out, err := run(ctx, path, args...)
	if err != nil {
		res.Status = missing
		res.Detail = fmt.Sprintf("failed to run %s %s: %v", c.Tool, strings.Join(args, " "), err)
		return res
	}
	version := ParseVersion(string(out))
	if version == "" {
		res.Status = StatusWarn
		res.Detail = fmt.Sprintf("%s (version unknown)", path)
		return res
	}
	res.Status = StatusOK
	res.Detail = fmt.Sprintf("%s %s", path, version)
	if c.MinVersion != "" {
		min := "v" + strings.TrimPrefix(c.MinVersion, "v")
		if semver.Compare(version, min) < 0 {
			res.Status = missing
			res.Detail = fmt.Sprintf("%s is older than the required %s", version, min)
		}
	}
	return res
}

// CommandCheck passes when a command exits zero, e.g. `gh auth status`
type CommandCheck struct {
	Label   string
	Command string
	Args    []string
	Hint    string // printed on failure
	Exec    ExecFunc
}

// Name returns the check label
func (c *CommandCheck) Name() string { return c.Label }

// Run executes the command
func (c *CommandCheck) Run(ctx context.Context) Result {
	run := c.Exec
	if run == nil {
		run = defaultExec
	}
	if _, err := run(ctx, c.Command, c.Args...); err != nil {
		detail := err.Error()
		if c.Hint != "" {
			detail += "; " + c.Hint
		}
		return Result{Name: c.Label, Status: StatusFail, Detail: detail}
	}
	return Result{Name: c.Label, Status: StatusOK}
}

// RepoCheck verifies the working directory is inside a git repository
type RepoCheck struct {
	Dir string
}

// Name returns "repository"
func (c *RepoCheck) Name() string { return "repository" }

// Run locates the repository root
func (c *RepoCheck) Run(ctx context.Context) Result {
	root, err := storage.FindRepoRoot(c.Dir)
	if err != nil {
		return Result{Name: c.Name(), Status: StatusFail, Detail: err.Error()}
	}
	return Result{Name: c.Name(), Status: StatusOK, Detail: root}
}

// WorkingTree is the git surface CleanTreeCheck reads
type WorkingTree interface {
	GetStatus(ctx context.Context, repoPath string) (*git.Status, error)
	CurrentBranch(ctx context.Context, repoPath string) (string, error)
	HeadSHA(ctx context.Context, repoPath string) (string, error)
}

// CleanTreeCheck warns when the primary checkout has local changes. Merges
// fast-forward that checkout after every wave, which a dirty tree can block.
type CleanTreeCheck struct {
	Dir string
	Git WorkingTree
}

// Name returns "working tree"
func (c *CleanTreeCheck) Name() string { return "working tree" }

// Run inspects the checkout
func (c *CleanTreeCheck) Run(ctx context.Context) Result {
	res := Result{Name: c.Name()}
	status, err := c.Git.GetStatus(ctx, c.Dir)
	if err != nil {
		res.Status = StatusFail
		res.Detail = err.Error()
		return res
	}
	branch, err := c.Git.CurrentBranch(ctx, c.Dir)
	if err != nil {
		branch = "unknown branch"
	}
	head, err := c.Git.HeadSHA(ctx, c.Dir)
	if err != nil || len(head) < 7 {
		head = "no commits"
	} else {
		head = head[:7]
	}
	res.Detail = fmt.Sprintf("%s at %s", branch, head)

	if !status.HasChanges {
		res.Status = StatusOK
		return res
	}
	res.Status = StatusWarn
	res.Detail += fmt.Sprintf(": %d modified, %d untracked, %d deleted",
		len(status.Modified)+len(status.Added)+len(status.Renamed), len(status.Untracked), len(status.Deleted))
	return res
}

// StoreCheck runs the checkpoint store health check. A store that does not
// exist yet is fine; it is created on the first run.
type StoreCheck struct {
	Store   storage.Storage // nil when no store exists yet
	Timeout time.Duration
}

// Name returns "checkpoint store"
func (c *StoreCheck) Name() string { return "checkpoint store" }

// Run checks the store
func (c *StoreCheck) Run(ctx context.Context) Result {
	res := Result{Name: c.Name()}
	if c.Store == nil {
		res.Status = StatusOK
		res.Detail = "not created yet"
		return res
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	report, err := c.Store.HealthCheck(ctx, timeout)
	if err != nil {
		res.Status = StatusFail
		res.Detail = err.Error()
		return res
	}
	res.Detail = fmt.Sprintf("schema v%d, %d KiB (wal %d KiB), ping %s",
		report.SchemaVersion, report.DBSize/1024, report.WALSize/1024, report.Latency.Round(time.Millisecond))
	switch {
	case !report.Healthy:
		res.Status = StatusFail
		res.Detail += ": " + strings.Join(report.Problems, "; ")
	case len(report.Problems) > 0:
		res.Status = StatusWarn
		res.Detail += ": " + strings.Join(report.Problems, "; ")
	default:
		res.Status = StatusOK
	}
	return res
}

// Report collects the results of a doctor run
type Report struct {
	Results []Result
}

// Passed reports whether no check failed
func (r *Report) Passed() bool {
	for _, res := range r.Results {
		if res.Status == StatusFail {
			return false
		}
	}
	return true
}

// Run executes checks in order
func Run(ctx context.Context, checks ...Check) *Report {
	report := &Report{}
	for _, c := range checks {
		report.Results = append(report.Results, c.Run(ctx))
	}
	return report
}

// Print writes one line per result
func (r *Report) Print(w io.Writer) {
	green := color.New(color.FgGreen).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	for _, res := range r.Results {
		marker := green("✓")
		switch res.Status {
		case StatusWarn:
			marker = yellow("⚠")
		case StatusFail:
			marker = red("✗")
		}
		line := fmt.Sprintf("%s %-18s", marker, res.Name)
		if res.Detail != "" {
			line += " " + res.Detail
		}
		fmt.Fprintln(w, strings.TrimRight(line, " "))
	}
}

// DefaultChecks returns the standard doctor checks for a repository. tree
// may be nil when git itself is unavailable.
func DefaultChecks(repoDir, taskCommand string, store storage.Storage, tree WorkingTree) []Check {
	checks := []Check{
		&ToolCheck{Tool: "git", MinVersion: "2.20.0", Required: true},
		&ToolCheck{Tool: "gh", MinVersion: "2.40.0", Required: true},
		&CommandCheck{Label: "gh auth", Command: "gh", Args: []string{"auth", "status"}, Hint: "run `gh auth login`"},
		&ToolCheck{Tool: taskCommand, Required: true},
		&RepoCheck{Dir: repoDir},
	}
	if tree != nil {
		checks = append(checks, &CleanTreeCheck{Dir: repoDir, Git: tree})
	}
	return append(checks, &StoreCheck{Store: store})
}
