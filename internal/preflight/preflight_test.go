package preflight

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/steveyegge/orchestrate/internal/git"
	"github.com/steveyegge/orchestrate/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeTool(output string, err error) (ExecFunc, LookPathFunc) {
	run := func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return []byte(output), err
	}
	look := func(name string) (string, error) { return "/usr/bin/" + name, nil }
	return run, look
}

func missingTool(name string) (string, error) {
	return "", exec.ErrNotFound
}

func TestParseVersion(t *testing.T) {
	tests := []struct {
		output string
		want   string
	}{
		{"git version 2.39.2", "v2.39.2"},
		{"gh version 2.45.0 (2024-03-04)\nhttps://github.com/cli/cli/releases/tag/v2.45.0", "v2.45.0"},
		{"1.0.51 (Claude Code)", "v1.0.51"},
		{"tool 3.1", "v3.1.0"},
		{"no version here", ""},
	}
	for _, tt := range tests {
		t.Run(tt.output, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseVersion(tt.output))
		})
	}
}

func TestToolCheck(t *testing.T) {
	ctx := context.Background()

	t.Run("new enough", func(t *testing.T) {
		run, look := fakeTool("git version 2.39.2", nil)
		res := (&ToolCheck{Tool: "git", MinVersion: "2.20.0", Required: true, Exec: run, LookPath: look}).Run(ctx)
		assert.Equal(t, StatusOK, res.Status)
		assert.Contains(t, res.Detail, "v2.39.2")
	})

	t.Run("too old", func(t *testing.T) {
		run, look := fakeTool("gh version 2.3.0", nil)
		res := (&ToolCheck{Tool: "gh", MinVersion: "2.40.0", Required: true, Exec: run, LookPath: look}).Run(ctx)
		assert.Equal(t, StatusFail, res.Status)
		assert.Contains(t, res.Detail, "older than the required v2.40.0")
	})

	t.Run("missing required", func(t *testing.T) {
		res := (&ToolCheck{Tool: "claude", Required: true, LookPath: missingTool}).Run(ctx)
		assert.Equal(t, StatusFail, res.Status)
	})

	t.Run("missing optional", func(t *testing.T) {
		res := (&ToolCheck{Tool: "golangci-lint", LookPath: missingTool}).Run(ctx)
		assert.Equal(t, StatusWarn, res.Status)
	})

	t.Run("unknown version", func(t *testing.T) {
		run, look := fakeTool("custom build", nil)
		res := (&ToolCheck{Tool: "claude", Required: true, Exec: run, LookPath: look}).Run(ctx)
		assert.Equal(t, StatusWarn, res.Status)
	})

	t.Run("version command fails", func(t *testing.T) {
		run, look := fakeTool("", errors.New("exit status 1"))
		res := (&ToolCheck{Tool: "gh", Required: true, Exec: run, LookPath: look}).Run(ctx)
		assert.Equal(t, StatusFail, res.Status)
	})
}

func TestCommandCheck(t *testing.T) {
	run, _ := fakeTool("", errors.New("not logged in"))
	res := (&CommandCheck{Label: "gh auth", Command: "gh", Args: []string{"auth", "status"}, Hint: "run `gh auth login`", Exec: run}).Run(context.Background())
	assert.Equal(t, StatusFail, res.Status)
	assert.Contains(t, res.Detail, "gh auth login")

	run, _ = fakeTool("Logged in", nil)
	res = (&CommandCheck{Label: "gh auth", Command: "gh", Exec: run}).Run(context.Background())
	assert.Equal(t, StatusOK, res.Status)
}

func TestRepoCheck(t *testing.T) {
	res := (&RepoCheck{Dir: t.TempDir()}).Run(context.Background())
	assert.Equal(t, StatusFail, res.Status)
}

func TestStoreCheck(t *testing.T) {
	ctx := context.Background()
	res := (&StoreCheck{}).Run(ctx)
	assert.Equal(t, StatusOK, res.Status)
	assert.Equal(t, "not created yet", res.Detail)

	store, err := storage.NewStorage(ctx, &storage.Config{Path: filepath.Join(t.TempDir(), "state.db")})
	require.NoError(t, err)
	defer store.Close()
	res = (&StoreCheck{Store: store}).Run(ctx)
	assert.Equal(t, StatusOK, res.Status, res.Detail)
	assert.Contains(t, res.Detail, "schema v")
}

type fakeTree struct {
	status *git.Status
	err    error
	head   string
}

func (f *fakeTree) GetStatus(ctx context.Context, repoPath string) (*git.Status, error) {
	return f.status, f.err
}

func (f *fakeTree) CurrentBranch(ctx context.Context, repoPath string) (string, error) {
	return "main", nil
}

func (f *fakeTree) HeadSHA(ctx context.Context, repoPath string) (string, error) {
	return f.head, nil
}

func TestCleanTreeCheck(t *testing.T) {
	ctx := context.Background()
	head := "3f2a9c1d7e8b6a5f4c3d2e1f0a9b8c7d6e5f4a3b"

	res := (&CleanTreeCheck{Dir: "/repo", Git: &fakeTree{status: &git.Status{}, head: head}}).Run(ctx)
	assert.Equal(t, StatusOK, res.Status)
	assert.Equal(t, "main at 3f2a9c1", res.Detail)

	dirty := &git.Status{Modified: []string{"a.go"}, Untracked: []string{"b.go", "c.go"}, HasChanges: true}
	res = (&CleanTreeCheck{Dir: "/repo", Git: &fakeTree{status: dirty, head: head}}).Run(ctx)
	assert.Equal(t, StatusWarn, res.Status)
	assert.Contains(t, res.Detail, "1 modified, 2 untracked")

	res = (&CleanTreeCheck{Dir: "/repo", Git: &fakeTree{err: errors.New("not a git repository")}}).Run(ctx)
	assert.Equal(t, StatusFail, res.Status)
}

func TestDefaultChecks(t *testing.T) {
	names := func(checks []Check) []string {
		var out []string
		for _, c := range checks {
			out = append(out, c.Name())
		}
		return out
	}
	assert.NotContains(t, names(DefaultChecks("/repo", "claude", nil, nil)), "working tree")
	assert.Contains(t, names(DefaultChecks("/repo", "claude", nil, &fakeTree{})), "working tree")
}

type staticCheck struct {
	res Result
}

func (c staticCheck) Name() string { return c.res.Name }

func (c staticCheck) Run(ctx context.Context) Result { return c.res }

func TestRunAndPrint(t *testing.T) {
	report := Run(context.Background(),
		staticCheck{Result{Name: "git", Status: StatusOK, Detail: "v2.39.2"}},
		staticCheck{Result{Name: "lint", Status: StatusWarn}},
	)
	assert.True(t, report.Passed())

	var buf bytes.Buffer
	report.Print(&buf)
	assert.Contains(t, buf.String(), "git")
	assert.Contains(t, buf.String(), "v2.39.2")

	report = Run(context.Background(), staticCheck{Result{Name: "gh", Status: StatusFail}})
	assert.False(t, report.Passed())
}
