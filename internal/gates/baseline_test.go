package gates

import (
	"context"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/steveyegge/orchestrate/internal/storage"
	"github.com/steveyegge/orchestrate/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBaselineRunner(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	ctx := context.Background()
	r, err := NewBaselineRunner(BaselineConfig{
		LintCommand:      `printf 'a.go:1: error: unused\nb.go:2: Error: shadow\nok\n'; exit 1`,
		TypecheckCommand: "",
		WorkingDir:       t.TempDir(),
	})
	require.NoError(t, err)
	assert.True(t, r.Enabled())

	results, allPassed := r.RunAll(ctx)
	require.Len(t, results, 2)
	assert.False(t, allPassed)
	assert.Equal(t, GateLint, results[0].Gate)
	assert.Equal(t, 1, results[0].ExitCode)
	assert.Equal(t, 2, results[0].Count)
	assert.True(t, results[1].Skipped)
	assert.True(t, results[1].Passed)

	store, err := storage.NewStorage(ctx, &storage.Config{Path: filepath.Join(t.TempDir(), "state.db")})
	require.NoError(t, err)
	defer store.Close()
	m := &types.Milestone{Name: "epic-1"}
	require.NoError(t, store.CreateMilestone(ctx, m))

	b, _, err := CaptureBaseline(ctx, store, r, m.ID)
	require.NoError(t, err)
	saved, err := store.LatestBaseline(ctx, m.ID)
	require.NoError(t, err)
	require.NotNil(t, saved)
	assert.Equal(t, 2, saved.LintCount)
	assert.Equal(t, b.LintExitCode, saved.LintExitCode)
}

func TestBaselineRunnerRejectsBadPattern(t *testing.T) {
	_, err := NewBaselineRunner(BaselineConfig{ErrorPattern: "("})
	assert.Error(t, err)
}

func TestCompareBaseline(t *testing.T) {
	before := &types.Baseline{LintCount: 3}
	same := CompareBaseline(before, &types.Baseline{LintCount: 2})
	assert.False(t, same.Regressed)
	assert.Equal(t, -1, same.LintDelta)
	assert.Contains(t, same.String(), "no regressions")

	worse := CompareBaseline(before, &types.Baseline{LintCount: 3, TypecheckExitCode: 2, TypecheckCount: 1})
	assert.True(t, worse.Regressed)
	assert.Equal(t, 1, worse.TypecheckDelta)
	assert.Contains(t, worse.String(), "REGRESSED")

	assert.False(t, CompareBaseline(nil, before).Regressed)
}
