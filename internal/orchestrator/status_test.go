package orchestrator

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/steveyegge/orchestrate/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrintMilestonesEmptyStore(t *testing.T) {
	store, err := storage.NewStorage(context.Background(), &storage.Config{Path: filepath.Join(t.TempDir(), "state.db")})
	require.NoError(t, err)
	defer store.Close()

	var out bytes.Buffer
	require.NoError(t, PrintMilestones(context.Background(), store, &out))
	assert.Contains(t, out.String(), "no milestones yet")

	err = PrintMilestone(context.Background(), store, &out, "epic-9")
	assert.ErrorContains(t, err, "not found")
}

func TestPrintMilestoneShowsWavesAndFailures(t *testing.T) {
	h := newOrchHarness(t, item("1", "schema"), item("2", "api", "1"), item("3", "docs"))
	h.fail("1")
	_, err := h.run(t, h.options())
	require.NoError(t, err)

	store := h.inspect(t)
	ctx := context.Background()

	var list bytes.Buffer
	require.NoError(t, PrintMilestones(ctx, store, &list))
	assert.Contains(t, list.String(), "epic-1")
	assert.Contains(t, list.String(), "failed")

	var detail bytes.Buffer
	require.NoError(t, PrintMilestone(ctx, store, &detail, "epic-1"))
	text := detail.String()
	assert.Contains(t, text, "Wave 1")
	assert.Contains(t, text, "Wave 2")
	assert.Contains(t, text, "#1")
	assert.Contains(t, text, "#2")
	assert.Contains(t, text, "PR #101", "item 3 opened the first pull request")
}
