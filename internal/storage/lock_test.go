package storage

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunLock(t *testing.T) {
	dir := t.TempDir()

	lockPath, err := AcquireRunLock(dir, "epic-12")
	require.NoError(t, err)
	require.FileExists(t, lockPath)

	holder, err := ReadRunLock(dir)
	require.NoError(t, err)
	require.NotNil(t, holder)
	assert.Equal(t, os.Getpid(), holder.PID)
	assert.Equal(t, "epic-12", holder.Target)

	_, err = AcquireRunLock(dir, "epic-12")
	assert.ErrorIs(t, err, ErrLocked, "our own live PID holds the lock")

	require.NoError(t, ReleaseRunLock(lockPath))
	require.NoError(t, ReleaseRunLock(lockPath), "double release is harmless")

	holder, err = ReadRunLock(dir)
	require.NoError(t, err)
	assert.Nil(t, holder)
}

func TestRunLockTakesOverStaleLock(t *testing.T) {
	dir := t.TempDir()

	// A finished child gives us a PID that is no longer running.
	cmd := exec.Command("true")
	require.NoError(t, cmd.Run())
	hostname, err := os.Hostname()
	require.NoError(t, err)

	stale, err := json.Marshal(RunLock{PID: cmd.Process.Pid, Hostname: hostname, StartedAt: time.Now()})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, lockFile), stale, 0644))

	lockPath, err := AcquireRunLock(dir, "milestone-v1")
	require.NoError(t, err)
	defer ReleaseRunLock(lockPath)

	holder, err := ReadRunLock(dir)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), holder.PID)
}

func TestRemoteLockIsRespected(t *testing.T) {
	dir := t.TempDir()
	remote, err := json.Marshal(RunLock{PID: 1, Hostname: "some-other-host.invalid", StartedAt: time.Now()})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, lockFile), remote, 0644))

	_, err = AcquireRunLock(dir, "epic-1")
	assert.ErrorIs(t, err, ErrLocked)
}

func TestDiscoverStateDir(t *testing.T) {
	repo := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(repo, ".git"), 0755))
	nested := filepath.Join(repo, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0755))

	t.Setenv("ORCHESTRATE_STATE_DIR", "")
	dir, err := DiscoverStateDir(nested)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(repo, StateDirName), dir)

	override := filepath.Join(t.TempDir(), "state")
	t.Setenv("ORCHESTRATE_STATE_DIR", override)
	dir, err = DiscoverStateDir(nested)
	require.NoError(t, err)
	assert.Equal(t, override, dir)

	t.Setenv("ORCHESTRATE_STATE_DIR", "")
	_, err = DiscoverStateDir(t.TempDir())
	assert.Error(t, err)
}

func TestEnsureStateDirAndNewStorage(t *testing.T) {
	stateDir := filepath.Join(t.TempDir(), StateDirName)
	require.NoError(t, EnsureStateDir(stateDir))
	require.FileExists(t, filepath.Join(stateDir, ".gitignore"))

	cfg := DefaultConfig()
	cfg.Path = DatabasePath(stateDir)
	store, err := NewStorage(context.Background(), cfg)
	require.NoError(t, err)
	defer store.Close()

	report, err := store.HealthCheck(context.Background(), time.Second)
	require.NoError(t, err)
	assert.True(t, report.Healthy)
	assert.Equal(t, filepath.Join(stateDir, "logs", "epic-3"), LogDir(stateDir, "epic-3"))
}
