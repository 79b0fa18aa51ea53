package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

// RunLock is the lock file format claiming a state directory for one
// orchestrator process. Readers (status, doctor) never take it.
type RunLock struct {
	Holder    string    `json:"holder"`
	PID       int       `json:"pid"`
	Hostname  string    `json:"hostname"`
	StartedAt time.Time `json:"started_at"`
	Target    string    `json:"target"`
}

// ErrLocked is returned when a live process already holds the run lock
var ErrLocked = errors.New("state directory is locked by another orchestrator")

const lockFile = "run.lock"

// AcquireRunLock claims stateDir for this process. A lock left by a dead
// process on this host is taken over. Returns the lock path for release.
func AcquireRunLock(stateDir, target string) (string, error) {
	lockPath := filepath.Join(stateDir, lockFile)

	hostname, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("failed to get hostname: %w", err)
	}
	data, err := json.MarshalIndent(RunLock{
		Holder:    "orchestrate",
		PID:       os.Getpid(),
		Hostname:  hostname,
		StartedAt: time.Now(),
		Target:    target,
	}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal lock: %w", err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(lockPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if err == nil {
			_, werr := f.Write(data)
			cerr := f.Close()
			if werr != nil || cerr != nil {
				_ = os.Remove(lockPath)
				return "", fmt.Errorf("failed to write lock: %w", errors.Join(werr, cerr))
			}
			return lockPath, nil
		}
		if !os.IsExist(err) {
			return "", fmt.Errorf("failed to create lock: %w", err)
		}

		existing, rerr := ReadRunLock(stateDir)
		if rerr == nil && existing != nil && isProcessAlive(existing.PID, existing.Hostname) {
			return "", fmt.Errorf("%w (PID %d on %s running %s since %s)", ErrLocked,
				existing.PID, existing.Hostname, existing.Target, existing.StartedAt.Format(time.RFC3339))
		}
		// Stale or unreadable: remove and try once more.
		if err := os.Remove(lockPath); err != nil && !os.IsNotExist(err) {
			return "", fmt.Errorf("failed to remove stale lock: %w", err)
		}
	}
	return "", ErrLocked
}

// ReadRunLock returns the current lock holder, or nil if unlocked
func ReadRunLock(stateDir string) (*RunLock, error) {
	data, err := os.ReadFile(filepath.Join(stateDir, lockFile))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var lock RunLock
	if err := json.Unmarshal(data, &lock); err != nil {
		return nil, fmt.Errorf("corrupt lock file: %w", err)
	}
	return &lock, nil
}

// ReleaseRunLock removes the lock file. Safe to call with an empty path.
func ReleaseRunLock(lockPath string) error {
	if lockPath == "" {
		return nil
	}
	if err := os.Remove(lockPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove run lock: %w", err)
	}
	return nil
}

// isProcessAlive checks whether pid exists on hostname. Processes on other
// hosts cannot be checked and are assumed alive.
func isProcessAlive(pid int, hostname string) bool {
	currentHost, err := os.Hostname()
	if err != nil || !strings.EqualFold(hostname, currentHost) {
		return true
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = process.Signal(syscall.Signal(0))
	// EPERM means it exists but belongs to someone else
	return err == nil || err == syscall.EPERM
}
