package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// AckFile writes the notice to a file and waits for the operator (or any
// automation) to create the acknowledgement file
type AckFile struct {
	path   string
	logger *slog.Logger
}

// NewAckFile creates a file channel acknowledged by creating path
func NewAckFile(path string, logger *slog.Logger) *AckFile {
	return &AckFile{path: path, logger: logger}
}

func (a *AckFile) Name() string { return string(KindFile) }

// NoticePath is where the notice text is written
func (a *AckFile) NoticePath() string {
	return a.path + ".txt"
}

// Send writes the notice and clears any acknowledgement left from before
func (a *AckFile) Send(_ context.Context, text string) error {
	if err := os.MkdirAll(filepath.Dir(a.path), 0755); err != nil {
		return fmt.Errorf("failed to create notice directory: %w", err)
	}
	if err := os.Remove(a.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to clear stale acknowledgement: %w", err)
	}
	if err := os.WriteFile(a.NoticePath(), []byte(text+"\n"), 0644); err != nil {
		return fmt.Errorf("failed to write notice: %w", err)
	}
	a.logger.Info("notice written", "path", a.NoticePath(), "ack", a.path)
	return nil
}

// WaitForReply blocks until the acknowledgement file exists, then consumes
// it and returns its contents
func (a *AckFile) WaitForReply(ctx context.Context) (string, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return "", fmt.Errorf("failed to create watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(filepath.Dir(a.path)); err != nil {
		return "", fmt.Errorf("failed to watch %s: %w", filepath.Dir(a.path), err)
	}

	// The file may have appeared before the watch started
	if reply, ok := a.consume(); ok {
		return reply, nil
	}

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return "", fmt.Errorf("watcher closed")
			}
			if filepath.Clean(ev.Name) != filepath.Clean(a.path) {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if reply, ok := a.consume(); ok {
				return reply, nil
			}
		case err, ok := <-w.Errors:
			if !ok {
				return "", fmt.Errorf("watcher closed")
			}
			a.logger.Error("ack file watcher error", "error", err)
		}
	}
}

func (a *AckFile) consume() (string, bool) {
	data, err := os.ReadFile(a.path)
	if err != nil {
		return "", false
	}
	_ = os.Remove(a.path)
	_ = os.Remove(a.NoticePath())
	reply := strings.TrimSpace(string(data))
	if reply == "" {
		reply = "ok"
	}
	return reply, true
}

func (a *AckFile) Close() error { return nil }
