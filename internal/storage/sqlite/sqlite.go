package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/steveyegge/orchestrate/internal/types"
)

// ErrInvalidTransition is returned when a status change would move a
// workflow or milestone backwards.
var ErrInvalidTransition = errors.New("invalid status transition")

// Options tunes the connection pool and lock handling
type Options struct {
	// BusyTimeout is how long SQLite itself waits on a locked database
	BusyTimeout time.Duration
	// IdleTimeout closes pooled connections that sat unused this long, so a
	// connection left behind by an interrupted operation does not pin locks
	IdleTimeout time.Duration
	// MaxOpenConns bounds the pool
	MaxOpenConns int
	// BusyRetries is how many extra attempts a write gets on SQLITE_BUSY
	BusyRetries int
}

// DefaultOptions returns the options the checkpoint store opens with
func DefaultOptions() Options {
	return Options{
		BusyTimeout:  5 * time.Second,
		IdleTimeout:  30 * time.Second,
		MaxOpenConns: 4,
		BusyRetries:  5,
	}
}

// SQLiteStorage is the checkpoint store. Several orchestrator processes and
// tools may open the same file concurrently.
type SQLiteStorage struct {
	db   *sql.DB
	path string
	opts Options
}

// Open opens the checkpoint store at path and brings its schema up to date
func Open(ctx context.Context, path string, opts Options) (*SQLiteStorage, error) {
	if opts.MaxOpenConns <= 0 {
		opts.MaxOpenConns = 1
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn(path, opts))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxOpenConns)
	db.SetConnMaxIdleTime(opts.IdleTimeout)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &SQLiteStorage{db: db, path: path, opts: opts}
	err = s.retryOnBusy(ctx, func() error {
		return newMigrationManager().Apply(ctx, db)
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return s, nil
}

// dsn builds the connection string. Write transactions take the write lock
// up front (BEGIN IMMEDIATE) so two writers never deadlock on upgrade.
func dsn(path string, opts Options) string {
	q := []string{
		fmt.Sprintf("_pragma=busy_timeout(%d)", opts.BusyTimeout.Milliseconds()),
		"_pragma=journal_mode(wal)",
		"_pragma=foreign_keys(1)",
		"_pragma=synchronous(normal)",
		"_txlock=immediate",
	}
	return "file:" + filepath.ToSlash(path) + "?" + strings.Join(q, "&")
}

// Close closes the database connection pool
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// Path returns the database file path
func (s *SQLiteStorage) Path() string {
	return s.path
}

// withTx runs fn in a write transaction, retrying the whole transaction on
// SQLITE_BUSY. Errors are reported as persistence errors tagged with op.
func (s *SQLiteStorage) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	err := s.retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if err := fn(tx); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrInvalidTransition) {
		return err
	}
	return &types.PersistenceError{Op: op, Err: err}
}

func (s *SQLiteStorage) retryOnBusy(ctx context.Context, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= s.opts.BusyRetries; attempt++ {
		err = f()
		if err == nil || !isBusy(err) || attempt == s.opts.BusyRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		delay = delay - delay/4 + time.Duration(rand.IntN(int(delay/2)))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isBusy matches SQLITE_BUSY and SQLITE_LOCKED, including their extended codes
func isBusy(err error) bool {
	return errors.Is(err, sqlite3.BUSY) || errors.Is(err, sqlite3.LOCKED)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func queryErr(op string, err error) error {
	return &types.PersistenceError{Op: op, Err: err}
}
