package types

import (
	"errors"
	"fmt"
)

// SetupError aborts a run before any side effect: unknown target, cycles,
// an existing milestone without resume, an empty graph.
type SetupError struct {
	Msg string
	Err error
}

func (e *SetupError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("setup: %s: %v", e.Msg, e.Err)
	}
	return "setup: " + e.Msg
}

func (e *SetupError) Unwrap() error { return e.Err }

// NewSetupError builds a SetupError with a formatted message
func NewSetupError(format string, args ...any) error {
	return &SetupError{Msg: fmt.Sprintf(format, args...)}
}

// PersistenceError means the checkpoint store could not be read or written.
// It is fatal to the run.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("checkpoint store: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// ItemError is a failure scoped to one work item. It never aborts the run.
type ItemError struct {
	ItemID string
	Stage  string // execute, ci, review, merge
	Err    error
}

func (e *ItemError) Error() string {
	return fmt.Sprintf("item %s: %s: %v", e.ItemID, e.Stage, e.Err)
}

func (e *ItemError) Unwrap() error { return e.Err }

// IsSetupError reports whether err is or wraps a SetupError
func IsSetupError(err error) bool {
	var se *SetupError
	return errors.As(err, &se)
}

// IsPersistenceError reports whether err is or wraps a PersistenceError
func IsPersistenceError(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}
