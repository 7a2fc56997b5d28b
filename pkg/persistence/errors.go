package persistence

import (
	"errors"
	"fmt"
	"strings"
)

// Standard persistence error types that all implementations should use.
var (
	// ErrRunNotFound indicates no readable run snapshot exists for the id.
	ErrRunNotFound = errors.New("run not found")

	// ErrWorkflowNotFound indicates no readable workflow snapshot exists for the id.
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrTraceNotInitialized indicates a trace mutation ran before InitTrace.
	ErrTraceNotInitialized = errors.New("trace not initialized")

	// ErrSpanNotFound indicates UpdateSpan targeted a span that was never appended.
	ErrSpanNotFound = errors.New("span not found")

	// ErrConflict indicates optimistic concurrency retries were exhausted.
	ErrConflict = errors.New("concurrent modification conflict")

	// ErrInvalidRunID indicates a run id that cannot be used as a storage key.
	ErrInvalidRunID = errors.New("invalid run id")
)

// StoreError wraps storage errors with the operation and run they concern.
type StoreError struct {
	Op    string // Operation being performed (e.g., "Append", "Save", "UpdateSpan")
	Kind  string // Record kind: events, run, workflow or trace
	RunID string
	Err   error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s operation failed for %s of run %s: %v", e.Op, e.Kind, e.RunID, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// Is implements error comparison for store errors.
func (e *StoreError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewStoreError creates a new store error with context.
func NewStoreError(op, kind, runID string, err error) *StoreError {
	return &StoreError{Op: op, Kind: kind, RunID: runID, Err: err}
}

// ValidateRunID rejects ids that are empty or could escape a key namespace.
func ValidateRunID(runID string) error {
	if runID == "" {
		return fmt.Errorf("%w: empty", ErrInvalidRunID)
	}

	if strings.Contains(runID, "..") || strings.ContainsAny(runID, "/\\") {
		return fmt.Errorf("%w: %q", ErrInvalidRunID, runID)
	}

	return nil
}

func IsRunNotFound(err error) bool {
	return errors.Is(err, ErrRunNotFound)
}

func IsWorkflowNotFound(err error) bool {
	return errors.Is(err, ErrWorkflowNotFound)
}

func IsTraceNotInitialized(err error) bool {
	return errors.Is(err, ErrTraceNotInitialized)
}

// IsConflict checks if an error indicates exhausted optimistic retries.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}
