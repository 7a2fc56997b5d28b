// Package lease provides the per-run exclusive executor lease.
package lease

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotHeld reports that the caller no longer owns a lease it held.
var ErrNotHeld = errors.New("lease not held")

// Lease grants one owner exclusive execution of a key for a bounded time.
// Acquire is re-entrant for the current owner.
type Lease interface {
	Acquire(ctx context.Context, key string) (bool, error)
	Refresh(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
	Close() error
}

// Hold refreshes key and returns an error wrapping ErrNotHeld when the lease
// expired or passed to another owner.
func Hold(ctx context.Context, l Lease, key string) error {
	ok, err := l.Refresh(ctx, key)
	if err != nil {
		return err
	}

	if !ok {
		return fmt.Errorf("%w: %s", ErrNotHeld, key)
	}

	return nil
}

// Noop always grants the lease. It serves single-process deployments where
// the engine's runtime map already guarantees one driver per run.
type Noop struct{}

func (Noop) Acquire(context.Context, string) (bool, error) { return true, nil }
func (Noop) Refresh(context.Context, string) (bool, error) { return true, nil }
func (Noop) Release(context.Context, string) error         { return nil }
func (Noop) Close() error                                  { return nil }
