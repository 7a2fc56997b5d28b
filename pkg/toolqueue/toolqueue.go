// Package toolqueue moves tool.requested events to dedicated tool workers.
package toolqueue

import (
	"context"

	"github.com/dukex/runflow/pkg/events"
)

// Handler executes one queued tool request. Returning an error leaves the
// entry unacknowledged so another consumer can retry it.
type Handler func(ctx context.Context, event events.Event) error

// Noop drops every request. Single-process deployments execute tools from the
// bus subscription instead.
type Noop struct{}

func (Noop) EnqueueToolRequested(context.Context, events.Event) error {
	return nil
}
