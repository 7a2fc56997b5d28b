// Package persistence provides the durable storage abstraction for run events,
// run snapshots, workflow snapshots and traces.
package persistence

import (
	"context"

	"github.com/dukex/runflow/pkg/events"
	"github.com/dukex/runflow/pkg/models"
)

// DefaultMaxRetries bounds optimistic concurrency loops in shared backends.
const DefaultMaxRetries = 16

// EventStore is the append-only run event log.
type EventStore interface {
	// Append assigns the next seq of the event's run and stores it durably.
	Append(ctx context.Context, event events.Event) (events.Event, error)
	// Replay returns the run's events in seq order.
	Replay(ctx context.Context, runID string) ([]events.Event, error)
}

type RunStore interface {
	Save(ctx context.Context, state *models.RunState) error
	Load(ctx context.Context, runID string) (*models.RunState, error)
}

type WorkflowStore interface {
	Save(ctx context.Context, state *models.WorkflowState) error
	Load(ctx context.Context, runID string) (*models.WorkflowState, error)
	LoadOrCreate(ctx context.Context, runID string) (*models.WorkflowState, error)
	// Update applies mutate to the stored snapshot with optimistic concurrency
	// where the backend supports it.
	Update(ctx context.Context, runID string, mutate func(*models.WorkflowState) error) (*models.WorkflowState, error)
	// ListActive returns the ids of runs whose workflow is not terminal.
	ListActive(ctx context.Context) ([]string, error)
}

type TraceStore interface {
	// InitTrace creates the trace envelope or merges trace into an existing one.
	InitTrace(ctx context.Context, runID string, trace models.Trace) error
	UpdateTrace(ctx context.Context, runID string, update models.TraceUpdate) error
	AppendSpan(ctx context.Context, runID string, span models.Span) error
	UpdateSpan(ctx context.Context, runID, spanID string, update models.SpanUpdate) error
	IncrementTotals(ctx context.Context, runID string, delta models.TraceTotals) error
	LoadTrace(ctx context.Context, runID string) (*models.Trace, error)
	LoadSpans(ctx context.Context, runID string) ([]models.Span, error)
}

// Persistence bundles the stores of one backend.
type Persistence interface {
	Events() EventStore
	Runs() RunStore
	Workflows() WorkflowStore
	Traces() TraceStore

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// MergeTrace folds incoming into existing the way InitTrace requires: set
// fields of incoming win, totals and start time are kept when already present.
func MergeTrace(existing *models.Trace, incoming models.Trace) models.Trace {
	if existing == nil {
		return incoming
	}

	merged := *existing
	if incoming.TraceID != "" {
		merged.TraceID = incoming.TraceID
	}

	if incoming.Status != "" {
		merged.Status = incoming.Status
	}

	if merged.StartTime.IsZero() {
		merged.StartTime = incoming.StartTime
	}

	if incoming.EndTime != nil {
		merged.EndTime = incoming.EndTime
	}

	if incoming.RootSpanID != "" {
		merged.RootSpanID = incoming.RootSpanID
	}

	return merged
}
