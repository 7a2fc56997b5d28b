// Package eventbus provides the run event bus: every publish is appended to the
// durable event log first and then fanned out to live subscribers.
package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dukex/runflow/pkg/events"
	"github.com/dukex/runflow/pkg/persistence"
)

var ErrBusClosed = errors.New("event bus closed")

// Handler consumes a delivered event. Returned errors are logged by the bus.
type Handler func(ctx context.Context, event events.Event) error

// Publisher is the narrow publishing surface components depend on.
type Publisher interface {
	Publish(ctx context.Context, event events.Event) (events.Event, error)
}

// Transport carries stored events between processes. Delivery is best effort;
// the event store stays the source of truth.
type Transport interface {
	Publish(ctx context.Context, event events.Event) error
	Subscribe(ctx context.Context) (<-chan events.Event, error)
	Close() error
}

// ToolQueue receives stored tool.requested events for durable execution.
type ToolQueue interface {
	EnqueueToolRequested(ctx context.Context, event events.Event) error
}

type Option func(*Bus)

// WithToolQueue hands every stored tool.requested event to queue.
func WithToolQueue(queue ToolQueue) Option {
	return func(b *Bus) { b.toolQueue = queue }
}

type Bus struct {
	store     persistence.EventStore
	transport Transport
	toolQueue ToolQueue
	logger    *slog.Logger

	mu      sync.RWMutex
	nextID  uint64
	perRun  map[string]map[uint64]Handler
	global  map[uint64]Handler
	started bool
	closed  bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewBus(store persistence.EventStore, transport Transport, logger *slog.Logger, opts ...Option) *Bus {
	b := &Bus{
		store:     store,
		transport: transport,
		logger:    logger.With("module", "event_bus"),
		perRun:    map[string]map[uint64]Handler{},
		global:    map[uint64]Handler{},
	}

	for _, opt := range opts {
		opt(b)
	}

	return b
}

// Publish appends event to the store and then forwards the stored event to the
// transport. Only the append and the tool queue hand-off can fail the call.
func (b *Bus) Publish(ctx context.Context, event events.Event) (events.Event, error) {
	if err := event.Validate(); err != nil {
		return events.Event{}, err
	}

	stored, err := b.store.Append(ctx, event)
	if err != nil {
		return events.Event{}, fmt.Errorf("failed to append event: %w", err)
	}

	if b.toolQueue != nil && stored.Type == events.ToolRequested {
		if err := b.toolQueue.EnqueueToolRequested(ctx, stored); err != nil {
			return stored, fmt.Errorf("failed to enqueue tool request: %w", err)
		}
	}

	if err := b.transport.Publish(ctx, stored); err != nil {
		b.logger.WarnContext(ctx, "Failed to fan out event",
			"run_id", stored.RunID,
			"event_type", stored.Type,
			"seq", stored.Seq,
			"error", err)
	}

	return stored, nil
}

func (b *Bus) Replay(ctx context.Context, runID string) ([]events.Event, error) {
	return b.store.Replay(ctx, runID)
}

// Subscribe registers handler for the events of one run.
func (b *Bus) Subscribe(runID string, handler Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID

	if b.perRun[runID] == nil {
		b.perRun[runID] = map[uint64]Handler{}
	}

	b.perRun[runID][id] = handler

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		delete(b.perRun[runID], id)

		if len(b.perRun[runID]) == 0 {
			delete(b.perRun, runID)
		}
	}
}

// SubscribeAll registers handler for every event.
func (b *Bus) SubscribeAll(handler Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.global[id] = handler

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		delete(b.global, id)
	}
}

// Start subscribes to the transport and dispatches deliveries until ctx ends
// or Close is called. It is safe to call once.
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()

		return ErrBusClosed
	}

	if b.started {
		b.mu.Unlock()

		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	b.started = true
	b.cancel = cancel
	b.mu.Unlock()

	deliveries, err := b.transport.Subscribe(ctx)
	if err != nil {
		cancel()

		return fmt.Errorf("failed to subscribe to transport: %w", err)
	}

	b.wg.Add(1)

	go func() {
		defer b.wg.Done()

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-deliveries:
				if !ok {
					return
				}

				b.dispatch(ctx, event)
			}
		}
	}()

	b.logger.InfoContext(ctx, "Event bus started")

	return nil
}

func (b *Bus) dispatch(ctx context.Context, event events.Event) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.perRun[event.RunID])+len(b.global))

	for _, handler := range b.perRun[event.RunID] {
		handlers = append(handlers, handler)
	}

	for _, handler := range b.global {
		handlers = append(handlers, handler)
	}
	b.mu.RUnlock()

	for _, handler := range handlers {
		if err := b.invoke(ctx, handler, event); err != nil {
			b.logger.ErrorContext(ctx, "Event handler failed",
				"run_id", event.RunID,
				"event_type", event.Type,
				"seq", event.Seq,
				"error", err)
		}
	}
}

func (b *Bus) invoke(ctx context.Context, handler Handler, event events.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	return handler(ctx, event)
}

// Close stops dispatching and closes the transport.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()

		return nil
	}

	b.closed = true
	cancel := b.cancel
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	err := b.transport.Close()
	b.wg.Wait()

	return err
}
