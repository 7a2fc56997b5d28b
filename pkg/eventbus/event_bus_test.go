package eventbus_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/dukex/runflow/pkg/channels/gochannel"
	"github.com/dukex/runflow/pkg/eventbus"
	"github.com/dukex/runflow/pkg/events"
	"github.com/dukex/runflow/pkg/persistence/file"
	"github.com/dukex/runflow/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) handle(_ context.Context, event events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, event)

	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.events)
}

func newLocalBus(t *testing.T) *eventbus.Bus {
	t.Helper()

	logger := testutil.Logger()
	pub, sub, err := gochannel.CreateChannel(watermill.NewSlogLogger(logger))
	require.NoError(t, err)

	store := file.NewPersistence(t.TempDir(), logger).Events()
	bus := eventbus.NewBus(store, eventbus.NewWatermillTransport(pub, sub, "", logger), logger)

	require.NoError(t, bus.Start(t.Context()))
	t.Cleanup(func() { _ = bus.Close() })

	return bus
}

func TestBus_PublishAppendsThenDelivers(t *testing.T) {
	bus := newLocalBus(t)
	ctx := t.Context()

	perRun := &recorder{}
	global := &recorder{}
	other := &recorder{}

	bus.Subscribe("run-1", perRun.handle)
	bus.Subscribe("run-2", other.handle)
	bus.SubscribeAll(global.handle)

	first, err := bus.Publish(ctx, events.New(events.RunStarted, "run-1", map[string]any{"mode": "chat"}, nil))
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.Seq)

	second, err := bus.Publish(ctx, events.New(events.StatusChanged, "run-1", map[string]any{"value": "received"}, nil))
	require.NoError(t, err)
	assert.Equal(t, int64(2), second.Seq)

	assert.Eventually(t, func() bool { return perRun.count() == 2 && global.count() == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, other.count())

	replayed, err := bus.Replay(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, replayed, 2)
	assert.Equal(t, events.RunStarted, replayed[0].Type)
}

func TestBus_HandlerErrorsDoNotStopDelivery(t *testing.T) {
	bus := newLocalBus(t)
	ctx := t.Context()

	healthy := &recorder{}

	bus.SubscribeAll(func(context.Context, events.Event) error { return errors.New("boom") })
	bus.SubscribeAll(func(context.Context, events.Event) error { panic("kaboom") })
	bus.SubscribeAll(healthy.handle)

	_, err := bus.Publish(ctx, events.New(events.RunStarted, "run-1", map[string]any{"mode": "chat"}, nil))
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return healthy.count() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := newLocalBus(t)
	ctx := t.Context()

	rec := &recorder{}
	unsubscribe := bus.Subscribe("run-1", rec.handle)
	unsubscribe()

	sentinel := &recorder{}
	bus.SubscribeAll(sentinel.handle)

	_, err := bus.Publish(ctx, events.New(events.RunStarted, "run-1", map[string]any{"mode": "chat"}, nil))
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return sentinel.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, rec.count())
}

func TestBus_PublishRejectsInvalidEnvelope(t *testing.T) {
	bus := newLocalBus(t)

	_, err := bus.Publish(t.Context(), events.Event{Type: events.RunStarted})
	assert.Error(t, err)
}

func TestBus_StreamReplaysThenFollows(t *testing.T) {
	bus := newLocalBus(t)
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	_, err := bus.Publish(ctx, events.New(events.RunStarted, "run-1", map[string]any{"mode": "chat"}, nil))
	require.NoError(t, err)

	stream, err := bus.Stream(ctx, "run-1")
	require.NoError(t, err)

	_, err = bus.Publish(ctx, events.New(events.StatusChanged, "run-1", map[string]any{"value": "thinking"}, nil))
	require.NoError(t, err)

	var seqs []int64

	for len(seqs) < 2 {
		select {
		case event := <-stream:
			seqs = append(seqs, event.Seq)
		case <-time.After(2 * time.Second):
			t.Fatalf("stream stalled after %v", seqs)
		}
	}

	assert.Equal(t, []int64{1, 2}, seqs)
}

type queueRecorder struct {
	mu       sync.Mutex
	enqueued []events.Event
	err      error
}

func (q *queueRecorder) EnqueueToolRequested(_ context.Context, event events.Event) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.enqueued = append(q.enqueued, event)

	return q.err
}

func TestBus_EnqueuesStoredToolRequests(t *testing.T) {
	logger := testutil.Logger()
	pub, sub, err := gochannel.CreateChannel(watermill.NewSlogLogger(logger))
	require.NoError(t, err)

	queue := &queueRecorder{}
	store := file.NewPersistence(t.TempDir(), logger).Events()
	bus := eventbus.NewBus(store, eventbus.NewWatermillTransport(pub, sub, "", logger), logger, eventbus.WithToolQueue(queue))
	t.Cleanup(func() { _ = bus.Close() })

	ctx := t.Context()

	_, err = bus.Publish(ctx, events.New(events.StatusChanged, "run-1", map[string]any{"value": "thinking"}, nil))
	require.NoError(t, err)

	stored, err := bus.Publish(ctx, events.New(events.ToolRequested, "run-1", map[string]any{"tool_name": "calculator"}, nil))
	require.NoError(t, err)

	require.Len(t, queue.enqueued, 1)
	assert.Equal(t, stored.ID, queue.enqueued[0].ID)
	assert.Equal(t, int64(2), queue.enqueued[0].Seq)

	queue.err = errors.New("stream down")
	_, err = bus.Publish(ctx, events.New(events.ToolRequested, "run-1", map[string]any{"tool_name": "calculator"}, nil))
	assert.ErrorContains(t, err, "stream down")
}

// heldTransport delivers only what the test releases, in the order it chooses.
type heldTransport struct {
	mu         sync.Mutex
	published  []events.Event
	deliveries chan events.Event
}

func newHeldTransport() *heldTransport {
	return &heldTransport{deliveries: make(chan events.Event, 16)}
}

func (h *heldTransport) Publish(_ context.Context, event events.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.published = append(h.published, event)

	return nil
}

func (h *heldTransport) Subscribe(context.Context) (<-chan events.Event, error) {
	return h.deliveries, nil
}

func (h *heldTransport) Close() error { return nil }

func (h *heldTransport) deliver(seqs ...int64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, seq := range seqs {
		h.deliveries <- h.published[seq-1]
	}
}

func collect(t *testing.T, stream <-chan events.Event, n int) []int64 {
	t.Helper()

	var seqs []int64

	for len(seqs) < n {
		select {
		case event, ok := <-stream:
			require.True(t, ok, "stream closed after %v", seqs)
			seqs = append(seqs, event.Seq)
		case <-time.After(3 * time.Second):
			t.Fatalf("stream stalled after %v", seqs)
		}
	}

	return seqs
}

func TestBus_StreamReordersLiveEvents(t *testing.T) {
	logger := testutil.Logger()
	transport := newHeldTransport()
	bus := eventbus.NewBus(file.NewPersistence(t.TempDir(), logger).Events(), transport, logger)

	require.NoError(t, bus.Start(t.Context()))
	t.Cleanup(func() { _ = bus.Close() })

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	stream, err := bus.Stream(ctx, "run-1")
	require.NoError(t, err)

	for _, value := range []string{"thinking", "searching", "writing"} {
		_, err := bus.Publish(ctx, events.New(events.StatusChanged, "run-1", map[string]any{"value": value}, nil))
		require.NoError(t, err)
	}

	transport.deliver(3, 1, 2)

	assert.Equal(t, []int64{1, 2, 3}, collect(t, stream, 3))

	select {
	case event := <-stream:
		t.Fatalf("unexpected duplicate seq %d", event.Seq)
	case <-time.After(100 * time.Millisecond):
	}
}

// holeyLog is an event log missing seq 2.
type holeyLog struct{}

func (holeyLog) Append(_ context.Context, event events.Event) (events.Event, error) {
	return event, nil
}

func (holeyLog) Replay(_ context.Context, runID string) ([]events.Event, error) {
	return []events.Event{
		{ID: "a", RunID: runID, Seq: 1, Type: events.RunStarted},
		{ID: "c", RunID: runID, Seq: 3, Type: events.StatusChanged},
	}, nil
}

func TestBus_StreamSkipsSeqMissingFromLog(t *testing.T) {
	logger := testutil.Logger()
	bus := eventbus.NewBus(holeyLog{}, newHeldTransport(), logger)

	require.NoError(t, bus.Start(t.Context()))
	t.Cleanup(func() { _ = bus.Close() })

	stream, err := bus.Stream(t.Context(), "run-1")
	require.NoError(t, err)

	assert.Equal(t, []int64{1, 3}, collect(t, stream, 2))
}
