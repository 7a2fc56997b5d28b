package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/dukex/runflow/pkg/channels/gochannel"
	"github.com/dukex/runflow/pkg/eventbus"
	"github.com/dukex/runflow/pkg/events"
	"github.com/dukex/runflow/pkg/persistence/file"
	"github.com/stretchr/testify/require"
)

// NewLocalBus starts an in-process bus over a file store rooted in a temp dir.
func NewLocalBus(t *testing.T) (*eventbus.Bus, *file.Persistence) {
	t.Helper()

	logger := Logger()

	pub, sub, err := gochannel.CreateChannel(watermill.NewSlogLogger(logger))
	require.NoError(t, err)

	store := file.NewPersistence(t.TempDir(), logger)
	bus := eventbus.NewBus(store.Events(), eventbus.NewWatermillTransport(pub, sub, events.Topic, logger), logger)

	require.NoError(t, bus.Start(context.Background()))
	t.Cleanup(func() { _ = bus.Close() })

	return bus, store
}

// WaitForEvent polls the run's event log until an event of eventType shows up
// and returns it.
func WaitForEvent(t *testing.T, bus *eventbus.Bus, runID string, eventType events.EventType) events.Event {
	t.Helper()

	var found events.Event

	require.Eventually(t, func() bool {
		logged, err := bus.Replay(context.Background(), runID)
		if err != nil {
			return false
		}

		for _, event := range logged {
			if event.Type == eventType {
				found = event

				return true
			}
		}

		return false
	}, 5*time.Second, 10*time.Millisecond, "event %s never logged for run %s", eventType, runID)

	return found
}

// EventTypes returns the types of the run's logged events in seq order.
func EventTypes(t *testing.T, bus *eventbus.Bus, runID string) []events.EventType {
	t.Helper()

	logged, err := bus.Replay(context.Background(), runID)
	require.NoError(t, err)

	types := make([]events.EventType, 0, len(logged))
	for _, event := range logged {
		types = append(types, event.Type)
	}

	return types
}
