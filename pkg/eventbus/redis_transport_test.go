package eventbus_test

import (
	"testing"
	"time"

	"github.com/dukex/runflow/pkg/eventbus"
	"github.com/dukex/runflow/pkg/events"
	"github.com/dukex/runflow/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisTransport_DeliversOnRunAndGlobalChannels(t *testing.T) {
	client := testutil.StartRedis(t)
	ctx := t.Context()

	transport := eventbus.NewRedisTransport(client, testutil.Logger())
	t.Cleanup(func() { _ = transport.Close() })

	global, err := transport.Subscribe(ctx)
	require.NoError(t, err)

	perRun, err := transport.SubscribeRun(ctx, "run-1")
	require.NoError(t, err)

	event := events.New(events.RunStarted, "run-1", map[string]any{"mode": "chat"}, nil)
	event.Seq = 1
	require.NoError(t, transport.Publish(ctx, event))

	for _, ch := range []<-chan events.Event{global, perRun} {
		select {
		case got := <-ch:
			assert.Equal(t, event.ID, got.ID)
			assert.Equal(t, int64(1), got.Seq)
		case <-time.After(5 * time.Second):
			t.Fatal("event not delivered")
		}
	}

	assert.Equal(t, "events:run:run-1", transport.RunChannel("run-1"))
}
