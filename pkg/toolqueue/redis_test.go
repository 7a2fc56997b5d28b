package toolqueue_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dukex/runflow/pkg/events"
	"github.com/dukex/runflow/pkg/testutil"
	"github.com/dukex/runflow/pkg/toolqueue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisStreams_ConsumesEachEventOnce(t *testing.T) {
	client := testutil.StartRedis(t)
	queue := toolqueue.NewRedisStreams(client, toolqueue.RedisStreamsConfig{Consumer: "test", Block: 100 * time.Millisecond}, testutil.Logger())

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	request := events.New(events.ToolRequested, "run-1", map[string]any{"tool_name": "calculator"}, nil)
	request.Seq = 3

	require.NoError(t, queue.EnsureGroup(ctx))
	require.NoError(t, queue.EnsureGroup(ctx), "group creation is idempotent")
	require.NoError(t, queue.EnqueueToolRequested(ctx, request))
	require.NoError(t, queue.EnqueueToolRequested(ctx, request))

	var (
		mu       sync.Mutex
		received []events.Event
	)

	done := make(chan error, 1)

	go func() {
		done <- queue.Consume(ctx, func(_ context.Context, event events.Event) error {
			mu.Lock()
			defer mu.Unlock()

			received = append(received, event)

			return nil
		})
	}()

	require.Eventually(t, func() bool {
		groups, err := client.XInfoGroups(ctx, toolqueue.DefaultStream).Result()
		if err != nil || len(groups) != 1 {
			return false
		}

		return groups[0].EntriesRead == 2 && groups[0].Pending == 0
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	mu.Lock()
	defer mu.Unlock()

	require.Len(t, received, 1)
	assert.Equal(t, request.ID, received[0].ID)
	assert.Equal(t, int64(3), received[0].Seq)
	assert.Equal(t, "calculator", received[0].DataString("tool_name"))

	exists, err := client.Exists(context.Background(), "tool:processed:"+request.ID).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), exists)
}

func TestNoop_Enqueue(t *testing.T) {
	assert.NoError(t, toolqueue.Noop{}.EnqueueToolRequested(context.Background(), events.Event{}))
}
