package redis_test

import (
	"testing"

	"github.com/dukex/runflow/pkg/events"
	"github.com/dukex/runflow/pkg/models"
	"github.com/dukex/runflow/pkg/persistence"
	"github.com/dukex/runflow/pkg/persistence/persistencetest"
	"github.com/dukex/runflow/pkg/persistence/redis"
	"github.com/dukex/runflow/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPersistence_Contract(t *testing.T) {
	client := testutil.StartRedis(t)

	persistencetest.Run(t, redis.NewPersistenceWithClient(client, testutil.Logger()))
}

func TestEventStore_UsesDocumentedKeys(t *testing.T) {
	client := testutil.StartRedis(t)
	ctx := t.Context()
	p := redis.NewPersistenceWithClient(client, testutil.Logger())

	_, err := p.Events().Append(ctx, events.New(events.RunStarted, "run-keys", map[string]any{"mode": "chat"}, nil))
	require.NoError(t, err)

	seq, err := client.Get(ctx, "ai:run:run-keys:event_seq").Int64()
	require.NoError(t, err)
	assert.Equal(t, int64(1), seq)

	length, err := client.LLen(ctx, "ai:run:run-keys:events").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), length)
}

func TestEventStore_SkipsMalformedEntries(t *testing.T) {
	client := testutil.StartRedis(t)
	ctx := t.Context()
	p := redis.NewPersistenceWithClient(client, testutil.Logger())

	_, err := p.Events().Append(ctx, events.New(events.RunStarted, "run-bad", map[string]any{"mode": "chat"}, nil))
	require.NoError(t, err)
	require.NoError(t, client.RPush(ctx, "ai:run:run-bad:events", "{nope").Err())

	replayed, err := p.Events().Replay(ctx, "run-bad")
	require.NoError(t, err)
	require.Len(t, replayed, 1)
	assert.Equal(t, int64(1), replayed[0].Seq)
}

func TestWorkflowStore_ActiveIndexFollowsStatus(t *testing.T) {
	client := testutil.StartRedis(t)
	ctx := t.Context()
	p := redis.NewPersistenceWithClient(client, testutil.Logger(), redis.WithKeyPrefix("test:"))

	_, err := p.Workflows().LoadOrCreate(ctx, "run-a")
	require.NoError(t, err)

	member, err := client.SIsMember(ctx, "test:workflows:active", "run-a").Result()
	require.NoError(t, err)
	assert.True(t, member)

	_, err = p.Workflows().Update(ctx, "run-a", func(state *models.WorkflowState) error {
		state.MarkCompleted()

		return nil
	})
	require.NoError(t, err)

	member, err = client.SIsMember(ctx, "test:workflows:active", "run-a").Result()
	require.NoError(t, err)
	assert.False(t, member)
}

func TestRunStore_MalformedSnapshotIsNotFound(t *testing.T) {
	client := testutil.StartRedis(t)
	ctx := t.Context()
	p := redis.NewPersistenceWithClient(client, testutil.Logger())

	require.NoError(t, client.Set(ctx, "ai:run:run-x:state", "{broken", 0).Err())

	_, err := p.Runs().Load(ctx, "run-x")
	assert.ErrorIs(t, err, persistence.ErrRunNotFound)
}
