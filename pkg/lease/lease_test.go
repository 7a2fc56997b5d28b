package lease_test

import (
	"context"
	"testing"
	"time"

	"github.com/dukex/runflow/pkg/lease"
	"github.com/dukex/runflow/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoop(t *testing.T) {
	var l lease.Lease = lease.Noop{}

	ok, err := l.Acquire(t.Context(), "workflow:run-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.Refresh(t.Context(), "workflow:run-1")
	require.NoError(t, err)
	assert.True(t, ok)

	assert.NoError(t, l.Release(t.Context(), "workflow:run-1"))
}

type lostLease struct{ lease.Noop }

func (lostLease) Refresh(context.Context, string) (bool, error) { return false, nil }

func TestHold(t *testing.T) {
	require.NoError(t, lease.Hold(t.Context(), lease.Noop{}, "workflow:run-1"))

	err := lease.Hold(t.Context(), lostLease{}, "workflow:run-1")
	require.ErrorIs(t, err, lease.ErrNotHeld)
	assert.Contains(t, err.Error(), "workflow:run-1")
}

func TestNewRedis_RequiresOwner(t *testing.T) {
	_, err := lease.NewRedis(nil, lease.RedisConfig{}, testutil.Logger())
	assert.Error(t, err)
}

func TestRedis_MutualExclusion(t *testing.T) {
	client := testutil.StartRedis(t)
	ctx := t.Context()

	first, err := lease.NewRedis(client, lease.RedisConfig{OwnerID: "worker-a", TTL: 5 * time.Second}, testutil.Logger())
	require.NoError(t, err)

	second, err := lease.NewRedis(client, lease.RedisConfig{OwnerID: "worker-b", TTL: 5 * time.Second}, testutil.Logger())
	require.NoError(t, err)

	ok, err := first.Acquire(ctx, "workflow:run-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = first.Acquire(ctx, "workflow:run-1")
	require.NoError(t, err)
	assert.True(t, ok, "acquire is re-entrant for the owner")

	ok, err = second.Acquire(ctx, "workflow:run-1")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = second.Refresh(ctx, "workflow:run-1")
	require.NoError(t, err)
	assert.False(t, ok)

	// Releasing a lease owned by someone else is a no-op.
	require.NoError(t, second.Release(ctx, "workflow:run-1"))

	owner, err := client.Get(ctx, "lease:run:workflow:run-1").Result()
	require.NoError(t, err)
	assert.Equal(t, "worker-a", owner)

	require.NoError(t, first.Release(ctx, "workflow:run-1"))

	ok, err = second.Acquire(ctx, "workflow:run-1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedis_ExpiredLeaseCanBeTaken(t *testing.T) {
	client := testutil.StartRedis(t)
	ctx := t.Context()

	first, err := lease.NewRedis(client, lease.RedisConfig{OwnerID: "worker-a", TTL: 100 * time.Millisecond}, testutil.Logger())
	require.NoError(t, err)

	second, err := lease.NewRedis(client, lease.RedisConfig{OwnerID: "worker-b", TTL: time.Second}, testutil.Logger())
	require.NoError(t, err)

	ok, err := first.Acquire(ctx, "workflow:run-2")
	require.NoError(t, err)
	require.True(t, ok)

	assert.Eventually(t, func() bool {
		ok, err := second.Acquire(ctx, "workflow:run-2")

		return err == nil && ok
	}, 3*time.Second, 50*time.Millisecond)

	ok, err = first.Refresh(ctx, "workflow:run-2")
	require.NoError(t, err)
	assert.False(t, ok, "the previous owner lost the lease")
}
