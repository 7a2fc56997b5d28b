package limits

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiter_Concurrency(t *testing.T) {
	limiter := NewRateLimiter(RateLimiterConfig{GlobalConcurrency: 3, TenantConcurrency: 2})

	require.NoError(t, limiter.TryAcquire("r1", "acme"))
	require.NoError(t, limiter.TryAcquire("r2", "acme"))
	require.NoError(t, limiter.TryAcquire("r1", "acme"), "re-acquire is idempotent")

	err := limiter.TryAcquire("r3", "acme")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRateLimited)

	var rejection *Rejection
	require.True(t, errors.As(err, &rejection))
	assert.Equal(t, ScopeTenant, rejection.Scope)

	require.NoError(t, limiter.TryAcquire("r4", "globex"))

	err = limiter.TryAcquire("r5", "initech")
	require.True(t, errors.As(err, &rejection))
	assert.Equal(t, ScopeGlobal, rejection.Scope)

	limiter.Release("r1")
	limiter.Release("unknown")
	assert.Equal(t, 2, limiter.Active())
	assert.NoError(t, limiter.TryAcquire("r3", "acme"))
}

func TestRateLimiter_EmptyTenantSharesDefault(t *testing.T) {
	limiter := NewRateLimiter(RateLimiterConfig{TenantConcurrency: 1})

	require.NoError(t, limiter.TryAcquire("r1", ""))
	assert.Error(t, limiter.TryAcquire("r2", "default"))
}

func TestRateLimiter_StartRate(t *testing.T) {
	limiter := NewRateLimiter(RateLimiterConfig{TenantRatePerSecond: 1})

	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }

	require.NoError(t, limiter.TryAcquire("r1", "acme"))

	var rejection *Rejection
	err := limiter.TryAcquire("r2", "acme")
	require.True(t, errors.As(err, &rejection))
	assert.Equal(t, ScopeRate, rejection.Scope)

	assert.NoError(t, limiter.TryAcquire("r3", "globex"), "buckets are per tenant")

	now = now.Add(time.Second)
	assert.NoError(t, limiter.TryAcquire("r2", "acme"))
}

func TestBudgetManager(t *testing.T) {
	budget := NewBudgetManager(0.05)

	total, err := budget.Record("r1", 0.03)
	require.NoError(t, err)
	assert.InDelta(t, 0.03, total, 1e-9)

	total, err = budget.Record("r1", 0)
	require.NoError(t, err)
	assert.InDelta(t, 0.03, total, 1e-9)

	_, err = budget.Record("r1", 0.03)

	var exceeded *BudgetExceeded
	require.True(t, errors.As(err, &exceeded))
	assert.InDelta(t, 0.06, exceeded.SpentUSD, 1e-9)
	assert.Equal(t, "budget_exhausted", exceeded.Reason())

	budget.Reset("r1")
	assert.Zero(t, budget.Spent("r1"))
}

func TestBudgetManager_NoLimit(t *testing.T) {
	budget := NewBudgetManager(0)

	_, err := budget.Record("r1", 1000)
	assert.NoError(t, err)
}
