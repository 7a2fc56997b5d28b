// Package limits guards admission of new runs and per-run model spend.
package limits

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Rejection scopes reported by the rate limiter.
const (
	ScopeGlobal = "global"
	ScopeTenant = "tenant"
	ScopeRate   = "rate"
)

const defaultTenant = "default"

var ErrRateLimited = errors.New("rate limited")

// Rejection explains why TryAcquire refused a run.
type Rejection struct {
	Scope  string
	Reason string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("%s: %s", ErrRateLimited, r.Reason)
}

func (r *Rejection) Unwrap() error {
	return ErrRateLimited
}

type RateLimiterConfig struct {
	// GlobalConcurrency caps active runs across tenants. Zero disables it.
	GlobalConcurrency int
	// TenantConcurrency caps active runs per tenant. Zero disables it.
	TenantConcurrency int
	// TenantRatePerSecond caps run starts per tenant. Zero disables it.
	TenantRatePerSecond float64
	// TenantBurst defaults to the ceiling of TenantRatePerSecond.
	TenantBurst int
}

// RateLimiter tracks active runs globally and per tenant, plus a token bucket
// on run admissions per tenant.
type RateLimiter struct {
	config RateLimiterConfig

	mu           sync.Mutex
	active       map[string]string
	tenantCounts map[string]int
	buckets      map[string]*rate.Limiter
	now          func() time.Time
}

func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	config.GlobalConcurrency = max(config.GlobalConcurrency, 0)
	config.TenantConcurrency = max(config.TenantConcurrency, 0)

	if config.TenantRatePerSecond > 0 && config.TenantBurst <= 0 {
		config.TenantBurst = max(int(config.TenantRatePerSecond+0.999), 1)
	}

	return &RateLimiter{
		config:       config,
		active:       map[string]string{},
		tenantCounts: map[string]int{},
		buckets:      map[string]*rate.Limiter{},
		now:          time.Now,
	}
}

// TryAcquire admits runID for tenantID or returns a *Rejection. Acquiring an
// already active run succeeds without counting it twice.
func (l *RateLimiter) TryAcquire(runID, tenantID string) error {
	tenant := tenantID
	if tenant == "" {
		tenant = defaultTenant
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.active[runID]; ok {
		return nil
	}

	if l.config.GlobalConcurrency > 0 && len(l.active) >= l.config.GlobalConcurrency {
		return &Rejection{Scope: ScopeGlobal, Reason: fmt.Sprintf("global concurrency limit %d reached", l.config.GlobalConcurrency)}
	}

	if l.config.TenantConcurrency > 0 && l.tenantCounts[tenant] >= l.config.TenantConcurrency {
		return &Rejection{Scope: ScopeTenant, Reason: fmt.Sprintf("tenant %s concurrency limit %d reached", tenant, l.config.TenantConcurrency)}
	}

	if l.config.TenantRatePerSecond > 0 && !l.bucket(tenant).AllowN(l.now(), 1) {
		return &Rejection{Scope: ScopeRate, Reason: fmt.Sprintf("tenant %s start rate exceeded", tenant)}
	}

	l.active[runID] = tenant
	l.tenantCounts[tenant]++

	return nil
}

// Release frees the slot held by runID. Unknown runs are ignored.
func (l *RateLimiter) Release(runID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	tenant, ok := l.active[runID]
	if !ok {
		return
	}

	delete(l.active, runID)

	l.tenantCounts[tenant]--
	if l.tenantCounts[tenant] <= 0 {
		delete(l.tenantCounts, tenant)
	}
}

// Active returns the number of admitted runs.
func (l *RateLimiter) Active() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.active)
}

func (l *RateLimiter) bucket(tenant string) *rate.Limiter {
	bucket, ok := l.buckets[tenant]
	if !ok {
		bucket = rate.NewLimiter(rate.Limit(l.config.TenantRatePerSecond), l.config.TenantBurst)
		l.buckets[tenant] = bucket
	}

	return bucket
}
