package workflow

import (
	"context"
	"time"

	"github.com/dukex/runflow/pkg/models"
)

// RetryPolicy bounds the attempts of one step.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
}

// Allows reports whether another attempt may follow attempt.
func (p RetryPolicy) Allows(attempt int) bool {
	return attempt < p.MaxAttempts
}

var defaultPolicy = RetryPolicy{MaxAttempts: 1}

// DefaultRetryPolicies is the compiled step table.
var DefaultRetryPolicies = map[string]RetryPolicy{
	models.StepReceive:      {MaxAttempts: 1},
	models.StepPlan:         {MaxAttempts: 2, Backoff: 2 * time.Second},
	models.StepRetrieve:     {MaxAttempts: 3, Backoff: 5 * time.Second},
	models.StepRespond:      {MaxAttempts: 3, Backoff: 5 * time.Second},
	models.StepVerify:       {MaxAttempts: 2, Backoff: 2 * time.Second},
	models.StepMaybeApprove: {MaxAttempts: 1},
	models.StepFinalize:     {MaxAttempts: 1},
}

// PolicyForStep returns the table entry of step, or a single attempt without
// backoff when the step is unknown.
func PolicyForStep(step string) RetryPolicy {
	return policyFrom(DefaultRetryPolicies, step)
}

func policyFrom(table map[string]RetryPolicy, step string) RetryPolicy {
	if policy, ok := table[step]; ok {
		return policy
	}

	return defaultPolicy
}

// ErrorTypeForStep classifies a failed attempt of step for last_error and
// run.failed.
func ErrorTypeForStep(step string) string {
	switch step {
	case models.StepPlan:
		return "bad_plan"
	case models.StepRetrieve:
		return "retrieval_failure"
	case models.StepVerify:
		return "verification_failure"
	default:
		return "network_failure"
	}
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
