package workflow

import (
	"context"

	"github.com/dukex/runflow/pkg/models"
)

// Activity runs one step. It mutates the run snapshot in place and reports how
// the engine should proceed. Returning a non-nil error fails the attempt.
type Activity func(ctx context.Context, run *models.RunState, wf *models.WorkflowState) (Outcome, error)

// Outcome is one of Continue, AwaitApproval or AwaitEvents.
type Outcome interface {
	outcome()
}

// Continue lets the engine advance to the next step.
type Continue struct{}

// AwaitApproval parks the workflow until a human decision is recorded.
type AwaitApproval struct {
	Reason string
}

// AwaitEvents parks the workflow until an event of one of Types is delivered.
type AwaitEvents struct {
	Types  []string
	Reason string
}

func (Continue) outcome()      {}
func (AwaitApproval) outcome() {}
func (AwaitEvents) outcome()   {}

type stepSpanKey struct{}

// WithStepSpan returns a context carrying the span id of the running step.
func WithStepSpan(ctx context.Context, spanID string) context.Context {
	return context.WithValue(ctx, stepSpanKey{}, spanID)
}

// StepSpan returns the span id of the running step, if any. Activities parent
// their own spans on it.
func StepSpan(ctx context.Context) string {
	spanID, _ := ctx.Value(stepSpanKey{}).(string)

	return spanID
}
