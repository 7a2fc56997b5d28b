// Package activities binds the agent run steps to the workflow engine. Each
// activity mutates the run snapshot and publishes progress events.
package activities

import (
	"context"
	"errors"
	"log/slog"

	"github.com/dukex/runflow/pkg/eventbus"
	"github.com/dukex/runflow/pkg/events"
	"github.com/dukex/runflow/pkg/guardrails"
	"github.com/dukex/runflow/pkg/limits"
	"github.com/dukex/runflow/pkg/models"
	"github.com/dukex/runflow/pkg/observability"
	"github.com/dukex/runflow/pkg/persistence"
	"github.com/dukex/runflow/pkg/tools"
	"github.com/dukex/runflow/pkg/workflow"
)

// Run phases recorded on the snapshot while a step runs.
const (
	PhaseReceive  = "receive"
	PhasePlan     = "plan"
	PhaseRetrieve = "retrieve"
	PhaseRespond  = "respond"
	PhaseVerify   = "verify"
	PhaseApproval = "approval"
	PhaseFinalize = "finalize"
)

const (
	defaultTopK            = 3
	defaultCostPerTokenUSD = 0.000002
	outputChunkSize        = 64
)

// toolResultTypes resume a run parked on a tool request.
var toolResultTypes = []string{
	string(events.ToolCompleted),
	string(events.ToolFailed),
	string(events.ToolDenied),
}

// Dependencies are the collaborators of the activities. Retriever, Generator,
// Output, Budget and Tracer are optional.
type Dependencies struct {
	Bus         eventbus.Publisher
	Runs        persistence.RunStore
	Tools       *tools.Registry
	Permissions *tools.PermissionGate
	Retriever   Retriever
	Generator   Generator
	Output      guardrails.OutputValidator
	Budget      *limits.BudgetManager
	Tracer      *observability.Tracer
	Logger      *slog.Logger

	// CostPerTokenUSD prices generated and consumed tokens for the budget.
	CostPerTokenUSD float64
	// TopK bounds the chunks requested from the retriever.
	TopK int
}

// Activities implements every step of the run workflow.
type Activities struct {
	deps   Dependencies
	logger *slog.Logger
}

func New(deps Dependencies) *Activities {
	if deps.Tools == nil {
		deps.Tools = tools.NewRegistry()
	}

	if deps.Permissions == nil {
		deps.Permissions = tools.NewPermissionGate("")
	}

	if deps.Generator == nil {
		deps.Generator = OfflineGenerator{}
	}

	if deps.CostPerTokenUSD <= 0 {
		deps.CostPerTokenUSD = defaultCostPerTokenUSD
	}

	if deps.TopK <= 0 {
		deps.TopK = defaultTopK
	}

	return &Activities{
		deps:   deps,
		logger: deps.Logger.With("module", "activities"),
	}
}

// Build returns the activity map the workflow engine is constructed with.
func Build(deps Dependencies) map[string]workflow.Activity {
	a := New(deps)

	return map[string]workflow.Activity{
		models.StepReceive:      a.Receive,
		models.StepPlan:         a.Plan,
		models.StepRetrieve:     a.Retrieve,
		models.StepRespond:      a.Respond,
		models.StepVerify:       a.Verify,
		models.StepMaybeApprove: a.MaybeApprove,
		models.StepFinalize:     a.Finalize,
	}
}

type activitySpanKey struct{}

func activitySpan(ctx context.Context) string {
	spanID, _ := ctx.Value(activitySpanKey{}).(string)

	return spanID
}

// scope wraps one activity body with node events, an activity span and a run
// snapshot save, whatever the body returns.
func (a *Activities) scope(ctx context.Context, run *models.RunState, name, phase string, body func(ctx context.Context) (workflow.Outcome, error)) (workflow.Outcome, error) {
	run.TransitionPhase(phase)

	spanID := a.deps.Tracer.StartSpan(ctx, run.RunID, "intelligence."+name, observability.KindActivity, workflow.StepSpan(ctx),
		map[string]any{"node": name, "phase": phase})

	a.notify(ctx, run, &events.NodeStartedPayload{Name: name})

	outcome, err := body(context.WithValue(ctx, activitySpanKey{}, spanID))

	status := models.SpanStatusOK

	var errInfo map[string]any

	switch o := outcome.(type) {
	case workflow.AwaitApproval:
		status = models.SpanStatusWaiting
		errInfo = map[string]any{"error_type": "approval_wait", "reason": o.Reason}
	case workflow.AwaitEvents:
		status = models.SpanStatusWaiting
		errInfo = map[string]any{"error_type": "tool_wait", "reason": o.Reason, "events": o.Types}
	}

	if err != nil {
		status = models.SpanStatusError
		errInfo = map[string]any{"error_type": errorType(name, err), "message": err.Error()}
	}

	if saveErr := a.deps.Runs.Save(ctx, run); saveErr != nil {
		a.logger.ErrorContext(ctx, "Failed to save run snapshot", "run_id", run.RunID, "node", name, "error", saveErr)
	}

	a.notify(ctx, run, &events.NodeCompletedPayload{Name: name})

	if errInfo != nil {
		a.deps.Tracer.AddSpanAttribute(ctx, run.RunID, spanID, "error_type", errInfo["error_type"])
	}

	a.deps.Tracer.EndSpan(ctx, run.RunID, spanID, status, errInfo, nil)

	return outcome, err
}

func errorType(step string, err error) string {
	if _, ok := guardrails.AsViolation(err); ok {
		return "guardrail_violation"
	}

	var exceeded *limits.BudgetExceeded
	if errors.As(err, &exceeded) {
		return exceeded.Reason()
	}

	return workflow.ErrorTypeForStep(step)
}

// publish emits an event the run depends on. Failures fail the activity.
func (a *Activities) publish(ctx context.Context, run *models.RunState, payload events.Payload) error {
	event, err := events.FromPayload(run.RunID, payload, run.Identity())
	if err != nil {
		return err
	}

	if _, err := a.deps.Bus.Publish(ctx, event); err != nil {
		return err
	}

	return nil
}

// notify emits a progress event. Failures are only logged.
func (a *Activities) notify(ctx context.Context, run *models.RunState, payload events.Payload) {
	if err := a.publish(ctx, run, payload); err != nil {
		a.logger.WarnContext(ctx, "Failed to publish progress event", "run_id", run.RunID, "type", payload.EventType(), "error", err)
	}
}

func (a *Activities) status(ctx context.Context, run *models.RunState, value string) {
	a.notify(ctx, run, &events.StatusChangedPayload{Value: value})
}

// decide records a decision on the snapshot and announces it.
func (a *Activities) decide(ctx context.Context, run *models.RunState, name, value, notes string) {
	run.RecordDecision(name, value, notes)
	a.notify(ctx, run, &events.DecisionMadePayload{Name: name, Value: value, Notes: notes})
}

func (a *Activities) output(ctx context.Context, run *models.RunState, text string) {
	for _, chunk := range chunkText(text, outputChunkSize) {
		a.notify(ctx, run, &events.OutputChunkPayload{Text: chunk})
	}
}

// ensureOutputSafe validates the current output. A violation replaces the
// output with the refusal before it is returned.
func (a *Activities) ensureOutputSafe(ctx context.Context, run *models.RunState, enforceCitations bool) error {
	if a.deps.Output == nil {
		return nil
	}

	err := a.deps.Output.Validate(ctx, run, enforceCitations)
	if err == nil {
		return nil
	}

	if violation, ok := guardrails.AsViolation(err); ok {
		guardrails.Record(run, violation)
		guardrails.ApplyRefusal(run, violation.ThreatType)
		a.notify(ctx, run, &events.GuardrailTriggeredPayload{
			Layer:      violation.Layer,
			ThreatType: violation.ThreatType,
			Confidence: violation.Confidence,
			Notes:      violation.Notes,
		})
	}

	return err
}

func chunkText(text string, size int) []string {
	runes := []rune(text)
	chunks := make([]string, 0, len(runes)/size+1)

	for start := 0; start < len(runes); start += size {
		chunks = append(chunks, string(runes[start:min(start+size, len(runes))]))
	}

	return chunks
}
