package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dukex/runflow/pkg/events"
	"github.com/dukex/runflow/pkg/guardrails"
	"github.com/dukex/runflow/pkg/models"
	"github.com/dukex/runflow/pkg/observability"
)

// signal wakes a parked driver. The zero value only asks it to re-check.
type signal struct {
	event    *events.Event
	decision string
	emit     bool
	reply    chan error
}

// runtime is the in-memory state of one driven run. Only its driver goroutine
// touches run and workflow once the driver is launched.
type runtime struct {
	runID    string
	run      *models.RunState
	workflow *models.WorkflowState
	signals  chan signal
	done     chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc

	// lost is set once the lease could not be confirmed.
	lost atomic.Bool
}

func (rt *runtime) loseLease() {
	rt.lost.Store(true)
	rt.cancel()
}

func (rt *runtime) send(ctx context.Context, sig signal) error {
	select {
	case rt.signals <- sig:
		return nil
	case <-rt.done:
		if sig.reply != nil {
			return ErrRunNotActive
		}

		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// nudge queues a resume signal unless one is already pending.
func (rt *runtime) nudge() {
	select {
	case rt.signals <- signal{}:
	default:
	}
}

func (e *Engine) drive(rt *runtime) {
	ctx := rt.ctx
	runID := rt.runID
	refreshed := make(chan struct{})

	defer e.wg.Done()
	defer func() {
		rt.cancel()
		<-refreshed

		e.mu.Lock()
		if e.runtimes[runID] == rt {
			delete(e.runtimes, runID)
		}
		e.mu.Unlock()

		close(rt.done)

		if !rt.lost.Load() {
			e.releaseLease(ctx, runID)
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			e.logger.ErrorContext(ctx, "Workflow driver crashed", "run_id", runID, "panic", r)
		}
	}()

	go func() {
		defer close(refreshed)

		e.keepLease(rt)
	}()

	e.processUntilBlocked(ctx, rt)

	for !rt.workflow.IsTerminal() {
		var sig signal

		select {
		case <-ctx.Done():
			return
		case sig = <-rt.signals:
		}

		if rt.lost.Load() {
			return
		}

		if sig.decision != "" {
			err := e.applyDecision(ctx, rt, sig.decision, sig.emit)
			if sig.reply != nil {
				sig.reply <- err
			} else if err != nil {
				e.logger.InfoContext(ctx, "Ignoring approval decision", "run_id", runID, "decision", sig.decision, "error", err)
			}
		}

		if sig.event != nil {
			e.acceptEvent(ctx, rt, *sig.event)
		}

		e.processUntilBlocked(ctx, rt)
	}
}

// keepLease refreshes the run's lease every refresh interval for as long as
// the driver lives.
func (e *Engine) keepLease(rt *runtime) {
	ticker := time.NewTicker(e.refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rt.ctx.Done():
			return
		case <-ticker.C:
			if !e.owns(rt.ctx, rt) {
				return
			}
		}
	}
}

// owns confirms the driver still holds its lease. A failed confirmation
// marks the lease lost and cancels the driver. During shutdown the lease is
// kept until the driver exits.
func (e *Engine) owns(ctx context.Context, rt *runtime) bool {
	if rt.lost.Load() {
		return false
	}

	if ctx.Err() != nil || e.holdsLease(ctx, rt.runID) {
		return true
	}

	// Shutdown raced the refresh.
	if ctx.Err() != nil {
		return true
	}

	rt.loseLease()

	return false
}

func (e *Engine) applyDecision(ctx context.Context, rt *runtime, decision string, emit bool) error {
	wf := rt.workflow

	if !wf.WaitingForHuman {
		if wf.HumanDecision != nil && *wf.HumanDecision == decision {
			return nil
		}

		return ErrNotAwaitingApproval
	}

	wf.SetHumanDecision(decision)
	wf.Status = models.WorkflowStatusRunning
	e.saveWorkflow(ctx, rt)
	e.endWaitSpan(ctx, rt, models.SpanStatusOK)

	if emit {
		e.emit(ctx, rt, &events.WorkflowApprovalRecordedPayload{
			Decision: decision,
			Status:   string(wf.Status),
		})
	}

	return nil
}

// acceptEvent resolves an external event wait. Events the workflow is not
// waiting for are dropped; tool results are still folded into the run.
func (e *Engine) acceptEvent(ctx context.Context, rt *runtime, event events.Event) {
	wf := rt.workflow

	if len(wf.PendingEvents) > 0 {
		if !wf.IsWaitingFor(string(event.Type)) {
			e.logger.DebugContext(ctx, "Ignoring event the workflow is not waiting for", "run_id", event.RunID, "type", event.Type)

			return
		}

		wf.ClearPendingEvents()
		e.saveWorkflow(ctx, rt)
		e.endWaitSpan(ctx, rt, models.SpanStatusOK)

		e.logger.InfoContext(ctx, "Workflow resumed from external event", "run_id", event.RunID, "type", event.Type)
	}

	if events.IsToolResult(event.Type) {
		rt.run.ApplyToolResult(ToolResultFromEvent(event))
	}
}

// processUntilBlocked runs steps until the workflow pauses, fails or completes.
func (e *Engine) processUntilBlocked(ctx context.Context, rt *runtime) {
	runID := rt.run.RunID

	for ctx.Err() == nil {
		wf := rt.workflow

		if wf.IsTerminal() {
			return
		}

		if wf.WaitingForHuman {
			e.logger.InfoContext(ctx, "Workflow paused for approval", "run_id", runID, "step", wf.Step())

			return
		}

		if len(wf.PendingEvents) > 0 {
			e.logger.InfoContext(ctx, "Workflow waiting for events", "run_id", runID, "step", wf.Step(), "events", strings.Join(wf.PendingEvents, ","))

			return
		}

		if !e.owns(ctx, rt) {
			return
		}

		step := wf.Step()
		if step == "" {
			e.complete(ctx, rt)

			return
		}

		activity, ok := e.activities[step]
		if !ok {
			e.logger.ErrorContext(ctx, "No activity registered for step", "run_id", runID, "step", step)
			wf.MarkFailed(map[string]any{"error": "missing_activity", "step": step})
			e.saveWorkflow(ctx, rt)
			e.emit(ctx, rt, &events.WorkflowFailedPayload{
				Status: string(wf.Status),
				Step:   step,
				Error:  "missing_activity",
			})
			e.finishTrace(ctx, rt, models.TraceStatusFailed)

			return
		}

		attempt := wf.RecordAttempt()
		e.saveWorkflow(ctx, rt)

		e.logger.InfoContext(ctx, "Workflow step started", "run_id", runID, "step", step, "attempt", attempt)
		e.emit(ctx, rt, &events.WorkflowStepStartedPayload{Step: step, Attempt: attempt, Status: string(wf.Status)})

		spanID := e.tracer.StartSpan(ctx, runID, "workflow."+step, observability.KindStep, wf.RootSpanID,
			map[string]any{"step": step, "attempt": attempt})

		outcome, err := runActivity(WithStepSpan(ctx, spanID), activity, rt)
		if rt.lost.Load() {
			e.logger.WarnContext(ctx, "Workflow lease lost during step, discarding its outcome", "run_id", runID, "step", step, "attempt", attempt)

			return
		}

		if err == nil {
			if await, ok := outcome.(AwaitEvents); ok && len(await.Types) == 0 {
				err = errors.New("activity awaited events without naming any")
			}
		}

		if err != nil {
			if violation, ok := guardrails.AsViolation(err); ok {
				e.tracer.EndSpan(ctx, runID, spanID, models.SpanStatusError, map[string]any{
					"error_type":  "guardrail_failure",
					"layer":       violation.Layer,
					"threat_type": violation.ThreatType,
				}, nil)
				e.handleViolation(ctx, rt, step, violation)

				return
			}

			if e.handleFailure(ctx, rt, step, attempt, spanID, err) {
				continue
			}

			return
		}

		switch o := outcome.(type) {
		case AwaitApproval:
			e.awaitApproval(ctx, rt, step, spanID, o)

			return
		case AwaitEvents:
			e.awaitEvents(ctx, rt, step, spanID, o)

			return
		}

		e.saveRun(ctx, rt)
		e.saveWorkflow(ctx, rt)
		e.tracer.EndSpan(ctx, runID, spanID, models.SpanStatusOK, nil, nil)
		e.emit(ctx, rt, &events.WorkflowStepCompletedPayload{Step: step, Attempt: attempt, Status: string(wf.Status)})
		e.logger.InfoContext(ctx, "Workflow step completed", "run_id", runID, "step", step, "attempt", attempt)

		if wf.Status == models.WorkflowStatusFailed {
			e.emit(ctx, rt, failedPayload(wf))
			e.finishTrace(ctx, rt, models.TraceStatusFailed)

			return
		}

		if next, ok := models.NextStep(step); ok {
			wf.AdvanceTo(next)
			e.saveWorkflow(ctx, rt)

			continue
		}

		e.complete(ctx, rt)

		return
	}
}

func runActivity(ctx context.Context, activity Activity, rt *runtime) (outcome Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("activity panicked: %v", r)
		}
	}()

	return activity(ctx, rt.run, rt.workflow)
}

func (e *Engine) complete(ctx context.Context, rt *runtime) {
	rt.workflow.MarkCompleted()
	e.saveWorkflow(ctx, rt)
	e.emit(ctx, rt, &events.WorkflowCompletedPayload{Status: string(rt.workflow.Status)})
	e.logger.InfoContext(ctx, "Workflow completed", "run_id", rt.run.RunID)
	e.finishTrace(ctx, rt, models.TraceStatusCompleted)
}

func (e *Engine) awaitApproval(ctx context.Context, rt *runtime, step, spanID string, o AwaitApproval) {
	wf := rt.workflow

	wf.MarkWaitingForHuman()
	e.saveRun(ctx, rt)
	e.tracer.EndSpan(ctx, rt.run.RunID, spanID, models.SpanStatusWaiting,
		map[string]any{"error_type": "approval_wait", "reason": o.Reason}, nil)
	e.startWaitSpan(ctx, rt, models.WaitKindHumanApproval, o.Reason, map[string]any{"step": step})
	e.saveWorkflow(ctx, rt)

	e.logger.InfoContext(ctx, "Workflow waiting for approval", "run_id", rt.run.RunID, "step", step, "reason", o.Reason)
	e.emit(ctx, rt, &events.WorkflowWaitingForApprovalPayload{Step: step, Reason: o.Reason, Status: string(wf.Status)})
}

func (e *Engine) awaitEvents(ctx context.Context, rt *runtime, step, spanID string, o AwaitEvents) {
	wf := rt.workflow

	wf.WaitForEvents(o.Types)
	wf.LastError = map[string]any{
		"error":         "external_event_required",
		"resume_events": o.Types,
		"reason":        o.Reason,
	}
	e.saveRun(ctx, rt)
	e.tracer.EndSpan(ctx, rt.run.RunID, spanID, models.SpanStatusWaiting,
		map[string]any{"error_type": "tool_wait", "reason": o.Reason, "events": o.Types}, nil)
	e.startWaitSpan(ctx, rt, models.WaitKindExternalEvent, o.Reason,
		map[string]any{"step": step, "events": strings.Join(o.Types, ",")})
	e.saveWorkflow(ctx, rt)

	e.logger.InfoContext(ctx, "Workflow waiting for events", "run_id", rt.run.RunID, "step", step, "events", strings.Join(o.Types, ","), "reason", o.Reason)
	e.emit(ctx, rt, &events.WorkflowWaitingForEventPayload{
		Step:       step,
		EventTypes: o.Types,
		Reason:     o.Reason,
		Status:     string(wf.Status),
	})
}

// handleViolation terminates the run with a refusal. Violations never retry.
func (e *Engine) handleViolation(ctx context.Context, rt *runtime, step string, violation *guardrails.Violation) {
	run := rt.run

	reason := violation.Notes
	if reason == "" {
		reason = violation.ThreatType
	}

	guardrails.Record(run, violation)
	run.SetVerification(false, reason)

	if strings.TrimSpace(run.OutputText) == "" {
		guardrails.ApplyRefusal(run, reason)
	}

	run.SetOutcome(models.OutcomeFailed, reason)
	e.saveRun(ctx, rt)

	rt.workflow.MarkFailed(map[string]any{
		"error":       "guardrail_triggered",
		"step":        step,
		"layer":       violation.Layer,
		"threat_type": violation.ThreatType,
		"notes":       violation.Notes,
	})
	e.saveWorkflow(ctx, rt)

	e.logger.WarnContext(ctx, "Workflow stopped by guardrail", "run_id", run.RunID, "step", step, "layer", violation.Layer, "threat_type", violation.ThreatType)
	e.emit(ctx, rt, failedPayload(rt.workflow))
	e.emit(ctx, rt, &events.RunFailedPayload{Reason: reason, FinalText: run.OutputText})
	e.finishTrace(ctx, rt, models.TraceStatusFailed)
}

// handleFailure records a failed attempt and reports whether the step should
// run again.
func (e *Engine) handleFailure(ctx context.Context, rt *runtime, step string, attempt int, spanID string, err error) bool {
	wf := rt.workflow
	policy := policyFrom(e.policies, step)
	errorType := ErrorTypeForStep(step)

	lastError := map[string]any{
		"step":       step,
		"attempt":    attempt,
		"error":      errorName(err),
		"message":    err.Error(),
		"error_type": errorType,
	}

	e.tracer.AddSpanAttribute(ctx, rt.run.RunID, spanID, "error_type", errorType)
	e.tracer.EndSpan(ctx, rt.run.RunID, spanID, models.SpanStatusError, lastError, map[string]any{"retrying": policy.Allows(attempt)})

	if policy.Allows(attempt) {
		if !e.owns(ctx, rt) {
			return false
		}

		wf.MarkRetrying(lastError)
		e.saveRun(ctx, rt)
		e.saveWorkflow(ctx, rt)
		e.emit(ctx, rt, &events.WorkflowRetryingPayload{
			Step:           step,
			Attempt:        attempt,
			BackoffSeconds: policy.Backoff.Seconds(),
			Error:          errorName(err),
			Message:        err.Error(),
			ErrorType:      errorType,
			Status:         string(wf.Status),
		})
		e.logger.WarnContext(ctx, "Workflow step retrying", "run_id", rt.run.RunID, "step", step, "attempt", attempt, "backoff", policy.Backoff, "error", err)

		if sleepErr := e.sleep(ctx, policy.Backoff); sleepErr != nil {
			return false
		}

		return true
	}

	wf.MarkFailed(lastError)
	e.saveRun(ctx, rt)
	e.saveWorkflow(ctx, rt)
	e.emit(ctx, rt, failedPayload(wf))

	reason := errorType
	if rt.run.OutcomeReason != "" {
		reason = rt.run.OutcomeReason
	}

	e.emit(ctx, rt, &events.RunFailedPayload{Reason: reason, FinalText: rt.run.OutputText})
	e.logger.ErrorContext(ctx, "Workflow step failed, run terminated", "run_id", rt.run.RunID, "step", step, "attempts", attempt, "error", err)
	e.finishTrace(ctx, rt, models.TraceStatusFailed)

	return false
}

type reasoner interface {
	Reason() string
}

// errorName gives last_error a stable classifier for err.
func errorName(err error) string {
	var r reasoner
	if errors.As(err, &r) {
		return r.Reason()
	}

	return "activity_failed"
}

func failedPayload(wf *models.WorkflowState) *events.WorkflowFailedPayload {
	payload := &events.WorkflowFailedPayload{Status: string(wf.Status)}

	str := func(key string) string {
		value, _ := wf.LastError[key].(string)

		return value
	}

	payload.Step = str("step")
	payload.Error = str("error")
	payload.Message = str("message")
	payload.ErrorType = str("error_type")
	payload.Layer = str("layer")
	payload.ThreatType = str("threat_type")
	payload.Notes = str("notes")

	if attempt, ok := wf.LastError["attempt"].(int); ok {
		payload.Attempt = attempt
	}

	return payload
}

func (e *Engine) ensureRootSpan(ctx context.Context, rt *runtime) {
	if e.tracer == nil {
		return
	}

	runID := rt.run.RunID

	if rt.workflow.RootSpanID != "" {
		e.tracer.SetRootSpan(ctx, runID, rt.workflow.RootSpanID)

		return
	}

	spanID := e.tracer.StartSpan(ctx, runID, "workflow.run", observability.KindWorkflow, "", map[string]any{"run_id": runID})
	rt.workflow.RootSpanID = spanID
	e.saveWorkflow(ctx, rt)
	e.tracer.SetRootSpan(ctx, runID, spanID)
}

func (e *Engine) startWaitSpan(ctx context.Context, rt *runtime, kind, reason string, attrs map[string]any) {
	wf := rt.workflow
	if wf.WaitSpanID != "" {
		return
	}

	attributes := map[string]any{"wait_kind": kind}
	for k, v := range attrs {
		attributes[k] = v
	}

	wf.WaitSpanID = e.tracer.StartSpan(ctx, rt.run.RunID, "workflow.wait."+kind, observability.KindWait, wf.RootSpanID, attributes)
	wf.WaitKind = kind
	wf.WaitReason = reason
}

func (e *Engine) endWaitSpan(ctx context.Context, rt *runtime, status string) {
	wf := rt.workflow

	if wf.WaitSpanID != "" {
		var errInfo map[string]any

		if status != models.SpanStatusOK {
			errorType := "approval_wait"
			if wf.WaitKind == models.WaitKindExternalEvent {
				errorType = "tool_wait"
			}

			errInfo = map[string]any{"error_type": errorType, "reason": wf.WaitReason}
		}

		e.tracer.EndSpan(ctx, rt.run.RunID, wf.WaitSpanID, status, errInfo, nil)
	}

	wf.WaitSpanID = ""
	wf.WaitKind = ""
	wf.WaitReason = ""
	e.saveWorkflow(ctx, rt)
}

func (e *Engine) finishTrace(ctx context.Context, rt *runtime, status string) {
	if e.tracer == nil {
		return
	}

	runID := rt.run.RunID

	if e.tracer.RootSpan(runID) == "" && rt.workflow.RootSpanID != "" {
		spanStatus := models.SpanStatusOK
		if status == models.TraceStatusFailed {
			spanStatus = models.SpanStatusError
		}

		e.tracer.EndSpan(ctx, runID, rt.workflow.RootSpanID, spanStatus, nil, nil)
	}

	e.tracer.CompleteTrace(ctx, runID, status)

	rt.workflow.RootSpanID = ""
	e.saveWorkflow(ctx, rt)
}

func (e *Engine) saveRun(ctx context.Context, rt *runtime) {
	if err := e.runs.Save(ctx, rt.run); err != nil {
		e.logger.ErrorContext(ctx, "Failed to save run snapshot", "run_id", rt.run.RunID, "error", err)
	}
}

func (e *Engine) saveWorkflow(ctx context.Context, rt *runtime) {
	if err := e.workflows.Save(ctx, rt.workflow); err != nil {
		e.logger.ErrorContext(ctx, "Failed to save workflow snapshot", "run_id", rt.run.RunID, "error", err)
	}
}

// emit publishes a workflow event carrying the run identity. Publish failures
// are logged; the snapshots stay the source of truth.
func (e *Engine) emit(ctx context.Context, rt *runtime, payload events.Payload) {
	event, err := events.FromPayload(rt.run.RunID, payload, rt.run.Identity())
	if err != nil {
		e.logger.ErrorContext(ctx, "Failed to build workflow event", "run_id", rt.run.RunID, "type", payload.EventType(), "error", err)

		return
	}

	if _, err := e.bus.Publish(ctx, event); err != nil {
		e.logger.ErrorContext(ctx, "Failed to publish workflow event", "run_id", rt.run.RunID, "type", payload.EventType(), "error", err)
	}
}

// ToolResultFromEvent converts a tool.completed, tool.failed or tool.denied
// event into the record stored on the run snapshot.
func ToolResultFromEvent(event events.Event) models.ToolResult {
	result := models.ToolResult{
		EventID:   event.ID,
		ToolName:  event.DataString("tool_name"),
		Output:    event.Data["output"],
		Timestamp: event.Timestamp,
	}

	switch event.Type {
	case events.ToolCompleted:
		result.Status = models.ToolStatusCompleted
	case events.ToolFailed:
		result.Status = models.ToolStatusFailed
		result.Error = event.DataString("error")
	case events.ToolDenied:
		result.Status = models.ToolStatusDenied
		result.Error = event.DataString("reason")
	}

	switch duration := event.Data["duration_ms"].(type) {
	case float64:
		result.DurationMs = int64(duration)
	case int64:
		result.DurationMs = duration
	case int:
		result.DurationMs = int64(duration)
	}

	return result
}
