// Package coordinator admits runs and routes bus events to the workflow
// engine.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/dukex/runflow/pkg/eventbus"
	"github.com/dukex/runflow/pkg/events"
	"github.com/dukex/runflow/pkg/guardrails"
	"github.com/dukex/runflow/pkg/limits"
	"github.com/dukex/runflow/pkg/models"
	"github.com/dukex/runflow/pkg/observability"
	"github.com/dukex/runflow/pkg/persistence"
	"github.com/dukex/runflow/pkg/workflow"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Bus is the part of the event bus the coordinator uses.
type Bus interface {
	eventbus.Publisher
	SubscribeAll(handler eventbus.Handler) (unsubscribe func())
}

// Engine drives workflows. *workflow.Engine implements it.
type Engine interface {
	StartRun(ctx context.Context, run *models.RunState) error
	HandleEvent(ctx context.Context, event events.Event) error
	RecordHumanDecision(ctx context.Context, runID, decision string) error
	Active(runID string) bool
}

// Dependencies are the coordinator collaborators. Engine is nil in processes
// that only accept runs. RateLimiter, Budget, InputGate and Tracer are
// optional.
type Dependencies struct {
	Bus         Bus
	Runs        persistence.RunStore
	Workflows   persistence.WorkflowStore
	Engine      Engine
	RateLimiter *limits.RateLimiter
	Budget      *limits.BudgetManager
	InputGate   guardrails.InputGate
	Tracer      *observability.Tracer
	Logger      *slog.Logger
}

type Options struct {
	// StartWorkflowOnRunStart starts the workflow as soon as a run is admitted.
	StartWorkflowOnRunStart bool
	// Distributed leaves workflow starts to the workers that observe
	// run.started instead of starting them in StartRun.
	Distributed bool
}

type StartRequest struct {
	RunID    string `json:"run_id,omitempty"    validate:"omitempty,max=128"`
	Message  string `json:"message"             validate:"required"`
	Context  string `json:"context,omitempty"`
	Mode     string `json:"mode,omitempty"      validate:"omitempty,oneof=chat research"`
	TenantID string `json:"tenant_id,omitempty" validate:"omitempty,max=128"`
	UserID   string `json:"user_id,omitempty"   validate:"omitempty,max=128"`
}

type Coordinator struct {
	deps   Dependencies
	opts   Options
	logger *slog.Logger

	mu          sync.Mutex
	unsubscribe func()
}

func NewCoordinator(deps Dependencies, opts Options) *Coordinator {
	return &Coordinator{
		deps:   deps,
		opts:   opts,
		logger: deps.Logger.With("module", "run_coordinator"),
	}
}

// StartRun admits a run: it validates the request, applies the rate limiter
// and the input gate, persists the snapshot and announces run.started. A
// rate limited run is returned with an error wrapping limits.ErrRateLimited.
// A run refused by the input gate is returned failed with no error.
func (c *Coordinator) StartRun(ctx context.Context, request StartRequest) (*models.RunState, error) {
	if strings.TrimSpace(request.Message) == "" {
		request.Message = ""
	}

	if err := validate.Struct(request); err != nil {
		return nil, newRequestError("start_run", err)
	}

	runID := request.RunID
	if runID == "" {
		runID = uuid.New().String()
	}

	mode := models.Mode(request.Mode)
	if mode == "" {
		mode = models.ModeChat
	}

	if request.RunID != "" {
		if err := c.ensureUnused(ctx, runID); err != nil {
			return nil, err
		}
	}

	run := models.NewRunState(runID, request.Message, mode)
	run.Context = request.Context
	run.TenantID = request.TenantID
	run.UserID = request.UserID

	if c.deps.RateLimiter != nil {
		if err := c.deps.RateLimiter.TryAcquire(runID, request.TenantID); err != nil {
			c.rejectRateLimited(ctx, run, err)

			return run, err
		}
	}

	c.deps.Tracer.StartTrace(ctx, runID)

	if c.deps.InputGate != nil {
		if err := c.deps.InputGate.Enforce(ctx, run); err != nil {
			violation, ok := guardrails.AsViolation(err)
			if !ok {
				c.release(runID)

				return nil, fmt.Errorf("failed to check run input: %w", err)
			}

			c.refuseInput(ctx, run, violation)

			return run, nil
		}
	}

	if err := c.deps.Runs.Save(ctx, run); err != nil {
		c.release(runID)

		return nil, fmt.Errorf("failed to save run: %w", err)
	}

	if err := c.publish(ctx, run, &events.RunStartedPayload{
		MessageLength: len([]rune(run.Message)),
		Mode:          string(run.Mode),
	}); err != nil {
		c.release(runID)

		return nil, fmt.Errorf("failed to publish run start: %w", err)
	}

	c.logger.InfoContext(ctx, "Run started", "run_id", runID, "tenant_id", run.TenantID, "mode", run.Mode)

	if c.opts.StartWorkflowOnRunStart && !c.opts.Distributed && c.deps.Engine != nil {
		if err := c.deps.Engine.StartRun(ctx, run); err != nil {
			c.release(runID)

			return run, fmt.Errorf("failed to start workflow: %w", err)
		}
	}

	return run, nil
}

// ensureUnused fails with ErrRunExists when a run or workflow snapshot is
// already stored under runID.
func (c *Coordinator) ensureUnused(ctx context.Context, runID string) error {
	_, err := c.deps.Runs.Load(ctx, runID)

	switch {
	case err == nil:
		return fmt.Errorf("%w: %s", ErrRunExists, runID)
	case !persistence.IsRunNotFound(err):
		return fmt.Errorf("failed to check run: %w", err)
	}

	_, err = c.deps.Workflows.Load(ctx, runID)

	switch {
	case err == nil:
		return fmt.Errorf("%w: %s", ErrRunExists, runID)
	case !persistence.IsWorkflowNotFound(err):
		return fmt.Errorf("failed to check workflow: %w", err)
	}

	return nil
}

func (c *Coordinator) rejectRateLimited(ctx context.Context, run *models.RunState, err error) {
	scope, reason := limits.ScopeGlobal, err.Error()

	var rejection *limits.Rejection
	if errors.As(err, &rejection) {
		scope, reason = rejection.Scope, rejection.Reason
	}

	c.logger.WarnContext(ctx, "Run rejected by rate limiter", "run_id", run.RunID, "tenant_id", run.TenantID, "scope", scope, "reason", reason)

	run.OutputText = guardrails.Refusal("")
	run.SetOutcome(models.OutcomeFailed, "rate_limited")

	if err := c.deps.Runs.Save(ctx, run); err != nil {
		c.logger.ErrorContext(ctx, "Failed to save rate limited run", "run_id", run.RunID, "error", err)
	}

	c.notify(ctx, run, &events.RateLimitExceededPayload{Scope: scope, Reason: reason})
	c.notify(ctx, run, &events.RunFailedPayload{Reason: "rate_limited", FinalText: run.OutputText})
}

func (c *Coordinator) refuseInput(ctx context.Context, run *models.RunState, violation *guardrails.Violation) {
	guardrails.Record(run, violation)
	guardrails.ApplyRefusal(run, violation.ThreatType)
	run.SetVerification(false, run.GuardrailReason)
	run.SetOutcome(models.OutcomeFailed, run.GuardrailReason)

	c.logger.WarnContext(ctx, "Run refused by input guardrail", "run_id", run.RunID, "threat_type", violation.ThreatType, "notes", violation.Notes)

	if err := c.deps.Runs.Save(ctx, run); err != nil {
		c.logger.ErrorContext(ctx, "Failed to save refused run", "run_id", run.RunID, "error", err)
	}

	c.notify(ctx, run, &events.GuardrailTriggeredPayload{
		Layer:      violation.Layer,
		ThreatType: violation.ThreatType,
		Confidence: violation.Confidence,
		Notes:      violation.Notes,
	})
	c.notify(ctx, run, &events.RunFailedPayload{Reason: run.GuardrailReason, FinalText: run.OutputText})

	c.release(run.RunID)
	c.deps.Tracer.CompleteTrace(ctx, run.RunID, models.TraceStatusFailed)
}

// Start subscribes the coordinator to every run event on the bus.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.unsubscribe != nil {
		return errors.New("coordinator already started")
	}

	c.unsubscribe = c.deps.Bus.SubscribeAll(c.route)
	c.logger.InfoContext(ctx, "Run coordinator started", "distributed", c.opts.Distributed, "drives_runs", c.deps.Engine != nil)

	return nil
}

// Stop unsubscribes from the bus. It is safe to call more than once.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	unsubscribe := c.unsubscribe
	c.unsubscribe = nil
	c.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
}

func (c *Coordinator) route(ctx context.Context, event events.Event) error {
	switch {
	case events.IsToolResult(event.Type):
		return c.handleToolResult(ctx, event)
	case event.Type == events.WorkflowApprovalRecorded:
		if c.deps.Engine == nil {
			return nil
		}

		return c.deps.Engine.HandleEvent(ctx, event)
	case event.Type == events.RunStarted:
		return c.handleRunStarted(ctx, event)
	case events.IsRunTerminal(event.Type):
		c.release(event.RunID)

		if c.deps.Budget != nil {
			c.deps.Budget.Reset(event.RunID)
		}
	}

	return nil
}

// handleToolResult records the result on the stored snapshot when no local
// driver holds the run, then hands the event to the engine.
func (c *Coordinator) handleToolResult(ctx context.Context, event events.Event) error {
	if c.deps.Engine == nil {
		return nil
	}

	if !c.deps.Engine.Active(event.RunID) {
		if err := c.recordToolResult(ctx, event); err != nil {
			c.logger.WarnContext(ctx, "Failed to record tool result on run snapshot", "run_id", event.RunID, "type", event.Type, "error", err)
		}
	}

	return c.deps.Engine.HandleEvent(ctx, event)
}

func (c *Coordinator) recordToolResult(ctx context.Context, event events.Event) error {
	run, err := c.deps.Runs.Load(ctx, event.RunID)
	if err != nil {
		if errors.Is(err, persistence.ErrRunNotFound) {
			return nil
		}

		return err
	}

	if !run.ApplyToolResult(workflow.ToolResultFromEvent(event)) {
		return nil
	}

	return c.deps.Runs.Save(ctx, run)
}

func (c *Coordinator) handleRunStarted(ctx context.Context, event events.Event) error {
	if c.deps.Engine == nil || !c.opts.Distributed || !c.opts.StartWorkflowOnRunStart {
		return nil
	}

	if c.deps.Engine.Active(event.RunID) {
		return nil
	}

	run, err := c.deps.Runs.Load(ctx, event.RunID)
	if err != nil {
		if errors.Is(err, persistence.ErrRunNotFound) {
			c.logger.WarnContext(ctx, "Run started without a snapshot", "run_id", event.RunID)

			return nil
		}

		return fmt.Errorf("failed to load started run: %w", err)
	}

	return c.deps.Engine.StartRun(ctx, run)
}

// RecordApproval applies a human decision to a run waiting for one. Without
// a local engine the decision is published for the owning worker.
func (c *Coordinator) RecordApproval(ctx context.Context, runID, decision string) error {
	if c.deps.Engine != nil {
		return c.deps.Engine.RecordHumanDecision(ctx, runID, decision)
	}

	if decision != models.DecisionApproved && decision != models.DecisionRejected {
		return fmt.Errorf("%w: %q", workflow.ErrInvalidDecision, decision)
	}

	if c.deps.Workflows == nil {
		return ErrNoEngine
	}

	wf, err := c.deps.Workflows.Load(ctx, runID)
	if err != nil {
		return err
	}

	if !wf.WaitingForHuman {
		return workflow.ErrNotAwaitingApproval
	}

	identity := map[string]string{}
	if run, err := c.deps.Runs.Load(ctx, runID); err == nil {
		identity = run.Identity()
	}

	event, err := events.FromPayload(runID, &events.WorkflowApprovalRecordedPayload{
		Decision: decision,
		Status:   string(wf.Status),
	}, identity)
	if err != nil {
		return err
	}

	if _, err := c.deps.Bus.Publish(ctx, event); err != nil {
		return fmt.Errorf("failed to publish approval: %w", err)
	}

	c.logger.InfoContext(ctx, "Approval forwarded to workers", "run_id", runID, "decision", decision)

	return nil
}

func (c *Coordinator) release(runID string) {
	if c.deps.RateLimiter != nil {
		c.deps.RateLimiter.Release(runID)
	}
}

func (c *Coordinator) publish(ctx context.Context, run *models.RunState, payload events.Payload) error {
	event, err := events.FromPayload(run.RunID, payload, run.Identity())
	if err != nil {
		return err
	}

	_, err = c.deps.Bus.Publish(ctx, event)

	return err
}

func (c *Coordinator) notify(ctx context.Context, run *models.RunState, payload events.Payload) {
	if err := c.publish(ctx, run, payload); err != nil {
		c.logger.WarnContext(ctx, "Failed to publish run event", "run_id", run.RunID, "type", payload.EventType(), "error", err)
	}
}
