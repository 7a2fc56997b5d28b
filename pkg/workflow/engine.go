// Package workflow drives agent runs through the fixed step table with durable
// state, bounded retries and pause/resume on approvals and external events.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/dukex/runflow/pkg/eventbus"
	"github.com/dukex/runflow/pkg/events"
	"github.com/dukex/runflow/pkg/lease"
	"github.com/dukex/runflow/pkg/models"
	"github.com/dukex/runflow/pkg/observability"
	"github.com/dukex/runflow/pkg/persistence"
)

const (
	signalBufferSize            = 64
	defaultLeaseRefreshInterval = 10 * time.Second
	leaseReleaseTimeout         = 5 * time.Second
)

// Dependencies are the collaborators the engine needs. Lease and Tracer are
// optional.
type Dependencies struct {
	Bus       eventbus.Publisher
	Runs      persistence.RunStore
	Workflows persistence.WorkflowStore
	Lease     lease.Lease
	Tracer    *observability.Tracer
	Logger    *slog.Logger
}

type Option func(*Engine)

// WithRetryPolicies overrides entries of DefaultRetryPolicies.
func WithRetryPolicies(policies map[string]RetryPolicy) Option {
	return func(e *Engine) { maps.Copy(e.policies, policies) }
}

// WithAllowPartialActivities accepts an activity map that does not bind every
// step. Reaching an unbound step still fails the run.
func WithAllowPartialActivities() Option {
	return func(e *Engine) { e.allowPartial = true }
}

// WithSleep replaces the backoff sleep.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Engine) { e.sleep = sleep }
}

// WithLeaseRefreshInterval sets how often a driver refreshes its lease.
// It must stay well below the lease TTL.
func WithLeaseRefreshInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.refreshInterval = d
		}
	}
}

type Engine struct {
	bus       eventbus.Publisher
	runs      persistence.RunStore
	workflows persistence.WorkflowStore
	lease     lease.Lease
	tracer    *observability.Tracer
	logger    *slog.Logger

	activities      map[string]Activity
	policies        map[string]RetryPolicy
	allowPartial    bool
	sleep           func(ctx context.Context, d time.Duration) error
	refreshInterval time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	runtimes map[string]*runtime
	wg       sync.WaitGroup
}

// NewEngine validates the activity map against the step table and returns an
// engine ready to start runs.
func NewEngine(deps Dependencies, activities map[string]Activity, opts ...Option) (*Engine, error) {
	e := &Engine{
		bus:             deps.Bus,
		runs:            deps.Runs,
		workflows:       deps.Workflows,
		lease:           deps.Lease,
		tracer:          deps.Tracer,
		logger:          deps.Logger.With("module", "workflow_engine"),
		activities:      maps.Clone(activities),
		policies:        maps.Clone(DefaultRetryPolicies),
		sleep:           sleepContext,
		refreshInterval: defaultLeaseRefreshInterval,
		runtimes:        map[string]*runtime{},
	}

	if e.lease == nil {
		e.lease = lease.Noop{}
	}

	if e.activities == nil {
		e.activities = map[string]Activity{}
	}

	for _, opt := range opts {
		opt(e)
	}

	for step := range e.activities {
		if !models.IsStep(step) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownStep, step)
		}
	}

	if !e.allowPartial {
		var missing []string

		for _, step := range models.Steps {
			if _, ok := e.activities[step]; !ok {
				missing = append(missing, step)
			}
		}

		if len(missing) > 0 {
			return nil, fmt.Errorf("%w: %s", ErrMissingActivity, strings.Join(missing, ", "))
		}
	}

	e.ctx, e.cancel = context.WithCancel(context.Background())

	return e, nil
}

func leaseKey(runID string) string {
	return "workflow:" + runID
}

// StartRun creates or loads the workflow of run and starts driving it. It is a
// no-op when another worker holds the run's lease, the run is already active
// here or its workflow already finished.
func (e *Engine) StartRun(ctx context.Context, run *models.RunState) error {
	if e.ctx.Err() != nil {
		return ErrRunNotActive
	}

	if e.Active(run.RunID) {
		e.logger.WarnContext(ctx, "Workflow already active", "run_id", run.RunID)

		return nil
	}

	acquired, err := e.lease.Acquire(ctx, leaseKey(run.RunID))
	if err != nil {
		return fmt.Errorf("failed to acquire workflow lease: %w", err)
	}

	if !acquired {
		e.logger.InfoContext(ctx, "Workflow lease unavailable, skipping start", "run_id", run.RunID)

		return nil
	}

	wf, err := e.workflows.LoadOrCreate(ctx, run.RunID)
	if err != nil {
		e.releaseLease(ctx, run.RunID)

		return fmt.Errorf("failed to load workflow: %w", err)
	}

	if wf.IsTerminal() {
		e.releaseLease(ctx, run.RunID)
		e.logger.InfoContext(ctx, "Workflow already finished, not starting", "run_id", run.RunID, "status", wf.Status)

		return nil
	}

	rt, created := e.claim(run, wf)
	if !created {
		if rt == nil {
			e.releaseLease(ctx, run.RunID)

			return ErrRunNotActive
		}

		e.logger.WarnContext(ctx, "Workflow already active", "run_id", run.RunID)

		return nil
	}

	e.ensureRootSpan(ctx, rt)

	e.logger.InfoContext(ctx, "Workflow start queued", "run_id", run.RunID, "step", wf.Step(), "status", wf.Status)
	e.emit(ctx, rt, &events.WorkflowStartedPayload{
		CurrentStep: wf.CurrentStep,
		Status:      string(wf.Status),
	})

	e.launch(rt)

	return nil
}

// ResumeRun rehydrates a run from the stores and continues it, lease
// permitting.
func (e *Engine) ResumeRun(ctx context.Context, runID string) error {
	rt, err := e.ensureRuntime(ctx, runID)
	if err != nil || rt == nil {
		return err
	}

	rt.nudge()

	return nil
}

// HandleEvent forwards a stored event to the run's driver.
func (e *Engine) HandleEvent(ctx context.Context, event events.Event) error {
	rt, err := e.ensureRuntime(ctx, event.RunID)
	if err != nil || rt == nil {
		return err
	}

	if event.Type == events.WorkflowApprovalRecorded {
		if decision := event.DataString("decision"); decision != "" {
			return rt.send(ctx, signal{decision: decision})
		}

		rt.nudge()

		return nil
	}

	e.logger.InfoContext(ctx, "Workflow external event received", "run_id", event.RunID, "type", event.Type)

	return rt.send(ctx, signal{event: &event})
}

// RecordHumanDecision applies an approval decision to a workflow waiting for
// one and resumes it. When another worker owns the run the decision is
// published for that worker to apply.
func (e *Engine) RecordHumanDecision(ctx context.Context, runID, decision string) error {
	if decision != models.DecisionApproved && decision != models.DecisionRejected {
		return fmt.Errorf("%w: %q", ErrInvalidDecision, decision)
	}

	rt, err := e.ensureRuntime(ctx, runID)
	if err != nil {
		return err
	}

	if rt == nil {
		return e.publishRemoteDecision(ctx, runID, decision)
	}

	reply := make(chan error, 1)
	if err := rt.send(ctx, signal{decision: decision, emit: true, reply: reply}); err != nil {
		return err
	}

	select {
	case err := <-reply:
		if err == nil {
			e.logger.InfoContext(ctx, "Workflow approval recorded", "run_id", runID, "decision", decision)
		}

		return err
	case <-rt.done:
		select {
		case err := <-reply:
			return err
		default:
			return ErrRunNotActive
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) publishRemoteDecision(ctx context.Context, runID, decision string) error {
	wf, err := e.workflows.Load(ctx, runID)
	if err != nil {
		return err
	}

	if !wf.WaitingForHuman {
		return ErrNotAwaitingApproval
	}

	identity := map[string]string{}
	if run, err := e.runs.Load(ctx, runID); err == nil {
		identity = run.Identity()
	}

	event, err := events.FromPayload(runID, &events.WorkflowApprovalRecordedPayload{
		Decision: decision,
		Status:   string(wf.Status),
	}, identity)
	if err != nil {
		return err
	}

	if _, err := e.bus.Publish(ctx, event); err != nil {
		return fmt.Errorf("failed to publish approval: %w", err)
	}

	e.logger.InfoContext(ctx, "Workflow approval forwarded to owning worker", "run_id", runID, "decision", decision)

	return nil
}

// Active reports whether this engine currently drives runID.
func (e *Engine) Active(runID string) bool {
	return e.lookup(runID) != nil
}

func (e *Engine) lookup(runID string) *runtime {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.runtimes[runID]
}

// Shutdown stops every driver and waits for them to release their leases.
// A step in flight finishes before its driver exits.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.cancel()
	e.mu.Unlock()

	done := make(chan struct{})

	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.logger.InfoContext(ctx, "Workflow engine stopped")

		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to stop workflow drivers: %w", ctx.Err())
	}
}

// ensureRuntime returns the local runtime of runID, rehydrating one from the
// stores when the lease can be taken. It returns nil when another worker owns
// the run or the run has nothing left to do. The lease and store round trips
// happen outside e.mu.
func (e *Engine) ensureRuntime(ctx context.Context, runID string) (*runtime, error) {
	if rt := e.lookup(runID); rt != nil {
		return rt, nil
	}

	if e.ctx.Err() != nil {
		return nil, nil
	}

	acquired, err := e.lease.Acquire(ctx, leaseKey(runID))
	if err != nil {
		return nil, fmt.Errorf("failed to acquire workflow lease: %w", err)
	}

	if !acquired {
		e.logger.InfoContext(ctx, "Workflow lease unavailable, not rehydrating", "run_id", runID)

		return nil, nil
	}

	run, err := e.runs.Load(ctx, runID)
	if err != nil {
		e.releaseLease(ctx, runID)

		return nil, e.missingState(ctx, runID, err)
	}

	wf, err := e.workflows.Load(ctx, runID)
	if err != nil {
		e.releaseLease(ctx, runID)

		return nil, e.missingState(ctx, runID, err)
	}

	if wf.IsTerminal() {
		e.releaseLease(ctx, runID)

		return nil, nil
	}

	rt, created := e.claim(run, wf)
	if !created {
		// Acquire is re-entrant for this worker, so a concurrent winner holds
		// the same lease and keeps it.
		if rt == nil {
			e.releaseLease(ctx, runID)
		}

		return rt, nil
	}

	e.ensureRootSpan(ctx, rt)
	e.reconcileWait(ctx, rt)

	e.logger.InfoContext(ctx, "Workflow rehydrated", "run_id", runID, "step", wf.Step(), "status", wf.Status)
	e.launch(rt)

	return rt, nil
}

func (e *Engine) missingState(ctx context.Context, runID string, err error) error {
	if errors.Is(err, persistence.ErrRunNotFound) || errors.Is(err, persistence.ErrWorkflowNotFound) {
		e.logger.WarnContext(ctx, "Unable to resume workflow, state missing", "run_id", runID, "error", err)

		return nil
	}

	return err
}

// claim registers a runtime for run unless one already exists. It returns
// the registered runtime and whether this call created it, or nil once the
// engine is shutting down.
func (e *Engine) claim(run *models.RunState, wf *models.WorkflowState) (*runtime, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if rt, ok := e.runtimes[run.RunID]; ok {
		return rt, false
	}

	if e.ctx.Err() != nil {
		return nil, false
	}

	driverCtx, cancel := context.WithCancel(e.ctx)

	rt := &runtime{
		runID:    run.RunID,
		run:      run,
		workflow: wf,
		signals:  make(chan signal, signalBufferSize),
		done:     make(chan struct{}),
		ctx:      driverCtx,
		cancel:   cancel,
	}

	e.runtimes[run.RunID] = rt
	e.wg.Add(1)

	return rt, true
}

// launch starts the driver of a runtime returned by claim.
func (e *Engine) launch(rt *runtime) {
	go e.drive(rt)

	rt.nudge()
}

// reconcileWait clears a tool wait whose result reached the run snapshot while
// no driver was listening.
func (e *Engine) reconcileWait(ctx context.Context, rt *runtime) {
	wf := rt.workflow
	if len(wf.PendingEvents) == 0 {
		return
	}

	switch rt.run.LastToolStatus {
	case models.ToolStatusCompleted, models.ToolStatusFailed, models.ToolStatusDenied:
	default:
		return
	}

	if !wf.IsWaitingFor("tool." + rt.run.LastToolStatus) {
		return
	}

	e.logger.InfoContext(ctx, "Awaited tool result already recorded, resuming", "run_id", rt.run.RunID, "status", rt.run.LastToolStatus)

	wf.ClearPendingEvents()
	e.endWaitSpan(ctx, rt, models.SpanStatusOK)
}

func (e *Engine) releaseLease(ctx context.Context, runID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), leaseReleaseTimeout)
	defer cancel()

	if err := e.lease.Release(ctx, leaseKey(runID)); err != nil {
		e.logger.WarnContext(ctx, "Failed to release workflow lease", "run_id", runID, "error", err)
	}
}

func (e *Engine) holdsLease(ctx context.Context, runID string) bool {
	err := lease.Hold(ctx, e.lease, leaseKey(runID))

	switch {
	case err == nil:
		return true
	case errors.Is(err, lease.ErrNotHeld):
		e.logger.InfoContext(ctx, "Workflow lease lost, stopping driver", "run_id", runID)
	default:
		e.logger.WarnContext(ctx, "Failed to refresh workflow lease", "run_id", runID, "error", err)
	}

	return false
}
