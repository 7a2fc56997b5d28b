package activities_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dukex/runflow/pkg/activities"
	"github.com/dukex/runflow/pkg/eventbus"
	"github.com/dukex/runflow/pkg/events"
	"github.com/dukex/runflow/pkg/guardrails"
	"github.com/dukex/runflow/pkg/limits"
	"github.com/dukex/runflow/pkg/models"
	"github.com/dukex/runflow/pkg/observability"
	"github.com/dukex/runflow/pkg/persistence/file"
	"github.com/dukex/runflow/pkg/testutil"
	"github.com/dukex/runflow/pkg/tools"
	"github.com/dukex/runflow/pkg/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pipeline struct {
	bus    *eventbus.Bus
	store  *file.Persistence
	engine *workflow.Engine
	tracer *observability.Tracer
}

// newPipeline wires the activities to a real engine, the calculator tool
// executor and a local bus.
func newPipeline(t *testing.T, configure func(*activities.Dependencies)) *pipeline {
	t.Helper()

	bus, store := testutil.NewLocalBus(t)
	logger := testutil.Logger()
	tracer := observability.NewTracer(store.Traces(), logger)

	registry := tools.NewRegistry()
	require.NoError(t, registry.Register(tools.Calculator{}))

	gate := tools.NewPermissionGate("development")

	executor := tools.NewExecutor(bus, registry, gate, tracer, logger)
	executor.Start(context.Background(), bus)
	t.Cleanup(executor.Stop)

	deps := activities.Dependencies{
		Bus:         bus,
		Runs:        store.Runs(),
		Tools:       registry,
		Permissions: gate,
		Retriever:   activities.NewMemoryRetriever(activities.DefaultCorpus()...),
		Output:      guardrails.NewPatternGuard(),
		Budget:      limits.NewBudgetManager(0),
		Tracer:      tracer,
		Logger:      logger,
	}

	if configure != nil {
		configure(&deps)
	}

	engine, err := workflow.NewEngine(workflow.Dependencies{
		Bus:       bus,
		Runs:      store.Runs(),
		Workflows: store.Workflows(),
		Tracer:    tracer,
		Logger:    logger,
	}, activities.Build(deps), workflow.WithSleep(func(context.Context, time.Duration) error { return nil }))
	require.NoError(t, err)

	unsubscribe := bus.SubscribeAll(func(ctx context.Context, event events.Event) error {
		if !events.IsToolResult(event.Type) {
			return nil
		}

		return engine.HandleEvent(ctx, event)
	})

	t.Cleanup(func() {
		unsubscribe()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_ = engine.Shutdown(ctx)
	})

	return &pipeline{bus: bus, store: store, engine: engine, tracer: tracer}
}

func (p *pipeline) start(t *testing.T, overrides ...func(*models.RunState)) *models.RunState {
	t.Helper()

	run := testutil.NewRunState(overrides...)
	require.NoError(t, p.store.Runs().Save(t.Context(), run))
	p.tracer.StartTrace(t.Context(), run.RunID)
	require.NoError(t, p.engine.StartRun(t.Context(), run))

	return run
}

func (p *pipeline) settled(t *testing.T, runID string) (*models.RunState, *models.WorkflowState) {
	t.Helper()

	require.Eventually(t, func() bool { return !p.engine.Active(runID) }, 5*time.Second, 10*time.Millisecond)

	run, err := p.store.Runs().Load(t.Context(), runID)
	require.NoError(t, err)

	wf, err := p.store.Workflows().Load(t.Context(), runID)
	require.NoError(t, err)

	return run, wf
}

func withContext(text string) func(*models.RunState) {
	return func(run *models.RunState) { run.Context = text }
}

type staticGenerator struct {
	text string
	err  error
}

func (g staticGenerator) Stream(_ context.Context, _ activities.GenerateRequest) (<-chan string, <-chan error) {
	fragments := make(chan string, 1)
	errs := make(chan error, 1)

	if g.text != "" {
		fragments <- g.text
	}

	if g.err != nil {
		errs <- g.err
	}

	close(fragments)
	close(errs)

	return fragments, errs
}

type failingRetriever struct{}

func (failingRetriever) Query(context.Context, string, int) ([]models.RetrievedChunk, error) {
	return nil, errors.New("index offline")
}

func TestMatchToolIntent(t *testing.T) {
	allowed := []tools.Descriptor{tools.Calculator{}.Descriptor()}

	tests := []struct {
		name      string
		message   string
		operation string
		a, b      float64
	}{
		{"symbol addition", "What is 2+2?", "add", 2, 2},
		{"symbol division", "compute 10 / 4 please", "divide", 10, 4},
		{"negative operand", "what is -3 * 5", "multiply", -3, 5},
		{"add keyword", "Add 7 and 8", "add", 7, 8},
		{"subtract keyword is reversed", "subtract 3 from 10", "subtract", 10, 3},
		{"multiply keyword", "multiply 1.5 by 4", "multiply", 1.5, 4},
		{"divide keyword", "divide 9 by 3", "divide", 9, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			descriptor, arguments, ok := activities.MatchToolIntent(tt.message, allowed)
			require.True(t, ok)
			assert.Equal(t, tools.CalculatorName, descriptor.Name)
			assert.Equal(t, map[string]any{"operation": tt.operation, "a": tt.a, "b": tt.b}, arguments)
		})
	}

	t.Run("no arithmetic", func(t *testing.T) {
		_, _, ok := activities.MatchToolIntent("How does the lease work?", allowed)
		assert.False(t, ok)
	})

	t.Run("calculator not allowed", func(t *testing.T) {
		_, _, ok := activities.MatchToolIntent("What is 2+2?", nil)
		assert.False(t, ok)
	})
}

func TestMemoryRetriever(t *testing.T) {
	retriever := activities.NewMemoryRetriever(activities.DefaultCorpus()...)

	t.Run("arithmetic finds nothing", func(t *testing.T) {
		chunks, err := retriever.Query(t.Context(), "What is 2+2?", 3)
		require.NoError(t, err)
		assert.Empty(t, chunks)
	})

	t.Run("best match first", func(t *testing.T) {
		chunks, err := retriever.Query(t.Context(), "Why do leases expire?", 3)
		require.NoError(t, err)
		require.NotEmpty(t, chunks)
		assert.Equal(t, "runflow.lease:0", chunks[0].ID)
		assert.Greater(t, chunks[0].Score, 0.0)
	})

	t.Run("top k bounds results", func(t *testing.T) {
		chunks, err := retriever.Query(t.Context(), "run workflow approval lease retried tools", 2)
		require.NoError(t, err)
		assert.Len(t, chunks, 2)
	})

	t.Run("cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(t.Context())
		cancel()

		_, err := retriever.Query(ctx, "lease", 3)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestOfflineGeneratorCitesEvidence(t *testing.T) {
	evidence := activities.DefaultCorpus()[:2]

	fragments, errs := activities.OfflineGenerator{}.Stream(t.Context(), activities.GenerateRequest{
		Message:  "How do runs advance?",
		Mode:     models.ModeChat,
		Evidence: evidence,
	})

	text := ""
	for fragment := range fragments {
		text += fragment
	}

	require.NoError(t, <-errs)
	assert.Contains(t, text, "[runflow.workflow:0]")
	assert.Contains(t, text, "[runflow.approval:0]")
}

func TestArithmeticQuestionCompletesThroughCalculator(t *testing.T) {
	p := newPipeline(t, nil)
	run := p.start(t)

	completed := testutil.WaitForEvent(t, p.bus, run.RunID, events.RunCompleted)
	assert.Equal(t, "The result is 4.", completed.DataString("final_text"))

	stored, wf := p.settled(t, run.RunID)
	assert.Equal(t, models.WorkflowStatusCompleted, wf.Status)
	assert.Nil(t, wf.CurrentStep)

	assert.Equal(t, models.OutcomeSuccess, stored.Outcome)
	assert.True(t, stored.Verified())
	assert.Equal(t, models.ToolStatusCompleted, stored.LastToolStatus)
	require.Len(t, stored.ToolResults, 1)
	assert.Equal(t, tools.CalculatorName, stored.ToolResults[0].ToolName)

	types := testutil.EventTypes(t, p.bus, run.RunID)
	assert.Contains(t, types, events.ToolRequested)
	assert.Contains(t, types, events.ToolCompleted)
	assert.Contains(t, types, events.WorkflowWaitingForEvent)
	assert.Contains(t, types, events.OutputChunk)
	assert.NotContains(t, types, events.WorkflowWaitingForApproval)

	decision, ok := stored.LastDecision("human_approval")
	require.True(t, ok)
	assert.Equal(t, "skipped", decision.Value)
}

func TestFailedToolWaitsForApproval(t *testing.T) {
	t.Run("rejected", func(t *testing.T) {
		p := newPipeline(t, nil)
		run := p.start(t, testutil.WithMessage("What is 4/0?"))

		testutil.WaitForEvent(t, p.bus, run.RunID, events.WorkflowWaitingForApproval)
		require.NoError(t, p.engine.RecordHumanDecision(t.Context(), run.RunID, models.DecisionRejected))

		failed := testutil.WaitForEvent(t, p.bus, run.RunID, events.RunFailed)
		assert.Equal(t, "tool_failed", failed.DataString("reason"))

		stored, wf := p.settled(t, run.RunID)
		assert.Equal(t, models.WorkflowStatusFailed, wf.Status)
		assert.Equal(t, "verification_failed", wf.LastError["error"])
		assert.Equal(t, models.OutcomeFailed, stored.Outcome)
		assert.Equal(t, models.ToolStatusFailed, stored.LastToolStatus)
		assert.Equal(t, "division_by_zero", stored.ToolResults[0].Error)
	})

	t.Run("approved", func(t *testing.T) {
		p := newPipeline(t, nil)
		run := p.start(t, testutil.WithMessage("What is 4/0?"))

		testutil.WaitForEvent(t, p.bus, run.RunID, events.WorkflowWaitingForApproval)
		require.NoError(t, p.engine.RecordHumanDecision(t.Context(), run.RunID, models.DecisionApproved))

		testutil.WaitForEvent(t, p.bus, run.RunID, events.RunCompleted)

		stored, wf := p.settled(t, run.RunID)
		assert.Equal(t, models.WorkflowStatusCompleted, wf.Status)
		assert.Equal(t, "human_override", stored.VerificationReason)
		assert.Equal(t, models.OutcomeSuccess, stored.Outcome)
	})
}

func TestResearchAnswerIsGrounded(t *testing.T) {
	p := newPipeline(t, nil)
	run := p.start(t,
		testutil.WithMessage("How does the lease protect a run?"),
		testutil.WithMode(models.ModeResearch),
		withContext("A worker may crash mid run."),
	)

	completed := testutil.WaitForEvent(t, p.bus, run.RunID, events.RunCompleted)
	assert.Contains(t, completed.DataString("final_text"), "[runflow.lease:0]")

	stored, wf := p.settled(t, run.RunID)
	assert.Equal(t, models.WorkflowStatusCompleted, wf.Status)
	assert.Equal(t, models.PlanDirectAnswer, stored.PlanType)
	assert.Equal(t, "runflow.lease:0", stored.RetrievedChunks[0].ID)
	assert.Positive(t, stored.CostUSD)

	trace, err := p.store.Traces().LoadTrace(t.Context(), run.RunID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), trace.Totals.TotalModelCalls)
}

func TestShortMessageAsksForClarification(t *testing.T) {
	p := newPipeline(t, nil)
	run := p.start(t, testutil.WithMessage("Hey?"))

	testutil.WaitForEvent(t, p.bus, run.RunID, events.RunCompleted)

	stored, _ := p.settled(t, run.RunID)
	assert.Equal(t, models.PlanNeedsClarification, stored.PlanType)
	assert.Contains(t, stored.OutputText, "I need more details")
	assert.Empty(t, stored.RetrievedChunks)
}

func TestUngroundedResearchWaitsForApproval(t *testing.T) {
	p := newPipeline(t, nil)
	run := p.start(t,
		testutil.WithMessage("Summarise the lease design"),
		testutil.WithMode(models.ModeResearch),
	)

	testutil.WaitForEvent(t, p.bus, run.RunID, events.WorkflowWaitingForApproval)

	wf, err := p.store.Workflows().Load(t.Context(), run.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowStatusWaitingForApproval, wf.Status)
	assert.Equal(t, models.StepMaybeApprove, wf.Step())

	stored, err := p.store.Runs().Load(t.Context(), run.RunID)
	require.NoError(t, err)
	assert.Equal(t, "missing_citations", stored.VerificationReason)
}

func TestUnsafeOutputStopsRun(t *testing.T) {
	p := newPipeline(t, func(deps *activities.Dependencies) {
		deps.Generator = staticGenerator{text: "Step one of the zero-day exploit is simple."}
	})
	run := p.start(t, testutil.WithMessage("Describe your favourite algorithm"))

	failed := testutil.WaitForEvent(t, p.bus, run.RunID, events.RunFailed)
	assert.Equal(t, guardrails.RefusalText, failed.DataString("final_text"))

	stored, wf := p.settled(t, run.RunID)
	assert.Equal(t, models.GuardrailTriggered, stored.GuardrailStatus)
	assert.Equal(t, guardrails.ThreatPolicyViolation, stored.ThreatType)
	assert.Equal(t, "guardrail_triggered", wf.LastError["error"])
	assert.Equal(t, 1, wf.Attempts[models.StepRespond])
	assert.Contains(t, testutil.EventTypes(t, p.bus, run.RunID), events.GuardrailTriggered)
}

func TestBudgetExhaustionFailsRun(t *testing.T) {
	p := newPipeline(t, func(deps *activities.Dependencies) {
		deps.Budget = limits.NewBudgetManager(0.0000001)
	})
	run := p.start(t, testutil.WithMessage("Describe your favourite algorithm"))

	failed := testutil.WaitForEvent(t, p.bus, run.RunID, events.RunFailed)
	assert.Equal(t, "budget_exhausted", failed.DataString("reason"))
	assert.Equal(t, "Run halted: model budget exhausted.", failed.DataString("final_text"))

	stored, wf := p.settled(t, run.RunID)
	assert.Equal(t, models.WorkflowStatusFailed, wf.Status)
	assert.Equal(t, models.StepRespond, wf.Step())
	assert.Equal(t, models.GuardrailBudgetExhausted, stored.GuardrailStatus)
	assert.Equal(t, models.OutcomeFailed, stored.Outcome)
}

func TestRetrieverFailureDegradesRun(t *testing.T) {
	p := newPipeline(t, func(deps *activities.Dependencies) {
		deps.Retriever = failingRetriever{}
	})
	run := p.start(t, testutil.WithMessage("What is 2+2?"))

	testutil.WaitForEvent(t, p.bus, run.RunID, events.RunCompleted)

	stored, wf := p.settled(t, run.RunID)
	assert.Equal(t, models.WorkflowStatusCompleted, wf.Status)
	assert.Contains(t, stored.DegradedReasons, "retrieval_unavailable")
	assert.Contains(t, testutil.EventTypes(t, p.bus, run.RunID), events.DegradedModeEntered)
}
