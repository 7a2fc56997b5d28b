// Package persistencetest holds the behaviour every persistence backend must share.
package persistencetest

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dukex/runflow/pkg/events"
	"github.com/dukex/runflow/pkg/models"
	"github.com/dukex/runflow/pkg/persistence"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Run exercises p against the shared store contract. Each subtest uses its
// own run ids so backends can be shared across subtests.
func Run(t *testing.T, p persistence.Persistence) {
	t.Helper()

	t.Run("append assigns gapless seq", func(t *testing.T) { testAppendSeq(t, p) })
	t.Run("concurrent appends stay gapless", func(t *testing.T) { testConcurrentAppends(t, p) })
	t.Run("replay of unknown run is empty", func(t *testing.T) { testReplayEmpty(t, p) })
	t.Run("run snapshot round trip", func(t *testing.T) { testRunSnapshot(t, p) })
	t.Run("workflow load or create", func(t *testing.T) { testWorkflowLoadOrCreate(t, p) })
	t.Run("workflow update", func(t *testing.T) { testWorkflowUpdate(t, p) })
	t.Run("list active workflows", func(t *testing.T) { testListActive(t, p) })
	t.Run("trace lifecycle", func(t *testing.T) { testTrace(t, p) })
	t.Run("trace requires init", func(t *testing.T) { testTraceNotInitialized(t, p) })
}

func newRunID() string {
	return "run-" + uuid.NewString()
}

func testAppendSeq(t *testing.T, p persistence.Persistence) {
	ctx := t.Context()
	runID := newRunID()

	for i := 1; i <= 3; i++ {
		stored, err := p.Events().Append(ctx, events.New(events.StatusChanged, runID, map[string]any{"value": fmt.Sprint(i)}, nil))
		require.NoError(t, err)
		assert.Equal(t, int64(i), stored.Seq)
	}

	replayed, err := p.Events().Replay(ctx, runID)
	require.NoError(t, err)
	require.Len(t, replayed, 3)

	for i, event := range replayed {
		assert.Equal(t, int64(i+1), event.Seq)
		assert.Equal(t, fmt.Sprint(i+1), event.DataString("value"))
	}
}

func testConcurrentAppends(t *testing.T, p persistence.Persistence) {
	ctx := t.Context()
	runID := newRunID()

	const writers = 8

	const perWriter = 10

	var wg sync.WaitGroup

	for w := 0; w < writers; w++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for i := 0; i < perWriter; i++ {
				_, err := p.Events().Append(ctx, events.New(events.OutputChunk, runID, map[string]any{"text": "x"}, nil))
				assert.NoError(t, err)
			}
		}()
	}

	wg.Wait()

	replayed, err := p.Events().Replay(ctx, runID)
	require.NoError(t, err)
	require.Len(t, replayed, writers*perWriter)

	for i, event := range replayed {
		assert.Equal(t, int64(i+1), event.Seq)
	}
}

func testReplayEmpty(t *testing.T, p persistence.Persistence) {
	replayed, err := p.Events().Replay(t.Context(), newRunID())
	require.NoError(t, err)
	assert.Empty(t, replayed)
}

func testRunSnapshot(t *testing.T, p persistence.Persistence) {
	ctx := t.Context()
	runID := newRunID()

	_, err := p.Runs().Load(ctx, runID)
	require.ErrorIs(t, err, persistence.ErrRunNotFound)

	state := models.NewRunState(runID, "What is 2+2?", models.ModeChat)
	state.TenantID = "acme"
	state.RecordDecision("plan_type", string(models.PlanDirectAnswer), "")
	require.NoError(t, p.Runs().Save(ctx, state))

	loaded, err := p.Runs().Load(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, "What is 2+2?", loaded.Message)
	assert.Equal(t, "acme", loaded.TenantID)
	require.Len(t, loaded.Decisions, 1)
	assert.Equal(t, "plan_type", loaded.Decisions[0].Name)
}

func testWorkflowLoadOrCreate(t *testing.T, p persistence.Persistence) {
	ctx := t.Context()
	runID := newRunID()

	_, err := p.Workflows().Load(ctx, runID)
	require.ErrorIs(t, err, persistence.ErrWorkflowNotFound)

	created, err := p.Workflows().LoadOrCreate(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, models.StepReceive, created.Step())

	created.AdvanceTo(models.StepPlan)
	require.NoError(t, p.Workflows().Save(ctx, created))

	again, err := p.Workflows().LoadOrCreate(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, models.StepPlan, again.Step())
}

func testWorkflowUpdate(t *testing.T, p persistence.Persistence) {
	ctx := t.Context()
	runID := newRunID()

	_, err := p.Workflows().LoadOrCreate(ctx, runID)
	require.NoError(t, err)

	var wg sync.WaitGroup

	for i := 0; i < 5; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, err := p.Workflows().Update(ctx, runID, func(state *models.WorkflowState) error {
				state.RecordAttempt()

				return nil
			})
			assert.NoError(t, err)
		}()
	}

	wg.Wait()

	loaded, err := p.Workflows().Load(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, 5, loaded.Attempts[models.StepReceive])

	_, err = p.Workflows().Update(ctx, newRunID(), func(*models.WorkflowState) error { return nil })
	assert.ErrorIs(t, err, persistence.ErrWorkflowNotFound)
}

func testListActive(t *testing.T, p persistence.Persistence) {
	ctx := t.Context()
	running := newRunID()
	done := newRunID()

	_, err := p.Workflows().LoadOrCreate(ctx, running)
	require.NoError(t, err)

	finished := models.NewWorkflowState(done)
	finished.MarkCompleted()
	require.NoError(t, p.Workflows().Save(ctx, finished))

	active, err := p.Workflows().ListActive(ctx)
	require.NoError(t, err)
	assert.Contains(t, active, running)
	assert.NotContains(t, active, done)
}

func testTrace(t *testing.T, p persistence.Persistence) {
	ctx := t.Context()
	runID := newRunID()
	start := time.Now().UTC().Truncate(time.Millisecond)

	require.NoError(t, p.Traces().InitTrace(ctx, runID, models.Trace{
		TraceID:   runID,
		Status:    models.TraceStatusRunning,
		StartTime: start,
	}))

	require.NoError(t, p.Traces().AppendSpan(ctx, runID, models.Span{
		SpanID:    "span-1",
		TraceID:   runID,
		Name:      "workflow.run",
		Kind:      "workflow",
		StartTime: start,
		Status:    models.SpanStatusRunning,
	}))

	end := start.Add(250 * time.Millisecond)
	ok := models.SpanStatusOK
	require.NoError(t, p.Traces().UpdateSpan(ctx, runID, "span-1", models.SpanUpdate{EndTime: &end, Status: &ok}))

	err := p.Traces().UpdateSpan(ctx, runID, "missing", models.SpanUpdate{Status: &ok})
	require.ErrorIs(t, err, persistence.ErrSpanNotFound)

	require.NoError(t, p.Traces().IncrementTotals(ctx, runID, models.TraceTotals{TotalModelCalls: 1, TotalCostUSD: 0.5}))
	require.NoError(t, p.Traces().IncrementTotals(ctx, runID, models.TraceTotals{TotalModelCalls: 2, TotalOutputTokens: 10}))

	root := "span-1"
	completed := models.TraceStatusCompleted
	require.NoError(t, p.Traces().UpdateTrace(ctx, runID, models.TraceUpdate{Status: &completed, EndTime: &end, RootSpanID: &root}))

	trace, err := p.Traces().LoadTrace(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, models.TraceStatusCompleted, trace.Status)
	assert.Equal(t, "span-1", trace.RootSpanID)
	assert.Equal(t, int64(3), trace.Totals.TotalModelCalls)
	assert.Equal(t, int64(10), trace.Totals.TotalOutputTokens)
	assert.InDelta(t, 0.5, trace.Totals.TotalCostUSD, 0.0001)

	spans, err := p.Traces().LoadSpans(ctx, runID)
	require.NoError(t, err)
	require.Len(t, spans, 1)
	assert.Equal(t, models.SpanStatusOK, spans[0].Status)
	assert.Equal(t, int64(250), spans[0].DurationMs)

	// A second init merges instead of resetting spans and totals.
	require.NoError(t, p.Traces().InitTrace(ctx, runID, models.Trace{TraceID: runID}))

	spans, err = p.Traces().LoadSpans(ctx, runID)
	require.NoError(t, err)
	assert.Len(t, spans, 1)
}

func testTraceNotInitialized(t *testing.T, p persistence.Persistence) {
	ctx := t.Context()
	runID := newRunID()

	err := p.Traces().AppendSpan(ctx, runID, models.Span{SpanID: "s"})
	require.ErrorIs(t, err, persistence.ErrTraceNotInitialized)

	_, err = p.Traces().LoadTrace(ctx, runID)
	require.ErrorIs(t, err, persistence.ErrTraceNotInitialized)
}
