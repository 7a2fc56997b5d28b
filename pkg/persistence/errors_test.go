package persistence_test

import (
	"errors"
	"testing"
	"time"

	"github.com/dukex/runflow/pkg/models"
	"github.com/dukex/runflow/pkg/persistence"
	"github.com/stretchr/testify/assert"
)

func TestStandardizedErrors(t *testing.T) {
	t.Parallel()

	t.Run("error checking functions work correctly", func(t *testing.T) {
		runErr := persistence.NewStoreError("Load", "run", "run-123", persistence.ErrRunNotFound)
		workflowErr := persistence.NewStoreError("Load", "workflow", "run-123", persistence.ErrWorkflowNotFound)

		assert.True(t, persistence.IsRunNotFound(runErr))
		assert.False(t, persistence.IsRunNotFound(workflowErr))
		assert.True(t, persistence.IsWorkflowNotFound(workflowErr))
		assert.True(t, errors.Is(runErr, persistence.ErrRunNotFound))
	})

	t.Run("store error contains context", func(t *testing.T) {
		err := persistence.NewStoreError("UpdateSpan", "trace", "run-123", persistence.ErrSpanNotFound)

		assert.Contains(t, err.Error(), "UpdateSpan")
		assert.Contains(t, err.Error(), "run-123")
		assert.Contains(t, err.Error(), "span not found")
	})
}

func TestValidateRunID(t *testing.T) {
	t.Parallel()

	assert.NoError(t, persistence.ValidateRunID("3f2a-run"))

	for _, id := range []string{"", "../etc", "a/b", `a\b`} {
		assert.ErrorIs(t, persistence.ValidateRunID(id), persistence.ErrInvalidRunID, id)
	}
}

func TestMergeTrace(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	existing := &models.Trace{
		TraceID:   "t-1",
		Status:    models.TraceStatusRunning,
		StartTime: start,
		Totals:    models.TraceTotals{TotalModelCalls: 2},
	}

	merged := persistence.MergeTrace(existing, models.Trace{Status: models.TraceStatusCompleted, StartTime: start.Add(time.Hour)})

	assert.Equal(t, "t-1", merged.TraceID)
	assert.Equal(t, models.TraceStatusCompleted, merged.Status)
	assert.Equal(t, start, merged.StartTime)
	assert.Equal(t, int64(2), merged.Totals.TotalModelCalls)

	fresh := persistence.MergeTrace(nil, models.Trace{TraceID: "t-2"})
	assert.Equal(t, "t-2", fresh.TraceID)
}
