package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dukex/runflow/pkg/models"
	"github.com/dukex/runflow/pkg/persistence"
)

// TraceStore keeps one versioned JSONB document per run.
type TraceStore struct {
	db         *sql.DB
	maxRetries int
}

func (s *TraceStore) InitTrace(ctx context.Context, runID string, trace models.Trace) error {
	return s.mutate(ctx, "InitTrace", runID, true, func(record *models.TraceRecord, exists bool) error {
		if exists {
			record.Trace = persistence.MergeTrace(&record.Trace, trace)
		} else {
			record.Trace = trace
			record.Spans = []models.Span{}
		}

		return nil
	})
}

func (s *TraceStore) UpdateTrace(ctx context.Context, runID string, update models.TraceUpdate) error {
	return s.mutate(ctx, "UpdateTrace", runID, false, func(record *models.TraceRecord, _ bool) error {
		update.Apply(&record.Trace)

		return nil
	})
}

func (s *TraceStore) AppendSpan(ctx context.Context, runID string, span models.Span) error {
	return s.mutate(ctx, "AppendSpan", runID, false, func(record *models.TraceRecord, _ bool) error {
		record.Spans = append(record.Spans, span)

		return nil
	})
}

func (s *TraceStore) UpdateSpan(ctx context.Context, runID, spanID string, update models.SpanUpdate) error {
	return s.mutate(ctx, "UpdateSpan", runID, false, func(record *models.TraceRecord, _ bool) error {
		idx := record.FindSpan(spanID)
		if idx < 0 {
			return persistence.ErrSpanNotFound
		}

		update.Apply(&record.Spans[idx])

		return nil
	})
}

func (s *TraceStore) IncrementTotals(ctx context.Context, runID string, delta models.TraceTotals) error {
	return s.mutate(ctx, "IncrementTotals", runID, false, func(record *models.TraceRecord, _ bool) error {
		record.Trace.Totals.Add(delta)

		return nil
	})
}

func (s *TraceStore) LoadTrace(ctx context.Context, runID string) (*models.Trace, error) {
	record, _, found, err := s.load(ctx, runID)
	if err != nil {
		return nil, persistence.NewStoreError("LoadTrace", "trace", runID, err)
	}

	if !found {
		return nil, persistence.NewStoreError("LoadTrace", "trace", runID, persistence.ErrTraceNotInitialized)
	}

	return &record.Trace, nil
}

func (s *TraceStore) LoadSpans(ctx context.Context, runID string) ([]models.Span, error) {
	record, _, found, err := s.load(ctx, runID)
	if err != nil {
		return nil, persistence.NewStoreError("LoadSpans", "trace", runID, err)
	}

	if !found {
		return nil, persistence.NewStoreError("LoadSpans", "trace", runID, persistence.ErrTraceNotInitialized)
	}

	return record.Spans, nil
}

func (s *TraceStore) load(ctx context.Context, runID string) (*models.TraceRecord, int64, bool, error) {
	var (
		dataJSON []byte
		version  int64
	)

	err := s.db.QueryRowContext(ctx, "SELECT data, version FROM traces WHERE run_id = $1", runID).Scan(&dataJSON, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return &models.TraceRecord{}, 0, false, nil
	}

	if err != nil {
		return nil, 0, false, fmt.Errorf("failed to query trace: %w", err)
	}

	var record models.TraceRecord
	if err := json.Unmarshal(dataJSON, &record); err != nil {
		return nil, 0, false, fmt.Errorf("failed to unmarshal trace: %w", err)
	}

	return &record, version, true, nil
}

// mutate applies fn with compare-and-swap on the version column. A missing
// row is inserted with ON CONFLICT DO NOTHING so two initializers race safely.
func (s *TraceStore) mutate(ctx context.Context, op, runID string, allowMissing bool, apply func(*models.TraceRecord, bool) error) error {
	if err := persistence.ValidateRunID(runID); err != nil {
		return persistence.NewStoreError(op, "trace", runID, err)
	}

	for range s.maxRetries {
		record, version, found, err := s.load(ctx, runID)
		if err != nil {
			return persistence.NewStoreError(op, "trace", runID, err)
		}

		if !found && !allowMissing {
			return persistence.NewStoreError(op, "trace", runID, persistence.ErrTraceNotInitialized)
		}

		if err := apply(record, found); err != nil {
			return persistence.NewStoreError(op, "trace", runID, err)
		}

		dataJSON, err := json.Marshal(record)
		if err != nil {
			return persistence.NewStoreError(op, "trace", runID, fmt.Errorf("failed to marshal trace: %w", err))
		}

		var result sql.Result
		if found {
			result, err = s.db.ExecContext(ctx, `
				UPDATE traces SET data = $2, version = version + 1, updated_at = NOW()
				WHERE run_id = $1 AND version = $3`, runID, dataJSON, version)
		} else {
			result, err = s.db.ExecContext(ctx, `
				INSERT INTO traces (run_id, data, version, updated_at) VALUES ($1, $2, 1, NOW())
				ON CONFLICT (run_id) DO NOTHING`, runID, dataJSON)
		}

		if err != nil {
			return persistence.NewStoreError(op, "trace", runID, fmt.Errorf("failed to write trace: %w", err))
		}

		if affected, err := result.RowsAffected(); err == nil && affected == 1 {
			return nil
		}
	}

	return persistence.NewStoreError(op, "trace", runID, persistence.ErrConflict)
}
