package file

import (
	"context"

	"github.com/dukex/runflow/pkg/models"
	"github.com/dukex/runflow/pkg/persistence"
)

// TraceStore keeps one document per run holding the envelope and every span.
// Mutations are read-modify-write under the run's trace lock.
type TraceStore struct {
	root  string
	locks *runLocks
}

func (s *TraceStore) InitTrace(_ context.Context, runID string, trace models.Trace) error {
	return s.mutate("InitTrace", runID, true, func(record *models.TraceRecord, exists bool) error {
		if exists {
			record.Trace = persistence.MergeTrace(&record.Trace, trace)
		} else {
			record.Trace = trace
			record.Spans = []models.Span{}
		}

		return nil
	})
}

func (s *TraceStore) UpdateTrace(_ context.Context, runID string, update models.TraceUpdate) error {
	return s.mutate("UpdateTrace", runID, false, func(record *models.TraceRecord, _ bool) error {
		update.Apply(&record.Trace)

		return nil
	})
}

func (s *TraceStore) AppendSpan(_ context.Context, runID string, span models.Span) error {
	return s.mutate("AppendSpan", runID, false, func(record *models.TraceRecord, _ bool) error {
		record.Spans = append(record.Spans, span)

		return nil
	})
}

func (s *TraceStore) UpdateSpan(_ context.Context, runID, spanID string, update models.SpanUpdate) error {
	return s.mutate("UpdateSpan", runID, false, func(record *models.TraceRecord, _ bool) error {
		idx := record.FindSpan(spanID)
		if idx < 0 {
			return persistence.ErrSpanNotFound
		}

		update.Apply(&record.Spans[idx])

		return nil
	})
}

func (s *TraceStore) IncrementTotals(_ context.Context, runID string, delta models.TraceTotals) error {
	return s.mutate("IncrementTotals", runID, false, func(record *models.TraceRecord, _ bool) error {
		record.Trace.Totals.Add(delta)

		return nil
	})
}

func (s *TraceStore) LoadTrace(_ context.Context, runID string) (*models.Trace, error) {
	record, err := s.load("LoadTrace", runID)
	if err != nil {
		return nil, err
	}

	return &record.Trace, nil
}

func (s *TraceStore) LoadSpans(_ context.Context, runID string) ([]models.Span, error) {
	record, err := s.load("LoadSpans", runID)
	if err != nil {
		return nil, err
	}

	return record.Spans, nil
}

func (s *TraceStore) load(op, runID string) (*models.TraceRecord, error) {
	path, err := recordPath(s.root, "traces", runID, ".json")
	if err != nil {
		return nil, persistence.NewStoreError(op, "trace", runID, err)
	}

	var record models.TraceRecord

	found, err := readJSON(path, &record)
	if err != nil {
		return nil, persistence.NewStoreError(op, "trace", runID, err)
	}

	if !found {
		return nil, persistence.NewStoreError(op, "trace", runID, persistence.ErrTraceNotInitialized)
	}

	return &record, nil
}

func (s *TraceStore) mutate(op, runID string, allowMissing bool, apply func(*models.TraceRecord, bool) error) error {
	path, err := recordPath(s.root, "traces", runID, ".json")
	if err != nil {
		return persistence.NewStoreError(op, "trace", runID, err)
	}

	unlock := s.locks.lock("traces", runID)
	defer unlock()

	var record models.TraceRecord

	found, err := readJSON(path, &record)
	if err != nil {
		return persistence.NewStoreError(op, "trace", runID, err)
	}

	if !found && !allowMissing {
		return persistence.NewStoreError(op, "trace", runID, persistence.ErrTraceNotInitialized)
	}

	if err := apply(&record, found); err != nil {
		return persistence.NewStoreError(op, "trace", runID, err)
	}

	if err := writeJSONAtomic(path, record); err != nil {
		return persistence.NewStoreError(op, "trace", runID, err)
	}

	return nil
}
