package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/dukex/runflow/pkg/models"
	"github.com/dukex/runflow/pkg/persistence"
	goredis "github.com/redis/go-redis/v9"
)

type RunStore struct {
	client *goredis.Client
	keys   keyspace
	logger *slog.Logger
}

func (s *RunStore) Save(ctx context.Context, state *models.RunState) error {
	if err := persistence.ValidateRunID(state.RunID); err != nil {
		return persistence.NewStoreError("Save", "run", state.RunID, err)
	}

	data, err := json.Marshal(state)
	if err != nil {
		return persistence.NewStoreError("Save", "run", state.RunID, fmt.Errorf("failed to marshal run state: %w", err))
	}

	if err := s.client.Set(ctx, s.keys.state(state.RunID), data, 0).Err(); err != nil {
		return persistence.NewStoreError("Save", "run", state.RunID, fmt.Errorf("failed to write run state: %w", err))
	}

	return nil
}

func (s *RunStore) Load(ctx context.Context, runID string) (*models.RunState, error) {
	var state models.RunState

	found, err := getJSON(ctx, s.client, s.keys.state(runID), &state)
	if err != nil && found {
		s.logger.Warn("Discarding malformed run snapshot", "run_id", runID, "error", err)

		return nil, persistence.NewStoreError("Load", "run", runID, persistence.ErrRunNotFound)
	}

	if err != nil {
		return nil, persistence.NewStoreError("Load", "run", runID, err)
	}

	if !found {
		return nil, persistence.NewStoreError("Load", "run", runID, persistence.ErrRunNotFound)
	}

	return &state, nil
}

// WorkflowStore keeps the workflow snapshot next to an index of active runs.
// The snapshot and its index entry always change in the same transaction.
type WorkflowStore struct {
	client     *goredis.Client
	keys       keyspace
	logger     *slog.Logger
	maxRetries int
}

func (s *WorkflowStore) Save(ctx context.Context, state *models.WorkflowState) error {
	if err := persistence.ValidateRunID(state.RunID); err != nil {
		return persistence.NewStoreError("Save", "workflow", state.RunID, err)
	}

	_, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		return s.queueSave(ctx, pipe, state)
	})
	if err != nil {
		return persistence.NewStoreError("Save", "workflow", state.RunID, fmt.Errorf("failed to write workflow state: %w", err))
	}

	return nil
}

func (s *WorkflowStore) queueSave(ctx context.Context, pipe goredis.Pipeliner, state *models.WorkflowState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal workflow state: %w", err)
	}

	pipe.Set(ctx, s.keys.workflow(state.RunID), data, 0)

	if state.IsTerminal() {
		pipe.SRem(ctx, s.keys.active(), state.RunID)
	} else {
		pipe.SAdd(ctx, s.keys.active(), state.RunID)
	}

	return nil
}

func (s *WorkflowStore) Load(ctx context.Context, runID string) (*models.WorkflowState, error) {
	return s.load(ctx, s.client, runID)
}

func (s *WorkflowStore) load(ctx context.Context, g getter, runID string) (*models.WorkflowState, error) {
	var state models.WorkflowState

	found, err := getJSON(ctx, g, s.keys.workflow(runID), &state)
	if err != nil && found {
		s.logger.Warn("Discarding malformed workflow snapshot", "run_id", runID, "error", err)

		return nil, persistence.NewStoreError("Load", "workflow", runID, persistence.ErrWorkflowNotFound)
	}

	if err != nil {
		return nil, persistence.NewStoreError("Load", "workflow", runID, err)
	}

	if !found {
		return nil, persistence.NewStoreError("Load", "workflow", runID, persistence.ErrWorkflowNotFound)
	}

	return &state, nil
}

func (s *WorkflowStore) LoadOrCreate(ctx context.Context, runID string) (*models.WorkflowState, error) {
	if err := persistence.ValidateRunID(runID); err != nil {
		return nil, persistence.NewStoreError("LoadOrCreate", "workflow", runID, err)
	}

	fresh := models.NewWorkflowState(runID)

	data, err := json.Marshal(fresh)
	if err != nil {
		return nil, persistence.NewStoreError("LoadOrCreate", "workflow", runID, fmt.Errorf("failed to marshal workflow state: %w", err))
	}

	created, err := s.client.SetNX(ctx, s.keys.workflow(runID), data, 0).Result()
	if err != nil {
		return nil, persistence.NewStoreError("LoadOrCreate", "workflow", runID, fmt.Errorf("failed to create workflow state: %w", err))
	}

	if !created {
		return s.Load(ctx, runID)
	}

	if err := s.client.SAdd(ctx, s.keys.active(), runID).Err(); err != nil {
		return nil, persistence.NewStoreError("LoadOrCreate", "workflow", runID, fmt.Errorf("failed to index workflow: %w", err))
	}

	return fresh, nil
}

func (s *WorkflowStore) Update(ctx context.Context, runID string, mutate func(*models.WorkflowState) error) (*models.WorkflowState, error) {
	key := s.keys.workflow(runID)

	var updated *models.WorkflowState

	err := watchRetry(ctx, s.client, s.maxRetries, func(tx *goredis.Tx) error {
		state, err := s.load(ctx, tx, runID)
		if err != nil {
			return err
		}

		if err := mutate(state); err != nil {
			return err
		}

		state.Touch()

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			return s.queueSave(ctx, pipe, state)
		})
		if err != nil {
			return err
		}

		updated = state

		return nil
	}, key)
	if err != nil {
		var storeErr *persistence.StoreError
		if errors.As(err, &storeErr) {
			return nil, err
		}

		return nil, persistence.NewStoreError("Update", "workflow", runID, err)
	}

	return updated, nil
}

func (s *WorkflowStore) ListActive(ctx context.Context) ([]string, error) {
	members, err := s.client.SMembers(ctx, s.keys.active()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list active workflows: %w", err)
	}

	sort.Strings(members)

	return members, nil
}

// TraceStore keeps the trace document under one key updated with WATCH/MULTI.
type TraceStore struct {
	client     *goredis.Client
	keys       keyspace
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
	record, err := s.load(ctx, "LoadTrace", runID)
	if err != nil {
		return nil, err
	}

	return &record.Trace, nil
}

func (s *TraceStore) LoadSpans(ctx context.Context, runID string) ([]models.Span, error) {
	record, err := s.load(ctx, "LoadSpans", runID)
	if err != nil {
		return nil, err
	}

	return record.Spans, nil
}

func (s *TraceStore) load(ctx context.Context, op, runID string) (*models.TraceRecord, error) {
	var record models.TraceRecord

	found, err := getJSON(ctx, s.client, s.keys.trace(runID), &record)
	if err != nil {
		return nil, persistence.NewStoreError(op, "trace", runID, err)
	}

	if !found {
		return nil, persistence.NewStoreError(op, "trace", runID, persistence.ErrTraceNotInitialized)
	}

	return &record, nil
}

func (s *TraceStore) mutate(ctx context.Context, op, runID string, allowMissing bool, apply func(*models.TraceRecord, bool) error) error {
	if err := persistence.ValidateRunID(runID); err != nil {
		return persistence.NewStoreError(op, "trace", runID, err)
	}

	key := s.keys.trace(runID)

	err := watchRetry(ctx, s.client, s.maxRetries, func(tx *goredis.Tx) error {
		var record models.TraceRecord

		found, err := getJSON(ctx, tx, key, &record)
		if err != nil {
			return err
		}

		if !found && !allowMissing {
			return persistence.ErrTraceNotInitialized
		}

		if err := apply(&record, found); err != nil {
			return err
		}

		data, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("failed to marshal trace: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)

			return nil
		})

		return err
	}, key)
	if err != nil {
		return persistence.NewStoreError(op, "trace", runID, err)
	}

	return nil
}
