package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/runflow/pkg/events"
	"github.com/dukex/runflow/pkg/models"
	"github.com/dukex/runflow/pkg/persistence"
)

// EventStore appends to run_events. The seq counter row is bumped in the same
// transaction as the insert, so a rolled back append never leaves a gap.
type EventStore struct {
	db     *sql.DB
	logger *slog.Logger
}

func (s *EventStore) Append(ctx context.Context, event events.Event) (events.Event, error) {
	if err := persistence.ValidateRunID(event.RunID); err != nil {
		return events.Event{}, persistence.NewStoreError("Append", "events", event.RunID, err)
	}

	dataJSON, err := json.Marshal(event.Data)
	if err != nil {
		return events.Event{}, persistence.NewStoreError("Append", "events", event.RunID, fmt.Errorf("failed to marshal event data: %w", err))
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return events.Event{}, persistence.NewStoreError("Append", "events", event.RunID, fmt.Errorf("failed to begin transaction: %w", err))
	}

	defer func() { _ = tx.Rollback() }()

	err = tx.QueryRowContext(ctx, `
		INSERT INTO run_event_seq (run_id, last_seq) VALUES ($1, 1)
		ON CONFLICT (run_id) DO UPDATE SET last_seq = run_event_seq.last_seq + 1
		RETURNING last_seq`, event.RunID).Scan(&event.Seq)
	if err != nil {
		return events.Event{}, persistence.NewStoreError("Append", "events", event.RunID, fmt.Errorf("failed to allocate seq: %w", err))
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO run_events (run_id, seq, id, ts, type, data)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		event.RunID, event.Seq, event.ID, event.Timestamp, string(event.Type), dataJSON)
	if err != nil {
		return events.Event{}, persistence.NewStoreError("Append", "events", event.RunID, fmt.Errorf("failed to insert event: %w", err))
	}

	if err := tx.Commit(); err != nil {
		return events.Event{}, persistence.NewStoreError("Append", "events", event.RunID, fmt.Errorf("failed to commit event: %w", err))
	}

	return event, nil
}

func (s *EventStore) Replay(ctx context.Context, runID string) ([]events.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, seq, ts, type, data
		FROM run_events WHERE run_id = $1 ORDER BY seq ASC`, runID)
	if err != nil {
		return nil, persistence.NewStoreError("Replay", "events", runID, fmt.Errorf("failed to query events: %w", err))
	}
	defer rows.Close()

	loaded := make([]events.Event, 0)

	for rows.Next() {
		var (
			event     events.Event
			eventType string
			dataJSON  []byte
		)

		if err := rows.Scan(&event.ID, &event.RunID, &event.Seq, &event.Timestamp, &eventType, &dataJSON); err != nil {
			return nil, persistence.NewStoreError("Replay", "events", runID, fmt.Errorf("failed to scan event: %w", err))
		}

		event.Type = events.EventType(eventType)
		event.Timestamp = event.Timestamp.UTC()

		if err := json.Unmarshal(dataJSON, &event.Data); err != nil {
			s.logger.Warn("Skipping event with malformed data", "run_id", runID, "seq", event.Seq, "error", err)

			continue
		}

		loaded = append(loaded, event)
	}

	if err := rows.Err(); err != nil {
		return nil, persistence.NewStoreError("Replay", "events", runID, fmt.Errorf("failed to iterate events: %w", err))
	}

	return loaded, nil
}

type RunStore struct {
	db     *sql.DB
	logger *slog.Logger
}

func (s *RunStore) Save(ctx context.Context, state *models.RunState) error {
	if err := persistence.ValidateRunID(state.RunID); err != nil {
		return persistence.NewStoreError("Save", "run", state.RunID, err)
	}

	dataJSON, err := json.Marshal(state)
	if err != nil {
		return persistence.NewStoreError("Save", "run", state.RunID, fmt.Errorf("failed to marshal run state: %w", err))
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO run_states (run_id, data, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (run_id) DO UPDATE SET data = EXCLUDED.data, updated_at = NOW()`,
		state.RunID, dataJSON)
	if err != nil {
		return persistence.NewStoreError("Save", "run", state.RunID, fmt.Errorf("failed to save run state: %w", err))
	}

	return nil
}

func (s *RunStore) Load(ctx context.Context, runID string) (*models.RunState, error) {
	var dataJSON []byte

	err := s.db.QueryRowContext(ctx, "SELECT data FROM run_states WHERE run_id = $1", runID).Scan(&dataJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NewStoreError("Load", "run", runID, persistence.ErrRunNotFound)
	}

	if err != nil {
		return nil, persistence.NewStoreError("Load", "run", runID, fmt.Errorf("failed to query run state: %w", err))
	}

	var state models.RunState
	if err := json.Unmarshal(dataJSON, &state); err != nil {
		s.logger.Warn("Discarding malformed run snapshot", "run_id", runID, "error", err)

		return nil, persistence.NewStoreError("Load", "run", runID, persistence.ErrRunNotFound)
	}

	return &state, nil
}

// WorkflowStore stores workflow snapshots with a version column used for
// compare-and-swap in Update.
type WorkflowStore struct {
	db         *sql.DB
	logger     *slog.Logger
	maxRetries int
}

func (s *WorkflowStore) Save(ctx context.Context, state *models.WorkflowState) error {
	if err := persistence.ValidateRunID(state.RunID); err != nil {
		return persistence.NewStoreError("Save", "workflow", state.RunID, err)
	}

	dataJSON, err := json.Marshal(state)
	if err != nil {
		return persistence.NewStoreError("Save", "workflow", state.RunID, fmt.Errorf("failed to marshal workflow state: %w", err))
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_states (run_id, status, data, version, updated_at) VALUES ($1, $2, $3, 1, NOW())
		ON CONFLICT (run_id) DO UPDATE SET
			status = EXCLUDED.status,
			data = EXCLUDED.data,
			version = workflow_states.version + 1,
			updated_at = NOW()`,
		state.RunID, string(state.Status), dataJSON)
	if err != nil {
		return persistence.NewStoreError("Save", "workflow", state.RunID, fmt.Errorf("failed to save workflow state: %w", err))
	}

	return nil
}

func (s *WorkflowStore) Load(ctx context.Context, runID string) (*models.WorkflowState, error) {
	state, _, err := s.loadVersioned(ctx, runID)

	return state, err
}

func (s *WorkflowStore) loadVersioned(ctx context.Context, runID string) (*models.WorkflowState, int64, error) {
	var (
		dataJSON []byte
		version  int64
	)

	err := s.db.QueryRowContext(ctx, "SELECT data, version FROM workflow_states WHERE run_id = $1", runID).Scan(&dataJSON, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, persistence.NewStoreError("Load", "workflow", runID, persistence.ErrWorkflowNotFound)
	}

	if err != nil {
		return nil, 0, persistence.NewStoreError("Load", "workflow", runID, fmt.Errorf("failed to query workflow state: %w", err))
	}

	var state models.WorkflowState
	if err := json.Unmarshal(dataJSON, &state); err != nil {
		s.logger.Warn("Discarding malformed workflow snapshot", "run_id", runID, "error", err)

		return nil, 0, persistence.NewStoreError("Load", "workflow", runID, persistence.ErrWorkflowNotFound)
	}

	return &state, version, nil
}

func (s *WorkflowStore) LoadOrCreate(ctx context.Context, runID string) (*models.WorkflowState, error) {
	if err := persistence.ValidateRunID(runID); err != nil {
		return nil, persistence.NewStoreError("LoadOrCreate", "workflow", runID, err)
	}

	fresh := models.NewWorkflowState(runID)

	dataJSON, err := json.Marshal(fresh)
	if err != nil {
		return nil, persistence.NewStoreError("LoadOrCreate", "workflow", runID, fmt.Errorf("failed to marshal workflow state: %w", err))
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO workflow_states (run_id, status, data, version, updated_at) VALUES ($1, $2, $3, 1, NOW())
		ON CONFLICT (run_id) DO NOTHING`,
		runID, string(fresh.Status), dataJSON)
	if err != nil {
		return nil, persistence.NewStoreError("LoadOrCreate", "workflow", runID, fmt.Errorf("failed to create workflow state: %w", err))
	}

	inserted, err := result.RowsAffected()
	if err == nil && inserted == 1 {
		return fresh, nil
	}

	return s.Load(ctx, runID)
}

func (s *WorkflowStore) Update(ctx context.Context, runID string, mutate func(*models.WorkflowState) error) (*models.WorkflowState, error) {
	for range s.maxRetries {
		state, version, err := s.loadVersioned(ctx, runID)
		if err != nil {
			return nil, err
		}

		if err := mutate(state); err != nil {
			return nil, err
		}

		state.Touch()

		dataJSON, err := json.Marshal(state)
		if err != nil {
			return nil, persistence.NewStoreError("Update", "workflow", runID, fmt.Errorf("failed to marshal workflow state: %w", err))
		}

		result, err := s.db.ExecContext(ctx, `
			UPDATE workflow_states SET status = $2, data = $3, version = version + 1, updated_at = NOW()
			WHERE run_id = $1 AND version = $4`,
			runID, string(state.Status), dataJSON, version)
		if err != nil {
			return nil, persistence.NewStoreError("Update", "workflow", runID, fmt.Errorf("failed to update workflow state: %w", err))
		}

		if affected, err := result.RowsAffected(); err == nil && affected == 1 {
			return state, nil
		}
	}

	return nil, persistence.NewStoreError("Update", "workflow", runID, persistence.ErrConflict)
}

func (s *WorkflowStore) ListActive(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id FROM workflow_states
		WHERE status NOT IN ($1, $2) ORDER BY run_id`,
		string(models.WorkflowStatusCompleted), string(models.WorkflowStatusFailed))
	if err != nil {
		return nil, fmt.Errorf("failed to query active workflows: %w", err)
	}
	defer rows.Close()

	active := make([]string, 0)

	for rows.Next() {
		var runID string
		if err := rows.Scan(&runID); err != nil {
			return nil, fmt.Errorf("failed to scan active workflow: %w", err)
		}

		active = append(active, runID)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate active workflows: %w", err)
	}

	return active, nil
}
