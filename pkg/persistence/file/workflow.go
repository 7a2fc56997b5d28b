package file

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dukex/runflow/pkg/models"
	"github.com/dukex/runflow/pkg/persistence"
)

// RunStore keeps run snapshots as JSON documents.
type RunStore struct {
	root   string
	logger *slog.Logger
}

func (s *RunStore) Save(_ context.Context, state *models.RunState) error {
	path, err := recordPath(s.root, "runs", state.RunID, ".json")
	if err != nil {
		return persistence.NewStoreError("Save", "run", state.RunID, err)
	}

	if err := writeJSONAtomic(path, state); err != nil {
		return persistence.NewStoreError("Save", "run", state.RunID, err)
	}

	return nil
}

// Load returns ErrRunNotFound for missing and for unreadable snapshots.
func (s *RunStore) Load(_ context.Context, runID string) (*models.RunState, error) {
	path, err := recordPath(s.root, "runs", runID, ".json")
	if err != nil {
		return nil, persistence.NewStoreError("Load", "run", runID, err)
	}

	var state models.RunState

	found, err := readJSON(path, &state)
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

// WorkflowStore keeps workflow snapshots as JSON documents. Update is
// serialized per run inside this process only.
type WorkflowStore struct {
	root   string
	logger *slog.Logger
	locks  *runLocks
}

func (s *WorkflowStore) Save(_ context.Context, state *models.WorkflowState) error {
	path, err := recordPath(s.root, "workflows", state.RunID, ".json")
	if err != nil {
		return persistence.NewStoreError("Save", "workflow", state.RunID, err)
	}

	if err := writeJSONAtomic(path, state); err != nil {
		return persistence.NewStoreError("Save", "workflow", state.RunID, err)
	}

	return nil
}

func (s *WorkflowStore) Load(_ context.Context, runID string) (*models.WorkflowState, error) {
	path, err := recordPath(s.root, "workflows", runID, ".json")
	if err != nil {
		return nil, persistence.NewStoreError("Load", "workflow", runID, err)
	}

	var state models.WorkflowState

	found, err := readJSON(path, &state)
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
	unlock := s.locks.lock("workflows", runID)
	defer unlock()

	state, err := s.Load(ctx, runID)
	if err == nil {
		return state, nil
	}

	if !persistence.IsWorkflowNotFound(err) {
		return nil, err
	}

	state = models.NewWorkflowState(runID)
	if err := s.Save(ctx, state); err != nil {
		return nil, err
	}

	return state, nil
}

func (s *WorkflowStore) Update(ctx context.Context, runID string, mutate func(*models.WorkflowState) error) (*models.WorkflowState, error) {
	unlock := s.locks.lock("workflows", runID)
	defer unlock()

	state, err := s.Load(ctx, runID)
	if err != nil {
		return nil, err
	}

	if err := mutate(state); err != nil {
		return nil, err
	}

	state.Touch()

	if err := s.Save(ctx, state); err != nil {
		return nil, err
	}

	return state, nil
}

func (s *WorkflowStore) ListActive(ctx context.Context) ([]string, error) {
	dir := filepath.Join(s.root, "workflows")

	files, err := fs.Glob(os.DirFS(dir), "*.json")
	if err != nil {
		return nil, fmt.Errorf("failed to list workflow files: %w", err)
	}

	active := make([]string, 0, len(files))

	for _, name := range files {
		runID := strings.TrimSuffix(name, ".json")

		state, err := s.Load(ctx, runID)
		if err != nil {
			continue
		}

		if !state.IsTerminal() {
			active = append(active, runID)
		}
	}

	sort.Strings(active)

	return active, nil
}
