// Package file provides file-based persistence for single-process deployments.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dukex/runflow/pkg/persistence"
)

const (
	dirPerm  = 0750
	filePerm = 0600
)

// Persistence implements persistence.Persistence on a local directory tree:
//
//	events/<run>.jsonl     append-only event log
//	runs/<run>.json        run snapshot
//	workflows/<run>.json   workflow snapshot
//	traces/<run>.json      trace envelope and spans
type Persistence struct {
	root   string
	logger *slog.Logger
	locks  *runLocks

	events    *EventStore
	runs      *RunStore
	workflows *WorkflowStore
	traces    *TraceStore
}

// NewPersistence creates a new instance of Persistence with the specified root directory.
func NewPersistence(root string, logger *slog.Logger) *Persistence {
	cleanRoot := strings.Replace(root, "file://", "", 1)
	logger = logger.With("module", "file_persistence")
	locks := &runLocks{}

	return &Persistence{
		root:      cleanRoot,
		logger:    logger,
		locks:     locks,
		events:    &EventStore{root: cleanRoot, logger: logger, locks: locks, seqs: map[string]int64{}},
		runs:      &RunStore{root: cleanRoot, logger: logger},
		workflows: &WorkflowStore{root: cleanRoot, logger: logger, locks: locks},
		traces:    &TraceStore{root: cleanRoot, locks: locks},
	}
}

func (fp *Persistence) Events() persistence.EventStore       { return fp.events }
func (fp *Persistence) Runs() persistence.RunStore           { return fp.runs }
func (fp *Persistence) Workflows() persistence.WorkflowStore { return fp.workflows }
func (fp *Persistence) Traces() persistence.TraceStore       { return fp.traces }

// Close performs any necessary cleanup. For file-based persistence, there is nothing to clean up.
func (fp *Persistence) Close(_ context.Context) error {
	return nil
}

// HealthCheck creates the root directory when missing and verifies it is a directory.
func (fp *Persistence) HealthCheck(_ context.Context) error {
	if err := os.MkdirAll(fp.root, dirPerm); err != nil {
		return fmt.Errorf("failed to create root directory: %w", err)
	}

	info, err := os.Stat(fp.root)
	if err != nil {
		return fmt.Errorf("failed to stat root directory: %w", err)
	}

	if !info.IsDir() {
		return fmt.Errorf("root %s is not a directory", fp.root)
	}

	return nil
}

// runLocks hands out one mutex per (namespace, run) pair.
type runLocks struct {
	locks sync.Map
}

func (l *runLocks) lock(namespace, runID string) func() {
	value, _ := l.locks.LoadOrStore(namespace+"/"+runID, &sync.Mutex{})
	mu, _ := value.(*sync.Mutex)
	mu.Lock()

	return mu.Unlock
}

func recordPath(root, dir, runID, ext string) (string, error) {
	if err := persistence.ValidateRunID(runID); err != nil {
		return "", err
	}

	return filepath.Join(root, dir, runID+ext), nil
}

// writeJSONAtomic writes value to path through a temp file and a rename so
// readers never observe a partially written record.
func writeJSONAtomic(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()

		return fmt.Errorf("failed to write temp file: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()

		return fmt.Errorf("failed to sync temp file: %w", err)
	}

	if err := tmp.Close(); err != nil {
		cleanup()

		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Chmod(tmpName, filePerm); err != nil {
		cleanup()

		return fmt.Errorf("failed to chmod temp file: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		cleanup()

		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}

// readJSON loads path into value. It reports found=false for a missing file
// and returns the decode error for a malformed one.
func readJSON(path string, value any) (bool, error) {
	// #nosec G304 -- path is built from a validated run id under the configured root
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}

		return false, fmt.Errorf("failed to read file: %w", err)
	}

	if err := json.Unmarshal(data, value); err != nil {
		return true, fmt.Errorf("failed to unmarshal record: %w", err)
	}

	return true, nil
}
