package file

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/dukex/runflow/pkg/events"
	"github.com/dukex/runflow/pkg/models"
	"github.com/dukex/runflow/pkg/persistence"
	"github.com/dukex/runflow/pkg/persistence/persistencetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPersistence(t *testing.T) (*Persistence, string) {
	t.Helper()

	dir := t.TempDir()

	return NewPersistence(dir, slog.New(slog.NewTextHandler(os.Stdout, nil))), dir
}

func TestNewPersistence(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	fp := NewPersistence("/tmp/test", logger)
	assert.Equal(t, "/tmp/test", fp.root)

	fp = NewPersistence("file:///tmp/test", logger)
	assert.Equal(t, "/tmp/test", fp.root)
}

func TestPersistence_Contract(t *testing.T) {
	p, _ := newTestPersistence(t)

	persistencetest.Run(t, p)
}

func TestPersistence_HealthCheck(t *testing.T) {
	p, dir := newTestPersistence(t)
	p.root = filepath.Join(dir, "nested")

	require.NoError(t, p.HealthCheck(t.Context()))
	assert.DirExists(t, p.root)
	assert.NoError(t, p.Close(t.Context()))
}

func TestEventStore_SkipsMalformedLines(t *testing.T) {
	p, dir := newTestPersistence(t)
	ctx := t.Context()

	_, err := p.Events().Append(ctx, events.New(events.RunStarted, "run-1", map[string]any{"mode": "chat"}, nil))
	require.NoError(t, err)

	path := filepath.Join(dir, "events", "run-1.jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString("{not json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	replayed, err := p.Events().Replay(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, replayed, 1)
	assert.Equal(t, events.RunStarted, replayed[0].Type)
}

func TestEventStore_RecoversSeqFromDisk(t *testing.T) {
	p, dir := newTestPersistence(t)
	ctx := t.Context()

	for range 2 {
		_, err := p.Events().Append(ctx, events.New(events.StatusChanged, "run-1", map[string]any{"value": "x"}, nil))
		require.NoError(t, err)
	}

	// A fresh process has an empty seq cache.
	restarted := NewPersistence(dir, slog.New(slog.NewTextHandler(os.Stdout, nil)))

	stored, err := restarted.Events().Append(ctx, events.New(events.StatusChanged, "run-1", map[string]any{"value": "y"}, nil))
	require.NoError(t, err)
	assert.Equal(t, int64(3), stored.Seq)
}

func TestEventStore_RepairsTornTail(t *testing.T) {
	tests := []struct {
		name  string
		tail  func(t *testing.T) string
		seqs  []int64
		types []events.EventType
	}{
		{
			name:  "partial line is truncated",
			tail:  func(*testing.T) string { return `{"id":"torn","run_id":"run-1","se` },
			seqs:  []int64{1, 2},
			types: []events.EventType{events.RunStarted, events.StatusChanged},
		},
		{
			name: "complete line without newline is kept",
			tail: func(t *testing.T) string {
				event := events.New(events.StatusChanged, "run-1", map[string]any{"value": "thinking"}, nil)
				event.Seq = 2

				line, err := json.Marshal(event)
				require.NoError(t, err)

				return string(line)
			},
			seqs:  []int64{1, 2, 3},
			types: []events.EventType{events.RunStarted, events.StatusChanged, events.StatusChanged},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, dir := newTestPersistence(t)
			ctx := t.Context()

			_, err := p.Events().Append(ctx, events.New(events.RunStarted, "run-1", map[string]any{"mode": "chat"}, nil))
			require.NoError(t, err)

			path := filepath.Join(dir, "events", "run-1.jsonl")
			f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
			require.NoError(t, err)
			_, err = f.WriteString(tt.tail(t))
			require.NoError(t, err)
			require.NoError(t, f.Close())

			restarted := NewPersistence(dir, slog.New(slog.NewTextHandler(os.Stdout, nil)))

			stored, err := restarted.Events().Append(ctx, events.New(events.StatusChanged, "run-1", map[string]any{"value": "writing"}, nil))
			require.NoError(t, err)
			assert.Equal(t, tt.seqs[len(tt.seqs)-1], stored.Seq)

			replayed, err := restarted.Events().Replay(ctx, "run-1")
			require.NoError(t, err)

			var seqs []int64
			var types []events.EventType

			for _, event := range replayed {
				seqs = append(seqs, event.Seq)
				types = append(types, event.Type)
			}

			assert.Equal(t, tt.seqs, seqs)
			assert.Equal(t, tt.types, types)
		})
	}
}

func TestRunStore_MalformedSnapshotIsNotFound(t *testing.T) {
	p, dir := newTestPersistence(t)

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "runs"), 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "runs", "run-1.json"), []byte("{broken"), 0o600))

	_, err := p.Runs().Load(t.Context(), "run-1")
	assert.ErrorIs(t, err, persistence.ErrRunNotFound)
}

func TestRunStore_RejectsTraversal(t *testing.T) {
	p, _ := newTestPersistence(t)

	err := p.Runs().Save(t.Context(), models.NewRunState("../escape", "hi", models.ModeChat))
	assert.ErrorIs(t, err, persistence.ErrInvalidRunID)
}

func TestWriteJSONAtomic_LeavesNoTempFiles(t *testing.T) {
	p, dir := newTestPersistence(t)

	require.NoError(t, p.Workflows().Save(t.Context(), models.NewWorkflowState("run-1")))

	entries, err := os.ReadDir(filepath.Join(dir, "workflows"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "run-1.json", entries[0].Name())
}
