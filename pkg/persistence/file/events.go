package file

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/dukex/runflow/pkg/events"
	"github.com/dukex/runflow/pkg/persistence"
)

const maxEventLine = 4 * 1024 * 1024

// EventStore keeps one JSONL file per run. Appends are serialized per run and
// the last seq is cached after the first scan of the file.
type EventStore struct {
	root   string
	logger *slog.Logger
	locks  *runLocks

	mu   sync.Mutex
	seqs map[string]int64
}

func (s *EventStore) Append(_ context.Context, event events.Event) (events.Event, error) {
	path, err := recordPath(s.root, "events", event.RunID, ".jsonl")
	if err != nil {
		return events.Event{}, persistence.NewStoreError("Append", "events", event.RunID, err)
	}

	unlock := s.locks.lock("events", event.RunID)
	defer unlock()

	last, err := s.lastSeq(event.RunID, path)
	if err != nil {
		return events.Event{}, persistence.NewStoreError("Append", "events", event.RunID, err)
	}

	event.Seq = last + 1

	line, err := json.Marshal(event)
	if err != nil {
		return events.Event{}, persistence.NewStoreError("Append", "events", event.RunID, fmt.Errorf("failed to marshal event: %w", err))
	}

	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return events.Event{}, persistence.NewStoreError("Append", "events", event.RunID, fmt.Errorf("failed to create events directory: %w", err))
	}

	// #nosec G304 -- path is built from a validated run id under the configured root
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, filePerm)
	if err != nil {
		return events.Event{}, persistence.NewStoreError("Append", "events", event.RunID, fmt.Errorf("failed to open event log: %w", err))
	}

	_, writeErr := f.Write(append(line, '\n'))
	if writeErr == nil {
		writeErr = f.Sync()
	}

	closeErr := f.Close()
	if err := errors.Join(writeErr, closeErr); err != nil {
		// The cached seq is dropped so the next append rescans whatever landed on disk.
		s.forget(event.RunID)

		return events.Event{}, persistence.NewStoreError("Append", "events", event.RunID, fmt.Errorf("failed to write event: %w", err))
	}

	s.remember(event.RunID, event.Seq)

	return event, nil
}

func (s *EventStore) Replay(_ context.Context, runID string) ([]events.Event, error) {
	path, err := recordPath(s.root, "events", runID, ".jsonl")
	if err != nil {
		return nil, persistence.NewStoreError("Replay", "events", runID, err)
	}

	loaded, err := s.scan(runID, path)
	if err != nil {
		return nil, persistence.NewStoreError("Replay", "events", runID, err)
	}

	return loaded, nil
}

func (s *EventStore) lastSeq(runID, path string) (int64, error) {
	s.mu.Lock()
	seq, ok := s.seqs[runID]
	s.mu.Unlock()

	if ok {
		return seq, nil
	}

	if err := s.repairTail(runID, path); err != nil {
		return 0, err
	}

	loaded, err := s.scan(runID, path)
	if err != nil {
		return 0, err
	}

	var last int64
	for _, event := range loaded {
		if event.Seq > last {
			last = event.Seq
		}
	}

	s.remember(runID, last)

	return last, nil
}

// repairTail makes the log end on a line boundary after a torn write. A
// trailing fragment that decodes is terminated, anything else is truncated.
func (s *EventStore) repairTail(runID, path string) error {
	// #nosec G304 -- path is built from a validated run id under the configured root
	f, err := os.OpenFile(path, os.O_RDWR, filePerm)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}

		return fmt.Errorf("failed to open event log: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat event log: %w", err)
	}

	size := info.Size()
	if size == 0 {
		return nil
	}

	last := make([]byte, 1)
	if _, err := f.ReadAt(last, size-1); err != nil {
		return fmt.Errorf("failed to read event log: %w", err)
	}

	if last[0] == '\n' {
		return nil
	}

	start := max(size-maxEventLine, 0)

	tail := make([]byte, size-start)
	if _, err := f.ReadAt(tail, start); err != nil {
		return fmt.Errorf("failed to read event log: %w", err)
	}

	cut := start + int64(bytes.LastIndexByte(tail, '\n')+1)
	fragment := tail[cut-start:]

	var event events.Event
	if json.Unmarshal(fragment, &event) == nil && event.ID != "" && event.Seq > 0 {
		s.logger.Warn("Terminating unterminated event line", "run_id", runID, "seq", event.Seq)
		_, err = f.WriteAt([]byte{'\n'}, size)
	} else {
		s.logger.Warn("Truncating partial event line", "run_id", runID, "bytes", len(fragment))
		err = f.Truncate(cut)
	}

	if err == nil {
		err = f.Sync()
	}

	if err != nil {
		return fmt.Errorf("failed to repair event log: %w", err)
	}

	return nil
}

func (s *EventStore) remember(runID string, seq int64) {
	s.mu.Lock()
	s.seqs[runID] = seq
	s.mu.Unlock()
}

func (s *EventStore) forget(runID string) {
	s.mu.Lock()
	delete(s.seqs, runID)
	s.mu.Unlock()
}

// scan reads the log, skipping lines that do not decode.
func (s *EventStore) scan(runID, path string) ([]events.Event, error) {
	// #nosec G304 -- path is built from a validated run id under the configured root
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []events.Event{}, nil
		}

		return nil, fmt.Errorf("failed to open event log: %w", err)
	}
	defer f.Close()

	loaded := make([]events.Event, 0)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventLine)

	lineNo := 0
	for scanner.Scan() {
		lineNo++

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var event events.Event
		if err := json.Unmarshal(line, &event); err != nil {
			s.logger.Warn("Skipping malformed event line", "run_id", runID, "line", lineNo, "error", err)

			continue
		}

		loaded = append(loaded, event)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read event log: %w", err)
	}

	return loaded, nil
}
