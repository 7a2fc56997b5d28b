package eventbus

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/dukex/runflow/pkg/events"
)

const (
	streamBuffer = 512

	gapRetryInterval = 50 * time.Millisecond
	gapRetries       = 20
)

// Stream yields the stored events of runID followed by live ones, in seq
// order and without duplicates. Live events that arrive ahead of a missing
// seq are held back and the gap is filled from the event log. A gap the log
// still cannot fill after gapRetries attempts is skipped. The channel closes
// when ctx ends or when the live buffer overflows, in which case a consumer
// should reconnect and replay again.
func (b *Bus) Stream(ctx context.Context, runID string) (<-chan events.Event, error) {
	live := make(chan events.Event, streamBuffer)
	overflow := make(chan struct{})

	var overflowOnce sync.Once

	unsubscribe := b.Subscribe(runID, func(_ context.Context, event events.Event) error {
		select {
		case <-overflow:
		case live <- event:
		default:
			overflowOnce.Do(func() { close(overflow) })
		}

		return nil
	})

	history, err := b.Replay(ctx, runID)
	if err != nil {
		unsubscribe()

		return nil, fmt.Errorf("failed to replay run %s: %w", runID, err)
	}

	out := make(chan events.Event)

	go func() {
		defer close(out)
		defer unsubscribe()

		s := &sequencer{next: 1, pending: map[int64]events.Event{}}

		s.add(history...)

		if !s.flush(ctx, out) {
			return
		}

		var (
			retry   <-chan time.Time
			retries int
		)

		if s.gapped() {
			retry = time.After(gapRetryInterval)
		}

		for {
			select {
			case <-ctx.Done():
				return
			case <-overflow:
				return
			case event := <-live:
				s.add(event)
			case <-retry:
				retry = nil
				retries++
			}

			if !s.flush(ctx, out) {
				return
			}

			if !s.gapped() {
				retry, retries = nil, 0

				continue
			}

			if retry != nil {
				continue
			}

			if retries >= gapRetries {
				b.logger.WarnContext(ctx, "Skipping events missing from the log", "run_id", runID, "from_seq", s.next, "to_seq", s.lowest()-1)
				s.next = s.lowest()
				retries = 0

				if !s.flush(ctx, out) {
					return
				}

				continue
			}

			logged, err := b.Replay(ctx, runID)
			if err != nil {
				b.logger.WarnContext(ctx, "Failed to backfill stream gap", "run_id", runID, "error", err)
			} else {
				s.add(logged...)
			}

			if !s.flush(ctx, out) {
				return
			}

			if s.gapped() {
				retry = time.After(gapRetryInterval)
			} else {
				retries = 0
			}
		}
	}()

	return out, nil
}

// sequencer releases events in seq order starting at next.
type sequencer struct {
	next    int64
	pending map[int64]events.Event
}

func (s *sequencer) add(batch ...events.Event) {
	for _, event := range batch {
		if event.Seq >= s.next {
			s.pending[event.Seq] = event
		}
	}
}

// flush sends every pending event that continues the sequence. It returns
// false when ctx ended first.
func (s *sequencer) flush(ctx context.Context, out chan<- events.Event) bool {
	for {
		event, ok := s.pending[s.next]
		if !ok {
			return true
		}

		select {
		case out <- event:
			delete(s.pending, s.next)
			s.next++
		case <-ctx.Done():
			return false
		}
	}
}

func (s *sequencer) gapped() bool {
	return len(s.pending) > 0
}

func (s *sequencer) lowest() int64 {
	seqs := make([]int64, 0, len(s.pending))
	for seq := range s.pending {
		seqs = append(seqs, seq)
	}

	return slices.Min(seqs)
}
