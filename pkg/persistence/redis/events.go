package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/dukex/runflow/pkg/events"
	"github.com/dukex/runflow/pkg/persistence"
	goredis "github.com/redis/go-redis/v9"
)

// appendScript allocates the next seq and pushes the event in one atomic step,
// so a crash can never leave an allocated seq without its event.
// ARGV[1] is the event JSON object without its opening brace and seq field.
var appendScript = goredis.NewScript(`
local seq = redis.call('INCR', KEYS[1])
redis.call('RPUSH', KEYS[2], '{"seq":' .. seq .. ',' .. ARGV[1])
return seq
`)

// unsequenced is the wire shape of an event minus its seq.
type unsequenced struct {
	ID        string           `json:"id"`
	RunID     string           `json:"run_id"`
	Timestamp time.Time        `json:"ts"`
	Type      events.EventType `json:"type"`
	Data      map[string]any   `json:"data"`
}

type EventStore struct {
	client *goredis.Client
	keys   keyspace
	logger *slog.Logger
}

func (s *EventStore) Append(ctx context.Context, event events.Event) (events.Event, error) {
	if err := persistence.ValidateRunID(event.RunID); err != nil {
		return events.Event{}, persistence.NewStoreError("Append", "events", event.RunID, err)
	}

	body, err := json.Marshal(unsequenced{
		ID:        event.ID,
		RunID:     event.RunID,
		Timestamp: event.Timestamp,
		Type:      event.Type,
		Data:      event.Data,
	})
	if err != nil {
		return events.Event{}, persistence.NewStoreError("Append", "events", event.RunID, fmt.Errorf("failed to marshal event: %w", err))
	}

	seq, err := appendScript.Run(ctx, s.client,
		[]string{s.keys.eventSeq(event.RunID), s.keys.events(event.RunID)},
		string(body[1:]),
	).Int64()
	if err != nil {
		return events.Event{}, persistence.NewStoreError("Append", "events", event.RunID, fmt.Errorf("failed to append event: %w", err))
	}

	event.Seq = seq

	return event, nil
}

func (s *EventStore) Replay(ctx context.Context, runID string) ([]events.Event, error) {
	raw, err := s.client.LRange(ctx, s.keys.events(runID), 0, -1).Result()
	if err != nil {
		return nil, persistence.NewStoreError("Replay", "events", runID, fmt.Errorf("failed to read events: %w", err))
	}

	loaded := make([]events.Event, 0, len(raw))

	for i, line := range raw {
		var event events.Event
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			s.logger.Warn("Skipping malformed event entry", "run_id", runID, "index", i, "error", err)

			continue
		}

		loaded = append(loaded, event)
	}

	sort.SliceStable(loaded, func(i, j int) bool { return loaded[i].Seq < loaded[j].Seq })

	return loaded, nil
}
