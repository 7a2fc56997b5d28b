package toolqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dukex/runflow/pkg/events"
	goredis "github.com/redis/go-redis/v9"
)

const (
	DefaultStream       = "queue:tools"
	DefaultGroup        = "tool-workers"
	DefaultProcessedTTL = 24 * time.Hour
	processedKeyPrefix  = "tool:processed:"
	minimumProcessedTTL = time.Minute
	defaultBlock        = 5 * time.Second
	defaultBatch        = 10
	defaultIdleSleep    = 100 * time.Millisecond
)

type RedisStreamsConfig struct {
	Stream       string
	Group        string
	Consumer     string
	Block        time.Duration
	ProcessedTTL time.Duration
}

// RedisStreams is a durable tool request queue on a Redis stream consumed by
// a consumer group. Each event id is processed at most once per TTL window.
type RedisStreams struct {
	client *goredis.Client
	config RedisStreamsConfig
	logger *slog.Logger
}

func NewRedisStreams(client *goredis.Client, config RedisStreamsConfig, logger *slog.Logger) *RedisStreams {
	if config.Stream == "" {
		config.Stream = DefaultStream
	}

	if config.Group == "" {
		config.Group = DefaultGroup
	}

	if config.Consumer == "" {
		config.Consumer = "worker-1"
	}

	if config.Block <= 0 {
		config.Block = defaultBlock
	}

	if config.ProcessedTTL <= 0 {
		config.ProcessedTTL = DefaultProcessedTTL
	}

	config.ProcessedTTL = max(config.ProcessedTTL, minimumProcessedTTL)

	return &RedisStreams{
		client: client,
		config: config,
		logger: logger.With("module", "tool_queue", "stream", config.Stream, "consumer", config.Consumer),
	}
}

func (q *RedisStreams) EnqueueToolRequested(ctx context.Context, event events.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal tool request: %w", err)
	}

	err = q.client.XAdd(ctx, &goredis.XAddArgs{
		Stream: q.config.Stream,
		Values: map[string]any{
			"event":    string(payload),
			"run_id":   event.RunID,
			"event_id": event.ID,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to enqueue tool request: %w", err)
	}

	return nil
}

// EnsureGroup creates the stream and its consumer group when missing.
func (q *RedisStreams) EnsureGroup(ctx context.Context) error {
	err := q.client.XGroupCreateMkStream(ctx, q.config.Stream, q.config.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}

	return nil
}

// Consume reads the stream until ctx ends, calling handler for each new entry.
func (q *RedisStreams) Consume(ctx context.Context, handler Handler) error {
	if err := q.EnsureGroup(ctx); err != nil {
		return err
	}

	q.logger.InfoContext(ctx, "Tool queue consumer started", "group", q.config.Group)

	for {
		if ctx.Err() != nil {
			return nil
		}

		streams, err := q.client.XReadGroup(ctx, &goredis.XReadGroupArgs{
			Group:    q.config.Group,
			Consumer: q.config.Consumer,
			Streams:  []string{q.config.Stream, ">"},
			Count:    defaultBatch,
			Block:    q.config.Block,
		}).Result()
		if errors.Is(err, goredis.Nil) {
			continue
		}

		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			q.logger.ErrorContext(ctx, "Tool queue read failed", "error", err)

			if !sleep(ctx, defaultIdleSleep) {
				return nil
			}

			continue
		}

		for _, stream := range streams {
			for _, message := range stream.Messages {
				q.process(ctx, message, handler)
			}
		}
	}
}

func (q *RedisStreams) process(ctx context.Context, message goredis.XMessage, handler Handler) {
	raw, _ := message.Values["event"].(string)
	if raw == "" {
		q.ack(ctx, message.ID)

		return
	}

	var event events.Event
	if err := json.Unmarshal([]byte(raw), &event); err != nil || event.ID == "" {
		q.logger.WarnContext(ctx, "Dropping malformed tool request", "message_id", message.ID, "error", err)
		q.ack(ctx, message.ID)

		return
	}

	processedKey := processedKeyPrefix + event.ID

	fresh, err := q.client.SetNX(ctx, processedKey, "1", q.config.ProcessedTTL).Result()
	if err != nil {
		q.logger.ErrorContext(ctx, "Failed to claim tool request", "run_id", event.RunID, "event_id", event.ID, "error", err)

		return
	}

	if !fresh {
		q.ack(ctx, message.ID)

		return
	}

	if err := handler(ctx, event); err != nil {
		q.logger.ErrorContext(ctx, "Tool request handler failed", "run_id", event.RunID, "event_id", event.ID, "error", err)

		// Drop the claim so a redelivery is not skipped as a duplicate.
		if delErr := q.client.Del(ctx, processedKey).Err(); delErr != nil {
			q.logger.WarnContext(ctx, "Failed to release tool request claim", "event_id", event.ID, "error", delErr)
		}

		return
	}

	q.ack(ctx, message.ID)
}

func (q *RedisStreams) ack(ctx context.Context, messageID string) {
	if err := q.client.XAck(ctx, q.config.Stream, q.config.Group, messageID).Err(); err != nil {
		q.logger.WarnContext(ctx, "Failed to ack tool request", "message_id", messageID, "error", err)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
