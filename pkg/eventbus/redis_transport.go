package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dukex/runflow/pkg/events"
	goredis "github.com/redis/go-redis/v9"
)

const (
	DefaultRunChannelPrefix = "events:run:"
	DefaultGlobalChannel    = "events:all"
)

// RedisTransport fans events out with Redis pub/sub. Every event goes to the
// run channel and to the global channel; processes listen on the global one.
type RedisTransport struct {
	client        *goredis.Client
	runPrefix     string
	globalChannel string
	logger        *slog.Logger

	mu      sync.Mutex
	pubsubs []*goredis.PubSub
}

func NewRedisTransport(client *goredis.Client, logger *slog.Logger) *RedisTransport {
	return &RedisTransport{
		client:        client,
		runPrefix:     DefaultRunChannelPrefix,
		globalChannel: DefaultGlobalChannel,
		logger:        logger.With("module", "redis_transport"),
	}
}

// RunChannel returns the pub/sub channel carrying the events of runID.
func (t *RedisTransport) RunChannel(runID string) string {
	return t.runPrefix + runID
}

func (t *RedisTransport) Publish(ctx context.Context, event events.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	_, err = t.client.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Publish(ctx, t.RunChannel(event.RunID), payload)
		pipe.Publish(ctx, t.globalChannel, payload)

		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	return nil
}

func (t *RedisTransport) Subscribe(ctx context.Context) (<-chan events.Event, error) {
	return t.subscribe(ctx, t.globalChannel)
}

// SubscribeRun listens to the events of a single run.
func (t *RedisTransport) SubscribeRun(ctx context.Context, runID string) (<-chan events.Event, error) {
	return t.subscribe(ctx, t.RunChannel(runID))
}

func (t *RedisTransport) subscribe(ctx context.Context, channel string) (<-chan events.Event, error) {
	pubsub := t.client.Subscribe(ctx, channel)

	// Receive blocks until the subscription is confirmed, so nothing published
	// after Subscribe returns is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()

		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	t.mu.Lock()
	t.pubsubs = append(t.pubsubs, pubsub)
	t.mu.Unlock()

	out := make(chan events.Event, deliveryBuffer)
	messages := pubsub.Channel()

	go func() {
		defer close(out)

		for {
			select {
			case <-ctx.Done():
				_ = pubsub.Close()

				return
			case msg, ok := <-messages:
				if !ok {
					return
				}

				var event events.Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					t.logger.Error("Dropping malformed event message", "channel", msg.Channel, "error", err)

					continue
				}

				select {
				case out <- event:
				case <-ctx.Done():
					_ = pubsub.Close()

					return
				}
			}
		}
	}()

	return out, nil
}

func (t *RedisTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var firstErr error

	for _, pubsub := range t.pubsubs {
		if err := pubsub.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	t.pubsubs = nil

	return firstErr
}
