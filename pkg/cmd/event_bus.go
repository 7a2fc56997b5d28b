package cmd

import (
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/dukex/runflow/pkg/channels/gochannel"
	"github.com/dukex/runflow/pkg/channels/kafka"
	"github.com/dukex/runflow/pkg/eventbus"
	"github.com/dukex/runflow/pkg/events"
	goredis "github.com/redis/go-redis/v9"
)

// NewTransport creates the transport named by config.EventBus. Each kafka
// process joins its own consumer group so every process sees every event.
func NewTransport(config Config, client *goredis.Client, logger *slog.Logger) (eventbus.Transport, error) {
	switch config.EventBus {
	case EventBusGoChannel:
		pub, sub, err := gochannel.CreateChannel(watermill.NewSlogLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("failed to create go channel pub/sub: %w", err)
		}

		return eventbus.NewWatermillTransport(pub, sub, events.Topic, logger), nil
	case EventBusKafka:
		pub, sub, err := kafka.CreateChannel(watermill.NewSlogLogger(logger), kafka.Config{
			Brokers:       config.KafkaBrokers,
			ConsumerGroup: config.ServiceName + "-" + config.WorkerID,
			OTELEnabled:   config.OTelEnabled,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create Kafka pub/sub: %w", err)
		}

		return eventbus.NewWatermillTransport(pub, sub, events.Topic, logger), nil
	case EventBusRedis:
		if client == nil {
			return nil, fmt.Errorf("%w: redis event bus needs a redis client", ErrInvalidConfig)
		}

		return eventbus.NewRedisTransport(client, logger), nil
	default:
		return nil, fmt.Errorf("%w: unsupported event bus provider %q", ErrInvalidConfig, config.EventBus)
	}
}
