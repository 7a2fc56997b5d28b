package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/dukex/runflow/pkg/events"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

const deliveryBuffer = 256

// WatermillTransport moves events over any watermill publisher/subscriber
// pair: gochannel inside one process, kafka across processes.
type WatermillTransport struct {
	publisher  message.Publisher
	subscriber message.Subscriber
	topic      string
	logger     *slog.Logger
}

func NewWatermillTransport(pub message.Publisher, sub message.Subscriber, topic string, logger *slog.Logger) *WatermillTransport {
	if topic == "" {
		topic = events.Topic
	}

	return &WatermillTransport{
		publisher:  pub,
		subscriber: sub,
		topic:      topic,
		logger:     logger.With("module", "watermill_transport"),
	}
}

func (t *WatermillTransport) Publish(ctx context.Context, event events.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := message.NewMessage(event.ID, payload)
	msg.Metadata.Set(events.EventMetadataKey, event.RunID)
	msg.Metadata.Set(events.RunIDMetadataKey, event.RunID)
	msg.Metadata.Set(events.EventTypeMetadataKey, string(event.Type))

	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)

	for k, v := range carrier {
		msg.Metadata.Set(k, v)
	}

	return t.publisher.Publish(t.topic, msg)
}

func (t *WatermillTransport) Subscribe(ctx context.Context) (<-chan events.Event, error) {
	messages, err := t.subscriber.Subscribe(ctx, t.topic)
	if err != nil {
		return nil, err
	}

	out := make(chan events.Event, deliveryBuffer)

	go func() {
		defer close(out)

		for msg := range messages {
			var event events.Event
			if err := json.Unmarshal(msg.Payload, &event); err != nil {
				// Redelivering an undecodable message would loop forever.
				t.logger.Error("Dropping malformed event message", "message_uuid", msg.UUID, "error", err)
				msg.Ack()

				continue
			}

			select {
			case out <- event:
				msg.Ack()
			case <-ctx.Done():
				msg.Nack()

				return
			}
		}
	}()

	return out, nil
}

func (t *WatermillTransport) Close() error {
	err := t.publisher.Close()
	if err != nil {
		return err
	}

	return t.subscriber.Close()
}
