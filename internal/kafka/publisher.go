package kafka

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/segmentio/kafka-go"

	"github.com/ariefcatur/marketplace-checkout/internal/orders"
)

const (
	HeaderEventType    = "x-event-type"
	HeaderEventVersion = "x-event-version"
)

// EventPublisher sends domain envelopes keyed by order id.
type EventPublisher struct {
	p *Producer
}

func NewEventPublisher(p *Producer) *EventPublisher { return &EventPublisher{p: p} }

var _ orders.Publisher = (*EventPublisher)(nil)

func (e *EventPublisher) Publish(ctx context.Context, topic string, env orders.Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return e.p.Publish(ctx, topic, orders.PartitionKey(env.CorrelationID), b,
		kafka.Header{Key: HeaderEventType, Value: []byte(env.EventType)},
		kafka.Header{Key: HeaderEventVersion, Value: []byte(strconv.Itoa(env.EventVersion))},
	)
}
