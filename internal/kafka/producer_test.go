package kafka

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ariefcatur/marketplace-checkout/internal/orders"
)

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func TestEventPublisherFlushesOnClose(t *testing.T) {
	w := &fakeWriter{}
	p := newProducer(w, 16, nil)
	p.Start()
	pub := NewEventPublisher(p)

	env, err := orders.NewEnvelope(orders.EventTypeOrderPlaced, "test", "order-1", time.Now(), orders.OrderPlacedPayload{OrderID: "order-1"})
	require.NoError(t, err)
	require.NoError(t, pub.Publish(context.Background(), orders.TopicOrderPlaced, env))
	p.Close()

	w.mu.Lock()
	defer w.mu.Unlock()
	require.Len(t, w.msgs, 1)
	m := w.msgs[0]
	assert.Equal(t, orders.TopicOrderPlaced, m.Topic)
	assert.Equal(t, []byte("order-1"), m.Key)
	require.Len(t, m.Headers, 2)
	assert.Equal(t, HeaderEventType, m.Headers[0].Key)
	assert.Equal(t, orders.EventTypeOrderPlaced, string(m.Headers[0].Value))
	assert.Equal(t, "1", string(m.Headers[1].Value))
	assert.True(t, w.closed)

	got, err := UnmarshalEnvelope(m.Value)
	require.NoError(t, err)
	assert.Equal(t, env.EventID, got.EventID)
	payload, err := UnwrapPayload[orders.OrderPlacedPayload](got.Payload)
	require.NoError(t, err)
	assert.Equal(t, "order-1", payload.OrderID)
}

func TestPublishAfterClose(t *testing.T) {
	p := newProducer(&fakeWriter{}, 1, nil)
	p.Start()
	p.Close()
	err := p.Publish(context.Background(), "t", nil, []byte("x"))
	assert.ErrorIs(t, err, ErrProducerClosed)
}

func TestPublishBufferFull(t *testing.T) {
	// Not started, so nothing drains the buffer.
	p := newProducer(&fakeWriter{}, 1, nil)
	require.NoError(t, p.Publish(context.Background(), "t", nil, []byte("a")))
	assert.ErrorIs(t, p.Publish(context.Background(), "t", nil, []byte("b")), ErrBufferFull)
}
