package kafka

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Handler must return nil only when the message is done with and its offset
// may be committed. A failing message is retried in place a few times; after
// that the worker moves on, and the next commit on the partition passes it,
// so a handler must not count on a later redelivery.
type Handler func(ctx context.Context, m kafka.Message) error

const (
	defaultHandlerAttempts = 4
	defaultRetryInterval   = 200 * time.Millisecond
)

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Consumer struct {
	r       messageReader
	workers int
	log     *zap.Logger

	attempts      int
	retryInterval time.Duration
}

func NewConsumer(brokers []string, group, topic string, workers int, logger *zap.Logger) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		GroupID:        group,
		Topic:          topic,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0, // manual commit
	})
	if logger == nil {
		logger = zap.NewNop()
	}
	return newConsumer(r, workers, logger.With(zap.String("topic", topic), zap.String("group", group)))
}

func newConsumer(r messageReader, workers int, logger *zap.Logger) *Consumer {
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consumer{r: r, workers: workers, log: logger, attempts: defaultHandlerAttempts, retryInterval: defaultRetryInterval}
}

// Start fetches messages and fans them out to the worker pool until ctx is done.
func (c *Consumer) Start(ctx context.Context, h Handler) error {
	defer c.r.Close()

	jobs := make(chan kafka.Message, c.workers*4)
	var wg sync.WaitGroup
	for i := 0; i < c.workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for m := range jobs {
				c.process(ctx, id, m, h)
			}
		}(i)
	}
	defer wg.Wait()
	defer close(jobs)

	for {
		m, err := c.r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		select {
		case jobs <- m:
		case <-ctx.Done():
			return nil
		}
	}
}

// process runs h with bounded retries and commits m once h succeeds. It
// reports whether the offset was committed.
func (c *Consumer) process(ctx context.Context, worker int, m kafka.Message, h Handler) bool {
	log := c.log.With(zap.Int("worker", worker), zap.Int64("offset", m.Offset), zap.Int("partition", m.Partition))

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.retryInterval
	policy.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(c.attempts-1)), ctx)

	err := backoff.RetryNotify(func() error { return h(ctx, m) }, b, func(err error, next time.Duration) {
		log.Warn("handler failed, retrying", zap.Duration("retry_in", next), zap.Error(err))
	})
	if err != nil {
		if ctx.Err() == nil {
			log.Error("handler failed, giving up on message", zap.Int("attempts", c.attempts), zap.Error(err))
		}
		return false
	}
	if err := c.r.CommitMessages(ctx, m); err != nil {
		if ctx.Err() == nil {
			log.Warn("commit failed", zap.Error(err))
		}
		return false
	}
	return true
}
