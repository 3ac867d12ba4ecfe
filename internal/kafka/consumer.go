package kafka

import (
	"context"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Handler returns nil only when the message was fully processed and its offset may
// be committed.
type Handler func(ctx context.Context, m kafka.Message) error

type reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Consumer struct {
	r          reader
	workers    int
	retryDelay time.Duration
	maxDelay   time.Duration
	log        *zap.Logger
}

func NewConsumer(brokers []string, group, topic string, workers int, log *zap.Logger) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		GroupID:        group,
		Topic:          topic,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0, // manual commit
	})
	return newConsumer(r, workers, log)
}

func newConsumer(r reader, workers int, log *zap.Logger) *Consumer {
	if workers <= 0 {
		workers = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Consumer{r: r, workers: workers, retryDelay: 200 * time.Millisecond, maxDelay: 10 * time.Second, log: log}
}

// Start dispatches messages to a pool of workers until ctx is cancelled. A
// partition always lands on the same worker, so its offsets are committed in
// order. A failing message is retried in place and blocks its partition until it
// succeeds; on shutdown it stays uncommitted and is redelivered.
func (c *Consumer) Start(ctx context.Context, h Handler) error {
	defer c.r.Close()

	jobs := make([]chan kafka.Message, c.workers)
	var wg sync.WaitGroup
	for i := range jobs {
		jobs[i] = make(chan kafka.Message, 256)
		wg.Add(1)
		go func(id int, in <-chan kafka.Message) {
			defer wg.Done()
			for m := range in {
				if !c.handle(ctx, id, h, m) {
					continue
				}
				if err := c.r.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
					c.log.Warn("commit failed", zap.Int64("offset", m.Offset), zap.Error(err))
				}
			}
		}(i, jobs[i])
	}
	defer wg.Wait()
	defer func() {
		for _, ch := range jobs {
			close(ch)
		}
	}()

	for {
		m, err := c.r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		select {
		case jobs[m.Partition%c.workers] <- m:
		case <-ctx.Done():
			return nil
		}
	}
}

// handle runs h until it succeeds. It reports false when ctx ends first.
func (c *Consumer) handle(ctx context.Context, worker int, h Handler, m kafka.Message) bool {
	delay := c.retryDelay
	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			return false
		}
		err := h(ctx, m)
		if err == nil {
			return true
		}
		c.log.Error("handler failed",
			zap.Int("worker", worker),
			zap.String("topic", m.Topic),
			zap.Int("partition", m.Partition),
			zap.Int64("offset", m.Offset),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return false
		}
		delay = min(delay*2, c.maxDelay)
	}
}
