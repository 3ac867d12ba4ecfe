package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ariefcatur/go-storefront-orders/internal/orders"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type memWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	closed bool
}

func (w *memWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *memWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func TestPublishWrapsEnvelope(t *testing.T) {
	w := &memWriter{}
	p := newProducer(w, "storefront-test", 8, zap.NewNop())
	p.Start(context.Background())

	p.Publish(context.Background(), orders.TopicOrderEdited, "o-1", orders.EventOrderEdited, map[string]string{"order_id": "o-1"})
	p.Close()
	p.WaitClosed()

	require.Len(t, w.msgs, 1)
	m := w.msgs[0]
	assert.True(t, w.closed)
	assert.Equal(t, orders.TopicOrderEdited, m.Topic)
	assert.Equal(t, []byte("o-1"), m.Key)

	ev, err := UnmarshalEnvelope(m.Value)
	require.NoError(t, err)
	assert.Equal(t, orders.EventOrderEdited, ev.EventType)
	assert.Equal(t, 1, ev.EventVersion)
	assert.Equal(t, "storefront-test", ev.Producer)
	assert.Equal(t, "o-1", ev.CorrelationID)
	assert.NotEmpty(t, ev.EventID)

	payload, err := UnwrapPayload[map[string]string](ev.Payload)
	require.NoError(t, err)
	assert.Equal(t, "o-1", payload["order_id"])
}

func TestProducerFlushesOnCancel(t *testing.T) {
	w := &memWriter{}
	p := newProducer(w, "svc", 8, zap.NewNop())
	for i := 0; i < 3; i++ {
		p.Send("t", []byte("k"), []byte("v"))
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p.Start(ctx)
	p.WaitClosed()

	assert.Len(t, w.msgs, 3)
	assert.True(t, w.closed)
}

func TestSendDropsWhenQueueFull(t *testing.T) {
	p := newProducer(&memWriter{}, "svc", 1, zap.NewNop())
	p.Send("t", nil, []byte("1"))
	p.Send("t", nil, []byte("2"))
	assert.Len(t, p.inbox, 1)
}

type memReader struct {
	mu        sync.Mutex
	queue     []kafka.Message
	committed []int64
	closed    bool
}

func (r *memReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.queue) > 0 {
		m := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *memReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *memReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *memReader) commits() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

func TestConsumerRetriesFailuresBeforeCommitting(t *testing.T) {
	r := &memReader{queue: []kafka.Message{{Offset: 1}, {Offset: 2}, {Offset: 3}}}
	c := newConsumer(r, 1, zap.NewNop())
	c.retryDelay = time.Millisecond

	var mu sync.Mutex
	attempts := map[int64]int{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- c.Start(ctx, func(_ context.Context, m kafka.Message) error {
			mu.Lock()
			defer mu.Unlock()
			attempts[m.Offset]++
			if m.Offset == 2 && attempts[m.Offset] < 3 {
				return errors.New("database unavailable")
			}
			return nil
		})
	}()

	require.Eventually(t, func() bool { return len(r.commits()) == 3 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, []int64{1, 2, 3}, r.commits())
	mu.Lock()
	assert.Equal(t, 3, attempts[2])
	mu.Unlock()
	assert.True(t, r.closed)
}

func TestConsumerLeavesFailingMessageUncommittedOnShutdown(t *testing.T) {
	r := &memReader{queue: []kafka.Message{{Offset: 1}, {Offset: 2}, {Offset: 3}}}
	c := newConsumer(r, 1, zap.NewNop())
	c.retryDelay = time.Millisecond

	failing := make(chan struct{}, 1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- c.Start(ctx, func(_ context.Context, m kafka.Message) error {
			if m.Offset == 2 {
				select {
				case failing <- struct{}{}:
				default:
				}
				return errors.New("database unavailable")
			}
			return nil
		})
	}()

	<-failing
	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, []int64{1}, r.commits())
}

func TestConsumerKeepsPartitionOrder(t *testing.T) {
	var queue []kafka.Message
	for off := int64(0); off < 20; off++ {
		queue = append(queue, kafka.Message{Partition: int(off % 2), Offset: off})
	}
	r := &memReader{queue: queue}
	c := newConsumer(r, 4, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- c.Start(ctx, func(context.Context, kafka.Message) error { return nil })
	}()

	require.Eventually(t, func() bool { return len(r.commits()) == 20 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	last := map[int64]int64{0: -1, 1: -1}
	for _, off := range r.commits() {
		p := off % 2
		assert.Greater(t, off, last[p], "partition %d committed out of order", p)
		last[p] = off
	}
}
