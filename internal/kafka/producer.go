package kafka

import (
	"context"
	"strconv"
	"time"

	"github.com/ariefcatur/go-storefront-orders/internal/orders"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const eventVersion = 1

type writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer queues messages in memory and writes them from a single goroutine.
// The topic travels on each message, so one Producer serves every topic.
type Producer struct {
	w       writer
	inbox   chan kafka.Message
	closeCh chan struct{}
	service string
	log     *zap.Logger
}

var _ orders.Publisher = (*Producer)(nil)

func NewProducer(brokers []string, service string, buf int, log *zap.Logger) *Producer {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
	return newProducer(w, service, buf, log)
}

func newProducer(w writer, service string, buf int, log *zap.Logger) *Producer {
	if log == nil {
		log = zap.NewNop()
	}
	if buf <= 0 {
		buf = 1024
	}
	return &Producer{
		w:       w,
		inbox:   make(chan kafka.Message, buf),
		closeCh: make(chan struct{}),
		service: service,
		log:     log,
	}
}

func (p *Producer) Start(ctx context.Context) {
	go func() {
		defer close(p.closeCh)
		for {
			select {
			case <-ctx.Done():
				p.drain()
				return
			case m, ok := <-p.inbox:
				if !ok {
					p.closeWriter()
					return
				}
				p.write(m)
			}
		}
	}()
}

// drain flushes whatever is still queued after shutdown was requested.
func (p *Producer) drain() {
	for {
		select {
		case m, ok := <-p.inbox:
			if !ok {
				p.closeWriter()
				return
			}
			p.write(m)
		default:
			p.closeWriter()
			return
		}
	}
}

func (p *Producer) write(m kafka.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.w.WriteMessages(ctx, m); err != nil {
		p.log.Error("kafka write failed",
			zap.String("topic", m.Topic),
			zap.ByteString("key", m.Key),
			zap.Error(err),
		)
	}
}

func (p *Producer) closeWriter() {
	if err := p.w.Close(); err != nil {
		p.log.Warn("kafka writer close", zap.Error(err))
	}
}

// Send queues a raw message; it never blocks the caller. A full queue drops the
// message with an error log.
func (p *Producer) Send(topic string, key, value []byte, headers ...kafka.Header) {
	m := kafka.Message{
		Topic:   topic,
		Key:     key,
		Value:   value,
		Time:    time.Now(),
		Headers: headers,
	}
	select {
	case p.inbox <- m:
	default:
		p.log.Error("kafka queue full, dropping message", zap.String("topic", topic), zap.ByteString("key", key))
	}
}

// Publish wraps payload in an Envelope keyed by order id.
func (p *Producer) Publish(ctx context.Context, topic, key, eventType string, payload any) {
	raw, err := Marshal(payload)
	if err != nil {
		p.log.Error("encode event payload", zap.String("event_type", eventType), zap.Error(err))
		return
	}
	ev := orders.Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  eventVersion,
		OccurredAt:    time.Now().UTC(),
		Producer:      p.service,
		TraceID:       traceID(ctx),
		CorrelationID: key,
		Payload:       raw,
	}
	headers := InjectTrace(ctx, []kafka.Header{
		{Key: "x-event-type", Value: []byte(eventType)},
		{Key: "x-event-version", Value: []byte(strconv.Itoa(eventVersion))},
	})
	p.Send(topic, orders.PartitionKey(key), MustMarshal(ev), headers...)
}

func traceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}

// Close stops accepting messages; the loop flushes the rest and exits.
func (p *Producer) Close() { close(p.inbox) }

func (p *Producer) WaitClosed() { <-p.closeCh }
