// Package critical records events that need a human to reconcile them by hand:
// failed webhooks, vanished customers, stock that could not be returned.
package critical

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	KindWebhook         = "webhook"
	KindCustomerMissing = "customer_missing"
	KindStock           = "stock"
	KindImages          = "images"
)

type Event struct {
	Kind    string         `json:"kind"`
	OrderID string         `json:"order_id,omitempty"`
	Message string         `json:"message"`
	Error   string         `json:"error,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
	At      time.Time      `json:"at"`
}

// Sink persists critical events.
type Sink interface {
	InsertCriticalEvent(ctx context.Context, e Event) error
}

type Recorder interface {
	Record(ctx context.Context, e Event)
}

type Log struct {
	log  *zap.Logger
	sink Sink
}

func New(log *zap.Logger, sink Sink) *Log {
	if log == nil {
		log = zap.NewNop()
	}
	return &Log{log: log, sink: sink}
}

// Record never fails; a sink error is logged next to the event itself.
func (l *Log) Record(ctx context.Context, e Event) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	l.log.Error(e.Message,
		zap.Bool("critical", true),
		zap.String("kind", e.Kind),
		zap.String("order_id", e.OrderID),
		zap.String("error", e.Error),
		zap.Any("data", e.Data),
	)
	if l.sink == nil {
		return
	}
	if err := l.sink.InsertCriticalEvent(context.WithoutCancel(ctx), e); err != nil {
		l.log.Error("critical event not persisted", zap.String("kind", e.Kind), zap.Error(err))
	}
}

// Memory keeps events in process; used by tests.
type Memory struct {
	mu     sync.Mutex
	events []Event
}

func (m *Memory) Record(_ context.Context, e Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
}

func (m *Memory) InsertCriticalEvent(ctx context.Context, e Event) error {
	m.Record(ctx, e)
	return nil
}

func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}
