package critical

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type failingSink struct{}

func (failingSink) InsertCriticalEvent(context.Context, Event) error { return errors.New("db down") }

func TestLogPersistsAndLogs(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	sink := &Memory{}
	l := New(zap.New(core), sink)

	l.Record(context.Background(), Event{Kind: KindWebhook, OrderID: "o1", Message: "webhook apply failed"})

	events := sink.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "o1", events[0].OrderID)
	assert.False(t, events[0].At.IsZero())

	entries := logs.FilterField(zap.Bool("critical", true)).All()
	require.Len(t, entries, 1)
	assert.Equal(t, "webhook apply failed", entries[0].Message)
}

func TestLogSinkFailureIsLogged(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	l := New(zap.New(core), failingSink{})

	l.Record(context.Background(), Event{Kind: KindStock, Message: "return failed"})
	assert.Equal(t, 1, logs.FilterMessage("critical event not persisted").Len())
}
