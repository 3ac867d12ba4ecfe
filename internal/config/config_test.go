package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, ":8081", cfg.HTTPAddr)
	assert.Equal(t, 3, cfg.ReserveBatchSize)
	assert.Equal(t, 750*time.Millisecond, cfg.ReserveRetryDelay)
	assert.Equal(t, "10", cfg.MinOrderAmount.String())
	assert.False(t, cfg.WebhookAsync)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "a:9092, b:9092,,")
	t.Setenv("RESERVE_BATCH_SIZE", "5")
	t.Setenv("RESERVE_RETRY_DELAY", "0s")
	t.Setenv("MIN_ORDER_AMOUNT", "25.50")
	t.Setenv("WEBHOOK_ASYNC", "true")
	t.Setenv("SWEEP_BATCH_SIZE", "-3")

	cfg := Load()

	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 5, cfg.ReserveBatchSize)
	assert.Equal(t, time.Duration(0), cfg.ReserveRetryDelay)
	assert.Equal(t, "25.5", cfg.MinOrderAmount.String())
	assert.True(t, cfg.WebhookAsync)
	assert.Equal(t, 50, cfg.SweepBatchSize)
}
