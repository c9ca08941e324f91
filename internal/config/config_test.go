package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("STORE_BACKEND", "")
	t.Setenv("HTTP_PORT", "")

	cfg := Load()

	assert.Equal(t, "peersync", cfg.ServiceName)
	assert.Equal(t, ":8085", cfg.HTTPPort)
	assert.Equal(t, BackendMemory, cfg.StoreBackend)
	assert.Equal(t, BackendMemory, cfg.FeedBackend)
	assert.Equal(t, 20, cfg.PageSize)
	assert.Equal(t, 2*time.Second, cfg.OutboxPollDelay)
	assert.Equal(t, []string{"localhost:9092"}, cfg.KafkaBrokers)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("HTTP_PORT", "9000")
	t.Setenv("PAGE_SIZE", "50")
	t.Setenv("OUTBOX_POLL_DELAY", "250ms")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("TRACING_ENABLED", "true")
	t.Setenv("STORE_BACKEND", BackendPostgres)
	t.Setenv("DATABASE_URL", "postgres://localhost/peersync")

	cfg := Load()

	assert.Equal(t, ":9000", cfg.HTTPPort)
	assert.Equal(t, 50, cfg.PageSize)
	assert.Equal(t, 250*time.Millisecond, cfg.OutboxPollDelay)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.True(t, cfg.TracingEnabled)
	assert.Equal(t, "postgres://localhost/peersync", cfg.DatabaseURL)
}

func TestGetEnvInt_InvalidFallsBack(t *testing.T) {
	t.Setenv("PAGE_SIZE", "-3")
	assert.Equal(t, 20, getEnvInt("PAGE_SIZE", 20))

	t.Setenv("PAGE_SIZE", "abc")
	assert.Equal(t, 20, getEnvInt("PAGE_SIZE", 20))
}
