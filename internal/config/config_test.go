package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	for _, k := range []string{"STORE_BACKEND", "COOLDOWN", "DEBOUNCE", "WRITE_ATTEMPTS", "RATE_LIMIT_RPS", "LOG_PRETTY"} {
		t.Setenv(k, "")
	}
	cfg := Load()
	assert.Equal(t, BackendSQLite, cfg.StoreBackend)
	assert.Equal(t, 5*time.Minute, cfg.Cooldown)
	assert.Equal(t, 350*time.Millisecond, cfg.Debounce)
	assert.Equal(t, 150*time.Millisecond, cfg.ScanWindow)
	assert.Equal(t, 4, cfg.WriteAttempts)
	assert.Equal(t, 5.0, cfg.RateLimitRPS)
	assert.False(t, cfg.LogPretty)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("STORE_BACKEND", "postgres")
	t.Setenv("COOLDOWN", "90s")
	t.Setenv("WRITE_ATTEMPTS", "7")
	t.Setenv("RATE_LIMIT_RPS", "0.5")
	t.Setenv("LOG_PRETTY", "true")
	t.Setenv("KIOSK_TZ", "UTC")

	cfg := Load()
	assert.Equal(t, BackendPostgres, cfg.StoreBackend)
	assert.Equal(t, 90*time.Second, cfg.Cooldown)
	assert.Equal(t, 7, cfg.WriteAttempts)
	assert.Equal(t, 0.5, cfg.RateLimitRPS)
	assert.True(t, cfg.LogPretty)
	assert.Equal(t, time.UTC, cfg.Location())
}

func TestLoad_InvalidValuesFallBack(t *testing.T) {
	t.Setenv("DEBOUNCE", "soon")
	t.Setenv("WRITE_ATTEMPTS", "many")
	t.Setenv("LOG_PRETTY", "maybe")

	cfg := Load()
	assert.Equal(t, 350*time.Millisecond, cfg.Debounce)
	assert.Equal(t, 4, cfg.WriteAttempts)
	assert.False(t, cfg.LogPretty)
}

func TestValidate(t *testing.T) {
	t.Setenv("KIOSK_TZ", "UTC")
	cfg := Load()
	cfg.StoreBackend = BackendMemory
	cfg.QueueBackend = BackendMemory
	require.NoError(t, cfg.Validate())

	cfg.StoreBackend = "mongo"
	cfg.WriteAttempts = 0
	cfg.KioskTZ = "Mars/Olympus"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "STORE_BACKEND")
	assert.Contains(t, err.Error(), "WRITE_ATTEMPTS")
	assert.Contains(t, err.Error(), "KIOSK_TZ")
}
