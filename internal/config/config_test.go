package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadBackendConfigDefaults(t *testing.T) {
	cfg := LoadBackendConfig()

	require.Equal(t, ":8081", cfg.ListenAddr)
	require.Equal(t, "data/sessions.db", cfg.Database.Path)
	require.Empty(t, cfg.Redis.Addr)
	require.Empty(t, cfg.JWT.Secret)
	require.False(t, cfg.AllowUntyped)
	require.Equal(t, 3, cfg.StorageRetries)
	require.Equal(t, time.Minute, cfg.RouteGrace)
}

func TestLoadBackendConfigFromEnv(t *testing.T) {
	t.Setenv("RELAY_BACKEND_LISTEN_ADDR", "127.0.0.1:9999")
	t.Setenv("RELAY_ALLOW_UNTYPED", "true")
	t.Setenv("RELAY_SESSION_CACHE_SIZE", "12")
	t.Setenv("RELAY_PRESENCE_TTL", "90s")
	t.Setenv("RELAY_WORKERS", "not-a-number")

	cfg := LoadBackendConfig()

	require.Equal(t, "127.0.0.1:9999", cfg.ListenAddr)
	require.True(t, cfg.AllowUntyped)
	require.Equal(t, 12, cfg.CacheSize)
	require.Equal(t, 90*time.Second, cfg.Redis.TTL)
	require.Equal(t, 16, cfg.Workers, "unparsable values fall back to the default")
}

func TestLoadGatewayConfig(t *testing.T) {
	t.Setenv("RELAY_LINK_QUEUE_SIZE", "8")
	t.Setenv("RELAY_LOG_LEVEL", "DEBUG")

	cfg := LoadGatewayConfig()

	require.Equal(t, "localhost:8081", cfg.BackendAddr)
	require.Equal(t, 8, cfg.Link.QueueSize)
	require.Equal(t, 64, cfg.ClientQueue)
	require.Equal(t, time.Second, cfg.Link.RetryMin)
	require.Equal(t, "debug", cfg.Log.Level)
	require.NotEmpty(t, cfg.GatewayID)
}
