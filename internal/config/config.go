package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// GatewayConfig holds settings for the client-facing gateway process.
type GatewayConfig struct {
	ListenAddr   string
	BackendAddr  string
	GatewayID    string
	WriteTimeout time.Duration
	ClientQueue  int
	Link         LinkConfig
	Log          LogConfig
}

// BackendConfig holds settings for the backend authority process.
type BackendConfig struct {
	ListenAddr     string
	Database       DatabaseConfig
	Redis          RedisConfig
	JWT            JWTConfig
	Log            LogConfig
	CacheSize      int
	Workers        int
	WorkerQueue    int
	StorageRetries int
	AllowUntyped   bool
	WriteTimeout   time.Duration
	// RouteGrace is how long a client's gateway may stay unlinked before
	// the client is treated as gone.
	RouteGrace time.Duration
}

// LinkConfig tunes the gateway's connection to the backend.
type LinkConfig struct {
	RetryMin     time.Duration
	RetryMax     time.Duration
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	QueueSize    int
}

// DatabaseConfig captures storage configuration.
type DatabaseConfig struct {
	Path string
}

// RedisConfig enables the redis presence table when Addr is set.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// JWTConfig defines token verification parameters. An empty Secret disables
// token checks and every login is accepted.
type JWTConfig struct {
	Secret     string
	Issuer     string
	Expiration time.Duration
}

// LogConfig selects the logger level and encoding.
type LogConfig struct {
	Level  string
	Format string
}

// LoadGatewayConfig builds the gateway configuration from environment variables with sensible defaults.
func LoadGatewayConfig() GatewayConfig {
	return GatewayConfig{
		ListenAddr:   envOrDefault("RELAY_GATEWAY_LISTEN_ADDR", ":8080"),
		BackendAddr:  envOrDefault("RELAY_BACKEND_ADDR", "localhost:8081"),
		GatewayID:    envOrDefault("RELAY_GATEWAY_ID", "gw-"+uuid.NewString()[:8]),
		WriteTimeout: envDuration("RELAY_GATEWAY_WRITE_TIMEOUT", 5*time.Second),
		ClientQueue:  envInt("RELAY_GATEWAY_CLIENT_QUEUE", 64),
		Link:         loadLinkConfig(),
		Log:          loadLogConfig(),
	}
}

// LoadBackendConfig builds the backend configuration from environment variables with sensible defaults.
func LoadBackendConfig() BackendConfig {
	return BackendConfig{
		ListenAddr: envOrDefault("RELAY_BACKEND_LISTEN_ADDR", ":8081"),
		Database:   DatabaseConfig{Path: envOrDefault("RELAY_DB_PATH", "data/sessions.db")},
		Redis: RedisConfig{
			Addr:     envOrDefault("RELAY_REDIS_ADDR", ""),
			Password: envOrDefault("RELAY_REDIS_PASSWORD", ""),
			DB:       envInt("RELAY_REDIS_DB", 0),
			TTL:      envDuration("RELAY_PRESENCE_TTL", 24*time.Hour),
		},
		JWT:            LoadJWTConfig(),
		Log:            loadLogConfig(),
		CacheSize:      envInt("RELAY_SESSION_CACHE_SIZE", 4096),
		Workers:        envInt("RELAY_WORKERS", 16),
		WorkerQueue:    envInt("RELAY_WORKER_QUEUE", 256),
		StorageRetries: envInt("RELAY_STORAGE_RETRIES", 3),
		AllowUntyped:   envBool("RELAY_ALLOW_UNTYPED", false),
		WriteTimeout:   envDuration("RELAY_BACKEND_WRITE_TIMEOUT", 10*time.Second),
		RouteGrace:     envDuration("RELAY_ROUTE_GRACE", time.Minute),
	}
}

// LoadJWTConfig reads the token settings shared by the backend and relaytoken.
func LoadJWTConfig() JWTConfig {
	return JWTConfig{
		Secret:     envOrDefault("RELAY_JWT_SECRET", ""),
		Issuer:     envOrDefault("RELAY_JWT_ISSUER", "roomrelay"),
		Expiration: envDuration("RELAY_JWT_EXPIRATION", 24*time.Hour),
	}
}

func loadLinkConfig() LinkConfig {
	return LinkConfig{
		RetryMin:     envDuration("RELAY_LINK_RETRY_MIN", time.Second),
		RetryMax:     envDuration("RELAY_LINK_RETRY_MAX", 30*time.Second),
		DialTimeout:  envDuration("RELAY_LINK_DIAL_TIMEOUT", 5*time.Second),
		WriteTimeout: envDuration("RELAY_LINK_WRITE_TIMEOUT", 10*time.Second),
		QueueSize:    envInt("RELAY_LINK_QUEUE_SIZE", 1024),
	}
}

func loadLogConfig() LogConfig {
	return LogConfig{
		Level:  strings.ToLower(envOrDefault("RELAY_LOG_LEVEL", "info")),
		Format: strings.ToLower(envOrDefault("RELAY_LOG_FORMAT", "console")),
	}
}

func envOrDefault(key, value string) string {
	if env, ok := os.LookupEnv(key); ok {
		return env
	}
	return value
}

func envDuration(key string, def time.Duration) time.Duration {
	if env, ok := os.LookupEnv(key); ok {
		if parsed, err := time.ParseDuration(env); err == nil {
			return parsed
		}
	}
	return def
}

func envInt(key string, def int) int {
	if env, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.Atoi(env); err == nil {
			return parsed
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if env, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.ParseBool(env); err == nil {
			return parsed
		}
	}
	return def
}
