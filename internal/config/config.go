// Package config provides centralized configuration management for the importer.
// It loads configuration from environment variables with sensible defaults and
// validates all settings on startup to fail fast on misconfiguration.
package config

import "time"

// Config holds all application configuration.
// All settings can be configured via environment variables.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Kafka    KafkaConfig
	Import   ImportConfig
	Webhook  WebhookConfig
	Rate     RateLimitConfig
	Security SecurityConfig
	Logging  LoggingConfig
	Metrics  MetricsConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Host is the interface to bind to (default: 0.0.0.0)
	Host string `env:"SERVER_HOST" default:"0.0.0.0"`

	// Port is the port to listen on (default: 8080)
	Port int `env:"SERVER_PORT" default:"8080"`

	// ReadTimeout is the maximum duration for reading request body (default: 60s)
	ReadTimeout time.Duration `env:"SERVER_READ_TIMEOUT" default:"60s"`

	// WriteTimeout is the maximum duration for writing response (default: 30s)
	WriteTimeout time.Duration `env:"SERVER_WRITE_TIMEOUT" default:"30s"`

	// IdleTimeout is the keep-alive timeout (default: 60s)
	IdleTimeout time.Duration `env:"SERVER_IDLE_TIMEOUT" default:"60s"`

	// ShutdownTimeout is the maximum duration to wait for graceful shutdown (default: 30s)
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" default:"30s"`

	// RequestTimeout is the middleware timeout for requests (default: 120s)
	RequestTimeout time.Duration `env:"SERVER_REQUEST_TIMEOUT" default:"120s"`
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	// URL is the PostgreSQL connection string (required)
	// Supports both DATABASE_URL and DB_URL env vars for compatibility
	URL string `env:"DATABASE_URL" envAlt:"DB_URL" required:"true"`

	// MaxConns is the maximum number of connections in the pool (default: 20)
	MaxConns int `env:"DB_MAX_CONNS" default:"20"`

	// MinConns is the minimum number of connections to keep open (default: 2)
	MinConns int `env:"DB_MIN_CONNS" default:"2"`

	// MaxConnLifetime is the maximum lifetime of a connection (default: 1h)
	MaxConnLifetime time.Duration `env:"DB_MAX_CONN_LIFETIME" default:"1h"`

	// MaxConnIdleTime is the maximum idle time before a connection is closed (default: 30m)
	MaxConnIdleTime time.Duration `env:"DB_MAX_CONN_IDLE_TIME" default:"30m"`

	// AutoMigrate applies the embedded schema on startup (default: true)
	AutoMigrate bool `env:"DB_AUTO_MIGRATE" default:"true"`
}

// RedisConfig holds the progress store connection settings.
type RedisConfig struct {
	// Addr is the host:port of the Redis server (default: localhost:6379)
	Addr string `env:"REDIS_ADDR" default:"localhost:6379"`

	Password string `env:"REDIS_PASSWORD"`

	DB int `env:"REDIS_DB" default:"0"`

	// PoolSize is the maximum number of socket connections (default: 10)
	PoolSize int `env:"REDIS_POOL_SIZE" default:"10"`

	// DialTimeout bounds connection establishment (default: 3s)
	DialTimeout time.Duration `env:"REDIS_DIAL_TIMEOUT" default:"3s"`
}

// KafkaConfig holds work queue settings.
type KafkaConfig struct {
	// Brokers is a comma-separated list of bootstrap servers
	Brokers []string `env:"KAFKA_BROKERS" default:"localhost:9092"`

	// Topic carries import jobs (default: product-imports)
	Topic string `env:"KAFKA_TOPIC" default:"product-imports"`

	// GroupID is the consumer group shared by all workers (default: product-import-workers)
	GroupID string `env:"KAFKA_GROUP_ID" default:"product-import-workers"`

	// PollTimeout is how long a single consumer poll may block (default: 500ms)
	PollTimeout time.Duration `env:"KAFKA_POLL_TIMEOUT" default:"500ms"`

	// FlushTimeout bounds producer flush on shutdown (default: 15s)
	FlushTimeout time.Duration `env:"KAFKA_FLUSH_TIMEOUT" default:"15s"`
}

// ImportConfig holds CSV import processing settings.
type ImportConfig struct {
	// UploadDir is where submitted files are stored until a worker picks them up
	UploadDir string `env:"IMPORT_UPLOAD_DIR" envAlt:"UPLOAD_DIR" default:"/tmp/uploads"`

	// MaxFileSize is the maximum allowed file size in bytes (default: 500MB)
	MaxFileSize int64 `env:"IMPORT_MAX_FILE_SIZE" default:"524288000"`

	// BatchSize is the number of rows reconciled per transaction (default: 10000)
	BatchSize int `env:"IMPORT_BATCH_SIZE" envAlt:"BATCH_SIZE" default:"10000"`

	// MaxConcurrent is the number of imports a single worker runs at once (default: 4)
	MaxConcurrent int `env:"IMPORT_MAX_CONCURRENT" default:"4"`

	// MaxWaitTime is how long a job waits for a free slot (default: 10m)
	MaxWaitTime time.Duration `env:"IMPORT_MAX_WAIT_TIME" default:"10m"`

	// MaxUploads caps uploads being written to disk by one API instance (default: 5)
	MaxUploads int `env:"IMPORT_MAX_UPLOADS" default:"5"`

	// UploadWait is how long a submission waits for an upload slot (default: 30s)
	UploadWait time.Duration `env:"IMPORT_UPLOAD_WAIT" default:"30s"`

	// Timeout is the maximum duration of a single import (default: 6h)
	Timeout time.Duration `env:"IMPORT_TIMEOUT" default:"6h"`

	// ProgressTTL is how long progress snapshots are retained (default: 7 days)
	ProgressTTL time.Duration `env:"IMPORT_PROGRESS_TTL" default:"168h"`

	// StaleAfter marks a processing task as interrupted when its heartbeat is older (default: 15m)
	StaleAfter time.Duration `env:"IMPORT_STALE_AFTER" default:"15m"`

	// ReapInterval is how often the stale task reaper runs (default: 1m)
	ReapInterval time.Duration `env:"IMPORT_REAP_INTERVAL" default:"1m"`
}

// WebhookConfig holds webhook delivery settings.
type WebhookConfig struct {
	// Timeout bounds each delivery attempt (default: 10s)
	Timeout time.Duration `env:"WEBHOOK_TIMEOUT" default:"10s"`

	// MaxAttempts is the retry ceiling for transport failures (default: 3)
	MaxAttempts int `env:"WEBHOOK_MAX_ATTEMPTS" envAlt:"WEBHOOK_RETRIES" default:"3"`

	// MaxParallel caps concurrent deliveries per event (default: 8)
	MaxParallel int `env:"WEBHOOK_MAX_PARALLEL" default:"8"`

	// CacheTTL is how long subscription lookups are cached (default: 30s)
	CacheTTL time.Duration `env:"WEBHOOK_CACHE_TTL" default:"30s"`
}

// RateLimitConfig holds rate limiting settings per time window.
type RateLimitConfig struct {
	// Enabled controls whether rate limiting is active (default: true)
	Enabled bool `env:"RATE_LIMIT_ENABLED" default:"true"`

	// RequestsPerMinute is the default rate limit per IP (default: 100)
	RequestsPerMinute int `env:"RATE_LIMIT_REQUESTS_PER_MINUTE" default:"100"`

	// UploadLimit is requests per minute for the import submission endpoint (default: 10)
	UploadLimit int `env:"RATE_LIMIT_UPLOAD" default:"10"`
}

// SecurityConfig holds security-related settings.
type SecurityConfig struct {
	// TrustedProxies is a comma-separated list of trusted proxy CIDRs
	TrustedProxies []string `env:"TRUSTED_PROXIES"`

	// RequireAPIKey enables X-API-Key authentication on /api routes (default: false)
	RequireAPIKey bool `env:"REQUIRE_API_KEY" default:"false"`

	// APIKeys is a comma-separated list of accepted API keys
	APIKeys []string `env:"API_KEYS"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error (default: info)
	Level string `env:"LOG_LEVEL" default:"info"`

	// Format is the log format: text or json (default: text)
	Format string `env:"LOG_FORMAT" default:"text"`
}

// MetricsConfig holds the Prometheus endpoint settings for the worker.
type MetricsConfig struct {
	Enabled bool `env:"METRICS_ENABLED" default:"true"`

	// Port is where the worker serves /metrics (default: 9100)
	Port int `env:"METRICS_PORT" default:"9100"`
}

// Addr returns the server listen address in host:port format.
func (c *ServerConfig) Addr() string {
	return hostPort(c.Host, c.Port)
}

// Addr returns the metrics listen address.
func (c *MetricsConfig) Addr() string {
	return hostPort("", c.Port)
}

func hostPort(host string, port int) string {
	return host + ":" + itoa(port)
}

// itoa converts an int to string without importing strconv in this file.
func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	var b [20]byte
	n := len(b)
	neg := i < 0
	if neg {
		i = -i
	}
	for i > 0 {
		n--
		b[n] = byte('0' + i%10)
		i /= 10
	}
	if neg {
		n--
		b[n] = '-'
	}
	return string(b[n:])
}
