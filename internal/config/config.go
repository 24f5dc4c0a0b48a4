// Package config defines configuration parsing and helpers.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds all application configuration parsed from environment variables.
type Config struct {
	AppEnv      string `env:"APP_ENV" envDefault:"dev"`
	ServiceName string `env:"SERVICE_NAME" envDefault:"velivolant-gateway"`
	Port        int    `env:"PORT" envDefault:"8080"`

	// Kafka connectivity
	KafkaBrokers     []string `env:"KAFKA_BROKERS" envSeparator:"," envDefault:"localhost:9092"`
	KafkaSSL         bool     `env:"KAFKA_SSL" envDefault:"false"`
	KafkaSASLEnabled bool     `env:"KAFKA_SASL_ENABLED" envDefault:"false"`
	KafkaAPIKey      string   `env:"KAFKA_API_KEY"`
	KafkaAPISecret   string   `env:"KAFKA_API_SECRET"`
	RequestTopic     string   `env:"KAFKA_REQUEST_TOPIC" envDefault:"velivolant.event-requests.v1"`
	ResultTopic      string   `env:"KAFKA_RESULT_TOPIC" envDefault:"velivolant.computation-results.v1"`
	ConsumerGroup    string   `env:"KAFKA_CONSUMER_GROUP" envDefault:"velivolant-middle-results"`

	// Schema registry
	SchemaRegistryURL    string `env:"SCHEMA_REGISTRY_URL" envDefault:"http://localhost:8081"`
	SchemaRegistryKey    string `env:"SCHEMA_REGISTRY_KEY"`
	SchemaRegistrySecret string `env:"SCHEMA_REGISTRY_SECRET"`

	// Results ledger (PostgreSQL)
	PostgresHost     string `env:"POSTGRES_HOST" envDefault:"localhost"`
	PostgresPort     int    `env:"POSTGRES_PORT" envDefault:"5432"`
	PostgresDB       string `env:"POSTGRES_DB" envDefault:"velivolant"`
	PostgresUser     string `env:"POSTGRES_USER" envDefault:"postgres"`
	PostgresPassword string `env:"POSTGRES_PASSWORD" envDefault:"postgres"`

	// WebSocket auth
	JWTSecret string `env:"JWT_SECRET"`

	// Dispatch tuning
	SubmitTimeout   time.Duration `env:"SUBMIT_TIMEOUT" envDefault:"30s"`
	WaiterTTL       time.Duration `env:"WAITER_TTL" envDefault:"5m"`
	PendingTTL      time.Duration `env:"PENDING_TTL" envDefault:"10m"`
	PendingSweep    time.Duration `env:"PENDING_SWEEP_INTERVAL" envDefault:"60s"`
	StatsWindow     time.Duration `env:"STATS_WINDOW" envDefault:"24h"`
	LedgerRetention int           `env:"LEDGER_RETENTION_DAYS" envDefault:"90"`
	CleanupInterval time.Duration `env:"CLEANUP_INTERVAL" envDefault:"24h"`

	// HTTP server
	CORSAllowOrigins      string        `env:"CORS_ALLOW_ORIGINS" envDefault:"*"`
	RateLimitPerMin       int           `env:"RATE_LIMIT_PER_MIN" envDefault:"120"`
	ServerShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	HTTPReadTimeout       time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	HTTPWriteTimeout      time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"60s"`
	HTTPIdleTimeout       time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`
}

// Load parses environment variables into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	return cfg, nil
}

// DatabaseURL assembles the pgx connection string for the ledger.
// The pool cap matches the per-instance connection budget of the ledger.
func (c Config) DatabaseURL() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.PostgresUser, c.PostgresPassword),
		Host:     fmt.Sprintf("%s:%d", c.PostgresHost, c.PostgresPort),
		Path:     c.PostgresDB,
		RawQuery: "sslmode=disable&pool_max_conns=20",
	}
	return u.String()
}

// IsDev reports whether the app is running in development mode.
func (c Config) IsDev() bool { return strings.ToLower(c.AppEnv) == "dev" }

// IsProd reports whether the app is running in production mode.
func (c Config) IsProd() bool { return strings.ToLower(c.AppEnv) == "prod" }

// IsTest reports whether the app is running in test mode.
func (c Config) IsTest() bool { return strings.ToLower(c.AppEnv) == "test" }
