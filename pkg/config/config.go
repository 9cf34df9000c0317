// Package config loads process configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

func init() {
	// Load .env file if it exists (silent fail if not)
	_ = godotenv.Load()
}

// Config holds all configuration shared by the storefront binaries.
type Config struct {
	Server    ServerConfig
	Log       LogConfig
	Telemetry TelemetryConfig
	Stock     StockConfig
	Postgres  PostgresConfig
	Redis     RedisConfig
	Cart      CartConfig
	Kafka     KafkaConfig
	Checkout  CheckoutConfig
	Orders    OrdersConfig
	Feed      FeedConfig
}

// ServerConfig holds HTTP and gRPC listener settings.
type ServerConfig struct {
	HTTPPort        string        `envconfig:"HTTP_PORT" default:"8080"`
	GRPCPort        string        `envconfig:"INVENTORY_SERVICE_PORT" default:"50053"`
	RequestTimeout  time.Duration `envconfig:"REQUEST_TIMEOUT" default:"30s"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
	MaxBodyBytes    int64         `envconfig:"MAX_REQUEST_BODY_BYTES" default:"1048576"`
}

type LogConfig struct {
	Level string `envconfig:"LOG_LEVEL" default:"info"`
}

type TelemetryConfig struct {
	// Empty endpoint keeps tracing local to the process.
	OTLPEndpoint string `envconfig:"OTEL_EXPORTER_OTLP_ENDPOINT" default:""`
}

// StockConfig selects the stock ledger backend: memory, postgres, redis or grpc.
type StockConfig struct {
	Backend     string        `envconfig:"STOCK_BACKEND" default:"memory"`
	GRPCAddr    string        `envconfig:"INVENTORY_SERVICE_ADDR" default:"localhost:50053"`
	GRPCTimeout time.Duration `envconfig:"INVENTORY_SERVICE_TIMEOUT" default:"3s"`
	// SeedFile optionally points at a JSON object of product id to quantity.
	SeedFile string `envconfig:"STOCK_SEED_FILE" default:""`
}

type PostgresConfig struct {
	Host     string `envconfig:"POSTGRES_HOST" default:"localhost"`
	Port     int    `envconfig:"POSTGRES_PORT" default:"5432"`
	User     string `envconfig:"POSTGRES_USER" default:"postgres"`
	Password string `envconfig:"POSTGRES_PASSWORD" default:"postgres"`
	DBName   string `envconfig:"POSTGRES_DB" default:"storefront"`
	SSLMode  string `envconfig:"POSTGRES_SSLMODE" default:"disable"`
}

// DSN returns the lib/pq connection string.
func (p *PostgresConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.DBName, p.SSLMode)
}

type RedisConfig struct {
	Addr     string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	Password string `envconfig:"REDIS_PASSWORD" default:""`
	DB       int    `envconfig:"REDIS_DB" default:"0"`
}

// CartConfig selects where cart ledgers are kept: sqlite or mongo.
type CartConfig struct {
	Store         string `envconfig:"CART_STORE" default:"sqlite"`
	SQLitePath    string `envconfig:"CART_SQLITE_PATH" default:"./data/carts.db"`
	MongoURI      string `envconfig:"MONGO_URI" default:"mongodb://localhost:27017"`
	MongoDatabase string `envconfig:"MONGO_DATABASE" default:"storefront"`
	// Cache puts a Redis cache-aside layer in front of the store.
	Cache    bool          `envconfig:"CART_CACHE" default:"false"`
	CacheTTL time.Duration `envconfig:"CART_CACHE_TTL" default:"15m"`
	// Sessions unused for SessionIdle are dropped from memory.
	SessionIdle  time.Duration `envconfig:"CART_SESSION_IDLE" default:"30m"`
	SessionSweep time.Duration `envconfig:"CART_SESSION_SWEEP" default:"1m"`
}

type KafkaConfig struct {
	// Empty brokers disable the notifier.
	Brokers []string `envconfig:"KAFKA_BROKERS" default:""`
	Topic   string   `envconfig:"KAFKA_NOTIFY_TOPIC" default:"storefront-notifications"`
}

type CheckoutConfig struct {
	StockTimeout    time.Duration `envconfig:"CHECKOUT_STOCK_TIMEOUT" default:"3s"`
	RollbackRetries uint          `envconfig:"CHECKOUT_ROLLBACK_RETRIES" default:"5"`
	RateLimit       float64       `envconfig:"CHECKOUT_RATE_LIMIT" default:"1"`
	RateBurst       int           `envconfig:"CHECKOUT_RATE_BURST" default:"3"`
	// ProfileSource is postgres or static.
	ProfileSource string `envconfig:"PROFILE_SOURCE" default:"static"`
	// ProfileFile is a JSON object of user id to profile for the static source.
	ProfileFile string `envconfig:"PROFILE_FILE" default:""`
}

type OrdersConfig struct {
	// Store is memory or postgres.
	Store             string        `envconfig:"ORDERS_STORE" default:"memory"`
	RestoreRetries    uint          `envconfig:"ORDERS_RESTORE_RETRIES" default:"5"`
	RestoreMaxElapsed time.Duration `envconfig:"ORDERS_RESTORE_MAX_ELAPSED" default:"10s"`
	SweepInterval     time.Duration `envconfig:"ORDERS_SWEEP_INTERVAL" default:"30s"`
}

type FeedConfig struct {
	// Bus is memory or redis.
	Bus        string        `envconfig:"FEED_BUS" default:"memory"`
	Channel    string        `envconfig:"FEED_CHANNEL" default:"stock-events"`
	PendingTTL time.Duration `envconfig:"FEED_PENDING_TTL" default:"5s"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config

	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return &cfg, nil
}

// MustLoad loads configuration or panics on error.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}
