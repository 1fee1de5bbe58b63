package main

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// config is the daemon's environment-driven configuration.
type config struct {
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	HTTPAddr         string        `env:"HTTP_ADDR" envDefault:":8080"`
	HTTPReadTimeout  time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"10s"`
	HTTPWriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`

	// StoreBackend selects the persistence layer: memory, redis, postgres,
	// or mongo.
	StoreBackend  string `env:"STORE_BACKEND" envDefault:"memory"`
	RedisURL      string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`
	PostgresDSN   string `env:"POSTGRES_DSN"`
	MongoURI      string `env:"MONGO_URI" envDefault:"mongodb://localhost:27017"`
	MongoDatabase string `env:"MONGO_DATABASE" envDefault:"hookrelay"`

	// SecretsKey is a hex-encoded 32-byte AES key. When set, endpoint
	// signing secrets are encrypted at rest.
	SecretsKey string `env:"SECRETS_KEY"`

	Concurrency     int           `env:"WORKER_CONCURRENCY" envDefault:"10"`
	PollInterval    time.Duration `env:"POLL_INTERVAL" envDefault:"1s"`
	BatchSize       int           `env:"BATCH_SIZE" envDefault:"50"`
	RequestTimeout  time.Duration `env:"REQUEST_TIMEOUT" envDefault:"30s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`

	RateLimit  int           `env:"RATE_LIMIT" envDefault:"100"`
	RateWindow time.Duration `env:"RATE_WINDOW" envDefault:"1m"`

	// AMQPURL enables the ingest consumer when non-empty.
	AMQPURL       string `env:"AMQP_URL"`
	AMQPQueue     string `env:"AMQP_QUEUE" envDefault:"hookrelay.events"`
	IngestWorkers int    `env:"INGEST_WORKERS" envDefault:"4"`
	Prefetch      int    `env:"INGEST_PREFETCH" envDefault:"16"`
}

// loadConfig reads .env (when present) and the process environment.
func loadConfig() (*config, error) {
	_ = godotenv.Load()

	var cfg config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	return &cfg, nil
}
