// Command hookrelayd runs the webhook delivery daemon: the delivery engine,
// the management HTTP API, and optionally the RabbitMQ ingest consumer.
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"
	mongoopts "go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/formlake/hookrelay"
	"github.com/formlake/hookrelay/api"
	"github.com/formlake/hookrelay/ingest"
	"github.com/formlake/hookrelay/ratelimit"
	"github.com/formlake/hookrelay/secrets"
	"github.com/formlake/hookrelay/store"
	"github.com/formlake/hookrelay/store/memory"
	mongostore "github.com/formlake/hookrelay/store/mongo"
	"github.com/formlake/hookrelay/store/postgres"
	redisstore "github.com/formlake/hookrelay/store/redis"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "hookrelayd:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cipher, err := buildCipher(cfg)
	if err != nil {
		return err
	}

	st, counters, err := buildStore(ctx, cfg, cipher, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}

	limiter := ratelimit.New(counters, ratelimit.Config{
		Limit:  cfg.RateLimit,
		Window: cfg.RateWindow,
	}, logger)

	relay, err := hookrelay.New(
		hookrelay.WithStore(st),
		hookrelay.WithLogger(logger),
		hookrelay.WithRateLimiter(limiter),
		hookrelay.WithConcurrency(cfg.Concurrency),
		hookrelay.WithPollInterval(cfg.PollInterval),
		hookrelay.WithBatchSize(cfg.BatchSize),
		hookrelay.WithRequestTimeout(cfg.RequestTimeout),
		hookrelay.WithShutdownTimeout(cfg.ShutdownTimeout),
	)
	if err != nil {
		return fmt.Errorf("build relay: %w", err)
	}

	relay.Start(ctx)

	srv := api.NewServer(api.Config{
		Addr:         cfg.HTTPAddr,
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
	}, relay, logger)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	if cfg.AMQPURL != "" {
		consumer, err := ingest.NewConsumer(ingest.Config{
			URL:           cfg.AMQPURL,
			Queue:         cfg.AMQPQueue,
			Workers:       cfg.IngestWorkers,
			PrefetchCount: cfg.Prefetch,
		}, relay, logger)
		if err != nil {
			return fmt.Errorf("build ingest consumer: %w", err)
		}
		go runConsumer(ctx, consumer, logger)
	}

	logger.InfoContext(ctx, "hookrelayd started",
		"store", cfg.StoreBackend, "addr", cfg.HTTPAddr, "ingest", cfg.AMQPURL != "")

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
	relay.Stop(shutdownCtx)

	return nil
}

// runConsumer keeps the ingest consumer alive across broker outages.
func runConsumer(ctx context.Context, consumer *ingest.Consumer, logger *slog.Logger) {
	for {
		err := consumer.Run(ctx)
		if ctx.Err() != nil {
			return
		}
		logger.ErrorContext(ctx, "ingest consumer stopped, reconnecting", "error", err)

		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Second):
		}
	}
}

func newLogger(cfg *config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func buildCipher(cfg *config) (*secrets.Cipher, error) {
	if cfg.SecretsKey == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(cfg.SecretsKey)
	if err != nil {
		return nil, fmt.Errorf("decode SECRETS_KEY: %w", err)
	}
	return secrets.NewCipher(key)
}

// buildStore constructs the selected backend plus the rate limit counter
// store. The redis backend shares its client for both; postgres and mongo
// dial Redis separately so the per-endpoint window stays shared across
// daemon instances.
func buildStore(ctx context.Context, cfg *config, cipher *secrets.Cipher, logger *slog.Logger) (store.Store, ratelimit.CounterStore, error) {
	switch cfg.StoreBackend {
	case "memory":
		return memory.New(), ratelimit.NewMemoryCounters(), nil

	case "redis":
		opts, err := goredis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		rdb := goredis.NewClient(opts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, nil, fmt.Errorf("ping redis: %w", err)
		}
		var storeOpts []redisstore.Option
		if cipher != nil {
			storeOpts = append(storeOpts, redisstore.WithCipher(cipher))
		}
		return redisstore.New(rdb, storeOpts...), ratelimit.NewRedisCounters(rdb), nil

	case "postgres":
		if cfg.PostgresDSN == "" {
			return nil, nil, errors.New("POSTGRES_DSN is required for the postgres backend")
		}
		var storeOpts []postgres.Option
		if cipher != nil {
			storeOpts = append(storeOpts, postgres.WithCipher(cipher))
		}
		st, err := postgres.Connect(ctx, cfg.PostgresDSN, storeOpts...)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		return st, rateLimitCounters(ctx, cfg, logger), nil

	case "mongo":
		client, err := mongod.Connect(mongoopts.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			return nil, nil, fmt.Errorf("connect mongo: %w", err)
		}
		if err := client.Ping(ctx, nil); err != nil {
			return nil, nil, fmt.Errorf("ping mongo: %w", err)
		}
		var storeOpts []mongostore.Option
		if cipher != nil {
			storeOpts = append(storeOpts, mongostore.WithCipher(cipher))
		}
		return mongostore.New(client, cfg.MongoDatabase, storeOpts...), rateLimitCounters(ctx, cfg, logger), nil

	default:
		return nil, nil, fmt.Errorf("unknown STORE_BACKEND %q", cfg.StoreBackend)
	}
}

// rateLimitCounters connects REDIS_URL for the shared rate limit window.
// When Redis is unreachable the limiter degrades to per-process counters,
// so each instance enforces its own limit.
func rateLimitCounters(ctx context.Context, cfg *config, logger *slog.Logger) ratelimit.CounterStore {
	opts, err := goredis.ParseURL(cfg.RedisURL)
	if err == nil {
		rdb := goredis.NewClient(opts)
		if err = rdb.Ping(ctx).Err(); err == nil {
			return ratelimit.NewRedisCounters(rdb)
		}
	}
	logger.WarnContext(ctx, "redis unavailable for rate limit counters, limits are per-process",
		"error", err)
	return ratelimit.NewMemoryCounters()
}
