package app

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/skyfield-eo/granulepush/internal/metrics"
	"github.com/skyfield-eo/granulepush/internal/providers"
	"github.com/skyfield-eo/granulepush/internal/ratelimit"
	"github.com/skyfield-eo/granulepush/internal/repository"
	"github.com/skyfield-eo/granulepush/internal/services"
	"github.com/skyfield-eo/granulepush/internal/tracing"
	"github.com/skyfield-eo/granulepush/pkg/config"

	"github.com/go-redis/redis/v8"
)

// Application wires one uploader invocation: the ledger, the object store,
// the notifier and the coordinator all share a single Redis client and
// logger for the life of the process.
type Application struct {
	Config      *config.Config
	Redis       *redis.Client
	Ledger      repository.LedgerRepository
	Store       providers.ObjectStore
	Notifier    services.NotifierService
	Uploads     services.UploadService
	Coordinator services.Coordinator
	Logger      *slog.Logger
	TZ          *time.Location
	RateLimiter ratelimit.Limiter

	traceShutdown func(context.Context) error
}

// ApplicationOption configures the Application
type ApplicationOption func(*Application) error

// WithObjectStore swaps the artifact store, for tests and alternate backends.
func WithObjectStore(store providers.ObjectStore) ApplicationOption {
	return func(app *Application) error {
		app.Store = store
		return nil
	}
}

func NewApplication(cfg *config.Config, prefix string, datasets []string, opts ...ApplicationOption) (*Application, error) {
	redisClient := providers.NewRedisProvider(cfg.RedisAddr, cfg.RedisPassword)
	limiter := ratelimit.NewTokenBucketLimiter(redisClient)

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		loc = time.FixedZone("UTC", 0)
	}

	level := new(slog.LevelVar)
	switch cfg.LogLevel {
	case "debug":
		level.Set(slog.LevelDebug)
	case "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	default:
		level.Set(slog.LevelInfo)
	}
	var handler slog.Handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	if cfg.LogFormat == "text" {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	logger := slog.New(handler).With("service", "granulepush", "env", cfg.Env)
	slog.SetDefault(logger)

	metrics.RegisterPoolCollector(redisClient, prefix, datasets, logger)

	shutdown, err := tracing.Setup(context.Background(), tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		ServiceName:  "granulepush",
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		OTLPInsecure: cfg.Tracing.OTLPInsecure,
		SampleRatio:  cfg.Tracing.SampleRatio,
	}, logger)
	if err != nil {
		// Tracing is not worth failing a batch job over.
		logger.Warn("tracer setup failed; continuing without traces", "err", err)
		shutdown = func(context.Context) error { return nil }
	}

	ledger := repository.NewLedgerRepository(redisClient, prefix, repository.LedgerOptions{
		TombstoneTTL:  time.Duration(cfg.TombstoneTTLHours) * time.Hour,
		RetryAttempts: cfg.ReleaseRetryAttempts,
		RetryPolicy:   cfg.ReleaseBackoffPolicy,
		RetryBase:     time.Duration(cfg.ReleaseBackoffBaseSeconds) * time.Second,
		RetryMax:      time.Duration(cfg.ReleaseBackoffMaxSeconds) * time.Second,
	})
	notifier := services.NewNotifierService(redisClient, logger, limiter, cfg.RateLimit.Events, cfg.FailureChannel, cfg.IngestChannel)

	app := &Application{
		Config:        cfg,
		Redis:         redisClient,
		Ledger:        ledger,
		Store:         providers.NewLocalStore(cfg.StorageRoot),
		Notifier:      notifier,
		Logger:        logger,
		TZ:            loc,
		RateLimiter:   limiter,
		traceShutdown: shutdown,
	}

	for _, opt := range opts {
		if err := opt(app); err != nil {
			return nil, err
		}
	}

	app.Uploads = services.NewUploadService(app.Store, notifier, logger, time.Now)
	app.Coordinator = services.NewCoordinator(app.Uploads, ledger, notifier, logger, time.Now)

	return app, nil
}

// Shutdown flushes spans and closes the Redis connection. Safe to call once
// at process exit.
func (a *Application) Shutdown(ctx context.Context) {
	if a.traceShutdown != nil {
		if err := a.traceShutdown(ctx); err != nil {
			a.Logger.Warn("trace exporter shutdown", "err", err)
		}
	}
	if err := a.Redis.Close(); err != nil {
		a.Logger.Warn("redis close", "err", err)
	}
}
