// Package app wires the backend's components from configuration. The server
// and the operator CLI share it so both see the same stores and queue.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/whadgest/whadgest-backend/internal/api"
	"github.com/whadgest/whadgest-backend/internal/api/handlers"
	"github.com/whadgest/whadgest-backend/internal/auth"
	"github.com/whadgest/whadgest-backend/internal/config"
	"github.com/whadgest/whadgest-backend/internal/database"
	"github.com/whadgest/whadgest-backend/internal/events"
	"github.com/whadgest/whadgest-backend/internal/filter"
	"github.com/whadgest/whadgest-backend/internal/llm"
	"github.com/whadgest/whadgest-backend/internal/queue"
	"github.com/whadgest/whadgest-backend/internal/repository"
	"github.com/whadgest/whadgest-backend/internal/repository/postgres"
	"github.com/whadgest/whadgest-backend/internal/services"
	"github.com/whadgest/whadgest-backend/internal/window"
)

// App holds the wired components
type App struct {
	Config *config.Config
	Logger *logrus.Logger

	DB        *database.DB
	Messages  repository.MessageRepository
	Summaries repository.SummaryRepository
	Devices   repository.DeviceRepository
	Queue     *postgres.JobQueue

	Tracker     *window.Tracker
	Ingest      *services.IngestService
	Worker      *services.Worker
	Pool        *services.Pool
	Maintenance *services.Maintenance
	Query       *services.QueryService
	Health      *services.HealthService
	Metrics     *services.Metrics

	DeviceAuth *auth.DeviceAuthenticator
	JWT        *auth.JWTService
	Hub        *events.Hub
	Backend    *llm.OpenAISummarizer

	notifier *queue.PGNotifier
	listener *pgxpool.Pool
	redis    redis.UniversalClient
	nats     *nats.Conn
}

// New connects to the stores and builds every component. Redis, NATS and
// the LISTEN connection are optional and only logged when unavailable.
func New(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*App, error) {
	db, err := database.NewConnection(cfg.Database)
	if err != nil {
		return nil, err
	}

	a := &App{
		Config:    cfg,
		Logger:    logger,
		DB:        db,
		Messages:  postgres.NewMessageRepository(db.DB),
		Summaries: postgres.NewSummaryRepository(db.DB),
		Devices:   postgres.NewDeviceRepository(db.DB),
		Queue:     postgres.NewJobQueue(db.DB, queue.OptionsFromConfig(cfg.Queue), cfg.Queue.NotifyChannel),
		Metrics:   services.NewMetrics(),
		Hub:       events.NewHub(),
	}

	if cfg.Redis.Address != "" {
		client, err := filter.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			logger.WithError(err).Warn("Redis unavailable, using in-process verdict cache and no maintenance lock")
		} else {
			a.redis = client
		}
	}

	publishers := events.Fanout{a.Hub}
	if cfg.NATS.URL != "" {
		nc, err := events.ConnectNATS(cfg.NATS, logger)
		if err != nil {
			logger.WithError(err).Warn("NATS unavailable, summary events stay in-process")
		} else {
			a.nats = nc
			publishers = append(publishers, events.NewNATSPublisher(nc, cfg.NATS.Subject))
		}
	}

	// Content filter
	var cache filter.VerdictCache
	var pruner services.Pruner
	if a.redis != nil {
		cache = filter.NewRedisCache(a.redis, cfg.Filter.VerdictTTL)
	} else {
		mem := filter.NewMemoryCache(cfg.Filter.VerdictTTL)
		cache = mem
		pruner = mem
	}
	var classifier filter.Classifier
	if cfg.Filter.ClassifierEnabled {
		classifier = filter.NewOpenAIClassifier(cfg.OpenAI, cfg.Filter.ClassifierModel)
	}
	contentFilter := filter.New(cfg.Filter, classifier, cache, logger)

	// Summarization backend
	tokens := llm.NewTokenCounter(cfg.OpenAI.Model)
	breaker := llm.NewBreaker(5, 2, 30*time.Second, logger)
	a.Backend = llm.NewOpenAISummarizer(cfg.OpenAI, tokens, breaker, logger)

	var language services.LanguageDetector
	if cfg.Summarization.DetectLanguage {
		language = llm.NewLanguageDetector()
	}

	a.Tracker = window.NewTracker(a.Queue, cfg.Summarization, logger)
	a.Ingest = services.NewIngestService(a.Messages, a.Devices, a.Tracker, cfg.Server.SourceApps, a.Metrics, logger)
	a.Worker = services.NewWorker(services.WorkerDeps{
		Messages:  a.Messages,
		Summaries: a.Summaries,
		Filter:    contentFilter,
		Backend:   a.Backend,
		Language:  language,
		Publisher: publishers,
		Metrics:   a.Metrics,
	}, cfg.Summarization.MinMessages, logger)

	var waker queue.Waker
	if listener, err := database.NewListenerPool(ctx, cfg.Database); err != nil {
		logger.WithError(err).Warn("LISTEN connection unavailable, workers will poll")
	} else {
		a.listener = listener
		a.notifier = queue.NewPGNotifier(listener, cfg.Queue.NotifyChannel, logger)
		waker = a.notifier
	}
	a.Pool = services.NewPool(a.Queue, a.Worker, waker, cfg.Worker, a.Metrics, logger)

	var locker services.Locker
	if a.redis != nil {
		hostname, _ := os.Hostname()
		locker = services.NewRedisLocker(a.redis, fmt.Sprintf("%s-%d", hostname, os.Getpid()))
	}
	a.Maintenance = services.NewMaintenance(
		a.Messages, a.Queue, a.Tracker, a.Metrics, locker, pruner,
		cfg.Maintenance, cfg.Summarization.StragglerFlushAfter, logger,
	)
	a.Query = services.NewQueryService(a.Messages, a.Summaries, logger)

	a.DeviceAuth = auth.NewDeviceAuthenticator(a.Devices, cfg.Auth.DeviceTokenSalt, logger)
	a.JWT = auth.NewJWTService(cfg.Auth.JWTSecret, "whadgest-backend", cfg.Auth.OperatorTokenTTL)

	a.Health = services.NewHealthService(0).
		Register("database", db, true).
		Register("summarization_backend", services.PingerFunc(a.Backend.Ping), false)
	if a.redis != nil {
		a.Health.Register("redis", services.PingerFunc(func(ctx context.Context) error {
			return a.redis.Ping(ctx).Err()
		}), false)
	}
	if a.nats != nil {
		a.Health.Register("nats", services.PingerFunc(func(ctx context.Context) error {
			if !a.nats.IsConnected() {
				return errors.New(a.nats.Status().String())
			}
			return nil
		}), false)
	}

	return a, nil
}

// HTTP builds the fiber application
func (a *App) HTTP() *fiber.App {
	return api.NewApp(api.Deps{
		Devices: a.DeviceAuth,
		Tokens:  a.JWT,
		Health:  a.Health,
		Ingest:  handlers.NewIngestHandler(a.Ingest),
		Summary: handlers.NewSummaryHandlers(a.Query, a.Maintenance, a.Hub, a.Logger),
		Admin: handlers.NewAdminHandlers(handlers.AdminDeps{
			Login: auth.OperatorLogin{
				Username:     a.Config.Auth.OperatorUsername,
				PasswordHash: a.Config.Auth.OperatorPasswordHash,
			},
			Tokens:    a.JWT,
			Registrar: a.DeviceAuth,
			Devices:   a.Devices,
			Queue:     a.Queue,
			Rescanner: a.Maintenance,
			Metrics:   a.Metrics,
		}, a.Logger),
		Logger:   a.Logger,
		Server:   a.Config.Server,
		LogStdio: a.Config.Log.Level == "debug",
	})
}

// RunBackground runs the worker pool, the maintenance scheduler and the
// queue notifier until ctx is cancelled or one of them fails
func (a *App) RunBackground(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Pool.Run(ctx) })
	g.Go(func() error { return a.Maintenance.Start(ctx) })
	if a.notifier != nil {
		g.Go(func() error { return a.notifier.Run(ctx) })
	}
	return g.Wait()
}

// Close releases all connections
func (a *App) Close() {
	if a.nats != nil {
		if err := a.nats.Drain(); err != nil {
			a.Logger.WithError(err).Warn("Failed to drain NATS connection")
		}
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.listener != nil {
		a.listener.Close()
	}
	if err := a.DB.Close(); err != nil {
		a.Logger.WithError(err).Warn("Failed to close database")
	}
}
