package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"vtu-engine/internal/backoff"
	"vtu-engine/internal/breaker"
	"vtu-engine/internal/cache"
	"vtu-engine/internal/config"
	"vtu-engine/internal/gift"
	"vtu-engine/internal/httpserver"
	"vtu-engine/internal/idempotency"
	"vtu-engine/internal/jobs"
	"vtu-engine/internal/ledger"
	"vtu-engine/internal/logging"
	"vtu-engine/internal/metrics"
	"vtu-engine/internal/notify"
	"vtu-engine/internal/provider"
	"vtu-engine/internal/purchase"
	"vtu-engine/internal/repo"
	"vtu-engine/internal/schedule"
	"vtu-engine/internal/vtu"
	"vtu-engine/internal/wa"
	"vtu-engine/migrations"

	"github.com/joho/godotenv"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting vtu engine", "env", cfg.AppEnv, "store", cfg.StoreDriver)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metricRegistry := metrics.Registry(cfg.MetricsNamespace)

	repository, err := openRepository(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer repository.Close()

	if err := repository.RunMigrations(ctx, migrations.Files); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("database migrated")

	var redisClient *cache.Redis
	if cfg.RedisAddr != "" {
		redisClient = cache.New(cache.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			UseTLS:   cfg.RedisTLS,
			Prefix:   "vtu:cache:",
			Metrics:  metricRegistry,
		}, logger)
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("failed closing redis", "error", err)
			}
		}()
		if err := redisClient.Ping(ctx); err != nil {
			if cfg.RedisShared {
				return err
			}
			logger.Warn("redis ping failed", "error", err)
		}
	}

	var breakerBackend breaker.Backend = breaker.NewMemoryState()
	var keyStore idempotency.Store = idempotency.NewRepoStore(repository)
	var plans vtu.PlanCache
	if redisClient != nil {
		plans = redisClient
		if cfg.RedisShared {
			breakerBackend = breaker.NewRedisState(redisClient.Client(), "vtu:breaker:")
			keyStore = idempotency.NewRedisStore(redisClient.Client(), "vtu:idem:")
			logger.Info("circuit and idempotency state shared through redis")
		}
	}

	breakers := breaker.NewRegistry(breaker.Config{
		Threshold: cfg.BreakerThreshold,
		Cooldown:  cfg.BreakerCooldown,
	}, breakerBackend, metricRegistry, logger)

	guard := idempotency.New(keyStore, idempotency.Config{
		LockTTL:   cfg.IdempotencyLockTTL,
		Retention: cfg.IdempotencyRetention,
		Metrics:   metricRegistry,
	}, logger)

	vtuClient := vtu.New(vtu.Config{
		BaseURL:      cfg.VTUBaseURL,
		APIKey:       cfg.VTUAPIKey,
		Timeout:      cfg.VTUTimeout,
		PlanCacheTTL: cfg.VTUPlanCacheTTL,
	}, logger, metricRegistry, plans)
	catalog := provider.NewVTU(vtuClient, "vtu")
	gateway := provider.New(catalog, breakers, provider.Config{
		Timeout: cfg.ProviderTimeout,
	}, metricRegistry, logger)

	queue := jobs.New(repository, jobs.Config{
		BatchSize:  cfg.JobBatchSize,
		MaxRetries: cfg.JobMaxRetries,
		LockTTL:    cfg.JobLockTTL,
	}, metricRegistry, logger)

	channels := notify.Multi{notify.NewLog(logger, metricRegistry)}
	if cfg.WhatsAppEnabled {
		waClient, err := wa.New(ctx, wa.Config{
			StorePath: cfg.WhatsAppStorePath,
			LogLevel:  cfg.WhatsAppLogLevel,
			Metrics:   metricRegistry,
		}, logger)
		if err != nil {
			return fmt.Errorf("init whatsapp client: %w", err)
		}
		defer waClient.Close()
		go func() {
			if err := waClient.Start(ctx); err != nil {
				logger.Error("whatsapp client stopped", "error", err)
			}
		}()
		channels = append(channels, notify.NewWhatsApp(waClient, repository, metricRegistry))
	}
	notifier := notify.NewQueued(queue)
	queue.Register(jobs.TypeNotify, notify.JobHandler(channels))
	queue.Register(jobs.TypePurgeIdempotency, func(ctx context.Context, _ repo.Job) error {
		n, err := guard.Purge(ctx)
		if err != nil {
			return err
		}
		logger.Info("idempotency keys purged", "count", n)
		return nil
	})

	wallet := ledger.New(repository, metricRegistry, logger)

	purchases := purchase.New(wallet, gateway, guard, queue, notifier, purchase.Config{
		KeyBucket: cfg.IdempotencyBucket,
		Catalog:   catalog,
	}, logger)
	purchases.RegisterJobs(queue)

	gifts := gift.New(repository, wallet, gateway, notifier, gift.Config{
		MaxRetries:     cfg.GiftMaxRetries,
		CreditingLease: cfg.GiftCreditingLease,
		Catalog:        catalog,
		Metrics:        metricRegistry,
	}, logger)

	scheduler := schedule.New(repository, purchases, notifier, schedule.Config{
		BatchSize:        cfg.ScheduleBatchSize,
		Tolerance:        cfg.ScheduleTolerance,
		Lease:            cfg.ScheduleLease,
		UnavailableDelay: cfg.ScheduleUnavailableDelay,
		Retry:            backoff.Exponential{Base: cfg.ScheduleRetryBase, Max: cfg.ScheduleRetryMax},
		Metrics:          metricRegistry,
	}, logger)

	webhookHandler := vtu.NewWebhookHandler(logger, metricRegistry, cfg.VTUWebhookUserMD5, cfg.VTUWebhookPassMD5, purchases)

	httpSrv := httpserver.New(httpserver.Config{
		Addr:          cfg.HTTPListenAddr,
		BasePath:      cfg.PublicBasePath,
		CronSecret:    cfg.CronSecret,
		RatePerSecond: cfg.RateLimitPerSecond,
		RateBurst:     cfg.RateLimitBurst,
	}, logger, metricRegistry, httpserver.Handlers{
		VTUWebhook: webhookHandler,
		Purchases:  purchases,
		Gifts:      gifts,
		Schedules:  scheduler,
		Jobs:       queue,
		Wallets:    wallet,
		Breakers:   breakers,
		Catalog:    catalog,
	})

	if cfg.SweepInterval > 0 {
		go runSweeps(ctx, cfg.SweepInterval, scheduler, queue, gifts, logger)
	} else {
		logger.Info("in-process sweeps disabled, expecting cron calls")
	}

	errCh := make(chan error, 1)
	go func() {
		if err := httpSrv.Start(); err != nil {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown error", "error", err)
	}

	logger.Info("shutdown complete")
	return nil
}

func openRepository(ctx context.Context, cfg *config.Config, logger *slog.Logger) (repo.Repository, error) {
	switch cfg.StoreDriver {
	case "sqlite":
		r, err := repo.NewSQLite(ctx, cfg.SQLitePath, logger)
		if err != nil {
			return nil, fmt.Errorf("init sqlite repository: %w", err)
		}
		return r, nil
	default:
		r, err := repo.New(ctx, cfg.DatabaseURL, cfg.DatabaseSchema, logger)
		if err != nil {
			return nil, fmt.Errorf("init repository: %w", err)
		}
		return r, nil
	}
}

// runSweeps drives the schedule, job and gift sweeps when no external cron is used.
func runSweeps(ctx context.Context, every time.Duration, s *schedule.Scheduler, q *jobs.Queue, g *gift.Service, logger *slog.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	lastPurge := time.Time{}
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("schedule sweep failed", "error", err)
			}
			if _, err := g.DeliverDue(ctx, 100); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("gift delivery sweep failed", "error", err)
			}
			if _, err := g.RecoverStale(ctx, 100); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("gift recovery sweep failed", "error", err)
			}
			if now.Sub(lastPurge) >= time.Hour {
				if _, err := q.Enqueue(ctx, jobs.PurgeIdempotencyPayload{}); err != nil {
					logger.Error("enqueue idempotency purge", "error", err)
				} else {
					lastPurge = now
				}
			}
			if _, err := q.ProcessPending(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("job sweep failed", "error", err)
			}
		}
	}
}
