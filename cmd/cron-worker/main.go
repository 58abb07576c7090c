package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/calyxlabs/billingcore/internal/billing"
	"github.com/calyxlabs/billingcore/internal/catalog"
	"github.com/calyxlabs/billingcore/internal/cron"
	"github.com/calyxlabs/billingcore/internal/ledger"
	"github.com/calyxlabs/billingcore/internal/reconcile"
	"github.com/calyxlabs/billingcore/pkg/config"
	"github.com/calyxlabs/billingcore/pkg/db"
	"github.com/calyxlabs/billingcore/pkg/logger"
	"github.com/calyxlabs/billingcore/pkg/metrics"
	"github.com/calyxlabs/billingcore/pkg/migrate"
	"github.com/calyxlabs/billingcore/pkg/redis"
	pkgstripe "github.com/calyxlabs/billingcore/pkg/stripe"
)

const lockKeyFormat = "bc:cron-worker:lock:%s"

func main() {
	logg := logger.New(logger.Options{ServiceName: "cron-worker"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "cron-worker",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	dbClient, err := db.New(context.Background(), cfg.DB, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(context.Background(), cfg, logg, dbClient); err != nil {
		logg.Error(context.Background(), "failed to run dev migrations", err)
		os.Exit(1)
	}

	redisClient, err := redis.New(context.Background(), cfg.Redis, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap redis", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing redis", err)
		}
	}()

	stripeClient, err := pkgstripe.NewClient(context.Background(), cfg.Stripe, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to create stripe client", err)
		os.Exit(1)
	}

	reconcileRepo := reconcile.NewRepository(dbClient.DB())
	reconcileService, err := reconcile.NewService(reconcile.ServiceParams{
		Repo:   reconcileRepo,
		Logger: logg,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create reconcile service", err)
		os.Exit(1)
	}

	catalogService, err := catalog.NewService(catalog.ServiceParams{
		Client:     catalog.NewCatalogClient(stripeClient),
		Reconciler: reconcileService,
		Logger:     logg,
		PageSize:   cfg.Sync.PageSize,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create catalog service", err)
		os.Exit(1)
	}

	ledgerService, err := ledger.NewService(ledger.NewRepository(dbClient.DB()))
	if err != nil {
		logg.Error(context.Background(), "failed to create ledger service", err)
		os.Exit(1)
	}

	catalogSyncJob, err := cron.NewCatalogSyncJob(cron.CatalogSyncJobParams{
		Logger:  logg,
		Catalog: catalogService,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create catalog sync job", err)
		os.Exit(1)
	}

	refreshJob, err := cron.NewSubscriptionRefreshJob(cron.SubscriptionRefreshJobParams{
		Logger:     logg,
		Lister:     reconcileRepo,
		Processor:  billing.NewProcessorClient(stripeClient),
		Reconciler: reconcileService,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create subscription refresh job", err)
		os.Exit(1)
	}

	ledgerMonitorJob, err := cron.NewLedgerMonitorJob(cron.LedgerMonitorJobParams{
		Logger: logg,
		Ledger: ledgerService,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create ledger monitor job", err)
		os.Exit(1)
	}

	metricsCollector := metrics.NewCronJobMetrics(prometheus.DefaultRegisterer)
	lock, err := cron.NewRedisLock(redisClient, lockKey(cfg.App.Env), cfg.Sync.LockTTL)
	if err != nil {
		logg.Error(context.Background(), "failed to create cron lock", err)
		os.Exit(1)
	}

	registry := cron.NewRegistry(catalogSyncJob, refreshJob, ledgerMonitorJob)
	service, err := cron.NewService(cron.ServiceParams{
		Logger:   logg,
		Registry: registry,
		Lock:     lock,
		Metrics:  metricsCollector,
		Interval: cfg.Sync.Interval,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create cron service", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":        cfg.App.Env,
		"stripe_env": stripeClient.Environment(),
	})
	logg.Info(ctx, "starting cron worker")

	if err := service.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "cron worker stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "cron worker shutting down gracefully")
}

func lockKey(env string) string {
	if env == "" {
		env = "local"
	}
	return fmt.Sprintf(lockKeyFormat, env)
}
