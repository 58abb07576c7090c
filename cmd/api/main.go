package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/calyxlabs/billingcore/api/routes"
	"github.com/calyxlabs/billingcore/internal/billing"
	"github.com/calyxlabs/billingcore/internal/catalog"
	"github.com/calyxlabs/billingcore/internal/entitlements"
	"github.com/calyxlabs/billingcore/internal/ledger"
	"github.com/calyxlabs/billingcore/internal/reconcile"
	stripewebhook "github.com/calyxlabs/billingcore/internal/webhooks/stripe"
	"github.com/calyxlabs/billingcore/pkg/config"
	"github.com/calyxlabs/billingcore/pkg/db"
	"github.com/calyxlabs/billingcore/pkg/logger"
	"github.com/calyxlabs/billingcore/pkg/metrics"
	"github.com/calyxlabs/billingcore/pkg/migrate"
	"github.com/calyxlabs/billingcore/pkg/redis"
	pkgstripe "github.com/calyxlabs/billingcore/pkg/stripe"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "api"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "api",
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

	webhookMetrics := metrics.NewWebhookMetrics(prometheus.DefaultRegisterer)

	ledgerService, err := ledger.NewService(ledger.NewRepository(dbClient.DB()))
	if err != nil {
		logg.Error(context.Background(), "failed to create ledger service", err)
		os.Exit(1)
	}

	reconcileService, err := reconcile.NewService(reconcile.ServiceParams{
		Repo:   reconcile.NewRepository(dbClient.DB()),
		Logger: logg,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create reconcile service", err)
		os.Exit(1)
	}

	webhookService, err := stripewebhook.NewService(stripewebhook.ServiceParams{
		Ledger:     ledgerService,
		Reconciler: reconcileService,
		Logger:     logg,
		Metrics:    webhookMetrics,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create webhook service", err)
		os.Exit(1)
	}

	billingService, err := billing.NewService(billing.ServiceParams{
		Repo:            billing.NewRepository(dbClient.DB()),
		Processor:       billing.NewProcessorClient(stripeClient),
		Logger:          logg,
		CallTimeout:     cfg.Stripe.CallTimeout,
		PortalReturnURL: cfg.Stripe.PortalReturnURL,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create billing service", err)
		os.Exit(1)
	}

	entitlementService, err := entitlements.NewService(entitlements.ServiceParams{
		Repo: entitlements.NewRepository(dbClient.DB()),
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create entitlement service", err)
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

	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.App.Port
	}
	addr := ":" + port
	ctx := logg.WithFields(context.Background(), map[string]any{
		"env":        cfg.App.Env,
		"stripe_env": stripeClient.Environment(),
		"addr":       addr,
	})
	logg.Info(ctx, "starting api server")

	server := &http.Server{
		Addr: addr,
		Handler: routes.NewRouter(routes.RouterParams{
			Config:         cfg,
			Logger:         logg,
			DB:             dbClient,
			Redis:          redisClient,
			StripeClient:   stripeClient,
			WebhookService: webhookService,
			BillingService: billingService,
			Entitlements:   entitlementService,
			CatalogSync:    catalogService,
			WebhookMetrics: webhookMetrics,
			PromGatherer:   prometheus.DefaultGatherer,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logg.Error(ctx, "api server stopped unexpectedly", err)
		os.Exit(1)
	}
}
