package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/calyxlabs/billingcore/api/controllers"
	billingcontrollers "github.com/calyxlabs/billingcore/api/controllers/billing"
	webhookcontrollers "github.com/calyxlabs/billingcore/api/controllers/webhooks"
	"github.com/calyxlabs/billingcore/api/middleware"
	"github.com/calyxlabs/billingcore/pkg/config"
	"github.com/calyxlabs/billingcore/pkg/db"
	"github.com/calyxlabs/billingcore/pkg/logger"
	"github.com/calyxlabs/billingcore/pkg/metrics"
	pkgredis "github.com/calyxlabs/billingcore/pkg/redis"
	pkgstripe "github.com/calyxlabs/billingcore/pkg/stripe"
)

type RouterParams struct {
	Config         *config.Config
	Logger         *logger.Logger
	DB             db.Pinger
	Redis          *pkgredis.Client
	StripeClient   *pkgstripe.Client
	WebhookService webhookcontrollers.StripeWebhookService
	BillingService billingcontrollers.ActionService
	Entitlements   billingcontrollers.EntitlementService
	CatalogSync    billingcontrollers.CatalogSyncService
	WebhookMetrics *metrics.WebhookMetrics
	PromGatherer   prometheus.Gatherer
}

func NewRouter(params RouterParams) http.Handler {
	cfg := params.Config
	logg := params.Logger

	var idemStore pkgredis.IdempotencyStore
	var redisPinger pkgredis.Pinger
	if params.Redis != nil {
		idemStore = params.Redis
		redisPinger = params.Redis
	}

	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, params.DB, redisPinger))
	})

	if params.PromGatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(params.PromGatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/public", func(r chi.Router) {
		r.Get("/ping", controllers.PublicPing())
	})

	// Webhook intake skips the idempotency middleware: the durable event
	// ledger is the only replay gate for processor deliveries.
	r.Route("/api/v1/webhooks", func(r chi.Router) {
		r.Post("/stripe", webhookcontrollers.StripeWebhook(params.WebhookService, params.StripeClient, params.WebhookMetrics, logg))
	})

	r.Route("/api/v1/billing", func(r chi.Router) {
		r.Use(middleware.PrincipalContext(logg))
		r.Use(middleware.Idempotency(idemStore, cfg.Idempotency, logg))

		r.Get("/products", billingcontrollers.ListProducts(params.BillingService, logg))
		r.Get("/entitlement", billingcontrollers.Entitlement(params.Entitlements, logg))
		r.Post("/checkout", billingcontrollers.Checkout(params.BillingService, logg))
		r.Post("/portal", billingcontrollers.Portal(params.BillingService, logg))

		r.Route("/subscriptions", func(r chi.Router) {
			r.Get("/", billingcontrollers.ListSubscriptions(params.BillingService, logg))
			r.Post("/{subscriptionId}/cancel", billingcontrollers.CancelSubscription(params.BillingService, logg))
			r.Post("/{subscriptionId}/reactivate", billingcontrollers.ReactivateSubscription(params.BillingService, logg))
			r.Post("/{subscriptionId}/change-price", billingcontrollers.ChangeSubscriptionPrice(params.BillingService, logg))
		})
	})

	r.Route("/api/admin/v1/billing", func(r chi.Router) {
		r.Get("/ping", controllers.AdminPing())
		r.Post("/sync", billingcontrollers.CatalogSync(params.CatalogSync, logg))
	})

	return r
}
