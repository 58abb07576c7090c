package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v84"
	"go.uber.org/multierr"

	"github.com/calyxlabs/billingcore/internal/reconcile"
	"github.com/calyxlabs/billingcore/pkg/db/models"
	"github.com/calyxlabs/billingcore/pkg/logger"
)

const (
	defaultRefreshLimit    = 250
	defaultRefreshLookback = 7 * 24 * time.Hour
)

// subscriptionLister snapshots local subscriptions worth re-checking.
type subscriptionLister interface {
	ListSubscriptionsForRefresh(ctx context.Context, limit int, lookback time.Duration) ([]models.Subscription, error)
}

// subscriptionFetcher loads a subscription from the processor.
type subscriptionFetcher interface {
	GetSubscription(ctx context.Context, id string, params *stripe.SubscriptionParams) (*stripe.Subscription, error)
}

// subscriptionUpserter replays processor state through the reconciler.
type subscriptionUpserter interface {
	UpsertSubscription(ctx context.Context, sub *stripe.Subscription) error
	TerminateSubscription(ctx context.Context, sub *stripe.Subscription) error
}

// SubscriptionRefreshJobParams configures the subscription refresh cron job.
type SubscriptionRefreshJobParams struct {
	Logger     *logger.Logger
	Lister     subscriptionLister
	Processor  subscriptionFetcher
	Reconciler subscriptionUpserter
	Limit      int
	Lookback   time.Duration
}

// NewSubscriptionRefreshJob builds a job that re-fetches locally known
// subscriptions from the processor and replays them through the same
// reconciler the webhook stream uses, closing any gap left by missed events.
func NewSubscriptionRefreshJob(params SubscriptionRefreshJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Lister == nil {
		return nil, fmt.Errorf("subscription lister required")
	}
	if params.Processor == nil {
		return nil, fmt.Errorf("processor client required")
	}
	if params.Reconciler == nil {
		return nil, fmt.Errorf("reconciler required")
	}
	limit := params.Limit
	if limit <= 0 {
		limit = defaultRefreshLimit
	}
	lookback := params.Lookback
	if lookback <= 0 {
		lookback = defaultRefreshLookback
	}
	return &subscriptionRefreshJob{
		logg:       params.Logger,
		lister:     params.Lister,
		processor:  params.Processor,
		reconciler: params.Reconciler,
		limit:      limit,
		lookback:   lookback,
	}, nil
}

type subscriptionRefreshJob struct {
	logg       *logger.Logger
	lister     subscriptionLister
	processor  subscriptionFetcher
	reconciler subscriptionUpserter
	limit      int
	lookback   time.Duration
}

func (j *subscriptionRefreshJob) Name() string { return "subscription-refresh" }

func (j *subscriptionRefreshJob) Run(ctx context.Context) error {
	logCtx := j.logg.WithField(ctx, "job", j.Name())

	snapshot, err := j.lister.ListSubscriptionsForRefresh(logCtx, j.limit, j.lookback)
	if err != nil {
		return fmt.Errorf("list subscriptions for refresh: %w", err)
	}

	var errs error
	refreshed := 0
	for i := range snapshot {
		if err := j.refresh(logCtx, &snapshot[i]); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		refreshed++
	}

	reportCtx := j.logg.WithFields(logCtx, map[string]any{
		"candidates": len(snapshot),
		"refreshed":  refreshed,
	})
	j.logg.Info(reportCtx, "subscription refresh loop complete")
	return errs
}

func (j *subscriptionRefreshJob) refresh(ctx context.Context, local *models.Subscription) error {
	remote, err := j.processor.GetSubscription(ctx, local.StripeSubscriptionID, nil)
	if err != nil {
		return fmt.Errorf("fetch subscription %s: %w", local.StripeSubscriptionID, err)
	}
	if remote.Status == stripe.SubscriptionStatusCanceled {
		if err := j.reconciler.TerminateSubscription(ctx, remote); err != nil {
			return fmt.Errorf("terminate subscription %s: %w", local.StripeSubscriptionID, err)
		}
		return nil
	}
	if err := j.reconciler.UpsertSubscription(ctx, remote); err != nil {
		if reconcile.IsUnresolvedReference(err) {
			logCtx := j.logg.WithField(ctx, "stripe_subscription_id", local.StripeSubscriptionID)
			j.logg.Warn(logCtx, "subscription refresh skipped on unresolved reference")
			return nil
		}
		return fmt.Errorf("upsert subscription %s: %w", local.StripeSubscriptionID, err)
	}
	return nil
}
