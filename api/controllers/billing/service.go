package billing

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/calyxlabs/billingcore/api/middleware"
	billingsvc "github.com/calyxlabs/billingcore/internal/billing"
	"github.com/calyxlabs/billingcore/pkg/db/models"
	pkgerrors "github.com/calyxlabs/billingcore/pkg/errors"
)

// ActionService is the slice of the billing service the HTTP layer drives.
type ActionService interface {
	StartCheckout(ctx context.Context, input billingsvc.CheckoutInput) (*billingsvc.CheckoutSession, error)
	StartPortalSession(ctx context.Context, principalID uuid.UUID) (string, error)
	CancelSubscription(ctx context.Context, principalID, subscriptionID uuid.UUID, immediate bool) (*models.Subscription, error)
	ReactivateSubscription(ctx context.Context, principalID, subscriptionID uuid.UUID) (*models.Subscription, error)
	ChangeSubscriptionPrice(ctx context.Context, principalID, subscriptionID uuid.UUID, newStripePriceID string) (*models.Subscription, error)
	ListProducts(ctx context.Context) ([]models.Product, error)
	ListSubscriptions(ctx context.Context, principalID uuid.UUID) ([]models.Subscription, error)
}

type EntitlementService interface {
	HasActiveEntitlement(ctx context.Context, principalID uuid.UUID) (bool, error)
}

func principalFromRequest(r *http.Request) (uuid.UUID, error) {
	principalID := middleware.PrincipalIDFromContext(r.Context())
	if principalID == uuid.Nil {
		return uuid.Nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "principal missing from request context")
	}
	return principalID, nil
}

type subscriptionResponse struct {
	ID                 uuid.UUID  `json:"id"`
	Status             string     `json:"status"`
	CancelAtPeriodEnd  bool       `json:"cancel_at_period_end"`
	CancelAt           *time.Time `json:"cancel_at,omitempty"`
	CanceledAt         *time.Time `json:"canceled_at,omitempty"`
	CurrentPeriodStart time.Time  `json:"current_period_start"`
	CurrentPeriodEnd   time.Time  `json:"current_period_end"`
	TrialEnd           *time.Time `json:"trial_end,omitempty"`
	EndedAt            *time.Time `json:"ended_at,omitempty"`
	PriceID            uuid.UUID  `json:"price_id"`
}

func newSubscriptionResponse(sub *models.Subscription) *subscriptionResponse {
	if sub == nil {
		return nil
	}
	return &subscriptionResponse{
		ID:                 sub.ID,
		Status:             string(sub.Status),
		CancelAtPeriodEnd:  sub.CancelAtPeriodEnd,
		CancelAt:           sub.CancelAt,
		CanceledAt:         sub.CanceledAt,
		CurrentPeriodStart: sub.CurrentPeriodStart,
		CurrentPeriodEnd:   sub.CurrentPeriodEnd,
		TrialEnd:           sub.TrialEnd,
		EndedAt:            sub.EndedAt,
		PriceID:            sub.PriceID,
	}
}
