package entitlements

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/calyxlabs/billingcore/pkg/db/models"
	"github.com/calyxlabs/billingcore/pkg/enums"
	pkgerrors "github.com/calyxlabs/billingcore/pkg/errors"
)

// entitledStatuses is the closed subset of statuses that grants access.
// Unknown statuses never entitle.
var entitledStatuses = []enums.SubscriptionStatus{
	enums.SubscriptionStatusActive,
	enums.SubscriptionStatusTrialing,
}

// Repository reads subscription state for entitlement checks.
type Repository interface {
	CountEntitledSubscriptions(ctx context.Context, principalID uuid.UUID, now time.Time) (int64, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns an entitlement repository bound to the database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

// CountEntitledSubscriptions counts the principal's subscriptions in an
// entitled status whose current period end is strictly in the future.
func (r *repository) CountEntitledSubscriptions(ctx context.Context, principalID uuid.UUID, now time.Time) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.Subscription{}).
		Joins("JOIN customers ON customers.id = subscriptions.customer_id").
		Where("customers.principal_id = ?", principalID).
		Where("subscriptions.status IN (?)", entitledStatuses).
		Where("subscriptions.current_period_end > ?", now).
		Count(&count).Error
	return count, err
}

// ServiceParams groups dependencies for the entitlement service.
type ServiceParams struct {
	Repo Repository
}

// Service answers entitlement questions from local storage only. Every call
// is computed fresh: no caching, so a processed cancellation event is
// reflected immediately.
type Service struct {
	repo Repository
}

// NewService builds an entitlement service.
func NewService(params ServiceParams) (*Service, error) {
	if params.Repo == nil {
		return nil, errors.New("repo is required")
	}
	return &Service{repo: params.Repo}, nil
}

// HasActiveEntitlement reports whether the principal holds any subscription
// that is active or trialing with a billing period that has not yet ended.
func (s *Service) HasActiveEntitlement(ctx context.Context, principalID uuid.UUID) (bool, error) {
	if principalID == uuid.Nil {
		return false, pkgerrors.New(pkgerrors.CodeValidation, "principal id is required")
	}
	count, err := s.repo.CountEntitledSubscriptions(ctx, principalID, time.Now().UTC())
	if err != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "count entitled subscriptions")
	}
	return count > 0, nil
}
