package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/calyxlabs/billingcore/pkg/db/models"
)

// Repository persists the webhook event ledger.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Insert(ctx context.Context, event *models.WebhookEvent) (inserted bool, err error)
	FindByStripeEventID(ctx context.Context, stripeEventID string) (*models.WebhookEvent, error)
	MarkProcessed(ctx context.Context, stripeEventID string, at time.Time) error
	CountUnprocessedOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a ledger repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

// Insert attempts to create the ledger row. The unique index on
// stripe_event_id plus ON CONFLICT DO NOTHING makes the first writer win;
// inserted reports whether this call created the row.
func (r *repository) Insert(ctx context.Context, event *models.WebhookEvent) (bool, error) {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "stripe_event_id"}},
			DoNothing: true,
		}).
		Create(event)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repository) FindByStripeEventID(ctx context.Context, stripeEventID string) (*models.WebhookEvent, error) {
	var event models.WebhookEvent
	if err := r.db.WithContext(ctx).
		Where("stripe_event_id = ?", stripeEventID).
		First(&event).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &event, nil
}

func (r *repository) MarkProcessed(ctx context.Context, stripeEventID string, at time.Time) error {
	return r.db.WithContext(ctx).
		Model(&models.WebhookEvent{}).
		Where("stripe_event_id = ?", stripeEventID).
		Updates(map[string]any{
			"processed":    true,
			"processed_at": at,
		}).Error
}

func (r *repository) CountUnprocessedOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.WebhookEvent{}).
		Where("processed = ? AND created_at < ?", false, cutoff).
		Count(&count).Error
	return count, err
}
