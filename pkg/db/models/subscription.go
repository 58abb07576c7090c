package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/calyxlabs/billingcore/pkg/enums"
)

// Subscription persists processor subscription state per customer.
type Subscription struct {
	ID                   uuid.UUID                `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	StripeSubscriptionID string                   `gorm:"column:stripe_subscription_id;not null;uniqueIndex"`
	CustomerID           uuid.UUID                `gorm:"column:customer_id;type:uuid;not null;index"`
	PriceID              uuid.UUID                `gorm:"column:price_id;type:uuid;not null;index"`
	Status               enums.SubscriptionStatus `gorm:"column:status;type:subscription_status;not null"`
	CancelAtPeriodEnd    bool                     `gorm:"column:cancel_at_period_end;not null;default:false"`
	CancelAt             *time.Time               `gorm:"column:cancel_at"`
	CanceledAt           *time.Time               `gorm:"column:canceled_at"`
	CurrentPeriodStart   time.Time                `gorm:"column:current_period_start;not null"`
	CurrentPeriodEnd     time.Time                `gorm:"column:current_period_end;not null;index"`
	TrialStart           *time.Time               `gorm:"column:trial_start"`
	TrialEnd             *time.Time               `gorm:"column:trial_end"`
	EndedAt              *time.Time               `gorm:"column:ended_at"`
	Metadata             json.RawMessage          `gorm:"column:metadata;type:jsonb"`
	CreatedAt            time.Time                `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt            time.Time                `gorm:"column:updated_at;autoUpdateTime"`
}
