package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/calyxlabs/billingcore/pkg/enums"
)

// Price mirrors a processor price. UnitAmount is nil for usage-based prices;
// Interval and IntervalCount are set iff Kind is recurring.
type Price struct {
	ID                uuid.UUID             `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	StripePriceID     string                `gorm:"column:stripe_price_id;not null;uniqueIndex"`
	ProductID         uuid.UUID             `gorm:"column:product_id;type:uuid;not null;index"`
	Currency          string                `gorm:"column:currency;not null"`
	Kind              enums.PriceKind       `gorm:"column:kind;type:price_kind;not null"`
	UnitAmount        *int64                `gorm:"column:unit_amount"`
	UnitAmountDecimal decimal.NullDecimal   `gorm:"column:unit_amount_decimal;type:numeric(24,12)"`
	Interval          *enums.BillingInterval `gorm:"column:interval;type:billing_interval"`
	IntervalCount     *int                  `gorm:"column:interval_count"`
	Active            bool                  `gorm:"column:active;not null;default:true"`
	Metadata          json.RawMessage       `gorm:"column:metadata;type:jsonb"`
	CreatedAt         time.Time             `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt         time.Time             `gorm:"column:updated_at;autoUpdateTime"`
}
