package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/calyxlabs/billingcore/pkg/enums"
)

// PaymentMethod mirrors an attached processor payment method. Detachment
// events hard-delete the row.
type PaymentMethod struct {
	ID                    uuid.UUID               `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	StripePaymentMethodID string                  `gorm:"column:stripe_payment_method_id;not null;uniqueIndex"`
	CustomerID            uuid.UUID               `gorm:"column:customer_id;type:uuid;not null;index"`
	Type                  enums.PaymentMethodType `gorm:"column:type;type:payment_method_type;not null;default:'card'"`
	CardBrand             *string                 `gorm:"column:card_brand"`
	CardLast4             *string                 `gorm:"column:card_last4"`
	CardExpMonth          *int                    `gorm:"column:card_exp_month"`
	CardExpYear           *int                    `gorm:"column:card_exp_year"`
	IsDefault             bool                    `gorm:"column:is_default;not null;default:false"`
	CreatedAt             time.Time               `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt             time.Time               `gorm:"column:updated_at;autoUpdateTime"`
}
