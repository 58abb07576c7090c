package models

import (
	"time"

	"github.com/google/uuid"
)

// Customer links a local principal to its external processor customer. The
// external id stays nil until the principal's first billing action.
type Customer struct {
	ID               uuid.UUID `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	PrincipalID      uuid.UUID `gorm:"column:principal_id;type:uuid;not null;uniqueIndex"`
	Email            string    `gorm:"column:email;not null;index"`
	StripeCustomerID *string   `gorm:"column:stripe_customer_id;uniqueIndex"`
	CreatedAt        time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt        time.Time `gorm:"column:updated_at;autoUpdateTime"`
}
