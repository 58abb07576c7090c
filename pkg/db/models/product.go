package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Product mirrors a processor product. Deletion events soft-delete by
// flipping Active; rows are never removed so Prices keep resolving.
type Product struct {
	ID              uuid.UUID       `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	StripeProductID string          `gorm:"column:stripe_product_id;not null;uniqueIndex"`
	Name            string          `gorm:"column:name;not null"`
	Description     string          `gorm:"column:description"`
	Active          bool            `gorm:"column:active;not null;default:true"`
	Features        pq.StringArray  `gorm:"column:features;type:text[]"`
	Metadata        json.RawMessage `gorm:"column:metadata;type:jsonb"`
	Prices          []Price         `gorm:"foreignKey:ProductID"`
	CreatedAt       time.Time       `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt       time.Time       `gorm:"column:updated_at;autoUpdateTime"`
}
