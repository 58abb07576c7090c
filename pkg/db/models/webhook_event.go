package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// WebhookEvent is the idempotency ledger. One row per processor event id,
// created on first sight and never deleted. Processed flips to true only
// after every reconciler for the event has committed.
type WebhookEvent struct {
	ID            uuid.UUID       `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	StripeEventID string          `gorm:"column:stripe_event_id;not null;uniqueIndex"`
	Type          string          `gorm:"column:type;not null;index"`
	Payload       json.RawMessage `gorm:"column:payload;type:jsonb"`
	Processed     bool            `gorm:"column:processed;not null;default:false"`
	ProcessedAt   *time.Time      `gorm:"column:processed_at"`
	CreatedAt     time.Time       `gorm:"column:created_at;autoCreateTime"`
}
