package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/calyxlabs/billingcore/pkg/db/models"
)

// ClaimResult describes the outcome of attempting to claim an event id.
type ClaimResult int

const (
	// ClaimAccepted means this caller owns the event and must process it.
	ClaimAccepted ClaimResult = iota
	// ClaimAlreadyProcessed means a prior delivery completed; skip silently.
	ClaimAlreadyProcessed
	// ClaimRetry means the row exists but never finished; process again.
	ClaimRetry
)

// Service is the durable idempotency ledger for webhook deliveries.
type Service interface {
	Claim(ctx context.Context, stripeEventID, eventType string, payload json.RawMessage) (ClaimResult, error)
	MarkProcessed(ctx context.Context, stripeEventID string) error
	CountStuck(ctx context.Context, olderThan time.Duration) (int64, error)
}

type service struct {
	repo Repository
}

// NewService wires the ledger service with the provided repository.
func NewService(repo Repository) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("ledger repository required")
	}
	return &service{repo: repo}, nil
}

// Claim records first sight of an event id. Exactly one concurrent caller
// gets ClaimAccepted for a new id; redeliveries of a finished event get
// ClaimAlreadyProcessed, and redeliveries of an unfinished one get
// ClaimRetry so the handler runs again.
func (s *service) Claim(ctx context.Context, stripeEventID, eventType string, payload json.RawMessage) (ClaimResult, error) {
	if stripeEventID == "" {
		return 0, fmt.Errorf("stripe event id required")
	}

	inserted, err := s.repo.Insert(ctx, &models.WebhookEvent{
		StripeEventID: stripeEventID,
		Type:          eventType,
		Payload:       payload,
	})
	if err != nil {
		return 0, fmt.Errorf("claiming event %s: %w", stripeEventID, err)
	}
	if inserted {
		return ClaimAccepted, nil
	}

	existing, err := s.repo.FindByStripeEventID(ctx, stripeEventID)
	if err != nil {
		return 0, fmt.Errorf("loading claimed event %s: %w", stripeEventID, err)
	}
	if existing == nil {
		// Row vanished between insert and read; treat as ours.
		return ClaimAccepted, nil
	}
	if existing.Processed {
		return ClaimAlreadyProcessed, nil
	}
	return ClaimRetry, nil
}

// MarkProcessed flips the ledger row after all handlers committed. An event
// whose handler failed keeps processed=false so the processor's redelivery
// retries it.
func (s *service) MarkProcessed(ctx context.Context, stripeEventID string) error {
	if err := s.repo.MarkProcessed(ctx, stripeEventID, time.Now().UTC()); err != nil {
		return fmt.Errorf("marking event %s processed: %w", stripeEventID, err)
	}
	return nil
}

// CountStuck reports ledger rows that were claimed but never finished within
// the window. Exposed for the reconcile job's health reporting.
func (s *service) CountStuck(ctx context.Context, olderThan time.Duration) (int64, error) {
	return s.repo.CountUnprocessedOlderThan(ctx, time.Now().UTC().Add(-olderThan))
}
