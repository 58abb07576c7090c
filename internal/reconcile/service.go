package reconcile

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v84"

	"github.com/calyxlabs/billingcore/pkg/enums"
	pkgerrors "github.com/calyxlabs/billingcore/pkg/errors"
	"github.com/calyxlabs/billingcore/pkg/logger"
)

// principalIDMetadataKey carries the local principal id on processor-side
// customer metadata, written when the customer is first created locally.
const principalIDMetadataKey = "principal_id"

// ServiceParams groups dependencies for the reconciliation service.
type ServiceParams struct {
	Repo   Repository
	Logger *logger.Logger
}

// Service applies processor entity state to local storage. Every method is an
// idempotent upsert or delete: replaying the same payload any number of times
// converges on the same rows.
type Service struct {
	repo Repository
	logg *logger.Logger
}

// NewService builds a reconciliation service.
func NewService(params ServiceParams) (*Service, error) {
	if params.Repo == nil {
		return nil, errors.New("repo is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	return &Service{repo: params.Repo, logg: params.Logger}, nil
}

// UpsertCustomer links or refreshes the local customer for a processor
// customer. The row is matched by external id first, then by the principal id
// carried in the processor metadata. A customer with neither link is skipped.
func (s *Service) UpsertCustomer(ctx context.Context, customer *stripe.Customer) error {
	if customer == nil || customer.ID == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "customer payload is empty")
	}

	existing, err := s.repo.FindCustomerByStripeID(ctx, customer.ID)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "lookup customer")
	}
	if existing != nil {
		if customer.Email != "" {
			existing.Email = customer.Email
		}
		if err := s.repo.SaveCustomer(ctx, existing); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "update customer")
		}
		return nil
	}

	principalID, ok := principalFromMetadata(customer.Metadata)
	if !ok {
		logCtx := s.logg.WithField(ctx, "stripe_customer_id", customer.ID)
		s.logg.Warn(logCtx, "customer has no local principal link, skipping")
		return nil
	}

	byPrincipal, err := s.repo.FindCustomerByPrincipalID(ctx, principalID)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "lookup customer by principal")
	}
	if byPrincipal != nil {
		// An existing linkage is never overwritten by a later event.
		if byPrincipal.StripeCustomerID != nil && *byPrincipal.StripeCustomerID != customer.ID {
			logCtx := s.logg.WithFields(ctx, map[string]any{
				"stripe_customer_id": customer.ID,
				"linked_customer_id": *byPrincipal.StripeCustomerID,
			})
			s.logg.Warn(logCtx, "principal already linked to a different customer, skipping")
			return nil
		}
		stripeID := customer.ID
		byPrincipal.StripeCustomerID = &stripeID
		if customer.Email != "" {
			byPrincipal.Email = customer.Email
		}
		if err := s.repo.SaveCustomer(ctx, byPrincipal); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "link customer")
		}
		return nil
	}

	stripeID := customer.ID
	row := buildCustomerRow(principalID, customer.Email)
	row.StripeCustomerID = &stripeID
	if err := s.repo.CreateCustomer(ctx, row); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "create customer")
	}
	return nil
}

// UpsertProduct writes the product row unconditionally, keyed by external id.
func (s *Service) UpsertProduct(ctx context.Context, product *stripe.Product) error {
	if product == nil || product.ID == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "product payload is empty")
	}
	if err := s.repo.UpsertProduct(ctx, buildProduct(product)); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "upsert product")
	}
	return nil
}

// DeactivateProduct soft-deletes by flipping active. Prices keep resolving to
// the row. Unknown products are a no-op.
func (s *Service) DeactivateProduct(ctx context.Context, stripeProductID string) error {
	if stripeProductID == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "product id is empty")
	}
	if err := s.repo.DeactivateProductByStripeID(ctx, stripeProductID); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "deactivate product")
	}
	return nil
}

// UpsertPrice resolves the parent product and writes the price row. A price
// whose product is not yet known locally is skipped until the product event
// arrives or the next full sync runs.
func (s *Service) UpsertPrice(ctx context.Context, price *stripe.Price) error {
	if price == nil || price.ID == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "price payload is empty")
	}
	if price.Product == nil || price.Product.ID == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "price has no product reference")
	}

	product, err := s.repo.FindProductByStripeID(ctx, price.Product.ID)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "lookup product for price")
	}
	if product == nil {
		return &UnresolvedReferenceError{Entity: "product", ExternalID: price.Product.ID}
	}

	if err := s.repo.UpsertPrice(ctx, buildPrice(price, product.ID)); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "upsert price")
	}
	return nil
}

// DeactivatePrice soft-deletes by flipping active. Unknown prices are a no-op.
func (s *Service) DeactivatePrice(ctx context.Context, stripePriceID string) error {
	if stripePriceID == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "price id is empty")
	}
	if err := s.repo.DeactivatePriceByStripeID(ctx, stripePriceID); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "deactivate price")
	}
	return nil
}

// UpsertSubscription resolves the customer and first line item's price, then
// writes every field last-delivered-wins. Unresolved parents skip the write.
func (s *Service) UpsertSubscription(ctx context.Context, sub *stripe.Subscription) error {
	if sub == nil || sub.ID == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "subscription payload is empty")
	}
	if sub.Customer == nil || sub.Customer.ID == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "subscription has no customer reference")
	}

	customer, err := s.repo.FindCustomerByStripeID(ctx, sub.Customer.ID)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "lookup customer for subscription")
	}
	if customer == nil {
		return &UnresolvedReferenceError{Entity: "customer", ExternalID: sub.Customer.ID}
	}

	stripePriceID := firstItemPriceID(sub)
	if stripePriceID == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "subscription has no line item price")
	}
	price, err := s.repo.FindPriceByStripeID(ctx, stripePriceID)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "lookup price for subscription")
	}
	if price == nil {
		return &UnresolvedReferenceError{Entity: "price", ExternalID: stripePriceID}
	}

	row := buildSubscription(sub, customer.ID, price.ID)
	if row.Status == enums.SubscriptionStatusUnknown {
		logCtx := s.logg.WithFields(ctx, map[string]any{
			"stripe_subscription_id": sub.ID,
			"processor_status":       string(sub.Status),
		})
		s.logg.Warn(logCtx, "unrecognized subscription status, storing as unknown")
	}
	if err := s.repo.UpsertSubscription(ctx, row); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "upsert subscription")
	}
	return nil
}

// TerminateSubscription applies the terminal state from a deletion payload.
// Unknown subscriptions are skipped with a log.
func (s *Service) TerminateSubscription(ctx context.Context, sub *stripe.Subscription) error {
	if sub == nil || sub.ID == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "subscription payload is empty")
	}
	row := buildSubscription(sub, uuid.Nil, uuid.Nil)
	if row.Status != enums.SubscriptionStatusCanceled && row.Status != enums.SubscriptionStatusIncompleteExpired {
		row.Status = enums.SubscriptionStatusCanceled
	}
	if row.EndedAt == nil {
		// Deletion payloads occasionally omit ended_at; stamp the terminal
		// time rather than leaving the row without one.
		now := time.Now().UTC()
		row.EndedAt = &now
	}
	known, err := s.repo.TerminateSubscription(ctx, row)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "terminate subscription")
	}
	if !known {
		logCtx := s.logg.WithField(ctx, "stripe_subscription_id", sub.ID)
		s.logg.Warn(logCtx, "deletion for unknown subscription, skipping")
	}
	return nil
}

// MarkSubscriptionActive promotes a subscription after a successful invoice
// payment unless it is already fully active or in a terminal state. A no-op
// when the subscription is not known locally.
func (s *Service) MarkSubscriptionActive(ctx context.Context, stripeSubscriptionID string) error {
	if stripeSubscriptionID == "" {
		return nil
	}
	from := []enums.SubscriptionStatus{
		enums.SubscriptionStatusPastDue,
		enums.SubscriptionStatusUnpaid,
		enums.SubscriptionStatusIncomplete,
	}
	changed, err := s.repo.UpdateSubscriptionStatus(ctx, stripeSubscriptionID, from, enums.SubscriptionStatusActive)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "promote subscription")
	}
	if changed {
		logCtx := s.logg.WithField(ctx, "stripe_subscription_id", stripeSubscriptionID)
		s.logg.Info(logCtx, "subscription promoted to active after payment")
	}
	return nil
}

// MarkSubscriptionPastDue demotes a subscription after a failed invoice
// payment, never resurrecting terminal rows. A no-op when unknown locally.
func (s *Service) MarkSubscriptionPastDue(ctx context.Context, stripeSubscriptionID string) error {
	if stripeSubscriptionID == "" {
		return nil
	}
	from := []enums.SubscriptionStatus{
		enums.SubscriptionStatusActive,
		enums.SubscriptionStatusTrialing,
		enums.SubscriptionStatusUnpaid,
		enums.SubscriptionStatusIncomplete,
	}
	changed, err := s.repo.UpdateSubscriptionStatus(ctx, stripeSubscriptionID, from, enums.SubscriptionStatusPastDue)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "demote subscription")
	}
	if changed {
		logCtx := s.logg.WithField(ctx, "stripe_subscription_id", stripeSubscriptionID)
		s.logg.Warn(logCtx, "subscription demoted to past_due after failed payment")
	}
	return nil
}

// AttachPaymentMethod upserts the method under its owning customer. Methods
// for unknown customers are skipped until the customer link exists.
func (s *Service) AttachPaymentMethod(ctx context.Context, pm *stripe.PaymentMethod) error {
	if pm == nil || pm.ID == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "payment method payload is empty")
	}
	if pm.Customer == nil || pm.Customer.ID == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "payment method has no customer reference")
	}

	customer, err := s.repo.FindCustomerByStripeID(ctx, pm.Customer.ID)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "lookup customer for payment method")
	}
	if customer == nil {
		return &UnresolvedReferenceError{Entity: "customer", ExternalID: pm.Customer.ID}
	}

	if err := s.repo.UpsertPaymentMethod(ctx, buildPaymentMethod(pm, customer.ID)); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "upsert payment method")
	}
	return nil
}

// DetachPaymentMethod hard-deletes by external id; already-absent rows are
// treated as success.
func (s *Service) DetachPaymentMethod(ctx context.Context, stripePaymentMethodID string) error {
	if stripePaymentMethodID == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "payment method id is empty")
	}
	if err := s.repo.DeletePaymentMethodByStripeID(ctx, stripePaymentMethodID); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "delete payment method")
	}
	return nil
}

func principalFromMetadata(metadata map[string]string) (uuid.UUID, bool) {
	raw, ok := metadata[principalIDMetadataKey]
	if !ok {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}
