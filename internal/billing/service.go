package billing

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v84"

	"github.com/calyxlabs/billingcore/pkg/db"
	"github.com/calyxlabs/billingcore/pkg/db/models"
	"github.com/calyxlabs/billingcore/pkg/enums"
	pkgerrors "github.com/calyxlabs/billingcore/pkg/errors"
	"github.com/calyxlabs/billingcore/pkg/logger"
)

const defaultCallTimeout = 15 * time.Second

// ServiceParams groups dependencies for the billing action service.
type ServiceParams struct {
	Repo            Repository
	Processor       ProcessorClient
	Logger          *logger.Logger
	CallTimeout     time.Duration
	PortalReturnURL string
}

// Service performs user-initiated billing actions against the processor.
// Every state-changing action calls the processor first and only then writes
// an optimistic local row; the corresponding webhook re-upserts the same row
// and can override it.
type Service struct {
	repo            Repository
	processor       ProcessorClient
	logg            *logger.Logger
	callTimeout     time.Duration
	portalReturnURL string
}

// NewService builds a billing action service.
func NewService(params ServiceParams) (*Service, error) {
	if params.Repo == nil {
		return nil, errors.New("repo is required")
	}
	if params.Processor == nil {
		return nil, errors.New("processor client is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	timeout := params.CallTimeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	return &Service{
		repo:            params.Repo,
		processor:       params.Processor,
		logg:            params.Logger,
		callTimeout:     timeout,
		portalReturnURL: params.PortalReturnURL,
	}, nil
}

// CheckoutInput describes a checkout session request.
type CheckoutInput struct {
	PrincipalID   uuid.UUID
	Email         string
	StripePriceID string
	SuccessURL    string
	CancelURL     string
	TrialDays     int64
	Metadata      map[string]string
}

// CheckoutSession is the processor-hosted purchase flow reference.
type CheckoutSession struct {
	SessionID string `json:"session_id"`
	URL       string `json:"url"`
}

// EnsureCustomer returns the principal's customer, creating both the local
// row and the processor-side customer on first use. The processor customer
// carries the principal id in metadata so webhook events can link back.
func (s *Service) EnsureCustomer(ctx context.Context, principalID uuid.UUID, email string) (*models.Customer, error) {
	if principalID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "principal id is required")
	}

	customer, err := s.repo.FindCustomerByPrincipalID(ctx, principalID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "lookup customer")
	}
	if customer != nil && customer.StripeCustomerID != nil {
		return customer, nil
	}

	callCtx, cancel := s.processorContext(ctx)
	defer cancel()
	remote, err := s.processor.CreateCustomer(callCtx, &stripe.CustomerParams{
		Email: stripe.String(email),
		Metadata: map[string]string{
			"principal_id": principalID.String(),
		},
	})
	if err != nil {
		return nil, processorError(err, "create customer")
	}

	if customer == nil {
		customer = &models.Customer{
			PrincipalID: principalID,
			Email:       email,
		}
		customer.StripeCustomerID = &remote.ID
		if err := s.repo.CreateCustomer(ctx, customer); err != nil {
			// Concurrent first action for the same principal; the other
			// writer's row wins.
			if db.IsUniqueViolation(err, "") {
				existing, findErr := s.repo.FindCustomerByPrincipalID(ctx, principalID)
				if findErr == nil && existing != nil {
					return existing, nil
				}
			}
			return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "create customer row")
		}
		return customer, nil
	}

	customer.StripeCustomerID = &remote.ID
	if email != "" {
		customer.Email = email
	}
	if err := s.repo.SaveCustomer(ctx, customer); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "link customer row")
	}
	return customer, nil
}

// StartCheckout validates the requested price against local state and opens a
// processor-hosted checkout session for the principal.
func (s *Service) StartCheckout(ctx context.Context, input CheckoutInput) (*CheckoutSession, error) {
	price, err := s.repo.FindPriceByStripeID(ctx, input.StripePriceID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "lookup price")
	}
	if price == nil || !price.Active {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "price is unknown or inactive")
	}

	customer, err := s.EnsureCustomer(ctx, input.PrincipalID, input.Email)
	if err != nil {
		return nil, err
	}

	params := &stripe.CheckoutSessionParams{
		Customer:   customer.StripeCustomerID,
		Mode:       stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		SuccessURL: stripe.String(input.SuccessURL),
		CancelURL:  stripe.String(input.CancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			Price:    stripe.String(input.StripePriceID),
			Quantity: stripe.Int64(1),
		}},
	}
	if input.TrialDays > 0 || len(input.Metadata) > 0 {
		data := &stripe.CheckoutSessionSubscriptionDataParams{}
		if input.TrialDays > 0 {
			data.TrialPeriodDays = stripe.Int64(input.TrialDays)
		}
		if len(input.Metadata) > 0 {
			data.Metadata = input.Metadata
		}
		params.SubscriptionData = data
	}

	callCtx, cancel := s.processorContext(ctx)
	defer cancel()
	session, err := s.processor.CreateCheckoutSession(callCtx, params)
	if err != nil {
		return nil, processorError(err, "create checkout session")
	}
	return &CheckoutSession{SessionID: session.ID, URL: session.URL}, nil
}

// StartPortalSession opens the processor's self-service billing portal for an
// already-linked principal.
func (s *Service) StartPortalSession(ctx context.Context, principalID uuid.UUID) (string, error) {
	customer, err := s.repo.FindCustomerByPrincipalID(ctx, principalID)
	if err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeInternal, err, "lookup customer")
	}
	if customer == nil || customer.StripeCustomerID == nil {
		return "", pkgerrors.New(pkgerrors.CodeStateConflict, "customer is not linked to the payment processor")
	}

	params := &stripe.BillingPortalSessionParams{
		Customer: customer.StripeCustomerID,
	}
	if s.portalReturnURL != "" {
		params.ReturnURL = stripe.String(s.portalReturnURL)
	}

	callCtx, cancel := s.processorContext(ctx)
	defer cancel()
	session, err := s.processor.CreatePortalSession(callCtx, params)
	if err != nil {
		return "", processorError(err, "create portal session")
	}
	return session.URL, nil
}

// CancelSubscription cancels immediately or flags cancellation at period end.
// The processor call happens first; the local row is then updated
// optimistically, pending the webhook that confirms it.
func (s *Service) CancelSubscription(ctx context.Context, principalID, subscriptionID uuid.UUID, immediate bool) (*models.Subscription, error) {
	subscription, err := s.ownedSubscription(ctx, principalID, subscriptionID)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := s.processorContext(ctx)
	defer cancel()
	if immediate {
		remote, err := s.processor.CancelSubscription(callCtx, subscription.StripeSubscriptionID, &stripe.SubscriptionCancelParams{})
		if err != nil {
			return nil, processorError(err, "cancel subscription")
		}
		now := time.Now().UTC()
		subscription.Status = enums.SubscriptionStatusCanceled
		subscription.CancelAtPeriodEnd = false
		subscription.CanceledAt = &now
		subscription.EndedAt = &now
		if remote != nil && remote.CanceledAt > 0 {
			canceledAt := time.Unix(remote.CanceledAt, 0).UTC()
			subscription.CanceledAt = &canceledAt
			subscription.EndedAt = &canceledAt
		}
	} else {
		_, err := s.processor.UpdateSubscription(callCtx, subscription.StripeSubscriptionID, &stripe.SubscriptionParams{
			CancelAtPeriodEnd: stripe.Bool(true),
		})
		if err != nil {
			return nil, processorError(err, "flag cancellation")
		}
		subscription.CancelAtPeriodEnd = true
		end := subscription.CurrentPeriodEnd
		subscription.CancelAt = &end
	}

	if err := s.repo.SaveSubscription(ctx, subscription); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "save subscription")
	}
	return subscription, nil
}

// ReactivateSubscription clears an end-of-period cancellation flag. Only a
// subscription currently marked for end-of-period cancellation qualifies.
func (s *Service) ReactivateSubscription(ctx context.Context, principalID, subscriptionID uuid.UUID) (*models.Subscription, error) {
	subscription, err := s.ownedSubscription(ctx, principalID, subscriptionID)
	if err != nil {
		return nil, err
	}
	if !subscription.CancelAtPeriodEnd || subscription.Status.IsTerminal() {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "subscription is not eligible for reactivation")
	}

	callCtx, cancel := s.processorContext(ctx)
	defer cancel()
	_, err = s.processor.UpdateSubscription(callCtx, subscription.StripeSubscriptionID, &stripe.SubscriptionParams{
		CancelAtPeriodEnd: stripe.Bool(false),
	})
	if err != nil {
		return nil, processorError(err, "reactivate subscription")
	}

	subscription.CancelAtPeriodEnd = false
	subscription.CancelAt = nil
	if err := s.repo.SaveSubscription(ctx, subscription); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "save subscription")
	}
	return subscription, nil
}

// ChangeSubscriptionPrice swaps the subscription's line item onto a new
// known, active price.
func (s *Service) ChangeSubscriptionPrice(ctx context.Context, principalID, subscriptionID uuid.UUID, newStripePriceID string) (*models.Subscription, error) {
	subscription, err := s.ownedSubscription(ctx, principalID, subscriptionID)
	if err != nil {
		return nil, err
	}

	price, err := s.repo.FindPriceByStripeID(ctx, newStripePriceID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "lookup price")
	}
	if price == nil || !price.Active {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "price is unknown or inactive")
	}

	callCtx, cancel := s.processorContext(ctx)
	defer cancel()
	remote, err := s.processor.GetSubscription(callCtx, subscription.StripeSubscriptionID, nil)
	if err != nil {
		return nil, processorError(err, "load subscription")
	}
	if remote.Items == nil || len(remote.Items.Data) == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "subscription has no line items")
	}

	_, err = s.processor.UpdateSubscription(callCtx, subscription.StripeSubscriptionID, &stripe.SubscriptionParams{
		Items: []*stripe.SubscriptionItemsParams{{
			ID:    stripe.String(remote.Items.Data[0].ID),
			Price: stripe.String(newStripePriceID),
		}},
		ProrationBehavior: stripe.String("create_prorations"),
	})
	if err != nil {
		return nil, processorError(err, "change subscription price")
	}

	subscription.PriceID = price.ID
	if err := s.repo.SaveSubscription(ctx, subscription); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "save subscription")
	}
	return subscription, nil
}

// ListProducts returns the active catalog with nested active prices.
func (s *Service) ListProducts(ctx context.Context) ([]models.Product, error) {
	products, err := s.repo.ListActiveProducts(ctx)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "list products")
	}
	return products, nil
}

// ListSubscriptions returns the principal's subscriptions, newest first.
func (s *Service) ListSubscriptions(ctx context.Context, principalID uuid.UUID) ([]models.Subscription, error) {
	customer, err := s.repo.FindCustomerByPrincipalID(ctx, principalID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "lookup customer")
	}
	if customer == nil {
		return []models.Subscription{}, nil
	}
	subs, err := s.repo.ListSubscriptionsByCustomer(ctx, customer.ID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "list subscriptions")
	}
	return subs, nil
}

func (s *Service) ownedSubscription(ctx context.Context, principalID, subscriptionID uuid.UUID) (*models.Subscription, error) {
	customer, err := s.repo.FindCustomerByPrincipalID(ctx, principalID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "lookup customer")
	}
	if customer == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "subscription not found")
	}
	subscription, err := s.repo.FindSubscriptionByID(ctx, subscriptionID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "lookup subscription")
	}
	if subscription == nil || subscription.CustomerID != customer.ID {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "subscription not found")
	}
	return subscription, nil
}

func (s *Service) processorContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.callTimeout)
}

// processorError classifies a Stripe failure. Request errors with a 4xx
// status are terminal validation failures; everything else is a retryable
// dependency failure.
func processorError(err error, action string) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) && stripeErr.HTTPStatusCode >= 400 && stripeErr.HTTPStatusCode < 500 {
		return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "payment processor rejected "+action)
	}
	return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "payment processor failed to "+action)
}
