package stripewebhook

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/stripe/stripe-go/v84"

	"github.com/calyxlabs/billingcore/internal/ledger"
	"github.com/calyxlabs/billingcore/internal/reconcile"
	pkgerrors "github.com/calyxlabs/billingcore/pkg/errors"
	"github.com/calyxlabs/billingcore/pkg/logger"
	"github.com/calyxlabs/billingcore/pkg/metrics"
)

// reconciler is the subset of reconciliation operations the router dispatches
// to, narrowed so tests can substitute it.
type reconciler interface {
	UpsertCustomer(ctx context.Context, customer *stripe.Customer) error
	UpsertProduct(ctx context.Context, product *stripe.Product) error
	DeactivateProduct(ctx context.Context, stripeProductID string) error
	UpsertPrice(ctx context.Context, price *stripe.Price) error
	DeactivatePrice(ctx context.Context, stripePriceID string) error
	UpsertSubscription(ctx context.Context, sub *stripe.Subscription) error
	TerminateSubscription(ctx context.Context, sub *stripe.Subscription) error
	MarkSubscriptionActive(ctx context.Context, stripeSubscriptionID string) error
	MarkSubscriptionPastDue(ctx context.Context, stripeSubscriptionID string) error
	AttachPaymentMethod(ctx context.Context, pm *stripe.PaymentMethod) error
	DetachPaymentMethod(ctx context.Context, stripePaymentMethodID string) error
}

type handlerFunc func(ctx context.Context, event *stripe.Event) error

// ServiceParams groups dependencies for the webhook event service.
type ServiceParams struct {
	Ledger     ledger.Service
	Reconciler reconciler
	Logger     *logger.Logger
	Metrics    *metrics.WebhookMetrics
}

// Service routes verified webhook events through the idempotency ledger to
// the matching reconciler. The ledger row is marked processed only after the
// handler commits; a failed handler leaves it unmarked so the processor's
// redelivery retries the event.
type Service struct {
	ledger     ledger.Service
	reconciler reconciler
	logg       *logger.Logger
	metrics    *metrics.WebhookMetrics
	handlers   map[stripe.EventType]handlerFunc
}

// NewService builds the webhook event service and its dispatch table.
func NewService(params ServiceParams) (*Service, error) {
	if params.Ledger == nil {
		return nil, errors.New("ledger is required")
	}
	if params.Reconciler == nil {
		return nil, errors.New("reconciler is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}

	s := &Service{
		ledger:     params.Ledger,
		reconciler: params.Reconciler,
		logg:       params.Logger,
		metrics:    params.Metrics,
	}
	s.handlers = map[stripe.EventType]handlerFunc{
		stripe.EventTypeCustomerCreated:             s.handleCustomerUpsert,
		stripe.EventTypeCustomerUpdated:             s.handleCustomerUpsert,
		stripe.EventTypeProductCreated:              s.handleProductUpsert,
		stripe.EventTypeProductUpdated:              s.handleProductUpsert,
		stripe.EventTypeProductDeleted:              s.handleProductDeleted,
		stripe.EventTypePriceCreated:                s.handlePriceUpsert,
		stripe.EventTypePriceUpdated:                s.handlePriceUpsert,
		stripe.EventTypePriceDeleted:                s.handlePriceDeleted,
		stripe.EventTypeCustomerSubscriptionCreated: s.handleSubscriptionUpsert,
		stripe.EventTypeCustomerSubscriptionUpdated: s.handleSubscriptionUpsert,
		stripe.EventTypeCustomerSubscriptionDeleted: s.handleSubscriptionDeleted,
		stripe.EventTypeInvoicePaymentSucceeded:     s.handleInvoicePaymentSucceeded,
		stripe.EventTypeInvoicePaid:                 s.handleInvoicePaymentSucceeded,
		stripe.EventTypeInvoicePaymentFailed:        s.handleInvoicePaymentFailed,
		stripe.EventTypePaymentMethodAttached:       s.handlePaymentMethodAttached,
		stripe.EventTypePaymentMethodDetached:       s.handlePaymentMethodDetached,
	}
	return s, nil
}

// ProcessEvent claims the event in the ledger, dispatches it, and marks it
// processed. Duplicate deliveries of a finished event return immediately.
func (s *Service) ProcessEvent(ctx context.Context, event *stripe.Event) error {
	if event == nil || event.ID == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "event payload is empty")
	}

	eventType := string(event.Type)
	logCtx := s.logg.WithEventID(ctx, event.ID)
	logCtx = s.logg.WithEventType(logCtx, eventType)

	claim, err := s.ledger.Claim(ctx, event.ID, eventType, json.RawMessage(event.Data.Raw))
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "claim event")
	}
	if claim == ledger.ClaimAlreadyProcessed {
		s.metrics.IncSkipped(eventType)
		s.logg.Info(logCtx, "duplicate delivery of processed event, skipping")
		return nil
	}

	handler, known := s.handlers[event.Type]
	if !known {
		// Unrecognized types are acknowledged without action.
		if err := s.ledger.MarkProcessed(ctx, event.ID); err != nil {
			return err
		}
		s.logg.Info(logCtx, "event type has no handler, acknowledged")
		return nil
	}

	start := time.Now()
	err = handler(ctx, event)
	s.metrics.ObserveDuration(eventType, time.Since(start))

	if err != nil {
		if reconcile.IsUnresolvedReference(err) {
			// Non-fatal ordering gap: leave the ledger row unmarked so a
			// redelivery or the next full sync resolves it.
			s.metrics.IncSkipped(eventType)
			s.logg.Warn(s.logg.WithField(logCtx, "reason", err.Error()), "event skipped on unresolved reference")
			return nil
		}
		s.metrics.IncFailed(eventType)
		s.logg.Error(logCtx, "event handler failed", err)
		return err
	}

	if err := s.ledger.MarkProcessed(ctx, event.ID); err != nil {
		return err
	}
	s.metrics.IncProcessed(eventType)
	return nil
}

func (s *Service) handleCustomerUpsert(ctx context.Context, event *stripe.Event) error {
	var customer stripe.Customer
	if err := decodeObject(event, &customer); err != nil {
		return err
	}
	return s.reconciler.UpsertCustomer(ctx, &customer)
}

func (s *Service) handleProductUpsert(ctx context.Context, event *stripe.Event) error {
	var product stripe.Product
	if err := decodeObject(event, &product); err != nil {
		return err
	}
	return s.reconciler.UpsertProduct(ctx, &product)
}

func (s *Service) handleProductDeleted(ctx context.Context, event *stripe.Event) error {
	var product stripe.Product
	if err := decodeObject(event, &product); err != nil {
		return err
	}
	return s.reconciler.DeactivateProduct(ctx, product.ID)
}

func (s *Service) handlePriceUpsert(ctx context.Context, event *stripe.Event) error {
	var price stripe.Price
	if err := decodeObject(event, &price); err != nil {
		return err
	}
	return s.reconciler.UpsertPrice(ctx, &price)
}

func (s *Service) handlePriceDeleted(ctx context.Context, event *stripe.Event) error {
	var price stripe.Price
	if err := decodeObject(event, &price); err != nil {
		return err
	}
	return s.reconciler.DeactivatePrice(ctx, price.ID)
}

func (s *Service) handleSubscriptionUpsert(ctx context.Context, event *stripe.Event) error {
	var sub stripe.Subscription
	if err := decodeObject(event, &sub); err != nil {
		return err
	}
	return s.reconciler.UpsertSubscription(ctx, &sub)
}

func (s *Service) handleSubscriptionDeleted(ctx context.Context, event *stripe.Event) error {
	var sub stripe.Subscription
	if err := decodeObject(event, &sub); err != nil {
		return err
	}
	return s.reconciler.TerminateSubscription(ctx, &sub)
}

func (s *Service) handleInvoicePaymentSucceeded(ctx context.Context, event *stripe.Event) error {
	return s.reconciler.MarkSubscriptionActive(ctx, invoiceSubscriptionID(event))
}

func (s *Service) handleInvoicePaymentFailed(ctx context.Context, event *stripe.Event) error {
	return s.reconciler.MarkSubscriptionPastDue(ctx, invoiceSubscriptionID(event))
}

func (s *Service) handlePaymentMethodAttached(ctx context.Context, event *stripe.Event) error {
	var pm stripe.PaymentMethod
	if err := decodeObject(event, &pm); err != nil {
		return err
	}
	return s.reconciler.AttachPaymentMethod(ctx, &pm)
}

func (s *Service) handlePaymentMethodDetached(ctx context.Context, event *stripe.Event) error {
	var pm stripe.PaymentMethod
	if err := decodeObject(event, &pm); err != nil {
		return err
	}
	return s.reconciler.DetachPaymentMethod(ctx, pm.ID)
}

func decodeObject(event *stripe.Event, target any) error {
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return pkgerrors.New(pkgerrors.CodeValidation, "event has no object payload")
	}
	if err := json.Unmarshal(event.Data.Raw, target); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode event object")
	}
	return nil
}

// invoiceSubscriptionID digs the subscription reference out of an invoice
// payload, checking both the legacy top-level field and the newer parent
// placement.
func invoiceSubscriptionID(event *stripe.Event) string {
	if id := event.GetObjectValue("subscription"); id != "" {
		return id
	}
	return event.GetObjectValue("parent", "subscription_details", "subscription")
}
