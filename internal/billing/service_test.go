package billing

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v84"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/calyxlabs/billingcore/pkg/db/models"
	"github.com/calyxlabs/billingcore/pkg/enums"
	pkgerrors "github.com/calyxlabs/billingcore/pkg/errors"
	"github.com/calyxlabs/billingcore/pkg/logger"
)

type stubProcessor struct {
	createCustomerFn  func(params *stripe.CustomerParams) (*stripe.Customer, error)
	createCheckoutFn  func(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	createPortalFn    func(params *stripe.BillingPortalSessionParams) (*stripe.BillingPortalSession, error)
	getSubFn          func(id string) (*stripe.Subscription, error)
	updateSubFn       func(id string, params *stripe.SubscriptionParams) (*stripe.Subscription, error)
	cancelSubFn       func(id string) (*stripe.Subscription, error)
	updateSubRequests []*stripe.SubscriptionParams
}

func (s *stubProcessor) CreateCustomer(_ context.Context, params *stripe.CustomerParams) (*stripe.Customer, error) {
	if s.createCustomerFn != nil {
		return s.createCustomerFn(params)
	}
	return &stripe.Customer{ID: "cus_new"}, nil
}

func (s *stubProcessor) CreateCheckoutSession(_ context.Context, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	if s.createCheckoutFn != nil {
		return s.createCheckoutFn(params)
	}
	return &stripe.CheckoutSession{ID: "cs_1", URL: "https://checkout.example/cs_1"}, nil
}

func (s *stubProcessor) CreatePortalSession(_ context.Context, params *stripe.BillingPortalSessionParams) (*stripe.BillingPortalSession, error) {
	if s.createPortalFn != nil {
		return s.createPortalFn(params)
	}
	return &stripe.BillingPortalSession{URL: "https://portal.example/ps_1"}, nil
}

func (s *stubProcessor) GetSubscription(_ context.Context, id string, _ *stripe.SubscriptionParams) (*stripe.Subscription, error) {
	if s.getSubFn != nil {
		return s.getSubFn(id)
	}
	return &stripe.Subscription{
		ID: id,
		Items: &stripe.SubscriptionItemList{
			Data: []*stripe.SubscriptionItem{{ID: "si_1"}},
		},
	}, nil
}

func (s *stubProcessor) UpdateSubscription(_ context.Context, id string, params *stripe.SubscriptionParams) (*stripe.Subscription, error) {
	s.updateSubRequests = append(s.updateSubRequests, params)
	if s.updateSubFn != nil {
		return s.updateSubFn(id, params)
	}
	return &stripe.Subscription{ID: id}, nil
}

func (s *stubProcessor) CancelSubscription(_ context.Context, id string, _ *stripe.SubscriptionCancelParams) (*stripe.Subscription, error) {
	if s.cancelSubFn != nil {
		return s.cancelSubFn(id)
	}
	return &stripe.Subscription{ID: id, CanceledAt: time.Now().Unix()}, nil
}

func setupBillingTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := "file:billing_" + uuid.NewString() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	for _, ddl := range []string{
		`CREATE TABLE IF NOT EXISTS customers (
  id TEXT PRIMARY KEY,
  principal_id TEXT NOT NULL UNIQUE,
  email TEXT NOT NULL,
  stripe_customer_id TEXT UNIQUE,
  created_at DATETIME,
  updated_at DATETIME
);`,
		`CREATE TABLE IF NOT EXISTS products (
  id TEXT PRIMARY KEY,
  stripe_product_id TEXT NOT NULL UNIQUE,
  name TEXT NOT NULL,
  description TEXT,
  active INTEGER NOT NULL DEFAULT 1,
  features TEXT,
  metadata TEXT,
  created_at DATETIME,
  updated_at DATETIME
);`,
		`CREATE TABLE IF NOT EXISTS prices (
  id TEXT PRIMARY KEY,
  stripe_price_id TEXT NOT NULL UNIQUE,
  product_id TEXT NOT NULL,
  currency TEXT NOT NULL,
  kind TEXT NOT NULL,
  unit_amount INTEGER,
  unit_amount_decimal TEXT,
  interval TEXT,
  interval_count INTEGER,
  active INTEGER NOT NULL DEFAULT 1,
  metadata TEXT,
  created_at DATETIME,
  updated_at DATETIME
);`,
		`CREATE TABLE IF NOT EXISTS subscriptions (
  id TEXT PRIMARY KEY,
  stripe_subscription_id TEXT NOT NULL UNIQUE,
  customer_id TEXT NOT NULL,
  price_id TEXT NOT NULL,
  status TEXT NOT NULL,
  cancel_at_period_end INTEGER NOT NULL DEFAULT 0,
  cancel_at DATETIME,
  canceled_at DATETIME,
  current_period_start DATETIME NOT NULL,
  current_period_end DATETIME NOT NULL,
  trial_start DATETIME,
  trial_end DATETIME,
  ended_at DATETIME,
  metadata TEXT,
  created_at DATETIME,
  updated_at DATETIME
);`,
	} {
		require.NoError(t, db.Exec(ddl).Error)
	}
	return db
}

func newBillingService(t *testing.T, db *gorm.DB, processor ProcessorClient) *Service {
	t.Helper()
	if processor == nil {
		processor = &stubProcessor{}
	}
	svc, err := NewService(ServiceParams{
		Repo:      NewRepository(db),
		Processor: processor,
		Logger:    logger.New(logger.Options{ServiceName: "test", Output: io.Discard}),
	})
	require.NoError(t, err)
	return svc
}

func seedBillingCustomer(t *testing.T, db *gorm.DB, principalID uuid.UUID, stripeCustomerID string) models.Customer {
	t.Helper()
	customer := models.Customer{
		ID:          uuid.New(),
		PrincipalID: principalID,
		Email:       "buyer@example.com",
	}
	if stripeCustomerID != "" {
		customer.StripeCustomerID = &stripeCustomerID
	}
	require.NoError(t, db.Create(&customer).Error)
	return customer
}

func seedBillingPrice(t *testing.T, db *gorm.DB, stripePriceID string, active bool) models.Price {
	t.Helper()
	product := models.Product{
		ID:              uuid.New(),
		StripeProductID: "prod_" + uuid.NewString()[:8],
		Name:            "Pro Plan",
		Active:          true,
	}
	require.NoError(t, db.Create(&product).Error)
	price := models.Price{
		ID:            uuid.New(),
		StripePriceID: stripePriceID,
		ProductID:     product.ID,
		Currency:      "usd",
		Kind:          enums.PriceKindRecurring,
		Active:        active,
	}
	require.NoError(t, db.Select("*").Create(&price).Error)
	return price
}

func seedBillingSubscription(t *testing.T, db *gorm.DB, customerID, priceID uuid.UUID, status enums.SubscriptionStatus, cancelAtPeriodEnd bool) models.Subscription {
	t.Helper()
	now := time.Now().UTC()
	subscription := models.Subscription{
		ID:                   uuid.New(),
		StripeSubscriptionID: "sub_" + uuid.NewString()[:8],
		CustomerID:           customerID,
		PriceID:              priceID,
		Status:               status,
		CancelAtPeriodEnd:    cancelAtPeriodEnd,
		CurrentPeriodStart:   now.Add(-24 * time.Hour),
		CurrentPeriodEnd:     now.Add(29 * 24 * time.Hour),
	}
	if cancelAtPeriodEnd {
		cancelAt := subscription.CurrentPeriodEnd
		subscription.CancelAt = &cancelAt
	}
	require.NoError(t, db.Create(&subscription).Error)
	return subscription
}

func requireErrorCode(t *testing.T, err error, code pkgerrors.Code) {
	t.Helper()
	require.Error(t, err)
	typed := pkgerrors.As(err)
	require.NotNil(t, typed, "expected typed error, got %v", err)
	require.Equal(t, code, typed.Code())
}

func TestStartCheckout_RejectsUnknownOrInactivePrice(t *testing.T) {
	db := setupBillingTestDB(t)
	svc := newBillingService(t, db, nil)
	ctx := context.Background()

	_, err := svc.StartCheckout(ctx, CheckoutInput{
		PrincipalID:   uuid.New(),
		StripePriceID: "price_missing",
	})
	requireErrorCode(t, err, pkgerrors.CodeValidation)

	seedBillingPrice(t, db, "price_off", false)
	_, err = svc.StartCheckout(ctx, CheckoutInput{
		PrincipalID:   uuid.New(),
		StripePriceID: "price_off",
	})
	requireErrorCode(t, err, pkgerrors.CodeValidation)
}

func TestStartCheckout_CreatesCustomerAndSession(t *testing.T) {
	db := setupBillingTestDB(t)
	processor := &stubProcessor{}
	var customerParams *stripe.CustomerParams
	processor.createCustomerFn = func(params *stripe.CustomerParams) (*stripe.Customer, error) {
		customerParams = params
		return &stripe.Customer{ID: "cus_new"}, nil
	}
	svc := newBillingService(t, db, processor)
	ctx := context.Background()

	seedBillingPrice(t, db, "price_1", true)
	principalID := uuid.New()

	session, err := svc.StartCheckout(ctx, CheckoutInput{
		PrincipalID:   principalID,
		Email:         "buyer@example.com",
		StripePriceID: "price_1",
		SuccessURL:    "https://app.example/success",
		CancelURL:     "https://app.example/cancel",
		TrialDays:     14,
	})
	require.NoError(t, err)
	require.Equal(t, "cs_1", session.SessionID)
	require.NotEmpty(t, session.URL)

	require.NotNil(t, customerParams)
	require.Equal(t, principalID.String(), customerParams.Metadata["principal_id"])

	var customer models.Customer
	require.NoError(t, db.Where("principal_id = ?", principalID).First(&customer).Error)
	require.NotNil(t, customer.StripeCustomerID)
	require.Equal(t, "cus_new", *customer.StripeCustomerID)

	// Second checkout reuses the linked customer.
	_, err = svc.StartCheckout(ctx, CheckoutInput{
		PrincipalID:   principalID,
		StripePriceID: "price_1",
	})
	require.NoError(t, err)
	var count int64
	require.NoError(t, db.Model(&models.Customer{}).Count(&count).Error)
	require.Equal(t, int64(1), count)
}

func TestStartPortalSession_RequiresLinkage(t *testing.T) {
	db := setupBillingTestDB(t)
	svc := newBillingService(t, db, nil)
	ctx := context.Background()

	_, err := svc.StartPortalSession(ctx, uuid.New())
	requireErrorCode(t, err, pkgerrors.CodeStateConflict)

	principalID := uuid.New()
	seedBillingCustomer(t, db, principalID, "")
	_, err = svc.StartPortalSession(ctx, principalID)
	requireErrorCode(t, err, pkgerrors.CodeStateConflict)

	linked := uuid.New()
	seedBillingCustomer(t, db, linked, "cus_1")
	url, err := svc.StartPortalSession(ctx, linked)
	require.NoError(t, err)
	require.Equal(t, "https://portal.example/ps_1", url)
}

func TestCancelSubscription_AtPeriodEnd(t *testing.T) {
	db := setupBillingTestDB(t)
	processor := &stubProcessor{}
	svc := newBillingService(t, db, processor)
	ctx := context.Background()

	principalID := uuid.New()
	customer := seedBillingCustomer(t, db, principalID, "cus_1")
	price := seedBillingPrice(t, db, "price_1", true)
	subscription := seedBillingSubscription(t, db, customer.ID, price.ID, enums.SubscriptionStatusActive, false)

	updated, err := svc.CancelSubscription(ctx, principalID, subscription.ID, false)
	require.NoError(t, err)
	require.True(t, updated.CancelAtPeriodEnd)
	require.NotNil(t, updated.CancelAt)
	require.Equal(t, enums.SubscriptionStatusActive, updated.Status)

	require.Len(t, processor.updateSubRequests, 1)
	require.NotNil(t, processor.updateSubRequests[0].CancelAtPeriodEnd)
	require.True(t, *processor.updateSubRequests[0].CancelAtPeriodEnd)
}

func TestCancelSubscription_Immediate(t *testing.T) {
	db := setupBillingTestDB(t)
	svc := newBillingService(t, db, nil)
	ctx := context.Background()

	principalID := uuid.New()
	customer := seedBillingCustomer(t, db, principalID, "cus_1")
	price := seedBillingPrice(t, db, "price_1", true)
	subscription := seedBillingSubscription(t, db, customer.ID, price.ID, enums.SubscriptionStatusActive, false)

	updated, err := svc.CancelSubscription(ctx, principalID, subscription.ID, true)
	require.NoError(t, err)
	require.Equal(t, enums.SubscriptionStatusCanceled, updated.Status)
	require.NotNil(t, updated.EndedAt)
	require.NotNil(t, updated.CanceledAt)
}

func TestCancelSubscription_UnownedIsNotFound(t *testing.T) {
	db := setupBillingTestDB(t)
	svc := newBillingService(t, db, nil)
	ctx := context.Background()

	owner := uuid.New()
	customer := seedBillingCustomer(t, db, owner, "cus_1")
	price := seedBillingPrice(t, db, "price_1", true)
	subscription := seedBillingSubscription(t, db, customer.ID, price.ID, enums.SubscriptionStatusActive, false)

	other := uuid.New()
	seedBillingCustomer(t, db, other, "cus_2")
	_, err := svc.CancelSubscription(ctx, other, subscription.ID, false)
	requireErrorCode(t, err, pkgerrors.CodeNotFound)
}

func TestReactivateSubscription_Eligibility(t *testing.T) {
	db := setupBillingTestDB(t)
	processor := &stubProcessor{}
	svc := newBillingService(t, db, processor)
	ctx := context.Background()

	principalID := uuid.New()
	customer := seedBillingCustomer(t, db, principalID, "cus_1")
	price := seedBillingPrice(t, db, "price_1", true)

	notFlagged := seedBillingSubscription(t, db, customer.ID, price.ID, enums.SubscriptionStatusActive, false)
	_, err := svc.ReactivateSubscription(ctx, principalID, notFlagged.ID)
	requireErrorCode(t, err, pkgerrors.CodeStateConflict)

	flagged := seedBillingSubscription(t, db, customer.ID, price.ID, enums.SubscriptionStatusActive, true)
	updated, err := svc.ReactivateSubscription(ctx, principalID, flagged.ID)
	require.NoError(t, err)
	require.False(t, updated.CancelAtPeriodEnd)
	require.Nil(t, updated.CancelAt)

	var row models.Subscription
	require.NoError(t, db.Where("id = ?", flagged.ID).First(&row).Error)
	require.False(t, row.CancelAtPeriodEnd)
	require.Nil(t, row.CancelAt)
}

func TestChangeSubscriptionPrice(t *testing.T) {
	db := setupBillingTestDB(t)
	processor := &stubProcessor{}
	svc := newBillingService(t, db, processor)
	ctx := context.Background()

	principalID := uuid.New()
	customer := seedBillingCustomer(t, db, principalID, "cus_1")
	oldPrice := seedBillingPrice(t, db, "price_old", true)
	subscription := seedBillingSubscription(t, db, customer.ID, oldPrice.ID, enums.SubscriptionStatusActive, false)

	_, err := svc.ChangeSubscriptionPrice(ctx, principalID, subscription.ID, "price_missing")
	requireErrorCode(t, err, pkgerrors.CodeValidation)

	newPrice := seedBillingPrice(t, db, "price_new", true)
	updated, err := svc.ChangeSubscriptionPrice(ctx, principalID, subscription.ID, "price_new")
	require.NoError(t, err)
	require.Equal(t, newPrice.ID, updated.PriceID)

	require.Len(t, processor.updateSubRequests, 1)
	items := processor.updateSubRequests[0].Items
	require.Len(t, items, 1)
	require.Equal(t, "si_1", *items[0].ID)
	require.Equal(t, "price_new", *items[0].Price)
}

func TestProcessorFailureIsRetryableDependencyError(t *testing.T) {
	db := setupBillingTestDB(t)
	processor := &stubProcessor{}
	processor.createPortalFn = func(_ *stripe.BillingPortalSessionParams) (*stripe.BillingPortalSession, error) {
		return nil, &stripe.Error{HTTPStatusCode: 503, Msg: "service unavailable"}
	}
	svc := newBillingService(t, db, processor)

	principalID := uuid.New()
	seedBillingCustomer(t, db, principalID, "cus_1")
	_, err := svc.StartPortalSession(context.Background(), principalID)
	requireErrorCode(t, err, pkgerrors.CodeDependency)
}

func TestListProductsAndSubscriptions(t *testing.T) {
	db := setupBillingTestDB(t)
	svc := newBillingService(t, db, nil)
	ctx := context.Background()

	price := seedBillingPrice(t, db, "price_1", true)
	inactive := models.Price{
		ID:            uuid.New(),
		StripePriceID: "price_retired",
		ProductID:     price.ProductID,
		Currency:      "usd",
		Kind:          enums.PriceKindRecurring,
		Active:        false,
	}
	require.NoError(t, db.Select("*").Create(&inactive).Error)

	products, err := svc.ListProducts(ctx)
	require.NoError(t, err)
	require.Len(t, products, 1)
	require.Len(t, products[0].Prices, 1)
	require.Equal(t, "price_1", products[0].Prices[0].StripePriceID)

	subs, err := svc.ListSubscriptions(ctx, uuid.New())
	require.NoError(t, err)
	require.Empty(t, subs)
}
