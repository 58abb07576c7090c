package reconcile

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
	"github.com/calyxlabs/billingcore/pkg/logger"
)

func setupReconcileTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := "file:reconcile_" + uuid.NewString() + "?mode=memory&cache=shared"
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
		`CREATE TABLE IF NOT EXISTS payment_methods (
  id TEXT PRIMARY KEY,
  stripe_payment_method_id TEXT NOT NULL UNIQUE,
  customer_id TEXT NOT NULL,
  type TEXT NOT NULL,
  card_brand TEXT,
  card_last4 TEXT,
  card_exp_month INTEGER,
  card_exp_year INTEGER,
  is_default INTEGER NOT NULL DEFAULT 0,
  created_at DATETIME,
  updated_at DATETIME
);`,
	} {
		require.NoError(t, db.Exec(ddl).Error)
	}
	return db
}

func newReconcileService(t *testing.T, db *gorm.DB) *Service {
	t.Helper()
	svc, err := NewService(ServiceParams{
		Repo:   NewRepository(db),
		Logger: logger.New(logger.Options{ServiceName: "test", Output: io.Discard}),
	})
	require.NoError(t, err)
	return svc
}

func seedCustomer(t *testing.T, db *gorm.DB, stripeCustomerID string) models.Customer {
	t.Helper()
	id := stripeCustomerID
	customer := models.Customer{
		ID:               uuid.New(),
		PrincipalID:      uuid.New(),
		Email:            "buyer@example.com",
		StripeCustomerID: &id,
	}
	require.NoError(t, db.Create(&customer).Error)
	return customer
}

func seedCatalog(t *testing.T, db *gorm.DB, stripeProductID, stripePriceID string) (models.Product, models.Price) {
	t.Helper()
	product := models.Product{
		ID:              uuid.New(),
		StripeProductID: stripeProductID,
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
		Active:        true,
	}
	require.NoError(t, db.Create(&price).Error)
	return product, price
}

func stripeSubscription(id, customerID, priceID string, status stripe.SubscriptionStatus, start, end int64) *stripe.Subscription {
	return &stripe.Subscription{
		ID:       id,
		Status:   status,
		Customer: &stripe.Customer{ID: customerID},
		Items: &stripe.SubscriptionItemList{
			Data: []*stripe.SubscriptionItem{{
				CurrentPeriodStart: start,
				CurrentPeriodEnd:   end,
				Price:              &stripe.Price{ID: priceID},
			}},
		},
	}
}

func TestUpsertProduct_Idempotent(t *testing.T) {
	db := setupReconcileTestDB(t)
	svc := newReconcileService(t, db)
	ctx := context.Background()

	product := &stripe.Product{
		ID:     "prod_1",
		Name:   "Pro Plan",
		Active: true,
		MarketingFeatures: []*stripe.ProductMarketingFeature{
			{Name: "priority support"},
		},
	}
	require.NoError(t, svc.UpsertProduct(ctx, product))
	require.NoError(t, svc.UpsertProduct(ctx, product))

	var count int64
	require.NoError(t, db.Model(&models.Product{}).Count(&count).Error)
	require.Equal(t, int64(1), count)

	product.Name = "Pro Plan v2"
	product.Active = false
	require.NoError(t, svc.UpsertProduct(ctx, product))

	var row models.Product
	require.NoError(t, db.Where("stripe_product_id = ?", "prod_1").First(&row).Error)
	require.Equal(t, "Pro Plan v2", row.Name)
	require.False(t, row.Active)
}

func TestUpsertPrice_UnresolvedProductSelfHeals(t *testing.T) {
	db := setupReconcileTestDB(t)
	svc := newReconcileService(t, db)
	ctx := context.Background()

	price := &stripe.Price{
		ID:         "price_1",
		Currency:   stripe.CurrencyUSD,
		Type:       stripe.PriceTypeRecurring,
		UnitAmount: 2500,
		Active:     true,
		Product:    &stripe.Product{ID: "prod_1"},
		Recurring: &stripe.PriceRecurring{
			Interval:      stripe.PriceRecurringIntervalMonth,
			IntervalCount: 1,
		},
	}

	err := svc.UpsertPrice(ctx, price)
	require.True(t, IsUnresolvedReference(err))

	var count int64
	require.NoError(t, db.Model(&models.Price{}).Count(&count).Error)
	require.Zero(t, count)

	require.NoError(t, svc.UpsertProduct(ctx, &stripe.Product{ID: "prod_1", Name: "Pro Plan", Active: true}))
	require.NoError(t, svc.UpsertPrice(ctx, price))

	var row models.Price
	require.NoError(t, db.Where("stripe_price_id = ?", "price_1").First(&row).Error)
	require.Equal(t, enums.PriceKindRecurring, row.Kind)
	require.NotNil(t, row.UnitAmount)
	require.Equal(t, int64(2500), *row.UnitAmount)
	require.NotNil(t, row.Interval)
	require.Equal(t, enums.BillingIntervalMonth, *row.Interval)

	var product models.Product
	require.NoError(t, db.Where("stripe_product_id = ?", "prod_1").First(&product).Error)
	require.Equal(t, product.ID, row.ProductID)
}

func TestUpsertSubscription_MapsFieldsAndStatus(t *testing.T) {
	db := setupReconcileTestDB(t)
	svc := newReconcileService(t, db)
	ctx := context.Background()

	customer := seedCustomer(t, db, "cus_1")
	_, price := seedCatalog(t, db, "prod_1", "price_1")

	start := time.Now().UTC().Truncate(time.Second)
	end := start.Add(30 * 24 * time.Hour)
	sub := stripeSubscription("sub_1", "cus_1", "price_1", stripe.SubscriptionStatusTrialing, start.Unix(), end.Unix())
	sub.TrialStart = start.Unix()
	sub.TrialEnd = end.Unix()

	require.NoError(t, svc.UpsertSubscription(ctx, sub))

	var row models.Subscription
	require.NoError(t, db.Where("stripe_subscription_id = ?", "sub_1").First(&row).Error)
	require.Equal(t, customer.ID, row.CustomerID)
	require.Equal(t, price.ID, row.PriceID)
	require.Equal(t, enums.SubscriptionStatusTrialing, row.Status)
	require.Equal(t, end.Unix(), row.CurrentPeriodEnd.Unix())
	require.NotNil(t, row.TrialEnd)

	// Last-delivered-wins: replay with a different status overwrites.
	sub.Status = stripe.SubscriptionStatusActive
	sub.CancelAtPeriodEnd = true
	require.NoError(t, svc.UpsertSubscription(ctx, sub))

	require.NoError(t, db.Where("stripe_subscription_id = ?", "sub_1").First(&row).Error)
	require.Equal(t, enums.SubscriptionStatusActive, row.Status)
	require.True(t, row.CancelAtPeriodEnd)

	var count int64
	require.NoError(t, db.Model(&models.Subscription{}).Count(&count).Error)
	require.Equal(t, int64(1), count)
}

func TestUpsertSubscription_UnknownStatusStored(t *testing.T) {
	db := setupReconcileTestDB(t)
	svc := newReconcileService(t, db)
	ctx := context.Background()

	seedCustomer(t, db, "cus_1")
	seedCatalog(t, db, "prod_1", "price_1")

	sub := stripeSubscription("sub_1", "cus_1", "price_1", stripe.SubscriptionStatus("hibernating"), 100, 200)
	require.NoError(t, svc.UpsertSubscription(ctx, sub))

	var row models.Subscription
	require.NoError(t, db.Where("stripe_subscription_id = ?", "sub_1").First(&row).Error)
	require.Equal(t, enums.SubscriptionStatusUnknown, row.Status)
}

func TestUpsertSubscription_UnresolvedParentsSkip(t *testing.T) {
	db := setupReconcileTestDB(t)
	svc := newReconcileService(t, db)
	ctx := context.Background()

	sub := stripeSubscription("sub_1", "cus_missing", "price_1", stripe.SubscriptionStatusActive, 100, 200)
	err := svc.UpsertSubscription(ctx, sub)
	require.True(t, IsUnresolvedReference(err))

	seedCustomer(t, db, "cus_missing")
	err = svc.UpsertSubscription(ctx, sub)
	require.True(t, IsUnresolvedReference(err))

	var count int64
	require.NoError(t, db.Model(&models.Subscription{}).Count(&count).Error)
	require.Zero(t, count)
}

func TestTerminateSubscription(t *testing.T) {
	db := setupReconcileTestDB(t)
	svc := newReconcileService(t, db)
	ctx := context.Background()

	seedCustomer(t, db, "cus_1")
	seedCatalog(t, db, "prod_1", "price_1")

	active := stripeSubscription("sub_1", "cus_1", "price_1", stripe.SubscriptionStatusActive, 100, 200)
	active.CancelAtPeriodEnd = true
	require.NoError(t, svc.UpsertSubscription(ctx, active))

	endedAt := time.Now().UTC().Truncate(time.Second)
	deleted := stripeSubscription("sub_1", "cus_1", "price_1", stripe.SubscriptionStatusCanceled, 100, 200)
	deleted.CanceledAt = endedAt.Unix()
	deleted.EndedAt = endedAt.Unix()
	require.NoError(t, svc.TerminateSubscription(ctx, deleted))

	var row models.Subscription
	require.NoError(t, db.Where("stripe_subscription_id = ?", "sub_1").First(&row).Error)
	require.Equal(t, enums.SubscriptionStatusCanceled, row.Status)
	require.False(t, row.CancelAtPeriodEnd)
	require.NotNil(t, row.EndedAt)
	require.Equal(t, endedAt.Unix(), row.EndedAt.Unix())

	// Deleting an unknown subscription is a logged no-op.
	unknown := stripeSubscription("sub_404", "cus_1", "price_1", stripe.SubscriptionStatusCanceled, 100, 200)
	require.NoError(t, svc.TerminateSubscription(ctx, unknown))
}

func TestTerminateSubscription_MissingEndedAtStamped(t *testing.T) {
	db := setupReconcileTestDB(t)
	svc := newReconcileService(t, db)
	ctx := context.Background()

	seedCustomer(t, db, "cus_1")
	seedCatalog(t, db, "prod_1", "price_1")

	active := stripeSubscription("sub_1", "cus_1", "price_1", stripe.SubscriptionStatusActive, 100, 200)
	require.NoError(t, svc.UpsertSubscription(ctx, active))

	before := time.Now().UTC().Add(-time.Second)
	deleted := stripeSubscription("sub_1", "cus_1", "price_1", stripe.SubscriptionStatusCanceled, 100, 200)
	require.NoError(t, svc.TerminateSubscription(ctx, deleted))

	var row models.Subscription
	require.NoError(t, db.Where("stripe_subscription_id = ?", "sub_1").First(&row).Error)
	require.Equal(t, enums.SubscriptionStatusCanceled, row.Status)
	require.NotNil(t, row.EndedAt)
	require.False(t, row.EndedAt.Before(before))
}

func TestInvoiceStatusNudges(t *testing.T) {
	db := setupReconcileTestDB(t)
	svc := newReconcileService(t, db)
	ctx := context.Background()

	seedCustomer(t, db, "cus_1")
	seedCatalog(t, db, "prod_1", "price_1")

	sub := stripeSubscription("sub_1", "cus_1", "price_1", stripe.SubscriptionStatusActive, 100, 200)
	require.NoError(t, svc.UpsertSubscription(ctx, sub))

	require.NoError(t, svc.MarkSubscriptionPastDue(ctx, "sub_1"))
	var row models.Subscription
	require.NoError(t, db.Where("stripe_subscription_id = ?", "sub_1").First(&row).Error)
	require.Equal(t, enums.SubscriptionStatusPastDue, row.Status)

	require.NoError(t, svc.MarkSubscriptionActive(ctx, "sub_1"))
	require.NoError(t, db.Where("stripe_subscription_id = ?", "sub_1").First(&row).Error)
	require.Equal(t, enums.SubscriptionStatusActive, row.Status)

	// Terminal rows are never resurrected or demoted by invoice events.
	require.NoError(t, db.Model(&models.Subscription{}).
		Where("stripe_subscription_id = ?", "sub_1").
		Update("status", enums.SubscriptionStatusCanceled).Error)
	require.NoError(t, svc.MarkSubscriptionActive(ctx, "sub_1"))
	require.NoError(t, svc.MarkSubscriptionPastDue(ctx, "sub_1"))
	require.NoError(t, db.Where("stripe_subscription_id = ?", "sub_1").First(&row).Error)
	require.Equal(t, enums.SubscriptionStatusCanceled, row.Status)

	// Unknown subscriptions are a no-op.
	require.NoError(t, svc.MarkSubscriptionActive(ctx, "sub_404"))
	require.NoError(t, svc.MarkSubscriptionPastDue(ctx, "sub_404"))
}

func TestPaymentMethodLifecycle(t *testing.T) {
	db := setupReconcileTestDB(t)
	svc := newReconcileService(t, db)
	ctx := context.Background()

	pm := &stripe.PaymentMethod{
		ID:       "pm_1",
		Type:     stripe.PaymentMethodTypeCard,
		Customer: &stripe.Customer{ID: "cus_1"},
		Card: &stripe.PaymentMethodCard{
			Brand:    stripe.PaymentMethodCardBrandVisa,
			Last4:    "4242",
			ExpMonth: 12,
			ExpYear:  2030,
		},
	}

	err := svc.AttachPaymentMethod(ctx, pm)
	require.True(t, IsUnresolvedReference(err))

	customer := seedCustomer(t, db, "cus_1")
	require.NoError(t, svc.AttachPaymentMethod(ctx, pm))
	require.NoError(t, svc.AttachPaymentMethod(ctx, pm))

	var row models.PaymentMethod
	require.NoError(t, db.Where("stripe_payment_method_id = ?", "pm_1").First(&row).Error)
	require.Equal(t, customer.ID, row.CustomerID)
	require.Equal(t, enums.PaymentMethodTypeCard, row.Type)
	require.NotNil(t, row.CardLast4)
	require.Equal(t, "4242", *row.CardLast4)

	require.NoError(t, svc.DetachPaymentMethod(ctx, "pm_1"))
	require.NoError(t, svc.DetachPaymentMethod(ctx, "pm_1"))

	var count int64
	require.NoError(t, db.Model(&models.PaymentMethod{}).Count(&count).Error)
	require.Zero(t, count)
}

func TestUpsertCustomer_LinksByPrincipalMetadata(t *testing.T) {
	db := setupReconcileTestDB(t)
	svc := newReconcileService(t, db)
	ctx := context.Background()

	principalID := uuid.New()
	customer := &stripe.Customer{
		ID:       "cus_1",
		Email:    "buyer@example.com",
		Metadata: map[string]string{"principal_id": principalID.String()},
	}
	require.NoError(t, svc.UpsertCustomer(ctx, customer))

	var row models.Customer
	require.NoError(t, db.Where("principal_id = ?", principalID).First(&row).Error)
	require.NotNil(t, row.StripeCustomerID)
	require.Equal(t, "cus_1", *row.StripeCustomerID)

	customer.Email = "renamed@example.com"
	require.NoError(t, svc.UpsertCustomer(ctx, customer))
	require.NoError(t, db.Where("principal_id = ?", principalID).First(&row).Error)
	require.Equal(t, "renamed@example.com", row.Email)

	// Customers without a principal link are skipped, not failed.
	require.NoError(t, svc.UpsertCustomer(ctx, &stripe.Customer{ID: "cus_orphan"}))
	var count int64
	require.NoError(t, db.Model(&models.Customer{}).Count(&count).Error)
	require.Equal(t, int64(1), count)
}
