package reconcile

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/calyxlabs/billingcore/pkg/db/models"
	"github.com/calyxlabs/billingcore/pkg/enums"
)

// Repository persists reconciled entity state. Every upsert is keyed by the
// entity's external id so concurrent writers converge without read-modify-write.
type Repository interface {
	WithTx(tx *gorm.DB) Repository

	FindCustomerByStripeID(ctx context.Context, stripeCustomerID string) (*models.Customer, error)
	FindCustomerByPrincipalID(ctx context.Context, principalID uuid.UUID) (*models.Customer, error)
	CreateCustomer(ctx context.Context, customer *models.Customer) error
	SaveCustomer(ctx context.Context, customer *models.Customer) error

	UpsertProduct(ctx context.Context, product *models.Product) error
	FindProductByStripeID(ctx context.Context, stripeProductID string) (*models.Product, error)
	DeactivateProductByStripeID(ctx context.Context, stripeProductID string) error

	UpsertPrice(ctx context.Context, price *models.Price) error
	FindPriceByStripeID(ctx context.Context, stripePriceID string) (*models.Price, error)
	DeactivatePriceByStripeID(ctx context.Context, stripePriceID string) error

	UpsertSubscription(ctx context.Context, subscription *models.Subscription) error
	FindSubscriptionByStripeID(ctx context.Context, stripeSubscriptionID string) (*models.Subscription, error)
	ListSubscriptionsForRefresh(ctx context.Context, limit int, lookback time.Duration) ([]models.Subscription, error)
	UpdateSubscriptionStatus(ctx context.Context, stripeSubscriptionID string, from []enums.SubscriptionStatus, to enums.SubscriptionStatus) (bool, error)
	TerminateSubscription(ctx context.Context, subscription *models.Subscription) (bool, error)

	UpsertPaymentMethod(ctx context.Context, method *models.PaymentMethod) error
	DeletePaymentMethodByStripeID(ctx context.Context, stripePaymentMethodID string) error
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a reconciliation repository bound to the database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) FindCustomerByStripeID(ctx context.Context, stripeCustomerID string) (*models.Customer, error) {
	var customer models.Customer
	err := r.db.WithContext(ctx).
		Where("stripe_customer_id = ?", stripeCustomerID).
		First(&customer).Error
	return oneOrNil(&customer, err)
}

func (r *repository) FindCustomerByPrincipalID(ctx context.Context, principalID uuid.UUID) (*models.Customer, error) {
	var customer models.Customer
	err := r.db.WithContext(ctx).
		Where("principal_id = ?", principalID).
		First(&customer).Error
	return oneOrNil(&customer, err)
}

func (r *repository) CreateCustomer(ctx context.Context, customer *models.Customer) error {
	ensureID(&customer.ID)
	return r.db.WithContext(ctx).Create(customer).Error
}

func (r *repository) SaveCustomer(ctx context.Context, customer *models.Customer) error {
	return r.db.WithContext(ctx).Save(customer).Error
}

func (r *repository) UpsertProduct(ctx context.Context, product *models.Product) error {
	ensureID(&product.ID)
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "stripe_product_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"name", "description", "active", "features", "metadata", "updated_at"}),
		}).
		Create(product).Error
}

func (r *repository) FindProductByStripeID(ctx context.Context, stripeProductID string) (*models.Product, error) {
	var product models.Product
	err := r.db.WithContext(ctx).
		Where("stripe_product_id = ?", stripeProductID).
		First(&product).Error
	return oneOrNil(&product, err)
}

func (r *repository) DeactivateProductByStripeID(ctx context.Context, stripeProductID string) error {
	return r.db.WithContext(ctx).
		Model(&models.Product{}).
		Where("stripe_product_id = ?", stripeProductID).
		Update("active", false).Error
}

func (r *repository) UpsertPrice(ctx context.Context, price *models.Price) error {
	ensureID(&price.ID)
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "stripe_price_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"product_id", "currency", "kind", "unit_amount", "unit_amount_decimal",
				"interval", "interval_count", "active", "metadata", "updated_at",
			}),
		}).
		Create(price).Error
}

func (r *repository) FindPriceByStripeID(ctx context.Context, stripePriceID string) (*models.Price, error) {
	var price models.Price
	err := r.db.WithContext(ctx).
		Where("stripe_price_id = ?", stripePriceID).
		First(&price).Error
	return oneOrNil(&price, err)
}

func (r *repository) DeactivatePriceByStripeID(ctx context.Context, stripePriceID string) error {
	return r.db.WithContext(ctx).
		Model(&models.Price{}).
		Where("stripe_price_id = ?", stripePriceID).
		Update("active", false).Error
}

func (r *repository) UpsertSubscription(ctx context.Context, subscription *models.Subscription) error {
	ensureID(&subscription.ID)
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "stripe_subscription_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"customer_id", "price_id", "status", "cancel_at_period_end", "cancel_at",
				"canceled_at", "current_period_start", "current_period_end",
				"trial_start", "trial_end", "ended_at", "metadata", "updated_at",
			}),
		}).
		Create(subscription).Error
}

func (r *repository) FindSubscriptionByStripeID(ctx context.Context, stripeSubscriptionID string) (*models.Subscription, error) {
	var subscription models.Subscription
	err := r.db.WithContext(ctx).
		Where("stripe_subscription_id = ?", stripeSubscriptionID).
		First(&subscription).Error
	return oneOrNil(&subscription, err)
}

// ListSubscriptionsForRefresh returns subscriptions worth re-checking against
// the processor: any non-terminal row, plus terminal rows that changed within
// the lookback window.
func (r *repository) ListSubscriptionsForRefresh(ctx context.Context, limit int, lookback time.Duration) ([]models.Subscription, error) {
	if limit <= 0 {
		limit = 250
	}
	if lookback <= 0 {
		lookback = 7 * 24 * time.Hour
	}
	cutoff := time.Now().UTC().Add(-lookback)
	terminal := []enums.SubscriptionStatus{
		enums.SubscriptionStatusCanceled,
		enums.SubscriptionStatusIncompleteExpired,
	}
	var subs []models.Subscription
	err := r.db.WithContext(ctx).
		Model(&models.Subscription{}).
		Where("status NOT IN (?) OR updated_at >= ?", terminal, cutoff).
		Order("updated_at DESC").
		Limit(limit).
		Find(&subs).Error
	if err != nil {
		return nil, err
	}
	return subs, nil
}

// UpdateSubscriptionStatus moves a subscription to the target status only if
// its current status is in the from set. Returns whether a row changed.
func (r *repository) UpdateSubscriptionStatus(ctx context.Context, stripeSubscriptionID string, from []enums.SubscriptionStatus, to enums.SubscriptionStatus) (bool, error) {
	query := r.db.WithContext(ctx).
		Model(&models.Subscription{}).
		Where("stripe_subscription_id = ?", stripeSubscriptionID)
	if len(from) > 0 {
		query = query.Where("status IN (?)", from)
	}
	res := query.Update("status", to)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// TerminateSubscription applies the terminal fields by external id without
// touching the rest of the row. Returns whether the subscription was known.
func (r *repository) TerminateSubscription(ctx context.Context, subscription *models.Subscription) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.Subscription{}).
		Where("stripe_subscription_id = ?", subscription.StripeSubscriptionID).
		Updates(map[string]any{
			"status":               subscription.Status,
			"cancel_at_period_end": false,
			"canceled_at":          subscription.CanceledAt,
			"ended_at":             subscription.EndedAt,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repository) UpsertPaymentMethod(ctx context.Context, method *models.PaymentMethod) error {
	ensureID(&method.ID)
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "stripe_payment_method_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"customer_id", "type", "card_brand", "card_last4",
				"card_exp_month", "card_exp_year", "is_default", "updated_at",
			}),
		}).
		Create(method).Error
}

// DeletePaymentMethodByStripeID hard-deletes the method. Deleting a method
// that is already absent succeeds.
func (r *repository) DeletePaymentMethodByStripeID(ctx context.Context, stripePaymentMethodID string) error {
	return r.db.WithContext(ctx).
		Where("stripe_payment_method_id = ?", stripePaymentMethodID).
		Delete(&models.PaymentMethod{}).Error
}

func ensureID(id *uuid.UUID) {
	if *id == uuid.Nil {
		*id = uuid.New()
	}
}

func oneOrNil[T any](row *T, err error) (*T, error) {
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return row, nil
}
