package reconcile

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v84"

	"github.com/calyxlabs/billingcore/pkg/db/models"
	"github.com/calyxlabs/billingcore/pkg/enums"
)

// MapSubscriptionStatus translates the processor's status vocabulary into the
// local closed set. Every known processor status maps to exactly one local
// status; anything else maps to unknown so the row is kept but never counts
// toward entitlement.
func MapSubscriptionStatus(status stripe.SubscriptionStatus) enums.SubscriptionStatus {
	switch status {
	case stripe.SubscriptionStatusIncomplete:
		return enums.SubscriptionStatusIncomplete
	case stripe.SubscriptionStatusIncompleteExpired:
		return enums.SubscriptionStatusIncompleteExpired
	case stripe.SubscriptionStatusTrialing:
		return enums.SubscriptionStatusTrialing
	case stripe.SubscriptionStatusActive:
		return enums.SubscriptionStatusActive
	case stripe.SubscriptionStatusPastDue:
		return enums.SubscriptionStatusPastDue
	case stripe.SubscriptionStatusCanceled:
		return enums.SubscriptionStatusCanceled
	case stripe.SubscriptionStatusUnpaid:
		return enums.SubscriptionStatusUnpaid
	case stripe.SubscriptionStatusPaused:
		return enums.SubscriptionStatusPaused
	default:
		return enums.SubscriptionStatusUnknown
	}
}

func buildProduct(product *stripe.Product) *models.Product {
	features := make(pq.StringArray, 0, len(product.MarketingFeatures))
	for _, feature := range product.MarketingFeatures {
		if feature == nil || strings.TrimSpace(feature.Name) == "" {
			continue
		}
		features = append(features, feature.Name)
	}
	return &models.Product{
		StripeProductID: product.ID,
		Name:            product.Name,
		Description:     product.Description,
		Active:          product.Active,
		Features:        features,
		Metadata:        marshalMetadata(product.Metadata),
	}
}

func buildPrice(price *stripe.Price, productID uuid.UUID) *models.Price {
	kind := enums.PriceKindOneTime
	if price.Type == stripe.PriceTypeRecurring {
		kind = enums.PriceKindRecurring
	}

	row := &models.Price{
		StripePriceID: price.ID,
		ProductID:     productID,
		Currency:      string(price.Currency),
		Kind:          kind,
		Active:        price.Active,
		Metadata:      marshalMetadata(price.Metadata),
	}
	// Tiered prices, and metered prices without a flat amount, have no unit
	// amount; the column stays null for them.
	tiered := price.BillingScheme == stripe.PriceBillingSchemeTiered
	metered := price.Recurring != nil && price.Recurring.UsageType == stripe.PriceRecurringUsageTypeMetered
	if !tiered && !(metered && price.UnitAmount == 0 && price.UnitAmountDecimal == 0) {
		if price.UnitAmount != 0 || price.UnitAmountDecimal == 0 {
			amount := price.UnitAmount
			row.UnitAmount = &amount
		}
		if price.UnitAmountDecimal != 0 {
			row.UnitAmountDecimal = decimal.NewNullDecimal(decimal.NewFromFloat(price.UnitAmountDecimal))
		}
	}
	if price.Recurring != nil {
		if interval, err := enums.ParseBillingInterval(string(price.Recurring.Interval)); err == nil {
			row.Interval = &interval
		}
		count := int(price.Recurring.IntervalCount)
		row.IntervalCount = &count
	}
	return row
}

func buildSubscription(sub *stripe.Subscription, customerID, priceID uuid.UUID) *models.Subscription {
	start, end := subscriptionPeriod(sub)
	return &models.Subscription{
		StripeSubscriptionID: sub.ID,
		CustomerID:           customerID,
		PriceID:              priceID,
		Status:               MapSubscriptionStatus(sub.Status),
		CancelAtPeriodEnd:    sub.CancelAtPeriodEnd,
		CancelAt:             toTimePtr(sub.CancelAt),
		CanceledAt:           toTimePtr(sub.CanceledAt),
		CurrentPeriodStart:   toTime(start),
		CurrentPeriodEnd:     toTime(end),
		TrialStart:           toTimePtr(sub.TrialStart),
		TrialEnd:             toTimePtr(sub.TrialEnd),
		EndedAt:              toTimePtr(sub.EndedAt),
		Metadata:             marshalMetadata(sub.Metadata),
	}
}

func buildPaymentMethod(pm *stripe.PaymentMethod, customerID uuid.UUID) *models.PaymentMethod {
	row := &models.PaymentMethod{
		StripePaymentMethodID: pm.ID,
		CustomerID:            customerID,
		Type:                  mapPaymentMethodType(pm.Type),
	}
	if pm.Card != nil {
		brand := string(pm.Card.Brand)
		last4 := pm.Card.Last4
		expMonth := int(pm.Card.ExpMonth)
		expYear := int(pm.Card.ExpYear)
		row.CardBrand = &brand
		row.CardLast4 = &last4
		row.CardExpMonth = &expMonth
		row.CardExpYear = &expYear
	}
	return row
}

func mapPaymentMethodType(t stripe.PaymentMethodType) enums.PaymentMethodType {
	switch t {
	case stripe.PaymentMethodTypeCard:
		return enums.PaymentMethodTypeCard
	case stripe.PaymentMethodTypeUSBankAccount:
		return enums.PaymentMethodTypeUSBankAccount
	case stripe.PaymentMethodTypeSEPADebit:
		return enums.PaymentMethodTypeSEPADebit
	default:
		return enums.PaymentMethodTypeOther
	}
}

// subscriptionPeriod reads the billing period off the first line item, where
// the processor reports it.
func subscriptionPeriod(sub *stripe.Subscription) (int64, int64) {
	if sub.Items == nil || len(sub.Items.Data) == 0 {
		return 0, 0
	}
	item := sub.Items.Data[0]
	return item.CurrentPeriodStart, item.CurrentPeriodEnd
}

func firstItemPriceID(sub *stripe.Subscription) string {
	if sub.Items == nil || len(sub.Items.Data) == 0 {
		return ""
	}
	item := sub.Items.Data[0]
	if item == nil || item.Price == nil {
		return ""
	}
	return item.Price.ID
}

func marshalMetadata(metadata map[string]string) json.RawMessage {
	if len(metadata) == 0 {
		return json.RawMessage("{}")
	}
	data, err := json.Marshal(metadata)
	if err != nil {
		return json.RawMessage("{}")
	}
	return json.RawMessage(data)
}

func toTime(ts int64) time.Time {
	if ts == 0 {
		return time.Time{}
	}
	return time.Unix(ts, 0).UTC()
}

func toTimePtr(ts int64) *time.Time {
	if ts == 0 {
		return nil
	}
	t := time.Unix(ts, 0).UTC()
	return &t
}

func buildCustomerRow(principalID uuid.UUID, email string) *models.Customer {
	return &models.Customer{
		PrincipalID: principalID,
		Email:       email,
	}
}
