package reconcile

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v84"

	"github.com/calyxlabs/billingcore/pkg/enums"
)

func TestMapSubscriptionStatus_KnownValues(t *testing.T) {
	cases := []struct {
		name  string
		value stripe.SubscriptionStatus
		want  enums.SubscriptionStatus
	}{
		{name: "incomplete", value: stripe.SubscriptionStatusIncomplete, want: enums.SubscriptionStatusIncomplete},
		{name: "incomplete expired", value: stripe.SubscriptionStatusIncompleteExpired, want: enums.SubscriptionStatusIncompleteExpired},
		{name: "trialing", value: stripe.SubscriptionStatusTrialing, want: enums.SubscriptionStatusTrialing},
		{name: "active", value: stripe.SubscriptionStatusActive, want: enums.SubscriptionStatusActive},
		{name: "past due", value: stripe.SubscriptionStatusPastDue, want: enums.SubscriptionStatusPastDue},
		{name: "canceled", value: stripe.SubscriptionStatusCanceled, want: enums.SubscriptionStatusCanceled},
		{name: "unpaid", value: stripe.SubscriptionStatusUnpaid, want: enums.SubscriptionStatusUnpaid},
		{name: "paused", value: stripe.SubscriptionStatusPaused, want: enums.SubscriptionStatusPaused},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, MapSubscriptionStatus(tc.value))
		})
	}
}

func TestMapSubscriptionStatus_UnrecognizedFallsBackToUnknown(t *testing.T) {
	require.Equal(t, enums.SubscriptionStatusUnknown, MapSubscriptionStatus(stripe.SubscriptionStatus("hibernating")))
	require.Equal(t, enums.SubscriptionStatusUnknown, MapSubscriptionStatus(stripe.SubscriptionStatus("")))
}

func TestBuildPrice_UnitAmountNullability(t *testing.T) {
	productID := uuid.New()

	t.Run("per-unit amount stored", func(t *testing.T) {
		row := buildPrice(&stripe.Price{
			ID:            "price_flat",
			BillingScheme: stripe.PriceBillingSchemePerUnit,
			Currency:      stripe.CurrencyUSD,
			UnitAmount:    1500,
		}, productID)
		require.NotNil(t, row.UnitAmount)
		require.Equal(t, int64(1500), *row.UnitAmount)
	})

	t.Run("free per-unit price stores zero", func(t *testing.T) {
		row := buildPrice(&stripe.Price{
			ID:            "price_free",
			BillingScheme: stripe.PriceBillingSchemePerUnit,
			Currency:      stripe.CurrencyUSD,
		}, productID)
		require.NotNil(t, row.UnitAmount)
		require.Zero(t, *row.UnitAmount)
	})

	t.Run("tiered price left null", func(t *testing.T) {
		row := buildPrice(&stripe.Price{
			ID:            "price_tiered",
			BillingScheme: stripe.PriceBillingSchemeTiered,
			Currency:      stripe.CurrencyUSD,
			Type:          stripe.PriceTypeRecurring,
			Recurring: &stripe.PriceRecurring{
				Interval:      stripe.PriceRecurringIntervalMonth,
				IntervalCount: 1,
			},
		}, productID)
		require.Nil(t, row.UnitAmount)
		require.False(t, row.UnitAmountDecimal.Valid)
	})

	t.Run("metered price without flat amount left null", func(t *testing.T) {
		row := buildPrice(&stripe.Price{
			ID:       "price_metered",
			Currency: stripe.CurrencyUSD,
			Type:     stripe.PriceTypeRecurring,
			Recurring: &stripe.PriceRecurring{
				Interval:      stripe.PriceRecurringIntervalMonth,
				IntervalCount: 1,
				UsageType:     stripe.PriceRecurringUsageTypeMetered,
			},
		}, productID)
		require.Nil(t, row.UnitAmount)
		require.False(t, row.UnitAmountDecimal.Valid)
	})

	t.Run("decimal amount stored without integer shadow", func(t *testing.T) {
		row := buildPrice(&stripe.Price{
			ID:                "price_decimal",
			BillingScheme:     stripe.PriceBillingSchemePerUnit,
			Currency:          stripe.CurrencyUSD,
			UnitAmountDecimal: 0.5,
		}, productID)
		require.Nil(t, row.UnitAmount)
		require.True(t, row.UnitAmountDecimal.Valid)
	})
}
