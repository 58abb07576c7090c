package billing

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/calyxlabs/billingcore/api/responses"
	"github.com/calyxlabs/billingcore/pkg/db/models"
	pkgerrors "github.com/calyxlabs/billingcore/pkg/errors"
	"github.com/calyxlabs/billingcore/pkg/logger"
)

type priceResponse struct {
	ID            uuid.UUID `json:"id"`
	Currency      string    `json:"currency"`
	Kind          string    `json:"kind"`
	UnitAmount    *int64    `json:"unit_amount,omitempty"`
	Interval      *string   `json:"interval,omitempty"`
	IntervalCount *int      `json:"interval_count,omitempty"`
}

type productResponse struct {
	ID          uuid.UUID       `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Features    []string        `json:"features,omitempty"`
	Prices      []priceResponse `json:"prices"`
}

// ListProducts returns the purchasable catalog: active products with their
// active prices.
func ListProducts(svc ActionService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "billing service unavailable"))
			return
		}

		products, err := svc.ListProducts(r.Context())
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		items := make([]productResponse, 0, len(products))
		for i := range products {
			items = append(items, newProductResponse(&products[i]))
		}
		responses.WriteSuccess(w, items)
	}
}

func newProductResponse(product *models.Product) productResponse {
	prices := make([]priceResponse, 0, len(product.Prices))
	for _, price := range product.Prices {
		item := priceResponse{
			ID:            price.ID,
			Currency:      price.Currency,
			Kind:          string(price.Kind),
			UnitAmount:    price.UnitAmount,
			IntervalCount: price.IntervalCount,
		}
		if price.Interval != nil {
			interval := string(*price.Interval)
			item.Interval = &interval
		}
		prices = append(prices, item)
	}
	return productResponse{
		ID:          product.ID,
		Name:        product.Name,
		Description: product.Description,
		Features:    product.Features,
		Prices:      prices,
	}
}
