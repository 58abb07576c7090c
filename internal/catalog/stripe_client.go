package catalog

import (
	"context"

	"github.com/stripe/stripe-go/v84"
	"github.com/stripe/stripe-go/v84/client"

	pkgstripe "github.com/calyxlabs/billingcore/pkg/stripe"
)

// CatalogClient lists the processor's product and price catalogs. The wrapper
// drains the auto-paginating iterators so callers see one flat listing.
type CatalogClient interface {
	ListProducts(ctx context.Context, pageSize int) ([]*stripe.Product, error)
	ListPrices(ctx context.Context, pageSize int) ([]*stripe.Price, error)
}

type catalogClientWrapper struct {
	api *client.API
}

// NewCatalogClient wraps the initialized Stripe client for catalog listings.
func NewCatalogClient(api *pkgstripe.Client) CatalogClient {
	if api == nil || api.API() == nil {
		return nil
	}
	return &catalogClientWrapper{api: api.API()}
}

func (w *catalogClientWrapper) ListProducts(ctx context.Context, pageSize int) ([]*stripe.Product, error) {
	params := &stripe.ProductListParams{}
	params.Context = ctx
	if pageSize > 0 {
		params.Limit = stripe.Int64(int64(pageSize))
	}

	var products []*stripe.Product
	iter := w.api.Products.List(params)
	for iter.Next() {
		products = append(products, iter.Product())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return products, nil
}

func (w *catalogClientWrapper) ListPrices(ctx context.Context, pageSize int) ([]*stripe.Price, error) {
	params := &stripe.PriceListParams{}
	params.Context = ctx
	if pageSize > 0 {
		params.Limit = stripe.Int64(int64(pageSize))
	}

	var prices []*stripe.Price
	iter := w.api.Prices.List(params)
	for iter.Next() {
		prices = append(prices, iter.Price())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return prices, nil
}
