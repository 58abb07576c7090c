package catalog

import (
	"context"
	"errors"

	"github.com/stripe/stripe-go/v84"
	"go.uber.org/multierr"

	"github.com/calyxlabs/billingcore/internal/reconcile"
	pkgerrors "github.com/calyxlabs/billingcore/pkg/errors"
	"github.com/calyxlabs/billingcore/pkg/logger"
)

const defaultPageSize = 100

// ServiceParams groups dependencies for the catalog sync service.
type ServiceParams struct {
	Client     CatalogClient
	Reconciler *reconcile.Service
	Logger     *logger.Logger
	PageSize   int
}

// Service pulls the processor's full product and price catalogs and replays
// them through the same reconcilers the webhook stream uses, so both paths
// share one idempotence contract.
type Service struct {
	client     CatalogClient
	reconciler *reconcile.Service
	logg       *logger.Logger
	pageSize   int
}

// SyncReport summarizes one full catalog sync.
type SyncReport struct {
	ProductsSynced int `json:"products_synced"`
	PricesSynced   int `json:"prices_synced"`
	Skipped        int `json:"skipped"`
}

// NewService builds a catalog sync service.
func NewService(params ServiceParams) (*Service, error) {
	if params.Client == nil {
		return nil, errors.New("catalog client is required")
	}
	if params.Reconciler == nil {
		return nil, errors.New("reconciler is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	pageSize := params.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	return &Service{
		client:     params.Client,
		reconciler: params.Reconciler,
		logg:       params.Logger,
		pageSize:   pageSize,
	}, nil
}

// Sync upserts every product before any price so price rows always resolve
// their parent. Per-item failures are accumulated rather than aborting the
// run; the combined error is returned after both passes complete.
func (s *Service) Sync(ctx context.Context) (*SyncReport, error) {
	report := &SyncReport{}

	products, err := s.client.ListProducts(ctx, s.pageSize)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list products")
	}

	var errs error
	for _, product := range products {
		if err := s.syncProduct(ctx, product); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		report.ProductsSynced++
	}

	prices, err := s.client.ListPrices(ctx, s.pageSize)
	if err != nil {
		return report, multierr.Append(errs, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list prices"))
	}
	for _, price := range prices {
		if err := s.syncPrice(ctx, price); err != nil {
			if reconcile.IsUnresolvedReference(err) {
				report.Skipped++
				logCtx := s.logg.WithField(ctx, "stripe_price_id", price.ID)
				s.logg.Warn(logCtx, "price references unknown product, skipped")
				continue
			}
			errs = multierr.Append(errs, err)
			continue
		}
		report.PricesSynced++
	}

	logCtx := s.logg.WithFields(ctx, map[string]any{
		"products_synced": report.ProductsSynced,
		"prices_synced":   report.PricesSynced,
		"skipped":         report.Skipped,
	})
	s.logg.Info(logCtx, "catalog sync finished")
	return report, errs
}

func (s *Service) syncProduct(ctx context.Context, product *stripe.Product) error {
	if product == nil {
		return nil
	}
	if !product.Active {
		if err := s.reconciler.UpsertProduct(ctx, product); err != nil {
			return err
		}
		return s.reconciler.DeactivateProduct(ctx, product.ID)
	}
	return s.reconciler.UpsertProduct(ctx, product)
}

func (s *Service) syncPrice(ctx context.Context, price *stripe.Price) error {
	if price == nil {
		return nil
	}
	return s.reconciler.UpsertPrice(ctx, price)
}
