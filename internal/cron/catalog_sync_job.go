package cron

import (
	"context"
	"fmt"

	"github.com/calyxlabs/billingcore/internal/catalog"
	"github.com/calyxlabs/billingcore/pkg/logger"
)

// catalogSyncer runs a full product and price sync against the processor.
type catalogSyncer interface {
	Sync(ctx context.Context) (*catalog.SyncReport, error)
}

// CatalogSyncJobParams configures the scheduled catalog sync.
type CatalogSyncJobParams struct {
	Logger  *logger.Logger
	Catalog catalogSyncer
}

// NewCatalogSyncJob builds the catalog sync cron job.
func NewCatalogSyncJob(params CatalogSyncJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Catalog == nil {
		return nil, fmt.Errorf("catalog service required")
	}
	return &catalogSyncJob{
		logg:    params.Logger,
		catalog: params.Catalog,
	}, nil
}

type catalogSyncJob struct {
	logg    *logger.Logger
	catalog catalogSyncer
}

func (j *catalogSyncJob) Name() string { return "catalog-sync" }

func (j *catalogSyncJob) Run(ctx context.Context) error {
	logCtx := j.logg.WithField(ctx, "job", j.Name())
	report, err := j.catalog.Sync(logCtx)
	if report != nil {
		logCtx = j.logg.WithFields(logCtx, map[string]any{
			"products_synced": report.ProductsSynced,
			"prices_synced":   report.PricesSynced,
			"skipped":         report.Skipped,
		})
	}
	if err != nil {
		return fmt.Errorf("catalog sync: %w", err)
	}
	j.logg.Info(logCtx, "catalog sync job complete")
	return nil
}
