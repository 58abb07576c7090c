package cron

import (
	"context"
	"errors"
	"testing"

	"github.com/calyxlabs/billingcore/internal/catalog"
	"github.com/calyxlabs/billingcore/pkg/logger"
)

type fakeCatalogSyncer struct {
	report *catalog.SyncReport
	err    error
	called int
}

func (f *fakeCatalogSyncer) Sync(_ context.Context) (*catalog.SyncReport, error) {
	f.called++
	return f.report, f.err
}

func TestCatalogSyncJobRunsSync(t *testing.T) {
	syncer := &fakeCatalogSyncer{report: &catalog.SyncReport{ProductsSynced: 3, PricesSynced: 5}}
	job, err := NewCatalogSyncJob(CatalogSyncJobParams{
		Logger:  logger.New(logger.Options{ServiceName: "test"}),
		Catalog: syncer,
	})
	if err != nil {
		t.Fatalf("NewCatalogSyncJob: %v", err)
	}

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if syncer.called != 1 {
		t.Fatalf("expected one sync, got %d", syncer.called)
	}
}

func TestCatalogSyncJobPropagatesErrors(t *testing.T) {
	syncer := &fakeCatalogSyncer{err: errors.New("boom")}
	job, err := NewCatalogSyncJob(CatalogSyncJobParams{
		Logger:  logger.New(logger.Options{ServiceName: "test"}),
		Catalog: syncer,
	})
	if err != nil {
		t.Fatalf("NewCatalogSyncJob: %v", err)
	}

	if err := job.Run(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}
