package cron

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/calyxlabs/billingcore/pkg/logger"
)

type fakeStuckCounter struct {
	count      int64
	err        error
	lastWindow time.Duration
}

func (f *fakeStuckCounter) CountStuck(_ context.Context, olderThan time.Duration) (int64, error) {
	f.lastWindow = olderThan
	return f.count, f.err
}

func TestLedgerMonitorJobReportsStuckEvents(t *testing.T) {
	counter := &fakeStuckCounter{count: 3}
	job, err := NewLedgerMonitorJob(LedgerMonitorJobParams{
		Logger:      logger.New(logger.Options{ServiceName: "test"}),
		Ledger:      counter,
		StuckWindow: 2 * time.Hour,
	})
	if err != nil {
		t.Fatalf("NewLedgerMonitorJob: %v", err)
	}

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if counter.lastWindow != 2*time.Hour {
		t.Fatalf("expected 2h window, got %s", counter.lastWindow)
	}
}

func TestLedgerMonitorJobPropagatesErrors(t *testing.T) {
	counter := &fakeStuckCounter{err: errors.New("boom")}
	job, err := NewLedgerMonitorJob(LedgerMonitorJobParams{
		Logger: logger.New(logger.Options{ServiceName: "test"}),
		Ledger: counter,
	})
	if err != nil {
		t.Fatalf("NewLedgerMonitorJob: %v", err)
	}

	if err := job.Run(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}
