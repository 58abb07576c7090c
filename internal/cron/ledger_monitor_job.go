package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/calyxlabs/billingcore/pkg/logger"
)

const defaultStuckWindow = time.Hour

// stuckCounter reports ledger rows that were claimed but never finished.
type stuckCounter interface {
	CountStuck(ctx context.Context, olderThan time.Duration) (int64, error)
}

// LedgerMonitorJobParams configures the webhook ledger monitor.
type LedgerMonitorJobParams struct {
	Logger      *logger.Logger
	Ledger      stuckCounter
	StuckWindow time.Duration
}

// NewLedgerMonitorJob builds a job that surfaces webhook events stuck in the
// unprocessed state. It only reports; the processor's redelivery and the
// refresh jobs do the actual healing.
func NewLedgerMonitorJob(params LedgerMonitorJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Ledger == nil {
		return nil, fmt.Errorf("ledger required")
	}
	window := params.StuckWindow
	if window <= 0 {
		window = defaultStuckWindow
	}
	return &ledgerMonitorJob{
		logg:   params.Logger,
		ledger: params.Ledger,
		window: window,
	}, nil
}

type ledgerMonitorJob struct {
	logg   *logger.Logger
	ledger stuckCounter
	window time.Duration
}

func (j *ledgerMonitorJob) Name() string { return "ledger-monitor" }

func (j *ledgerMonitorJob) Run(ctx context.Context) error {
	logCtx := j.logg.WithField(ctx, "job", j.Name())

	count, err := j.ledger.CountStuck(logCtx, j.window)
	if err != nil {
		return fmt.Errorf("count stuck events: %w", err)
	}

	logCtx = j.logg.WithField(logCtx, "count", count)
	if count > 0 {
		j.logg.Warn(logCtx, "webhook events stuck in unprocessed state")
		return nil
	}
	j.logg.Info(logCtx, "no stuck webhook events")
	return nil
}
