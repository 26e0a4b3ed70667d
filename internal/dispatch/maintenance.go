package dispatch

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/storyledger/pkg/ledger"
	"github.com/MarkoPoloResearchLab/storyledger/pkg/payments"
)

// LedgerSweeper is the ledger side of maintenance.
type LedgerSweeper interface {
	Sweep(ctx context.Context, options ledger.SweepOptions) (ledger.SweepReport, error)
}

// EventMaintainer is the webhook side of maintenance.
type EventMaintainer interface {
	ReprocessPending(ctx context.Context, olderThan time.Duration, limit int) (payments.ReprocessReport, error)
	PruneEvents(ctx context.Context, retention time.Duration) (int64, error)
}

// MaintenanceOptions bounds one pass.
type MaintenanceOptions struct {
	Sweep          ledger.SweepOptions
	ReprocessAfter time.Duration
	// ReprocessLimit of zero leaves the batch size to the gate.
	ReprocessLimit int
	EventRetention time.Duration
}

// MaintenanceReport summarizes one pass.
type MaintenanceReport struct {
	Sweep        ledger.SweepReport
	Reprocessed  payments.ReprocessReport
	PrunedEvents int64
}

// Maintenance expires grants, retries stuck webhook events and prunes old ones.
type Maintenance struct {
	sweeper    LedgerSweeper
	maintainer EventMaintainer
	options    MaintenanceOptions
	logger     *zap.Logger
}

// NewMaintenance wires a Maintenance runner.
func NewMaintenance(sweeper LedgerSweeper, maintainer EventMaintainer, options MaintenanceOptions, logger *zap.Logger) *Maintenance {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Maintenance{sweeper: sweeper, maintainer: maintainer, options: options, logger: logger}
}

// Run executes every step even when an earlier one fails and joins the errors.
func (maintenance *Maintenance) Run(ctx context.Context) (MaintenanceReport, error) {
	var (
		report MaintenanceReport
		errs   []error
		err    error
	)
	if report.Sweep, err = maintenance.sweeper.Sweep(ctx, maintenance.options.Sweep); err != nil {
		errs = append(errs, err)
	}
	if maintenance.options.ReprocessAfter > 0 {
		if report.Reprocessed, err = maintenance.maintainer.ReprocessPending(ctx, maintenance.options.ReprocessAfter, maintenance.options.ReprocessLimit); err != nil {
			errs = append(errs, err)
		}
	}
	if maintenance.options.EventRetention > 0 {
		if report.PrunedEvents, err = maintenance.maintainer.PruneEvents(ctx, maintenance.options.EventRetention); err != nil {
			errs = append(errs, err)
		}
	}
	joined := errors.Join(errs...)
	maintenance.logger.Info("maintenance pass",
		zap.Int("expired_grants", report.Sweep.ExpiredGrants),
		zap.Int64("burned_credits", report.Sweep.BurnedCredits.Int64()),
		zap.Int64("deleted_grants", report.Sweep.DeletedGrants),
		zap.Int("reprocessed", report.Reprocessed.Attempted),
		zap.Int("reprocess_failed", report.Reprocessed.Failed),
		zap.Int64("pruned_events", report.PrunedEvents),
		zap.Error(joined),
	)
	return report, joined
}

// RunEvery runs a pass immediately and then on every tick until ctx ends.
func (maintenance *Maintenance) RunEvery(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		_, _ = maintenance.Run(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
