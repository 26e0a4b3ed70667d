package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"go.uber.org/zap"
)

const (
	kindProcessWebhookEvent = "process_webhook_event"
	kindMaintenance         = "storyledger_maintenance"
	maxWebhookAttempts      = 10
)

// ProcessWebhookEventArgs is the River job payload for one acknowledged event.
type ProcessWebhookEventArgs struct {
	EventID string `json:"event_id"`
}

func (ProcessWebhookEventArgs) Kind() string { return kindProcessWebhookEvent }

// MaintenanceArgs triggers one Maintenance pass.
type MaintenanceArgs struct{}

func (MaintenanceArgs) Kind() string { return kindMaintenance }

type processWebhookEventWorker struct {
	river.WorkerDefaults[ProcessWebhookEventArgs]
	processor Processor
	logger    *zap.Logger
}

func (worker *processWebhookEventWorker) Work(ctx context.Context, job *river.Job[ProcessWebhookEventArgs]) error {
	result, err := worker.processor.Process(ctx, job.Args.EventID)
	if err == nil {
		worker.logger.Debug("webhook event processed",
			zap.String("event_id", job.Args.EventID),
			zap.String("outcome", string(result.Outcome)),
		)
		return nil
	}
	if isPermanent(err) {
		return river.JobCancel(err)
	}
	return err
}

type maintenanceWorker struct {
	river.WorkerDefaults[MaintenanceArgs]
	maintenance *Maintenance
}

func (worker *maintenanceWorker) Work(ctx context.Context, _ *river.Job[MaintenanceArgs]) error {
	_, err := worker.maintenance.Run(ctx)
	return err
}

// RiverConfig wires a RiverDispatcher.
type RiverConfig struct {
	Workers int
	// Maintenance, when set, runs periodically every MaintenanceInterval.
	Maintenance         *Maintenance
	MaintenanceInterval time.Duration
}

// RiverDispatcher persists webhook processing jobs in Postgres through River.
type RiverDispatcher struct {
	client *river.Client[pgx.Tx]
}

// MigrateRiver installs or upgrades River's own tables.
func MigrateRiver(ctx context.Context, pool *pgxpool.Pool) error {
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		return fmt.Errorf("river migrator: %w", err)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		return fmt.Errorf("river migrate up: %w", err)
	}
	return nil
}

// NewRiverDispatcher builds and starts a River client.
func NewRiverDispatcher(ctx context.Context, pool *pgxpool.Pool, processor Processor, cfg RiverConfig, logger *zap.Logger) (*RiverDispatcher, error) {
	if processor == nil {
		return nil, errors.New("river dispatcher: processor is required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultPoolWorkers
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	workers := river.NewWorkers()
	river.AddWorker(workers, &processWebhookEventWorker{processor: processor, logger: logger})

	riverConfig := &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: cfg.Workers},
		},
		Workers: workers,
	}
	if cfg.Maintenance != nil && cfg.MaintenanceInterval > 0 {
		river.AddWorker(workers, &maintenanceWorker{maintenance: cfg.Maintenance})
		riverConfig.PeriodicJobs = []*river.PeriodicJob{
			river.NewPeriodicJob(
				river.PeriodicInterval(cfg.MaintenanceInterval),
				func() (river.JobArgs, *river.InsertOpts) {
					return MaintenanceArgs{}, &river.InsertOpts{UniqueOpts: river.UniqueOpts{ByPeriod: cfg.MaintenanceInterval}}
				},
				&river.PeriodicJobOpts{RunOnStart: true},
			),
		}
	}
	client, err := river.NewClient(riverpgxv5.New(pool), riverConfig)
	if err != nil {
		return nil, fmt.Errorf("river client: %w", err)
	}
	if err := client.Start(ctx); err != nil {
		return nil, fmt.Errorf("river start: %w", err)
	}
	return &RiverDispatcher{client: client}, nil
}

// Dispatch enqueues the event. Repeated dispatches of the same event collapse into one job.
func (dispatcher *RiverDispatcher) Dispatch(ctx context.Context, eventID string) error {
	_, err := dispatcher.client.Insert(ctx, ProcessWebhookEventArgs{EventID: strings.TrimSpace(eventID)}, &river.InsertOpts{
		MaxAttempts: maxWebhookAttempts,
		UniqueOpts:  river.UniqueOpts{ByArgs: true},
	})
	if err != nil {
		return fmt.Errorf("river insert: %w", err)
	}
	return nil
}

// Close stops fetching new jobs and waits for running ones.
func (dispatcher *RiverDispatcher) Close(ctx context.Context) error {
	return dispatcher.client.Stop(ctx)
}
