package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/MarkoPoloResearchLab/storyledger/pkg/ledger"
)

// SubmitRequest asks for a new job paid from the user's credits.
type SubmitRequest struct {
	UserID      ledger.UserID
	Kind        string
	Cost        ledger.PositiveCredits
	Description string
}

// Service runs the job lifecycle against the ledger.
type Service struct {
	store  Store
	ledger Ledger
	nowFn  func() int64
	newID  func() string
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithJobIDGenerator overrides the uuid generator used for job ids.
func WithJobIDGenerator(generate func() string) ServiceOption {
	return func(service *Service) {
		if generate != nil {
			service.newID = generate
		}
	}
}

// NewService wires a Service.
func NewService(store Store, creditLedger Ledger, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil || creditLedger == nil || now == nil {
		return nil, fmt.Errorf("%w: store, ledger and clock are required", ErrInvalidConfig)
	}
	service := &Service{store: store, ledger: creditLedger, nowFn: now, newID: uuid.NewString}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Submit consumes the job cost and then records a pending job.
// Insufficient balance creates no job. If the job row cannot be stored the cost is refunded.
func (service *Service) Submit(ctx context.Context, request SubmitRequest) (GenerationJob, error) {
	kind := strings.TrimSpace(request.Kind)
	if kind == "" {
		return GenerationJob{}, fmt.Errorf("%w: kind is required", ErrInvalidJob)
	}
	jobID := service.newID()
	metadata, err := ledger.MergeMetadata(ledger.MetadataJSON{}, map[string]any{"job_id": jobID, "kind": kind})
	if err != nil {
		return GenerationJob{}, err
	}
	description := strings.TrimSpace(request.Description)
	if description == "" {
		description = kind + " generation"
	}
	if _, err := service.ledger.Consume(ctx, ledger.ConsumeRequest{
		UserID:      request.UserID,
		Amount:      request.Cost,
		Description: description,
		Metadata:    metadata,
	}); err != nil {
		return GenerationJob{}, err
	}
	nowUnixUTC := service.nowFn()
	job := GenerationJob{
		JobID:          jobID,
		UserID:         request.UserID.String(),
		Kind:           kind,
		Cost:           request.Cost.Int64(),
		Status:         StatusPending,
		CreatedUnixUTC: nowUnixUTC,
		UpdatedUnixUTC: nowUnixUTC,
	}
	if err := service.store.InsertJob(ctx, job); err != nil {
		if _, refundErr := service.refund(ctx, job, "job could not be stored"); refundErr != nil {
			return GenerationJob{}, errors.Join(err, refundErr)
		}
		return GenerationJob{}, err
	}
	return job, nil
}

// Start moves a job into processing.
func (service *Service) Start(ctx context.Context, jobID string) error {
	return service.store.TransitionJob(ctx, Transition{JobID: jobID, To: StatusProcessing, AtUnixUTC: service.nowFn()})
}

// Complete stores the job result. A job that already failed returns ErrIllegalTransition,
// meaning another actor resolved it and the caller should stop.
func (service *Service) Complete(ctx context.Context, jobID string, result string) error {
	return service.store.TransitionJob(ctx, Transition{JobID: jobID, To: StatusCompleted, Result: result, AtUnixUTC: service.nowFn()})
}

// Fail marks the job failed and refunds its cost. The failed mark is a guarded write, so a
// Complete that lands first makes Fail return ErrJobCompleted without a refund, and a late
// Complete is rejected. Repeating Fail refunds once.
func (service *Service) Fail(ctx context.Context, jobID string, reason string) error {
	job, err := service.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status == StatusCompleted {
		return fmt.Errorf("%w: %s", ErrJobCompleted, jobID)
	}
	if err := service.store.TransitionJob(ctx, Transition{JobID: jobID, To: StatusFailed, Error: reason, AtUnixUTC: service.nowFn()}); err != nil {
		return err
	}
	_, err = service.refund(ctx, job, reason)
	return err
}

// Job returns the stored job.
func (service *Service) Job(ctx context.Context, jobID string) (GenerationJob, error) {
	return service.store.GetJob(ctx, jobID)
}

func (service *Service) refund(ctx context.Context, job GenerationJob, reason string) (ledger.GrantResult, error) {
	userID, err := ledger.NewUserID(job.UserID)
	if err != nil {
		return ledger.GrantResult{}, err
	}
	amount, err := ledger.NewPositiveCredits(job.Cost)
	if err != nil {
		return ledger.GrantResult{}, err
	}
	return service.ledger.Refund(ctx, ledger.RefundRequest{
		UserID:    userID,
		Amount:    amount,
		Reference: job.JobID,
		Reason:    reason,
	})
}
