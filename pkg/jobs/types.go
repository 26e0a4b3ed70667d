package jobs

import (
	"context"
	"errors"

	"github.com/MarkoPoloResearchLab/storyledger/pkg/ledger"
)

var (
	ErrJobNotFound       = errors.New("job not found")
	ErrIllegalTransition = errors.New("illegal job status transition")
	ErrInvalidStatus     = errors.New("invalid job status")
	ErrInvalidJob        = errors.New("invalid job")
	ErrJobCompleted      = errors.New("job already completed")
	ErrInvalidConfig     = errors.New("invalid job service configuration")
)

// GenerationJob is one paid unit of story or audio generation.
type GenerationJob struct {
	JobID          string
	UserID         string
	Kind           string
	Cost           int64
	Status         Status
	Result         string
	Error          string
	CreatedUnixUTC int64
	UpdatedUnixUTC int64
}

// Transition is a guarded status update.
type Transition struct {
	JobID     string
	To        Status
	Result    string
	Error     string
	AtUnixUTC int64
}

// Store persists jobs and applies CheckTransition atomically with the update.
type Store interface {
	InsertJob(ctx context.Context, job GenerationJob) error
	// GetJob returns ErrJobNotFound when the id is unknown.
	GetJob(ctx context.Context, jobID string) (GenerationJob, error)
	// TransitionJob applies CheckUpdate in the same write. It returns ErrIllegalTransition or
	// ErrJobCompleted when the guard rejects the update and ErrJobNotFound when the job does not exist.
	TransitionJob(ctx context.Context, transition Transition) error
}

// Ledger is the slice of the credit ledger a job needs.
type Ledger interface {
	Consume(ctx context.Context, request ledger.ConsumeRequest) (ledger.ConsumeResult, error)
	Refund(ctx context.Context, request ledger.RefundRequest) (ledger.GrantResult, error)
}
