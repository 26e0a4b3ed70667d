package jobs

import (
	"fmt"
	"strings"
)

// Status is the lifecycle state of a generation job.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// ParseStatus validates a stored status.
func ParseStatus(raw string) (Status, error) {
	switch status := Status(strings.ToLower(strings.TrimSpace(raw))); status {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return status, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
	}
}

func (status Status) String() string {
	return string(status)
}

// CheckTransition rejects the single forbidden move: a failed job never becomes completed.
// A worker that loses this race must treat the job as resolved by someone else.
func CheckTransition(from Status, to Status) error {
	if _, err := ParseStatus(to.String()); err != nil {
		return err
	}
	if from == StatusFailed && to == StatusCompleted {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	return nil
}

// CheckUpdate is the guard stores apply atomically with a status write. On top of CheckTransition
// it refuses to fail a completed job: its result is delivered and its cost must not come back.
func CheckUpdate(from Status, to Status) error {
	if err := CheckTransition(from, to); err != nil {
		return err
	}
	if from == StatusCompleted && to == StatusFailed {
		return fmt.Errorf("%w: %s -> %s", ErrJobCompleted, from, to)
	}
	return nil
}
