// Package dispatch runs webhook processing and retention maintenance off the request path.
package dispatch

import (
	"context"
	"errors"

	"github.com/MarkoPoloResearchLab/storyledger/pkg/payments"
)

var (
	ErrQueueFull = errors.New("dispatch queue full")
	ErrClosed    = errors.New("dispatcher closed")
)

// Processor settles one acknowledged webhook event. payments.Gate satisfies it.
type Processor interface {
	Process(ctx context.Context, eventID string) (payments.ProcessResult, error)
}

// Dispatcher schedules an acknowledged event for processing. An event that cannot be
// scheduled stays unprocessed and is picked up by Maintenance.
type Dispatcher interface {
	Dispatch(ctx context.Context, eventID string) error
	Close(ctx context.Context) error
}

func isPermanent(err error) bool {
	return payments.IsPermanent(err)
}
