package payments

import (
	"context"
	"time"
)

const (
	operationAcknowledge     = "acknowledge"
	operationProcess         = "process"
	operationRegisterPayment = "register_payment"
	operationReplay          = "replay"
	operationReprocess       = "reprocess_pending"
	operationPrune           = "prune_events"

	eventStatusOK    = "ok"
	eventStatusError = "error"

	// DefaultDedupWindow is how long a (payment id, status) pair short-circuits repeat deliveries.
	DefaultDedupWindow = 5 * time.Minute
	// DefaultEventRetention keeps processed events for audit.
	DefaultEventRetention = 90 * 24 * time.Hour

	defaultReprocessLimit = 100
)

// EventLogger receives one entry per gate operation.
type EventLogger interface {
	LogEvent(ctx context.Context, entry EventLog)
}

// EventLog describes a gate operation.
type EventLog struct {
	Operation string
	Provider  Provider
	PaymentID string
	EventID   string
	Status    PaymentStatus
	Outcome   Outcome
	Duplicate bool
	Count     int64
	Result    string
	Error     error
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithEventLogger wires a logger for gate operations.
func WithEventLogger(logger EventLogger) GateOption {
	return func(gate *Gate) {
		gate.logger = logger
	}
}

// WithDedupWindow overrides DefaultDedupWindow. Non-positive values are ignored.
func WithDedupWindow(window time.Duration) GateOption {
	return func(gate *Gate) {
		if window > 0 {
			gate.dedupWindow = window
		}
	}
}

// WithEventIDGenerator overrides the uuid generator used for event ids.
func WithEventIDGenerator(generate func() string) GateOption {
	return func(gate *Gate) {
		if generate != nil {
			gate.newID = generate
		}
	}
}
