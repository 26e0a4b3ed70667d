package ledger

import "context"

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing ledger operation.
type OperationLog struct {
	Operation    string
	UserID       UserID
	Amount       int64
	SourceID     SourceID
	GrantID      GrantID
	BalanceAfter Credits
	Duplicate    bool
	Metadata     MetadataJSON
	Status       string
	Error        error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithBalanceMirror wires an out-of-database mirror refreshed after each committed mutation.
func WithBalanceMirror(mirror BalanceMirror) ServiceOption {
	return func(service *Service) {
		service.mirror = mirror
	}
}

// WithIDGenerator overrides the generator used for admin source ids.
func WithIDGenerator(generate func() string) ServiceOption {
	return func(service *Service) {
		if generate != nil {
			service.newID = generate
		}
	}
}
