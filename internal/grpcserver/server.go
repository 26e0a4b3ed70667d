// Package grpcserver exposes the ledger and the generation job lifecycle to workers over gRPC.
// Messages are google.protobuf.Struct values, so callers need no generated stubs.
package grpcserver

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/MarkoPoloResearchLab/storyledger/pkg/jobs"
	"github.com/MarkoPoloResearchLab/storyledger/pkg/ledger"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "storyledger.credit.v1.CreditService"

const (
	errorInsufficientBalance = "insufficient_balance"
	errorInvalidArgument     = "invalid_argument"
	errorJobNotFound         = "job_not_found"
	errorJobResolved         = "job_resolved"
	errorJobsDisabled        = "jobs_disabled"
	errorInternal            = "internal_error"
)

var invalidArgumentErrors = []error{
	errInvalidField,
	ledger.ErrInvalidUserID,
	ledger.ErrInvalidCredits,
	ledger.ErrInvalidGrantSource,
	ledger.ErrInvalidSourceID,
	ledger.ErrInvalidExpiry,
	ledger.ErrInvalidMetadataJSON,
	jobs.ErrInvalidJob,
	jobs.ErrInvalidStatus,
}

type creditServiceHandler interface {
	Consume(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	Grant(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	Refund(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	GetActiveBalance(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	SubmitJob(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	StartJob(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	CompleteJob(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	FailJob(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	GetJob(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*creditServiceHandler)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("Consume", creditServiceHandler.Consume),
		unaryMethod("Grant", creditServiceHandler.Grant),
		unaryMethod("Refund", creditServiceHandler.Refund),
		unaryMethod("GetActiveBalance", creditServiceHandler.GetActiveBalance),
		unaryMethod("SubmitJob", creditServiceHandler.SubmitJob),
		unaryMethod("StartJob", creditServiceHandler.StartJob),
		unaryMethod("CompleteJob", creditServiceHandler.CompleteJob),
		unaryMethod("FailJob", creditServiceHandler.FailJob),
		unaryMethod("GetJob", creditServiceHandler.GetJob),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "storyledger/credit/v1/credit.proto",
}

func unaryMethod(name string, call func(creditServiceHandler, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, decode func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			request := new(structpb.Struct)
			if err := decode(request); err != nil {
				return nil, err
			}
			server := srv.(creditServiceHandler)
			if interceptor == nil {
				return call(server, ctx, request)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, request, info, func(ctx context.Context, request any) (any, error) {
				return call(server, ctx, request.(*structpb.Struct))
			})
		},
	}
}

// CreditServiceServer serves ledger and job calls from generation workers.
type CreditServiceServer struct {
	creditService *ledger.Service
	jobService    *jobs.Service
	logger        *zap.Logger
}

// NewCreditServiceServer constructs the server. A nil job service disables the job RPCs.
func NewCreditServiceServer(creditService *ledger.Service, jobService *jobs.Service, logger *zap.Logger) *CreditServiceServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CreditServiceServer{creditService: creditService, jobService: jobService, logger: logger}
}

// Register attaches the service to a gRPC server.
func Register(registrar grpc.ServiceRegistrar, server *CreditServiceServer) {
	registrar.RegisterService(&serviceDesc, server)
}

// Consume debits credits. An insufficient balance is FailedPrecondition "insufficient_balance".
func (server *CreditServiceServer) Consume(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	userID, err := userIDField(request)
	if err != nil {
		return nil, server.mapError("consume", err)
	}
	amount, err := creditsField(request, fieldAmount)
	if err != nil {
		return nil, server.mapError("consume", err)
	}
	metadata, err := metadataField(request)
	if err != nil {
		return nil, server.mapError("consume", err)
	}
	result, err := server.creditService.Consume(ctx, ledger.ConsumeRequest{
		UserID:      userID,
		Amount:      amount,
		Description: optionalString(request, fieldDescription),
		Metadata:    metadata,
	})
	if err != nil {
		return nil, server.mapError("consume", err)
	}
	return structpb.NewStruct(map[string]any{
		fieldSuccess:       true,
		fieldNewBalance:    result.BalanceAfter.Int64(),
		fieldFromExpiring:  result.FromExpiring.Int64(),
		fieldFromPermanent: result.FromPermanent.Int64(),
	})
}

// Grant issues credits once per source id.
func (server *CreditServiceServer) Grant(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	grantRequest, err := grantRequestFromStruct(request)
	if err != nil {
		return nil, server.mapError("grant", err)
	}
	result, err := server.creditService.Grant(ctx, grantRequest)
	if err != nil {
		return nil, server.mapError("grant", err)
	}
	return structpb.NewStruct(map[string]any{
		fieldGrantID:      result.GrantID.String(),
		fieldDuplicate:    result.Duplicate,
		fieldExpiresAt:    result.ExpiresAtUnixUTC,
		fieldBalanceAfter: result.BalanceAfter.Int64(),
	})
}

// Refund returns credits for work that did not complete. The reference makes it idempotent.
func (server *CreditServiceServer) Refund(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	userID, err := userIDField(request)
	if err != nil {
		return nil, server.mapError("refund", err)
	}
	amount, err := creditsField(request, fieldAmount)
	if err != nil {
		return nil, server.mapError("refund", err)
	}
	reference, err := requiredString(request, fieldReference)
	if err != nil {
		return nil, server.mapError("refund", err)
	}
	metadata, err := metadataField(request)
	if err != nil {
		return nil, server.mapError("refund", err)
	}
	result, err := server.creditService.Refund(ctx, ledger.RefundRequest{
		UserID:    userID,
		Amount:    amount,
		Reference: reference,
		Reason:    optionalString(request, fieldReason),
		Metadata:  metadata,
	})
	if err != nil {
		return nil, server.mapError("refund", err)
	}
	return structpb.NewStruct(map[string]any{
		fieldGrantID:   result.GrantID.String(),
		fieldDuplicate: result.Duplicate,
	})
}

// GetActiveBalance sums the unexpired remaining credits.
// With cached=true it may answer from a fresh balance mirror instead; debits never rely on that value.
func (server *CreditServiceServer) GetActiveBalance(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	userID, err := userIDField(request)
	if err != nil {
		return nil, server.mapError("get active balance", err)
	}
	cached, err := boolField(request, fieldCached)
	if err != nil {
		return nil, server.mapError("get active balance", err)
	}
	readBalance := server.creditService.ActiveBalance
	if cached {
		readBalance = server.creditService.CachedBalance
	}
	balance, err := readBalance(ctx, userID)
	if err != nil {
		return nil, server.mapError("get active balance", err)
	}
	return structpb.NewStruct(map[string]any{fieldBalance: balance.Int64()})
}

// SubmitJob charges the job cost and records a pending job.
func (server *CreditServiceServer) SubmitJob(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	if server.jobService == nil {
		return nil, status.Error(codes.Unimplemented, errorJobsDisabled)
	}
	userID, err := userIDField(request)
	if err != nil {
		return nil, server.mapError("submit job", err)
	}
	cost, err := creditsField(request, fieldCost)
	if err != nil {
		return nil, server.mapError("submit job", err)
	}
	job, err := server.jobService.Submit(ctx, jobs.SubmitRequest{
		UserID:      userID,
		Kind:        optionalString(request, fieldKind),
		Cost:        cost,
		Description: optionalString(request, fieldDescription),
	})
	if err != nil {
		return nil, server.mapError("submit job", err)
	}
	return jobStruct(job)
}

func (server *CreditServiceServer) StartJob(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	return server.transitionJob(ctx, request, "start job", func(ctx context.Context, jobID string) error {
		return server.jobService.Start(ctx, jobID)
	})
}

// CompleteJob stores the result. A job that already failed returns FailedPrecondition "job_resolved".
func (server *CreditServiceServer) CompleteJob(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	return server.transitionJob(ctx, request, "complete job", func(ctx context.Context, jobID string) error {
		return server.jobService.Complete(ctx, jobID, optionalString(request, fieldResult))
	})
}

// FailJob marks the job failed and refunds its cost.
func (server *CreditServiceServer) FailJob(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	return server.transitionJob(ctx, request, "fail job", func(ctx context.Context, jobID string) error {
		return server.jobService.Fail(ctx, jobID, optionalString(request, fieldReason))
	})
}

func (server *CreditServiceServer) GetJob(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	if server.jobService == nil {
		return nil, status.Error(codes.Unimplemented, errorJobsDisabled)
	}
	jobID, err := requiredString(request, fieldJobID)
	if err != nil {
		return nil, server.mapError("get job", err)
	}
	job, err := server.jobService.Job(ctx, jobID)
	if err != nil {
		return nil, server.mapError("get job", err)
	}
	return jobStruct(job)
}

func (server *CreditServiceServer) transitionJob(ctx context.Context, request *structpb.Struct, operation string, apply func(context.Context, string) error) (*structpb.Struct, error) {
	if server.jobService == nil {
		return nil, status.Error(codes.Unimplemented, errorJobsDisabled)
	}
	jobID, err := requiredString(request, fieldJobID)
	if err != nil {
		return nil, server.mapError(operation, err)
	}
	if err := apply(ctx, jobID); err != nil {
		return nil, server.mapError(operation, err)
	}
	job, err := server.jobService.Job(ctx, jobID)
	if err != nil {
		return nil, server.mapError(operation, err)
	}
	return jobStruct(job)
}

func (server *CreditServiceServer) mapError(operation string, source error) error {
	switch {
	case errors.Is(source, ledger.ErrInsufficientBalance):
		return status.Error(codes.FailedPrecondition, errorInsufficientBalance)
	case errors.Is(source, jobs.ErrJobNotFound):
		return status.Error(codes.NotFound, errorJobNotFound)
	case errors.Is(source, jobs.ErrIllegalTransition), errors.Is(source, jobs.ErrJobCompleted):
		return status.Error(codes.FailedPrecondition, errorJobResolved)
	case isInvalidArgument(source):
		return status.Error(codes.InvalidArgument, fmt.Sprintf("%s: %v", errorInvalidArgument, source))
	default:
		server.logger.Error(operation+" failed", zap.Error(source))
		return status.Error(codes.Internal, errorInternal)
	}
}

func isInvalidArgument(source error) bool {
	for _, target := range invalidArgumentErrors {
		if errors.Is(source, target) {
			return true
		}
	}
	return false
}
