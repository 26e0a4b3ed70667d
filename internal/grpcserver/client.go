package grpcserver

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/MarkoPoloResearchLab/storyledger/pkg/ledger"
)

// Client is the worker side of the credit service.
type Client struct {
	conn grpc.ClientConnInterface
}

// ConsumeReply mirrors the Consume response.
type ConsumeReply struct {
	NewBalance    int64
	FromExpiring  int64
	FromPermanent int64
}

func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

// Consume debits credits. An insufficient balance comes back as an error matching ledger.ErrInsufficientBalance.
func (client *Client) Consume(ctx context.Context, userID string, amount int64, description string, metadata map[string]any) (ConsumeReply, error) {
	request := map[string]any{fieldUserID: userID, fieldAmount: amount, fieldDescription: description}
	if metadata != nil {
		request[fieldMetadata] = metadata
	}
	response, err := client.Invoke(ctx, "Consume", request)
	if err != nil {
		if status.Code(err) == codes.FailedPrecondition && status.Convert(err).Message() == errorInsufficientBalance {
			return ConsumeReply{}, fmt.Errorf("%w: %v", ledger.ErrInsufficientBalance, err)
		}
		return ConsumeReply{}, err
	}
	fields := response.AsMap()
	return ConsumeReply{
		NewBalance:    numberOf(fields[fieldNewBalance]),
		FromExpiring:  numberOf(fields[fieldFromExpiring]),
		FromPermanent: numberOf(fields[fieldFromPermanent]),
	}, nil
}

// ActiveBalance returns the user's spendable balance.
func (client *Client) ActiveBalance(ctx context.Context, userID string) (int64, error) {
	response, err := client.Invoke(ctx, "GetActiveBalance", map[string]any{fieldUserID: userID})
	if err != nil {
		return 0, err
	}
	return numberOf(response.AsMap()[fieldBalance]), nil
}

// CachedBalance returns the balance for display, served from the mirror when it is fresh.
func (client *Client) CachedBalance(ctx context.Context, userID string) (int64, error) {
	response, err := client.Invoke(ctx, "GetActiveBalance", map[string]any{fieldUserID: userID, fieldCached: true})
	if err != nil {
		return 0, err
	}
	return numberOf(response.AsMap()[fieldBalance]), nil
}

// Invoke calls any method of the service with a plain map request.
func (client *Client) Invoke(ctx context.Context, method string, request map[string]any) (*structpb.Struct, error) {
	input, err := structpb.NewStruct(request)
	if err != nil {
		return nil, err
	}
	output := new(structpb.Struct)
	if err := client.conn.Invoke(ctx, "/"+ServiceName+"/"+method, input, output); err != nil {
		return nil, err
	}
	return output, nil
}

func numberOf(value any) int64 {
	number, _ := value.(float64)
	return int64(number)
}
