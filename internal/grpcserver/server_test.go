package grpcserver

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/MarkoPoloResearchLab/storyledger/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/storyledger/pkg/jobs"
	"github.com/MarkoPoloResearchLab/storyledger/pkg/ledger"
)

const (
	bufconnSize    = 1 << 20
	testUserID     = "worker-user"
	testNowUnixUTC = int64(1_760_000_000)
)

func startClient(test *testing.T) *Client {
	test.Helper()
	database, err := gormstore.Open(context.Background(), filepath.Join(test.TempDir(), "storyledger.db"))
	if err != nil {
		test.Fatalf("sqlite open failed: %v", err)
	}
	test.Cleanup(func() { _ = database.Close() })
	if err := database.AutoMigrate(); err != nil {
		test.Fatalf("automigrate failed: %v", err)
	}
	now := func() int64 { return testNowUnixUTC }
	creditService, err := ledger.NewService(gormstore.New(database.DB), now)
	if err != nil {
		test.Fatalf("ledger service init failed: %v", err)
	}
	jobService, err := jobs.NewService(gormstore.NewJobStore(database.DB), creditService, now)
	if err != nil {
		test.Fatalf("job service init failed: %v", err)
	}

	listener := bufconn.Listen(bufconnSize)
	grpcServer := grpc.NewServer()
	Register(grpcServer, NewCreditServiceServer(creditService, jobService, nil))
	go func() {
		if serveErr := grpcServer.Serve(listener); serveErr != nil {
			test.Logf("gRPC server error: %v", serveErr)
		}
	}()
	dialer := func(ctx context.Context, _ string) (net.Conn, error) {
		return listener.DialContext(ctx)
	}
	conn, err := grpc.NewClient("passthrough:///bufnet", grpc.WithContextDialer(dialer), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		test.Fatalf("gRPC client init failed: %v", err)
	}
	test.Cleanup(func() {
		grpcServer.Stop()
		_ = conn.Close()
	})
	return NewClient(conn)
}

func grant(test *testing.T, client *Client, amount int64, sourceID string) *structpb.Struct {
	test.Helper()
	response, err := client.Invoke(context.Background(), "Grant", map[string]any{
		fieldUserID:   testUserID,
		fieldAmount:   amount,
		fieldSource:   ledger.GrantSourcePurchase.String(),
		fieldSourceID: sourceID,
		fieldReason:   "pack",
		fieldMetadata: map[string]any{"order": "o-1"},
	})
	if err != nil {
		test.Fatalf("grant %s: %v", sourceID, err)
	}
	return response
}

func TestConsumeAndGrantOverGRPC(test *testing.T) {
	client := startClient(test)
	ctx := context.Background()

	first := grant(test, client, 100, "pack-1")
	if first.AsMap()[fieldDuplicate] != false {
		test.Fatalf("first grant reported duplicate")
	}
	second := grant(test, client, 100, "pack-1")
	if second.AsMap()[fieldDuplicate] != true || second.AsMap()[fieldGrantID] != first.AsMap()[fieldGrantID] {
		test.Fatalf("repeated source id must return the original grant, got %v", second.AsMap())
	}

	reply, err := client.Consume(ctx, testUserID, 80, "story", map[string]any{"story_id": "s-1"})
	if err != nil {
		test.Fatalf("consume: %v", err)
	}
	if reply.NewBalance != 20 || reply.FromPermanent != 80 {
		test.Fatalf("unexpected consume reply %+v", reply)
	}
	if _, err := client.Consume(ctx, testUserID, 80, "story", nil); !errors.Is(err, ledger.ErrInsufficientBalance) {
		test.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	balance, err := client.ActiveBalance(ctx, testUserID)
	if err != nil || balance != 20 {
		test.Fatalf("expected balance 20, got %d (%v)", balance, err)
	}
	cached, err := client.CachedBalance(ctx, testUserID)
	if err != nil || cached != 20 {
		test.Fatalf("expected cached balance 20, got %d (%v)", cached, err)
	}
}

func TestInvalidRequestsMapToInvalidArgument(test *testing.T) {
	client := startClient(test)
	testCases := []struct {
		name    string
		method  string
		request map[string]any
	}{
		{name: "missing user", method: "GetActiveBalance", request: map[string]any{}},
		{name: "fractional amount", method: "Consume", request: map[string]any{fieldUserID: testUserID, fieldAmount: 1.5}},
		{name: "string amount", method: "Consume", request: map[string]any{fieldUserID: testUserID, fieldAmount: "10"}},
		{name: "zero amount", method: "Consume", request: map[string]any{fieldUserID: testUserID, fieldAmount: 0}},
		{name: "scalar metadata", method: "Consume", request: map[string]any{fieldUserID: testUserID, fieldAmount: 1, fieldMetadata: "x"}},
		{name: "unknown source", method: "Grant", request: map[string]any{fieldUserID: testUserID, fieldAmount: 1, fieldSource: "gift", fieldSourceID: "g-1"}},
		{name: "missing source id", method: "Grant", request: map[string]any{fieldUserID: testUserID, fieldAmount: 1, fieldSource: "purchase"}},
		{name: "missing refund reference", method: "Refund", request: map[string]any{fieldUserID: testUserID, fieldAmount: 1}},
		{name: "string cached flag", method: "GetActiveBalance", request: map[string]any{fieldUserID: testUserID, fieldCached: "yes"}},
	}
	for _, testCase := range testCases {
		test.Run(testCase.name, func(test *testing.T) {
			_, err := client.Invoke(context.Background(), testCase.method, testCase.request)
			if status.Code(err) != codes.InvalidArgument {
				test.Fatalf("expected InvalidArgument, got %v", err)
			}
		})
	}
}

func TestJobLifecycleOverGRPC(test *testing.T) {
	client := startClient(test)
	ctx := context.Background()
	grant(test, client, 50, "pack-1")

	submitted, err := client.Invoke(ctx, "SubmitJob", map[string]any{fieldUserID: testUserID, fieldKind: "audio", fieldCost: 30})
	if err != nil {
		test.Fatalf("submit job: %v", err)
	}
	jobID := submitted.AsMap()[fieldJobID].(string)
	if submitted.AsMap()[fieldStatus] != jobs.StatusPending.String() {
		test.Fatalf("unexpected job %v", submitted.AsMap())
	}
	if _, err := client.Invoke(ctx, "StartJob", map[string]any{fieldJobID: jobID}); err != nil {
		test.Fatalf("start job: %v", err)
	}
	failed, err := client.Invoke(ctx, "FailJob", map[string]any{fieldJobID: jobID, fieldReason: "tts timeout"})
	if err != nil || failed.AsMap()[fieldStatus] != jobs.StatusFailed.String() {
		test.Fatalf("fail job: %v %v", failed, err)
	}
	balance, err := client.ActiveBalance(ctx, testUserID)
	if err != nil || balance != 50 {
		test.Fatalf("expected refunded balance 50, got %d (%v)", balance, err)
	}

	_, err = client.Invoke(ctx, "CompleteJob", map[string]any{fieldJobID: jobID, fieldResult: "s3://late"})
	if status.Code(err) != codes.FailedPrecondition || status.Convert(err).Message() != errorJobResolved {
		test.Fatalf("expected job_resolved, got %v", err)
	}
	_, err = client.Invoke(ctx, "GetJob", map[string]any{fieldJobID: "missing"})
	if status.Code(err) != codes.NotFound {
		test.Fatalf("expected NotFound, got %v", err)
	}
	_, err = client.Invoke(ctx, "SubmitJob", map[string]any{fieldUserID: testUserID, fieldKind: "audio", fieldCost: 500})
	if status.Code(err) != codes.FailedPrecondition || status.Convert(err).Message() != errorInsufficientBalance {
		test.Fatalf("expected insufficient_balance, got %v", err)
	}
}
