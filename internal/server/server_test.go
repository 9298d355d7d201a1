package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"CTFLedger/internal/core"
	"CTFLedger/internal/ingestion"
	"CTFLedger/internal/query"
	"CTFLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

var (
	alice  = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	oracle = common.HexToAddress("0x00000000000000000000000000000000000000f0")
)

// fakeReader answers projection reads from fixed data.
type fakeReader struct {
	balances  map[common.Address]*query.HolderBalances
	integrity *query.IntegrityReport
}

func (f *fakeReader) GetBalances(_ context.Context, holder common.Address) (*query.HolderBalances, error) {
	if b, ok := f.balances[holder]; ok {
		return b, nil
	}
	return &query.HolderBalances{Holder: holder.Hex(), Positions: []query.PositionBalance{}, AsOfSequence: -1}, nil
}

func (f *fakeReader) GetCondition(context.Context, common.Hash) (*query.ConditionResponse, error) {
	return nil, query.ErrNotFound
}

func (f *fakeReader) ListConditions(context.Context, *string, int, *common.Hash) ([]*query.ConditionResponse, error) {
	return []*query.ConditionResponse{}, nil
}

func (f *fakeReader) GetOrder(context.Context, uuid.UUID) (*query.OrderResponse, error) {
	return nil, query.ErrNotFound
}

func (f *fakeReader) ListOrders(context.Context, common.Address, *string, int) ([]*query.OrderResponse, error) {
	return []*query.OrderResponse{}, nil
}

func (f *fakeReader) GetFills(context.Context, common.Hash, *uint16, int, *int64) ([]*query.FillResponse, error) {
	return []*query.FillResponse{}, nil
}

func (f *fakeReader) GetJournalHistory(context.Context, common.Address, int, *int64) ([]query.JournalHistoryEntry, error) {
	return []query.JournalHistoryEntry{}, nil
}

func (f *fakeReader) VerifyIntegrity(context.Context) (*query.IntegrityReport, error) {
	if f.integrity != nil {
		return f.integrity, nil
	}
	return &query.IntegrityReport{IsHealthy: true}, nil
}

func newTestService(t *testing.T, reader *fakeReader) *LedgerService {
	t.Helper()
	c := core.NewDeterministicCore(core.Config{DisableSignatureChecks: true}, nil, nil, nil, nil, nil)
	input := make(chan ingestion.Submission, 16)
	clock := func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	seq := ingestion.NewSequencer(c, input, clock, nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- seq.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	if reader == nil {
		reader = &fakeReader{}
	}
	return NewLedgerService(ServerDeps{
		Submitter:      ingestion.NewSubmitter(input),
		Core:           seq,
		Reader:         reader,
		LatestSequence: func(context.Context) (int64, error) { return 4, nil },
	}, zerolog.Nop())
}

func doHTTP(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var out map[string]interface{}
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec, out
}

func depositBody(holder common.Address, amount int64) string {
	return fmt.Sprintf(`{"command_id":%q,"holder":%q,"amount":%d}`, uuid.NewString(), holder.Hex(), amount)
}

func TestToStatus(t *testing.T) {
	cases := []struct {
		err  error
		want codes.Code
	}{
		{&core.Error{Kind: core.KindUnknownCondition}, codes.NotFound},
		{&core.Error{Kind: core.KindDuplicateOrder}, codes.AlreadyExists},
		{&core.Error{Kind: core.KindInvalidPayoutVector}, codes.InvalidArgument},
		{&core.Error{Kind: core.KindUnauthorizedOracle}, codes.PermissionDenied},
		{&core.Error{Kind: core.KindTooEarly}, codes.FailedPrecondition},
		{fmt.Errorf("lookup: %w", query.ErrNotFound), codes.NotFound},
		{context.DeadlineExceeded, codes.DeadlineExceeded},
		{fmt.Errorf("disk on fire"), codes.Internal},
		{status.Error(codes.Unavailable, "x"), codes.Unavailable},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, status.Code(toStatus(tc.err)), tc.err.Error())
	}
	assert.NoError(t, toStatus(nil))
}

func TestHTTPSubmitAndReadBook(t *testing.T) {
	svc := newTestService(t, nil)
	h := NewHTTPHandler(svc, nil)

	rec, out := doHTTP(t, h, "POST", "/v1/commands/Deposit", depositBody(alice, 1_000))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, float64(0), out["sequence"])

	question := common.HexToHash("0x01")
	body := fmt.Sprintf(`{"command_id":%q,"oracle":%q,"question_id":%q,"slot_count":2,"deadline_us":%d}`,
		uuid.NewString(), oracle.Hex(), question.Hex(), time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC).UnixMicro())
	rec, out = doHTTP(t, h, "POST", "/v1/commands/CreateCondition", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	condID := state.ConditionID(oracle, question, 2)
	assert.Equal(t, condID.Hex(), out["condition_id"])

	rec, out = doHTTP(t, h, "GET", "/v1/conditions/"+condID.Hex()+"/books/1", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, float64(1), out["slot"])
	assert.Empty(t, out["bids"])
	assert.Equal(t, float64(1), out["sequence"])

	rec, _ = doHTTP(t, h, "GET", "/v1/conditions/"+condID.Hex()+"/books/2", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHTTPRejectionCarriesKind(t *testing.T) {
	svc := newTestService(t, nil)
	h := NewHTTPHandler(svc, nil)

	body := fmt.Sprintf(`{"command_id":%q,"holder":%q,"amount":5}`, uuid.NewString(), alice.Hex())
	rec, out := doHTTP(t, h, "POST", "/v1/commands/Withdraw", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, codes.FailedPrecondition.String(), out["code"])
	assert.True(t, strings.HasPrefix(out["message"].(string), "InsufficientCollateral"), out["message"])

	rec, out = doHTTP(t, h, "GET", "/v1/conditions/"+common.HexToHash("0x99").Hex()+"/books/0", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, codes.NotFound.String(), out["code"])
}

func TestHTTPValidation(t *testing.T) {
	svc := newTestService(t, nil)
	h := NewHTTPHandler(svc, nil)

	rec, _ := doHTTP(t, h, "POST", "/v1/commands/Airdrop", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = doHTTP(t, h, "POST", "/v1/commands/Deposit", `{"holder":"0xa1","amount":1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "missing command_id")

	rec, _ = doHTTP(t, h, "GET", "/v1/holders/not-an-address/balances", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = doHTTP(t, h, "GET", "/v1/orders/"+uuid.NewString(), "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHTTPBalancesFromReader(t *testing.T) {
	reader := &fakeReader{balances: map[common.Address]*query.HolderBalances{
		alice: {Holder: alice.Hex(), Collateral: 70, ReservedCollateral: 30, TotalCollateral: 100, AsOfSequence: 9},
	}}
	h := NewHTTPHandler(newTestService(t, reader), nil)

	rec, out := doHTTP(t, h, "GET", "/v1/holders/"+alice.Hex()+"/balances", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(100), out["total_collateral"])
	assert.Equal(t, float64(9), out["as_of_sequence"])
}

func TestVerifyIntegrityIncludesCore(t *testing.T) {
	reader := &fakeReader{integrity: &query.IntegrityReport{IsHealthy: false, HashChainBreaks: []int64{3}}}
	svc := newTestService(t, reader)

	resp, err := svc.VerifyIntegrity(context.Background(), &Empty{})
	require.NoError(t, err)
	assert.False(t, resp.Passed)
	assert.Empty(t, resp.CoreError)
	assert.Equal(t, []int64{3}, resp.Projection.HashChainBreaks)
}

func TestCommandLogInfo(t *testing.T) {
	svc := newTestService(t, nil)
	_, err := svc.SubmitCommand(context.Background(), &SubmitCommandRequest{
		CommandType: "Deposit",
		Payload:     json.RawMessage(depositBody(alice, 10)),
	})
	require.NoError(t, err)

	info, err := svc.GetCommandLogInfo(context.Background(), &Empty{})
	require.NoError(t, err)
	assert.Equal(t, int64(4), info.LastPersistedSequence)
	assert.Equal(t, int64(0), info.CoreSequence)
	assert.Len(t, info.StateHash, 66)
}

func TestAdminHooksDisabled(t *testing.T) {
	svc := newTestService(t, nil)
	_, err := svc.TakeSnapshot(context.Background(), &Empty{})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
	_, err = svc.RebuildProjections(context.Background(), &Empty{})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestGRPCJSONCodecRoundTrip(t *testing.T) {
	svc := newTestService(t, nil)
	srv := NewGRPCServer("", "", svc, nil, zerolog.Nop())

	lis := bufconn.Listen(1 << 20)
	go srv.grpcServer.Serve(lis)
	t.Cleanup(srv.grpcServer.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	)
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var resp SubmitCommandResponse
	err = conn.Invoke(ctx, "/"+ServiceName+"/SubmitCommand", &SubmitCommandRequest{
		CommandType: "Deposit",
		Payload:     json.RawMessage(depositBody(alice, 250)),
	}, &resp)
	require.NoError(t, err)
	assert.Equal(t, int64(0), resp.Sequence)
	assert.False(t, resp.Duplicate)

	var book GetOrderBookResponse
	err = conn.Invoke(ctx, "/"+ServiceName+"/GetOrderBook", &GetOrderBookRequest{
		ConditionID: common.HexToHash("0x42").Hex(),
	}, &book)
	assert.Equal(t, codes.NotFound, status.Code(err))
}
