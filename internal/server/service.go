package server

import (
	"context"
	"encoding/hex"
	"fmt"

	"CTFLedger/internal/command"
	"CTFLedger/internal/core"
	"CTFLedger/internal/ingestion"
	"CTFLedger/internal/query"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// CommandSubmitter hands a command to the sequencer and waits for the result.
type CommandSubmitter interface {
	Submit(ctx context.Context, cmd command.Stampable) (*core.Result, error)
}

// CoreAccess runs a read on the goroutine that owns the core.
type CoreAccess interface {
	Do(ctx context.Context, fn func(*core.DeterministicCore) error) error
}

// Reader is the projection-backed read side.
type Reader interface {
	GetBalances(ctx context.Context, holder common.Address) (*query.HolderBalances, error)
	GetCondition(ctx context.Context, id common.Hash) (*query.ConditionResponse, error)
	ListConditions(ctx context.Context, status *string, limit int, after *common.Hash) ([]*query.ConditionResponse, error)
	GetOrder(ctx context.Context, id uuid.UUID) (*query.OrderResponse, error)
	ListOrders(ctx context.Context, maker common.Address, status *string, limit int) ([]*query.OrderResponse, error)
	GetFills(ctx context.Context, conditionID common.Hash, slot *uint16, limit int, beforeSequence *int64) ([]*query.FillResponse, error)
	GetJournalHistory(ctx context.Context, holder common.Address, limit int, beforeSequence *int64) ([]query.JournalHistoryEntry, error)
	VerifyIntegrity(ctx context.Context) (*query.IntegrityReport, error)
}

// ServerDeps holds everything the ledger service calls into.
type ServerDeps struct {
	Submitter CommandSubmitter
	Core      CoreAccess
	Reader    Reader

	// Admin hooks; nil disables the endpoint.
	LatestSequence     func(ctx context.Context) (int64, error)
	TakeSnapshot       func(ctx context.Context) (int64, error)
	RebuildProjections func(ctx context.Context) error
}

// LedgerService implements every RPC of the ledger. Both the gRPC server and
// the HTTP routes call it.
type LedgerService struct {
	deps   ServerDeps
	logger zerolog.Logger
}

func NewLedgerService(deps ServerDeps, logger zerolog.Logger) *LedgerService {
	return &LedgerService{deps: deps, logger: logger}
}

// ============================================================================
// Ingest
// ============================================================================

func (s *LedgerService) SubmitCommand(ctx context.Context, req *SubmitCommandRequest) (*SubmitCommandResponse, error) {
	ct := command.ParseCommandType(req.CommandType)
	if ct == command.CommandTypeUnknown {
		return nil, invalidArg("unknown command_type %q", req.CommandType)
	}
	if len(req.Payload) == 0 {
		return nil, invalidArg("payload is required")
	}

	cmd, err := ingestion.ParseCommand(ct, req.Payload)
	if err != nil {
		return nil, invalidArg("parse payload: %v", err)
	}

	result, err := s.deps.Submitter.Submit(ctx, cmd)
	if err != nil {
		if result != nil {
			s.logger.Debug().Err(err).Int64("sequence", result.Sequence).Str("command_type", ct.String()).Msg("command rejected")
		}
		return nil, toStatus(err)
	}

	resp := &SubmitCommandResponse{
		Sequence:  result.Sequence,
		StateHash: "0x" + hex.EncodeToString(result.StateHash[:]),
		Duplicate: result.Duplicate,
		Remaining: result.Remaining,
		Payout:    result.Payout,
		Cancelled: result.Cancelled,
	}
	if result.ConditionID != (common.Hash{}) {
		resp.ConditionID = result.ConditionID.Hex()
	}
	if ct == command.CommandTypeSubmitOrder && !result.Duplicate {
		resp.OrderStatus = result.OrderStatus.String()
	}
	for _, f := range result.Fills {
		resp.Fills = append(resp.Fills, ingestion.NewFillEvent(f))
	}
	return resp, nil
}

// ============================================================================
// Query
// ============================================================================

func (s *LedgerService) GetBalances(ctx context.Context, req *GetBalancesRequest) (*query.HolderBalances, error) {
	holder, err := parseAddress("holder", req.Holder)
	if err != nil {
		return nil, err
	}
	resp, err := s.deps.Reader.GetBalances(ctx, holder)
	return resp, toStatus(err)
}

func (s *LedgerService) GetCondition(ctx context.Context, req *GetConditionRequest) (*query.ConditionResponse, error) {
	id, err := parseHash("condition_id", req.ConditionID)
	if err != nil {
		return nil, err
	}
	resp, err := s.deps.Reader.GetCondition(ctx, id)
	return resp, toStatus(err)
}

func (s *LedgerService) ListConditions(ctx context.Context, req *ListConditionsRequest) (*ListConditionsResponse, error) {
	var status *string
	if req.Status != "" {
		status = &req.Status
	}
	var after *common.Hash
	if req.After != "" {
		h, err := parseHash("after", req.After)
		if err != nil {
			return nil, err
		}
		after = &h
	}

	conds, err := s.deps.Reader.ListConditions(ctx, status, req.Limit, after)
	if err != nil {
		return nil, toStatus(err)
	}
	return &ListConditionsResponse{Conditions: conds}, nil
}

func (s *LedgerService) GetOrder(ctx context.Context, req *GetOrderRequest) (*query.OrderResponse, error) {
	id, err := uuid.Parse(req.OrderID)
	if err != nil {
		return nil, invalidArg("invalid order_id: %v", err)
	}
	resp, err := s.deps.Reader.GetOrder(ctx, id)
	return resp, toStatus(err)
}

func (s *LedgerService) ListOrders(ctx context.Context, req *ListOrdersRequest) (*ListOrdersResponse, error) {
	maker, err := parseAddress("maker", req.Maker)
	if err != nil {
		return nil, err
	}
	var status *string
	if req.Status != "" {
		status = &req.Status
	}

	orders, err := s.deps.Reader.ListOrders(ctx, maker, status, req.Limit)
	if err != nil {
		return nil, toStatus(err)
	}
	return &ListOrdersResponse{Orders: orders}, nil
}

func (s *LedgerService) ListFills(ctx context.Context, req *ListFillsRequest) (*ListFillsResponse, error) {
	id, err := parseHash("condition_id", req.ConditionID)
	if err != nil {
		return nil, err
	}

	fills, err := s.deps.Reader.GetFills(ctx, id, req.Slot, req.Limit, req.BeforeSequence)
	if err != nil {
		return nil, toStatus(err)
	}
	return &ListFillsResponse{Fills: fills}, nil
}

func (s *LedgerService) ListJournals(ctx context.Context, req *ListJournalsRequest) (*ListJournalsResponse, error) {
	holder, err := parseAddress("holder", req.Holder)
	if err != nil {
		return nil, err
	}

	entries, err := s.deps.Reader.GetJournalHistory(ctx, holder, req.Limit, req.BeforeSequence)
	if err != nil {
		return nil, toStatus(err)
	}
	return &ListJournalsResponse{Journals: entries}, nil
}

// GetOrderBook is served from live core state.
func (s *LedgerService) GetOrderBook(ctx context.Context, req *GetOrderBookRequest) (*GetOrderBookResponse, error) {
	id, err := parseHash("condition_id", req.ConditionID)
	if err != nil {
		return nil, err
	}

	var resp *GetOrderBookResponse
	err = s.deps.Core.Do(ctx, func(c *core.DeterministicCore) error {
		cond := c.Condition(id)
		if cond == nil {
			return &core.Error{Kind: core.KindUnknownCondition, ConditionID: id}
		}
		if int(req.Slot) >= cond.SlotCount {
			return &core.Error{Kind: core.KindInvalidSlot, ConditionID: id, Detail: fmt.Sprintf("slot %d of %d", req.Slot, cond.SlotCount)}
		}
		resp = bookView(c.OrderBook(id, req.Slot), c.GetSequence()-1)
		return nil
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return resp, nil
}

// ============================================================================
// Admin
// ============================================================================

// VerifyIntegrity combines the projection checks with a zero-sum check of
// live core balances.
func (s *LedgerService) VerifyIntegrity(ctx context.Context, _ *Empty) (*VerifyIntegrityResponse, error) {
	report, err := s.deps.Reader.VerifyIntegrity(ctx)
	if err != nil {
		return nil, toStatus(err)
	}

	resp := &VerifyIntegrityResponse{Projection: report, Passed: report.IsHealthy}
	err = s.deps.Core.Do(ctx, func(c *core.DeterministicCore) error {
		if checkErr := c.CheckGlobalBalance(); checkErr != nil {
			resp.CoreError = checkErr.Error()
			resp.Passed = false
		}
		return nil
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return resp, nil
}

func (s *LedgerService) GetCommandLogInfo(ctx context.Context, _ *Empty) (*CommandLogInfoResponse, error) {
	resp := &CommandLogInfoResponse{LastPersistedSequence: -1}
	if s.deps.LatestSequence != nil {
		seq, err := s.deps.LatestSequence(ctx)
		if err != nil {
			return nil, toStatus(fmt.Errorf("latest sequence: %w", err))
		}
		resp.LastPersistedSequence = seq
	}

	err := s.deps.Core.Do(ctx, func(c *core.DeterministicCore) error {
		resp.CoreSequence = c.GetSequence() - 1
		h := c.GetStateHash()
		resp.StateHash = "0x" + hex.EncodeToString(h[:])
		return nil
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return resp, nil
}

func (s *LedgerService) TakeSnapshot(ctx context.Context, _ *Empty) (*TakeSnapshotResponse, error) {
	if s.deps.TakeSnapshot == nil {
		return nil, invalidArg("snapshots are disabled")
	}
	seq, err := s.deps.TakeSnapshot(ctx)
	if err != nil {
		return nil, toStatus(fmt.Errorf("take snapshot: %w", err))
	}
	s.logger.Info().Int64("sequence", seq).Msg("snapshot taken on request")
	return &TakeSnapshotResponse{Sequence: seq}, nil
}

func (s *LedgerService) RebuildProjections(ctx context.Context, _ *Empty) (*RebuildProjectionsResponse, error) {
	if s.deps.RebuildProjections == nil {
		return nil, invalidArg("projection rebuild is disabled")
	}
	if err := s.deps.RebuildProjections(ctx); err != nil {
		return nil, toStatus(fmt.Errorf("rebuild projections: %w", err))
	}
	return &RebuildProjectionsResponse{Started: true}, nil
}

// ============================================================================
// Helpers
// ============================================================================

func parseAddress(field, s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, invalidArg("invalid %s: %q", field, s)
	}
	return common.HexToAddress(s), nil
}

func parseHash(field, s string) (common.Hash, error) {
	b, err := hexutil.Decode(s)
	if err != nil || len(b) != common.HashLength {
		return common.Hash{}, invalidArg("invalid %s: %q", field, s)
	}
	return common.BytesToHash(b), nil
}
