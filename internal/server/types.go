package server

import (
	"encoding/json"

	"CTFLedger/internal/ingestion"
	"CTFLedger/internal/query"
	"CTFLedger/internal/state"
)

// --- Ingest ---

type SubmitCommandRequest struct {
	CommandType string          `json:"command_type"`
	Payload     json.RawMessage `json:"payload"`
}

type SubmitCommandResponse struct {
	Sequence    int64                 `json:"sequence"`
	StateHash   string                `json:"state_hash"`
	Duplicate   bool                  `json:"duplicate,omitempty"`
	ConditionID string                `json:"condition_id,omitempty"`
	OrderStatus string                `json:"order_status,omitempty"`
	Remaining   int64                 `json:"remaining,omitempty"`
	Fills       []ingestion.FillEvent `json:"fills,omitempty"`
	Payout      int64                 `json:"payout,omitempty"`
	Cancelled   int                   `json:"cancelled,omitempty"`
}

// --- Query ---

type GetBalancesRequest struct {
	Holder string `json:"holder"`
}

type GetConditionRequest struct {
	ConditionID string `json:"condition_id"`
}

type ListConditionsRequest struct {
	Status string `json:"status,omitempty"`
	Limit  int    `json:"limit,omitempty"`
	After  string `json:"after,omitempty"`
}

type ListConditionsResponse struct {
	Conditions []*query.ConditionResponse `json:"conditions"`
}

type GetOrderRequest struct {
	OrderID string `json:"order_id"`
}

type ListOrdersRequest struct {
	Maker  string `json:"maker"`
	Status string `json:"status,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

type ListOrdersResponse struct {
	Orders []*query.OrderResponse `json:"orders"`
}

type ListFillsRequest struct {
	ConditionID    string  `json:"condition_id"`
	Slot           *uint16 `json:"slot,omitempty"`
	Limit          int     `json:"limit,omitempty"`
	BeforeSequence *int64  `json:"before_sequence,omitempty"`
}

type ListFillsResponse struct {
	Fills []*query.FillResponse `json:"fills"`
}

type ListJournalsRequest struct {
	Holder         string `json:"holder"`
	Limit          int    `json:"limit,omitempty"`
	BeforeSequence *int64 `json:"before_sequence,omitempty"`
}

type ListJournalsResponse struct {
	Journals []query.JournalHistoryEntry `json:"journals"`
}

// GetOrderBookRequest reads the live book from the core, not the projection.
type GetOrderBookRequest struct {
	ConditionID string `json:"condition_id"`
	Slot        uint16 `json:"slot"`
}

type GetOrderBookResponse struct {
	ConditionID string        `json:"condition_id"`
	Slot        uint16        `json:"slot"`
	Bids        []LevelView   `json:"bids"`
	Asks        []LevelView   `json:"asks"`
	BidOrders   []RestingView `json:"bid_orders"`
	AskOrders   []RestingView `json:"ask_orders"`
	Sequence    int64         `json:"sequence"`
}

type LevelView struct {
	Price    int64 `json:"price"`
	Quantity int64 `json:"quantity"`
	Orders   int   `json:"orders"`
}

type RestingView struct {
	OrderID   string `json:"order_id"`
	Maker     string `json:"maker"`
	Price     int64  `json:"price"`
	Remaining int64  `json:"remaining"`
	ExpiryUs  int64  `json:"expiry_us"`
}

// --- Admin ---

type Empty struct{}

type VerifyIntegrityResponse struct {
	Passed     bool                   `json:"passed"`
	Projection *query.IntegrityReport `json:"projection"`
	CoreError  string                 `json:"core_error,omitempty"`
}

type CommandLogInfoResponse struct {
	LastPersistedSequence int64  `json:"last_persisted_sequence"`
	CoreSequence          int64  `json:"core_sequence"`
	StateHash             string `json:"state_hash"`
}

type TakeSnapshotResponse struct {
	Sequence int64 `json:"sequence"`
}

type RebuildProjectionsResponse struct {
	Started bool `json:"started"`
}

func bookView(snap state.BookSnapshot, seq int64) *GetOrderBookResponse {
	resp := &GetOrderBookResponse{
		ConditionID: snap.ConditionID.Hex(),
		Slot:        snap.Slot,
		Bids:        levelViews(snap.Bids),
		Asks:        levelViews(snap.Asks),
		BidOrders:   restingViews(snap.BidOrders),
		AskOrders:   restingViews(snap.AskOrders),
		Sequence:    seq,
	}
	return resp
}

func levelViews(levels []state.Level) []LevelView {
	out := make([]LevelView, len(levels))
	for i, l := range levels {
		out[i] = LevelView{Price: l.Price, Quantity: l.Quantity, Orders: l.Orders}
	}
	return out
}

func restingViews(orders []state.Order) []RestingView {
	out := make([]RestingView, len(orders))
	for i, o := range orders {
		out[i] = RestingView{
			OrderID:   o.ID.String(),
			Maker:     o.Maker.Hex(),
			Price:     o.Price,
			Remaining: o.Remaining,
			ExpiryUs:  o.Expiry,
		}
	}
	return out
}
