package command

import (
	"time"

	"CTFLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// SubmitOrder carries a signed limit order.
type SubmitOrder struct {
	Header
	OrderID     uuid.UUID
	Maker       common.Address
	ConditionID common.Hash
	Slot        uint16
	Side        state.Side
	Price       int64
	Quantity    int64
	Nonce       uint64
	Expiry      time.Time
	Signature   []byte
}

func (c *SubmitOrder) CommandType() CommandType {
	return CommandTypeSubmitOrder
}

func (c *SubmitOrder) ConditionRef() *common.Hash {
	return &c.ConditionID
}

// Order returns the signed order as the book represents it.
func (c *SubmitOrder) Order() *state.Order {
	return &state.Order{
		ID:          c.OrderID,
		Maker:       c.Maker,
		ConditionID: c.ConditionID,
		Slot:        c.Slot,
		Side:        c.Side,
		Price:       c.Price,
		Quantity:    c.Quantity,
		Nonce:       c.Nonce,
		Expiry:      c.Expiry.UnixMicro(),
		Signature:   append([]byte(nil), c.Signature...),
		Remaining:   c.Quantity,
	}
}

// CancelOrder withdraws a resting order. Only its maker may cancel it.
type CancelOrder struct {
	Header
	OrderID uuid.UUID
	Caller  common.Address
}

func (c *CancelOrder) CommandType() CommandType {
	return CommandTypeCancelOrder
}

func (c *CancelOrder) ConditionRef() *common.Hash {
	return nil // resolved from the order
}
