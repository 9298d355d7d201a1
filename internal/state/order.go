package state

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

type Side uint8

const (
	SideBuy Side = iota
	SideSell
)

func (s Side) String() string {
	if s == SideBuy {
		return "buy"
	}
	return "sell"
}

// Opposite returns the side an order of s matches against.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// ParseSide accepts "buy"/"sell".
func ParseSide(s string) (Side, bool) {
	switch s {
	case "buy", "BUY":
		return SideBuy, true
	case "sell", "SELL":
		return SideSell, true
	}
	return 0, false
}

type OrderStatus uint8

const (
	OrderStatusOpen OrderStatus = iota
	OrderStatusFilled
	OrderStatusCancelled
	OrderStatusExpired
)

func (s OrderStatus) String() string {
	switch s {
	case OrderStatusOpen:
		return "open"
	case OrderStatusFilled:
		return "filled"
	case OrderStatusCancelled:
		return "cancelled"
	case OrderStatusExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Order is a signed limit order plus the book state tracked while it rests.
type Order struct {
	ID          uuid.UUID
	Maker       common.Address
	ConditionID common.Hash
	Slot        uint16
	Side        Side
	Price       int64 // PriceScale fixed-point
	Quantity    int64
	Nonce       uint64
	Expiry      int64 // epoch micros
	Signature   []byte

	Remaining int64
	Reserved  int64 // collateral (buy) or tokens (sell) still locked for this order
	Priority  int64 // arrival sequence; earlier fills first at equal price
	CreatedAt int64
	Status    OrderStatus
}

// Expired reports whether the order can no longer trade at now.
func (o *Order) Expired(now int64) bool {
	return now >= o.Expiry
}

// BookKey identifies the book of one outcome token.
type BookKey struct {
	ConditionID common.Hash
	Slot        uint16
}

// MakerNonce identifies an order by its signer-chosen nonce.
type MakerNonce struct {
	Maker common.Address
	Nonce uint64
}

// Fill is one committed match between a resting maker order and a taker.
type Fill struct {
	FillID      uuid.UUID
	MakerOrder  uuid.UUID
	TakerOrder  uuid.UUID
	ConditionID common.Hash
	Slot        uint16
	Price       int64
	Quantity    int64
	Collateral  int64
	Buyer       common.Address
	Seller      common.Address
	Timestamp   int64
}
