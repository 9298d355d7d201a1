package state

import (
	"math/big"

	fpmath "CTFLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	MinSlotCount = 2
	MaxSlotCount = 256
)

// ConditionStatus tracks where a condition is in its resolution lifecycle.
type ConditionStatus uint8

const (
	StatusOpen ConditionStatus = iota
	StatusResolutionRequested
	StatusDisputed
	StatusResolved
)

func (s ConditionStatus) String() string {
	switch s {
	case StatusOpen:
		return "open"
	case StatusResolutionRequested:
		return "resolution_requested"
	case StatusDisputed:
		return "disputed"
	case StatusResolved:
		return "resolved"
	default:
		return "unknown"
	}
}

// ParseConditionStatus is the inverse of ConditionStatus.String.
func ParseConditionStatus(s string) (ConditionStatus, bool) {
	switch s {
	case "open":
		return StatusOpen, true
	case "resolution_requested":
		return StatusResolutionRequested, true
	case "disputed":
		return StatusDisputed, true
	case "resolved":
		return StatusResolved, true
	}
	return 0, false
}

// Condition is a market definition partitioning collateral into SlotCount
// mutually exclusive outcomes. Only the lifecycle fields change after creation.
type Condition struct {
	ID         common.Hash
	Oracle     common.Address
	QuestionID common.Hash
	SlotCount  int
	CreatedAt  int64 // epoch micros
	Deadline   int64 // epoch micros

	Status                ConditionStatus
	ResolutionRequestedAt int64
	DisputedAt            int64
	ResolvedAt            int64
	PayoutVector          []uint64

	// Set on resolution; accumulates weighted burned claims across redemptions.
	Redemptions *fpmath.RedemptionAccumulator `json:"-"`
}

// ConditionID derives the identifier of (oracle, questionID, slotCount) as
// keccak256(oracle ‖ questionID ‖ uint256(slotCount)).
func ConditionID(oracle common.Address, questionID common.Hash, slotCount int) common.Hash {
	count := common.LeftPadBytes(big.NewInt(int64(slotCount)).Bytes(), 32)
	return crypto.Keccak256Hash(oracle.Bytes(), questionID.Bytes(), count)
}

// Tradeable reports whether orders may rest on or match against this condition.
func (c *Condition) Tradeable() bool {
	return c.Status == StatusOpen
}

// Resolve stores the final payout vector and starts redemption accounting.
func (c *Condition) Resolve(payouts []uint64, at int64) {
	c.PayoutVector = append([]uint64(nil), payouts...)
	c.Status = StatusResolved
	c.ResolvedAt = at
	c.Redemptions = fpmath.NewRedemptionAccumulator(c.PayoutVector)
}

// Clone returns a deep copy safe to hand to readers outside the core.
func (c *Condition) Clone() *Condition {
	cp := *c
	if c.PayoutVector != nil {
		cp.PayoutVector = append([]uint64(nil), c.PayoutVector...)
	}
	if c.Redemptions != nil {
		cp.Redemptions = fpmath.RestoreRedemptionAccumulator(c.PayoutVector, c.Redemptions.Numerator())
	}
	return &cp
}
