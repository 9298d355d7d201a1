package ledger

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateBatchBalance verifies batch is well-formed and balanced
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidateTouchedAccounts checks every user and escrow account a batch touched is >= 0.
func (v *InvariantValidator) ValidateTouchedAccounts(batch *Batch) error {
	for _, j := range batch.Journals {
		for _, key := range [2]AccountKey{j.DebitAccount, j.CreditAccount} {
			if !key.MustBeNonNegative() {
				continue
			}
			if err := v.tracker.ValidateNonNegative(key); err != nil {
				return err
			}
		}
	}
	return nil
}

// ValidateFullSetBacking verifies escrow == supply for every slot of a condition.
// Holds for every condition on which no redemption has happened yet.
func (v *InvariantValidator) ValidateFullSetBacking(conditionID common.Hash, slotCount int) error {
	escrow := v.tracker.Escrow(conditionID)
	for slot := 0; slot < slotCount; slot++ {
		supply := v.tracker.Supply(conditionID, uint16(slot))
		if supply != escrow {
			return fmt.Errorf("condition %s slot %d supply %d != escrow %d",
				conditionID.Hex(), slot, supply, escrow)
		}
	}
	return nil
}

// ValidateGlobalBalance verifies system is zero-sum for every asset
func (v *InvariantValidator) ValidateGlobalBalance() error {
	totals := v.tracker.ComputeGlobalBalance()

	for asset, total := range totals {
		if total != 0 {
			return fmt.Errorf("global balance for %s is non-zero: %d", asset, total)
		}
	}

	return nil
}
