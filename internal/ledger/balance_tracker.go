package ledger

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// BalanceTracker maintains in-memory account balances
type BalanceTracker struct {
	balances map[AccountKey]int64
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]int64),
	}
}

// ApplyJournal applies a single journal entry to balances
func (bt *BalanceTracker) ApplyJournal(j Journal) {
	bt.balances[j.DebitAccount] += j.Amount
	bt.balances[j.CreditAccount] -= j.Amount
}

// ApplyBatch applies all journals in a batch
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	for _, j := range batch.Journals {
		bt.ApplyJournal(j)
	}

	return nil
}

// GetBalance returns the current balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) int64 {
	return bt.balances[key]
}

// === User balance queries ===

// Collateral returns the user's free collateral.
func (bt *BalanceTracker) Collateral(owner common.Address) int64 {
	return bt.GetBalance(CollateralKey(owner))
}

// ReservedCollateral returns collateral locked behind the user's resting buys.
func (bt *BalanceTracker) ReservedCollateral(owner common.Address) int64 {
	return bt.GetBalance(ReservedKey(owner))
}

// Position returns the user's free balance of an outcome token.
func (bt *BalanceTracker) Position(owner common.Address, asset Asset) int64 {
	return bt.GetBalance(PositionKey(owner, asset))
}

// ReservedPosition returns outcome tokens locked behind the user's resting sells.
func (bt *BalanceTracker) ReservedPosition(owner common.Address, asset Asset) int64 {
	return bt.GetBalance(ReservedPositionKey(owner, asset))
}

// TotalPosition returns free + reserved outcome tokens.
func (bt *BalanceTracker) TotalPosition(owner common.Address, asset Asset) int64 {
	return bt.Position(owner, asset) + bt.ReservedPosition(owner, asset)
}

// === Condition queries ===

// Escrow returns the collateral locked for a condition.
func (bt *BalanceTracker) Escrow(conditionID common.Hash) int64 {
	return bt.GetBalance(EscrowKey(conditionID))
}

// Supply returns the outstanding tokens of one slot across all holders.
func (bt *BalanceTracker) Supply(conditionID common.Hash, slot uint16) int64 {
	return -bt.GetBalance(SupplyKey(conditionID, slot))
}

// === Invariant checks ===

// ValidateRange checks that applying batch, journal by journal, keeps every
// touched account inside int64.
func (bt *BalanceTracker) ValidateRange(batch *Batch) error {
	pending := make(map[AccountKey]int64)
	step := func(key AccountKey, delta int64) error {
		cur, ok := pending[key]
		if !ok {
			cur = bt.balances[key]
		}
		next := cur + delta
		if (delta > 0 && next < cur) || (delta < 0 && next > cur) {
			return fmt.Errorf("balance of %s overflows: %d%+d", key.AccountPath(), cur, delta)
		}
		pending[key] = next
		return nil
	}
	for _, j := range batch.Journals {
		if err := step(j.DebitAccount, j.Amount); err != nil {
			return err
		}
		if err := step(j.CreditAccount, -j.Amount); err != nil {
			return err
		}
	}
	return nil
}

// ValidateSufficient checks that an account can fund a debit of required.
func (bt *BalanceTracker) ValidateSufficient(key AccountKey, required int64) error {
	available := bt.GetBalance(key)
	if available < required {
		return fmt.Errorf("insufficient balance in %s: have=%d, need=%d", key.AccountPath(), available, required)
	}
	return nil
}

// ComputeGlobalBalance sums all account balances per asset (should be 0 for zero-sum ledger)
func (bt *BalanceTracker) ComputeGlobalBalance() map[Asset]int64 {
	totals := make(map[Asset]int64)

	for key, balance := range bt.balances {
		totals[key.Asset] += balance
	}

	return totals
}

// ValidateNonNegative checks that a specific account balance is >= 0
func (bt *BalanceTracker) ValidateNonNegative(key AccountKey) error {
	balance := bt.GetBalance(key)
	if balance < 0 {
		return fmt.Errorf("account %s has negative balance: %d", key.AccountPath(), balance)
	}
	return nil
}

// Snapshot returns a copy of all non-zero balances (for state hashing and snapshots)
func (bt *BalanceTracker) Snapshot() map[AccountKey]int64 {
	snapshot := make(map[AccountKey]int64, len(bt.balances))
	for k, v := range bt.balances {
		if v != 0 {
			snapshot[k] = v
		}
	}
	return snapshot
}

// Restore replaces all balances, used when loading a snapshot.
func (bt *BalanceTracker) Restore(balances map[AccountKey]int64) {
	bt.balances = make(map[AccountKey]int64, len(balances))
	for k, v := range balances {
		bt.balances[k] = v
	}
}
