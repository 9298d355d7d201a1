package core

import (
	"errors"
	"fmt"
	"math/big"
	"sort"

	"CTFLedger/internal/command"
	"CTFLedger/internal/ledger"
	fpmath "CTFLedger/internal/math"
	"CTFLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
)

// Snapshot is the full in-memory state of the core at a sequence boundary.
// Restoring it and replaying the log from Sequence reproduces the live state.
type Snapshot struct {
	Sequence        int64                 `json:"sequence"` // next sequence to assign
	StateHash       common.Hash           `json:"state_hash"`
	LastTimestamp   int64                 `json:"last_timestamp_us"`
	Balances        []BalanceEntry        `json:"balances"`
	Conditions      []ConditionSnapshot   `json:"conditions"`
	Books           state.OrderBooksState `json:"books"`
	SequenceState   map[string]int64      `json:"sequence_state"`
	IdempotencyKeys [][2]string           `json:"idempotency_keys"`
}

// ConditionSnapshot is a condition plus its redemption numerator.
type ConditionSnapshot struct {
	state.Condition
	RedeemedNumerator string `json:"redeemed_numerator,omitempty"`
}

// CreateSnapshot captures the current state deterministically.
func (c *DeterministicCore) CreateSnapshot() *Snapshot {
	snap := &Snapshot{
		Sequence:        c.sequence,
		StateHash:       common.Hash(c.hasher.GetPrevHash()),
		LastTimestamp:   c.lastTimestamp,
		Books:           c.books.Export(),
		SequenceState:   c.sequenceValidator.GetAllPartitions(),
		IdempotencyKeys: c.idempotency.GetAllKeys(),
	}

	for key, balance := range c.balanceTracker.Snapshot() {
		snap.Balances = append(snap.Balances, BalanceEntry{Account: key, Balance: balance})
	}
	sort.Slice(snap.Balances, func(i, j int) bool {
		return snap.Balances[i].Account.AccountPath() < snap.Balances[j].Account.AccountPath()
	})

	for _, cond := range c.conditions.Sorted() {
		cs := ConditionSnapshot{Condition: *cond.Clone()}
		if cond.Redemptions != nil {
			cs.RedeemedNumerator = cond.Redemptions.Numerator().String()
		}
		cs.Redemptions = nil
		snap.Conditions = append(snap.Conditions, cs)
	}

	return snap
}

// RestoreSnapshot replaces all state with a snapshot. Only valid on a core
// that has not processed any command yet.
func (c *DeterministicCore) RestoreSnapshot(snap *Snapshot) error {
	if c.sequence != 0 {
		return fmt.Errorf("restore snapshot: core already at sequence %d", c.sequence)
	}

	balances := make(map[ledger.AccountKey]int64, len(snap.Balances))
	for _, e := range snap.Balances {
		balances[e.Account] = e.Balance
	}

	conditions := state.NewConditionRegistry()
	for i := range snap.Conditions {
		cond := snap.Conditions[i].Condition
		if cond.Status == state.StatusResolved {
			numerator, ok := new(big.Int).SetString(orZero(snap.Conditions[i].RedeemedNumerator), 10)
			if !ok {
				return fmt.Errorf("restore snapshot: condition %s: bad numerator %q",
					cond.ID.Hex(), snap.Conditions[i].RedeemedNumerator)
			}
			cond.Redemptions = fpmath.RestoreRedemptionAccumulator(cond.PayoutVector, numerator)
		}
		conditions.Add(&cond)
	}

	c.balanceTracker.Restore(balances)
	c.conditions = conditions
	c.books.Import(snap.Books)
	for partition, seq := range snap.SequenceState {
		c.sequenceValidator.SetExpectedSequence(partition, seq)
	}
	c.idempotency.Warm(snap.IdempotencyKeys)
	c.hasher.SetPrevHash(snap.StateHash)
	c.sequence = snap.Sequence
	c.lastTimestamp = snap.LastTimestamp

	for _, cond := range c.conditions.Sorted() {
		if err := c.checkConditionBacking(cond); err != nil {
			return fmt.Errorf("restore snapshot: %w", err)
		}
	}
	if err := c.validator.ValidateGlobalBalance(); err != nil {
		return fmt.Errorf("restore snapshot: %w", err)
	}
	return nil
}

func orZero(s string) string {
	if s == "" {
		return "0"
	}
	return s
}

// WarmIdempotency loads recently processed keys into the LRU.
func (c *DeterministicCore) WarmIdempotency(pairs [][2]string) {
	c.idempotency.Warm(pairs)
}

// Replay re-applies a logged command and verifies the chain: the envelope
// must sit at the next sequence and reproduce its recorded state hash.
// Nothing is emitted to the output channels.
func (c *DeterministicCore) Replay(env *command.Envelope) error {
	if env.Sequence != c.sequence {
		return fmt.Errorf("replay: expected sequence %d, got %d", c.sequence, env.Sequence)
	}
	if prev := c.hasher.GetPrevHash(); prev != env.PrevHash {
		return fmt.Errorf("replay: prev hash mismatch at sequence %d", env.Sequence)
	}

	cmd, err := command.Decode(env.CommandType, env.Payload)
	if err != nil {
		return fmt.Errorf("replay: sequence %d: %w", env.Sequence, err)
	}

	c.replaying = true
	result, err := c.ProcessCommand(cmd)
	c.replaying = false

	var domainErr *Error
	if err != nil && !errors.As(err, &domainErr) {
		return fmt.Errorf("replay: sequence %d: %w", env.Sequence, err)
	}
	if result.Duplicate {
		return fmt.Errorf("replay: sequence %d deduplicated", env.Sequence)
	}
	if (domainErr != nil) != (env.RejectReason != "") {
		return fmt.Errorf("replay: sequence %d outcome diverged (logged reject %q, replayed %v)",
			env.Sequence, env.RejectReason, err)
	}
	if result.StateHash != env.StateHash {
		return fmt.Errorf("replay: state hash mismatch at sequence %d", env.Sequence)
	}
	return nil
}
