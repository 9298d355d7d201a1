package ledger

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// JournalGenerator creates balanced journal batches from commands
type JournalGenerator struct {
	balanceTracker *BalanceTracker
}

func NewJournalGenerator(tracker *BalanceTracker) *JournalGenerator {
	return &JournalGenerator{
		balanceTracker: tracker,
	}
}

// Begin starts the batch for one command. Every leg a command produces goes
// into this single batch so the whole command applies or nothing does.
func (jg *JournalGenerator) Begin(commandRef string, sequence int64, timestamp int64) *BatchBuilder {
	batchID := BatchIDFor(commandRef)
	return &BatchBuilder{
		tracker: jg.balanceTracker,
		pending: make(map[AccountKey]int64),
		batch: &Batch{
			BatchID:    batchID,
			CommandRef: commandRef,
			Sequence:   sequence,
			Timestamp:  timestamp,
			Journals:   make([]Journal, 0, 4),
		},
	}
}

// BatchBuilder accumulates the legs of one command and tracks the balance
// deltas they would cause, so later legs can be checked against earlier ones.
type BatchBuilder struct {
	tracker *BalanceTracker
	pending map[AccountKey]int64
	batch   *Batch
}

// Balance returns the balance of key as if the legs added so far were applied.
func (b *BatchBuilder) Balance(key AccountKey) int64 {
	return b.tracker.GetBalance(key) + b.pending[key]
}

// Move adds one leg: amount moves from credit to debit. Zero amounts are skipped.
func (b *BatchBuilder) Move(debit, credit AccountKey, amount int64, jt JournalType) {
	if amount == 0 {
		return
	}
	j := Journal{
		JournalID:     JournalIDFor(b.batch.BatchID, len(b.batch.Journals)),
		BatchID:       b.batch.BatchID,
		CommandRef:    b.batch.CommandRef,
		Sequence:      b.batch.Sequence,
		DebitAccount:  debit,
		CreditAccount: credit,
		Asset:         debit.Asset,
		Amount:        amount,
		JournalType:   jt,
		Timestamp:     b.batch.Timestamp,
	}
	b.batch.Journals = append(b.batch.Journals, j)
	b.pending[debit] += amount
	b.pending[credit] -= amount
}

// Len returns the number of legs added so far.
func (b *BatchBuilder) Len() int {
	return len(b.batch.Journals)
}

// Build returns the batch. It may be empty if the command moved no value.
func (b *BatchBuilder) Build() *Batch {
	return b.batch
}

// BatchID returns the ID of the batch under construction.
func (b *BatchBuilder) BatchID() uuid.UUID {
	return b.batch.BatchID
}

// === Collateral boundary ===

// Deposit: external:deposits -> user:collateral
func (b *BatchBuilder) Deposit(owner common.Address, amount int64) {
	b.Move(CollateralKey(owner), NewExternalAccountKey(SubTypeExternalDeposits), amount, JournalTypeDeposit)
}

// Withdraw: user:collateral -> external:withdrawals
func (b *BatchBuilder) Withdraw(owner common.Address, amount int64) {
	b.Move(NewExternalAccountKey(SubTypeExternalWithdrawals), CollateralKey(owner), amount, JournalTypeWithdrawal)
}

// === Full sets ===

// Split locks collateral in the condition escrow and mints amount of every slot.
func (b *BatchBuilder) Split(owner common.Address, conditionID common.Hash, slotCount int, amount int64) {
	b.Move(EscrowKey(conditionID), CollateralKey(owner), amount, JournalTypeSplitLock)
	for slot := 0; slot < slotCount; slot++ {
		asset := OutcomeAsset(conditionID, uint16(slot))
		b.Move(PositionKey(owner, asset), SupplyKey(conditionID, uint16(slot)), amount, JournalTypeSplitMint)
	}
}

// Merge burns amount of every slot and releases the backing collateral.
func (b *BatchBuilder) Merge(owner common.Address, conditionID common.Hash, slotCount int, amount int64) {
	for slot := 0; slot < slotCount; slot++ {
		asset := OutcomeAsset(conditionID, uint16(slot))
		b.Move(SupplyKey(conditionID, uint16(slot)), PositionKey(owner, asset), amount, JournalTypeMergeBurn)
	}
	b.Move(CollateralKey(owner), EscrowKey(conditionID), amount, JournalTypeMergeRelease)
}

// TransferPosition moves free outcome tokens between holders.
func (b *BatchBuilder) TransferPosition(from, to common.Address, asset Asset, amount int64) {
	b.Move(PositionKey(to, asset), PositionKey(from, asset), amount, JournalTypeTransfer)
}

// === Order reservations ===

// ReserveCollateral: user:collateral -> user:reserved
func (b *BatchBuilder) ReserveCollateral(owner common.Address, amount int64) {
	b.Move(ReservedKey(owner), CollateralKey(owner), amount, JournalTypeOrderReserve)
}

// ReleaseCollateral: user:reserved -> user:collateral
func (b *BatchBuilder) ReleaseCollateral(owner common.Address, amount int64) {
	b.Move(CollateralKey(owner), ReservedKey(owner), amount, JournalTypeOrderRelease)
}

// ReservePosition: user:position -> user:reserved_position
func (b *BatchBuilder) ReservePosition(owner common.Address, asset Asset, amount int64) {
	b.Move(ReservedPositionKey(owner, asset), PositionKey(owner, asset), amount, JournalTypeOrderReserve)
}

// ReleasePosition: user:reserved_position -> user:position
func (b *BatchBuilder) ReleasePosition(owner common.Address, asset Asset, amount int64) {
	b.Move(PositionKey(owner, asset), ReservedPositionKey(owner, asset), amount, JournalTypeOrderRelease)
}

// === Fills ===

// Fill settles one match out of both parties' reservations: quantity tokens
// leave the seller's reserved position for the buyer's free position, and
// cost collateral leaves the buyer's reserve for the seller's free collateral.
func (b *BatchBuilder) Fill(buyer, seller common.Address, asset Asset, quantity, cost int64) {
	b.Move(PositionKey(buyer, asset), ReservedPositionKey(seller, asset), quantity, JournalTypeFillToken)
	b.Move(CollateralKey(seller), ReservedKey(buyer), cost, JournalTypeFillCollateral)
}

// === Redemption ===

// RedeemBurn burns a holder's free balance of one slot.
func (b *BatchBuilder) RedeemBurn(holder common.Address, conditionID common.Hash, slot uint16, amount int64) {
	asset := OutcomeAsset(conditionID, slot)
	b.Move(SupplyKey(conditionID, slot), PositionKey(holder, asset), amount, JournalTypeRedeemBurn)
}

// RedeemPayout pays collateral out of a condition escrow.
func (b *BatchBuilder) RedeemPayout(holder common.Address, conditionID common.Hash, amount int64) {
	b.Move(CollateralKey(holder), EscrowKey(conditionID), amount, JournalTypeRedeemPayout)
}
