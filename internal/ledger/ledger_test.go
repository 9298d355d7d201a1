package ledger_test

import (
	"math"
	"testing"

	"CTFLedger/internal/ledger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bob   = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	cond  = common.HexToHash("0x0c0c0c0c0c0c0c0c0c0c0c0c0c0c0c0c0c0c0c0c0c0c0c0c0c0c0c0c0c0c0c0c")
)

func mustApply(t *testing.T, bt *ledger.BalanceTracker, b *ledger.BatchBuilder) *ledger.Batch {
	t.Helper()
	batch := b.Build()
	if err := bt.ApplyBatch(batch); err != nil {
		t.Fatalf("ApplyBatch failed: %v", err)
	}
	return batch
}

func fund(t *testing.T, bt *ledger.BalanceTracker, owner common.Address, amount int64) {
	t.Helper()
	b := ledger.NewJournalGenerator(bt).Begin(uuid.NewString(), 0, 0)
	b.Deposit(owner, amount)
	mustApply(t, bt, b)
}

// ============================================================================
// Test: AccountKey
// ============================================================================

func TestAccountKey_UserPath(t *testing.T) {
	key := ledger.CollateralKey(alice)

	path := key.AccountPath()
	expected := "user:" + alice.Hex() + ":collateral:collateral"
	if path != expected {
		t.Errorf("got %q, want %q", path, expected)
	}
}

func TestAccountKey_PositionPath(t *testing.T) {
	key := ledger.PositionKey(alice, ledger.OutcomeAsset(cond, 1))

	path := key.AccountPath()
	expected := "user:" + alice.Hex() + ":position:" + cond.Hex() + "/1"
	if path != expected {
		t.Errorf("got %q, want %q", path, expected)
	}
}

func TestAccountKey_SystemPath(t *testing.T) {
	if got := ledger.EscrowKey(cond).AccountPath(); got != "system:escrow:"+cond.Hex() {
		t.Errorf("escrow path: got %q", got)
	}
	if got := ledger.SupplyKey(cond, 0).AccountPath(); got != "system:supply:"+cond.Hex()+"/0" {
		t.Errorf("supply path: got %q", got)
	}
}

func TestAccountKey_ExternalPath(t *testing.T) {
	key := ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits)

	path := key.AccountPath()
	if path != "external:deposits:collateral" {
		t.Errorf("got %q, want %q", path, "external:deposits:collateral")
	}
}

func TestAsset_CollateralIsZero(t *testing.T) {
	if !ledger.CollateralAsset.IsCollateral() {
		t.Error("CollateralAsset should report IsCollateral")
	}
	if ledger.OutcomeAsset(cond, 0).IsCollateral() {
		t.Error("outcome asset should not be collateral")
	}
}

// ============================================================================
// Test: BalanceTracker
// ============================================================================

func TestBalanceTracker_InitialBalanceZero(t *testing.T) {
	bt := ledger.NewBalanceTracker()

	if balance := bt.Collateral(alice); balance != 0 {
		t.Errorf("initial balance should be 0, got %d", balance)
	}
}

func TestBalanceTracker_Deposit(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	fund(t, bt, alice, 1_000)

	if got := bt.Collateral(alice); got != 1_000 {
		t.Errorf("collateral: got %d, want 1000", got)
	}
}

func TestBalanceTracker_GlobalBalanceZeroSum(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	gen := ledger.NewJournalGenerator(bt)
	fund(t, bt, alice, 1_000)

	b := gen.Begin("split-1", 1, 0)
	b.Split(alice, cond, 3, 400)
	b.ReserveCollateral(alice, 100)
	b.ReservePosition(alice, ledger.OutcomeAsset(cond, 2), 50)
	mustApply(t, bt, b)

	totals := bt.ComputeGlobalBalance()
	for asset, total := range totals {
		if total != 0 {
			t.Errorf("asset %s has non-zero global balance: %d", asset, total)
		}
	}
}

func TestBalanceTracker_ValidateRange(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	fund(t, bt, alice, math.MaxInt64-1)

	b := ledger.NewJournalGenerator(bt).Begin("top-up", 1, 0)
	b.Deposit(alice, 1)
	if err := bt.ValidateRange(b.Build()); err != nil {
		t.Errorf("reaching MaxInt64 exactly should pass, got %v", err)
	}

	b = ledger.NewJournalGenerator(bt).Begin("overflow", 1, 0)
	b.Deposit(alice, 2)
	if err := bt.ValidateRange(b.Build()); err == nil {
		t.Fatal("expected overflow error")
	}

	// The external counterparty runs negative and is bounded too.
	b = ledger.NewJournalGenerator(bt).Begin("other-holder", 1, 0)
	b.Deposit(bob, 3)
	if err := bt.ValidateRange(b.Build()); err == nil {
		t.Fatal("expected overflow on the deposits account")
	}
	if got := bt.Collateral(alice); got != math.MaxInt64-1 {
		t.Errorf("validation must not mutate balances, got %d", got)
	}
}

func TestBalanceTracker_ValidateSufficient(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	key := ledger.CollateralKey(alice)

	if err := bt.ValidateSufficient(key, 100); err == nil {
		t.Error("expected error for insufficient balance")
	}

	fund(t, bt, alice, 1_000)

	if err := bt.ValidateSufficient(key, 1_000); err != nil {
		t.Errorf("should have sufficient balance: %v", err)
	}
	if err := bt.ValidateSufficient(key, 1_001); err == nil {
		t.Error("expected error for 1_001 > 1_000")
	}
}

func TestBalanceTracker_SnapshotRestore(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	fund(t, bt, alice, 999)

	snap := bt.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("snapshot: got %d accounts, want 2", len(snap))
	}

	for k := range snap {
		snap[k] = 0
	}
	if bt.Collateral(alice) != 999 {
		t.Error("tracker balance should not be affected by snapshot mutation")
	}

	restored := ledger.NewBalanceTracker()
	restored.Restore(bt.Snapshot())
	if restored.Collateral(alice) != 999 {
		t.Errorf("restored collateral: got %d, want 999", restored.Collateral(alice))
	}
}

// ============================================================================
// Test: BatchBuilder legs
// ============================================================================

func TestBatchBuilder_SplitThenMergeRoundTrip(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	gen := ledger.NewJournalGenerator(bt)
	fund(t, bt, alice, 500)
	before := bt.Snapshot()

	split := gen.Begin("split", 1, 0)
	split.Split(alice, cond, 2, 200)
	mustApply(t, bt, split)

	if bt.Escrow(cond) != 200 {
		t.Errorf("escrow: got %d, want 200", bt.Escrow(cond))
	}
	for slot := uint16(0); slot < 2; slot++ {
		if got := bt.Position(alice, ledger.OutcomeAsset(cond, slot)); got != 200 {
			t.Errorf("slot %d position: got %d, want 200", slot, got)
		}
		if got := bt.Supply(cond, slot); got != 200 {
			t.Errorf("slot %d supply: got %d, want 200", slot, got)
		}
	}

	merge := gen.Begin("merge", 2, 0)
	merge.Merge(alice, cond, 2, 200)
	mustApply(t, bt, merge)

	after := bt.Snapshot()
	if len(after) != len(before) {
		t.Fatalf("round trip left %d accounts, want %d", len(after), len(before))
	}
	for k, v := range before {
		if after[k] != v {
			t.Errorf("%s: got %d, want %d", k.AccountPath(), after[k], v)
		}
	}
}

func TestBatchBuilder_FillMovesBothLegs(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	gen := ledger.NewJournalGenerator(bt)
	asset := ledger.OutcomeAsset(cond, 0)
	fund(t, bt, alice, 100)
	fund(t, bt, bob, 100)

	setup := gen.Begin("setup", 1, 0)
	setup.Split(bob, cond, 2, 10)
	setup.ReservePosition(bob, asset, 10)
	setup.ReserveCollateral(alice, 6)
	mustApply(t, bt, setup)

	fill := gen.Begin("fill", 2, 0)
	fill.Fill(alice, bob, asset, 10, 5)
	fill.ReleaseCollateral(alice, 1)
	batch := mustApply(t, bt, fill)

	if len(batch.Journals) != 3 {
		t.Fatalf("journals: got %d, want 3", len(batch.Journals))
	}
	if got := bt.Position(alice, asset); got != 10 {
		t.Errorf("buyer tokens: got %d, want 10", got)
	}
	if got := bt.ReservedPosition(bob, asset); got != 0 {
		t.Errorf("seller reserved tokens: got %d, want 0", got)
	}
	if got := bt.Collateral(bob); got != 95 {
		t.Errorf("seller collateral: got %d, want 95", got)
	}
	if got := bt.Collateral(alice); got != 95 {
		t.Errorf("buyer collateral: got %d, want 95", got)
	}
	if got := bt.ReservedCollateral(alice); got != 0 {
		t.Errorf("buyer reserved: got %d, want 0", got)
	}
}

func TestBatchBuilder_ZeroAmountSkipped(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	b := ledger.NewJournalGenerator(bt).Begin("noop", 1, 0)
	b.ReleaseCollateral(alice, 0)

	if b.Len() != 0 {
		t.Errorf("zero-amount leg should be skipped, got %d journals", b.Len())
	}
}

func TestBatchBuilder_PendingBalance(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	fund(t, bt, alice, 100)

	b := ledger.NewJournalGenerator(bt).Begin("pending", 1, 0)
	b.ReserveCollateral(alice, 40)

	if got := b.Balance(ledger.CollateralKey(alice)); got != 60 {
		t.Errorf("pending collateral: got %d, want 60", got)
	}
	if got := bt.Collateral(alice); got != 100 {
		t.Errorf("tracker must not change before apply: got %d", got)
	}
}

func TestBatchBuilder_DeterministicIDs(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	gen := ledger.NewJournalGenerator(bt)

	a := gen.Begin("cmd-1", 1, 0)
	a.Deposit(alice, 5)
	b := gen.Begin("cmd-1", 1, 0)
	b.Deposit(alice, 5)

	if a.Build().BatchID != b.Build().BatchID {
		t.Error("same command should produce the same batch ID")
	}
	if a.Build().Journals[0].JournalID != b.Build().Journals[0].JournalID {
		t.Error("same command should produce the same journal IDs")
	}
}

// ============================================================================
// Test: Batch Validation
// ============================================================================

func validJournal(batchID uuid.UUID) ledger.Journal {
	return ledger.Journal{
		JournalID:     uuid.New(),
		BatchID:       batchID,
		DebitAccount:  ledger.CollateralKey(alice),
		CreditAccount: ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits),
		Asset:         ledger.CollateralAsset,
		Amount:        1_000,
	}
}

func TestBatchValidate_EmptyBatch_Fails(t *testing.T) {
	batch := &ledger.Batch{BatchID: uuid.New()}

	if err := batch.Validate(); err == nil {
		t.Error("empty batch should fail validation")
	}
}

func TestBatchValidate_NonPositiveAmount_Fails(t *testing.T) {
	for _, amount := range []int64{0, -100} {
		batchID := uuid.New()
		j := validJournal(batchID)
		j.Amount = amount
		batch := &ledger.Batch{BatchID: batchID, Journals: []ledger.Journal{j}}

		if err := batch.Validate(); err == nil {
			t.Errorf("amount %d should fail validation", amount)
		}
	}
}

func TestBatchValidate_SelfTransfer_Fails(t *testing.T) {
	batchID := uuid.New()
	j := validJournal(batchID)
	j.CreditAccount = j.DebitAccount
	batch := &ledger.Batch{BatchID: batchID, Journals: []ledger.Journal{j}}

	if err := batch.Validate(); err == nil {
		t.Error("self-transfer should fail validation")
	}
}

func TestBatchValidate_MismatchedBatchID_Fails(t *testing.T) {
	batchID := uuid.New()
	j := validJournal(uuid.New())
	batch := &ledger.Batch{BatchID: batchID, Journals: []ledger.Journal{j}}

	if err := batch.Validate(); err == nil {
		t.Error("mismatched batch ID should fail validation")
	}
}

func TestBatchValidate_AssetMismatch_Fails(t *testing.T) {
	batchID := uuid.New()
	j := validJournal(batchID)
	j.DebitAccount = ledger.PositionKey(alice, ledger.OutcomeAsset(cond, 0))
	batch := &ledger.Batch{BatchID: batchID, Journals: []ledger.Journal{j}}

	if err := batch.Validate(); err == nil {
		t.Error("cross-asset journal should fail validation")
	}
}

func TestBatchValidate_ValidBatch_Passes(t *testing.T) {
	batchID := uuid.New()
	batch := &ledger.Batch{BatchID: batchID, Journals: []ledger.Journal{validJournal(batchID)}}

	if err := batch.Validate(); err != nil {
		t.Errorf("valid batch should pass: %v", err)
	}
}

// ============================================================================
// Test: InvariantValidator
// ============================================================================

func TestInvariantValidator_GlobalBalanceZero(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	v := ledger.NewInvariantValidator(bt)

	if err := v.ValidateGlobalBalance(); err != nil {
		t.Errorf("empty ledger should have zero global balance: %v", err)
	}

	fund(t, bt, alice, 1_000)

	if err := v.ValidateGlobalBalance(); err != nil {
		t.Errorf("balanced ledger should have zero global balance: %v", err)
	}
}

func TestInvariantValidator_FullSetBacking(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	v := ledger.NewInvariantValidator(bt)
	gen := ledger.NewJournalGenerator(bt)
	fund(t, bt, alice, 100)

	split := gen.Begin("split", 1, 0)
	split.Split(alice, cond, 2, 100)
	mustApply(t, bt, split)

	if err := v.ValidateFullSetBacking(cond, 2); err != nil {
		t.Errorf("split should keep full-set backing: %v", err)
	}

	// Burn one slot only: backing breaks.
	burn := gen.Begin("burn", 2, 0)
	burn.RedeemBurn(alice, cond, 0, 100)
	mustApply(t, bt, burn)

	if err := v.ValidateFullSetBacking(cond, 2); err == nil {
		t.Error("asymmetric burn should break full-set backing")
	}
}

func TestInvariantValidator_TouchedAccountsNegative(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	v := ledger.NewInvariantValidator(bt)

	b := ledger.NewJournalGenerator(bt).Begin("overdraw", 1, 0)
	b.Withdraw(alice, 10)
	batch := mustApply(t, bt, b)

	if err := v.ValidateTouchedAccounts(batch); err == nil {
		t.Error("overdrawn user collateral should fail")
	}
}
