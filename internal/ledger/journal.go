package ledger

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeDeposit JournalType = iota
	JournalTypeWithdrawal
	JournalTypeSplitLock
	JournalTypeSplitMint
	JournalTypeMergeBurn
	JournalTypeMergeRelease
	JournalTypeTransfer
	JournalTypeOrderReserve
	JournalTypeOrderRelease
	JournalTypeFillToken
	JournalTypeFillCollateral
	JournalTypeRedeemBurn
	JournalTypeRedeemPayout
)

func (jt JournalType) String() string {
	switch jt {
	case JournalTypeDeposit:
		return "deposit"
	case JournalTypeWithdrawal:
		return "withdrawal"
	case JournalTypeSplitLock:
		return "split_lock"
	case JournalTypeSplitMint:
		return "split_mint"
	case JournalTypeMergeBurn:
		return "merge_burn"
	case JournalTypeMergeRelease:
		return "merge_release"
	case JournalTypeTransfer:
		return "transfer"
	case JournalTypeOrderReserve:
		return "order_reserve"
	case JournalTypeOrderRelease:
		return "order_release"
	case JournalTypeFillToken:
		return "fill_token"
	case JournalTypeFillCollateral:
		return "fill_collateral"
	case JournalTypeRedeemBurn:
		return "redeem_burn"
	case JournalTypeRedeemPayout:
		return "redeem_payout"
	default:
		return "unknown"
	}
}

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID   // Unique identifier
	BatchID       uuid.UUID   // Groups balanced entries
	CommandRef    string      // Idempotency key of source command
	Sequence      int64       // Global command sequence
	DebitAccount  AccountKey  // Account receiving debit (balance increases)
	CreditAccount AccountKey  // Account receiving credit (balance decreases)
	Asset         Asset       // Asset being transferred
	Amount        int64       // Base units (ALWAYS positive)
	JournalType   JournalType // Entry type
	Timestamp     int64       // Command timestamp (epoch microseconds)
}

// Batch represents the balanced set of journal entries produced by one command
type Batch struct {
	BatchID    uuid.UUID
	CommandRef string
	Sequence   int64
	Timestamp  int64
	Journals   []Journal
}

// batchNamespace seeds deterministic batch IDs so a replayed command
// reproduces the same identifiers.
var batchNamespace = uuid.MustParse("6f1c2a4e-8d3b-5c7a-9e0f-1b2c3d4e5f60")

// BatchIDFor derives the batch ID of a command.
func BatchIDFor(commandRef string) uuid.UUID {
	return uuid.NewSHA1(batchNamespace, []byte(commandRef))
}

// JournalIDFor derives the ID of the n-th journal of a batch.
func JournalIDFor(batchID uuid.UUID, n int) uuid.UUID {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(n))
	return uuid.NewSHA1(batchID, buf[:])
}

// Validate ensures the batch is well-formed.
// Each journal is a balanced transfer by construction (one positive amount
// moves from the credit account to the debit account), so Σ debits == Σ
// credits holds per entry and per asset.
func (b *Batch) Validate() error {
	if len(b.Journals) == 0 {
		return fmt.Errorf("batch %s is empty", b.BatchID)
	}

	for _, j := range b.Journals {
		if j.Amount <= 0 {
			return fmt.Errorf("journal %s has non-positive amount: %d", j.JournalID, j.Amount)
		}

		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}

		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}

		if j.DebitAccount.Asset != j.Asset || j.CreditAccount.Asset != j.Asset {
			return fmt.Errorf("journal %s moves %s between accounts of a different asset", j.JournalID, j.Asset)
		}
	}

	return nil
}
