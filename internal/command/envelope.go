package command

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// CommandType discriminator for command payloads
type CommandType int32

const (
	CommandTypeUnknown CommandType = iota
	CommandTypeCreateCondition
	CommandTypeSplit
	CommandTypeMerge
	CommandTypeTransfer
	CommandTypeDeposit
	CommandTypeWithdraw
	CommandTypeRequestResolution
	CommandTypeDisputeResolution
	CommandTypeSubmitVerdict
	CommandTypeRedeem
	CommandTypeSubmitOrder
	CommandTypeCancelOrder
)

// Envelope wraps every command in the log
type Envelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	// Command type discriminator
	CommandType CommandType

	// Condition context (nil for collateral-only commands)
	ConditionID *common.Hash

	// Ledger-supplied timestamp (NOT wall-clock)
	Timestamp time.Time

	// Upstream sequence for ordering validation
	SourceSequence int64

	// JSON-encoded command
	Payload []byte

	// SHA-256 of state AFTER applying this command
	StateHash [32]byte

	// Previous command's state hash (chain integrity)
	PrevHash [32]byte

	// Empty when the command was accepted
	RejectReason string
}

// Command is the interface all command payloads implement
type Command interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// CommandType returns the discriminator
	CommandType() CommandType

	// ConditionRef returns the condition context (nil for global commands)
	ConditionRef() *common.Hash

	// SourceSequence returns upstream ordering key
	SourceSequence() int64

	// At returns the ledger timestamp the command executes at
	At() time.Time
}

// Header carries the fields every command shares.
type Header struct {
	CommandID uuid.UUID
	Sequence  int64
	Timestamp time.Time
}

// Stampable is implemented by every command; the sequencer uses it to assign
// the source sequence and ledger time before the core sees the command.
type Stampable interface {
	Command
	Stamp(sequence int64, at time.Time)
}

// Stamp sets the source sequence and ledger timestamp.
func (h *Header) Stamp(sequence int64, at time.Time) {
	h.Sequence = sequence
	h.Timestamp = at
}

func (h Header) IdempotencyKey() string {
	return h.CommandID.String()
}

func (h Header) SourceSequence() int64 {
	return h.Sequence
}

func (h Header) At() time.Time {
	return h.Timestamp
}

func (ct CommandType) String() string {
	switch ct {
	case CommandTypeCreateCondition:
		return "CreateCondition"
	case CommandTypeSplit:
		return "Split"
	case CommandTypeMerge:
		return "Merge"
	case CommandTypeTransfer:
		return "Transfer"
	case CommandTypeDeposit:
		return "Deposit"
	case CommandTypeWithdraw:
		return "Withdraw"
	case CommandTypeRequestResolution:
		return "RequestResolution"
	case CommandTypeDisputeResolution:
		return "DisputeResolution"
	case CommandTypeSubmitVerdict:
		return "SubmitVerdict"
	case CommandTypeRedeem:
		return "Redeem"
	case CommandTypeSubmitOrder:
		return "SubmitOrder"
	case CommandTypeCancelOrder:
		return "CancelOrder"
	default:
		return "Unknown"
	}
}

// ParseCommandType is the inverse of CommandType.String.
func ParseCommandType(s string) CommandType {
	for ct := CommandTypeCreateCondition; ct <= CommandTypeCancelOrder; ct++ {
		if ct.String() == s {
			return ct
		}
	}
	return CommandTypeUnknown
}
