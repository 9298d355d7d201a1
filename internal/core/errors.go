package core

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// ErrorKind classifies domain rejections. Every kind is terminal for the
// command that raised it and leaves state untouched.
type ErrorKind uint8

const (
	KindUnknownCondition ErrorKind = iota + 1
	KindDuplicateCondition
	KindInvalidSlotCount
	KindInsufficientCollateral
	KindInsufficientBalance
	KindTooEarly
	KindInvalidPayoutVector
	KindUnauthorizedOracle
	KindConditionNotResolved
	KindConditionNotTradeable
	KindOrderExpired
	KindUnauthorizedCancel
	KindInvalidStatus
	KindInvalidAmount
	KindInvalidSlot
	KindInvalidOrder
	KindInvalidSignature
	KindDuplicateOrder
	KindUnknownOrder
)

var kindNames = map[ErrorKind]string{
	KindUnknownCondition:       "UnknownCondition",
	KindDuplicateCondition:     "DuplicateCondition",
	KindInvalidSlotCount:       "InvalidSlotCount",
	KindInsufficientCollateral: "InsufficientCollateral",
	KindInsufficientBalance:    "InsufficientBalance",
	KindTooEarly:               "TooEarly",
	KindInvalidPayoutVector:    "InvalidPayoutVector",
	KindUnauthorizedOracle:     "UnauthorizedOracle",
	KindConditionNotResolved:   "ConditionNotResolved",
	KindConditionNotTradeable:  "ConditionNotTradeable",
	KindOrderExpired:           "OrderExpired",
	KindUnauthorizedCancel:     "UnauthorizedCancel",
	KindInvalidStatus:          "InvalidStatus",
	KindInvalidAmount:          "InvalidAmount",
	KindInvalidSlot:            "InvalidSlot",
	KindInvalidOrder:           "InvalidOrder",
	KindInvalidSignature:       "InvalidSignature",
	KindDuplicateOrder:         "DuplicateOrder",
	KindUnknownOrder:           "UnknownOrder",
}

func (k ErrorKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "Unknown"
}

// ParseErrorKind is the inverse of ErrorKind.String.
func ParseErrorKind(s string) (ErrorKind, bool) {
	for k, name := range kindNames {
		if name == s {
			return k, true
		}
	}
	return 0, false
}

// Sentinels for errors.Is.
var (
	ErrUnknownCondition       = &Error{Kind: KindUnknownCondition}
	ErrDuplicateCondition     = &Error{Kind: KindDuplicateCondition}
	ErrInvalidSlotCount       = &Error{Kind: KindInvalidSlotCount}
	ErrInsufficientCollateral = &Error{Kind: KindInsufficientCollateral}
	ErrInsufficientBalance    = &Error{Kind: KindInsufficientBalance}
	ErrTooEarly               = &Error{Kind: KindTooEarly}
	ErrInvalidPayoutVector    = &Error{Kind: KindInvalidPayoutVector}
	ErrUnauthorizedOracle     = &Error{Kind: KindUnauthorizedOracle}
	ErrConditionNotResolved   = &Error{Kind: KindConditionNotResolved}
	ErrConditionNotTradeable  = &Error{Kind: KindConditionNotTradeable}
	ErrOrderExpired           = &Error{Kind: KindOrderExpired}
	ErrUnauthorizedCancel     = &Error{Kind: KindUnauthorizedCancel}
	ErrInvalidStatus          = &Error{Kind: KindInvalidStatus}
	ErrInvalidAmount          = &Error{Kind: KindInvalidAmount}
	ErrInvalidSlot            = &Error{Kind: KindInvalidSlot}
	ErrInvalidOrder           = &Error{Kind: KindInvalidOrder}
	ErrInvalidSignature       = &Error{Kind: KindInvalidSignature}
	ErrDuplicateOrder         = &Error{Kind: KindDuplicateOrder}
	ErrUnknownOrder           = &Error{Kind: KindUnknownOrder}
)

// Error is a domain rejection with enough context to build a user-facing message.
type Error struct {
	Kind        ErrorKind
	ConditionID common.Hash
	OrderID     uuid.UUID
	Required    int64
	Available   int64
	Status      string
	Detail      string
}

func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Kind.String())
	if e.ConditionID != (common.Hash{}) {
		fmt.Fprintf(&sb, " condition=%s", e.ConditionID.Hex())
	}
	if e.OrderID != uuid.Nil {
		fmt.Fprintf(&sb, " order=%s", e.OrderID)
	}
	if e.Required != 0 || e.Available != 0 {
		fmt.Fprintf(&sb, " required=%d available=%d", e.Required, e.Available)
	}
	if e.Status != "" {
		fmt.Fprintf(&sb, " status=%s", e.Status)
	}
	if e.Detail != "" {
		fmt.Fprintf(&sb, ": %s", e.Detail)
	}
	return sb.String()
}

// Is matches any *Error of the same kind, so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

func newError(kind ErrorKind, conditionID common.Hash, detail string) *Error {
	return &Error{Kind: kind, ConditionID: conditionID, Detail: detail}
}

func shortfall(kind ErrorKind, conditionID common.Hash, required, available int64, detail string) *Error {
	return &Error{Kind: kind, ConditionID: conditionID, Required: required, Available: available, Detail: detail}
}
