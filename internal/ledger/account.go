package ledger

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeUser AccountScope = iota
	AccountScopeSystem
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// User sub-types
	SubTypeCollateral       AccountSubType = iota // free collateral
	SubTypeReserved                               // collateral locked behind resting buys
	SubTypePosition                               // free outcome tokens
	SubTypeReservedPosition                       // outcome tokens locked behind resting sells

	// System sub-types
	SubTypeConditionEscrow // collateral backing a condition's outstanding tokens
	SubTypeOutcomeSupply   // mint/burn counterparty for a slot; -balance == supply

	// External sub-types
	SubTypeExternalDeposits
	SubTypeExternalWithdrawals
)

// Asset identifies what an account holds. The zero value is the collateral
// asset; any other value is the outcome token of (Condition, Slot).
type Asset struct {
	Condition common.Hash
	Slot      uint16
}

// CollateralAsset is the single collateral asset backing every condition.
var CollateralAsset = Asset{}

// OutcomeAsset returns the outcome token for a condition slot.
func OutcomeAsset(conditionID common.Hash, slot uint16) Asset {
	return Asset{Condition: conditionID, Slot: slot}
}

func (a Asset) IsCollateral() bool {
	return a == CollateralAsset
}

func (a Asset) String() string {
	if a.IsCollateral() {
		return "collateral"
	}
	return fmt.Sprintf("%s/%d", a.Condition.Hex(), a.Slot)
}

// AccountKey is the in-memory key for balance tracking. It is comparable and
// used directly as a map key.
type AccountKey struct {
	Scope   AccountScope
	Owner   common.Address // user accounts
	Market  common.Hash    // condition a system account belongs to
	SubType AccountSubType
	Asset   Asset
}

// NewUserAccountKey creates a key for user accounts
func NewUserAccountKey(owner common.Address, subType AccountSubType, asset Asset) AccountKey {
	return AccountKey{
		Scope:   AccountScopeUser,
		Owner:   owner,
		SubType: subType,
		Asset:   asset,
	}
}

// CollateralKey is the user's free collateral account.
func CollateralKey(owner common.Address) AccountKey {
	return NewUserAccountKey(owner, SubTypeCollateral, CollateralAsset)
}

// ReservedKey is the user's collateral locked behind resting buy orders.
func ReservedKey(owner common.Address) AccountKey {
	return NewUserAccountKey(owner, SubTypeReserved, CollateralAsset)
}

// PositionKey is the user's free balance of an outcome token.
func PositionKey(owner common.Address, asset Asset) AccountKey {
	return NewUserAccountKey(owner, SubTypePosition, asset)
}

// ReservedPositionKey is the user's outcome tokens locked behind resting sell orders.
func ReservedPositionKey(owner common.Address, asset Asset) AccountKey {
	return NewUserAccountKey(owner, SubTypeReservedPosition, asset)
}

// EscrowKey is the collateral escrow of a condition.
func EscrowKey(conditionID common.Hash) AccountKey {
	return AccountKey{
		Scope:   AccountScopeSystem,
		Market:  conditionID,
		SubType: SubTypeConditionEscrow,
		Asset:   CollateralAsset,
	}
}

// SupplyKey is the mint/burn account of one outcome slot.
func SupplyKey(conditionID common.Hash, slot uint16) AccountKey {
	return AccountKey{
		Scope:   AccountScopeSystem,
		Market:  conditionID,
		SubType: SubTypeOutcomeSupply,
		Asset:   OutcomeAsset(conditionID, slot),
	}
}

// NewExternalAccountKey creates a key for external boundary accounts
func NewExternalAccountKey(subType AccountSubType) AccountKey {
	return AccountKey{
		Scope:   AccountScopeExternal,
		SubType: subType,
		Asset:   CollateralAsset,
	}
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	switch k.Scope {
	case AccountScopeUser:
		return fmt.Sprintf("user:%s:%s:%s", k.Owner.Hex(), k.SubTypeName(), k.Asset)
	case AccountScopeSystem:
		return fmt.Sprintf("system:%s:%s", k.SubTypeName(), k.assetOrMarket())
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s:%s", k.SubTypeName(), k.Asset)
	}
	return "unknown"
}

func (k AccountKey) assetOrMarket() string {
	if k.SubType == SubTypeConditionEscrow {
		return k.Market.Hex()
	}
	return k.Asset.String()
}

// SubTypeName returns the storage name of the sub-type.
func (k AccountKey) SubTypeName() string {
	switch k.SubType {
	case SubTypeCollateral:
		return "collateral"
	case SubTypeReserved:
		return "reserved"
	case SubTypePosition:
		return "position"
	case SubTypeReservedPosition:
		return "reserved_position"
	case SubTypeConditionEscrow:
		return "escrow"
	case SubTypeOutcomeSupply:
		return "supply"
	case SubTypeExternalDeposits:
		return "deposits"
	case SubTypeExternalWithdrawals:
		return "withdrawals"
	default:
		return "unknown"
	}
}

// MustBeNonNegative reports whether the account is required to stay >= 0.
// Supply and external accounts are counterparties and run negative.
func (k AccountKey) MustBeNonNegative() bool {
	return k.Scope == AccountScopeUser || k.SubType == SubTypeConditionEscrow
}
