package command

import "github.com/ethereum/go-ethereum/common"

// Deposit credits collateral arriving from outside the ledger.
type Deposit struct {
	Header
	Holder common.Address
	Amount int64
}

func (c *Deposit) CommandType() CommandType {
	return CommandTypeDeposit
}

func (c *Deposit) ConditionRef() *common.Hash {
	return nil
}

// Withdraw debits free collateral leaving the ledger.
type Withdraw struct {
	Header
	Holder common.Address
	Amount int64
}

func (c *Withdraw) CommandType() CommandType {
	return CommandTypeWithdraw
}

func (c *Withdraw) ConditionRef() *common.Hash {
	return nil
}

// Split locks Amount collateral and mints Amount of every slot.
type Split struct {
	Header
	ConditionID common.Hash
	Amount      int64
	Depositor   common.Address
}

func (c *Split) CommandType() CommandType {
	return CommandTypeSplit
}

func (c *Split) ConditionRef() *common.Hash {
	return &c.ConditionID
}

// Merge burns Amount of every slot and releases Amount collateral.
type Merge struct {
	Header
	ConditionID common.Hash
	Amount      int64
	Holder      common.Address
}

func (c *Merge) CommandType() CommandType {
	return CommandTypeMerge
}

func (c *Merge) ConditionRef() *common.Hash {
	return &c.ConditionID
}

// Transfer moves free outcome tokens of one slot between holders.
type Transfer struct {
	Header
	ConditionID common.Hash
	Slot        uint16
	From        common.Address
	To          common.Address
	Amount      int64
}

func (c *Transfer) CommandType() CommandType {
	return CommandTypeTransfer
}

func (c *Transfer) ConditionRef() *common.Hash {
	return &c.ConditionID
}

// Redeem burns all of a holder's tokens in a resolved condition for collateral.
type Redeem struct {
	Header
	ConditionID common.Hash
	Holder      common.Address
}

func (c *Redeem) CommandType() CommandType {
	return CommandTypeRedeem
}

func (c *Redeem) ConditionRef() *common.Hash {
	return &c.ConditionID
}
