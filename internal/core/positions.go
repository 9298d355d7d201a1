package core

import (
	"fmt"

	"CTFLedger/internal/command"
	"CTFLedger/internal/ledger"

	"github.com/ethereum/go-ethereum/common"
)

func requirePositive(amount int64, conditionID common.Hash) error {
	if amount <= 0 {
		return newError(KindInvalidAmount, conditionID, fmt.Sprintf("amount must be positive, got %d", amount))
	}
	return nil
}

func (c *DeterministicCore) handleDeposit(cmd *command.Deposit, p *plan) error {
	if err := requirePositive(cmd.Amount, common.Hash{}); err != nil {
		return err
	}
	p.builder.Deposit(cmd.Holder, cmd.Amount)
	return nil
}

func (c *DeterministicCore) handleWithdraw(cmd *command.Withdraw, p *plan) error {
	if err := requirePositive(cmd.Amount, common.Hash{}); err != nil {
		return err
	}
	if free := c.balanceTracker.Collateral(cmd.Holder); free < cmd.Amount {
		return shortfall(KindInsufficientCollateral, common.Hash{}, cmd.Amount, free, "withdraw")
	}
	p.builder.Withdraw(cmd.Holder, cmd.Amount)
	return nil
}

// handleSplit locks collateral in the condition escrow and mints a full set.
func (c *DeterministicCore) handleSplit(cmd *command.Split, p *plan) error {
	cond, err := c.lookupCondition(cmd.ConditionID)
	if err != nil {
		return err
	}
	if err := requirePositive(cmd.Amount, cond.ID); err != nil {
		return err
	}
	if free := c.balanceTracker.Collateral(cmd.Depositor); free < cmd.Amount {
		return shortfall(KindInsufficientCollateral, cond.ID, cmd.Amount, free, "split")
	}

	p.builder.Split(cmd.Depositor, cond.ID, cond.SlotCount, cmd.Amount)
	p.touchCondition(cond.ID)
	return nil
}

// handleMerge burns a full set and releases its collateral.
func (c *DeterministicCore) handleMerge(cmd *command.Merge, p *plan) error {
	cond, err := c.lookupCondition(cmd.ConditionID)
	if err != nil {
		return err
	}
	if err := requirePositive(cmd.Amount, cond.ID); err != nil {
		return err
	}
	for slot := 0; slot < cond.SlotCount; slot++ {
		asset := ledger.OutcomeAsset(cond.ID, uint16(slot))
		if free := c.balanceTracker.Position(cmd.Holder, asset); free < cmd.Amount {
			return shortfall(KindInsufficientBalance, cond.ID, cmd.Amount, free, fmt.Sprintf("merge slot %d", slot))
		}
	}

	p.builder.Merge(cmd.Holder, cond.ID, cond.SlotCount, cmd.Amount)
	p.touchCondition(cond.ID)
	return nil
}

func (c *DeterministicCore) handleTransfer(cmd *command.Transfer, p *plan) error {
	cond, err := c.lookupCondition(cmd.ConditionID)
	if err != nil {
		return err
	}
	if int(cmd.Slot) >= cond.SlotCount {
		return newError(KindInvalidSlot, cond.ID, fmt.Sprintf("slot %d of %d", cmd.Slot, cond.SlotCount))
	}
	if err := requirePositive(cmd.Amount, cond.ID); err != nil {
		return err
	}
	if cmd.From == cmd.To {
		return newError(KindInvalidAmount, cond.ID, "self transfer")
	}
	asset := ledger.OutcomeAsset(cond.ID, cmd.Slot)
	if free := c.balanceTracker.Position(cmd.From, asset); free < cmd.Amount {
		return shortfall(KindInsufficientBalance, cond.ID, cmd.Amount, free, fmt.Sprintf("transfer slot %d", cmd.Slot))
	}

	p.builder.TransferPosition(cmd.From, cmd.To, asset, cmd.Amount)
	p.touchCondition(cond.ID)
	return nil
}
