package core

import (
	"CTFLedger/internal/command"
	"CTFLedger/internal/ledger"
	fpmath "CTFLedger/internal/math"
	"CTFLedger/internal/state"
)

// handleRedeem burns every free balance the holder has in a resolved
// condition and pays the weighted claim out of escrow. A holder with nothing
// left redeems zero without error.
func (c *DeterministicCore) handleRedeem(cmd *command.Redeem, p *plan) error {
	cond, err := c.lookupCondition(cmd.ConditionID)
	if err != nil {
		return err
	}
	if cond.Status != state.StatusResolved {
		return &Error{Kind: KindConditionNotResolved, ConditionID: cond.ID, Status: cond.Status.String()}
	}

	balances := make([]int64, cond.SlotCount)
	held := false
	for slot := range balances {
		balances[slot] = c.balanceTracker.Position(cmd.Holder, ledger.OutcomeAsset(cond.ID, uint16(slot)))
		held = held || balances[slot] > 0
	}
	if !held {
		return nil
	}

	claim := fpmath.WeightedClaim(balances, cond.PayoutVector)
	payout := cond.Redemptions.Quote(claim)

	for slot, amount := range balances {
		if amount > 0 {
			p.builder.RedeemBurn(cmd.Holder, cond.ID, uint16(slot), amount)
		}
	}
	p.builder.RedeemPayout(cmd.Holder, cond.ID, payout)

	p.result.Payout = payout
	p.touchCondition(cond.ID)
	p.onCommit(func() {
		cond.Redemptions.Record(claim)
	})
	return nil
}
