package core

import (
	"fmt"

	"CTFLedger/internal/command"
	fpmath "CTFLedger/internal/math"
	"CTFLedger/internal/state"
)

// handleRequestResolution moves a condition to ResolutionRequested once its
// deadline has passed, or back from Disputed. Leaving Open closes every
// resting order on the condition.
func (c *DeterministicCore) handleRequestResolution(cmd *command.RequestResolution, p *plan) error {
	cond, err := c.lookupCondition(cmd.ConditionID)
	if err != nil {
		return err
	}

	switch cond.Status {
	case state.StatusOpen:
		if p.now < cond.Deadline {
			return &Error{
				Kind:        KindTooEarly,
				ConditionID: cond.ID,
				Status:      cond.Status.String(),
				Detail:      fmt.Sprintf("deadline %d not reached at %d", cond.Deadline, p.now),
			}
		}
		p.result.Cancelled = c.closeConditionOrders(cond, p)
	case state.StatusDisputed:
	default:
		return &Error{Kind: KindInvalidStatus, ConditionID: cond.ID, Status: cond.Status.String(), Detail: "request resolution"}
	}

	p.touchCondition(cond.ID)
	p.statusMove = true
	p.onCommit(func() {
		cond.Status = state.StatusResolutionRequested
		cond.ResolutionRequestedAt = p.now
	})
	return nil
}

// handleDisputeResolution parks a pending request. Only the oracle may dispute.
func (c *DeterministicCore) handleDisputeResolution(cmd *command.DisputeResolution, p *plan) error {
	cond, err := c.lookupCondition(cmd.ConditionID)
	if err != nil {
		return err
	}
	if cmd.Caller != cond.Oracle {
		return newError(KindUnauthorizedOracle, cond.ID, fmt.Sprintf("caller %s", cmd.Caller.Hex()))
	}
	if cond.Status != state.StatusResolutionRequested {
		return &Error{Kind: KindInvalidStatus, ConditionID: cond.ID, Status: cond.Status.String(), Detail: "dispute"}
	}

	p.touchCondition(cond.ID)
	p.statusMove = true
	p.onCommit(func() {
		cond.Status = state.StatusDisputed
		cond.DisputedAt = p.now
	})
	return nil
}

// handleSubmitVerdict stores the oracle's payout vector. The first accepted
// verdict is final.
func (c *DeterministicCore) handleSubmitVerdict(cmd *command.SubmitVerdict, p *plan) error {
	cond, err := c.lookupCondition(cmd.ConditionID)
	if err != nil {
		return err
	}
	if cmd.Caller != cond.Oracle {
		return newError(KindUnauthorizedOracle, cond.ID, fmt.Sprintf("caller %s", cmd.Caller.Hex()))
	}
	if cond.Status != state.StatusResolutionRequested {
		return &Error{Kind: KindInvalidStatus, ConditionID: cond.ID, Status: cond.Status.String(), Detail: "submit verdict"}
	}
	if err := fpmath.ValidatePayoutVector(cmd.PayoutVector, cond.SlotCount); err != nil {
		return newError(KindInvalidPayoutVector, cond.ID, err.Error())
	}

	p.touchCondition(cond.ID)
	p.statusMove = true
	p.onCommit(func() {
		cond.Resolve(cmd.PayoutVector, p.now)
	})
	return nil
}
