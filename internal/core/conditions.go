package core

import (
	"fmt"

	"CTFLedger/internal/command"
	"CTFLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
)

func (c *DeterministicCore) handleCreateCondition(cmd *command.CreateCondition, p *plan) error {
	if cmd.SlotCount < state.MinSlotCount || cmd.SlotCount > state.MaxSlotCount {
		return newError(KindInvalidSlotCount, common.Hash{},
			fmt.Sprintf("slot count %d outside [%d, %d]", cmd.SlotCount, state.MinSlotCount, state.MaxSlotCount))
	}

	id := state.ConditionID(cmd.Oracle, cmd.QuestionID, cmd.SlotCount)
	if c.conditions.Exists(id) {
		return newError(KindDuplicateCondition, id, "")
	}

	cond := &state.Condition{
		ID:         id,
		Oracle:     cmd.Oracle,
		QuestionID: cmd.QuestionID,
		SlotCount:  cmd.SlotCount,
		CreatedAt:  p.now,
		Deadline:   cmd.Deadline.UnixMicro(),
		Status:     state.StatusOpen,
	}

	p.result.ConditionID = id
	p.statusMove = true
	p.touchCondition(id)
	p.onCommit(func() {
		c.conditions.Add(cond)
	})
	return nil
}

// lookupCondition returns the condition or an UnknownCondition error.
func (c *DeterministicCore) lookupCondition(id common.Hash) (*state.Condition, error) {
	cond := c.conditions.Get(id)
	if cond == nil {
		return nil, newError(KindUnknownCondition, id, "")
	}
	return cond, nil
}
