package command

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// CreateCondition registers a market partitioned into SlotCount outcomes.
type CreateCondition struct {
	Header
	Oracle     common.Address
	QuestionID common.Hash
	SlotCount  int
	Deadline   time.Time
}

func (c *CreateCondition) CommandType() CommandType {
	return CommandTypeCreateCondition
}

func (c *CreateCondition) ConditionRef() *common.Hash {
	return nil // id is derived by the core
}

// RequestResolution moves a condition past its deadline toward resolution.
type RequestResolution struct {
	Header
	ConditionID common.Hash
}

func (c *RequestResolution) CommandType() CommandType {
	return CommandTypeRequestResolution
}

func (c *RequestResolution) ConditionRef() *common.Hash {
	return &c.ConditionID
}

// DisputeResolution parks a pending request until the oracle re-requests.
type DisputeResolution struct {
	Header
	ConditionID common.Hash
	Caller      common.Address
}

func (c *DisputeResolution) CommandType() CommandType {
	return CommandTypeDisputeResolution
}

func (c *DisputeResolution) ConditionRef() *common.Hash {
	return &c.ConditionID
}

// SubmitVerdict carries the oracle's final payout vector.
type SubmitVerdict struct {
	Header
	ConditionID  common.Hash
	PayoutVector []uint64
	Caller       common.Address
}

func (c *SubmitVerdict) CommandType() CommandType {
	return CommandTypeSubmitVerdict
}

func (c *SubmitVerdict) ConditionRef() *common.Hash {
	return &c.ConditionID
}
