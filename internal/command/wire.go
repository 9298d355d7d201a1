package command

import (
	"encoding/json"
	"fmt"
	"time"

	"CTFLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
)

// --- JSON wire formats ---
// The same snake_case payloads are accepted from NATS producers and stored
// in the command log, so replay decodes exactly what ingestion accepted.
// Timestamps travel as epoch microseconds.

type headerJSON struct {
	CommandID   uuid.UUID `json:"command_id"`
	Sequence    int64     `json:"sequence"`
	TimestampUs int64     `json:"timestamp_us"`
}

func (h Header) wire() headerJSON {
	j := headerJSON{CommandID: h.CommandID, Sequence: h.Sequence}
	if !h.Timestamp.IsZero() {
		j.TimestampUs = h.Timestamp.UnixMicro()
	}
	return j
}

func (j headerJSON) header() Header {
	h := Header{CommandID: j.CommandID, Sequence: j.Sequence}
	if j.TimestampUs != 0 {
		h.Timestamp = time.UnixMicro(j.TimestampUs).UTC()
	}
	return h
}

type createConditionJSON struct {
	headerJSON
	Oracle     common.Address `json:"oracle"`
	QuestionID common.Hash    `json:"question_id"`
	SlotCount  int            `json:"slot_count"`
	DeadlineUs int64          `json:"deadline_us"`
}

type conditionRefJSON struct {
	headerJSON
	ConditionID common.Hash `json:"condition_id"`
}

type oracleCallJSON struct {
	headerJSON
	ConditionID  common.Hash    `json:"condition_id"`
	Caller       common.Address `json:"caller"`
	PayoutVector []uint64       `json:"payout_vector,omitempty"`
}

type collateralJSON struct {
	headerJSON
	Holder common.Address `json:"holder"`
	Amount int64          `json:"amount"`
}

type fullSetJSON struct {
	headerJSON
	ConditionID common.Hash    `json:"condition_id"`
	Holder      common.Address `json:"holder"`
	Amount      int64          `json:"amount"`
}

type transferJSON struct {
	headerJSON
	ConditionID common.Hash    `json:"condition_id"`
	Slot        uint16         `json:"slot"`
	From        common.Address `json:"from"`
	To          common.Address `json:"to"`
	Amount      int64          `json:"amount"`
}

type redeemJSON struct {
	headerJSON
	ConditionID common.Hash    `json:"condition_id"`
	Holder      common.Address `json:"holder"`
}

type submitOrderJSON struct {
	headerJSON
	OrderID     uuid.UUID      `json:"order_id"`
	Maker       common.Address `json:"maker"`
	ConditionID common.Hash    `json:"condition_id"`
	Slot        uint16         `json:"slot"`
	Side        string         `json:"side"` // "buy" or "sell"
	Price       int64          `json:"price"`
	Quantity    int64          `json:"quantity"`
	Nonce       uint64         `json:"nonce"`
	ExpiryUs    int64          `json:"expiry_us"`
	Signature   hexutil.Bytes  `json:"signature"`
}

type cancelOrderJSON struct {
	headerJSON
	OrderID uuid.UUID      `json:"order_id"`
	Caller  common.Address `json:"caller"`
}

// Encode renders a command in its wire format.
func Encode(cmd Command) ([]byte, error) {
	var v any
	switch c := cmd.(type) {
	case *CreateCondition:
		v = createConditionJSON{c.Header.wire(), c.Oracle, c.QuestionID, c.SlotCount, c.Deadline.UnixMicro()}
	case *Deposit:
		v = collateralJSON{c.Header.wire(), c.Holder, c.Amount}
	case *Withdraw:
		v = collateralJSON{c.Header.wire(), c.Holder, c.Amount}
	case *Split:
		v = fullSetJSON{c.Header.wire(), c.ConditionID, c.Depositor, c.Amount}
	case *Merge:
		v = fullSetJSON{c.Header.wire(), c.ConditionID, c.Holder, c.Amount}
	case *Transfer:
		v = transferJSON{c.Header.wire(), c.ConditionID, c.Slot, c.From, c.To, c.Amount}
	case *RequestResolution:
		v = conditionRefJSON{c.Header.wire(), c.ConditionID}
	case *DisputeResolution:
		v = oracleCallJSON{headerJSON: c.Header.wire(), ConditionID: c.ConditionID, Caller: c.Caller}
	case *SubmitVerdict:
		v = oracleCallJSON{c.Header.wire(), c.ConditionID, c.Caller, c.PayoutVector}
	case *Redeem:
		v = redeemJSON{c.Header.wire(), c.ConditionID, c.Holder}
	case *SubmitOrder:
		v = submitOrderJSON{
			headerJSON:  c.Header.wire(),
			OrderID:     c.OrderID,
			Maker:       c.Maker,
			ConditionID: c.ConditionID,
			Slot:        c.Slot,
			Side:        c.Side.String(),
			Price:       c.Price,
			Quantity:    c.Quantity,
			Nonce:       c.Nonce,
			ExpiryUs:    c.Expiry.UnixMicro(),
			Signature:   c.Signature,
		}
	case *CancelOrder:
		v = cancelOrderJSON{c.Header.wire(), c.OrderID, c.Caller}
	default:
		return nil, fmt.Errorf("encode: unsupported command %T", cmd)
	}
	return json.Marshal(v)
}

// Decode parses a wire payload of the given type.
func Decode(ct CommandType, data []byte) (Command, error) {
	unmarshal := func(v any) error {
		if err := json.Unmarshal(data, v); err != nil {
			return fmt.Errorf("parse %s: %w", ct, err)
		}
		return nil
	}

	switch ct {
	case CommandTypeCreateCondition:
		var j createConditionJSON
		if err := unmarshal(&j); err != nil {
			return nil, err
		}
		return &CreateCondition{
			Header:     j.header(),
			Oracle:     j.Oracle,
			QuestionID: j.QuestionID,
			SlotCount:  j.SlotCount,
			Deadline:   time.UnixMicro(j.DeadlineUs).UTC(),
		}, nil

	case CommandTypeDeposit, CommandTypeWithdraw:
		var j collateralJSON
		if err := unmarshal(&j); err != nil {
			return nil, err
		}
		if ct == CommandTypeDeposit {
			return &Deposit{Header: j.header(), Holder: j.Holder, Amount: j.Amount}, nil
		}
		return &Withdraw{Header: j.header(), Holder: j.Holder, Amount: j.Amount}, nil

	case CommandTypeSplit, CommandTypeMerge:
		var j fullSetJSON
		if err := unmarshal(&j); err != nil {
			return nil, err
		}
		if ct == CommandTypeSplit {
			return &Split{Header: j.header(), ConditionID: j.ConditionID, Amount: j.Amount, Depositor: j.Holder}, nil
		}
		return &Merge{Header: j.header(), ConditionID: j.ConditionID, Amount: j.Amount, Holder: j.Holder}, nil

	case CommandTypeTransfer:
		var j transferJSON
		if err := unmarshal(&j); err != nil {
			return nil, err
		}
		return &Transfer{Header: j.header(), ConditionID: j.ConditionID, Slot: j.Slot, From: j.From, To: j.To, Amount: j.Amount}, nil

	case CommandTypeRequestResolution:
		var j conditionRefJSON
		if err := unmarshal(&j); err != nil {
			return nil, err
		}
		return &RequestResolution{Header: j.header(), ConditionID: j.ConditionID}, nil

	case CommandTypeDisputeResolution:
		var j oracleCallJSON
		if err := unmarshal(&j); err != nil {
			return nil, err
		}
		return &DisputeResolution{Header: j.header(), ConditionID: j.ConditionID, Caller: j.Caller}, nil

	case CommandTypeSubmitVerdict:
		var j oracleCallJSON
		if err := unmarshal(&j); err != nil {
			return nil, err
		}
		return &SubmitVerdict{Header: j.header(), ConditionID: j.ConditionID, PayoutVector: j.PayoutVector, Caller: j.Caller}, nil

	case CommandTypeRedeem:
		var j redeemJSON
		if err := unmarshal(&j); err != nil {
			return nil, err
		}
		return &Redeem{Header: j.header(), ConditionID: j.ConditionID, Holder: j.Holder}, nil

	case CommandTypeSubmitOrder:
		var j submitOrderJSON
		if err := unmarshal(&j); err != nil {
			return nil, err
		}
		side, ok := state.ParseSide(j.Side)
		if !ok {
			return nil, fmt.Errorf("parse %s: invalid side %q", ct, j.Side)
		}
		return &SubmitOrder{
			Header:      j.header(),
			OrderID:     j.OrderID,
			Maker:       j.Maker,
			ConditionID: j.ConditionID,
			Slot:        j.Slot,
			Side:        side,
			Price:       j.Price,
			Quantity:    j.Quantity,
			Nonce:       j.Nonce,
			Expiry:      time.UnixMicro(j.ExpiryUs).UTC(),
			Signature:   j.Signature,
		}, nil

	case CommandTypeCancelOrder:
		var j cancelOrderJSON
		if err := unmarshal(&j); err != nil {
			return nil, err
		}
		return &CancelOrder{Header: j.header(), OrderID: j.OrderID, Caller: j.Caller}, nil

	default:
		return nil, fmt.Errorf("unknown command type: %s", ct)
	}
}
