package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"CTFLedger/internal/core"
	"CTFLedger/internal/state"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	OutboundStream  = "CTF_LEDGER_EVENTS"
	OutboundSubject = "ctf.ledger.events"
)

// streamPublisher is the part of jetstream.JetStream the publisher needs.
type streamPublisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// OutboundPublisher publishes committed commands to NATS for downstream
// consumers. Subjects follow ctf.ledger.events.{command_type}[.{condition_id}].
type OutboundPublisher struct {
	js        streamPublisher
	inputChan <-chan PublishableEvent
	logger    zerolog.Logger
}

// PublishableEvent is a persisted command ready for outbound publishing.
type PublishableEvent struct {
	Sequence       int64           `json:"sequence"`
	CommandType    string          `json:"command_type"`
	IdempotencyKey string          `json:"idempotency_key"`
	ConditionID    *string         `json:"condition_id,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	StateHash      hexutil.Bytes   `json:"state_hash"`
	RejectReason   string          `json:"reject_reason,omitempty"`
	Fills          []FillEvent     `json:"fills,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
}

// FillEvent is the outbound form of a fill.
type FillEvent struct {
	FillID     string `json:"fill_id"`
	MakerOrder string `json:"maker_order_id"`
	TakerOrder string `json:"taker_order_id"`
	Slot       uint16 `json:"slot"`
	Price      int64  `json:"price"`
	Quantity   int64  `json:"quantity"`
	Collateral int64  `json:"collateral"`
	Buyer      string `json:"buyer"`
	Seller     string `json:"seller"`
}

// NewPublishableEvent renders a core output for the outbound stream.
func NewPublishableEvent(out core.CoreOutput) PublishableEvent {
	env := out.Envelope
	evt := PublishableEvent{
		Sequence:       env.Sequence,
		CommandType:    env.CommandType.String(),
		IdempotencyKey: env.IdempotencyKey,
		Payload:        env.Payload,
		StateHash:      env.StateHash[:],
		RejectReason:   env.RejectReason,
		Timestamp:      env.Timestamp,
	}
	if env.ConditionID != nil {
		id := env.ConditionID.Hex()
		evt.ConditionID = &id
	}
	for _, f := range out.Fills {
		evt.Fills = append(evt.Fills, NewFillEvent(f))
	}
	return evt
}

func NewFillEvent(f state.Fill) FillEvent {
	return FillEvent{
		FillID:     f.FillID.String(),
		MakerOrder: f.MakerOrder.String(),
		TakerOrder: f.TakerOrder.String(),
		Slot:       f.Slot,
		Price:      f.Price,
		Quantity:   f.Quantity,
		Collateral: f.Collateral,
		Buyer:      f.Buyer.Hex(),
		Seller:     f.Seller.Hex(),
	}
}

// Subject returns the subject an event is published on.
func (e PublishableEvent) Subject() string {
	subject := fmt.Sprintf("%s.%s", OutboundSubject, e.CommandType)
	if e.ConditionID != nil {
		subject = fmt.Sprintf("%s.%s", subject, *e.ConditionID)
	}
	return subject
}

func NewOutboundPublisher(js streamPublisher, inputChan <-chan PublishableEvent, logger zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		logger:    logger,
	}
}

// Run starts the outbound publisher loop.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case evt, ok := <-op.inputChan:
			if !ok {
				return nil
			}

			if err := op.publish(ctx, evt); err != nil {
				// Non-fatal: downstream consumers can read the command log directly
				op.logger.Warn().Err(err).Int64("sequence", evt.Sequence).Msg("outbound publish failed")
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, evt PublishableEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	_, err = op.js.Publish(ctx, evt.Subject(), data)
	return err
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      OutboundStream,
		Subjects:  []string{OutboundSubject + ".>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	logger.Info().Str("stream", OutboundStream).Msg("ensured outbound stream")
	return nil
}
