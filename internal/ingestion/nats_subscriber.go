package ingestion

import (
	"context"
	"fmt"
	"strings"
	"time"

	"CTFLedger/internal/command"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// NATSSubscriber consumes command subjects from JetStream, parses them and
// hands them to the sequencer. Messages are acked only after the core has
// consumed the command.
type NATSSubscriber struct {
	js        jetstream.JetStream
	submitCh  chan<- Submission
	consumers []jetstream.ConsumeContext
	logger    zerolog.Logger
}

// RawCommand is a message as it came off the wire, before parsing.
type RawCommand struct {
	Subject   string
	Data      []byte
	Timestamp time.Time
	AckFunc   func() // ACK after the core consumed the command
	NakFunc   func() // NAK for redelivery
	TermFunc  func() // poison message, never redeliver
}

// SubjectConfig binds a subject filter to a durable consumer.
type SubjectConfig struct {
	Subject      string
	ConsumerName string
	StreamName   string
}

const (
	CommandStream  = "CTF_COMMANDS"
	CommandSubject = "ctf.commands"
)

// subjectTokens maps the last subject token to a command type,
// e.g. ctf.commands.submit_order.
var subjectTokens = map[string]command.CommandType{
	"create_condition":   command.CommandTypeCreateCondition,
	"split":              command.CommandTypeSplit,
	"merge":              command.CommandTypeMerge,
	"transfer":           command.CommandTypeTransfer,
	"deposit":            command.CommandTypeDeposit,
	"withdraw":           command.CommandTypeWithdraw,
	"request_resolution": command.CommandTypeRequestResolution,
	"dispute_resolution": command.CommandTypeDisputeResolution,
	"submit_verdict":     command.CommandTypeSubmitVerdict,
	"redeem":             command.CommandTypeRedeem,
	"submit_order":       command.CommandTypeSubmitOrder,
	"cancel_order":       command.CommandTypeCancelOrder,
}

// SubjectFor returns the subject a producer publishes a command type on.
func SubjectFor(ct command.CommandType) string {
	for token, t := range subjectTokens {
		if t == ct {
			return CommandSubject + "." + token
		}
	}
	return CommandSubject + ".unknown"
}

// CommandTypeFromSubject resolves the command type from the last token of a
// subject. Unknown tokens yield CommandTypeUnknown.
func CommandTypeFromSubject(subject string) command.CommandType {
	token := subject
	if i := strings.LastIndexByte(subject, '.'); i >= 0 {
		token = subject[i+1:]
	}
	return subjectTokens[token]
}

// DefaultSubjects returns the consumer layout. All command types share one
// durable consumer so producer order survives into the sequencer.
func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: CommandSubject + ".>", ConsumerName: "ledger-commands", StreamName: CommandStream},
	}
}

func NewNATSSubscriber(js jetstream.JetStream, submitCh chan<- Submission, logger zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{
		js:       js,
		submitCh: submitCh,
		logger:   logger,
	}
}

// Subscribe creates JetStream consumers for all configured subjects.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
			raw := RawCommand{
				Subject:   msg.Subject(),
				Data:      msg.Data(),
				Timestamp: time.Now(),
				AckFunc:   func() { _ = msg.Ack() },
				NakFunc:   func() { _ = msg.Nak() },
				TermFunc:  func() { _ = msg.Term() },
			}
			ns.handle(ctx, raw)
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, consumerContext)
		ns.logger.Info().
			Str("subject", cfg.Subject).
			Str("consumer", cfg.ConsumerName).
			Msg("subscribed")
	}

	return nil
}

// handle parses one message and queues it for the sequencer. Payloads that
// cannot be parsed are terminated; redelivery would not fix them.
func (ns *NATSSubscriber) handle(ctx context.Context, raw RawCommand) {
	cmd, err := ParseRawCommand(raw)
	if err != nil {
		ns.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("dropping unparseable command")
		raw.TermFunc()
		return
	}

	sub := Submission{
		Command: cmd,
		Ack:     raw.AckFunc,
		Nak:     raw.NakFunc,
	}

	select {
	case ns.submitCh <- sub:
	case <-ctx.Done():
		raw.NakFunc()
	}
}

// EnsureStreams creates the command stream if it doesn't exist.
// FileStorage, retention=Limits, max_age=72h.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	cfg := jetstream.StreamConfig{
		Name:      CommandStream,
		Subjects:  []string{CommandSubject + ".>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	}
	if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
		return fmt.Errorf("create stream %s: %w", cfg.Name, err)
	}
	logger.Info().Str("stream", cfg.Name).Msg("ensured stream")
	return nil
}

// Stop gracefully stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.logger.Info().Msg("NATS subscribers stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
