package ingestion

import (
	"context"
	"errors"
	"time"

	"CTFLedger/internal/command"
	"CTFLedger/internal/core"
	"CTFLedger/internal/observability"

	"github.com/rs/zerolog"
)

// Submission is one command waiting for the core.
type Submission struct {
	Command command.Stampable
	Reply   chan<- Outcome // optional; must be buffered
	Ack     func()         // optional
	Nak     func()         // optional
}

// Outcome is what the core did with a submission.
type Outcome struct {
	Result *core.Result
	Err    error
}

type coreCall struct {
	fn   func(*core.DeterministicCore) error
	done chan error
}

// Sequencer is the only goroutine that touches the core. It assigns each
// command its source sequence and ledger time, then applies it. Reads from
// other goroutines go through Do.
type Sequencer struct {
	core    *core.DeterministicCore
	input   <-chan Submission
	calls   chan coreCall
	clock   func() time.Time
	maxSkew time.Duration
	metrics *observability.Metrics
	logger  zerolog.Logger
}

// DefaultMaxClockSkew is how far ahead of the sequencer clock a producer
// timestamp may be.
const DefaultMaxClockSkew = 2 * time.Second

func NewSequencer(
	c *core.DeterministicCore,
	input <-chan Submission,
	clock func() time.Time,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *Sequencer {
	if clock == nil {
		clock = time.Now
	}
	return &Sequencer{
		core:    c,
		input:   input,
		calls:   make(chan coreCall),
		clock:   clock,
		maxSkew: DefaultMaxClockSkew,
		metrics: metrics,
		logger:  logger,
	}
}

// WithMaxClockSkew overrides DefaultMaxClockSkew. Negative values are ignored.
func (s *Sequencer) WithMaxClockSkew(d time.Duration) *Sequencer {
	if d >= 0 {
		s.maxSkew = d
	}
	return s
}

// Run processes submissions until ctx is cancelled or the input closes.
func (s *Sequencer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case sub, ok := <-s.input:
			if !ok {
				return nil
			}
			s.apply(sub)
			if s.metrics != nil {
				s.metrics.SetChannelMetrics("sequencer", len(s.input), cap(s.input))
			}

		case call := <-s.calls:
			call.done <- call.fn(s.core)
		}
	}
}

// Do runs fn on the sequencer goroutine and waits for it.
func (s *Sequencer) Do(ctx context.Context, fn func(*core.DeterministicCore) error) error {
	call := coreCall{fn: fn, done: make(chan error, 1)}
	select {
	case s.calls <- call:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-call.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sequencer) apply(sub Submission) {
	cmd := sub.Command
	cmd.Stamp(s.core.NextSourceSequence(), s.ledgerTime(cmd.At()))

	result, err := s.core.ProcessCommand(cmd)

	var rejected *core.Error
	switch {
	case err == nil:
		if result.Duplicate {
			s.logger.Debug().
				Str("command_type", cmd.CommandType().String()).
				Str("idempotency_key", cmd.IdempotencyKey()).
				Msg("duplicate command")
		}
		ack(sub.Ack)
	case errors.As(err, &rejected):
		// Rejections are logged in the chain; the message is done.
		s.logger.Info().
			Str("command_type", cmd.CommandType().String()).
			Int64("sequence", result.Sequence).
			Str("reason", rejected.Kind.String()).
			Msg("command rejected")
		ack(sub.Ack)
	default:
		s.logger.Error().Err(err).
			Str("command_type", cmd.CommandType().String()).
			Str("idempotency_key", cmd.IdempotencyKey()).
			Msg("command not consumed")
		ack(sub.Nak)
	}

	if sub.Reply != nil {
		select {
		case sub.Reply <- Outcome{Result: result, Err: err}:
		default:
		}
	}
}

// ledgerTime keeps ledger time monotonic and close to the sequencer clock.
// A zero timestamp, or one more than maxSkew ahead of the clock, takes the
// clock; one behind the last applied command is raised to it.
func (s *Sequencer) ledgerTime(at time.Time) time.Time {
	wall := s.clock()
	switch {
	case at.IsZero():
		at = wall
	case at.After(wall.Add(s.maxSkew)):
		s.logger.Warn().
			Time("producer_ts", at).
			Time("clock", wall).
			Msg("producer timestamp ahead of clock, using clock")
		at = wall
	}
	at = at.UTC().Truncate(time.Microsecond)
	if last := s.core.LastTimestamp(); at.UnixMicro() < last {
		at = time.UnixMicro(last).UTC()
	}
	return at
}

func ack(fn func()) {
	if fn != nil {
		fn()
	}
}
