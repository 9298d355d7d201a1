package ingestion

import (
	"context"

	"CTFLedger/internal/command"
	"CTFLedger/internal/core"
)

// Submitter injects commands from the RPC surface and waits for the core's
// answer. NATS remains the bulk path; this one serves interactive callers.
type Submitter struct {
	submitCh chan<- Submission
}

func NewSubmitter(submitCh chan<- Submission) *Submitter {
	return &Submitter{submitCh: submitCh}
}

// Submit queues cmd and blocks until the core has processed it. A domain
// rejection comes back as a *core.Error alongside the result.
func (s *Submitter) Submit(ctx context.Context, cmd command.Stampable) (*core.Result, error) {
	reply := make(chan Outcome, 1)

	select {
	case s.submitCh <- Submission{Command: cmd, Reply: reply}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case out := <-reply:
		return out.Result, out.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
