package projection

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"CTFLedger/internal/core"
	"CTFLedger/internal/ledger"
	"CTFLedger/internal/observability"
	"CTFLedger/internal/state"

	"github.com/rs/zerolog"
)

const workerID = "main"

// ProjectionWorker keeps the ctf_proj read tables current from core outputs.
// The projection channel is non-blocking with drop, so the tables are
// eventually consistent and can be rebuilt from the command log.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan core.CoreOutput
	metrics   *observability.Metrics
	logger    zerolog.Logger
	lastSeq   int64
}

func NewProjectionWorker(
	db *sql.DB,
	inputChan <-chan core.CoreOutput,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    logger,
		lastSeq:   -1,
	}
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}

			if pw.metrics != nil {
				pw.metrics.SetChannelMetrics("projection", len(pw.inputChan), cap(pw.inputChan))
			}

			if err := pw.processOutput(ctx, output); err != nil {
				// Continue: projections are eventually consistent
				pw.logger.Warn().Err(err).Int64("sequence", output.Envelope.Sequence).Msg("projection update failed")
				continue
			}
			pw.lastSeq = output.Envelope.Sequence
		}
	}
}

// LastSequence returns the last sequence this worker applied.
func (pw *ProjectionWorker) LastSequence() int64 {
	return pw.lastSeq
}

func (pw *ProjectionWorker) processOutput(ctx context.Context, out core.CoreOutput) error {
	start := time.Now()
	seq := out.Envelope.Sequence

	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, b := range out.Balances {
		if err := upsertBalance(ctx, tx, b, seq); err != nil {
			return fmt.Errorf("balance projection: %w", err)
		}
	}
	for i := range out.Conditions {
		if err := upsertCondition(ctx, tx, &out.Conditions[i], seq); err != nil {
			return fmt.Errorf("condition projection: %w", err)
		}
	}
	for i := range out.Orders {
		if err := upsertOrder(ctx, tx, &out.Orders[i], seq); err != nil {
			return fmt.Errorf("order projection: %w", err)
		}
	}
	for i := range out.Fills {
		if err := insertFill(ctx, tx, &out.Fills[i], seq); err != nil {
			return fmt.Errorf("fill projection: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO ctf_proj.watermark (worker_id, last_sequence, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $2, updated_at = NOW()
	`, workerID, seq); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	if pw.metrics != nil {
		pw.metrics.ProjectionUpdateDur.WithLabelValues("all").Observe(time.Since(start).Seconds())
	}
	return nil
}

// Balances are absolute post-command values, so replaying an output is harmless.
func upsertBalance(ctx context.Context, tx *sql.Tx, b core.BalanceEntry, seq int64) error {
	var owner *string
	if b.Account.Scope == ledger.AccountScopeUser {
		o := b.Account.Owner.Hex()
		owner = &o
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ctf_proj.balances (account_path, scope, owner, sub_type, asset, balance, last_sequence, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (account_path)
		DO UPDATE SET balance = $6, last_sequence = $7, updated_at = NOW()
		WHERE ctf_proj.balances.last_sequence <= $7
	`, b.Account.AccountPath(), scopeName(b.Account.Scope), owner, b.Account.SubTypeName(),
		b.Account.Asset.String(), b.Balance, seq)
	return err
}

func upsertCondition(ctx context.Context, tx *sql.Tx, c *state.Condition, seq int64) error {
	var payout []byte
	if c.PayoutVector != nil {
		var err error
		if payout, err = json.Marshal(c.PayoutVector); err != nil {
			return err
		}
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ctf_proj.conditions
			(condition_id, oracle, question_id, slot_count, status, deadline_us, created_at_us,
			 resolution_requested_us, disputed_at_us, resolved_at_us, payout_vector, last_sequence, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW())
		ON CONFLICT (condition_id)
		DO UPDATE SET status = $5, resolution_requested_us = $8, disputed_at_us = $9,
			resolved_at_us = $10, payout_vector = $11, last_sequence = $12, updated_at = NOW()
		WHERE ctf_proj.conditions.last_sequence <= $12
	`, c.ID.Hex(), c.Oracle.Hex(), c.QuestionID.Hex(), c.SlotCount, c.Status.String(),
		c.Deadline, c.CreatedAt, c.ResolutionRequestedAt, c.DisputedAt, c.ResolvedAt, payout, seq)
	return err
}

func upsertOrder(ctx context.Context, tx *sql.Tx, o *state.Order, seq int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ctf_proj.orders
			(order_id, maker, condition_id, slot, side, price, quantity, remaining, reserved,
			 nonce, expiry_us, status, last_sequence, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NOW())
		ON CONFLICT (order_id)
		DO UPDATE SET remaining = $8, reserved = $9, status = $12, last_sequence = $13, updated_at = NOW()
		WHERE ctf_proj.orders.last_sequence <= $13
	`, o.ID, o.Maker.Hex(), o.ConditionID.Hex(), int(o.Slot), o.Side.String(), o.Price, o.Quantity,
		o.Remaining, o.Reserved, fmt.Sprintf("%d", o.Nonce), o.Expiry, o.Status.String(), seq)
	return err
}

func insertFill(ctx context.Context, tx *sql.Tx, f *state.Fill, seq int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ctf_proj.fills
			(fill_id, sequence, maker_order_id, taker_order_id, condition_id, slot, price, quantity,
			 collateral, buyer, seller, timestamp_us)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (fill_id) DO NOTHING
	`, f.FillID, seq, f.MakerOrder, f.TakerOrder, f.ConditionID.Hex(), int(f.Slot), f.Price, f.Quantity,
		f.Collateral, f.Buyer.Hex(), f.Seller.Hex(), f.Timestamp)
	return err
}

func scopeName(s ledger.AccountScope) string {
	switch s {
	case ledger.AccountScopeUser:
		return "user"
	case ledger.AccountScopeSystem:
		return "system"
	default:
		return "external"
	}
}

// RebuildBalances recomputes ctf_proj.balances from the journal. Condition
// and order rows are refreshed by replaying the command log through a core.
func RebuildBalances(ctx context.Context, db *sql.DB, logger zerolog.Logger) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `TRUNCATE ctf_proj.balances`); err != nil {
		return fmt.Errorf("truncate balances: %w", err)
	}

	// Debits increase a balance, credits decrease it.
	if _, err := tx.ExecContext(ctx, `
		WITH moves AS (
			SELECT debit_account AS account_path, amount, sequence FROM ctf_log.journal
			UNION ALL
			SELECT credit_account, -amount, sequence FROM ctf_log.journal
		)
		INSERT INTO ctf_proj.balances (account_path, scope, owner, sub_type, asset, balance, last_sequence, updated_at)
		SELECT
			account_path,
			split_part(account_path, ':', 1),
			CASE WHEN split_part(account_path, ':', 1) = 'user' THEN split_part(account_path, ':', 2) END,
			CASE WHEN split_part(account_path, ':', 1) = 'user' THEN split_part(account_path, ':', 3)
			     ELSE split_part(account_path, ':', 2) END,
			CASE WHEN split_part(account_path, ':', 1) = 'user' THEN split_part(account_path, ':', 4)
			     ELSE split_part(account_path, ':', 3) END,
			SUM(amount),
			MAX(sequence),
			NOW()
		FROM moves
		GROUP BY account_path
	`); err != nil {
		return fmt.Errorf("rebuild balances: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	logger.Info().Msg("balance projection rebuilt")
	return nil
}
