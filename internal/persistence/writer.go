package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"CTFLedger/internal/core"
)

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// CommandLogWriter writes command envelopes and journals to Postgres using
// multi-row INSERTs. Writes are idempotent on the primary keys so a retried
// batch is harmless.
type CommandLogWriter struct {
	db *sql.DB
}

// CommandRow represents a row in ctf_log.commands
type CommandRow struct {
	Sequence       int64
	CommandType    string
	IdempotencyKey string
	ConditionID    *string
	Payload        []byte // JSON wire payload
	StateHash      []byte
	PrevHash       []byte
	Timestamp      time.Time
	SourceSequence int64
	RejectReason   *string
}

// JournalRow represents a row in ctf_log.journal
type JournalRow struct {
	JournalID     string
	BatchID       string
	CommandRef    string
	Sequence      int64
	DebitAccount  string
	CreditAccount string
	Asset         string
	Amount        int64
	JournalType   string
	Timestamp     int64
}

func NewCommandLogWriter(db *sql.DB) *CommandLogWriter {
	return &CommandLogWriter{db: db}
}

// RowsFromOutput converts one core output into its log rows.
func RowsFromOutput(out core.CoreOutput) (CommandRow, []JournalRow) {
	env := out.Envelope
	row := CommandRow{
		Sequence:       env.Sequence,
		CommandType:    env.CommandType.String(),
		IdempotencyKey: env.IdempotencyKey,
		Payload:        env.Payload,
		StateHash:      append([]byte(nil), env.StateHash[:]...),
		PrevHash:       append([]byte(nil), env.PrevHash[:]...),
		Timestamp:      env.Timestamp,
		SourceSequence: env.SourceSequence,
	}
	if env.ConditionID != nil {
		id := env.ConditionID.Hex()
		row.ConditionID = &id
	}
	if env.RejectReason != "" {
		reason := env.RejectReason
		row.RejectReason = &reason
	}

	if out.Batch == nil {
		return row, nil
	}
	journals := make([]JournalRow, 0, len(out.Batch.Journals))
	for _, j := range out.Batch.Journals {
		journals = append(journals, JournalRow{
			JournalID:     j.JournalID.String(),
			BatchID:       j.BatchID.String(),
			CommandRef:    j.CommandRef,
			Sequence:      j.Sequence,
			DebitAccount:  j.DebitAccount.AccountPath(),
			CreditAccount: j.CreditAccount.AccountPath(),
			Asset:         j.Asset.String(),
			Amount:        j.Amount,
			JournalType:   j.JournalType.String(),
			Timestamp:     j.Timestamp,
		})
	}
	return row, journals
}

// WriteCommandBatch writes a batch of envelopes to ctf_log.commands.
func (w *CommandLogWriter) WriteCommandBatch(ctx context.Context, ex execer, commands []CommandRow) error {
	if len(commands) == 0 {
		return nil
	}

	query := `INSERT INTO ctf_log.commands
		(sequence, command_type, idempotency_key, condition_id, payload, state_hash, prev_hash, timestamp, source_sequence, reject_reason)
		VALUES `

	const cols = 10
	values := make([]string, 0, len(commands))
	args := make([]interface{}, 0, len(commands)*cols)

	for i, c := range commands {
		values = append(values, placeholders(i*cols, cols))
		args = append(args,
			c.Sequence, c.CommandType, c.IdempotencyKey, c.ConditionID,
			c.Payload, c.StateHash, c.PrevHash, c.Timestamp, c.SourceSequence, c.RejectReason,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// WriteJournalBatch writes a batch of journal entries to ctf_log.journal.
func (w *CommandLogWriter) WriteJournalBatch(ctx context.Context, ex execer, journals []JournalRow) error {
	if len(journals) == 0 {
		return nil
	}

	query := `INSERT INTO ctf_log.journal
		(journal_id, batch_id, command_ref, sequence, debit_account, credit_account, asset, amount, journal_type, timestamp)
		VALUES `

	const cols = 10
	values := make([]string, 0, len(journals))
	args := make([]interface{}, 0, len(journals)*cols)

	for i, j := range journals {
		values = append(values, placeholders(i*cols, cols))
		args = append(args,
			j.JournalID, j.BatchID, j.CommandRef, j.Sequence,
			j.DebitAccount, j.CreditAccount, j.Asset, j.Amount,
			j.JournalType, j.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (journal_id) DO NOTHING"

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// placeholders renders "($base+1, ..., $base+n)".
func placeholders(base, n int) string {
	var sb strings.Builder
	sb.WriteByte('(')
	for k := 1; k <= n; k++ {
		if k > 1 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "$%d", base+k)
	}
	sb.WriteByte(')')
	return sb.String()
}
