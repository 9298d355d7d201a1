package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"CTFLedger/internal/command"
	"CTFLedger/internal/core"
	"CTFLedger/internal/observability"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// snapshotFormatVersion v1: JSON-encoded core.Snapshot
const snapshotFormatVersion = 1

// SnapshotManager stores core snapshots and reads the command log back for
// recovery. A snapshot is only trusted once the log holds every command
// before it (see VerifyPending).
type SnapshotManager struct {
	db *sql.DB
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SaveSnapshot persists a snapshot as unverified and returns its size.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *core.Snapshot) (int, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return 0, fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO ctf_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6
	`, uuid.New(), snap.Sequence, data, snap.StateHash.Bytes(), snapshotFormatVersion, len(data), time.Now().UTC())
	if err != nil {
		return 0, err
	}
	return len(data), nil
}

// LoadLatestSnapshot loads the most recent verified snapshot, or nil on a
// cold start.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*core.Snapshot, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data FROM ctf_log.snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap core.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// VerifyPending marks every snapshot whose preceding commands are all in the
// log as verified.
func (sm *SnapshotManager) VerifyPending(ctx context.Context) (int64, error) {
	res, err := sm.db.ExecContext(ctx, `
		UPDATE ctf_log.snapshots SET verified = TRUE
		WHERE verified = FALSE
		  AND sequence <= (SELECT COALESCE(MAX(sequence), -1) + 1 FROM ctf_log.commands)
	`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// LoadCommandsFrom loads up to limit envelopes starting at fromSequence.
func (sm *SnapshotManager) LoadCommandsFrom(ctx context.Context, fromSequence int64, limit int) ([]*command.Envelope, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, command_type, idempotency_key, condition_id, payload,
		       state_hash, prev_hash, timestamp, source_sequence, reject_reason
		FROM ctf_log.commands
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var envelopes []*command.Envelope
	for rows.Next() {
		var (
			env                 command.Envelope
			commandType         string
			conditionID, reason sql.NullString
			stateHash, prevHash []byte
		)
		if err := rows.Scan(
			&env.Sequence, &commandType, &env.IdempotencyKey, &conditionID, &env.Payload,
			&stateHash, &prevHash, &env.Timestamp, &env.SourceSequence, &reason,
		); err != nil {
			return nil, err
		}

		env.CommandType = command.ParseCommandType(commandType)
		if env.CommandType == command.CommandTypeUnknown {
			return nil, fmt.Errorf("sequence %d: unknown command type %q", env.Sequence, commandType)
		}
		if conditionID.Valid {
			id := common.HexToHash(conditionID.String)
			env.ConditionID = &id
		}
		copy(env.StateHash[:], stateHash)
		copy(env.PrevHash[:], prevHash)
		env.Timestamp = env.Timestamp.UTC()
		env.RejectReason = reason.String
		envelopes = append(envelopes, &env)
	}

	return envelopes, rows.Err()
}

// GetLatestSequence returns the highest sequence in the command log, or -1
// when the log is empty.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := sm.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM ctf_log.commands`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return -1, nil
	}
	return seq.Int64, nil
}

// SnapshotScheduler takes a snapshot every interval. take runs on whatever
// goroutine owns the core; the scheduler only stores the result.
type SnapshotScheduler struct {
	manager  *SnapshotManager
	interval time.Duration
	take     func(ctx context.Context) (*core.Snapshot, error)
	metrics  *observability.Metrics
	logger   zerolog.Logger
}

func NewSnapshotScheduler(
	manager *SnapshotManager,
	interval time.Duration,
	take func(ctx context.Context) (*core.Snapshot, error),
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *SnapshotScheduler {
	return &SnapshotScheduler{
		manager:  manager,
		interval: interval,
		take:     take,
		metrics:  metrics,
		logger:   logger,
	}
}

// Run blocks until ctx is cancelled.
func (s *SnapshotScheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	var lastSeq int64 = -1
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n, err := s.manager.VerifyPending(ctx); err != nil {
				s.logger.Warn().Err(err).Msg("snapshot verification failed")
			} else if n > 0 {
				s.logger.Info().Int64("snapshots", n).Msg("snapshots verified")
			}

			seq, err := s.snapshot(ctx, lastSeq)
			if err != nil {
				s.logger.Error().Err(err).Msg("snapshot failed")
				continue
			}
			lastSeq = seq
		}
	}
}

func (s *SnapshotScheduler) snapshot(ctx context.Context, lastSeq int64) (int64, error) {
	start := time.Now()
	snap, err := s.take(ctx)
	if err != nil {
		return lastSeq, err
	}
	if snap.Sequence == lastSeq {
		return lastSeq, nil // nothing new
	}

	size, err := s.manager.SaveSnapshot(ctx, snap)
	if err != nil {
		return lastSeq, err
	}

	if s.metrics != nil {
		s.metrics.SnapshotTaken.Inc()
		s.metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		s.metrics.SnapshotSizeBytes.Set(float64(size))
		s.metrics.SnapshotLastSeq.Set(float64(snap.Sequence))
	}
	s.logger.Info().
		Int64("sequence", snap.Sequence).
		Int("size_bytes", size).
		Msg("snapshot saved")
	return snap.Sequence, nil
}
