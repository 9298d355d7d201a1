package query

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"CTFLedger/internal/observability"

	"github.com/dgraph-io/ristretto"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// ErrNotFound is returned when a queried row does not exist.
var ErrNotFound = errors.New("not found")

// Options tunes the read cache.
type Options struct {
	CacheTTL        time.Duration // open conditions and balances; default 250ms
	ResolvedTTL     time.Duration // resolved conditions never change; default 1h
	CacheMaxEntries int64         // default 100_000
}

// QueryService provides read-only access to the projection tables and the
// command log. Every response carries as_of_sequence: the last sequence the
// projection worker applied.
type QueryService struct {
	db      *sql.DB
	cache   *ristretto.Cache
	opts    Options
	metrics *observability.Metrics
}

func NewQueryService(db *sql.DB, opts Options, metrics *observability.Metrics) (*QueryService, error) {
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 250 * time.Millisecond
	}
	if opts.ResolvedTTL <= 0 {
		opts.ResolvedTTL = time.Hour
	}
	if opts.CacheMaxEntries <= 0 {
		opts.CacheMaxEntries = 100_000
	}

	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: opts.CacheMaxEntries * 10,
		MaxCost:     opts.CacheMaxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("query cache: %w", err)
	}

	return &QueryService{db: db, cache: cache, opts: opts, metrics: metrics}, nil
}

// Close releases the cache.
func (qs *QueryService) Close() {
	qs.cache.Close()
}

// GetBalances returns collateral and outcome-token holdings of an address.
func (qs *QueryService) GetBalances(ctx context.Context, holder common.Address) (resp *HolderBalances, err error) {
	defer qs.observe("balances", time.Now(), &err)

	key := "balances:" + holder.Hex()
	if v, ok := qs.cached("balances", key); ok {
		return v.(*HolderBalances), nil
	}

	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT sub_type, asset, balance
		FROM ctf_proj.balances
		WHERE owner = $1
		ORDER BY asset, sub_type
	`, holder.Hex())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	resp = &HolderBalances{Holder: holder.Hex(), Positions: []PositionBalance{}, AsOfSequence: asOfSeq}
	positions := make(map[string]int) // asset -> index in resp.Positions
	for rows.Next() {
		var subType, asset string
		var balance int64
		if err := rows.Scan(&subType, &asset, &balance); err != nil {
			return nil, err
		}

		switch subType {
		case "collateral":
			resp.Collateral = balance
			continue
		case "reserved":
			resp.ReservedCollateral = balance
			continue
		}

		idx, ok := positions[asset]
		if !ok {
			condID, slot, err := parseOutcomeAsset(asset)
			if err != nil {
				return nil, err
			}
			resp.Positions = append(resp.Positions, PositionBalance{ConditionID: condID, Slot: slot})
			idx = len(resp.Positions) - 1
			positions[asset] = idx
		}
		if subType == "reserved_position" {
			resp.Positions[idx].Reserved = balance
		} else {
			resp.Positions[idx].Free = balance
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	resp.TotalCollateral = resp.Collateral + resp.ReservedCollateral

	qs.cache.SetWithTTL(key, resp, 1, qs.opts.CacheTTL)
	return resp, nil
}

// GetCondition returns one condition.
func (qs *QueryService) GetCondition(ctx context.Context, id common.Hash) (resp *ConditionResponse, err error) {
	defer qs.observe("condition", time.Now(), &err)

	key := "condition:" + id.Hex()
	if v, ok := qs.cached("condition", key); ok {
		return v.(*ConditionResponse), nil
	}

	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	row := qs.db.QueryRowContext(ctx, conditionSelect+` WHERE condition_id = $1`, id.Hex())
	resp, err = scanCondition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	resp.AsOfSequence = asOfSeq

	ttl := qs.opts.CacheTTL
	if resp.Status == "resolved" {
		ttl = qs.opts.ResolvedTTL
	}
	qs.cache.SetWithTTL(key, resp, 1, ttl)
	return resp, nil
}

// ListConditions pages through conditions, optionally filtered by status.
func (qs *QueryService) ListConditions(ctx context.Context, status *string, limit int, after *common.Hash) (out []*ConditionResponse, err error) {
	defer qs.observe("conditions", time.Now(), &err)

	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	query := conditionSelect + ` WHERE TRUE`
	args := []interface{}{}
	argIdx := 1

	if status != nil {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, *status)
		argIdx++
	}
	if after != nil {
		query += fmt.Sprintf(" AND condition_id > $%d", argIdx)
		args = append(args, after.Hex())
		argIdx++
	}
	query += " ORDER BY condition_id"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, clampLimit(limit))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		c, err := scanCondition(rows)
		if err != nil {
			return nil, err
		}
		c.AsOfSequence = asOfSeq
		out = append(out, c)
	}
	return out, rows.Err()
}

const conditionSelect = `
	SELECT condition_id, oracle, question_id, slot_count, status, deadline_us, created_at_us,
	       resolution_requested_us, disputed_at_us, resolved_at_us, payout_vector
	FROM ctf_proj.conditions`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanCondition(s scanner) (*ConditionResponse, error) {
	var c ConditionResponse
	var payout []byte
	if err := s.Scan(
		&c.ConditionID, &c.Oracle, &c.QuestionID, &c.SlotCount, &c.Status, &c.DeadlineUs, &c.CreatedAtUs,
		&c.ResolutionRequestedUs, &c.DisputedAtUs, &c.ResolvedAtUs, &payout,
	); err != nil {
		return nil, err
	}
	if len(payout) > 0 {
		if err := json.Unmarshal(payout, &c.PayoutVector); err != nil {
			return nil, fmt.Errorf("condition %s payout vector: %w", c.ConditionID, err)
		}
	}
	return &c, nil
}

// GetOrder returns one order.
func (qs *QueryService) GetOrder(ctx context.Context, id uuid.UUID) (resp *OrderResponse, err error) {
	defer qs.observe("order", time.Now(), &err)

	row := qs.db.QueryRowContext(ctx, orderSelect+` WHERE order_id = $1`, id)
	resp, err = scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return resp, err
}

// ListOrders returns a maker's orders, newest first, optionally by status.
func (qs *QueryService) ListOrders(ctx context.Context, maker common.Address, status *string, limit int) (out []*OrderResponse, err error) {
	defer qs.observe("orders", time.Now(), &err)

	query := orderSelect + ` WHERE maker = $1`
	args := []interface{}{maker.Hex()}
	argIdx := 2

	if status != nil {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, *status)
		argIdx++
	}
	query += " ORDER BY last_sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, clampLimit(limit))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

const orderSelect = `
	SELECT order_id, maker, condition_id, slot, side, price, quantity, remaining, reserved,
	       nonce, expiry_us, status, last_sequence
	FROM ctf_proj.orders`

func scanOrder(s scanner) (*OrderResponse, error) {
	var o OrderResponse
	if err := s.Scan(
		&o.OrderID, &o.Maker, &o.ConditionID, &o.Slot, &o.Side, &o.Price, &o.Quantity, &o.Remaining,
		&o.Reserved, &o.Nonce, &o.ExpiryUs, &o.Status, &o.Sequence,
	); err != nil {
		return nil, err
	}
	return &o, nil
}

// GetFills returns fills of a condition, newest first, with cursor pagination
// on sequence.
func (qs *QueryService) GetFills(ctx context.Context, conditionID common.Hash, slot *uint16, limit int, beforeSequence *int64) (out []*FillResponse, err error) {
	defer qs.observe("fills", time.Now(), &err)

	query := `
		SELECT fill_id, sequence, maker_order_id, taker_order_id, condition_id, slot, price, quantity,
		       collateral, buyer, seller, timestamp_us
		FROM ctf_proj.fills
		WHERE condition_id = $1
	`
	args := []interface{}{conditionID.Hex()}
	argIdx := 2

	if slot != nil {
		query += fmt.Sprintf(" AND slot = $%d", argIdx)
		args = append(args, int(*slot))
		argIdx++
	}
	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}
	query += " ORDER BY sequence DESC, fill_id"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, clampLimit(limit))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var f FillResponse
		if err := rows.Scan(
			&f.FillID, &f.Sequence, &f.MakerOrderID, &f.TakerOrderID, &f.ConditionID, &f.Slot,
			&f.Price, &f.Quantity, &f.Collateral, &f.Buyer, &f.Seller, &f.TimestampUs,
		); err != nil {
			return nil, err
		}
		out = append(out, &f)
	}
	return out, rows.Err()
}

// GetJournalHistory returns journal entries touching a holder's accounts.
func (qs *QueryService) GetJournalHistory(ctx context.Context, holder common.Address, limit int, beforeSequence *int64) (out []JournalHistoryEntry, err error) {
	defer qs.observe("journal", time.Now(), &err)

	accountPrefix := fmt.Sprintf("user:%s:%%", holder.Hex())

	query := `
		SELECT journal_id, batch_id, command_ref, sequence,
		       debit_account, credit_account, asset, amount, journal_type, timestamp
		FROM ctf_log.journal
		WHERE (debit_account LIKE $1 OR credit_account LIKE $1)
	`
	args := []interface{}{accountPrefix}
	argIdx := 2

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}
	query += " ORDER BY sequence DESC, journal_id"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, clampLimit(limit))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var e JournalHistoryEntry
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.CommandRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.Asset, &e.Amount,
			&e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks hash chain continuity in the command log and that
// projected balances of every asset sum to zero.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT c1.sequence
		FROM ctf_log.commands c1
		JOIN ctf_log.commands c2 ON c2.sequence = c1.sequence - 1
		WHERE c1.prev_hash <> c2.state_hash
		ORDER BY c1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	balanceRows, err := qs.db.QueryContext(ctx, `
		SELECT asset, SUM(balance) AS total
		FROM ctf_proj.balances
		GROUP BY asset
		HAVING SUM(balance) <> 0
	`)
	if err != nil {
		return nil, err
	}
	defer balanceRows.Close()

	for balanceRows.Next() {
		var u UnbalancedAsset
		if err := balanceRows.Scan(&u.Asset, &u.Imbalance); err != nil {
			return nil, err
		}
		report.UnbalancedAssets = append(report.UnbalancedAssets, u)
	}
	if err := balanceRows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.UnbalancedAssets) == 0
	return report, nil
}

// --- helpers ---

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT last_sequence FROM ctf_proj.watermark WHERE worker_id = 'main'
	`).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return -1, nil
	}
	return seq, err
}

func (qs *QueryService) cached(endpoint, key string) (interface{}, bool) {
	v, ok := qs.cache.Get(key)
	if qs.metrics != nil {
		result := "miss"
		if ok {
			result = "hit"
		}
		qs.metrics.QueryCacheHits.WithLabelValues(endpoint, result).Inc()
	}
	return v, ok
}

func (qs *QueryService) observe(endpoint string, start time.Time, errp *error) {
	if qs.metrics == nil {
		return
	}
	status := "ok"
	switch {
	case errors.Is(*errp, ErrNotFound):
		status = "not_found"
	case *errp != nil:
		status = "error"
	}
	qs.metrics.QueryRequests.WithLabelValues(endpoint, status).Inc()
	qs.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
}

// parseOutcomeAsset splits "0x<condition>/<slot>".
func parseOutcomeAsset(asset string) (string, uint16, error) {
	i := strings.LastIndexByte(asset, '/')
	if i < 0 {
		return "", 0, fmt.Errorf("malformed outcome asset %q", asset)
	}
	slot, err := strconv.ParseUint(asset[i+1:], 10, 16)
	if err != nil {
		return "", 0, fmt.Errorf("malformed outcome asset %q: %w", asset, err)
	}
	return asset[:i], uint16(slot), nil
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return 50
	case limit > 500:
		return 500
	}
	return limit
}
