package query

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	holder = common.HexToAddress("0xa1")
	condID = common.HexToHash("0xc0")
)

func newService(t *testing.T) (*QueryService, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	qs, err := NewQueryService(db, Options{}, nil)
	require.NoError(t, err)
	t.Cleanup(qs.Close)
	return qs, mock
}

func expectWatermark(mock sqlmock.Sqlmock, seq int64) {
	mock.ExpectQuery("SELECT last_sequence FROM ctf_proj.watermark").
		WillReturnRows(sqlmock.NewRows([]string{"last_sequence"}).AddRow(seq))
}

var conditionCols = []string{
	"condition_id", "oracle", "question_id", "slot_count", "status", "deadline_us", "created_at_us",
	"resolution_requested_us", "disputed_at_us", "resolved_at_us", "payout_vector",
}

func TestGetBalancesGroupsPositions(t *testing.T) {
	qs, mock := newService(t)
	expectWatermark(mock, 42)

	asset := condID.Hex() + "/1"
	mock.ExpectQuery("FROM ctf_proj.balances").
		WithArgs(holder.Hex()).
		WillReturnRows(sqlmock.NewRows([]string{"sub_type", "asset", "balance"}).
			AddRow("position", asset, int64(70)).
			AddRow("reserved_position", asset, int64(30)).
			AddRow("collateral", "collateral", int64(500)).
			AddRow("reserved", "collateral", int64(120)))

	resp, err := qs.GetBalances(context.Background(), holder)
	require.NoError(t, err)

	assert.Equal(t, int64(500), resp.Collateral)
	assert.Equal(t, int64(120), resp.ReservedCollateral)
	assert.Equal(t, int64(620), resp.TotalCollateral)
	assert.Equal(t, int64(42), resp.AsOfSequence)
	require.Len(t, resp.Positions, 1)
	assert.Equal(t, PositionBalance{ConditionID: condID.Hex(), Slot: 1, Free: 70, Reserved: 30}, resp.Positions[0])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetBalancesUnknownHolder(t *testing.T) {
	qs, mock := newService(t)
	mock.ExpectQuery("SELECT last_sequence FROM ctf_proj.watermark").WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("FROM ctf_proj.balances").
		WillReturnRows(sqlmock.NewRows([]string{"sub_type", "asset", "balance"}))

	resp, err := qs.GetBalances(context.Background(), holder)
	require.NoError(t, err)
	assert.Equal(t, int64(-1), resp.AsOfSequence)
	assert.Zero(t, resp.TotalCollateral)
	assert.Empty(t, resp.Positions)
}

func TestGetConditionCachesResolved(t *testing.T) {
	qs, mock := newService(t)
	expectWatermark(mock, 7)
	mock.ExpectQuery("FROM ctf_proj.conditions").
		WithArgs(condID.Hex()).
		WillReturnRows(sqlmock.NewRows(conditionCols).AddRow(
			condID.Hex(), "0x0a", "0x01", 2, "resolved", int64(100), int64(1), int64(101), int64(0), int64(102),
			[]byte(`[1,0]`),
		))

	c, err := qs.GetCondition(context.Background(), condID)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 0}, c.PayoutVector)
	assert.Equal(t, int64(7), c.AsOfSequence)

	qs.cache.Wait()

	// Served from cache: no further queries expected.
	again, err := qs.GetCondition(context.Background(), condID)
	require.NoError(t, err)
	assert.Same(t, c, again)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetConditionNotFound(t *testing.T) {
	qs, mock := newService(t)
	expectWatermark(mock, 7)
	mock.ExpectQuery("FROM ctf_proj.conditions").WillReturnRows(sqlmock.NewRows(conditionCols))

	_, err := qs.GetCondition(context.Background(), condID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListConditionsFilters(t *testing.T) {
	qs, mock := newService(t)
	expectWatermark(mock, 3)

	status := "open"
	after := common.HexToHash("0x01")
	mock.ExpectQuery("FROM ctf_proj.conditions WHERE TRUE AND status = \\$1 AND condition_id > \\$2 ORDER BY condition_id LIMIT \\$3").
		WithArgs(status, after.Hex(), 50).
		WillReturnRows(sqlmock.NewRows(conditionCols).AddRow(
			condID.Hex(), "0x0a", "0x01", 3, "open", int64(100), int64(1), int64(0), int64(0), int64(0), nil,
		))

	out, err := qs.ListConditions(context.Background(), &status, 0, &after)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Nil(t, out[0].PayoutVector)
	assert.Equal(t, 3, out[0].SlotCount)
	require.NoError(t, mock.ExpectationsWereMet())
}

var orderCols = []string{
	"order_id", "maker", "condition_id", "slot", "side", "price", "quantity", "remaining", "reserved",
	"nonce", "expiry_us", "status", "last_sequence",
}

func TestGetOrder(t *testing.T) {
	qs, mock := newService(t)
	id := uuid.MustParse("770e8400-e29b-41d4-a716-446655440002")

	mock.ExpectQuery("FROM ctf_proj.orders WHERE order_id = \\$1").
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows(orderCols).AddRow(
			id.String(), holder.Hex(), condID.Hex(), 0, "buy", int64(400_000), int64(10), int64(4), int64(2),
			"9", int64(0), "partially_filled", int64(12),
		))

	o, err := qs.GetOrder(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "buy", o.Side)
	assert.Equal(t, int64(4), o.Remaining)
	assert.Equal(t, "9", o.Nonce)
	assert.Equal(t, int64(12), o.Sequence)
}

func TestGetOrderNotFound(t *testing.T) {
	qs, mock := newService(t)
	mock.ExpectQuery("FROM ctf_proj.orders").WillReturnRows(sqlmock.NewRows(orderCols))

	_, err := qs.GetOrder(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListOrdersClampsLimit(t *testing.T) {
	qs, mock := newService(t)
	mock.ExpectQuery("FROM ctf_proj.orders WHERE maker = \\$1 ORDER BY last_sequence DESC LIMIT \\$2").
		WithArgs(holder.Hex(), 500).
		WillReturnRows(sqlmock.NewRows(orderCols))

	out, err := qs.ListOrders(context.Background(), holder, nil, 10_000)
	require.NoError(t, err)
	assert.Empty(t, out)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetFillsPaginates(t *testing.T) {
	qs, mock := newService(t)
	slot := uint16(1)
	before := int64(100)

	mock.ExpectQuery("FROM ctf_proj.fills").
		WithArgs(condID.Hex(), 1, before, 20).
		WillReturnRows(sqlmock.NewRows([]string{
			"fill_id", "sequence", "maker_order_id", "taker_order_id", "condition_id", "slot", "price",
			"quantity", "collateral", "buyer", "seller", "timestamp_us",
		}).AddRow("f1", int64(99), "m1", "t1", condID.Hex(), 1, int64(400_000), int64(10), int64(4),
			holder.Hex(), "0xb2", int64(5)))

	out, err := qs.GetFills(context.Background(), condID, &slot, 20, &before)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, int64(99), out[0].Sequence)
	assert.Equal(t, int64(4), out[0].Collateral)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetJournalHistoryMatchesUserAccounts(t *testing.T) {
	qs, mock := newService(t)

	mock.ExpectQuery("FROM ctf_log.journal").
		WithArgs("user:"+holder.Hex()+":%", 50).
		WillReturnRows(sqlmock.NewRows([]string{
			"journal_id", "batch_id", "command_ref", "sequence", "debit_account", "credit_account",
			"asset", "amount", "journal_type", "timestamp",
		}).AddRow("j1", "b1", "c1", int64(3), "user:"+holder.Hex()+":collateral:collateral",
			"external:deposits:collateral", "collateral", int64(1_000), "deposit", int64(10)))

	out, err := qs.GetJournalHistory(context.Background(), holder, 0, nil)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "deposit", out[0].JournalType)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestVerifyIntegrity(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		qs, mock := newService(t)
		mock.ExpectQuery("FROM ctf_log.commands c1").WillReturnRows(sqlmock.NewRows([]string{"sequence"}))
		mock.ExpectQuery("GROUP BY asset").WillReturnRows(sqlmock.NewRows([]string{"asset", "total"}))

		report, err := qs.VerifyIntegrity(context.Background())
		require.NoError(t, err)
		assert.True(t, report.IsHealthy)
	})

	t.Run("broken chain and imbalance", func(t *testing.T) {
		qs, mock := newService(t)
		mock.ExpectQuery("FROM ctf_log.commands c1").
			WillReturnRows(sqlmock.NewRows([]string{"sequence"}).AddRow(int64(17)))
		mock.ExpectQuery("GROUP BY asset").
			WillReturnRows(sqlmock.NewRows([]string{"asset", "total"}).AddRow("collateral", int64(5)))

		report, err := qs.VerifyIntegrity(context.Background())
		require.NoError(t, err)
		assert.False(t, report.IsHealthy)
		assert.Equal(t, []int64{17}, report.HashChainBreaks)
		assert.Equal(t, []UnbalancedAsset{{Asset: "collateral", Imbalance: 5}}, report.UnbalancedAssets)
	})
}

func TestParseOutcomeAsset(t *testing.T) {
	id, slot, err := parseOutcomeAsset(condID.Hex() + "/3")
	require.NoError(t, err)
	assert.Equal(t, condID.Hex(), id)
	assert.Equal(t, uint16(3), slot)

	_, _, err = parseOutcomeAsset("collateral")
	assert.Error(t, err)
}
