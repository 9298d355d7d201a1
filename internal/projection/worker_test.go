package projection

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"CTFLedger/internal/command"
	"CTFLedger/internal/core"
	"CTFLedger/internal/ledger"
	"CTFLedger/internal/state"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	maker = common.HexToAddress("0xa1")
	taker = common.HexToAddress("0xb2")
	cond  = common.HexToHash("0xc0")
)

func fillOutput(seq int64) core.CoreOutput {
	orderID := uuid.MustParse("770e8400-e29b-41d4-a716-446655440002")
	return core.CoreOutput{
		Envelope: &command.Envelope{Sequence: seq, CommandType: command.CommandTypeSubmitOrder, ConditionID: &cond},
		Balances: []core.BalanceEntry{
			{Account: ledger.CollateralKey(maker), Balance: 40},
			{Account: ledger.EscrowKey(cond), Balance: -100},
		},
		Conditions: []state.Condition{{
			ID: cond, Oracle: common.HexToAddress("0x0a"), SlotCount: 2, Status: state.StatusOpen,
		}},
		Orders: []state.Order{{
			ID: orderID, Maker: maker, ConditionID: cond, Slot: 1, Side: state.SideSell,
			Price: 400_000, Quantity: 10, Remaining: 0, Status: state.OrderStatusFilled, Nonce: 3,
		}},
		Fills: []state.Fill{{
			FillID: uuid.New(), MakerOrder: orderID, TakerOrder: uuid.New(), ConditionID: cond,
			Slot: 1, Price: 400_000, Quantity: 10, Collateral: 4, Buyer: taker, Seller: maker,
		}},
	}
}

func TestProcessOutputWritesAllTables(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO ctf_proj.balances").
		WithArgs(ledger.CollateralKey(maker).AccountPath(), "user", maker.Hex(), "collateral", "collateral", int64(40), int64(9)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO ctf_proj.balances").
		WithArgs(ledger.EscrowKey(cond).AccountPath(), "system", nil, "escrow", "collateral", int64(-100), int64(9)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO ctf_proj.conditions").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO ctf_proj.orders").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO ctf_proj.fills").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO ctf_proj.watermark").
		WithArgs(workerID, int64(9)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	pw := NewProjectionWorker(db, nil, nil, zerolog.Nop())
	require.NoError(t, pw.processOutput(context.Background(), fillOutput(9)))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunContinuesAfterFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	// First output fails at the first write, second succeeds.
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO ctf_proj.watermark").WillReturnError(sql.ErrConnDone)
	mock.ExpectRollback()
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO ctf_proj.watermark").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	in := make(chan core.CoreOutput, 2)
	in <- core.CoreOutput{Envelope: &command.Envelope{Sequence: 0}}
	in <- core.CoreOutput{Envelope: &command.Envelope{Sequence: 1}}
	close(in)

	pw := NewProjectionWorker(db, in, nil, zerolog.Nop())
	require.NoError(t, pw.Run(context.Background()))
	assert.Equal(t, int64(1), pw.LastSequence())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunStopsOnCancel(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	pw := NewProjectionWorker(db, make(chan core.CoreOutput), nil, zerolog.Nop())
	assert.ErrorIs(t, pw.Run(ctx), context.DeadlineExceeded)
}

func TestRebuildBalances(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("TRUNCATE ctf_proj.balances").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO ctf_proj.balances").WillReturnResult(sqlmock.NewResult(0, 12))
	mock.ExpectCommit()

	require.NoError(t, RebuildBalances(context.Background(), db, zerolog.Nop()))
	require.NoError(t, mock.ExpectationsWereMet())
}
