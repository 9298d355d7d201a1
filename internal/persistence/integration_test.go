package persistence_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"CTFLedger/internal/command"
	"CTFLedger/internal/core"
	"CTFLedger/internal/ledger"
	"CTFLedger/internal/persistence"
	"CTFLedger/internal/testutil"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	holder = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	oracle = common.HexToAddress("0x000000000000000000000000000000000000a11a")
)

func commandID(n int) command.Header {
	return command.Header{CommandID: uuid.NewSHA1(uuid.NameSpaceURL, []byte(fmt.Sprintf("it:%d", n)))}
}

// TestLogReplayReproducesState writes a short run through the persistence
// worker, then rebuilds a fresh core from the log and from a snapshot.
func TestLogReplayReproducesState(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	persist := make(chan core.CoreOutput, 64)
	live := core.NewDeterministicCore(core.Config{DisableSignatureChecks: true}, persist, nil,
		persistence.NewPostgresIdempotencyChecker(db), nil, nil)

	now := time.UnixMicro(1_700_000_000_000_000).UTC()
	var seq int64
	apply := func(cmd command.Stampable) *core.Result {
		t.Helper()
		cmd.Stamp(seq, now)
		seq++
		now = now.Add(time.Second)
		res, err := live.ProcessCommand(cmd)
		if err != nil {
			t.Logf("%s rejected: %v", cmd.CommandType(), err)
		}
		return res
	}

	apply(&command.Deposit{Header: commandID(1), Holder: holder, Amount: 1_000_000})
	created := apply(&command.CreateCondition{
		Header:     commandID(2),
		Oracle:     oracle,
		QuestionID: ethcrypto.Keccak256Hash([]byte("will it replay")),
		SlotCount:  2,
		Deadline:   now.Add(time.Hour),
	})
	cond := created.ConditionID

	snap := live.CreateSnapshot()

	apply(&command.Split{Header: commandID(3), ConditionID: cond, Amount: 400_000, Depositor: holder})
	apply(&command.Withdraw{Header: commandID(4), Holder: holder, Amount: 10_000_000}) // rejected, still logged
	apply(&command.Merge{Header: commandID(5), ConditionID: cond, Amount: 100_000, Holder: holder})
	close(persist)

	worker := persistence.NewPersistenceWorker(db, persist, 2, time.Millisecond, nil, zerolog.Nop())
	require.NoError(t, worker.Run(ctx))

	mgr := persistence.NewSnapshotManager(db)
	latest, err := mgr.GetLatestSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), latest)

	split := &command.Split{Header: commandID(3)}
	dup, err := persistence.NewPostgresIdempotencyChecker(db).
		IsDuplicate(split.CommandType().String(), split.IdempotencyKey())
	require.NoError(t, err)
	assert.True(t, dup)

	envs, err := mgr.LoadCommandsFrom(ctx, 0, 100)
	require.NoError(t, err)
	require.Len(t, envs, 5)
	assert.NotEmpty(t, envs[3].RejectReason)

	replica := core.NewDeterministicCore(core.Config{DisableSignatureChecks: true}, nil, nil, nil, nil, nil)
	for _, env := range envs {
		require.NoError(t, replica.Replay(env))
	}
	assert.Equal(t, live.GetStateHash(), replica.GetStateHash())

	_, err = mgr.SaveSnapshot(ctx, snap)
	require.NoError(t, err)
	n, err := mgr.VerifyPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	loaded, err := mgr.LoadLatestSnapshot(ctx)
	require.NoError(t, err)
	require.NotNil(t, loaded)

	restored := core.NewDeterministicCore(core.Config{DisableSignatureChecks: true}, nil, nil, nil, nil, nil)
	require.NoError(t, restored.RestoreSnapshot(loaded))
	tail, err := mgr.LoadCommandsFrom(ctx, loaded.Sequence, 100)
	require.NoError(t, err)
	require.Len(t, tail, 3)
	for _, env := range tail {
		require.NoError(t, restored.Replay(env))
	}
	assert.Equal(t, live.GetStateHash(), restored.GetStateHash())
	assert.Equal(t, live.Balance(ledger.CollateralKey(holder)), restored.Balance(ledger.CollateralKey(holder)))
}
