package settlement

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/playmatatu/referee/internal/chess"
	"github.com/playmatatu/referee/internal/models"
	"github.com/playmatatu/referee/internal/store"
)

func TestPipelineSettlesValidClaim(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.record(t, "g1", foolsMate(t))

	require.NoError(t, f.pipe.Run(ctx, "g1"))

	rec, err := f.store.LoadSettlement(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, models.SettlementSettled, rec.Status)
	assert.NotEmpty(t, rec.TxHandle)
	assert.NotEmpty(t, rec.Receipt)

	_, err = f.store.LoadGame(ctx, "g1")
	require.ErrorIs(t, err, store.ErrNotFound)
	_, err = f.store.LoadEvidence(ctx, "g1")
	require.ErrorIs(t, err, store.ErrNotFound)

	assert.Equal(t, 1, f.ledger.publishes)
	assert.Equal(t, 1, f.ledger.broadcasts)
	assert.Equal(t, "CheckmateVerifierV2", f.ledger.lastPublish.Contract)
	assert.Equal(t, NullState, f.ledger.lastPublish.InitialState)
	assert.Equal(t, PayloadIndex, f.ledger.lastBroadcast.PayloadIndex)

	require.Len(t, f.archive.records, 1)
	assert.Equal(t, "g1", f.archive.records[0].GameID)
	assert.Equal(t, "MOVE: g4", f.archive.records[0].Evidence)

	// Settled claims are left alone.
	require.NoError(t, f.pipe.Run(ctx, "g1"))
	assert.Equal(t, 1, f.ledger.publishes)
}

func TestPipelineResumesWithoutRepeatingSteps(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.record(t, "g1", foolsMate(t))
	f.ledger.failBroadcast = 2 // exhaust both retries of the first run

	require.Error(t, f.pipe.Run(ctx, "g1"))

	rec, err := f.store.LoadSettlement(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, models.SettlementProved, rec.Status)
	assert.Equal(t, 1, rec.Attempts)
	assert.NotEmpty(t, rec.LastError)

	// Game is still there until the claim settles.
	_, err = f.store.LoadGame(ctx, "g1")
	require.NoError(t, err)

	require.NoError(t, f.pipe.Run(ctx, "g1"))
	assert.Equal(t, 1, f.ledger.publishes)
	assert.Equal(t, 1, f.prover.calls)
	assert.Equal(t, 3, f.ledger.broadcasts)

	rec, err = f.store.LoadSettlement(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, models.SettlementSettled, rec.Status)
}

func TestPipelineDeadLettersForgedChain(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	in := foolsMate(t)
	// Claimed board is mate-in-one but the previous move does not lead there.
	in.PrevMove = "a3"
	f.record(t, "g1", in)

	err := f.pipe.Run(ctx, "g1")
	require.ErrorIs(t, err, ErrSettlement)
	require.ErrorIs(t, err, ErrRejected)

	rec, err := f.store.LoadSettlement(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, models.SettlementDead, rec.Status)
	assert.Equal(t, 0, f.ledger.broadcasts)

	// The game is kept for inspection.
	_, err = f.store.LoadGame(ctx, "g1")
	require.NoError(t, err)

	// Dead records are not retried by Run.
	require.NoError(t, f.pipe.Run(ctx, "g1"))
	assert.Equal(t, 1, f.ledger.publishes)
}

func TestPipelineGivesUpAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.record(t, "g1", foolsMate(t))
	f.ledger.failPublish = 1000

	for i := 0; i < 3; i++ {
		require.Error(t, f.pipe.Run(ctx, "g1"))
	}
	rec, err := f.store.LoadSettlement(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, models.SettlementDead, rec.Status)
	assert.Equal(t, 3, rec.Attempts)
	assert.Empty(t, rec.TxHandle)
}

func TestPipelineWritesProofFile(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	dir := t.TempDir()
	f.pipe.opts.ProofDir = dir
	f.record(t, "g1", foolsMate(t))

	require.NoError(t, f.pipe.Run(ctx, "g1"))

	raw, err := os.ReadFile(filepath.Join(dir, "g1.json"))
	require.NoError(t, err)
	var receipt models.Receipt
	require.NoError(t, json.Unmarshal(raw, &receipt))
	assert.True(t, receipt.Journal.Success)
	assert.Equal(t, programID, receipt.ImageID)
}

func TestRunBusyWhenLocked(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.record(t, "g1", foolsMate(t))

	release, ok := f.pipe.locker.TryLock(ctx, "g1")
	require.True(t, ok)
	require.ErrorIs(t, f.pipe.Run(ctx, "g1"), ErrBusy)
	release()

	require.NoError(t, f.pipe.Run(ctx, "g1"))
}

type staticDeriver struct {
	payload []byte
	digest  string
	calls   int
}

func (s *staticDeriver) Rederive(context.Context, string, []byte) ([]byte, string, error) {
	s.calls++
	return s.payload, s.digest, nil
}

func TestReplayRearmsDeadClaim(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.record(t, "g1", foolsMate(t))

	rec, err := f.store.LoadSettlement(ctx, "g1")
	require.NoError(t, err)
	rec.Status = models.SettlementDead
	rec.Attempts = 3
	require.NoError(t, f.store.SaveSettlement(ctx, rec))

	d := &staticDeriver{payload: []byte(rec.ProofInput), digest: rec.PayloadDigest}
	f.pipe.SetDeriver(d)

	require.NoError(t, f.pipe.Replay(ctx, "g1"))
	got, err := f.store.LoadSettlement(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, models.SettlementSettled, got.Status)

	// Idempotent once settled.
	require.NoError(t, f.pipe.Replay(ctx, "g1"))
	assert.Equal(t, 1, d.calls)
	assert.Equal(t, 1, f.ledger.broadcasts)
}

func TestRearmLeavesClaimPending(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.record(t, "g1", foolsMate(t))

	rec, err := f.store.LoadSettlement(ctx, "g1")
	require.NoError(t, err)
	rec.Status = models.SettlementDead
	require.NoError(t, f.store.SaveSettlement(ctx, rec))
	f.pipe.SetDeriver(&staticDeriver{payload: []byte(rec.ProofInput), digest: rec.PayloadDigest})

	require.NoError(t, f.pipe.Rearm(ctx, "g1"))
	got, err := f.store.LoadSettlement(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, models.SettlementPending, got.Status)
	assert.Equal(t, 0, f.ledger.publishes)
}

func TestReplayRejectsReplacedGame(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.record(t, "g1", foolsMate(t))

	rec, err := f.store.LoadSettlement(ctx, "g1")
	require.NoError(t, err)
	rec.Status = models.SettlementDead
	require.NoError(t, f.store.SaveSettlement(ctx, rec))
	d := &staticDeriver{payload: []byte(rec.ProofInput), digest: rec.PayloadDigest}
	f.pipe.SetDeriver(d)

	// The players started over after the claim died.
	fresh := models.NewGame(chess.StartFEN, "a@x.io", "b@x.io")
	require.NoError(t, f.store.UpsertGame(ctx, "g1", fresh))

	require.ErrorIs(t, f.pipe.Replay(ctx, "g1"), ErrRejected)
	require.ErrorIs(t, f.pipe.Rearm(ctx, "g1"), ErrRejected)
	assert.Equal(t, 0, d.calls)
	assert.Equal(t, 0, f.ledger.publishes)

	g, err := f.store.LoadGame(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, models.StateInProgress, g.State)
	got, err := f.store.LoadSettlement(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, models.SettlementDead, got.Status)

	// A claim whose game is gone is rejected too.
	require.NoError(t, f.store.DeleteGame(ctx, "g1"))
	require.ErrorIs(t, f.pipe.Replay(ctx, "g1"), ErrRejected)
}
