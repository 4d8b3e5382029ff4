package settlement

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/playmatatu/referee/internal/chess"
	"github.com/playmatatu/referee/internal/game"
	"github.com/playmatatu/referee/internal/models"
	"github.com/playmatatu/referee/internal/store"
	"github.com/playmatatu/referee/internal/store/storetest"
)

const programID = "checkmate-verifier-v2"

// foolsMate returns the chained claim for 1. f3 e5 2. g4 Qh4#.
func foolsMate(t *testing.T) models.ProofInput {
	t.Helper()
	rules := chess.NewRules()
	board := chess.StartFEN
	var boards []string
	var moves []string
	for _, mv := range []string{"f3", "e5", "g4", "Qh4#"} {
		boards = append(boards, board)
		res, err := rules.Apply(board, mv)
		require.NoError(t, err)
		moves = append(moves, res.Move)
		board = res.Board
	}
	return models.ProofInput{
		ClaimedMove:  moves[3],
		ClaimedBoard: boards[3],
		PrevMove:     moves[2],
		PrevBoard:    boards[2],
	}
}

type fakeLedger struct {
	mu            sync.Mutex
	publishes     int
	broadcasts    int
	failPublish   int // fail this many publish calls
	failBroadcast int
	lastBroadcast BroadcastRequest
	lastPublish   PublishRequest
}

func (f *fakeLedger) Publish(_ context.Context, req PublishRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.publishes++
	f.lastPublish = req
	if f.failPublish > 0 {
		f.failPublish--
		return "", errors.New("ledger unavailable")
	}
	return "tx-" + req.Digest[:8], nil
}

func (f *fakeLedger) Broadcast(_ context.Context, req BroadcastRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasts++
	f.lastBroadcast = req
	if f.failBroadcast > 0 {
		f.failBroadcast--
		return errors.New("ledger unavailable")
	}
	return nil
}

type countingProver struct {
	Prover
	calls int
}

func (c *countingProver) Prove(ctx context.Context, req ProveRequest) (*models.Receipt, error) {
	c.calls++
	return c.Prover.Prove(ctx, req)
}

type memArchive struct {
	records []models.AuditRecord
}

func (m *memArchive) Append(rec models.AuditRecord) error {
	m.records = append(m.records, rec)
	return nil
}

type fixture struct {
	store   *store.Store
	ledger  *fakeLedger
	prover  *countingProver
	archive *memArchive
	pipe    *Pipeline
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := storetest.New(t)
	f := &fixture{
		store:   st,
		ledger:  &fakeLedger{},
		prover:  &countingProver{Prover: NewDevProver(chess.NewRules(), programID)},
		archive: &memArchive{},
	}
	f.pipe = NewPipeline(st, f.ledger, f.prover, DigestVerifier{}, Options{
		Identity:    "referee@example.com",
		ProgramID:   programID,
		Retries:     2,
		Backoff:     time.Millisecond,
		MaxAttempts: 3,
	})
	f.pipe.SetArchive(f.archive)
	return f
}

// record stores a checkmated game plus its claim under gameID.
func (f *fixture) record(t *testing.T, gameID string, in models.ProofInput) {
	t.Helper()
	ctx := context.Background()
	payload, digest, err := game.EncodeProofInput(in)
	require.NoError(t, err)

	g := models.NewGame(in.ClaimedBoard, "a@x.io", "b@x.io")
	g.State = models.StateCheckmate
	require.NoError(t, f.store.StoreEvidence(ctx, gameID, []byte("MOVE: g4"), in.PrevBoard))
	require.NoError(t, f.store.RecordTerminal(ctx, gameID, g, &models.Settlement{
		TerminalMessage: []byte("MOVE: Qh4#"),
		ProofInput:      string(payload),
		PayloadDigest:   digest,
	}))
}
