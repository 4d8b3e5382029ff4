package settlement

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/playmatatu/referee/internal/chess"
	"github.com/playmatatu/referee/internal/game"
)

func TestExecuteValidChain(t *testing.T) {
	out := Execute(chess.NewRules(), foolsMate(t))
	assert.True(t, out.Chained)
	assert.True(t, out.Checkmate)
	assert.Empty(t, out.Reason)
}

func TestExecuteRejectsUnreachableClaimedBoard(t *testing.T) {
	in := foolsMate(t)
	// Claimed board still allows Qh4#, but e4 from the start never reaches it.
	in.PrevBoard = chess.StartFEN
	in.PrevMove = "e4"

	out := Execute(chess.NewRules(), in)
	assert.False(t, out.Chained)
	assert.False(t, out.Checkmate)
}

func TestExecuteRejectsNonMate(t *testing.T) {
	in := foolsMate(t)
	in.ClaimedMove = "Qg5"

	out := Execute(chess.NewRules(), in)
	assert.True(t, out.Chained)
	assert.False(t, out.Checkmate)
}

func TestDevProverReceiptVerifies(t *testing.T) {
	payload, _, err := game.EncodeProofInput(foolsMate(t))
	require.NoError(t, err)

	prover := NewDevProver(chess.NewRules(), programID)
	receipt, err := prover.Prove(context.Background(), ProveRequest{
		TxHandle:     "tx-1",
		Identity:     "referee@example.com",
		InitialState: NullState,
		ProofInput:   json.RawMessage(payload),
	})
	require.NoError(t, err)

	assert.True(t, receipt.Journal.Success)
	assert.Equal(t, uint32(1), receipt.Journal.Version)
	assert.Equal(t, "tx-1", receipt.Journal.TxHash)
	assert.Equal(t, payload, receipt.Journal.Payloads)
	assert.Equal(t, []byte{0, 0, 0, 0}, receipt.Journal.NextState)

	v := DigestVerifier{}
	require.NoError(t, v.Verify(receipt, programID))
	require.Error(t, v.Verify(receipt, "some-other-program"))

	receipt.Journal.Success = false
	require.Error(t, v.Verify(receipt, programID), "tampered journal must not verify")
}

func TestDevProverRejectsMalformedInput(t *testing.T) {
	prover := NewDevProver(chess.NewRules(), programID)
	_, err := prover.Prove(context.Background(), ProveRequest{ProofInput: json.RawMessage(`{"claimed_move":"Qh4#"}`)})
	require.ErrorIs(t, err, ErrPermanent)
}
