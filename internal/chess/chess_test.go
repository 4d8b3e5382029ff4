package chess

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/playmatatu/referee/internal/models"
)

// play applies moves in order from the start position and returns the last result.
func play(t *testing.T, moves ...string) Result {
	t.Helper()
	rules := NewRules()
	board := StartFEN
	var res Result
	for _, mv := range moves {
		var err error
		res, err = rules.Apply(board, mv)
		require.NoError(t, err, "move %s", mv)
		board = res.Board
	}
	return res
}

func TestApplyOpeningMove(t *testing.T) {
	res := play(t, "e4")
	assert.True(t, strings.HasPrefix(res.Board, "rnbqkbnr/pppppppp/8/8/4P3/8/PPPP1PPP/RNBQKBNR b KQkq "), res.Board)
	assert.Equal(t, "e4", res.Move)
	assert.Equal(t, models.StateInProgress, res.State)
}

func TestFoolsMateIsCheckmate(t *testing.T) {
	res := play(t, "f3", "e5", "g4", "Qh4#")
	assert.Equal(t, models.StateCheckmate, res.State)
}

func TestScholarsMateWithoutMateSuffix(t *testing.T) {
	res := play(t, "e4", "e5", "Bc4", "Nc6", "Qh5", "Nf6", "Qxf7")
	assert.Equal(t, models.StateCheckmate, res.State)
}

func TestCheckSuffixIsOptional(t *testing.T) {
	rules := NewRules()
	// 1. e4 f6 2. d4 g5 and Qh5 is mate; written with a plain check mark.
	res := play(t, "e4", "f6", "d4", "g5")
	mate, err := rules.Apply(res.Board, "Qh5+")
	require.NoError(t, err)
	assert.Equal(t, models.StateCheckmate, mate.State)
}

func TestIllegalMoveRejected(t *testing.T) {
	_, err := NewRules().Apply(StartFEN, "e5")
	require.ErrorIs(t, err, ErrIllegalMove)

	_, err = NewRules().Apply(StartFEN, "not-a-move")
	require.ErrorIs(t, err, ErrIllegalMove)
}

func TestInvalidBoardRejected(t *testing.T) {
	_, err := NewRules().Apply("this is not a board", "e4")
	require.ErrorIs(t, err, ErrInvalidBoard)

	_, err = NewRules().Apply("", "e4")
	require.ErrorIs(t, err, ErrInvalidBoard)
}

func TestNoMovesAfterMate(t *testing.T) {
	res := play(t, "f3", "e5", "g4", "Qh4#")
	_, err := NewRules().Apply(res.Board, "a3")
	require.ErrorIs(t, err, ErrIllegalMove)
}

func TestStalemateClassified(t *testing.T) {
	res, err := NewRules().Apply("7k/4Q3/6K1/8/8/8/8/8 w - - 0 1", "Qf7")
	require.NoError(t, err)
	assert.Equal(t, models.StateStalemate, res.State)
}

func TestInsufficientMaterialIsDraw(t *testing.T) {
	res, err := NewRules().Apply("4k3/8/8/8/8/8/3r4/4K3 w - - 0 1", "Kxd2")
	require.NoError(t, err)
	assert.Equal(t, models.StateDraw, res.State)
}

func TestDecidedPositionRejected(t *testing.T) {
	_, err := NewRules().Apply("4k3/8/8/8/8/8/3n4/4K3 w - - 0 1", "Kxd2")
	require.ErrorIs(t, err, ErrIllegalMove)
}

func TestRepeatedBoardIsNotADraw(t *testing.T) {
	// Each move is decoded from one board, so shuffling knights never repeats into a draw.
	board := StartFEN
	for i := 0; i < 5; i++ {
		for _, mv := range []string{"Nf3", "Nf6", "Ng1", "Ng8"} {
			res, err := NewRules().Apply(board, mv)
			require.NoError(t, err)
			assert.Equal(t, models.StateInProgress, res.State)
			board = res.Board
		}
	}
}

func TestNormalize(t *testing.T) {
	got, err := NewRules().Normalize("  " + StartFEN + "\n")
	require.NoError(t, err)
	assert.Equal(t, StartFEN, got)

	_, err = NewRules().Normalize("garbage")
	require.ErrorIs(t, err, ErrInvalidBoard)
}

func TestCandidates(t *testing.T) {
	assert.Equal(t, []string{"Qh4#", "Qh4", "Qh4+"}, candidates("Qh4#"))
	assert.Equal(t, []string{"O-O", "O-O+", "O-O#"}, candidates("0-0"))
}
