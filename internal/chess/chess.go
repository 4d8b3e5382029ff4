package chess

import (
	"errors"
	"fmt"
	"strings"

	nchess "github.com/corentings/chess/v2"

	"github.com/playmatatu/referee/internal/models"
)

// StartFEN is the standard initial position.
const StartFEN = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"

var (
	ErrInvalidBoard = errors.New("invalid board")
	ErrIllegalMove  = errors.New("illegal move")
)

// Result is the outcome of applying one move.
type Result struct {
	Board string
	Move  string // canonical SAN
	State models.GameState
}

// Engine applies moves and classifies positions.
type Engine interface {
	Apply(board, move string) (Result, error)
	Normalize(board string) (string, error)
}

// Rules is the Engine backed by corentings/chess.
type Rules struct{}

func NewRules() *Rules { return &Rules{} }

// Normalize decodes a board string and re-encodes it so that two spellings
// of the same position compare equal.
func (Rules) Normalize(board string) (string, error) {
	game, err := load(board)
	if err != nil {
		return "", err
	}
	return game.FEN(), nil
}

// Apply plays move on board and classifies the resulting position.
func (Rules) Apply(board, move string) (Result, error) {
	game, err := load(board)
	if err != nil {
		return Result{}, err
	}
	if game.Outcome() != nchess.NoOutcome {
		return Result{}, fmt.Errorf("%w: position is already decided", ErrIllegalMove)
	}

	pos := game.Position()
	var pushErr error
	for _, candidate := range candidates(move) {
		if pushErr = game.PushNotationMove(candidate, nchess.AlgebraicNotation{}, nil); pushErr == nil {
			break
		}
	}
	if pushErr != nil {
		return Result{}, fmt.Errorf("%w: %q: %v", ErrIllegalMove, move, pushErr)
	}

	moves := game.Moves()
	san := nchess.AlgebraicNotation{}.Encode(pos, moves[len(moves)-1])

	return Result{
		Board: game.FEN(),
		Move:  san,
		State: classify(game),
	}, nil
}

func load(board string) (*nchess.Game, error) {
	board = strings.TrimSpace(board)
	if board == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidBoard)
	}
	option, err := nchess.FEN(board)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBoard, err)
	}
	return nchess.NewGame(option), nil
}

func classify(game *nchess.Game) models.GameState {
	switch game.Method() {
	case nchess.Checkmate:
		return models.StateCheckmate
	case nchess.Stalemate:
		return models.StateStalemate
	case nchess.InsufficientMaterial, nchess.SeventyFiveMoveRule:
		return models.StateDraw
	}
	return models.StateInProgress
}

// candidates lists spellings of a move token to try, most literal first.
// Players write check marks inconsistently; the decoder is strict about them.
func candidates(move string) []string {
	move = strings.TrimSpace(move)
	move = strings.ReplaceAll(move, "0-0-0", "O-O-O")
	move = strings.ReplaceAll(move, "0-0", "O-O")
	bare := strings.TrimRight(move, "+#!?")
	out := []string{move}
	for _, c := range []string{bare, bare + "+", bare + "#"} {
		if c != move && c != "" {
			out = append(out, c)
		}
	}
	return out
}
