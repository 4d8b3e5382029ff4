package game

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/crypto/sha3"

	"github.com/playmatatu/referee/internal/mail"
	"github.com/playmatatu/referee/internal/models"
	"github.com/playmatatu/referee/internal/store"
)

var (
	// ErrNoEvidence means no prior move was recorded for the game, so the
	// claim cannot be chained.
	ErrNoEvidence = errors.New("no evidence for previous move")
	// ErrBrokenChain means the stored evidence does not lead to the claimed board.
	ErrBrokenChain = errors.New("evidence does not reach claimed board")
	// ErrInvalidProofInput is returned when a proof input fails schema validation.
	ErrInvalidProofInput = errors.New("invalid proof input")
)

//go:embed proof_input.schema.json
var proofInputSchema string

var compiledSchema = jsonschema.MustCompileString("proof_input.schema.json", proofInputSchema)

// BuildProofInput assembles the chained claim for a mating move played on
// claimedBoard, using the evidence stored for the previous accepted move.
func (r *Referee) BuildProofInput(ctx context.Context, gameID, claimedMove, claimedBoard string) (models.ProofInput, error) {
	ev, err := r.store.LoadEvidence(ctx, gameID)
	if errors.Is(err, store.ErrNotFound) {
		return models.ProofInput{}, ErrNoEvidence
	}
	if err != nil {
		return models.ProofInput{}, err
	}

	prev, err := mail.ParseMessage(ev.RawMessage)
	if err != nil {
		return models.ProofInput{}, fmt.Errorf("%w: stored message: %w", ErrBrokenChain, err)
	}

	prevBoard, err := r.engine.Normalize(ev.Board)
	if err != nil {
		return models.ProofInput{}, fmt.Errorf("%w: stored board: %w", ErrBrokenChain, err)
	}
	if prev.FEN != "" {
		claimed, err := r.engine.Normalize(prev.FEN)
		if err != nil || claimed != prevBoard {
			return models.ProofInput{}, fmt.Errorf("%w: stored message names a different board", ErrBrokenChain)
		}
	}

	res, err := r.engine.Apply(prevBoard, prev.Move)
	if err != nil {
		return models.ProofInput{}, fmt.Errorf("%w: %w", ErrBrokenChain, err)
	}
	want, err := r.engine.Normalize(claimedBoard)
	if err != nil {
		return models.ProofInput{}, fmt.Errorf("%w: %w", ErrBrokenChain, err)
	}
	if res.Board != want {
		return models.ProofInput{}, ErrBrokenChain
	}

	return models.ProofInput{
		ClaimedMove:  claimedMove,
		ClaimedBoard: want,
		PrevMove:     res.Move,
		PrevBoard:    prevBoard,
	}, nil
}

// EncodeProofInput validates in against the embedded schema and returns its
// canonical JSON encoding and the hex SHA3-256 digest of that encoding.
func EncodeProofInput(in models.ProofInput) ([]byte, string, error) {
	payload, err := json.Marshal(in)
	if err != nil {
		return nil, "", err
	}
	var doc interface{}
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, "", err
	}
	if err := compiledSchema.Validate(doc); err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInvalidProofInput, err)
	}
	return payload, Digest(payload), nil
}

// DecodeProofInput parses and validates a stored payload.
func DecodeProofInput(payload []byte) (models.ProofInput, error) {
	var doc interface{}
	if err := json.Unmarshal(payload, &doc); err != nil {
		return models.ProofInput{}, fmt.Errorf("%w: %v", ErrInvalidProofInput, err)
	}
	if err := compiledSchema.Validate(doc); err != nil {
		return models.ProofInput{}, fmt.Errorf("%w: %v", ErrInvalidProofInput, err)
	}
	var in models.ProofInput
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&in); err != nil {
		return models.ProofInput{}, fmt.Errorf("%w: %v", ErrInvalidProofInput, err)
	}
	return in, nil
}

// Digest is the content address of a payload.
func Digest(payload []byte) string {
	sum := sha3.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Rederive rebuilds the proof input for a recorded checkmate from the stored
// evidence and the terminal message, returning its encoding and digest.
func (r *Referee) Rederive(ctx context.Context, gameID string, terminal []byte) ([]byte, string, error) {
	msg, err := mail.ParseMessage(terminal)
	if err != nil {
		return nil, "", fmt.Errorf("terminal message: %w", err)
	}

	ev, err := r.store.LoadEvidence(ctx, gameID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, "", ErrNoEvidence
	}
	if err != nil {
		return nil, "", err
	}
	prev, err := mail.ParseMessage(ev.RawMessage)
	if err != nil {
		return nil, "", fmt.Errorf("%w: stored message: %w", ErrBrokenChain, err)
	}
	step, err := r.engine.Apply(ev.Board, prev.Move)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %w", ErrBrokenChain, err)
	}
	mate, err := r.engine.Apply(step.Board, msg.Move)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %w", ErrBrokenChain, err)
	}
	if mate.State != models.StateCheckmate {
		return nil, "", fmt.Errorf("%w: terminal move %q does not mate", ErrBrokenChain, msg.Move)
	}

	in, err := r.BuildProofInput(ctx, gameID, mate.Move, step.Board)
	if err != nil {
		return nil, "", err
	}
	return EncodeProofInput(in)
}
