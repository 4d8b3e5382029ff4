package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/sha3"

	"github.com/playmatatu/referee/internal/chess"
	"github.com/playmatatu/referee/internal/game"
	"github.com/playmatatu/referee/internal/models"
)

// ProgramOutput is what the checkmate program reports about a claim.
type ProgramOutput struct {
	Chained   bool   `json:"chained"`
	Checkmate bool   `json:"checkmate"`
	Reason    string `json:"reason,omitempty"`
}

// DevProver runs the checkmate program in process with the rules engine.
// Its receipts carry a digest seal instead of a succinct proof, which is
// enough for local ledgers and tests.
type DevProver struct {
	engine    chess.Engine
	programID string
}

func NewDevProver(engine chess.Engine, programID string) *DevProver {
	return &DevProver{engine: engine, programID: programID}
}

func (d *DevProver) Prove(ctx context.Context, req ProveRequest) (*models.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	in, err := game.DecodeProofInput(req.ProofInput)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPermanent, err)
	}

	out := Execute(d.engine, in)
	outputs, _ := json.Marshal(out)

	journal := models.Journal{
		Version:        1,
		Index:          0,
		Identity:       req.Identity,
		TxHash:         req.TxHandle,
		ProgramOutputs: outputs,
		Payloads:       []byte(req.ProofInput),
		Success:        out.Chained && out.Checkmate,
		InitialState:   req.InitialState,
		NextState:      NullState,
	}
	seal, err := SealJournal(d.programID, journal)
	if err != nil {
		return nil, err
	}
	return &models.Receipt{ImageID: d.programID, Journal: journal, Seal: seal}, nil
}

// Execute is the checkmate program: prev_move on prev_board must give
// claimed_board, and claimed_move on claimed_board must mate.
func Execute(engine chess.Engine, in models.ProofInput) ProgramOutput {
	claimed, err := engine.Normalize(in.ClaimedBoard)
	if err != nil {
		return ProgramOutput{Reason: "claimed board: " + err.Error()}
	}
	step, err := engine.Apply(in.PrevBoard, in.PrevMove)
	if err != nil {
		return ProgramOutput{Reason: "previous move: " + err.Error()}
	}
	if step.Board != claimed {
		return ProgramOutput{Reason: "previous move does not reach claimed board"}
	}
	mate, err := engine.Apply(claimed, in.ClaimedMove)
	if err != nil {
		return ProgramOutput{Chained: true, Reason: "claimed move: " + err.Error()}
	}
	if mate.State != models.StateCheckmate {
		return ProgramOutput{Chained: true, Reason: "claimed move does not mate"}
	}
	return ProgramOutput{Chained: true, Checkmate: true}
}

// SealJournal binds a journal to a program image.
func SealJournal(imageID string, j models.Journal) ([]byte, error) {
	body, err := json.Marshal(j)
	if err != nil {
		return nil, err
	}
	h := sha3.New256()
	h.Write([]byte(imageID))
	h.Write([]byte{0})
	h.Write(body)
	return h.Sum(nil), nil
}

// DigestVerifier checks digest-sealed receipts.
type DigestVerifier struct{}

func (DigestVerifier) Verify(receipt *models.Receipt, programID string) error {
	if receipt == nil {
		return errors.New("nil receipt")
	}
	if programID != "" && receipt.ImageID != programID {
		return fmt.Errorf("image id %q, want %q", receipt.ImageID, programID)
	}
	want, err := SealJournal(receipt.ImageID, receipt.Journal)
	if err != nil {
		return err
	}
	if !bytes.Equal(want, receipt.Seal) {
		return errors.New("seal does not match journal")
	}
	return nil
}
