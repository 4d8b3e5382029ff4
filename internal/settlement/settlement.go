package settlement

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/playmatatu/referee/internal/models"
)

var (
	// ErrSettlement wraps every failed pipeline run.
	ErrSettlement = errors.New("settlement failed")
	// ErrRejected means the claim itself is bad: the prover reported a false
	// outcome or the receipt did not verify. Retrying cannot help.
	ErrRejected = errors.New("claim rejected")
	// ErrPermanent marks a collaborator error that must not be retried
	// within a run (4xx responses).
	ErrPermanent = errors.New("permanent error")
	// ErrBusy is returned when another run holds the game's lock.
	ErrBusy = errors.New("settlement already running")
)

// PayloadIndex is the position of the proof-input payload in the published
// transaction; it is always the only payload.
const PayloadIndex = "0"

// NullState is the contract state before and after a claim: 0u32 big endian.
var NullState = []byte{0, 0, 0, 0}

// PublishRequest posts a claim to the ledger.
type PublishRequest struct {
	Identity     string          `json:"identity"`
	Contract     string          `json:"contract_name"`
	Payload      string          `json:"payload"` // base64 of ProofInput
	InitialState []byte          `json:"initial_state"`
	ProofInput   json.RawMessage `json:"proof_input"`
	Digest       string          `json:"digest"`
}

// BroadcastRequest submits a verified receipt for a published claim.
type BroadcastRequest struct {
	TxHandle     string `json:"tx_hash"`
	Contract     string `json:"contract_name"`
	PayloadIndex string `json:"payload_index"`
	Receipt      []byte `json:"receipt"`
}

// ProveRequest asks for a receipt over one published claim.
type ProveRequest struct {
	TxHandle     string          `json:"tx_hash"`
	Identity     string          `json:"identity"`
	InitialState []byte          `json:"initial_state"`
	ProofInput   json.RawMessage `json:"proof_input"`
}

// Ledger is the append-only ledger the claim settles on.
type Ledger interface {
	Publish(ctx context.Context, req PublishRequest) (string, error)
	Broadcast(ctx context.Context, req BroadcastRequest) error
}

// Prover executes the checkmate program over a claim.
type Prover interface {
	Prove(ctx context.Context, req ProveRequest) (*models.Receipt, error)
}

// Verifier checks a receipt against the expected program.
type Verifier interface {
	Verify(receipt *models.Receipt, programID string) error
}

// Store is the persistence the pipeline needs.
type Store interface {
	LoadSettlement(ctx context.Context, gameID string) (*models.Settlement, error)
	SaveSettlement(ctx context.Context, rec *models.Settlement) error
	ResetSettlement(ctx context.Context, gameID, proofInput, digest string) error
	FinalizeSettlement(ctx context.Context, gameID string) error
	ListSettlements(ctx context.Context, statuses ...models.SettlementStatus) ([]models.Settlement, error)
	LoadGame(ctx context.Context, gameID string) (*models.Game, error)
	LoadEvidence(ctx context.Context, gameID string) (*models.Evidence, error)
}

// Deriver rebuilds a claim from stored evidence and the terminal message.
type Deriver interface {
	Rederive(ctx context.Context, gameID string, terminal []byte) ([]byte, string, error)
}

// Archiver keeps an audit trail of settled games.
type Archiver interface {
	Append(rec models.AuditRecord) error
}

// Publisher broadcasts pipeline events to live observers.
type Publisher interface {
	Publish(ctx context.Context, ev models.Event)
}
