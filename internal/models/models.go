package models

import (
	"time"
)

// Color is informational only; turn ownership comes from the board.
type Color string

const (
	White Color = "White"
	Black Color = "Black"
)

// Opposite returns the other side.
func (c Color) Opposite() Color {
	if c == White {
		return Black
	}
	return White
}

// GameState is the classification of the current position.
type GameState string

const (
	StateInProgress GameState = "InProgress"
	StateCheckmate  GameState = "Checkmate"
	StateStalemate  GameState = "Stalemate"
	StateDraw       GameState = "Draw"
)

// Player is one side of a game.
type Player struct {
	Address string `json:"address"`
	Color   Color  `json:"color"`
	IsNext  bool   `json:"is_next"`
}

// Game is the live state of a matchup, serialized into games.game_data.
type Game struct {
	Position string    `json:"position"`
	Players  [2]Player `json:"players"`
	State    GameState `json:"state"`
}

// NewGame returns a fresh game between creator and opponent. The creator
// plays White and moves first.
func NewGame(position, creator, opponent string) Game {
	return Game{
		Position: position,
		Players: [2]Player{
			{Address: creator, Color: White, IsNext: true},
			{Address: opponent, Color: Black, IsNext: false},
		},
		State: StateInProgress,
	}
}

// FlipTurn toggles the informational turn flags.
func (g *Game) FlipTurn() {
	for i := range g.Players {
		g.Players[i].IsNext = !g.Players[i].IsNext
	}
}

// Evidence is the raw message of the last accepted non-terminal move plus
// the board that move was validated against.
type Evidence struct {
	GameID     string `db:"game_id" json:"game_id"`
	RawMessage []byte `db:"raw_message" json:"-"`
	Board      string `db:"board" json:"board"`
	UpdatedAt  int64  `db:"updated_at" json:"updated_at"`
}

// ProofInputVersion is the only proof-input schema this service emits.
const ProofInputVersion = 2

// ProofInput is the chained form fed to the checkmate program: the prior
// accepted move applied to prev_board must yield claimed_board, and
// claimed_move on claimed_board must be mate.
type ProofInput struct {
	ClaimedMove  string `json:"claimed_move"`
	ClaimedBoard string `json:"claimed_board"`
	PrevMove     string `json:"prev_move"`
	PrevBoard    string `json:"prev_board"`
}

// Journal is the public output of the checkmate program.
type Journal struct {
	Version        uint32 `json:"version"`
	Index          uint32 `json:"index"`
	Identity       string `json:"identity"`
	TxHash         string `json:"tx_hash"`
	ProgramOutputs []byte `json:"program_outputs"`
	Payloads       []byte `json:"payloads"`
	Success        bool   `json:"success"`
	InitialState   []byte `json:"initial_state"`
	NextState      []byte `json:"next_state"`
}

// Receipt is what a prover returns for one proof input.
type Receipt struct {
	ImageID string  `json:"image_id"`
	Journal Journal `json:"journal"`
	Seal    []byte  `json:"seal"`
}

// SettlementStatus tracks a checkmate claim through the pipeline.
type SettlementStatus string

const (
	SettlementPending   SettlementStatus = "pending"
	SettlementPublished SettlementStatus = "published"
	SettlementProved    SettlementStatus = "proved"
	SettlementBroadcast SettlementStatus = "broadcast"
	SettlementSettled   SettlementStatus = "settled"
	SettlementDead      SettlementStatus = "dead"
)

// Resumable reports whether the sweeper should pick the record up.
func (s SettlementStatus) Resumable() bool {
	switch s {
	case SettlementPending, SettlementPublished, SettlementProved, SettlementBroadcast:
		return true
	}
	return false
}

// Settlement is the durable record of one checkmate claim.
type Settlement struct {
	GameID          string           `db:"game_id" json:"game_id"`
	Status          SettlementStatus `db:"status" json:"status"`
	TerminalMessage []byte           `db:"terminal_message" json:"-"`
	ProofInput      string           `db:"proof_input" json:"proof_input"`
	PayloadDigest   string           `db:"payload_digest" json:"payload_digest"`
	TxHandle        string           `db:"tx_handle" json:"tx_handle,omitempty"`
	Receipt         []byte           `db:"receipt" json:"-"`
	Attempts        int              `db:"attempts" json:"attempts"`
	LastError       string           `db:"last_error" json:"last_error,omitempty"`
	CreatedAt       int64            `db:"created_at" json:"created_at"`
	UpdatedAt       int64            `db:"updated_at" json:"updated_at"`
}

// AuditRecord is one archived line per settled game.
type AuditRecord struct {
	GameID          string    `json:"game_id"`
	Players         [2]Player `json:"players"`
	FinalPosition   string    `json:"final_position"`
	Evidence        string    `json:"evidence"`
	TerminalMessage string    `json:"terminal_message"`
	TxHandle        string    `json:"tx_handle"`
	PayloadDigest   string    `json:"payload_digest"`
	ReceiptDigest   string    `json:"receipt_digest"`
	SettledAt       time.Time `json:"settled_at"`
}

// DeadLetter is an inbound message intake gave up on after repeated failures.
type DeadLetter struct {
	Digest     string `db:"digest" json:"digest"`
	ReceivedAt int64  `db:"received_at" json:"received_at"`
	RawMessage []byte `db:"raw_message" json:"-"`
	Reason     string `db:"reason" json:"reason"`
	CreatedAt  int64  `db:"created_at" json:"created_at"`
}

// Event is published on the referee_events channel for live observers.
type Event struct {
	Type   string `json:"type"`
	GameID string `json:"game_id"`
	Detail string `json:"detail,omitempty"`
	At     int64  `json:"at"`
}
