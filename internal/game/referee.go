package game

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/playmatatu/referee/internal/chess"
	"github.com/playmatatu/referee/internal/logger"
	"github.com/playmatatu/referee/internal/mail"
	"github.com/playmatatu/referee/internal/models"
	"github.com/playmatatu/referee/internal/store"
)

// ErrRuleViolation marks a message that is well formed but cannot be
// applied: illegal move, invalid or stale board, finished game.
var ErrRuleViolation = errors.New("rule violation")

// Store is the persistence the referee needs.
type Store interface {
	GetOrCreateMatchup(ctx context.Context, a, b string) (string, error)
	LoadGame(ctx context.Context, gameID string) (*models.Game, error)
	UpsertGame(ctx context.Context, gameID string, g models.Game) error
	CommitMove(ctx context.Context, gameID string, g models.Game, raw []byte, board string) error
	RecordTerminal(ctx context.Context, gameID string, g models.Game, rec *models.Settlement) error
	LoadEvidence(ctx context.Context, gameID string) (*models.Evidence, error)
	LoadSettlement(ctx context.Context, gameID string) (*models.Settlement, error)
}

// Notifier tells the player to move about an accepted move.
type Notifier interface {
	MoveAccepted(ctx context.Context, gameID string, g models.Game, mover, opponent, move string) error
}

// Settler takes a recorded checkmate for asynchronous settlement. Submit
// reports false when the claim was not queued; it stays pending for the sweeper.
type Settler interface {
	Submit(gameID string) bool
}

// Publisher broadcasts referee events to live observers.
type Publisher interface {
	Publish(ctx context.Context, ev models.Event)
}

// Referee validates inbound moves and advances the stored games.
type Referee struct {
	store    Store
	engine   chess.Engine
	notifier Notifier
	settler  Settler
	events   Publisher
	log      *zap.SugaredLogger
}

func NewReferee(st Store, engine chess.Engine, notifier Notifier, settler Settler) *Referee {
	return &Referee{
		store:    st,
		engine:   engine,
		notifier: notifier,
		settler:  settler,
		log:      logger.Get(),
	}
}

// SetPublisher attaches an optional event publisher.
func (r *Referee) SetPublisher(p Publisher) {
	r.events = p
}

// SetSettler attaches the settlement pool once it exists.
func (r *Referee) SetSettler(s Settler) {
	r.settler = s
}

func violation(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrRuleViolation, fmt.Sprintf(format, args...))
}

// HandleMessage processes one raw inbound message. mail.ErrParse and
// ErrRuleViolation mean the message was dropped without any state change;
// store errors mean it must be retried.
func (r *Referee) HandleMessage(ctx context.Context, raw []byte) error {
	msg, err := mail.ParseMessage(raw)
	if err != nil {
		return err
	}
	mover, opponent := msg.From, msg.Cc
	if mover == opponent {
		return violation("mover and opponent are both %s", mover)
	}

	gameID, err := r.store.GetOrCreateMatchup(ctx, mover, opponent)
	if err != nil {
		return err
	}

	existing, err := r.store.LoadGame(ctx, gameID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}

	g, board, err := r.selectBoard(ctx, gameID, msg, existing, mover, opponent)
	if err != nil {
		return err
	}

	res, err := r.engine.Apply(board, msg.Move)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRuleViolation, err)
	}

	g.Position = res.Board
	g.State = res.State
	g.FlipTurn()

	switch res.State {
	case models.StateInProgress:
		if err := r.store.CommitMove(ctx, gameID, g, raw, board); err != nil {
			return err
		}
		r.log.Infof("[REFEREE] game %s: %s played %s", gameID, mover, res.Move)
		r.publish(ctx, "move", gameID, res.Move)
		if r.notifier != nil {
			if err := r.notifier.MoveAccepted(ctx, gameID, g, mover, opponent, res.Move); err != nil {
				r.log.Warnf("[REFEREE] game %s: notification failed: %v", gameID, err)
			}
		}
		return nil

	case models.StateCheckmate:
		return r.recordCheckmate(ctx, gameID, g, raw, res.Move, board)

	default:
		if err := r.store.UpsertGame(ctx, gameID, g); err != nil {
			return err
		}
		r.log.Infof("[REFEREE] game %s ended in %s after %s", gameID, res.State, res.Move)
		r.publish(ctx, "game_over", gameID, string(res.State))
		return nil
	}
}

// selectBoard picks the game and board a move is played against.
func (r *Referee) selectBoard(ctx context.Context, gameID string, msg *mail.Message, existing *models.Game, mover, opponent string) (models.Game, string, error) {
	if msg.HasNewGame {
		if existing != nil && existing.State == models.StateCheckmate {
			// Only a dead claim may be abandoned; anything else is still settling.
			rec, err := r.store.LoadSettlement(ctx, gameID)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return models.Game{}, "", err
			}
			if rec != nil && rec.Status != models.SettlementDead {
				return models.Game{}, "", violation("previous game is still being settled")
			}
		}
		return models.NewGame(chess.StartFEN, mover, opponent), chess.StartFEN, nil
	}

	if existing == nil {
		if msg.FEN != "" {
			fen, err := r.engine.Normalize(msg.FEN)
			if err != nil {
				return models.Game{}, "", fmt.Errorf("%w: %w", ErrRuleViolation, err)
			}
			if fen != chess.StartFEN {
				return models.Game{}, "", violation("no game in progress; board must be the start position")
			}
		}
		return models.NewGame(chess.StartFEN, mover, opponent), chess.StartFEN, nil
	}

	if existing.State != models.StateInProgress {
		return models.Game{}, "", violation("game is %s", existing.State)
	}
	if msg.FEN != "" {
		fen, err := r.engine.Normalize(msg.FEN)
		if err != nil {
			return models.Game{}, "", fmt.Errorf("%w: %w", ErrRuleViolation, err)
		}
		if fen != existing.Position {
			return models.Game{}, "", violation("stale board")
		}
	}
	return *existing, existing.Position, nil
}

func (r *Referee) recordCheckmate(ctx context.Context, gameID string, g models.Game, raw []byte, move, board string) error {
	in, err := r.BuildProofInput(ctx, gameID, move, board)
	if err != nil {
		if errors.Is(err, ErrNoEvidence) || errors.Is(err, ErrBrokenChain) {
			return fmt.Errorf("%w: cannot chain checkmate claim: %w", ErrRuleViolation, err)
		}
		return err
	}
	payload, digest, err := EncodeProofInput(in)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRuleViolation, err)
	}

	rec := &models.Settlement{
		TerminalMessage: raw,
		ProofInput:      string(payload),
		PayloadDigest:   digest,
	}
	if err := r.store.RecordTerminal(ctx, gameID, g, rec); err != nil {
		return err
	}
	r.log.Infof("[REFEREE] game %s: checkmate by %s, claim %s recorded", gameID, move, digest[:12])
	r.publish(ctx, "checkmate", gameID, move)

	if r.settler != nil && !r.settler.Submit(gameID) {
		r.log.Warnf("[REFEREE] game %s: settlement queue full; left pending for sweep", gameID)
	}
	return nil
}

func (r *Referee) publish(ctx context.Context, kind, gameID, detail string) {
	if r.events == nil {
		return
	}
	r.events.Publish(ctx, models.Event{Type: kind, GameID: gameID, Detail: detail, At: time.Now().Unix()})
}
