package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/playmatatu/referee/internal/models"
)

var (
	// ErrNotFound is returned when a keyed row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrStore wraps every failure of the backing database.
	ErrStore = errors.New("store error")
)

const (
	watermarkKey     = "poll_watermark"
	watermarkSeenKey = "poll_watermark_seen"
)

// Store persists games, matchups, evidence and settlement records.
// Queries use ? placeholders and are rebound for the active driver.
type Store struct {
	db  *sqlx.DB
	now func() time.Time
}

func New(db *sqlx.DB) *Store {
	return &Store{db: db, now: time.Now}
}

func wrap(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStore, op, err)
}

func (s *Store) q(query string) string {
	return s.db.Rebind(query)
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return wrap("ping", err)
	}
	return nil
}

// GetOrCreateMatchup returns the game ID for the unordered pair {a, b},
// creating it on first contact.
func (s *Store) GetOrCreateMatchup(ctx context.Context, a, b string) (string, error) {
	p1, p2 := pair(a, b)

	var id string
	err := s.db.GetContext(ctx, &id, s.q(`SELECT game_id FROM matchups WHERE player1=? AND player2=?`), p1, p2)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", wrap("get matchup", err)
	}

	_, err = s.db.ExecContext(ctx, s.q(`
		INSERT INTO matchups (player1, player2, game_id) VALUES (?, ?, ?)
		ON CONFLICT (player1, player2) DO NOTHING
	`), p1, p2, uuid.NewString())
	if err != nil {
		return "", wrap("create matchup", err)
	}

	// Re-read so a concurrent insert wins consistently.
	if err := s.db.GetContext(ctx, &id, s.q(`SELECT game_id FROM matchups WHERE player1=? AND player2=?`), p1, p2); err != nil {
		return "", wrap("get matchup", err)
	}
	return id, nil
}

// pair orders two normalized addresses so the primary key is order independent.
func pair(a, b string) (string, string) {
	p := []string{normalize(a), normalize(b)}
	sort.Strings(p)
	return p[0], p[1]
}

func normalize(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// UpsertGame replaces the stored game and stamps last_update.
func (s *Store) UpsertGame(ctx context.Context, gameID string, g models.Game) error {
	if err := s.upsertGame(ctx, s.db, gameID, g); err != nil {
		return wrap("upsert game", err)
	}
	return nil
}

func (s *Store) upsertGame(ctx context.Context, ex sqlx.ExecerContext, gameID string, g models.Game) error {
	data, err := json.Marshal(g)
	if err != nil {
		return err
	}
	_, err = ex.ExecContext(ctx, s.q(`
		INSERT INTO games (game_id, game_data, last_update) VALUES (?, ?, ?)
		ON CONFLICT (game_id) DO UPDATE SET
			game_data = excluded.game_data,
			last_update = excluded.last_update
	`), gameID, string(data), s.now().Unix())
	return err
}

// LoadGame returns the live game or ErrNotFound.
func (s *Store) LoadGame(ctx context.Context, gameID string) (*models.Game, error) {
	var data string
	err := s.db.GetContext(ctx, &data, s.q(`SELECT game_data FROM games WHERE game_id=?`), gameID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrap("load game", err)
	}
	var g models.Game
	if err := json.Unmarshal([]byte(data), &g); err != nil {
		return nil, wrap("decode game", err)
	}
	return &g, nil
}

// DeleteGame removes the game row only; the matchup stays.
func (s *Store) DeleteGame(ctx context.Context, gameID string) error {
	if _, err := s.db.ExecContext(ctx, s.q(`DELETE FROM games WHERE game_id=?`), gameID); err != nil {
		return wrap("delete game", err)
	}
	return nil
}

// StoreEvidence overwrites the single evidence slot for a game.
func (s *Store) StoreEvidence(ctx context.Context, gameID string, raw []byte, board string) error {
	if err := s.storeEvidence(ctx, s.db, gameID, raw, board); err != nil {
		return wrap("store evidence", err)
	}
	return nil
}

func (s *Store) storeEvidence(ctx context.Context, ex sqlx.ExecerContext, gameID string, raw []byte, board string) error {
	_, err := ex.ExecContext(ctx, s.q(`
		INSERT INTO evidence (game_id, raw_message, board, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (game_id) DO UPDATE SET
			raw_message = excluded.raw_message,
			board = excluded.board,
			updated_at = excluded.updated_at
	`), gameID, raw, board, s.now().Unix())
	return err
}

// LoadEvidence returns the stored evidence or ErrNotFound.
func (s *Store) LoadEvidence(ctx context.Context, gameID string) (*models.Evidence, error) {
	var ev models.Evidence
	err := s.db.GetContext(ctx, &ev, s.q(`SELECT game_id, raw_message, board, updated_at FROM evidence WHERE game_id=?`), gameID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrap("load evidence", err)
	}
	return &ev, nil
}

func (s *Store) DeleteEvidence(ctx context.Context, gameID string) error {
	if _, err := s.db.ExecContext(ctx, s.q(`DELETE FROM evidence WHERE game_id=?`), gameID); err != nil {
		return wrap("delete evidence", err)
	}
	return nil
}

// CommitMove persists an accepted non-terminal move: the new game state and
// the message that carried it, atomically.
func (s *Store) CommitMove(ctx context.Context, gameID string, g models.Game, raw []byte, board string) error {
	return s.inTx(ctx, "commit move", func(tx *sqlx.Tx) error {
		if err := s.upsertGame(ctx, tx, gameID, g); err != nil {
			return err
		}
		return s.storeEvidence(ctx, tx, gameID, raw, board)
	})
}

// RecordTerminal persists a checkmated game together with a fresh pending
// settlement record. Any earlier record for the same game is replaced.
func (s *Store) RecordTerminal(ctx context.Context, gameID string, g models.Game, rec *models.Settlement) error {
	now := s.now().Unix()
	rec.GameID = gameID
	rec.Status = models.SettlementPending
	rec.TxHandle = ""
	rec.Receipt = nil
	rec.Attempts = 0
	rec.LastError = ""
	rec.CreatedAt = now
	rec.UpdatedAt = now

	return s.inTx(ctx, "record terminal", func(tx *sqlx.Tx) error {
		if err := s.upsertGame(ctx, tx, gameID, g); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, s.q(`
			INSERT INTO settlements (game_id, status, terminal_message, proof_input, payload_digest,
				tx_handle, receipt, attempts, last_error, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (game_id) DO UPDATE SET
				status = excluded.status,
				terminal_message = excluded.terminal_message,
				proof_input = excluded.proof_input,
				payload_digest = excluded.payload_digest,
				tx_handle = excluded.tx_handle,
				receipt = excluded.receipt,
				attempts = excluded.attempts,
				last_error = excluded.last_error,
				created_at = excluded.created_at,
				updated_at = excluded.updated_at
		`), rec.GameID, string(rec.Status), rec.TerminalMessage, rec.ProofInput, rec.PayloadDigest,
			rec.TxHandle, rec.Receipt, rec.Attempts, rec.LastError, rec.CreatedAt, rec.UpdatedAt)
		return err
	})
}

const settlementColumns = `game_id, status, terminal_message, proof_input, payload_digest,
	tx_handle, receipt, attempts, last_error, created_at, updated_at`

// LoadSettlement returns the settlement record or ErrNotFound.
func (s *Store) LoadSettlement(ctx context.Context, gameID string) (*models.Settlement, error) {
	var rec models.Settlement
	err := s.db.GetContext(ctx, &rec, s.q(`SELECT `+settlementColumns+` FROM settlements WHERE game_id=?`), gameID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrap("load settlement", err)
	}
	return &rec, nil
}

// SaveSettlement writes the mutable pipeline fields of a record.
func (s *Store) SaveSettlement(ctx context.Context, rec *models.Settlement) error {
	rec.UpdatedAt = s.now().Unix()
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE settlements SET status=?, tx_handle=?, receipt=?, attempts=?, last_error=?, updated_at=?
		WHERE game_id=?
	`), string(rec.Status), rec.TxHandle, rec.Receipt, rec.Attempts, rec.LastError, rec.UpdatedAt, rec.GameID)
	if err != nil {
		return wrap("save settlement", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListSettlements returns records in any of the given states, oldest first.
// With no states it returns every record.
func (s *Store) ListSettlements(ctx context.Context, statuses ...models.SettlementStatus) ([]models.Settlement, error) {
	query := `SELECT ` + settlementColumns + ` FROM settlements`
	var args []interface{}
	if len(statuses) > 0 {
		names := make([]string, len(statuses))
		for i, st := range statuses {
			names[i] = string(st)
		}
		var err error
		query, args, err = sqlx.In(query+` WHERE status IN (?)`, names)
		if err != nil {
			return nil, wrap("list settlements", err)
		}
	}
	query += ` ORDER BY created_at, game_id`

	recs := []models.Settlement{}
	if err := s.db.SelectContext(ctx, &recs, s.q(query), args...); err != nil {
		return nil, wrap("list settlements", err)
	}
	return recs, nil
}

// ResetSettlement re-arms a record with a re-derived proof input. The tx
// handle is kept since publication is content addressed; the receipt is
// dropped so the proof is produced again.
func (s *Store) ResetSettlement(ctx context.Context, gameID, proofInput, digest string) error {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE settlements SET
			status = CASE WHEN tx_handle = '' OR payload_digest <> ? THEN ? ELSE ? END,
			tx_handle = CASE WHEN payload_digest <> ? THEN '' ELSE tx_handle END,
			proof_input=?, payload_digest=?, receipt=NULL, attempts=0, last_error='', updated_at=?
		WHERE game_id=?
	`), digest, string(models.SettlementPending), string(models.SettlementPublished),
		digest, proofInput, digest, s.now().Unix(), gameID)
	if err != nil {
		return wrap("reset settlement", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// FinalizeSettlement deletes the settled game and its evidence and marks
// the record settled, in one transaction.
func (s *Store) FinalizeSettlement(ctx context.Context, gameID string) error {
	return s.inTx(ctx, "finalize settlement", func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM games WHERE game_id=?`), gameID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM evidence WHERE game_id=?`), gameID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, s.q(`UPDATE settlements SET status=?, last_error='', updated_at=? WHERE game_id=?`),
			string(models.SettlementSettled), s.now().Unix(), gameID)
		return err
	})
}

// LoadWatermark returns the persisted poll watermark and the digests of
// the messages already handled at that instant; ok is false when none has
// been saved yet.
func (s *Store) LoadWatermark(ctx context.Context) (time.Time, []string, bool, error) {
	var v string
	err := s.db.GetContext(ctx, &v, s.q(`SELECT value FROM meta WHERE key=?`), watermarkKey)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil, false, nil
	}
	if err != nil {
		return time.Time{}, nil, false, wrap("load watermark", err)
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, nil, false, wrap("decode watermark", err)
	}

	var raw string
	err = s.db.GetContext(ctx, &raw, s.q(`SELECT value FROM meta WHERE key=?`), watermarkSeenKey)
	if errors.Is(err, sql.ErrNoRows) {
		return t, nil, true, nil
	}
	if err != nil {
		return time.Time{}, nil, false, wrap("load watermark", err)
	}
	var seen []string
	if err := json.Unmarshal([]byte(raw), &seen); err != nil {
		return time.Time{}, nil, false, wrap("decode watermark", err)
	}
	return t, seen, true, nil
}

// SaveWatermark stores the watermark together with the digests handled at it.
func (s *Store) SaveWatermark(ctx context.Context, t time.Time, seen []string) error {
	if seen == nil {
		seen = []string{}
	}
	b, err := json.Marshal(seen)
	if err != nil {
		return wrap("encode watermark", err)
	}
	return s.inTx(ctx, "save watermark", func(tx *sqlx.Tx) error {
		upsert := s.q(`
			INSERT INTO meta (key, value) VALUES (?, ?)
			ON CONFLICT (key) DO UPDATE SET value = excluded.value
		`)
		if _, err := tx.ExecContext(ctx, upsert, watermarkKey, t.UTC().Format(time.RFC3339Nano)); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, upsert, watermarkSeenKey, string(b))
		return err
	})
}

// BuryMessage records an inbound message that kept failing so intake can
// move past it. Burying the same message twice keeps the first record.
func (s *Store) BuryMessage(ctx context.Context, digest string, received time.Time, raw []byte, reason string) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO intake_dead_letters (digest, received_at, raw_message, reason, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (digest) DO NOTHING
	`), digest, received.UTC().UnixNano(), raw, reason, s.now().Unix())
	if err != nil {
		return wrap("bury message", err)
	}
	return nil
}

// ListDeadLetters returns buried messages, oldest first.
func (s *Store) ListDeadLetters(ctx context.Context) ([]models.DeadLetter, error) {
	var out []models.DeadLetter
	err := s.db.SelectContext(ctx, &out, s.q(`
		SELECT digest, received_at, raw_message, reason, created_at
		FROM intake_dead_letters ORDER BY received_at
	`))
	if err != nil {
		return nil, wrap("list dead letters", err)
	}
	return out, nil
}

func (s *Store) inTx(ctx context.Context, op string, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return wrap(op, err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return wrap(op, err)
	}
	if err := tx.Commit(); err != nil {
		return wrap(op, err)
	}
	return nil
}
