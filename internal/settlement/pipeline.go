package settlement

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/playmatatu/referee/internal/game"
	"github.com/playmatatu/referee/internal/logger"
	"github.com/playmatatu/referee/internal/metrics"
	"github.com/playmatatu/referee/internal/models"
	"github.com/playmatatu/referee/internal/store"
)

// DeadLetterKey is the Redis list dead claims are pushed to.
const DeadLetterKey = "referee:deadletter"

// Options tune a Pipeline. Zero values fall back to defaults.
type Options struct {
	Contract         string
	Identity         string
	ProgramID        string
	ProofDir         string
	PublishTimeout   time.Duration
	ProveTimeout     time.Duration
	BroadcastTimeout time.Duration
	Retries          int
	Backoff          time.Duration
	MaxAttempts      int
}

func (o *Options) setDefaults() {
	if o.Contract == "" {
		o.Contract = "CheckmateVerifierV2"
	}
	if o.PublishTimeout <= 0 {
		o.PublishTimeout = 30 * time.Second
	}
	if o.ProveTimeout <= 0 {
		o.ProveTimeout = 15 * time.Minute
	}
	if o.BroadcastTimeout <= 0 {
		o.BroadcastTimeout = 30 * time.Second
	}
	if o.Retries <= 0 {
		o.Retries = 3
	}
	if o.Backoff <= 0 {
		o.Backoff = 500 * time.Millisecond
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
}

// Pipeline drives one checkmate claim from pending to settled. Every step
// is recorded on the settlement record, so a run can stop anywhere and the
// next run resumes from the last completed step.
type Pipeline struct {
	store    Store
	ledger   Ledger
	prover   Prover
	verifier Verifier
	deriver  Deriver
	archive  Archiver
	locker   Locker
	events   Publisher
	rdb      *redis.Client
	opts     Options
	log      *zap.SugaredLogger
}

func NewPipeline(st Store, ledger Ledger, prover Prover, verifier Verifier, opts Options) *Pipeline {
	opts.setDefaults()
	return &Pipeline{
		store:    st,
		ledger:   ledger,
		prover:   prover,
		verifier: verifier,
		locker:   NewLocalLocker(),
		opts:     opts,
		log:      logger.Get(),
	}
}

// SetDeriver enables Replay.
func (p *Pipeline) SetDeriver(d Deriver) { p.deriver = d }

func (p *Pipeline) SetArchive(a Archiver) { p.archive = a }

func (p *Pipeline) SetPublisher(pub Publisher) { p.events = pub }

// SetRedis switches locking to Redis and enables the dead-letter list.
func (p *Pipeline) SetRedis(rdb *redis.Client, lockTTL time.Duration) {
	if rdb == nil {
		return
	}
	p.rdb = rdb
	p.locker = NewRedisLocker(rdb, lockTTL)
}

// Run advances the claim for gameID as far as it can go. Settled and dead
// records are left alone.
func (p *Pipeline) Run(ctx context.Context, gameID string) error {
	release, ok := p.locker.TryLock(ctx, gameID)
	if !ok {
		return ErrBusy
	}
	defer release()
	return p.run(ctx, gameID)
}

func (p *Pipeline) run(ctx context.Context, gameID string) error {
	rec, err := p.store.LoadSettlement(ctx, gameID)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSettlement, err)
	}
	if rec.Status == models.SettlementSettled || rec.Status == models.SettlementDead {
		return nil
	}

	started := time.Now()
	err = p.advance(ctx, rec)
	metrics.SettlementDuration.Observe(time.Since(started).Seconds())
	if err == nil {
		metrics.SettlementsTotal.WithLabelValues("settled").Inc()
		p.log.Infof("[SETTLE] game %s settled (tx %s)", gameID, rec.TxHandle)
		p.publish(ctx, "settled", gameID, rec.TxHandle)
		return nil
	}
	if ctx.Err() != nil {
		// Shutdown, not a failed attempt.
		return fmt.Errorf("%w: %w", ErrSettlement, err)
	}

	rec.Attempts++
	rec.LastError = err.Error()
	if errors.Is(err, ErrRejected) || rec.Attempts >= p.opts.MaxAttempts {
		rec.Status = models.SettlementDead
		metrics.SettlementsTotal.WithLabelValues("dead").Inc()
		p.log.Errorf("[SETTLE] game %s dead after %d attempt(s): %v", gameID, rec.Attempts, err)
		p.deadLetter(ctx, gameID)
		p.publish(ctx, "settlement_dead", gameID, rec.LastError)
	} else {
		metrics.SettlementsTotal.WithLabelValues("retry").Inc()
		p.log.Warnf("[SETTLE] game %s attempt %d failed at %s: %v", gameID, rec.Attempts, rec.Status, err)
	}
	if serr := p.store.SaveSettlement(ctx, rec); serr != nil {
		p.log.Errorf("[SETTLE] game %s: failed to record attempt: %v", gameID, serr)
	}
	return fmt.Errorf("%w: %w", ErrSettlement, err)
}

func (p *Pipeline) advance(ctx context.Context, rec *models.Settlement) error {
	proofInput := json.RawMessage(rec.ProofInput)

	if rec.TxHandle == "" {
		var tx string
		err := p.call(ctx, "publish", p.opts.PublishTimeout, func(ctx context.Context) error {
			var err error
			tx, err = p.ledger.Publish(ctx, PublishRequest{
				Identity:     p.opts.Identity,
				Contract:     p.opts.Contract,
				Payload:      base64.StdEncoding.EncodeToString(proofInput),
				InitialState: NullState,
				ProofInput:   proofInput,
				Digest:       rec.PayloadDigest,
			})
			return err
		})
		if err != nil {
			return err
		}
		if tx == "" {
			return fmt.Errorf("publish: %w: empty tx handle", ErrPermanent)
		}
		rec.TxHandle = tx
		rec.Status = models.SettlementPublished
		if err := p.store.SaveSettlement(ctx, rec); err != nil {
			return err
		}
		p.log.Infof("[SETTLE] game %s published as %s", rec.GameID, tx)
	}

	var receipt models.Receipt
	if len(rec.Receipt) == 0 {
		var got *models.Receipt
		err := p.call(ctx, "prove", p.opts.ProveTimeout, func(ctx context.Context) error {
			var err error
			got, err = p.prover.Prove(ctx, ProveRequest{
				TxHandle:     rec.TxHandle,
				Identity:     p.opts.Identity,
				InitialState: NullState,
				ProofInput:   proofInput,
			})
			return err
		})
		if err != nil {
			return err
		}
		blob, err := json.Marshal(got)
		if err != nil {
			return err
		}
		rec.Receipt = blob
		rec.Status = models.SettlementProved
		if err := p.store.SaveSettlement(ctx, rec); err != nil {
			return err
		}
		p.writeProofFile(rec.GameID, blob)
		receipt = *got
	} else if err := json.Unmarshal(rec.Receipt, &receipt); err != nil {
		return fmt.Errorf("%w: stored receipt: %v", ErrRejected, err)
	}

	if err := p.check(rec, &receipt); err != nil {
		return err
	}

	if rec.Status != models.SettlementBroadcast {
		err := p.call(ctx, "broadcast", p.opts.BroadcastTimeout, func(ctx context.Context) error {
			return p.ledger.Broadcast(ctx, BroadcastRequest{
				TxHandle:     rec.TxHandle,
				Contract:     p.opts.Contract,
				PayloadIndex: PayloadIndex,
				Receipt:      rec.Receipt,
			})
		})
		if err != nil {
			return err
		}
		rec.Status = models.SettlementBroadcast
		if err := p.store.SaveSettlement(ctx, rec); err != nil {
			return err
		}
	}

	if err := p.archiveRecord(ctx, rec); err != nil {
		return err
	}
	if err := p.store.FinalizeSettlement(ctx, rec.GameID); err != nil {
		return err
	}
	rec.Status = models.SettlementSettled
	return nil
}

// check self-verifies a receipt before it is broadcast.
func (p *Pipeline) check(rec *models.Settlement, receipt *models.Receipt) error {
	if err := p.verifier.Verify(receipt, p.opts.ProgramID); err != nil {
		p.log.Errorf("[SETTLE] game %s: receipt failed verification: %v", rec.GameID, err)
		return fmt.Errorf("%w: verify: %v", ErrRejected, err)
	}
	if !receipt.Journal.Success {
		return fmt.Errorf("%w: program outcome is false", ErrRejected)
	}
	if game.Digest(receipt.Journal.Payloads) != rec.PayloadDigest {
		return fmt.Errorf("%w: receipt covers a different claim", ErrRejected)
	}
	if receipt.Journal.TxHash != rec.TxHandle {
		return fmt.Errorf("%w: receipt names tx %s, want %s", ErrRejected, receipt.Journal.TxHash, rec.TxHandle)
	}
	return nil
}

// call runs fn with its own timeout, retrying transient failures with
// exponential backoff.
func (p *Pipeline) call(ctx context.Context, name string, timeout time.Duration, fn func(context.Context) error) error {
	var err error
	for attempt := 0; attempt < p.opts.Retries; attempt++ {
		if attempt > 0 {
			wait := p.opts.Backoff << (attempt - 1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}
		cctx, cancel := context.WithTimeout(ctx, timeout)
		err = fn(cctx)
		cancel()
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrRejected) || errors.Is(err, ErrPermanent) || ctx.Err() != nil {
			break
		}
		p.log.Debugf("[SETTLE] %s attempt %d failed: %v", name, attempt+1, err)
	}
	return fmt.Errorf("%s: %w", name, err)
}

func (p *Pipeline) archiveRecord(ctx context.Context, rec *models.Settlement) error {
	if p.archive == nil {
		return nil
	}
	ar := models.AuditRecord{
		GameID:          rec.GameID,
		TerminalMessage: string(rec.TerminalMessage),
		TxHandle:        rec.TxHandle,
		PayloadDigest:   rec.PayloadDigest,
		ReceiptDigest:   game.Digest(rec.Receipt),
		SettledAt:       time.Now().UTC(),
	}
	g, err := p.store.LoadGame(ctx, rec.GameID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if g != nil {
		ar.Players = g.Players
		ar.FinalPosition = g.Position
	}
	ev, err := p.store.LoadEvidence(ctx, rec.GameID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if ev != nil {
		ar.Evidence = string(ev.RawMessage)
	}
	if err := p.archive.Append(ar); err != nil {
		return fmt.Errorf("archive: %w", err)
	}
	return nil
}

func (p *Pipeline) writeProofFile(gameID string, blob []byte) {
	if p.opts.ProofDir == "" {
		return
	}
	if err := os.MkdirAll(p.opts.ProofDir, 0o755); err != nil {
		p.log.Warnf("[SETTLE] proof dir: %v", err)
		return
	}
	path := filepath.Join(p.opts.ProofDir, gameID+".json")
	if err := os.WriteFile(path, blob, 0o644); err != nil {
		p.log.Warnf("[SETTLE] write %s: %v", path, err)
	}
}

func (p *Pipeline) deadLetter(ctx context.Context, gameID string) {
	if p.rdb == nil {
		return
	}
	if err := p.rdb.LPush(ctx, DeadLetterKey, gameID).Err(); err != nil {
		p.log.Warnf("[SETTLE] dead-letter push for %s failed: %v", gameID, err)
	}
}

func (p *Pipeline) publish(ctx context.Context, kind, gameID, detail string) {
	if p.events == nil {
		return
	}
	p.events.Publish(ctx, models.Event{Type: kind, GameID: gameID, Detail: detail, At: time.Now().Unix()})
}

// Replay re-arms the claim for gameID and runs it in the caller's context.
// Replaying a settled claim is a no-op.
func (p *Pipeline) Replay(ctx context.Context, gameID string) error {
	release, ok := p.locker.TryLock(ctx, gameID)
	if !ok {
		return ErrBusy
	}
	defer release()

	armed, err := p.rearm(ctx, gameID)
	if err != nil || !armed {
		return err
	}
	return p.run(ctx, gameID)
}

// Rearm re-derives the claim for gameID from stored evidence and the
// recorded terminal message and resets the record to pending without
// running it. The game must still be the checkmated game the claim was
// recorded for.
func (p *Pipeline) Rearm(ctx context.Context, gameID string) error {
	release, ok := p.locker.TryLock(ctx, gameID)
	if !ok {
		return ErrBusy
	}
	defer release()

	_, err := p.rearm(ctx, gameID)
	return err
}

func (p *Pipeline) rearm(ctx context.Context, gameID string) (bool, error) {
	if p.deriver == nil {
		return false, fmt.Errorf("%w: replay not configured", ErrSettlement)
	}

	rec, err := p.store.LoadSettlement(ctx, gameID)
	if err != nil {
		return false, err
	}
	if rec.Status == models.SettlementSettled {
		p.log.Infof("[SETTLE] replay %s: already settled", gameID)
		return false, nil
	}

	g, err := p.store.LoadGame(ctx, gameID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return false, fmt.Errorf("%w: game %s no longer exists", ErrRejected, gameID)
	case err != nil:
		return false, err
	case g.State != models.StateCheckmate:
		return false, fmt.Errorf("%w: game %s is %s, not checkmate", ErrRejected, gameID, g.State)
	}

	payload, digest, err := p.deriver.Rederive(ctx, gameID, rec.TerminalMessage)
	if err != nil {
		return false, fmt.Errorf("%w: rederive: %w", ErrSettlement, err)
	}
	if digest != rec.PayloadDigest {
		p.log.Warnf("[SETTLE] replay %s: stored claim %s differs from evidence %s; using evidence", gameID, rec.PayloadDigest, digest)
	}
	if err := p.store.ResetSettlement(ctx, gameID, string(payload), digest); err != nil {
		return false, err
	}
	p.log.Infof("[SETTLE] replay %s: record re-armed", gameID)
	return true, nil
}
