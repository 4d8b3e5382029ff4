package poller

import (
	"context"
	"errors"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/playmatatu/referee/internal/game"
	"github.com/playmatatu/referee/internal/logger"
	"github.com/playmatatu/referee/internal/mail"
	"github.com/playmatatu/referee/internal/metrics"
)

// Handler processes one raw message.
type Handler interface {
	HandleMessage(ctx context.Context, raw []byte) error
}

// DeadLetter keeps messages intake gave up on.
type DeadLetter interface {
	BuryMessage(ctx context.Context, digest string, received time.Time, raw []byte, reason string) error
}

// DefaultMaxFailures is how many cycles a message may fail before it is buried.
const DefaultMaxFailures = 10

// Poller fetches the mailbox on an interval and feeds new messages, oldest
// first, to the handler. The watermark only moves past a message once that
// message has been fully handled or deliberately dropped.
type Poller struct {
	fetcher  mail.Fetcher
	handler  Handler
	cursor   Cursor
	interval time.Duration
	backfill bool
	now      func() time.Time

	dead        DeadLetter
	maxFailures int

	watermark time.Time
	loaded    bool
	// Digests of messages handled at exactly the watermark; persisted with it.
	atMark map[string]struct{}
	// Consecutive failed cycles per message digest.
	failures map[string]int
	log      *zap.SugaredLogger
}

func New(fetcher mail.Fetcher, handler Handler, cursor Cursor, interval time.Duration, backfill bool) *Poller {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	return &Poller{
		fetcher:  fetcher,
		handler:  handler,
		cursor:   cursor,
		interval: interval,
		backfill: backfill,
		now:      time.Now,
		failures: make(map[string]int),
		log:      logger.Get(),
	}
}

// SetDeadLetter lets intake bury a message after maxFailures failed cycles
// instead of retrying it forever. Without it a failing message holds the
// watermark until it succeeds.
func (p *Poller) SetDeadLetter(d DeadLetter, maxFailures int) {
	if maxFailures <= 0 {
		maxFailures = DefaultMaxFailures
	}
	p.dead = d
	p.maxFailures = maxFailures
}

// Watermark returns the receive time of the last handled message.
func (p *Poller) Watermark() time.Time {
	return p.watermark
}

// Run polls until ctx is done. Cycle errors are logged and the loop goes on.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.log.Infof("[POLL] Poll loop started (every %s)", p.interval)
	for {
		if err := p.Cycle(ctx); err != nil && ctx.Err() == nil {
			p.log.Warnf("[POLL] cycle failed: %v", err)
		}
		select {
		case <-ctx.Done():
			p.log.Infof("[POLL] Poll loop stopped")
			return
		case <-ticker.C:
		}
	}
}

func (p *Poller) init(ctx context.Context) error {
	if p.loaded {
		return nil
	}
	m, ok, err := p.cursor.Load(ctx)
	if err != nil {
		return err
	}
	switch {
	case ok:
		p.watermark = m.At
		p.atMark = make(map[string]struct{}, len(m.Seen))
		for _, d := range m.Seen {
			p.atMark[d] = struct{}{}
		}
	case p.backfill:
		p.watermark = time.Time{}
	default:
		p.watermark = p.now()
		if err := p.cursor.Save(ctx, Mark{At: p.watermark}); err != nil {
			return err
		}
	}
	p.loaded = true
	p.log.Infof("[POLL] watermark %s", p.watermark.Format(time.RFC3339Nano))
	return nil
}

// Cycle runs one fetch-and-handle pass.
func (p *Poller) Cycle(ctx context.Context) error {
	if err := p.init(ctx); err != nil {
		return err
	}

	envs, err := p.fetcher.Fetch(ctx, p.watermark)
	if err != nil {
		return err
	}

	fresh := envs[:0]
	for _, env := range envs {
		if p.isNew(env) {
			fresh = append(fresh, env)
		}
	}
	sort.SliceStable(fresh, func(i, j int) bool { return fresh[i].Received.Before(fresh[j].Received) })

	for _, env := range fresh {
		if err := ctx.Err(); err != nil {
			return err
		}
		digest := game.Digest(env.Raw)
		err := p.handler.HandleMessage(ctx, env.Raw)
		switch {
		case err == nil:
			metrics.MessagesTotal.WithLabelValues("accepted").Inc()
		case errors.Is(err, mail.ErrParse):
			metrics.MessagesTotal.WithLabelValues("parse_error").Inc()
			p.log.Infof("[POLL] dropped message received %s: %v", env.Received.Format(time.RFC3339), err)
		case errors.Is(err, game.ErrRuleViolation):
			metrics.MessagesTotal.WithLabelValues("rule_violation").Inc()
			p.log.Infof("[POLL] rejected move received %s: %v", env.Received.Format(time.RFC3339), err)
		default:
			metrics.MessagesTotal.WithLabelValues("store_error").Inc()
			if berr := p.bury(ctx, env, digest, err); berr != nil {
				// Not handled: leave the watermark so the message is retried.
				return berr
			}
		}
		delete(p.failures, digest)

		if err := p.advance(ctx, env.Received, digest); err != nil {
			return err
		}
	}
	return nil
}

// bury counts a failed attempt at env and, once it has failed maxFailures
// cycles, moves it to the dead-letter store. It returns nil only when the
// message was buried and intake may move past it.
func (p *Poller) bury(ctx context.Context, env mail.Envelope, digest string, cause error) error {
	p.failures[digest]++
	n := p.failures[digest]
	if p.dead == nil || n < p.maxFailures {
		return cause
	}
	if err := p.dead.BuryMessage(ctx, digest, env.Received, env.Raw, cause.Error()); err != nil {
		p.log.Warnf("[POLL] could not bury message received %s: %v", env.Received.Format(time.RFC3339), err)
		return cause
	}
	metrics.MessagesTotal.WithLabelValues("dead_letter").Inc()
	p.log.Errorf("[POLL] buried message received %s after %d failed cycles: %v",
		env.Received.Format(time.RFC3339), n, cause)
	return nil
}

func (p *Poller) advance(ctx context.Context, received time.Time, digest string) error {
	seen := map[string]struct{}{digest: {}}
	if received.Equal(p.watermark) {
		for d := range p.atMark {
			seen[d] = struct{}{}
		}
	}
	m := Mark{At: received, Seen: make([]string, 0, len(seen))}
	for d := range seen {
		m.Seen = append(m.Seen, d)
	}
	sort.Strings(m.Seen)

	if err := p.cursor.Save(ctx, m); err != nil {
		return err
	}
	p.atMark = seen
	p.watermark = received
	metrics.Watermark.Set(float64(received.UnixNano()) / 1e9)
	return nil
}

func (p *Poller) isNew(env mail.Envelope) bool {
	if env.Received.After(p.watermark) {
		return true
	}
	if !env.Received.Equal(p.watermark) || p.atMark == nil {
		return false
	}
	_, seen := p.atMark[game.Digest(env.Raw)]
	return !seen
}
