package settlement

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"

	"go.uber.org/zap"

	"github.com/playmatatu/referee/internal/logger"
	"github.com/playmatatu/referee/internal/metrics"
)

// Runner settles one game.
type Runner interface {
	Run(ctx context.Context, gameID string) error
}

// Pool runs settlements on a fixed set of workers. A game always hashes to
// the same worker, so its runs never overlap inside the pool.
type Pool struct {
	runner Runner
	shards []chan string

	mu     sync.Mutex
	queued map[string]struct{}

	wg  sync.WaitGroup
	log *zap.SugaredLogger
}

func NewPool(runner Runner, workers, queueSize int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 1
	}
	shards := make([]chan string, workers)
	for i := range shards {
		shards[i] = make(chan string, queueSize)
	}
	return &Pool{
		runner: runner,
		shards: shards,
		queued: make(map[string]struct{}),
		log:    logger.Get(),
	}
}

// Start launches the workers; they stop when ctx is done.
func (p *Pool) Start(ctx context.Context) {
	for i, ch := range p.shards {
		p.wg.Add(1)
		go p.worker(ctx, i, ch)
	}
	p.log.Infof("[SETTLE] pool started with %d worker(s)", len(p.shards))
}

// Wait blocks until every worker has exited.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Submit queues gameID without blocking. It returns false when the shard
// is full; the record then stays pending for the sweeper.
func (p *Pool) Submit(gameID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.queued[gameID]; ok {
		return true
	}
	select {
	case p.shards[p.shard(gameID)] <- gameID:
		p.queued[gameID] = struct{}{}
		return true
	default:
		metrics.SettleQueueRejected.Inc()
		return false
	}
}

func (p *Pool) shard(gameID string) int {
	h := fnv.New32a()
	h.Write([]byte(gameID))
	return int(h.Sum32() % uint32(len(p.shards)))
}

func (p *Pool) worker(ctx context.Context, idx int, ch <-chan string) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case gameID := <-ch:
			p.mu.Lock()
			delete(p.queued, gameID)
			p.mu.Unlock()

			if err := p.runner.Run(ctx, gameID); err != nil {
				if errors.Is(err, ErrBusy) {
					p.log.Debugf("[SETTLE] worker %d: game %s busy elsewhere", idx, gameID)
					continue
				}
				p.log.Warnf("[SETTLE] worker %d: game %s: %v", idx, gameID, err)
			}
		}
	}
}
