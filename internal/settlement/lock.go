package settlement

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Locker serializes pipeline runs per game.
type Locker interface {
	TryLock(ctx context.Context, gameID string) (release func(), ok bool)
}

// LocalLocker is an in-process in-flight set.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]struct{})}
}

func (l *LocalLocker) TryLock(_ context.Context, gameID string) (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[gameID]; busy {
		return nil, false
	}
	l.held[gameID] = struct{}{}
	return func() {
		l.mu.Lock()
		delete(l.held, gameID)
		l.mu.Unlock()
	}, true
}

const lockPrefix = "referee:settle:lock:"

// Release only deletes the key if we still own it.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker holds a SETNX lease per game so replicas, the sweeper and
// the admin API never run the same claim twice at once.
type RedisLocker struct {
	rdb   *redis.Client
	ttl   time.Duration
	local *LocalLocker
}

func NewRedisLocker(rdb *redis.Client, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &RedisLocker{rdb: rdb, ttl: ttl, local: NewLocalLocker()}
}

func (l *RedisLocker) TryLock(ctx context.Context, gameID string) (func(), bool) {
	releaseLocal, ok := l.local.TryLock(ctx, gameID)
	if !ok {
		return nil, false
	}

	key := lockPrefix + gameID
	token := uuid.NewString()
	acquired, err := l.rdb.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		// Redis down: the local set still guards this process.
		return releaseLocal, true
	}
	if !acquired {
		releaseLocal()
		return nil, false
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		unlockScript.Run(ctx, l.rdb, []string{key}, token)
		releaseLocal()
	}, true
}
