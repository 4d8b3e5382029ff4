package poller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Mark is the persisted poll position: the receive time of the last handled
// message and the digests of every message handled at exactly that time.
// INTERNALDATE has one-second resolution, so several messages can share At.
type Mark struct {
	At   time.Time `json:"at"`
	Seen []string  `json:"seen,omitempty"`
}

// Cursor persists the poll watermark across restarts.
type Cursor interface {
	Load(ctx context.Context) (Mark, bool, error)
	Save(ctx context.Context, m Mark) error
}

// WatermarkKey is the Redis key of the watermark.
const WatermarkKey = "referee:watermark"

// RedisCursor keeps the mark as JSON in Redis.
type RedisCursor struct {
	rdb *redis.Client
	key string
}

func NewRedisCursor(rdb *redis.Client) *RedisCursor {
	return &RedisCursor{rdb: rdb, key: WatermarkKey}
}

func (c *RedisCursor) Load(ctx context.Context) (Mark, bool, error) {
	v, err := c.rdb.Get(ctx, c.key).Result()
	if errors.Is(err, redis.Nil) {
		return Mark{}, false, nil
	}
	if err != nil {
		return Mark{}, false, fmt.Errorf("load watermark: %w", err)
	}
	// Older deployments stored bare unix nanoseconds.
	if ns, perr := strconv.ParseInt(v, 10, 64); perr == nil {
		return Mark{At: time.Unix(0, ns).UTC()}, true, nil
	}
	var m Mark
	if err := json.Unmarshal([]byte(v), &m); err != nil {
		return Mark{}, false, fmt.Errorf("decode watermark: %w", err)
	}
	return m, true, nil
}

func (c *RedisCursor) Save(ctx context.Context, m Mark) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	if err := c.rdb.Set(ctx, c.key, b, 0).Err(); err != nil {
		return fmt.Errorf("save watermark: %w", err)
	}
	return nil
}

// WatermarkStore is the SQL side of the cursor.
type WatermarkStore interface {
	LoadWatermark(ctx context.Context) (time.Time, []string, bool, error)
	SaveWatermark(ctx context.Context, t time.Time, seen []string) error
}

// SQLCursor keeps the mark in the meta table.
type SQLCursor struct {
	st WatermarkStore
}

func NewSQLCursor(st WatermarkStore) *SQLCursor {
	return &SQLCursor{st: st}
}

func (c *SQLCursor) Load(ctx context.Context) (Mark, bool, error) {
	t, seen, ok, err := c.st.LoadWatermark(ctx)
	if err != nil || !ok {
		return Mark{}, false, err
	}
	return Mark{At: t, Seen: seen}, true, nil
}

func (c *SQLCursor) Save(ctx context.Context, m Mark) error {
	return c.st.SaveWatermark(ctx, m.At, m.Seen)
}
