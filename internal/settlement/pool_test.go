package settlement

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingRunner struct {
	mu   sync.Mutex
	seen map[string]int
	done chan string
}

func (r *recordingRunner) Run(_ context.Context, gameID string) error {
	r.mu.Lock()
	r.seen[gameID]++
	r.mu.Unlock()
	r.done <- gameID
	return nil
}

func TestPoolRunsSubmittedGames(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runner := &recordingRunner{seen: map[string]int{}, done: make(chan string, 8)}
	pool := NewPool(runner, 3, 4)
	pool.Start(ctx)

	for _, id := range []string{"a", "b", "c"} {
		require.True(t, pool.Submit(id))
	}
	got := map[string]bool{}
	for i := 0; i < 3; i++ {
		select {
		case id := <-runner.done:
			got[id] = true
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for settlement runs")
		}
	}
	assert.Equal(t, map[string]bool{"a": true, "b": true, "c": true}, got)

	cancel()
	pool.Wait()
}

func TestPoolSubmitIsNonBlocking(t *testing.T) {
	runner := &recordingRunner{seen: map[string]int{}, done: make(chan string, 8)}
	pool := NewPool(runner, 1, 1) // not started: nothing drains the queue

	assert.True(t, pool.Submit("a"))
	assert.True(t, pool.Submit("a"), "already queued counts as accepted")
	assert.False(t, pool.Submit("b"), "full shard rejects")
}

func TestPoolShardIsStable(t *testing.T) {
	pool := NewPool(&recordingRunner{}, 8, 1)
	for _, id := range []string{"g1", "g2", "3f0c"} {
		assert.Equal(t, pool.shard(id), pool.shard(id))
		assert.Less(t, pool.shard(id), 8)
	}
}

func TestLocalLocker(t *testing.T) {
	l := NewLocalLocker()
	release, ok := l.TryLock(context.Background(), "g")
	require.True(t, ok)
	_, ok = l.TryLock(context.Background(), "g")
	assert.False(t, ok)
	_, ok = l.TryLock(context.Background(), "other")
	assert.True(t, ok)
	release()
	_, ok = l.TryLock(context.Background(), "g")
	assert.True(t, ok)
}

type fakeSubmitter struct{ ids []string }

func (f *fakeSubmitter) Submit(id string) bool {
	f.ids = append(f.ids, id)
	return true
}

func TestSweepSubmitsResumableOnly(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.record(t, "pending", foolsMate(t))
	f.record(t, "done", foolsMate(t))
	require.NoError(t, f.pipe.Run(ctx, "done"))

	sub := &fakeSubmitter{}
	n := Sweep(ctx, f.store, sub)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"pending"}, sub.ids)
}
