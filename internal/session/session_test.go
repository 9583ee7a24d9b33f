package session

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// countingStore counts session creations.
type countingStore struct {
	*MemoryStore
	created atomic.Int32
}

func (s *countingStore) Put(ctx context.Context, sess Session) error {
	if sess.Turns == 0 {
		s.created.Add(1)
		// Widen the window in which concurrent callers could race.
		time.Sleep(10 * time.Millisecond)
	}
	return s.MemoryStore.Put(ctx, sess)
}

func TestKeyFrom(t *testing.T) {
	h := http.Header{}
	assert.Empty(t, KeyFrom(h, ""))
	assert.Equal(t, "user-1", KeyFrom(h, " user-1 "))

	h.Set(Header, "explicit")
	assert.Equal(t, "explicit", KeyFrom(h, "user-1"))
}

func TestAcquireReusesSession(t *testing.T) {
	c := &clock{now: time.Unix(1_700_000_000, 0)}
	r := NewRegistry(NewMemoryStore(), WithClock(c.Now), WithInactivityTimeout(time.Minute))
	ctx := context.Background()

	first, err := r.Acquire(ctx, "conv")
	require.NoError(t, err)
	assert.Equal(t, "conv", first.ID)
	assert.Equal(t, 1, first.Turns)
	assert.Contains(t, first.UpstreamID, "_account__session_")
	assert.NotContains(t, first.UpstreamID, "conv")

	c.Advance(30 * time.Second)
	second, err := r.Acquire(ctx, "conv")
	require.NoError(t, err)
	assert.Equal(t, first.UpstreamID, second.UpstreamID)
	assert.Equal(t, 2, second.Turns)
	assert.Equal(t, c.Now(), second.LastUsed)
}

func TestAcquireReplacesExpiredSession(t *testing.T) {
	c := &clock{now: time.Unix(1_700_000_000, 0)}
	r := NewRegistry(NewMemoryStore(), WithClock(c.Now), WithInactivityTimeout(time.Minute))
	ctx := context.Background()

	first, err := r.Acquire(ctx, "conv")
	require.NoError(t, err)

	c.Advance(2 * time.Minute)
	second, err := r.Acquire(ctx, "conv")
	require.NoError(t, err)
	assert.NotEqual(t, first.UpstreamID, second.UpstreamID)
	assert.Equal(t, 1, second.Turns)
}

func TestAcquireWithoutKeyCreatesFreshSessions(t *testing.T) {
	r := NewRegistry(NewMemoryStore())
	a, err := r.Acquire(context.Background(), "")
	require.NoError(t, err)
	b, err := r.Acquire(context.Background(), "")
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestAcquireCreatesOncePerKey(t *testing.T) {
	store := &countingStore{MemoryStore: NewMemoryStore()}
	r := NewRegistry(store)

	const callers = 16
	var wg sync.WaitGroup
	ids := make([]string, callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := r.Acquire(context.Background(), "shared")
			assert.NoError(t, err)
			ids[i] = s.UpstreamID
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, store.created.Load())
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
}

func TestSweepEvictsExpired(t *testing.T) {
	c := &clock{now: time.Unix(1_700_000_000, 0)}
	store := NewMemoryStore()
	r := NewRegistry(store, WithClock(c.Now), WithInactivityTimeout(time.Minute))
	ctx := context.Background()

	_, err := r.Acquire(ctx, "old")
	require.NoError(t, err)
	c.Advance(2 * time.Minute)
	_, err = r.Acquire(ctx, "fresh")
	require.NoError(t, err)

	sweepCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- r.Sweep(sweepCtx, 5*time.Millisecond) }()

	require.Eventually(t, func() bool {
		_, err := store.Get(ctx, "old")
		return err == ErrNotFound
	}, time.Second, 5*time.Millisecond)

	_, err = store.Get(ctx, "fresh")
	assert.NoError(t, err)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("sweep did not stop")
	}
}
