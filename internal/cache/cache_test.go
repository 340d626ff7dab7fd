package cache

import (
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kodikgo/kodik/internal/errs"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newMemOnly(t *testing.T, cfg Config) (*Service, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	svc := New(cfg).WithClock(clock.Now)
	t.Cleanup(func() { _ = svc.Close() })
	return svc, clock
}

func TestSetGetRoundTrip(t *testing.T) {
	svc, _ := newMemOnly(t, Config{})
	svc.Set("k", []byte("v"), SetOptions{TTL: time.Minute})

	got, err := svc.Get("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)
}

func TestGetAfterTTLExpiresIsMiss(t *testing.T) {
	svc, clock := newMemOnly(t, Config{})
	svc.Set("k", []byte("v"), SetOptions{TTL: time.Minute})

	clock.Advance(time.Minute + time.Second)
	_, err := svc.Get("k")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestEvictionOrderPriorityThenLRU(t *testing.T) {
	svc, clock := newMemOnly(t, Config{MaxEntries: 3})

	svc.Set("low-old", []byte("1"), SetOptions{TTL: time.Hour, Priority: PriorityLow})
	clock.Advance(time.Second)
	svc.Set("low-new", []byte("2"), SetOptions{TTL: time.Hour, Priority: PriorityLow})
	clock.Advance(time.Second)
	svc.Set("high", []byte("3"), SetOptions{TTL: time.Hour, Priority: PriorityHigh})
	clock.Advance(time.Second)

	// Touch low-old so low-new becomes the LRU of the low entries.
	_, err := svc.Get("low-old")
	require.NoError(t, err)
	clock.Advance(time.Second)

	svc.Set("normal", []byte("4"), SetOptions{TTL: time.Hour, Priority: PriorityNormal})

	_, err = svc.Get("low-new")
	assert.ErrorIs(t, err, errs.ErrNotFound, "lowest priority + least recently used should go first")
	for _, key := range []string{"low-old", "high", "normal"} {
		_, err := svc.Get(key)
		assert.NoError(t, err, "%s must survive eviction", key)
	}
}

func TestByteCapEvictsToEightyPercent(t *testing.T) {
	svc, clock := newMemOnly(t, Config{MaxEntries: 1000, MaxBytes: 100})

	payload := make([]byte, 10)
	for i := 0; i < 11; i++ {
		svc.Set(fmt.Sprintf("k%02d", i), payload, SetOptions{TTL: time.Hour})
		clock.Advance(time.Second)
	}
	// The 11th insert crosses the 100-byte cap; eviction frees down to
	// the 80% target rather than just back under the cap.
	st := svc.Stats()
	assert.LessOrEqual(t, st.MemoryBytes, int64(80))
	assert.GreaterOrEqual(t, st.Evictions, int64(3))
}

func TestPromotionFromDurableTier(t *testing.T) {
	dir := t.TempDir()
	bolt, err := NewBoltStore(filepath.Join(dir, "cache.db"), 0)
	require.NoError(t, err)

	clock := newFakeClock()
	svc := New(Config{}, bolt).WithClock(clock.Now)
	t.Cleanup(func() { _ = svc.Close() })

	// Seed the durable tier directly, bypassing the memory tier.
	now := clock.Now()
	require.NoError(t, bolt.Put(&Entry{
		Key:       "seeded",
		Value:     []byte("durable-value"),
		CreatedAt: now,
		ExpiresAt: now.Add(time.Hour),
		SizeBytes: 13,
	}))
	assert.Equal(t, 0, svc.Stats().MemoryEntries)

	got, err := svc.Get("seeded")
	require.NoError(t, err)
	assert.Equal(t, []byte("durable-value"), got)
	assert.Equal(t, 1, svc.Stats().MemoryEntries, "durable hit must be promoted to tier 0")
}

func TestExpiredDurableEntryIsNeverResurrected(t *testing.T) {
	dir := t.TempDir()
	bolt, err := NewBoltStore(filepath.Join(dir, "cache.db"), 0)
	require.NoError(t, err)

	clock := newFakeClock()
	svc := New(Config{}, bolt).WithClock(clock.Now)
	t.Cleanup(func() { _ = svc.Close() })

	now := clock.Now()
	require.NoError(t, bolt.Put(&Entry{
		Key:       "stale",
		Value:     []byte("old"),
		CreatedAt: now.Add(-2 * time.Hour),
		ExpiresAt: now.Add(-time.Hour),
	}))

	_, err = svc.Get("stale")
	assert.ErrorIs(t, err, errs.ErrNotFound)
	_, err = bolt.Get("stale")
	assert.ErrorIs(t, err, errs.ErrNotFound, "expired entry must be dropped from its tier")
}

func TestSizeBandRouting(t *testing.T) {
	dir := t.TempDir()
	fast, err := NewBoltStore(filepath.Join(dir, "fast.db"), 0)
	require.NoError(t, err)
	big, err := NewSQLiteStore(filepath.Join(dir, "big.db"), 0)
	require.NoError(t, err)

	svc := New(Config{SmallBand: 100, MediumBand: 1000}, fast, big)
	t.Cleanup(func() { _ = svc.Close() })

	svc.Set("small", make([]byte, 50), SetOptions{TTL: time.Hour, Persistent: true})
	svc.Set("large", make([]byte, 500), SetOptions{TTL: time.Hour, Persistent: true})

	_, err = fast.Get("small")
	assert.NoError(t, err, "small payload must land in the fast durable tier")
	_, err = fast.Get("large")
	assert.ErrorIs(t, err, errs.ErrNotFound)
	_, err = big.Get("large")
	assert.NoError(t, err, "large payload must land in the capacious tier")
}

func TestQuotaEvictAndRetryOnce(t *testing.T) {
	dir := t.TempDir()
	small, err := NewBoltStore(filepath.Join(dir, "small.db"), 2)
	require.NoError(t, err)

	clock := newFakeClock()
	svc := New(Config{QuotaEvictBatch: 1}, small).WithClock(clock.Now)
	t.Cleanup(func() { _ = svc.Close() })

	svc.Set("a", []byte("1"), SetOptions{TTL: time.Hour, Persistent: true})
	clock.Advance(time.Second)
	svc.Set("b", []byte("2"), SetOptions{TTL: time.Hour, Persistent: true})
	clock.Advance(time.Second)
	// Third write trips the quota; one eviction pass must make room.
	svc.Set("c", []byte("3"), SetOptions{TTL: time.Hour, Persistent: true})

	_, err = small.Get("c")
	assert.NoError(t, err, "write must succeed after the eviction+retry")
	// The memory tier stays authoritative regardless.
	got, err := svc.Get("a")
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), got)
}

func TestCleanupSweepsAllTiers(t *testing.T) {
	dir := t.TempDir()
	sqlite, err := NewSQLiteStore(filepath.Join(dir, "cache.db"), 0)
	require.NoError(t, err)

	clock := newFakeClock()
	svc := New(Config{}, sqlite).WithClock(clock.Now)
	t.Cleanup(func() { _ = svc.Close() })

	svc.Set("short", []byte("x"), SetOptions{TTL: time.Minute, Persistent: true})
	svc.Set("long", []byte("y"), SetOptions{TTL: time.Hour, Persistent: true})

	clock.Advance(10 * time.Minute)
	removed := svc.Cleanup()
	assert.Equal(t, 2, removed, "memory and sqlite copies of the short entry")

	_, err = svc.Get("long")
	assert.NoError(t, err)
}

func TestClearAndDelete(t *testing.T) {
	svc, _ := newMemOnly(t, Config{})
	svc.Set("a", []byte("1"), SetOptions{TTL: time.Hour})
	svc.Set("b", []byte("2"), SetOptions{TTL: time.Hour})

	svc.Delete("a")
	_, err := svc.Get("a")
	assert.ErrorIs(t, err, errs.ErrNotFound)

	svc.Clear()
	_, err = svc.Get("b")
	assert.ErrorIs(t, err, errs.ErrNotFound)
	assert.Equal(t, 0, svc.Stats().MemoryEntries)
}

func TestStatsHitRate(t *testing.T) {
	svc, _ := newMemOnly(t, Config{})
	svc.Set("k", []byte("v"), SetOptions{TTL: time.Hour})

	_, _ = svc.Get("k")
	_, _ = svc.Get("k")
	_, _ = svc.Get("missing")

	st := svc.Stats()
	assert.Equal(t, int64(2), st.Hits)
	assert.Equal(t, int64(1), st.Misses)
	assert.InDelta(t, 2.0/3.0, st.HitRate, 1e-9)
}

func TestPoolSingleFlight(t *testing.T) {
	pool := NewPool()
	var invocations atomic.Int64
	release := make(chan struct{})

	var wg sync.WaitGroup
	results := make([]interface{}, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err, _ := pool.Do("same-key", func() (interface{}, error) {
				invocations.Add(1)
				<-release
				return "resolved", nil
			})
			require.NoError(t, err)
			results[i] = v
		}(i)
	}

	// Let both callers reach the pool before the producer settles.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int64(1), invocations.Load(), "producer must run exactly once")
	assert.Equal(t, "resolved", results[0])
	assert.Equal(t, results[0], results[1])
}

func TestPoolSlotReleasedAfterFailure(t *testing.T) {
	pool := NewPool()
	calls := 0
	_, err, _ := pool.Do("k", func() (interface{}, error) {
		calls++
		return nil, assert.AnError
	})
	require.Error(t, err)

	v, err, _ := pool.Do("k", func() (interface{}, error) {
		calls++
		return "second", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "second", v)
	assert.Equal(t, 2, calls, "a settled failure must not pin the in-flight slot")
}

func TestSweeperLifecycle(t *testing.T) {
	clock := newFakeClock()
	svc := New(Config{CleanupInterval: 10 * time.Millisecond}).WithClock(clock.Now)
	t.Cleanup(func() { _ = svc.Close() })

	svc.Set("k", []byte("v"), SetOptions{TTL: time.Minute})
	clock.Advance(2 * time.Minute)

	svc.StartSweeper()
	assert.Eventually(t, func() bool {
		return svc.Stats().MemoryEntries == 0
	}, time.Second, 10*time.Millisecond)
	svc.StopSweeper()

	// Stop must be idempotent and a second start/stop cycle must work.
	svc.StopSweeper()
	svc.StartSweeper()
	svc.StopSweeper()
}
