package cache

import (
	"sort"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// memEntry wraps an Entry for the memory tier. Access bookkeeping is
// kept in atomics so concurrent readers never block each other.
type memEntry struct {
	entry        *Entry
	accessCount  atomic.Int64
	lastAccessed atomic.Int64 // unix nanos
}

func (m *memEntry) touch(now time.Time) {
	m.accessCount.Add(1)
	m.lastAccessed.Store(now.UnixNano())
}

// memoryTier is the fastest cache tier: a concurrent map with
// priority/LRU eviction under entry-count and byte caps.
type memoryTier struct {
	entries    *xsync.MapOf[string, *memEntry]
	totalBytes atomic.Int64

	maxEntries int
	maxBytes   int64
}

// evictTargetRatio is how far below the byte cap a size-triggered
// eviction frees, so evictions amortize instead of firing on every set.
const evictTargetRatio = 0.8

func newMemoryTier(maxEntries int, maxBytes int64) *memoryTier {
	return &memoryTier{
		entries:    xsync.NewMapOf[string, *memEntry](),
		maxEntries: maxEntries,
		maxBytes:   maxBytes,
	}
}

// get returns the entry for key, updating access bookkeeping. Expired
// entries are removed and reported as absent so they are never
// resurrected by a later probe.
func (t *memoryTier) get(key string, now time.Time) (*Entry, bool) {
	me, ok := t.entries.Load(key)
	if !ok {
		return nil, false
	}
	if me.entry.Expired(now) {
		t.delete(key)
		return nil, false
	}
	me.touch(now)
	out := *me.entry
	out.AccessCount = me.accessCount.Load()
	out.LastAccessed = time.Unix(0, me.lastAccessed.Load())
	return &out, true
}

// set stores the entry and evicts if either cap is exceeded. Returns
// how many entries were evicted to make room.
func (t *memoryTier) set(e *Entry, now time.Time) int {
	me := &memEntry{entry: e}
	me.accessCount.Store(e.AccessCount)
	last := e.LastAccessed
	if last.IsZero() {
		last = now
	}
	me.lastAccessed.Store(last.UnixNano())

	if prev, loaded := t.entries.LoadAndStore(e.Key, me); loaded {
		t.totalBytes.Add(-int64(prev.entry.SizeBytes))
	}
	t.totalBytes.Add(int64(e.SizeBytes))

	return t.evictIfNeeded()
}

func (t *memoryTier) delete(key string) bool {
	me, ok := t.entries.LoadAndDelete(key)
	if !ok {
		return false
	}
	t.totalBytes.Add(-int64(me.entry.SizeBytes))
	return true
}

func (t *memoryTier) clear() {
	t.entries.Clear()
	t.totalBytes.Store(0)
}

func (t *memoryTier) len() int {
	return t.entries.Size()
}

func (t *memoryTier) bytes() int64 {
	return t.totalBytes.Load()
}

// sweepExpired removes every entry past its TTL and returns the count.
func (t *memoryTier) sweepExpired(now time.Time) int {
	var expired []string
	t.entries.Range(func(key string, me *memEntry) bool {
		if me.entry.Expired(now) {
			expired = append(expired, key)
		}
		return true
	})
	removed := 0
	for _, key := range expired {
		if t.delete(key) {
			removed++
		}
	}
	return removed
}

type evictCandidate struct {
	key          string
	priority     Priority
	lastAccessed int64
	size         int
}

// evictIfNeeded enforces the caps: lowest priority and least recently
// used entries leave first. A byte-cap breach frees down to 80% of the
// cap, an entry-cap breach frees just back under it.
func (t *memoryTier) evictIfNeeded() int {
	overCount := t.maxEntries > 0 && t.len() > t.maxEntries
	overBytes := t.maxBytes > 0 && t.bytes() > t.maxBytes
	if !overCount && !overBytes {
		return 0
	}

	candidates := make([]evictCandidate, 0, t.len())
	t.entries.Range(func(key string, me *memEntry) bool {
		candidates = append(candidates, evictCandidate{
			key:          key,
			priority:     me.entry.Priority,
			lastAccessed: me.lastAccessed.Load(),
			size:         me.entry.SizeBytes,
		})
		return true
	})
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].priority != candidates[j].priority {
			return candidates[i].priority < candidates[j].priority
		}
		return candidates[i].lastAccessed < candidates[j].lastAccessed
	})

	byteTarget := int64(float64(t.maxBytes) * evictTargetRatio)
	evicted := 0
	for _, c := range candidates {
		underCount := t.maxEntries <= 0 || t.len() <= t.maxEntries
		underBytes := t.maxBytes <= 0 || t.bytes() <= t.maxBytes
		if underCount && underBytes {
			// Still draining toward the byte target after a byte breach.
			if !overBytes || t.bytes() <= byteTarget {
				break
			}
		}
		if t.delete(c.key) {
			evicted++
		}
	}
	return evicted
}
