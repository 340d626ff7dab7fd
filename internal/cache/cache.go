// Package cache implements the layered cache behind the Kodik client:
// a concurrent in-memory tier in front of up to two durable stores,
// with TTL expiry, priority/LRU eviction, size-banded durable writes,
// and a background sweeper with an explicit lifecycle.
package cache

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kodikgo/kodik/internal/errs"
	"github.com/kodikgo/kodik/internal/util"
)

// Config tunes one Service. Zero values fall back to the defaults
// below.
type Config struct {
	MaxEntries      int
	MaxBytes        int64
	DefaultTTL      time.Duration
	CleanupInterval time.Duration

	// Size bands routing durable writes: payloads up to SmallBand bytes
	// go to the first durable tier, everything else to the second. The
	// thresholds are heuristics carried over as configuration, not
	// semantics.
	SmallBand  int
	MediumBand int

	// QuotaEvictBatch bounds how many entries a durable tier drops when
	// a write hits its quota, before the single retry.
	QuotaEvictBatch int
}

const (
	defaultMaxEntries      = 1000
	defaultMaxBytes        = 64 << 20 // 64MB
	defaultTTL             = 5 * time.Minute
	defaultCleanupInterval = time.Minute
	defaultSmallBand       = 10 << 10  // 10KB
	defaultMediumBand      = 100 << 10 // 100KB
	defaultQuotaEvictBatch = 25
)

func (c Config) withDefaults() Config {
	if c.MaxEntries == 0 {
		c.MaxEntries = defaultMaxEntries
	}
	if c.MaxBytes == 0 {
		c.MaxBytes = defaultMaxBytes
	}
	if c.DefaultTTL == 0 {
		c.DefaultTTL = defaultTTL
	}
	if c.CleanupInterval == 0 {
		c.CleanupInterval = defaultCleanupInterval
	}
	if c.SmallBand == 0 {
		c.SmallBand = defaultSmallBand
	}
	if c.MediumBand == 0 {
		c.MediumBand = defaultMediumBand
	}
	if c.QuotaEvictBatch == 0 {
		c.QuotaEvictBatch = defaultQuotaEvictBatch
	}
	return c
}

// SetOptions control a single Set call.
type SetOptions struct {
	TTL      time.Duration
	Priority Priority
	// Persistent routes the value into a durable tier as well. The
	// memory tier always gets the write.
	Persistent bool
}

// Stats is a point-in-time snapshot of cache health.
type Stats struct {
	MemoryEntries int     `json:"memory_entries"`
	MemoryBytes   int64   `json:"memory_bytes"`
	Hits          int64   `json:"hits"`
	Misses        int64   `json:"misses"`
	Evictions     int64   `json:"evictions"`
	HitRate       float64 `json:"hit_rate"`
}

// Service is the layered cache. Construct with New and inject it into
// whoever needs caching; there is deliberately no package-level
// instance.
type Service struct {
	cfg      Config
	mem      *memoryTier
	durables []DurableStore // fastest first
	clock    func() time.Time

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64

	sweepMu   sync.Mutex
	sweepStop chan struct{}
	sweepDone chan struct{}
}

// New builds a Service over the given durable tiers, fastest first.
// Both, one, or no durable tiers are all valid configurations.
func New(cfg Config, durables ...DurableStore) *Service {
	cfg = cfg.withDefaults()
	return &Service{
		cfg:      cfg,
		mem:      newMemoryTier(cfg.MaxEntries, cfg.MaxBytes),
		durables: durables,
		clock:    time.Now,
	}
}

// WithClock replaces the time source. Tests use this to drive TTL
// expiry deterministically.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// Get probes tiers fastest-first. A durable hit is promoted into the
// memory tier (and into the faster durable tier when the size band
// allows) so the next read is cheap. Expired entries are dropped from
// the tier they were found in and probing continues.
func (s *Service) Get(key string) ([]byte, error) {
	now := s.clock()

	if e, ok := s.mem.get(key, now); ok {
		s.hits.Add(1)
		return e.Value, nil
	}

	for i, store := range s.durables {
		e, err := store.Get(key)
		if err != nil {
			continue
		}
		if e.Expired(now) {
			// Never resurrected: drop and keep probing slower tiers.
			if derr := store.Delete(key); derr != nil {
				util.Debugf("cache: dropping expired %q from tier %d: %v", key, i+1, derr)
			}
			continue
		}
		s.promote(e, i)
		s.hits.Add(1)
		return e.Value, nil
	}

	s.misses.Add(1)
	return nil, errs.ErrNotFound
}

// promote re-writes a tier-i durable hit into the memory tier, and
// into the faster durable tier when the band policy would route this
// payload there anyway.
func (s *Service) promote(e *Entry, durableIdx int) {
	s.evictions.Add(int64(s.mem.set(e, s.clock())))
	if durableIdx > 0 {
		if target := s.bandTier(e.SizeBytes); target < durableIdx {
			if err := s.durables[target].Put(e); err != nil {
				util.Debugf("cache: promoting %q to tier %d: %v", e.Key, target+1, err)
			}
		}
	}
}

// bandTier picks the durable tier index for a payload size. With two
// tiers: small payloads to the fast store, medium and large to the
// capacious one.
func (s *Service) bandTier(size int) int {
	if len(s.durables) <= 1 {
		return 0
	}
	if size <= s.cfg.SmallBand {
		return 0
	}
	return 1
}

// Set writes to the memory tier and, when opts.Persistent, to exactly
// one durable tier picked by the size band. A durable quota failure
// triggers one bounded eviction pass and a single retry, then gives up
// silently; the memory tier already holds the value.
func (s *Service) Set(key string, value []byte, opts SetOptions) {
	now := s.clock()
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = s.cfg.DefaultTTL
	}
	e := &Entry{
		Key:          key,
		Value:        value,
		CreatedAt:    now,
		ExpiresAt:    now.Add(ttl),
		Priority:     opts.Priority,
		SizeBytes:    len(value),
		LastAccessed: now,
	}

	s.evictions.Add(int64(s.mem.set(e, now)))

	if !opts.Persistent || len(s.durables) == 0 {
		return
	}
	store := s.durables[s.bandTier(e.SizeBytes)]
	err := store.Put(e)
	if err == nil {
		return
	}
	if errors.Is(err, errs.ErrQuotaExceeded) {
		if evicted, everr := store.EvictOldest(s.cfg.QuotaEvictBatch); everr == nil && evicted > 0 {
			err = store.Put(e)
		}
	}
	if err != nil {
		util.Debugf("cache: durable write for %q dropped: %v", key, err)
	}
}

// Delete removes key from every tier.
func (s *Service) Delete(key string) {
	s.mem.delete(key)
	for _, store := range s.durables {
		if err := store.Delete(key); err != nil {
			util.Debugf("cache: delete %q: %v", key, err)
		}
	}
}

// Clear empties every tier.
func (s *Service) Clear() {
	s.mem.clear()
	for _, store := range s.durables {
		if err := store.Clear(); err != nil {
			util.Debugf("cache: clear: %v", err)
		}
	}
}

// Cleanup removes expired entries from every tier and returns how many
// were dropped.
func (s *Service) Cleanup() int {
	now := s.clock()
	removed := s.mem.sweepExpired(now)
	for i, store := range s.durables {
		n, err := store.SweepExpired(now)
		if err != nil {
			util.Debugf("cache: sweeping tier %d: %v", i+1, err)
			continue
		}
		removed += n
	}
	return removed
}

// Stats returns a snapshot of cache counters.
func (s *Service) Stats() Stats {
	hits := s.hits.Load()
	misses := s.misses.Load()
	st := Stats{
		MemoryEntries: s.mem.len(),
		MemoryBytes:   s.mem.bytes(),
		Hits:          hits,
		Misses:        misses,
		Evictions:     s.evictions.Load(),
	}
	if total := hits + misses; total > 0 {
		st.HitRate = float64(hits) / float64(total)
	}
	return st
}

// StartSweeper launches the background cleanup loop. Calling it twice
// without StopSweeper in between is a no-op.
func (s *Service) StartSweeper() {
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()
	if s.sweepStop != nil {
		return
	}
	s.sweepStop = make(chan struct{})
	s.sweepDone = make(chan struct{})
	go s.sweepLoop(s.sweepStop, s.sweepDone)
}

// StopSweeper halts the cleanup loop and waits for it to exit.
func (s *Service) StopSweeper() {
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()
	if s.sweepStop == nil {
		return
	}
	close(s.sweepStop)
	<-s.sweepDone
	s.sweepStop = nil
	s.sweepDone = nil
}

func (s *Service) sweepLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := s.Cleanup(); n > 0 {
				util.Debugf("cache: sweeper removed %d expired entries", n)
			}
		case <-stop:
			return
		}
	}
}

// Close stops the sweeper and closes every durable tier.
func (s *Service) Close() error {
	s.StopSweeper()
	var first error
	for _, store := range s.durables {
		if err := store.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
