package cache

import (
	"time"
)

// Priority orders entries for eviction. Lower priorities go first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

// Entry is one cached value together with its bookkeeping. The same
// shape is stored in every tier so a durable hit can be promoted
// without losing its TTL or priority.
type Entry struct {
	Key          string    `json:"key"`
	Value        []byte    `json:"value"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	Priority     Priority  `json:"priority"`
	SizeBytes    int       `json:"size_bytes"`
	AccessCount  int64     `json:"access_count"`
	LastAccessed time.Time `json:"last_accessed"`
}

// Expired reports whether the entry's TTL has elapsed at now.
func (e *Entry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// DurableStore is one persistent cache tier. Implementations must
// return errs.ErrNotFound for missing keys and errs.ErrQuotaExceeded
// when a write is refused for capacity reasons.
type DurableStore interface {
	Get(key string) (*Entry, error)
	Put(e *Entry) error
	Delete(key string) error
	Clear() error
	// SweepExpired removes every entry whose TTL elapsed before now and
	// returns how many were removed.
	SweepExpired(now time.Time) (int, error)
	// EvictOldest removes up to n of the oldest entries, expired ones
	// first, and returns how many were removed.
	EvictOldest(n int) (int, error)
	Close() error
}
