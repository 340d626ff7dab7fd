package cache

import (
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// Pool deduplicates concurrent work: while a producer for a key is in
// flight, every caller for that key shares its eventual result or
// error instead of invoking the producer again. The in-flight slot is
// released as soon as the producer settles, success or failure.
type Pool struct {
	group  singleflight.Group
	active atomic.Int64
}

// NewPool returns an empty Pool ready for use.
func NewPool() *Pool {
	return &Pool{}
}

// Do runs producer for key unless one is already in flight, in which
// case the caller waits for that one. shared reports whether the
// result was delivered to more than one caller.
func (p *Pool) Do(key string, producer func() (interface{}, error)) (v interface{}, err error, shared bool) {
	p.active.Add(1)
	defer p.active.Add(-1)
	return p.group.Do(key, producer)
}

// Forget drops the in-flight slot for key so the next Do invokes the
// producer again even if an earlier call has not settled.
func (p *Pool) Forget(key string) {
	p.group.Forget(key)
}

// Active returns how many Do calls are currently waiting on producers.
func (p *Pool) Active() int {
	return int(p.active.Load())
}
