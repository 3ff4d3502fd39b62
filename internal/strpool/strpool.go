// Package strpool implements the reference-counted string pool spec.md
// §5 requires for host names entering the cache's secondary index:
// Acquire on insert, Release on removal, Rename doing Release(old) then
// Acquire(new) atomically under the caller's lock. Grounded on
// _examples/original_source/src/libs/zbxcacheconfig/proxy_group.c's
// dc_strpool_acquire/dc_strpool_release/dc_strpool_intern trio.
package strpool

import "sync"

// Pool interns strings by content, sharing storage across callers that
// intern the same value and freeing it only once every acquirer has
// released it.
type Pool struct {
	mtx sync.Mutex
	ref map[string]int
}

func New() *Pool {
	return &Pool{ref: make(map[string]int)}
}

// Acquire interns s, bumping its refcount, and returns the canonical
// (shared) string.
func (p *Pool) Acquire(s string) string {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	p.ref[s]++
	return s
}

// Release drops one reference to s. Once the refcount reaches zero the
// entry is dropped from the pool entirely.
func (p *Pool) Release(s string) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	n, ok := p.ref[s]
	if !ok {
		return
	}
	if n <= 1 {
		delete(p.ref, s)
		return
	}
	p.ref[s] = n - 1
}

// Replace releases old (if non-empty) and acquires new, atomically with
// respect to the pool's own lock — the caller still needs to hold the
// cache's write lock for the secondary-index swap to be atomic end to
// end, matching dc_update_host_proxy's release(old)/acquire(new) pair.
func (p *Pool) Replace(old, new_ string) string {
	if old != "" {
		p.Release(old)
	}
	return p.Acquire(new_)
}

// RefCount reports the current refcount for s, for tests that verify
// the "refcounts are balanced" invariant in spec.md §8.
func (p *Pool) RefCount(s string) int {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.ref[s]
}

// Len reports how many distinct strings are currently interned.
func (p *Pool) Len() int {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return len(p.ref)
}
