// Package poller implements the Async HTTP Poller (AHP): the
// event-loop task that pulls due items from the configuration cache,
// drives HTTP requests concurrently, submits results to the
// preprocessor sink, and re-queues items for their next check
// (spec.md §4.3).
//
// The spec's libcurl multi-handle reactor (socket callbacks, a
// curl-timeout timer, an event base driven by event_base_loop(ONCE))
// is re-expressed the Go-idiomatic way per SPEC_FULL.md: a bounded
// semaphore gates concurrently in-flight fasthttp requests, each
// running on its own goroutine, with a results channel drained by the
// worker's select loop standing in for the event base's "drive until
// something completes" step. Every
// observable invariant in spec.md §5 and §8 (processing ==
// adds-completions, RequestContext alloc==cleanup, etc.) is preserved.
package poller

import (
	"time"

	"go.uber.org/atomic"
)

// Errcode values spec.md §3/§4.3/§7 assign to a completed or failed
// item.
const (
	ErrCodeSucceed      = 0
	ErrCodeNotSupported = 1
	ErrCodeAgentError   = 2
	ErrCodeConfigError  = 3
)

// State is a request's position in the per-request state machine
// (spec.md §4.3):
//
//	NEW --prepare ok--> IN_FLIGHT --(DONE, acceptable)--> DELIVERED_OK
//	                        |
//	                        +--(DONE, other/error)--> DELIVERED_ERR
//	NEW --prepare fail--> DELIVERED_ERR
type State int

const (
	StateNew State = iota
	StateInFlight
	StateDeliveredOK
	StateDeliveredErr
)

// RequestContext is one in-flight HTTP request (spec.md §3): it owns
// the moved-in body and status-code pattern, and is cleaned up exactly
// once on either the success or the failure path. allocated/freed are
// instrumented so tests can assert the "no leaks on either path"
// invariant in spec.md §8.
type RequestContext struct {
	ItemID        uint64
	HostID        uint64
	ValueType     int
	Flags         int
	Body          []byte // moved in from the item's `posts` field
	StatusPattern []byte // moved in from the item's `status_codes` field
	State         State

	poller *PollerState
	freed  atomic.Bool
}

// newRequestContext allocates a RequestContext and records the
// allocation against the owning PollerState, so LiveRequests reflects
// the alloc-cleanup balance spec.md §8 requires to hold at steady
// state.
func newRequestContext(ps *PollerState, itemID, hostID uint64, valueType, flags int, body, statusPattern []byte) *RequestContext {
	ps.liveRequests.Inc()
	return &RequestContext{
		ItemID: itemID, HostID: hostID, ValueType: valueType, Flags: flags,
		Body: body, StatusPattern: statusPattern, State: StateInFlight,
		poller: ps,
	}
}

// free releases the context exactly once; a second call is a no-op,
// matching the spec's "both success and failure paths must clean it up
// exactly once" requirement even if a caller mistakenly invokes it
// twice.
func (rc *RequestContext) free() {
	if rc.freed.CompareAndSwap(false, true) {
		rc.poller.liveRequests.Dec()
	}
}

// PollerState is the per-worker counters and staging vectors spec.md
// §3 describes.
type PollerState struct {
	Queued     atomic.Int64
	Processed  atomic.Int64
	Processing atomic.Int64

	liveRequests atomic.Int64 // RequestContext alloc-cleanup balance, for tests

	SourceIP       string
	Timeout        time.Duration
	PollerKind     string

	mtx         stagingLock
	itemIDs     []uint64
	errCodes    []int
	lastClocks  []int64
}

// stagingLock exists only to give the staging vectors their own named
// lock distinct from any cache lock a caller might also be holding —
// AHP itself is single-threaded per worker (spec.md §5): stage and
// drainStaging are both called from the worker's Run goroutine (request
// goroutines hand results over through a channel), so the lock is
// uncontended.
type stagingLock struct{ ch chan struct{} }

func newStagingLock() stagingLock {
	l := stagingLock{ch: make(chan struct{}, 1)}
	l.ch <- struct{}{}
	return l
}

func (l stagingLock) Lock()   { <-l.ch }
func (l stagingLock) Unlock() { l.ch <- struct{}{} }

// NewPollerState constructs a fresh PollerState for one worker.
func NewPollerState(kind, sourceIP string, timeout time.Duration) *PollerState {
	return &PollerState{
		PollerKind: kind,
		SourceIP:   sourceIP,
		Timeout:    timeout,
		mtx:        newStagingLock(),
	}
}

// stage appends one completion to the staging vectors (spec.md §4.3
// step 4).
func (ps *PollerState) stage(itemID uint64, errCode int, lastClock int64) {
	ps.mtx.Lock()
	defer ps.mtx.Unlock()
	ps.itemIDs = append(ps.itemIDs, itemID)
	ps.errCodes = append(ps.errCodes, errCode)
	ps.lastClocks = append(ps.lastClocks, lastClock)
}

// drainStaging returns and clears the staged completions (spec.md
// §4.3 step 5: "Clear the staging vectors").
func (ps *PollerState) drainStaging() ([]uint64, []int, []int64) {
	ps.mtx.Lock()
	defer ps.mtx.Unlock()
	ids, codes, clocks := ps.itemIDs, ps.errCodes, ps.lastClocks
	ps.itemIDs, ps.errCodes, ps.lastClocks = nil, nil, nil
	return ids, codes, clocks
}

// LiveRequests reports the current RequestContext allocation count,
// used by tests to assert the alloc==cleanup invariant at rest.
func (ps *PollerState) LiveRequests() int64 { return ps.liveRequests.Load() }
