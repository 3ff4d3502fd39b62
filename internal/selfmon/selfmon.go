// Package selfmon implements the process surface spec.md §6 requires of
// every long-lived component: an IDLE/BUSY self-monitoring state around
// every blocking wait, and a process-title string refreshed at most
// once every 5s ("<role> #<n> [got V values, queued Q in T sec]").
//
// Grounded on the teacher's stats package naming convention
// (stats/target_stats.go's "*.n"/"*.ns"/"*.size" counters) and on
// go.uber.org/atomic, the upstream of the teacher's vendored
// 3rdparty/atomic, for the lock-free counters underneath.
package selfmon

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
)

// State is a component's self-monitoring state, mirroring Zabbix's
// ZBX_PROCESS_STATE_IDLE / ZBX_PROCESS_STATE_BUSY.
type State int32

const (
	StateIdle State = iota
	StateBusy
)

// Tracker is the per-role self-monitoring surface: idle/busy state,
// the staged (processed, queued, elapsed) triple for the process
// title, and a rate-limited title refresh.
type Tracker struct {
	role string
	num  int

	state      atomic.Int32
	processed  atomic.Uint64
	queued     atomic.Uint64
	idleNanos  atomic.Int64
	statStart  atomic.Int64 // unix nanos

	mtx          sync.Mutex
	lastTitle    time.Time
	titleMinGap  time.Duration
	titleFn      func(string)
}

// NewTracker constructs a Tracker for role #num (e.g. "poller", 1).
// setTitle receives the formatted process-title string; pass nil to
// skip actually setting it (e.g. in tests).
func NewTracker(role string, num int, titleMinGap time.Duration, setTitle func(string)) *Tracker {
	t := &Tracker{role: role, num: num, titleMinGap: titleMinGap, titleFn: setTitle}
	t.state.Store(int32(StateBusy))
	t.statStart.Store(nowNanos())
	return t
}

func nowNanos() int64 { return time.Now().UnixNano() }

// Idle marks the tracker busy->idle, returning a function to call when
// the blocking wait returns, which restores the busy state and
// accumulates the elapsed idle time — the idiomatic stand-in for the
// bracketing zbx_update_selfmon_counter(IDLE)/...(BUSY) pair.
func (t *Tracker) Idle() (resumeBusy func()) {
	t.state.Store(int32(StateIdle))
	start := nowNanos()
	return func() {
		t.idleNanos.Add(nowNanos() - start)
		t.state.Store(int32(StateBusy))
	}
}

func (t *Tracker) State() State { return State(t.state.Load()) }

// AddProcessed/AddQueued accumulate the counters the process title
// reports; they reset each time the title is actually refreshed.
func (t *Tracker) AddProcessed(n uint64) { t.processed.Add(n) }
func (t *Tracker) AddQueued(n uint64)    { t.queued.Add(n) }

// MaybeUpdateTitle refreshes the process title at most once per
// titleMinGap (spec.md §6: "at most every 5 s").
func (t *Tracker) MaybeUpdateTitle() {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	now := time.Now()
	if now.Sub(t.lastTitle) < t.titleMinGap {
		return
	}
	elapsed := time.Duration(nowNanos()-t.statStart.Load()) * time.Nanosecond
	title := fmt.Sprintf("%s #%d [got %d values, queued %d in %.1f sec]",
		t.role, t.num, t.processed.Load(), t.queued.Load(), elapsed.Seconds())
	if t.titleFn != nil {
		t.titleFn(title)
	}
	t.lastTitle = now
	t.processed.Store(0)
	t.queued.Store(0)
	t.idleNanos.Store(0)
	t.statStart.Store(nowNanos())
}

// CacheMetrics is the Prometheus surface the cache increments on every
// sync/snapshot call (spec.md's ambient-stack self-introspection, not
// the "metrics persistence" feature Non-goals exclude).
type CacheMetrics struct {
	syncTotal     *prometheus.CounterVec
	snapshotTotal *prometheus.CounterVec
}

func NewCacheMetrics(reg prometheus.Registerer) *CacheMetrics {
	m := &CacheMetrics{
		syncTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cache_sync_total",
			Help: "Number of differential-sync calls applied to the configuration cache.",
		}, []string{"kind"}),
		snapshotTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cache_snapshot_total",
			Help: "Number of snapshot calls against the configuration cache, by outcome.",
		}, []string{"kind", "result"}),
	}
	if reg != nil {
		reg.MustRegister(m.syncTotal, m.snapshotTotal)
	}
	return m
}

func (m *CacheMetrics) SyncTotal(kind string) prometheus.Counter {
	return m.syncTotal.WithLabelValues(kind)
}

func (m *CacheMetrics) SnapshotTotal(kind, result string) prometheus.Counter {
	return m.snapshotTotal.WithLabelValues(kind, result)
}

// PollerMetrics is the AHP-side Prometheus surface backing PollerState
// (spec.md §3): queued, processed and in-flight ("processing") gauges.
type PollerMetrics struct {
	Queued     prometheus.Gauge
	Processed  prometheus.Counter
	Processing prometheus.Gauge
}

func NewPollerMetrics(reg prometheus.Registerer, workerName string) *PollerMetrics {
	m := &PollerMetrics{
		Queued: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "poller_queued",
			Help:        "Items returned by the most recent poller fetch.",
			ConstLabels: prometheus.Labels{"worker": workerName},
		}),
		Processed: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "poller_processed_total",
			Help:        "Items whose HTTP request has completed (success or error).",
			ConstLabels: prometheus.Labels{"worker": workerName},
		}),
		Processing: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "poller_processing",
			Help:        "Items with an in-flight HTTP request.",
			ConstLabels: prometheus.Labels{"worker": workerName},
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Queued, m.Processed, m.Processing)
	}
	return m
}
