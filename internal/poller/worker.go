package poller

import (
	"context"
	"crypto/tls"
	"time"

	"github.com/golang/glog"
	"github.com/valyala/fasthttp"
	"github.com/zbxsystems/zbxcore/internal/cache"
	"github.com/zbxsystems/zbxcore/internal/ipc"
	"github.com/zbxsystems/zbxcore/internal/preprocessor"
	"github.com/zbxsystems/zbxcore/internal/selfmon"
	"golang.org/x/sync/semaphore"
)

// Config configures one AHP worker.
type Config struct {
	Name            string // e.g. "poller #1"
	PollerKind      string
	Cache           *cache.Cache
	Sink            preprocessor.Sink
	Channel         ipc.Channel
	SourceIP        string
	RequestTimeout  time.Duration
	BatchCeiling    int
	FetchInterval   time.Duration
	MaxInFlight     int64
	Tracker         *selfmon.Tracker
	Metrics         *selfmon.PollerMetrics
	NextCheckFor    func(cache.Item) int64
}

// Worker is one AHP event-loop task (spec.md §4.3). Its reactor
// resources — the fasthttp client, the bounded semaphore standing in
// for the socket-multiplexed event loop, and the fetch ticker — are
// all thread-local to this worker; no AHP state needs locking
// (spec.md §5).
type Worker struct {
	cfg    Config
	client *fasthttp.Client
	sem    *semaphore.Weighted
	state  *PollerState
	done   chan struct{}

	results chan Result
}

func NewWorker(cfg Config) *Worker {
	if cfg.BatchCeiling <= 0 {
		cfg.BatchCeiling = 1000
	}
	if cfg.FetchInterval <= 0 {
		cfg.FetchInterval = time.Second
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 64
	}
	if cfg.NextCheckFor == nil {
		cfg.NextCheckFor = defaultNextCheck
	}
	return &Worker{
		cfg:     cfg,
		client:  &fasthttp.Client{},
		sem:     semaphore.NewWeighted(cfg.MaxInFlight),
		state:   NewPollerState(cfg.PollerKind, cfg.SourceIP, cfg.RequestTimeout),
		done:    make(chan struct{}),
		results: make(chan Result, 256),
	}
}

// defaultNextCheck is the fallback scheduling policy (real interval
// policy is out of this core's scope): retry in 60s.
func defaultNextCheck(cache.Item) int64 {
	return time.Now().Add(60 * time.Second).Unix()
}

func (w *Worker) Name() string { return w.cfg.Name }

// Run is the event loop from spec.md §4.3: fetch, prepare, drive,
// complete, re-queue, and poll the control channel for SHUTDOWN, once
// per iteration.
func (w *Worker) Run() error {
	fetchTicker := time.NewTicker(w.cfg.FetchInterval)
	defer fetchTicker.Stop()

	// Arm-on-entry, matching "armed on entry to the event loop."
	fetchNow := make(chan struct{}, 1)
	fetchNow <- struct{}{}

	for {
		select {
		case <-w.done:
			w.drainInFlight()
			return nil
		case <-fetchTicker.C:
			w.fetchAndPrepare()
		case <-fetchNow:
			w.fetchAndPrepare()
		case res := <-w.results:
			w.complete(res)
		}

		nextcheck := w.flushRequeue()
		if nextcheck > 0 && nextcheck <= time.Now().Unix() {
			select {
			case fetchNow <- struct{}{}:
			default:
			}
		}

		if msg, ok, _ := w.cfg.Channel.Recv(0); ok && msg != nil && msg.Kind == ipc.KindShutdown {
			w.drainInFlight()
			return nil
		}
	}
}

func (w *Worker) Stop(error) {
	close(w.done)
}

// fetchAndPrepare implements spec.md §4.3 steps 1-2: pull a bounded
// batch of due items with back-pressure, build a request for each, and
// either dispatch it (acquiring a semaphore slot — the Go stand-in for
// registering a socket with the reactor) or complete it as a
// PrepareError immediately.
//
// Prepare failures are completed directly rather than sent through
// w.results: fetchAndPrepare runs on the same goroutine that drains
// w.results in Run's select loop, and w.results is bounded (256); a
// batch with more prepare failures than that buffer would otherwise
// deadlock the worker against itself.
func (w *Worker) fetchAndPrepare() {
	items := w.cfg.Cache.Items()
	if items == nil {
		return
	}
	processing := int(w.state.Processing.Load())
	batch, err := items.GetPollerItems(w.cfg.PollerKind, w.cfg.BatchCeiling, processing, time.Now())
	if err != nil {
		glog.Warningf("%s: fetch items: %v", w.cfg.Name, err)
		return
	}
	w.state.Queued.Store(int64(len(batch)))
	if w.cfg.Metrics != nil {
		w.cfg.Metrics.Queued.Set(float64(len(batch)))
	}
	w.cfg.Tracker.AddQueued(uint64(len(batch)))

	for _, it := range batch {
		it := it
		correlationID := newCorrelationID()

		req, prepErr := buildRequest(it, w.cfg.SourceIP)
		var tlsConfig *tls.Config
		if prepErr == nil {
			tlsConfig, prepErr = tlsConfigForItem(it)
		}
		if prepErr != nil {
			if req != nil {
				fasthttp.ReleaseRequest(req)
			}
			glog.V(2).Infof("%s: request %s (item %d) failed to prepare: %v", w.cfg.Name, correlationID, it.ItemID, prepErr)
			w.complete(prepareFailureResult(it, prepErr, correlationID))
			continue
		}
		w.state.Processing.Inc()
		if w.cfg.Metrics != nil {
			w.cfg.Metrics.Processing.Inc()
		}
		glog.V(2).Infof("%s: dispatching request %s for item %d", w.cfg.Name, correlationID, it.ItemID)
		go w.drive(it, req, tlsConfig, correlationID)
	}
}

// drive runs one request to completion and delivers its Result onto
// w.results — the goroutine itself is this design's SocketContext: its
// lifetime runs from semaphore acquisition (registration) to release
// (REMOVE). A per-item tlsConfig (built from the item's own TLS
// material) gets its own throwaway client for the call; items with no
// TLS material share the worker's long-lived client.
func (w *Worker) drive(it cache.Item, req *fasthttp.Request, tlsConfig *tls.Config, correlationID string) {
	rc := newRequestContext(w.state, it.ItemID, it.HostID, it.ValueType, it.Flags, it.Posts, it.StatusCodes)
	defer rc.free()

	ctx := context.Background()
	if err := w.sem.Acquire(ctx, 1); err != nil {
		fasthttp.ReleaseRequest(req)
		rc.State = StateDeliveredErr
		rc.free()
		w.results <- Result{
			ItemID: it.ItemID, HostID: it.HostID, Success: false, ErrMsg: err.Error(),
			ErrCode: ErrCodeAgentError, Timestamp: time.Now(), CorrelationID: correlationID,
		}
		return
	}
	defer w.sem.Release(1)
	defer fasthttp.ReleaseRequest(req)

	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	timeout := it.Timeout
	if timeout <= 0 {
		timeout = w.cfg.RequestTimeout
	}
	client := w.client
	if tlsConfig != nil {
		client = &fasthttp.Client{TLSConfig: tlsConfig}
	}
	err := client.DoTimeout(req, resp, timeout)
	now := time.Now()

	if err != nil {
		rc.State = StateDeliveredErr
		glog.V(2).Infof("%s: request %s (item %d) transport error: %v", w.cfg.Name, correlationID, it.ItemID, err)
		rc.free()
		w.results <- Result{
			ItemID: it.ItemID, HostID: it.HostID, ValueType: it.ValueType, Flags: it.Flags,
			Success: false, ErrMsg: err.Error(), ErrCode: ErrCodeAgentError, Timestamp: now,
			CorrelationID: correlationID,
		}
		return
	}

	code := resp.StatusCode()
	if !statusAcceptable(it.StatusCodes, code) {
		rc.State = StateDeliveredErr
		glog.V(2).Infof("%s: request %s (item %d) unacceptable status %d", w.cfg.Name, correlationID, it.ItemID, code)
		rc.free()
		w.results <- Result{
			ItemID: it.ItemID, HostID: it.HostID, ValueType: it.ValueType, Flags: it.Flags,
			Success: false, ErrCode: ErrCodeNotSupported, Timestamp: now,
			ErrMsg: unacceptableStatusMsg(code), CorrelationID: correlationID,
		}
		return
	}

	rc.State = StateDeliveredOK
	glog.V(2).Infof("%s: request %s (item %d) delivered ok", w.cfg.Name, correlationID, it.ItemID)
	body := append([]byte(nil), resp.Body()...)
	rc.free()
	w.results <- Result{
		ItemID: it.ItemID, HostID: it.HostID, ValueType: it.ValueType, Flags: it.Flags,
		Success: true, Body: body, ErrCode: ErrCodeSucceed, Timestamp: now,
		CorrelationID: correlationID,
	}
}

func unacceptableStatusMsg(code int) string {
	return "response status code " + itoa(code) + " did not match the configured pattern"
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [12]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func prepareFailureResult(it cache.Item, err error, correlationID string) Result {
	return Result{
		ItemID: it.ItemID, HostID: it.HostID, ValueType: it.ValueType, Flags: it.Flags,
		Success: false, ErrCode: ErrCodeNotSupported, ErrMsg: err.Error(), Timestamp: time.Now(),
		CorrelationID: correlationID, fromPrepare: true,
	}
}

// complete implements spec.md §4.3 step 4: submit the body or error to
// the preprocessor, stage the completion, and update the counters.
// Items that failed preparation flow through here too (they were never
// counted against Processing), so scheduling never stalls on a bad
// item (spec.md's "tie-breaks & edge cases").
func (w *Worker) complete(res Result) {
	state := preprocessor.StateNormal
	var value []byte
	if res.Success {
		value = res.Body
	} else {
		state = preprocessor.StateNotSupported
	}
	glog.V(2).Infof("%s: request %s (item %d) completed success=%t errcode=%d", w.cfg.Name, res.CorrelationID, res.ItemID, res.Success, res.ErrCode)
	if w.wasInFlight(res) {
		w.state.Processing.Dec()
		if w.cfg.Metrics != nil {
			w.cfg.Metrics.Processing.Dec()
		}
	}
	w.cfg.Sink.Submit(preprocessor.Value{
		ItemID: res.ItemID, HostID: res.HostID, ValueType: res.ValueType, Flags: res.Flags,
		Value: value, Timestamp: res.Timestamp, State: state, ErrorMsg: res.ErrMsg,
	})

	w.state.stage(res.ItemID, res.ErrCode, res.Timestamp.Unix())

	w.state.Processed.Inc()
	if w.cfg.Metrics != nil {
		w.cfg.Metrics.Processed.Inc()
	}
	w.cfg.Tracker.AddProcessed(1)
	w.cfg.Tracker.MaybeUpdateTitle()
}

// wasInFlight distinguishes a completed in-flight request (which
// incremented and must decrement Processing) from a prepare failure
// (which never incremented it). Prepare failures are tagged by
// construction rather than inferred, to avoid ambiguity with a
// NOTSUPPORTED transport completion.
func (w *Worker) wasInFlight(res Result) bool { return !res.fromPrepare }

// flushRequeue implements spec.md §4.3 step 5: submit staged
// completions to the cache's requeue entry point and return the
// earliest next-check time across the batch.
func (w *Worker) flushRequeue() int64 {
	ids, codes, clocks := w.state.drainStaging()
	if len(ids) == 0 {
		return 0
	}
	items := w.cfg.Cache.Items()
	if items == nil {
		return 0
	}
	results := make([]cache.RequeueResult, len(ids))
	for i := range ids {
		results[i] = cache.RequeueResult{ItemID: ids[i], ErrCode: codes[i], LastClock: clocks[i]}
	}
	next, err := items.PollerRequeueItems(results, w.cfg.NextCheckFor)
	if err != nil {
		glog.Warningf("%s: requeue: %v", w.cfg.Name, err)
		return 0
	}
	return next
}

// drainInFlight waits for outstanding requests to complete before the
// worker exits, so PollerState outlives every RequestContext it
// spawned (spec.md §9).
func (w *Worker) drainInFlight() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = w.sem.Acquire(ctx, w.cfg.MaxInFlight)
}

// State exposes the worker's PollerState, for tests.
func (w *Worker) State() *PollerState { return w.state }
