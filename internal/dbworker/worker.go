// Package dbworker implements the DB-Config Worker (DCW): the single
// long-running task that re-resolves user macros embedded in item
// display names and writes the resolved strings back through the
// database access layer in batched updates (spec.md §4.2).
package dbworker

import (
	"context"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/zbxsystems/zbxcore/internal/dbstore"
	"github.com/zbxsystems/zbxcore/internal/ipc"
	"github.com/zbxsystems/zbxcore/internal/macro"
	"github.com/zbxsystems/zbxcore/internal/selfmon"
)

// batchFlushThreshold bounds how many staged updates are batched into
// one BatchUpdateResolvedNames call before a partial flush, so one
// resync never holds a single unbounded batch in memory. It counts
// updates, not bytes of accumulated SQL text.
const batchFlushThreshold = 500

// Worker is the DCW runner.
type Worker struct {
	name    string
	store   dbstore.TxStore
	handle  macro.Handle
	channel ipc.Channel
	tick    time.Duration
	tracker *selfmon.Tracker

	stopCh chan struct{}
}

type Config struct {
	Store        dbstore.TxStore
	MacroHandle  macro.Handle
	Channel      ipc.Channel
	Tick         time.Duration
	Tracker      *selfmon.Tracker
}

func New(cfg Config) *Worker {
	tick := cfg.Tick
	if tick <= 0 {
		tick = time.Second
	}
	return &Worker{
		name:    "dbconfig-worker",
		store:   cfg.Store,
		handle:  cfg.MacroHandle,
		channel: cfg.Channel,
		tick:    tick,
		tracker: cfg.Tracker,
		stopCh:  make(chan struct{}),
	}
}

func (w *Worker) Name() string { return "dbconfig-worker" }

// Run is the steady-state loop from spec.md §4.2: block on IPC receive
// with a small tick period, deserialize any DBCONFIG_WORKER_REQUEST
// into the host-ids vector (the vector is not otherwise used: the
// resync runs on every wake, request or tick, and always re-scans all
// eligible items), invoke macro_resync, bracket the wait with idle/busy
// counters, and refresh the process title at most every 5s.
func (w *Worker) Run() error {
	var hostIDs []uint64

	if _, err := w.macroResync(context.Background()); err != nil {
		glog.Warningf("%s: initial macro resync failed: %v", w.name, err)
	}

	for {
		select {
		case <-w.stopCh:
			return nil
		default:
		}

		resumeBusy := w.tracker.Idle()
		msg, ok, err := w.channel.Recv(w.tick)
		resumeBusy()
		if err != nil {
			glog.Warningf("%s: ipc recv error: %v", w.name, err)
		}

		if ok && msg != nil {
			switch msg.Kind {
			case ipc.KindShutdown:
				return nil
			case ipc.KindDBConfigWorkerRequest:
				hostIDs = msg.HostIDs
			}
		}
		_ = hostIDs

		updated, err := w.macroResync(context.Background())
		if err != nil {
			glog.Warningf("%s: macro resync failed: %v", w.name, err)
			continue
		}
		w.tracker.AddProcessed(uint64(updated))
		w.tracker.MaybeUpdateTitle()
	}
}

func (w *Worker) Stop(error) {
	close(w.stopCh)
}

// macroResync implements spec.md §4.2's macro_resync: select candidate
// items inside a transaction, expand macros in the display name
// against the host id, stage an UPDATE whenever the expansion differs
// from the stored name_resolved, and commit one batch. A "deleted"
// counter is kept as a local that is never incremented (spec.md §9);
// it is not part of the return values, which are the number of
// updates applied and the error.
func (w *Worker) macroResync(ctx context.Context) (updated int, err error) {
	start := time.Now()
	var deleted int
	err = w.store.WithTx(ctx, func(tx dbstore.Store) error {
		candidates, err := tx.SelectMacroCandidates(ctx)
		if err != nil {
			return err
		}

		var staged []dbstore.ResolvedName
		flush := func() error {
			if len(staged) == 0 {
				return nil
			}
			if err := tx.BatchUpdateResolvedNames(ctx, staged); err != nil {
				return err
			}
			updated += len(staged)
			staged = staged[:0]
			return nil
		}

		for _, c := range candidates {
			resolved := w.handle.Expand(c.Name, c.HostID)
			if resolved == c.NameResolvedCurrent {
				continue
			}
			staged = append(staged, dbstore.ResolvedName{
				ItemID:            c.ItemID,
				NameResolved:      resolved,
				NameResolvedUpper: strings.ToUpper(resolved),
			})
			if len(staged) >= batchFlushThreshold {
				if err := flush(); err != nil {
					return err
				}
			}
		}
		return flush()
	})
	if err != nil {
		return 0, err
	}
	_ = deleted
	glog.Infof("%s: macro resync done in %s updates=%d", w.name, time.Since(start), updated)
	return updated, nil
}
