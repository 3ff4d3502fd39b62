// Command zbxcored is the monitoring-server daemon: it wires the
// configuration cache, the DB-config worker, and a pool of async HTTP
// poller workers behind the teacher's rungroup lifecycle pattern
// (ais/daemon.go).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli"
	"github.com/zbxsystems/zbxcore/internal/cache"
	"github.com/zbxsystems/zbxcore/internal/config"
	"github.com/zbxsystems/zbxcore/internal/dbstore"
	"github.com/zbxsystems/zbxcore/internal/dbstore/gormstore"
	"github.com/zbxsystems/zbxcore/internal/dbworker"
	"github.com/zbxsystems/zbxcore/internal/ipc"
	"github.com/zbxsystems/zbxcore/internal/macro"
	"github.com/zbxsystems/zbxcore/internal/poller"
	"github.com/zbxsystems/zbxcore/internal/preprocessor"
	"github.com/zbxsystems/zbxcore/internal/runner"
	"github.com/zbxsystems/zbxcore/internal/selfmon"
)

func main() {
	app := cli.NewApp()
	app.Name = "zbxcored"
	app.Usage = "asynchronous HTTP polling engine and configuration cache"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "config", Usage: "path to JSON config file"},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		glog.Fatalf("zbxcored: %v", err)
	}
}

func run(c *cli.Context) error {
	defer glog.Flush()

	owner := config.NewOwner()
	if err := owner.Load(c.String("config")); err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg := owner.Get()

	stopWatch := make(chan struct{})
	defer close(stopWatch)
	if err := owner.WatchAndReload(stopWatch); err != nil {
		glog.Warningf("config hot-reload disabled: %v", err)
	}

	reg := prometheus.NewRegistry()
	cacheMetrics := selfmon.NewCacheMetrics(reg)

	items, err := cache.OpenItemStore(cfg.ItemStorePath)
	if err != nil {
		return fmt.Errorf("open item store: %w", err)
	}
	defer items.Close()

	cc := cache.New(items, cacheMetrics)

	natsPub, closePub, err := ipc.NewNATSPublisher(cfg.NATSURL)
	if err != nil {
		glog.Warningf("ipc publisher unavailable, control channel commands will be dropped: %v", err)
	} else {
		defer closePub()
	}
	_ = natsPub

	sink := preprocessor.NewMemSink()

	group := runner.NewGroup()

	dcwChannel, err := ipc.DialNATSChannel(cfg.NATSURL, ipc.EndpointDBConfigWorker)
	if err != nil {
		return fmt.Errorf("dial dbconfig-worker ipc: %w", err)
	}
	dcwTracker := selfmon.NewTracker("dbconfig_worker", 1, cfg.ProcTitleInterval, setProcTitle)
	dcwStore, err := openStore(cfg.DBDSN)
	if err != nil {
		return fmt.Errorf("open db store: %w", err)
	}
	dcw := dbworker.New(dbworker.Config{
		Store:       dcwStore,
		MacroHandle: macro.OpenHandle(macro.NewExpander()),
		Channel:     dcwChannel,
		Tick:        cfg.DBConfigWorkerTick,
		Tracker:     dcwTracker,
	})
	group.Add(dcw)

	for i := 1; i <= cfg.PollerWorkers; i++ {
		pollerChannel, err := ipc.DialNATSChannel(cfg.NATSURL, ipc.PollerEndpoint(i))
		if err != nil {
			return fmt.Errorf("dial poller %d ipc: %w", i, err)
		}
		tracker := selfmon.NewTracker("poller", i, cfg.ProcTitleInterval, setProcTitle)
		metrics := selfmon.NewPollerMetrics(reg, fmt.Sprintf("poller-%d", i))
		w := poller.NewWorker(poller.Config{
			Name:           fmt.Sprintf("poller #%d", i),
			PollerKind:     "http_agent",
			Cache:          cc,
			Sink:           sink,
			Channel:        pollerChannel,
			SourceIP:       cfg.PollerSourceIP,
			RequestTimeout: cfg.RequestTimeout,
			BatchCeiling:   cfg.PollerBatchSize,
			FetchInterval:  cfg.FetchTickInterval,
			Tracker:        tracker,
			Metrics:        metrics,
		})
		group.Add(w)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		glog.Infof("zbxcored: shutdown signal received")
		if natsPub != nil {
			_ = natsPub.Publish("", ipc.Message{Kind: ipc.KindShutdown})
		}
	}()

	return group.Run()
}

// setProcTitle is the process-title sink named in spec.md §6; a real
// daemon would call into setproctitle-style OS plumbing (out of this
// core's scope), so this just logs it at V(2).
func setProcTitle(title string) {
	glog.V(2).Infof("proctitle: %s", title)
}

// openStore wires the out-of-scope database access layer: a configured
// DSN gets the real gormstore.Store, and an empty one falls back to an
// in-memory store so macro_resync has a harmless nothing-to-select
// target to run against.
func openStore(dsn string) (dbstore.TxStore, error) {
	if dsn == "" {
		return &emptyStore{}, nil
	}
	return gormstore.Open(dsn)
}

// emptyStore is a dbstore.TxStore with no candidates, used when no DB
// DSN is configured.
type emptyStore struct{}

func (emptyStore) SelectMacroCandidates(context.Context) ([]dbstore.MacroItem, error) {
	return nil, nil
}

func (emptyStore) BatchUpdateResolvedNames(context.Context, []dbstore.ResolvedName) error {
	return nil
}

func (s *emptyStore) WithTx(ctx context.Context, fn func(dbstore.Store) error) error {
	return fn(s)
}
