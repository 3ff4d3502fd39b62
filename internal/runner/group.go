// Package runner collects the daemon's long-lived components (the
// DB-config worker and every async poller worker) behind one small
// interface and drives them the way
// ais/daemon.go's rungroup drives proxy/target sub-runners: start them
// all, and on the first exit, stop the rest.
package runner

import (
	"sync"

	"github.com/golang/glog"
	"go.uber.org/atomic"
)

// Runner is implemented by every long-lived component in the daemon.
type Runner interface {
	Name() string
	Run() error
	Stop(err error)
}

// Group runs a fixed set of Runners concurrently and tears them all down
// as soon as any one of them returns.
type Group struct {
	mtx      sync.Mutex
	runners  map[string]Runner
	errCh    chan error
	stopping atomic.Bool
}

func NewGroup() *Group {
	return &Group{runners: make(map[string]Runner, 8)}
}

// Add registers r. Panics on a duplicate name, mirroring the teacher's
// cos.Assert(!exists) — a programming error, not a runtime condition.
func (g *Group) Add(r Runner) {
	g.mtx.Lock()
	defer g.mtx.Unlock()
	if r.Name() == "" {
		panic("runner: empty name")
	}
	if _, exists := g.runners[r.Name()]; exists {
		panic("runner: duplicate name " + r.Name())
	}
	g.runners[r.Name()] = r
}

// Run starts every registered runner and blocks until all of them have
// exited. The first runner to return triggers Stop on every other
// runner; its error is the one returned.
func (g *Group) Run() error {
	g.mtx.Lock()
	runners := make([]Runner, 0, len(g.runners))
	for _, r := range g.runners {
		runners = append(runners, r)
	}
	g.mtx.Unlock()

	type exit struct {
		idx int
		err error
	}
	exits := make(chan exit, len(runners))

	g.stopping.Store(false)
	for i, r := range runners {
		go func(i int, r Runner) {
			err := r.Run()
			if err != nil {
				glog.Warningf("runner [%s] exited with err [%v]", r.Name(), err)
			}
			exits <- exit{idx: i, err: err}
		}(i, r)
	}

	first := <-exits
	g.stopping.Store(true)
	for i, r := range runners {
		if i != first.idx {
			r.Stop(first.err)
		}
	}
	for i := 0; i < len(runners)-1; i++ {
		<-exits
	}
	return first.err
}

// Stopping reports whether the group has begun shutting down.
func (g *Group) Stopping() bool { return g.stopping.Load() }
