package dbworker_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/zbxsystems/zbxcore/internal/dbstore"
	"github.com/zbxsystems/zbxcore/internal/dbworker"
	"github.com/zbxsystems/zbxcore/internal/ipc"
	"github.com/zbxsystems/zbxcore/internal/macro"
	"github.com/zbxsystems/zbxcore/internal/selfmon"
)

// fakeStore is an in-memory dbstore.TxStore, grounded on macro_resync's
// original SELECT semantics but with a plain map standing in for the
// items table.
type fakeStore struct {
	mtx   sync.Mutex
	items map[uint64]dbstore.MacroItem
	calls int
}

func newFakeStore(items ...dbstore.MacroItem) *fakeStore {
	s := &fakeStore{items: make(map[uint64]dbstore.MacroItem)}
	for _, it := range items {
		s.items[it.ItemID] = it
	}
	return s
}

func (s *fakeStore) SelectMacroCandidates(context.Context) ([]dbstore.MacroItem, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.calls++
	out := make([]dbstore.MacroItem, 0, len(s.items))
	for _, it := range s.items {
		out = append(out, it)
	}
	return out, nil
}

func (s *fakeStore) BatchUpdateResolvedNames(_ context.Context, updates []dbstore.ResolvedName) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	for _, u := range updates {
		it := s.items[u.ItemID]
		it.NameResolvedCurrent = u.NameResolved
		s.items[u.ItemID] = it
	}
	return nil
}

func (s *fakeStore) WithTx(ctx context.Context, fn func(dbstore.Store) error) error {
	return fn(s)
}

func (s *fakeStore) resolvedNameFor(itemID uint64) string {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.items[itemID].NameResolvedCurrent
}

// TestMacroResyncExpandsAndSkipsUnchanged exercises scenario 6 from
// spec.md §8: an item whose expanded name differs from its stored
// name_resolved is updated; one whose expansion is already current is
// left untouched.
func TestMacroResyncExpandsAndSkipsUnchanged(t *testing.T) {
	store := newFakeStore(
		dbstore.MacroItem{ItemID: 1, HostID: 10, Name: "cpu on {$HOST}", NameResolvedCurrent: "cpu on {$HOST}"},
		dbstore.MacroItem{ItemID: 2, HostID: 10, Name: "mem on {$HOST}", NameResolvedCurrent: "mem on web01"},
	)
	expander := macro.NewExpander()
	expander.SetMacro(10, "HOST", "web01")

	w := dbworker.New(dbworker.Config{
		Store:       store,
		MacroHandle: macro.OpenHandle(expander),
		Channel:     ipc.NewInMemChannel(1),
		Tick:        10 * time.Millisecond,
		Tracker:     selfmon.NewTracker("dbconfig_worker", 1, time.Minute, nil),
	})

	done := make(chan error, 1)
	go func() { done <- w.Run() }()

	require.Eventually(t, func() bool {
		return store.resolvedNameFor(1) == "cpu on web01"
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, "mem on web01", store.resolvedNameFor(2))

	w.Stop(nil)
	require.NoError(t, <-done)
}

func TestMacroResyncHandlesShutdownMessage(t *testing.T) {
	store := newFakeStore()
	ch := ipc.NewInMemChannel(1)
	w := dbworker.New(dbworker.Config{
		Store:       store,
		MacroHandle: macro.OpenHandle(macro.NewExpander()),
		Channel:     ch,
		Tick:        10 * time.Millisecond,
		Tracker:     selfmon.NewTracker("dbconfig_worker", 1, time.Minute, nil),
	})

	done := make(chan error, 1)
	go func() { done <- w.Run() }()

	ch.Send(ipc.Message{Kind: ipc.KindShutdown})
	require.NoError(t, <-done)
}
