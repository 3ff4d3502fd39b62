package cache

import (
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/zbxsystems/zbxcore/internal/selfmon"
	"github.com/zbxsystems/zbxcore/internal/strpool"
)

const defaultFailoverDelay = 60 * time.Second

// Cache is the Configuration Cache: one process-wide RWMutex guards
// every map below, per spec.md §5's single-lock discipline.
type Cache struct {
	mtx sync.RWMutex

	groups  map[uint64]*ProxyGroup
	proxies map[uint64]*Proxy

	bindings  map[uint64]*HostProxyBinding // linkID -> binding
	hostIndex map[string]*HostProxyBinding // interned host name -> binding
	pool      *strpool.Pool

	proxyGroupRevision uint64

	items *ItemStore

	metrics *selfmon.CacheMetrics
}

// New constructs an empty cache. items may be nil for callers that only
// exercise the proxy-group/host-proxy sync-and-snapshot protocol.
func New(items *ItemStore, metrics *selfmon.CacheMetrics) *Cache {
	return &Cache{
		groups:    make(map[uint64]*ProxyGroup),
		proxies:   make(map[uint64]*Proxy),
		bindings:  make(map[uint64]*HostProxyBinding),
		hostIndex: make(map[string]*HostProxyBinding),
		pool:      strpool.New(),
		items:     items,
		metrics:   metrics,
	}
}

// ProxyGroupRevision returns the cache's aggregate revision, read under
// the read lock for a consistent snapshot.
func (c *Cache) ProxyGroupRevision() uint64 {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	return c.proxyGroupRevision
}

// parseFailoverDelay parses a time-suffix duration string ("30s", "5m")
// the way zbx_is_time_suffix does; on failure it logs a warning and
// returns the documented 60s default (spec.md §3, §7 ParseWarning).
func parseFailoverDelay(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		glog.Warningf("invalid proxy group failover delay %q, using %s default value", s, defaultFailoverDelay)
		return defaultFailoverDelay
	}
	return d
}

// SyncProxyGroups applies one differential-sync batch of proxy-group
// rows under the write lock (spec.md §4.1). Rows are applied in two
// passes: every add/update row first, then every remove row, so removes
// take effect after adds/updates wherever they appear in rows.
func (c *Cache) SyncProxyGroups(rows []ProxyGroupRow, revision uint64) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	changed := 0
	for _, row := range rows {
		if row.Remove {
			continue
		}
		pg, found := c.groups[row.GroupID]
		if !found {
			pg = &ProxyGroup{GroupID: row.GroupID, HostMappingRevision: 0}
			c.groups[row.GroupID] = pg
		}
		pg.FailoverDelay = parseFailoverDelay(row.FailoverDelay)
		pg.MinOnline = row.MinOnline
		pg.Revision = revision
		changed++
	}
	for _, row := range rows {
		if !row.Remove {
			continue
		}
		if _, found := c.groups[row.GroupID]; found {
			delete(c.groups, row.GroupID)
			changed++
		}
	}
	if changed > 0 {
		c.proxyGroupRevision = revision
	}
	if c.metrics != nil {
		c.metrics.SyncTotal("proxy_groups").Inc()
	}
}

// SyncHostProxyBindings applies one differential-sync batch of
// host-proxy-binding rows under the write lock (spec.md §4.1).
func (c *Cache) SyncHostProxyBindings(rows []HostProxyRow) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	for _, row := range rows {
		if row.Remove {
			continue
		}
		hpb, found := c.bindings[row.LinkID]
		if !found {
			hpb = &HostProxyBinding{LinkID: row.LinkID}
			c.bindings[row.LinkID] = hpb
		} else if hpb.HostName != "" {
			// Replacing an existing binding: release the old interned
			// name before acquiring the new one (spec.md §4.1 step 1).
			c.deregisterHostName(hpb.HostName)
		}
		hpb.HostID = row.HostID
		hpb.ProxyID = row.ProxyID
		hpb.Revision = row.Revision
		hpb.HostName = c.pool.Acquire(row.hostName())
		c.registerHostName(hpb)
	}
	for _, row := range rows {
		if !row.Remove {
			continue
		}
		// spec.md §9: the source looks up removals in the wrong map
		// (proxy_groups instead of host_proxy); this is treated as a
		// bug and fixed here — removals search `bindings`.
		hpb, found := c.bindings[row.LinkID]
		if !found {
			continue
		}
		c.deregisterHostName(hpb.HostName)
		delete(c.bindings, row.LinkID)
	}
	if c.metrics != nil {
		c.metrics.SyncTotal("host_proxy_bindings").Inc()
	}
}

// registerHostName indexes hpb by its current HostName; a pre-existing
// entry under that name is replaced without an extra pool acquisition
// (spec.md §4.1 step 2: "duplicates ... replace the pointer but do not
// change the key entry's refcount beyond what §5 requires").
func (c *Cache) registerHostName(hpb *HostProxyBinding) {
	c.hostIndex[hpb.HostName] = hpb
}

func (c *Cache) deregisterHostName(name string) {
	if name == "" {
		return
	}
	delete(c.hostIndex, name)
	c.pool.Release(name)
}

// UpdateHostProxyRename atomically renames a host in the secondary
// index (spec.md §4.1): deregister oldName, insert newName pointing at
// the same binding, acquire newName in the pool, release oldName.
func (c *Cache) UpdateHostProxyRename(oldName, newName string) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	hpb, found := c.hostIndex[oldName]
	if !found {
		return
	}
	delete(c.hostIndex, oldName)
	c.pool.Release(oldName)

	hpb.HostName = c.pool.Acquire(newName)
	c.hostIndex[newName] = hpb
}

// LookupHostProxyByName is the secondary-index read used by scenario 5
// in spec.md §8 and by callers outside this package that need the
// binding for a host name.
func (c *Cache) LookupHostProxyByName(name string) (HostProxyBinding, bool) {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	hpb, found := c.hostIndex[name]
	if !found {
		return HostProxyBinding{}, false
	}
	return *hpb, true
}

// UpsertProxy inserts or updates the authoritative proxy record used by
// ReadProxyLastAccess; proxies are out of this core's sync protocol
// proper but need to exist for the lastaccess read-through to have
// something to read.
func (c *Cache) UpsertProxy(p Proxy) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	cp := p
	c.proxies[p.ProxyID] = &cp
}

// SnapshotProxyGroups implements spec.md §4.1's reader-side refresh.
// local is the caller's private mirror; localRevision is updated in
// place. Returns true if the cache was consulted and the mirror
// updated ("updated"), false for the fast no-op path.
func (c *Cache) SnapshotProxyGroups(local map[uint64]*LocalProxyGroup, localRevision *uint64) bool {
	cacheRev := c.ProxyGroupRevision()
	if *localRevision >= cacheRev {
		if c.metrics != nil {
			c.metrics.SnapshotTotal("proxy_groups", "noop").Inc()
		}
		return false
	}

	// Sweep the caller's mirror to NONE before taking the cache lock —
	// local is never shared, so this needs no lock of its own.
	for _, g := range local {
		g.Flags = FlagNone
	}

	c.mtx.RLock()
	defer c.mtx.RUnlock()

	*localRevision = c.proxyGroupRevision
	for id, dc := range c.groups {
		g, found := local[id]
		if !found {
			g = &LocalProxyGroup{
				GroupID:    id,
				Proxies:    []LocalProxy{},
				HostIDs:    []uint64{},
				NewHostIDs: []uint64{},
				Flags:      FlagAdded,
			}
			local[id] = g
		} else {
			g.Flags = FlagModified
		}
		g.SyncRevision = *localRevision
		if dc.Revision > g.Revision {
			g.Revision = dc.Revision
			g.FailoverDelay = dc.FailoverDelay
			g.MinOnline = dc.MinOnline
		}
	}

	if c.metrics != nil {
		c.metrics.SnapshotTotal("proxy_groups", "updated").Inc()
	}
	return true
}

// SweepStale removes every mirror entry still flagged NONE after a
// SnapshotProxyGroups call — the cache no longer has it (spec.md §3).
func SweepStale(local map[uint64]*LocalProxyGroup) {
	for id, g := range local {
		if g.Flags == FlagNone {
			delete(local, id)
		}
	}
}

// ReadProxyLastAccess implements spec.md §4.1: for each mirror proxy,
// copy the authoritative lastaccess under one read-lock span, or zero
// it if the proxy is no longer present.
func (c *Cache) ReadProxyLastAccess(localProxies []LocalProxy) {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	for i := range localProxies {
		if p, found := c.proxies[localProxies[i].ProxyID]; found {
			localProxies[i].LastAccess = p.LastAccess
		} else {
			localProxies[i].LastAccess = 0
		}
	}
}

// UpdateGroupHPMapRevision stamps mapping_revision on every present
// group id under the write lock (spec.md §4.1).
func (c *Cache) UpdateGroupHPMapRevision(groupIDs []uint64, revision uint64) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	for _, id := range groupIDs {
		if g, found := c.groups[id]; found {
			g.HostMappingRevision = revision
		}
	}
}

// Items exposes the opaque item-query interface (spec.md §3: "an
// opaque set of pollable items consulted via a query interface"). May
// be nil if the cache was constructed without one.
func (c *Cache) Items() *ItemStore { return c.items }

// Len returns the current number of proxy groups, for tests.
func (c *Cache) Len() int {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	return len(c.groups)
}
