// Package cache implements the Configuration Cache (CC): the
// process-wide, read-mostly store of proxy groups and host-proxy
// bindings, and the revision-gated sync/snapshot protocol pollers and
// the DB-config worker use to stay current with it.
//
// Grounded on the teacher's cluster.Smap (cluster/map.go): one
// RWMutex-guarded struct holding maps keyed by id, a monotonic
// revision counter, and a distinct reader-side "local mirror" type —
// generalized here to proxy groups and host-proxy bindings per
// spec.md §3-§5, and on
// _examples/original_source/src/libs/zbxcacheconfig/proxy_group.c for
// the exact sync/snapshot algorithm.
package cache

import "time"

// Flags is the tri-state a LocalProxyGroup mirror entry carries across
// a refresh: NONE at rest or once swept stale, ADDED on first mirror,
// MODIFIED when an existing entry is refreshed. It's a plain value, not
// an enum-by-convention: callers compare it directly.
type Flags uint8

const (
	FlagNone Flags = iota
	FlagAdded
	FlagModified
)

func (f Flags) String() string {
	switch f {
	case FlagAdded:
		return "ADDED"
	case FlagModified:
		return "MODIFIED"
	default:
		return "NONE"
	}
}

// ProxyGroup is the authoritative, cache-owned record for one proxy
// group (spec.md §3).
type ProxyGroup struct {
	GroupID             uint64
	FailoverDelay       time.Duration
	MinOnline           int
	Revision            uint64
	HostMappingRevision uint64
}

// HostProxyBinding is the authoritative host->proxy link record
// (spec.md §3). HostName is the interned string used for the secondary
// index.
type HostProxyBinding struct {
	LinkID   uint64
	HostID   uint64
	ProxyID  uint64
	Revision uint64
	HostName string
}

// Proxy is the minimal authoritative proxy record read_proxy_lastaccess
// consults; the rest of a proxy's fields are out of this core's scope.
type Proxy struct {
	ProxyID    uint64
	LastAccess int64
}

// LocalProxy is one entry in a reader's mirrored proxy vector.
type LocalProxy struct {
	ProxyID    uint64
	LastAccess int64
}

// LocalProxyGroup is a reader's per-group mirror (spec.md §3): owned by
// the caller, never shared, refreshed in place by SnapshotProxyGroups.
type LocalProxyGroup struct {
	GroupID       uint64
	SyncRevision  uint64
	Revision      uint64
	FailoverDelay time.Duration
	MinOnline     int
	Proxies       []LocalProxy
	HostIDs       []uint64
	NewHostIDs    []uint64
	Flags         Flags
}

// ProxyGroupRow is one row of a proxy-group differential-sync stream:
// (proxy_groupid, failover_delay, min_online), tagged as add/update vs.
// remove.
type ProxyGroupRow struct {
	GroupID       uint64
	FailoverDelay string
	MinOnline     int
	Remove        bool
}

// HostProxyRow is one row of a host-proxy-binding differential-sync
// stream: (hostproxyid, hostid, host, proxyid, revision,
// host_host_nullable).
type HostProxyRow struct {
	LinkID       uint64
	HostID       uint64
	Host         string
	ProxyID      uint64
	Revision     uint64
	GroupHost    string // host.host, empty/unset means NULL in the source row
	GroupHostSet bool
	Remove       bool
}

// hostName picks the indexing name per spec.md §3: the group-member
// host's name when present, else the binding's own host string.
func (r HostProxyRow) hostName() string {
	if r.GroupHostSet && r.GroupHost != "" {
		return r.GroupHost
	}
	return r.Host
}
