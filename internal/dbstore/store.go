// Package dbstore defines the database access layer interface
// spec.md §1 lists as out of scope (an external collaborator referenced
// only via its interface). DCW's macro_resync (spec.md §4.2) is written
// entirely against this interface; internal/dbstore/gormstore provides
// the one concrete adapter this repo wires, grounded on the query
// named in original_source's dbconfig_worker.c.
package dbstore

import "context"

// MacroItem is one row macro_resync's SELECT yields: an item whose
// display name contains an unexpanded user-macro marker, whose host is
// enabled, and whose flag is in the allowed set {0, 1, 4}
// (original_source/src/zabbix_server/dbconfigworker/dbconfig_worker.c).
type MacroItem struct {
	ItemID              uint64
	HostID              uint64
	Name                string
	NameResolvedCurrent string
}

// ResolvedName is one staged UPDATE: the new name_resolved value and
// its upper-cased mirror (spec.md §4.2 step 3).
type ResolvedName struct {
	ItemID              uint64
	NameResolved        string
	NameResolvedUpper   string
}

// Store is DCW's database collaborator.
type Store interface {
	// SelectMacroCandidates returns every item matching macro_resync's
	// filter, ordered by itemid (matching the source's "order by
	// itemid").
	SelectMacroCandidates(ctx context.Context) ([]MacroItem, error)
	// BatchUpdateResolvedNames applies every staged UPDATE in one
	// batch (spec.md §4.2 step 4).
	BatchUpdateResolvedNames(ctx context.Context, updates []ResolvedName) error
}

// TxStore additionally brackets a unit of work in a transaction
// (spec.md §4.2 steps 1 and 5: "begin a DB transaction" / "commit"),
// rolling back on error so a TransientDB failure (spec.md §7) simply
// makes the next tick retry.
type TxStore interface {
	Store
	WithTx(ctx context.Context, fn func(Store) error) error
}
