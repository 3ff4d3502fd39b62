// Package gormstore is the one concrete adapter this repo wires for
// the out-of-scope database access layer (internal/dbstore.Store),
// built against gorm.io/gorm + the MySQL driver the way the
// nabbar-golib example pack wires its own gorm-backed stores
// (database/gorm). It speaks directly to the items/hosts columns named
// in original_source's dbconfig_worker.c; DCW itself never imports
// this package, it only depends on dbstore.Store.
package gormstore

import (
	"context"

	"github.com/pkg/errors"
	"github.com/zbxsystems/zbxcore/internal/dbstore"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

// item mirrors the subset of the `items` table macro_resync touches.
type item struct {
	ItemID              uint64 `gorm:"column:itemid;primaryKey"`
	HostID              uint64 `gorm:"column:hostid"`
	Name                string `gorm:"column:name"`
	NameResolved        string `gorm:"column:name_resolved"`
	NameUpper           string `gorm:"column:name_upper"`
	Flags               int    `gorm:"column:flags"`
}

func (item) TableName() string { return "items" }

// Store is a dbstore.TxStore backed by gorm.
type Store struct {
	db *gorm.DB
}

// Open connects to a MySQL DSN, matching the DCW startup step "connect
// to DB" in spec.md §4.2.
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, errors.Wrap(err, "gormstore: connect")
	}
	return &Store{db: db}, nil
}

// allowedFlags is the {0, 1, 4} set macro_resync's SELECT filters on
// (original_source/src/zabbix_server/dbconfigworker/dbconfig_worker.c).
var allowedFlags = []int{0, 1, 4}

func (s *Store) SelectMacroCandidates(ctx context.Context) ([]dbstore.MacroItem, error) {
	var rows []item
	err := s.db.WithContext(ctx).
		Table("items i").
		Select("i.itemid, i.hostid, i.name, i.name_resolved").
		Joins("join hosts h on i.hostid = h.hostid").
		Where("i.name_upper like ?", "%{$%").
		Where("h.status in ?", []int{0, 1}).
		Where("i.flags in ?", allowedFlags).
		Order("i.itemid").
		Find(&rows).Error
	if err != nil {
		return nil, errors.Wrap(err, "gormstore: select macro candidates")
	}
	out := make([]dbstore.MacroItem, len(rows))
	for i, r := range rows {
		out[i] = dbstore.MacroItem{
			ItemID:              r.ItemID,
			HostID:              r.HostID,
			Name:                r.Name,
			NameResolvedCurrent: r.NameResolved,
		}
	}
	return out, nil
}

func (s *Store) BatchUpdateResolvedNames(ctx context.Context, updates []dbstore.ResolvedName) error {
	if len(updates) == 0 {
		return nil
	}
	db := s.db.WithContext(ctx)
	for _, u := range updates {
		err := db.Table("items").
			Where("itemid = ?", u.ItemID).
			Updates(map[string]interface{}{
				"name_resolved":       u.NameResolved,
				"name_resolved_upper": u.NameResolvedUpper,
			}).Error
		if err != nil {
			return errors.Wrapf(err, "gormstore: update item %d", u.ItemID)
		}
	}
	return nil
}

func (s *Store) WithTx(ctx context.Context, fn func(dbstore.Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx})
	})
}
