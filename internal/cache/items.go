package cache

import (
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/tidwall/buntdb"
)

// Item is the opaque-to-the-poller record spec.md §3 describes: the
// cache only needs identity, scheduling, and the poller-type it's due
// for; everything else (method, headers, TLS material, ...) is carried
// along for the poller to interpret.
type Item struct {
	ItemID     uint64 `json:"itemid"`
	HostID     uint64 `json:"hostid"`
	PollerType string `json:"poller_type"`
	NextCheck  int64  `json:"nextcheck"` // unix seconds

	ValueType int    `json:"value_type"`
	Flags     int    `json:"flags"`
	State     int    `json:"state"`

	Method          string            `json:"method"`
	URL             string            `json:"url"`
	QueryFields     map[string]string `json:"query_fields,omitempty"`
	Headers         map[string]string `json:"headers,omitempty"`
	Posts           []byte            `json:"posts,omitempty"`
	RetrieveMode    int               `json:"retrieve_mode"`
	ProxyURL        string            `json:"proxy_url,omitempty"`
	FollowRedirects bool              `json:"follow_redirects"`
	Timeout         time.Duration     `json:"timeout"`
	TLSCert         []byte            `json:"tls_cert,omitempty"`
	TLSKey          []byte            `json:"tls_key,omitempty"`
	AuthUser        string            `json:"auth_user,omitempty"`
	AuthPassword    string            `json:"auth_password,omitempty"`

	StatusCodes []byte `json:"status_codes,omitempty"` // acceptable status-code pattern
	OutputFormat string `json:"output_format,omitempty"`
}

// ItemStore is the concrete backing for CC's opaque item-query
// interface (SPEC_FULL.md's "Configuration Cache" addition): items
// keyed by itemid, a nextcheck-ordered index driving due-item
// acquisition, and a batched requeue transaction.
type ItemStore struct {
	db *buntdb.DB
}

// OpenItemStore opens (or creates) the buntdb-backed item store at
// path. ":memory:" keeps everything in process memory, matching the
// cache's otherwise-in-memory nature.
func OpenItemStore(path string) (*ItemStore, error) {
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open item store %s: %w", path, err)
	}
	if err := db.CreateIndex("nextcheck", "*", buntdb.IndexJSON("nextcheck")); err != nil {
		db.Close()
		return nil, fmt.Errorf("create nextcheck index: %w", err)
	}
	return &ItemStore{db: db}, nil
}

func (s *ItemStore) Close() error { return s.db.Close() }

func itemKey(itemID uint64) string { return fmt.Sprintf("item:%020d", itemID) }

// Put inserts or replaces an item, e.g. when seeding the store or when
// an external syncer (out of this core's scope) adds new items.
func (s *ItemStore) Put(it Item) error {
	b, err := jsoniter.Marshal(it)
	if err != nil {
		return fmt.Errorf("marshal item %d: %w", it.ItemID, err)
	}
	return s.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(itemKey(it.ItemID), string(b), nil)
		return err
	})
}

// GetPollerItems implements spec.md §4.3 step 1 / §6's
// get_poller_items: an ascending nextcheck-ordered scan, bounded by
// (batchCeiling - processing) for back-pressure (spec.md §5), of items
// due at or before now whose PollerType matches.
func (s *ItemStore) GetPollerItems(pollerType string, batchCeiling, processing int, now time.Time) ([]Item, error) {
	limit := batchCeiling - processing
	if limit <= 0 {
		return nil, nil
	}
	nowSec := now.Unix()
	var out []Item
	err := s.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendLessThan("nextcheck", fmt.Sprintf(`{"nextcheck":%d}`, nowSec+1), func(_, value string) bool {
			var it Item
			if err := jsoniter.UnmarshalFromString(value, &it); err != nil {
				return true // skip malformed rows rather than abort the scan
			}
			if it.PollerType == pollerType && it.NextCheck <= nowSec {
				out = append(out, it)
			}
			return len(out) < limit
		})
	})
	if err != nil {
		return nil, fmt.Errorf("scan due items: %w", err)
	}
	return out, nil
}

// RequeueResult is one staged completion: (itemid, errcode, lastclock)
// per spec.md §3's parallel PollerState vectors.
type RequeueResult struct {
	ItemID    uint64
	ErrCode   int
	LastClock int64
}

// PollerRequeueItems implements spec.md §4.3 step 5 /
// poller_requeue_items: stamps each item's next check time from its
// polling interval policy (the caller supplies nextCheckFor, since the
// scheduling policy itself — fixed interval, flexible windows — is out
// of this core's scope) and returns the earliest next-check time across
// the batch.
func (s *ItemStore) PollerRequeueItems(results []RequeueResult, nextCheckFor func(Item) int64) (int64, error) {
	if len(results) == 0 {
		return 0, nil
	}
	var minNext int64 = -1
	err := s.db.Update(func(tx *buntdb.Tx) error {
		for _, r := range results {
			val, err := tx.Get(itemKey(r.ItemID))
			if err == buntdb.ErrNotFound {
				continue
			}
			if err != nil {
				return err
			}
			var it Item
			if err := jsoniter.UnmarshalFromString(val, &it); err != nil {
				return fmt.Errorf("unmarshal item %d: %w", r.ItemID, err)
			}
			it.State = stateFromErrCode(r.ErrCode)
			it.NextCheck = nextCheckFor(it)
			b, err := jsoniter.Marshal(it)
			if err != nil {
				return err
			}
			if _, _, err := tx.Set(itemKey(r.ItemID), string(b), nil); err != nil {
				return err
			}
			if minNext == -1 || it.NextCheck < minNext {
				minNext = it.NextCheck
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("requeue items: %w", err)
	}
	if minNext == -1 {
		return 0, nil
	}
	return minNext, nil
}

// stateFromErrCode mirrors spec.md's item state assignment: SUCCEED
// reported completions leave the item in its normal state; anything
// else (NOT_SUPPORTED/AGENT_ERROR/CONFIG_ERROR) marks it unsupported.
func stateFromErrCode(errCode int) int {
	if errCode == ErrCodeSucceed {
		return ItemStateNormal
	}
	return ItemStateNotSupported
}

// Item state and errcode enums named in spec.md §3, §4.3, §7.
const (
	ItemStateNormal       = 0
	ItemStateNotSupported = 1
)

const (
	ErrCodeSucceed      = 0
	ErrCodeNotSupported = 1
	ErrCodeAgentError   = 2
	ErrCodeConfigError  = 3
)
