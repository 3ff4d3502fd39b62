package cache_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/zbxsystems/zbxcore/internal/cache"
)

func openStore(t *testing.T) *cache.ItemStore {
	t.Helper()
	s, err := cache.OpenItemStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestGetPollerItemsFiltersByTypeAndDueTime(t *testing.T) {
	s := openStore(t)
	now := time.Now()

	require.NoError(t, s.Put(cache.Item{ItemID: 1, PollerType: "http_agent", NextCheck: now.Add(-time.Minute).Unix()}))
	require.NoError(t, s.Put(cache.Item{ItemID: 2, PollerType: "http_agent", NextCheck: now.Add(time.Hour).Unix()}))
	require.NoError(t, s.Put(cache.Item{ItemID: 3, PollerType: "other", NextCheck: now.Add(-time.Minute).Unix()}))

	items, err := s.GetPollerItems("http_agent", 1000, 0, now)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.EqualValues(t, 1, items[0].ItemID)
}

func TestGetPollerItemsAppliesBackPressure(t *testing.T) {
	s := openStore(t)
	now := time.Now()
	for i := uint64(1); i <= 5; i++ {
		require.NoError(t, s.Put(cache.Item{ItemID: i, PollerType: "http_agent", NextCheck: now.Unix() - 1}))
	}

	items, err := s.GetPollerItems("http_agent", 3, 2, now)
	require.NoError(t, err)
	require.Len(t, items, 1) // ceiling(3) - processing(2) = 1

	items, err = s.GetPollerItems("http_agent", 3, 3, now)
	require.NoError(t, err)
	require.Empty(t, items) // no headroom left
}

func TestPollerRequeueItemsSetsStateAndNextCheck(t *testing.T) {
	s := openStore(t)
	now := time.Now()
	require.NoError(t, s.Put(cache.Item{ItemID: 1, PollerType: "http_agent", NextCheck: now.Unix()}))

	nextCheckFor := func(it cache.Item) int64 { return now.Add(time.Minute).Unix() }
	minNext, err := s.PollerRequeueItems([]cache.RequeueResult{
		{ItemID: 1, ErrCode: cache.ErrCodeSucceed, LastClock: now.Unix()},
	}, nextCheckFor)
	require.NoError(t, err)
	require.Equal(t, now.Add(time.Minute).Unix(), minNext)

	items, err := s.GetPollerItems("http_agent", 1000, 0, now.Add(2*time.Minute))
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, cache.ItemStateNormal, items[0].State)
}

func TestPollerRequeueItemsMarksNotSupportedOnFailure(t *testing.T) {
	s := openStore(t)
	now := time.Now()
	require.NoError(t, s.Put(cache.Item{ItemID: 1, PollerType: "http_agent", NextCheck: now.Unix()}))

	_, err := s.PollerRequeueItems([]cache.RequeueResult{
		{ItemID: 1, ErrCode: cache.ErrCodeAgentError, LastClock: now.Unix()},
	}, func(cache.Item) int64 { return now.Add(time.Minute).Unix() })
	require.NoError(t, err)

	items, err := s.GetPollerItems("http_agent", 1000, 0, now.Add(2*time.Minute))
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, cache.ItemStateNotSupported, items[0].State)
}

func TestPollerRequeueItemsSkipsMissingItems(t *testing.T) {
	s := openStore(t)
	minNext, err := s.PollerRequeueItems([]cache.RequeueResult{{ItemID: 999}}, func(cache.Item) int64 { return 0 })
	require.NoError(t, err)
	require.Zero(t, minNext)
}

func TestPollerRequeueItemsEmptyIsNoop(t *testing.T) {
	s := openStore(t)
	minNext, err := s.PollerRequeueItems(nil, func(cache.Item) int64 { return 0 })
	require.NoError(t, err)
	require.Zero(t, minNext)
}
