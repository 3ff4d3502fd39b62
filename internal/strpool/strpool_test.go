package strpool_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/zbxsystems/zbxcore/internal/strpool"
)

func TestAcquireReleaseBalances(t *testing.T) {
	p := strpool.New()

	p.Acquire("host-a")
	p.Acquire("host-a")
	require.Equal(t, 2, p.RefCount("host-a"))
	require.Equal(t, 1, p.Len())

	p.Release("host-a")
	require.Equal(t, 1, p.RefCount("host-a"))

	p.Release("host-a")
	require.Equal(t, 0, p.RefCount("host-a"))
	require.Equal(t, 0, p.Len())
}

func TestReleaseUnknownIsNoop(t *testing.T) {
	p := strpool.New()
	require.NotPanics(t, func() { p.Release("never-acquired") })
	require.Equal(t, 0, p.Len())
}

func TestReplaceSwapsAtomically(t *testing.T) {
	p := strpool.New()
	p.Acquire("old-name")

	got := p.Replace("old-name", "new-name")

	require.Equal(t, "new-name", got)
	require.Equal(t, 0, p.RefCount("old-name"))
	require.Equal(t, 1, p.RefCount("new-name"))
}

func TestReplaceWithEmptyOldOnlyAcquires(t *testing.T) {
	p := strpool.New()
	p.Replace("", "fresh-name")
	require.Equal(t, 1, p.RefCount("fresh-name"))
}
