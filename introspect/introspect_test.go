package introspect_test

import (
	"testing"

	"github.com/modulus-lang/memory/introspect"
	"github.com/modulus-lang/memory/memutils"
	"github.com/stretchr/testify/require"
)

func TestPageAndWordSize(t *testing.T) {
	require.Greater(t, introspect.PageSize(), 0)
	require.NoError(t, memutils.CheckPow2(introspect.PageSize(), "page size"))
	require.Contains(t, []int{4, 8}, introspect.WordSize())
	require.Greater(t, introspect.CacheLineSize(), 0)
}

func TestMissingCacheLevelsReportZero(t *testing.T) {
	missing := introspect.CacheLevel(introspect.CacheLevelCount())
	require.Equal(t, 0, introspect.CacheSize(missing))
	require.Equal(t, 0, introspect.CacheSectors(missing))
	require.Equal(t, 0, introspect.CacheSectorSize(missing))
	require.Equal(t, 0, introspect.CacheSize(-1))
}

func TestCacheLevelsAreConsistent(t *testing.T) {
	for level := introspect.L1; int(level) < introspect.CacheLevelCount(); level++ {
		size := introspect.CacheSize(level)
		require.Greater(t, size, 0, level.String())

		lineSize := introspect.CacheSectorSize(level)
		if lineSize > 0 {
			require.Equal(t, size/lineSize, introspect.CacheSectors(level))
		}
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	first := introspect.Snapshot()
	require.Equal(t, introspect.PageSize(), first.PageSize)
	require.Len(t, first.Caches, introspect.CacheLevelCount())

	if len(first.Caches) > 0 {
		first.Caches[0].Size = -1
		require.NotEqual(t, -1, introspect.CacheSize(introspect.L1))
	}
}

func TestCacheLevelString(t *testing.T) {
	require.Equal(t, "L1", introspect.L1.String())
	require.Equal(t, "L3", introspect.L3.String())
	require.Equal(t, "LExt+0", introspect.LExt.String())
	require.Equal(t, "LExt+2", (introspect.LExt + 2).String())
}
