package ledger_test

import (
	"math"
	"testing"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/modulus-lang/memory/ledger"
	"github.com/modulus-lang/memory/memutils"
	"github.com/stretchr/testify/require"
)

// The layouts below are written out for 8-byte headers
func requireWordHeaders(t *testing.T) {
	if ledger.HeaderSize != 8 {
		t.Skipf("layout assumes 8-byte headers, platform has %d", ledger.HeaderSize)
	}
}

func requireRegions(t *testing.T, l *ledger.Ledger, expected ...ledger.Region) {
	var regions []ledger.Region
	err := l.VisitAllRegions(func(region ledger.Region) error {
		regions = append(regions, region)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, expected, regions)
	require.NoError(t, l.Validate())
}

func TestNewLedger(t *testing.T) {
	requireWordHeaders(t)

	l, err := ledger.New(64)
	require.NoError(t, err)

	require.Equal(t, 64, l.Size())
	require.Equal(t, 1, l.BlockCount())
	require.Equal(t, 1, l.FreeRegionsCount())
	require.Equal(t, 48, l.SumFreeSize())
	require.True(t, l.IsEmpty())

	requireRegions(t, l, ledger.Region{Handle: 16, Offset: 8, Size: 48, Free: true})
}

func TestNewLedgerBadSize(t *testing.T) {
	_, err := ledger.New(ledger.MinRegionSize - ledger.Alignment)
	require.Error(t, err)

	_, err = ledger.New(ledger.MinRegionSize + 1)
	require.Error(t, err)
}

func TestAllocateBothArenas(t *testing.T) {
	requireWordHeaders(t)

	l, err := ledger.New(64)
	require.NoError(t, err)

	global, err := l.Allocate(16, ledger.Global, l.Size())
	require.NoError(t, err)
	require.Equal(t, ledger.Handle(16), global)

	requireRegions(t, l,
		ledger.Region{Handle: 16, Offset: 8, Size: 16, Arena: ledger.Global},
		ledger.Region{Handle: 40, Offset: 32, Size: 24, Free: true},
	)

	// The remainder is too small to split again, so the local allocation takes all of it
	local, err := l.Allocate(16, ledger.Local, 32)
	require.NoError(t, err)
	require.Equal(t, ledger.LocalHandle(64, 40), local)

	requireRegions(t, l,
		ledger.Region{Handle: 16, Offset: 8, Size: 16, Arena: ledger.Global},
		ledger.Region{Handle: ledger.LocalHandle(64, 40), Offset: 32, Size: 24, Arena: ledger.Local},
	)
	require.Equal(t, 0, l.FreeRegionsCount())

	failed, err := l.Allocate(8, ledger.Global, 32)
	require.NoError(t, err)
	require.Equal(t, ledger.NoHandle, failed)
}

func TestFreeCoalescesEitherOrder(t *testing.T) {
	requireWordHeaders(t)

	for _, globalFirst := range []bool{true, false} {
		l, err := ledger.New(64)
		require.NoError(t, err)

		global, err := l.Allocate(16, ledger.Global, l.Size())
		require.NoError(t, err)
		local, err := l.Allocate(16, ledger.Local, 32)
		require.NoError(t, err)

		order := []ledger.Handle{global, local}
		if !globalFirst {
			order = []ledger.Handle{local, global}
		}

		_, err = l.Free(order[0])
		require.NoError(t, err)
		require.NoError(t, l.Validate())

		merged, err := l.Free(order[1])
		require.NoError(t, err)
		require.Equal(t, ledger.Region{Handle: 16, Offset: 8, Size: 48, Free: true}, merged)

		requireRegions(t, l, ledger.Region{Handle: 16, Offset: 8, Size: 48, Free: true})
		require.True(t, l.IsEmpty())
	}
}

func TestLocalAllocationTakesHighEnd(t *testing.T) {
	requireWordHeaders(t)

	l, err := ledger.New(256)
	require.NoError(t, err)

	local, err := l.Allocate(16, ledger.Local, ledger.HeaderSize)
	require.NoError(t, err)
	require.Equal(t, ledger.LocalHandle(256, 240), local)

	requireRegions(t, l,
		ledger.Region{Handle: 16, Offset: 8, Size: 216, Free: true},
		ledger.Region{Handle: local, Offset: 232, Size: 16, Arena: ledger.Local},
	)

	// Local handles count from the end of the region and carry the low tag bit
	require.Equal(t, ledger.Handle(17), local)
	_, ok := l.Lookup(240)
	require.False(t, ok)
}

func TestFindFitRespectsArenaLimits(t *testing.T) {
	requireWordHeaders(t)

	l, err := ledger.New(256)
	require.NoError(t, err)

	a, err := l.Allocate(16, ledger.Global, l.Size())
	require.NoError(t, err)
	_, err = l.Allocate(16, ledger.Global, l.Size())
	require.NoError(t, err)
	c, err := l.Allocate(16, ledger.Global, l.Size())
	require.NoError(t, err)

	_, err = l.Free(a)
	require.NoError(t, err)
	_, err = l.Free(c)
	require.NoError(t, err)

	requireRegions(t, l,
		ledger.Region{Handle: 16, Offset: 8, Size: 16, Free: true},
		ledger.Region{Handle: 40, Offset: 32, Size: 16, Arena: ledger.Global},
		ledger.Region{Handle: 64, Offset: 56, Size: 192, Free: true},
	)

	require.Equal(t, ledger.Handle(16), l.FindFit(16, ledger.Global, l.Size()))
	require.Equal(t, ledger.Handle(64), l.FindFit(16, ledger.Local, 0))
	require.Equal(t, ledger.Handle(64), l.FindFit(100, ledger.Global, l.Size()))
	require.Equal(t, ledger.NoHandle, l.FindFit(100, ledger.Global, 56))
	require.Equal(t, ledger.NoHandle, l.FindFit(16, ledger.Local, 57))
	require.Equal(t, ledger.NoHandle, l.FindFit(200, ledger.Local, 0))
}

func TestSplitAndNavigate(t *testing.T) {
	requireWordHeaders(t)

	l, err := ledger.New(256)
	require.NoError(t, err)

	free := l.FindFit(32, ledger.Local, ledger.HeaderSize)
	require.Equal(t, ledger.Handle(16), free)

	local, err := l.Split(free, 32, ledger.Local)
	require.NoError(t, err)
	require.Equal(t, ledger.LocalHandle(256, 224), local)
	require.Equal(t, 1, l.AllocationCount())

	_, err = l.Split(local, 8, ledger.Global)
	require.Error(t, err)
	_, err = l.Split(free, 4096, ledger.Global)
	require.Error(t, err)
	_, err = l.Split(free, 12, ledger.Global)
	require.ErrorIs(t, err, memutils.ErrInvalidSize)
	_, err = l.Split(3, 8, ledger.Global)
	require.ErrorIs(t, err, memutils.ErrInvalidHandle)

	first := l.First()
	require.Equal(t, ledger.Region{Handle: 16, Offset: 8, Size: 200, Free: true}, first)
	last := l.Last()
	require.Equal(t, ledger.Region{Handle: local, Offset: 216, Size: 32, Arena: ledger.Local}, last)

	next, ok := l.Next(first.Handle)
	require.True(t, ok)
	require.Equal(t, last, next)
	_, ok = l.Next(last.Handle)
	require.False(t, ok)

	prev, ok := l.Prev(last.Handle)
	require.True(t, ok)
	require.Equal(t, first, prev)
	_, ok = l.Prev(first.Handle)
	require.False(t, ok)
	_, ok = l.Prev(3)
	require.False(t, ok)

	l.Init(128)
	require.Equal(t, 128, l.Size())
	require.Equal(t, 0, l.AllocationCount())
	requireRegions(t, l, ledger.Region{Handle: 16, Offset: 8, Size: 112, Free: true})
}

func TestDoubleFree(t *testing.T) {
	requireWordHeaders(t)

	l, err := ledger.New(256)
	require.NoError(t, err)

	a, err := l.Allocate(16, ledger.Global, l.Size())
	require.NoError(t, err)
	b, err := l.Allocate(16, ledger.Global, l.Size())
	require.NoError(t, err)

	_, err = l.Free(a)
	require.NoError(t, err)
	_, err = l.Free(a)
	require.ErrorIs(t, err, memutils.ErrDoubleFree)

	// b merges into a's free block, so its handle no longer names a block
	_, err = l.Free(b)
	require.NoError(t, err)
	_, err = l.Free(b)
	require.ErrorIs(t, err, memutils.ErrDoubleFree)

	_, err = l.Free(3)
	require.ErrorIs(t, err, memutils.ErrInvalidHandle)
	_, err = l.Free(12)
	require.ErrorIs(t, err, memutils.ErrInvalidHandle)
	_, err = l.Free(ledger.Handle(l.Size() * 2))
	require.ErrorIs(t, err, memutils.ErrInvalidHandle)

	requireRegions(t, l, ledger.Region{Handle: 16, Offset: 8, Size: 240, Free: true})

	local, err := l.Allocate(16, ledger.Local, ledger.HeaderSize)
	require.NoError(t, err)
	// The untagged form of a Local handle does not name the allocation
	_, err = l.Free(240)
	require.ErrorIs(t, err, memutils.ErrInvalidHandle)
	_, err = l.Free(local)
	require.NoError(t, err)
	_, err = l.Free(local)
	require.ErrorIs(t, err, memutils.ErrDoubleFree)
}

func TestFreeInsideFreeBlock(t *testing.T) {
	requireWordHeaders(t)

	l, err := ledger.New(256)
	require.NoError(t, err)

	// Nothing was ever allocated at 64, but it lies inside the free block at offset 8
	_, err = l.Free(64)
	require.ErrorIs(t, err, memutils.ErrDoubleFree)
	require.ErrorContains(t, err, "inside a free block")

	_, err = l.Allocation(ledger.LocalHandle(256, 128))
	require.ErrorIs(t, err, memutils.ErrDoubleFree)
	require.NoError(t, l.Validate())
}

func TestTrim(t *testing.T) {
	requireWordHeaders(t)

	l, err := ledger.New(256)
	require.NoError(t, err)

	a, err := l.Allocate(64, ledger.Global, l.Size())
	require.NoError(t, err)

	require.NoError(t, l.Trim(a, 16))
	requireRegions(t, l,
		ledger.Region{Handle: 16, Offset: 8, Size: 16, Arena: ledger.Global},
		ledger.Region{Handle: 40, Offset: 32, Size: 216, Free: true},
	)

	// A tail too small for a block stays with the allocation
	require.NoError(t, l.Trim(a, 8))
	region, ok := l.Lookup(a)
	require.True(t, ok)
	require.Equal(t, 16, region.Size)

	require.ErrorIs(t, l.Trim(a, 0), memutils.ErrInvalidSize)
}

func TestAbsorbNext(t *testing.T) {
	requireWordHeaders(t)

	l, err := ledger.New(256)
	require.NoError(t, err)

	a, err := l.Allocate(16, ledger.Global, l.Size())
	require.NoError(t, err)

	ok, err := l.AbsorbNext(a, 64)
	require.NoError(t, err)
	require.True(t, ok)

	requireRegions(t, l,
		ledger.Region{Handle: 16, Offset: 8, Size: 64, Arena: ledger.Global},
		ledger.Region{Handle: 88, Offset: 80, Size: 168, Free: true},
	)

	// Whole neighbour taken when the leftover could not hold a block
	ok, err = l.AbsorbNext(a, 232)
	require.NoError(t, err)
	require.True(t, ok)
	requireRegions(t, l,
		ledger.Region{Handle: 16, Offset: 8, Size: 240, Arena: ledger.Global},
	)

	ok, err = l.AbsorbNext(a, 512)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestAbsorbPrev(t *testing.T) {
	requireWordHeaders(t)

	l, err := ledger.New(256)
	require.NoError(t, err)

	a, err := l.Allocate(16, ledger.Local, ledger.HeaderSize)
	require.NoError(t, err)

	moved, err := l.AbsorbPrev(a, 64)
	require.NoError(t, err)
	require.Equal(t, ledger.LocalHandle(256, 192), moved)

	requireRegions(t, l,
		ledger.Region{Handle: 16, Offset: 8, Size: 168, Free: true},
		ledger.Region{Handle: moved, Offset: 184, Size: 64, Arena: ledger.Local},
	)

	_, ok := l.Lookup(a)
	require.False(t, ok)

	moved, err = l.AbsorbPrev(moved, 1024)
	require.NoError(t, err)
	require.Equal(t, ledger.NoHandle, moved)
}

func TestGrow(t *testing.T) {
	requireWordHeaders(t)

	l, err := ledger.New(64)
	require.NoError(t, err)

	_, err = l.Allocate(16, ledger.Global, l.Size())
	require.NoError(t, err)

	require.NoError(t, l.Grow(64, 64))
	require.Equal(t, 128, l.Size())
	requireRegions(t, l,
		ledger.Region{Handle: 16, Offset: 8, Size: 16, Arena: ledger.Global},
		ledger.Region{Handle: 40, Offset: 32, Size: 88, Free: true},
	)
	require.Error(t, l.Grow(32, 64))
	require.Error(t, l.Grow(12, 64))

	full, err := ledger.New(64)
	require.NoError(t, err)
	_, err = full.Allocate(48, ledger.Global, full.Size())
	require.NoError(t, err)

	require.Error(t, full.Grow(64, 8))
	require.NoError(t, full.Grow(64, 64))
	requireRegions(t, full,
		ledger.Region{Handle: 16, Offset: 8, Size: 48, Arena: ledger.Global},
		ledger.Region{Handle: 72, Offset: 64, Size: 56, Free: true},
	)
}

func TestGrowBelowLocalArena(t *testing.T) {
	requireWordHeaders(t)

	// The free block below the Local arena absorbs the growth
	l, err := ledger.New(64)
	require.NoError(t, err)
	local, err := l.Allocate(16, ledger.Local, ledger.HeaderSize)
	require.NoError(t, err)

	require.NoError(t, l.Grow(40, 64))
	requireRegions(t, l,
		ledger.Region{Handle: 16, Offset: 8, Size: 88, Free: true},
		ledger.Region{Handle: local, Offset: 104, Size: 16, Arena: ledger.Local},
	)

	// A new free block is inserted between two allocations
	l, err = ledger.New(64)
	require.NoError(t, err)
	_, err = l.Allocate(16, ledger.Global, l.Size())
	require.NoError(t, err)
	local, err = l.Allocate(16, ledger.Local, 32)
	require.NoError(t, err)

	require.Error(t, l.Grow(32, 8))
	require.NoError(t, l.Grow(32, 64))
	requireRegions(t, l,
		ledger.Region{Handle: 16, Offset: 8, Size: 16, Arena: ledger.Global},
		ledger.Region{Handle: 40, Offset: 32, Size: 56, Free: true},
		ledger.Region{Handle: local, Offset: 96, Size: 24, Arena: ledger.Local},
	)

	// A Local allocation at the bottom of the region gets a new first block below it
	l, err = ledger.New(64)
	require.NoError(t, err)
	local, err = l.Allocate(48, ledger.Local, ledger.HeaderSize)
	require.NoError(t, err)

	require.NoError(t, l.Grow(ledger.HeaderSize, 64))
	requireRegions(t, l,
		ledger.Region{Handle: 16, Offset: 8, Size: 56, Free: true},
		ledger.Region{Handle: local, Offset: 72, Size: 48, Arena: ledger.Local},
	)

	region, err := l.Allocation(local)
	require.NoError(t, err)
	require.Equal(t, 72, region.Offset)
	boundary, ok := l.BlockEndingAt(72)
	require.True(t, ok)
	require.True(t, boundary.Free)
}

func TestShrink(t *testing.T) {
	requireWordHeaders(t)

	newLedger := func() *ledger.Ledger {
		l, err := ledger.New(256)
		require.NoError(t, err)
		_, err = l.Allocate(16, ledger.Global, l.Size())
		require.NoError(t, err)
		return l
	}

	l := newLedger()
	require.ErrorIs(t, l.CheckShrink(256, 216), memutils.ErrShrinkLiveData)
	require.ErrorIs(t, l.Shrink(256, 240), memutils.ErrShrinkLiveData)
	require.Error(t, l.CheckShrink(100, 8))
	require.Equal(t, 256, l.Size())
	require.NoError(t, l.Validate())

	require.NoError(t, l.Shrink(256, 208))
	require.Equal(t, 48, l.Size())
	requireRegions(t, l,
		ledger.Region{Handle: 16, Offset: 8, Size: 16, Arena: ledger.Global},
		ledger.Region{Handle: 40, Offset: 32, Size: 8, Free: true},
	)

	l = newLedger()
	require.NoError(t, l.Shrink(256, 224))
	requireRegions(t, l,
		ledger.Region{Handle: 16, Offset: 8, Size: 16, Arena: ledger.Global},
	)

	single, err := ledger.New(64)
	require.NoError(t, err)
	require.ErrorIs(t, single.CheckShrink(64, 56), memutils.ErrShrinkLiveData)
}

func TestShrinkBelowLocalArena(t *testing.T) {
	requireWordHeaders(t)

	l, err := ledger.New(256)
	require.NoError(t, err)
	_, err = l.Allocate(16, ledger.Global, l.Size())
	require.NoError(t, err)
	local, err := l.Allocate(16, ledger.Local, 32)
	require.NoError(t, err)

	require.ErrorIs(t, l.CheckShrink(256, 8), memutils.ErrShrinkLiveData)

	require.NoError(t, l.Shrink(232, 128))
	require.Equal(t, 128, l.Size())
	requireRegions(t, l,
		ledger.Region{Handle: 16, Offset: 8, Size: 16, Arena: ledger.Global},
		ledger.Region{Handle: 40, Offset: 32, Size: 64, Free: true},
		ledger.Region{Handle: local, Offset: 104, Size: 16, Arena: ledger.Local},
	)

	// Releasing the whole free block, header included, drops it
	require.NoError(t, l.Shrink(104, 72))
	requireRegions(t, l,
		ledger.Region{Handle: 16, Offset: 8, Size: 16, Arena: ledger.Global},
		ledger.Region{Handle: local, Offset: 32, Size: 16, Arena: ledger.Local},
	)
	require.ErrorIs(t, l.CheckShrink(32, 8), memutils.ErrShrinkLiveData)
}

func TestBoundHeaders(t *testing.T) {
	requireWordHeaders(t)

	l, err := ledger.New(64)
	require.NoError(t, err)

	memory := make([]byte, 64)
	require.Error(t, l.Bind(memory[:32]))
	require.NoError(t, l.Bind(memory))
	require.NoError(t, l.CheckCorruption())

	a, err := l.Allocate(16, ledger.Global, l.Size())
	require.NoError(t, err)

	size, allocated, err := l.HeaderTag(a)
	require.NoError(t, err)
	require.Equal(t, 16, size)
	require.True(t, allocated)

	size, allocated, err = l.HeaderTag(40)
	require.NoError(t, err)
	require.Equal(t, 24, size)
	require.False(t, allocated)

	payload, err := l.Payload(a)
	require.NoError(t, err)
	require.Len(t, payload, 16)
	payload[0] = 0xAB
	require.Equal(t, byte(0xAB), memory[16])
	require.NoError(t, l.Validate())

	memory[8] ^= 0xFF
	require.ErrorIs(t, l.CheckCorruption(), memutils.ErrCorruption)
	require.Error(t, l.Validate())
	memory[8] ^= 0xFF
	require.NoError(t, l.CheckCorruption())

	memory[0] = 0
	require.ErrorIs(t, l.CheckCorruption(), memutils.ErrCorruption)

	l.Unbind()
	_, err = l.Payload(a)
	require.Error(t, err)
}

func TestDetailedStatistics(t *testing.T) {
	requireWordHeaders(t)

	l, err := ledger.New(64)
	require.NoError(t, err)

	var stats memutils.DetailedStatistics
	stats.Clear()
	l.AddDetailedStatistics(&stats)
	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			HeapBytes:   64,
			HeaderBytes: 16,
			BlockCount:  1,
			FreeBytes:   48,
		},
		FreeRangeCount:    1,
		AllocationSizeMin: math.MaxInt,
		FreeRangeSizeMin:  48,
		FreeRangeSizeMax:  48,
	}, stats)

	_, err = l.Allocate(16, ledger.Global, l.Size())
	require.NoError(t, err)
	_, err = l.Allocate(16, ledger.Local, 32)
	require.NoError(t, err)

	stats.Clear()
	l.AddDetailedStatistics(&stats)
	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			HeapBytes:       64,
			HeaderBytes:     24,
			BlockCount:      2,
			AllocationCount: 2,
			AllocationBytes: 40,
		},
		AllocationSizeMin: 16,
		AllocationSizeMax: 24,
		FreeRangeSizeMin:  math.MaxInt,
		GlobalAllocations: 1,
		LocalAllocations:  1,
	}, stats)

	var summary memutils.Statistics
	l.AddStatistics(&summary)
	require.Equal(t, stats.Statistics, summary)
}

func TestBlockJsonData(t *testing.T) {
	requireWordHeaders(t)

	l, err := ledger.New(64)
	require.NoError(t, err)
	_, err = l.Allocate(16, ledger.Global, l.Size())
	require.NoError(t, err)

	writer := jwriter.NewWriter()
	obj := writer.Object()
	l.BlockJsonData(&obj)
	l.RegionsJsonData(&obj)
	obj.End()

	require.NoError(t, writer.Error())
	require.JSONEq(t, `{
		"TotalBytes": 64,
		"UnusedBytes": 24,
		"HeaderBytes": 24,
		"Allocations": 1,
		"UnusedRanges": 1,
		"Blocks": [
			{"Offset": 8, "Handle": 16, "Size": 16, "Type": "GLOBAL"},
			{"Offset": 32, "Handle": 40, "Size": 24, "Type": "FREE"}
		]
	}`, string(writer.Bytes()))
}

func snapshot(t *testing.T, l *ledger.Ledger) ([]ledger.Region, memutils.DetailedStatistics) {
	var regions []ledger.Region
	require.NoError(t, l.VisitAllRegions(func(region ledger.Region) error {
		regions = append(regions, region)
		return nil
	}))

	var stats memutils.DetailedStatistics
	stats.Clear()
	l.AddDetailedStatistics(&stats)
	return regions, stats
}

func TestRandomizedRoundTrip(t *testing.T) {
	l, err := ledger.New(4096)
	require.NoError(t, err)

	var live []ledger.Handle
	globalNext, localNext := ledger.HeaderSize, l.Size()

	for i := 0; i < 200; i++ {
		if i%3 == 2 && len(live) > 0 {
			victim := live[(i*7)%len(live)]
			_, err := l.Free(victim)
			require.NoError(t, err)
			for j, h := range live {
				if h == victim {
					live = append(live[:j], live[j+1:]...)
					break
				}
			}
			require.NoError(t, l.Validate())
			continue
		}

		size := ledger.Alignment * (1 + i%5)
		arena := ledger.Arena(i % 2)
		limit := globalNext
		if arena == ledger.Global {
			limit = localNext
		}

		regions, stats := snapshot(t, l)
		h, err := l.Allocate(size, arena, limit)
		require.NoError(t, err)
		if h == ledger.NoHandle {
			continue
		}

		// Freeing a fresh allocation restores the free list exactly
		_, err = l.Free(h)
		require.NoError(t, err)
		afterRegions, afterStats := snapshot(t, l)
		require.Equal(t, regions, afterRegions, "step %d: %s allocation of %d bytes", i, arena, size)
		require.Equal(t, stats, afterStats, "step %d: %s allocation of %d bytes", i, arena, size)

		again, err := l.Allocate(size, arena, limit)
		require.NoError(t, err)
		require.Equal(t, h, again)
		live = append(live, h)

		region, ok := l.Lookup(h)
		require.True(t, ok)
		if arena == ledger.Global && region.End() > globalNext {
			globalNext = region.End()
		}
		if arena == ledger.Local && region.Offset < localNext {
			localNext = region.Offset
		}
		require.NoError(t, l.Validate())
	}

	for _, h := range live {
		_, err := l.Free(h)
		require.NoError(t, err)
	}

	require.True(t, l.IsEmpty())
	require.Equal(t, 1, l.BlockCount())
	require.Equal(t, l.Size()-2*ledger.HeaderSize, l.SumFreeSize())
	require.NoError(t, l.Validate())
}
