// Package introspect reports page, word and cache geometry of the running machine.
// Values are gathered from the platform once, on first use, and never re-queried.
// Anything the platform does not expose reports 0.
package introspect

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/cpu"
)

// CacheLevel identifies a hardware cache tier. Levels are dense: L1, L2 and L3 are the
// first three and LExt+n addresses further levels on machines that have them.
type CacheLevel int

const (
	L1 CacheLevel = iota
	L2
	L3
	// LExt is the first extension level, numbered from zero after L3
	LExt
)

func (l CacheLevel) String() string {
	if l < LExt {
		return fmt.Sprintf("L%d", int(l)+1)
	}
	return fmt.Sprintf("LExt+%d", int(l-LExt))
}

// CacheInfo describes one cache level. Size is the capacity in bytes and LineSize the
// coherency line size in bytes.
type CacheInfo struct {
	Level    CacheLevel
	Size     int
	LineSize int
}

// Sectors is the number of lines held by the cache
func (c CacheInfo) Sectors() int {
	if c.LineSize == 0 {
		return 0
	}
	return c.Size / c.LineSize
}

// Info is a snapshot of everything this package reports
type Info struct {
	PageSize      int
	WordSize      int
	CacheLineSize int
	Caches        []CacheInfo
}

var (
	once   sync.Once
	cached Info
)

func load() *Info {
	once.Do(func() {
		cached = Info{
			PageSize: platformPageSize(),
			WordSize: int(unsafe.Sizeof(uintptr(0))),
			Caches:   platformCaches(),
		}

		cached.CacheLineSize = int(unsafe.Sizeof(cpu.CacheLinePad{}))
		if len(cached.Caches) > 0 && cached.Caches[0].LineSize > 0 {
			cached.CacheLineSize = cached.Caches[0].LineSize
		}
	})

	return &cached
}

// PageSize is the size in bytes of a virtual memory page
func PageSize() int { return load().PageSize }

// WordSize is the size in bytes of a machine word
func WordSize() int { return load().WordSize }

// CacheLineSize is the L1 data cache line size. When the platform does not report
// one, it is the cache line padding size golang.org/x/sys/cpu assumes for this
// architecture.
func CacheLineSize() int { return load().CacheLineSize }

// CacheLevelCount is the number of cache levels that were found
func CacheLevelCount() int { return len(load().Caches) }

// CacheSize is the capacity in bytes of the requested level, or 0 if the level is not present
func CacheSize(level CacheLevel) int {
	info, ok := cacheAt(level)
	if !ok {
		return 0
	}
	return info.Size
}

// CacheSectors is the number of lines in the requested level, or 0 if the level is not present
func CacheSectors(level CacheLevel) int {
	info, ok := cacheAt(level)
	if !ok {
		return 0
	}
	return info.Sectors()
}

// CacheSectorSize is the line size in bytes of the requested level, or 0 if the level is not present
func CacheSectorSize(level CacheLevel) int {
	info, ok := cacheAt(level)
	if !ok {
		return 0
	}
	return info.LineSize
}

// Snapshot returns a copy of all gathered values
func Snapshot() Info {
	info := *load()
	info.Caches = append([]CacheInfo(nil), info.Caches...)
	return info
}

func cacheAt(level CacheLevel) (CacheInfo, bool) {
	caches := load().Caches
	if level < 0 || int(level) >= len(caches) {
		return CacheInfo{}, false
	}
	return caches[level], true
}
