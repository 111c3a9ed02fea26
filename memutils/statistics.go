package memutils

import (
	"math"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

// Statistics is a cheap summary of a heap's byte accounting. HeapBytes always equals
// HeaderBytes + AllocationBytes + FreeBytes.
type Statistics struct {
	HeapBytes       int
	HeaderBytes     int
	BlockCount      int
	AllocationCount int
	AllocationBytes int
	FreeBytes       int
}

func (s *Statistics) Clear() {
	s.HeapBytes = 0
	s.HeaderBytes = 0
	s.BlockCount = 0
	s.AllocationCount = 0
	s.AllocationBytes = 0
	s.FreeBytes = 0
}

func (s *Statistics) AddStatistics(other *Statistics) {
	s.HeapBytes += other.HeapBytes
	s.HeaderBytes += other.HeaderBytes
	s.BlockCount += other.BlockCount
	s.AllocationCount += other.AllocationCount
	s.AllocationBytes += other.AllocationBytes
	s.FreeBytes += other.FreeBytes
}

// DetailedStatistics extends Statistics with range extremes. It is more expensive to gather
// because every block has to be visited.
type DetailedStatistics struct {
	Statistics
	FreeRangeCount    int
	AllocationSizeMin int
	AllocationSizeMax int
	FreeRangeSizeMin  int
	FreeRangeSizeMax  int
	GlobalAllocations int
	LocalAllocations  int
}

func (s *DetailedStatistics) Clear() {
	s.Statistics.Clear()
	s.FreeRangeCount = 0
	s.AllocationSizeMin = math.MaxInt
	s.AllocationSizeMax = 0
	s.FreeRangeSizeMin = math.MaxInt
	s.FreeRangeSizeMax = 0
	s.GlobalAllocations = 0
	s.LocalAllocations = 0
}

func (s *DetailedStatistics) AddFreeRange(size int) {
	s.FreeRangeCount++
	s.FreeBytes += size

	if size < s.FreeRangeSizeMin {
		s.FreeRangeSizeMin = size
	}

	if size > s.FreeRangeSizeMax {
		s.FreeRangeSizeMax = size
	}
}

func (s *DetailedStatistics) AddAllocation(size int) {
	s.AllocationCount++
	s.AllocationBytes += size

	if size < s.AllocationSizeMin {
		s.AllocationSizeMin = size
	}

	if size > s.AllocationSizeMax {
		s.AllocationSizeMax = size
	}
}

func (s *DetailedStatistics) AddDetailedStatistics(other *DetailedStatistics) {
	s.Statistics.AddStatistics(&other.Statistics)
	s.FreeRangeCount += other.FreeRangeCount
	s.GlobalAllocations += other.GlobalAllocations
	s.LocalAllocations += other.LocalAllocations

	if other.FreeRangeSizeMin < s.FreeRangeSizeMin {
		s.FreeRangeSizeMin = other.FreeRangeSizeMin
	}

	if other.FreeRangeSizeMax > s.FreeRangeSizeMax {
		s.FreeRangeSizeMax = other.FreeRangeSizeMax
	}

	if other.AllocationSizeMin < s.AllocationSizeMin {
		s.AllocationSizeMin = other.AllocationSizeMin
	}

	if other.AllocationSizeMax > s.AllocationSizeMax {
		s.AllocationSizeMax = other.AllocationSizeMax
	}
}

// PrintJson writes the statistics as fields of a json object
func (s *Statistics) PrintJson(json *jwriter.ObjectState) {
	json.Name("HeapBytes").Int(s.HeapBytes)
	json.Name("HeaderBytes").Int(s.HeaderBytes)
	json.Name("BlockCount").Int(s.BlockCount)
	json.Name("AllocationCount").Int(s.AllocationCount)
	json.Name("AllocationBytes").Int(s.AllocationBytes)
	json.Name("FreeBytes").Int(s.FreeBytes)
}

// PrintJson writes the statistics as fields of a json object. Range extremes are only
// written when at least one range of that kind was counted.
func (s *DetailedStatistics) PrintJson(json *jwriter.ObjectState) {
	s.Statistics.PrintJson(json)
	json.Name("FreeRangeCount").Int(s.FreeRangeCount)
	json.Name("GlobalAllocations").Int(s.GlobalAllocations)
	json.Name("LocalAllocations").Int(s.LocalAllocations)

	if s.AllocationCount > 0 {
		sizes := json.Name("AllocationSizes").Object()
		sizes.Name("Min").Int(s.AllocationSizeMin)
		sizes.Name("Max").Int(s.AllocationSizeMax)
		sizes.End()
	}

	if s.FreeRangeCount > 0 {
		sizes := json.Name("FreeRangeSizes").Object()
		sizes.Name("Min").Int(s.FreeRangeSizeMin)
		sizes.Name("Max").Int(s.FreeRangeSizeMax)
		sizes.End()
	}
}
