package ledger

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/modulus-lang/memory/memutils"
	"github.com/pkg/errors"
)

// Validate performs internal consistency checks on the ledger. These checks walk every
// block and are expensive. When the ledger is functioning correctly, it should not be
// possible for this method to return an error.
func (l *Ledger) Validate() error {
	if l.firstPhysical == noBlock || l.lastPhysical == noBlock {
		return errors.New("the ledger has no blocks")
	}

	if l.at(l.firstPhysical).prevPhysical != noBlock {
		return errors.New("the first physical block has a previous block")
	}
	if l.at(l.lastPhysical).nextPhysical != noBlock {
		return errors.New("the last physical block has a next block")
	}

	nextOffset := HeaderSize
	var allocCount, freeCount, freeBytes, payloadBytes, blockCount int
	lastWasFree := false

	for index := l.firstPhysical; index != noBlock; index = l.at(index).nextPhysical {
		b := l.at(index)
		if !b.inUse {
			return errors.Errorf("physical chain reaches an unused record at index %d", index)
		}
		if b.offset != nextOffset {
			return errors.Errorf("block at offset %d should start at offset %d", b.offset, nextOffset)
		}
		if b.size <= 0 || b.size%Alignment != 0 {
			return errors.Errorf("block at offset %d has an invalid size %d", b.offset, b.size)
		}
		if b.nextPhysical != noBlock && l.at(b.nextPhysical).prevPhysical != index {
			return errors.Errorf("block at offset %d has a next physical block, but the reverse reference is broken", b.offset)
		}

		mapped, ok := l.payloads.Get(b.payload())
		if !ok || mapped != index {
			return errors.Errorf("block at offset %d is not registered under its payload offset %d", b.offset, b.payload())
		}

		if b.free {
			if lastWasFree {
				return errors.Errorf("free block at offset %d is physically adjacent to another free block", b.offset)
			}
			freeCount++
			freeBytes += b.size
		} else {
			allocCount++
		}

		lastWasFree = b.free
		payloadBytes += b.size
		blockCount++
		nextOffset = b.end()
	}

	if nextOffset != l.size {
		return errors.Errorf("the blocks end at offset %d, but the region is %d bytes", nextOffset, l.size)
	}

	if payloadBytes+HeaderSize*(blockCount+1) != l.size {
		return errors.Errorf("payloads of %d bytes and %d headers do not add up to the region size %d", payloadBytes, blockCount+1, l.size)
	}

	if l.payloads.Count() != blockCount {
		return errors.Errorf("%d payload offsets are registered for %d blocks", l.payloads.Count(), blockCount)
	}

	// Check integrity of the free list
	listCount := 0
	lastOffset := -1
	prev := noBlock
	for index := l.freeHead; index != noBlock; index = l.at(index).nextFree {
		b := l.at(index)
		if !b.free {
			return errors.Errorf("block at offset %d is in the free list but is not free", b.offset)
		}
		if b.prevFree != prev {
			return errors.Errorf("block at offset %d has a broken previous free link", b.offset)
		}
		if b.offset <= lastOffset {
			return errors.Errorf("free list is not address ordered at offset %d", b.offset)
		}

		lastOffset = b.offset
		prev = index
		listCount++
	}

	if prev != l.freeTail {
		return errors.New("the free list tail does not match the last free block")
	}

	if listCount != freeCount {
		return errors.Errorf("the number of free blocks in the physical list and the number of blocks in the free list do not match! free list size: %d, physical list free blocks: %d", listCount, freeCount)
	}

	if freeCount != l.freeCount {
		return errors.Errorf("the free block count of the ledger is %d, but there were %d free blocks", l.freeCount, freeCount)
	}

	if allocCount != l.allocCount {
		return errors.Errorf("the allocation count of the ledger is %d, but the allocated blocks only added up to %d", l.allocCount, allocCount)
	}

	if freeBytes != l.freeBytes {
		return errors.Errorf("the free size of the ledger is %d, but the free blocks only added up to %d", l.freeBytes, freeBytes)
	}

	if l.memory != nil {
		return l.CheckCorruption()
	}

	return nil
}

// VisitAllRegions will call the provided callback once for each block, allocated or free,
// in address order. Visiting stops at the first error returned by the callback.
func (l *Ledger) VisitAllRegions(handleBlock func(region Region) error) error {
	for index := l.firstPhysical; index != noBlock; index = l.at(index).nextPhysical {
		err := handleBlock(l.region(index))
		if err != nil {
			return err
		}
	}

	return nil
}

// AddStatistics sums this ledger's accounting into stats
func (l *Ledger) AddStatistics(stats *memutils.Statistics) {
	blocks := l.BlockCount()
	stats.HeapBytes += l.size
	stats.HeaderBytes += HeaderSize * (blocks + 1)
	stats.BlockCount += blocks
	stats.AllocationCount += l.allocCount
	stats.AllocationBytes += l.size - l.freeBytes - HeaderSize*(blocks+1)
	stats.FreeBytes += l.freeBytes
}

// AddDetailedStatistics sums this ledger's accounting, including range extremes, into stats
func (l *Ledger) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	blocks := l.BlockCount()
	stats.HeapBytes += l.size
	stats.HeaderBytes += HeaderSize * (blocks + 1)
	stats.BlockCount += blocks

	_ = l.VisitAllRegions(func(region Region) error {
		if region.Free {
			stats.AddFreeRange(region.Size)
			return nil
		}

		stats.AddAllocation(region.Size)
		if region.Arena == Global {
			stats.GlobalAllocations++
		} else {
			stats.LocalAllocations++
		}
		return nil
	})
}

// BlockJsonData populates a json object with summary information about the region
func (l *Ledger) BlockJsonData(json *jwriter.ObjectState) {
	json.Name("TotalBytes").Int(l.size)
	json.Name("UnusedBytes").Int(l.freeBytes)
	json.Name("HeaderBytes").Int(HeaderSize * (l.BlockCount() + 1))
	json.Name("Allocations").Int(l.allocCount)
	json.Name("UnusedRanges").Int(l.freeCount)
}

// RegionsJsonData writes one json object per block into an array named Blocks
func (l *Ledger) RegionsJsonData(json *jwriter.ObjectState) {
	arrayState := json.Name("Blocks").Array()
	defer arrayState.End()

	_ = l.VisitAllRegions(func(region Region) error {
		obj := arrayState.Object()
		defer obj.End()

		obj.Name("Offset").Int(region.Offset)
		obj.Name("Handle").Int(int(region.Handle))
		obj.Name("Size").Int(region.Size)
		if region.Free {
			obj.Name("Type").String("FREE")
		} else {
			obj.Name("Type").String(region.Arena.String())
		}
		return nil
	})
}
