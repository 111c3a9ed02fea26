// Package ledger keeps the block bookkeeping of a heap region: which byte ranges are
// allocated, which are free, and how the free ones are chained together.
//
// Block records live out of band in a slice and reference their byte range by offset.
// Each block still occupies HeaderSize bytes in the region itself, directly before its
// payload: that word carries the block's size and an allocated/free tag, so a stale or
// corrupted handle can be detected instead of silently accepted. The region also begins
// with a HeaderSize prologue word, so the first block starts at offset HeaderSize.
//
// The free list is a doubly-linked chain ordered by address. Physically adjacent free
// blocks are always merged, so two free blocks are never neighbours.
package ledger

import (
	"unsafe"

	"github.com/dolthub/swiss"
	"github.com/pkg/errors"
	"github.com/modulus-lang/memory/memutils"
)

const (
	// HeaderSize is the number of region bytes consumed by every block header, and by the
	// region prologue
	HeaderSize = int(unsafe.Sizeof(uintptr(0)))
	// Alignment is the alignment of every payload offset and payload size
	Alignment = HeaderSize
	// MinPayload is the smallest payload a free block may be left with after a split.
	// Remainders smaller than this are handed out with the allocation instead.
	MinPayload = HeaderSize
	// MinRegionSize is the smallest region that can hold the prologue and a single block
	MinRegionSize = 2*HeaderSize + MinPayload
)

// Handle identifies a block. Global allocations and free blocks are named by the offset
// of their payload from the start of the region. Local allocations are named by the
// distance from their payload to the end of the region, tagged with the low bit, so their
// handles survive the Local arena moving when the region is resized.
type Handle uint64

const (
	// NoHandle is the null result. Offset 0 is always the prologue, so it never names a payload.
	NoHandle Handle = 0

	localHandleTag Handle = 1
)

// LocalHandle is the handle of a Local allocation whose payload starts at payloadOffset
// in a region of regionSize bytes
func LocalHandle(regionSize, payloadOffset int) Handle {
	return Handle(regionSize-payloadOffset) | localHandleTag
}

// Arena names the side of the region an allocation was made from
type Arena uint32

const (
	// Local allocations are short-lived and grow downward from the high end of the region
	Local Arena = iota
	// Global allocations are long-lived and grow upward from the low end of the region
	Global
)

var arenaMapping = map[Arena]string{
	Local:  "LOCAL",
	Global: "GLOBAL",
}

func (a Arena) String() string {
	return arenaMapping[a]
}

type blockIndex int32

const noBlock blockIndex = -1

type block struct {
	// offset of the block header within the region
	offset int
	// payload size in bytes, excluding the header
	size int

	prevPhysical blockIndex
	nextPhysical blockIndex
	prevFree     blockIndex
	nextFree     blockIndex

	arena Arena
	free  bool
	inUse bool
}

func (b *block) payload() int {
	return b.offset + HeaderSize
}

func (b *block) end() int {
	return b.offset + HeaderSize + b.size
}

// Region describes one block, free or allocated, as reported by the ledger
type Region struct {
	Handle Handle
	Offset int
	Size   int
	Arena  Arena
	Free   bool
}

// Payload is the offset of the first byte of the region's payload
func (r Region) Payload() int {
	return r.Offset + HeaderSize
}

// End is the offset of the first byte after the region's payload
func (r Region) End() int {
	return r.Offset + HeaderSize + r.Size
}

// Ledger tracks the blocks of a single region
type Ledger struct {
	size   int
	memory []byte

	blocks      []block
	unusedSlots []blockIndex
	payloads    *swiss.Map[int, blockIndex]

	firstPhysical blockIndex
	lastPhysical  blockIndex
	freeHead      blockIndex
	freeTail      blockIndex

	allocCount int
	freeCount  int
	freeBytes  int
}

var _ memutils.Validatable = &Ledger{}

// New creates a ledger for a region of size bytes holding a single free block. The size
// must be a multiple of Alignment and at least MinRegionSize.
func New(size int) (*Ledger, error) {
	if size < MinRegionSize {
		return nil, errors.Errorf("region size %d is smaller than the minimum of %d bytes", size, MinRegionSize)
	}
	if size%Alignment != 0 {
		return nil, errors.Errorf("region size %d is not a multiple of %d", size, Alignment)
	}

	l := &Ledger{}
	l.Init(size)
	return l, nil
}

// Init discards every block and prepares the ledger for a region of size bytes holding a
// single free block. Any bound memory is unbound.
func (l *Ledger) Init(size int) {
	l.size = size
	l.memory = nil
	l.blocks = l.blocks[:0]
	l.unusedSlots = l.unusedSlots[:0]
	l.payloads = swiss.NewMap[int, blockIndex](42)
	l.allocCount = 0
	l.freeCount = 0
	l.freeBytes = 0
	l.freeHead = noBlock
	l.freeTail = noBlock

	first := l.allocateRecord(HeaderSize, size-2*HeaderSize)
	l.firstPhysical = first
	l.lastPhysical = first
	l.pushFreeBack(first)
}

// Bind attaches the region bytes the ledger describes. From then on every block change is
// mirrored into the in-band headers. Binding rewrites the prologue and all headers, so it
// is also how a region that moved (or grew) is reattached.
func (l *Ledger) Bind(memory []byte) error {
	if len(memory) != l.size {
		return errors.Errorf("bound memory is %d bytes but the ledger describes %d bytes", len(memory), l.size)
	}

	l.memory = memory
	l.writePrologue()
	for index := l.firstPhysical; index != noBlock; index = l.at(index).nextPhysical {
		l.writeHeader(index)
	}

	return nil
}

// Unbind detaches the region bytes. It must be called before the memory is released.
func (l *Ledger) Unbind() {
	l.memory = nil
}

// Size is the size in bytes of the region, prologue and headers included
func (l *Ledger) Size() int { return l.size }

// AllocationCount is the number of allocated blocks
func (l *Ledger) AllocationCount() int { return l.allocCount }

// FreeRegionsCount is the number of free blocks
func (l *Ledger) FreeRegionsCount() int { return l.freeCount }

// BlockCount is the number of blocks, free and allocated
func (l *Ledger) BlockCount() int { return l.allocCount + l.freeCount }

// SumFreeSize is the sum of all free payloads
func (l *Ledger) SumFreeSize() int { return l.freeBytes }

// IsEmpty reports whether no allocation is live
func (l *Ledger) IsEmpty() bool { return l.allocCount == 0 }

// Lookup returns the region for a handle. The handle may name a free block.
func (l *Ledger) Lookup(handle Handle) (Region, bool) {
	index, ok := l.find(handle)
	if !ok {
		return Region{}, false
	}
	return l.region(index), true
}

// Allocation returns the region for a handle that names an allocated block
func (l *Ledger) Allocation(handle Handle) (Region, error) {
	index, err := l.allocated(handle)
	if err != nil {
		return Region{}, err
	}
	return l.region(index), nil
}

// Payload returns the payload bytes of an allocated block. Bind must have been called.
func (l *Ledger) Payload(handle Handle) ([]byte, error) {
	index, err := l.allocated(handle)
	if err != nil {
		return nil, err
	}
	if l.memory == nil {
		return nil, errors.New("the ledger has no memory bound")
	}

	b := l.at(index)
	start := b.payload()
	return l.memory[start : start+b.size : start+b.size], nil
}

// First returns the lowest block of the region
func (l *Ledger) First() Region { return l.region(l.firstPhysical) }

// Last returns the highest block of the region
func (l *Ledger) Last() Region { return l.region(l.lastPhysical) }

// Next returns the block physically after the one named by handle
func (l *Ledger) Next(handle Handle) (Region, bool) {
	index, ok := l.find(handle)
	if !ok {
		return Region{}, false
	}
	next := l.at(index).nextPhysical
	if next == noBlock {
		return Region{}, false
	}
	return l.region(next), true
}

// Prev returns the block physically before the one named by handle
func (l *Ledger) Prev(handle Handle) (Region, bool) {
	index, ok := l.find(handle)
	if !ok {
		return Region{}, false
	}
	prev := l.at(index).prevPhysical
	if prev == noBlock {
		return Region{}, false
	}
	return l.region(prev), true
}

func (l *Ledger) at(index blockIndex) *block {
	return &l.blocks[index]
}

func (l *Ledger) region(index blockIndex) Region {
	b := l.at(index)
	region := Region{
		Handle: l.handleOf(b),
		Offset: b.offset,
		Size:   b.size,
		Free:   b.free,
	}
	// Free blocks keep the arena of their last allocation internally; it is not reported
	if !b.free {
		region.Arena = b.arena
	}
	return region
}

// allocateRecord takes a record slot for a new free-tagged block and registers its handle.
// Pointers obtained from at() before this call may be invalidated by it.
func (l *Ledger) allocateRecord(offset, size int) blockIndex {
	var index blockIndex
	if len(l.unusedSlots) > 0 {
		index = l.unusedSlots[len(l.unusedSlots)-1]
		l.unusedSlots = l.unusedSlots[:len(l.unusedSlots)-1]
	} else {
		l.blocks = append(l.blocks, block{})
		index = blockIndex(len(l.blocks) - 1)
	}

	l.blocks[index] = block{
		offset:       offset,
		size:         size,
		prevPhysical: noBlock,
		nextPhysical: noBlock,
		prevFree:     noBlock,
		nextFree:     noBlock,
		free:         true,
		inUse:        true,
	}
	l.payloads.Put(l.blocks[index].payload(), index)

	return index
}

func (l *Ledger) releaseRecord(index blockIndex) {
	b := l.at(index)
	l.payloads.Delete(b.payload())
	*b = block{}
	l.unusedSlots = append(l.unusedSlots, index)
}

// moveRecord changes the header offset of a block, keeping the payload map current
func (l *Ledger) moveRecord(index blockIndex, offset int) {
	b := l.at(index)
	l.payloads.Delete(b.payload())
	b.offset = offset
	l.payloads.Put(b.payload(), index)
}

// handleOf is the handle the block is currently named by
func (l *Ledger) handleOf(b *block) Handle {
	if !b.free && b.arena == Local {
		return LocalHandle(l.size, b.payload())
	}
	return Handle(b.payload())
}

// payloadOffset converts a handle back to the payload offset it points at. It fails for
// handles that cannot point at a payload of this region.
func (l *Ledger) payloadOffset(handle Handle) (int, bool) {
	value := handle &^ localHandleTag
	if value == 0 || value%Handle(Alignment) != 0 || value > Handle(l.size) {
		return 0, false
	}
	if handle&localHandleTag != 0 {
		return l.size - int(value), true
	}
	return int(value), true
}

// find returns the block a handle currently names
func (l *Ledger) find(handle Handle) (blockIndex, bool) {
	offset, ok := l.payloadOffset(handle)
	if !ok {
		return noBlock, false
	}
	index, ok := l.payloads.Get(offset)
	if !ok || l.handleOf(l.at(index)) != handle {
		return noBlock, false
	}
	return index, true
}

func (l *Ledger) allocated(handle Handle) (blockIndex, error) {
	offset, ok := l.payloadOffset(handle)
	if !ok {
		return noBlock, errors.Wrapf(memutils.ErrInvalidHandle, "handle %d", handle)
	}

	index, ok := l.payloads.Get(offset)
	if !ok {
		if l.insideFreeBlock(offset) {
			return noBlock, errors.Wrapf(memutils.ErrDoubleFree, "handle %d lies inside a free block", handle)
		}
		return noBlock, errors.Wrapf(memutils.ErrInvalidHandle, "handle %d", handle)
	}

	b := l.at(index)
	if b.free {
		return noBlock, errors.Wrapf(memutils.ErrDoubleFree, "handle %d names a free block", handle)
	}
	if l.handleOf(b) != handle {
		return noBlock, errors.Wrapf(memutils.ErrInvalidHandle, "handle %d does not name the %s allocation at offset %d", handle, b.arena, b.offset)
	}

	return index, nil
}

func (l *Ledger) insideFreeBlock(offset int) bool {
	for index := l.freeHead; index != noBlock; index = l.at(index).nextFree {
		b := l.at(index)
		if offset > b.offset && offset < b.end() {
			return true
		}
		if b.offset > offset {
			return false
		}
	}
	return false
}
