package ledger

import (
	"github.com/modulus-lang/memory/memutils"
	"github.com/pkg/errors"
)

func (l *Ledger) canSplit(available, size int) bool {
	return available-size >= HeaderSize+MinPayload
}

// Split hands out the free block named by handle for an allocation of size bytes made
// from arena. When the block is large enough to leave a header plus MinPayload behind,
// only size bytes are taken, from the end of the block facing the arena's base (the low
// end for Global, the high end for Local) and the rest stays free. Otherwise the whole
// block is handed out. Split returns the handle of the allocation.
func (l *Ledger) Split(handle Handle, size int, arena Arena) (Handle, error) {
	if size <= 0 || size%Alignment != 0 {
		return NoHandle, errors.Wrapf(memutils.ErrInvalidSize, "size %d must be a positive multiple of %d", size, Alignment)
	}

	index, ok := l.find(handle)
	if !ok {
		return NoHandle, errors.Wrapf(memutils.ErrInvalidHandle, "handle %d", handle)
	}
	if !l.at(index).free {
		return NoHandle, errors.Errorf("block at offset %d is not free", l.at(index).offset)
	}
	if l.at(index).size < size {
		return NoHandle, errors.Errorf("block at offset %d has %d bytes, too small for %d", l.at(index).offset, l.at(index).size, size)
	}

	allocated := l.split(index, size, arena)
	memutils.DebugValidate(l)
	return l.handleOf(l.at(allocated)), nil
}

// Allocate finds a fit with FindFit and splits it. It returns NoHandle without an error
// when nothing fits.
func (l *Ledger) Allocate(size int, arena Arena, limit int) (Handle, error) {
	if size <= 0 || size%Alignment != 0 {
		return NoHandle, errors.Wrapf(memutils.ErrInvalidSize, "size %d must be a positive multiple of %d", size, Alignment)
	}

	index := l.findFit(size, arena, limit)
	if index == noBlock {
		return NoHandle, nil
	}

	allocated := l.split(index, size, arena)
	memutils.DebugValidate(l)
	return l.handleOf(l.at(allocated)), nil
}

func (l *Ledger) split(index blockIndex, size int, arena Arena) blockIndex {
	available := l.at(index).size

	if !l.canSplit(available, size) {
		l.removeFree(index)
		l.markAllocated(index, arena)
		return index
	}

	remainder := available - size - HeaderSize

	if arena == Global {
		// Allocation keeps the low end: the free remainder becomes a new block above it
		offset := l.at(index).offset + HeaderSize + size
		rest := l.allocateRecord(offset, remainder)
		l.linkAfter(index, rest)
		l.replaceFree(index, rest)
		l.at(index).size = size
		l.markAllocated(index, arena)
		l.writeHeader(rest)
		return index
	}

	// Allocation takes the high end: the free block keeps its offset and shrinks
	offset := l.at(index).offset + HeaderSize + remainder
	taken := l.allocateRecord(offset, size)
	l.linkAfter(index, taken)
	l.resizeFree(index, remainder)
	l.at(taken).free = false
	l.markAllocated(taken, arena)
	l.writeHeader(index)
	return taken
}

func (l *Ledger) markAllocated(index blockIndex, arena Arena) {
	b := l.at(index)
	b.free = false
	b.arena = arena
	l.allocCount++
	l.writeHeader(index)
}

// linkAfter inserts a new record into the physical chain directly after another
func (l *Ledger) linkAfter(index, newIndex blockIndex) {
	b := l.at(index)
	n := l.at(newIndex)

	n.prevPhysical = index
	n.nextPhysical = b.nextPhysical
	if n.nextPhysical != noBlock {
		l.at(n.nextPhysical).prevPhysical = newIndex
	} else {
		l.lastPhysical = newIndex
	}
	b.nextPhysical = newIndex
}

// unlink removes a record from the physical chain and releases it. Its bytes must already
// have been accounted to a neighbour.
func (l *Ledger) unlink(index blockIndex) {
	b := l.at(index)
	if b.prevPhysical != noBlock {
		l.at(b.prevPhysical).nextPhysical = b.nextPhysical
	} else {
		l.firstPhysical = b.nextPhysical
	}
	if b.nextPhysical != noBlock {
		l.at(b.nextPhysical).prevPhysical = b.prevPhysical
	} else {
		l.lastPhysical = b.prevPhysical
	}

	l.releaseRecord(index)
}

// Free returns the allocation named by handle to the free list and coalesces it with any
// free physical neighbours. It returns the resulting free region, which spans at least
// the freed block. A handle naming a free block, or pointing inside one, is reported as
// memutils.ErrDoubleFree.
func (l *Ledger) Free(handle Handle) (Region, error) {
	index, err := l.allocated(handle)
	if err != nil {
		return Region{}, err
	}

	l.allocCount--
	merged := l.coalesce(index)
	l.writeHeader(merged)

	memutils.DebugValidate(l)
	return l.region(merged), nil
}

// coalesce turns an allocated block into a free one and merges it with free physical
// neighbours on either side
func (l *Ledger) coalesce(index blockIndex) blockIndex {
	b := l.at(index)
	prev := b.prevPhysical
	next := b.nextPhysical

	prevFree := prev != noBlock && l.at(prev).free
	nextFree := next != noBlock && l.at(next).free

	switch {
	case prevFree && nextFree:
		grown := l.at(prev).size + HeaderSize + l.at(index).size + HeaderSize + l.at(next).size
		l.removeFree(next)
		l.unlink(next)
		l.unlink(index)
		l.resizeFree(prev, grown)
		return prev
	case prevFree:
		grown := l.at(prev).size + HeaderSize + l.at(index).size
		l.unlink(index)
		l.resizeFree(prev, grown)
		return prev
	case nextFree:
		grown := l.at(index).size + HeaderSize + l.at(next).size
		l.replaceFree(next, index)
		l.unlink(next)
		l.resizeFree(index, grown)
		return index
	default:
		l.insertFree(index)
		return index
	}
}

// AbsorbNext grows the allocation named by handle to size bytes in place by taking bytes
// from the free block physically after it. The handle does not change. Any part of the
// neighbour that is not needed stays free when it can still hold a block. It returns
// false, changing nothing, when the neighbour is not free or too small.
func (l *Ledger) AbsorbNext(handle Handle, size int) (bool, error) {
	index, err := l.allocated(handle)
	if err != nil {
		return false, err
	}

	b := l.at(index)
	if size <= b.size {
		return true, nil
	}

	next := b.nextPhysical
	if next == noBlock || !l.at(next).free {
		return false, nil
	}

	total := b.size + HeaderSize + l.at(next).size
	if total < size {
		return false, nil
	}

	if l.canSplit(total, size) {
		l.moveRecord(next, b.offset+HeaderSize+size)
		l.resizeFree(next, total-size-HeaderSize)
		l.at(index).size = size
		l.writeHeader(next)
	} else {
		l.removeFree(next)
		l.unlink(next)
		l.at(index).size = total
	}

	l.writeHeader(index)
	memutils.DebugValidate(l)
	return true, nil
}

// AbsorbPrev grows the allocation named by handle to size bytes by taking bytes from the
// free block physically before it. The allocation's header moves down, so the payload
// has a new handle, which is returned with the old payload's offset left untouched: the
// caller must move size-of-old-payload bytes from the old handle to the new one. It returns
// NoHandle, changing nothing, when the neighbour is not free or too small.
func (l *Ledger) AbsorbPrev(handle Handle, size int) (Handle, error) {
	index, err := l.allocated(handle)
	if err != nil {
		return NoHandle, err
	}

	b := l.at(index)
	if size <= b.size {
		return handle, nil
	}

	prev := b.prevPhysical
	if prev == noBlock || !l.at(prev).free {
		return NoHandle, nil
	}

	total := l.at(prev).size + HeaderSize + b.size
	if total < size {
		return NoHandle, nil
	}

	if l.canSplit(total, size) {
		remainder := total - size - HeaderSize
		l.resizeFree(prev, remainder)
		l.moveRecord(index, l.at(prev).offset+HeaderSize+remainder)
		l.at(index).size = size
		l.writeHeader(prev)
	} else {
		offset := l.at(prev).offset
		l.removeFree(prev)
		l.unlink(prev)
		l.moveRecord(index, offset)
		l.at(index).size = total
	}

	l.writeHeader(index)
	memutils.DebugValidate(l)
	return l.handleOf(l.at(index)), nil
}

// Trim shrinks the allocation named by handle to size bytes in place. The released tail
// becomes free (merged with a free successor) when it can hold a block; otherwise the
// allocation keeps its size. The handle does not change.
func (l *Ledger) Trim(handle Handle, size int) error {
	if size <= 0 || size%Alignment != 0 {
		return errors.Wrapf(memutils.ErrInvalidSize, "size %d must be a positive multiple of %d", size, Alignment)
	}

	index, err := l.allocated(handle)
	if err != nil {
		return err
	}

	b := l.at(index)
	if size >= b.size || !l.canSplit(b.size, size) {
		return nil
	}

	remainder := b.size - size - HeaderSize
	offset := b.offset + HeaderSize + size
	b.size = size

	tail := l.allocateRecord(offset, remainder)
	l.linkAfter(index, tail)
	l.at(tail).free = false
	l.coalesce(tail)

	l.writeHeader(index)
	if next := l.at(index).nextPhysical; next != noBlock {
		l.writeHeader(next)
	}

	memutils.DebugValidate(l)
	return nil
}

// boundary resolves an offset between two blocks: the region size, or the header offset of
// a block. It returns the blocks ending and starting there.
func (l *Ledger) boundary(at int) (below, above blockIndex, err error) {
	if at == l.size {
		return l.lastPhysical, noBlock, nil
	}

	above, ok := l.payloads.Get(at + HeaderSize)
	if !ok {
		return noBlock, noBlock, errors.Errorf("offset %d is not a block boundary", at)
	}
	return l.at(above).prevPhysical, above, nil
}

// BlockEndingAt returns the block whose payload ends at offset, which must be the region
// size or the header offset of another block
func (l *Ledger) BlockEndingAt(offset int) (Region, bool) {
	below, _, err := l.boundary(offset)
	if err != nil || below == noBlock {
		return Region{}, false
	}
	return l.region(below), true
}

// shift moves every block from first upward by delta bytes, which may be negative
func (l *Ledger) shift(first blockIndex, delta int) {
	for index := first; index != noBlock; index = l.at(index).nextPhysical {
		l.payloads.Delete(l.at(index).payload())
	}
	for index := first; index != noBlock; index = l.at(index).nextPhysical {
		b := l.at(index)
		b.offset += delta
		l.payloads.Put(b.payload(), index)
	}
}

// Grow extends the region by delta bytes inserted at offset at, the region size or the
// header offset of an allocated block. Every block from at upward moves up by delta, which
// keeps their Local handles. A free block ending at at absorbs the new bytes; otherwise they
// form a new free block there, which requires delta to be at least HeaderSize+MinPayload.
// Bound memory is unbound: the caller moves the bytes above at and binds the grown region.
func (l *Ledger) Grow(at, delta int) error {
	if delta <= 0 || delta%Alignment != 0 {
		return errors.Errorf("growth of %d bytes must be a positive multiple of %d", delta, Alignment)
	}

	below, above, err := l.boundary(at)
	if err != nil {
		return err
	}
	if above != noBlock && l.at(above).free {
		return errors.Errorf("growth point %d starts a free block", at)
	}

	if below != noBlock && l.at(below).free {
		l.shift(above, delta)
		l.resizeFree(below, l.at(below).size+delta)
	} else {
		if delta < HeaderSize+MinPayload {
			return errors.Errorf("growth of %d bytes cannot hold a new block", delta)
		}

		l.shift(above, delta)
		gap := l.allocateRecord(at, delta-HeaderSize)
		if below != noBlock {
			l.linkAfter(below, gap)
		} else {
			g := l.at(gap)
			g.nextPhysical = l.firstPhysical
			l.at(l.firstPhysical).prevPhysical = gap
			l.firstPhysical = gap
		}
		l.insertFree(gap)
	}

	l.size += delta
	l.memory = nil
	return nil
}

// CheckShrink reports whether delta bytes can be released directly below offset at, the
// region size or the header offset of a block. Only bytes of a free block ending at at
// may be released, and that block must keep at least MinPayload bytes unless it is
// dropped entirely, header included.
func (l *Ledger) CheckShrink(at, delta int) error {
	if delta <= 0 || delta%Alignment != 0 {
		return errors.Errorf("shrink of %d bytes must be a positive multiple of %d", delta, Alignment)
	}

	below, _, err := l.boundary(at)
	if err != nil {
		return err
	}
	if below == noBlock || !l.at(below).free {
		return errors.Wrapf(memutils.ErrShrinkLiveData, "no free block ends at offset %d", at)
	}

	b := l.at(below)
	if delta == b.size+HeaderSize && l.BlockCount() > 1 {
		return nil
	}
	if b.size-delta < MinPayload {
		return errors.Wrapf(memutils.ErrShrinkLiveData, "releasing %d bytes below offset %d would cut into the block at offset %d", delta, at, b.offset)
	}

	return nil
}

// Shrink releases delta bytes directly below offset at, which CheckShrink must accept.
// Every block from at upward moves down by delta, which keeps their Local handles. Bound
// memory is unbound: the caller moves the bytes above at and binds the shrunk region.
func (l *Ledger) Shrink(at, delta int) error {
	err := l.CheckShrink(at, delta)
	if err != nil {
		return err
	}

	below, above, _ := l.boundary(at)
	if delta == l.at(below).size+HeaderSize {
		l.removeFree(below)
		l.unlink(below)
	} else {
		l.resizeFree(below, l.at(below).size-delta)
	}
	l.shift(above, -delta)

	l.size -= delta
	l.memory = nil
	return nil
}
