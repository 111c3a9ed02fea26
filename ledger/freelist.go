package ledger

// pushFreeBack appends a free block at the high end of the free list. The block must
// lie above every block currently in the list.
func (l *Ledger) pushFreeBack(index blockIndex) {
	b := l.at(index)
	b.free = true
	b.prevFree = l.freeTail
	b.nextFree = noBlock

	if l.freeTail != noBlock {
		l.at(l.freeTail).nextFree = index
	} else {
		l.freeHead = index
	}
	l.freeTail = index

	l.freeCount++
	l.freeBytes += b.size
}

// insertFree places a block in the free list at its address-ordered position
func (l *Ledger) insertFree(index blockIndex) {
	// The nearest free block below this one, found by walking the physical chain
	before := noBlock
	for prev := l.at(index).prevPhysical; prev != noBlock; prev = l.at(prev).prevPhysical {
		if l.at(prev).free {
			before = prev
			break
		}
	}

	b := l.at(index)
	b.free = true
	b.prevFree = before

	if before == noBlock {
		b.nextFree = l.freeHead
		l.freeHead = index
	} else {
		b.nextFree = l.at(before).nextFree
		l.at(before).nextFree = index
	}

	if b.nextFree != noBlock {
		l.at(b.nextFree).prevFree = index
	} else {
		l.freeTail = index
	}

	l.freeCount++
	l.freeBytes += b.size
}

// replaceFree puts a block in the free list position currently held by another. The two
// blocks must be physical neighbours, so address ordering is kept.
func (l *Ledger) replaceFree(old, replacement blockIndex) {
	o := l.at(old)
	r := l.at(replacement)

	r.free = true
	r.prevFree = o.prevFree
	r.nextFree = o.nextFree

	if r.prevFree != noBlock {
		l.at(r.prevFree).nextFree = replacement
	} else {
		l.freeHead = replacement
	}
	if r.nextFree != noBlock {
		l.at(r.nextFree).prevFree = replacement
	} else {
		l.freeTail = replacement
	}

	l.freeBytes += r.size - o.size
	o.prevFree = noBlock
	o.nextFree = noBlock
	o.free = false
}

// removeFree unlinks a block from the free list and tags it allocated
func (l *Ledger) removeFree(index blockIndex) {
	b := l.at(index)
	if !b.free {
		panic("provided block is not free")
	}

	if b.prevFree != noBlock {
		l.at(b.prevFree).nextFree = b.nextFree
	} else {
		l.freeHead = b.nextFree
	}
	if b.nextFree != noBlock {
		l.at(b.nextFree).prevFree = b.prevFree
	} else {
		l.freeTail = b.prevFree
	}

	b.prevFree = noBlock
	b.nextFree = noBlock
	b.free = false

	l.freeCount--
	l.freeBytes -= b.size
}

// resizeFree changes the payload size of a block that stays in the free list
func (l *Ledger) resizeFree(index blockIndex, size int) {
	b := l.at(index)
	l.freeBytes += size - b.size
	b.size = size
}

// FindFit performs a first-fit search for a free block with a payload of at least size
// bytes, restricted to the given arena's side of the region.
//
// Global searches scan upward from the low end of the region and ignore free blocks that
// start at or beyond limit, the lowest Local block. Local searches scan downward from the
// high end and ignore free blocks that start below limit, the end of the highest Global
// block. The result is NoHandle when nothing fits.
func (l *Ledger) FindFit(size int, arena Arena, limit int) Handle {
	index := l.findFit(size, arena, limit)
	if index == noBlock {
		return NoHandle
	}
	return l.handleOf(l.at(index))
}

func (l *Ledger) findFit(size int, arena Arena, limit int) blockIndex {
	if arena == Global {
		for index := l.freeHead; index != noBlock; index = l.at(index).nextFree {
			b := l.at(index)
			if b.offset >= limit {
				break
			}
			if b.size >= size {
				return index
			}
		}
		return noBlock
	}

	for index := l.freeTail; index != noBlock; index = l.at(index).prevFree {
		b := l.at(index)
		if b.offset < limit {
			break
		}
		if b.size >= size {
			return index
		}
	}
	return noBlock
}
