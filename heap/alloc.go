package heap

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/modulus-lang/memory/ledger"
	"github.com/modulus-lang/memory/memops"
	"github.com/modulus-lang/memory/memutils"
	"golang.org/x/exp/slog"
)

func allocationSize(minBytes int) (int, error) {
	if minBytes <= 0 {
		return 0, errors.Wrapf(memutils.ErrInvalidSize, "allocation of %d bytes", minBytes)
	}
	return memutils.AlignUp(minBytes, uint(ledger.Alignment)), nil
}

func checkArena(arena Arena) error {
	if arena != Global && arena != Local {
		return errors.Newf("unknown arena %d", arena)
	}
	return nil
}

// Alloc reserves at least minBytes bytes from the given arena and returns the handle of
// the allocation. The size is rounded up to a multiple of the word size. When no free block
// on the arena's side of the heap is large enough, a heap created with AutoGrow grows once
// by at least the allocation and tries again. Otherwise Alloc returns NoHandle and an error
// matching memutils.ErrOutOfMemory, and the heap is unchanged; the caller may Resize the
// heap and try again.
func (h *Heap) Alloc(minBytes int, arena Arena) (Handle, error) {
	h.lock.Lock()
	defer h.lock.Unlock()

	err := h.checkCreated()
	if err != nil {
		return NoHandle, err
	}
	size, err := allocationSize(minBytes)
	if err != nil {
		return NoHandle, err
	}
	err = checkArena(arena)
	if err != nil {
		return NoHandle, err
	}

	handle, err := h.allocate(size, arena)
	if err != nil {
		return NoHandle, err
	}

	if h.zeroNew {
		h.zeroFrom(handle, 0)
	}

	return handle, nil
}

// allocate carves size bytes out of the arena, growing the heap once first when the heap
// was created with AutoGrow and nothing fits
func (h *Heap) allocate(size int, arena Arena) (Handle, error) {
	handle, err := h.fit(size, arena)
	if err != nil || handle != NoHandle {
		return handle, err
	}

	if h.autoGrow {
		growErr := h.grow(h.roundSize(h.ledger.Size() + size + ledger.HeaderSize))
		if growErr != nil {
			return NoHandle, errors.Mark(errors.Wrapf(growErr, "grow the heap for %d bytes from the %s arena", size, arena), memutils.ErrOutOfMemory)
		}

		handle, err = h.fit(size, arena)
		if err != nil || handle != NoHandle {
			return handle, err
		}
	}

	return NoHandle, errors.Wrapf(memutils.ErrOutOfMemory, "%d bytes from the %s arena of a %d byte heap", size, arena, h.ledger.Size())
}

func (h *Heap) fit(size int, arena Arena) (Handle, error) {
	limit := h.localNext
	if arena == Local {
		limit = h.globalNext
	}

	handle, err := h.ledger.Allocate(size, arena, limit)
	if err != nil || handle == NoHandle {
		return handle, err
	}

	region, _ := h.ledger.Lookup(handle)
	h.claim(region)
	return handle, nil
}

// claim moves the arena boundaries out to cover an allocated region
func (h *Heap) claim(region ledger.Region) {
	if region.Arena == Global {
		h.globalNext = memutils.Max(h.globalNext, region.End())
	} else {
		h.localNext = memutils.Min(h.localNext, region.Offset)
	}
}

// Free releases an allocation. Its bytes are merged with any free neighbours and become
// available to either arena. Freeing an allocation twice, or any handle that points inside
// a free block, returns an error matching memutils.ErrDoubleFree. Other handles that do not
// name an allocation return an error matching memutils.ErrInvalidHandle.
func (h *Heap) Free(handle Handle) error {
	h.lock.Lock()
	defer h.lock.Unlock()

	err := h.checkCreated()
	if err != nil {
		return err
	}

	return h.free(handle)
}

func (h *Heap) free(handle Handle) error {
	region, err := h.ledger.Allocation(handle)
	if err != nil {
		return err
	}

	merged, err := h.ledger.Free(handle)
	if err != nil {
		return err
	}

	// The boundaries retreat to the nearest remaining block of the arena, which is the
	// physical neighbour of the merged free range
	if region.Arena == Global && region.End() == h.globalNext {
		h.globalNext = merged.Offset
	}
	if region.Arena == Local && region.Offset == h.localNext {
		h.localNext = merged.End()
	}

	return nil
}

// Realloc changes the size of an allocation to at least minBytes bytes and returns the
// handle it is now found at. The first min(old size, new size) bytes are preserved.
//
// Shrinking always happens in place. Growing happens in place, keeping the handle, when the
// block after the allocation is free and large enough. Otherwise the allocation grows down
// into a free block before it, or is moved to a new block of the same arena, and a new
// handle is returned. When none of these fit, Realloc returns NoHandle and an error matching
// memutils.ErrOutOfMemory, and the original allocation is untouched.
func (h *Heap) Realloc(handle Handle, minBytes int) (Handle, error) {
	h.lock.Lock()
	defer h.lock.Unlock()

	err := h.checkCreated()
	if err != nil {
		return NoHandle, err
	}
	size, err := allocationSize(minBytes)
	if err != nil {
		return NoHandle, err
	}

	region, err := h.ledger.Allocation(handle)
	if err != nil {
		return NoHandle, err
	}

	if size <= region.Size {
		err = h.ledger.Trim(handle, size)
		if err != nil {
			return NoHandle, err
		}

		if region.Arena == Global && region.End() == h.globalNext {
			trimmed, _ := h.ledger.Lookup(handle)
			h.globalNext = trimmed.End()
		}
		return handle, nil
	}

	grown, err := h.ledger.AbsorbNext(handle, size)
	if err != nil {
		return NoHandle, err
	}
	if grown {
		updated, _ := h.ledger.Lookup(handle)
		h.claim(updated)
		h.zeroFrom(handle, region.Size)
		return handle, nil
	}

	moved, err := h.ledger.AbsorbPrev(handle, size)
	if err != nil {
		return NoHandle, err
	}
	if moved != NoHandle {
		updated, _ := h.ledger.Lookup(moved)
		memops.Move(h.memory, region.Payload(), updated.Payload(), region.Size)

		h.claim(updated)
		h.zeroFrom(moved, region.Size)
		return moved, nil
	}

	relocated, err := h.allocate(size, region.Arena)
	if err != nil {
		return NoHandle, err
	}

	// Growing the heap for the new block may have moved the old one
	region, _ = h.ledger.Lookup(handle)
	target, _ := h.ledger.Lookup(relocated)
	memops.Copy(h.memory, region.Payload(), region.Size, memops.Right, h.memory, target.Payload(), region.Size, memops.Right)
	err = h.free(handle)
	if err != nil {
		return NoHandle, errors.NewAssertionErrorWithWrappedErrf(err, "releasing allocation %d after moving it to %d", handle, relocated)
	}

	h.zeroFrom(relocated, region.Size)
	h.logger.LogAttrs(context.Background(), slog.LevelDebug, "allocation relocated",
		slog.Int("from", int(handle)),
		slog.Int("to", int(relocated)),
		slog.Int("size", size),
	)
	return relocated, nil
}

// zeroFrom clears an allocation's payload from offset to its end when the heap zeroes
// new memory
func (h *Heap) zeroFrom(handle Handle, offset int) {
	if !h.zeroNew {
		return
	}

	payload, err := h.ledger.Payload(handle)
	if err != nil || offset >= len(payload) {
		return
	}
	memops.Set(payload, offset, len(payload)-offset, 0, memops.Right)
}

// Bytes returns the payload of an allocation. The slice aliases the heap region and is
// only valid until the next Resize of the heap, or the next Realloc or Free of the
// allocation.
func (h *Heap) Bytes(handle Handle) ([]byte, error) {
	h.lock.RLock()
	defer h.lock.RUnlock()

	err := h.checkCreated()
	if err != nil {
		return nil, err
	}

	return h.ledger.Payload(handle)
}

// Zero fills the payload of an allocation with zero bytes
func (h *Heap) Zero(handle Handle) error {
	h.lock.Lock()
	defer h.lock.Unlock()

	err := h.checkCreated()
	if err != nil {
		return err
	}

	payload, err := h.ledger.Payload(handle)
	if err != nil {
		return err
	}

	memops.Set(payload, 0, len(payload), 0, memops.Right)
	return nil
}

// CheckCorruption verifies the region prologue and every in-band block header against the
// heap's bookkeeping. A mismatch means something wrote outside of its allocation, and is
// reported with an error matching memutils.ErrCorruption.
func (h *Heap) CheckCorruption() error {
	h.lock.RLock()
	defer h.lock.RUnlock()

	err := h.checkCreated()
	if err != nil {
		return err
	}

	return h.ledger.CheckCorruption()
}
