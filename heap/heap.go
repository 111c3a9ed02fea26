// Package heap manages one contiguous memory region serving two allocation arenas. Global
// allocations are packed upward from the low end of the region and Local allocations
// downward from the high end; the two never cross. Every allocation is named by a Handle:
// Global payloads by their distance from the start of the region, Local payloads by their
// distance from its end. A heap region can therefore move in memory, and the Local arena
// can move within it when the region is resized, without invalidating any handle.
//
// A Heap is not safe for concurrent use unless it was created with CreateSynchronized.
package heap

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/modulus-lang/memory/diag"
	"github.com/modulus-lang/memory/heap/internal/platform"
	"github.com/modulus-lang/memory/heap/internal/utils"
	"github.com/modulus-lang/memory/introspect"
	"github.com/modulus-lang/memory/ledger"
	"github.com/modulus-lang/memory/memops"
	"github.com/modulus-lang/memory/memutils"
	"golang.org/x/exp/slog"
)

// Heap is a single heap region and the bookkeeping of the allocations made from it
type Heap struct {
	lock      utils.OptionalLock
	logger    *slog.Logger
	diag      *diag.Logger
	reserver  Reserver
	callbacks regionCallbacks

	flags       CreateFlags
	granularity int
	autoGrow    bool
	zeroNew     bool

	memory []byte
	ledger *ledger.Ledger

	// globalNext is the end of the highest Global block, or the end of the region
	// prologue when there is none
	globalNext int
	// localNext is the header offset of the lowest Local block, or the region size when
	// there is none
	localNext int
}

var _ memutils.Validatable = &Heap{}

// New creates a heap with no region. Create must be called before anything is allocated.
//
// logger - The logger that heap lifecycle records and unreleased allocations are written to
//
// options - Optional parameters: it is valid to leave all the fields blank
func New(logger *slog.Logger, options Options) (*Heap, error) {
	granularity := options.Granularity
	if granularity == 0 {
		granularity = introspect.PageSize()
	}
	err := memutils.CheckPow2(granularity, "heap.Options.Granularity")
	if err != nil {
		return nil, err
	}
	memutils.DebugCheckPow2(ledger.Alignment, "ledger.Alignment")

	if logger == nil {
		logger = slog.Default()
	}

	reserver := options.Reserver
	if reserver == nil {
		reserver = platform.Default()
	}

	diagLogger := options.Diag
	if diagLogger == nil {
		diagLogger = diag.New(diag.Options{})
	}

	heap := &Heap{
		lock:     utils.OptionalLock{Enabled: options.Flags&CreateSynchronized != 0},
		logger:   logger,
		diag:     diagLogger,
		reserver: reserver,

		flags:       options.Flags,
		granularity: granularity,
		autoGrow:    options.AutoGrow,
		zeroNew:     options.ZeroNew,
	}
	heap.callbacks = regionCallbacks{
		Callbacks: options.Callbacks,
		Heap:      heap,
	}

	return heap, nil
}

// roundSize converts a requested heap size to the size that will be reserved: at least
// one block, rounded up to the granularity and the header alignment
func (h *Heap) roundSize(minBytes int) int {
	size := memutils.Max(minBytes, ledger.MinRegionSize)
	size = memutils.RoundUp(size, h.granularity)
	return memutils.AlignUp(size, uint(ledger.Alignment))
}

func (h *Heap) checkCreated() error {
	if h.ledger == nil {
		return memutils.ErrHeapDestroyed
	}
	return nil
}

// Create reserves a region of at least minBytes bytes and initializes it as one free block.
// The size is rounded up to the heap granularity.
//
// Failing to reserve the region is fatal: a fatal diagnostic record is written and the
// process exits with a failure status. Create only returns that error when the diagnostic
// logger was configured with an exit function that returns.
func (h *Heap) Create(minBytes int) error {
	h.lock.Lock()
	defer h.lock.Unlock()

	if h.ledger != nil {
		return errors.New("the heap has already been created")
	}
	if minBytes < 0 {
		return errors.Wrapf(memutils.ErrInvalidSize, "heap of %d bytes", minBytes)
	}

	size := h.roundSize(minBytes)
	memory, err := h.reserver.Reserve(size)
	if err == nil && len(memory) != size {
		_ = h.reserver.Release(memory)
		err = errors.Newf("the reserver returned %d bytes when %d were requested", len(memory), size)
	}
	if err != nil {
		h.diag.Fatal("heapCreate", fmt.Sprintf("unable to reserve %d bytes of heap memory: %v", size, err))
		return errors.Wrapf(err, "reserve %d bytes of heap memory", size)
	}

	l, err := ledger.New(size)
	if err != nil {
		_ = h.reserver.Release(memory)
		return err
	}
	err = l.Bind(memory)
	if err != nil {
		_ = h.reserver.Release(memory)
		return err
	}

	h.memory = memory
	h.ledger = l
	h.globalNext = ledger.HeaderSize
	h.localNext = size
	h.callbacks.Reserve(size)

	h.logger.LogAttrs(context.Background(), slog.LevelDebug, "heap created",
		slog.Int("size", size),
		slog.Int("granularity", h.granularity),
	)
	return nil
}

// Destroy releases the heap region. Allocations that are still live are logged as
// unreleased memory and discarded. Every later operation returns memutils.ErrHeapDestroyed
// until Create is called again.
func (h *Heap) Destroy() error {
	h.lock.Lock()
	defer h.lock.Unlock()

	if h.ledger == nil {
		return memutils.ErrHeapDestroyed
	}

	if !h.ledger.IsEmpty() {
		err := h.ledger.VisitAllRegions(func(region ledger.Region) error {
			if region.Free {
				return nil
			}

			h.logUnreleasedMemory(region)
			return nil
		})
		if err != nil {
			h.logger.LogAttrs(context.Background(),
				slog.LevelError,
				"[UNRELEASED MEMORY] error while iterating unreleased memory",
				slog.Any("error", err))
		}
	}

	size := h.ledger.Size()
	h.ledger.Unbind()
	h.callbacks.Release(size)
	err := h.reserver.Release(h.memory)

	h.memory = nil
	h.ledger = nil
	h.globalNext = 0
	h.localNext = 0

	if err != nil {
		return errors.Wrapf(err, "release %d bytes of heap memory", size)
	}

	h.logger.LogAttrs(context.Background(), slog.LevelDebug, "heap destroyed", slog.Int("size", size))
	return nil
}

func (h *Heap) logUnreleasedMemory(region ledger.Region) {
	h.logger.LogAttrs(context.Background(), slog.LevelWarn, "[UNRELEASED MEMORY] unfreed allocation",
		slog.Int("handle", int(region.Handle)),
		slog.Int("size", region.Size),
		slog.String("arena", region.Arena.String()),
	)
}

// Size is the number of bytes in the heap region, or 0 when no region exists
func (h *Heap) Size() int {
	h.lock.RLock()
	defer h.lock.RUnlock()

	if h.ledger == nil {
		return 0
	}
	return h.ledger.Size()
}

// Boundaries reports the current arena boundaries: the end of the highest Global block
// and the header offset of the lowest Local block
func (h *Heap) Boundaries() (globalNext int, localNext int) {
	h.lock.RLock()
	defer h.lock.RUnlock()

	return h.globalNext, h.localNext
}

// Resize changes the size of the heap region to at least minBytes bytes, rounded up to the
// heap granularity, and returns the resulting size. The region may move; handles stay valid
// but slices obtained from Bytes do not.
//
// Growing inserts the new bytes between the two arenas: the Local arena moves up by the
// growth, and the free block below it absorbs the new bytes, or a new free block is
// created there. The new space therefore serves both arenas. Shrinking only releases free
// bytes directly below the Local arena, which moves down by the same amount: when the free
// block there is too small, Resize returns memutils.ErrShrinkLiveData with the heap
// unchanged and the old size.
func (h *Heap) Resize(minBytes int) (int, error) {
	h.lock.Lock()
	defer h.lock.Unlock()

	err := h.checkCreated()
	if err != nil {
		return 0, err
	}
	if minBytes < 0 {
		return h.ledger.Size(), errors.Wrapf(memutils.ErrInvalidSize, "heap of %d bytes", minBytes)
	}

	newSize := h.roundSize(minBytes)
	oldSize := h.ledger.Size()
	switch {
	case newSize > oldSize:
		err = h.grow(newSize)
	case newSize < oldSize:
		err = h.shrink(newSize)
	}

	return h.ledger.Size(), err
}

func (h *Heap) grow(newSize int) error {
	oldSize := h.ledger.Size()

	// Without a free block below the Local arena the new bytes need room for a whole block
	gap, ok := h.ledger.BlockEndingAt(h.localNext)
	if !ok || !gap.Free {
		newSize = memutils.Max(newSize, h.roundSize(oldSize+ledger.HeaderSize+ledger.MinPayload))
	}
	delta := newSize - oldSize

	memory, err := h.remap(newSize)
	if err != nil {
		return err
	}

	if moved := oldSize - h.localNext; moved > 0 {
		memops.Copy(memory, oldSize-1, moved, memops.Left, memory, newSize-1, moved, memops.Left)
	}

	err = h.ledger.Grow(h.localNext, delta)
	if err != nil {
		return errors.NewAssertionErrorWithWrappedErrf(err, "growing the heap ledger from %d to %d bytes", oldSize, newSize)
	}
	err = h.ledger.Bind(memory)
	if err != nil {
		return err
	}
	h.localNext += delta

	h.logger.LogAttrs(context.Background(), slog.LevelDebug, "heap grown",
		slog.Int("oldSize", oldSize),
		slog.Int("newSize", newSize),
	)
	return nil
}

func (h *Heap) shrink(newSize int) error {
	oldSize := h.ledger.Size()
	delta := oldSize - newSize

	err := h.ledger.CheckShrink(h.localNext, delta)
	if err != nil {
		return err
	}

	moved := oldSize - h.localNext
	if moved > 0 {
		memops.Move(h.memory, h.localNext, h.localNext-delta, moved)
	}

	memory, err := h.remap(newSize)
	if err != nil {
		if moved > 0 {
			memops.Copy(h.memory, newSize-1, moved, memops.Left, h.memory, oldSize-1, moved, memops.Left)
		}
		// The move may have overwritten the header of the free block below the arena
		bindErr := h.ledger.Bind(h.memory)
		if bindErr != nil {
			return errors.CombineErrors(err, bindErr)
		}
		return err
	}

	err = h.ledger.Shrink(h.localNext, delta)
	if err != nil {
		return errors.NewAssertionErrorWithWrappedErrf(err, "shrinking the heap ledger from %d to %d bytes", oldSize, newSize)
	}
	err = h.ledger.Bind(memory)
	if err != nil {
		return err
	}
	h.localNext -= delta

	h.logger.LogAttrs(context.Background(), slog.LevelDebug, "heap shrunk",
		slog.Int("oldSize", oldSize),
		slog.Int("newSize", newSize),
	)
	return nil
}

// remap moves the heap region to a new region of newSize bytes. On failure the old region
// is untouched and the error is marked as memutils.ErrOutOfMemory.
func (h *Heap) remap(newSize int) ([]byte, error) {
	oldSize := len(h.memory)

	memory, err := h.reserver.Remap(h.memory, newSize)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "remap heap memory from %d to %d bytes", oldSize, newSize), memutils.ErrOutOfMemory)
	}
	if len(memory) != newSize {
		return nil, errors.AssertionFailedf("the reserver remapped %d bytes when %d were requested", len(memory), newSize)
	}

	// The old region may already be unmapped
	h.ledger.Unbind()
	h.memory = memory
	h.callbacks.Release(oldSize)
	h.callbacks.Reserve(newSize)
	return memory, nil
}

// Validate performs internal consistency checks on the heap and its ledger. These checks
// walk every block and are expensive.
func (h *Heap) Validate() error {
	h.lock.RLock()
	defer h.lock.RUnlock()

	if h.ledger == nil {
		return memutils.ErrHeapDestroyed
	}

	if len(h.memory) != h.ledger.Size() {
		return errors.Newf("the heap region is %d bytes but the ledger describes %d bytes", len(h.memory), h.ledger.Size())
	}

	err := h.ledger.Validate()
	if err != nil {
		return err
	}

	globalNext := ledger.HeaderSize
	localNext := h.ledger.Size()
	err = h.ledger.VisitAllRegions(func(region ledger.Region) error {
		if region.Free {
			return nil
		}

		if region.Arena == Global {
			if region.Offset < localNext {
				globalNext = region.End()
				return nil
			}
			return errors.Newf("global block at offset %d lies above a local block", region.Offset)
		}

		if localNext == h.ledger.Size() {
			localNext = region.Offset
		}
		return nil
	})
	if err != nil {
		return err
	}

	if globalNext != h.globalNext {
		return errors.Newf("the global arena boundary is %d, but the highest global block ends at %d", h.globalNext, globalNext)
	}
	if localNext != h.localNext {
		return errors.Newf("the local arena boundary is %d, but the lowest local block starts at %d", h.localNext, localNext)
	}
	if h.globalNext > h.localNext {
		return errors.Newf("the global arena boundary %d has crossed the local arena boundary %d", h.globalNext, h.localNext)
	}

	return nil
}
