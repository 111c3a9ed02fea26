package memutils

import "github.com/cockroachdb/errors"

// PowerOfTwoError is the error returned from CheckPow2 or other methods if the number being tested is not a power of two
var PowerOfTwoError error = errors.New("number must be a power of two")

var (
	// ErrOutOfMemory is returned when no free block can satisfy a request, even after any configured
	// automatic growth. The heap is left unchanged and the caller may grow it and retry.
	ErrOutOfMemory = errors.New("no free block large enough for the request")
	// ErrShrinkLiveData is returned when a heap shrink would release bytes that belong to a live
	// allocation. The heap is left unchanged.
	ErrShrinkLiveData = errors.New("heap shrink would truncate live allocations")
	// ErrDoubleFree is returned when a handle names a free block or points inside one
	ErrDoubleFree = errors.New("allocation is already free")
	// ErrInvalidHandle is returned when a handle does not map to any block in the heap
	ErrInvalidHandle = errors.New("handle does not map to an allocation in this heap")
	// ErrHeapDestroyed is returned by every heap operation issued before create or after destroy
	ErrHeapDestroyed = errors.New("heap has not been created or has been destroyed")
	// ErrInvalidSize is returned when a requested size is zero or negative
	ErrInvalidSize = errors.New("requested size must be greater than 0")
	// ErrCorruption is returned when an in-band block header no longer matches the ledger
	ErrCorruption = errors.New("heap memory corruption detected")
)
