// Package platform reserves the contiguous byte regions that back a heap.
package platform

import "github.com/cockroachdb/errors"

//go:generate mockgen -source reserver.go -destination ./mocks/reserver.go -package mock_platform

// Reserver hands out contiguous, zero-filled, writable regions of memory
type Reserver interface {
	// Reserve obtains a new region of exactly size bytes
	Reserve(size int) ([]byte, error)
	// Remap resizes a region previously obtained from this Reserver. Bytes up to
	// min(len(old), size) are preserved and any new bytes are zero. The old slice
	// must not be used after a successful Remap. The region may move.
	Remap(old []byte, size int) ([]byte, error)
	// Release returns a region previously obtained from this Reserver
	Release(memory []byte) error
}

// ErrReservationFailed wraps every failure reported by the built-in reservers
var ErrReservationFailed = errors.New("platform memory reservation failed")

// GoReserver backs regions with ordinary Go slices. It is used where anonymous
// mappings are not available, and is convenient in tests.
type GoReserver struct{}

var _ Reserver = GoReserver{}

func (GoReserver) Reserve(size int) ([]byte, error) {
	if size <= 0 {
		return nil, errors.Wrapf(ErrReservationFailed, "cannot reserve %d bytes", size)
	}

	return make([]byte, size), nil
}

func (GoReserver) Remap(old []byte, size int) ([]byte, error) {
	if size <= 0 {
		return nil, errors.Wrapf(ErrReservationFailed, "cannot remap to %d bytes", size)
	}

	if size <= cap(old) {
		region := old[:size:size]
		for i := len(old); i < size; i++ {
			region[i] = 0
		}
		return region, nil
	}

	region := make([]byte, size)
	copy(region, old)
	return region, nil
}

func (GoReserver) Release(memory []byte) error {
	return nil
}
