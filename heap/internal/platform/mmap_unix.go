//go:build linux || darwin

package platform

import (
	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

// MmapReserver backs regions with private anonymous mappings, outside the Go heap
type MmapReserver struct{}

var _ Reserver = MmapReserver{}

// Default returns the reserver heaps use when none is configured
func Default() Reserver {
	return MmapReserver{}
}

func (MmapReserver) Reserve(size int) ([]byte, error) {
	if size <= 0 {
		return nil, errors.Wrapf(ErrReservationFailed, "cannot reserve %d bytes", size)
	}

	memory, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, errors.Wrapf(ErrReservationFailed, "mmap of %d bytes: %v", size, err)
	}

	return memory, nil
}

// Remap maps a fresh region, copies the preserved bytes and unmaps the old region.
// The old region is left intact when the new mapping fails.
func (r MmapReserver) Remap(old []byte, size int) ([]byte, error) {
	memory, err := r.Reserve(size)
	if err != nil {
		return nil, err
	}

	copy(memory, old)

	err = r.Release(old)
	if err != nil {
		_ = unix.Munmap(memory)
		return nil, err
	}

	return memory, nil
}

func (MmapReserver) Release(memory []byte) error {
	if len(memory) == 0 {
		return nil
	}

	err := unix.Munmap(memory)
	if err != nil {
		return errors.Wrapf(ErrReservationFailed, "munmap of %d bytes: %v", len(memory), err)
	}

	return nil
}
