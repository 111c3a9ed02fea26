package ledger

import (
	"unsafe"

	"github.com/modulus-lang/memory/memutils"
	"github.com/pkg/errors"
)

const (
	headerAllocatedBit uintptr = 1 << 0
	headerLocalBit     uintptr = 1 << 1
	headerFlagMask     uintptr = headerAllocatedBit | headerLocalBit

	// prologueMagicValue is an easy-to-identify marker written at offset 0 of a bound region
	prologueMagicValue uintptr = 0x7F84E666
)

func encodeHeader(b *block) uintptr {
	word := uintptr(b.size)
	if !b.free {
		word |= headerAllocatedBit
		if b.arena == Local {
			word |= headerLocalBit
		}
	}
	return word
}

func (l *Ledger) wordAt(offset int) *uintptr {
	return (*uintptr)(unsafe.Pointer(&l.memory[offset]))
}

func (l *Ledger) writePrologue() {
	if l.memory == nil {
		return
	}
	*l.wordAt(0) = prologueMagicValue
}

func (l *Ledger) writeHeader(index blockIndex) {
	if l.memory == nil {
		return
	}
	b := l.at(index)
	*l.wordAt(b.offset) = encodeHeader(b)
}

// HeaderTag decodes the in-band header word in front of a payload. It reports the payload
// size and whether the word claims the block is allocated.
func (l *Ledger) HeaderTag(handle Handle) (size int, allocated bool, err error) {
	if l.memory == nil {
		return 0, false, errors.New("the ledger has no memory bound")
	}
	payload, ok := l.payloadOffset(handle)
	if !ok || payload < 2*HeaderSize || payload >= l.size {
		return 0, false, errors.Wrapf(memutils.ErrInvalidHandle, "handle %d is outside the region", handle)
	}
	offset := payload - HeaderSize

	word := *l.wordAt(offset)
	return int(word &^ headerFlagMask), word&headerAllocatedBit != 0, nil
}

// CheckCorruption compares the prologue and every in-band header with the ledger's
// records. It returns an error wrapping memutils.ErrCorruption at the first mismatch.
func (l *Ledger) CheckCorruption() error {
	if l.memory == nil {
		return errors.New("the ledger has no memory bound")
	}

	if *l.wordAt(0) != prologueMagicValue {
		return errors.Wrap(memutils.ErrCorruption, "the region prologue has been overwritten")
	}

	for index := l.firstPhysical; index != noBlock; index = l.at(index).nextPhysical {
		b := l.at(index)
		expected := encodeHeader(b)
		actual := *l.wordAt(b.offset)
		if actual != expected {
			return errors.Wrapf(memutils.ErrCorruption, "header of block at offset %d reads %#x, expected %#x", b.offset, actual, expected)
		}
	}

	return nil
}
