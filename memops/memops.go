// Package memops provides directional bulk copy and fill over byte ranges. The
// operations are independent of any allocator: they act on plain byte slices, which
// may be views into a heap region or ordinary Go memory.
package memops

import (
	"fmt"
	"unsafe"
)

// Direction is the traversal order of a cursor over a byte range
type Direction uint32

const (
	// Ascending cursors visit offset, offset+1, offset+2, ...
	Ascending Direction = iota
	// Descending cursors visit offset, offset-1, offset-2, ...
	Descending
)

var directionMapping = map[Direction]string{
	Ascending:  "Ascending",
	Descending: "Descending",
}

func (d Direction) String() string {
	return directionMapping[d]
}

// Cardinality is the four-way direction vocabulary used at the external interface.
// Right and Down traverse in ascending address order, Left and Up in descending order.
type Cardinality uint32

const (
	Left Cardinality = iota
	Right
	Up
	Down
)

var cardinalityMapping = map[Cardinality]string{
	Left:  "LEFT",
	Right: "RIGHT",
	Up:    "UP",
	Down:  "DOWN",
}

func (c Cardinality) String() string {
	return cardinalityMapping[c]
}

// Direction translates the cardinality to the traversal order it stands for
func (c Cardinality) Direction() Direction {
	switch c {
	case Right, Down:
		return Ascending
	case Left, Up:
		return Descending
	default:
		panic(fmt.Sprintf("unknown cardinality: %d", c))
	}
}

// span returns the lowest offset touched by a cursor that starts at offset and
// visits length units in the given direction
func span(name string, buffer []byte, offset, length int, dir Direction) int {
	if length < 0 {
		panic(fmt.Sprintf("%s length %d is negative", name, length))
	}

	low := offset
	if dir == Descending {
		low = offset - length + 1
	}

	if length > 0 && (low < 0 || low+length > len(buffer)) {
		panic(fmt.Sprintf("%s range of %d bytes at offset %d (%s) is outside a buffer of %d bytes",
			name, length, offset, dir, len(buffer)))
	}

	return low
}

func overlaps(a []byte, b []byte) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}

	aStart := uintptr(unsafe.Pointer(unsafe.SliceData(a)))
	bStart := uintptr(unsafe.Pointer(unsafe.SliceData(b)))

	return aStart < bStart+uintptr(len(b)) && bStart < aStart+uintptr(len(a))
}

// Copy copies min(srcLen, dstLen) bytes from src to dst. The source cursor starts at
// srcOffset and advances according to srcDir, the destination cursor starts at dstOffset
// and advances according to dstDir. Copying between overlapping ranges behaves like a move:
// no byte is read after the same call has overwritten it. Copy returns dst.
func Copy(src []byte, srcOffset, srcLen int, srcDir Cardinality, dst []byte, dstOffset, dstLen int, dstDir Cardinality) []byte {
	return CopyDirected(src, srcOffset, srcLen, srcDir.Direction(), dst, dstOffset, dstLen, dstDir.Direction())
}

// CopyDirected is Copy expressed with the two-value Direction type
func CopyDirected(src []byte, srcOffset, srcLen int, srcDir Direction, dst []byte, dstOffset, dstLen int, dstDir Direction) []byte {
	count := srcLen
	if dstLen < count {
		count = dstLen
	}

	srcLow := span("source", src, srcOffset, count, srcDir)
	dstLow := span("destination", dst, dstOffset, count, dstDir)
	if count == 0 {
		return dst
	}

	srcRange := src[srcLow : srcLow+count]
	dstRange := dst[dstLow : dstLow+count]

	// Same direction on both sides is a plain block move, which the builtin handles
	// for overlapping ranges
	if srcDir == dstDir {
		copy(dstRange, srcRange)
		return dst
	}

	if overlaps(srcRange, dstRange) {
		snapshot := make([]byte, count)
		copy(snapshot, srcRange)
		srcRange = snapshot
	}

	// Mirrored copy: the first destination byte written receives the last byte of the range
	for i := 0; i < count; i++ {
		dstRange[i] = srcRange[count-1-i]
	}

	return dst
}

// Set fills length bytes of memory starting at offset, advancing according to dir, with
// the repeated little-endian byte pattern of value. The k-th byte written receives byte
// k%wordSize of the pattern, so a descending fill lays the pattern down mirrored. Set
// returns memory.
func Set(memory []byte, offset, length int, value uintptr, dir Cardinality) []byte {
	return SetDirected(memory, offset, length, value, dir.Direction())
}

// SetDirected is Set expressed with the two-value Direction type
func SetDirected(memory []byte, offset, length int, value uintptr, dir Direction) []byte {
	low := span("fill", memory, offset, length, dir)
	if length == 0 {
		return memory
	}

	wordSize := WordBytes()
	var pattern [8]byte
	for i := 0; i < wordSize; i++ {
		pattern[i] = byte(value >> (8 * i))
	}

	target := memory[low : low+length]
	uniform := true
	for i := 1; i < wordSize; i++ {
		if pattern[i] != pattern[0] {
			uniform = false
			break
		}
	}

	if uniform {
		for i := range target {
			target[i] = pattern[0]
		}
		return memory
	}

	if dir == Ascending {
		for k := 0; k < length; k++ {
			target[k] = pattern[k%wordSize]
		}
	} else {
		for k := 0; k < length; k++ {
			target[length-1-k] = pattern[k%wordSize]
		}
	}

	return memory
}

// Move copies count bytes within a single buffer from srcOffset to dstOffset in ascending
// order on both sides. The ranges may overlap.
func Move(buffer []byte, srcOffset, dstOffset, count int) []byte {
	return CopyDirected(buffer, srcOffset, count, Ascending, buffer, dstOffset, count, Ascending)
}

// WordBytes is the width in bytes of the pattern word accepted by Set
func WordBytes() int {
	return int(unsafe.Sizeof(uintptr(0)))
}
