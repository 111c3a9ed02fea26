package heap

import (
	"github.com/modulus-lang/memory/diag"
	"github.com/modulus-lang/memory/heap/internal/platform"
	"github.com/modulus-lang/memory/ledger"
)

// Handle identifies an allocation. Global allocations are named by the offset of their
// payload from the start of the heap region and Local allocations by its distance from the
// end, so a handle stays valid when the region moves or the Local arena slides during a
// resize.
type Handle = ledger.Handle

// NoHandle is the null result returned alongside every failed allocation
const NoHandle = ledger.NoHandle

// Arena selects which side of the heap an allocation is made from
type Arena = ledger.Arena

const (
	// Global allocations are long-lived and are packed upward from the low end of the heap
	Global = ledger.Global
	// Local allocations are short-lived and are packed downward from the high end of the heap
	Local = ledger.Local
)

// Reserver supplies the contiguous memory region a heap manages
type Reserver = platform.Reserver

// CreateFlags indicate specific heap behaviors to activate
type CreateFlags int32

const (
	// CreateSynchronized guards every heap operation with an internal lock. Without it,
	// the consumer must guarantee the heap is used from only one goroutine at a time.
	CreateSynchronized CreateFlags = 1 << iota
)

var createFlagsMapping = map[CreateFlags]string{
	CreateSynchronized: "CreateSynchronized",
}

func (f CreateFlags) String() string {
	if f == 0 {
		return "None"
	}

	var str string
	for flag, name := range createFlagsMapping {
		if f&flag == 0 {
			continue
		}
		if str != "" {
			str += "|"
		}
		str += name
	}
	return str
}

// Options contains optional settings when creating a heap. It is valid to leave all
// the fields blank.
type Options struct {
	// Flags indicates specific heap behaviors to activate
	Flags CreateFlags

	// Granularity is the power of two every heap size is rounded up to. When zero, the
	// platform page size is used.
	Granularity int

	// AutoGrow makes an allocation that does not fit resize the heap once, by just enough
	// to hold it, before giving up with memutils.ErrOutOfMemory
	AutoGrow bool

	// ZeroNew makes every new allocation, and every byte a resize adds to an allocation,
	// read as zero
	ZeroNew bool

	// Reserver supplies the heap region. When nil, anonymous memory mappings are used
	// where the platform supports them and Go memory elsewhere.
	Reserver Reserver

	// Callbacks is an optional set of callbacks that are executed when the heap region is
	// reserved, remapped or released
	Callbacks *CallbackOptions

	// Diag receives the fatal record written when the heap region cannot be reserved.
	// When nil, a logger writing to the process's standard streams is used.
	Diag *diag.Logger
}
