// Package arena provides the bump allocator used for boot-time bookkeeping.
//
// An Arena hands out blocks by advancing a tip pointer through a fixed
// address range. There is no per-object free: callers save the tip with Mark
// and later return every block allocated since then with Reset.
package arena

import (
	"unsafe"

	"github.com/mrf-git/alt-os/kernel"
	"github.com/mrf-git/alt-os/kernel/mem"
)

var (
	errOutOfMemory  = &kernel.Error{Module: "arena", Message: "out of memory"}
	errBadAlignment = &kernel.Error{Module: "arena", Message: "alignment is not a power of 2"}
)

// Mark is a saved arena tip.
type Mark uintptr

// Arena is a bump allocator over the address range [start, end).
type Arena struct {
	start, end uintptr
	tip        uintptr
}

// New returns an arena that carves allocations out of the size bytes starting
// at start.
func New(start uintptr, size mem.Size) Arena {
	return Arena{
		start: start,
		end:   start + uintptr(size),
		tip:   start,
	}
}

// Alloc reserves size bytes aligned to align and returns their address. The
// returned block is zeroed. An align of 0 is treated as 1.
func (a *Arena) Alloc(size mem.Size, align uintptr) (uintptr, *kernel.Error) {
	if align == 0 {
		align = 1
	}
	if !mem.IsPowerOfTwo(uint64(align)) {
		return 0, errBadAlignment
	}

	addr := uintptr(mem.Align(uint64(a.tip), uint64(align)))
	if addr < a.tip || addr > a.end || uintptr(size) > a.end-addr {
		return 0, errOutOfMemory
	}

	a.tip = addr + uintptr(size)
	kernel.Memset(addr, 0, uintptr(size))
	return addr, nil
}

// Mark returns the current arena tip.
func (a *Arena) Mark() Mark {
	return Mark(a.tip)
}

// Reset releases every allocation made after m was taken. Marks that do not
// lie between the arena start and the current tip are ignored.
func (a *Arena) Reset(m Mark) {
	if uintptr(m) < a.start || uintptr(m) > a.tip {
		return
	}
	a.tip = uintptr(m)
}

// Used returns the number of bytes currently allocated.
func (a *Arena) Used() mem.Size {
	return mem.Size(a.tip - a.start)
}

// Free returns the number of bytes still available.
func (a *Arena) Free() mem.Size {
	return mem.Size(a.end - a.tip)
}

// AllocSlice carves a zeroed slice of n elements of type T out of a. T must
// not contain Go pointers since the arena memory is invisible to the garbage
// collector. A zero n returns a nil slice.
func AllocSlice[T any](a *Arena, n int) ([]T, *kernel.Error) {
	if n <= 0 {
		return nil, nil
	}

	var zero T
	addr, err := a.Alloc(mem.Size(unsafe.Sizeof(zero))*mem.Size(n), unsafe.Alignof(zero))
	if err != nil {
		return nil, err
	}

	return unsafe.Slice((*T)(unsafe.Pointer(addr)), n), nil
}
