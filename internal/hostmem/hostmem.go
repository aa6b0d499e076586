// Package hostmem backs the boot loader memory abstractions with anonymous
// mappings so that modules can be loaded and linked inside a regular
// process.
package hostmem

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/mrf-git/alt-os/kernel"
	"github.com/mrf-git/alt-os/kernel/mem"
	"github.com/mrf-git/alt-os/kernel/mem/arena"
)

var (
	// mmapFn is mocked by tests.
	mmapFn = unix.Mmap

	errOutOfPages = &kernel.Error{Module: "hostmem", Message: "out of pages"}
	errZeroPages  = &kernel.Error{Module: "hostmem", Message: "zero page allocation"}
)

// Region is a read-write anonymous mapping handing out pages in order.
type Region struct {
	mem  []byte
	next uint64
}

// Map creates a region of the given number of pages.
func Map(pages uint64) (*Region, error) {
	if pages == 0 {
		return nil, fmt.Errorf("hostmem: cannot map an empty region")
	}

	b, err := mmapFn(-1, 0, int(pages*uint64(mem.PageSize)), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("hostmem: mapping %d pages: %w", pages, err)
	}

	return &Region{mem: b}, nil
}

// Base returns the address of the first page.
func (r *Region) Base() uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(r.mem)))
}

// Size returns the region size in bytes.
func (r *Region) Size() uint64 {
	return uint64(len(r.mem))
}

// FreePages returns the number of pages not yet handed out.
func (r *Region) FreePages() uint64 {
	return (uint64(len(r.mem)) - r.next) >> mem.PageShift
}

// Contains reports whether [addr, addr+size) lies inside the region.
func (r *Region) Contains(addr uintptr, size uint64) bool {
	base := r.Base()
	return addr >= base && uint64(addr-base)+size <= r.Size()
}

// AllocPages hands out the next count pages. The low flag is ignored: all
// pages of a region come from a single mapping so relative displacements
// between them always fit in 32 bits.
func (r *Region) AllocPages(count uint64, _ bool) (uintptr, *kernel.Error) {
	if count == 0 {
		return 0, errZeroPages
	}
	if count > r.FreePages() {
		return 0, errOutOfPages
	}

	addr := r.Base() + uintptr(r.next)
	r.next += count << mem.PageShift
	return addr, nil
}

// Arena carves an arena of the given number of pages out of the region.
func (r *Region) Arena(pages uint64) (arena.Arena, *kernel.Error) {
	addr, err := r.AllocPages(pages, false)
	if err != nil {
		return arena.Arena{}, err
	}
	return arena.New(addr, mem.Size(pages)*mem.PageSize), nil
}

// Protect applies prot to the pages covering [addr, addr+size).
func (r *Region) Protect(addr uintptr, size uint64, prot int) error {
	start := uint64(addr-r.Base()) &^ uint64(mem.PageSize-1)
	end := mem.Align(uint64(addr-r.Base())+size, uint64(mem.PageSize))
	if !r.Contains(addr, size) || end > r.Size() {
		return fmt.Errorf("hostmem: range 0x%x+%d is outside the region", addr, size)
	}

	if err := unix.Mprotect(r.mem[start:end], prot); err != nil {
		return fmt.Errorf("hostmem: protecting 0x%x+%d: %w", addr, size, err)
	}
	return nil
}

// Close unmaps the region. Pointers into it become invalid.
func (r *Region) Close() error {
	if r.mem == nil {
		return nil
	}
	err := unix.Munmap(r.mem)
	r.mem, r.next = nil, 0
	return err
}

// Pool hands out pages from a list of regions, trying each in turn.
type Pool []*Region

// AllocPages allocates count pages from the first region that has room.
func (p Pool) AllocPages(count uint64, low bool) (uintptr, *kernel.Error) {
	for _, r := range p {
		if r.FreePages() >= count {
			return r.AllocPages(count, low)
		}
	}
	return 0, errOutOfPages
}

// Region returns the region that contains addr or nil.
func (p Pool) Region(addr uintptr) *Region {
	for _, r := range p {
		if r.Contains(addr, 0) && addr != r.Base()+uintptr(r.Size()) {
			return r
		}
	}
	return nil
}

// Close unmaps every region in the pool.
func (p Pool) Close() error {
	var firstErr error
	for _, r := range p {
		if err := r.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
