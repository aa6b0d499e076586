// Package allocator implements the page allocator that hands out physical
// memory to the boot-time module loader.
package allocator

import (
	"github.com/mrf-git/alt-os/kernel"
	"github.com/mrf-git/alt-os/kernel/hal/multiboot"
	"github.com/mrf-git/alt-os/kernel/kfmt"
	"github.com/mrf-git/alt-os/kernel/mem"
	"github.com/mrf-git/alt-os/kernel/mem/pmm"
)

const (
	// MaxRegions is the maximum number of memory regions a PageAllocator
	// can track.
	MaxRegions = 128

	// maxReserved bounds the number of address ranges FromMultiboot carves
	// out of the available memory: the kernel image, the boot information
	// structure and the boot modules.
	maxReserved = 2 + 32
)

var (
	errTooManyRegions = &kernel.Error{Module: "page_alloc", Message: "too many memory regions"}
	errBadRegion      = &kernel.Error{Module: "page_alloc", Message: "region address is not page-aligned"}
	errZeroPages      = &kernel.Error{Module: "page_alloc", Message: "zero-page allocation"}
	errOutOfMemory    = &kernel.Error{Module: "page_alloc", Message: "out of memory"}
)

// RegionFlag describes special properties of a memory region.
type RegionFlag uint8

const (
	// RegionPersistent marks non-volatile memory.
	RegionPersistent RegionFlag = 1 << iota

	// RegionSpecial marks special-purpose memory.
	RegionSpecial
)

type region struct {
	start pmm.Frame
	pages uint64
	used  uint64
	flags RegionFlag
}

func (r *region) free() uint64 {
	return r.pages - r.used
}

// PageAllocator is a best-fit allocator over a fixed table of memory
// regions. Each region is consumed from its start; pages are never returned.
//
// The zero value is an allocator without any regions.
type PageAllocator struct {
	regions    [MaxRegions]region
	numRegions int
}

// AddRegion registers pages of memory starting at the page-aligned address
// addr. Empty regions are ignored.
func (alloc *PageAllocator) AddRegion(addr uintptr, pages uint64, flags RegionFlag) *kernel.Error {
	if pages == 0 {
		return nil
	}
	if addr&uintptr(mem.PageSize-1) != 0 {
		return errBadRegion
	}
	if alloc.numRegions == MaxRegions {
		return errTooManyRegions
	}

	alloc.regions[alloc.numRegions] = region{
		start: pmm.FrameFromAddress(addr),
		pages: pages,
		flags: flags,
	}
	alloc.numRegions++
	return nil
}

// AllocPages reserves pageCount contiguous pages and returns the address of
// the first one. The region with the least free space that can satisfy the
// request is selected; persistent and special regions are never used. If low
// is true only regions starting below 4 GiB are considered.
func (alloc *PageAllocator) AllocPages(pageCount uint64, low bool) (uintptr, *kernel.Error) {
	if pageCount == 0 {
		return 0, errZeroPages
	}

	var (
		best    *region
		minLeft = ^uint64(0)
	)

	for i := 0; i < alloc.numRegions; i++ {
		r := &alloc.regions[i]
		switch {
		case r.flags&(RegionPersistent|RegionSpecial) != 0:
			continue
		case low && uint64(r.start.Address()) >= mem.LowMemoryLimit:
			continue
		case r.free() < pageCount:
			continue
		}

		if left := r.free() - pageCount; left < minLeft {
			best, minLeft = r, left
		}
	}

	if best == nil {
		kfmt.Printf("[page_alloc] no region can fit %d pages\n", pageCount)
		return 0, errOutOfMemory
	}

	addr := (best.start + pmm.Frame(best.used)).Address()
	best.used += pageCount
	return addr, nil
}

// FreePages returns the number of pages still available for allocation.
func (alloc *PageAllocator) FreePages() uint64 {
	var free uint64
	for i := 0; i < alloc.numRegions; i++ {
		if alloc.regions[i].flags == 0 {
			free += alloc.regions[i].free()
		}
	}
	return free
}

type addrRange struct {
	start, end uintptr
}

// FromMultiboot registers every available region of the multiboot memory map
// excluding the kernel image, the boot information structure and the boot
// modules. Region boundaries are rounded inwards to page boundaries and the
// first page of memory is never handed out.
func (alloc *PageAllocator) FromMultiboot(kernelStart, kernelEnd uintptr) *kernel.Error {
	var (
		reserved    [maxReserved]addrRange
		numReserved int
		err         *kernel.Error
	)

	reserve := func(start, end uintptr) {
		if numReserved == maxReserved {
			err = errTooManyRegions
			return
		}
		reserved[numReserved] = addrRange{
			start: start &^ uintptr(mem.PageSize-1),
			end:   uintptr(mem.Align(uint64(end), uint64(mem.PageSize))),
		}
		numReserved++
	}

	reserve(kernelStart, kernelEnd)
	reserve(multiboot.InfoRange())
	multiboot.VisitModules(func(mod *multiboot.Module) bool {
		reserve(mod.Start, mod.End)
		return err == nil
	})
	if err != nil {
		return err
	}

	multiboot.VisitMemRegions(func(entry *multiboot.MemoryMapEntry) bool {
		if entry.Type != multiboot.MemAvailable {
			return true
		}

		start := uintptr(mem.Align(entry.PhysAddress, uint64(mem.PageSize)))
		end := uintptr(entry.PhysAddress+entry.Length) &^ uintptr(mem.PageSize-1)
		if start == 0 {
			start = uintptr(mem.PageSize)
		}

		for start < end {
			// find the lowest reserved range that intersects [start, end)
			next := addrRange{start: end, end: end}
			for i := 0; i < numReserved; i++ {
				res := reserved[i]
				if res.end > start && res.start < end && res.start < next.start {
					next = res
				}
			}
			if next.start < start {
				next.start = start
			}

			if next.start > start {
				if err = alloc.AddRegion(start, uint64(next.start-start)>>mem.PageShift, 0); err != nil {
					return false
				}
			}
			start = next.end
		}

		return true
	})

	return err
}

// PrintMemoryMap prints the multiboot memory map followed by the regions
// tracked by the allocator.
func (alloc *PageAllocator) PrintMemoryMap() {
	kfmt.Printf("[page_alloc] system memory map:\n")
	var totalFree mem.Size
	multiboot.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		kfmt.Printf("\t[0x%10x - 0x%10x], size: %10d, type: %s\n", region.PhysAddress, region.PhysAddress+region.Length, region.Length, region.Type.String())

		if region.Type == multiboot.MemAvailable {
			totalFree += mem.Size(region.Length)
		}
		return true
	})
	kfmt.Printf("[page_alloc] available memory: %dKb\n", uint64(totalFree/mem.Kb))

	for i := 0; i < alloc.numRegions; i++ {
		r := &alloc.regions[i]
		kfmt.Printf("[page_alloc] region %d: 0x%10x, pages: %d, used: %d\n", i, r.start.Address(), r.pages, r.used)
	}
}
