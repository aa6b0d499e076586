// Package pmm contains the physical memory types shared by the page
// allocators.
package pmm

import "github.com/mrf-git/alt-os/kernel/mem"

// Frame is the index of a physical page.
type Frame uintptr

// Address returns the physical address of the first byte in the frame.
func (f Frame) Address() uintptr {
	return uintptr(f << mem.PageShift)
}

// FrameFromAddress returns the frame that contains physAddr.
func FrameFromAddress(physAddr uintptr) Frame {
	return Frame(physAddr >> mem.PageShift)
}
