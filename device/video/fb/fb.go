// Package fb drives the linear framebuffer set up by the boot firmware.
package fb

import (
	"unsafe"

	"github.com/mrf-git/alt-os/kernel"
	"github.com/mrf-git/alt-os/kernel/hal/multiboot"
)

// getFramebufferInfoFn is mocked by tests.
var getFramebufferInfoFn = multiboot.GetFramebufferInfo

// Framebuffer describes a linear, identity-mapped framebuffer.
type Framebuffer struct {
	Addr uintptr

	// Pitch is the size of a row in bytes.
	Pitch uint32

	// Width and Height are in pixels.
	Width, Height uint32

	Bpp uint8
}

// FromMultiboot returns the framebuffer reported by the bootloader. It
// returns false if there is no pixel framebuffer.
func FromMultiboot() (Framebuffer, bool) {
	info := getFramebufferInfoFn()
	if info == nil || info.Type == multiboot.FramebufferTypeEGA {
		return Framebuffer{}, false
	}

	return Framebuffer{
		Addr:   uintptr(info.PhysAddr),
		Pitch:  info.Pitch,
		Width:  info.Width,
		Height: info.Height,
		Bpp:    info.Bpp,
	}, true
}

// Clear sets every visible pixel to value. For 32-bpp framebuffers value is
// written as a whole pixel; other depths get every byte set to the low byte
// of value. Bytes past the last pixel of each row are left untouched.
func (fb *Framebuffer) Clear(value uint32) {
	rowBytes := uintptr(fb.Width) * ((uintptr(fb.Bpp) + 7) / 8)

	for y, row := uint32(0), fb.Addr; y < fb.Height; y, row = y+1, row+uintptr(fb.Pitch) {
		if fb.Bpp != 32 {
			kernel.Memset(row, uint8(value), rowBytes)
			continue
		}

		pixels := unsafe.Slice((*uint32)(unsafe.Pointer(row)), fb.Width)
		for x := range pixels {
			pixels[x] = value
		}
	}
}
