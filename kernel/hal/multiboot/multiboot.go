// Package multiboot decodes the boot information structure that a
// multiboot2-compliant boot loader passes to the kernel: the physical memory
// map, the framebuffer set up by the firmware, the boot modules (kernel
// modules and SYS.CONF) and the kernel command line.
package multiboot

import (
	"unsafe"
)

type tagType uint32

// nolint
const (
	tagMbSectionEnd tagType = iota
	tagBootCmdLine
	tagBootLoaderName
	tagModules
	tagBasicMemoryInfo
	tagBiosBootDevice
	tagMemoryMap
	tagVbeInfo
	tagFramebufferInfo
	tagElfSymbols
	tagApmTable
)

// tagHeader describes the header that precedes each tag.
type tagHeader struct {
	// The type of the tag
	tagType tagType

	// The size of the tag including the header but *not* including any
	// padding. Each tag starts at a 8-byte aligned address.
	size uint32
}

// mmapHeader describes the header for a memory map specification.
type mmapHeader struct {
	// The size of each entry.
	entrySize uint32

	// The version of the entries that follow.
	entryVersion uint32
}

// moduleHeader is the fixed part of a boot module tag. It is followed by the
// NULL-terminated module command line.
type moduleHeader struct {
	start uint32
	end   uint32
}

// FramebufferType defines the type of the initialized framebuffer.
type FramebufferType uint8

const (
	// FramebufferTypeIndexed specifies a 256-color palette.
	FramebufferTypeIndexed FramebufferType = iota

	// FramebufferTypeRGB specifies direct RGB mode.
	FramebufferTypeRGB

	// FramebufferTypeEGA specifies EGA text mode.
	FramebufferTypeEGA
)

// FramebufferInfo provides information about the initialized framebuffer.
type FramebufferInfo struct {
	// The framebuffer physical address.
	PhysAddr uint64

	// Row pitch in bytes.
	Pitch uint32

	// Width and height in pixels (or characters if Type = FramebufferTypeEGA)
	Width, Height uint32

	// Bits per pixel (non EGA modes only).
	Bpp uint8

	// Framebuffer type.
	Type FramebufferType
}

// MemoryEntryType defines the type of a MemoryMapEntry.
type MemoryEntryType uint32

const (
	// MemAvailable indicates that the memory region is available for use.
	MemAvailable MemoryEntryType = iota + 1

	// MemReserved indicates that the memory region is not available for use.
	MemReserved

	// MemAcpiReclaimable indicates a memory region that holds ACPI info that
	// can be reused by the OS.
	MemAcpiReclaimable

	// MemNvs indicates memory that must be preserved when hibernating.
	MemNvs

	// Any value >= memUnknown will be mapped to MemReserved.
	memUnknown
)

var (
	infoData uintptr
)

// MemRegionVisitor defines a visitor function that gets invoked by
// VisitMemRegions for each memory region provided by the boot loader. The
// visitor must return true to continue or false to abort the scan.
type MemRegionVisitor func(*MemoryMapEntry) bool

// MemoryMapEntry describes a memory region entry, namely its physical address,
// its length and its type.
type MemoryMapEntry struct {
	// The physical address for this memory region.
	PhysAddress uint64

	// The length of the memory region.
	Length uint64

	// The type of this entry.
	Type MemoryEntryType
}

// String implements fmt.Stringer for MemoryEntryType.
func (t MemoryEntryType) String() string {
	switch t {
	case MemAvailable:
		return "available"
	case MemReserved:
		return "reserved"
	case MemAcpiReclaimable:
		return "ACPI (reclaimable)"
	case MemNvs:
		return "NVS"
	default:
		return "unknown"
	}
}

// Module describes a file loaded into memory by the boot loader alongside
// the kernel.
type Module struct {
	// Start and End delimit the physical memory holding the file
	// contents. End is exclusive.
	Start, End uintptr

	// CmdLine is the string the module was declared with in the boot
	// loader configuration. It aliases the boot information structure.
	CmdLine string
}

// Bytes returns the module contents.
func (m *Module) Bytes() []byte {
	if m.End <= m.Start {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(m.Start)), m.End-m.Start)
}

// ModuleVisitor defines a visitor function that gets invoked by VisitModules
// for each boot module. The visitor must return true to continue or false to
// abort the scan.
type ModuleVisitor func(*Module) bool

// SetInfoPtr updates the internal multiboot information pointer to the given
// value. This function must be invoked before invoking any other function
// exported by this package.
func SetInfoPtr(ptr uintptr) {
	infoData = ptr
}

// InfoRange returns the physical address range occupied by the boot
// information structure.
func InfoRange() (uintptr, uintptr) {
	if infoData == 0 {
		return 0, 0
	}
	return infoData, infoData + uintptr(*(*uint32)(unsafe.Pointer(infoData)))
}

// VisitMemRegions will invoke the supplied visitor for each memory region that
// is defined by the multiboot info data that we received from the bootloader.
func VisitMemRegions(visitor MemRegionVisitor) {
	curPtr, size := findTagByType(tagMemoryMap)
	if size == 0 {
		return
	}

	// curPtr points to the memory map header (2 dwords long)
	ptrMapHeader := (*mmapHeader)(unsafe.Pointer(curPtr))
	endPtr := curPtr + uintptr(size)
	curPtr += 8

	var entry *MemoryMapEntry
	for curPtr < endPtr {
		entry = (*MemoryMapEntry)(unsafe.Pointer(curPtr))

		// Mark unknown entry types as reserved
		if entry.Type == 0 || entry.Type >= memUnknown {
			entry.Type = MemReserved
		}

		if !visitor(entry) {
			return
		}

		curPtr += uintptr(ptrMapHeader.entrySize)
	}
}

// VisitModules invokes the supplied visitor for each boot module in the
// order the boot loader listed them.
func VisitModules(visitor ModuleVisitor) {
	visitTags(tagModules, func(curPtr uintptr, size uint32) bool {
		hdr := (*moduleHeader)(unsafe.Pointer(curPtr))
		mod := Module{
			Start:   uintptr(hdr.start),
			End:     uintptr(hdr.end),
			CmdLine: cString(curPtr+8, size-8),
		}
		return visitor(&mod)
	})
}

// GetFramebufferInfo returns information about the framebuffer initialized by the
// bootloader. This function returns nil if no framebuffer info is available.
func GetFramebufferInfo() *FramebufferInfo {
	var info *FramebufferInfo

	curPtr, size := findTagByType(tagFramebufferInfo)
	if size != 0 {
		info = (*FramebufferInfo)(unsafe.Pointer(curPtr))
	}

	return info
}

// CmdLine returns the command line passed to the kernel or an empty string
// if none was supplied.
func CmdLine() string {
	curPtr, size := findTagByType(tagBootCmdLine)
	return cString(curPtr, size)
}

// cString returns the NULL-terminated string stored in the maxLen bytes at
// ptr without copying it.
func cString(ptr uintptr, maxLen uint32) string {
	if ptr == 0 || maxLen == 0 {
		return ""
	}

	data := unsafe.Slice((*byte)(unsafe.Pointer(ptr)), maxLen)
	for i, b := range data {
		if b == 0 {
			data = data[:i]
			break
		}
	}

	if len(data) == 0 {
		return ""
	}
	return unsafe.String(&data[0], len(data))
}

// findTagByType scans the multiboot info data looking for the start of of the
// specified type. It returns a pointer to the tag contents start offset and
// the content length exluding the tag header.
//
// If the tag is not present in the multiboot info, findTagSection will return
// back (0,0).
func findTagByType(tagType tagType) (uintptr, uint32) {
	var ptr uintptr
	var size uint32
	visitTags(tagType, func(curPtr uintptr, curSize uint32) bool {
		ptr, size = curPtr, curSize
		return false
	})
	return ptr, size
}

// visitTags invokes fn with the contents offset and length of every tag of
// the specified type until fn returns false.
func visitTags(tagType tagType, fn func(uintptr, uint32) bool) {
	if infoData == 0 {
		return
	}

	var ptrTagHeader *tagHeader
	curPtr := infoData + 8
	for ptrTagHeader = (*tagHeader)(unsafe.Pointer(curPtr)); ptrTagHeader.tagType != tagMbSectionEnd; ptrTagHeader = (*tagHeader)(unsafe.Pointer(curPtr)) {
		if ptrTagHeader.tagType == tagType && !fn(curPtr+8, ptrTagHeader.size-8) {
			return
		}

		// Tags are aligned at 8-byte aligned addresses
		curPtr += uintptr(int32(ptrTagHeader.size+7) & ^7)
	}
}
