// Package loader links kernel modules at boot time.
//
// Modules are position-independent amd64 shared objects built with the
// alt-os ABI marker. ReadImage parses the raw bytes of a module into an Image
// descriptor and LoadImage relocates it into three caller-provided memory
// classes (code, writable data and read-only data), resolves its calls into
// previously loaded modules through the symbol registry and publishes its own
// global functions there.
//
// All descriptor tables are carved out of a bump arena and contain no Go
// pointers. Symbol and section names are kept as NameRef values that are
// resolved on use, so moving the string table only rewrites table selectors.
package loader

import (
	"bytes"
	"debug/elf"
	"unsafe"

	"github.com/mrf-git/alt-os/kernel/mem"
)

const (
	// OSABI is the e_ident[EI_OSABI] marker carried by alt-os modules.
	OSABI = elf.OSABI(88)

	pltEntrySize = 16
	gotEntrySize = 8

	// Number of GOT entries reserved ahead of the jump slots that have no
	// matching PLT entry (the first PLT entry is the resolver stub).
	gotReservedEntries = 2

	// A PLT entry starts with "jmp *disp32(%rip)": 2 opcode bytes followed
	// by the displacement, 6 bytes in total.
	pltJumpOpSize  = 2
	pltJumpInsSize = 6
)

// SectionKind classifies a section by the role it plays during loading.
type SectionKind uint8

// The section kinds recognized by the reader.
const (
	KindNone SectionKind = iota
	KindIgnored
	KindCode
	KindPLT
	KindGOT
	KindData
	KindROData
	KindBSS
	KindStrings
	KindDynamic
	KindUnwind
	KindSymbols
	KindSymbolRelocs
	KindPLTRelocs
	KindUnwindRelocs
	numKinds
)

// MemClass identifies one of the three memory regions a module is loaded
// into.
type MemClass uint8

// The supported memory classes.
const (
	ClassNone MemClass = iota
	ClassCode
	ClassData
	ClassROData
	numClasses
)

// layoutOrder is the order in which sections are placed inside their memory
// class. Footprints are computed in the same order so that a page-aligned
// class base always fits the layout exactly.
var layoutOrder = [...]SectionKind{
	KindCode, KindPLT,
	KindGOT, KindData, KindROData, KindBSS, KindStrings, KindDynamic, KindUnwind,
}

// Class returns the memory class that sections of kind k are loaded into.
func (k SectionKind) Class() MemClass {
	switch k {
	case KindCode, KindPLT:
		return ClassCode
	case KindData, KindBSS, KindUnwind:
		return ClassData
	case KindGOT, KindROData, KindStrings, KindDynamic:
		return ClassROData
	default:
		return ClassNone
	}
}

// String implements fmt.Stringer for SectionKind.
func (k SectionKind) String() string {
	switch k {
	case KindIgnored:
		return "ignored"
	case KindCode:
		return "code"
	case KindPLT:
		return "plt"
	case KindGOT:
		return "got"
	case KindData:
		return "data"
	case KindROData:
		return "rodata"
	case KindBSS:
		return "bss"
	case KindStrings:
		return "strings"
	case KindDynamic:
		return "dynamic"
	case KindUnwind:
		return "unwind"
	case KindSymbols:
		return "symbols"
	case KindSymbolRelocs:
		return "symbol relocations"
	case KindPLTRelocs:
		return "plt relocations"
	case KindUnwindRelocs:
		return "unwind relocations"
	default:
		return "none"
	}
}

// NameTable selects the string table a NameRef points into.
type NameTable uint8

// The string tables a name can live in.
const (
	NoName NameTable = iota

	// SectionNames is the section-name table inside the image bytes.
	SectionNames

	// FileStrings is the symbol string table inside the image bytes.
	FileStrings

	// LoadedStrings is the relocated copy of the symbol string table.
	LoadedStrings
)

// NameRef locates a NUL-terminated name inside one of the image string tables.
type NameRef struct {
	Table  NameTable
	Offset uint32
}

// Section describes a section of the image. Sections are indexed by their
// original section header index.
type Section struct {
	Name    NameRef
	Kind    SectionKind
	Type    elf.SectionType
	Flags   elf.SectionFlag
	Addr    uintptr
	Offset  uint64
	Size    uint64
	Align   uint64
	EntSize uint64
	Link    uint32

	// LoadAddr is the relocated base address. It stays zero for sections
	// that are not loaded.
	LoadAddr uintptr
}

// Writable returns true if the section is mapped writable.
func (s *Section) Writable() bool { return s.Flags&elf.SHF_WRITE != 0 }

// Executable returns true if the section contains instructions.
func (s *Section) Executable() bool { return s.Flags&elf.SHF_EXECINSTR != 0 }

// Allocated returns true if the section occupies memory at run time.
func (s *Section) Allocated() bool { return s.Flags&elf.SHF_ALLOC != 0 }

// mappedSize is the number of bytes the section occupies once loaded.
func (s *Section) mappedSize() uint64 {
	return mem.Align(s.Size, s.Align)
}

// Symbol describes an entry of the image symbol table.
type Symbol struct {
	Name    NameRef
	Binding elf.SymBind
	Kind    elf.SymType

	// Section is the index of the owning section or 0 for external
	// references.
	Section uint16

	Addr uintptr

	// LoadAddr is the relocated address. It stays zero for external
	// references and for symbols whose Addr is zero.
	LoadAddr uintptr
	Size     uint64
}

// IsGlobal returns true for symbols visible outside the image.
func (s *Symbol) IsGlobal() bool {
	return s.Binding == elf.STB_GLOBAL || s.Binding == elf.STB_WEAK
}

// IsExternal returns true for symbols the image references but does not
// define.
func (s *Symbol) IsExternal() bool {
	return s.IsGlobal() && s.Kind == elf.STT_NOTYPE && s.Section == 0
}

// Relocation describes a single relocation entry.
type Relocation struct {
	// Symbol is the index of the referenced symbol.
	Symbol uint32
	Type   elf.R_X86_64
	Addr   uintptr
	Addend int64
}

// Image is the descriptor of a parsed module. The tables it references live
// in the arena passed to ReadImage and in the image bytes, so an Image is
// only valid until that arena is reset.
type Image struct {
	data []byte

	// Interp is the contents of the interpreter segment, if any.
	Interp string

	Sections     []Section
	Symbols      []Symbol
	SymbolRelocs []Relocation
	PLTRelocs    []Relocation
	ExternalRefs []NameRef

	NumPLTEntries int
	NumGOTEntries int

	footprint  [numClasses]uint64
	classAlign [numClasses]uint64
	kindIndex  [numKinds]uint16

	sectionNames []byte
	fileStrings  []byte
	loadStrings  []byte
}

// CodeSize returns the number of bytes needed by the code memory class.
func (img *Image) CodeSize() uint64 { return img.footprint[ClassCode] }

// DataSize returns the number of bytes needed by the writable data class.
func (img *Image) DataSize() uint64 { return img.footprint[ClassData] }

// RODataSize returns the number of bytes needed by the read-only data class.
func (img *Image) RODataSize() uint64 { return img.footprint[ClassROData] }

// Footprint returns the number of bytes needed by memory class c.
func (img *Image) Footprint(c MemClass) uint64 { return img.footprint[c] }

// ClassAlign returns the largest section alignment within class c. Base
// addresses passed to LoadImage must be aligned to it.
func (img *Image) ClassAlign(c MemClass) uint64 { return img.classAlign[c] }

// Section returns the section of the requested kind or nil if the image has
// none. Kinds that may occur multiple times (KindIgnored) are not tracked.
func (img *Image) Section(kind SectionKind) *Section {
	if index := img.kindIndex[kind]; index != 0 {
		return &img.Sections[index]
	}
	return nil
}

// Name resolves ref to a string. The returned string aliases the underlying
// string table; names that reference LoadedStrings therefore remain valid
// for as long as the loaded module memory does.
func (img *Image) Name(ref NameRef) string {
	var table []byte
	switch ref.Table {
	case SectionNames:
		table = img.sectionNames
	case FileStrings:
		table = img.fileStrings
	case LoadedStrings:
		table = img.loadStrings
	}

	if uint64(ref.Offset) >= uint64(len(table)) {
		return ""
	}

	name := table[ref.Offset:]
	if end := bytes.IndexByte(name, 0); end >= 0 {
		name = name[:end]
	}
	if len(name) == 0 {
		return ""
	}
	return unsafe.String(&name[0], len(name))
}

// SymbolName returns the name of symbol i.
func (img *Image) SymbolName(i uint32) string {
	return img.Name(img.Symbols[i].Name)
}
