package loader

import (
	"bytes"
	"debug/elf"
	"unsafe"

	"github.com/mrf-git/alt-os/kernel"
	"github.com/mrf-git/alt-os/kernel/kfmt"
	"github.com/mrf-git/alt-os/kernel/mem"
	"github.com/mrf-git/alt-os/kernel/mem/arena"
)

// maxKnownTag is the first dynamic tag past the range defined by the base ELF
// specification. Unknown tags below it are rejected, tags above it (OS and
// processor specific) are ignored.
const maxKnownTag = elf.DT_PREINIT_ARRAYSZ + 1

// dynamicInfo holds the dynamic segment location and the values extracted
// from it.
type dynamicInfo struct {
	addr, offset, size uint64

	pltRelSize uint64
	pltGOT     uint64
	jmpRel     uint64
	strTab     uint64
	strSize    uint64
	symEnt     uint64
}

type reader struct {
	img     *Image
	hdr     elf.Header64
	dyn     dynamicInfo
	scratch *arena.Arena
}

// ReadImage parses the module contained in data. Descriptor tables are
// allocated from scratch; the returned Image references both scratch and
// data and must not outlive either.
//
// ReadImage validates the header, the segment and section tables, the
// dynamic metadata, the symbol table and both relocation tables. Any
// inconsistency is reported as an error; no partially parsed Image is
// returned.
func ReadImage(data []byte, scratch *arena.Arena) (Image, *kernel.Error) {
	var (
		img Image
		r   = reader{img: &img, scratch: scratch}
	)
	img.data = data

	if err := r.readHeader(); err != nil {
		return Image{}, err
	}
	if err := r.readSegments(); err != nil {
		return Image{}, err
	}
	if err := r.readDynamic(); err != nil {
		return Image{}, err
	}
	if err := r.readSections(); err != nil {
		return Image{}, err
	}
	if err := r.checkSections(); err != nil {
		return Image{}, err
	}
	if err := r.readSymbols(); err != nil {
		return Image{}, err
	}
	if err := r.readRelocations(); err != nil {
		return Image{}, err
	}

	return img, nil
}

func (r *reader) readHeader() *kernel.Error {
	data := r.img.data
	if len(data) < len(elf.ELFMAG) || string(data[:len(elf.ELFMAG)]) != elf.ELFMAG {
		return errBadMagic
	}
	if len(data) < headerSize {
		return errTruncated
	}

	r.hdr = decodeHeader(data)
	ident := &r.hdr.Ident
	switch {
	case elf.Version(ident[elf.EI_VERSION]) != elf.EV_CURRENT || elf.Version(r.hdr.Version) != elf.EV_CURRENT:
		return errBadVersion
	case elf.Class(ident[elf.EI_CLASS]) != elf.ELFCLASS64:
		return errBadClass
	case elf.Data(ident[elf.EI_DATA]) != elf.ELFDATA2LSB:
		return errBadEndianness
	case elf.Type(r.hdr.Type) != elf.ET_DYN:
		return errBadType
	case elf.Machine(r.hdr.Machine) != elf.EM_X86_64:
		return errBadMachine
	case elf.OSABI(ident[elf.EI_OSABI]) != OSABI:
		return errBadABI
	}

	return nil
}

func (r *reader) readSegments() *kernel.Error {
	var (
		hdr        = &r.hdr
		numLoad    int
		hasDynamic bool
	)

	if hdr.Phnum == 0 {
		return errNoLoadSegment
	}
	if hdr.Phentsize < progSize {
		return errBadEntrySize
	}

	table, ok := fileRange(r.img.data, hdr.Phoff, uint64(hdr.Phentsize)*uint64(hdr.Phnum))
	if !ok {
		return errTruncated
	}

	for i := uint64(0); i < uint64(hdr.Phnum); i++ {
		p := decodeProg(table[i*uint64(hdr.Phentsize):])

		switch elf.ProgType(p.Type) {
		case elf.PT_LOAD:
			numLoad++
		case elf.PT_DYNAMIC:
			hasDynamic = true
			r.dyn.addr, r.dyn.offset, r.dyn.size = p.Vaddr, p.Off, p.Filesz
		case elf.PT_INTERP:
			interp, ok := fileRange(r.img.data, p.Off, p.Filesz)
			if !ok {
				return errTruncated
			}
			if end := bytes.IndexByte(interp, 0); end >= 0 {
				interp = interp[:end]
			}
			if len(interp) != 0 {
				r.img.Interp = unsafe.String(&interp[0], len(interp))
			}
		}
	}

	switch {
	case numLoad == 0:
		return errNoLoadSegment
	case !hasDynamic:
		return errNoDynamic
	}

	return nil
}

func (r *reader) readDynamic() *kernel.Error {
	entries, ok := fileRange(r.img.data, r.dyn.offset, r.dyn.size)
	if !ok {
		return errTruncated
	}

scan:
	for off := 0; off+dynSize <= len(entries); off += dynSize {
		d := decodeDyn(entries[off:])

		switch tag := elf.DynTag(d.Tag); tag {
		case elf.DT_NULL:
			break scan
		case elf.DT_PLTRELSZ:
			r.dyn.pltRelSize = d.Val
		case elf.DT_PLTGOT:
			r.dyn.pltGOT = d.Val
		case elf.DT_JMPREL:
			r.dyn.jmpRel = d.Val
		case elf.DT_STRTAB:
			r.dyn.strTab = d.Val
		case elf.DT_STRSZ:
			r.dyn.strSize = d.Val
		case elf.DT_SYMENT:
			r.dyn.symEnt = d.Val
		case elf.DT_PLTREL:
			if elf.DynTag(d.Val) != elf.DT_RELA {
				return errUnsupportedPLTRel
			}
		case elf.DT_INIT_ARRAYSZ, elf.DT_FINI_ARRAYSZ, elf.DT_PREINIT_ARRAYSZ:
			if d.Val != 0 {
				return errUnsupportedArrays
			}
		case elf.DT_FLAGS, elf.DT_SYMTAB, elf.DT_INIT_ARRAY, elf.DT_FINI_ARRAY, elf.DT_PREINIT_ARRAY:
		default:
			if d.Tag >= 0 && tag < maxKnownTag {
				kfmt.Printf("[loader] unrecognized dynamic tag: %d\n", d.Tag)
				return errBadDynamicTag
			}
		}
	}

	switch {
	case r.dyn.symEnt == 0:
		return errNoSymbols
	case r.dyn.strTab == 0 || r.dyn.strSize == 0:
		return errNoStrings
	case r.dyn.pltRelSize != 0 && r.dyn.pltGOT == 0:
		return errNoGOT
	}

	return nil
}

func (r *reader) readSections() *kernel.Error {
	var (
		img = r.img
		hdr = &r.hdr
	)

	if hdr.Shnum == 0 || hdr.Shstrndx == uint16(elf.SHN_UNDEF) || hdr.Shstrndx >= hdr.Shnum {
		return errNoSectionNames
	}
	if hdr.Shentsize < sectionSize {
		return errBadEntrySize
	}

	entSize := uint64(hdr.Shentsize)
	table, ok := fileRange(img.data, hdr.Shoff, entSize*uint64(hdr.Shnum))
	if !ok {
		return errTruncated
	}

	names := decodeSection(table[uint64(hdr.Shstrndx)*entSize:])
	if elf.SectionType(names.Type) != elf.SHT_STRTAB {
		return errNoSectionNames
	}
	if img.sectionNames, ok = fileRange(img.data, names.Off, names.Size); !ok {
		return errTruncated
	}

	sections, err := arena.AllocSlice[Section](r.scratch, int(hdr.Shnum))
	if err != nil {
		return err
	}
	img.Sections = sections

	for i := 1; i < len(sections); i++ {
		sh := decodeSection(table[uint64(i)*entSize:])
		if elf.SectionType(sh.Type) == elf.SHT_NULL {
			continue
		}

		sec := &sections[i]
		*sec = Section{
			Name:    NameRef{Table: SectionNames, Offset: sh.Name},
			Type:    elf.SectionType(sh.Type),
			Flags:   elf.SectionFlag(sh.Flags),
			Addr:    uintptr(sh.Addr),
			Offset:  sh.Off,
			Size:    sh.Size,
			Align:   sh.Addralign,
			EntSize: sh.Entsize,
			Link:    sh.Link,
		}

		if uint64(sh.Name) >= uint64(len(img.sectionNames)) {
			return errBadName
		}
		if sec.Align > 1 && !mem.IsPowerOfTwo(sec.Align) {
			return errBadAlignment
		}

		name := img.Name(sec.Name)
		if sec.Kind = r.classify(name, sec); sec.Kind == KindNone {
			kfmt.Printf("[loader] unhandled section %d: %s\n", i, name)
			return errUnhandledSection
		}

		if sec.Kind == KindIgnored {
			continue
		}
		if img.kindIndex[sec.Kind] != 0 {
			kfmt.Printf("[loader] duplicate section %d: %s\n", i, name)
			return errDuplicateSection
		}
		img.kindIndex[sec.Kind] = uint16(i)

		if sec.Type != elf.SHT_NOBITS {
			if _, ok := fileRange(img.data, sec.Offset, sec.Size); !ok {
				return errTruncated
			}
		}
	}

	return nil
}

// classify maps a section to its kind using its name, type and flags.
// Sections that match no rule are reported as KindNone.
func (r *reader) classify(name string, s *Section) SectionKind {
	var (
		progbits = s.Type == elf.SHT_PROGBITS
		alloc    = s.Allocated()
		addr     = uint64(s.Addr)
	)

	switch {
	case name == ".text" && progbits && alloc && s.Executable():
		return KindCode
	case name == ".plt" && progbits && alloc && s.Executable():
		return KindPLT
	case name == ".got" && progbits && alloc && addr == r.dyn.pltGOT:
		return KindGOT
	case name == ".data" && progbits && alloc && s.Writable():
		return KindData
	case name == ".rodata" && progbits && alloc && !s.Writable():
		return KindROData
	case name == ".bss" && s.Type == elf.SHT_NOBITS && alloc && s.Writable():
		return KindBSS
	case name == ".strtab" && s.Type == elf.SHT_STRTAB && addr == r.dyn.strTab:
		return KindStrings
	case name == ".dynamic" && s.Type == elf.SHT_DYNAMIC && addr == r.dyn.addr:
		return KindDynamic
	case name == ".eh_frame" && progbits:
		return KindUnwind
	case name == ".symtab" && s.Type == elf.SHT_SYMTAB:
		return KindSymbols
	case name == ".rela.text" && s.Type == elf.SHT_RELA:
		return KindSymbolRelocs
	case name == ".rela.plt" && s.Type == elf.SHT_RELA && addr == r.dyn.jmpRel:
		return KindPLTRelocs
	case name == ".rela.eh_frame" && s.Type == elf.SHT_RELA:
		return KindUnwindRelocs
	case name == ".interp", name == ".shstrtab", name == ".dynstr", name == ".dynsym":
		return KindIgnored
	}

	return KindNone
}

// checkSections runs the checks that need the complete section table and
// computes the memory class footprints.
func (r *reader) checkSections() *kernel.Error {
	img := r.img

	strs := img.Section(KindStrings)
	switch {
	case img.Section(KindCode) == nil:
		return errNoCode
	case strs == nil || strs.Size == 0:
		return errNoStrings
	case img.Section(KindSymbols) == nil:
		return errNoSymbolTable
	case img.Section(KindSymbolRelocs) == nil:
		return errNoRelocTable
	case r.dyn.pltRelSize != 0 && img.Section(KindGOT) == nil:
		return errNoGOT
	case r.dyn.pltRelSize != 0 && img.Section(KindPLTRelocs) == nil:
		return errNoPLTRelocTable
	}

	if plt := img.Section(KindPLT); plt != nil {
		img.NumPLTEntries = int(plt.mappedSize() / pltEntrySize)
	}
	if got := img.Section(KindGOT); got != nil {
		img.NumGOTEntries = int(got.mappedSize() / gotEntrySize)
	}
	if img.NumPLTEntries != img.NumGOTEntries-gotReservedEntries {
		kfmt.Printf("[loader] %d PLT entries, %d GOT entries\n", img.NumPLTEntries, img.NumGOTEntries)
		return errPLTGOTMismatch
	}

	img.fileStrings = img.data[strs.Offset : strs.Offset+strs.Size]

	for _, kind := range layoutOrder {
		s := img.Section(kind)
		if s == nil {
			continue
		}

		class := kind.Class()
		img.footprint[class] = mem.Align(mem.Align(img.footprint[class], s.Align)+s.Size, s.Align)
		if s.Align > img.classAlign[class] {
			img.classAlign[class] = s.Align
		}
	}

	return nil
}

func (r *reader) readSymbols() *kernel.Error {
	var (
		img     = r.img
		symtab  = img.Section(KindSymbols)
		entSize = r.dyn.symEnt
	)

	if symtab.Link != uint32(img.kindIndex[KindStrings]) {
		return errBadSymbolNames
	}
	if entSize < symSize {
		return errBadEntrySize
	}

	var (
		table       = img.data[symtab.Offset : symtab.Offset+symtab.Size]
		count       = int(symtab.Size / entSize)
		numExternal int
	)

	symbols, err := arena.AllocSlice[Symbol](r.scratch, count)
	if err != nil {
		return err
	}

	// entry 0 is the reserved null symbol
	for i := 1; i < count; i++ {
		raw := decodeSym(table[uint64(i)*entSize:])
		sym := &symbols[i]
		sym.Binding = elf.ST_BIND(raw.Info)
		sym.Kind = elf.ST_TYPE(raw.Info)
		sym.Addr = uintptr(raw.Value)
		sym.Size = raw.Size

		switch sym.Binding {
		case elf.STB_LOCAL, elf.STB_GLOBAL, elf.STB_WEAK:
		default:
			kfmt.Printf("[loader] symbol %d: unsupported binding %d\n", i, uint8(sym.Binding))
			return errBadSymbol
		}

		switch sym.Kind {
		case elf.STT_NOTYPE, elf.STT_OBJECT, elf.STT_FUNC, elf.STT_SECTION, elf.STT_FILE:
		default:
			kfmt.Printf("[loader] symbol %d: unsupported type %d\n", i, uint8(sym.Kind))
			return errBadSymbol
		}

		if index := raw.Shndx; index != uint16(elf.SHN_UNDEF) && int(index) < len(img.Sections) && img.Sections[index].Kind != KindNone {
			sym.Section = index
		}

		if sym.Section == 0 && sym.Kind != elf.STT_FILE &&
			(sym.Binding != elf.STB_GLOBAL || sym.Kind != elf.STT_NOTYPE) {
			kfmt.Printf("[loader] symbol %d has no owning section\n", i)
			return errOrphanSymbol
		}

		if sym.Kind == elf.STT_SECTION {
			sym.Name = img.Sections[sym.Section].Name
		} else {
			if uint64(raw.Name) >= uint64(len(img.fileStrings)) {
				return errBadName
			}
			sym.Name = NameRef{Table: FileStrings, Offset: raw.Name}
		}

		if img.Name(sym.Name) == "" {
			kfmt.Printf("[loader] symbol %d has no name\n", i)
			return errUnnamedSymbol
		}

		if sym.IsExternal() {
			numExternal++
		}
	}
	img.Symbols = symbols

	if img.ExternalRefs, err = arena.AllocSlice[NameRef](r.scratch, numExternal); err != nil {
		return err
	}
	for i, n := 0, 0; n < numExternal; i++ {
		if symbols[i].IsExternal() {
			img.ExternalRefs[n] = symbols[i].Name
			n++
		}
	}

	return nil
}

func (r *reader) readRelocations() *kernel.Error {
	var err *kernel.Error

	if r.img.SymbolRelocs, err = r.readRelocTable(r.img.Section(KindSymbolRelocs), false); err != nil {
		return err
	}

	if table := r.img.Section(KindPLTRelocs); table != nil {
		if r.img.PLTRelocs, err = r.readRelocTable(table, true); err != nil {
			return err
		}
	}

	return nil
}

// readRelocTable decodes the RELA entries of s skipping R_X86_64_NONE
// entries. Jump-slot tables may only contain R_X86_64_JMP_SLOT entries while
// symbol tables may only contain PC32 and PLT32 entries.
func (r *reader) readRelocTable(s *Section, jumpSlots bool) ([]Relocation, *kernel.Error) {
	if s.Size != 0 && s.EntSize != relaSize {
		return nil, errBadEntrySize
	}

	var (
		table = r.img.data[s.Offset : s.Offset+s.Size]
		count int
	)

	for off := 0; off+relaSize <= len(table); off += relaSize {
		if elf.R_X86_64(elf.R_TYPE64(decodeRela(table[off:]).Info)) != elf.R_X86_64_NONE {
			count++
		}
	}

	relocs, err := arena.AllocSlice[Relocation](r.scratch, count)
	if err != nil {
		return nil, err
	}

	for off, n := 0, 0; off+relaSize <= len(table); off += relaSize {
		raw := decodeRela(table[off:])
		typ := elf.R_X86_64(elf.R_TYPE64(raw.Info))
		if typ == elf.R_X86_64_NONE {
			continue
		}

		sym := elf.R_SYM64(raw.Info)
		if sym == 0 || uint64(sym) >= uint64(len(r.img.Symbols)) {
			kfmt.Printf("[loader] relocation at 0x%x references symbol %d\n", raw.Off, sym)
			return nil, errBadRelocSymbol
		}

		switch {
		case jumpSlots && typ != elf.R_X86_64_JMP_SLOT:
			kfmt.Printf("[loader] PLT relocation at 0x%x has type %d\n", raw.Off, uint32(typ))
			return nil, errBadPLTReloc
		case !jumpSlots && typ != elf.R_X86_64_PC32 && typ != elf.R_X86_64_PLT32:
			kfmt.Printf("[loader] relocation at 0x%x has type %d\n", raw.Off, uint32(typ))
			return nil, errUnsupportedReloc
		}

		relocs[n] = Relocation{Symbol: sym, Type: typ, Addr: uintptr(raw.Off), Addend: raw.Addend}
		n++
	}

	return relocs, nil
}
