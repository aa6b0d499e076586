// Package elftest assembles small alt-os module images for tests.
//
// The generated images mirror what the module toolchain emits for
// position-independent amd64 code: calls to global functions go through a
// lazily bound PLT, data references use RIP-relative displacements and the
// link-time relocations are kept in .rela.text.
package elftest

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
)

const (
	// ABI is the OSABI byte written into every image.
	ABI = 88

	// BSSAddr is the virtual address .bss is linked at. It lies above the
	// file-backed sections which are linked at their file offsets.
	BSSAddr = 0x200000

	headerSize  = 64
	progSize    = 56
	sectionSize = 64
	symSize     = 24
	relaSize    = 24
	dynSize     = 16
	pltSize     = 16
	gotSize     = 8
)

type opKind uint8

const (
	opLea opKind = iota
	opCall
	opRet
	opNop
)

// Op is a single instruction in a function body.
type Op struct {
	kind  opKind
	sym   string
	count int
}

// Lea loads the address of sym using a RIP-relative displacement.
func Lea(sym string) Op { return Op{kind: opLea, sym: sym} }

// Call calls sym. Calls to global or undefined functions go through the PLT.
func Call(sym string) Op { return Op{kind: opCall, sym: sym} }

// Ret returns from the current function.
func Ret() Op { return Op{kind: opRet} }

// Nop emits n single-byte nops.
func Nop(n int) Op { return Op{kind: opNop, count: n} }

func (op Op) size() uint64 {
	switch op.kind {
	case opLea:
		return 7
	case opCall:
		return 5
	case opRet:
		return 1
	default:
		return uint64(op.count)
	}
}

// Func is a function placed in .text.
type Func struct {
	Name  string
	Local bool
	Body  []Op
}

// ObjectSection selects the section an Object is placed in.
type ObjectSection uint8

// The sections objects can be placed in.
const (
	Data ObjectSection = iota
	ROData
	BSS
)

// Object is a data object.
type Object struct {
	Name    string
	Section ObjectSection
	Size    int
	Init    []byte
	Local   bool
}

// Spec describes the contents of an image.
type Spec struct {
	Funcs   []Func
	Objects []Object

	// Interp is stored in a PT_INTERP segment when not empty.
	Interp string

	// SectionSymbols adds an STT_SECTION symbol for every loadable
	// section.
	SectionSymbols bool

	// EhFrame adds an 8-byte .eh_frame section.
	EhFrame bool

	// ExtraDynamic entries are appended before the terminating DT_NULL.
	ExtraDynamic []elf.Dyn64
}

// Section locates a section of a built image.
type Section struct {
	Index  int
	Addr   uint64
	Offset uint64
	Size   uint64

	// Header is the file offset of the section header.
	Header uint64
}

// Image is a built module image.
type Image struct {
	Bytes    []byte
	Sections map[string]Section

	// Symbols maps symbol names to their link-time addresses.
	Symbols     map[string]uint64
	SymbolIndex map[string]int

	// PLTSlots maps call targets to their PLT entry index.
	PLTSlots map[string]int
}

// PutUint32 overwrites 4 bytes at off.
func (img *Image) PutUint32(off uint64, v uint32) {
	binary.LittleEndian.PutUint32(img.Bytes[off:], v)
}

// PutUint64 overwrites 8 bytes at off.
func (img *Image) PutUint64(off uint64, v uint64) {
	binary.LittleEndian.PutUint64(img.Bytes[off:], v)
}

type section struct {
	name    string
	typ     elf.SectionType
	flags   elf.SectionFlag
	align   uint64
	entSize uint64
	link    string
	info    uint32
	size    uint64

	index     int
	addr, off uint64
}

type symbol struct {
	name    string
	bind    elf.SymBind
	typ     elf.SymType
	section string
	shndx   elf.SectionIndex
	value   uint64
	size    uint64
}

type fixup struct {
	site uint64
	sym  string
	typ  elf.R_X86_64
}

type stringTable struct {
	data    []byte
	offsets map[string]uint32
}

func (t *stringTable) add(s string) uint32 {
	if t.data == nil {
		t.data = []byte{0}
		t.offsets = map[string]uint32{"": 0}
	}
	if off, ok := t.offsets[s]; ok {
		return off
	}
	off := uint32(len(t.data))
	t.data = append(append(t.data, s...), 0)
	t.offsets[s] = off
	return off
}

type builder struct {
	spec Spec
	out  []byte

	sections []*section
	byName   map[string]*section

	funcs     map[string]*Func
	funcOff   map[string]uint64
	objects   map[string]*Object
	objOff    map[string]uint64
	pltSlots  map[string]int
	pltOrder  []string
	externals []string

	symbols     []symbol
	firstGlobal int
	fixups      []fixup
	dynamic     []elf.Dyn64

	strs, shstrs stringTable
}

// Build assembles spec into an image. It panics if spec references the same
// name twice.
func Build(spec Spec) *Image {
	b := &builder{
		spec:     spec,
		byName:   make(map[string]*section),
		funcs:    make(map[string]*Func),
		funcOff:  make(map[string]uint64),
		objects:  make(map[string]*Object),
		objOff:   make(map[string]uint64),
		pltSlots: make(map[string]int),
	}

	b.collect()
	b.addSections()
	b.collectSymbols()
	b.layout()
	b.write()

	img := &Image{
		Bytes:       b.out,
		Sections:    make(map[string]Section),
		Symbols:     make(map[string]uint64),
		SymbolIndex: make(map[string]int),
		PLTSlots:    b.pltSlots,
	}
	shoff := b.sectionHeaderOffset()
	for _, s := range b.sections {
		img.Sections[s.name] = Section{
			Index:  s.index,
			Addr:   s.addr,
			Offset: s.off,
			Size:   s.size,
			Header: shoff + uint64(s.index)*sectionSize,
		}
	}
	for i, sym := range b.symbols {
		if i == 0 || sym.typ == elf.STT_SECTION {
			continue
		}
		img.Symbols[sym.name] = b.symbolValue(&sym)
		img.SymbolIndex[sym.name] = i
	}

	return img
}

func (b *builder) collect() {
	for i := range b.spec.Funcs {
		f := &b.spec.Funcs[i]
		b.define(f.Name)
		b.funcs[f.Name] = f
	}
	for i := range b.spec.Objects {
		o := &b.spec.Objects[i]
		b.define(o.Name)
		b.objects[o.Name] = o
	}

	seen := make(map[string]bool)
	var off uint64
	for _, f := range b.spec.Funcs {
		b.funcOff[f.Name] = off
		for _, op := range f.Body {
			switch op.kind {
			case opLea:
				b.fixups = append(b.fixups, fixup{site: off + 3, sym: op.sym, typ: elf.R_X86_64_PC32})
			case opCall:
				b.fixups = append(b.fixups, fixup{site: off + 1, sym: op.sym, typ: elf.R_X86_64_PLT32})
				if b.viaPLT(op.sym) {
					if _, ok := b.pltSlots[op.sym]; !ok {
						b.pltOrder = append(b.pltOrder, op.sym)
						b.pltSlots[op.sym] = len(b.pltOrder)
					}
				}
			}

			if op.kind == opLea || op.kind == opCall {
				if _, defined := b.funcs[op.sym]; !defined && b.objects[op.sym] == nil && !seen[op.sym] {
					seen[op.sym] = true
					b.externals = append(b.externals, op.sym)
				}
			}
			off += op.size()
		}
	}
}

func (b *builder) define(name string) {
	if b.funcs[name] != nil || b.objects[name] != nil {
		panic(fmt.Sprintf("elftest: %q defined twice", name))
	}
}

// viaPLT returns true if calls to name are routed through the PLT.
func (b *builder) viaPLT(name string) bool {
	if f := b.funcs[name]; f != nil {
		return !f.Local
	}
	return b.objects[name] == nil
}

func (b *builder) textSize() uint64 {
	var size uint64
	for _, f := range b.spec.Funcs {
		for _, op := range f.Body {
			size += op.size()
		}
	}
	return size
}

// objectLayout assigns offsets to the objects placed in sec and returns the
// section size.
func (b *builder) objectLayout(sec ObjectSection) uint64 {
	var off uint64
	for _, o := range b.spec.Objects {
		if o.Section != sec {
			continue
		}
		off = alignUp(off, 8)
		b.objOff[o.Name] = off
		off += uint64(o.Size)
	}
	return off
}

func (b *builder) add(s *section) {
	s.index = len(b.sections) + 1
	b.sections = append(b.sections, s)
	b.byName[s.name] = s
}

func (b *builder) addSections() {
	const (
		alloc = elf.SHF_ALLOC
		exec  = elf.SHF_ALLOC | elf.SHF_EXECINSTR
		write = elf.SHF_ALLOC | elf.SHF_WRITE
	)

	numPLT := uint64(len(b.pltOrder))

	if b.spec.Interp != "" {
		b.add(&section{name: ".interp", typ: elf.SHT_PROGBITS, flags: alloc, align: 1, size: uint64(len(b.spec.Interp)) + 1})
	}
	b.add(&section{name: ".text", typ: elf.SHT_PROGBITS, flags: exec, align: 16, size: b.textSize()})
	if numPLT != 0 {
		b.add(&section{name: ".plt", typ: elf.SHT_PROGBITS, flags: exec, align: 16, entSize: pltSize, size: (numPLT + 1) * pltSize})
	}
	if size := b.objectLayout(ROData); size != 0 {
		b.add(&section{name: ".rodata", typ: elf.SHT_PROGBITS, flags: alloc, align: 16, size: size})
	}
	if b.spec.EhFrame {
		b.add(&section{name: ".eh_frame", typ: elf.SHT_PROGBITS, flags: alloc, align: 8, size: 8})
	}

	b.dynamic = []elf.Dyn64{{Tag: int64(elf.DT_PLTGOT)}}
	if numPLT != 0 {
		b.dynamic = append(b.dynamic,
			elf.Dyn64{Tag: int64(elf.DT_PLTRELSZ), Val: numPLT * relaSize},
			elf.Dyn64{Tag: int64(elf.DT_PLTREL), Val: uint64(elf.DT_RELA)},
			elf.Dyn64{Tag: int64(elf.DT_JMPREL)},
		)
	}
	b.dynamic = append(b.dynamic,
		elf.Dyn64{Tag: int64(elf.DT_STRTAB)},
		elf.Dyn64{Tag: int64(elf.DT_STRSZ)},
		elf.Dyn64{Tag: int64(elf.DT_SYMENT), Val: symSize},
		elf.Dyn64{Tag: int64(elf.DT_FLAGS)},
		elf.Dyn64{Tag: int64(elf.DT_FLAGS_1)},
	)
	b.dynamic = append(b.dynamic, b.spec.ExtraDynamic...)
	b.dynamic = append(b.dynamic, elf.Dyn64{Tag: int64(elf.DT_NULL)})
	b.add(&section{name: ".dynamic", typ: elf.SHT_DYNAMIC, flags: write, align: 8, entSize: dynSize, link: ".strtab", size: uint64(len(b.dynamic)) * dynSize})

	gotEntries := uint64(2)
	if numPLT != 0 {
		gotEntries = numPLT + 3
	}
	b.add(&section{name: ".got", typ: elf.SHT_PROGBITS, flags: write, align: 8, entSize: gotSize, size: gotEntries * gotSize})

	if size := b.objectLayout(Data); size != 0 {
		b.add(&section{name: ".data", typ: elf.SHT_PROGBITS, flags: write, align: 16, size: size})
	}
	if size := b.objectLayout(BSS); size != 0 {
		b.add(&section{name: ".bss", typ: elf.SHT_NOBITS, flags: write, align: 16, size: size})
	}

	// sizes of the tables below are set once the symbols are known
	b.add(&section{name: ".strtab", typ: elf.SHT_STRTAB, flags: alloc, align: 1})
	b.add(&section{name: ".symtab", typ: elf.SHT_SYMTAB, align: 8, entSize: symSize, link: ".strtab"})
	b.add(&section{name: ".rela.text", typ: elf.SHT_RELA, align: 8, entSize: relaSize, link: ".symtab", info: uint32(b.byName[".text"].index), size: uint64(len(b.fixups)) * relaSize})
	if numPLT != 0 {
		b.add(&section{name: ".rela.plt", typ: elf.SHT_RELA, flags: alloc, align: 8, entSize: relaSize, link: ".symtab", info: uint32(b.byName[".got"].index), size: numPLT * relaSize})
	}
	b.add(&section{name: ".shstrtab", typ: elf.SHT_STRTAB, align: 1})

	for _, s := range b.sections {
		b.shstrs.add(s.name)
	}
	b.byName[".shstrtab"].size = uint64(len(b.shstrs.data))
}

func (b *builder) collectSymbols() {
	b.symbols = append(b.symbols,
		symbol{},
		symbol{name: "module.c", bind: elf.STB_LOCAL, typ: elf.STT_FILE, shndx: elf.SHN_ABS},
	)

	if b.spec.SectionSymbols {
		for _, name := range []string{".text", ".rodata", ".data", ".bss"} {
			if b.byName[name] != nil {
				b.symbols = append(b.symbols, symbol{bind: elf.STB_LOCAL, typ: elf.STT_SECTION, section: name})
			}
		}
	}

	for _, pass := range []bool{true, false} {
		if !pass {
			b.firstGlobal = len(b.symbols)
		}
		for _, f := range b.spec.Funcs {
			if f.Local == pass {
				b.symbols = append(b.symbols, symbol{name: f.Name, bind: binding(f.Local), typ: elf.STT_FUNC, section: ".text"})
			}
		}
		for _, o := range b.spec.Objects {
			if o.Local == pass {
				b.symbols = append(b.symbols, symbol{name: o.Name, bind: binding(o.Local), typ: elf.STT_OBJECT, section: objectSectionName(o.Section), size: uint64(o.Size)})
			}
		}
	}

	for _, name := range b.externals {
		b.symbols = append(b.symbols, symbol{name: name, bind: elf.STB_GLOBAL, typ: elf.STT_NOTYPE})
	}

	for i := range b.symbols {
		if sym := &b.symbols[i]; sym.typ == elf.STT_FUNC {
			sym.size = b.funcSize(sym.name)
		}
		b.strs.add(b.symbols[i].name)
	}

	b.byName[".strtab"].size = uint64(len(b.strs.data))
	b.byName[".symtab"].size = uint64(len(b.symbols)) * symSize
	b.byName[".symtab"].info = uint32(b.firstGlobal)
}

func (b *builder) funcSize(name string) uint64 {
	var size uint64
	for _, op := range b.funcs[name].Body {
		size += op.size()
	}
	return size
}

func binding(local bool) elf.SymBind {
	if local {
		return elf.STB_LOCAL
	}
	return elf.STB_GLOBAL
}

func objectSectionName(sec ObjectSection) string {
	switch sec {
	case ROData:
		return ".rodata"
	case BSS:
		return ".bss"
	default:
		return ".data"
	}
}

func (b *builder) numProgs() int {
	if b.spec.Interp != "" {
		return 3
	}
	return 2
}

func (b *builder) layout() {
	off := uint64(headerSize + progSize*b.numProgs())
	for _, s := range b.sections {
		off = alignUp(off, s.align)
		s.off = off

		switch {
		case s.typ == elf.SHT_NOBITS:
			s.addr = BSSAddr
			continue
		case s.flags&elf.SHF_ALLOC != 0:
			s.addr = off
		}
		off += s.size
	}

	b.out = make([]byte, b.sectionHeaderOffset()+uint64(len(b.sections)+1)*sectionSize)
}

func (b *builder) sectionHeaderOffset() uint64 {
	var end uint64
	for _, s := range b.sections {
		if s.typ != elf.SHT_NOBITS && s.off+s.size > end {
			end = s.off + s.size
		}
	}
	return alignUp(end, 8)
}

func (b *builder) symbolValue(sym *symbol) uint64 {
	switch {
	case sym.typ == elf.STT_SECTION:
		return b.byName[sym.section].addr
	case sym.typ == elf.STT_FUNC:
		return b.byName[".text"].addr + b.funcOff[sym.name]
	case sym.typ == elf.STT_OBJECT:
		return b.byName[sym.section].addr + b.objOff[sym.name]
	default:
		return 0
	}
}

func (b *builder) symbolIndex(name string) int {
	for i := b.firstGlobal; i < len(b.symbols); i++ {
		if b.symbols[i].name == name {
			return i
		}
	}
	for i := 1; i < b.firstGlobal; i++ {
		if b.symbols[i].name == name && b.symbols[i].typ != elf.STT_SECTION {
			return i
		}
	}
	panic(fmt.Sprintf("elftest: unknown symbol %q", name))
}

// targetAddr returns the address a fixup against name resolves to at link
// time.
func (b *builder) targetAddr(name string, typ elf.R_X86_64) uint64 {
	if j, ok := b.pltSlots[name]; ok && typ == elf.R_X86_64_PLT32 {
		return b.byName[".plt"].addr + uint64(j)*pltSize
	}
	return b.symbolValue(&b.symbols[b.symbolIndex(name)])
}

func (b *builder) put(off uint64, v any) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, v); err != nil {
		panic(err)
	}
	copy(b.out[off:], buf.Bytes())
}

func (b *builder) write() {
	b.writeHeaders()
	b.writeText()
	b.writePLT()
	b.writeObjects()

	if s := b.byName[".interp"]; s != nil {
		copy(b.out[s.off:], b.spec.Interp)
	}

	dyn := b.byName[".dynamic"]
	for i, d := range b.dynamic {
		switch elf.DynTag(d.Tag) {
		case elf.DT_PLTGOT:
			d.Val = b.byName[".got"].addr
		case elf.DT_JMPREL:
			d.Val = b.byName[".rela.plt"].addr
		case elf.DT_STRTAB:
			d.Val = b.byName[".strtab"].addr
		case elf.DT_STRSZ:
			d.Val = b.byName[".strtab"].size
		}
		b.put(dyn.off+uint64(i)*dynSize, d)
	}

	copy(b.out[b.byName[".strtab"].off:], b.strs.data)
	copy(b.out[b.byName[".shstrtab"].off:], b.shstrs.data)

	symtab := b.byName[".symtab"]
	for i := range b.symbols {
		sym := &b.symbols[i]
		shndx := uint16(sym.shndx)
		if sym.section != "" {
			shndx = uint16(b.byName[sym.section].index)
		}
		b.put(symtab.off+uint64(i)*symSize, elf.Sym64{
			Name:  b.strs.add(sym.name),
			Info:  elf.ST_INFO(sym.bind, sym.typ),
			Shndx: shndx,
			Value: b.symbolValue(sym),
			Size:  sym.size,
		})
	}
}

func (b *builder) writeHeaders() {
	var (
		progs = b.numProgs()
		dyn   = b.byName[".dynamic"]
		shoff = b.sectionHeaderOffset()
		hdr   = elf.Header64{
			Type:      uint16(elf.ET_DYN),
			Machine:   uint16(elf.EM_X86_64),
			Version:   uint32(elf.EV_CURRENT),
			Phoff:     headerSize,
			Shoff:     shoff,
			Ehsize:    headerSize,
			Phentsize: progSize,
			Phnum:     uint16(progs),
			Shentsize: sectionSize,
			Shnum:     uint16(len(b.sections) + 1),
			Shstrndx:  uint16(b.byName[".shstrtab"].index),
		}
	)

	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	hdr.Ident[elf.EI_OSABI] = ABI
	b.put(0, hdr)

	memSize := shoff
	if bss := b.byName[".bss"]; bss != nil {
		memSize = bss.addr + bss.size
	}
	b.put(headerSize, elf.Prog64{
		Type: uint32(elf.PT_LOAD), Flags: uint32(elf.PF_R | elf.PF_W | elf.PF_X),
		Filesz: shoff, Memsz: memSize, Align: 0x1000,
	})
	b.put(headerSize+progSize, elf.Prog64{
		Type: uint32(elf.PT_DYNAMIC), Flags: uint32(elf.PF_R | elf.PF_W),
		Off: dyn.off, Vaddr: dyn.addr, Paddr: dyn.addr, Filesz: dyn.size, Memsz: dyn.size, Align: 8,
	})
	if interp := b.byName[".interp"]; interp != nil {
		b.put(headerSize+2*progSize, elf.Prog64{
			Type: uint32(elf.PT_INTERP), Flags: uint32(elf.PF_R),
			Off: interp.off, Vaddr: interp.addr, Paddr: interp.addr, Filesz: interp.size, Memsz: interp.size, Align: 1,
		})
	}

	for _, s := range b.sections {
		var link uint32
		if s.link != "" {
			link = uint32(b.byName[s.link].index)
		}
		b.put(shoff+uint64(s.index)*sectionSize, elf.Section64{
			Name:      b.shstrs.add(s.name),
			Type:      uint32(s.typ),
			Flags:     uint64(s.flags),
			Addr:      s.addr,
			Off:       s.off,
			Size:      s.size,
			Link:      link,
			Info:      s.info,
			Addralign: s.align,
			Entsize:   s.entSize,
		})
	}
}

func (b *builder) writeText() {
	var (
		text = b.byName[".text"]
		code = b.out[text.off : text.off+text.size]
		off  uint64
	)

	for _, f := range b.spec.Funcs {
		for _, op := range f.Body {
			switch op.kind {
			case opLea:
				copy(code[off:], []byte{0x48, 0x8d, 0x05})
			case opCall:
				code[off] = 0xe8
			case opRet:
				code[off] = 0xc3
			case opNop:
				for i := 0; i < op.count; i++ {
					code[off+uint64(i)] = 0x90
				}
			}
			off += op.size()
		}
	}

	rela := b.byName[".rela.text"]
	for i, fx := range b.fixups {
		site := text.addr + fx.site
		value := int64(b.targetAddr(fx.sym, fx.typ)) - 4 - int64(site)
		binary.LittleEndian.PutUint32(code[fx.site:], uint32(int32(value)))
		b.put(rela.off+uint64(i)*relaSize, elf.Rela64{
			Off:    site,
			Info:   elf.R_INFO(uint32(b.symbolIndex(fx.sym)), uint32(fx.typ)),
			Addend: -4,
		})
	}
}

func (b *builder) writePLT() {
	var (
		got  = b.byName[".got"]
		plt  = b.byName[".plt"]
		le   = binary.LittleEndian
		dyn  = b.byName[".dynamic"]
		slot = func(i uint64) []byte { return b.out[got.off+i*gotSize:] }
	)

	le.PutUint64(slot(0), dyn.addr)
	if plt == nil {
		return
	}

	// resolver stub: push GOT[1]; jmp *GOT[2]; nopl 0(%rax)
	stub := b.out[plt.off:]
	copy(stub, []byte{0xff, 0x35})
	le.PutUint32(stub[2:], uint32(int32(int64(got.addr+8)-int64(plt.addr+6))))
	copy(stub[6:], []byte{0xff, 0x25})
	le.PutUint32(stub[8:], uint32(int32(int64(got.addr+16)-int64(plt.addr+12))))
	copy(stub[12:], []byte{0x0f, 0x1f, 0x40, 0x00})

	rela := b.byName[".rela.plt"]
	for i, name := range b.pltOrder {
		var (
			j        = uint64(i + 1)
			entry    = plt.addr + j*pltSize
			code     = b.out[plt.off+j*pltSize:]
			slotAddr = got.addr + (j+2)*gotSize
		)

		copy(code, []byte{0xff, 0x25})
		le.PutUint32(code[2:], uint32(int32(int64(slotAddr)-int64(entry+6))))
		code[6] = 0x68
		le.PutUint32(code[7:], uint32(j-1))
		code[11] = 0xe9
		le.PutUint32(code[12:], uint32(int32(int64(plt.addr)-int64(entry+16))))

		le.PutUint64(slot(j+2), entry+6)
		b.put(rela.off+uint64(i)*relaSize, elf.Rela64{
			Off:  slotAddr,
			Info: elf.R_INFO(uint32(b.symbolIndex(name)), uint32(elf.R_X86_64_JMP_SLOT)),
		})
	}
}

func (b *builder) writeObjects() {
	for _, o := range b.spec.Objects {
		if o.Section == BSS || len(o.Init) == 0 {
			continue
		}
		s := b.byName[objectSectionName(o.Section)]
		copy(b.out[s.off+b.objOff[o.Name]:], o.Init[:min(len(o.Init), o.Size)])
	}
}

func alignUp(v, align uint64) uint64 {
	if align <= 1 {
		return v
	}
	return (v + align - 1) &^ (align - 1)
}
