package loader

import (
	"debug/elf"
	"math"
	"unsafe"

	"github.com/mrf-git/alt-os/kernel"
	"github.com/mrf-git/alt-os/kernel/kfmt"
	"github.com/mrf-git/alt-os/kernel/link/symtab"
	"github.com/mrf-git/alt-os/kernel/mem"
	"github.com/mrf-git/alt-os/kernel/mem/arena"
)

// linker carries the state of a single LoadImage call.
type linker struct {
	img   *Image
	reg   *symtab.Registry
	bases [numClasses]uintptr

	// starts holds the load address of every laid-out section, indexed by
	// section header index. Sections that are not loaded keep a zero entry.
	starts []uintptr

	// pltNames records which symbol (index + 1) is called through each PLT
	// entry.
	pltNames []uint32

	// newBuckets holds, for every symbol that publish will add to the
	// registry, its bucket index + 1.
	newBuckets []uint32
}

// LoadImage relocates img into the code, data and rodata regions, publishes
// the global functions it defines into reg and binds its jump slots to the
// addresses found in reg. Each region must be at least as large as the
// matching footprint reported by img and aligned to ClassAlign.
//
// Every relocation and symbol is validated before any byte is written. If
// validation fails the target regions, img and reg are left untouched.
// Temporary tables are allocated from scratch and released before
// LoadImage returns.
func LoadImage(img *Image, code, data, rodata uintptr, reg *symtab.Registry, scratch *arena.Arena) *kernel.Error {
	for _, ref := range img.ExternalRefs {
		if name := img.Name(ref); !reg.Has(name) {
			kfmt.Printf("[loader] unresolved symbol: %s\n", name)
			return errUnresolvedSymbol
		}
	}

	l := linker{
		img:   img,
		reg:   reg,
		bases: [numClasses]uintptr{ClassCode: code, ClassData: data, ClassROData: rodata},
	}
	if err := l.checkBases(); err != nil {
		return err
	}

	mark := scratch.Mark()
	defer scratch.Reset(mark)

	var err *kernel.Error
	if l.starts, err = arena.AllocSlice[uintptr](scratch, len(img.Sections)); err != nil {
		return err
	}
	if l.pltNames, err = arena.AllocSlice[uint32](scratch, img.NumPLTEntries); err != nil {
		return err
	}
	if l.newBuckets, err = arena.AllocSlice[uint32](scratch, len(img.Symbols)); err != nil {
		return err
	}

	if err = l.layout(); err != nil {
		return err
	}
	if err = l.validate(); err != nil {
		return err
	}

	l.copySections()
	if err = l.applySymbolRelocs(); err != nil {
		return err
	}
	l.updateAddresses()
	if err = l.publish(); err != nil {
		return err
	}
	return l.bindJumpSlots()
}

// checkBases ensures that each used memory class has a non-zero aligned base
// and that no two classes overlap.
func (l *linker) checkBases() *kernel.Error {
	img := l.img
	for c := ClassCode; c < numClasses; c++ {
		size := img.footprint[c]
		if size == 0 {
			continue
		}

		base := l.bases[c]
		if base == 0 || uint64(base)%max(img.classAlign[c], 1) != 0 || base+uintptr(size) < base {
			kfmt.Printf("[loader] bad base address 0x%16x for class %d\n", base, uint8(c))
			return errBadBase
		}

		for other := ClassCode; other < c; other++ {
			if img.footprint[other] == 0 {
				continue
			}
			otherBase := l.bases[other]
			if base < otherBase+uintptr(img.footprint[other]) && otherBase < base+uintptr(size) {
				return errOverlap
			}
		}
	}

	return nil
}

// layout assigns a load address to every loadable section.
func (l *linker) layout() *kernel.Error {
	var (
		img    = l.img
		cursor = l.bases
	)

	for _, kind := range layoutOrder {
		s := img.Section(kind)
		if s == nil {
			continue
		}

		class := kind.Class()
		start := uintptr(mem.Align(uint64(cursor[class]), s.Align))
		l.starts[img.kindIndex[kind]] = start
		cursor[class] = uintptr(mem.Align(uint64(start)+s.Size, s.Align))
	}

	for c := ClassCode; c < numClasses; c++ {
		if uint64(cursor[c]-l.bases[c]) > img.footprint[c] {
			return errLayoutOverflow
		}
	}

	return nil
}

// loadAddr returns the relocated address of sym or false if its section is
// not loaded or the symbol has no value.
func (l *linker) loadAddr(sym *Symbol) (uintptr, bool) {
	start := l.starts[sym.Section]
	if start == 0 || sym.Addr == 0 {
		return 0, false
	}
	return start + (sym.Addr - l.img.Sections[sym.Section].Addr), true
}

// publishes returns true if sym is exported into the registry.
func (l *linker) publishes(sym *Symbol) bool {
	return sym.IsGlobal() && sym.Kind == elf.STT_FUNC && sym.Section != 0 && sym.Addr != 0 && l.starts[sym.Section] != 0
}

// validate runs every check that does not need to write to the target
// regions.
func (l *linker) validate() *kernel.Error {
	img := l.img

	for i := 1; i < len(img.Symbols); i++ {
		sym := &img.Symbols[i]

		// symbols without a value are left unrelocated
		if sym.Section == 0 || sym.Addr == 0 || l.starts[sym.Section] == 0 {
			continue
		}

		sec := &img.Sections[sym.Section]
		if sym.Addr < sec.Addr || uint64(sym.Addr-sec.Addr) > sec.Size {
			kfmt.Printf("[loader] symbol %s outside section %s\n", img.SymbolName(uint32(i)), img.Name(sec.Name))
			return errSymbolOutside
		}

		if !l.publishes(sym) {
			continue
		}
		addr, _ := l.loadAddr(sym)
		if existing, found := l.reg.Get(img.SymbolName(uint32(i))); found && existing != addr {
			kfmt.Printf("[loader] duplicate symbol: %s\n", img.SymbolName(uint32(i)))
			return errDuplicateSymbol
		}
	}

	if err := l.checkRoom(); err != nil {
		return err
	}

	for i := range img.SymbolRelocs {
		if _, _, err := l.symbolReloc(&img.SymbolRelocs[i], true); err != nil {
			return err
		}
	}

	for i := range img.PLTRelocs {
		if _, _, err := l.jumpSlot(&img.PLTRelocs[i]); err != nil {
			return err
		}
	}

	return nil
}

// checkRoom ensures that every function publish adds fits into the
// registry and that the image does not define one name at two addresses.
func (l *linker) checkRoom() *kernel.Error {
	var (
		img    = l.img
		numNew int
	)

	for i := 1; i < len(img.Symbols); i++ {
		sym := &img.Symbols[i]
		name := img.SymbolName(uint32(i))
		if !l.publishes(sym) || l.reg.Has(name) {
			continue
		}

		var (
			bucket   = uint32(symtab.Hash(name)) + 1
			inBucket = 1
			seen     bool
		)
		for j := 1; j < i; j++ {
			if l.newBuckets[j] != bucket {
				continue
			}
			if img.SymbolName(uint32(j)) != name {
				inBucket++
				continue
			}

			addr, _ := l.loadAddr(sym)
			if prev, _ := l.loadAddr(&img.Symbols[j]); prev != addr {
				kfmt.Printf("[loader] duplicate symbol: %s\n", name)
				return errDuplicateSymbol
			}
			seen = true
		}
		if seen {
			continue
		}

		numNew++
		if inBucket > l.reg.Room(name) || numNew > symtab.Capacity-l.reg.NumKeys() {
			kfmt.Printf("[loader] no room for symbol: %s\n", name)
			return errRegistryFull
		}
		l.newBuckets[i] = bucket
	}

	return nil
}

// symbolReloc computes the relocated site address and the new 32-bit field
// value for a PC32 or PLT32 relocation. When record is set, the PLT entries
// targeted by PLT32 relocations are remembered for the jump-slot checks.
func (l *linker) symbolReloc(r *Relocation, record bool) (uintptr, uint32, *kernel.Error) {
	var (
		img  = l.img
		text = img.Section(KindCode)
		sym  = &img.Symbols[r.Symbol]
	)

	if r.Addr < text.Addr || uint64(r.Addr-text.Addr)+4 > text.Size {
		kfmt.Printf("[loader] relocation at 0x%x outside code\n", r.Addr)
		return 0, 0, errRelocOutside
	}

	var (
		off        = uint64(r.Addr - text.Addr)
		field      = int64(int32(le.Uint32(img.data[text.Offset+off:])))
		site       = l.starts[img.kindIndex[KindCode]] + uintptr(off)
		linkTarget = int64(r.Addr) + field - r.Addend
		target     uintptr
	)

	if r.Type == elf.R_X86_64_PLT32 {
		plt := img.Section(KindPLT)
		switch {
		case plt != nil && linkTarget >= int64(plt.Addr) && linkTarget < int64(plt.Addr)+int64(plt.mappedSize()):
			pltOff := uint64(linkTarget - int64(plt.Addr))
			slot := pltOff / pltEntrySize
			if pltOff%pltEntrySize != 0 || slot == 0 || slot >= uint64(img.NumPLTEntries) {
				kfmt.Printf("[loader] call at 0x%x targets PLT offset 0x%x\n", r.Addr, pltOff)
				return 0, 0, errPLTTarget
			}
			if record {
				if prev := l.pltNames[slot]; prev != 0 && img.SymbolName(prev-1) != img.SymbolName(r.Symbol) {
					kfmt.Printf("[loader] PLT entry %d called as %s and %s\n", slot, img.SymbolName(prev-1), img.SymbolName(r.Symbol))
					return 0, 0, errPLTSlotConflict
				}
				l.pltNames[slot] = r.Symbol + 1
			}
			target = l.starts[img.kindIndex[KindPLT]] + uintptr(pltOff)
		case plt == nil && sym.IsExternal():
			return 0, 0, errNoPLT
		case sym.IsExternal():
			kfmt.Printf("[loader] call to %s at 0x%x bypasses the PLT\n", img.SymbolName(r.Symbol), r.Addr)
			return 0, 0, errPLTTarget
		}
	}

	if target == 0 {
		if linkTarget != int64(sym.Addr) {
			kfmt.Printf("[loader] relocation at 0x%x does not reference %s\n", r.Addr, img.SymbolName(r.Symbol))
			return 0, 0, errRelocMismatch
		}
		addr, ok := l.loadAddr(sym)
		if sym.Section == 0 || !ok {
			kfmt.Printf("[loader] relocation at 0x%x references unloaded symbol %s\n", r.Addr, img.SymbolName(r.Symbol))
			return 0, 0, errBadRelocTarget
		}
		if !relocTarget(img.Sections[sym.Section].Kind, sym.Kind) {
			kfmt.Printf("[loader] relocation at 0x%x references %s in a %s section\n", r.Addr, img.SymbolName(r.Symbol), img.Sections[sym.Section].Kind.String())
			return 0, 0, errBadRelocTarget
		}
		target = addr
	}

	value := int64(target) + r.Addend - int64(site)
	if value < math.MinInt32 || value > math.MaxInt32 {
		kfmt.Printf("[loader] relocation at 0x%x overflows\n", r.Addr)
		return 0, 0, errRelocOverflow
	}

	return site, uint32(int32(value)), nil
}

// relocTarget returns true if a symbol of the given type placed in a section
// of the given kind may be referenced by a PC-relative relocation.
func relocTarget(kind SectionKind, typ elf.SymType) bool {
	switch kind {
	case KindCode, KindData, KindROData, KindBSS:
	default:
		return false
	}

	switch typ {
	case elf.STT_SECTION, elf.STT_OBJECT, elf.STT_FUNC:
		return true
	}
	return false
}

// jumpSlot checks a jump-slot relocation against the GOT and PLT contents
// and returns the offsets of the slot inside the GOT and of its entry inside
// the PLT.
func (l *linker) jumpSlot(r *Relocation) (uint64, uint64, *kernel.Error) {
	var (
		img = l.img
		got = img.Section(KindGOT)
		plt = img.Section(KindPLT)
	)

	switch {
	case got == nil:
		return 0, 0, errNoGOT
	case plt == nil:
		return 0, 0, errNoPLT
	case r.Addr < got.Addr:
		return 0, 0, errRelocOutside
	}

	gotOff := uint64(r.Addr - got.Addr)
	if gotOff%gotEntrySize != 0 || gotOff+gotEntrySize > got.Size {
		kfmt.Printf("[loader] jump slot at 0x%x outside GOT\n", r.Addr)
		return 0, 0, errRelocOutside
	}

	var (
		gotIndex = gotOff / gotEntrySize
		gotValue = le.Uint64(img.data[got.Offset+gotOff:])
		pltOff   = gotValue - pltJumpInsSize - uint64(plt.Addr)
		pltIndex = pltOff / pltEntrySize
	)

	if pltOff%pltEntrySize != 0 || pltOff+pltEntrySize > plt.Size || pltIndex == 0 || pltIndex+gotReservedEntries != gotIndex {
		kfmt.Printf("[loader] jump slot %d does not point back into its PLT entry\n", gotIndex)
		return 0, 0, errSlotMismatch
	}

	disp := int64(int32(le.Uint32(img.data[plt.Offset+pltOff+pltJumpOpSize:])))
	if int64(plt.Addr)+int64(pltOff)+pltJumpInsSize+disp != int64(r.Addr) {
		kfmt.Printf("[loader] PLT entry %d does not jump through slot %d\n", pltIndex, gotIndex)
		return 0, 0, errSlotMismatch
	}

	prev := l.pltNames[pltIndex]
	if prev == 0 {
		kfmt.Printf("[loader] PLT entry %d bound to %s is never called\n", pltIndex, img.SymbolName(r.Symbol))
		return 0, 0, errSlotMismatch
	}
	if img.SymbolName(prev-1) != img.SymbolName(r.Symbol) {
		kfmt.Printf("[loader] PLT entry %d called as %s but bound to %s\n", pltIndex, img.SymbolName(prev-1), img.SymbolName(r.Symbol))
		return 0, 0, errSlotMismatch
	}

	if sym := &img.Symbols[r.Symbol]; !sym.IsExternal() && !l.publishes(sym) {
		kfmt.Printf("[loader] jump slot bound to unexported symbol %s\n", img.SymbolName(r.Symbol))
		return 0, 0, errUnresolvedSymbol
	}

	var (
		slotAddr  = l.starts[img.kindIndex[KindGOT]] + uintptr(gotOff)
		entryAddr = l.starts[img.kindIndex[KindPLT]] + uintptr(pltOff)
		newDisp   = int64(slotAddr) - int64(entryAddr) - pltJumpInsSize
	)
	if newDisp < math.MinInt32 || newDisp > math.MaxInt32 {
		return 0, 0, errRelocOverflow
	}

	return gotOff, pltOff, nil
}

// copySections zeroes the target regions and copies the contents of every
// laid-out section into place.
func (l *linker) copySections() {
	img := l.img
	for c := ClassCode; c < numClasses; c++ {
		kernel.Memset(l.bases[c], 0, uintptr(img.footprint[c]))
	}

	for i := range img.Sections {
		s := &img.Sections[i]
		if l.starts[i] == 0 || s.Size == 0 || s.Type == elf.SHT_NOBITS {
			continue
		}
		kernel.Memcopy(uintptr(unsafe.Pointer(&img.data[s.Offset])), l.starts[i], uintptr(s.Size))
	}
}

func (l *linker) applySymbolRelocs() *kernel.Error {
	for i := range l.img.SymbolRelocs {
		site, value, err := l.symbolReloc(&l.img.SymbolRelocs[i], false)
		if err != nil {
			return err
		}

		kernel.WriteUint32(site, value)
		if kernel.ReadUint32(site) != value {
			return errRelocVerify
		}
	}

	return nil
}

// updateAddresses records the load address of every section and symbol and
// switches symbol names over to the relocated string table.
func (l *linker) updateAddresses() {
	img := l.img

	for i := range img.Sections {
		img.Sections[i].LoadAddr = l.starts[i]
	}

	strs := img.Section(KindStrings)
	img.loadStrings = unsafe.Slice((*byte)(unsafe.Pointer(strs.LoadAddr)), strs.Size)

	for i := 1; i < len(img.Symbols); i++ {
		sym := &img.Symbols[i]
		if sym.Name.Table == FileStrings {
			sym.Name.Table = LoadedStrings
		}
		if addr, ok := l.loadAddr(sym); sym.Section != 0 && ok {
			sym.LoadAddr = addr
		}
	}
}

// publish adds the global functions defined by the image to the registry.
func (l *linker) publish() *kernel.Error {
	img := l.img
	for i := 1; i < len(img.Symbols); i++ {
		sym := &img.Symbols[i]
		if !l.publishes(sym) {
			continue
		}

		name := img.SymbolName(uint32(i))
		if existing, found := l.reg.Get(name); found {
			if existing != sym.LoadAddr {
				kfmt.Printf("[loader] duplicate symbol: %s\n", name)
				return errDuplicateSymbol
			}
			continue
		}

		if !l.reg.Put(name, sym.LoadAddr) {
			kfmt.Printf("[loader] no room for symbol: %s\n", name)
			return errRegistryFull
		}
	}

	return nil
}

// bindJumpSlots stores the resolved address of each jump-slot symbol into
// the relocated GOT and points the matching PLT entry at the relocated slot.
func (l *linker) bindJumpSlots() *kernel.Error {
	img := l.img
	for i := range img.PLTRelocs {
		r := &img.PLTRelocs[i]
		gotOff, pltOff, err := l.jumpSlot(r)
		if err != nil {
			return err
		}

		name := img.SymbolName(l.pltNames[pltOff/pltEntrySize] - 1)
		addr, found := l.reg.Get(name)
		if !found {
			kfmt.Printf("[loader] unresolved symbol: %s\n", name)
			return errUnresolvedSymbol
		}

		slotAddr := img.Section(KindGOT).LoadAddr + uintptr(gotOff)
		kernel.WriteUint64(slotAddr, uint64(addr))
		if kernel.ReadUint64(slotAddr) != uint64(addr) {
			return errRelocVerify
		}

		entryAddr := img.Section(KindPLT).LoadAddr + uintptr(pltOff)
		disp := uint32(int32(int64(slotAddr) - int64(entryAddr) - pltJumpInsSize))
		kernel.WriteUint32(entryAddr+pltJumpOpSize, disp)
		if kernel.ReadUint32(entryAddr+pltJumpOpSize) != disp {
			return errRelocVerify
		}
	}

	return nil
}
