package loader

import "github.com/mrf-git/alt-os/kernel"

const errModule = "loader"

// Format errors.
var (
	errBadMagic      = &kernel.Error{Module: errModule, Message: "bad magic"}
	errBadVersion    = &kernel.Error{Module: errModule, Message: "unsupported format version"}
	errBadClass      = &kernel.Error{Module: errModule, Message: "not a 64-bit image"}
	errBadEndianness = &kernel.Error{Module: errModule, Message: "not a little-endian image"}
	errBadType       = &kernel.Error{Module: errModule, Message: "not a shared object"}
	errBadMachine    = &kernel.Error{Module: errModule, Message: "unsupported machine"}
	errBadABI        = &kernel.Error{Module: errModule, Message: "image not built for alt-os"}
)

// Structural errors.
var (
	errTruncated         = &kernel.Error{Module: errModule, Message: "truncated image"}
	errBadEntrySize      = &kernel.Error{Module: errModule, Message: "bad table entry size"}
	errNoLoadSegment     = &kernel.Error{Module: errModule, Message: "missing loadable segment"}
	errNoDynamic         = &kernel.Error{Module: errModule, Message: "missing dynamic metadata"}
	errBadDynamicTag     = &kernel.Error{Module: errModule, Message: "unrecognized dynamic tag"}
	errUnsupportedPLTRel = &kernel.Error{Module: errModule, Message: "unsupported PLT relocation encoding"}
	errUnsupportedArrays = &kernel.Error{Module: errModule, Message: "init/fini arrays are not supported"}
	errNoSymbols         = &kernel.Error{Module: errModule, Message: "missing symbols"}
	errNoStrings         = &kernel.Error{Module: errModule, Message: "missing strings"}
	errNoGOT             = &kernel.Error{Module: errModule, Message: "missing GOT"}
	errNoSectionNames    = &kernel.Error{Module: errModule, Message: "missing section name table"}
	errUnhandledSection  = &kernel.Error{Module: errModule, Message: "unhandled section"}
	errDuplicateSection  = &kernel.Error{Module: errModule, Message: "duplicate section"}
	errBadAlignment      = &kernel.Error{Module: errModule, Message: "section alignment is not a power of 2"}
	errNoCode            = &kernel.Error{Module: errModule, Message: "missing code section"}
	errNoSymbolTable     = &kernel.Error{Module: errModule, Message: "missing symbol table"}
	errNoRelocTable      = &kernel.Error{Module: errModule, Message: "missing relocation table"}
	errNoPLTRelocTable   = &kernel.Error{Module: errModule, Message: "missing PLT relocation table"}
	errBadSymbolNames    = &kernel.Error{Module: errModule, Message: "symbol names outside string table"}
	errBadName           = &kernel.Error{Module: errModule, Message: "name outside string table"}
	errBadSymbol         = &kernel.Error{Module: errModule, Message: "unsupported symbol binding or type"}
	errUnnamedSymbol     = &kernel.Error{Module: errModule, Message: "unnamed symbol"}
	errOrphanSymbol      = &kernel.Error{Module: errModule, Message: "symbol without owning section"}
	errBadRelocSymbol    = &kernel.Error{Module: errModule, Message: "relocation references unknown symbol"}
	errUnsupportedReloc  = &kernel.Error{Module: errModule, Message: "unsupported relocation kind"}
	errBadPLTReloc       = &kernel.Error{Module: errModule, Message: "PLT relocation is not a jump slot"}
)

// Consistency errors.
var (
	errPLTGOTMismatch   = &kernel.Error{Module: errModule, Message: "PLT and GOT entry counts disagree"}
	errUnresolvedSymbol = &kernel.Error{Module: errModule, Message: "unresolved external symbol"}
	errBadBase          = &kernel.Error{Module: errModule, Message: "bad target address"}
	errOverlap          = &kernel.Error{Module: errModule, Message: "memory classes overlap"}
	errLayoutOverflow   = &kernel.Error{Module: errModule, Message: "section layout exceeds class size"}
	errRelocOutside     = &kernel.Error{Module: errModule, Message: "relocation site outside its section"}
	errRelocMismatch    = &kernel.Error{Module: errModule, Message: "relocation does not match symbol address"}
	errBadRelocTarget   = &kernel.Error{Module: errModule, Message: "relocation target in unsupported section"}
	errRelocOverflow    = &kernel.Error{Module: errModule, Message: "relocated value does not fit its field"}
	errRelocVerify      = &kernel.Error{Module: errModule, Message: "relocated value failed verification"}
	errNoPLT            = &kernel.Error{Module: errModule, Message: "missing PLT"}
	errPLTTarget        = &kernel.Error{Module: errModule, Message: "call does not target a PLT entry"}
	errPLTSlotConflict  = &kernel.Error{Module: errModule, Message: "PLT entry called for different symbols"}
	errSlotMismatch     = &kernel.Error{Module: errModule, Message: "jump slot does not match its PLT entry"}
	errSymbolOutside    = &kernel.Error{Module: errModule, Message: "symbol outside its section"}
	errDuplicateSymbol  = &kernel.Error{Module: errModule, Message: "duplicate symbol"}
	errRegistryFull     = &kernel.Error{Module: errModule, Message: "symbol registry full"}
)
