package loader

import (
	"debug/elf"
	"encoding/binary"
)

// On-disk sizes of the structures decoded below.
const (
	headerSize  = 64
	progSize    = 56
	sectionSize = 64
	symSize     = 24
	relaSize    = 24
	dynSize     = 16
)

var le = binary.LittleEndian

// The decoders below read fields one at a time instead of going through
// binary.Read, which would allocate.

func decodeHeader(b []byte) (h elf.Header64) {
	copy(h.Ident[:], b[:elf.EI_NIDENT])
	h.Type = le.Uint16(b[16:])
	h.Machine = le.Uint16(b[18:])
	h.Version = le.Uint32(b[20:])
	h.Entry = le.Uint64(b[24:])
	h.Phoff = le.Uint64(b[32:])
	h.Shoff = le.Uint64(b[40:])
	h.Flags = le.Uint32(b[48:])
	h.Ehsize = le.Uint16(b[52:])
	h.Phentsize = le.Uint16(b[54:])
	h.Phnum = le.Uint16(b[56:])
	h.Shentsize = le.Uint16(b[58:])
	h.Shnum = le.Uint16(b[60:])
	h.Shstrndx = le.Uint16(b[62:])
	return h
}

func decodeProg(b []byte) (p elf.Prog64) {
	p.Type = le.Uint32(b[0:])
	p.Flags = le.Uint32(b[4:])
	p.Off = le.Uint64(b[8:])
	p.Vaddr = le.Uint64(b[16:])
	p.Paddr = le.Uint64(b[24:])
	p.Filesz = le.Uint64(b[32:])
	p.Memsz = le.Uint64(b[40:])
	p.Align = le.Uint64(b[48:])
	return p
}

func decodeSection(b []byte) (s elf.Section64) {
	s.Name = le.Uint32(b[0:])
	s.Type = le.Uint32(b[4:])
	s.Flags = le.Uint64(b[8:])
	s.Addr = le.Uint64(b[16:])
	s.Off = le.Uint64(b[24:])
	s.Size = le.Uint64(b[32:])
	s.Link = le.Uint32(b[40:])
	s.Info = le.Uint32(b[44:])
	s.Addralign = le.Uint64(b[48:])
	s.Entsize = le.Uint64(b[56:])
	return s
}

func decodeSym(b []byte) (s elf.Sym64) {
	s.Name = le.Uint32(b[0:])
	s.Info = b[4]
	s.Other = b[5]
	s.Shndx = le.Uint16(b[6:])
	s.Value = le.Uint64(b[8:])
	s.Size = le.Uint64(b[16:])
	return s
}

func decodeRela(b []byte) (r elf.Rela64) {
	r.Off = le.Uint64(b[0:])
	r.Info = le.Uint64(b[8:])
	r.Addend = int64(le.Uint64(b[16:]))
	return r
}

func decodeDyn(b []byte) (d elf.Dyn64) {
	d.Tag = int64(le.Uint64(b[0:]))
	d.Val = le.Uint64(b[8:])
	return d
}

// fileRange returns data[off:off+size] or false if the range does not fit.
func fileRange(data []byte, off, size uint64) ([]byte, bool) {
	if off > uint64(len(data)) || size > uint64(len(data))-off {
		return nil, false
	}
	return data[off : off+size], true
}
