package elf

import (
	"bytes"
	"debug/elf"
	"errors"
	"fmt"
)

var errTruncatedHeader = errors.New("truncated elf header")

// relocatableBase is the file address the first section of a relocatable
// object is laid out at.
const relocatableBase = 0x10000

// layoutRelocatable returns a copy of the relocatable object data in which
// every allocated section has its own file address and defined symbols hold
// absolute values. The standard library resolves DWARF relocations against
// those symbol values, so sections, symbols and line tables end up in one
// address space where two code sections never overlap.
func layoutRelocatable(f *File, data []byte) ([]byte, error) {
	var (
		bo                    = f.ByteOrder
		shoff                 uint64
		shentsize             uint64
		addrOff, symSize      int
		symValueOff, symShndx int
	)
	switch f.Class {
	case elf.ELFCLASS64:
		if len(data) < 0x40 {
			return nil, errTruncatedHeader
		}
		shoff = bo.Uint64(data[0x28:])
		shentsize = uint64(bo.Uint16(data[0x3a:]))
		addrOff, symSize, symValueOff, symShndx = 16, elf.Sym64Size, 8, 6
	case elf.ELFCLASS32:
		if len(data) < 0x34 {
			return nil, errTruncatedHeader
		}
		shoff = uint64(bo.Uint32(data[0x20:]))
		shentsize = uint64(bo.Uint16(data[0x2e:]))
		addrOff, symSize, symValueOff, symShndx = 12, elf.Sym32Size, 4, 14
	default:
		return nil, fmt.Errorf("unsupported elf class %v", f.Class)
	}

	out := bytes.Clone(data)
	putAddr := func(b []byte, v uint64) {
		if f.Class == elf.ELFCLASS64 {
			bo.PutUint64(b, v)
		} else {
			bo.PutUint32(b, uint32(v))
		}
	}
	getAddr := func(b []byte) uint64 {
		if f.Class == elf.ELFCLASS64 {
			return bo.Uint64(b)
		}
		return uint64(bo.Uint32(b))
	}
	addrSize := uint64(4)
	if f.Class == elf.ELFCLASS64 {
		addrSize = 8
	}

	bases := make([]uint64, len(f.Sections))
	next := uint64(relocatableBase)
	for i := range f.Sections {
		s := &f.Sections[i]
		if s.Flags&elf.SHF_ALLOC == 0 || s.Size == 0 {
			continue
		}
		align := max(s.Addralign, 1)
		next = (next + align - 1) / align * align
		off := shoff + uint64(i)*shentsize + uint64(addrOff)
		if off+addrSize > uint64(len(out)) {
			return nil, fmt.Errorf("section header %d out of bounds", i)
		}
		putAddr(out[off:], next)
		bases[i] = next
		next += s.Size
	}

	for i := range f.Sections {
		s := &f.Sections[i]
		if s.Type != elf.SHT_SYMTAB {
			continue
		}
		end := s.Offset + s.Size
		if end > uint64(len(out)) {
			return nil, fmt.Errorf("symbol section %s out of bounds", s.Name)
		}
		// entry 0 is the undefined symbol
		for off := s.Offset + uint64(symSize); off+uint64(symSize) <= end; off += uint64(symSize) {
			sym := out[off : off+uint64(symSize)]
			shndx := int(bo.Uint16(sym[symShndx:]))
			if shndx >= len(bases) || bases[shndx] == 0 {
				continue
			}
			putAddr(sym[symValueOff:], getAddr(sym[symValueOff:])+bases[shndx])
		}
	}
	return out, nil
}
