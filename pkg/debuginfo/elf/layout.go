package elf

import (
	"debug/elf"
	"errors"
)

var ErrBaseNotFound = errors.New("elf base not found")

// Mapping is a file-backed memory mapping of an ELF file: [Start, End) in the
// process address space maps the file starting at Offset.
type Mapping struct {
	Start  uint64
	End    uint64
	Offset uint64
}

// LoadBias returns the difference between runtime addresses inside m and the
// file's linked addresses: runtimeAddr = fileAddr + bias.
//
// Executables (ET_EXEC) are loaded at their linked addresses. Everything else
// is located through the loadable segment whose file range the mapping covers,
// preferring executable segments.
func (f *File) LoadBias(m Mapping) (uint64, error) {
	if f.Type == elf.ET_EXEC {
		return 0, nil
	}
	var fallback *elf.ProgHeader
	for i := range f.Progs {
		prog := &f.Progs[i]
		if prog.Type != elf.PT_LOAD || !coversSegment(m, prog) {
			continue
		}
		if prog.Flags&elf.PF_X != 0 {
			return dynamicBase(m, prog), nil
		}
		if fallback == nil {
			fallback = prog
		}
	}
	if fallback != nil {
		return dynamicBase(m, fallback), nil
	}
	return 0, ErrBaseNotFound
}

func coversSegment(m Mapping, prog *elf.ProgHeader) bool {
	if m.End <= m.Start {
		return false
	}
	size := m.End - m.Start
	segEnd := prog.Off + prog.Filesz
	if prog.Filesz == 0 {
		segEnd = prog.Off + 1
	}
	return m.Offset < segEnd && prog.Off < m.Offset+size
}

func dynamicBase(m Mapping, prog *elf.ProgHeader) uint64 {
	return m.Start - m.Offset - (prog.Vaddr - prog.Off)
}
