package elf

import (
	"bytes"
	"cmp"
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/ulikunitz/xz"
)

// symbols from .symtab, .dynsym

type Symbol struct {
	Name  string
	Start uint64
	Size  uint64
}

// Contains reports whether addr lies inside the symbol. Symbols of unknown
// size contain every address at or after their start.
func (s Symbol) Contains(addr uint64) bool {
	if addr < s.Start {
		return false
	}
	return s.Size == 0 || addr-s.Start < s.Size
}

type SymbolIndex struct {
	Name  Name
	Value uint64
	Size  uint64
}

type SectionLinkIndex uint8

var sectionTypeSym SectionLinkIndex = 0
var sectionTypeDynSym SectionLinkIndex = 1

// Name packs a string table offset and the symbol table it belongs to.
type Name uint32

func NewName(NameIndex uint32, linkIndex SectionLinkIndex) Name {
	return Name((NameIndex & 0x7fffffff) | uint32(linkIndex)<<31)
}

func (n *Name) NameIndex() uint32 {
	return uint32(*n) & 0x7fffffff
}

func (n *Name) LinkIndex() SectionLinkIndex {
	return SectionLinkIndex(*n >> 31)
}

type FlatSymbolIndex struct {
	Links  []elf.SectionHeader
	Names  []Name
	Sizes  []uint64
	Values PCIndex
}

type SymbolsOptions struct {
	Demangle DemangleStyle
}

// SymbolTable resolves file addresses to function symbols. Names are read
// lazily from the string tables of SymReader.
type SymbolTable struct {
	Index     FlatSymbolIndex
	File      *File
	SymReader ElfSymbolReader

	hasSection map[elf.SectionType]bool
	demangle   DemangleStyle
}

func (st *SymbolTable) Size() int {
	return len(st.Index.Names)
}

func (st *SymbolTable) HasSection(typ elf.SectionType) bool {
	return st.hasSection[typ]
}

func (st *SymbolTable) MiniDebugInfo() bool {
	return st.File != st.SymReader
}

// Lookup returns the function symbol containing the file address addr.
func (st *SymbolTable) Lookup(addr uint64) (Symbol, bool) {
	if len(st.Index.Names) == 0 {
		return Symbol{}, false
	}
	i := st.Index.Values.FindIndex(addr)
	if i == -1 {
		return Symbol{}, false
	}
	// symbols sharing a start address: prefer one with a known size
	for j := i; j < len(st.Index.Names) && st.Index.Values.Get(j) == st.Index.Values.Get(i); j++ {
		if st.Index.Sizes[j] != 0 {
			i = j
			break
		}
	}
	sym := Symbol{Start: st.Index.Values.Get(i), Size: st.Index.Sizes[i]}
	if !sym.Contains(addr) {
		return Symbol{}, false
	}
	name, err := st.symbolName(i)
	if err != nil {
		return Symbol{}, false
	}
	sym.Name = name
	return sym, true
}

// LookupName returns the lowest addressed symbol called name.
func (st *SymbolTable) LookupName(name string) (Symbol, bool) {
	for i := range st.Index.Names {
		if s, err := st.symbolName(i); err == nil && s == name {
			return Symbol{Name: s, Start: st.Index.Values.Get(i), Size: st.Index.Sizes[i]}, true
		}
	}
	return Symbol{}, false
}

func (st *SymbolTable) symbolName(idx int) (string, error) {
	linkIndex := st.Index.Names[idx].LinkIndex()
	sectionHeaderLink := &st.Index.Links[linkIndex]
	nameIndex := st.Index.Names[idx].NameIndex()
	s, ok := st.SymReader.getString(int(nameIndex)+int(sectionHeaderLink.Offset), st.demangle)
	if !ok {
		return "", fmt.Errorf("elf getString")
	}
	return s, nil
}

// NewSymbolTable indexes the function symbols of .symtab and .dynsym.
func (f *File) NewSymbolTable(opt *SymbolsOptions) (*SymbolTable, error) {
	return f.newSymbolTable(opt, f, f)
}

// NewMiniDebugInfoSymbolTable indexes the symbols of the xz compressed ELF
// embedded in .gnu_debugdata.
func (f *File) NewMiniDebugInfoSymbolTable(opt *SymbolsOptions) (*SymbolTable, error) {
	miniDebugSection := f.Section(".gnu_debugdata")
	if miniDebugSection == nil {
		return nil, ErrNoSymbols
	}
	data, err := f.SectionData(miniDebugSection)
	if err != nil {
		return nil, err
	}
	reader, err := xz.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("open .gnu_debugdata: %w", err)
	}
	var uncompressed bytes.Buffer
	if _, err = io.Copy(&uncompressed, reader); err != nil {
		return nil, fmt.Errorf("decompress .gnu_debugdata: %w", err)
	}
	miniDebugElf, err := NewFile(bytes.NewReader(uncompressed.Bytes()))
	if err != nil {
		return nil, fmt.Errorf("parse .gnu_debugdata: %w", err)
	}
	return miniDebugElf.newSymbolTable(opt, miniDebugElf, f)
}

func (f *File) newSymbolTable(opt *SymbolsOptions, symReader ElfSymbolReader, file *File) (*SymbolTable, error) {
	if opt == nil {
		opt = &SymbolsOptions{}
	}
	sym, sectionSym, err := f.getSymbols(elf.SHT_SYMTAB, sectionTypeSym)
	if err != nil && !errors.Is(err, ErrNoSymbols) {
		return nil, err
	}
	dynsym, sectionDynSym, err := f.getSymbols(elf.SHT_DYNSYM, sectionTypeDynSym)
	if err != nil && !errors.Is(err, ErrNoSymbols) {
		return nil, err
	}
	total := len(dynsym) + len(sym)
	if total == 0 {
		return nil, ErrNoSymbols
	}
	all := make([]SymbolIndex, 0, total)
	all = append(all, sym...)
	all = append(all, dynsym...)

	slices.SortFunc(all, func(a, b SymbolIndex) int {
		if c := cmp.Compare(a.Value, b.Value); c != 0 {
			return c
		}
		return cmp.Compare(a.Name, b.Name)
	})

	res := &SymbolTable{
		Index: FlatSymbolIndex{
			Links: []elf.SectionHeader{
				f.Sections[sectionSym],    // sectionTypeSym
				f.Sections[sectionDynSym], // sectionTypeDynSym
			},
			Names:  make([]Name, total),
			Sizes:  make([]uint64, total),
			Values: NewPCIndex(total),
		},
		hasSection: map[elf.SectionType]bool{
			elf.SHT_SYMTAB: len(sym) > 0,
			elf.SHT_DYNSYM: len(dynsym) > 0,
		},
		File:      file,
		SymReader: symReader,
		demangle:  opt.Demangle,
	}
	for i := range all {
		res.Index.Names[i] = all[i].Name
		res.Index.Sizes[i] = all[i].Size
		res.Index.Values.Set(i, all[i].Value)
	}
	return res, nil
}

// getSymbols reads the defined function symbols of the first section of type
// typ. It returns them with the index of the linked string table section.
func (f *File) getSymbols(typ elf.SectionType, linkIndex SectionLinkIndex) ([]SymbolIndex, int, error) {
	i := f.sectionIndexByType(typ)
	if i == -1 {
		return nil, 0, ErrNoSymbols
	}
	section := &f.Sections[i]
	link := int(section.Link)
	if link <= 0 || link >= len(f.Sections) {
		return nil, 0, fmt.Errorf("symbol section %s has invalid string table link %d", section.Name, link)
	}
	if section.Size == 0 {
		return nil, link, ErrNoSymbols
	}
	data, err := f.SectionData(section)
	if err != nil {
		return nil, 0, fmt.Errorf("read %s: %w", section.Name, err)
	}

	var symSize int
	switch f.Class {
	case elf.ELFCLASS64:
		symSize = elf.Sym64Size
	case elf.ELFCLASS32:
		symSize = elf.Sym32Size
	default:
		return nil, 0, fmt.Errorf("unsupported elf class %v", f.Class)
	}
	if len(data)%symSize != 0 {
		return nil, 0, fmt.Errorf("%s size %d is not a multiple of %d", section.Name, len(data), symSize)
	}

	bo := f.ByteOrder
	n := len(data) / symSize
	res := make([]SymbolIndex, 0, n)
	// entry 0 is the undefined symbol
	for j := 1; j < n; j++ {
		b := data[j*symSize : (j+1)*symSize]
		var (
			name        uint32
			info        byte
			shndx       uint16
			value, size uint64
		)
		if f.Class == elf.ELFCLASS64 {
			name = bo.Uint32(b[0:4])
			info = b[4]
			shndx = bo.Uint16(b[6:8])
			value = bo.Uint64(b[8:16])
			size = bo.Uint64(b[16:24])
		} else {
			name = bo.Uint32(b[0:4])
			value = uint64(bo.Uint32(b[4:8]))
			size = uint64(bo.Uint32(b[8:12]))
			info = b[12]
			shndx = bo.Uint16(b[14:16])
		}
		if elf.SectionIndex(shndx) == elf.SHN_UNDEF || elf.ST_TYPE(info) != elf.STT_FUNC {
			continue
		}
		if value == 0 {
			continue
		}
		res = append(res, SymbolIndex{
			Name:  NewName(name, linkIndex),
			Value: value,
			Size:  size,
		})
	}
	if len(res) == 0 {
		return nil, link, ErrNoSymbols
	}
	return res, link, nil
}

// HasSymbol reports whether the file defines any of names, looking at the
// dynamic symbol table first and the static one after.
func (f *File) HasSymbol(names ...string) bool {
	if len(names) == 0 {
		return false
	}
	defines := func(syms []elf.Symbol, err error) bool {
		if err != nil {
			return false
		}
		for _, s := range syms {
			if s.Section != elf.SHN_UNDEF && slices.Contains(names, s.Name) {
				return true
			}
		}
		return false
	}
	return defines(f.ef.DynamicSymbols()) || defines(f.ef.Symbols())
}
