package elf

import (
	"bytes"
	"debug/dwarf"
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/grafana/jitsym/pkg/object"
)

var (
	ErrNoSymbols           = errors.New("no symbols")
	ErrNoExecutableSection = errors.New("no executable section")
)

// ElfSymbolReader reads symbol names out of string tables. It is satisfied by
// File, and lets a symbol table read names from a file other than the one it
// was built from (MiniDebugInfo).
type ElfSymbolReader interface {
	getString(start int, demangle DemangleStyle) (string, bool)
}

// File is an ELF image whose headers are kept in memory while section data
// and strings are read on demand through an io.ReaderAt.
//
// Reads are safe for concurrent use.
type File struct {
	elf.FileHeader
	Sections []elf.SectionHeader
	Progs    []elf.ProgHeader

	ef          *elf.File
	reader      io.ReaderAt
	closer      io.Closer
	fpath       string
	stringCache *xsync.MapOf[int, string]
}

// NewFile parses the ELF headers available through r.
func NewFile(r io.ReaderAt) (*File, error) {
	res := &File{
		reader:      r,
		stringCache: xsync.NewMapOf[int, string](),
	}
	elfFile, err := elf.NewFile(r)
	if err != nil {
		return nil, err
	}
	progs := make([]elf.ProgHeader, 0, len(elfFile.Progs))
	sections := make([]elf.SectionHeader, 0, len(elfFile.Sections))
	for i := range elfFile.Progs {
		progs = append(progs, elfFile.Progs[i].ProgHeader)
	}
	for i := range elfFile.Sections {
		sections = append(sections, elfFile.Sections[i].SectionHeader)
	}
	res.ef = elfFile
	res.FileHeader = elfFile.FileHeader
	res.Progs = progs
	res.Sections = sections
	return res, nil
}

// Open opens the ELF file at path. The file stays open until Close.
func Open(path string) (*File, error) {
	fd, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	res, err := NewFile(fd)
	if err != nil {
		_ = fd.Close()
		return nil, fmt.Errorf("parse elf %s: %w", path, err)
	}
	if res.Type == elf.ET_REL {
		_ = fd.Close()
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if res, err = OpenBytes(data); err != nil {
			return nil, fmt.Errorf("parse elf %s: %w", path, err)
		}
		res.fpath = path
		return res, nil
	}
	res.closer = fd
	res.fpath = path
	return res, nil
}

// OpenBytes parses an ELF image held in memory, such as a JIT-emitted object.
// Sections of a relocatable object are given distinct file addresses.
func OpenBytes(data []byte) (*File, error) {
	f, err := NewFile(bytes.NewReader(data))
	if err != nil || f.Type != elf.ET_REL {
		return f, err
	}
	laid, err := layoutRelocatable(f, data)
	if err != nil {
		return nil, fmt.Errorf("lay out relocatable object: %w", err)
	}
	return NewFile(bytes.NewReader(laid))
}

func (f *File) FilePath() string {
	return f.fpath
}

func (f *File) Close() error {
	if f.closer == nil {
		return nil
	}
	err := f.closer.Close()
	f.closer = nil
	return err
}

// DWARF returns the DWARF data of the file, decompressing sections as needed.
func (f *File) DWARF() (*dwarf.Data, error) {
	return f.ef.DWARF()
}

// ELF returns the parsed standard library view of the file.
func (f *File) ELF() *elf.File {
	return f.ef
}

func (f *File) Section(name string) *elf.SectionHeader {
	for i := range f.Sections {
		s := &f.Sections[i]
		if s.Name == name {
			return s
		}
	}
	return nil
}

func (f *File) sectionIndexByType(typ elf.SectionType) int {
	for i := range f.Sections {
		if f.Sections[i].Type == typ {
			return i
		}
	}
	return -1
}

func (f *File) SectionData(s *elf.SectionHeader) ([]byte, error) {
	if s.Type == elf.SHT_NOBITS {
		return nil, fmt.Errorf("section %s has no data", s.Name)
	}
	res := make([]byte, s.Size)
	if _, err := f.reader.ReadAt(res, int64(s.Offset)); err != nil {
		return nil, err
	}
	return res, nil
}

// SectionRef describes section i in object terms.
func (f *File) SectionRef(i int) object.SectionRef {
	s := &f.Sections[i]
	return object.SectionRef{
		Index:      uint64(i),
		Name:       s.Name,
		Address:    s.Addr,
		Size:       s.Size,
		Executable: s.Flags&elf.SHF_EXECINSTR != 0,
	}
}

// FindSection returns the allocated section containing the file address
// addr, preferring executable sections when sections overlap.
func (f *File) FindSection(addr uint64) (object.SectionRef, bool) {
	found := -1
	for i := range f.Sections {
		s := &f.Sections[i]
		if s.Flags&elf.SHF_ALLOC == 0 || s.Size == 0 {
			continue
		}
		if addr < s.Addr || addr-s.Addr >= s.Size {
			continue
		}
		if s.Flags&elf.SHF_EXECINSTR != 0 {
			return f.SectionRef(i), true
		}
		if found == -1 {
			found = i
		}
	}
	if found == -1 {
		return object.SectionRef{}, false
	}
	return f.SectionRef(found), true
}

// ExecutableSections returns all allocated executable sections.
func (f *File) ExecutableSections() []object.SectionRef {
	var res []object.SectionRef
	for i := range f.Sections {
		s := &f.Sections[i]
		if s.Flags&elf.SHF_ALLOC != 0 && s.Flags&elf.SHF_EXECINSTR != 0 && s.Size > 0 {
			res = append(res, f.SectionRef(i))
		}
	}
	return res
}

// getString extracts a string from an ELF string table.
func (f *File) getString(start int, demangle DemangleStyle) (string, bool) {
	if s, ok := f.stringCache.Load(start); ok {
		return s, true
	}
	const tmpBufSize = 128
	var tmpBuf [tmpBufSize]byte
	sb := strings.Builder{}
	for i := 0; i < 10; i++ {
		n, err := f.reader.ReadAt(tmpBuf[:], int64(start+i*tmpBufSize))
		if n == 0 && err != nil {
			return "", false
		}
		idx := bytes.IndexByte(tmpBuf[:n], 0)
		if idx >= 0 {
			sb.Write(tmpBuf[:idx])
			s := demangle.Demangle(sb.String())
			f.stringCache.Store(start, s)
			return s, true
		}
		if err != nil {
			return "", false
		}
		sb.Write(tmpBuf[:n])
	}
	return "", false
}

func cString(bs []byte) string {
	i := bytes.IndexByte(bs, 0)
	if i == -1 {
		return string(bs)
	}
	return string(bs[:i])
}
