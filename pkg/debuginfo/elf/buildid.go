package elf

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"path"
	"strings"
)

// BuildID identifies the contents of a linked file. Typ is "gnu" for
// NT_GNU_BUILD_ID notes and "go" for the Go toolchain's note.
type BuildID struct {
	ID  string
	Typ string
}

func GNUBuildID(s string) BuildID {
	return BuildID{ID: s, Typ: "gnu"}
}

func GoBuildID(s string) BuildID {
	return BuildID{ID: s, Typ: "go"}
}

func (b BuildID) Empty() bool {
	return b.ID == "" || b.Typ == ""
}

func (b BuildID) GNU() bool {
	return b.Typ == "gnu"
}

func (b BuildID) String() string {
	if b.Empty() {
		return ""
	}
	return b.Typ + ":" + b.ID
}

// DebugFilePath returns where dir keeps the debug file of a GNU build ID,
// dir/.build-id/ab/cdef.debug for abcdef.
func (b BuildID) DebugFilePath(dir string) (string, bool) {
	if !b.GNU() || len(b.ID) < 3 {
		return "", false
	}
	return path.Join(dir, ".build-id", b.ID[:2], b.ID[2:]+".debug"), true
}

var ErrNoBuildID = errors.New("build ID not found")

const (
	noteGNUBuildID = 3
	noteGoBuildID  = 4
)

type note struct {
	name string
	typ  uint32
	desc []byte
}

// BuildID returns the GNU build ID of the file, falling back to the Go
// build ID. Notes are read from note sections, or from PT_NOTE segments
// when the section headers are stripped.
func (f *File) BuildID() (BuildID, error) {
	notes, err := f.notes()
	if err != nil {
		return BuildID{}, err
	}
	var goID BuildID
	for _, n := range notes {
		switch {
		case n.name == "GNU" && n.typ == noteGNUBuildID:
			// 8 byte IDs are xxhash, e.g. in Container-Optimized OS
			if len(n.desc) != 20 && len(n.desc) != 8 {
				continue
			}
			return GNUBuildID(hex.EncodeToString(n.desc)), nil
		case n.name == "Go" && n.typ == noteGoBuildID && goID.Empty():
			id := string(bytes.TrimRight(n.desc, "\x00"))
			if id == "redacted" || len(id) < 40 || strings.Count(id, "/") < 2 {
				continue
			}
			goID = GoBuildID(id)
		}
	}
	if !goID.Empty() {
		return goID, nil
	}
	return BuildID{}, ErrNoBuildID
}

func (f *File) notes() ([]note, error) {
	var res []note
	for i := range f.Sections {
		s := &f.Sections[i]
		if s.Type != elf.SHT_NOTE {
			continue
		}
		data, err := f.SectionData(s)
		if err != nil {
			return nil, err
		}
		res = append(res, parseNotes(data, f.ByteOrder)...)
	}
	if len(res) > 0 {
		return res, nil
	}
	for i := range f.Progs {
		p := &f.Progs[i]
		if p.Type != elf.PT_NOTE || p.Filesz == 0 {
			continue
		}
		data := make([]byte, p.Filesz)
		if _, err := f.reader.ReadAt(data, int64(p.Off)); err != nil {
			return nil, err
		}
		res = append(res, parseNotes(data, f.ByteOrder)...)
	}
	return res, nil
}

// parseNotes decodes the notes of a note section or segment. Name and
// descriptor are padded to 4 bytes. A truncated note ends the list.
func parseNotes(data []byte, bo binary.ByteOrder) []note {
	var res []note
	for len(data) >= 12 {
		namesz := uint64(bo.Uint32(data[0:4]))
		descsz := uint64(bo.Uint32(data[4:8]))
		typ := bo.Uint32(data[8:12])
		data = data[12:]
		nameEnd := align4(namesz)
		descEnd := nameEnd + align4(descsz)
		if descEnd > uint64(len(data)) {
			break
		}
		res = append(res, note{
			name: string(bytes.TrimRight(data[:namesz], "\x00")),
			typ:  typ,
			desc: data[nameEnd : nameEnd+descsz],
		})
		data = data[descEnd:]
	}
	return res
}

func align4(n uint64) uint64 {
	return (n + 3) &^ 3
}
