package elf

import (
	"debug/elf"
	"errors"
	"fmt"
	"hash/crc32"
	"path"

	"github.com/spf13/afero"
)

// DefaultDebugDirectory is the global debug directory searched for separate
// debug files.
const DefaultDebugDirectory = "/usr/lib/debug"

// DebugFileFinder locates separate debug files for an ELF file. Paths are
// resolved inside RootFS, e.g. /proc/<pid>/root for another mount namespace.
//
// See https://sourceware.org/gdb/onlinedocs/gdb/Separate-Debug-Files.html
type DebugFileFinder struct {
	RootFS      string
	Directories []string
	// Fs defaults to the OS filesystem.
	Fs afero.Fs
}

func (d DebugFileFinder) fs() afero.Fs {
	if d.Fs == nil {
		return afero.NewOsFs()
	}
	return d.Fs
}

func (d DebugFileFinder) directories() []string {
	if len(d.Directories) == 0 {
		return []string{DefaultDebugDirectory}
	}
	return d.Directories
}

func (d DebugFileFinder) exists(p string) bool {
	_, err := d.fs().Stat(path.Join(d.RootFS, p))
	return err == nil
}

// Find returns the path (relative to RootFS) of the debug file for the ELF
// file elfFilePath, or "" when there is none. For /usr/bin/ls with build ID
// abcdef1234 and debug link ls.debug the candidates are, in order:
//
//   - /usr/lib/debug/.build-id/ab/cdef1234.debug
//   - /usr/bin/ls.debug
//   - /usr/bin/.debug/ls.debug
//   - /usr/lib/debug/usr/bin/ls.debug
func (d DebugFileFinder) Find(elfFilePath string, buildID BuildID, elfFile *File) string {
	if f := d.findWithBuildID(buildID); f != "" {
		return f
	}
	return d.findWithDebugLink(elfFilePath, elfFile)
}

func (d DebugFileFinder) findWithBuildID(buildID BuildID) string {
	for _, dir := range d.directories() {
		debugFile, ok := buildID.DebugFilePath(dir)
		if !ok {
			return ""
		}
		if d.exists(debugFile) {
			return debugFile
		}
	}
	return ""
}

// Open parses the debug file p returned by Find. Debug files stored gzip or
// zstd compressed are decompressed into memory.
func (d DebugFileFinder) Open(p string) (*File, error) {
	full := path.Join(d.RootFS, p)
	if _, ok := d.fs().(*afero.OsFs); ok {
		f, err := Open(full)
		var formatErr *elf.FormatError
		if err == nil || !errors.As(err, &formatErr) {
			return f, err
		}
	}
	fd, err := d.fs().Open(full)
	if err != nil {
		return nil, err
	}
	defer fd.Close()
	f, err := OpenCompressed(fd)
	if err != nil {
		return nil, fmt.Errorf("parse debug file %s: %w", full, err)
	}
	f.fpath = full
	return f, nil
}

func (d DebugFileFinder) findWithDebugLink(elfFilePath string, elfFile *File) string {
	debugLink, crc, ok := elfFile.DebugLink()
	if !ok {
		return ""
	}
	candidates := []string{
		path.Join(path.Dir(elfFilePath), debugLink),
		path.Join(path.Dir(elfFilePath), ".debug", debugLink),
	}
	for _, dir := range d.directories() {
		candidates = append(candidates, path.Join(dir, path.Dir(elfFilePath), debugLink))
	}
	for _, c := range candidates {
		if c == elfFilePath || !d.exists(c) {
			continue
		}
		if crc != 0 && !d.crcMatches(c, crc) {
			continue
		}
		return c
	}
	return ""
}

func (d DebugFileFinder) crcMatches(p string, crc uint32) bool {
	data, err := afero.ReadFile(d.fs(), path.Join(d.RootFS, p))
	if err != nil {
		return false
	}
	return crc32.ChecksumIEEE(data) == crc
}

// DebugLink returns the file name and CRC stored in .gnu_debuglink.
func (f *File) DebugLink() (string, uint32, bool) {
	debugLinkSection := f.Section(".gnu_debuglink")
	if debugLinkSection == nil {
		return "", 0, false
	}
	data, err := f.SectionData(debugLinkSection)
	if err != nil || len(data) < 6 {
		return "", 0, false
	}
	link := cString(data)
	if link == "" {
		return "", 0, false
	}
	crc := f.ByteOrder.Uint32(data[len(data)-4:])
	return link, crc, true
}
