// Package object describes sections of loaded object files and addresses
// qualified by the section that contains them.
package object

import "fmt"

// UndefSection is the section index of an address that is not attributed to
// any section.
const UndefSection = ^uint64(0)

// SectionRef identifies a section of an object file. Address and Size are in
// the object file's own (linked) address space.
type SectionRef struct {
	Index      uint64
	Name       string
	Address    uint64
	Size       uint64
	Executable bool
}

// Contains reports whether the file address addr lies inside the section.
func (s SectionRef) Contains(addr uint64) bool {
	return addr >= s.Address && addr-s.Address < s.Size
}

// End returns the first file address past the section.
func (s SectionRef) End() uint64 {
	return s.Address + s.Size
}

func (s SectionRef) IsZero() bool {
	return s == SectionRef{}
}

func (s SectionRef) String() string {
	if s.IsZero() {
		return "<no section>"
	}
	return fmt.Sprintf("%s[%d]@0x%x+0x%x", s.Name, s.Index, s.Address, s.Size)
}

// SectionedAddress pairs an address with the index of the section containing
// it, so that equal addresses in different loaded objects stay distinct.
type SectionedAddress struct {
	Address      uint64
	SectionIndex uint64
}

// MakeAddress qualifies address with the index of section.
func MakeAddress(section SectionRef, address uint64) SectionedAddress {
	return SectionedAddress{Address: address, SectionIndex: section.Index}
}

// Unsectioned returns an address that is not attributed to a section.
func Unsectioned(address uint64) SectionedAddress {
	return SectionedAddress{Address: address, SectionIndex: UndefSection}
}

func (a SectionedAddress) HasSection() bool {
	return a.SectionIndex != UndefSection
}

func (a SectionedAddress) String() string {
	if !a.HasSection() {
		return fmt.Sprintf("0x%x", a.Address)
	}
	return fmt.Sprintf("0x%x@%d", a.Address, a.SectionIndex)
}

// Slide is the difference between an object's linked addresses and the
// addresses it was loaded at: fileAddress = runtimeAddress + slide.
type Slide int64

// FileAddress translates a runtime address into the object's address space.
func (s Slide) FileAddress(runtimeAddr uint64) uint64 {
	return runtimeAddr + uint64(s)
}

// RuntimeAddress translates an object address into the runtime address space.
func (s Slide) RuntimeAddress(fileAddr uint64) uint64 {
	return fileAddr - uint64(s)
}

// NewSlide returns the slide of an object linked at fileAddr and loaded at
// runtimeAddr.
func NewSlide(fileAddr, runtimeAddr uint64) Slide {
	return Slide(fileAddr - runtimeAddr)
}
