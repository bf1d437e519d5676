// Package peinfo extracts section layout and debug identity from PE images
// and translates between RVAs and section-relative addresses.
package peinfo

import (
	"github.com/pkg/errors"

	"github.com/jtang613/pdbgen/pkg/pdb/streams"
)

var (
	// ErrInvalidSection is returned for a section index outside [1, len(sections)].
	ErrInvalidSection = errors.New("invalid section number")
	// ErrRVANotInAnySection is returned when no section covers an RVA.
	ErrRVANotInAnySection = errors.New("rva is not within any section")
)

// Section is one entry of an image's section table.
type Section struct {
	Index          uint32 // 1-based
	VirtualAddress uint32
	VirtualSize    uint32
	Header         streams.SectionHeader
}

// Name returns the section name.
func (s *Section) Name() string {
	return s.Header.SectionName()
}

// SectionOffset is an address expressed as a 1-based section index and an
// offset within that section.
type SectionOffset struct {
	Section uint32
	Offset  uint32
}

// NewSections numbers raw section headers in table order.
func NewSections(headers []streams.SectionHeader) []Section {
	sections := make([]Section, len(headers))
	for i, h := range headers {
		sections[i] = Section{
			Index:          uint32(i + 1),
			VirtualAddress: h.VirtualAddress,
			VirtualSize:    h.VirtualSize,
			Header:         h,
		}
	}
	return sections
}

// Headers returns the raw section headers in table order.
func Headers(sections []Section) []streams.SectionHeader {
	headers := make([]streams.SectionHeader, len(sections))
	for i := range sections {
		headers[i] = sections[i].Header
	}
	return headers
}

// ToRVA converts a section-relative address to an RVA. Section indices are
// 1-based; 0 is rejected.
func ToRVA(section, offset uint32, sections []Section) (uint32, error) {
	if section == 0 || section > uint32(len(sections)) {
		return 0, errors.Wrapf(ErrInvalidSection, "section %d of %d", section, len(sections))
	}
	return sections[section-1].VirtualAddress + offset, nil
}

// ToSectionOffset returns the first section, in table order, whose
// [VirtualAddress, VirtualAddress+VirtualSize) contains rva.
func ToSectionOffset(rva uint32, sections []Section) (SectionOffset, error) {
	for i, s := range sections {
		if rva >= s.VirtualAddress && uint64(rva) < uint64(s.VirtualAddress)+uint64(s.VirtualSize) {
			return SectionOffset{Section: uint32(i + 1), Offset: rva - s.VirtualAddress}, nil
		}
	}
	return SectionOffset{}, errors.Wrapf(ErrRVANotInAnySection, "rva 0x%x", rva)
}
