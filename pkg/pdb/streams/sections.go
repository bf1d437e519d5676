package streams

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"
)

// SectionHeaderSize is the size of an IMAGE_SECTION_HEADER.
const SectionHeaderSize = 40

// Section characteristics relevant to the section map.
const (
	ScnMem16Bit   = 0x00020000
	ScnMemExecute = 0x20000000
	ScnMemRead    = 0x40000000
	ScnMemWrite   = 0x80000000
)

// SectionHeader mirrors an IMAGE_SECTION_HEADER as stored in the section
// header debug stream.
type SectionHeader struct {
	Name                 [8]byte
	VirtualSize          uint32
	VirtualAddress       uint32
	SizeOfRawData        uint32
	PointerToRawData     uint32
	PointerToRelocations uint32
	PointerToLinenumbers uint32
	NumberOfRelocations  uint16
	NumberOfLinenumbers  uint16
	Characteristics      uint32
}

// SectionName returns the name with trailing NULs removed.
func (s *SectionHeader) SectionName() string {
	return extractCString(s.Name[:])
}

func (s *SectionHeader) secMapFlags() uint16 {
	var flags uint16
	if s.Characteristics&ScnMemRead != 0 {
		flags |= SecMapRead
	}
	if s.Characteristics&ScnMemWrite != 0 {
		flags |= SecMapWrite
	}
	if s.Characteristics&ScnMemExecute != 0 {
		flags |= SecMapExecute
	}
	if s.Characteristics&ScnMem16Bit == 0 {
		flags |= SecMapAddressIs32Bit
	}
	return flags | SecMapIsSelector
}

// ReadSectionHeaders parses a section header stream.
func ReadSectionHeaders(data []byte) ([]SectionHeader, error) {
	if len(data)%SectionHeaderSize != 0 {
		return nil, errors.Errorf("section header stream size %d is not a multiple of %d", len(data), SectionHeaderSize)
	}
	headers := make([]SectionHeader, len(data)/SectionHeaderSize)
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, headers); err != nil {
		return nil, errors.Wrap(err, "failed to read section headers")
	}
	return headers, nil
}

// WriteSectionHeaders serializes section headers into stream form.
func WriteSectionHeaders(headers []SectionHeader) []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, headers)
	return buf.Bytes()
}
