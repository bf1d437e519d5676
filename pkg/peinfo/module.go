package peinfo

import (
	"bytes"
	"debug/pe"
	"encoding/binary"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/jtang613/pdbgen/pkg/pdb/streams"
)

// ErrUnsupportedFormat is returned for files that are not PE images.
var ErrUnsupportedFormat = errors.New("unsupported binary format")

const (
	imageDirectoryEntryDebug = 6
	imageDebugTypeCodeView   = 2
	debugDirectoryEntrySize  = 28

	cvSignatureRSDS = 0x53445352 // "RSDS"
)

// ModuleIdentity is the section layout and debug identity of an image.
// GUID holds the raw on-disk bytes of the CodeView record.
type ModuleIdentity struct {
	Sections  []Section
	GUID      uuid.UUID
	Age       uint32
	Signature uint32
	PDBPath   string
	Machine   uint16
}

// GUIDString formats the GUID the way debuggers key symbol stores.
func (m *ModuleIdentity) GUIDString() string {
	return streams.FormatGUID(m.GUID)
}

type debugDirectory struct {
	Characteristics  uint32
	TimeDateStamp    uint32
	MajorVersion     uint16
	MinorVersion     uint16
	Type             uint32
	SizeOfData       uint32
	AddressOfRawData uint32
	PointerToRawData uint32
}

// ReadFile reads the identity of the PE image at path.
func ReadFile(path string) (*ModuleIdentity, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open image")
	}
	defer f.Close()
	return Read(f)
}

// Read reads the identity of a PE image. Object files and images without an
// optional header are rejected with ErrUnsupportedFormat.
func Read(r io.ReaderAt) (*ModuleIdentity, error) {
	f, err := pe.NewFile(r)
	if err != nil {
		return nil, errors.Wrapf(ErrUnsupportedFormat, "%v", err)
	}
	defer f.Close()

	var dir pe.DataDirectory
	switch oh := f.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		if oh.NumberOfRvaAndSizes > imageDirectoryEntryDebug {
			dir = oh.DataDirectory[imageDirectoryEntryDebug]
		}
	case *pe.OptionalHeader64:
		if oh.NumberOfRvaAndSizes > imageDirectoryEntryDebug {
			dir = oh.DataDirectory[imageDirectoryEntryDebug]
		}
	default:
		return nil, errors.Wrap(ErrUnsupportedFormat, "no optional header")
	}

	headers, err := readSectionHeaders(r, len(f.Sections))
	if err != nil {
		return nil, err
	}

	id := &ModuleIdentity{
		Sections: NewSections(headers),
		Machine:  f.FileHeader.Machine,
	}
	if dir.Size == 0 {
		return id, nil
	}
	if err := id.readDebugDirectory(r, dir); err != nil {
		return nil, err
	}
	return id, nil
}

// readSectionHeaders reads the raw section table so that long section names
// keep their on-disk "/N" form.
func readSectionHeaders(r io.ReaderAt, n int) ([]streams.SectionHeader, error) {
	var lfanew [4]byte
	if _, err := r.ReadAt(lfanew[:], 0x3c); err != nil {
		return nil, errors.Wrap(err, "failed to read e_lfanew")
	}
	var sizeOfOptionalHeader [2]byte
	base := int64(binary.LittleEndian.Uint32(lfanew[:]))
	if _, err := r.ReadAt(sizeOfOptionalHeader[:], base+4+16); err != nil {
		return nil, errors.Wrap(err, "failed to read file header")
	}
	off := base + 4 + 20 + int64(binary.LittleEndian.Uint16(sizeOfOptionalHeader[:]))

	raw := make([]byte, n*streams.SectionHeaderSize)
	if _, err := r.ReadAt(raw, off); err != nil {
		return nil, errors.Wrap(err, "failed to read section table")
	}
	return streams.ReadSectionHeaders(raw)
}

func (m *ModuleIdentity) readDebugDirectory(r io.ReaderAt, dir pe.DataDirectory) error {
	raw, err := m.readRVA(r, dir.VirtualAddress, dir.Size)
	if err != nil {
		return errors.Wrap(err, "failed to read debug directory")
	}

	entries := make([]debugDirectory, len(raw)/debugDirectoryEntrySize)
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, entries); err != nil {
		return errors.Wrap(err, "failed to decode debug directory")
	}

	for _, e := range entries {
		m.Signature = e.TimeDateStamp
		if e.Type != imageDebugTypeCodeView || e.SizeOfData < 24 {
			continue
		}

		cv := make([]byte, e.SizeOfData)
		if e.PointerToRawData != 0 {
			_, err = r.ReadAt(cv, int64(e.PointerToRawData))
		} else {
			cv, err = m.readRVA(r, e.AddressOfRawData, e.SizeOfData)
		}
		if err != nil {
			return errors.Wrap(err, "failed to read codeview record")
		}
		if binary.LittleEndian.Uint32(cv) != cvSignatureRSDS {
			continue
		}
		copy(m.GUID[:], cv[4:20])
		m.Age = binary.LittleEndian.Uint32(cv[20:])
		m.PDBPath = cString(cv[24:])
	}
	return nil
}

// readRVA reads size bytes of file data backing rva.
func (m *ModuleIdentity) readRVA(r io.ReaderAt, rva, size uint32) ([]byte, error) {
	loc, err := ToSectionOffset(rva, m.Sections)
	if err != nil {
		return nil, err
	}
	h := m.Sections[loc.Section-1].Header
	if uint64(loc.Offset)+uint64(size) > uint64(h.SizeOfRawData) {
		return nil, errors.Errorf("rva 0x%x+0x%x is not backed by file data", rva, size)
	}
	buf := make([]byte, size)
	if _, err := r.ReadAt(buf, int64(h.PointerToRawData)+int64(loc.Offset)); err != nil {
		return nil, err
	}
	return buf, nil
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}
