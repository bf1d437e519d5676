// Package pefixture builds minimal PE32+ images for tests.
package pefixture

import (
	"bytes"
	"debug/pe"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const (
	fileAlignment    = 0x200
	sectionAlignment = 0x1000
	headerSize       = 0x400
)

// Section describes one section of the generated image.
type Section struct {
	Name            string
	VirtualAddress  uint32
	VirtualSize     uint32
	Characteristics uint32
}

// CodeView is the RSDS debug record of the generated image. The record and
// its debug directory are placed in an extra ".rdata" section after the last
// section.
type CodeView struct {
	GUID          [16]byte
	Age           uint32
	Path          string
	TimeDateStamp uint32
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

func align(v, a uint32) uint32 {
	return (v + a - 1) &^ (a - 1)
}

// Build returns a PE32+ AMD64 image with the given sections.
func Build(sections []Section, cv *CodeView) []byte {
	type rawSection struct {
		hdr  pe.SectionHeader32
		data []byte
	}

	var raws []rawSection
	next := uint32(headerSize)
	var end uint32
	for _, s := range sections {
		var hdr pe.SectionHeader32
		copy(hdr.Name[:], s.Name)
		hdr.VirtualAddress = s.VirtualAddress
		hdr.VirtualSize = s.VirtualSize
		hdr.SizeOfRawData = align(s.VirtualSize, fileAlignment)
		hdr.PointerToRawData = next
		hdr.Characteristics = s.Characteristics
		next += hdr.SizeOfRawData
		raws = append(raws, rawSection{hdr: hdr, data: make([]byte, hdr.SizeOfRawData)})
		if e := s.VirtualAddress + s.VirtualSize; e > end {
			end = e
		}
	}

	var debugDir pe.DataDirectory
	if cv != nil {
		payload := new(bytes.Buffer)
		binary.Write(payload, binary.LittleEndian, uint32(0x53445352))
		payload.Write(cv.GUID[:])
		binary.Write(payload, binary.LittleEndian, cv.Age)
		payload.WriteString(cv.Path)
		payload.WriteByte(0)

		va := align(end, sectionAlignment)
		size := uint32(28 + payload.Len())
		var hdr pe.SectionHeader32
		copy(hdr.Name[:], ".rdata")
		hdr.VirtualAddress = va
		hdr.VirtualSize = size
		hdr.SizeOfRawData = align(size, fileAlignment)
		hdr.PointerToRawData = next
		hdr.Characteristics = 0x40000040

		data := new(bytes.Buffer)
		binary.Write(data, binary.LittleEndian, debugDirectory{
			TimeDateStamp:    cv.TimeDateStamp,
			Type:             2,
			SizeOfData:       uint32(payload.Len()),
			AddressOfRawData: va + 28,
			PointerToRawData: next + 28,
		})
		data.Write(payload.Bytes())
		raw := make([]byte, hdr.SizeOfRawData)
		copy(raw, data.Bytes())

		raws = append(raws, rawSection{hdr: hdr, data: raw})
		next += hdr.SizeOfRawData
		debugDir = pe.DataDirectory{VirtualAddress: va, Size: 28}
		end = va + size
	}

	opt := pe.OptionalHeader64{
		Magic:                 0x20b,
		ImageBase:             0x140000000,
		SectionAlignment:      sectionAlignment,
		FileAlignment:         fileAlignment,
		MajorSubsystemVersion: 6,
		SizeOfImage:           align(end, sectionAlignment),
		SizeOfHeaders:         headerSize,
		Subsystem:             3,
		NumberOfRvaAndSizes:   16,
	}
	opt.DataDirectory[6] = debugDir

	buf := new(bytes.Buffer)
	dos := make([]byte, 0x40)
	copy(dos, "MZ")
	binary.LittleEndian.PutUint32(dos[0x3c:], 0x40)
	buf.Write(dos)
	buf.WriteString("PE\x00\x00")
	binary.Write(buf, binary.LittleEndian, pe.FileHeader{
		Machine:              pe.IMAGE_FILE_MACHINE_AMD64,
		NumberOfSections:     uint16(len(raws)),
		SizeOfOptionalHeader: uint16(binary.Size(opt)),
		Characteristics:      0x22,
	})
	binary.Write(buf, binary.LittleEndian, opt)
	for _, r := range raws {
		binary.Write(buf, binary.LittleEndian, r.hdr)
	}

	image := make([]byte, next)
	copy(image, buf.Bytes())
	for _, r := range raws {
		copy(image[r.hdr.PointerToRawData:], r.data)
	}
	return image
}

// Write builds an image and stores it under t.TempDir().
func Write(t *testing.T, name string, sections []Section, cv *CodeView) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, Build(sections, cv), 0o644))
	return path
}
