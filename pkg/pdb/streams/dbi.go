package streams

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
)

// DBI Stream versions
const (
	DBIStreamVersionVC41 = 930803
	DBIStreamVersionV50  = 19960307
	DBIStreamVersionV60  = 19970606
	DBIStreamVersionV70  = 19990903
	DBIStreamVersionV110 = 20091201
)

// Machine types
const (
	MachineUnknown = 0x0000
	MachineI386    = 0x014c
	MachineIA64    = 0x0200
	MachineAMD64   = 0x8664
	MachineARM     = 0x01c0
	MachineARM64   = 0xAA64
)

// DBI header flags
const (
	DBIFlagIncrementallyLinked = 0x0001
	DBIFlagStripped            = 0x0002
	DBIFlagHasCTypes           = 0x0004
)

// Optional debug header stream slots.
const (
	DbgHeaderFPO = iota
	DbgHeaderException
	DbgHeaderFixup
	DbgHeaderOmapToSrc
	DbgHeaderOmapFromSrc
	DbgHeaderSectionHdr
	DbgHeaderTokenRidMap
	DbgHeaderXdata
	DbgHeaderPdata
	DbgHeaderNewFPO
	DbgHeaderSectionHdrOrig
	numDbgHeaders
)

// InvalidStreamIndex marks an absent stream reference.
const InvalidStreamIndex = 0xFFFF

const (
	dbiHeaderSize            = 64
	moduleInfoHeaderSize     = 64
	sectionContribVersionV60 = 0xeffe0000 + 19970605
	sectionContribVersionV2  = 0xeffe0000 + 20140516
)

// DBIHeader is the fixed header of the DBI stream (64 bytes).
type DBIHeader struct {
	VersionSignature        int32  // Always -1
	VersionHeader           uint32 // DBI version
	Age                     uint32 // PDB age
	GlobalStreamIndex       uint16 // Global symbols stream index
	BuildNumber             uint16 // Toolchain version
	PublicStreamIndex       uint16 // Public symbols stream index
	PdbDllVersion           uint16
	SymRecordStream         uint16 // Symbol record stream index
	PdbDllRbld              uint16
	ModInfoSize             int32 // Size of module info substream
	SectionContributionSize int32 // Size of section contribution substream
	SectionMapSize          int32 // Size of section map substream
	SourceInfoSize          int32 // Size of source info substream
	TypeServerMapSize       int32 // Size of type server map substream
	MFCTypeServerIndex      uint32
	OptionalDbgHeaderSize   int32 // Size of optional debug header
	ECSubstreamSize         int32 // Size of EC substream
	Flags                   uint16
	Machine                 uint16 // CPU type
	Padding                 uint32
}

// DBIStream represents the parsed DBI stream.
type DBIStream struct {
	Header          DBIHeader
	Modules         []ModuleInfo
	SectionContribs []SectionContrib
	DbgStreams      []uint16
}

// moduleInfoHeader is the fixed part of a module info record.
type moduleInfoHeader struct {
	Unused1              uint32
	SectionContrib       SectionContrib
	Flags                uint16
	ModuleSymStream      uint16
	SymByteSize          uint32
	C11ByteSize          uint32
	C13ByteSize          uint32
	SourceFileCount      uint16
	Padding              uint16
	Unused2              uint32
	SourceFileNameIndex  uint32
	PdbFilePathNameIndex uint32
}

// ModuleInfo contains information about a compiled module.
type ModuleInfo struct {
	moduleInfoHeader
	ModuleName  string // Object file name
	ObjFileName string // Archive or object file path
}

// SectionContrib describes a section contribution from a module.
type SectionContrib struct {
	Section         uint16
	Padding1        uint16
	Offset          int32
	Size            int32
	Characteristics uint32
	ModuleIndex     uint16
	Padding2        uint16
	DataCrc         uint32
	RelocCrc        uint32
}

// ReadDBIStream parses the DBI stream.
func ReadDBIStream(data []byte) (*DBIStream, error) {
	if len(data) < dbiHeaderSize {
		return nil, errors.Errorf("DBI stream too small: %d bytes", len(data))
	}

	var header DBIHeader
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &header); err != nil {
		return nil, errors.Wrap(err, "failed to read DBI header")
	}
	if header.VersionSignature != -1 {
		return nil, errors.Errorf("invalid DBI version signature: %d", header.VersionSignature)
	}

	dbi := &DBIStream{Header: header}

	sizes := []int32{
		header.ModInfoSize,
		header.SectionContributionSize,
		header.SectionMapSize,
		header.SourceInfoSize,
		header.TypeServerMapSize,
		header.ECSubstreamSize,
		header.OptionalDbgHeaderSize,
	}
	substreams := make([][]byte, len(sizes))
	offset := dbiHeaderSize
	for i, size := range sizes {
		if size < 0 || offset+int(size) > len(data) {
			return nil, errors.Errorf("DBI substream %d (size %d at offset %d) exceeds stream", i, size, offset)
		}
		substreams[i] = data[offset : offset+int(size)]
		offset += int(size)
	}

	var err error
	if dbi.Modules, err = parseModuleInfo(substreams[0]); err != nil {
		return nil, errors.Wrap(err, "failed to parse module info")
	}
	if dbi.SectionContribs, err = parseSectionContribs(substreams[1]); err != nil {
		return nil, errors.Wrap(err, "failed to parse section contributions")
	}

	dbg := substreams[6]
	for i := 0; i+2 <= len(dbg); i += 2 {
		dbi.DbgStreams = append(dbi.DbgStreams, binary.LittleEndian.Uint16(dbg[i:]))
	}

	return dbi, nil
}

// DbgStream returns the stream index of an optional debug header slot.
func (d *DBIStream) DbgStream(slot int) uint16 {
	if slot < 0 || slot >= len(d.DbgStreams) {
		return InvalidStreamIndex
	}
	return d.DbgStreams[slot]
}

// parseModuleInfo parses the module info substream.
func parseModuleInfo(data []byte) ([]ModuleInfo, error) {
	var modules []ModuleInfo
	offset := 0

	for offset+moduleInfoHeaderSize <= len(data) {
		var mod ModuleInfo
		r := bytes.NewReader(data[offset : offset+moduleInfoHeaderSize])
		if err := binary.Read(r, binary.LittleEndian, &mod.moduleInfoHeader); err != nil {
			return nil, err
		}
		offset += moduleInfoHeaderSize

		var ok bool
		if mod.ModuleName, offset, ok = readCString(data, offset); !ok {
			break
		}
		if mod.ObjFileName, offset, ok = readCString(data, offset); !ok {
			break
		}
		offset = (offset + 3) &^ 3

		modules = append(modules, mod)
	}

	return modules, nil
}

func readCString(data []byte, offset int) (string, int, bool) {
	if offset >= len(data) {
		return "", offset, false
	}
	end := bytes.IndexByte(data[offset:], 0)
	if end == -1 {
		return "", offset, false
	}
	return string(data[offset : offset+end]), offset + end + 1, true
}

// parseSectionContribs parses the section contribution substream.
func parseSectionContribs(data []byte) ([]SectionContrib, error) {
	if len(data) < 4 {
		return nil, nil
	}

	version := binary.LittleEndian.Uint32(data)
	entrySize := 28
	if version == sectionContribVersionV2 {
		entrySize = 32 // V2 adds ISectCoff
	}

	var contribs []SectionContrib
	for off := 4; off+entrySize <= len(data); off += entrySize {
		var contrib SectionContrib
		if err := binary.Read(bytes.NewReader(data[off:off+28]), binary.LittleEndian, &contrib); err != nil {
			return nil, err
		}
		contribs = append(contribs, contrib)
	}

	return contribs, nil
}

// MachineTypeName returns the human-readable name for a machine type.
func MachineTypeName(machine uint16) string {
	switch machine {
	case MachineI386:
		return "x86"
	case MachineAMD64:
		return "x64"
	case MachineARM:
		return "ARM"
	case MachineARM64:
		return "ARM64"
	case MachineIA64:
		return "IA64"
	default:
		return fmt.Sprintf("0x%04x", machine)
	}
}

// HasSymbols returns true if the module has symbol information.
func (m *ModuleInfo) HasSymbols() bool {
	return m.ModuleSymStream != InvalidStreamIndex && m.SymByteSize > 0
}

// DBIModule describes a module entry to be written by DBIBuilder.
type DBIModule struct {
	Name        string
	ObjFile     string
	SymStream   uint16
	SymByteSize uint32
}

// DBIBuilder serializes a DBI stream.
type DBIBuilder struct {
	Age             uint32
	BuildMajor      uint8
	BuildMinor      uint8
	PdbDllVersion   uint16
	PdbDllRbld      uint16
	Flags           uint16
	Machine         uint16
	GlobalStream    uint16
	PublicStream    uint16
	SymRecordStream uint16

	Modules  []DBIModule
	Sections []SectionHeader

	// SectionHdrStream holds the raw section headers; InvalidStreamIndex if absent.
	SectionHdrStream uint16
}

// BuildNumber encodes the toolchain version in the new version format.
func (b *DBIBuilder) BuildNumber() uint16 {
	return 0x8000 | uint16(b.BuildMajor&0x7F)<<8 | uint16(b.BuildMinor)
}

// Bytes lays out the DBI header and all substreams.
func (b *DBIBuilder) Bytes() []byte {
	modi := b.moduleInfoSubstream()
	secContribs := new(bytes.Buffer)
	binary.Write(secContribs, binary.LittleEndian, uint32(sectionContribVersionV60))
	secMap := b.sectionMapSubstream()
	fileInfo := b.fileInfoSubstream()
	ecNames := NewStringTable().Bytes()

	dbg := make([]uint16, numDbgHeaders)
	for i := range dbg {
		dbg[i] = InvalidStreamIndex
	}
	dbg[DbgHeaderSectionHdr] = b.SectionHdrStream

	header := DBIHeader{
		VersionSignature:        -1,
		VersionHeader:           DBIStreamVersionV70,
		Age:                     b.Age,
		GlobalStreamIndex:       b.GlobalStream,
		BuildNumber:             b.BuildNumber(),
		PublicStreamIndex:       b.PublicStream,
		PdbDllVersion:           b.PdbDllVersion,
		SymRecordStream:         b.SymRecordStream,
		PdbDllRbld:              b.PdbDllRbld,
		ModInfoSize:             int32(len(modi)),
		SectionContributionSize: int32(secContribs.Len()),
		SectionMapSize:          int32(len(secMap)),
		SourceInfoSize:          int32(len(fileInfo)),
		OptionalDbgHeaderSize:   int32(2 * len(dbg)),
		ECSubstreamSize:         int32(len(ecNames)),
		Flags:                   b.Flags,
		Machine:                 b.Machine,
	}

	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, header)
	buf.Write(modi)
	buf.Write(secContribs.Bytes())
	buf.Write(secMap)
	buf.Write(fileInfo)
	buf.Write(ecNames)
	binary.Write(buf, binary.LittleEndian, dbg)
	return buf.Bytes()
}

func (b *DBIBuilder) moduleInfoSubstream() []byte {
	buf := new(bytes.Buffer)
	for i, mod := range b.Modules {
		hdr := moduleInfoHeader{
			SectionContrib: SectionContrib{
				Section:     InvalidStreamIndex,
				Size:        -1,
				ModuleIndex: uint16(i),
			},
			ModuleSymStream: mod.SymStream,
			SymByteSize:     mod.SymByteSize,
		}
		binary.Write(buf, binary.LittleEndian, hdr)
		buf.WriteString(mod.Name)
		buf.WriteByte(0)
		buf.WriteString(mod.ObjFile)
		buf.WriteByte(0)
		for buf.Len()%4 != 0 {
			buf.WriteByte(0)
		}
	}
	return buf.Bytes()
}

// Section map descriptor flags.
const (
	SecMapRead              = 0x0001
	SecMapWrite             = 0x0002
	SecMapExecute           = 0x0004
	SecMapAddressIs32Bit    = 0x0008
	SecMapIsSelector        = 0x0100
	SecMapIsAbsoluteAddress = 0x0200
	SecMapIsGroup           = 0x0400
)

// SectionMapEntry is one descriptor of the DBI section map.
type SectionMapEntry struct {
	Flags         uint16
	Ovl           uint16
	Group         uint16
	Frame         uint16
	SectionName   uint16
	ClassName     uint16
	Offset        uint32
	SecByteLength uint32
}

// SectionMap derives the section map from the section headers, followed by
// the descriptor for absolute symbols.
func (b *DBIBuilder) SectionMap() []SectionMapEntry {
	entries := make([]SectionMapEntry, 0, len(b.Sections)+1)
	for i, sh := range b.Sections {
		entries = append(entries, SectionMapEntry{
			Flags:         sh.secMapFlags(),
			Frame:         uint16(i + 1),
			SectionName:   InvalidStreamIndex,
			ClassName:     InvalidStreamIndex,
			SecByteLength: sh.VirtualSize,
		})
	}
	entries = append(entries, SectionMapEntry{
		Flags:         SecMapAddressIs32Bit | SecMapIsAbsoluteAddress,
		Frame:         uint16(len(b.Sections) + 1),
		SectionName:   InvalidStreamIndex,
		ClassName:     InvalidStreamIndex,
		SecByteLength: 0xFFFFFFFF,
	})
	return entries
}

func (b *DBIBuilder) sectionMapSubstream() []byte {
	entries := b.SectionMap()
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, [2]uint16{uint16(len(entries)), uint16(len(entries))})
	binary.Write(buf, binary.LittleEndian, entries)
	return buf.Bytes()
}

// fileInfoSubstream records zero source files for every module.
func (b *DBIBuilder) fileInfoSubstream() []byte {
	buf := new(bytes.Buffer)
	n := uint16(len(b.Modules))
	binary.Write(buf, binary.LittleEndian, [2]uint16{n, 0})
	binary.Write(buf, binary.LittleEndian, make([]uint16, n)) // module file index
	binary.Write(buf, binary.LittleEndian, make([]uint16, n)) // file counts
	for buf.Len()%4 != 0 {
		buf.WriteByte(0)
	}
	return buf.Bytes()
}
