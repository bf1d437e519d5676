package streams

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashStringV1(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want uint32
	}{
		{"abcd", 0x646F8A62},
		{"/names", 0x6D6CFC21},
		{"Foo", 0x20244B00},
		{"main", 0x6E64C225},
	} {
		assert.Equal(t, tc.want, HashStringV1(tc.in), tc.in)
	}
}

func TestCompareGSIName(t *testing.T) {
	assert.Equal(t, -1, compareGSIName("ab", "abc"))
	assert.Equal(t, 0, compareGSIName("Foo", "fOO"))
	assert.Equal(t, 1, compareGSIName("b", "A"))
}

func TestPDBInfoRoundTrip(t *testing.T) {
	in := &PDBInfo{
		Version:      PDBStreamVersionVC70,
		Signature:    0x5F000001,
		Age:          3,
		GUID:         [16]byte{0x78, 0x56, 0x34, 0x12, 0xBC, 0x9A, 0xF0, 0xDE, 1, 2, 3, 4, 5, 6, 7, 8},
		NamedStreams: map[string]uint32{NamesStreamName: 7},
		Features:     []uint32{FeatureVC140},
	}

	out, err := ReadPDBInfo(bytes.NewReader(WritePDBInfo(in)))
	require.NoError(t, err)
	assert.Equal(t, in.Version, out.Version)
	assert.Equal(t, in.Signature, out.Signature)
	assert.Equal(t, in.Age, out.Age)
	assert.Equal(t, in.GUID, out.GUID)
	assert.Equal(t, in.NamedStreams, out.NamedStreams)
	assert.True(t, out.HasFeature(FeatureVC140))
	assert.Equal(t, "123456789ABCDEF00102030405060708", out.GUIDString())
}

func TestPDBInfoHeaderOnly(t *testing.T) {
	buf := new(bytes.Buffer)
	require.NoError(t, binary.Write(buf, binary.LittleEndian, PDBInfoHeader{Version: PDBStreamVersionVC70, Age: 1}))

	info, err := ReadPDBInfo(buf)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), info.Age)
	assert.Empty(t, info.NamedStreams)
}

func TestStringTable(t *testing.T) {
	st := NewStringTable()
	assert.Equal(t, uint32(1), st.Insert("a.c"))
	assert.Equal(t, uint32(5), st.Insert("b.h"))
	assert.Equal(t, uint32(1), st.Insert("a.c"))
	assert.Equal(t, 2, st.Len())

	data := st.Bytes()
	strs, err := ReadStringTable(data)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.c", "b.h"}, strs)
	assert.Equal(t, uint32(2), binary.LittleEndian.Uint32(data[len(data)-4:]))

	empty, err := ReadStringTable(NewStringTable().Bytes())
	require.NoError(t, err)
	assert.Empty(t, empty)

	_, err = ReadStringTable([]byte{1, 2, 3})
	assert.Error(t, err)
}

func testSections() []SectionHeader {
	text := SectionHeader{VirtualSize: 0x2000, VirtualAddress: 0x1000, Characteristics: ScnMemRead | ScnMemExecute}
	copy(text.Name[:], ".text")
	data := SectionHeader{VirtualSize: 0x800, VirtualAddress: 0x3000, Characteristics: ScnMemRead | ScnMemWrite}
	copy(data.Name[:], ".data")
	return []SectionHeader{text, data}
}

func TestSectionHeadersRoundTrip(t *testing.T) {
	in := testSections()
	raw := WriteSectionHeaders(in)
	require.Len(t, raw, 2*SectionHeaderSize)

	out, err := ReadSectionHeaders(raw)
	require.NoError(t, err)
	assert.Equal(t, in, out)
	assert.Equal(t, ".text", out[0].SectionName())

	_, err = ReadSectionHeaders(raw[:41])
	assert.Error(t, err)
}

func TestDBIBuilderRoundTrip(t *testing.T) {
	b := &DBIBuilder{
		Age:              2,
		BuildMajor:       14,
		BuildMinor:       11,
		PdbDllVersion:    1,
		PdbDllRbld:       1,
		Flags:            DBIFlagStripped,
		Machine:          MachineAMD64,
		GlobalStream:     6,
		PublicStream:     7,
		SymRecordStream:  8,
		Modules:          []DBIModule{{Name: "CodeDefender", ObjFile: "CodeDefender.obj", SymStream: 9, SymByteSize: 4}},
		Sections:         testSections(),
		SectionHdrStream: 10,
	}

	dbi, err := ReadDBIStream(b.Bytes())
	require.NoError(t, err)

	assert.Equal(t, uint32(DBIStreamVersionV70), dbi.Header.VersionHeader)
	assert.Equal(t, uint32(2), dbi.Header.Age)
	assert.Equal(t, uint16(0x8E0B), dbi.Header.BuildNumber)
	assert.Equal(t, uint16(MachineAMD64), dbi.Header.Machine)
	assert.Equal(t, uint16(DBIFlagStripped), dbi.Header.Flags)
	assert.Equal(t, uint16(6), dbi.Header.GlobalStreamIndex)
	assert.Equal(t, uint16(7), dbi.Header.PublicStreamIndex)
	assert.Equal(t, uint16(8), dbi.Header.SymRecordStream)

	require.Len(t, dbi.Modules, 1)
	assert.Equal(t, "CodeDefender", dbi.Modules[0].ModuleName)
	assert.Equal(t, "CodeDefender.obj", dbi.Modules[0].ObjFileName)
	assert.Equal(t, uint16(9), dbi.Modules[0].ModuleSymStream)
	assert.True(t, dbi.Modules[0].HasSymbols())

	assert.Equal(t, uint16(10), dbi.DbgStream(DbgHeaderSectionHdr))
	assert.Equal(t, uint16(InvalidStreamIndex), dbi.DbgStream(DbgHeaderFPO))
	assert.Equal(t, uint16(InvalidStreamIndex), dbi.DbgStream(42))
	assert.Empty(t, dbi.SectionContribs)
}

func TestDBISectionMap(t *testing.T) {
	b := &DBIBuilder{Sections: testSections()}
	m := b.SectionMap()
	require.Len(t, m, 3)

	assert.Equal(t, uint16(SecMapRead|SecMapExecute|SecMapAddressIs32Bit|SecMapIsSelector), m[0].Flags)
	assert.Equal(t, uint16(1), m[0].Frame)
	assert.Equal(t, uint32(0x2000), m[0].SecByteLength)
	assert.Equal(t, uint16(SecMapRead|SecMapWrite|SecMapAddressIs32Bit|SecMapIsSelector), m[1].Flags)
	assert.Equal(t, uint16(SecMapAddressIs32Bit|SecMapIsAbsoluteAddress), m[2].Flags)
	assert.Equal(t, uint16(3), m[2].Frame)
	assert.Equal(t, uint32(0xFFFFFFFF), m[2].SecByteLength)
}

func TestReadDBIStreamRejectsBadInput(t *testing.T) {
	_, err := ReadDBIStream(make([]byte, 10))
	assert.Error(t, err)

	data := (&DBIBuilder{}).Bytes()
	binary.LittleEndian.PutUint32(data[0:], 0)
	_, err = ReadDBIStream(data)
	assert.Error(t, err)

	data = (&DBIBuilder{}).Bytes()
	binary.LittleEndian.PutUint32(data[24:], 0x7FFFFFFF) // ModInfoSize
	_, err = ReadDBIStream(data)
	assert.Error(t, err)
}

func TestEmptyTPI(t *testing.T) {
	data := WriteEmptyTPI()
	require.Len(t, data, tpiHeaderSize)

	hdr, err := ReadTPIHeader(data)
	require.NoError(t, err)
	assert.Zero(t, hdr.NumTypes())
	assert.Equal(t, uint16(InvalidStreamIndex), hdr.HashStreamIndex)

	binary.LittleEndian.PutUint32(data, 1)
	_, err = ReadTPIHeader(data)
	assert.Error(t, err)
}

func TestWritePublics(t *testing.T) {
	records := []GSIRecord{
		{Name: "zeta", Segment: 1, Offset: 0x20, RecordOffset: 0},
		{Name: "alpha", Segment: 1, Offset: 0x10, RecordOffset: 20},
		{Name: "beta", Segment: 2, Offset: 0x00, RecordOffset: 40},
		{Name: "alias", Segment: 1, Offset: 0x10, RecordOffset: 60},
	}
	data := WritePublics(records)

	addrMap, err := ReadPublicsAddressMap(data)
	require.NoError(t, err)
	assert.Equal(t, []uint32{60, 20, 0, 40}, addrMap)

	var hdr PublicsHeader
	require.NoError(t, binary.Read(bytes.NewReader(data), binary.LittleEndian, &hdr))
	hash := data[28 : 28+hdr.SymHash]
	assert.Equal(t, uint32(0xFFFFFFFF), binary.LittleEndian.Uint32(hash))
	assert.Equal(t, uint32(len(records)*8), binary.LittleEndian.Uint32(hash[8:]))

	// every record is reachable through the bitmap
	bitmap := hash[16+len(records)*8:]
	set := 0
	for w := 0; w < gsiHashBitmapWords; w++ {
		word := binary.LittleEndian.Uint32(bitmap[4*w:])
		for ; word != 0; word &= word - 1 {
			set++
		}
	}
	assert.Equal(t, int(binary.LittleEndian.Uint32(hash[12:])), 4*gsiHashBitmapWords+4*set)
}

func TestWriteGSIHashEmpty(t *testing.T) {
	hash := WriteGSIHash(nil)
	assert.Len(t, hash, 16+4*gsiHashBitmapWords)
}
