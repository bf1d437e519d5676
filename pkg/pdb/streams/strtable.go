package streams

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"
)

const (
	stringTableSignature = 0xEFFEEFFE
	stringTableVersion   = 1
)

// StringTable is the hashed string table used by the /names stream and the
// DBI edit-and-continue substream.
type StringTable struct {
	strings []string
	offsets map[string]uint32
	size    uint32
}

// NewStringTable creates an empty table. Offset 0 is the empty string.
func NewStringTable() *StringTable {
	return &StringTable{offsets: map[string]uint32{"": 0}, size: 1}
}

// Insert adds s if needed and returns its offset.
func (t *StringTable) Insert(s string) uint32 {
	if off, ok := t.offsets[s]; ok {
		return off
	}
	off := t.size
	t.offsets[s] = off
	t.strings = append(t.strings, s)
	t.size += uint32(len(s)) + 1
	return off
}

// Len returns the number of non-empty strings.
func (t *StringTable) Len() int {
	return len(t.strings)
}

// Bytes serializes the table.
func (t *StringTable) Bytes() []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, [3]uint32{stringTableSignature, stringTableVersion, t.size})
	buf.WriteByte(0)
	for _, s := range t.strings {
		buf.WriteString(s)
		buf.WriteByte(0)
	}

	buckets := make([]uint32, (len(t.strings)+1)*5/4)
	for _, s := range t.strings {
		slot := HashStringV1(s) % uint32(len(buckets))
		for buckets[slot] != 0 {
			slot = (slot + 1) % uint32(len(buckets))
		}
		buckets[slot] = t.offsets[s]
	}
	binary.Write(buf, binary.LittleEndian, uint32(len(buckets)))
	binary.Write(buf, binary.LittleEndian, buckets)
	binary.Write(buf, binary.LittleEndian, uint32(len(t.strings)))
	return buf.Bytes()
}

// ReadStringTable parses a serialized table and returns its strings in
// offset order.
func ReadStringTable(data []byte) ([]string, error) {
	if len(data) < 12 {
		return nil, errors.Errorf("string table too small: %d bytes", len(data))
	}
	if sig := binary.LittleEndian.Uint32(data); sig != stringTableSignature {
		return nil, errors.Errorf("invalid string table signature 0x%08X", sig)
	}
	size := binary.LittleEndian.Uint32(data[8:])
	if uint64(12)+uint64(size) > uint64(len(data)) {
		return nil, errors.Errorf("string table buffer size %d exceeds stream", size)
	}

	var out []string
	buf := data[12 : 12+size]
	for off := 0; off < len(buf); {
		s := extractCString(buf[off:])
		if s != "" {
			out = append(out, s)
		}
		off += len(s) + 1
	}
	return out, nil
}
