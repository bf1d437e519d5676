package streams

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"
)

// TPI Stream versions
const (
	TPIStreamVersion40  = 19950410
	TPIStreamVersion41  = 19951122
	TPIStreamVersion50  = 19961031
	TPIStreamVersionV70 = 19990903
	TPIStreamVersionV80 = 20040203
)

// First type index (built-in types are below this)
const TypeIndexBegin = 0x1000

const (
	tpiHeaderSize     = 56
	maxTPIHashBuckets = 0x40000
)

// TPIHeader is the header of the TPI and IPI streams.
type TPIHeader struct {
	Version                 uint32
	HeaderSize              uint32
	TypeIndexBegin          uint32
	TypeIndexEnd            uint32
	TypeRecordBytes         uint32
	HashStreamIndex         uint16
	HashAuxStreamIndex      uint16
	HashKeySize             uint32
	NumHashBuckets          uint32
	HashValueBufferOffset   int32
	HashValueBufferLength   uint32
	IndexOffsetBufferOffset int32
	IndexOffsetBufferLength uint32
	HashAdjBufferOffset     int32
	HashAdjBufferLength     uint32
}

// NumTypes returns the number of type records described by the header.
func (h *TPIHeader) NumTypes() uint32 {
	return h.TypeIndexEnd - h.TypeIndexBegin
}

// ReadTPIHeader parses the header of a TPI or IPI stream.
func ReadTPIHeader(data []byte) (*TPIHeader, error) {
	var header TPIHeader
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &header); err != nil {
		return nil, errors.Wrap(err, "failed to read TPI header")
	}
	if header.Version != TPIStreamVersionV80 && header.Version != TPIStreamVersionV70 {
		return nil, errors.Errorf("unsupported TPI version: %d", header.Version)
	}
	if header.TypeIndexEnd < header.TypeIndexBegin {
		return nil, errors.Errorf("invalid type index range [0x%x, 0x%x)", header.TypeIndexBegin, header.TypeIndexEnd)
	}
	return &header, nil
}

// WriteEmptyTPI serializes a V80 TPI/IPI stream with no type records.
func WriteEmptyTPI() []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, TPIHeader{
		Version:            TPIStreamVersionV80,
		HeaderSize:         tpiHeaderSize,
		TypeIndexBegin:     TypeIndexBegin,
		TypeIndexEnd:       TypeIndexBegin,
		HashStreamIndex:    InvalidStreamIndex,
		HashAuxStreamIndex: InvalidStreamIndex,
		HashKeySize:        4,
		NumHashBuckets:     maxTPIHashBuckets - 1,
	})
	return buf.Bytes()
}
