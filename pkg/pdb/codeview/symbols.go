// Package codeview provides parsing and serialization of CodeView symbol records.
package codeview

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
)

// Symbol type constants (S_* values)
const (
	S_END         = 0x0006
	S_OBJNAME     = 0x0009
	S_THUNK32     = 0x1102
	S_BLOCK32     = 0x1103
	S_LABEL32     = 0x1105
	S_CONSTANT    = 0x1107
	S_UDT         = 0x1108
	S_LDATA32     = 0x110c
	S_GDATA32     = 0x110d
	S_PUB32       = 0x110e
	S_LPROC32     = 0x110f
	S_GPROC32     = 0x1110
	S_REGREL32    = 0x1111
	S_LTHREAD32   = 0x1112
	S_GTHREAD32   = 0x1113
	S_COMPILE2    = 0x1116
	S_PROCREF     = 0x1125
	S_DATAREF     = 0x1126
	S_LPROCREF    = 0x1127
	S_SECTION     = 0x1136
	S_COFFGROUP   = 0x1137
	S_EXPORT      = 0x1138
	S_COMPILE3    = 0x113c
	S_LOCAL       = 0x113e
	S_LPROC32_ID  = 0x1146
	S_GPROC32_ID  = 0x1147
	S_BUILDINFO   = 0x114c
	S_PROC_ID_END = 0x114f

	S_LPROC32_DPC    = 0x1155
	S_LPROC32_DPC_ID = 0x1156
)

// Public symbol flags (CV_PUBSYMFLAGS).
const (
	PubFlagNone     = 0x0
	PubFlagCode     = 0x1
	PubFlagFunction = 0x2
	PubFlagManaged  = 0x4
	PubFlagMSIL     = 0x8
)

// SignatureC13 starts module symbol streams.
const SignatureC13 = 4

// ErrDeserialization is returned when a symbol record cannot be decoded.
var ErrDeserialization = errors.New("symbol record cannot be decoded")

// SymbolRecord represents a raw CodeView symbol record.
type SymbolRecord struct {
	Kind   uint16
	Offset uint32 // Offset of the record within its stream
	Data   []byte
}

// ProcSym represents a procedure/function symbol (S_GPROC32, S_LPROC32, etc.)
type ProcSym struct {
	Parent    uint32 // Pointer to parent
	End       uint32 // Pointer to end
	Next      uint32 // Pointer to next symbol
	Length    uint32 // Procedure length
	DbgStart  uint32 // Debug start offset
	DbgEnd    uint32 // Debug end offset
	TypeIndex uint32 // Type index
	Offset    uint32 // Code offset
	Segment   uint16 // Code segment
	Flags     uint8  // Procedure flags
	Name      string // Procedure name
}

// PubSym represents a public symbol (S_PUB32).
type PubSym struct {
	Flags   uint32 // Public symbol flags
	Offset  uint32 // Offset
	Segment uint16 // Segment
	Name    string // Symbol name
}

// LabelSym represents a code label (S_LABEL32).
type LabelSym struct {
	Offset  uint32
	Segment uint16
	Flags   uint8 // Procedure flags
	Name    string
}

// ParseSymbols splits raw symbol data into records. A leading C13
// signature is skipped. A record whose length runs past the end of the data
// is reported as ErrDeserialization.
func ParseSymbols(data []byte) ([]SymbolRecord, error) {
	var symbols []SymbolRecord
	offset := 0

	if len(data) >= 4 && binary.LittleEndian.Uint32(data) == SignatureC13 {
		offset = 4
	}

	for offset+4 <= len(data) {
		recLen := int(binary.LittleEndian.Uint16(data[offset:]))
		if recLen < 2 || offset+2+recLen > len(data) {
			return symbols, errors.Wrapf(ErrDeserialization, "record at offset 0x%x has length %d", offset, recLen)
		}

		symbols = append(symbols, SymbolRecord{
			Kind:   binary.LittleEndian.Uint16(data[offset+2:]),
			Offset: uint32(offset),
			Data:   data[offset+4 : offset+2+recLen],
		})
		offset += 2 + recLen
	}

	return symbols, nil
}

// ParseProcSym parses a procedure symbol record.
func ParseProcSym(data []byte) (*ProcSym, error) {
	if len(data) < 35 {
		return nil, errors.Wrapf(ErrDeserialization, "proc symbol data too small: %d bytes", len(data))
	}

	return &ProcSym{
		Parent:    binary.LittleEndian.Uint32(data[0:]),
		End:       binary.LittleEndian.Uint32(data[4:]),
		Next:      binary.LittleEndian.Uint32(data[8:]),
		Length:    binary.LittleEndian.Uint32(data[12:]),
		DbgStart:  binary.LittleEndian.Uint32(data[16:]),
		DbgEnd:    binary.LittleEndian.Uint32(data[20:]),
		TypeIndex: binary.LittleEndian.Uint32(data[24:]),
		Offset:    binary.LittleEndian.Uint32(data[28:]),
		Segment:   binary.LittleEndian.Uint16(data[32:]),
		Flags:     data[34],
		Name:      cString(data[35:]),
	}, nil
}

// ParsePubSym parses a public symbol record (S_PUB32).
func ParsePubSym(data []byte) (*PubSym, error) {
	if len(data) < 10 {
		return nil, errors.Wrapf(ErrDeserialization, "pub symbol data too small: %d bytes", len(data))
	}

	return &PubSym{
		Flags:   binary.LittleEndian.Uint32(data[0:]),
		Offset:  binary.LittleEndian.Uint32(data[4:]),
		Segment: binary.LittleEndian.Uint16(data[8:]),
		Name:    cString(data[10:]),
	}, nil
}

// ParseLabelSym parses a label symbol record (S_LABEL32).
func ParseLabelSym(data []byte) (*LabelSym, error) {
	if len(data) < 7 {
		return nil, errors.Wrapf(ErrDeserialization, "label symbol data too small: %d bytes", len(data))
	}

	return &LabelSym{
		Offset:  binary.LittleEndian.Uint32(data[0:]),
		Segment: binary.LittleEndian.Uint16(data[4:]),
		Flags:   data[6],
		Name:    cString(data[7:]),
	}, nil
}

// AppendPubSym serializes an S_PUB32 record, padded to a 4-byte boundary,
// and appends it to dst.
func AppendPubSym(dst []byte, pub *PubSym) []byte {
	size := 4 + 10 + len(pub.Name) + 1
	size = (size + 3) &^ 3

	rec := make([]byte, size)
	binary.LittleEndian.PutUint16(rec[0:], uint16(size-2))
	binary.LittleEndian.PutUint16(rec[2:], S_PUB32)
	binary.LittleEndian.PutUint32(rec[4:], pub.Flags)
	binary.LittleEndian.PutUint32(rec[8:], pub.Offset)
	binary.LittleEndian.PutUint16(rec[12:], pub.Segment)
	copy(rec[14:], pub.Name)
	return append(dst, rec...)
}

func cString(data []byte) string {
	if end := bytes.IndexByte(data, 0); end != -1 {
		return string(data[:end])
	}
	return string(data)
}

// SymbolKindName returns the name for a symbol kind constant.
func SymbolKindName(kind uint16) string {
	switch kind {
	case S_END:
		return "S_END"
	case S_GPROC32:
		return "S_GPROC32"
	case S_LPROC32:
		return "S_LPROC32"
	case S_GPROC32_ID:
		return "S_GPROC32_ID"
	case S_LPROC32_ID:
		return "S_LPROC32_ID"
	case S_LPROC32_DPC:
		return "S_LPROC32_DPC"
	case S_LPROC32_DPC_ID:
		return "S_LPROC32_DPC_ID"
	case S_GDATA32:
		return "S_GDATA32"
	case S_LDATA32:
		return "S_LDATA32"
	case S_PUB32:
		return "S_PUB32"
	case S_LABEL32:
		return "S_LABEL32"
	case S_UDT:
		return "S_UDT"
	case S_CONSTANT:
		return "S_CONSTANT"
	case S_PROCREF:
		return "S_PROCREF"
	case S_LPROCREF:
		return "S_LPROCREF"
	case S_DATAREF:
		return "S_DATAREF"
	case S_COMPILE3:
		return "S_COMPILE3"
	case S_OBJNAME:
		return "S_OBJNAME"
	case S_SECTION:
		return "S_SECTION"
	case S_COFFGROUP:
		return "S_COFFGROUP"
	default:
		return fmt.Sprintf("S_0x%04x", kind)
	}
}

// IsProcSymbol returns true if the kind is a procedure symbol using the
// PROCSYM32 layout.
func IsProcSymbol(kind uint16) bool {
	switch kind {
	case S_GPROC32, S_LPROC32, S_GPROC32_ID, S_LPROC32_ID,
		S_LPROC32_DPC, S_LPROC32_DPC_ID:
		return true
	}
	return false
}

// IsGlobalSymbol returns true if the symbol has global linkage.
func IsGlobalSymbol(kind uint16) bool {
	switch kind {
	case S_GPROC32, S_GPROC32_ID, S_GDATA32, S_GTHREAD32, S_PUB32:
		return true
	}
	return false
}
