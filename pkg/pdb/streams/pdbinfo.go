// Package streams provides parsers and writers for the various PDB streams.
package streams

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sort"

	"github.com/pkg/errors"
)

// PDB Stream versions
const (
	PDBStreamVersionVC2     = 19941610
	PDBStreamVersionVC4     = 19950623
	PDBStreamVersionVC41    = 19950814
	PDBStreamVersionVC50    = 19960307
	PDBStreamVersionVC98    = 19970604
	PDBStreamVersionVC70Dep = 19990604
	PDBStreamVersionVC70    = 20000404
	PDBStreamVersionVC80    = 20030901
	PDBStreamVersionVC110   = 20091201
	PDBStreamVersionVC140   = 20140508
)

// Feature signatures trailing the named stream map.
const (
	FeatureVC110            = 20091201
	FeatureVC140            = 20140508
	FeatureNoTypeMerge      = 0x4D544F4E
	FeatureMinimalDebugInfo = 0x494E494D
)

// NamesStreamName is the named stream holding the global string table.
const NamesStreamName = "/names"

// PDBInfo represents the PDB Info Stream (Stream 1).
type PDBInfo struct {
	Version      uint32
	Signature    uint32            // Timestamp of PDB creation
	Age          uint32            // Number of times PDB has been written
	GUID         [16]byte          // Unique identifier
	NamedStreams map[string]uint32 // Map of named streams to stream indices
	Features     []uint32
}

// PDBInfoHeader is the fixed header at the start of the PDB info stream.
type PDBInfoHeader struct {
	Version   uint32
	Signature uint32
	Age       uint32
	GUID      [16]byte
}

// ReadPDBInfo parses the PDB info stream.
func ReadPDBInfo(r io.Reader) (*PDBInfo, error) {
	var header PDBInfoHeader
	if err := binary.Read(r, binary.LittleEndian, &header); err != nil {
		return nil, errors.Wrap(err, "failed to read PDB info header")
	}

	info := &PDBInfo{
		Version:      header.Version,
		Signature:    header.Signature,
		Age:          header.Age,
		GUID:         header.GUID,
		NamedStreams: make(map[string]uint32),
	}

	// Older PDBs may stop right after the header.
	if err := readNamedStreamMap(r, info.NamedStreams); err != nil {
		return info, nil
	}

	for {
		var sig uint32
		if err := binary.Read(r, binary.LittleEndian, &sig); err != nil {
			break
		}
		switch sig {
		case FeatureVC110, FeatureVC140, FeatureNoTypeMerge, FeatureMinimalDebugInfo:
			info.Features = append(info.Features, sig)
		}
	}

	return info, nil
}

// readNamedStreamMap reads the string buffer and serialized hash table.
func readNamedStreamMap(r io.Reader, out map[string]uint32) error {
	var strBufSize uint32
	if err := binary.Read(r, binary.LittleEndian, &strBufSize); err != nil {
		return err
	}
	strBuf := make([]byte, strBufSize)
	if _, err := io.ReadFull(r, strBuf); err != nil {
		return err
	}

	var hdr struct {
		Size     uint32
		Capacity uint32
	}
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return err
	}
	present, err := readBitVector(r)
	if err != nil {
		return err
	}
	if _, err := readBitVector(r); err != nil {
		return err
	}

	for i := uint32(0); i < hdr.Capacity; i++ {
		if !isBitSet(present, i) {
			continue
		}
		var kv [2]uint32
		if err := binary.Read(r, binary.LittleEndian, &kv); err != nil {
			return err
		}
		if kv[0] < strBufSize {
			out[extractCString(strBuf[kv[0]:])] = kv[1]
		}
	}
	return nil
}

func readBitVector(r io.Reader) ([]uint32, error) {
	var words uint32
	if err := binary.Read(r, binary.LittleEndian, &words); err != nil {
		return nil, err
	}
	if words > 1<<20 {
		return nil, errors.Errorf("bit vector too large: %d words", words)
	}
	vec := make([]uint32, words)
	if err := binary.Read(r, binary.LittleEndian, vec); err != nil {
		return nil, err
	}
	return vec, nil
}

// GUIDString returns the GUID as a formatted string.
func (p *PDBInfo) GUIDString() string {
	return FormatGUID(p.GUID)
}

// HasFeature reports whether the info stream lists the feature signature.
func (p *PDBInfo) HasFeature(sig uint32) bool {
	for _, f := range p.Features {
		if f == sig {
			return true
		}
	}
	return false
}

// FormatGUID renders a GUID stored in Windows byte order the way debuggers
// print PDB identifiers.
func FormatGUID(g [16]byte) string {
	return fmt.Sprintf("%08X%04X%04X%02X%02X%02X%02X%02X%02X%02X%02X",
		binary.LittleEndian.Uint32(g[0:4]),
		binary.LittleEndian.Uint16(g[4:6]),
		binary.LittleEndian.Uint16(g[6:8]),
		g[8], g[9], g[10], g[11],
		g[12], g[13], g[14], g[15])
}

// WritePDBInfo serializes an info stream. Named streams are written in name
// order so the output is deterministic.
func WritePDBInfo(info *PDBInfo) []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, PDBInfoHeader{
		Version:   info.Version,
		Signature: info.Signature,
		Age:       info.Age,
		GUID:      info.GUID,
	})

	names := make([]string, 0, len(info.NamedStreams))
	for name := range info.NamedStreams {
		names = append(names, name)
	}
	sort.Strings(names)

	strBuf := new(bytes.Buffer)
	offsets := make([]uint32, len(names))
	for i, name := range names {
		offsets[i] = uint32(strBuf.Len())
		strBuf.WriteString(name)
		strBuf.WriteByte(0)
	}
	binary.Write(buf, binary.LittleEndian, uint32(strBuf.Len()))
	buf.Write(strBuf.Bytes())

	capacity := uint32(8)
	for uint32(len(names)) >= capacity*2/3 {
		capacity *= 2
	}
	slots := make([]int, capacity)
	for i := range slots {
		slots[i] = -1
	}
	for i, name := range names {
		slot := uint32(uint16(HashStringV1(name))) % capacity
		for slots[slot] != -1 {
			slot = (slot + 1) % capacity
		}
		slots[slot] = i
	}

	binary.Write(buf, binary.LittleEndian, uint32(len(names)))
	binary.Write(buf, binary.LittleEndian, capacity)
	present := make([]uint32, (capacity+31)/32)
	last := -1
	for slot, idx := range slots {
		if idx >= 0 {
			present[slot/32] |= 1 << (uint(slot) % 32)
			last = slot
		}
	}
	present = present[:(last+1+31)/32]
	binary.Write(buf, binary.LittleEndian, uint32(len(present)))
	binary.Write(buf, binary.LittleEndian, present)
	binary.Write(buf, binary.LittleEndian, uint32(0)) // deleted bit vector
	for _, idx := range slots {
		if idx >= 0 {
			binary.Write(buf, binary.LittleEndian, [2]uint32{offsets[idx], info.NamedStreams[names[idx]]})
		}
	}

	binary.Write(buf, binary.LittleEndian, uint32(0))
	for _, f := range info.Features {
		binary.Write(buf, binary.LittleEndian, f)
	}
	return buf.Bytes()
}

// isBitSet checks if bit n is set in the bit vector.
func isBitSet(words []uint32, n uint32) bool {
	wordIdx := n / 32
	if wordIdx >= uint32(len(words)) {
		return false
	}
	return words[wordIdx]&(1<<(n%32)) != 0
}

// extractCString extracts a null-terminated string from bytes.
func extractCString(data []byte) string {
	idx := bytes.IndexByte(data, 0)
	if idx == -1 {
		return string(data)
	}
	return string(data[:idx])
}
