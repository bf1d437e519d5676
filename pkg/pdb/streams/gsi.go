package streams

import (
	"bytes"
	"encoding/binary"
	"sort"

	"github.com/pkg/errors"
)

// GSI hash table constants.
const (
	GSIHashBuckets     = 4096
	gsiHashSignature   = 0xFFFFFFFF
	gsiHashVersion     = 0xeffe0000 + 19990810
	gsiHashRecordSize  = 12 // in-memory HROffsetCalc size used for bucket offsets
	gsiHashBitmapWords = (GSIHashBuckets + 32) / 32
)

var errShortPublics = errors.New("publics address map exceeds stream")

// GSIRecord references one symbol in the symbol record stream.
type GSIRecord struct {
	Name         string
	Segment      uint16
	Offset       uint32
	RecordOffset uint32 // offset of the record in the symbol record stream
}

// PublicsHeader precedes the GSI hash in the publics stream.
type PublicsHeader struct {
	SymHash         uint32
	AddrMap         uint32
	NumThunks       uint32
	SizeOfThunk     uint32
	ISectThunkTable uint16
	Padding         uint16
	OffThunkTable   uint32
	NumSections     uint32
}

// WriteGSIHash serializes the hash table over records.
func WriteGSIHash(records []GSIRecord) []byte {
	var buckets [GSIHashBuckets][]int
	for i, rec := range records {
		b := HashStringV1(rec.Name) % GSIHashBuckets
		buckets[b] = append(buckets[b], i)
	}

	hashRecords := new(bytes.Buffer)
	var bitmap [gsiHashBitmapWords]uint32
	var bucketOffsets []uint32
	count := uint32(0)
	for b, members := range buckets {
		if len(members) == 0 {
			continue
		}
		sort.SliceStable(members, func(i, j int) bool {
			ri, rj := records[members[i]], records[members[j]]
			if c := compareGSIName(ri.Name, rj.Name); c != 0 {
				return c < 0
			}
			return ri.RecordOffset < rj.RecordOffset
		})
		bitmap[b/32] |= 1 << (uint(b) % 32)
		bucketOffsets = append(bucketOffsets, count*gsiHashRecordSize)
		for _, idx := range members {
			// offsets are biased by one; CRef is always 1
			binary.Write(hashRecords, binary.LittleEndian, [2]uint32{records[idx].RecordOffset + 1, 1})
			count++
		}
	}

	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, [4]uint32{
		gsiHashSignature,
		gsiHashVersion,
		uint32(hashRecords.Len()),
		uint32(4*len(bitmap) + 4*len(bucketOffsets)),
	})
	buf.Write(hashRecords.Bytes())
	binary.Write(buf, binary.LittleEndian, bitmap)
	binary.Write(buf, binary.LittleEndian, bucketOffsets)
	return buf.Bytes()
}

// WritePublics serializes the publics stream: header, GSI hash and the
// address map sorted by segment, offset and name.
func WritePublics(records []GSIRecord) []byte {
	hash := WriteGSIHash(records)

	order := make([]int, len(records))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		a, b := records[order[i]], records[order[j]]
		if a.Segment != b.Segment {
			return a.Segment < b.Segment
		}
		if a.Offset != b.Offset {
			return a.Offset < b.Offset
		}
		return a.Name < b.Name
	})
	addrMap := make([]uint32, len(order))
	for i, idx := range order {
		addrMap[i] = records[idx].RecordOffset
	}

	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, PublicsHeader{
		SymHash: uint32(len(hash)),
		AddrMap: uint32(4 * len(addrMap)),
	})
	buf.Write(hash)
	binary.Write(buf, binary.LittleEndian, addrMap)
	return buf.Bytes()
}

// ReadPublicsAddressMap returns the symbol record offsets of the address map.
func ReadPublicsAddressMap(data []byte) ([]uint32, error) {
	var hdr PublicsHeader
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &hdr); err != nil {
		return nil, err
	}
	start := 28 + int(hdr.SymHash)
	end := start + int(hdr.AddrMap)
	if end > len(data) || hdr.AddrMap%4 != 0 {
		return nil, errShortPublics
	}
	out := make([]uint32, hdr.AddrMap/4)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(data[start+4*i:])
	}
	return out, nil
}
