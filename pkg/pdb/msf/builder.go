package msf

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"

	"github.com/pkg/errors"
)

// Builder lays out a set of streams into a new MSF container.
// Streams are placed in index order; block 0 holds the SuperBlock and
// blocks 1 and 2 of every interval are reserved for the free block maps.
type Builder struct {
	blockSize uint32
	streams   [][]byte
}

// NewBuilder creates a builder using the given block size.
func NewBuilder(blockSize uint32) (*Builder, error) {
	if !isValidBlockSize(blockSize) {
		return nil, errors.Errorf("invalid block size: %d", blockSize)
	}
	return &Builder{blockSize: blockSize}, nil
}

// AddStream appends a stream and returns its index.
func (b *Builder) AddStream(data []byte) uint16 {
	b.streams = append(b.streams, data)
	return uint16(len(b.streams) - 1)
}

// SetStream replaces the contents of an existing stream.
func (b *Builder) SetStream(index uint16, data []byte) error {
	if int(index) >= len(b.streams) {
		return errors.Errorf("stream index %d out of range [0, %d)", index, len(b.streams))
	}
	b.streams[index] = data
	return nil
}

// NumStreams returns the number of streams added so far.
func (b *Builder) NumStreams() int {
	return len(b.streams)
}

// layout tracks block assignment while the file is built.
type layout struct {
	blockSize uint32
	next      uint32
}

func (l *layout) isFPM(block uint32) bool {
	pos := block % l.blockSize
	return pos == 1 || pos == 2
}

func (l *layout) alloc(n uint32) []uint32 {
	blocks := make([]uint32, 0, n)
	for uint32(len(blocks)) < n {
		if !l.isFPM(l.next) {
			blocks = append(blocks, l.next)
		}
		l.next++
	}
	return blocks
}

// Bytes lays out all streams and returns the complete file image.
func (b *Builder) Bytes() ([]byte, error) {
	l := &layout{blockSize: b.blockSize, next: 3}

	streamBlocks := make([][]uint32, len(b.streams))
	for i, data := range b.streams {
		streamBlocks[i] = l.alloc(blocksFor(uint32(len(data)), b.blockSize))
	}

	dir := new(bytes.Buffer)
	binary.Write(dir, binary.LittleEndian, uint32(len(b.streams)))
	for _, data := range b.streams {
		binary.Write(dir, binary.LittleEndian, uint32(len(data)))
	}
	for _, blocks := range streamBlocks {
		binary.Write(dir, binary.LittleEndian, blocks)
	}

	dirBlocks := l.alloc(blocksFor(uint32(dir.Len()), b.blockSize))
	if uint32(len(dirBlocks))*4 > b.blockSize {
		return nil, errors.Errorf("stream directory needs %d blocks, block map holds at most %d", len(dirBlocks), b.blockSize/4)
	}
	blockMap := l.alloc(1)[0]

	numBlocks := l.next
	if l.isFPM(numBlocks) {
		numBlocks = numBlocks - numBlocks%b.blockSize + 3
	}

	image := make([]byte, int(numBlocks)*int(b.blockSize))
	block := func(idx uint32) []byte {
		off := int(idx) * int(b.blockSize)
		return image[off : off+int(b.blockSize)]
	}

	sb := &SuperBlock{
		BlockSize:         b.blockSize,
		FreeBlockMapBlock: 1,
		NumBlocks:         numBlocks,
		NumDirectoryBytes: uint32(dir.Len()),
		BlockMapAddr:      blockMap,
	}
	copy(sb.Magic[:], MSFMagic)
	header := new(bytes.Buffer)
	if _, err := sb.WriteTo(header); err != nil {
		return nil, err
	}
	copy(image, header.Bytes())

	b.writeFPM(numBlocks, block)

	for i, data := range b.streams {
		for j, idx := range streamBlocks[i] {
			copy(block(idx), data[j*int(b.blockSize):])
		}
	}
	dirData := dir.Bytes()
	for j, idx := range dirBlocks {
		copy(block(idx), dirData[j*int(b.blockSize):])
	}
	mapData := block(blockMap)
	for j, idx := range dirBlocks {
		binary.LittleEndian.PutUint32(mapData[4*j:], idx)
	}

	return image, nil
}

// writeFPM marks every block below numBlocks as used in both free block maps.
// The map is a single bit vector spread over the FPM block of each interval.
func (b *Builder) writeFPM(numBlocks uint32, block func(uint32) []byte) {
	bits := make([]byte, (numBlocks+7)/8)
	for i := range bits {
		bits[i] = 0xFF
	}
	for i := uint32(0); i < numBlocks; i++ {
		bits[i/8] &^= 1 << (i % 8)
	}

	for interval := uint32(0); interval*b.blockSize+2 < numBlocks; interval++ {
		for _, fpm := range []uint32{1, 2} {
			dst := block(interval*b.blockSize + fpm)
			for i := range dst {
				dst[i] = 0xFF
			}
			start := interval * b.blockSize
			if start < uint32(len(bits)) {
				copy(dst, bits[start:])
			}
		}
	}
}

// WriteTo writes the container to w.
func (b *Builder) WriteTo(w io.Writer) (int64, error) {
	image, err := b.Bytes()
	if err != nil {
		return 0, err
	}
	n, err := w.Write(image)
	return int64(n), err
}

// Commit writes the container to path. A partially written file is removed.
func (b *Builder) Commit(path string) error {
	image, err := b.Bytes()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, image, 0o644); err != nil {
		os.Remove(path)
		return errors.Wrapf(err, "failed to write %s", path)
	}
	return nil
}
