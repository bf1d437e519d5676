package msf

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"

	"github.com/pkg/errors"
)

// NilStreamSize marks an unused/deleted stream in the stream directory.
const NilStreamSize = 0xFFFFFFFF

// MSF represents an opened MSF (Multi-Stream Format) file.
type MSF struct {
	r          io.ReaderAt
	closer     io.Closer
	superBlock *SuperBlock
	directory  *StreamDirectory
	streams    []*Stream
}

// Open opens an MSF file and parses its structure.
func Open(path string) (*MSF, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open file")
	}

	m, err := NewReader(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	m.closer = f
	return m, nil
}

// NewReader parses an MSF container from r.
func NewReader(r io.ReaderAt) (*MSF, error) {
	m := &MSF{r: r}

	var err error
	m.superBlock, err = ReadSuperBlock(io.NewSectionReader(r, 0, SuperBlockSize))
	if err != nil {
		return nil, err
	}

	if err := m.readStreamDirectory(); err != nil {
		return nil, errors.Wrap(err, "failed to read stream directory")
	}

	m.buildStreams()
	return m, nil
}

// Close closes the MSF file.
func (m *MSF) Close() error {
	if m.closer != nil {
		return m.closer.Close()
	}
	return nil
}

// SuperBlock returns the MSF SuperBlock.
func (m *MSF) SuperBlock() *SuperBlock {
	return m.superBlock
}

// NumStreams returns the number of streams in the file.
func (m *MSF) NumStreams() int {
	return int(m.directory.NumStreams)
}

// Stream returns the stream at the given index.
func (m *MSF) Stream(index int) (*Stream, error) {
	if index < 0 || index >= len(m.streams) {
		return nil, errors.Errorf("stream index %d out of range [0, %d)", index, len(m.streams))
	}
	return m.streams[index], nil
}

// StreamReader returns a reader for the stream at the given index.
func (m *MSF) StreamReader(index int) (*StreamReader, error) {
	s, err := m.Stream(index)
	if err != nil {
		return nil, err
	}
	return NewStreamReader(s), nil
}

// ReadStream returns the full contents of the stream at the given index.
func (m *MSF) ReadStream(index int) ([]byte, error) {
	s, err := m.Stream(index)
	if err != nil {
		return nil, err
	}
	return s.ReadAll()
}

// BlockSize returns the block size used by this MSF file.
func (m *MSF) BlockSize() uint32 {
	return m.superBlock.BlockSize
}

func (m *MSF) readAt(p []byte, off int64) (int, error) {
	return m.r.ReadAt(p, off)
}

// readStreamDirectory follows the block map to gather the directory bytes.
func (m *MSF) readStreamDirectory() error {
	blockSize := m.superBlock.BlockSize
	numDirBlocks := m.superBlock.NumDirectoryBlocks()

	mapData := make([]byte, 4*numDirBlocks)
	blockMapOffset := int64(m.superBlock.BlockMapAddr) * int64(blockSize)
	if _, err := m.r.ReadAt(mapData, blockMapOffset); err != nil {
		return errors.Wrap(err, "failed to read block map")
	}

	dirData := make([]byte, m.superBlock.NumDirectoryBytes)
	bytesRead := 0
	for i := uint32(0); i < numDirBlocks; i++ {
		blockIdx := binary.LittleEndian.Uint32(mapData[4*i:])
		toRead := int(blockSize)
		if bytesRead+toRead > len(dirData) {
			toRead = len(dirData) - bytesRead
		}
		offset := int64(blockIdx) * int64(blockSize)
		if _, err := m.r.ReadAt(dirData[bytesRead:bytesRead+toRead], offset); err != nil {
			return errors.Wrapf(err, "failed to read directory block %d", blockIdx)
		}
		bytesRead += toRead
	}

	return m.parseStreamDirectory(dirData)
}

// parseStreamDirectory parses the stream directory from raw bytes.
func (m *MSF) parseStreamDirectory(data []byte) error {
	r := bytes.NewReader(data)

	var numStreams uint32
	if err := binary.Read(r, binary.LittleEndian, &numStreams); err != nil {
		return errors.Wrap(err, "failed to read NumStreams")
	}
	if uint64(numStreams)*4 > uint64(r.Len()) {
		return errors.Errorf("stream count %d exceeds directory size", numStreams)
	}

	streamSizes := make([]uint32, numStreams)
	if err := binary.Read(r, binary.LittleEndian, streamSizes); err != nil {
		return errors.Wrap(err, "failed to read stream sizes")
	}

	blockSize := m.superBlock.BlockSize
	streamBlocks := make([][]uint32, numStreams)
	for i, size := range streamSizes {
		if size == NilStreamSize {
			continue
		}
		blocks := make([]uint32, blocksFor(size, blockSize))
		if err := binary.Read(r, binary.LittleEndian, blocks); err != nil {
			return errors.Wrapf(err, "failed to read block indices for stream %d", i)
		}
		streamBlocks[i] = blocks
	}

	m.directory = &StreamDirectory{
		NumStreams:   numStreams,
		StreamSizes:  streamSizes,
		StreamBlocks: streamBlocks,
	}
	return nil
}

// buildStreams creates Stream objects for all streams in the directory.
func (m *MSF) buildStreams() {
	m.streams = make([]*Stream, m.directory.NumStreams)
	for i, size := range m.directory.StreamSizes {
		if size == NilStreamSize {
			size = 0
		}
		m.streams[i] = &Stream{
			msf:    m,
			size:   size,
			blocks: m.directory.StreamBlocks[i],
		}
	}
}
