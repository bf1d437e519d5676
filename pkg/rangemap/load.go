package rangemap

import (
	"bytes"
	"encoding/binary"
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
)

var (
	// ErrFileOpen is returned when the range table file cannot be opened.
	ErrFileOpen = errors.New("failed to open range table")
	// ErrFormat is returned when the range table contents are malformed.
	ErrFormat = errors.New("malformed range table")
)

// RecordSize is the size of one binary table record.
const RecordSize = 12

// Format selects how a range table file is decoded.
type Format string

const (
	FormatAuto   Format = "auto"
	FormatBinary Format = "binary"
	FormatCSV    Format = "csv"
)

// Formats lists the accepted format names.
var Formats = []string{string(FormatAuto), string(FormatBinary), string(FormatCSV)}

// Resolve picks a concrete format for path. Auto selects CSV for files with
// a .csv extension and binary otherwise.
func (f Format) Resolve(path string) (Format, error) {
	switch f {
	case FormatBinary, FormatCSV:
		return f, nil
	case FormatAuto, "":
		if strings.EqualFold(filepath.Ext(path), ".csv") {
			return FormatCSV, nil
		}
		return FormatBinary, nil
	}
	return "", errors.Errorf("unknown range table format %q", string(f))
}

// Load reads the range table at path. Failures are not fatal: they are
// logged and an empty table is returned.
func Load(path string, format Format, logger log.Logger) *Table {
	if logger == nil {
		logger = log.NewNopLogger()
	}

	var t *Table
	f, err := format.Resolve(path)
	if err == nil {
		switch f {
		case FormatCSV:
			t, err = LoadCSV(path)
		default:
			t, err = LoadBinary(path)
		}
	}
	if err != nil {
		level.Error(logger).Log("msg", "range table not loaded, continuing with an empty table", "path", path, "err", err)
		return NewTable(nil)
	}

	level.Debug(logger).Log("msg", "loaded range table", "path", path, "format", f, "entries", t.Len())
	return t
}

// LoadBinary reads a binary range table file.
func LoadBinary(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(ErrFileOpen, "%v", err)
	}
	defer f.Close()
	return ReadBinary(f)
}

// LoadCSV reads a CSV range table file.
func LoadCSV(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(ErrFileOpen, "%v", err)
	}
	defer f.Close()
	return ReadCSV(f)
}

// ReadBinary decodes consecutive 12-byte records of three little-endian
// uint32 values: range start, range end and original address.
func ReadBinary(r io.Reader) (*Table, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read range table")
	}
	if len(data)%RecordSize != 0 {
		return nil, errors.Wrapf(ErrFormat, "size %d is not a multiple of %d", len(data), RecordSize)
	}

	entries := make([]Entry, len(data)/RecordSize)
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, entries); err != nil {
		return nil, errors.Wrap(err, "failed to decode range table")
	}
	return NewTable(entries), nil
}

// ReadCSV decodes a header line followed by rows of three hexadecimal
// values. A 0x prefix and surrounding whitespace are accepted.
func ReadCSV(r io.Reader) (*Table, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	var entries []Entry
	for row := 0; ; row++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(ErrFormat, "%v", err)
		}
		if row == 0 {
			continue
		}

		line, _ := cr.FieldPos(0)
		if len(rec) != 3 {
			return nil, errors.Wrapf(ErrFormat, "line %d: expected 3 fields, got %d", line, len(rec))
		}
		var vals [3]uint32
		for i, field := range rec {
			v, err := parseHex(field)
			if err != nil {
				return nil, errors.Wrapf(ErrFormat, "line %d: %v", line, err)
			}
			vals[i] = v
		}
		entries = append(entries, Entry{RangeStart: vals[0], RangeEnd: vals[1], Original: vals[2]})
	}
	return NewTable(entries), nil
}

func parseHex(s string) (uint32, error) {
	s = strings.TrimSpace(s)
	if len(s) > 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		s = s[2:]
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, errors.Errorf("invalid hex value %q", s)
	}
	return uint32(v), nil
}
