package rangemap

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-kit/log"
	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encode(entries ...Entry) []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, entries)
	return buf.Bytes()
}

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestReadBinarySorts(t *testing.T) {
	table, err := ReadBinary(bytes.NewReader(encode(
		Entry{0x3000, 0x3010, 0x9000},
		Entry{0x1000, 0x1010, 0x2000},
		Entry{0x2000, 0x2004, 0x5000},
	)))
	require.NoError(t, err)
	assert.Equal(t, []Entry{
		{0x1000, 0x1010, 0x2000},
		{0x2000, 0x2004, 0x5000},
		{0x3000, 0x3010, 0x9000},
	}, table.Entries())
}

func TestReadBinaryBadSize(t *testing.T) {
	for _, n := range []int{1, 11, 13, 25} {
		_, err := ReadBinary(bytes.NewReader(make([]byte, n)))
		assert.ErrorIs(t, err, ErrFormat, "size %d", n)
	}

	table, err := ReadBinary(bytes.NewReader(nil))
	require.NoError(t, err)
	assert.Zero(t, table.Len())
}

func TestReadCSV(t *testing.T) {
	in := strings.Join([]string{
		"rangeStart,rangeEnd,originalAddress",
		"0x3000, 0x3010, 0x9000",
		"",
		"1000,1010,2000",
		"  0X2000 ,2004,  5000  ",
		"",
	}, "\r\n")

	table, err := ReadCSV(strings.NewReader(in))
	require.NoError(t, err)
	assert.Equal(t, []Entry{
		{0x1000, 0x1010, 0x2000},
		{0x2000, 0x2004, 0x5000},
		{0x3000, 0x3010, 0x9000},
	}, table.Entries())
}

func TestReadCSVMalformed(t *testing.T) {
	for name, in := range map[string]string{
		"too few fields": "h1,h2,h3\n1000,1010\n",
		"not hex":        "h1,h2,h3\n1000,zz,2000\n",
		"overflow":       "h1,h2,h3\n1000,100000000,2000\n",
		"bad quoting":    "h1,h2,h3\n\"1000,1010,2000\n",
	} {
		_, err := ReadCSV(strings.NewReader(in))
		assert.ErrorIs(t, err, ErrFormat, name)
	}

	table, err := ReadCSV(strings.NewReader("header only\n"))
	require.NoError(t, err)
	assert.Zero(t, table.Len())
}

func TestLoad(t *testing.T) {
	bin := writeFile(t, "map.bin", encode(Entry{0x1000, 0x1010, 0x2000}))
	csvPath := writeFile(t, "map.CSV", []byte("start,end,orig\n1000,1010,2000\n2000,2010,3000\n"))

	assert.Equal(t, 1, Load(bin, FormatAuto, nil).Len())
	assert.Equal(t, 2, Load(csvPath, FormatAuto, nil).Len())
	assert.Equal(t, 2, Load(csvPath, FormatCSV, nil).Len())

	// a csv file forced through the binary decoder is rejected
	var buf bytes.Buffer
	assert.Zero(t, Load(csvPath, FormatBinary, log.NewLogfmtLogger(&buf)).Len())
	assert.Contains(t, buf.String(), "level=error")
	assert.Contains(t, buf.String(), "malformed range table")
}

func TestLoadMissingFileIsNotFatal(t *testing.T) {
	var buf bytes.Buffer
	table := Load(filepath.Join(t.TempDir(), "missing.bin"), FormatAuto, log.NewLogfmtLogger(&buf))
	require.NotNil(t, table)
	assert.Zero(t, table.Len())
	assert.False(t, table.Contains(0))
	assert.Contains(t, buf.String(), "failed to open range table")

	_, err := LoadBinary(filepath.Join(t.TempDir(), "missing.bin"))
	assert.ErrorIs(t, err, ErrFileOpen)
	_, err = LoadCSV(filepath.Join(t.TempDir(), "missing.csv"))
	assert.ErrorIs(t, err, ErrFileOpen)
}

func TestFormatResolve(t *testing.T) {
	for _, tc := range []struct {
		format Format
		path   string
		want   Format
	}{
		{FormatAuto, "a.csv", FormatCSV},
		{FormatAuto, "a.bin", FormatBinary},
		{FormatAuto, "a", FormatBinary},
		{"", "a.csv", FormatCSV},
		{FormatBinary, "a.csv", FormatBinary},
		{FormatCSV, "a.bin", FormatCSV},
	} {
		got, err := tc.format.Resolve(tc.path)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got, "%s %s", tc.format, tc.path)
	}

	_, err := Format("json").Resolve("a.json")
	assert.Error(t, err)
}

func TestContains(t *testing.T) {
	table := NewTable([]Entry{
		{0x2000, 0x2004, 0x5000},
		{0x1000, 0x1010, 0x2000},
		{0x3000, 0x3000, 0x9000},
	})

	for _, tc := range []struct {
		addr uint32
		want bool
	}{
		{0x0000, false},
		{0x0FFF, false},
		{0x1000, true},
		{0x1008, true},
		{0x1010, true},
		{0x1011, false},
		{0x1FFF, false},
		{0x2000, true},
		{0x2004, true},
		{0x2005, false},
		{0x3000, true},
		{0x3001, false},
		{0xFFFFFFFF, false},
	} {
		assert.Equal(t, tc.want, table.Contains(tc.addr), "addr 0x%x", tc.addr)
	}
}

// For disjoint tables membership agrees with a linear containment scan.
func TestContainsMatchesLinearScan(t *testing.T) {
	var entries []Entry
	for start := uint32(0x100); start < 0x2000; start += 0x180 {
		entries = append(entries, Entry{RangeStart: start, RangeEnd: start + start%0x100, Original: start})
	}
	table := NewTable(entries)
	require.NoError(t, table.Validate())

	for addr := uint32(0); addr < 0x2100; addr++ {
		want := false
		for _, e := range entries {
			if e.Contains(addr) {
				want = true
			}
		}
		require.Equal(t, want, table.Contains(addr), "addr 0x%x", addr)
	}
}

func TestValidate(t *testing.T) {
	assert.NoError(t, NewTable(nil).Validate())
	assert.NoError(t, NewTable([]Entry{{0x1000, 0x1010, 0}, {0x1011, 0x1020, 0}}).Validate())

	err := NewTable([]Entry{
		{0x1000, 0x1010, 0},
		{0x1010, 0x1020, 0}, // touches the end of the first
		{0x1005, 0x1006, 0}, // nested in the first
		{0x4000, 0x3000, 0}, // inverted
	}).Validate()
	require.Error(t, err)

	var merr *multierror.Error
	require.ErrorAs(t, err, &merr)
	assert.Len(t, merr.Errors, 3)
	assert.Contains(t, err.Error(), "0x4000-0x3000 is inverted")
	assert.Contains(t, err.Error(), "ranges 0x1000-0x1010 and 0x1005-0x1006 overlap")
}
