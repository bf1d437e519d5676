package symgen

import (
	"bytes"
	"testing"

	"github.com/go-kit/log"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jtang613/pdbgen/pkg/pdb"
	"github.com/jtang613/pdbgen/pkg/pdb/codeview"
	"github.com/jtang613/pdbgen/pkg/pdb/streams"
	"github.com/jtang613/pdbgen/pkg/peinfo"
	"github.com/jtang613/pdbgen/pkg/rangemap"
)

type fakeReference struct {
	symbols []pdb.Symbol
	byRVA   map[uint32]string
	err     error
}

func (f *fakeReference) Symbols() ([]pdb.Symbol, error) {
	return f.symbols, f.err
}

func (f *fakeReference) FindSymbolByRVA(rva uint32) (string, bool, error) {
	if f.err != nil {
		return "", false, f.err
	}
	name, ok := f.byRVA[rva]
	return name, ok, nil
}

// .text at 0x1000 and .data at 0x5000
func obfSections() []peinfo.Section {
	return peinfo.NewSections([]streams.SectionHeader{
		{VirtualAddress: 0x1000, VirtualSize: 0x4000},
		{VirtualAddress: 0x5000, VirtualSize: 0x1000},
	})
}

func proc(name string, seg uint16, off uint32) pdb.Symbol {
	return pdb.Symbol{Kind: pdb.SymbolProc, RecordKind: codeview.S_GPROC32, Name: name, Segment: seg, Offset: off, Length: 0x10}
}

func TestSynthesizeNamesFromReference(t *testing.T) {
	ranges := rangemap.NewTable([]rangemap.Entry{{RangeStart: 0x1000, RangeEnd: 0x1010, Original: 0x2000}})
	ref := &fakeReference{byRVA: map[uint32]string{0x2000: "Foo"}}

	r := NewReconciler(obfSections(), ranges, ref, nil)
	out, err := r.Synthesize()
	require.NoError(t, err)
	assert.Equal(t, []pdb.Public{{Name: "Foo_RVA_2000", Segment: 1, Offset: 0, Flags: codeFunction}}, out)
	assert.Equal(t, Stats{Synthesized: 1}, r.Stats())
}

func TestSynthesizeUnresolved(t *testing.T) {
	ranges := rangemap.NewTable([]rangemap.Entry{
		{RangeStart: 0x1000, RangeEnd: 0x1010, Original: 0x2000},
		{RangeStart: 0x5010, RangeEnd: 0x5020, Original: 0xABCDEF},
	})
	r := NewReconciler(obfSections(), ranges, &fakeReference{}, nil)

	out, err := r.Synthesize()
	require.NoError(t, err)
	assert.Equal(t, []pdb.Public{
		{Name: "ORIGINAL_2000", Segment: 1, Offset: 0, Flags: codeFunction},
		{Name: "ORIGINAL_ABCDEF", Segment: 2, Offset: 0x10, Flags: codeFunction},
	}, out)
	assert.Equal(t, 2, r.Stats().Unresolved)
}

func TestRetainRenamesDuplicates(t *testing.T) {
	ref := &fakeReference{symbols: []pdb.Symbol{
		proc("Bar", 1, 0x100),
		proc("Bar", 1, 0x200),
		{Kind: pdb.SymbolPublic, RecordKind: codeview.S_PUB32, Name: "Bar", Segment: 2, Offset: 0x8},
	}}
	r := NewReconciler(obfSections(), rangemap.NewTable(nil), ref, nil)

	out, err := r.Retain()
	require.NoError(t, err)
	assert.Equal(t, []pdb.Public{
		{Name: "Bar", Segment: 1, Offset: 0x100, Flags: codeFunction},
		{Name: "Bar_1", Segment: 1, Offset: 0x200, Flags: codeFunction},
		{Name: "Bar_2", Segment: 2, Offset: 0x8, Flags: codeFunction},
	}, out)
	assert.Equal(t, Stats{Retained: 3, Renamed: 2}, r.Stats())
}

func TestRetainDropsRewrittenSymbols(t *testing.T) {
	ranges := rangemap.NewTable([]rangemap.Entry{{RangeStart: 0x1000, RangeEnd: 0x1010, Original: 0x2000}})
	ref := &fakeReference{
		symbols: []pdb.Symbol{
			proc("Inside", 1, 0x8),    // rva 0x1008
			proc("AtEnd", 1, 0x10),    // rva 0x1010
			proc("Outside", 1, 0x400), // rva 0x1400
		},
		byRVA: map[uint32]string{0x2000: "Orig"},
	}

	var buf bytes.Buffer
	r := NewReconciler(obfSections(), ranges, ref, log.NewLogfmtLogger(&buf))
	retained, err := r.Retain()
	require.NoError(t, err)
	synthesized, err := r.Synthesize()
	require.NoError(t, err)

	assert.Equal(t, []pdb.Public{{Name: "Outside", Segment: 1, Offset: 0x400, Flags: codeFunction}}, retained)
	assert.Equal(t, []pdb.Public{{Name: "Orig_RVA_2000", Segment: 1, Offset: 0, Flags: codeFunction}}, synthesized)
	assert.Equal(t, Stats{Retained: 1, Dropped: 2, Synthesized: 1}, r.Stats())
	assert.Contains(t, buf.String(), "name=Inside")
}

func TestRetainKeepsLabelFlags(t *testing.T) {
	ref := &fakeReference{symbols: []pdb.Symbol{
		{Kind: pdb.SymbolLabel, RecordKind: codeview.S_LABEL32, Name: "lbl", Segment: 1, Offset: 0x20, Flags: 0x80},
		{Kind: pdb.SymbolPublic, RecordKind: codeview.S_PUB32, Name: "data", Segment: 2, Offset: 0, Flags: codeview.PubFlagNone},
	}}
	r := NewReconciler(obfSections(), rangemap.NewTable(nil), ref, nil)

	out, err := r.Retain()
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, uint32(0x80), out[0].Flags)
	assert.Equal(t, uint32(codeFunction), out[1].Flags)
}

func TestNamesSharedAcrossPasses(t *testing.T) {
	ranges := rangemap.NewTable([]rangemap.Entry{
		{RangeStart: 0x3000, RangeEnd: 0x3004, Original: 0x2000},
		{RangeStart: 0x3010, RangeEnd: 0x3014, Original: 0x2000},
	})
	ref := &fakeReference{
		symbols: []pdb.Symbol{proc("Foo_RVA_2000", 1, 0x100)},
		byRVA:   map[uint32]string{0x2000: "Foo"},
	}
	r := NewReconciler(obfSections(), ranges, ref, nil)

	retained, err := r.Retain()
	require.NoError(t, err)
	synthesized, err := r.Synthesize()
	require.NoError(t, err)

	assert.Equal(t, "Foo_RVA_2000", retained[0].Name)
	assert.Equal(t, "Foo_RVA_2000_1", synthesized[0].Name)
	assert.Equal(t, "Foo_RVA_2000_2", synthesized[1].Name)
	assert.Equal(t, 2, r.Stats().Renamed)
}

func TestReconcilerErrors(t *testing.T) {
	t.Run("symbol in unknown section", func(t *testing.T) {
		ref := &fakeReference{symbols: []pdb.Symbol{proc("f", 3, 0)}}
		_, err := NewReconciler(obfSections(), rangemap.NewTable(nil), ref, nil).Retain()
		assert.ErrorIs(t, err, peinfo.ErrInvalidSection)
	})

	t.Run("symbol in section zero", func(t *testing.T) {
		ref := &fakeReference{symbols: []pdb.Symbol{proc("f", 0, 0)}}
		_, err := NewReconciler(obfSections(), rangemap.NewTable(nil), ref, nil).Retain()
		assert.ErrorIs(t, err, peinfo.ErrInvalidSection)
	})

	t.Run("range outside every section", func(t *testing.T) {
		ranges := rangemap.NewTable([]rangemap.Entry{{RangeStart: 0x9000, RangeEnd: 0x9010, Original: 0x2000}})
		_, err := NewReconciler(obfSections(), ranges, &fakeReference{}, nil).Synthesize()
		assert.ErrorIs(t, err, peinfo.ErrRVANotInAnySection)
	})

	t.Run("undecodable reference", func(t *testing.T) {
		ref := &fakeReference{err: errors.Wrap(codeview.ErrDeserialization, "record at 0x0")}
		r := NewReconciler(obfSections(), rangemap.NewTable([]rangemap.Entry{{RangeStart: 0x1000, RangeEnd: 0x1000}}), ref, nil)
		_, err := r.Retain()
		assert.ErrorIs(t, err, codeview.ErrDeserialization)
		_, err = r.Synthesize()
		assert.ErrorIs(t, err, codeview.ErrDeserialization)
	})
}
