package pdb

import (
	"io"
	"sort"

	"github.com/pkg/errors"

	"github.com/jtang613/pdbgen/pkg/pdb/codeview"
	"github.com/jtang613/pdbgen/pkg/pdb/msf"
	"github.com/jtang613/pdbgen/pkg/pdb/streams"
	"github.com/jtang613/pdbgen/pkg/peinfo"
)

// Stream indices
const (
	StreamOldDirectory = 0 // Previous stream directory
	StreamPDB          = 1 // PDB info stream
	StreamTPI          = 2 // Type info stream
	StreamDBI          = 3 // Debug info stream
	StreamIPI          = 4 // ID info stream
)

// PDB represents an opened PDB file.
type PDB struct {
	msf     *msf.MSF
	pdbInfo *streams.PDBInfo
	dbi     *streams.DBIStream

	// Cached results
	symbols   []Symbol
	sections  []peinfo.Section
	functions []Function
	publics   []PublicSymbol
	index     *addrIndex
}

// Open opens a PDB file and parses its core structures.
func Open(path string) (*PDB, error) {
	m, err := msf.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open MSF")
	}

	p, err := newPDB(m)
	if err != nil {
		m.Close()
		return nil, err
	}
	return p, nil
}

// NewReader parses a PDB held in r. Close is a no-op for readers that are
// not closers.
func NewReader(r io.ReaderAt) (*PDB, error) {
	m, err := msf.NewReader(r)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read MSF")
	}
	return newPDB(m)
}

func newPDB(m *msf.MSF) (*PDB, error) {
	p := &PDB{msf: m}

	if m.NumStreams() > StreamPDB {
		reader, err := m.StreamReader(StreamPDB)
		if err != nil {
			return nil, err
		}
		if p.pdbInfo, err = streams.ReadPDBInfo(reader); err != nil {
			return nil, errors.Wrap(err, "failed to read PDB info stream")
		}
	}

	// A PDB without a DBI stream has no symbols; that is not an error.
	if m.NumStreams() > StreamDBI {
		data, err := m.ReadStream(StreamDBI)
		if err != nil {
			return nil, errors.Wrap(err, "failed to read DBI stream")
		}
		if len(data) > 0 {
			if p.dbi, err = streams.ReadDBIStream(data); err != nil {
				return nil, errors.Wrap(err, "failed to parse DBI stream")
			}
		}
	}

	return p, nil
}

// Close closes the PDB file.
func (p *PDB) Close() error {
	if p.msf != nil {
		return p.msf.Close()
	}
	return nil
}

// Info returns basic PDB file information.
func (p *PDB) Info() *PDBInfo {
	info := &PDBInfo{
		Streams: p.msf.NumStreams(),
	}

	if p.pdbInfo != nil {
		info.GUID = p.pdbInfo.GUIDString()
		info.Age = p.pdbInfo.Age
		info.Signature = p.pdbInfo.Signature
		info.Version = p.pdbInfo.Version
		info.NamedStreams = p.pdbInfo.NamedStreams
	}

	if p.dbi != nil {
		info.Machine = streams.MachineTypeName(p.dbi.Header.Machine)
	}

	return info
}

// Modules returns the compilands listed in the DBI stream.
func (p *PDB) Modules() []ModuleInfo {
	if p.dbi == nil {
		return nil
	}
	mods := make([]ModuleInfo, 0, len(p.dbi.Modules))
	for _, m := range p.dbi.Modules {
		mods = append(mods, ModuleInfo{
			Name:         m.ModuleName,
			ObjectFile:   m.ObjFileName,
			SymbolStream: m.ModuleSymStream,
			SymbolSize:   m.SymByteSize,
			SourceFiles:  m.SourceFileCount,
		})
	}
	return mods
}

func (p *PDB) readStream(index uint16) ([]byte, error) {
	if index == streams.InvalidStreamIndex {
		return nil, nil
	}
	return p.msf.ReadStream(int(index))
}

// Symbols classifies the symbol record stream in stream order. Records other
// than procedures, publics and labels are skipped. A record that cannot be
// decoded fails with codeview.ErrDeserialization.
func (p *PDB) Symbols() ([]Symbol, error) {
	if p.symbols != nil {
		return p.symbols, nil
	}

	if p.dbi == nil {
		p.symbols = make([]Symbol, 0)
		return p.symbols, nil
	}

	data, err := p.readStream(p.dbi.Header.SymRecordStream)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read symbol record stream")
	}
	syms, err := classify(data)
	if err != nil {
		return nil, err
	}
	p.symbols = syms
	return p.symbols, nil
}

func classify(data []byte) ([]Symbol, error) {
	records, err := codeview.ParseSymbols(data)
	if err != nil {
		return nil, err
	}

	symbols := make([]Symbol, 0, len(records))
	for _, rec := range records {
		switch {
		case codeview.IsProcSymbol(rec.Kind):
			proc, err := codeview.ParseProcSym(rec.Data)
			if err != nil {
				return nil, errors.Wrapf(err, "record at 0x%x", rec.Offset)
			}
			symbols = append(symbols, Symbol{
				Kind:       SymbolProc,
				RecordKind: rec.Kind,
				Name:       proc.Name,
				Segment:    proc.Segment,
				Offset:     proc.Offset,
				Length:     proc.Length,
				TypeIndex:  proc.TypeIndex,
				Flags:      uint32(proc.Flags),
			})

		case rec.Kind == codeview.S_PUB32:
			pub, err := codeview.ParsePubSym(rec.Data)
			if err != nil {
				return nil, errors.Wrapf(err, "record at 0x%x", rec.Offset)
			}
			symbols = append(symbols, Symbol{
				Kind:       SymbolPublic,
				RecordKind: rec.Kind,
				Name:       pub.Name,
				Segment:    pub.Segment,
				Offset:     pub.Offset,
				Flags:      pub.Flags,
			})

		case rec.Kind == codeview.S_LABEL32:
			label, err := codeview.ParseLabelSym(rec.Data)
			if err != nil {
				return nil, errors.Wrapf(err, "record at 0x%x", rec.Offset)
			}
			symbols = append(symbols, Symbol{
				Kind:       SymbolLabel,
				RecordKind: rec.Kind,
				Name:       label.Name,
				Segment:    label.Segment,
				Offset:     label.Offset,
				Flags:      uint32(label.Flags),
			})
		}
	}
	return symbols, nil
}

// Sections returns the sections recorded in the optional debug header's
// section header stream, or nil when the PDB has none.
func (p *PDB) Sections() ([]SectionInfo, error) {
	sections, err := p.imageSections()
	if err != nil {
		return nil, err
	}
	out := make([]SectionInfo, len(sections))
	for i, s := range sections {
		out[i] = SectionInfo{
			Index:  uint16(s.Index),
			Name:   s.Name(),
			Offset: s.VirtualAddress,
			Length: s.VirtualSize,
		}
	}
	return out, nil
}

func (p *PDB) imageSections() ([]peinfo.Section, error) {
	if p.sections != nil || p.dbi == nil {
		return p.sections, nil
	}

	data, err := p.readStream(p.dbi.DbgStream(streams.DbgHeaderSectionHdr))
	if err != nil {
		return nil, errors.Wrap(err, "failed to read section header stream")
	}
	headers, err := streams.ReadSectionHeaders(data)
	if err != nil {
		return nil, err
	}
	p.sections = peinfo.NewSections(headers)
	return p.sections, nil
}

func (p *PDB) rva(segment uint16, offset uint32) uint32 {
	rva, err := peinfo.ToRVA(uint32(segment), offset, p.sections)
	if err != nil {
		return 0
	}
	return rva
}

// Functions returns all procedures from the symbol record stream and from
// every module symbol stream. Unreadable module streams are skipped.
func (p *PDB) Functions() ([]Function, error) {
	if p.functions != nil {
		return p.functions, nil
	}
	if _, err := p.imageSections(); err != nil {
		return nil, err
	}

	syms, err := p.Symbols()
	if err != nil {
		return nil, err
	}

	functions := make([]Function, 0)
	add := func(sym Symbol, module string) {
		functions = append(functions, Function{
			Name:      sym.Name,
			Offset:    sym.Offset,
			Segment:   sym.Segment,
			RVA:       p.rva(sym.Segment, sym.Offset),
			Length:    sym.Length,
			TypeIndex: sym.TypeIndex,
			IsGlobal:  codeview.IsGlobalSymbol(sym.RecordKind),
			Module:    module,
		})
	}

	for _, sym := range syms {
		if sym.Kind == SymbolProc {
			add(sym, "")
		}
	}

	if p.dbi != nil {
		for _, mod := range p.dbi.Modules {
			if !mod.HasSymbols() {
				continue
			}

			data, err := p.readStream(mod.ModuleSymStream)
			if err != nil || len(data) == 0 {
				continue
			}

			// Only read SymByteSize bytes for symbols
			if uint32(len(data)) > mod.SymByteSize {
				data = data[:mod.SymByteSize]
			}

			modSyms, err := classify(data)
			if err != nil {
				continue
			}
			for _, sym := range modSyms {
				if sym.Kind == SymbolProc {
					add(sym, mod.ModuleName)
				}
			}
		}
	}

	p.functions = functions
	return p.functions, nil
}

// PublicSymbols returns all S_PUB32 records.
func (p *PDB) PublicSymbols() ([]PublicSymbol, error) {
	if p.publics != nil {
		return p.publics, nil
	}
	if _, err := p.imageSections(); err != nil {
		return nil, err
	}

	syms, err := p.Symbols()
	if err != nil {
		return nil, err
	}

	publics := make([]PublicSymbol, 0)
	for _, sym := range syms {
		if sym.Kind != SymbolPublic {
			continue
		}
		publics = append(publics, PublicSymbol{
			Name:    sym.Name,
			Flags:   sym.Flags,
			Offset:  sym.Offset,
			Segment: sym.Segment,
			RVA:     p.rva(sym.Segment, sym.Offset),
		})
	}
	p.publics = publics
	return p.publics, nil
}

type segOff struct {
	segment uint16
	offset  uint32
}

// addrIndex answers address lookups: procedures by containment, publics and
// labels by exact address.
type addrIndex struct {
	procs []Function // sorted by segment, offset
	exact map[segOff]string
}

func (p *PDB) buildIndex() (*addrIndex, error) {
	if p.index != nil {
		return p.index, nil
	}

	functions, err := p.Functions()
	if err != nil {
		return nil, err
	}
	syms, err := p.Symbols()
	if err != nil {
		return nil, err
	}

	idx := &addrIndex{
		procs: make([]Function, len(functions)),
		exact: make(map[segOff]string),
	}
	copy(idx.procs, functions)
	sort.SliceStable(idx.procs, func(i, j int) bool {
		if idx.procs[i].Segment != idx.procs[j].Segment {
			return idx.procs[i].Segment < idx.procs[j].Segment
		}
		return idx.procs[i].Offset < idx.procs[j].Offset
	})

	for _, sym := range syms {
		if sym.Kind == SymbolProc {
			continue
		}
		key := segOff{sym.Segment, sym.Offset}
		if _, ok := idx.exact[key]; !ok {
			idx.exact[key] = sym.Name
		}
	}

	p.index = idx
	return idx, nil
}

// FindSymbolByRVA returns the name of the procedure containing rva, or else
// of a public or label symbol at exactly rva. The RVA is translated with the
// PDB's own section headers; without them nothing is found.
func (p *PDB) FindSymbolByRVA(rva uint32) (string, bool, error) {
	idx, err := p.buildIndex()
	if err != nil {
		return "", false, err
	}
	if len(p.sections) == 0 {
		return "", false, nil
	}

	loc, err := peinfo.ToSectionOffset(rva, p.sections)
	if err != nil {
		return "", false, nil
	}
	seg, off := uint16(loc.Section), loc.Offset

	// last procedure starting at or before the address
	i := sort.Search(len(idx.procs), func(i int) bool {
		fn := idx.procs[i]
		return fn.Segment > seg || (fn.Segment == seg && fn.Offset > off)
	})
	for j := i - 1; j >= 0 && idx.procs[j].Segment == seg; j-- {
		fn := idx.procs[j]
		length := fn.Length
		if length == 0 {
			length = 1
		}
		if uint64(off) < uint64(fn.Offset)+uint64(length) {
			return fn.Name, true, nil
		}
	}

	if name, ok := idx.exact[segOff{seg, off}]; ok {
		return name, true, nil
	}
	return "", false, nil
}
