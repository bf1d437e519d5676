package pdb

import (
	"github.com/pkg/errors"

	"github.com/jtang613/pdbgen/pkg/pdb/codeview"
	"github.com/jtang613/pdbgen/pkg/pdb/msf"
	"github.com/jtang613/pdbgen/pkg/pdb/streams"
)

// Defaults for the single module a generated PDB describes.
const (
	DefaultModuleName  = "CodeDefender"
	DefaultObjFileName = DefaultModuleName + ".obj"
)

// Public is a public symbol to be emitted.
type Public struct {
	Name    string
	Segment uint16
	Offset  uint32
	Flags   uint32
}

// Builder assembles a PDB holding public symbols only: no types, no line
// information, one module without symbols.
type Builder struct {
	GUID        [16]byte
	Age         uint32
	Signature   uint32
	Machine     uint16
	Sections    []streams.SectionHeader
	ModuleName  string
	ObjFileName string

	publics []Public
}

// NewBuilder returns a builder for an AMD64 image with the default module.
func NewBuilder() *Builder {
	return &Builder{
		Age:         1,
		Machine:     streams.MachineAMD64,
		ModuleName:  DefaultModuleName,
		ObjFileName: DefaultObjFileName,
	}
}

// AddPublic appends a public symbol. Symbols are written in insertion order.
func (b *Builder) AddPublic(pub Public) {
	b.publics = append(b.publics, pub)
}

// AddPublics appends several public symbols.
func (b *Builder) AddPublics(pubs []Public) {
	b.publics = append(b.publics, pubs...)
}

// NumPublics returns the number of public symbols added so far.
func (b *Builder) NumPublics() int {
	return len(b.publics)
}

func (b *Builder) build() (*msf.Builder, error) {
	mb, err := msf.NewBuilder(msf.DefaultBlockSize)
	if err != nil {
		return nil, err
	}

	var (
		symRecords []byte
		gsiRecords = make([]streams.GSIRecord, 0, len(b.publics))
	)
	for _, pub := range b.publics {
		if len(pub.Name) > 0xFFFF-16 {
			return nil, errors.Errorf("public symbol name too long: %d bytes", len(pub.Name))
		}
		gsiRecords = append(gsiRecords, streams.GSIRecord{
			Name:         pub.Name,
			Segment:      pub.Segment,
			Offset:       pub.Offset,
			RecordOffset: uint32(len(symRecords)),
		})
		symRecords = codeview.AppendPubSym(symRecords, &codeview.PubSym{
			Flags:   pub.Flags,
			Offset:  pub.Offset,
			Segment: pub.Segment,
			Name:    pub.Name,
		})
	}

	// module stream: C13 signature, no records, zero global refs
	modSyms := []byte{codeview.SignatureC13, 0, 0, 0, 0, 0, 0, 0}

	mb.AddStream(nil)
	infoIdx := mb.AddStream(nil)
	mb.AddStream(streams.WriteEmptyTPI())
	dbiIdx := mb.AddStream(nil)
	mb.AddStream(streams.WriteEmptyTPI())
	namesIdx := mb.AddStream(streams.NewStringTable().Bytes())
	globalsIdx := mb.AddStream(streams.WriteGSIHash(nil))
	publicsIdx := mb.AddStream(streams.WritePublics(gsiRecords))
	symRecIdx := mb.AddStream(symRecords)
	modIdx := mb.AddStream(modSyms)
	secHdrIdx := mb.AddStream(streams.WriteSectionHeaders(b.Sections))

	info := &streams.PDBInfo{
		Version:      streams.PDBStreamVersionVC70,
		Signature:    b.Signature,
		Age:          b.Age,
		GUID:         b.GUID,
		NamedStreams: map[string]uint32{streams.NamesStreamName: uint32(namesIdx)},
		Features:     []uint32{streams.FeatureVC140},
	}
	if err := mb.SetStream(infoIdx, streams.WritePDBInfo(info)); err != nil {
		return nil, err
	}

	dbi := &streams.DBIBuilder{
		Age:             b.Age,
		BuildMajor:      14,
		BuildMinor:      11,
		Flags:           streams.DBIFlagStripped,
		Machine:         b.Machine,
		GlobalStream:    globalsIdx,
		PublicStream:    publicsIdx,
		SymRecordStream: symRecIdx,
		Modules: []streams.DBIModule{{
			Name:        b.ModuleName,
			ObjFile:     b.ObjFileName,
			SymStream:   modIdx,
			SymByteSize: 4,
		}},
		Sections:         b.Sections,
		SectionHdrStream: secHdrIdx,
	}
	if err := mb.SetStream(dbiIdx, dbi.Bytes()); err != nil {
		return nil, err
	}

	return mb, nil
}

// Bytes returns the complete PDB image.
func (b *Builder) Bytes() ([]byte, error) {
	mb, err := b.build()
	if err != nil {
		return nil, err
	}
	return mb.Bytes()
}

// Commit writes the PDB to path. Nothing is left at path on failure.
func (b *Builder) Commit(path string) error {
	mb, err := b.build()
	if err != nil {
		return errors.Wrap(err, "failed to build PDB")
	}
	return mb.Commit(path)
}
