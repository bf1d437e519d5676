// Package pdb provides high-level reading and writing of Microsoft PDB debug files.
package pdb

import "github.com/jtang613/pdbgen/pkg/pdb/codeview"

// SymbolKind classifies the address-bearing symbols of a PDB.
type SymbolKind int

const (
	SymbolProc SymbolKind = iota
	SymbolPublic
	SymbolLabel
)

func (k SymbolKind) String() string {
	switch k {
	case SymbolProc:
		return "proc"
	case SymbolPublic:
		return "public"
	case SymbolLabel:
		return "label"
	}
	return "unknown"
}

// Symbol is a procedure, public or label symbol from the symbol record stream.
type Symbol struct {
	Kind       SymbolKind `json:"kind"`
	RecordKind uint16     `json:"record_kind"`
	Name       string     `json:"name"`
	Segment    uint16     `json:"segment"`
	Offset     uint32     `json:"offset"`
	Length     uint32     `json:"length,omitempty"`     // procedures only
	TypeIndex  uint32     `json:"type_index,omitempty"` // procedures only
	Flags      uint32     `json:"flags"`                // public flags, or procedure flags
}

// IsCode reports whether the public flags mark code.
func (s *Symbol) IsCode() bool {
	return s.Flags&codeview.PubFlagCode != 0
}

// IsFunction reports whether the public flags mark a function.
func (s *Symbol) IsFunction() bool {
	return s.Flags&codeview.PubFlagFunction != 0
}

// Function represents a function/procedure symbol.
type Function struct {
	Name      string `json:"name"`
	Offset    uint32 `json:"offset"`
	Segment   uint16 `json:"segment"`
	RVA       uint32 `json:"rva"`
	Length    uint32 `json:"length"`
	TypeIndex uint32 `json:"type_index"`
	IsGlobal  bool   `json:"is_global"`
	Module    string `json:"module,omitempty"`
}

// PublicSymbol represents a public symbol from the symbol record stream.
type PublicSymbol struct {
	Name    string `json:"name"`
	Flags   uint32 `json:"flags"`
	Offset  uint32 `json:"offset"`
	Segment uint16 `json:"segment"`
	RVA     uint32 `json:"rva"`
}

// SectionInfo represents a PE section.
type SectionInfo struct {
	Index  uint16 `json:"index"`          // 1-based section index
	Name   string `json:"name,omitempty"` // Section name (e.g., ".text", ".data")
	Offset uint32 `json:"offset"`         // Virtual address (RVA base)
	Length uint32 `json:"length"`         // Section length in bytes
}

// ModuleInfo represents information about a compiled module.
type ModuleInfo struct {
	Name         string `json:"name"`
	ObjectFile   string `json:"object_file"`
	SymbolStream uint16 `json:"symbol_stream"`
	SymbolSize   uint32 `json:"symbol_size"`
	SourceFiles  uint16 `json:"source_files"`
}

// PDBInfo contains basic PDB file information.
type PDBInfo struct {
	GUID         string            `json:"guid"`
	Age          uint32            `json:"age"`
	Signature    uint32            `json:"signature"`
	Version      uint32            `json:"version"`
	Machine      string            `json:"machine"`
	Streams      int               `json:"streams"`
	NamedStreams map[string]uint32 `json:"named_streams,omitempty"`
}
