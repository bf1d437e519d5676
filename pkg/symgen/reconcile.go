// Package symgen rebuilds the public symbol table of a transformed binary
// from a reference PDB and the range table describing the transformation.
package symgen

import (
	"fmt"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/jtang613/pdbgen/pkg/pdb"
	"github.com/jtang613/pdbgen/pkg/pdb/codeview"
	"github.com/jtang613/pdbgen/pkg/peinfo"
	"github.com/jtang613/pdbgen/pkg/rangemap"
)

// codeFunction is the flag set given to every retained procedure or public
// and to every synthesized symbol.
const codeFunction = codeview.PubFlagCode | codeview.PubFlagFunction

// Reference is the symbol source the transformed binary was built from.
type Reference interface {
	// Symbols returns procedures, publics and labels in record order.
	Symbols() ([]pdb.Symbol, error)
	// FindSymbolByRVA names the symbol covering rva in the original image.
	FindSymbolByRVA(rva uint32) (string, bool, error)
}

// Stats counts what the reconciler did.
type Stats struct {
	Retained    int
	Dropped     int
	Synthesized int
	Unresolved  int
	Renamed     int
}

// Reconciler merges the reference symbols that survived the transformation
// with symbols synthesized for every transformed range.
type Reconciler struct {
	sections  []peinfo.Section
	ranges    *rangemap.Table
	reference Reference
	names     *Names
	logger    log.Logger

	stats Stats
}

// NewReconciler returns a reconciler for a transformed binary with the given
// sections. Both passes share one name table.
func NewReconciler(sections []peinfo.Section, ranges *rangemap.Table, reference Reference, logger log.Logger) *Reconciler {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Reconciler{
		sections:  sections,
		ranges:    ranges,
		reference: reference,
		names:     NewNames(),
		logger:    logger,
	}
}

// Retain returns the reference symbols whose address, translated with the
// transformed binary's sections, is outside every range. Symbols inside a
// range were rewritten and are dropped; Synthesize replaces them.
func (r *Reconciler) Retain() ([]pdb.Public, error) {
	syms, err := r.reference.Symbols()
	if err != nil {
		return nil, errors.Wrap(err, "failed to read reference symbols")
	}

	var out []pdb.Public
	for _, sym := range syms {
		rva, err := peinfo.ToRVA(uint32(sym.Segment), sym.Offset, r.sections)
		if err != nil {
			return nil, errors.Wrapf(err, "symbol %q at %04x:%08x", sym.Name, sym.Segment, sym.Offset)
		}
		if r.ranges.Contains(rva) {
			r.stats.Dropped++
			level.Debug(r.logger).Log("msg", "dropping rewritten symbol", "name", sym.Name, "kind", sym.Kind, "rva", fmt.Sprintf("0x%x", rva))
			continue
		}

		flags := uint32(codeFunction)
		if sym.Kind == pdb.SymbolLabel {
			flags = sym.Flags
		}
		out = append(out, pdb.Public{
			Name:    r.names.Adjust(sym.Name),
			Segment: sym.Segment,
			Offset:  sym.Offset,
			Flags:   flags,
		})
		r.stats.Retained++
	}
	return out, nil
}

// Synthesize returns one symbol per range, placed at the range start and
// named after the reference symbol at the original address.
func (r *Reconciler) Synthesize() ([]pdb.Public, error) {
	entries := r.ranges.Entries()
	out := make([]pdb.Public, 0, len(entries))
	for _, e := range entries {
		loc, err := peinfo.ToSectionOffset(e.RangeStart, r.sections)
		if err != nil {
			return nil, errors.Wrapf(err, "range 0x%x-0x%x", e.RangeStart, e.RangeEnd)
		}

		base, found, err := r.reference.FindSymbolByRVA(e.Original)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to look up original address 0x%x", e.Original)
		}
		var name string
		if found {
			name = fmt.Sprintf("%s_RVA_%X", base, e.Original)
		} else {
			name = fmt.Sprintf("ORIGINAL_%X", e.Original)
			r.stats.Unresolved++
		}

		out = append(out, pdb.Public{
			Name:    r.names.Adjust(name),
			Segment: uint16(loc.Section),
			Offset:  loc.Offset,
			Flags:   codeFunction,
		})
		r.stats.Synthesized++
	}
	return out, nil
}

// Stats returns the counters accumulated so far.
func (r *Reconciler) Stats() Stats {
	s := r.stats
	s.Renamed = r.names.Renamed()
	return s
}
