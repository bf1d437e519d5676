// Package rangemap holds the table of transformed address ranges and the
// original addresses they were produced from.
package rangemap

import (
	"sort"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

// Entry maps the transformed bytes [RangeStart, RangeEnd] to code that was
// originally located at Original. All values are RVAs.
type Entry struct {
	RangeStart uint32
	RangeEnd   uint32
	Original   uint32
}

// Contains reports whether addr lies within the entry, both ends inclusive.
func (e Entry) Contains(addr uint32) bool {
	return e.RangeStart <= addr && addr <= e.RangeEnd
}

// Table is an immutable list of entries sorted by RangeStart.
type Table struct {
	entries []Entry
}

// NewTable sorts entries by RangeStart, keeping the input order of equal
// starts, and returns them as a table. The slice is owned by the table.
func NewTable(entries []Entry) *Table {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].RangeStart < entries[j].RangeStart
	})
	return &Table{entries: entries}
}

// Len returns the number of entries.
func (t *Table) Len() int {
	return len(t.entries)
}

// Entries returns the sorted entries. Callers must not modify the slice.
func (t *Table) Entries() []Entry {
	return t.entries
}

// Contains reports whether addr falls inside a range. Only the candidate
// entry with the greatest RangeStart <= addr is checked, so the result is
// exact only for tables that pass Validate.
func (t *Table) Contains(addr uint32) bool {
	i := sort.Search(len(t.entries), func(i int) bool {
		return t.entries[i].RangeStart > addr
	})
	if i == 0 {
		return false
	}
	return t.entries[i-1].Contains(addr)
}

// Validate reports every inverted entry and every pair of overlapping
// entries. Overlaps can hide a containing range from Contains.
func (t *Table) Validate() error {
	var errs *multierror.Error
	for i, e := range t.entries {
		if e.RangeStart > e.RangeEnd {
			errs = multierror.Append(errs, errors.Errorf("entry %d: range 0x%x-0x%x is inverted", i, e.RangeStart, e.RangeEnd))
		}
	}

	// Entries are sorted by start, so j only needs to scan while it can
	// still overlap i.
	for i := range t.entries {
		a := t.entries[i]
		if a.RangeStart > a.RangeEnd {
			continue
		}
		for j := i + 1; j < len(t.entries) && t.entries[j].RangeStart <= a.RangeEnd; j++ {
			b := t.entries[j]
			errs = multierror.Append(errs, errors.Errorf("ranges 0x%x-0x%x and 0x%x-0x%x overlap", a.RangeStart, a.RangeEnd, b.RangeStart, b.RangeEnd))
		}
	}
	return errs.ErrorOrNil()
}
