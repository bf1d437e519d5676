package symgen

import "strconv"

// Names makes emitted symbol names unique. The first use of a name is kept
// as is; each later use gets the next counter suffix, "name_1", "name_2".
// Issued names are appended to an arena that never reorders or drops
// entries, so an index into it stays valid for the whole run.
type Names struct {
	counts  map[string]int
	arena   []string
	renamed int
}

// NewNames returns an empty name table.
func NewNames() *Names {
	return &Names{counts: make(map[string]int)}
}

// Adjust returns the unique form of name and records it.
func (n *Names) Adjust(name string) string {
	count, seen := n.counts[name]
	if seen {
		count++
		n.renamed++
	}
	n.counts[name] = count

	if seen {
		name = name + "_" + strconv.Itoa(count)
	}
	n.arena = append(n.arena, name)
	return name
}

// Issued returns every name returned by Adjust, in call order.
func (n *Names) Issued() []string {
	return n.arena
}

// Renamed returns how many names were given a suffix.
func (n *Names) Renamed() int {
	return n.renamed
}
