package layout

// Candidate describes a live entity competing for a row.
type Candidate struct {
	Name   string
	Module string
	Paired bool
}

func (e Entry) matches(c Candidate) bool {
	if e.Paired != c.Paired || e.Name != c.Name {
		return false
	}
	return !e.Paired || e.Module == c.Module
}

// Arrange returns candidate indexes in row order. Entries are taken in
// order and each claims the first unclaimed candidate it matches; entries
// without a match are dropped. Unclaimed candidates follow in their
// original order.
func Arrange(entries []Entry, candidates []Candidate) []int {
	claimed := make([]bool, len(candidates))
	order := make([]int, 0, len(candidates))
	for _, entry := range entries {
		for i, c := range candidates {
			if claimed[i] || !entry.matches(c) {
				continue
			}
			claimed[i] = true
			order = append(order, i)
			break
		}
	}
	for i := range candidates {
		if !claimed[i] {
			order = append(order, i)
		}
	}
	return order
}

// NameEntries wraps plain device names as entries.
func NameEntries(names []string) []Entry {
	entries := make([]Entry, len(names))
	for i, name := range names {
		entries[i] = Entry{Name: name}
	}
	return entries
}
