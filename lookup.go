package cogops

import (
	"fmt"
	"slices"
	"sort"
)

// LookupItem maps every value in Range to Value.
type LookupItem struct {
	Range Range
	Value float64
}

// TableBuilder collects lookup entries. Entries added earlier take
// precedence: a new entry only keeps the parts of its range that no
// existing entry covers, and disappears when it is covered entirely.
type TableBuilder struct {
	items      []LookupItem
	def        float64
	hasDefault bool
	err        error
}

// NewTableBuilder returns an empty builder.
func NewTableBuilder() *TableBuilder {
	return &TableBuilder{}
}

// Add inserts r -> value. Ranges matching NaN or holding no number are
// rejected when Build is called.
func (b *TableBuilder) Add(r Range, value float64) *TableBuilder {
	if b.err != nil {
		return b
	}
	if r.NaN {
		b.err = fmt.Errorf("%w: lookup range %v matches NaN", ErrInvalidRange, r)
		return b
	}
	if r.Min != r.Min || r.Max != r.Max || r.IsEmpty() {
		b.err = fmt.Errorf("%w: lookup range %v is empty", ErrInvalidRange, r)
		return b
	}
	b.insert(r, value)
	return b
}

func (b *TableBuilder) insert(r Range, value float64) {
	for _, it := range b.items {
		if !it.Range.Intersects(r) {
			continue
		}
		for _, piece := range r.Subtract(it.Range) {
			b.insert(piece, value)
		}
		return
	}
	b.items = append(b.items, LookupItem{Range: r, Value: value})
}

// Default sets the value returned for sources matching no entry. Without a
// default, unmatched sources pass through.
func (b *TableBuilder) Default(value float64) *TableBuilder {
	b.def, b.hasDefault = value, true
	return b
}

// Build returns the immutable table with its entries sorted by range start.
func (b *TableBuilder) Build() (*Table, error) {
	if b.err != nil {
		return nil, b.err
	}
	items := slices.Clone(b.items)
	sort.Slice(items, func(i, j int) bool {
		return items[i].Range.startsBefore(items[j].Range)
	})
	return &Table{items: items, def: b.def, hasDefault: b.hasDefault}, nil
}

// Table is an immutable range lookup table. It is safe for concurrent use;
// scanning callers should read through a Cursor.
type Table struct {
	items      []LookupItem
	def        float64
	hasDefault bool
}

// Items returns a copy of the entries in ascending order.
func (t *Table) Items() []LookupItem {
	return slices.Clone(t.items)
}

// Len returns the number of entries.
func (t *Table) Len() int { return len(t.items) }

// Default returns the default value and whether one is set.
func (t *Table) Default() (float64, bool) {
	return t.def, t.hasDefault
}

// Find returns the index of the entry containing v, or -1.
func (t *Table) Find(v float64) int {
	if v != v || len(t.items) == 0 {
		return -1
	}
	// First entry whose lower bound lies above v.
	i := sort.Search(len(t.items), func(i int) bool {
		r := t.items[i].Range
		return r.Min > v || (r.Min == v && !r.MinIncluded)
	})
	if i == 0 || !t.items[i-1].Range.Contains(v) {
		return -1
	}
	return i - 1
}

// Lookup maps v through the table: the value of the entry containing v,
// else the default, else v itself.
func (t *Table) Lookup(v float64) float64 {
	return t.resolve(t.Find(v), v)
}

func (t *Table) resolve(i int, v float64) float64 {
	switch {
	case i >= 0:
		return t.items[i].Value
	case t.hasDefault:
		return t.def
	default:
		return v
	}
}

// Cursor returns a lookup context remembering its last matched entry.
func (t *Table) Cursor() *Cursor {
	return &Cursor{table: t, last: -1}
}

// Cursor queries a Table and retests the previously matched entry before
// searching. A Cursor must not be shared between goroutines.
type Cursor struct {
	table *Table
	last  int
}

// Lookup behaves like Table.Lookup.
func (c *Cursor) Lookup(v float64) float64 {
	if c.last >= 0 && c.table.items[c.last].Range.Contains(v) {
		return c.table.items[c.last].Value
	}
	i := c.table.Find(v)
	if i >= 0 {
		c.last = i
	}
	return c.table.resolve(i, v)
}
