// Package sortbuffer accumulates DataRow messages gathered from multiple
// shards during a cross-shard fan-out (§4.7) and orders them by a Route's
// ORDER BY clauses once every shard's rows have arrived.
//
// Grounded on the original implementation's sort_buffer.rs: rows are held
// until the caller marks the buffer full, then sorted in place across
// clauses (numeric columns compared by magnitude, others by byte order)
// before being handed back one at a time.
package sortbuffer

import (
	"bytes"
	"sort"
	"strconv"

	"github.com/shardbouncer/shardbouncer/internal/router"
	"github.com/shardbouncer/shardbouncer/internal/wire"
)

// Numeric type OIDs from pg_type whose text representation needs magnitude
// comparison rather than byte comparison: int2, int4, int8, numeric, float4,
// float8. Grounded on the original sort_buffer.rs, which resolves each
// column's type_oid via get_column and compares with partial_cmp instead of
// a raw byte order.
var numericOIDs = map[uint32]bool{
	21:   true, // int2
	23:   true, // int4
	20:   true, // int8
	1700: true, // numeric
	700:  true, // float4
	701:  true, // float8
}

// SortBuffer collects DataRow messages across shards and, once Sort is
// called, orders them per a Route's ORDER BY clauses.
type SortBuffer struct {
	rows []wire.DataRowMessage
	full bool
}

// Add appends one DataRow to the buffer.
func (b *SortBuffer) Add(row wire.DataRowMessage) {
	b.rows = append(b.rows, row)
}

// Len reports how many rows are currently buffered.
func (b *SortBuffer) Len() int { return len(b.rows) }

// Full marks the buffer as ready to drain. The caller is responsible for
// calling Sort first if ordering matters.
func (b *SortBuffer) Full() { b.full = true }

// resolvedOrderBy is one ORDER BY clause with its column index already
// looked up, computed once since name lookup is O(n) per row otherwise.
type resolvedOrderBy struct {
	index      int // 0-based
	descending bool
	numeric    bool // column's type_oid calls for magnitude, not byte, comparison
	ok         bool // false if a named column could not be found; skipped
}

// Sort orders the buffered rows per columns, resolving named columns
// against rd. Unknown names are skipped (treated as equal), matching the
// spec's instruction not to fail the merge over an unresolvable sort key.
func (b *SortBuffer) Sort(columns []router.OrderBy, rd wire.RowDescriptionMessage) {
	if len(columns) == 0 || len(b.rows) < 2 {
		return
	}
	resolved := make([]resolvedOrderBy, len(columns))
	for i, c := range columns {
		switch c.Kind {
		case router.OrderByIndex:
			if c.ColumnIdx >= 1 && c.ColumnIdx <= len(rd.Fields) {
				idx := c.ColumnIdx - 1
				resolved[i] = resolvedOrderBy{index: idx, descending: c.Descending, ok: true, numeric: numericOIDs[rd.Fields[idx].TypeOID]}
			}
		case router.OrderByName:
			if idx, found := rd.FieldIndex(c.ColumnName); found {
				resolved[i] = resolvedOrderBy{index: idx, descending: c.Descending, ok: true, numeric: numericOIDs[rd.Fields[idx].TypeOID]}
			}
		}
	}

	sort.SliceStable(b.rows, func(i, j int) bool {
		return compareRows(b.rows[i], b.rows[j], resolved) < 0
	})
}

func compareRows(a, b wire.DataRowMessage, cols []resolvedOrderBy) int {
	for _, c := range cols {
		if !c.ok {
			continue
		}
		if c.index >= len(a.Values) || c.index >= len(b.Values) {
			continue
		}
		left, right := a.Values[c.index], b.Values[c.index]
		cmp := compareValues(left, right, c.numeric)
		if c.descending {
			cmp = -cmp
		}
		if cmp != 0 {
			return cmp
		}
	}
	return 0
}

// compareValues compares two column values. A SQL NULL (nil slice) sorts
// before any non-NULL value, NULLs compare equal to NULLs. numeric columns
// (int2/int4/int8/numeric/float4/float8, per the RowDescription's type_oid)
// parse as a magnitude comparison rather than byte order, since ORDER BY on
// e.g. an id column must put "9" before "10". Values that fail to parse
// (shouldn't happen for a well-formed numeric column) fall back to byte
// comparison rather than panicking the sort.
func compareValues(a, b []byte, numeric bool) int {
	if a == nil && b == nil {
		return 0
	}
	if a == nil {
		return -1
	}
	if b == nil {
		return 1
	}
	if numeric {
		af, aerr := strconv.ParseFloat(string(a), 64)
		bf, berr := strconv.ParseFloat(string(b), 64)
		if aerr == nil && berr == nil {
			switch {
			case af < bf:
				return -1
			case af > bf:
				return 1
			default:
				return 0
			}
		}
	}
	return bytes.Compare(a, b)
}

// Take drains rows one at a time once Full has been called; returns false
// once the buffer is empty or hasn't been marked full yet.
func (b *SortBuffer) Take() (wire.DataRowMessage, bool) {
	if !b.full || len(b.rows) == 0 {
		return wire.DataRowMessage{}, false
	}
	row := b.rows[0]
	b.rows = b.rows[1:]
	return row, true
}

// TakeAll drains every buffered row in current order.
func (b *SortBuffer) TakeAll() []wire.DataRowMessage {
	if !b.full {
		return nil
	}
	rows := b.rows
	b.rows = nil
	return rows
}
