package router

import (
	"bytes"
)

// CopyPlan is the router's decision for a `COPY table FROM STDIN` command:
// which table, and which ordinal in the copy stream carries the sharding
// key, so the session can split incoming CopyData rows across shards
// without re-parsing the statement per row.
type CopyPlan struct {
	Table       string
	ShardColumn int // 1-based ordinal within the row, 0 if the table isn't sharded
	Binary      bool
	columnSep   byte
}

// NewTextCopyPlan builds a plan for the default COPY text format, where rows
// are newline-terminated and columns are separated by sep (tab, unless the
// statement specified DELIMITER).
func NewTextCopyPlan(table string, shardColumn int, sep byte) CopyPlan {
	if sep == 0 {
		sep = '\t'
	}
	return CopyPlan{Table: table, ShardColumn: shardColumn, columnSep: sep}
}

// NewBinaryCopyPlan builds a plan for COPY BINARY; per-row splitting for the
// binary format is not implemented, so plans built this way are never
// split per row: the session sends all of their rows to the first shard.
func NewBinaryCopyPlan(table string) CopyPlan {
	return CopyPlan{Table: table, Binary: true}
}

// Sharded reports whether this plan has a resolvable per-row sharding
// column.
func (p CopyPlan) Sharded() bool {
	return !p.Binary && p.ShardColumn > 0
}

// ExtractKey returns the text of the sharding column within one COPY text
// row (without its trailing newline), or false if the row has fewer
// columns than ShardColumn.
func (p CopyPlan) ExtractKey(row []byte) ([]byte, bool) {
	if !p.Sharded() {
		return nil, false
	}
	col := 1
	start := 0
	for i := 0; i <= len(row); i++ {
		if i == len(row) || row[i] == p.columnSep {
			if col == p.ShardColumn {
				return row[start:i], true
			}
			col++
			start = i + 1
		}
	}
	return nil, false
}

// SplitRows splits a buffered CopyData payload into individual rows on
// newline, returning the rows and any trailing partial row that should be
// prefixed onto the next CopyData message.
func SplitRows(data []byte) (rows [][]byte, remainder []byte) {
	lines := bytes.Split(data, []byte{'\n'})
	if len(lines) == 0 {
		return nil, nil
	}
	remainder = lines[len(lines)-1]
	for _, l := range lines[:len(lines)-1] {
		rows = append(rows, l)
	}
	return rows, remainder
}
