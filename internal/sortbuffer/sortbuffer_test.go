package sortbuffer

import (
	"testing"

	"github.com/shardbouncer/shardbouncer/internal/router"
	"github.com/shardbouncer/shardbouncer/internal/wire"
)

func rd() wire.RowDescriptionMessage {
	return wire.RowDescriptionMessage{Fields: []wire.Field{
		{Name: "id", TypeOID: 23}, {Name: "name"},
	}}
}

func TestSortByPositionalAscending(t *testing.T) {
	b := &SortBuffer{}
	b.Add(wire.DataRowMessage{Values: [][]byte{[]byte("3"), []byte("c")}})
	b.Add(wire.DataRowMessage{Values: [][]byte{[]byte("1"), []byte("a")}})
	b.Add(wire.DataRowMessage{Values: [][]byte{[]byte("2"), []byte("b")}})
	b.Sort([]router.OrderBy{router.Asc(1)}, rd())
	b.Full()

	var got []string
	for {
		row, ok := b.Take()
		if !ok {
			break
		}
		got = append(got, string(row.Values[0]))
	}
	want := []string{"1", "2", "3"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestSortByNamedColumnDescending(t *testing.T) {
	b := &SortBuffer{}
	b.Add(wire.DataRowMessage{Values: [][]byte{[]byte("1"), []byte("a")}})
	b.Add(wire.DataRowMessage{Values: [][]byte{[]byte("2"), []byte("c")}})
	b.Add(wire.DataRowMessage{Values: [][]byte{[]byte("3"), []byte("b")}})
	b.Sort([]router.OrderBy{router.DescColumn("name")}, rd())
	b.Full()

	rows := b.TakeAll()
	order := []string{string(rows[0].Values[1]), string(rows[1].Values[1]), string(rows[2].Values[1])}
	want := []string{"c", "b", "a"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestUnknownNamedColumnSkipped(t *testing.T) {
	b := &SortBuffer{}
	b.Add(wire.DataRowMessage{Values: [][]byte{[]byte("2"), []byte("b")}})
	b.Add(wire.DataRowMessage{Values: [][]byte{[]byte("1"), []byte("a")}})
	b.Sort([]router.OrderBy{router.AscColumn("missing")}, rd())
	b.Full()
	// no panic, order preserved (stable sort with all-equal comparator)
	first, _ := b.Take()
	if string(first.Values[0]) != "2" {
		t.Fatalf("expected stable order preserved when sort key unresolved")
	}
}

func TestNullsSortFirst(t *testing.T) {
	b := &SortBuffer{}
	b.Add(wire.DataRowMessage{Values: [][]byte{[]byte("1")}})
	b.Add(wire.DataRowMessage{Values: [][]byte{nil}})
	b.Sort([]router.OrderBy{router.Asc(1)}, wire.RowDescriptionMessage{Fields: []wire.Field{{Name: "id"}}})
	b.Full()
	first, _ := b.Take()
	if first.Values[0] != nil {
		t.Fatalf("expected NULL to sort first")
	}
}

func TestSortNumericColumnOrdersByMagnitude(t *testing.T) {
	b := &SortBuffer{}
	b.Add(wire.DataRowMessage{Values: [][]byte{[]byte("9")}})
	b.Add(wire.DataRowMessage{Values: [][]byte{[]byte("10")}})
	b.Add(wire.DataRowMessage{Values: [][]byte{[]byte("2")}})
	b.Sort([]router.OrderBy{router.Asc(1)}, wire.RowDescriptionMessage{Fields: []wire.Field{{Name: "id", TypeOID: 23}}})
	b.Full()

	var got []string
	for {
		row, ok := b.Take()
		if !ok {
			break
		}
		got = append(got, string(row.Values[0]))
	}
	want := []string{"2", "9", "10"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v (numeric ordering expected, not byte order)", got, want)
		}
	}
}

func TestSortTextColumnOrdersLexicographically(t *testing.T) {
	b := &SortBuffer{}
	b.Add(wire.DataRowMessage{Values: [][]byte{[]byte("9")}})
	b.Add(wire.DataRowMessage{Values: [][]byte{[]byte("10")}})
	b.Sort([]router.OrderBy{router.Asc(1)}, wire.RowDescriptionMessage{Fields: []wire.Field{{Name: "code"}}})
	b.Full()

	first, _ := b.Take()
	if string(first.Values[0]) != "10" {
		t.Fatalf("expected text column to sort lexicographically (\"10\" before \"9\"), got %q", first.Values[0])
	}
}

func TestTakeBeforeFullReturnsNothing(t *testing.T) {
	b := &SortBuffer{}
	b.Add(wire.DataRowMessage{Values: [][]byte{[]byte("1")}})
	if _, ok := b.Take(); ok {
		t.Fatalf("expected Take to return false before Full is called")
	}
}
