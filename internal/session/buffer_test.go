package session

import (
	"testing"

	"github.com/shardbouncer/shardbouncer/internal/wire"
)

func TestBufferFullOnQuery(t *testing.T) {
	var b Buffer
	b.Push(wire.QueryMessage{SQL: "SELECT 1"}.Encode())
	if !b.Full() {
		t.Fatalf("expected buffer to be full after Query")
	}
	if b.SQL() != "SELECT 1" {
		t.Fatalf("SQL = %q", b.SQL())
	}
}

func TestBufferNotFullMidExtendedProtocol(t *testing.T) {
	var b Buffer
	b.Push(wire.ParseMessage{Query: "SELECT * FROM users WHERE id = $1"}.Encode())
	if b.Full() {
		t.Fatalf("expected buffer not full after bare Parse")
	}
	b.Push(wire.BindMessage{ParamValues: [][]byte{[]byte("1")}}.Encode())
	if b.Full() {
		t.Fatalf("expected buffer not full after Bind")
	}
	b.Push(wire.SyncMessage{}.Encode())
	if !b.Full() {
		t.Fatalf("expected buffer full after Sync")
	}
	if b.Bind() == nil {
		t.Fatalf("expected Bind to be retained for routing")
	}
}

func TestBufferResetClearsState(t *testing.T) {
	var b Buffer
	b.Push(wire.QueryMessage{SQL: "SELECT 1"}.Encode())
	b.Reset()
	if b.Full() || b.SQL() != "" || len(b.Messages()) != 0 {
		t.Fatalf("expected Reset to clear all buffer state")
	}
}
