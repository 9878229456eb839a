package session

import "github.com/shardbouncer/shardbouncer/internal/wire"

// Buffer accumulates one client-originated unit of work — either a simple
// Query or a sequence of extended-protocol messages (Parse/Bind/Describe/
// Execute/Sync) — until it declares itself full, per §4.8 step 3.
type Buffer struct {
	messages []wire.Message
	sql      string
	bind     *wire.BindMessage
	full     bool
}

// Push appends one client message to the buffer and updates the buffer's
// routing-relevant state (the SQL text to parse, and the most recent Bind,
// for $n parameter resolution).
func (b *Buffer) Push(m wire.Message) {
	b.messages = append(b.messages, m)

	switch m.Tag {
	case wire.Query:
		if q, err := wire.DecodeQuery(m); err == nil {
			b.sql = q.SQL
		}
		b.full = true
	case wire.Parse:
		if p, err := wire.DecodeParse(m); err == nil {
			b.sql = p.Query
		}
	case wire.Bind:
		if bind, err := wire.DecodeBind(m); err == nil {
			b.bind = &bind
		}
	case wire.Sync:
		b.full = true
	case wire.CopyDone:
		b.full = true
	case wire.Flush:
		// A Flush ends a complete extended-protocol unit when it isn't
		// immediately followed by more of the same pipeline; callers that
		// pipeline Parse/Bind/Describe/Execute without an intervening Flush
		// never observe this because Flush is sent only once the client
		// wants output. Treated conservatively as a sync point.
		b.full = true
	}
}

// Full reports whether the buffer has reached a dispatchable boundary.
func (b *Buffer) Full() bool { return b.full }

// SQL returns the statement text the router should parse: the simple-query
// string, or the most recently Parsed statement's query for the extended
// protocol.
func (b *Buffer) SQL() string { return b.sql }

// Bind returns the most recent Bind message pushed into this buffer, if
// any, for $n parameter resolution.
func (b *Buffer) Bind() *wire.BindMessage { return b.bind }

// Messages returns the buffered messages in arrival order.
func (b *Buffer) Messages() []wire.Message { return b.messages }

// Reset clears the buffer for the next dispatch cycle.
func (b *Buffer) Reset() {
	b.messages = nil
	b.sql = ""
	b.bind = nil
	b.full = false
}
