package pool

import "github.com/shardbouncer/shardbouncer/internal/wire"

// Guard is a scoped handle representing exclusive possession of a
// ServerConnection by a client session. Release is mandatory on every exit
// path; it returns the connection to its pool, or discards it, per the
// pool's release rules.
type Guard struct {
	conn     *ServerConnection
	pool     *Pool
	released bool
}

func newGuard(conn *ServerConnection, p *Pool) *Guard {
	return &Guard{conn: conn, pool: p}
}

// Conn exposes the underlying ServerConnection for send/read/execute.
func (g *Guard) Conn() *ServerConnection { return g.conn }

// Send forwards to the underlying connection.
func (g *Guard) Send(messages ...wire.Message) error { return g.conn.send(messages...) }

// Read forwards to the underlying connection.
func (g *Guard) Read() (wire.Message, error) { return g.conn.read() }

// Execute forwards to the underlying connection.
func (g *Guard) Execute(sql string) ([]wire.Message, error) { return g.conn.execute(sql) }

// State forwards to the underlying connection.
func (g *Guard) State() ProtocolState { return g.conn.State() }

// Release returns the guarded connection to its pool. Safe to call more
// than once; only the first call has effect, preventing a double-release
// from corrupting pool accounting.
func (g *Guard) Release() {
	if g.released {
		return
	}
	g.released = true
	g.pool.Release(g.conn)
}

// Discard forcibly destroys the guarded connection instead of returning it
// — used when the session has detected the connection is unusable beyond
// what ProtocolState alone would indicate (e.g. a cancelled fan-out).
func (g *Guard) Discard() {
	if g.released {
		return
	}
	g.released = true
	g.pool.discard(g.conn)
}
