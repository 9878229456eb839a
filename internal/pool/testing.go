package pool

import "net"

// InjectForTest adds a pre-built, pre-authenticated connection directly
// into the pool's idle list, bypassing connect(). Exported only for tests
// in this package and its siblings that need a pool without a real
// PostgreSQL server to dial.
func (p *Pool) InjectForTest(conn net.Conn, addr Address, key BackendKeyData) *ServerConnection {
	sc := newServerConnection(conn, addr, key, map[string]string{}, p)
	p.mu.Lock()
	p.idle = append(p.idle, sc)
	p.total++
	p.mu.Unlock()
	p.cond.Signal()
	return sc
}
