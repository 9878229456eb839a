package pool

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/shardbouncer/shardbouncer/internal/pgerr"
	"github.com/shardbouncer/shardbouncer/internal/wire"
)

// ProtocolState tracks a ServerConnection's position in the PostgreSQL
// extended/simple query protocol. Transitions are driven exclusively by the
// server's ReadyForQuery status byte and by I/O outcomes — never by caller
// intent.
type ProtocolState int

const (
	StateIdle ProtocolState = iota
	StateActive
	StateIdleInTransaction
	StateTransactionError
	StateError
	StateDisconnected
)

func (s ProtocolState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StateIdleInTransaction:
		return "idle_in_transaction"
	case StateTransactionError:
		return "transaction_error"
	case StateError:
		return "error"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// InSync reports whether the connection may accept new work.
func (s ProtocolState) InSync() bool {
	return s == StateIdle || s == StateIdleInTransaction || s == StateTransactionError
}

// InTransaction reports whether a transaction is open on this connection.
func (s ProtocolState) InTransaction() bool {
	return s == StateIdleInTransaction || s == StateTransactionError
}

// BackendKeyData is the pid/secret pair a server hands out during startup,
// later used to address a CancelRequest at it.
type BackendKeyData struct {
	PID    uint32
	Secret uint32
}

// ServerConnection owns a single authenticated stream to a real PostgreSQL
// server, along with the bookkeeping the pool and session loop need: its
// protocol state, counters, and timestamps.
type ServerConnection struct {
	mu sync.Mutex

	conn    net.Conn
	addr    Address
	state   ProtocolState
	key     BackendKeyData
	params  map[string]string

	createdAt       time.Time
	lastUsedAt      time.Time
	lastHealthcheck time.Time

	bytesRead    int64
	bytesWritten int64
	queries      int64
	transactions int64

	pool *Pool // back-reference, used only by Release's convenience method
}

// newServerConnection wraps an already-connected, already-authenticated
// stream.
func newServerConnection(conn net.Conn, addr Address, key BackendKeyData, params map[string]string, p *Pool) *ServerConnection {
	now := time.Now()
	return &ServerConnection{
		conn:            conn,
		addr:            addr,
		state:           StateIdle,
		key:             key,
		params:          params,
		createdAt:       now,
		lastUsedAt:      now,
		lastHealthcheck: now,
		pool:            p,
	}
}

func (c *ServerConnection) Address() Address { return c.addr }

func (c *ServerConnection) BackendKeyData() BackendKeyData { return c.key }

func (c *ServerConnection) Parameters() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.params))
	for k, v := range c.params {
		out[k] = v
	}
	return out
}

func (c *ServerConnection) State() ProtocolState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *ServerConnection) setState(s ProtocolState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *ServerConnection) CreatedAt() time.Time {
	return c.createdAt
}

func (c *ServerConnection) LastUsedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastUsedAt
}

func (c *ServerConnection) touch() {
	c.mu.Lock()
	c.lastUsedAt = time.Now()
	c.mu.Unlock()
}

// IsExpired reports whether the connection has exceeded its configured
// maximum age.
func (c *ServerConnection) IsExpired(maxAge time.Duration) bool {
	if maxAge <= 0 {
		return false
	}
	return time.Since(c.createdAt) > maxAge
}

// NeedsHealthcheck reports whether this connection's last health check is
// older than the configured interval.
func (c *ServerConnection) NeedsHealthcheck(every time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if every <= 0 {
		return false
	}
	return time.Since(c.lastHealthcheck) > every
}

// send writes messages to the server. Flips state to Active; on I/O
// failure sets state to Error and propagates.
func (c *ServerConnection) send(messages ...wire.Message) error {
	c.setState(StateActive)
	for _, m := range messages {
		b := m.Bytes()
		if _, err := c.conn.Write(b); err != nil {
			c.setState(StateError)
			return pgerr.Protocol(fmt.Errorf("writing to %s: %w", c.addr, err))
		}
		c.mu.Lock()
		c.bytesWritten += int64(len(b))
		c.mu.Unlock()
	}
	return nil
}

// read reads a single message, accumulates counters, and if it is a
// ReadyForQuery, performs the state transition the status byte dictates.
func (c *ServerConnection) read() (wire.Message, error) {
	m, err := wire.ReadMessage(c.conn)
	if err != nil {
		c.setState(StateError)
		return wire.Message{}, pgerr.Protocol(fmt.Errorf("reading from %s: %w", c.addr, err))
	}
	c.mu.Lock()
	c.bytesRead += int64(len(m.Payload)) + 5
	c.mu.Unlock()

	if m.Tag == wire.ReadyForQuery {
		rfq, err := wire.DecodeReadyForQuery(m)
		if err != nil {
			c.setState(StateError)
			return m, pgerr.Protocol(err)
		}
		switch rfq.Status {
		case wire.TxStatusIdle:
			c.mu.Lock()
			c.state = StateIdle
			c.queries++
			c.transactions++
			c.mu.Unlock()
		case wire.TxStatusInTrans:
			c.setState(StateIdleInTransaction)
		case wire.TxStatusError:
			c.setState(StateTransactionError)
		default:
			c.setState(StateError)
			return m, pgerr.Protocol(&pgerr.UnexpectedTransactionStatus{Status: rfq.Status})
		}
	}
	return m, nil
}

// execute rejects unless in_sync; sends a simple Query and reads messages
// until in_sync again, returning everything observed. Used only by the
// health checker and internal rollbacks.
func (c *ServerConnection) execute(sql string) ([]wire.Message, error) {
	if !c.State().InSync() {
		return nil, pgerr.Protocol(&pgerr.NotInSync{Detail: "execute called while not in sync"})
	}
	if err := c.send(wire.QueryMessage{SQL: sql}.Encode()); err != nil {
		return nil, err
	}
	var out []wire.Message
	for {
		m, err := c.read()
		if err != nil {
			return out, err
		}
		out = append(out, m)
		if m.Tag == wire.ReadyForQuery {
			return out, nil
		}
	}
}

// rollback is best-effort: if in_transaction, issues ROLLBACK; any failure
// marks the connection Error.
func (c *ServerConnection) rollback() error {
	if !c.State().InTransaction() {
		return nil
	}
	_, err := c.execute("ROLLBACK")
	if err != nil {
		c.setState(StateError)
	}
	return err
}

// terminate sends a Terminate message before closing the stream, per the
// connection drop semantics. Best-effort: if the write fails the close
// still proceeds.
func (c *ServerConnection) terminate() error {
	_ = c.send(wire.TerminateMessage{}.Encode())
	c.setState(StateDisconnected)
	return c.conn.Close()
}

// Release returns this connection to the pool it was checked out from, the
// convenience counterpart to calling Pool.Release directly.
func (c *ServerConnection) Release() {
	if c.pool != nil {
		c.pool.Release(c)
	}
}

// Cancel opens a fresh TCP connection to addr, sends a CancelRequest for
// key, and closes — never reusing a pooled connection, per the PostgreSQL
// cancel protocol.
func Cancel(addr Address, key BackendKeyData, dialTimeout time.Duration) error {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(addr.Host, fmt.Sprintf("%d", addr.Port)), dialTimeout)
	if err != nil {
		return &pgerr.ConnectTimeout{Address: addr.String()}
	}
	defer conn.Close()
	req := wire.CancelRequest{PID: key.PID, Secret: key.Secret}
	return wire.WriteUntagged(conn, req.Encode())
}
