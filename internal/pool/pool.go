// Package pool implements one connection pool per (Address, Config): a
// bounded set of authenticated ServerConnections checked out by client
// sessions as Guards, with LIFO idle reuse, a waiter queue, ban/unban, and
// a background Monitor doing eviction, health checks and min-refill.
package pool

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/shardbouncer/shardbouncer/internal/pgerr"
)

// Stats is a read-only snapshot of a pool's current occupancy, consumed by
// the admin surface's /pools endpoint.
type Stats struct {
	Address    string
	Idle       int
	CheckedOut int
	Waiting    int
	Max        int
	Min        int
	Banned     bool
	Exhausted  int64
}

// HealthProbe issues a protocol-level health check against a connection
// (e.g. SELECT 1) and reports whether it succeeded. Supplied by the
// Monitor's owner so the pool package stays free of a hard SQL dependency.
type HealthProbe func(conn *ServerConnection) error

// Pool owns an ordered collection of idle ServerConnections, a count of
// connections checked out, a FIFO of waiters, a Ban slot, and a background
// Monitor. All mutation of pool state is serialized by mu; no lock is held
// across I/O.
type Pool struct {
	mu   sync.Mutex
	cond *sync.Cond

	addr   Address
	cfg    Config
	tlsCfg TLSConfig
	probe  HealthProbe

	idle       []*ServerConnection
	checkedOut map[*ServerConnection]struct{}
	total      int
	waiting    int
	exhausted  int64
	ban        *Ban

	closed bool
	stopCh chan struct{}

	onExhausted func(addr Address)
}

// New constructs a pool for addr. The background Monitor starts
// immediately; min connections are warmed asynchronously.
func New(addr Address, cfg Config, tlsCfg TLSConfig, probe HealthProbe) *Pool {
	p := &Pool{
		addr:       addr,
		cfg:        cfg,
		tlsCfg:     tlsCfg,
		probe:      probe,
		idle:       make([]*ServerConnection, 0),
		checkedOut: make(map[*ServerConnection]struct{}),
		stopCh:     make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)
	go newMonitor(p).run()
	if cfg.Min > 0 {
		go p.warmUp()
	}
	return p
}

// OnExhausted registers a callback invoked whenever a checkout must wait
// because the pool is at capacity, mirroring the teacher's pool-exhaustion
// hook used to drive a metrics counter.
func (p *Pool) OnExhausted(fn func(addr Address)) {
	p.mu.Lock()
	p.onExhausted = fn
	p.mu.Unlock()
}

func (p *Pool) warmUp() {
	for i := 0; i < p.cfg.Min; i++ {
		p.mu.Lock()
		if p.closed || p.total >= p.cfg.Min {
			p.mu.Unlock()
			return
		}
		p.total++
		p.mu.Unlock()

		conn, err := connect(context.Background(), p.addr, p.cfg, p.tlsCfg, p)
		if err != nil {
			p.mu.Lock()
			p.total--
			p.mu.Unlock()
			slog.Warn("pool warm-up connection failed", "address", p.addr, "err", err)
			return
		}
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			conn.terminate()
			return
		}
		p.idle = append(p.idle, conn)
		p.mu.Unlock()
	}
}

// Checkout implements the pool's checkout(client_id) contract: banned pools
// fail fast, idle connections are reused LIFO, new connections are spawned
// under max, and callers beyond max wait up to checkout_timeout.
func (p *Pool) Checkout(ctx context.Context) (*Guard, error) {
	deadline := time.Now().Add(p.cfg.CheckoutTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	p.mu.Lock()
	for {
		select {
		case <-ctx.Done():
			p.mu.Unlock()
			return nil, ctx.Err()
		default:
		}

		if p.closed {
			p.mu.Unlock()
			return nil, &pgerr.NoEligiblePool{Reason: "pool closed"}
		}

		if p.ban != nil && !p.ban.Expired(time.Now()) {
			reason := p.ban.Reason
			p.mu.Unlock()
			return nil, &pgerr.Banned{Address: p.addr.String(), Reason: reason}
		}
		if p.ban != nil {
			p.ban = nil // expired, lift it
		}

		for len(p.idle) > 0 {
			conn := p.idle[len(p.idle)-1]
			p.idle = p.idle[:len(p.idle)-1]

			if conn.IsExpired(p.cfg.MaxAge) {
				p.total--
				p.mu.Unlock()
				conn.terminate()
				p.mu.Lock()
				continue
			}
			if !conn.State().InSync() {
				p.total--
				p.mu.Unlock()
				conn.terminate()
				p.mu.Lock()
				continue
			}

			p.checkedOut[conn] = struct{}{}
			p.mu.Unlock()
			return newGuard(conn, p), nil
		}

		if p.total < p.cfg.Max {
			p.total++
			p.mu.Unlock()

			conn, err := connect(ctx, p.addr, p.cfg, p.tlsCfg, p)
			if err != nil {
				p.mu.Lock()
				p.total--
				var protoErr *pgerr.ProtocolError
				if errors.As(err, &protoErr) {
					p.ban = &Ban{Reason: "checkout failed: " + err.Error(), BannedAt: time.Now(), TTL: p.cfg.BanTTL}
				}
				p.mu.Unlock()
				return nil, err
			}

			p.mu.Lock()
			p.checkedOut[conn] = struct{}{}
			p.mu.Unlock()
			return newGuard(conn, p), nil
		}

		p.waiting++
		p.exhausted++
		cb := p.onExhausted
		addr := p.addr
		p.mu.Unlock()
		if cb != nil {
			cb(addr)
		}

		p.mu.Lock()
		remaining := time.Until(deadline)
		if remaining <= 0 {
			p.waiting--
			p.mu.Unlock()
			return nil, &pgerr.CheckoutTimeout{WaitedMS: p.cfg.CheckoutTimeout.Milliseconds()}
		}

		timer := time.AfterFunc(remaining, func() { p.cond.Broadcast() })
		p.cond.Wait()
		timer.Stop()
		p.waiting--

		if p.closed {
			p.mu.Unlock()
			return nil, &pgerr.NoEligiblePool{Reason: "pool closing"}
		}
		if time.Now().After(deadline) {
			p.mu.Unlock()
			return nil, &pgerr.CheckoutTimeout{WaitedMS: p.cfg.CheckoutTimeout.Milliseconds()}
		}
		// retry from the top, mu held
	}
}

// Release implements the pool's release(Guard) rules.
func (p *Pool) Release(conn *ServerConnection) {
	p.mu.Lock()
	delete(p.checkedOut, conn)

	state := conn.State()
	if state == StateError || state == StateDisconnected {
		p.total--
		p.mu.Unlock()
		conn.terminate()
		p.cond.Signal()
		return
	}

	if state.InTransaction() {
		p.mu.Unlock()
		if err := conn.rollback(); err != nil {
			p.mu.Lock()
			p.total--
			p.mu.Unlock()
			conn.terminate()
			p.mu.Lock()
			p.cond.Signal()
			p.mu.Unlock()
			return
		}
		p.mu.Lock()
	}

	if conn.IsExpired(p.cfg.MaxAge) {
		p.total--
		p.mu.Unlock()
		conn.terminate()
		p.cond.Signal()
		return
	}

	conn.touch()
	p.idle = append(p.idle, conn)
	p.mu.Unlock()
	p.cond.Signal()
}

// discard forcibly destroys conn regardless of its protocol state.
func (p *Pool) discard(conn *ServerConnection) {
	p.mu.Lock()
	delete(p.checkedOut, conn)
	p.total--
	p.mu.Unlock()
	conn.terminate()
	p.cond.Signal()
}

// Ban takes the pool out of rotation for ttl, effective immediately.
func (p *Pool) Ban(reason string, ttl time.Duration) {
	p.mu.Lock()
	p.ban = &Ban{Reason: reason, BannedAt: time.Now(), TTL: ttl}
	p.mu.Unlock()
}

// Unban lifts an active ban immediately; accepted unconditionally from the
// admin surface per spec.
func (p *Pool) Unban() {
	p.mu.Lock()
	p.ban = nil
	p.mu.Unlock()
}

// IsBanned reports whether the pool is currently out of rotation.
func (p *Pool) IsBanned() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ban != nil && !p.ban.Expired(time.Now())
}

// Address returns the pool's identity.
func (p *Pool) Address() Address { return p.addr }

// Stats returns a snapshot of current pool occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Address:    p.addr.String(),
		Idle:       len(p.idle),
		CheckedOut: len(p.checkedOut),
		Waiting:    p.waiting,
		Max:        p.cfg.Max,
		Min:        p.cfg.Min,
		Banned:     p.ban != nil && !p.ban.Expired(time.Now()),
		Exhausted:  p.exhausted,
	}
}

// Drain closes all idle connections and waits (bounded) for checked-out
// ones to be returned.
func (p *Pool) Drain(timeout time.Duration) {
	p.mu.Lock()
	for _, conn := range p.idle {
		p.total--
		p.mu.Unlock()
		conn.terminate()
		p.mu.Lock()
	}
	p.idle = p.idle[:0]
	outstanding := len(p.checkedOut)
	p.mu.Unlock()

	if outstanding == 0 {
		return
	}
	deadline := time.After(timeout)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.mu.Lock()
			if len(p.checkedOut) == 0 {
				p.mu.Unlock()
				return
			}
			p.mu.Unlock()
		case <-deadline:
			p.mu.Lock()
			for conn := range p.checkedOut {
				p.total--
				conn.terminate()
			}
			p.checkedOut = make(map[*ServerConnection]struct{})
			p.mu.Unlock()
			return
		}
	}
}

// Close shuts the pool down, waking any waiters and draining connections.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.stopCh)
	p.cond.Broadcast()
	p.mu.Unlock()

	p.Drain(30 * time.Second)
}
