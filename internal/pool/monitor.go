package pool

import (
	"context"
	"log/slog"
	"time"
)

// monitor is the background task per Pool that evicts stale idle
// connections, runs health checks, and refills toward min. It holds only a
// back-reference to its pool — when the pool is closed, stopCh is closed
// and the monitor's run loop returns at once, breaking the cycle without needing a
// weak pointer.
type monitor struct {
	pool *Pool
}

func newMonitor(p *Pool) *monitor {
	return &monitor{pool: p}
}

func (m *monitor) run() {
	ticker := time.NewTicker(tickInterval(m.pool.cfg))
	defer ticker.Stop()
	for {
		select {
		case <-m.pool.stopCh:
			return
		case <-ticker.C:
			m.tick()
		}
	}
}

func tickInterval(cfg Config) time.Duration {
	if cfg.HealthcheckEvery > 0 && cfg.HealthcheckEvery < 5*time.Second {
		return cfg.HealthcheckEvery
	}
	return 5 * time.Second
}

func (m *monitor) tick() {
	m.evictStale()
	m.healthCheck()
	m.refill()
}

// evictStale closes idle connections older than idle_timeout or past
// max_age, preserving min.
func (m *monitor) evictStale() {
	p := m.pool
	p.mu.Lock()
	keep := make([]*ServerConnection, 0, len(p.idle))
	var stale []*ServerConnection
	for _, conn := range p.idle {
		idleTooLong := p.cfg.IdleTimeout > 0 && time.Since(conn.LastUsedAt()) > p.cfg.IdleTimeout
		tooOld := conn.IsExpired(p.cfg.MaxAge)
		if (idleTooLong || tooOld) && p.total > p.cfg.Min {
			stale = append(stale, conn)
			p.total--
			continue
		}
		keep = append(keep, conn)
	}
	p.idle = keep
	p.mu.Unlock()

	for _, conn := range stale {
		conn.terminate()
	}
}

// healthCheck issues a probe on idle connections whose last check exceeds
// the configured threshold; failures ban the pool and discard the
// connection.
func (m *monitor) healthCheck() {
	p := m.pool
	if p.probe == nil || p.cfg.HealthcheckEvery <= 0 {
		return
	}
	p.mu.Lock()
	var due []*ServerConnection
	var keep []*ServerConnection
	for _, conn := range p.idle {
		if conn.NeedsHealthcheck(p.cfg.HealthcheckEvery) {
			due = append(due, conn)
		} else {
			keep = append(keep, conn)
		}
	}
	p.idle = keep
	p.mu.Unlock()

	for _, conn := range due {
		conn.mu.Lock()
		conn.lastHealthcheck = time.Now()
		conn.mu.Unlock()
		if err := p.probe(conn); err != nil {
			slog.Warn("pool health check failed, banning", "address", p.addr, "err", err)
			p.mu.Lock()
			p.total--
			p.mu.Unlock()
			conn.terminate()
			p.Ban("health check failed: "+err.Error(), p.cfg.BanTTL)
			continue
		}
		p.mu.Lock()
		p.idle = append(p.idle, conn)
		p.mu.Unlock()
	}
}

// refill spawns connections up to min.
func (m *monitor) refill() {
	p := m.pool
	p.mu.Lock()
	need := p.cfg.Min - p.total
	if need > 0 {
		p.total += need
	}
	p.mu.Unlock()
	if need <= 0 {
		return
	}
	for i := 0; i < need; i++ {
		conn, err := connect(context.Background(), p.addr, p.cfg, p.tlsCfg, p)
		if err != nil {
			p.mu.Lock()
			p.total--
			p.mu.Unlock()
			slog.Warn("pool refill connection failed", "address", p.addr, "err", err)
			continue
		}
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			conn.terminate()
			return
		}
		p.idle = append(p.idle, conn)
		p.mu.Unlock()
		p.cond.Signal()
	}
}
