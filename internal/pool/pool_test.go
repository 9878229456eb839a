package pool

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/shardbouncer/shardbouncer/internal/pgerr"
	"github.com/shardbouncer/shardbouncer/internal/wire"
)

func testConfig() Config {
	return Config{
		Min:             0,
		Max:             2,
		CheckoutTimeout: 200 * time.Millisecond,
		ConnectTimeout:  200 * time.Millisecond,
		IdleTimeout:     0,
		MaxAge:          0,
	}
}

func TestCheckoutReuseIsLIFO(t *testing.T) {
	p := New(Address{Host: "x", Port: 1}, testConfig(), TLSConfig{}, nil)
	defer p.Close()

	c1, s1 := net.Pipe()
	defer s1.Close()
	c2, s2 := net.Pipe()
	defer s2.Close()

	first := p.InjectForTest(c1, p.addr, BackendKeyData{PID: 1})
	second := p.InjectForTest(c2, p.addr, BackendKeyData{PID: 2})

	g, err := p.Checkout(context.Background())
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if g.Conn() != second {
		t.Fatalf("expected LIFO reuse of most-recently-injected connection")
	}
	g.Release()
	_ = first
}

func TestPoolIdlePlusCheckedOutNeverExceedsMax(t *testing.T) {
	cfg := testConfig()
	cfg.Max = 1
	p := New(Address{Host: "x", Port: 1}, cfg, TLSConfig{}, nil)
	defer p.Close()

	c1, s1 := net.Pipe()
	defer s1.Close()
	p.InjectForTest(c1, p.addr, BackendKeyData{PID: 1})

	g, err := p.Checkout(context.Background())
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := p.Checkout(ctx); err == nil {
		t.Fatalf("expected second checkout under max=1 with no idle to fail or time out")
	}

	stats := p.Stats()
	if stats.Idle+stats.CheckedOut > stats.Max {
		t.Fatalf("idle(%d)+checked_out(%d) exceeds max(%d)", stats.Idle, stats.CheckedOut, stats.Max)
	}
	g.Release()
}

func TestCheckoutTimeoutWhenExhausted(t *testing.T) {
	cfg := testConfig()
	cfg.Max = 1
	cfg.CheckoutTimeout = 50 * time.Millisecond
	p := New(Address{Host: "x", Port: 1}, cfg, TLSConfig{}, nil)
	defer p.Close()

	c1, s1 := net.Pipe()
	defer s1.Close()
	p.InjectForTest(c1, p.addr, BackendKeyData{PID: 1})
	g, err := p.Checkout(context.Background())
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	defer g.Release()

	_, err = p.Checkout(context.Background())
	if err == nil {
		t.Fatalf("expected CheckoutTimeout")
	}
	if _, ok := err.(*pgerr.CheckoutTimeout); !ok {
		t.Fatalf("expected *pgerr.CheckoutTimeout, got %T: %v", err, err)
	}
}

func TestBannedPoolRejectsCheckout(t *testing.T) {
	p := New(Address{Host: "x", Port: 1}, testConfig(), TLSConfig{}, nil)
	defer p.Close()

	p.Ban("simulated health check failure", time.Minute)
	if !p.IsBanned() {
		t.Fatalf("expected pool to be banned")
	}

	_, err := p.Checkout(context.Background())
	if err == nil {
		t.Fatalf("expected Banned error")
	}
	if _, ok := err.(*pgerr.Banned); !ok {
		t.Fatalf("expected *pgerr.Banned, got %T: %v", err, err)
	}

	p.Unban()
	if p.IsBanned() {
		t.Fatalf("expected pool to no longer be banned after Unban")
	}
}

func TestReleaseErrorConnectionIsDiscarded(t *testing.T) {
	p := New(Address{Host: "x", Port: 1}, testConfig(), TLSConfig{}, nil)
	defer p.Close()

	c1, s1 := net.Pipe()
	defer s1.Close()
	p.InjectForTest(c1, p.addr, BackendKeyData{PID: 1})

	g, err := p.Checkout(context.Background())
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	g.Conn().setState(StateError)
	g.Release()

	stats := p.Stats()
	if stats.Idle != 0 {
		t.Fatalf("connection released in Error state must never reach the idle set, got idle=%d", stats.Idle)
	}
}

func TestReleaseHealthyConnectionReturnsToIdle(t *testing.T) {
	p := New(Address{Host: "x", Port: 1}, testConfig(), TLSConfig{}, nil)
	defer p.Close()

	c1, s1 := net.Pipe()
	defer s1.Close()
	p.InjectForTest(c1, p.addr, BackendKeyData{PID: 1})

	g, err := p.Checkout(context.Background())
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	g.Release()

	stats := p.Stats()
	if stats.Idle != 1 || stats.CheckedOut != 0 {
		t.Fatalf("expected connection returned to idle, got %+v", stats)
	}
}

// TestServerConnectionReadTransitionsOnReadyForQuery exercises the
// ProtocolState machine driven only by the ReadyForQuery status byte.
func TestServerConnectionReadTransitionsOnReadyForQuery(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	sc := newServerConnection(client, Address{}, BackendKeyData{}, map[string]string{}, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		wire.WriteMessage(server, wire.ReadyForQueryMessage{Status: wire.TxStatusInTrans}.Encode())
	}()
	m, err := sc.read()
	<-done
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if m.Tag != wire.ReadyForQuery {
		t.Fatalf("expected ReadyForQuery, got %q", m.Tag)
	}
	if sc.State() != StateIdleInTransaction {
		t.Fatalf("expected StateIdleInTransaction, got %v", sc.State())
	}
}
