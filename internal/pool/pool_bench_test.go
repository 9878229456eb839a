package pool

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"
)

// newBenchPool creates a Pool pre-loaded with n injected net.Pipe
// connections and a large CheckoutTimeout so waits don't skew results.
func newBenchPool(b *testing.B, n int) (*Pool, []net.Conn) {
	b.Helper()
	addr := Address{Host: "localhost", Port: 15432, Database: "bench", User: "user"}
	cfg := Config{
		Min:             0,
		Max:             n,
		CheckoutTimeout: 30 * time.Second,
		IdleTimeout:     5 * time.Minute,
		MaxAge:          30 * time.Minute,
	}
	p := New(addr, cfg, TLSConfig{}, nil)

	pipes := make([]net.Conn, 0, n*2)
	for i := 0; i < n; i++ {
		client, server := net.Pipe()
		pipes = append(pipes, client, server)
		p.InjectForTest(client, addr, BackendKeyData{PID: 1, Secret: 2})
	}
	return p, pipes
}

// BenchmarkAcquireReturn measures the throughput of a single goroutine
// repeatedly checking out and immediately releasing a connection.
// Pool size = 1 so no contention; measures pure checkout/release overhead.
func BenchmarkAcquireReturn(b *testing.B) {
	p, pipes := newBenchPool(b, 1)
	defer closeAll(pipes)

	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		g, err := p.Checkout(ctx)
		if err != nil {
			b.Fatalf("Checkout failed: %v", err)
		}
		g.Release()
	}
}

// BenchmarkAcquireReturnParallel measures throughput under concurrent access
// with a pool sized to allow all goroutines to check out simultaneously.
func BenchmarkAcquireReturnParallel(b *testing.B) {
	p, pipes := newBenchPool(b, 12)
	defer closeAll(pipes)

	ctx := context.Background()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			g, err := p.Checkout(ctx)
			if err != nil {
				continue
			}
			g.Release()
		}
	})
}

// BenchmarkAcquireContended measures latency when goroutines compete for
// fewer connections than goroutines (realistic production scenario).
func BenchmarkAcquireContended(b *testing.B) {
	const poolSize = 4
	p, pipes := newBenchPool(b, poolSize)
	defer closeAll(pipes)

	ctx := context.Background()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			g, err := p.Checkout(ctx)
			if err != nil {
				continue
			}
			// 1µs simulated work to ensure genuine contention at poolSize=4
			time.Sleep(time.Microsecond)
			g.Release()
		}
	})
}

// BenchmarkPoolStats measures the overhead of reading pool stats (polled by
// the admin surface's /pools endpoint).
func BenchmarkPoolStats(b *testing.B) {
	p, pipes := newBenchPool(b, 4)
	defer closeAll(pipes)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = p.Stats()
	}
}

// BenchmarkConcurrentAcquireReturnThroughput measures aggregate ops/sec with
// a realistic worker-pool pattern: N workers each checkout → work → release.
func BenchmarkConcurrentAcquireReturnThroughput(b *testing.B) {
	const poolSize = 8
	p, pipes := newBenchPool(b, poolSize)
	defer closeAll(pipes)

	ctx := context.Background()
	const workers = 32
	work := make(chan struct{}, b.N)
	for i := 0; i < b.N; i++ {
		work <- struct{}{}
	}
	close(work)

	b.ResetTimer()
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range work {
				g, err := p.Checkout(ctx)
				if err != nil {
					continue
				}
				g.Release()
			}
		}()
	}
	wg.Wait()
}

func closeAll(conns []net.Conn) {
	for _, c := range conns {
		c.Close()
	}
}
