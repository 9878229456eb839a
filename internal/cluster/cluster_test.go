package cluster

import (
	"testing"

	"github.com/shardbouncer/shardbouncer/internal/pool"
)

func testConfig(nShards int) Config {
	cfg := Config{
		ShardedTables: []ShardedTable{{Table: "users", Column: "id"}},
	}
	for i := 0; i < nShards; i++ {
		addr := pool.Address{Host: "127.0.0.1", Port: 5432 + i, Database: "app", User: "app"}
		cfg.Shards = append(cfg.Shards, ShardConfig{
			Primary:    &addr,
			PoolConfig: pool.Config{Min: 0, Max: 1},
		})
	}
	return cfg
}

func TestSelectPoolWriteUsesPrimary(t *testing.T) {
	c := New(testConfig(1))
	defer c.Close()

	p, err := c.SelectPool(0, true)
	if err != nil {
		t.Fatalf("SelectPool: %v", err)
	}
	shard, _ := c.Shard(0)
	if p != shard.Primary {
		t.Fatalf("expected write to select primary")
	}
}

func TestSelectPoolReadFallsBackToPrimaryWithNoReplicas(t *testing.T) {
	c := New(testConfig(1))
	defer c.Close()

	p, err := c.SelectPool(0, false)
	if err != nil {
		t.Fatalf("SelectPool: %v", err)
	}
	shard, _ := c.Shard(0)
	if p != shard.Primary {
		t.Fatalf("expected read with no replicas to fall back to primary")
	}
}

func TestClusterWideReadOnlyForcesRead(t *testing.T) {
	cfg := testConfig(1)
	cfg.ReadOnly = true
	cfg.Shards[0].Replicas = []pool.Address{{Host: "127.0.0.1", Port: 6432, Database: "app", User: "app"}}
	c := New(cfg)
	defer c.Close()

	shard, _ := c.Shard(0)
	shard.Primary.Close() // simulate primary unavailable; SelectPool should still try write=false path

	p, err := c.SelectPool(0, true)
	if err != nil {
		t.Fatalf("SelectPool: %v", err)
	}
	if p == shard.Primary || p != shard.Replicas.All()[0] {
		t.Fatalf("expected read_only to route a write request to the replica")
	}
	if c.WriteOnly() {
		t.Fatalf("WriteOnly should be false")
	}
	if !c.ReadOnly() {
		t.Fatalf("ReadOnly should be true")
	}
}

func TestShardColumnLookup(t *testing.T) {
	c := New(testConfig(1))
	defer c.Close()

	col, ok := c.ShardColumn("users")
	if !ok || col != "id" {
		t.Fatalf("ShardColumn(users) = %q, %v", col, ok)
	}
	if _, ok := c.ShardColumn("missing"); ok {
		t.Fatalf("ShardColumn(missing) should not be found")
	}
}

func TestAnyShardRoundRobin(t *testing.T) {
	c := New(testConfig(3))
	defer c.Close()

	seen := make(map[int]bool)
	for i := 0; i < 6; i++ {
		idx, _, ok := c.AnyShard()
		if !ok {
			t.Fatalf("AnyShard should find a shard")
		}
		seen[idx] = true
	}
	if len(seen) != 3 {
		t.Fatalf("expected round robin to visit all 3 shards, saw %d", len(seen))
	}
}

func TestReloadSwapsTopologyWithoutClosingInFlightPools(t *testing.T) {
	c := New(testConfig(1))
	defer c.Close()

	before, _ := c.Shard(0)
	c.Reload(testConfig(2))

	if c.ShardCount() != 2 {
		t.Fatalf("expected reload to pick up new shard count, got %d", c.ShardCount())
	}
	// The old shard's pool is untouched by Reload; it is this test's
	// responsibility (standing in for a draining session) to close it.
	before.Primary.Close()
}
