// Package cluster models the sharded topology a Cluster configuration
// collaborator produces: an ordered sequence of shards, each a primary plus
// replicas, along with cluster-wide read/write flags and a sharded-table
// catalog. Selection (§4.4) resolves a Route to one or more pools.
//
// Topology reloads publish a new immutable snapshot via atomic.Value, the
// same lock-free-read / mutex-serialized-write idiom the teacher uses for
// its tenant routing table; in-flight sessions keep using the snapshot they
// already hold until their next checkout.
package cluster

import (
	"sync/atomic"

	"github.com/shardbouncer/shardbouncer/internal/pgerr"
	"github.com/shardbouncer/shardbouncer/internal/pool"
)

// ShardedTable names a table and the column its rows are partitioned on.
type ShardedTable struct {
	Table  string
	Column string
}

// Replicas is an ordered list of read pools plus a round-robin cursor over
// the non-banned ones.
type Replicas struct {
	pools  []*pool.Pool
	cursor uint64
}

func newReplicas(pools []*pool.Pool) *Replicas {
	return &Replicas{pools: pools}
}

// Next returns the next non-banned replica in round-robin order, or false
// if every replica is currently banned.
func (r *Replicas) Next() (*pool.Pool, bool) {
	n := len(r.pools)
	if n == 0 {
		return nil, false
	}
	start := atomic.AddUint64(&r.cursor, 1)
	for i := 0; i < n; i++ {
		p := r.pools[(int(start)+i)%n]
		if !p.IsBanned() {
			return p, true
		}
	}
	return nil, false
}

// All returns every replica pool, banned or not — used by fan-out planning
// that needs the full replica set rather than a single pick.
func (r *Replicas) All() []*pool.Pool {
	return append([]*pool.Pool(nil), r.pools...)
}

// Shard is one horizontal partition: a primary plus zero or more replicas.
type Shard struct {
	Primary  *pool.Pool // nil for a replica-only shard (unusual but allowed)
	Replicas *Replicas
}

// topology is the immutable snapshot swapped in on reload.
type topology struct {
	shards        []*Shard
	readOnly      bool
	writeOnly     bool
	shardedTables map[string]string // table -> shard column
	cursor        uint64
}

// Cluster is an ordered sequence of shards plus cluster-wide flags and a
// sharded-table catalog. Safe for concurrent use; Reload publishes a new
// snapshot without blocking readers.
type Cluster struct {
	snap atomic.Value // holds *topology
}

// Config describes the shards and flags to build a Cluster from, the shape
// the cluster configuration collaborator (§6) is expected to produce.
type Config struct {
	Shards        []ShardConfig
	ReadOnly      bool
	WriteOnly     bool
	ShardedTables []ShardedTable
}

// ShardConfig names the primary and replica addresses and per-pool config
// for one shard.
type ShardConfig struct {
	Primary     *pool.Address
	Replicas    []pool.Address
	PoolConfig  pool.Config
	TLS         pool.TLSConfig
	HealthProbe pool.HealthProbe
}

// New builds a Cluster from cfg, dialing no connections yet — pools warm up
// their own minimum in the background once constructed.
func New(cfg Config) *Cluster {
	c := &Cluster{}
	c.snap.Store(buildTopology(cfg))
	return c
}

func buildTopology(cfg Config) *topology {
	t := &topology{
		readOnly:      cfg.ReadOnly,
		writeOnly:     cfg.WriteOnly,
		shardedTables: make(map[string]string, len(cfg.ShardedTables)),
	}
	for _, st := range cfg.ShardedTables {
		t.shardedTables[st.Table] = st.Column
	}
	for _, sc := range cfg.Shards {
		shard := &Shard{}
		if sc.Primary != nil {
			shard.Primary = pool.New(*sc.Primary, sc.PoolConfig, sc.TLS, sc.HealthProbe)
		}
		replicaPools := make([]*pool.Pool, 0, len(sc.Replicas))
		for _, addr := range sc.Replicas {
			replicaPools = append(replicaPools, pool.New(addr, sc.PoolConfig, sc.TLS, sc.HealthProbe))
		}
		shard.Replicas = newReplicas(replicaPools)
		t.shards = append(t.shards, shard)
	}
	return t
}

func (c *Cluster) load() *topology {
	return c.snap.Load().(*topology)
}

// ShardCount returns the number of shards in the current topology.
func (c *Cluster) ShardCount() int {
	return len(c.load().shards)
}

// ReadOnly reports whether the cluster-wide read_only flag is set.
func (c *Cluster) ReadOnly() bool { return c.load().readOnly }

// WriteOnly reports whether the cluster-wide write_only flag is set.
func (c *Cluster) WriteOnly() bool { return c.load().writeOnly }

// ShardColumn returns the sharding column for table, if it is a sharded
// table.
func (c *Cluster) ShardColumn(table string) (string, bool) {
	col, ok := c.load().shardedTables[table]
	return col, ok
}

// Shard returns the i'th shard, or false if out of range.
func (c *Cluster) Shard(i int) (*Shard, bool) {
	t := c.load()
	if i < 0 || i >= len(t.shards) {
		return nil, false
	}
	return t.shards[i], true
}

// Shards returns every shard in the current topology.
func (c *Cluster) Shards() []*Shard {
	return append([]*Shard(nil), c.load().shards...)
}

// AnyShard picks a shard via per-cluster round-robin, for shard-oblivious
// reads (Route{shard: Any}).
func (c *Cluster) AnyShard() (int, *Shard, bool) {
	t := c.load()
	n := len(t.shards)
	if n == 0 {
		return 0, nil, false
	}
	i := int(atomic.AddUint64(&t.cursor, 1)-1) % n
	return i, t.shards[i], true
}

// SelectPool implements §4.4 cluster selection for a single resolved shard
// index and affinity, honoring cluster-wide read_only/write_only overrides.
func (c *Cluster) SelectPool(shardIndex int, wantWrite bool) (*pool.Pool, error) {
	t := c.load()
	if shardIndex < 0 || shardIndex >= len(t.shards) {
		return nil, &pgerr.NoEligiblePool{Reason: "shard index out of range"}
	}
	shard := t.shards[shardIndex]

	write := wantWrite
	if t.readOnly {
		write = false
	}
	if t.writeOnly {
		write = true
	}

	if write {
		if shard.Primary == nil {
			return nil, &pgerr.NoEligiblePool{Reason: "shard has no primary"}
		}
		return shard.Primary, nil
	}

	if p, ok := shard.Replicas.Next(); ok {
		return p, nil
	}
	if shard.Primary != nil {
		return shard.Primary, nil
	}
	return nil, &pgerr.NoEligiblePool{Reason: "no replica or primary available"}
}

// Reload swaps in a new topology built from cfg. In-flight sessions
// continue against pools obtained from the old topology until their next
// checkout; this does not close any existing pool, since a shard address
// may be shared between the old and new config.
func (c *Cluster) Reload(cfg Config) {
	c.snap.Store(buildTopology(cfg))
}

// Close shuts down every pool in the current topology.
func (c *Cluster) Close() {
	t := c.load()
	for _, shard := range t.shards {
		if shard.Primary != nil {
			shard.Primary.Close()
		}
		for _, p := range shard.Replicas.All() {
			p.Close()
		}
	}
}
