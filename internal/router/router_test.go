package router

import (
	"testing"

	"github.com/shardbouncer/shardbouncer/internal/wire"
)

type fakeCluster struct {
	shardCount int
	readOnly   bool
	writeOnly  bool
	sharded    map[string]string
}

func (f fakeCluster) ShardCount() int  { return f.shardCount }
func (f fakeCluster) ReadOnly() bool   { return f.readOnly }
func (f fakeCluster) WriteOnly() bool  { return f.writeOnly }
func (f fakeCluster) ShardColumn(table string) (string, bool) {
	c, ok := f.sharded[table]
	return c, ok
}

func testCluster(n int) fakeCluster {
	return fakeCluster{shardCount: n, sharded: map[string]string{"users": "id"}}
}

func TestSingleShardClusterShortCircuits(t *testing.T) {
	r := NewRouter(nil, nil)
	cmd, err := r.Route("SELECT * FROM users WHERE id = 7", testCluster(1), nil)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if cmd.Kind != CommandQuery || cmd.Route.Shard.Kind != SelectorOne || cmd.Route.Shard.Index != 0 {
		t.Fatalf("expected single-shard short circuit to One(0), got %+v", cmd)
	}
}

func TestSelectNoTablesRoutesAny(t *testing.T) {
	r := NewRouter(nil, nil)
	cmd, err := r.Route("SELECT 1", testCluster(3), nil)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if cmd.Route.Shard.Kind != SelectorAny {
		t.Fatalf("expected SelectorAny, got %+v", cmd.Route.Shard)
	}
	if cmd.Route.Affinity != AffinityRead {
		t.Fatalf("expected read affinity for a SELECT, got %v", cmd.Route.Affinity)
	}
}

func TestSelectSingleEqualityPinsShard(t *testing.T) {
	r := NewRouter(nil, nil)
	cmd, err := r.Route("SELECT * FROM users WHERE id = '42'", testCluster(4), nil)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if cmd.Route.Shard.Kind != SelectorOne {
		t.Fatalf("expected a single pinned shard, got %+v", cmd.Route.Shard)
	}
}

func TestSelectNoWhereKeyRoutesAll(t *testing.T) {
	r := NewRouter(nil, nil)
	cmd, err := r.Route("SELECT * FROM users WHERE name = 'bob'", testCluster(4), nil)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if cmd.Route.Shard.Kind != SelectorAll {
		t.Fatalf("expected shard=All with no recognized sharding key, got %+v", cmd.Route.Shard)
	}
}

func TestInsertRoutesWriteAny(t *testing.T) {
	r := NewRouter(nil, nil)
	cmd, err := r.Route("INSERT INTO users (id, name) VALUES (1, 'a')", testCluster(4), nil)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if cmd.Route.Shard.Kind != SelectorAny || cmd.Route.Affinity != AffinityWrite {
		t.Fatalf("expected Write/Any for INSERT, got %+v", cmd.Route)
	}
}

func TestStructuredCommentOverridesShard(t *testing.T) {
	r := NewRouter(nil, nil)
	cmd, err := r.Route("/* pgdog_shard: 2 */ SELECT * FROM users WHERE name = 'bob'", testCluster(4), nil)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if cmd.Route.Shard.Kind != SelectorOne || cmd.Route.Shard.Index != 2 {
		t.Fatalf("expected comment override to pin shard 2, got %+v", cmd.Route.Shard)
	}
}

func TestBeginCommitRollback(t *testing.T) {
	r := NewRouter(nil, nil)
	cases := map[string]CommandKind{
		"BEGIN":    CommandStartTransaction,
		"COMMIT":   CommandCommitTransaction,
		"ROLLBACK": CommandRollbackTransaction,
	}
	for sql, want := range cases {
		cmd, err := r.Route(sql, testCluster(4), nil)
		if err != nil {
			t.Fatalf("Route(%q): %v", sql, err)
		}
		if cmd.Kind != want {
			t.Fatalf("Route(%q) = %v, want %v", sql, cmd.Kind, want)
		}
	}
}

func TestParamBoundKeyResolvesAgainstBind(t *testing.T) {
	r := NewRouter(nil, nil)
	bind := &wire.BindMessage{ParamValues: [][]byte{[]byte("42")}}
	cmd, err := r.Route("SELECT * FROM users WHERE id = $1", testCluster(4), bind)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if cmd.Route.Shard.Kind != SelectorOne {
		t.Fatalf("expected param-resolved key to pin a shard, got %+v", cmd.Route.Shard)
	}
}

func TestBinaryParamFallsThroughToAll(t *testing.T) {
	r := NewRouter(nil, nil)
	bind := &wire.BindMessage{ParamValues: [][]byte{[]byte{0, 0, 0, 42}}, ParamFormats: []int16{1}}
	cmd, err := r.Route("SELECT * FROM users WHERE id = $1", testCluster(4), bind)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if cmd.Route.Shard.Kind != SelectorAll {
		t.Fatalf("expected binary param to fall through to All, got %+v", cmd.Route.Shard)
	}
}

func TestOrderByPositionalAndNamed(t *testing.T) {
	r := NewRouter(nil, nil)
	cmd, err := r.Route("SELECT * FROM users ORDER BY 1 DESC, name ASC", testCluster(4), nil)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if len(cmd.Route.OrderBy) != 2 {
		t.Fatalf("expected 2 order-by entries, got %d", len(cmd.Route.OrderBy))
	}
	if cmd.Route.OrderBy[0].Kind != OrderByIndex || !cmd.Route.OrderBy[0].Descending {
		t.Fatalf("expected first entry positional desc, got %+v", cmd.Route.OrderBy[0])
	}
	if cmd.Route.OrderBy[1].Kind != OrderByName || cmd.Route.OrderBy[1].ColumnName != "name" {
		t.Fatalf("expected second entry named asc, got %+v", cmd.Route.OrderBy[1])
	}
}

func TestCopyBuildsPlanWithColumnOrdinal(t *testing.T) {
	r := NewRouter(nil, nil)
	cmd, err := r.Route("COPY users (name, id) FROM STDIN", testCluster(4), nil)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if cmd.Kind != CommandCopy {
		t.Fatalf("expected CommandCopy, got %v", cmd.Kind)
	}
	if cmd.Copy.ShardColumn != 2 {
		t.Fatalf("expected shard column ordinal 2 (id is 2nd), got %d", cmd.Copy.ShardColumn)
	}
}

func TestClusterWideWriteOnlyForcesWriteAffinity(t *testing.T) {
	r := NewRouter(nil, nil)
	c := testCluster(4)
	c.writeOnly = true
	cmd, err := r.Route("SELECT * FROM users WHERE id = '1'", c, nil)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if cmd.Route.Affinity != AffinityWrite {
		t.Fatalf("expected write_only to force write affinity, got %v", cmd.Route.Affinity)
	}
}
