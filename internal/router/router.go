package router

import (
	"regexp"
	"strconv"

	"github.com/shardbouncer/shardbouncer/internal/wire"
)

// ShardCountSource is the narrow view of a Cluster the router needs: how
// many shards exist, and which column (if any) shards a given table.
type ShardCountSource interface {
	ShardCount() int
	ReadOnly() bool
	WriteOnly() bool
	ShardColumn(table string) (string, bool)
}

var shardHintRe = regexp.MustCompile(`/\*\s*pgdog_shard:\s*([0-9]+)\s*\*/`)

// Router turns a buffered client statement into a Command, per §4.5. It
// keeps only the last decided Command across calls, for the case where a
// client's buffer does not (yet) contain a complete statement.
type Router struct {
	parser SQLParser
	hash   HashFunction
	last   Command
}

// NewRouter builds a Router using parser for SQL structure and hash for
// shard_str/shard_int key resolution.
func NewRouter(parser SQLParser, hash HashFunction) *Router {
	if parser == nil {
		parser = NewRegexParser()
	}
	if hash == nil {
		hash = NewHashFunction("")
	}
	return &Router{parser: parser, hash: hash}
}

// ShardKey hashes key with this Router's configured hash backend and
// reduces it modulo shardCount — the same resolution a WHERE equality key
// goes through, exposed for per-row COPY sharding.
func (r *Router) ShardKey(key string, shardCount int) int {
	return ShardFor(r.hash, key, shardCount)
}

// Last returns the most recently decided Command, for buffers that don't
// carry a full statement of their own (e.g. a bare Describe/Execute pair
// following a previously routed Parse/Bind).
func (r *Router) Last() Command { return r.last }

// bindParams lets the router resolve $n WHERE keys against the parameter
// values of the Bind currently being routed, if any.
type bindParams struct {
	bind *wire.BindMessage
}

func (b bindParams) text(n int) (string, bool) {
	if b.bind == nil {
		return "", false
	}
	if b.bind.ParameterIsBinary(n) {
		return "", false
	}
	v, ok := b.bind.Parameter(n)
	if !ok || v == nil {
		return "", false
	}
	return string(v), true
}

// Route decides a Command for sql, against cluster, optionally resolving
// $n WHERE keys against bind (nil if this statement has no Bind, i.e. the
// simple query protocol).
func (r *Router) Route(sql string, cluster ShardCountSource, bind *wire.BindMessage) (Command, error) {
	shardCount := cluster.ShardCount()

	if shardCount <= 1 {
		cmd := Command{Kind: CommandQuery, Route: Route{Shard: One(0), Affinity: r.defaultAffinity(cluster, AffinityWrite)}}
		r.last = cmd
		return cmd, nil
	}

	var hintShard int
	hasHint := false
	if m := shardHintRe.FindStringSubmatch(sql); m != nil {
		n, err := strconv.Atoi(m[1])
		if err == nil && n >= 0 && n < shardCount {
			hintShard = n
			hasHint = true
		}
	}

	stmt, err := r.parser.Parse(sql)
	if err != nil {
		return Command{}, err
	}

	cmd := r.dispatch(stmt, sql, cluster, bindParams{bind}, shardCount)

	if hasHint && cmd.Kind == CommandQuery {
		cmd.Route.Shard = One(hintShard)
	}
	if shardCount == 1 {
		cmd.Route.Shard = One(0)
	}

	r.last = cmd
	return cmd, nil
}

func (r *Router) dispatch(stmt ParsedStatement, sql string, cluster ShardCountSource, params bindParams, shardCount int) Command {
	switch stmt.Kind {
	case StatementSelect:
		return r.routeSelect(stmt, cluster, params, shardCount)
	case StatementInsert, StatementUpdate, StatementDelete:
		return Command{Kind: CommandQuery, Route: Route{Shard: Any(), Affinity: r.defaultAffinity(cluster, AffinityWrite)}}
	case StatementCopy:
		col := 0
		if c, ok := cluster.ShardColumn(stmt.Table); ok {
			col = shardColumnOrdinal(sql, c)
		}
		return Command{Kind: CommandCopy, Copy: NewTextCopyPlan(stmt.Table, col, 0)}
	case StatementBegin:
		return Command{Kind: CommandStartTransaction}
	case StatementCommit:
		return Command{Kind: CommandCommitTransaction}
	case StatementRollback:
		return Command{Kind: CommandRollbackTransaction}
	default:
		return Command{Kind: CommandQuery, Route: Route{Shard: Any(), Affinity: r.defaultAffinity(cluster, AffinityWrite)}}
	}
}

func (r *Router) routeSelect(stmt ParsedStatement, cluster ShardCountSource, params bindParams, shardCount int) Command {
	affinity := r.defaultAffinity(cluster, AffinityRead)
	orderBy := resolveOrderBy(stmt.OrderBy)

	if !stmt.HasTables {
		return Command{Kind: CommandQuery, Route: Route{Shard: Any(), Affinity: affinity, OrderBy: orderBy}}
	}

	shardCol, sharded := cluster.ShardColumn(stmt.Table)
	if !sharded {
		return Command{Kind: CommandQuery, Route: Route{Shard: Any(), Affinity: affinity, OrderBy: orderBy}}
	}

	keys := map[int]struct{}{}
	resolvedAll := true
	for _, eq := range stmt.Where {
		if eq.Column != shardCol {
			continue
		}
		var keyText string
		var ok bool
		if eq.IsParam {
			keyText, ok = params.text(eq.Param)
		} else {
			keyText, ok = eq.Value, true
		}
		if !ok {
			resolvedAll = false
			continue
		}
		keys[ShardFor(r.hash, keyText, shardCount)] = struct{}{}
	}

	if len(keys) == 1 && resolvedAll {
		var shard int
		for k := range keys {
			shard = k
		}
		return Command{Kind: CommandQuery, Route: Route{Shard: One(shard), Affinity: affinity, OrderBy: orderBy}}
	}
	return Command{Kind: CommandQuery, Route: Route{Shard: All(), Affinity: affinity, OrderBy: orderBy}}
}

func (r *Router) defaultAffinity(cluster ShardCountSource, want Affinity) Affinity {
	if cluster.ReadOnly() {
		return AffinityRead
	}
	if cluster.WriteOnly() {
		return AffinityWrite
	}
	return want
}

// resolveOrderBy converts the parser's SortKey list into router.OrderBy,
// without yet resolving names against a RowDescription — that happens in
// the sort buffer once the server has replied.
func resolveOrderBy(keys []SortKey) []OrderBy {
	if len(keys) == 0 {
		return nil
	}
	out := make([]OrderBy, 0, len(keys))
	for _, k := range keys {
		switch {
		case k.Name != "" && k.Descending:
			out = append(out, DescColumn(k.Name))
		case k.Name != "":
			out = append(out, AscColumn(k.Name))
		case k.Descending:
			out = append(out, Desc(k.Index))
		default:
			out = append(out, Asc(k.Index))
		}
	}
	return out
}

var copyColumnsRe = regexp.MustCompile(`(?is)COPY\s+[a-zA-Z_][a-zA-Z0-9_]*\s*\(([^)]*)\)`)

// shardColumnOrdinal finds the 1-based position of shardCol within an
// explicit COPY table(col1, col2, ...) column list; if the statement named
// no explicit column list, ordinal resolution is the caller's
// responsibility (falls back to 0, meaning "not sharded per-row").
func shardColumnOrdinal(sql, shardCol string) int {
	m := copyColumnsRe.FindStringSubmatch(sql)
	if m == nil {
		return 0
	}
	cols := splitAndTrim(m[1])
	for i, c := range cols {
		if c == shardCol {
			return i + 1
		}
	}
	return 0
}

func splitAndTrim(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			out = append(out, trimLower(s[start:i]))
			start = i + 1
		}
	}
	return out
}

func trimLower(s string) string {
	start, end := 0, len(s)
	for start < end && (s[start] == ' ' || s[start] == '\t' || s[start] == '\n') {
		start++
	}
	for end > start && (s[end-1] == ' ' || s[end-1] == '\t' || s[end-1] == '\n') {
		end--
	}
	s = s[start:end]
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}
