package session

import (
	"sync"
	"time"

	"github.com/shardbouncer/shardbouncer/internal/pool"
	"github.com/shardbouncer/shardbouncer/internal/wire"
)

// cancelTarget is one backend a session has pinned: where to dial, and the
// BackendKeyData to present to it, per the PostgreSQL CancelRequest
// protocol (spec.md §5 "process-wide cancel-key registry").
type cancelTarget struct {
	addr pool.Address
	key  pool.BackendKeyData
}

var cancelRegistry = struct {
	mu      sync.Mutex
	targets map[uint32][]cancelTarget
}{targets: make(map[uint32][]cancelTarget)}

// registerCancelTarget records that the session identified by pid currently
// holds a guard on addr/key, so a CancelRequest addressed to pid can be
// forwarded there. Guards on the same address/key are recorded at most
// once.
func registerCancelTarget(pid uint32, addr pool.Address, key pool.BackendKeyData) {
	cancelRegistry.mu.Lock()
	defer cancelRegistry.mu.Unlock()
	targets := cancelRegistry.targets[pid]
	for _, t := range targets {
		if t.addr == addr && t.key == key {
			return
		}
	}
	cancelRegistry.targets[pid] = append(targets, cancelTarget{addr: addr, key: key})
}

// clearCancelTargets drops all cancel targets for pid, called once a
// session releases its guards (or disconnects).
func clearCancelTargets(pid uint32) {
	cancelRegistry.mu.Lock()
	defer cancelRegistry.mu.Unlock()
	delete(cancelRegistry.targets, pid)
}

func lookupCancelTargets(pid uint32) []cancelTarget {
	cancelRegistry.mu.Lock()
	defer cancelRegistry.mu.Unlock()
	return append([]cancelTarget(nil), cancelRegistry.targets[pid]...)
}

// HandleCancelRequest services one CancelRequest: it looks up every backend
// the targeted session pid currently has pinned and issues a fresh-dial
// Cancel against each, per spec.md §5 ("cancel opens a new connection,
// never the pooled one"). Unknown pids (already disconnected, or never
// pinned a backend) are a silent no-op, matching real PostgreSQL's
// best-effort cancel semantics.
func HandleCancelRequest(cr wire.CancelRequest, dialTimeout time.Duration) {
	for _, t := range lookupCancelTargets(cr.PID) {
		_ = pool.Cancel(t.addr, t.key, dialTimeout)
	}
}
