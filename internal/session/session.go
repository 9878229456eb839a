// Package session implements the per-client main loop (§4.8): handshake,
// buffering client messages to a dispatch boundary, routing, acquiring
// server guards, relaying, and cross-shard fan-out/merge.
//
// Grounded on the teacher's PostgresHandler.Handle and
// relayPGTransactionMode (internal/proxy/postgres.go, pg_relay.go):
// the startup/synthetic-auth shape and the "hold a guard until the backend
// reports Idle" discipline are carried over, generalized from one pooled
// backend per tenant to a Cluster of shards plus cross-shard fan-out.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shardbouncer/shardbouncer/internal/cluster"
	"github.com/shardbouncer/shardbouncer/internal/pgerr"
	"github.com/shardbouncer/shardbouncer/internal/pool"
	"github.com/shardbouncer/shardbouncer/internal/router"
	"github.com/shardbouncer/shardbouncer/internal/sortbuffer"
	"github.com/shardbouncer/shardbouncer/internal/wire"
)

var sessionCounter struct {
	mu  sync.Mutex
	pid uint32
}

func nextPID() uint32 {
	sessionCounter.mu.Lock()
	defer sessionCounter.mu.Unlock()
	sessionCounter.pid++
	return sessionCounter.pid
}

// Session drives one client TCP connection end to end.
type Session struct {
	client  net.Conn
	cluster *cluster.Cluster
	router  *router.Router
	log     *slog.Logger

	buf Buffer

	inTransaction bool
	txnShard      int
	guards        map[int]*pool.Guard // shardIndex -> guard; len==1 outside fan-out

	selfPID    uint32
	selfSecret uint32
	id         string // correlation id attached to this session's log lines
}

// New builds a Session for an accepted client connection.
func New(client net.Conn, c *cluster.Cluster, r *router.Router, log *slog.Logger) *Session {
	if log == nil {
		log = slog.Default()
	}
	id := uuid.NewString()
	return &Session{
		client:     client,
		cluster:    c,
		router:     r,
		log:        log.With("session_id", id),
		guards:     make(map[int]*pool.Guard),
		selfPID:    nextPID(),
		selfSecret: nextPID(),
		id:         id,
	}
}

// Run performs the handshake and then the main relay loop until the client
// disconnects or terminates the session.
func (s *Session) Run(ctx context.Context) error {
	cancelled, err := s.handshake()
	if err != nil {
		return fmt.Errorf("session: handshake: %w", err)
	}
	if cancelled {
		return nil
	}
	defer clearCancelTargets(s.selfPID)
	defer s.releaseAll(true)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		m, err := wire.ReadMessage(s.client)
		if err != nil {
			return nil // client disconnect is not an error
		}

		if m.Tag == wire.Terminate {
			return nil
		}

		s.buf.Push(m)
		if !s.buf.Full() {
			continue
		}

		if err := s.dispatch(); err != nil {
			s.log.Warn("dispatch failed", "err", err)
			s.sendError(err)
			if !s.inTransaction {
				s.releaseAll(true)
			}
		}
		s.buf.Reset()
	}
}

// handshake synthesizes the startup sequence: it reads the client's
// Startup, accepts without re-authenticating against a real backend (the
// pool already authenticated each pooled connection at connect time), and
// sends AuthenticationOk, cached ParameterStatus, BackendKeyData and a
// first ReadyForQuery(Idle) — the same shape as the teacher's
// sendSyntheticAuthOK, generalized to a cluster rather than one tenant.
// handshake reads the client's startup payload. A CancelRequest is serviced
// and the connection closed immediately, matching real PostgreSQL (cancel
// connections are one-shot, never upgraded into a session). Otherwise it
// proceeds with the ordinary startup handshake: accept without
// re-authenticating against a real backend (the pool already authenticated
// each pooled connection at connect time), and send AuthenticationOk, cached
// ParameterStatus, BackendKeyData and a first ReadyForQuery(Idle) — the same
// shape as the teacher's sendSyntheticAuthOK, generalized to a cluster
// rather than one tenant. The bool return reports whether this connection
// was a CancelRequest (true) rather than an ordinary session (false).
func (s *Session) handshake() (bool, error) {
	payload, err := wire.ReadUntagged(s.client)
	if err != nil {
		return false, err
	}
	if wire.IsCancelRequest(payload) {
		cr, err := wire.DecodeCancelRequest(payload)
		if err != nil {
			return true, err
		}
		HandleCancelRequest(cr, cancelDialTimeout)
		return true, nil
	}
	if wire.IsSSLRequest(payload) {
		if _, err := s.client.Write([]byte{'N'}); err != nil {
			return false, err
		}
		payload, err = wire.ReadUntagged(s.client)
		if err != nil {
			return false, err
		}
	}
	if _, err := wire.DecodeStartup(payload); err != nil {
		return false, err
	}

	if err := wire.WriteMessage(s.client, wire.AuthenticationMessage{Type: wire.AuthOK}.Encode()); err != nil {
		return false, err
	}

	params := s.sampleServerParameters()
	for k, v := range params {
		if err := wire.WriteMessage(s.client, wire.ParameterStatusMessage{Name: k, Value: v}.Encode()); err != nil {
			return false, err
		}
	}

	if err := wire.WriteMessage(s.client, wire.BackendKeyDataMessage{PID: s.selfPID, Secret: s.selfSecret}.Encode()); err != nil {
		return false, err
	}
	return false, wire.WriteMessage(s.client, wire.ReadyForQueryMessage{Status: wire.TxStatusIdle}.Encode())
}

// cancelDialTimeout bounds how long a CancelRequest will wait to dial the
// target backend; cancel is best-effort and must never block a session
// indefinitely.
const cancelDialTimeout = 5 * time.Second

// sampleServerParameters borrows a connection's reported parameters (e.g.
// server_version) to present to the client, then returns it.
func (s *Session) sampleServerParameters() map[string]string {
	_, shard, ok := s.cluster.AnyShard()
	if !ok || shard.Primary == nil {
		return nil
	}
	g, err := shard.Primary.Checkout(context.Background())
	if err != nil {
		return nil
	}
	defer g.Release()
	return g.Conn().Parameters()
}

func (s *Session) dispatch() error {
	cmd, err := s.router.Route(s.buf.SQL(), s.cluster, s.buf.Bind())
	if err != nil {
		return err
	}

	switch cmd.Kind {
	case router.CommandStartTransaction:
		return s.beginTransaction(cmd)
	case router.CommandCommitTransaction:
		return s.endTransaction(cmd, true)
	case router.CommandRollbackTransaction:
		return s.endTransaction(cmd, false)
	case router.CommandCopy:
		return s.dispatchCopy(cmd)
	default:
		return s.dispatchQuery(cmd)
	}
}

func (s *Session) beginTransaction(cmd router.Command) error {
	idx, _, ok := s.cluster.AnyShard()
	if !ok {
		return &pgerr.NoEligiblePool{Reason: "no shards configured"}
	}
	g, err := s.acquireGuard(idx, true)
	if err != nil {
		return err
	}
	s.guards[idx] = g
	s.txnShard = idx
	s.inTransaction = true
	return s.forwardAndRelay([]*pool.Guard{g})
}

func (s *Session) endTransaction(cmd router.Command, commit bool) error {
	g, ok := s.guards[s.txnShard]
	if !ok {
		s.inTransaction = false
		return nil
	}
	err := s.forwardAndRelay([]*pool.Guard{g})
	s.inTransaction = false
	delete(s.guards, s.txnShard)
	s.releaseIfIdle(s.txnShard, g)
	return err
}

func (s *Session) dispatchQuery(cmd router.Command) error {
	if s.inTransaction {
		g, ok := s.guards[s.txnShard]
		if !ok {
			return &pgerr.NotInSync{Detail: "in transaction with no held guard"}
		}
		return s.forwardAndRelay([]*pool.Guard{g})
	}

	switch cmd.Route.Shard.Kind {
	case router.SelectorAll:
		return s.dispatchFanOut(cmd)
	case router.SelectorOne:
		g, err := s.acquireGuard(cmd.Route.Shard.Index, cmd.Route.Affinity == router.AffinityWrite)
		if err != nil {
			return err
		}
		defer s.releaseIfIdle(cmd.Route.Shard.Index, g)
		return s.forwardAndRelay([]*pool.Guard{g})
	default: // SelectorAny
		idx, _, ok := s.cluster.AnyShard()
		if !ok {
			return &pgerr.NoEligiblePool{Reason: "no shards configured"}
		}
		g, err := s.acquireGuard(idx, cmd.Route.Affinity == router.AffinityWrite)
		if err != nil {
			return err
		}
		defer s.releaseIfIdle(idx, g)
		return s.forwardAndRelay([]*pool.Guard{g})
	}
}

func (s *Session) acquireGuard(shardIdx int, write bool) (*pool.Guard, error) {
	p, err := s.cluster.SelectPool(shardIdx, write)
	if err != nil {
		return nil, err
	}
	g, err := p.Checkout(context.Background())
	if err != nil {
		return nil, err
	}
	registerCancelTarget(s.selfPID, g.Conn().Address(), g.Conn().BackendKeyData())
	return g, nil
}

// releaseIfIdle releases a single-shard guard once the backend reports
// Idle and the session isn't (now) in a transaction, per §4.8 step 5.
func (s *Session) releaseIfIdle(shardIdx int, g *pool.Guard) {
	if s.inTransaction {
		s.guards[shardIdx] = g
		return
	}
	if g.State().InSync() && !g.State().InTransaction() {
		g.Release()
	} else {
		g.Discard()
	}
	clearCancelTargets(s.selfPID)
}

// forwardAndRelay sends the buffered client messages to every guard and
// relays each guard's replies back to the client, byte-for-byte, since this
// path (single shard or an in-progress transaction) never merges.
func (s *Session) forwardAndRelay(guards []*pool.Guard) error {
	for _, g := range guards {
		if err := g.Send(s.buf.Messages()...); err != nil {
			return err
		}
	}
	for _, g := range guards {
		if err := s.relayUntilReady(g); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) relayUntilReady(g *pool.Guard) error {
	for {
		m, err := g.Read()
		if err != nil {
			return err
		}
		if err := wire.WriteMessage(s.client, m); err != nil {
			return err
		}
		if m.Tag == wire.ReadyForQuery {
			return nil
		}
	}
}

// releaseAll tears down every held guard. With force, each guard is
// discarded outright (its server connection is closed, no ROLLBACK is
// sent); otherwise each is released through the pool, which rolls back an
// open transaction first. Called on session teardown.
func (s *Session) releaseAll(force bool) {
	for idx, g := range s.guards {
		if force {
			g.Discard()
		} else {
			g.Release()
		}
		delete(s.guards, idx)
	}
	s.inTransaction = false
}

func (s *Session) sendError(err error) {
	cv, ok := pgerr.AsClientVisible(err)
	msg := wire.ErrorResponseMessage{Fields: map[byte]string{
		wire.ErrFieldSeverity: "ERROR",
		wire.ErrFieldCode:     pgerr.CodeInternalError,
		wire.ErrFieldMessage:  err.Error(),
	}}
	if ok {
		msg.Fields[wire.ErrFieldCode] = cv.SQLSTATE()
		msg.Fields[wire.ErrFieldMessage] = cv.ClientMessage()
	}
	_ = wire.WriteMessage(s.client, msg.Encode())
	_ = wire.WriteMessage(s.client, wire.ReadyForQueryMessage{Status: wire.TxStatusIdle}.Encode())
}

// dispatchFanOut implements §4.7: one guard per shard, dispatch in
// parallel, merge responses through a SortBuffer.
func (s *Session) dispatchFanOut(cmd router.Command) error {
	shards := s.cluster.Shards()
	guards := make([]*pool.Guard, 0, len(shards))
	indices := make([]int, 0, len(shards))

	cleanup := func() {
		for _, g := range guards {
			g.Discard()
		}
	}

	for i := range shards {
		g, err := s.acquireGuard(i, cmd.Route.Affinity == router.AffinityWrite)
		if err != nil {
			cleanup()
			return err
		}
		guards = append(guards, g)
		indices = append(indices, i)
	}

	for _, g := range guards {
		if err := g.Send(s.buf.Messages()...); err != nil {
			cleanup()
			return err
		}
	}

	var (
		sb          sortbuffer.SortBuffer
		rowDesc     wire.RowDescriptionMessage
		haveRowDesc bool
		totalRows   int64
		worstStatus byte = wire.TxStatusIdle
		poisoned    bool
		poisonErr   wire.Message
		mu          sync.Mutex
		wg          sync.WaitGroup
	)

	for gi := range guards {
		wg.Add(1)
		go func(g *pool.Guard) {
			defer wg.Done()
			for {
				m, err := g.Read()
				if err != nil {
					mu.Lock()
					poisoned = true
					mu.Unlock()
					return
				}
				switch m.Tag {
				case wire.RowDescription:
					mu.Lock()
					if !haveRowDesc {
						if rd, err := wire.DecodeRowDescription(m); err == nil {
							rowDesc = rd
							haveRowDesc = true
						}
					}
					mu.Unlock()
				case wire.DataRow:
					if dr, err := wire.DecodeDataRow(m); err == nil {
						mu.Lock()
						sb.Add(dr)
						mu.Unlock()
					}
				case wire.CommandComplete:
					if cc, err := wire.DecodeCommandComplete(m); err == nil {
						mu.Lock()
						totalRows += parseRowCount(cc.Tag)
						mu.Unlock()
					}
				case wire.ErrorResponse:
					mu.Lock()
					poisoned = true
					poisonErr = m
					mu.Unlock()
				case wire.ReadyForQuery:
					rfq, _ := wire.DecodeReadyForQuery(m)
					mu.Lock()
					if statusRank(rfq.Status) > statusRank(worstStatus) {
						worstStatus = rfq.Status
					}
					mu.Unlock()
					return
				}
			}
		}(guards[gi])
	}
	wg.Wait()

	for i, idx := range indices {
		s.releaseIfIdle(idx, guards[i])
	}

	if poisoned {
		if poisonErr.Tag == wire.ErrorResponse {
			return wire.WriteMessage(s.client, poisonErr)
		}
		return &pgerr.ProtocolError{Err: fmt.Errorf("fan-out: a shard connection failed")}
	}

	if haveRowDesc {
		if err := wire.WriteMessage(s.client, rowDesc.Encode()); err != nil {
			return err
		}
	}
	sb.Sort(cmd.Route.OrderBy, rowDesc)
	sb.Full()
	for {
		row, ok := sb.Take()
		if !ok {
			break
		}
		if err := wire.WriteMessage(s.client, row.Encode()); err != nil {
			return err
		}
	}
	tag := fmt.Sprintf("SELECT %d", totalRows)
	if err := wire.WriteMessage(s.client, wire.CommandCompleteMessage{Tag: tag}.Encode()); err != nil {
		return err
	}
	return wire.WriteMessage(s.client, wire.ReadyForQueryMessage{Status: worstStatus}.Encode())
}

func statusRank(status byte) int {
	switch status {
	case wire.TxStatusError:
		return 2
	case wire.TxStatusInTrans:
		return 1
	default:
		return 0
	}
}

func parseRowCount(tag string) int64 {
	var a, b, c int64
	n, _ := fmt.Sscanf(tag, "%s %d %d", new(string), &b, &c)
	if n == 3 {
		return c
	}
	n, _ = fmt.Sscanf(tag, "%s %d", new(string), &a)
	if n == 2 {
		return a
	}
	return 0
}

// dispatchCopy implements §4.6: split incoming CopyData rows by sharding
// column, stream per-shard buffers, merge CommandComplete counts.
// dispatchCopy implements §4.6 as its own streaming sub-protocol rather
// than a forward-the-buffer dispatch: the buffered Query is just the COPY
// statement itself (that's what makes Buffer.Full() fire), and every row of
// CopyData the client intends to send arrives only after dispatch() has
// already been called. Treating it like an ordinary query — forwarding
// Buffer.Messages() and waiting for CommandComplete — deadlocks, since no
// shard ever sees a CopyData/CopyDone the client hasn't sent yet and the
// client is never asked to send it. Instead this opens the COPY
// sub-protocol on every shard, relays exactly one CopyInResponse back (a
// real client expects one "go ahead" from its one backend), then reads
// CopyData/CopyDone/CopyFail directly off the client connection until the
// client ends the sub-protocol.
func (s *Session) dispatchCopy(cmd router.Command) error {
	shards := s.cluster.Shards()
	n := len(shards)
	guards := make([]*pool.Guard, n)

	for i := range shards {
		g, err := s.acquireGuard(i, true)
		if err != nil {
			for j := range guards {
				if guards[j] != nil {
					guards[j].Discard()
				}
			}
			return err
		}
		guards[i] = g
	}
	defer func() {
		for i, g := range guards {
			if g != nil {
				s.releaseIfIdle(i, g)
			}
		}
	}()

	for _, m := range s.buf.Messages() {
		for i := range shards {
			if err := guards[i].Send(m); err != nil {
				return err
			}
		}
	}

	if err := s.relayCopyInResponses(guards); err != nil {
		return err
	}

	if err := s.streamCopyData(cmd, guards, n); err != nil {
		return err
	}

	var totalRows int64
	for _, g := range guards {
		if err := s.relayCopyReplies(g, &totalRows); err != nil {
			return err
		}
	}

	tag := fmt.Sprintf("COPY %d", totalRows)
	if err := wire.WriteMessage(s.client, wire.CommandCompleteMessage{Tag: tag}.Encode()); err != nil {
		return err
	}
	return wire.WriteMessage(s.client, wire.ReadyForQueryMessage{Status: wire.TxStatusIdle}.Encode())
}

// relayCopyInResponses reads each shard's CopyInResponse (the "ready for
// CopyData" reply to the COPY statement just forwarded) and relays only
// the first one to the client — the client speaks to what looks like one
// backend and must see exactly one invitation to start streaming.
func (s *Session) relayCopyInResponses(guards []*pool.Guard) error {
	for i, g := range guards {
		m, err := g.Read()
		if err != nil {
			return err
		}
		if i == 0 {
			if err := wire.WriteMessage(s.client, m); err != nil {
				return err
			}
		}
	}
	return nil
}

// streamCopyData reads CopyData/CopyDone/CopyFail directly off the client
// connection — never off Buffer, which only ever holds the COPY statement
// — regrouping each CopyData chunk's complete rows by sharding key and
// forwarding CopyDone/CopyFail to every shard to close out the
// sub-protocol.
func (s *Session) streamCopyData(cmd router.Command, guards []*pool.Guard, n int) error {
	var pending []byte
	for {
		m, err := wire.ReadMessage(s.client)
		if err != nil {
			return err
		}

		switch m.Tag {
		case wire.CopyData:
			cd, err := wire.DecodeCopyData(m)
			if err != nil {
				continue
			}
			pending = append(pending, cd.Data...)
			var rows [][]byte
			rows, pending = router.SplitRows(pending)

			perShard := make([][]byte, n)
			for _, row := range rows {
				idx := 0
				if cmd.Copy.Sharded() {
					if key, ok := cmd.Copy.ExtractKey(row); ok {
						idx = s.router.ShardKey(string(key), n)
					}
				}
				perShard[idx] = append(perShard[idx], row...)
				perShard[idx] = append(perShard[idx], '\n')
			}
			for i, data := range perShard {
				if len(data) == 0 {
					continue
				}
				if err := guards[i].Send(wire.CopyDataMessage{Data: data}.Encode()); err != nil {
					return err
				}
			}
		case wire.CopyDone, wire.CopyFail:
			for i := range guards {
				if err := guards[i].Send(m); err != nil {
					return err
				}
			}
			return nil
		default:
			// Not expected mid-COPY; forward it on to every shard and let
			// each backend's own protocol state machine reject it.
			for i := range guards {
				if err := guards[i].Send(m); err != nil {
					return err
				}
			}
		}
	}
}

func (s *Session) relayCopyReplies(g *pool.Guard, totalRows *int64) error {
	for {
		m, err := g.Read()
		if err != nil {
			return err
		}
		if m.Tag == wire.CommandComplete {
			if cc, err := wire.DecodeCommandComplete(m); err == nil {
				*totalRows += parseRowCount(cc.Tag)
			}
		}
		if m.Tag == wire.ReadyForQuery {
			return nil
		}
	}
}

