// Package pgerr defines the error taxonomy lower layers return and the
// translation the client session applies to turn them into a client-visible
// wire.ErrorResponseMessage. Only the session translates; pool monitors and
// connections log and retry, they never propagate failure as a client error
// themselves.
package pgerr

import (
	"errors"
	"fmt"
)

// PostgreSQL error codes (SQLSTATE) the proxy itself originates, as opposed
// to ones relayed verbatim from a real backend's ErrorResponse.
const (
	CodeCannotConnectNow = "57P03"
	CodeConnectionFailed = "08006"
	CodeInternalError    = "XX000"
	CodeProtocolViolation = "08P01"
)

// ProtocolError signals a framing or tag mismatch. Always fatal to the
// affected connection; never propagates to the pool as a health signal
// beyond that one connection's loss.
type ProtocolError struct {
	Err error
}

func (e *ProtocolError) Error() string { return fmt.Sprintf("pgerr: protocol error: %v", e.Err) }
func (e *ProtocolError) Unwrap() error  { return e.Err }

func Protocol(err error) *ProtocolError { return &ProtocolError{Err: err} }

// ConnectionError wraps a server-returned ErrorResponse observed during
// setup or in the course of a query. Whether the underlying connection
// remains usable depends on whether a subsequent ReadyForQuery is observed;
// the session decides that, this type only carries the server's complaint.
type ConnectionError struct {
	Severity string
	Code     string
	Message  string
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("pgerr: server error %s: %s", e.Code, e.Message)
}

// NotInSync reports an internal invariant violation: an attempt to reuse a
// connection mid-stream. Always a bug in this proxy, never a backend fault;
// callers should fail loudly rather than attempt recovery.
type NotInSync struct {
	Detail string
}

func (e *NotInSync) Error() string { return "pgerr: connection not in sync: " + e.Detail }

// CheckoutTimeout is returned when no pool connection became available
// within the configured checkout window. Surfaced to the client as a
// generic cannot_connect_now. A timeout does not ban the pool, however
// often it occurs.
type CheckoutTimeout struct {
	WaitedMS int64
}

func (e *CheckoutTimeout) Error() string {
	return fmt.Sprintf("pgerr: checkout timed out after %dms", e.WaitedMS)
}

// ConnectTimeout is returned when dialing or authenticating a new server
// connection did not complete within the configured window.
type ConnectTimeout struct {
	Address string
}

func (e *ConnectTimeout) Error() string {
	return "pgerr: connect timed out: " + e.Address
}

// Banned reports that a pool is currently out of rotation. The cluster
// selector should try the next eligible pool; this is only surfaced to the
// client if no eligible pool remains.
type Banned struct {
	Address string
	Reason  string
}

func (e *Banned) Error() string {
	return fmt.Sprintf("pgerr: pool %s is banned: %s", e.Address, e.Reason)
}

// UnexpectedTransactionStatus reports a ReadyForQuery status byte outside
// {'I', 'T', 'E'}. Fatal to the connection.
type UnexpectedTransactionStatus struct {
	Status byte
}

func (e *UnexpectedTransactionStatus) Error() string {
	return fmt.Sprintf("pgerr: unexpected transaction status %q", e.Status)
}

// NoEligiblePool is returned by cluster selection when every candidate pool
// for a route is banned or otherwise unusable.
type NoEligiblePool struct {
	Reason string
}

func (e *NoEligiblePool) Error() string {
	return "pgerr: no eligible pool: " + e.Reason
}

// ClientVisible is the interface the session's translation step relies on:
// any error that knows its own SQLSTATE and a client-safe message.
type ClientVisible interface {
	error
	SQLSTATE() string
	ClientMessage() string
}

func (e *CheckoutTimeout) SQLSTATE() string      { return CodeCannotConnectNow }
func (e *CheckoutTimeout) ClientMessage() string { return "cannot connect now: checkout timed out" }

func (e *ConnectTimeout) SQLSTATE() string      { return CodeCannotConnectNow }
func (e *ConnectTimeout) ClientMessage() string { return "cannot connect now: connect timed out" }

func (e *Banned) SQLSTATE() string      { return CodeCannotConnectNow }
func (e *Banned) ClientMessage() string { return "cannot connect now" }

func (e *NoEligiblePool) SQLSTATE() string      { return CodeCannotConnectNow }
func (e *NoEligiblePool) ClientMessage() string { return "cannot connect now" }

func (e *ProtocolError) SQLSTATE() string      { return CodeProtocolViolation }
func (e *ProtocolError) ClientMessage() string { return "protocol violation" }

func (e *ConnectionError) SQLSTATE() string      { return e.Code }
func (e *ConnectionError) ClientMessage() string { return e.Message }

// AsClientVisible extracts the ClientVisible form of err, if any layer in
// its chain implements it.
func AsClientVisible(err error) (ClientVisible, bool) {
	var cv ClientVisible
	if errors.As(err, &cv) {
		return cv, true
	}
	return nil, false
}
