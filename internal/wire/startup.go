package wire

import (
	"encoding/binary"
	"errors"
)

// Protocol version and special untagged request codes. SSLRequest and
// CancelRequest are distinguished from a real Startup by the 4-byte code
// that occupies the position of the protocol version field.
const (
	ProtocolVersion3  uint32 = 3 << 16
	sslRequestCode    uint32 = 80877103
	cancelRequestCode uint32 = 80877102
)

// Startup is the frontend's initial, untagged message: protocol version
// followed by null-terminated key/value parameter pairs, terminated by an
// empty key.
type Startup struct {
	Parameters map[string]string
}

// DecodeStartup parses an untagged startup payload. Callers must first rule
// out SSLRequest/CancelRequest via PeekRequestCode.
func DecodeStartup(payload []byte) (Startup, error) {
	if len(payload) < 4 {
		return Startup{}, errors.New("wire: startup message too short")
	}
	data := payload[4:]
	params := make(map[string]string)
	for len(data) > 1 {
		var key, val string
		key, data = nulTerminated(data)
		if key == "" {
			break
		}
		val, data = nulTerminated(data)
		params[key] = val
	}
	return Startup{Parameters: params}, nil
}

// Encode serializes a Startup message to its untagged wire form.
func (s Startup) Encode() []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, ProtocolVersion3)
	for k, v := range s.Parameters {
		buf = putNulTerminated(buf, k)
		buf = putNulTerminated(buf, v)
	}
	buf = append(buf, 0)
	return buf
}

// PeekRequestCode inspects an untagged payload's leading 4-byte code to
// distinguish SSLRequest/CancelRequest from a real Startup (which carries a
// protocol version there instead).
func PeekRequestCode(payload []byte) uint32 {
	if len(payload) < 4 {
		return 0
	}
	return binary.BigEndian.Uint32(payload[:4])
}

// IsSSLRequest reports whether the untagged payload is an SSLRequest.
func IsSSLRequest(payload []byte) bool {
	return PeekRequestCode(payload) == sslRequestCode
}

// IsCancelRequest reports whether the untagged payload is a CancelRequest.
func IsCancelRequest(payload []byte) bool {
	return PeekRequestCode(payload) == cancelRequestCode
}

// CancelRequest carries the BackendKeyData the proxy issued to a client, so
// the real backend can match it to the connection to cancel.
type CancelRequest struct {
	PID    uint32
	Secret uint32
}

// DecodeCancelRequest parses an untagged CancelRequest payload. The payload
// still begins with the 4-byte request code (PeekRequestCode does not
// consume it); the PID and secret follow it.
func DecodeCancelRequest(payload []byte) (CancelRequest, error) {
	if len(payload) < 12 {
		return CancelRequest{}, &UnexpectedMessage{}
	}
	return CancelRequest{
		PID:    binary.BigEndian.Uint32(payload[4:8]),
		Secret: binary.BigEndian.Uint32(payload[8:12]),
	}, nil
}

// Encode serializes a CancelRequest to its untagged wire form.
func (c CancelRequest) Encode() []byte {
	buf := make([]byte, 12)
	binary.BigEndian.PutUint32(buf[0:4], cancelRequestCode)
	binary.BigEndian.PutUint32(buf[4:8], c.PID)
	binary.BigEndian.PutUint32(buf[8:12], c.Secret)
	return buf
}

// SSLRequestBytes returns the untagged wire form of an SSLRequest.
func SSLRequestBytes() []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, sslRequestCode)
	return buf
}
