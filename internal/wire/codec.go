package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

const maxMessageLen = 1 << 24 // 16MiB guard against a corrupt length field

// ReadMessage reads one tagged message: 1 byte tag, 4 byte length (including
// itself, excluding the tag), then the payload.
func ReadMessage(r io.Reader) (Message, error) {
	var hdr [5]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Message{}, err
	}
	length := int(binary.BigEndian.Uint32(hdr[1:5])) - 4
	if length < 0 || length > maxMessageLen {
		return Message{}, fmt.Errorf("wire: invalid message length %d for tag %q", length, hdr[0])
	}
	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Message{}, err
		}
	}
	return Message{Tag: hdr[0], Payload: payload}, nil
}

// WriteMessage writes a tagged message.
func WriteMessage(w io.Writer, m Message) error {
	_, err := w.Write(m.Bytes())
	return err
}

// ReadUntagged reads an untagged startup-phase message: 4 byte length
// (including itself), then the payload. Used for Startup, SSLRequest and
// CancelRequest, which precede the tagged protocol and carry no tag byte.
func ReadUntagged(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	length := int(binary.BigEndian.Uint32(lenBuf[:])) - 4
	if length < 0 || length > maxMessageLen {
		return nil, fmt.Errorf("wire: invalid startup message length %d", length)
	}
	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, err
		}
	}
	return payload, nil
}

// WriteUntagged writes an untagged startup-phase message.
func WriteUntagged(w io.Writer, payload []byte) error {
	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(payload)+4))
	copy(buf[4:], payload)
	_, err := w.Write(buf)
	return err
}

func nulTerminated(data []byte) (string, []byte) {
	for i, b := range data {
		if b == 0 {
			return string(data[:i]), data[i+1:]
		}
	}
	return string(data), nil
}

func putNulTerminated(buf []byte, s string) []byte {
	buf = append(buf, s...)
	return append(buf, 0)
}
