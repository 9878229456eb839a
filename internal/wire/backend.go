package wire

import "encoding/binary"

// Backend-originated (server→client) messages.

// Authentication auth types, per the protocol's AuthenticationXXX family
// multiplexed under the single 'R' tag.
const (
	AuthOK                uint32 = 0
	AuthCleartextPassword uint32 = 3
	AuthMD5Password       uint32 = 5
	AuthSASL              uint32 = 10
	AuthSASLContinue      uint32 = 11
	AuthSASLFinal         uint32 = 12
)

// AuthenticationMessage is the backend's 'R' message: a 4-byte auth type
// code followed by type-specific data (MD5 salt, SASL mechanism list or
// challenge).
type AuthenticationMessage struct {
	Type uint32
	Data []byte
}

func DecodeAuthentication(m Message) (AuthenticationMessage, error) {
	if err := expectTag(m, Authentication); err != nil {
		return AuthenticationMessage{}, err
	}
	if len(m.Payload) < 4 {
		return AuthenticationMessage{}, &UnexpectedMessage{}
	}
	return AuthenticationMessage{
		Type: binary.BigEndian.Uint32(m.Payload[:4]),
		Data: m.Payload[4:],
	}, nil
}

func (a AuthenticationMessage) Encode() Message {
	buf := make([]byte, 4, 4+len(a.Data))
	binary.BigEndian.PutUint32(buf, a.Type)
	buf = append(buf, a.Data...)
	return Message{Tag: Authentication, Payload: buf}
}

// ParameterStatusMessage is the backend's 'S' message reporting a runtime
// parameter (server_version, client_encoding, TimeZone, ...).
type ParameterStatusMessage struct {
	Name  string
	Value string
}

func DecodeParameterStatus(m Message) (ParameterStatusMessage, error) {
	if err := expectTag(m, ParameterStatus); err != nil {
		return ParameterStatusMessage{}, err
	}
	data := m.Payload
	var name, value string
	name, data = nulTerminated(data)
	value, _ = nulTerminated(data)
	return ParameterStatusMessage{Name: name, Value: value}, nil
}

func (p ParameterStatusMessage) Encode() Message {
	buf := putNulTerminated(nil, p.Name)
	buf = putNulTerminated(buf, p.Value)
	return Message{Tag: ParameterStatus, Payload: buf}
}

// BackendKeyDataMessage ('K') hands the client the PID/secret pair needed
// to issue a later CancelRequest against this backend.
type BackendKeyDataMessage struct {
	PID    uint32
	Secret uint32
}

func DecodeBackendKeyData(m Message) (BackendKeyDataMessage, error) {
	if err := expectTag(m, BackendKeyData); err != nil {
		return BackendKeyDataMessage{}, err
	}
	if len(m.Payload) < 8 {
		return BackendKeyDataMessage{}, &UnexpectedMessage{}
	}
	return BackendKeyDataMessage{
		PID:    binary.BigEndian.Uint32(m.Payload[0:4]),
		Secret: binary.BigEndian.Uint32(m.Payload[4:8]),
	}, nil
}

func (k BackendKeyDataMessage) Encode() Message {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint32(buf[0:4], k.PID)
	binary.BigEndian.PutUint32(buf[4:8], k.Secret)
	return Message{Tag: BackendKeyData, Payload: buf}
}

// Transaction status bytes carried by ReadyForQuery, the sole driver of
// ServerConnection protocol state transitions.
const (
	TxStatusIdle    byte = 'I'
	TxStatusInTrans byte = 'T'
	TxStatusError   byte = 'E'
)

// ReadyForQueryMessage ('Z') signals the server is ready for a new query
// and reports the current transaction status.
type ReadyForQueryMessage struct {
	Status byte
}

func DecodeReadyForQuery(m Message) (ReadyForQueryMessage, error) {
	if err := expectTag(m, ReadyForQuery); err != nil {
		return ReadyForQueryMessage{}, err
	}
	if len(m.Payload) < 1 {
		return ReadyForQueryMessage{}, &UnexpectedMessage{}
	}
	return ReadyForQueryMessage{Status: m.Payload[0]}, nil
}

func (r ReadyForQueryMessage) Encode() Message {
	return Message{Tag: ReadyForQuery, Payload: []byte{r.Status}}
}

// CommandCompleteMessage ('C') reports the tag of a completed command, e.g.
// "SELECT 3" or "INSERT 0 1".
type CommandCompleteMessage struct {
	Tag string
}

func DecodeCommandComplete(m Message) (CommandCompleteMessage, error) {
	if err := expectTag(m, CommandComplete); err != nil {
		return CommandCompleteMessage{}, err
	}
	tag, _ := nulTerminated(m.Payload)
	return CommandCompleteMessage{Tag: tag}, nil
}

func (c CommandCompleteMessage) Encode() Message {
	return Message{Tag: CommandComplete, Payload: append([]byte(c.Tag), 0)}
}

// Field describes one column in a RowDescription.
type Field struct {
	Name         string
	TableOID     uint32
	ColumnAttNum int16
	TypeOID      uint32
	TypeLen      int16
	TypeMod      int32
	Format       int16 // 0=text, 1=binary
}

// RowDescriptionMessage ('T') describes the columns of the rows that
// follow, letting the sort buffer resolve ORDER BY column names to indices.
type RowDescriptionMessage struct {
	Fields []Field
}

func DecodeRowDescription(m Message) (RowDescriptionMessage, error) {
	if err := expectTag(m, RowDescription); err != nil {
		return RowDescriptionMessage{}, err
	}
	data := m.Payload
	if len(data) < 2 {
		return RowDescriptionMessage{}, &UnexpectedMessage{}
	}
	n := int(be16(data))
	data = data[2:]
	fields := make([]Field, 0, n)
	for i := 0; i < n; i++ {
		var f Field
		f.Name, data = nulTerminated(data)
		f.TableOID = be32(data)
		data = data[4:]
		f.ColumnAttNum = int16(be16(data))
		data = data[2:]
		f.TypeOID = be32(data)
		data = data[4:]
		f.TypeLen = int16(be16(data))
		data = data[2:]
		f.TypeMod = int32(be32(data))
		data = data[4:]
		f.Format = int16(be16(data))
		data = data[2:]
		fields = append(fields, f)
	}
	return RowDescriptionMessage{Fields: fields}, nil
}

func (r RowDescriptionMessage) Encode() Message {
	buf := make([]byte, 2)
	binary.BigEndian.PutUint16(buf, uint16(len(r.Fields)))
	for _, f := range r.Fields {
		buf = putNulTerminated(buf, f.Name)
		tmp := make([]byte, 4)
		binary.BigEndian.PutUint32(tmp, f.TableOID)
		buf = append(buf, tmp...)
		tmp16 := make([]byte, 2)
		binary.BigEndian.PutUint16(tmp16, uint16(f.ColumnAttNum))
		buf = append(buf, tmp16...)
		binary.BigEndian.PutUint32(tmp, f.TypeOID)
		buf = append(buf, tmp...)
		binary.BigEndian.PutUint16(tmp16, uint16(f.TypeLen))
		buf = append(buf, tmp16...)
		binary.BigEndian.PutUint32(tmp, uint32(f.TypeMod))
		buf = append(buf, tmp...)
		binary.BigEndian.PutUint16(tmp16, uint16(f.Format))
		buf = append(buf, tmp16...)
	}
	return Message{Tag: RowDescription, Payload: buf}
}

// FieldIndex resolves a column name to its 0-based index, as the sort
// buffer needs for a named ORDER BY column.
func (r RowDescriptionMessage) FieldIndex(name string) (int, bool) {
	for i, f := range r.Fields {
		if f.Name == name {
			return i, true
		}
	}
	return 0, false
}

// DataRowMessage ('D') carries one row of query results: a count followed
// by length-prefixed column values, -1 length meaning SQL NULL.
type DataRowMessage struct {
	Values [][]byte
}

func DecodeDataRow(m Message) (DataRowMessage, error) {
	if err := expectTag(m, DataRow); err != nil {
		return DataRowMessage{}, err
	}
	data := m.Payload
	if len(data) < 2 {
		return DataRowMessage{}, &UnexpectedMessage{}
	}
	n := int(be16(data))
	data = data[2:]
	values := make([][]byte, n)
	for i := 0; i < n; i++ {
		l := int32(be32(data))
		data = data[4:]
		if l < 0 {
			values[i] = nil
			continue
		}
		values[i] = data[:l]
		data = data[l:]
	}
	return DataRowMessage{Values: values}, nil
}

func (d DataRowMessage) Encode() Message {
	buf := make([]byte, 2)
	binary.BigEndian.PutUint16(buf, uint16(len(d.Values)))
	for _, v := range d.Values {
		tmp := make([]byte, 4)
		if v == nil {
			binary.BigEndian.PutUint32(tmp, 0xFFFFFFFF)
			buf = append(buf, tmp...)
			continue
		}
		binary.BigEndian.PutUint32(tmp, uint32(len(v)))
		buf = append(buf, tmp...)
		buf = append(buf, v...)
	}
	return Message{Tag: DataRow, Payload: buf}
}

// ErrorField codes, a subset used for translating pgerr taxonomy back to
// the client per spec's error handling section.
const (
	ErrFieldSeverity byte = 'S'
	ErrFieldCode     byte = 'C'
	ErrFieldMessage  byte = 'M'
	ErrFieldDetail   byte = 'D'
)

// ErrorResponseMessage ('E') and NoticeResponse ('N') share a wire shape:
// a set of byte-keyed, NUL-terminated fields, terminated by a zero byte.
type ErrorResponseMessage struct {
	Fields map[byte]string
}

func decodeErrorFields(payload []byte) map[byte]string {
	fields := make(map[byte]string)
	data := payload
	for len(data) > 0 && data[0] != 0 {
		key := data[0]
		var val string
		val, data = nulTerminated(data[1:])
		fields[key] = val
	}
	return fields
}

func encodeErrorFields(fields map[byte]string) []byte {
	var buf []byte
	for k, v := range fields {
		buf = append(buf, k)
		buf = putNulTerminated(buf, v)
	}
	return append(buf, 0)
}

func DecodeErrorResponse(m Message) (ErrorResponseMessage, error) {
	if err := expectTag(m, ErrorResponse); err != nil {
		return ErrorResponseMessage{}, err
	}
	return ErrorResponseMessage{Fields: decodeErrorFields(m.Payload)}, nil
}

func (e ErrorResponseMessage) Encode() Message {
	return Message{Tag: ErrorResponse, Payload: encodeErrorFields(e.Fields)}
}

// Severity, Code and Message are the fields the proxy most often needs
// when synthesizing or relaying an error to the client.
func (e ErrorResponseMessage) Severity() string { return e.Fields[ErrFieldSeverity] }
func (e ErrorResponseMessage) Code() string      { return e.Fields[ErrFieldCode] }
func (e ErrorResponseMessage) Message() string   { return e.Fields[ErrFieldMessage] }

// NoticeResponseMessage ('N') is wire-identical to ErrorResponse.
type NoticeResponseMessage struct {
	Fields map[byte]string
}

func DecodeNoticeResponse(m Message) (NoticeResponseMessage, error) {
	if err := expectTag(m, NoticeResponse); err != nil {
		return NoticeResponseMessage{}, err
	}
	return NoticeResponseMessage{Fields: decodeErrorFields(m.Payload)}, nil
}

func (n NoticeResponseMessage) Encode() Message {
	return Message{Tag: NoticeResponse, Payload: encodeErrorFields(n.Fields)}
}
