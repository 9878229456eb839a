package wire

// Frontend-originated (client→server) simple and extended query protocol
// messages.

// QueryMessage is a simple-query ('Q') request: a single NUL-terminated SQL
// string.
type QueryMessage struct {
	SQL string
}

func DecodeQuery(m Message) (QueryMessage, error) {
	if err := expectTag(m, Query); err != nil {
		return QueryMessage{}, err
	}
	sql, _ := nulTerminated(m.Payload)
	return QueryMessage{SQL: sql}, nil
}

func (q QueryMessage) Encode() Message {
	return Message{Tag: Query, Payload: append([]byte(q.SQL), 0)}
}

// ParseMessage is the extended-protocol 'P' message: prepare a statement,
// optionally named.
type ParseMessage struct {
	Name          string
	Query         string
	ParamTypeOIDs []uint32
}

func DecodeParse(m Message) (ParseMessage, error) {
	if err := expectTag(m, Parse); err != nil {
		return ParseMessage{}, err
	}
	data := m.Payload
	var name, query string
	name, data = nulTerminated(data)
	query, data = nulTerminated(data)
	n := 0
	if len(data) >= 2 {
		n = int(be16(data))
		data = data[2:]
	}
	oids := make([]uint32, 0, n)
	for i := 0; i < n && len(data) >= 4; i++ {
		oids = append(oids, be32(data))
		data = data[4:]
	}
	return ParseMessage{Name: name, Query: query, ParamTypeOIDs: oids}, nil
}

func (p ParseMessage) Encode() Message {
	buf := putNulTerminated(nil, p.Name)
	buf = putNulTerminated(buf, p.Query)
	buf = append(buf, byte(len(p.ParamTypeOIDs)>>8), byte(len(p.ParamTypeOIDs)))
	for _, oid := range p.ParamTypeOIDs {
		tmp := make([]byte, 4)
		tmp[0] = byte(oid >> 24)
		tmp[1] = byte(oid >> 16)
		tmp[2] = byte(oid >> 8)
		tmp[3] = byte(oid)
		buf = append(buf, tmp...)
	}
	return Message{Tag: Parse, Payload: buf}
}

// BindMessage is the extended-protocol 'B' message: bind parameter values
// to a prepared (or unnamed) statement, producing a portal.
type BindMessage struct {
	Portal        string
	Statement     string
	ParamFormats  []int16 // 0=text, 1=binary; empty means "all text"
	ParamValues   [][]byte
	ResultFormats []int16
}

func DecodeBind(m Message) (BindMessage, error) {
	if err := expectTag(m, Bind); err != nil {
		return BindMessage{}, err
	}
	data := m.Payload
	var b BindMessage
	b.Portal, data = nulTerminated(data)
	b.Statement, data = nulTerminated(data)

	nFormats := int(be16(data))
	data = data[2:]
	b.ParamFormats = make([]int16, nFormats)
	for i := 0; i < nFormats; i++ {
		b.ParamFormats[i] = int16(be16(data))
		data = data[2:]
	}

	nParams := int(be16(data))
	data = data[2:]
	b.ParamValues = make([][]byte, nParams)
	for i := 0; i < nParams; i++ {
		l := int32(be32(data))
		data = data[4:]
		if l < 0 {
			b.ParamValues[i] = nil
			continue
		}
		b.ParamValues[i] = data[:l]
		data = data[l:]
	}

	nResults := int(be16(data))
	data = data[2:]
	b.ResultFormats = make([]int16, nResults)
	for i := 0; i < nResults; i++ {
		b.ResultFormats[i] = int16(be16(data))
		data = data[2:]
	}

	return b, nil
}

func put16(buf []byte, n int) []byte {
	return append(buf, byte(n>>8), byte(n))
}

func put32(buf []byte, n uint32) []byte {
	tmp := make([]byte, 4)
	tmp[0] = byte(n >> 24)
	tmp[1] = byte(n >> 16)
	tmp[2] = byte(n >> 8)
	tmp[3] = byte(n)
	return append(buf, tmp...)
}

func (b BindMessage) Encode() Message {
	buf := putNulTerminated(nil, b.Portal)
	buf = putNulTerminated(buf, b.Statement)

	buf = put16(buf, len(b.ParamFormats))
	for _, f := range b.ParamFormats {
		buf = put16(buf, int(f))
	}

	buf = put16(buf, len(b.ParamValues))
	for _, v := range b.ParamValues {
		if v == nil {
			buf = put32(buf, 0xFFFFFFFF)
			continue
		}
		buf = put32(buf, uint32(len(v)))
		buf = append(buf, v...)
	}

	buf = put16(buf, len(b.ResultFormats))
	for _, f := range b.ResultFormats {
		buf = put16(buf, int(f))
	}
	return Message{Tag: Bind, Payload: buf}
}

// Parameter returns the nth (1-based) bound parameter's raw bytes, and
// whether it exists. Matches spec's "current Bind message's parameter n-1".
func (b BindMessage) Parameter(n int) ([]byte, bool) {
	idx := n - 1
	if idx < 0 || idx >= len(b.ParamValues) {
		return nil, false
	}
	return b.ParamValues[idx], true
}

// ParameterIsBinary reports whether parameter n (1-based) was sent in
// binary format.
func (b BindMessage) ParameterIsBinary(n int) bool {
	idx := n - 1
	if len(b.ParamFormats) == 0 {
		return false
	}
	if len(b.ParamFormats) == 1 {
		return b.ParamFormats[0] == 1
	}
	if idx < 0 || idx >= len(b.ParamFormats) {
		return false
	}
	return b.ParamFormats[idx] == 1
}

// DescribeMessage is the extended-protocol 'D' message.
type DescribeMessage struct {
	Kind byte // 'S' statement or 'P' portal
	Name string
}

func DecodeDescribe(m Message) (DescribeMessage, error) {
	if err := expectTag(m, Describe); err != nil {
		return DescribeMessage{}, err
	}
	if len(m.Payload) < 1 {
		return DescribeMessage{}, &UnexpectedMessage{}
	}
	name, _ := nulTerminated(m.Payload[1:])
	return DescribeMessage{Kind: m.Payload[0], Name: name}, nil
}

func (d DescribeMessage) Encode() Message {
	buf := append([]byte{d.Kind}, putNulTerminated(nil, d.Name)...)
	return Message{Tag: Describe, Payload: buf}
}

// ExecuteMessage is the extended-protocol 'E' message.
type ExecuteMessage struct {
	Portal  string
	MaxRows int32
}

func DecodeExecute(m Message) (ExecuteMessage, error) {
	if err := expectTag(m, Execute); err != nil {
		return ExecuteMessage{}, err
	}
	data := m.Payload
	var e ExecuteMessage
	e.Portal, data = nulTerminated(data)
	if len(data) >= 4 {
		e.MaxRows = int32(be32(data))
	}
	return e, nil
}

func (e ExecuteMessage) Encode() Message {
	buf := putNulTerminated(nil, e.Portal)
	buf = put32(buf, uint32(e.MaxRows))
	return Message{Tag: Execute, Payload: buf}
}

// SyncMessage ('S' from the frontend) commits a complete extended-query
// request and is one of the sync points that fill a Buffer.
type SyncMessage struct{}

func (SyncMessage) Encode() Message { return Message{Tag: Sync} }

// FlushMessage ('H') asks the server to deliver pending output without
// committing a transaction boundary.
type FlushMessage struct{}

func (FlushMessage) Encode() Message { return Message{Tag: Flush} }

// TerminateMessage ('X') ends the session.
type TerminateMessage struct{}

func (TerminateMessage) Encode() Message { return Message{Tag: Terminate} }

// CopyDataMessage ('d') carries a chunk of COPY data, direction-agnostic.
type CopyDataMessage struct {
	Data []byte
}

func DecodeCopyData(m Message) (CopyDataMessage, error) {
	if err := expectTag(m, CopyData); err != nil {
		return CopyDataMessage{}, err
	}
	return CopyDataMessage{Data: m.Payload}, nil
}

func (c CopyDataMessage) Encode() Message {
	return Message{Tag: CopyData, Payload: c.Data}
}

// CopyDoneMessage ('c') ends a COPY sub-protocol and is a sync point.
type CopyDoneMessage struct{}

func (CopyDoneMessage) Encode() Message { return Message{Tag: CopyDone} }

// PasswordMessage ('p') carries a cleartext password, an MD5 hash, or a
// SASL response, depending on the auth flow in progress.
type PasswordMessage struct {
	Data []byte
}

func DecodePassword(m Message) (PasswordMessage, error) {
	if err := expectTag(m, Password); err != nil {
		return PasswordMessage{}, err
	}
	return PasswordMessage{Data: m.Payload}, nil
}

func (p PasswordMessage) Encode() Message {
	return Message{Tag: Password, Payload: p.Data}
}

func be16(b []byte) uint16 { return uint16(b[0])<<8 | uint16(b[1]) }
func be32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
