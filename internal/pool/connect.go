package pool

import (
	"context"
	"crypto/md5"
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"net"

	"github.com/shardbouncer/shardbouncer/internal/pgerr"
	"github.com/shardbouncer/shardbouncer/internal/wire"
)

// TLSConfig optionally upgrades a connection after SSLRequest negotiation.
// With Enabled false (the zero value) the connection never requests TLS.
type TLSConfig struct {
	Enabled bool
	Config  *tls.Config
}

// connect performs the full ServerConnection handshake: plaintext TCP
// connect; SSLRequest negotiation when TLS is enabled; Startup; authentication; accumulate
// ParameterStatus and BackendKeyData; terminate setup on ReadyForQuery.
func connect(ctx context.Context, addr Address, cfg Config, tlsCfg TLSConfig, p *Pool) (*ServerConnection, error) {
	dialer := net.Dialer{Timeout: cfg.ConnectTimeout}
	rawConn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(addr.Host, fmt.Sprintf("%d", addr.Port)))
	if err != nil {
		return nil, &pgerr.ConnectTimeout{Address: addr.String()}
	}

	conn := net.Conn(rawConn)
	if tlsCfg.Enabled {
		conn, err = negotiateTLS(conn, tlsCfg)
		if err != nil {
			rawConn.Close()
			return nil, err
		}
	}

	if err := wire.WriteUntagged(conn, wire.Startup{Parameters: map[string]string{
		"user":     addr.User,
		"database": addr.Database,
	}}.Encode()); err != nil {
		conn.Close()
		return nil, pgerr.Protocol(err)
	}

	params := make(map[string]string)
	var key BackendKeyData

	for {
		m, err := wire.ReadMessage(conn)
		if err != nil {
			conn.Close()
			return nil, pgerr.Protocol(err)
		}
		switch m.Tag {
		case wire.Authentication:
			auth, err := wire.DecodeAuthentication(m)
			if err != nil {
				conn.Close()
				return nil, pgerr.Protocol(err)
			}
			if err := authenticate(conn, addr, auth); err != nil {
				conn.Close()
				return nil, err
			}
		case wire.ParameterStatus:
			ps, err := wire.DecodeParameterStatus(m)
			if err != nil {
				conn.Close()
				return nil, pgerr.Protocol(err)
			}
			params[ps.Name] = ps.Value
		case wire.BackendKeyData:
			bkd, err := wire.DecodeBackendKeyData(m)
			if err != nil {
				conn.Close()
				return nil, pgerr.Protocol(err)
			}
			key = BackendKeyData{PID: bkd.PID, Secret: bkd.Secret}
		case wire.ReadyForQuery:
			rfq, err := wire.DecodeReadyForQuery(m)
			if err != nil {
				conn.Close()
				return nil, pgerr.Protocol(err)
			}
			if rfq.Status != wire.TxStatusIdle {
				conn.Close()
				return nil, pgerr.Protocol(&pgerr.UnexpectedTransactionStatus{Status: rfq.Status})
			}
			if key == (BackendKeyData{}) {
				conn.Close()
				return nil, pgerr.Protocol(fmt.Errorf("server never sent BackendKeyData"))
			}
			return newServerConnection(conn, addr, key, params, p), nil
		case wire.ErrorResponse:
			er, decErr := wire.DecodeErrorResponse(m)
			if decErr != nil {
				conn.Close()
				return nil, pgerr.Protocol(decErr)
			}
			conn.Close()
			return nil, &pgerr.ConnectionError{Severity: er.Severity(), Code: er.Code(), Message: er.Message()}
		default:
			// Ignore messages we don't care about during startup (e.g. NoticeResponse).
		}
	}
}

// negotiateTLS sends an SSLRequest and upgrades the stream if the server
// responds 'S'. A response of 'N' keeps the connection plaintext.
func negotiateTLS(conn net.Conn, tlsCfg TLSConfig) (net.Conn, error) {
	if err := wire.WriteUntagged(conn, wire.SSLRequestBytes()); err != nil {
		return nil, pgerr.Protocol(err)
	}
	reply := make([]byte, 1)
	if _, err := conn.Read(reply); err != nil {
		return nil, pgerr.Protocol(err)
	}
	if reply[0] != 'S' {
		return conn, nil
	}
	tlsConn := tls.Client(conn, tlsCfg.Config)
	if err := tlsConn.Handshake(); err != nil {
		return nil, pgerr.Protocol(fmt.Errorf("TLS handshake: %w", err))
	}
	return tlsConn, nil
}

// authenticate dispatches on the auth type carried by an Authentication
// message, driving the corresponding challenge/response to completion.
func authenticate(conn net.Conn, addr Address, auth wire.AuthenticationMessage) error {
	switch auth.Type {
	case wire.AuthOK:
		return nil
	case wire.AuthCleartextPassword:
		return wire.WriteMessage(conn, wire.PasswordMessage{Data: append([]byte(addr.Password), 0)}.Encode())
	case wire.AuthMD5Password:
		if len(auth.Data) < 4 {
			return pgerr.Protocol(fmt.Errorf("MD5 auth message too short"))
		}
		salt := auth.Data[:4]
		hashed := computeMD5Password(addr.User, addr.Password, salt)
		return wire.WriteMessage(conn, wire.PasswordMessage{Data: append([]byte(hashed), 0)}.Encode())
	case wire.AuthSASL:
		return scramSHA256Auth(conn, addr.User, addr.Password, auth.Data)
	default:
		return pgerr.Protocol(fmt.Errorf("unsupported auth type: %d", auth.Type))
	}
}

// computeMD5Password implements PostgreSQL's MD5 password scheme:
// "md5" + md5(md5(password + username) + salt).
func computeMD5Password(user, password string, salt []byte) string {
	inner := md5.Sum([]byte(password + user))
	innerHex := hex.EncodeToString(inner[:])
	outer := md5.Sum([]byte(innerHex + string(salt)))
	return "md5" + hex.EncodeToString(outer[:])
}
