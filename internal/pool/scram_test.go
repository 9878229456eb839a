package pool

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"net"
	"strings"
	"testing"

	"golang.org/x/crypto/pbkdf2"

	"github.com/shardbouncer/shardbouncer/internal/wire"
)

// mockSCRAMBackend simulates a PostgreSQL backend that authenticates a
// single connection via SCRAM-SHA-256, then completes startup.
func mockSCRAMBackend(t *testing.T, conn net.Conn, password string) {
	t.Helper()

	saslPayload := append([]byte("SCRAM-SHA-256\x00"), 0)
	mustWrite(t, conn, wire.AuthenticationMessage{Type: wire.AuthSASL, Data: saslPayload}.Encode())

	m, err := wire.ReadMessage(conn)
	if err != nil {
		t.Errorf("reading SASLInitialResponse: %v", err)
		return
	}
	pm, err := wire.DecodePassword(m)
	if err != nil {
		t.Errorf("decoding password message: %v", err)
		return
	}

	mechEnd := 0
	for mechEnd < len(pm.Data) && pm.Data[mechEnd] != 0 {
		mechEnd++
	}
	cfmLen := int(binary.BigEndian.Uint32(pm.Data[mechEnd+1 : mechEnd+5]))
	clientFirstMsg := string(pm.Data[mechEnd+5 : mechEnd+5+cfmLen])
	clientFirstBare := clientFirstMsg[3:] // strip "n,,"

	var clientNonce string
	for _, part := range strings.Split(clientFirstBare, ",") {
		if strings.HasPrefix(part, "r=") {
			clientNonce = part[2:]
		}
	}

	serverNonce := clientNonce + "servernonce123"
	salt := []byte("randomsaltvalue!")
	iterations := 4096
	serverFirstMsg := fmt.Sprintf("r=%s,s=%s,i=%d", serverNonce, base64.StdEncoding.EncodeToString(salt), iterations)
	mustWrite(t, conn, wire.AuthenticationMessage{Type: wire.AuthSASLContinue, Data: []byte(serverFirstMsg)}.Encode())

	m, err = wire.ReadMessage(conn)
	if err != nil {
		t.Errorf("reading SASLResponse: %v", err)
		return
	}
	pm, err = wire.DecodePassword(m)
	if err != nil {
		t.Errorf("decoding SASL response: %v", err)
		return
	}
	clientFinalStr := string(pm.Data)

	channelBinding := "c=" + base64.StdEncoding.EncodeToString([]byte("n,,"))
	clientFinalWithoutProof := fmt.Sprintf("%s,r=%s", channelBinding, serverNonce)
	authMessage := clientFirstBare + "," + serverFirstMsg + "," + clientFinalWithoutProof

	saltedPassword := pbkdf2.Key([]byte(password), salt, iterations, 32, sha256.New)
	clientKey := hmacSHA256(saltedPassword, []byte("Client Key"))
	storedKey := sha256Sum(clientKey)
	clientSignature := hmacSHA256(storedKey, []byte(authMessage))
	expectedProof := base64.StdEncoding.EncodeToString(xorBytes(clientKey, clientSignature))

	if !strings.Contains(clientFinalStr, "p="+expectedProof) {
		mustWrite(t, conn, wire.ErrorResponseMessage{Fields: map[byte]string{
			wire.ErrFieldSeverity: "FATAL",
			wire.ErrFieldMessage:  "password authentication failed",
		}}.Encode())
		return
	}

	serverKey := hmacSHA256(saltedPassword, []byte("Server Key"))
	serverSig := hmacSHA256(serverKey, []byte(authMessage))
	serverFinal := "v=" + base64.StdEncoding.EncodeToString(serverSig)
	mustWrite(t, conn, wire.AuthenticationMessage{Type: wire.AuthSASLFinal, Data: []byte(serverFinal)}.Encode())
	mustWrite(t, conn, wire.AuthenticationMessage{Type: wire.AuthOK}.Encode())
}

// mockSCRAMBackendReject behaves like mockSCRAMBackend but always sends an
// ErrorResponse instead of completing the exchange, as a real server does
// for a wrong password.
func mockSCRAMBackendReject(t *testing.T, conn net.Conn) {
	t.Helper()

	saslPayload := append([]byte("SCRAM-SHA-256\x00"), 0)
	mustWrite(t, conn, wire.AuthenticationMessage{Type: wire.AuthSASL, Data: saslPayload}.Encode())

	m, err := wire.ReadMessage(conn)
	if err != nil {
		t.Errorf("reading SASLInitialResponse: %v", err)
		return
	}
	pm, err := wire.DecodePassword(m)
	if err != nil {
		t.Errorf("decoding password message: %v", err)
		return
	}
	var clientNonce string
	for _, part := range strings.Split(string(pm.Data), ",") {
		if strings.HasPrefix(part, "r=") {
			clientNonce = part[2:]
		}
	}

	salt := base64.StdEncoding.EncodeToString([]byte("salt1234salt5678"))
	serverFirstMsg := fmt.Sprintf("r=%sservernonce,s=%s,i=4096", clientNonce, salt)
	mustWrite(t, conn, wire.AuthenticationMessage{Type: wire.AuthSASLContinue, Data: []byte(serverFirstMsg)}.Encode())

	if _, err := wire.ReadMessage(conn); err != nil {
		t.Errorf("reading SASL response: %v", err)
		return
	}

	mustWrite(t, conn, wire.ErrorResponseMessage{Fields: map[byte]string{
		wire.ErrFieldSeverity: "FATAL",
		wire.ErrFieldMessage:  "password authentication failed",
	}}.Encode())
}

func mustWrite(t *testing.T, conn net.Conn, m wire.Message) {
	t.Helper()
	if err := wire.WriteMessage(conn, m); err != nil {
		t.Errorf("writing %v: %v", m.Tag, err)
	}
}

func TestSCRAMSHA256AuthSuccess(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	mechanismData := append([]byte("SCRAM-SHA-256\x00"), 0)
	go mockSCRAMBackend(t, server, "scrampass")

	if err := scramSHA256Auth(client, "scramuser", "scrampass", mechanismData); err != nil {
		t.Fatalf("scramSHA256Auth failed: %v", err)
	}
	m, err := wire.ReadMessage(client)
	if err != nil {
		t.Fatalf("reading AuthenticationOk: %v", err)
	}
	if auth, err := wire.DecodeAuthentication(m); err != nil || auth.Type != wire.AuthOK {
		t.Fatalf("expected AuthenticationOk after SASLFinal, got %+v (%v)", m, err)
	}
}

func TestSCRAMSHA256WrongPassword(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	mechanismData := append([]byte("SCRAM-SHA-256\x00"), 0)
	go mockSCRAMBackendReject(t, server)

	if err := scramSHA256Auth(client, "scramuser", "wrongpass", mechanismData); err == nil {
		t.Fatal("expected scramSHA256Auth to fail with wrong password")
	}
}

func TestParseSASLMechanisms(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want []string
	}{
		{
			name: "single mechanism",
			data: append([]byte("SCRAM-SHA-256"), 0, 0),
			want: []string{"SCRAM-SHA-256"},
		},
		{
			name: "two mechanisms",
			data: append(append([]byte("SCRAM-SHA-256"), 0), append([]byte("SCRAM-SHA-256-PLUS"), 0, 0)...),
			want: []string{"SCRAM-SHA-256", "SCRAM-SHA-256-PLUS"},
		},
		{
			name: "empty",
			data: []byte{0},
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseSASLMechanisms(tt.data)
			if len(got) != len(tt.want) {
				t.Errorf("parseSASLMechanisms() = %v, want %v", got, tt.want)
				return
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("parseSASLMechanisms()[%d] = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestSASLEscapeUsername(t *testing.T) {
	if got := saslEscapeUsername("user"); got != "user" {
		t.Errorf("expected 'user', got %q", got)
	}
	if got := saslEscapeUsername("us=er"); got != "us=3Der" {
		t.Errorf("expected 'us=3Der', got %q", got)
	}
	if got := saslEscapeUsername("us,er"); got != "us=2Cer" {
		t.Errorf("expected 'us=2Cer', got %q", got)
	}
}

func TestParseServerFirst(t *testing.T) {
	salt := base64.StdEncoding.EncodeToString([]byte("somesalt"))
	msg := fmt.Sprintf("r=clientnonceservernonce,s=%s,i=4096", salt)

	nonce, saltBytes, iterations, err := parseServerFirst(msg)
	if err != nil {
		t.Fatalf("parseServerFirst failed: %v", err)
	}
	if nonce != "clientnonceservernonce" {
		t.Errorf("nonce = %q, want 'clientnonceservernonce'", nonce)
	}
	if string(saltBytes) != "somesalt" {
		t.Errorf("salt = %q, want 'somesalt'", saltBytes)
	}
	if iterations != 4096 {
		t.Errorf("iterations = %d, want 4096", iterations)
	}
}

func TestXorBytes(t *testing.T) {
	a := []byte{0xff, 0x00, 0xaa}
	b := []byte{0x0f, 0xf0, 0x55}
	got := xorBytes(a, b)
	want := []byte{0xf0, 0xf0, 0xff}
	for i := range got {
		if got[i] != want[i] {
			t.Errorf("xorBytes[%d] = 0x%02x, want 0x%02x", i, got[i], want[i])
		}
	}
}

func TestHMACSHA256(t *testing.T) {
	key := []byte("key")
	data := []byte("data")
	got := hmacSHA256(key, data)
	h := hmac.New(sha256.New, key)
	h.Write(data)
	want := h.Sum(nil)
	if len(got) != len(want) {
		t.Fatalf("length mismatch: %d vs %d", len(got), len(want))
	}
	for i := range got {
		if got[i] != want[i] {
			t.Errorf("hmacSHA256[%d] = 0x%02x, want 0x%02x", i, got[i], want[i])
		}
	}
}
