package protocol

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"basalt/internal/auth"
)

func testMachine(t *testing.T, cfg MachineConfig) (*Machine, *Decoder) {
	t.Helper()
	if cfg.Motd == "" {
		cfg.Motd = "a basalt server"
	}
	if cfg.MaxPlayers == 0 {
		cfg.MaxPlayers = 20
	}
	dec := NewDecoder(testMaxFrame)
	return NewMachine(cfg, dec), dec
}

func handshakeFrame(next int32) []byte {
	w := NewWriter()
	w.VarInt(idHandshake)
	w.VarInt(Version)
	w.String("localhost")
	w.Uint16(25565)
	w.VarInt(next)
	return w.Bytes()
}

func loginStartFrame(name string) []byte {
	w := NewWriter()
	w.VarInt(idLoginStart)
	w.String(name)
	return w.Bytes()
}

func mustHandle(t *testing.T, m *Machine, frame []byte) Output {
	t.Helper()
	out, err := m.HandleFrame(frame)
	if err != nil {
		t.Fatalf("HandleFrame: %v", err)
	}
	return out
}

func TestStatusFlow(t *testing.T) {
	m, _ := testMachine(t, MachineConfig{Motd: "hello", MaxPlayers: 7, OnlinePlayers: func() int { return 3 }, CompressionThreshold: -1})

	mustHandle(t, m, handshakeFrame(1))
	if m.State() != StateStatus {
		t.Fatalf("state = %v, want status", m.State())
	}

	w := NewWriter()
	w.VarInt(idStatusRequest)
	out := mustHandle(t, m, w.Bytes())
	if len(out.Items) != 1 {
		t.Fatalf("expected one response item, got %d", len(out.Items))
	}
	r := NewReader(out.Items[0].Payload)
	if id, _ := r.VarInt(); id != idStatusResponse {
		t.Fatalf("response id = %d", id)
	}
	body, err := r.String(maxStringLen)
	if err != nil {
		t.Fatal(err)
	}
	var s statusPayload
	if err := json.Unmarshal([]byte(body), &s); err != nil {
		t.Fatalf("status body is not JSON: %v", err)
	}
	if s.Players.Max != 7 || s.Players.Online != 3 || s.Description.Text != "hello" {
		t.Fatalf("unexpected status payload: %+v", s)
	}

	w = NewWriter()
	w.VarInt(idStatusPing)
	w.Int64(12345)
	out = mustHandle(t, m, w.Bytes())
	if out.CloseReason == "" {
		t.Fatalf("ping should schedule close")
	}
	r = NewReader(out.Items[0].Payload)
	if id, _ := r.VarInt(); id != idStatusPong {
		t.Fatalf("expected pong, id=%d", id)
	}
	if v, _ := r.Int64(); v != 12345 {
		t.Fatalf("pong payload = %d", v)
	}
}

const statusSchema = `{
  "type": "object",
  "required": ["version", "players", "description"],
  "properties": {
    "version": {
      "type": "object",
      "required": ["name", "protocol"],
      "properties": {
        "name": {"type": "string"},
        "protocol": {"type": "integer"}
      }
    },
    "players": {
      "type": "object",
      "required": ["max", "online"],
      "properties": {
        "max": {"type": "integer", "minimum": 0},
        "online": {"type": "integer", "minimum": 0}
      }
    },
    "description": {
      "type": "object",
      "required": ["text"],
      "properties": {"text": {"type": "string"}}
    }
  }
}`

func TestStatusPayloadMatchesSchema(t *testing.T) {
	schema, err := jsonschema.CompileString("status.schema.json", statusSchema)
	if err != nil {
		t.Fatalf("compile schema: %v", err)
	}

	m, _ := testMachine(t, MachineConfig{Motd: "schema check", MaxPlayers: 12, CompressionThreshold: -1})
	mustHandle(t, m, handshakeFrame(1))
	w := NewWriter()
	w.VarInt(idStatusRequest)
	out := mustHandle(t, m, w.Bytes())

	r := NewReader(out.Items[0].Payload)
	r.VarInt()
	body, err := r.String(maxStringLen)
	if err != nil {
		t.Fatal(err)
	}
	var doc any
	if err := json.Unmarshal([]byte(body), &doc); err != nil {
		t.Fatalf("status body is not JSON: %v", err)
	}
	if err := schema.Validate(doc); err != nil {
		t.Fatalf("status payload violates schema: %v", err)
	}
}

func TestOfflineLoginReachesPlayExactlyOnce(t *testing.T) {
	m, _ := testMachine(t, MachineConfig{RequireEncryption: false, CompressionThreshold: -1})

	mustHandle(t, m, handshakeFrame(2))
	out := mustHandle(t, m, loginStartFrame("steve"))
	if out.Joined == nil {
		t.Fatalf("expected Joined event")
	}
	if out.Joined.Profile.Name != "steve" {
		t.Fatalf("profile name = %q", out.Joined.Profile.Name)
	}
	if out.Joined.Profile.ID != auth.OfflineProfile("steve").ID {
		t.Fatalf("offline uuid not stable")
	}
	if m.State() != StatePlay {
		t.Fatalf("state = %v, want play", m.State())
	}
	// Exactly one login-success item, no compression negotiation.
	if len(out.Items) != 1 {
		t.Fatalf("items = %d, want 1", len(out.Items))
	}
}

func TestLoginCompressionNegotiation(t *testing.T) {
	m, dec := testMachine(t, MachineConfig{RequireEncryption: false, CompressionThreshold: 256})
	mustHandle(t, m, handshakeFrame(2))
	out := mustHandle(t, m, loginStartFrame("alex"))
	if len(out.Items) != 3 {
		t.Fatalf("items = %d, want set-compression + control + login-success", len(out.Items))
	}
	r := NewReader(out.Items[0].Payload)
	if id, _ := r.VarInt(); id != idSetCompression {
		t.Fatalf("first packet id = %d, want set compression", id)
	}
	if out.Items[1].CompressThreshold != 256 {
		t.Fatalf("control threshold = %d", out.Items[1].CompressThreshold)
	}
	if !dec.compressed {
		t.Fatalf("decoder should expect compressed frames after negotiation")
	}
}

func TestEncryptedLoginFlow(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatal(err)
	}
	m, dec := testMachine(t, MachineConfig{RequireEncryption: true, Key: key, CompressionThreshold: -1})

	mustHandle(t, m, handshakeFrame(2))
	out := mustHandle(t, m, loginStartFrame("steve"))
	if out.Joined != nil || out.Verify != nil {
		t.Fatalf("login start with encryption should only emit the request")
	}

	// Parse the encryption request the way a client would.
	r := NewReader(out.Items[0].Payload)
	if id, _ := r.VarInt(); id != idEncryptionRequest {
		t.Fatalf("expected encryption request, id=%d", id)
	}
	serverID, _ := r.String(64)
	pubDER, _ := r.ByteSlice(1024)
	token, _ := r.ByteSlice(64)
	pubAny, err := x509.ParsePKIXPublicKey(pubDER)
	if err != nil {
		t.Fatalf("server sent unparseable key: %v", err)
	}
	pub := pubAny.(*rsa.PublicKey)

	secret := make([]byte, 16)
	if _, err := rand.Read(secret); err != nil {
		t.Fatal(err)
	}
	encSecret, _ := rsa.EncryptPKCS1v15(rand.Reader, pub, secret)
	encToken, _ := rsa.EncryptPKCS1v15(rand.Reader, pub, token)

	w := NewWriter()
	w.VarInt(idEncryptionResponse)
	w.ByteSlice(encSecret)
	w.ByteSlice(encToken)
	out = mustHandle(t, m, w.Bytes())

	if out.Verify == nil {
		t.Fatalf("expected a verification dispatch")
	}
	if want := auth.ServerHash(serverID, secret, pubDER); out.Verify.ServerHash != want {
		t.Fatalf("server hash = %q, want %q", out.Verify.ServerHash, want)
	}
	if len(out.Items) != 1 || out.Items[0].EncryptSecret == nil {
		t.Fatalf("expected the encoder cipher control item")
	}
	if dec.cipher == nil {
		t.Fatalf("decoder should be decrypting now")
	}

	// Any frame while verification is pending is hostile.
	if _, err := m.HandleFrame(loginStartFrame("again")); !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("expected violation while awaiting verification, got %v", err)
	}

	prof := auth.Profile{ID: auth.OfflineProfile("steve").ID, Name: "steve"}
	out, err = m.CompleteVerification(prof, nil)
	if err != nil {
		t.Fatal(err)
	}
	if out.Joined == nil || m.State() != StatePlay {
		t.Fatalf("verification success should enter play")
	}
}

func TestVerificationFailureRejectsLoginOnly(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatal(err)
	}
	m, _ := testMachine(t, MachineConfig{RequireEncryption: true, Key: key, CompressionThreshold: -1})
	mustHandle(t, m, handshakeFrame(2))
	mustHandle(t, m, loginStartFrame("steve"))
	m.stage = loginAwaitingVerification

	out, err := m.CompleteVerification(auth.Profile{}, errors.New("identity provider timeout"))
	if err != nil {
		t.Fatal(err)
	}
	if out.CloseReason != CodeLoginRejected {
		t.Fatalf("close reason = %q", out.CloseReason)
	}
	if len(out.Items) != 1 {
		t.Fatalf("expected a final reason frame")
	}
	r := NewReader(out.Items[0].Payload)
	if id, _ := r.VarInt(); id != idLoginDisconnect {
		t.Fatalf("expected login disconnect, id=%d", id)
	}
}

func TestBadVerifyTokenIsCryptoFailure(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatal(err)
	}
	m, _ := testMachine(t, MachineConfig{RequireEncryption: true, Key: key, CompressionThreshold: -1})
	mustHandle(t, m, handshakeFrame(2))
	out := mustHandle(t, m, loginStartFrame("steve"))

	r := NewReader(out.Items[0].Payload)
	r.VarInt()
	r.String(64)
	pubDER, _ := r.ByteSlice(1024)
	pubAny, _ := x509.ParsePKIXPublicKey(pubDER)
	pub := pubAny.(*rsa.PublicKey)

	secret := make([]byte, 16)
	encSecret, _ := rsa.EncryptPKCS1v15(rand.Reader, pub, secret)
	encToken, _ := rsa.EncryptPKCS1v15(rand.Reader, pub, []byte{9, 9, 9, 9})

	w := NewWriter()
	w.VarInt(idEncryptionResponse)
	w.ByteSlice(encSecret)
	w.ByteSlice(encToken)
	if _, err := m.HandleFrame(w.Bytes()); !errors.Is(err, ErrCryptoFailure) {
		t.Fatalf("expected ErrCryptoFailure, got %v", err)
	}
}

func TestInvalidPacketIDsPerState(t *testing.T) {
	badID := func(id int32) []byte {
		w := NewWriter()
		w.VarInt(id)
		return w.Bytes()
	}

	cases := []struct {
		name  string
		setup func(m *Machine)
		frame []byte
	}{
		{"handshake/status-request", func(m *Machine) {}, badID(0x33)},
		{"status/login-start", func(m *Machine) { mustHandle(t, m, handshakeFrame(1)) }, badID(0x05)},
		{"login/play-position", func(m *Machine) { mustHandle(t, m, handshakeFrame(2)) }, badID(0x41)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m, _ := testMachine(t, MachineConfig{CompressionThreshold: -1})
			tc.setup(m)
			if _, err := m.HandleFrame(tc.frame); !errors.Is(err, ErrProtocolViolation) {
				t.Fatalf("expected ErrProtocolViolation, got %v", err)
			}
		})
	}
}

func TestHandshakeBadNextState(t *testing.T) {
	m, _ := testMachine(t, MachineConfig{CompressionThreshold: -1})
	if _, err := m.HandleFrame(handshakeFrame(9)); !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("expected ErrProtocolViolation, got %v", err)
	}
}

func TestPlayEventsDecode(t *testing.T) {
	m, _ := testMachine(t, MachineConfig{CompressionThreshold: -1})
	mustHandle(t, m, handshakeFrame(2))
	mustHandle(t, m, loginStartFrame("steve"))

	w := NewWriter()
	w.VarInt(idPositionLookSB)
	w.Float64(1)
	w.Float64(65)
	w.Float64(-3)
	w.Float32(90)
	w.Float32(0)
	w.Bool(true)
	out := mustHandle(t, m, w.Bytes())
	if len(out.Events) != 1 {
		t.Fatalf("events = %d", len(out.Events))
	}
	mv, ok := out.Events[0].(MoveRequest)
	if !ok || !mv.HasPos || !mv.HasLook || mv.Y != 65 {
		t.Fatalf("unexpected event %#v", out.Events[0])
	}

	w = NewWriter()
	w.VarInt(idChatSB)
	w.String("hi there")
	out = mustHandle(t, m, w.Bytes())
	if c, ok := out.Events[0].(ChatRequest); !ok || c.Message != "hi there" {
		t.Fatalf("unexpected chat event %#v", out.Events[0])
	}
}

func TestEncodePlayBeforePlayPanics(t *testing.T) {
	m, _ := testMachine(t, MachineConfig{CompressionThreshold: -1})
	defer func() {
		r := recover()
		if r == nil {
			t.Fatalf("expected panic")
		}
		if !strings.Contains(r.(string), "EncodePlay") {
			t.Fatalf("unexpected panic value %v", r)
		}
	}()
	m.EncodePlay(KeepAlive{ID: 1})
}

func TestEncodeDisconnectPerState(t *testing.T) {
	m, _ := testMachine(t, MachineConfig{CompressionThreshold: -1})
	if b := m.EncodeDisconnect("nope"); b != nil {
		t.Fatalf("handshake has no disconnect frame")
	}
	mustHandle(t, m, handshakeFrame(2))
	if b := m.EncodeDisconnect("nope"); b == nil {
		t.Fatalf("login should produce a reason frame")
	}
}
