package protocol

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"basalt/internal/auth"
)

// Version is the protocol generation this server speaks.
const Version int32 = 47

type loginStage int

const (
	loginAwaitingStart loginStage = iota
	loginAwaitingEncryptionResponse
	loginAwaitingVerification
	loginDone
)

// MachineConfig carries the negotiation parameters for one connection.
type MachineConfig struct {
	ServerID string
	Key      *rsa.PrivateKey
	// RequireEncryption gates the login key exchange. Without it the
	// machine derives an offline identity and skips verification.
	RequireEncryption bool
	// CompressionThreshold below zero leaves compression off.
	CompressionThreshold int

	Motd          string
	MaxPlayers    int
	OnlinePlayers func() int
}

// WireItem is one unit on a connection's outbound queue: an optional
// packet payload plus codec control changes the writer applies before
// encoding it. Controls ride the queue so that they take effect at the
// exact point in the stream the state machine decided.
type WireItem struct {
	Payload []byte
	// EncryptSecret, when non-nil, switches the encoder to AES/CFB8
	// before this payload.
	EncryptSecret []byte
	// CompressThreshold >= 0 enables outbound compression before this
	// payload.
	CompressThreshold int
}

func payloadItem(p []byte) WireItem {
	return WireItem{Payload: p, CompressThreshold: -1}
}

// VerifyRequest asks the reactor to run session verification off the hot
// path and deliver the result via CompleteVerification.
type VerifyRequest struct {
	Username   string
	ServerHash string
}

// Joined is emitted exactly once, when the machine enters Play.
type Joined struct {
	Profile  auth.Profile
	Protocol int32
}

// Output is everything one inbound frame (or verification result)
// produced.
type Output struct {
	Items  []WireItem
	Events []Serverbound
	Joined *Joined
	Verify *VerifyRequest
	// CloseReason, when set, schedules connection teardown after the
	// items above are flushed.
	CloseReason string
}

func (o *Output) send(payload []byte) { o.Items = append(o.Items, payloadItem(payload)) }

// Machine is the per-connection protocol state machine. HandleFrame and
// CompleteVerification are serialized by an internal mutex (verification
// completes on another goroutine); EncodePlay may be called concurrently
// from the writer because it only reads the atomic state.
type Machine struct {
	cfg MachineConfig
	dec *Decoder

	mu    sync.Mutex
	state atomic.Int32
	stage loginStage

	protoVersion int32
	username     string
	verifyToken  []byte
	joinedOnce   bool
}

func NewMachine(cfg MachineConfig, dec *Decoder) *Machine {
	m := &Machine{cfg: cfg, dec: dec}
	m.state.Store(int32(StateHandshake))
	return m
}

func (m *Machine) State() State { return State(m.state.Load()) }

func (m *Machine) setState(s State) { m.state.Store(int32(s)) }

// HandleFrame decodes one frame payload in the current state. Any
// returned error is connection-fatal.
func (m *Machine) HandleFrame(payload []byte) (Output, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state := m.State()
	if state == StateLogin && m.stage == loginAwaitingVerification {
		// Nothing is valid while the external verifier is in flight.
		return Output{}, ErrProtocolViolation
	}

	pkt, err := decodeServerbound(state, payload)
	if err != nil {
		return Output{}, err
	}

	switch p := pkt.(type) {
	case pktHandshake:
		return m.handleHandshake(p)
	case pktStatusRequest:
		return m.handleStatusRequest()
	case pktStatusPing:
		return m.handleStatusPing(p)
	case pktLoginStart:
		return m.handleLoginStart(p)
	case pktEncryptionResponse:
		return m.handleEncryptionResponse(p)
	case Serverbound:
		return Output{Events: []Serverbound{p}}, nil
	}
	return Output{}, ErrProtocolViolation
}

func (m *Machine) handleHandshake(p pktHandshake) (Output, error) {
	m.protoVersion = p.Protocol
	switch p.Next {
	case 1:
		m.setState(StateStatus)
	case 2:
		m.setState(StateLogin)
		m.stage = loginAwaitingStart
	default:
		return Output{}, ErrProtocolViolation
	}
	return Output{}, nil
}

type statusPayload struct {
	Version struct {
		Name     string `json:"name"`
		Protocol int32  `json:"protocol"`
	} `json:"version"`
	Players struct {
		Max    int `json:"max"`
		Online int `json:"online"`
	} `json:"players"`
	Description struct {
		Text string `json:"text"`
	} `json:"description"`
}

func (m *Machine) handleStatusRequest() (Output, error) {
	var s statusPayload
	s.Version.Name = "basalt"
	s.Version.Protocol = Version
	s.Players.Max = m.cfg.MaxPlayers
	if m.cfg.OnlinePlayers != nil {
		s.Players.Online = m.cfg.OnlinePlayers()
	}
	s.Description.Text = m.cfg.Motd
	body, err := json.Marshal(s)
	if err != nil {
		return Output{}, fmt.Errorf("status payload: %w", err)
	}
	w := NewWriter()
	w.VarInt(idStatusResponse)
	w.String(string(body))
	var out Output
	out.send(w.Bytes())
	return out, nil
}

func (m *Machine) handleStatusPing(p pktStatusPing) (Output, error) {
	w := NewWriter()
	w.VarInt(idStatusPong)
	w.Int64(p.Payload)
	var out Output
	out.send(w.Bytes())
	// The status exchange is complete; the client hangs up after the pong.
	out.CloseReason = CodeShutdown
	return out, nil
}

func (m *Machine) handleLoginStart(p pktLoginStart) (Output, error) {
	if m.stage != loginAwaitingStart {
		return Output{}, ErrProtocolViolation
	}
	if p.Name == "" {
		return Output{}, ErrProtocolViolation
	}
	m.username = p.Name

	if !m.cfg.RequireEncryption {
		return m.finishLogin(auth.OfflineProfile(p.Name))
	}

	m.verifyToken = make([]byte, 4)
	if _, err := rand.Read(m.verifyToken); err != nil {
		return Output{}, fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&m.cfg.Key.PublicKey)
	if err != nil {
		return Output{}, fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}

	w := NewWriter()
	w.VarInt(idEncryptionRequest)
	w.String(m.cfg.ServerID)
	w.ByteSlice(pubDER)
	w.ByteSlice(m.verifyToken)

	m.stage = loginAwaitingEncryptionResponse
	var out Output
	out.send(w.Bytes())
	return out, nil
}

func (m *Machine) handleEncryptionResponse(p pktEncryptionResponse) (Output, error) {
	if m.stage != loginAwaitingEncryptionResponse {
		return Output{}, ErrProtocolViolation
	}
	secret, err := rsa.DecryptPKCS1v15(rand.Reader, m.cfg.Key, p.Secret)
	if err != nil {
		return Output{}, ErrCryptoFailure
	}
	token, err := rsa.DecryptPKCS1v15(rand.Reader, m.cfg.Key, p.Token)
	if err != nil {
		return Output{}, ErrCryptoFailure
	}
	if len(token) != len(m.verifyToken) || string(token) != string(m.verifyToken) {
		return Output{}, ErrCryptoFailure
	}
	if len(secret) != 16 {
		return Output{}, ErrCryptoFailure
	}

	// Inbound bytes after this packet arrive encrypted.
	if err := m.dec.EnableEncryption(secret); err != nil {
		return Output{}, err
	}

	pubDER, err := x509.MarshalPKIXPublicKey(&m.cfg.Key.PublicKey)
	if err != nil {
		return Output{}, fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}
	m.stage = loginAwaitingVerification
	return Output{
		// The writer switches to the cipher before anything else goes out.
		Items:  []WireItem{{EncryptSecret: secret, CompressThreshold: -1}},
		Verify: &VerifyRequest{Username: m.username, ServerHash: auth.ServerHash(m.cfg.ServerID, secret, pubDER)},
	}, nil
}

// CompleteVerification delivers the session verifier's result. A failure
// affects only this connection: the client gets a login-rejected reason
// frame and the connection closes.
func (m *Machine) CompleteVerification(p auth.Profile, verr error) (Output, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.State() != StateLogin || m.stage != loginAwaitingVerification {
		return Output{}, ErrProtocolViolation
	}
	if verr != nil {
		var out Output
		out.send(loginDisconnectPayload("session verification failed"))
		out.CloseReason = CodeLoginRejected
		return out, nil
	}
	return m.finishLogin(p)
}

func (m *Machine) finishLogin(p auth.Profile) (Output, error) {
	var out Output
	if m.cfg.CompressionThreshold >= 0 {
		w := NewWriter()
		w.VarInt(idSetCompression)
		w.VarInt(int32(m.cfg.CompressionThreshold))
		// The enable packet itself is uncompressed; everything after it
		// carries the size prefix, in both directions.
		out.send(w.Bytes())
		out.Items = append(out.Items, WireItem{CompressThreshold: m.cfg.CompressionThreshold})
		m.dec.EnableCompression()
	}

	w := NewWriter()
	w.VarInt(idLoginSuccess)
	w.UUID(p.ID)
	w.String(p.Name)
	out.send(w.Bytes())

	m.stage = loginDone
	m.setState(StatePlay)
	if m.joinedOnce {
		return Output{}, ErrProtocolViolation
	}
	m.joinedOnce = true
	out.Joined = &Joined{Profile: p, Protocol: m.protoVersion}
	return out, nil
}

// EncodePlay encodes a Play event for the current connection. Calling it
// before the machine has entered Play is a bug in the caller, not client
// behavior, so it panics.
func (m *Machine) EncodePlay(ev Clientbound) []byte {
	if m.State() != StatePlay {
		panic(fmt.Sprintf("protocol: EncodePlay(%T) in state %v", ev, m.State()))
	}
	return encodeClientbound(ev)
}

// EncodeDisconnect produces the final human-readable reason frame, when
// the state has a way to express one. In Handshake and Status there is
// none and it returns nil.
func (m *Machine) EncodeDisconnect(reason string) []byte {
	switch m.State() {
	case StateLogin:
		return loginDisconnectPayload(reason)
	case StatePlay:
		return encodeClientbound(Disconnect{Reason: reason})
	}
	return nil
}

func loginDisconnectPayload(reason string) []byte {
	w := NewWriter()
	w.VarInt(idLoginDisconnect)
	w.String(reason)
	return w.Bytes()
}
