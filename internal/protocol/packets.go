package protocol

import (
	"fmt"

	"github.com/google/uuid"
)

// State is the per-connection protocol stage. Transitions form a strict
// DAG: Handshake -> Status | Login, Login -> Play.
type State int32

const (
	StateHandshake State = iota
	StateStatus
	StateLogin
	StatePlay
)

func (s State) String() string {
	switch s {
	case StateHandshake:
		return "handshake"
	case StateStatus:
		return "status"
	case StateLogin:
		return "login"
	case StatePlay:
		return "play"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

const (
	maxStringLen = 32767
	maxSecretLen = 256
)

// Serverbound packet ids, scoped per state.
const (
	idHandshake = 0x00

	idStatusRequest = 0x00
	idStatusPing    = 0x01

	idLoginStart         = 0x00
	idEncryptionResponse = 0x01

	idKeepAliveSB    = 0x00
	idChatSB         = 0x01
	idPositionSB     = 0x04
	idLookSB         = 0x05
	idPositionLookSB = 0x06
)

// Clientbound packet ids, scoped per state.
const (
	idStatusResponse = 0x00
	idStatusPong     = 0x01

	idLoginDisconnect    = 0x00
	idEncryptionRequest  = 0x01
	idLoginSuccess       = 0x02
	idSetCompression     = 0x03

	idKeepAliveCB      = 0x00
	idJoinGame         = 0x01
	idChatCB           = 0x02
	idUpdateHealth     = 0x06
	idPositionLookCB   = 0x08
	idSpawnPlayer      = 0x0C
	idSpawnEntity      = 0x0E
	idDestroyEntities  = 0x13
	idEntityTeleport   = 0x18
	idChunkData        = 0x21
	idUnloadChunk      = 0x22
	idDisconnect       = 0x40
)

// Serverbound is a typed inbound event handed to the simulation. Only Play
// traffic surfaces here; handshake, status and login are consumed by the
// state machine itself.
type Serverbound interface{ isServerbound() }

// MoveRequest is the client's claimed position and/or look for this tick.
// The simulation validates it against the collision index; the server's
// resolved position stays authoritative.
type MoveRequest struct {
	X, Y, Z    float64
	Yaw, Pitch float32
	OnGround   bool
	HasPos     bool
	HasLook    bool
}

type ChatRequest struct {
	Message string
}

type KeepAliveReply struct {
	ID int32
}

func (MoveRequest) isServerbound()    {}
func (ChatRequest) isServerbound()    {}
func (KeepAliveReply) isServerbound() {}

// Clientbound is a typed outbound event encoded into a Play packet.
type Clientbound interface{ isClientbound() }

type KeepAlive struct {
	ID int32
}

type JoinGame struct {
	EntityID     int32
	Gamemode     uint8
	ViewDistance uint8
}

type ChatMessage struct {
	Message string
}

// PlayerPositionAndLook teleports/corrects the receiving player itself.
type PlayerPositionAndLook struct {
	X, Y, Z    float64
	Yaw, Pitch float32
	TeleportID int32
}

type SpawnPlayer struct {
	EntityID   int32
	UUID       uuid.UUID
	Name       string
	X, Y, Z    float64
	Yaw, Pitch float32
}

type SpawnEntity struct {
	EntityID int32
	Kind     int32
	X, Y, Z  float64
}

type EntityTeleport struct {
	EntityID   int32
	X, Y, Z    float64
	Yaw, Pitch float32
	OnGround   bool
}

type UpdateHealth struct {
	EntityID int32
	Health   float32
}

type DestroyEntities struct {
	EntityIDs []int32
}

type ChunkData struct {
	CX, CZ int32
	Height int32
	Blocks []uint16
}

type UnloadChunk struct {
	CX, CZ int32
}

type Disconnect struct {
	Reason string
}

func (KeepAlive) isClientbound()             {}
func (JoinGame) isClientbound()              {}
func (ChatMessage) isClientbound()           {}
func (PlayerPositionAndLook) isClientbound() {}
func (SpawnPlayer) isClientbound()           {}
func (SpawnEntity) isClientbound()           {}
func (EntityTeleport) isClientbound()        {}
func (UpdateHealth) isClientbound()          {}
func (DestroyEntities) isClientbound()       {}
func (ChunkData) isClientbound()             {}
func (UnloadChunk) isClientbound()           {}
func (Disconnect) isClientbound()            {}

// Internal packets consumed by the state machine before Play.

type pktHandshake struct {
	Protocol int32
	Address  string
	Port     uint16
	Next     int32
}

type pktStatusRequest struct{}

type pktStatusPing struct{ Payload int64 }

type pktLoginStart struct{ Name string }

type pktEncryptionResponse struct {
	Secret []byte
	Token  []byte
}

// decodeServerbound parses one frame payload according to the current
// state. A packet id that is not valid for the state is a protocol
// violation; so is a truncated body.
func decodeServerbound(state State, payload []byte) (any, error) {
	r := NewReader(payload)
	id, err := r.VarInt()
	if err != nil {
		return nil, ErrProtocolViolation
	}
	pkt, err := decodeBody(state, id, r)
	if err != nil {
		return nil, err
	}
	return pkt, nil
}

func decodeBody(state State, id int32, r *Reader) (any, error) {
	switch state {
	case StateHandshake:
		if id == idHandshake {
			return readHandshake(r)
		}
	case StateStatus:
		switch id {
		case idStatusRequest:
			return pktStatusRequest{}, nil
		case idStatusPing:
			p, err := r.Int64()
			if err != nil {
				return nil, ErrProtocolViolation
			}
			return pktStatusPing{Payload: p}, nil
		}
	case StateLogin:
		switch id {
		case idLoginStart:
			name, err := r.String(16)
			if err != nil {
				return nil, ErrProtocolViolation
			}
			return pktLoginStart{Name: name}, nil
		case idEncryptionResponse:
			secret, err := r.ByteSlice(maxSecretLen)
			if err != nil {
				return nil, ErrProtocolViolation
			}
			token, err := r.ByteSlice(maxSecretLen)
			if err != nil {
				return nil, ErrProtocolViolation
			}
			return pktEncryptionResponse{Secret: secret, Token: token}, nil
		}
	case StatePlay:
		return decodePlay(id, r)
	}
	return nil, ErrProtocolViolation
}

func readHandshake(r *Reader) (any, error) {
	proto, err := r.VarInt()
	if err != nil {
		return nil, ErrProtocolViolation
	}
	addr, err := r.String(255)
	if err != nil {
		return nil, ErrProtocolViolation
	}
	port, err := r.Uint16()
	if err != nil {
		return nil, ErrProtocolViolation
	}
	next, err := r.VarInt()
	if err != nil {
		return nil, ErrProtocolViolation
	}
	return pktHandshake{Protocol: proto, Address: addr, Port: port, Next: next}, nil
}

func decodePlay(id int32, r *Reader) (any, error) {
	switch id {
	case idKeepAliveSB:
		v, err := r.VarInt()
		if err != nil {
			return nil, ErrProtocolViolation
		}
		return KeepAliveReply{ID: v}, nil
	case idChatSB:
		msg, err := r.String(256)
		if err != nil {
			return nil, ErrProtocolViolation
		}
		return ChatRequest{Message: msg}, nil
	case idPositionSB:
		var m MoveRequest
		var err error
		if m.X, err = r.Float64(); err != nil {
			return nil, ErrProtocolViolation
		}
		if m.Y, err = r.Float64(); err != nil {
			return nil, ErrProtocolViolation
		}
		if m.Z, err = r.Float64(); err != nil {
			return nil, ErrProtocolViolation
		}
		if m.OnGround, err = r.Bool(); err != nil {
			return nil, ErrProtocolViolation
		}
		m.HasPos = true
		return m, nil
	case idLookSB:
		var m MoveRequest
		var err error
		if m.Yaw, err = r.Float32(); err != nil {
			return nil, ErrProtocolViolation
		}
		if m.Pitch, err = r.Float32(); err != nil {
			return nil, ErrProtocolViolation
		}
		if m.OnGround, err = r.Bool(); err != nil {
			return nil, ErrProtocolViolation
		}
		m.HasLook = true
		return m, nil
	case idPositionLookSB:
		var m MoveRequest
		var err error
		if m.X, err = r.Float64(); err != nil {
			return nil, ErrProtocolViolation
		}
		if m.Y, err = r.Float64(); err != nil {
			return nil, ErrProtocolViolation
		}
		if m.Z, err = r.Float64(); err != nil {
			return nil, ErrProtocolViolation
		}
		if m.Yaw, err = r.Float32(); err != nil {
			return nil, ErrProtocolViolation
		}
		if m.Pitch, err = r.Float32(); err != nil {
			return nil, ErrProtocolViolation
		}
		if m.OnGround, err = r.Bool(); err != nil {
			return nil, ErrProtocolViolation
		}
		m.HasPos = true
		m.HasLook = true
		return m, nil
	}
	return nil, ErrProtocolViolation
}

// encodeClientbound turns a Play event into a packet payload.
func encodeClientbound(ev Clientbound) []byte {
	w := NewWriter()
	switch p := ev.(type) {
	case KeepAlive:
		w.VarInt(idKeepAliveCB)
		w.VarInt(p.ID)
	case JoinGame:
		w.VarInt(idJoinGame)
		w.Int32(p.EntityID)
		w.Uint8(p.Gamemode)
		w.Uint8(p.ViewDistance)
	case ChatMessage:
		w.VarInt(idChatCB)
		w.String(p.Message)
	case UpdateHealth:
		w.VarInt(idUpdateHealth)
		w.VarInt(p.EntityID)
		w.Float32(p.Health)
	case PlayerPositionAndLook:
		w.VarInt(idPositionLookCB)
		w.Float64(p.X)
		w.Float64(p.Y)
		w.Float64(p.Z)
		w.Float32(p.Yaw)
		w.Float32(p.Pitch)
		w.VarInt(p.TeleportID)
	case SpawnPlayer:
		w.VarInt(idSpawnPlayer)
		w.VarInt(p.EntityID)
		w.UUID(p.UUID)
		w.String(p.Name)
		w.Float64(p.X)
		w.Float64(p.Y)
		w.Float64(p.Z)
		w.Float32(p.Yaw)
		w.Float32(p.Pitch)
	case SpawnEntity:
		w.VarInt(idSpawnEntity)
		w.VarInt(p.EntityID)
		w.VarInt(p.Kind)
		w.Float64(p.X)
		w.Float64(p.Y)
		w.Float64(p.Z)
	case EntityTeleport:
		w.VarInt(idEntityTeleport)
		w.VarInt(p.EntityID)
		w.Float64(p.X)
		w.Float64(p.Y)
		w.Float64(p.Z)
		w.Float32(p.Yaw)
		w.Float32(p.Pitch)
		w.Bool(p.OnGround)
	case DestroyEntities:
		w.VarInt(idDestroyEntities)
		w.VarInt(int32(len(p.EntityIDs)))
		for _, id := range p.EntityIDs {
			w.VarInt(id)
		}
	case ChunkData:
		w.VarInt(idChunkData)
		w.Int32(p.CX)
		w.Int32(p.CZ)
		w.VarInt(p.Height)
		w.VarInt(int32(len(p.Blocks)))
		for _, b := range p.Blocks {
			w.Uint16(b)
		}
	case UnloadChunk:
		w.VarInt(idUnloadChunk)
		w.Int32(p.CX)
		w.Int32(p.CZ)
	case Disconnect:
		w.VarInt(idDisconnect)
		w.String(p.Reason)
	default:
		panic(fmt.Sprintf("protocol: unencodable clientbound event %T", ev))
	}
	return w.Bytes()
}

// EstimateSize approximates the wire size of an event before encoding.
// The reactor uses it for outbound backpressure accounting, so it only
// needs to be close, not exact.
func EstimateSize(ev Clientbound) int {
	switch p := ev.(type) {
	case ChunkData:
		return 16 + 2*len(p.Blocks)
	case DestroyEntities:
		return 4 + 5*len(p.EntityIDs)
	case ChatMessage:
		return 8 + len(p.Message)
	case Disconnect:
		return 8 + len(p.Reason)
	case SpawnPlayer:
		return 48 + len(p.Name)
	case EntityTeleport, PlayerPositionAndLook:
		return 40
	default:
		return 16
	}
}
