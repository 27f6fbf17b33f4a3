// Package game is the single-threaded authoritative simulation. All
// world state is owned by the loop goroutine; the network layer talks to
// it exclusively through the Inbox, Join and Leave channels, and the loop
// talks back through each player's Client.
package game

import (
	"github.com/go-gl/mathgl/mgl64"

	"basalt/internal/auth"
	"basalt/internal/protocol"
)

// ConnID identifies one network connection for the lifetime of the
// process. The reactor allocates them; the simulation treats them as
// opaque.
type ConnID uint64

// Client is the simulation's handle to one connected player. Both
// methods must be safe to call from any system goroutine and must never
// block on the peer.
type Client interface {
	Send(ev protocol.Clientbound) error
	Kick(code, reason string)
}

type JoinRequest struct {
	Conn    ConnID
	Profile auth.Profile
	Client  Client
}

type LeaveRequest struct {
	Conn   ConnID
	Reason string
}

// InboundEnvelope carries one decoded Play packet from the reactor to
// the loop, tagged with the session it came from.
type InboundEnvelope struct {
	Conn  ConnID
	Event protocol.Serverbound
}

// Position is the authoritative pose component.
type Position struct {
	Pos      mgl64.Vec3
	Yaw      float32
	Pitch    float32
	OnGround bool
}

// Health is the player vitals component.
type Health struct {
	HP float32
}

const maxHP = 20

// RecordedJoin and the entry types below feed the persistence layer.

type RecordedJoin struct {
	Conn   ConnID `json:"conn"`
	Player string `json:"player"`
	Name   string `json:"name"`
}

type TickLogEntry struct {
	Tick    uint64         `json:"tick"`
	Joins   []RecordedJoin `json:"joins,omitempty"`
	Leaves  []string       `json:"leaves,omitempty"`
	Moves   int            `json:"moves"`
	Chats   int            `json:"chats"`
	Players int            `json:"players"`
	StepMS  float64        `json:"step_ms"`
}

type AuditEntry struct {
	Tick   uint64 `json:"tick"`
	Type   string `json:"type"`
	Player string `json:"player"`
	Detail string `json:"detail,omitempty"`
}

// TickLogger and AuditLogger are implemented in internal/persistence.
// Either may be nil on a Game.
type TickLogger interface {
	WriteTick(TickLogEntry) error
}

type AuditLogger interface {
	WriteAudit(AuditEntry) error
}

type QueueDepths struct {
	Inbox int `json:"inbox"`
	Join  int `json:"join"`
	Leave int `json:"leave"`
}

// Metrics is a point-in-time view published after every tick; safe to
// read from any goroutine via Game.Metrics.
type Metrics struct {
	Tick         uint64      `json:"tick"`
	Players      int         `json:"players"`
	LoadedChunks int         `json:"loaded_chunks"`
	Entities     int         `json:"entities"`
	StepMS       float64     `json:"step_ms"`
	QueueDepths  QueueDepths `json:"queue_depths"`
}
