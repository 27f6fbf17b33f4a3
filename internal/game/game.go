package game

import (
	"context"
	"log"
	"sort"
	"sync/atomic"
	"time"

	"github.com/go-gl/mathgl/mgl64"

	"basalt/internal/config"
	"basalt/internal/content"
	"basalt/internal/ecs"
	"basalt/internal/persistence/snapshot"
	"basalt/internal/physics"
	"basalt/internal/protocol"
	"basalt/internal/world"
)

// player is the loop-side state of one connected session.
type player struct {
	conn    ConnID
	entity  ecs.Entity
	id      string
	name    string
	client  Client
	kicked  bool

	chunks  map[world.Pos]struct{}
	visible map[ecs.Entity]struct{}

	pendingMove *protocol.MoveRequest

	awaitingKeepAlive bool
	keepAliveID       int32
	keepAliveSentAt   uint64
	lastSeen          uint64

	nextTeleport int32
}

type chatMsg struct {
	from *player
	text string
}

type Game struct {
	cfg    config.Config
	logger *log.Logger
	tables *content.Tables

	w         *ecs.World
	sched     *ecs.Schedule
	positions *ecs.Storage[Position]
	healths   *ecs.Storage[Health]

	chunks *world.Store
	index  *physics.Index

	players  map[ConnID]*player
	byEntity map[ecs.Entity]*player

	pendingChats []chatMsg
	moveCount    int

	inbox   chan InboundEnvelope
	join    chan JoinRequest
	leave   chan LeaveRequest
	snapReq chan chan uint64
	stop    chan struct{}

	// Pending on-demand snapshot requests, drained by the loop goroutine.
	snapWaiters []chan uint64

	metrics atomic.Value

	tickLogger   TickLogger
	auditLogger  AuditLogger
	snapshotSink chan<- snapshot.SnapshotV1

	// Offline players remembered from the last snapshot, keyed by
	// profile id, so a returning player resumes where they left.
	restored map[string]snapshot.PlayerV1
}

// Option configures optional collaborators on a Game.
type Option func(*Game)

func WithTickLogger(l TickLogger) Option   { return func(g *Game) { g.tickLogger = l } }
func WithAuditLogger(l AuditLogger) Option { return func(g *Game) { g.auditLogger = l } }
func WithSnapshotSink(ch chan<- snapshot.SnapshotV1) Option {
	return func(g *Game) { g.snapshotSink = ch }
}
func WithGenerator(gen world.Generator) Option {
	return func(g *Game) { g.chunks = world.NewStore(gen) }
}

func New(cfg config.Config, logger *log.Logger, tables *content.Tables, opts ...Option) *Game {
	w := ecs.NewWorld()
	g := &Game{
		cfg:       cfg,
		logger:    logger,
		tables:    tables,
		w:         w,
		positions: ecs.NewStorage[Position](w, "position"),
		healths:   ecs.NewStorage[Health](w, "health"),
		chunks: world.NewStore(world.FlatGenerator{
			Height:      cfg.WorldHeight,
			FloorHeight: 64,
			Floor:       1,
		}),
		index:    physics.NewIndex(),
		players:  make(map[ConnID]*player),
		byEntity: make(map[ecs.Entity]*player),
		inbox: make(chan InboundEnvelope, 4096),
		join:  make(chan JoinRequest, 64),
		// Every admitted player owes at most one leave, so sizing from
		// MaxPlayers keeps teardown sends non-blocking even when the
		// loop itself kicks a full house mid-tick.
		leave:   make(chan LeaveRequest, max(256, cfg.MaxPlayers)),
		snapReq: make(chan chan uint64, 8),
		stop:     make(chan struct{}),
		restored: make(map[string]snapshot.PlayerV1),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.sched = ecs.NewSchedule(
		ecs.System{
			Name:   "movement",
			Reads:  []string{"chunks"},
			Writes: []string{"position", "players"},
			Run:    g.systemMovement,
		},
		ecs.System{
			Name:   "regen",
			Writes: []string{"health"},
			Run:    g.systemRegen,
		},
		ecs.System{
			Name:   "keepalive",
			Writes: []string{"players"},
			Run:    g.systemKeepAlive,
		},
	)
	g.metrics.Store(Metrics{})
	return g
}

// Channel accessors used by the network layer. Senders must treat a
// blocked channel as backpressure, not buffer internally.

func (g *Game) Inbox() chan<- InboundEnvelope { return g.inbox }
func (g *Game) JoinQueue() chan<- JoinRequest { return g.join }
func (g *Game) LeaveQueue() chan<- LeaveRequest { return g.leave }

func (g *Game) Metrics() Metrics { return g.metrics.Load().(Metrics) }

// RequestSnapshot asks the loop to export a snapshot on its next tick and
// returns the tick it was taken at. A snapshot sink must be configured.
func (g *Game) RequestSnapshot(ctx context.Context) (uint64, error) {
	done := make(chan uint64, 1)
	select {
	case g.snapReq <- done:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	select {
	case tick := <-done:
		return tick, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Run drives the fixed-rate tick loop until ctx is cancelled or Stop is
// called. If a step overruns its slot the next tick fires immediately;
// the schedule is not stretched.
func (g *Game) Run(ctx context.Context) error {
	defer g.sched.Close()

	interval := time.Second / time.Duration(g.cfg.TickRateHz)
	timer := time.NewTimer(interval)
	defer timer.Stop()
	next := time.Now().Add(interval)

	var pendingInbox []InboundEnvelope
	var pendingJoins []JoinRequest
	var pendingLeaves []LeaveRequest

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-g.stop:
			return nil
		case req := <-g.join:
			pendingJoins = append(pendingJoins, req)
		case req := <-g.leave:
			pendingLeaves = append(pendingLeaves, req)
		case env := <-g.inbox:
			pendingInbox = append(pendingInbox, env)
		case done := <-g.snapReq:
			g.snapWaiters = append(g.snapWaiters, done)
		case <-timer.C:
			g.step(pendingJoins, pendingLeaves, pendingInbox)
			pendingJoins = pendingJoins[:0]
			pendingLeaves = pendingLeaves[:0]
			pendingInbox = pendingInbox[:0]

			next = next.Add(interval)
			wait := time.Until(next)
			if wait < 0 {
				g.logger.Printf("tick %d overran by %v", g.w.Tick()-1, -wait)
				next = time.Now()
				wait = 0
			}
			timer.Reset(wait)
		}
	}
}

func (g *Game) Stop() { close(g.stop) }

// StepOnce advances the simulation by exactly one tick with the same
// ordering as Run. Tests drive the loop through it.
func (g *Game) StepOnce(joins []JoinRequest, leaves []LeaveRequest, inbox []InboundEnvelope) uint64 {
	tick := g.w.Tick()
	g.step(joins, leaves, inbox)
	return tick
}

// playersInOrder returns players sorted by connection id so every pass
// over them is deterministic.
func (g *Game) playersInOrder() []*player {
	out := make([]*player, 0, len(g.players))
	for _, p := range g.players {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].conn < out[j].conn })
	return out
}

func (g *Game) audit(typ string, p *player, detail string) {
	if g.auditLogger == nil {
		return
	}
	name := ""
	if p != nil {
		name = p.name
	}
	_ = g.auditLogger.WriteAudit(AuditEntry{
		Tick:   g.w.Tick(),
		Type:   typ,
		Player: name,
		Detail: detail,
	})
}

// blockSource adapts the chunk store and content tables to the collision
// sweep. Blocks in unloaded chunks read as not-ok, which the sweep
// treats as impassable.
type blockSource struct {
	chunks *world.Store
	tables *content.Tables
}

func (s blockSource) SolidAt(x, y, z int) (bool, bool) {
	id, ok := s.chunks.BlockAt(x, y, z)
	if !ok {
		return false, false
	}
	return s.tables.Solid(id), true
}

// spawnPosition finds the first air block above the terrain at the world
// origin.
func (g *Game) spawnPosition() mgl64.Vec3 {
	c := g.chunks.Obtain(world.Pos{X: 0, Z: 0})
	y := c.Height() - 1
	for ; y >= 0; y-- {
		if g.tables.Solid(c.Block(0, y, 0)) {
			break
		}
	}
	return mgl64.Vec3{0.5, float64(y + 1), 0.5}
}

// ExportSnapshot captures the full persistent state at the current tick.
func (g *Game) ExportSnapshot(tick uint64) snapshot.SnapshotV1 {
	snap := snapshot.SnapshotV1{
		Header:     snapshot.Header{Version: 1, Tick: tick},
		TickRate:   g.cfg.TickRateHz,
		Height:     g.cfg.WorldHeight,
		NextEntity: g.w.NextEntity(),
	}
	g.chunks.Each(func(c *world.Chunk) {
		blocks := make([]uint16, len(c.Blocks()))
		copy(blocks, c.Blocks())
		snap.Chunks = append(snap.Chunks, snapshot.ChunkV1{
			CX:     c.Pos().X,
			CZ:     c.Pos().Z,
			Height: c.Height(),
			Blocks: blocks,
		})
	})
	sort.Slice(snap.Chunks, func(i, j int) bool {
		a, b := snap.Chunks[i], snap.Chunks[j]
		if a.CX != b.CX {
			return a.CX < b.CX
		}
		return a.CZ < b.CZ
	})
	for _, p := range g.playersInOrder() {
		pos, _ := g.positions.Get(p.entity)
		hp, _ := g.healths.Get(p.entity)
		snap.Players = append(snap.Players, snapshot.PlayerV1{
			ID:     p.id,
			Name:   p.name,
			X:      pos.Pos.X(),
			Y:      pos.Pos.Y(),
			Z:      pos.Pos.Z(),
			Yaw:    pos.Yaw,
			Pitch:  pos.Pitch,
			Health: hp.HP,
		})
	}
	for _, rec := range g.restored {
		snap.Players = append(snap.Players, rec)
	}
	return snap
}

// RestoreSnapshot loads chunks and remembered player records. Call it
// before Run, while no players are connected.
func (g *Game) RestoreSnapshot(snap snapshot.SnapshotV1) {
	for _, c := range snap.Chunks {
		ch := world.NewChunk(world.Pos{X: c.CX, Z: c.CZ}, c.Height)
		ch.SetBlocks(c.Blocks)
		g.chunks.Restore(ch)
		g.chunks.SetResident(world.Pos{X: c.CX, Z: c.CZ}, true)
	}
	for _, p := range snap.Players {
		g.restored[p.ID] = p
	}
	g.w.SetNextEntity(snap.NextEntity)
	g.logger.Printf("restored snapshot: tick=%d chunks=%d players=%d", snap.Header.Tick, len(snap.Chunks), len(snap.Players))
}
