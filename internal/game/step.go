package game

import (
	"fmt"
	"time"

	"basalt/internal/ecs"
	"basalt/internal/persistence/snapshot"
	"basalt/internal/physics"
	"basalt/internal/protocol"
	"basalt/internal/world"
)

// step advances the world one tick: leaves and joins first, then inbound
// events in receive order, then the system schedule, then view diffs and
// chat, and finally persistence and metrics.
func (g *Game) step(joins []JoinRequest, leaves []LeaveRequest, inbox []InboundEnvelope) {
	stepStart := time.Now()
	now := g.w.Tick()

	recordedLeaves := make([]string, 0, len(leaves))
	for _, req := range leaves {
		if name, ok := g.applyLeave(req); ok {
			recordedLeaves = append(recordedLeaves, name)
		}
	}

	recordedJoins := make([]RecordedJoin, 0, len(joins))
	for _, req := range joins {
		if rec, ok := g.applyJoin(req); ok {
			recordedJoins = append(recordedJoins, rec)
		}
	}

	g.moveCount = 0
	g.pendingChats = g.pendingChats[:0]
	for _, env := range inbox {
		g.applyInbound(env, now)
	}

	g.sched.Run(g.w)

	changed := g.changedPositions()
	for _, p := range g.playersInOrder() {
		g.updateView(p, changed)
	}
	g.deliverChat()
	g.sweepChunks()

	stepMS := float64(time.Since(stepStart).Microseconds()) / 1000.0

	if g.tickLogger != nil {
		_ = g.tickLogger.WriteTick(TickLogEntry{
			Tick:    now,
			Joins:   recordedJoins,
			Leaves:  recordedLeaves,
			Moves:   g.moveCount,
			Chats:   len(g.pendingChats),
			Players: len(g.players),
			StepMS:  stepMS,
		})
	}

	scheduled := now != 0 && g.cfg.SnapshotEveryTicks > 0 &&
		now%uint64(g.cfg.SnapshotEveryTicks) == 0
	if g.snapshotSink != nil && (scheduled || len(g.snapWaiters) > 0) {
		select {
		case g.snapshotSink <- g.ExportSnapshot(now):
		default:
			// Drop the snapshot if the sink is backed up.
		}
	}
	for _, done := range g.snapWaiters {
		done <- now
	}
	g.snapWaiters = g.snapWaiters[:0]

	g.w.EndTick()

	g.metrics.Store(Metrics{
		Tick:         g.w.Tick(),
		Players:      len(g.players),
		LoadedChunks: g.chunks.Len(),
		Entities:     g.index.Len(),
		StepMS:       stepMS,
		QueueDepths: QueueDepths{
			Inbox: len(g.inbox),
			Join:  len(g.join),
			Leave: len(g.leave),
		},
	})
}

func (g *Game) applyJoin(req JoinRequest) (RecordedJoin, bool) {
	if req.Client == nil {
		return RecordedJoin{}, false
	}
	if _, dup := g.players[req.Conn]; dup {
		return RecordedJoin{}, false
	}

	pos := Position{Pos: g.spawnPosition(), OnGround: true}
	hp := Health{HP: maxHP}
	if rec, ok := g.restored[req.Profile.ID.String()]; ok {
		pos.Pos[0], pos.Pos[1], pos.Pos[2] = rec.X, rec.Y, rec.Z
		pos.Yaw, pos.Pitch = rec.Yaw, rec.Pitch
		hp.HP = rec.Health
		delete(g.restored, req.Profile.ID.String())
	}

	e := g.w.Spawn()
	g.positions.Set(e, pos)
	g.healths.Set(e, hp)
	g.index.Upsert(e, physics.PlayerBox(pos.Pos))

	p := &player{
		conn:     req.Conn,
		entity:   e,
		id:       req.Profile.ID.String(),
		name:     req.Profile.Name,
		client:   req.Client,
		chunks:   make(map[world.Pos]struct{}),
		visible:  make(map[ecs.Entity]struct{}),
		lastSeen: g.w.Tick(),
	}
	g.players[req.Conn] = p
	g.byEntity[e] = p

	_ = p.client.Send(protocol.JoinGame{
		EntityID:     int32(e),
		Gamemode:     0,
		ViewDistance: uint8(g.cfg.ViewDistanceChunks),
	})
	g.sendCorrection(p, pos)
	_ = p.client.Send(protocol.UpdateHealth{EntityID: int32(e), Health: hp.HP})

	g.audit("join", p, fmt.Sprintf("entity=%d", e))
	g.logger.Printf("player %s joined (conn=%d entity=%d)", p.name, p.conn, e)
	return RecordedJoin{Conn: p.conn, Player: p.id, Name: p.name}, true
}

func (g *Game) applyLeave(req LeaveRequest) (string, bool) {
	p, ok := g.players[req.Conn]
	if !ok {
		return "", false
	}
	delete(g.players, req.Conn)
	delete(g.byEntity, p.entity)

	// Remember the player so a reconnect resumes in place.
	pos, _ := g.positions.Get(p.entity)
	hp, _ := g.healths.Get(p.entity)
	g.restored[p.id] = snapshotPlayer(p, pos, hp)

	g.index.Remove(p.entity)
	g.w.Despawn(p.entity)
	for cp := range p.chunks {
		g.chunks.Release(cp)
	}

	g.audit("leave", p, req.Reason)
	g.logger.Printf("player %s left (conn=%d reason=%s)", p.name, p.conn, req.Reason)
	return p.name, true
}

func snapshotPlayer(p *player, pos Position, hp Health) snapshot.PlayerV1 {
	return snapshot.PlayerV1{
		ID:     p.id,
		Name:   p.name,
		X:      pos.Pos.X(),
		Y:      pos.Pos.Y(),
		Z:      pos.Pos.Z(),
		Yaw:    pos.Yaw,
		Pitch:  pos.Pitch,
		Health: hp.HP,
	}
}

func (g *Game) applyInbound(env InboundEnvelope, now uint64) {
	p, ok := g.players[env.Conn]
	if !ok {
		return
	}
	switch ev := env.Event.(type) {
	case protocol.MoveRequest:
		// Coalesce to the freshest intent; intermediate positions
		// within one tick carry no information.
		if p.pendingMove != nil {
			merged := mergeMove(*p.pendingMove, ev)
			p.pendingMove = &merged
		} else {
			p.pendingMove = &ev
		}
		p.lastSeen = now
	case protocol.ChatRequest:
		if ev.Message == "" || len(ev.Message) > 256 {
			return
		}
		g.pendingChats = append(g.pendingChats, chatMsg{from: p, text: ev.Message})
		p.lastSeen = now
	case protocol.KeepAliveReply:
		if p.awaitingKeepAlive && ev.ID == p.keepAliveID {
			p.awaitingKeepAlive = false
			p.lastSeen = now
		}
	}
}

func mergeMove(old, next protocol.MoveRequest) protocol.MoveRequest {
	out := next
	if !next.HasPos && old.HasPos {
		out.X, out.Y, out.Z = old.X, old.Y, old.Z
		out.HasPos = true
	}
	if !next.HasLook && old.HasLook {
		out.Yaw, out.Pitch = old.Yaw, old.Pitch
		out.HasLook = true
	}
	return out
}

func (g *Game) deliverChat() {
	for _, msg := range g.pendingChats {
		from, _ := g.positions.Get(msg.from.entity)
		line := fmt.Sprintf("<%s> %s", msg.from.name, msg.text)
		for _, p := range g.playersInOrder() {
			if g.cfg.ChatRadius > 0 {
				to, ok := g.positions.Get(p.entity)
				if !ok || to.Pos.Sub(from.Pos).Len() > g.cfg.ChatRadius {
					continue
				}
			}
			_ = p.client.Send(protocol.ChatMessage{Message: line})
		}
		g.audit("chat", msg.from, msg.text)
	}
}

// sweepChunks unloads chunks nobody views anymore, persisting nothing:
// evicted chunks re-generate deterministically, and edited ones were
// already captured by the periodic snapshot.
func (g *Game) sweepChunks() {
	g.chunks.Sweep()
}

func (g *Game) sendCorrection(p *player, pos Position) {
	p.nextTeleport++
	_ = p.client.Send(protocol.PlayerPositionAndLook{
		X:          pos.Pos.X(),
		Y:          pos.Pos.Y(),
		Z:          pos.Pos.Z(),
		Yaw:        pos.Yaw,
		Pitch:      pos.Pitch,
		TeleportID: p.nextTeleport,
	})
}
