package game

import (
	"sort"

	"github.com/google/uuid"

	"basalt/internal/ecs"
	"basalt/internal/protocol"
	"basalt/internal/world"
)

// changedPositions collects the entities whose position storage entry
// was modified this tick, from the storage's change log.
func (g *Game) changedPositions() map[ecs.Entity]bool {
	changed := make(map[ecs.Entity]bool)
	for _, c := range g.positions.Changes() {
		if c.Op == ecs.OpModify {
			changed[c.Entity] = true
		}
	}
	return changed
}

// updateView reconciles one player's streamed state with what their view
// radius now covers. Send order per tick is: chunk enters, entity
// enters, entity updates, then leaves, so a client never receives an
// update for something it has not been shown and always hears about
// things that left.
func (g *Game) updateView(p *player, changed map[ecs.Entity]bool) {
	pos, ok := g.positions.Get(p.entity)
	if !ok {
		return
	}

	desiredChunks := g.desiredChunks(pos)
	for _, cp := range enteringChunks(desiredChunks, p.chunks) {
		c := g.chunks.Retain(cp)
		p.chunks[cp] = struct{}{}
		// Copy: the writer goroutine encodes after this tick returns.
		blocks := make([]uint16, len(c.Blocks()))
		copy(blocks, c.Blocks())
		_ = p.client.Send(protocol.ChunkData{
			CX:     cp.X,
			CZ:     cp.Z,
			Height: int32(c.Height()),
			Blocks: blocks,
		})
	}

	desired := g.desiredEntities(p)
	var enters []ecs.Entity
	for e := range desired {
		if _, seen := p.visible[e]; !seen {
			enters = append(enters, e)
		}
	}
	sort.Slice(enters, func(i, j int) bool { return enters[i] < enters[j] })
	for _, e := range enters {
		other := g.byEntity[e]
		opos, ok := g.positions.Get(e)
		if other == nil || !ok {
			continue
		}
		p.visible[e] = struct{}{}
		_ = p.client.Send(protocol.SpawnPlayer{
			EntityID: int32(e),
			UUID:     mustUUID(other.id),
			Name:     other.name,
			X:        opos.Pos.X(),
			Y:        opos.Pos.Y(),
			Z:        opos.Pos.Z(),
			Yaw:      opos.Yaw,
			Pitch:    opos.Pitch,
		})
	}

	var updates []ecs.Entity
	for e := range p.visible {
		if _, stillNew := desired[e]; !stillNew {
			continue
		}
		if changed[e] && !containsEntity(enters, e) {
			updates = append(updates, e)
		}
	}
	sort.Slice(updates, func(i, j int) bool { return updates[i] < updates[j] })
	for _, e := range updates {
		opos, ok := g.positions.Get(e)
		if !ok {
			continue
		}
		_ = p.client.Send(protocol.EntityTeleport{
			EntityID: int32(e),
			X:        opos.Pos.X(),
			Y:        opos.Pos.Y(),
			Z:        opos.Pos.Z(),
			Yaw:      opos.Yaw,
			Pitch:    opos.Pitch,
			OnGround: opos.OnGround,
		})
	}

	var gone []int32
	for e := range p.visible {
		if _, still := desired[e]; still {
			continue
		}
		delete(p.visible, e)
		gone = append(gone, int32(e))
	}
	if len(gone) > 0 {
		sort.Slice(gone, func(i, j int) bool { return gone[i] < gone[j] })
		_ = p.client.Send(protocol.DestroyEntities{EntityIDs: gone})
	}

	for cp := range p.chunks {
		if _, still := desiredChunks[cp]; still {
			continue
		}
		delete(p.chunks, cp)
		g.chunks.Release(cp)
		_ = p.client.Send(protocol.UnloadChunk{CX: cp.X, CZ: cp.Z})
	}

	healthChanged := changedHealthSet(g.healths.Changes())
	if healthChanged[p.entity] {
		hp, _ := g.healths.Get(p.entity)
		_ = p.client.Send(protocol.UpdateHealth{EntityID: int32(p.entity), Health: hp.HP})
	}
	var healthUpdates []ecs.Entity
	for e := range p.visible {
		if healthChanged[e] {
			healthUpdates = append(healthUpdates, e)
		}
	}
	sort.Slice(healthUpdates, func(i, j int) bool { return healthUpdates[i] < healthUpdates[j] })
	for _, e := range healthUpdates {
		hp, ok := g.healths.Get(e)
		if !ok {
			continue
		}
		_ = p.client.Send(protocol.UpdateHealth{EntityID: int32(e), Health: hp.HP})
	}
}

// desiredChunks is the square of chunks within the view distance of the
// player's position, by Chebyshev metric on chunk coordinates.
func (g *Game) desiredChunks(pos Position) map[world.Pos]struct{} {
	center := world.At(floorInt(pos.Pos.X()), floorInt(pos.Pos.Z()))
	r := int32(g.cfg.ViewDistanceChunks)
	out := make(map[world.Pos]struct{}, (2*r+1)*(2*r+1))
	for cx := center.X - r; cx <= center.X+r; cx++ {
		for cz := center.Z - r; cz <= center.Z+r; cz++ {
			out[world.Pos{X: cx, Z: cz}] = struct{}{}
		}
	}
	return out
}

// enteringChunks returns desired-but-unstreamed chunks ordered by
// coordinates so the stream order is deterministic.
func enteringChunks(desired map[world.Pos]struct{}, have map[world.Pos]struct{}) []world.Pos {
	var out []world.Pos
	for cp := range desired {
		if _, ok := have[cp]; !ok {
			out = append(out, cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].X != out[j].X {
			return out[i].X < out[j].X
		}
		return out[i].Z < out[j].Z
	})
	return out
}

// desiredEntities is the set of other players within the entity view
// radius, found through the collision index.
func (g *Game) desiredEntities(p *player) map[ecs.Entity]struct{} {
	pos, ok := g.positions.Get(p.entity)
	if !ok {
		return nil
	}
	out := make(map[ecs.Entity]struct{})
	for _, e := range g.index.Nearby(pos.Pos, g.cfg.EntityViewRadius) {
		if e == p.entity {
			continue
		}
		if _, isPlayer := g.byEntity[e]; !isPlayer {
			continue
		}
		out[e] = struct{}{}
	}
	return out
}

func changedHealthSet(changes []ecs.Change) map[ecs.Entity]bool {
	out := make(map[ecs.Entity]bool)
	for _, c := range changes {
		if c.Op == ecs.OpModify {
			out[c.Entity] = true
		}
	}
	return out
}

func containsEntity(xs []ecs.Entity, e ecs.Entity) bool {
	for _, x := range xs {
		if x == e {
			return true
		}
	}
	return false
}

func mustUUID(s string) uuid.UUID {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.UUID{}
	}
	return id
}

func floorInt(v float64) int {
	i := int(v)
	if v < 0 && float64(i) != v {
		i--
	}
	return i
}
