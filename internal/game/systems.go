package game

import (
	"fmt"

	"github.com/go-gl/mathgl/mgl64"

	"basalt/internal/ecs"
	"basalt/internal/physics"
	"basalt/internal/protocol"
)

// systemMovement validates each player's claimed move against the speed
// cap and the collision sweep, applies the resolved pose, and sends a
// correction whenever the result differs from the claim.
func (g *Game) systemMovement(w *ecs.World) {
	src := blockSource{chunks: g.chunks, tables: g.tables}
	for _, p := range g.playersInOrder() {
		if p.pendingMove == nil {
			continue
		}
		m := *p.pendingMove
		p.pendingMove = nil
		g.moveCount++

		cur, ok := g.positions.Get(p.entity)
		if !ok {
			continue
		}
		next := cur
		if m.HasLook {
			next.Yaw, next.Pitch = m.Yaw, m.Pitch
		}
		if m.HasPos {
			want := mgl64.Vec3{m.X, m.Y, m.Z}
			delta := want.Sub(cur.Pos)
			if delta.Len() > g.cfg.MaxMovePerTick {
				g.audit("move_rejected", p, fmt.Sprintf("delta=%.2f cap=%.2f", delta.Len(), g.cfg.MaxMovePerTick))
				g.sendCorrection(p, next)
			} else {
				applied, hit := physics.ClampDisplacement(src, physics.PlayerBox(cur.Pos), delta)
				next.Pos = cur.Pos.Add(applied)
				next.OnGround = m.OnGround || hit.Ground
				if applied.Sub(delta).Len() > g.cfg.MoveTolerance {
					g.audit("move_clamped", p, fmt.Sprintf("want=%v applied=%v", delta, applied))
					g.sendCorrection(p, next)
				}
			}
		}
		if next != cur {
			g.positions.Set(p.entity, next)
			g.index.Upsert(p.entity, physics.PlayerBox(next.Pos))
		}
	}
}

// regenEveryTicks is how often passive healing adds one point.
const regenEveryTicks = 80

func (g *Game) systemRegen(w *ecs.World) {
	if w.Tick() == 0 || w.Tick()%regenEveryTicks != 0 {
		return
	}
	for _, e := range g.healths.Entities() {
		hp, _ := g.healths.Get(e)
		if hp.HP <= 0 || hp.HP >= maxHP {
			continue
		}
		hp.HP++
		if hp.HP > maxHP {
			hp.HP = maxHP
		}
		g.healths.Set(e, hp)
	}
}

// systemKeepAlive pings idle sessions and kicks the ones that stopped
// answering.
func (g *Game) systemKeepAlive(w *ecs.World) {
	now := w.Tick()
	for _, p := range g.playersInOrder() {
		if p.kicked {
			continue
		}
		if p.awaitingKeepAlive {
			if now-p.keepAliveSentAt >= uint64(g.cfg.KeepAliveTimeoutTicks) {
				p.kicked = true
				g.audit("timeout", p, fmt.Sprintf("last_seen=%d", p.lastSeen))
				p.client.Kick(protocol.CodeTimeout, "keep-alive timeout")
			}
			continue
		}
		if now-p.keepAliveSentAt >= uint64(g.cfg.KeepAliveEveryTicks) {
			p.keepAliveID = int32(now)
			p.keepAliveSentAt = now
			p.awaitingKeepAlive = true
			_ = p.client.Send(protocol.KeepAlive{ID: p.keepAliveID})
		}
	}
}
