// Package physics provides axis-aligned collision volumes, a cell-grid
// entity index for range queries, and displacement clamping against
// solid blocks.
package physics

import "github.com/go-gl/mathgl/mgl64"

// AABB is an axis-aligned box with inclusive Min and exclusive Max.
type AABB struct {
	Min mgl64.Vec3
	Max mgl64.Vec3
}

// PlayerBox is the collision volume for a player standing at pos, where
// pos is the feet-center point.
func PlayerBox(pos mgl64.Vec3) AABB {
	const (
		halfWidth = 0.3
		height    = 1.8
	)
	return AABB{
		Min: mgl64.Vec3{pos.X() - halfWidth, pos.Y(), pos.Z() - halfWidth},
		Max: mgl64.Vec3{pos.X() + halfWidth, pos.Y() + height, pos.Z() + halfWidth},
	}
}

func (b AABB) Translate(d mgl64.Vec3) AABB {
	return AABB{Min: b.Min.Add(d), Max: b.Max.Add(d)}
}

func (b AABB) Intersects(o AABB) bool {
	return b.Min.X() < o.Max.X() && o.Min.X() < b.Max.X() &&
		b.Min.Y() < o.Max.Y() && o.Min.Y() < b.Max.Y() &&
		b.Min.Z() < o.Max.Z() && o.Min.Z() < b.Max.Z()
}

// Extend grows the box to cover a move of d along each axis.
func (b AABB) Extend(d mgl64.Vec3) AABB {
	out := b
	for i := 0; i < 3; i++ {
		if d[i] < 0 {
			out.Min[i] += d[i]
		} else {
			out.Max[i] += d[i]
		}
	}
	return out
}

func blockBox(x, y, z int) AABB {
	return AABB{
		Min: mgl64.Vec3{float64(x), float64(y), float64(z)},
		Max: mgl64.Vec3{float64(x) + 1, float64(y) + 1, float64(z) + 1},
	}
}
