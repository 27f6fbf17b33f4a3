package physics

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
)

// BlockSource answers solidity queries by world block coordinate. ok is
// false when the containing chunk is not loaded; the sweep treats such
// blocks as solid so nothing moves through unloaded terrain.
type BlockSource interface {
	SolidAt(x, y, z int) (solid bool, ok bool)
}

// Hit reports which faces a clamped move ran into.
type Hit struct {
	Ground  bool
	Ceiling bool
	WallX   bool
	WallZ   bool
}

// ClampDisplacement sweeps the box along delta one axis at a time
// (Y first, then X, then Z) and shortens each component at the first
// solid block face. It returns the displacement actually applied.
func ClampDisplacement(src BlockSource, box AABB, delta mgl64.Vec3) (mgl64.Vec3, Hit) {
	var hit Hit

	dy := sweepAxis(src, box, 1, delta.Y())
	if dy != delta.Y() {
		if delta.Y() < 0 {
			hit.Ground = true
		} else {
			hit.Ceiling = true
		}
	}
	box = box.Translate(mgl64.Vec3{0, dy, 0})

	dx := sweepAxis(src, box, 0, delta.X())
	if dx != delta.X() {
		hit.WallX = true
	}
	box = box.Translate(mgl64.Vec3{dx, 0, 0})

	dz := sweepAxis(src, box, 2, delta.Z())
	if dz != delta.Z() {
		hit.WallZ = true
	}

	return mgl64.Vec3{dx, dy, dz}, hit
}

// sweepAxis clamps a single-axis move of d against every solid block the
// swept volume covers.
func sweepAxis(src BlockSource, box AABB, axis int, d float64) float64 {
	if d == 0 {
		return 0
	}
	swept := box
	if d < 0 {
		swept.Min[axis] += d
	} else {
		swept.Max[axis] += d
	}

	x0, x1 := blockRange(swept.Min.X(), swept.Max.X())
	y0, y1 := blockRange(swept.Min.Y(), swept.Max.Y())
	z0, z1 := blockRange(swept.Min.Z(), swept.Max.Z())

	for x := x0; x <= x1; x++ {
		for y := y0; y <= y1; y++ {
			for z := z0; z <= z1; z++ {
				solid, ok := src.SolidAt(x, y, z)
				if ok && !solid {
					continue
				}
				d = clampAgainst(box, blockBox(x, y, z), axis, d)
			}
		}
	}
	return d
}

// blockRange converts a continuous extent to the inclusive integer block
// coordinates it covers. Max is exclusive, so a box ending exactly on a
// block boundary does not touch the next block.
func blockRange(lo, hi float64) (int, int) {
	a := int(math.Floor(lo))
	b := int(math.Ceil(hi)) - 1
	if b < a {
		b = a
	}
	return a, b
}

// clampAgainst shortens a single-axis move of d so box does not enter
// obstacle, assuming the two already overlap on the other two axes.
func clampAgainst(box, obstacle AABB, axis int, d float64) float64 {
	for i := 0; i < 3; i++ {
		if i == axis {
			continue
		}
		if box.Min[i] >= obstacle.Max[i] || obstacle.Min[i] >= box.Max[i] {
			return d
		}
	}
	if d > 0 && box.Max[axis] <= obstacle.Min[axis] {
		if room := obstacle.Min[axis] - box.Max[axis]; room < d {
			d = room
		}
	} else if d < 0 && box.Min[axis] >= obstacle.Max[axis] {
		if room := obstacle.Max[axis] - box.Min[axis]; room > d {
			d = room
		}
	}
	return d
}
