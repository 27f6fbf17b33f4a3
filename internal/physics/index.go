package physics

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"

	"basalt/internal/ecs"
)

// indexCellSize is the edge length of one grid cell in blocks. Player
// boxes are well under a cell, so a query touches at most a handful of
// cells.
const indexCellSize = 8.0

type indexCell struct {
	x, z int
}

type indexEntry struct {
	box   AABB
	cells []indexCell
}

// Index buckets entity boxes into a sparse 2D cell grid over the X/Z
// plane so range queries only scan nearby entries instead of every
// entity in the world.
type Index struct {
	cells   map[indexCell]map[ecs.Entity]struct{}
	entries map[ecs.Entity]indexEntry
}

func NewIndex() *Index {
	return &Index{
		cells:   make(map[indexCell]map[ecs.Entity]struct{}),
		entries: make(map[ecs.Entity]indexEntry),
	}
}

func (idx *Index) Len() int { return len(idx.entries) }

func cellAt(x, z float64) indexCell {
	return indexCell{
		x: int(math.Floor(x / indexCellSize)),
		z: int(math.Floor(z / indexCellSize)),
	}
}

func cellsFor(box AABB) []indexCell {
	lo := cellAt(box.Min.X(), box.Min.Z())
	hi := cellAt(box.Max.X(), box.Max.Z())
	cells := make([]indexCell, 0, (hi.x-lo.x+1)*(hi.z-lo.z+1))
	for cx := lo.x; cx <= hi.x; cx++ {
		for cz := lo.z; cz <= hi.z; cz++ {
			cells = append(cells, indexCell{cx, cz})
		}
	}
	return cells
}

// Upsert records the entity's current box, moving it between cells as
// needed.
func (idx *Index) Upsert(e ecs.Entity, box AABB) {
	if prev, ok := idx.entries[e]; ok {
		idx.detach(e, prev.cells)
	}
	cells := cellsFor(box)
	for _, c := range cells {
		bucket := idx.cells[c]
		if bucket == nil {
			bucket = make(map[ecs.Entity]struct{})
			idx.cells[c] = bucket
		}
		bucket[e] = struct{}{}
	}
	idx.entries[e] = indexEntry{box: box, cells: cells}
}

// Remove drops the entity from the index. Removing an unknown entity is
// a no-op.
func (idx *Index) Remove(e ecs.Entity) {
	entry, ok := idx.entries[e]
	if !ok {
		return
	}
	idx.detach(e, entry.cells)
	delete(idx.entries, e)
}

func (idx *Index) detach(e ecs.Entity, cells []indexCell) {
	for _, c := range cells {
		bucket := idx.cells[c]
		delete(bucket, e)
		if len(bucket) == 0 {
			delete(idx.cells, c)
		}
	}
}

// Query returns every indexed entity whose box intersects the given
// region, in unspecified order.
func (idx *Index) Query(region AABB) []ecs.Entity {
	lo := cellAt(region.Min.X(), region.Min.Z())
	hi := cellAt(region.Max.X(), region.Max.Z())
	seen := make(map[ecs.Entity]struct{})
	var out []ecs.Entity
	for cx := lo.x; cx <= hi.x; cx++ {
		for cz := lo.z; cz <= hi.z; cz++ {
			for e := range idx.cells[indexCell{cx, cz}] {
				if _, dup := seen[e]; dup {
					continue
				}
				seen[e] = struct{}{}
				if idx.entries[e].box.Intersects(region) {
					out = append(out, e)
				}
			}
		}
	}
	return out
}

// Nearby returns entities whose box intersects a cube of the given
// half-extent centered on p.
func (idx *Index) Nearby(p mgl64.Vec3, radius float64) []ecs.Entity {
	r := mgl64.Vec3{radius, radius, radius}
	return idx.Query(AABB{Min: p.Sub(r), Max: p.Add(r)})
}
