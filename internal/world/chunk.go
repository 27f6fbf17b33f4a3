// Package world holds block storage: fixed-size chunk columns keyed by
// chunk coordinate, loaded while any player's view radius covers them or
// the simulation keeps them resident.
package world

// Size is the chunk edge length in blocks on the X and Z axes.
const Size = 16

// BlockAir is the id content tables reserve for empty space.
const BlockAir uint16 = 0

// Pos is a chunk coordinate.
type Pos struct {
	X, Z int32
}

// At returns the chunk coordinate containing the given block column.
func At(bx, bz int) Pos {
	return Pos{X: int32(bx >> 4), Z: int32(bz >> 4)}
}

// Chunk is one column of block data. Local coordinates are x, z in
// [0, Size) and y in [0, height).
type Chunk struct {
	pos    Pos
	height int
	blocks []uint16

	viewers  int
	resident bool
}

func NewChunk(pos Pos, height int) *Chunk {
	return &Chunk{pos: pos, height: height, blocks: make([]uint16, Size*Size*height)}
}

func (c *Chunk) Pos() Pos     { return c.pos }
func (c *Chunk) Height() int  { return c.height }
func (c *Chunk) Viewers() int { return c.viewers }

func (c *Chunk) idx(x, y, z int) int {
	return (y*Size+z)*Size + x
}

// Block returns the id at local coordinates; out-of-column y reads as air.
func (c *Chunk) Block(x, y, z int) uint16 {
	if y < 0 || y >= c.height {
		return BlockAir
	}
	return c.blocks[c.idx(x, y, z)]
}

func (c *Chunk) SetBlock(x, y, z int, id uint16) {
	if y < 0 || y >= c.height {
		return
	}
	c.blocks[c.idx(x, y, z)] = id
}

// Blocks exposes the backing slice in y-major order; callers must treat
// it as read-only.
func (c *Chunk) Blocks() []uint16 { return c.blocks }

// SetBlocks replaces the column wholesale, e.g. when restoring a
// snapshot.
func (c *Chunk) SetBlocks(blocks []uint16) {
	if len(blocks) == len(c.blocks) {
		copy(c.blocks, blocks)
	}
}

// Generator is the terrain collaborator: it produces the initial block
// data for a chunk the store has never seen.
type Generator interface {
	Generate(Pos) *Chunk
}

// FlatGenerator fills every column with Floor blocks up to FloorHeight.
// It is the default stand-in terrain used by tests and fresh worlds.
type FlatGenerator struct {
	Height      int
	FloorHeight int
	Floor       uint16
}

func (g FlatGenerator) Generate(p Pos) *Chunk {
	c := NewChunk(p, g.Height)
	for y := 0; y < g.FloorHeight && y < g.Height; y++ {
		for z := 0; z < Size; z++ {
			for x := 0; x < Size; x++ {
				c.SetBlock(x, y, z, g.Floor)
			}
		}
	}
	return c
}
