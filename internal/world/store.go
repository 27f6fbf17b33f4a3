package world

// Store owns every loaded chunk. Chunks are loaded on first demand and
// stay loaded while at least one viewer retains them or the simulation
// marks them resident. The game loop owns the store; it is not safe for
// concurrent use.
type Store struct {
	gen    Generator
	chunks map[Pos]*Chunk
}

func NewStore(gen Generator) *Store {
	return &Store{gen: gen, chunks: make(map[Pos]*Chunk)}
}

func (s *Store) Len() int { return len(s.chunks) }

// Get returns a chunk only if it is already loaded.
func (s *Store) Get(p Pos) (*Chunk, bool) {
	c, ok := s.chunks[p]
	return c, ok
}

// Obtain returns the chunk at p, generating it if needed. It does not
// take a viewer reference.
func (s *Store) Obtain(p Pos) *Chunk {
	if c, ok := s.chunks[p]; ok {
		return c
	}
	c := s.gen.Generate(p)
	s.chunks[p] = c
	return c
}

// Retain obtains the chunk and counts one viewer on it. Every Retain
// must be paired with a Release.
func (s *Store) Retain(p Pos) *Chunk {
	c := s.Obtain(p)
	c.viewers++
	return c
}

// Release drops one viewer reference. The chunk stays loaded until the
// next Sweep finds it unreferenced.
func (s *Store) Release(p Pos) {
	if c, ok := s.chunks[p]; ok && c.viewers > 0 {
		c.viewers--
	}
}

// SetResident pins or unpins a chunk independently of viewer counts,
// for columns the simulation needs regardless of who is watching.
func (s *Store) SetResident(p Pos, resident bool) {
	if c, ok := s.chunks[p]; ok {
		c.resident = resident
	}
}

// Restore installs an already-populated chunk, e.g. from a snapshot.
// Any generated chunk at the same position is replaced.
func (s *Store) Restore(c *Chunk) {
	s.chunks[c.pos] = c
}

// Sweep unloads every chunk with no viewers and no resident pin,
// returning the evicted chunks so callers can persist them.
func (s *Store) Sweep() []*Chunk {
	var evicted []*Chunk
	for p, c := range s.chunks {
		if c.viewers == 0 && !c.resident {
			delete(s.chunks, p)
			evicted = append(evicted, c)
		}
	}
	return evicted
}

// Each visits every loaded chunk in unspecified order.
func (s *Store) Each(fn func(*Chunk)) {
	for _, c := range s.chunks {
		fn(c)
	}
}

// BlockAt reads a block by world coordinates. ok is false when the
// containing chunk is not loaded; callers must treat that as unknown
// terrain, not as air.
func (s *Store) BlockAt(bx, by, bz int) (uint16, bool) {
	c, ok := s.chunks[At(bx, bz)]
	if !ok {
		return 0, false
	}
	return c.Block(bx&15, by, bz&15), true
}

// SetBlockAt writes a block by world coordinates, loading the chunk if
// needed.
func (s *Store) SetBlockAt(bx, by, bz int, id uint16) {
	s.Obtain(At(bx, bz)).SetBlock(bx&15, by, bz&15, id)
}
