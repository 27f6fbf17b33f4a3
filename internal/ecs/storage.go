package ecs

// Op is a change-log operation kind.
type Op uint8

const (
	OpInsert Op = iota
	OpModify
	OpRemove
)

func (o Op) String() string {
	switch o {
	case OpInsert:
		return "insert"
	case OpModify:
		return "modify"
	case OpRemove:
		return "remove"
	}
	return "op?"
}

// Change is one entry in a storage's per-tick change log.
type Change struct {
	Entity Entity
	Op     Op
}

// Storage maps entities to component values of one kind, with a dense
// backing array for iteration and an append-only change log. An entity
// appears in the log at most once per operation kind per tick.
type Storage[T any] struct {
	storageName string

	index  map[Entity]int
	dense  []T
	owners []Entity

	log    []Change
	logged map[Entity]uint8
}

// NewStorage registers a component storage with the world. The name keys
// the scheduler's read/write conflict declarations.
func NewStorage[T any](w *World, name string) *Storage[T] {
	s := &Storage[T]{
		storageName: name,
		index:       make(map[Entity]int),
		logged:      make(map[Entity]uint8),
	}
	w.register(s)
	return s
}

func (s *Storage[T]) name() string { return s.storageName }

func (s *Storage[T]) Len() int { return len(s.dense) }

func (s *Storage[T]) Has(e Entity) bool {
	_, ok := s.index[e]
	return ok
}

func (s *Storage[T]) Get(e Entity) (T, bool) {
	if i, ok := s.index[e]; ok {
		return s.dense[i], true
	}
	var zero T
	return zero, false
}

// Set inserts or replaces the entity's component, logging an insert or a
// modify accordingly.
func (s *Storage[T]) Set(e Entity, v T) {
	if i, ok := s.index[e]; ok {
		s.dense[i] = v
		s.record(e, OpModify)
		return
	}
	s.index[e] = len(s.dense)
	s.dense = append(s.dense, v)
	s.owners = append(s.owners, e)
	s.record(e, OpInsert)
}

// Remove drops the entity's component, if present, via swap-removal.
func (s *Storage[T]) Remove(e Entity) bool {
	return s.remove(e)
}

func (s *Storage[T]) remove(e Entity) bool {
	i, ok := s.index[e]
	if !ok {
		return false
	}
	last := len(s.dense) - 1
	if i != last {
		s.dense[i] = s.dense[last]
		s.owners[i] = s.owners[last]
		s.index[s.owners[i]] = i
	}
	s.dense = s.dense[:last]
	s.owners = s.owners[:last]
	delete(s.index, e)
	s.record(e, OpRemove)
	return true
}

// Each visits every (entity, value) pair. The visit order is the dense
// order and is unspecified; do not Set/Remove while iterating.
func (s *Storage[T]) Each(fn func(Entity, T)) {
	for i, e := range s.owners {
		fn(e, s.dense[i])
	}
}

// Entities returns the owners in dense order.
func (s *Storage[T]) Entities() []Entity {
	out := make([]Entity, len(s.owners))
	copy(out, s.owners)
	return out
}

// Changes is this tick's change log so far, in append order.
func (s *Storage[T]) Changes() []Change { return s.log }

func (s *Storage[T]) record(e Entity, op Op) {
	bit := uint8(1) << op
	if s.logged[e]&bit != 0 {
		return
	}
	s.logged[e] |= bit
	s.log = append(s.log, Change{Entity: e, Op: op})
}

func (s *Storage[T]) drain() {
	s.log = s.log[:0]
	clear(s.logged)
}
