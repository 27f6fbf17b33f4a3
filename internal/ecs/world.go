// Package ecs holds the entity-component world store: one change-tracked
// storage per component kind, a monotonic tick counter, and a scheduler
// that runs systems in a declared order with non-conflicting systems
// batched onto a worker pool.
//
// All mutation happens from the tick loop; storages are append-only with
// respect to their change logs during a tick and are drained between
// ticks, after every consumer has read them.
package ecs

import "fmt"

// Entity is an opaque stable identifier. Ids are allocated from a
// monotonic counter and never reused, so a destroyed entity referenced by
// a pending view diff can never be confused with a new one.
type Entity uint64

// store is the untyped view the world keeps of each registered storage.
type store interface {
	name() string
	remove(Entity) bool
	drain()
}

type World struct {
	tick       uint64
	nextEntity uint64
	stores     []store
	byName     map[string]store
}

func NewWorld() *World {
	return &World{byName: make(map[string]store)}
}

// Tick is the current simulation tick. It only ever increases while the
// world is loaded.
func (w *World) Tick() uint64 { return w.tick }

// Spawn allocates a fresh entity id.
func (w *World) Spawn() Entity {
	w.nextEntity++
	return Entity(w.nextEntity)
}

// NextEntity is the high-water mark of allocated ids.
func (w *World) NextEntity() uint64 { return w.nextEntity }

// SetNextEntity raises the allocation counter when restoring persisted
// state. It never lowers it.
func (w *World) SetNextEntity(n uint64) {
	if n > w.nextEntity {
		w.nextEntity = n
	}
}

// Despawn removes the entity from every storage. Each storage that held a
// component records a removal in its change log, so consumers observing
// the logs this tick see the destruction.
func (w *World) Despawn(e Entity) {
	for _, s := range w.stores {
		s.remove(e)
	}
}

// EndTick drains every storage's change log and advances the tick
// counter. Call it only after all log consumers for this tick ran.
func (w *World) EndTick() {
	for _, s := range w.stores {
		s.drain()
	}
	w.tick++
}

func (w *World) register(s store) {
	if _, dup := w.byName[s.name()]; dup {
		panic(fmt.Sprintf("ecs: duplicate storage %q", s.name()))
	}
	w.byName[s.name()] = s
	w.stores = append(w.stores, s)
}
