package ecs

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestBatchingRespectsConflicts(t *testing.T) {
	sched := NewSchedule(
		System{Name: "movement", Writes: []string{"position"}, Reads: []string{"velocity"}},
		System{Name: "regen", Writes: []string{"health"}},
		System{Name: "view", Reads: []string{"position", "health"}},
	)
	defer sched.Close()

	batches := sched.Batches()
	if len(batches) != 2 {
		t.Fatalf("batches = %v", batches)
	}
	if len(batches[0]) != 2 {
		t.Fatalf("movement and regen are disjoint and should share a batch: %v", batches)
	}
	if len(batches[1]) != 1 || batches[1][0] != "view" {
		t.Fatalf("view reads both write sets and must run after: %v", batches)
	}
}

func TestWriteWriteConflictKeepsDeclaredOrder(t *testing.T) {
	var order []string
	var mu sync.Mutex
	mark := func(name string) func(*World) {
		return func(*World) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
		}
	}
	sched := NewSchedule(
		System{Name: "a", Writes: []string{"position"}, Run: mark("a")},
		System{Name: "b", Writes: []string{"position"}, Run: mark("b")},
		System{Name: "c", Writes: []string{"position"}, Run: mark("c")},
	)
	defer sched.Close()

	w := NewWorld()
	for i := 0; i < 50; i++ {
		order = order[:0]
		sched.Run(w)
		if len(order) != 3 || order[0] != "a" || order[1] != "b" || order[2] != "c" {
			t.Fatalf("iteration %d: order = %v", i, order)
		}
	}
}

func TestParallelBatchRunsAllSystems(t *testing.T) {
	var ran atomic.Int64
	var systems []System
	for i := 0; i < 16; i++ {
		systems = append(systems, System{
			Name: "s",
			Run:  func(*World) { ran.Add(1) },
		})
	}
	sched := NewSchedule(systems...)
	defer sched.Close()
	if len(sched.Batches()) != 1 {
		t.Fatalf("independent systems should share one batch: %v", sched.Batches())
	}

	w := NewWorld()
	sched.Run(w)
	if ran.Load() != 16 {
		t.Fatalf("ran = %d", ran.Load())
	}
}

func TestTickCounterMonotonic(t *testing.T) {
	w := NewWorld()
	sched := NewSchedule(System{Name: "noop", Run: func(*World) {}})
	defer sched.Close()
	for i := uint64(0); i < 100; i++ {
		if w.Tick() != i {
			t.Fatalf("tick = %d, want %d", w.Tick(), i)
		}
		sched.Run(w)
		w.EndTick()
	}
}
