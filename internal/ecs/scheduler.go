package ecs

import (
	"runtime"
	"sync"
)

// System is one unit of per-tick work. Reads and Writes name the
// storages it touches; the schedule uses them to decide which systems may
// share a batch. Declaring too much is safe, declaring too little is a
// race.
type System struct {
	Name   string
	Reads  []string
	Writes []string
	Run    func(*World)
}

// Schedule executes systems in declared order, batching adjacent
// non-conflicting systems to run in parallel on a fixed worker pool. A
// system that reads a storage an earlier system writes always runs in a
// later batch.
type Schedule struct {
	systems []System
	batches [][]int

	workers int
	jobs    chan func()
	wg      sync.WaitGroup
	once    sync.Once
}

func NewSchedule(systems ...System) *Schedule {
	workers := runtime.GOMAXPROCS(0)
	if workers < 1 {
		workers = 1
	}
	s := &Schedule{
		systems: systems,
		workers: workers,
	}
	s.batches = buildBatches(systems)
	return s
}

// buildBatches assigns each system the earliest batch strictly after the
// batch of any earlier conflicting system.
func buildBatches(systems []System) [][]int {
	batchOf := make([]int, len(systems))
	var batches [][]int
	for i := range systems {
		b := 0
		for j := 0; j < i; j++ {
			if conflicts(&systems[i], &systems[j]) && batchOf[j] >= b {
				b = batchOf[j] + 1
			}
		}
		batchOf[i] = b
		for len(batches) <= b {
			batches = append(batches, nil)
		}
		batches[b] = append(batches[b], i)
	}
	return batches
}

func conflicts(a, b *System) bool {
	return overlaps(a.Writes, b.Writes) || overlaps(a.Writes, b.Reads) || overlaps(a.Reads, b.Writes)
}

func overlaps(xs, ys []string) bool {
	for _, x := range xs {
		for _, y := range ys {
			if x == y {
				return true
			}
		}
	}
	return false
}

// Batches exposes the computed batch layout (system names), mainly for
// tests and startup logging.
func (s *Schedule) Batches() [][]string {
	out := make([][]string, len(s.batches))
	for i, b := range s.batches {
		for _, idx := range b {
			out[i] = append(out[i], s.systems[idx].Name)
		}
	}
	return out
}

func (s *Schedule) startWorkers() {
	s.jobs = make(chan func(), s.workers*4)
	for i := 0; i < s.workers; i++ {
		go func() {
			for fn := range s.jobs {
				fn()
			}
		}()
	}
}

// Run executes one tick's worth of systems. Batches run sequentially;
// systems within a batch run concurrently.
func (s *Schedule) Run(w *World) {
	s.once.Do(s.startWorkers)
	for _, batch := range s.batches {
		if len(batch) == 1 {
			s.systems[batch[0]].Run(w)
			continue
		}
		s.wg.Add(len(batch))
		for _, idx := range batch {
			sys := &s.systems[idx]
			s.jobs <- func() {
				defer s.wg.Done()
				sys.Run(w)
			}
		}
		s.wg.Wait()
	}
}

// Close stops the worker pool. The schedule must not be Run afterwards.
func (s *Schedule) Close() {
	if s.jobs != nil {
		close(s.jobs)
		s.jobs = nil
	}
}
