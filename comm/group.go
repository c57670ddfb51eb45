package comm

import (
	"fmt"
	"sync"
)

// Group is an in-process SPMD communicator: n ranks, each driven by its
// own goroutine, exchanging buffers over channels and meeting at a
// shared reduction slot for collectives. It stands in for an MPI
// communicator in tests and single-machine runs.
type Group struct {
	rank  int
	size  int
	mail  [][]chan []int64 // mail[src][dst]
	slots *reduceSlots
}

// NewGroup creates the communicators for an n-rank group. Rank i must
// use element i, typically from its own goroutine.
func NewGroup(n int) []*Group {
	mail := make([][]chan []int64, n)
	for i := range mail {
		mail[i] = make([]chan []int64, n)
		for j := range mail[i] {
			// Capacity one is enough: the SPMD discipline means no rank
			// starts a second exchange before every peer finished the
			// previous one.
			mail[i][j] = make(chan []int64, 1)
		}
	}
	slots := newReduceSlots(n)

	group := make([]*Group, n)
	for i := range group {
		group[i] = &Group{rank: i, size: n, mail: mail, slots: slots}
	}
	return group
}

func (g *Group) Rank() int { return g.rank }
func (g *Group) Size() int { return g.size }

func (g *Group) Exchange(send [][]int64) ([][]int64, error) {
	if len(send) != g.size {
		return nil, fmt.Errorf("exchange: %d send buffers for %d ranks", len(send), g.size)
	}
	for p := 0; p < g.size; p++ {
		if p == g.rank {
			continue
		}
		buf := make([]int64, len(send[p]))
		copy(buf, send[p])
		g.mail[g.rank][p] <- buf
	}
	recv := make([][]int64, g.size)
	for p := 0; p < g.size; p++ {
		if p == g.rank {
			continue
		}
		buf := <-g.mail[p][g.rank]
		if len(buf) > 0 {
			recv[p] = buf
		}
	}
	return recv, nil
}

func (g *Group) AllreduceMaxInt(v int) int {
	out := g.slots.reduce([]int{v}, func(acc, in []int) {
		if in[0] > acc[0] {
			acc[0] = in[0]
		}
	})
	return out[0]
}

func (g *Group) AllreduceSumInts(v []int) []int {
	return g.slots.reduce(v, func(acc, in []int) {
		for i := range acc {
			acc[i] += in[i]
		}
	})
}

func (g *Group) Barrier() {
	g.slots.reduce(nil, func(acc, in []int) {})
}

// reduceSlots implements a reusable rendezvous: each rank contributes a
// value, the last arrival combines and releases everyone.
type reduceSlots struct {
	mu    sync.Mutex
	cond  *sync.Cond
	size  int
	count int
	gen   int
	acc   []int
	out   []int
}

func newReduceSlots(n int) *reduceSlots {
	s := &reduceSlots{size: n}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *reduceSlots) reduce(v []int, combine func(acc, in []int)) []int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.count == 0 {
		s.acc = make([]int, len(v))
		copy(s.acc, v)
	} else {
		combine(s.acc, v)
	}
	s.count++

	if s.count == s.size {
		s.out = s.acc
		s.count = 0
		s.gen++
		s.cond.Broadcast()
		return append([]int(nil), s.out...)
	}

	gen := s.gen
	for s.gen == gen {
		s.cond.Wait()
	}
	return append([]int(nil), s.out...)
}
