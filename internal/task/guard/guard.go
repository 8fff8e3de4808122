// Package guard tracks which jobs are currently executing in this process.
package guard

import (
	"slices"
	"sync"
)

// Guard is a mutex-protected set of running job ids. It is not persisted:
// a restart means nothing from the previous process can still be running.
type Guard struct {
	mu      sync.Mutex
	running map[int64]struct{}
}

func New() *Guard {
	return &Guard{running: map[int64]struct{}{}}
}

// TryAdmit inserts id if absent. It returns false, without side effects,
// when id is already running.
func (g *Guard) TryAdmit(id int64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.running[id]; ok {
		return false
	}
	g.running[id] = struct{}{}
	return true
}

// Release removes id. Releasing an absent id is a no-op.
func (g *Guard) Release(id int64) {
	g.mu.Lock()
	delete(g.running, id)
	g.mu.Unlock()
}

func (g *Guard) IsRunning(id int64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.running[id]
	return ok
}

func (g *Guard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.running)
}

// Running returns the admitted ids in ascending order.
func (g *Guard) Running() []int64 {
	g.mu.Lock()
	ids := make([]int64, 0, len(g.running))
	for id := range g.running {
		ids = append(ids, id)
	}
	g.mu.Unlock()
	slices.Sort(ids)
	return ids
}
