package process

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/chazu/hotcode/codearea"
	"github.com/chazu/hotcode/nif"
)

// Table is the registry of live processes.
type Table struct {
	mu     sync.RWMutex
	procs  map[ID]*Process
	nextID atomic.Uint64
}

// NewTable creates an empty process table.
func NewTable() *Table {
	t := &Table{procs: make(map[ID]*Process)}
	// Start IDs at 1 (0 could be confused with an unset ID)
	t.nextID.Store(1)
	return t
}

// Spawn creates and registers a running process.
func (t *Table) Spawn() *Process {
	id := ID(t.nextID.Add(1) - 1)
	p := newProcess(id)

	t.mu.Lock()
	t.procs[id] = p
	t.mu.Unlock()
	return p
}

// Get returns a process by ID.
func (t *Table) Get(id ID) (*Process, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.procs[id]
	return p, ok
}

// IDs returns the registered process IDs in ascending order.
func (t *Table) IDs() []ID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]ID, 0, len(t.procs))
	for id := range t.procs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Count returns the number of registered processes.
func (t *Table) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.procs)
}

// Sweep removes exited processes. A process still tracking native pointers
// stays registered until its bindings are released. Returns the number
// swept.
func (t *Table) Sweep() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	swept := 0
	for id, p := range t.procs {
		if !p.isDone() {
			continue
		}
		if p.HoldsNIF() {
			log.Warningf("process %d exited with native bindings, keeping it", id)
			continue
		}
		delete(t.procs, id)
		swept++
	}
	return swept
}

// ---------------------------------------------------------------------------
// Code usage queries
// ---------------------------------------------------------------------------

// AnyProcessUsesModule reports whether a process on an ordinary scheduler
// references area.
func (t *Table) AnyProcessUsesModule(area codearea.Area) bool {
	return t.anyUses(area, false)
}

// AnyDirtyProcessUsesModule reports whether a process on a dirty
// scheduler references area.
func (t *Table) AnyDirtyProcessUsesModule(area codearea.Area) bool {
	return t.anyUses(area, true)
}

func (t *Table) anyUses(area codearea.Area, dirty bool) bool {
	if area.Length == 0 {
		return false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, p := range t.procs {
		if p.Dirty() == dirty && p.usesArea(area) {
			return true
		}
	}
	return false
}

// TerminateProcessesUsing exits every process referencing area, dirty or
// not. release, when set, is called on each victim before it exits so its
// native bindings can be dropped. Returns the number of processes
// terminated.
func (t *Table) TerminateProcessesUsing(area codearea.Area, release func(nif.Process)) int {
	t.mu.RLock()
	var victims []*Process
	for _, p := range t.procs {
		if p.usesArea(area) {
			victims = append(victims, p)
		}
	}
	t.mu.RUnlock()

	for _, p := range victims {
		if release != nil {
			release(p)
		}
		p.Exit()
	}
	return len(victims)
}
