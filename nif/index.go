package nif

import (
	"fmt"
	"sync"
)

// LibraryHandle identifies one loaded instance of a module's library.
// A reload gets a new Serial, so a stale handle never matches it.
type LibraryHandle struct {
	Module string
	Serial uint64
}

// IsZero reports whether the handle is unset.
func (h LibraryHandle) IsZero() bool {
	return h.Module == "" && h.Serial == 0
}

func (h LibraryHandle) String() string {
	return fmt.Sprintf("%s#%d", h.Module, h.Serial)
}

// FunctionRecord maps a raw function pointer back to what it is.
type FunctionRecord struct {
	Pointer uintptr
	Module  string
	Name    string
	Arity   int
	Flags   uint
	Library LibraryHandle
}

// Dirty reports whether the function runs on a dirty scheduler.
func (r FunctionRecord) Dirty() bool {
	return r.Flags&(FlagDirtyCPU|FlagDirtyIO) != 0
}

func (r FunctionRecord) String() string {
	return fmt.Sprintf("%s:%s/%d", r.Module, r.Name, r.Arity)
}

// ---------------------------------------------------------------------------
// FunctionIndex: pointer -> function
// ---------------------------------------------------------------------------

// FunctionIndex is the global reverse map from pointer to function.
type FunctionIndex struct {
	mu    sync.RWMutex
	byPtr map[uintptr]FunctionRecord
}

// NewFunctionIndex creates an empty index.
func NewFunctionIndex() *FunctionIndex {
	return &FunctionIndex{byPtr: make(map[uintptr]FunctionRecord)}
}

// register adds records. A pointer already owned by another record keeps
// its first owner.
func (fi *FunctionIndex) register(recs []FunctionRecord) {
	fi.mu.Lock()
	defer fi.mu.Unlock()
	for _, r := range recs {
		if _, exists := fi.byPtr[r.Pointer]; exists {
			continue
		}
		fi.byPtr[r.Pointer] = r
	}
}

// unregister drops every record belonging to the given library.
func (fi *FunctionIndex) unregister(h LibraryHandle) int {
	fi.mu.Lock()
	defer fi.mu.Unlock()
	n := 0
	for p, r := range fi.byPtr {
		if r.Library == h {
			delete(fi.byPtr, p)
			n++
		}
	}
	return n
}

// Lookup returns the record for a pointer.
func (fi *FunctionIndex) Lookup(ptr uintptr) (FunctionRecord, bool) {
	fi.mu.RLock()
	defer fi.mu.RUnlock()
	r, ok := fi.byPtr[ptr]
	return r, ok
}

// Owner returns the module a pointer belongs to.
func (fi *FunctionIndex) Owner(ptr uintptr) (string, bool) {
	r, ok := fi.Lookup(ptr)
	return r.Module, ok
}

// Len returns the number of indexed functions.
func (fi *FunctionIndex) Len() int {
	fi.mu.RLock()
	defer fi.mu.RUnlock()
	return len(fi.byPtr)
}
