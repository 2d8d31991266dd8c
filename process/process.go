// Package process is the process layer the code loader consults: a table
// of lightweight processes with the execution state that decides whether
// a code area is still referenced.
package process

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/tliron/commonlog"

	"github.com/chazu/hotcode/codearea"
	"github.com/chazu/hotcode/nif"
)

var log = commonlog.GetLogger("hotcode.process")

// ID identifies a process. IDs start at 1.
type ID uint64

// State of a process.
type State int32

const (
	Running State = iota
	Exited
)

// Process carries the execution state the purge check inspects: the
// current instruction pointer, the continuation stack, the tracked native
// function pointers, and whether it runs on a dirty scheduler.
type Process struct {
	id    ID
	state atomic.Int32
	dirty atomic.Bool

	mu      sync.Mutex
	ip      uintptr
	stack   []uintptr
	nifPtrs map[uintptr]nif.LibraryHandle
	nifLibs map[nif.LibraryHandle]int
}

var _ nif.Process = (*Process)(nil)

func newProcess(id ID) *Process {
	return &Process{
		id:      id,
		nifPtrs: make(map[uintptr]nif.LibraryHandle),
		nifLibs: make(map[nif.LibraryHandle]int),
	}
}

// ID returns the process identifier.
func (p *Process) ID() ID { return p.id }

// State returns the process state.
func (p *Process) State() State { return State(p.state.Load()) }

// Exit marks the process as exited; exited processes reference no code.
func (p *Process) Exit() { p.state.Store(int32(Exited)) }

func (p *Process) isDone() bool { return p.State() == Exited }

// SetDirty moves the process onto (or off) a dirty scheduler.
func (p *Process) SetDirty(dirty bool) { p.dirty.Store(dirty) }

// Dirty reports whether the process runs on a dirty scheduler.
func (p *Process) Dirty() bool { return p.dirty.Load() }

// SetInstructionPointer records where the process is executing.
func (p *Process) SetInstructionPointer(ip uintptr) {
	p.mu.Lock()
	p.ip = ip
	p.mu.Unlock()
}

// InstructionPointer returns where the process is executing.
func (p *Process) InstructionPointer() uintptr {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ip
}

// PushContinuation records a return address.
func (p *Process) PushContinuation(addr uintptr) {
	p.mu.Lock()
	p.stack = append(p.stack, addr)
	p.mu.Unlock()
}

// PopContinuation removes and returns the newest return address.
func (p *Process) PopContinuation() (uintptr, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.stack) == 0 {
		return 0, false
	}
	addr := p.stack[len(p.stack)-1]
	p.stack = p.stack[:len(p.stack)-1]
	return addr, true
}

// ---------------------------------------------------------------------------
// Native tracking (written by the nif binding)
// ---------------------------------------------------------------------------

// AddNIFPointer tracks ptr, counted against h unless h is zero.
func (p *Process) AddNIFPointer(ptr uintptr, h nif.LibraryHandle) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.nifPtrs[ptr]; ok {
		return false
	}
	p.nifPtrs[ptr] = h
	if !h.IsZero() {
		p.nifLibs[h]++
	}
	return true
}

// RemoveNIFPointer untracks ptr and returns the library it was counted
// against.
func (p *Process) RemoveNIFPointer(ptr uintptr) (nif.LibraryHandle, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.nifPtrs[ptr]
	if !ok {
		return nif.LibraryHandle{}, false
	}
	delete(p.nifPtrs, ptr)
	if !h.IsZero() {
		if n := p.nifLibs[h] - 1; n > 0 {
			p.nifLibs[h] = n
		} else {
			delete(p.nifLibs, h)
		}
	}
	return h, true
}

// NIFPointers returns the tracked native pointers in ascending order.
func (p *Process) NIFPointers() []uintptr {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]uintptr, 0, len(p.nifPtrs))
	for ptr := range p.nifPtrs {
		out = append(out, ptr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// HoldsNIF reports whether the process still tracks any native pointer.
func (p *Process) HoldsNIF() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.nifPtrs) > 0
}

// NIFLibraries returns the libraries the process holds references on.
func (p *Process) NIFLibraries() []nif.LibraryHandle {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]nif.LibraryHandle, 0, len(p.nifLibs))
	for h := range p.nifLibs {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Module != out[j].Module {
			return out[i].Module < out[j].Module
		}
		return out[i].Serial < out[j].Serial
	})
	return out
}

// usesArea reports whether the instruction pointer, any continuation or
// any tracked native pointer falls inside area.
func (p *Process) usesArea(area codearea.Area) bool {
	if p.isDone() {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if area.Contains(p.ip) || area.ContainsAny(p.stack) {
		return true
	}
	for ptr := range p.nifPtrs {
		if area.Contains(ptr) {
			return true
		}
	}
	return false
}
