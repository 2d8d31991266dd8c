// Package codearea describes the address ranges occupied by loaded code
// and hands out fresh ranges for newly committed module versions.
package codearea

import (
	"errors"
	"fmt"
	"sync"
)

// Area is a half-open address range [Base, Base+Length).
type Area struct {
	Base   uintptr
	Length uintptr
}

// IsZero reports whether the area is the zero value (no area recorded).
func (a Area) IsZero() bool {
	return a.Base == 0 && a.Length == 0
}

// End returns the first address past the area.
func (a Area) End() uintptr {
	return a.Base + a.Length
}

// Contains reports whether p lies inside the area. A null pointer never
// matches, and a zero-length area contains nothing.
func (a Area) Contains(p uintptr) bool {
	if p == 0 || a.Length == 0 {
		return false
	}
	return p >= a.Base && p-a.Base < a.Length
}

// ContainsAny reports whether any of ps lies inside the area.
func (a Area) ContainsAny(ps []uintptr) bool {
	for _, p := range ps {
		if a.Contains(p) {
			return true
		}
	}
	return false
}

func (a Area) String() string {
	return fmt.Sprintf("[%#x, %#x)", a.Base, a.End())
}

// ---------------------------------------------------------------------------
// Allocator: bump allocation of code areas
// ---------------------------------------------------------------------------

// DefaultBase is where an Allocator starts handing out areas.
const DefaultBase uintptr = 0x10000000

// Alignment of every allocated area's base.
const Alignment uintptr = 16

// ErrExhausted is returned when the allocator's address space is used up.
var ErrExhausted = errors.New("code address space exhausted")

// Allocator hands out non-overlapping areas. Addresses are never reused,
// so a stale pointer into discarded code cannot match a later version.
type Allocator struct {
	mu   sync.Mutex
	next uintptr
}

// NewAllocator creates an allocator starting at base (DefaultBase if zero).
func NewAllocator(base uintptr) *Allocator {
	if base == 0 {
		base = DefaultBase
	}
	return &Allocator{next: alignUp(base)}
}

// Allocate reserves an area of the given size. A size of zero still
// reserves one aligned slot so every version gets a distinct base.
func (al *Allocator) Allocate(size int) (Area, error) {
	if size < 0 {
		return Area{}, fmt.Errorf("codearea: negative size %d", size)
	}
	al.mu.Lock()
	defer al.mu.Unlock()

	n := alignUp(uintptr(size))
	if n == 0 {
		n = Alignment
	}
	if al.next+n < al.next {
		return Area{}, ErrExhausted
	}
	a := Area{Base: al.next, Length: uintptr(size)}
	al.next += n
	return a, nil
}

func alignUp(v uintptr) uintptr {
	return (v + Alignment - 1) &^ (Alignment - 1)
}
