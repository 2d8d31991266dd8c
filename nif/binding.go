package nif

import "fmt"

// Process is the per-process tracking the binding writes into. The
// process layer owns it; this package never reads execution state.
type Process interface {
	// AddNIFPointer tracks ptr as counted against h, or uncounted when h
	// is zero. It reports whether ptr was newly added.
	AddNIFPointer(ptr uintptr, h LibraryHandle) bool
	// RemoveNIFPointer untracks ptr and returns the library it was
	// counted against. tracked is false if ptr was not tracked.
	RemoveNIFPointer(ptr uintptr) (h LibraryHandle, tracked bool)
	// NIFPointers returns every tracked pointer.
	NIFPointers() []uintptr
}

// Associate binds ptr to p. Associating a pointer p already tracks is a
// no-op. A pointer that resolves to no loaded library is still tracked,
// it just adds no library reference, now or later.
func (s *Store) Associate(p Process, ptr uintptr) error {
	if ptr == 0 {
		return ErrInvalidPointer
	}
	if p == nil {
		return fmt.Errorf("%w: nil process", ErrBadArgument)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var h LibraryHandle
	lib := s.resolveLocked(ptr)
	if lib != nil {
		h = lib.handle
	}
	if p.AddNIFPointer(ptr, h) && lib != nil {
		lib.refCount++
	}
	return nil
}

// Disassociate ensures ptr is no longer bound to p. It never fails on a
// pointer p does not track.
func (s *Store) Disassociate(p Process, ptr uintptr) error {
	if ptr == 0 || p == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.disassociateLocked(p, ptr)
	return nil
}

// DisassociateAll drops every binding p holds and returns how many
// library references were released.
func (s *Store) DisassociateAll(p Process) int {
	if p == nil {
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ptr := range p.NIFPointers() {
		if s.disassociateLocked(p, ptr) {
			n++
		}
	}
	return n
}

// disassociateLocked untracks ptr and drops the reference it was counted
// against, if that library is still the loaded one.
func (s *Store) disassociateLocked(p Process, ptr uintptr) bool {
	h, tracked := p.RemoveNIFPointer(ptr)
	if !tracked || h.IsZero() {
		return false
	}
	lib, ok := s.libs[h.Module]
	if !ok || lib.handle != h || lib.refCount == 0 {
		return false
	}
	lib.refCount--
	return true
}

// WithExclusive runs fn with every library record locked, passing whether
// module's library is bound to any process. No association, disassociation
// or unload interleaves with fn. fn must not call back into the store.
func (s *Store) WithExclusive(module string, fn func(inUse bool) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.inUseLocked(module))
}

func (s *Store) resolveLocked(ptr uintptr) *library {
	rec, ok := s.index.Lookup(ptr)
	if !ok {
		return nil
	}
	lib, ok := s.libs[rec.Module]
	if !ok || lib.handle != rec.Library {
		return nil
	}
	return lib
}
