package codeload

import (
	"crypto/md5"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chazu/hotcode/beamfile"
)

// Handle is an opaque reference to prepared code. It names the store that
// minted it and a random reference within that store.
type Handle struct {
	Store uuid.UUID
	Ref   uuid.UUID
}

// IsZero reports whether h is the zero handle.
func (h Handle) IsZero() bool {
	return h.Store == uuid.Nil && h.Ref == uuid.Nil
}

func (h Handle) String() string {
	return h.Store.String() + "/" + h.Ref.String()
}

// MarshalText implements encoding.TextMarshaler.
func (h Handle) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Handle) UnmarshalText(text []byte) error {
	parsed, err := ParseHandle(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// ParseHandle parses the form produced by Handle.String.
func ParseHandle(s string) (Handle, error) {
	storePart, refPart, ok := strings.Cut(s, "/")
	if !ok {
		return Handle{}, fmt.Errorf("%w: malformed handle %q", ErrBadArgument, s)
	}
	store, err := uuid.Parse(storePart)
	if err != nil {
		return Handle{}, fmt.Errorf("%w: handle store: %v", ErrBadArgument, err)
	}
	ref, err := uuid.Parse(refPart)
	if err != nil {
		return Handle{}, fmt.Errorf("%w: handle reference: %v", ErrBadArgument, err)
	}
	return Handle{Store: store, Ref: ref}, nil
}

// staged is prepared code awaiting finish. It is never mutated after
// prepare and is only reachable through the store.
type staged struct {
	module  string
	code    []byte
	md5     []byte
	parsed  *beamfile.Module
	onLoad  bool
	created time.Time
}

func (sc *staged) version() *version {
	v := &version{
		size:   len(sc.code),
		md5:    sc.md5,
		onLoad: sc.onLoad,
	}
	if m := sc.parsed; m != nil {
		v.exports = m.Exports
		v.attributes = m.Attributes
		v.compileInfo = m.CompileInfo
		v.debugInfo = m.DebugInfo
	}
	return v
}

// ---------------------------------------------------------------------------
// StagedStore: prepared, uncommitted code
// ---------------------------------------------------------------------------

// StagedStore holds prepared code behind handles until finish consumes it.
type StagedStore struct {
	id  uuid.UUID
	now func() time.Time

	mu      sync.Mutex
	entries map[uuid.UUID]*staged
}

// NewStagedStore creates an empty store with a fresh identity.
func NewStagedStore() *StagedStore {
	return &StagedStore{
		id:      uuid.New(),
		now:     time.Now,
		entries: make(map[uuid.UUID]*staged),
	}
}

// ID returns the identity embedded in every handle this store mints.
func (s *StagedStore) ID() uuid.UUID { return s.id }

// Prepare validates code for module and stages it under a new handle.
// Identical code prepared twice yields two independent handles.
func (s *StagedStore) Prepare(module string, code []byte) (Handle, error) {
	sc, err := newStaged(module, code, s.now())
	if err != nil {
		return Handle{}, err
	}

	h := Handle{Store: s.id, Ref: uuid.New()}
	s.mu.Lock()
	s.entries[h.Ref] = sc
	s.mu.Unlock()
	return h, nil
}

// newStaged validates code and extracts what commit needs from it:
// the MD5 of the full bytes and, for module containers, the exports,
// attributes, compile info and on_load declaration. Code that is not a
// container is accepted as opaque.
func newStaged(module string, code []byte, now time.Time) (*staged, error) {
	if module == "" {
		return nil, fmt.Errorf("%w: empty module name", ErrBadArgument)
	}
	if len(code) == 0 {
		return nil, fmt.Errorf("%w: empty code", ErrInvalidFormat)
	}

	sc := &staged{
		module:  module,
		code:    append([]byte(nil), code...),
		created: now,
	}
	sum := md5.Sum(sc.code)
	sc.md5 = sum[:]

	if beamfile.IsContainer(sc.code) {
		m, err := beamfile.Read(sc.code)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
		}
		if m.Name != module {
			return nil, fmt.Errorf("%w: code is for module %q, not %q", ErrInvalidFormat, m.Name, module)
		}
		sc.parsed = m
		_, sc.onLoad = m.OnLoad()
	}
	return sc, nil
}

// take removes and returns the staged code for h. A handle is consumed
// by its first take whatever the outcome of the commit that follows.
func (s *StagedStore) take(h Handle) (*staged, error) {
	if h.Store != s.id {
		return nil, ErrBadReference
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.entries[h.Ref]
	if !ok {
		return nil, ErrUnknownReference
	}
	delete(s.entries, h.Ref)
	return sc, nil
}

// Module returns the target module of a staged handle.
func (s *StagedStore) Module(h Handle) (string, bool) {
	if h.Store != s.id {
		return "", false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.entries[h.Ref]
	if !ok {
		return "", false
	}
	return sc.module, true
}

// Contains reports whether h is staged and unconsumed.
func (s *StagedStore) Contains(h Handle) bool {
	_, ok := s.Module(h)
	return ok
}

// Len returns the number of staged entries.
func (s *StagedStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Sweep discards entries prepared more than ttl ago and returns how many
// were dropped.
func (s *StagedStore) Sweep(ttl time.Duration) int {
	cutoff := s.now().Add(-ttl)
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for ref, sc := range s.entries {
		if sc.created.Before(cutoff) {
			delete(s.entries, ref)
			removed++
		}
	}
	if removed > 0 {
		log.Infof("swept %d abandoned prepared modules", removed)
	}
	return removed
}

// StartSweeper runs Sweep every interval until the returned stop function
// is called.
func (s *StagedStore) StartSweeper(interval, ttl time.Duration) func() {
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				s.Sweep(ttl)
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}
