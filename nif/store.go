package nif

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/chazu/hotcode/dynlib"
)

// Defaults used when no option overrides them.
const (
	DefaultAPIMajor       = 2
	DefaultManifestSymbol = "hotcode_nif_manifest"
)

// library is a loaded native library. The OS handle stays open for the
// lifetime of the record since function pointers point into its mapping.
type library struct {
	handle   LibraryHandle
	path     string
	os       dynlib.Library
	manifest *Manifest
	funcs    map[string]FunctionRecord // "name/arity"
	refCount int
	baseHeld bool
}

// Store owns loaded native libraries. One lock guards every library
// record, so association, disassociation and unload never interleave.
type Store struct {
	mu    sync.RWMutex
	libs  map[string]*library
	index *FunctionIndex

	opener      dynlib.Opener
	symbol      string
	apiMajor    int
	searchPaths []string

	serial atomic.Uint64
}

// Option configures a Store.
type Option func(*Store)

// WithOpener replaces the system dynamic loader.
func WithOpener(o dynlib.Opener) Option {
	return func(s *Store) { s.opener = o }
}

// WithManifestSymbol sets the accessor symbol looked up in every library.
func WithManifestSymbol(name string) Option {
	return func(s *Store) {
		if name != "" {
			s.symbol = name
		}
	}
}

// WithAPIMajor sets the supported major API version.
func WithAPIMajor(v int) Option {
	return func(s *Store) { s.apiMajor = v }
}

// WithSearchPaths sets directories used to resolve relative library paths.
func WithSearchPaths(dirs ...string) Option {
	return func(s *Store) { s.searchPaths = append([]string(nil), dirs...) }
}

// NewStore creates a store registering functions into index.
func NewStore(index *FunctionIndex, opts ...Option) *Store {
	if index == nil {
		index = NewFunctionIndex()
	}
	s := &Store{
		libs:     make(map[string]*library),
		index:    index,
		opener:   dynlib.System(),
		symbol:   DefaultManifestSymbol,
		apiMajor: DefaultAPIMajor,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Index returns the function index the store registers into.
func (s *Store) Index() *FunctionIndex {
	return s.index
}

// ---------------------------------------------------------------------------
// Load / Unload
// ---------------------------------------------------------------------------

// Load opens the library at path for module. Discovery is two-step: the
// manifest accessor is invoked first, then every function it lists is
// resolved by symbol. Any failure closes the library and registers nothing.
func (s *Store) Load(path, module string) (LibraryHandle, error) {
	if module == "" || path == "" {
		return LibraryHandle{}, fmt.Errorf("%w: module and path are required", ErrBadArgument)
	}
	if _, loaded := s.Library(module); loaded {
		return LibraryHandle{}, fmt.Errorf("%w: %s", ErrAlreadyLoaded, module)
	}

	resolved, err := s.resolvePath(path)
	if err != nil {
		return LibraryHandle{}, err
	}
	osLib, err := s.opener.Open(resolved)
	if err != nil {
		return LibraryHandle{}, fmt.Errorf("%w: %s: %v", ErrLoadFailed, resolved, err)
	}

	lib, err := s.discover(osLib, resolved, module)
	if err != nil {
		if cerr := osLib.Close(); cerr != nil {
			log.Warningf("closing %s after failed load: %v", resolved, cerr)
		}
		return LibraryHandle{}, err
	}

	s.mu.Lock()
	if _, exists := s.libs[module]; exists {
		s.mu.Unlock()
		if cerr := osLib.Close(); cerr != nil {
			log.Warningf("closing duplicate %s: %v", resolved, cerr)
		}
		return LibraryHandle{}, fmt.Errorf("%w: %s", ErrAlreadyLoaded, module)
	}
	s.libs[module] = lib
	recs := make([]FunctionRecord, 0, len(lib.funcs))
	for _, r := range lib.funcs {
		recs = append(recs, r)
	}
	s.index.register(recs)
	s.mu.Unlock()

	log.Infof("loaded native library %s for %s (%d functions)", resolved, module, len(lib.funcs))
	return lib.handle, nil
}

func (s *Store) resolvePath(path string) (string, error) {
	candidates := []string{path}
	if !filepath.IsAbs(path) {
		for _, dir := range s.searchPaths {
			candidates = append(candidates, filepath.Join(dir, path))
		}
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c, nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: %s: %v", ErrLoadFailed, c, err)
		}
	}
	return "", fmt.Errorf("%w: %s", ErrLibraryNotFound, path)
}

func (s *Store) discover(osLib dynlib.Library, path, module string) (*library, error) {
	raw, err := osLib.Manifest(s.symbol)
	if err != nil {
		if errors.Is(err, dynlib.ErrSymbolNotFound) {
			return nil, fmt.Errorf("%w: %s: %v", ErrEntryPointNotFound, s.symbol, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}
	m, err := DecodeManifest(raw)
	if err != nil {
		return nil, err
	}
	if err := m.Validate(module, s.apiMajor); err != nil {
		return nil, err
	}

	h := LibraryHandle{Module: module, Serial: s.serial.Add(1)}
	funcs := make(map[string]FunctionRecord, len(m.Functions))
	for _, f := range m.Functions {
		ptr, err := osLib.Lookup(f.SymbolName())
		if err != nil {
			return nil, fmt.Errorf("%w: %s/%d: %v", ErrEntryPointNotFound, f.Name, f.Arity, err)
		}
		if ptr == 0 {
			return nil, fmt.Errorf("%w: %s/%d resolved to null", ErrEntryPointNotFound, f.Name, f.Arity)
		}
		funcs[funcKey(f.Name, f.Arity)] = FunctionRecord{
			Pointer: ptr,
			Module:  module,
			Name:    f.Name,
			Arity:   f.Arity,
			Flags:   f.Flags,
			Library: h,
		}
	}
	return &library{
		handle:   h,
		path:     path,
		os:       osLib,
		manifest: m,
		funcs:    funcs,
		refCount: 1,
		baseHeld: true,
	}, nil
}

// Unload removes a library once no reference remains, including the base
// reference dropped by Release. The OS handle is closed last.
func (s *Store) Unload(h LibraryHandle) error {
	s.mu.Lock()
	lib, err := s.lookupLocked(h)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if lib.refCount > 0 {
		n := lib.refCount
		s.mu.Unlock()
		return fmt.Errorf("%w: %s has %d references", ErrProcessesStillUsing, h, n)
	}
	delete(s.libs, h.Module)
	s.index.unregister(h)
	s.mu.Unlock()

	if err := lib.os.Close(); err != nil {
		log.Warningf("closing %s: %v", lib.path, err)
	}
	log.Infof("unloaded native library %s for %s", lib.path, h.Module)
	return nil
}

// Release drops the base reference a library holds on itself.
func (s *Store) Release(h LibraryHandle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	lib, err := s.lookupLocked(h)
	if err != nil {
		return err
	}
	if !lib.baseHeld {
		return fmt.Errorf("%w: %s", ErrBaseReleased, h)
	}
	lib.baseHeld = false
	lib.refCount--
	return nil
}

func (s *Store) lookupLocked(h LibraryHandle) (*library, error) {
	lib, ok := s.libs[h.Module]
	if !ok || lib.handle != h {
		return nil, fmt.Errorf("%w: %s", ErrLibraryNotFound, h)
	}
	return lib, nil
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

// Library returns the handle of module's loaded library.
func (s *Store) Library(module string) (LibraryHandle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	lib, ok := s.libs[module]
	if !ok {
		return LibraryHandle{}, false
	}
	return lib.handle, true
}

// RefCount returns a library's reference count.
func (s *Store) RefCount(h LibraryHandle) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	lib, err := s.lookupLocked(h)
	if err != nil {
		return 0, err
	}
	return lib.refCount, nil
}

// InUse reports whether any process is bound to a function of module's
// library. The base reference does not count.
func (s *Store) InUse(module string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.inUseLocked(module)
}

func (s *Store) inUseLocked(module string) bool {
	lib, ok := s.libs[module]
	if !ok {
		return false
	}
	bound := lib.refCount
	if lib.baseHeld {
		bound--
	}
	return bound > 0
}

// Lookup returns the pointer of module's name/arity function.
func (s *Store) Lookup(module, name string, arity int) (uintptr, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	lib, ok := s.libs[module]
	if !ok {
		return 0, false
	}
	r, ok := lib.funcs[funcKey(name, arity)]
	return r.Pointer, ok
}

// Functions returns module's functions ordered by name then arity.
func (s *Store) Functions(module string) []FunctionRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	lib, ok := s.libs[module]
	if !ok {
		return nil
	}
	out := make([]FunctionRecord, 0, len(lib.funcs))
	for _, r := range lib.funcs {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Arity < out[j].Arity
	})
	return out
}

// Modules returns the modules with a loaded library, sorted.
func (s *Store) Modules() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.libs))
	for name := range s.libs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// FunctionOwner returns the module a function pointer belongs to.
func (s *Store) FunctionOwner(ptr uintptr) (string, bool) {
	return s.index.Owner(ptr)
}

func funcKey(name string, arity int) string {
	return fmt.Sprintf("%s/%d", name, arity)
}
