package codeload

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/chazu/hotcode/beamfile"
	"github.com/chazu/hotcode/codearea"
	"github.com/chazu/hotcode/etf"
)

// Status is a module's lifecycle state.
type Status int

const (
	StatusLoaded Status = iota
	StatusPreLoaded
	StatusOnLoadPending
)

func (s Status) String() string {
	switch s {
	case StatusLoaded:
		return "loaded"
	case StatusPreLoaded:
		return "pre_loaded"
	case StatusOnLoadPending:
		return "on_load_pending"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// version is one committed generation of a module's code.
type version struct {
	area        codearea.Area
	size        int
	md5         []byte
	exports     []beamfile.Export
	attributes  etf.Term
	compileInfo etf.Term
	debugInfo   []byte
	onLoad      bool
	loadedAt    time.Time
}

type module struct {
	name    string
	status  Status
	current *version
	old     *version
}

// Record is a snapshot of a module's registry entry.
type Record struct {
	Name        string
	Status      Status
	HasOldCode  bool
	HasOnLoad   bool
	CodeArea    codearea.Area
	OldCodeArea codearea.Area
	MD5         []byte
	Exports     []beamfile.Export
	Attributes  etf.Term
	CompileInfo etf.Term
	DebugInfo   []byte
	LoadedAt    time.Time
}

func (m *module) record() Record {
	r := Record{
		Name:       m.name,
		Status:     m.status,
		HasOldCode: m.old != nil,
	}
	if v := m.current; v != nil {
		r.HasOnLoad = v.onLoad
		r.CodeArea = v.area
		r.MD5 = v.md5
		r.Exports = v.exports
		r.Attributes = v.attributes
		r.CompileInfo = v.compileInfo
		r.DebugInfo = v.debugInfo
		r.LoadedAt = v.loadedAt
	}
	if m.old != nil {
		r.OldCodeArea = m.old.area
	}
	return r
}

// ---------------------------------------------------------------------------
// Registry: module name -> lifecycle state
// ---------------------------------------------------------------------------

// Registry is the authoritative module table.
type Registry struct {
	mu      sync.RWMutex
	modules map[string]*module
	areas   *codearea.Allocator
}

// NewRegistry creates an empty registry allocating code areas from areas.
func NewRegistry(areas *codearea.Allocator) *Registry {
	if areas == nil {
		areas = codearea.NewAllocator(0)
	}
	return &Registry{
		modules: make(map[string]*module),
		areas:   areas,
	}
}

// Register inserts a module record as given, for boot-time installation
// and for restoring known states. The name must be new.
func (r *Registry) Register(rec Record) error {
	if rec.Name == "" {
		return fmt.Errorf("%w: empty module name", ErrBadArgument)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.modules[rec.Name]; exists {
		return fmt.Errorf("%w: %s already registered", ErrBadArgument, rec.Name)
	}
	m := &module{
		name:   rec.Name,
		status: rec.Status,
		current: &version{
			area:        rec.CodeArea,
			md5:         rec.MD5,
			exports:     rec.Exports,
			attributes:  rec.Attributes,
			compileInfo: rec.CompileInfo,
			debugInfo:   rec.DebugInfo,
			onLoad:      rec.HasOnLoad || rec.Status == StatusOnLoadPending,
			loadedAt:    rec.LoadedAt,
		},
	}
	if rec.HasOldCode {
		m.old = &version{area: rec.OldCodeArea}
	}
	r.modules[rec.Name] = m
	return nil
}

// install commits v as the module's current code. Existing current code
// becomes old; a module that still has old code is refused.
func (r *Registry) install(name string, v *version, status Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, exists := r.modules[name]
	if exists {
		if m.status == StatusPreLoaded {
			return ErrPreloaded
		}
		if m.old != nil {
			return ErrNotPurged
		}
	}
	area, err := r.areas.Allocate(v.size)
	if err != nil {
		return err
	}
	v.area = area

	if !exists {
		r.modules[name] = &module{name: name, status: status, current: v}
		return nil
	}
	m.old = m.current
	m.current = v
	m.status = status
	return nil
}

// preload installs v as a pre-loaded module. The name must be new.
func (r *Registry) preload(name string, v *version) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.modules[name]; exists {
		return fmt.Errorf("%w: %s already registered", ErrBadArgument, name)
	}
	area, err := r.areas.Allocate(v.size)
	if err != nil {
		return err
	}
	v.area = area
	v.onLoad = false
	r.modules[name] = &module{name: name, status: StatusPreLoaded, current: v}
	return nil
}

// Lookup returns a snapshot of a module's entry.
func (r *Registry) Lookup(name string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.modules[name]
	if !ok {
		return Record{}, false
	}
	return m.record(), true
}

// ModuleLoaded reports whether the module is loaded or pre-loaded. A
// module waiting for on_load is not loaded.
func (r *Registry) ModuleLoaded(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.modules[name]
	return ok && (m.status == StatusLoaded || m.status == StatusPreLoaded)
}

// CheckOldCode reports whether the module has old code. Unknown modules
// have none.
func (r *Registry) CheckOldCode(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.modules[name]
	return ok && m.old != nil
}

// OldCodeArea returns the area of the module's old code, if it has any.
func (r *Registry) OldCodeArea(name string) (codearea.Area, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.modules[name]
	if !ok || m.old == nil {
		return codearea.Area{}, false
	}
	return m.old.area, true
}

// CodeArea returns the area of the module's current code.
func (r *Registry) CodeArea(name string) (codearea.Area, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.modules[name]
	if !ok || m.current == nil {
		return codearea.Area{}, false
	}
	return m.current.area, true
}

// Delete removes a module that has no old code and is not pre-loaded.
func (r *Registry) Delete(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.modules[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if m.status == StatusPreLoaded {
		return fmt.Errorf("%w: %s", ErrCannotDeletePreloaded, name)
	}
	if m.old != nil {
		return fmt.Errorf("%w: %s", ErrMustPurgeFirst, name)
	}
	delete(r.modules, name)
	return nil
}

// Purge discards the module's old code and reports whether there was any.
// It does not check whether processes still reference that code; callers
// go through PurgeCoordinator for that.
func (r *Registry) Purge(name string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.modules[name]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if m.status == StatusPreLoaded {
		return false, fmt.Errorf("%w: %s", ErrPreloaded, name)
	}
	if m.old == nil {
		return false, nil
	}
	m.old = nil
	return true, nil
}

// FinishAfterOnLoad completes a module waiting for on_load. On success the
// module becomes loaded. On failure the pending code is dropped: the old
// code becomes current again if there is any, otherwise the module is
// removed.
func (r *Registry) FinishAfterOnLoad(name string, success bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.modules[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if m.status != StatusOnLoadPending {
		return fmt.Errorf("%w: %s is %s", ErrNotOnLoadPending, name, m.status)
	}
	if success {
		m.status = StatusLoaded
		m.current.onLoad = false
		return nil
	}
	if m.old == nil {
		delete(r.modules, name)
		return nil
	}
	m.current = m.old
	m.old = nil
	m.status = StatusLoaded
	return nil
}

// Loaded returns the names of loaded and pre-loaded modules, sorted.
func (r *Registry) Loaded() []string {
	return r.names(func(m *module) bool {
		return m.status == StatusLoaded || m.status == StatusPreLoaded
	})
}

// PreLoaded returns the names of pre-loaded modules, sorted.
func (r *Registry) PreLoaded() []string {
	return r.names(func(m *module) bool { return m.status == StatusPreLoaded })
}

// Modules returns every registered module name, sorted.
func (r *Registry) Modules() []string {
	return r.names(func(*module) bool { return true })
}

// Len returns the number of registered modules.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.modules)
}

func (r *Registry) names(keep func(*module) bool) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.modules))
	for name, m := range r.modules {
		if keep(m) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
