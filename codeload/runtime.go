package codeload

import (
	"errors"
	"fmt"
	"time"

	"github.com/chazu/hotcode/codearea"
	"github.com/chazu/hotcode/nif"
)

// Runtime is the code loading context: one module registry, one staged
// code store and one native library store, shared by every caller.
type Runtime struct {
	registry  *Registry
	staged    *StagedStore
	natives   *nif.Store
	processes ProcessInspector
	purge     *PurgeCoordinator
	events    EventSink
	now       func() time.Time

	areas      *codearea.Allocator
	nativeOpts []nif.Option
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithProcessInspector sets the process layer consulted before purging.
func WithProcessInspector(p ProcessInspector) Option {
	return func(r *Runtime) { r.processes = p }
}

// WithNativeStore uses an existing native library store.
func WithNativeStore(s *nif.Store) Option {
	return func(r *Runtime) { r.natives = s }
}

// WithNativeOptions configures the native library store the runtime
// creates. Ignored when WithNativeStore is given.
func WithNativeOptions(opts ...nif.Option) Option {
	return func(r *Runtime) { r.nativeOpts = append(r.nativeOpts, opts...) }
}

// WithEventSink receives an event for every loader operation.
func WithEventSink(sink EventSink) Option {
	return func(r *Runtime) {
		if sink != nil {
			r.events = sink
		}
	}
}

// WithClock replaces time.Now for event and staging timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Runtime) {
		if now != nil {
			r.now = now
		}
	}
}

// WithAllocator sets the allocator code areas are assigned from.
func WithAllocator(a *codearea.Allocator) Option {
	return func(r *Runtime) { r.areas = a }
}

// NewRuntime creates a runtime with empty tables.
func NewRuntime(opts ...Option) *Runtime {
	r := &Runtime{
		events: discardSink{},
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.natives == nil {
		r.natives = nif.NewStore(nil, r.nativeOpts...)
	}
	r.registry = NewRegistry(r.areas)
	r.staged = NewStagedStore()
	r.staged.now = r.now
	r.purge = NewPurgeCoordinator(r.registry, r.processes, r.natives)
	return r
}

// Registry returns the module registry.
func (r *Runtime) Registry() *Registry { return r.registry }

// Staged returns the staged code store.
func (r *Runtime) Staged() *StagedStore { return r.staged }

// Natives returns the native library store.
func (r *Runtime) Natives() *nif.Store { return r.natives }

func (r *Runtime) emit(kind EventKind, module, detail string) {
	r.events.Record(Event{Kind: kind, Module: module, Detail: detail, At: r.now()})
}

// ---------------------------------------------------------------------------
// Two-phase loading
// ---------------------------------------------------------------------------

// Prepare validates code for module and stages it. The registry is not
// touched until Finish.
func (r *Runtime) Prepare(module string, code []byte) (Handle, error) {
	h, err := r.staged.Prepare(module, code)
	if err != nil {
		return Handle{}, err
	}
	r.emit(EventPrepared, module, fmt.Sprintf("%d bytes", len(code)))
	return h, nil
}

// Finish commits every handle in order. Each entry commits or fails on
// its own and every handle is consumed. The error, if any, is a
// *FinishError listing the failed entries. A zero handle fails the whole
// call before any entry is processed.
func (r *Runtime) Finish(handles []Handle) error {
	for i, h := range handles {
		if h.IsZero() {
			return fmt.Errorf("%w: handle %d is not a staged code reference", ErrBadArgument, i)
		}
	}

	var failures []*ModuleError
	for i, h := range handles {
		module, err := r.finishOne(h)
		if err != nil {
			log.Warningf("finish %s: %v", h, err)
			r.emit(EventLoadFailed, module, err.Error())
			failures = append(failures, &ModuleError{Index: i, Module: module, Handle: h, Err: err})
		}
	}
	if len(failures) > 0 {
		return &FinishError{Failures: failures}
	}
	return nil
}

func (r *Runtime) finishOne(h Handle) (string, error) {
	sc, err := r.staged.take(h)
	if err != nil {
		return "", err
	}
	status := StatusLoaded
	if sc.onLoad {
		status = StatusOnLoadPending
	}
	v := sc.version()
	v.loadedAt = r.now()
	if err := r.registry.install(sc.module, v, status); err != nil {
		return sc.module, err
	}
	log.Infof("loaded %s (%s, area %s)", sc.module, status, v.area)
	r.emit(EventLoaded, sc.module, status.String())
	return sc.module, nil
}

// FinishAfterOnLoad completes a module whose on_load function has run.
func (r *Runtime) FinishAfterOnLoad(module string, success bool) error {
	if err := r.registry.FinishAfterOnLoad(module, success); err != nil {
		return err
	}
	if success {
		r.emit(EventOnLoadCompleted, module, "")
	} else {
		log.Warningf("on_load of %s failed", module)
		r.emit(EventOnLoadFailed, module, "")
	}
	return nil
}

// Preload installs module directly as pre-loaded, for boot.
func (r *Runtime) Preload(module string, code []byte) error {
	sc, err := newStaged(module, code, r.now())
	if err != nil {
		return err
	}
	v := sc.version()
	v.loadedAt = r.now()
	if err := r.registry.preload(module, v); err != nil {
		return err
	}
	log.Infof("pre-loaded %s", module)
	r.emit(EventPreloaded, module, "")
	return nil
}

// ---------------------------------------------------------------------------
// Registry operations
// ---------------------------------------------------------------------------

// Delete removes a module with no old code.
func (r *Runtime) Delete(module string) error {
	if err := r.registry.Delete(module); err != nil {
		return err
	}
	log.Infof("deleted %s", module)
	r.emit(EventDeleted, module, "")
	return nil
}

// ModuleLoaded reports whether module is loaded or pre-loaded.
func (r *Runtime) ModuleLoaded(module string) bool { return r.registry.ModuleLoaded(module) }

// Loaded returns loaded and pre-loaded module names, sorted.
func (r *Runtime) Loaded() []string { return r.registry.Loaded() }

// PreLoaded returns pre-loaded module names, sorted.
func (r *Runtime) PreLoaded() []string { return r.registry.PreLoaded() }

// CheckOldCode reports whether module has old code.
func (r *Runtime) CheckOldCode(module string) bool { return r.registry.CheckOldCode(module) }

// Info returns a snapshot of module's registry entry.
func (r *Runtime) Info(module string) (Record, bool) { return r.registry.Lookup(module) }

// MayPurge reports whether module's old code is unreferenced.
func (r *Runtime) MayPurge(module string) bool { return r.purge.MayPurge(module) }

// Purge discards module's old code and reports whether any was discarded.
func (r *Runtime) Purge(module string, opt PurgeOption) (bool, error) {
	purged, err := r.purge.Purge(module, opt)
	switch {
	case err != nil:
		if errors.Is(err, ErrProcessesStillUsing) {
			r.emit(EventPurgeRefused, module, err.Error())
		}
		return false, err
	case purged:
		log.Infof("purged old code of %s", module)
		r.emit(EventPurged, module, opt.String())
	case r.registry.CheckOldCode(module):
		r.emit(EventPurgeRefused, module, "old code still referenced")
	}
	return purged, nil
}

// ---------------------------------------------------------------------------
// Native libraries
// ---------------------------------------------------------------------------

// LoadNativeLibrary loads the native library at path for module.
func (r *Runtime) LoadNativeLibrary(path, module string) (nif.LibraryHandle, error) {
	h, err := r.natives.Load(path, module)
	if err != nil {
		return nif.LibraryHandle{}, err
	}
	r.emit(EventNativeLoaded, module, path)
	return h, nil
}

// UnloadNativeLibrary unloads a library no process references.
func (r *Runtime) UnloadNativeLibrary(h nif.LibraryHandle) error {
	if err := r.natives.Unload(h); err != nil {
		return err
	}
	r.emit(EventNativeUnloaded, h.Module, "")
	return nil
}

// ReleaseNativeLibrary drops a library's base reference so it can be
// unloaded once every process has disassociated.
func (r *Runtime) ReleaseNativeLibrary(h nif.LibraryHandle) error {
	return r.natives.Release(h)
}

// AssociateNative binds a native function pointer to a process.
func (r *Runtime) AssociateNative(p nif.Process, ptr uintptr) error {
	return r.natives.Associate(p, ptr)
}

// DisassociateNative ensures a pointer is no longer bound to a process.
func (r *Runtime) DisassociateNative(p nif.Process, ptr uintptr) error {
	return r.natives.Disassociate(p, ptr)
}

// ReleaseProcess drops every native binding p holds. Returns the number
// of library references released.
func (r *Runtime) ReleaseProcess(p nif.Process) int {
	return r.natives.DisassociateAll(p)
}
