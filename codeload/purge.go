package codeload

import (
	"fmt"

	"github.com/chazu/hotcode/codearea"
	"github.com/chazu/hotcode/nif"
)

// ProcessInspector answers whether live processes reference a code area
// through their instruction pointer, continuation stack or tracked native
// function pointers. Dirty processes are queried separately.
type ProcessInspector interface {
	AnyProcessUsesModule(area codearea.Area) bool
	AnyDirtyProcessUsesModule(area codearea.Area) bool
}

// ProcessTerminator is implemented by process layers that can kill every
// process referencing an area, for forced purges. release is called on
// each victim before it exits.
type ProcessTerminator interface {
	TerminateProcessesUsing(area codearea.Area, release func(nif.Process)) int
}

// NativeUsage reports whether any process is bound to a native function
// of a module's library. WithExclusive holds the library records locked
// for the duration of fn so no binding changes under a purge decision.
type NativeUsage interface {
	InUse(module string) bool
	WithExclusive(module string, fn func(inUse bool) error) error
	DisassociateAll(p nif.Process) int
}

// PurgeOption selects how Purge treats old code that is still referenced.
type PurgeOption int

const (
	// PurgeSoft leaves referenced old code in place and reports false.
	PurgeSoft PurgeOption = iota
	// PurgeForce terminates referencing processes when the process layer
	// supports it, then purges.
	PurgeForce
)

func (o PurgeOption) String() string {
	switch o {
	case PurgeSoft:
		return "soft"
	case PurgeForce:
		return "force"
	default:
		return fmt.Sprintf("purge_option(%d)", int(o))
	}
}

// ParsePurgeOption maps "soft" and "force" to options.
func ParsePurgeOption(s string) (PurgeOption, error) {
	switch s {
	case "", "soft":
		return PurgeSoft, nil
	case "force":
		return PurgeForce, nil
	default:
		return 0, fmt.Errorf("%w: purge option %q", ErrBadArgument, s)
	}
}

// PurgeCoordinator decides whether a module's old code can be discarded.
// MayPurge never mutates; Purge is the separate mutation.
type PurgeCoordinator struct {
	registry  *Registry
	processes ProcessInspector
	natives   NativeUsage
}

// NewPurgeCoordinator creates a coordinator. processes and natives may be
// nil, in which case nothing is considered to reference any code.
func NewPurgeCoordinator(registry *Registry, processes ProcessInspector, natives NativeUsage) *PurgeCoordinator {
	return &PurgeCoordinator{registry: registry, processes: processes, natives: natives}
}

// MayPurge reports whether no process references module's old code. It is
// vacuously true for modules with no old code area.
func (c *PurgeCoordinator) MayPurge(module string) bool {
	area, ok := c.registry.OldCodeArea(module)
	if !ok {
		return true
	}
	return !c.referenced(module, area)
}

func (c *PurgeCoordinator) referenced(module string, area codearea.Area) bool {
	return c.processesReference(area) || (c.natives != nil && c.natives.InUse(module))
}

func (c *PurgeCoordinator) processesReference(area codearea.Area) bool {
	if c.processes == nil {
		return false
	}
	return c.processes.AnyProcessUsesModule(area) || c.processes.AnyDirtyProcessUsesModule(area)
}

// Purge discards module's old code if it is safe to do so and reports
// whether old code was discarded.
func (c *PurgeCoordinator) Purge(module string, opt PurgeOption) (bool, error) {
	if opt != PurgeSoft && opt != PurgeForce {
		return false, fmt.Errorf("%w: purge option %d", ErrBadArgument, int(opt))
	}
	rec, ok := c.registry.Lookup(module)
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrNotFound, module)
	}
	if rec.Status == StatusPreLoaded {
		return false, fmt.Errorf("%w: %s", ErrPreloaded, module)
	}
	if !rec.HasOldCode {
		return false, nil
	}

	purged, blocked, err := c.commit(module, rec.OldCodeArea)
	if err != nil || !blocked {
		return purged, err
	}
	if opt == PurgeSoft {
		log.Warningf("purge of %s refused: old code still referenced", module)
		return false, nil
	}

	t, ok := c.processes.(ProcessTerminator)
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrProcessesStillUsing, module)
	}
	var release func(nif.Process)
	if c.natives != nil {
		release = func(p nif.Process) { c.natives.DisassociateAll(p) }
	}
	n := t.TerminateProcessesUsing(rec.OldCodeArea, release)
	log.Warningf("terminated %d processes running old code of %s", n, module)

	purged, blocked, err = c.commit(module, rec.OldCodeArea)
	if err != nil {
		return false, err
	}
	if blocked {
		return false, fmt.Errorf("%w: %s", ErrProcessesStillUsing, module)
	}
	return purged, nil
}

// commit re-checks every reference to area and purges when none remain.
// The native check and the registry mutation run under the native store's
// exclusive lock.
func (c *PurgeCoordinator) commit(module string, area codearea.Area) (purged, blocked bool, err error) {
	try := func(nativeInUse bool) error {
		if nativeInUse || c.processesReference(area) {
			blocked = true
			return nil
		}
		var perr error
		purged, perr = c.registry.Purge(module)
		return perr
	}
	if c.natives == nil {
		err = try(false)
	} else {
		err = c.natives.WithExclusive(module, try)
	}
	return purged, blocked, err
}
