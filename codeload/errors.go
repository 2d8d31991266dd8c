package codeload

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// Module registry
	ErrBadArgument           = errors.New("bad argument")
	ErrNotFound              = errors.New("module not found")
	ErrMustPurgeFirst        = errors.New("old code must be purged first")
	ErrCannotDeletePreloaded = errors.New("cannot delete pre-loaded module")
	ErrPreloaded             = errors.New("module is pre-loaded")
	ErrNotOnLoadPending      = errors.New("module is not waiting for on_load")

	// Staged code
	ErrInvalidFormat    = errors.New("invalid module code")
	ErrNotPurged        = errors.New("old code not purged")
	ErrUnknownReference = errors.New("unknown staged code reference")
	ErrBadReference     = errors.New("staged code reference from another store")

	// Purge
	ErrProcessesStillUsing = errors.New("processes still using old code")
)

// ModuleError is the outcome of one failed finish entry. Index is the
// entry's position in the finish call.
type ModuleError struct {
	Index  int
	Module string
	Handle Handle
	Err    error
}

func (e *ModuleError) Error() string {
	if e.Module == "" {
		return fmt.Sprintf("%s: %v", e.Handle, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Module, e.Err)
}

func (e *ModuleError) Unwrap() error { return e.Err }

// FinishError lists every entry of a finish call that did not commit.
// Entries not listed committed.
type FinishError struct {
	Failures []*ModuleError
}

func (e *FinishError) Error() string {
	parts := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		parts[i] = f.Error()
	}
	return "finish loading: " + strings.Join(parts, "; ")
}

func (e *FinishError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f
	}
	return errs
}

// Modules returns the names of the failed modules, in entry order.
func (e *FinishError) Modules() []string {
	names := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		names = append(names, f.Module)
	}
	return names
}
