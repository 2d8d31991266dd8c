// Package nif keeps track of loaded native libraries, the functions they
// export, and which processes are bound to them.
package nif

import (
	"errors"

	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("hotcode.nif")

var (
	// Loading
	ErrLibraryNotFound    = errors.New("native library not found")
	ErrLoadFailed         = errors.New("native library load failed")
	ErrInvalidFormat      = errors.New("invalid native library")
	ErrEntryPointNotFound = errors.New("native entry point not found")
	ErrAlreadyLoaded      = errors.New("native library already loaded for module")

	// Unloading
	ErrProcessesStillUsing = errors.New("processes still using native library")
	ErrBaseReleased        = errors.New("native library base reference already released")

	// Association
	ErrInvalidPointer = errors.New("invalid native function pointer")
	ErrBadArgument    = errors.New("bad argument")
)
