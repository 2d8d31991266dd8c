package server

import (
	"errors"

	"connectrpc.com/connect"

	"github.com/chazu/hotcode/codeload"
	"github.com/chazu/hotcode/nif"
)

// toConnectError maps loader errors onto Connect codes.
func toConnectError(err error) error {
	if err == nil {
		return nil
	}
	return connect.NewError(codeOf(err), err)
}

func codeOf(err error) connect.Code {
	switch {
	case errors.Is(err, codeload.ErrBadArgument),
		errors.Is(err, codeload.ErrInvalidFormat),
		errors.Is(err, nif.ErrBadArgument),
		errors.Is(err, nif.ErrInvalidFormat),
		errors.Is(err, nif.ErrInvalidPointer):
		return connect.CodeInvalidArgument
	case errors.Is(err, codeload.ErrNotFound),
		errors.Is(err, codeload.ErrUnknownReference),
		errors.Is(err, nif.ErrLibraryNotFound),
		errors.Is(err, nif.ErrEntryPointNotFound):
		return connect.CodeNotFound
	case errors.Is(err, nif.ErrAlreadyLoaded):
		return connect.CodeAlreadyExists
	case errors.Is(err, codeload.ErrMustPurgeFirst),
		errors.Is(err, codeload.ErrCannotDeletePreloaded),
		errors.Is(err, codeload.ErrPreloaded),
		errors.Is(err, codeload.ErrNotPurged),
		errors.Is(err, codeload.ErrNotOnLoadPending),
		errors.Is(err, codeload.ErrProcessesStillUsing),
		errors.Is(err, nif.ErrProcessesStillUsing),
		errors.Is(err, nif.ErrBaseReleased):
		return connect.CodeFailedPrecondition
	case errors.Is(err, codeload.ErrBadReference):
		return connect.CodePermissionDenied
	default:
		return connect.CodeInternal
	}
}

// reasonOf names the cause of a failed finish entry.
func reasonOf(err error) string {
	switch {
	case errors.Is(err, codeload.ErrNotPurged):
		return "not_purged"
	case errors.Is(err, codeload.ErrUnknownReference):
		return "unknown_reference"
	case errors.Is(err, codeload.ErrBadReference):
		return "bad_reference"
	case errors.Is(err, codeload.ErrPreloaded):
		return "preloaded"
	default:
		return "internal"
	}
}
