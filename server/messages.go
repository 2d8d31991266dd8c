package server

import "time"

// Wire messages of the code service. Handles travel in their string form.

type Empty struct{}

type PrepareRequest struct {
	Module string `cbor:"module"`
	Code   []byte `cbor:"code"`
}

type PrepareResponse struct {
	Handle string `cbor:"handle"`
}

type FinishRequest struct {
	Handles []string `cbor:"handles"`
}

// FinishFailure is one entry that did not commit. Reason is a stable
// identifier such as "not_purged" or "unknown_reference".
type FinishFailure struct {
	Handle  string `cbor:"handle"`
	Module  string `cbor:"module,omitempty"`
	Reason  string `cbor:"reason"`
	Message string `cbor:"message"`
}

type FinishResponse struct {
	Loaded   []string        `cbor:"loaded"`
	Failures []FinishFailure `cbor:"failures,omitempty"`
}

type ModuleRequest struct {
	Module string `cbor:"module"`
}

type BoolResponse struct {
	Value bool `cbor:"value"`
}

type ModulesResponse struct {
	Modules []string `cbor:"modules"`
}

type FinishAfterOnLoadRequest struct {
	Module  string `cbor:"module"`
	Success bool   `cbor:"success"`
}

type PurgeRequest struct {
	Module string `cbor:"module"`
	Option string `cbor:"option,omitempty"`
}

type PurgeResponse struct {
	Purged bool `cbor:"purged"`
}

type LibraryHandle struct {
	Module string `cbor:"module"`
	Serial uint64 `cbor:"serial"`
}

type LoadNativeRequest struct {
	Path   string `cbor:"path"`
	Module string `cbor:"module"`
}

type LoadNativeResponse struct {
	Library   LibraryHandle    `cbor:"library"`
	Functions []NativeFunction `cbor:"functions"`
}

type LibraryRequest struct {
	Library LibraryHandle `cbor:"library"`
}

// NativeRequest names a process and a native function, either by raw
// pointer or by module, function and arity.
type NativeRequest struct {
	Process  uint64 `cbor:"process"`
	Pointer  uint64 `cbor:"pointer,omitempty"`
	Module   string `cbor:"module,omitempty"`
	Function string `cbor:"function,omitempty"`
	Arity    int    `cbor:"arity,omitempty"`
}

type NativeResponse struct {
	Pointer  uint64 `cbor:"pointer"`
	RefCount int    `cbor:"ref_count"`
}

type NativeFunction struct {
	Name    string `cbor:"name"`
	Arity   int    `cbor:"arity"`
	Pointer uint64 `cbor:"pointer"`
	Dirty   bool   `cbor:"dirty,omitempty"`
}

type ProcessRequest struct {
	Process uint64 `cbor:"process"`
}

type ProcessResponse struct {
	Process uint64 `cbor:"process"`
}

type Area struct {
	Base   uint64 `cbor:"base"`
	Length uint64 `cbor:"length"`
}

type Export struct {
	Function string `cbor:"function"`
	Arity    uint32 `cbor:"arity"`
	Label    uint32 `cbor:"label"`
}

type ModuleInfoResponse struct {
	Module        string           `cbor:"module"`
	Status        string           `cbor:"status"`
	HasOldCode    bool             `cbor:"has_old_code"`
	HasOnLoad     bool             `cbor:"has_on_load"`
	CodeArea      Area             `cbor:"code_area"`
	OldCodeArea   *Area            `cbor:"old_code_area,omitempty"`
	MD5           string           `cbor:"md5,omitempty"`
	Exports       []Export         `cbor:"exports,omitempty"`
	Attributes    string           `cbor:"attributes,omitempty"`
	CompileInfo   string           `cbor:"compile_info,omitempty"`
	DebugInfoSize int              `cbor:"debug_info_size,omitempty"`
	LoadedAt      time.Time        `cbor:"loaded_at"`
	Natives       []NativeFunction `cbor:"natives,omitempty"`
}

type HistoryRequest struct {
	Module string `cbor:"module,omitempty"`
	Limit  int    `cbor:"limit,omitempty"`
}

type EventInfo struct {
	Kind   string    `cbor:"kind"`
	Module string    `cbor:"module"`
	Detail string    `cbor:"detail,omitempty"`
	At     time.Time `cbor:"at"`
}

type HistoryResponse struct {
	Events []EventInfo `cbor:"events"`
}
