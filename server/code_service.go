package server

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"connectrpc.com/connect"

	"github.com/chazu/hotcode/codearea"
	"github.com/chazu/hotcode/codeload"
	"github.com/chazu/hotcode/etf"
	"github.com/chazu/hotcode/nif"
	"github.com/chazu/hotcode/process"
)

// History answers event queries, normally backed by the journal.
type History interface {
	Events(ctx context.Context, module string, limit int) ([]codeload.Event, error)
}

// CodeService implements the code loading procedures over a runtime.
type CodeService struct {
	rt      *codeload.Runtime
	procs   *process.Table
	history History
}

// NewCodeService creates a CodeService. history may be nil.
func NewCodeService(rt *codeload.Runtime, procs *process.Table, history History) *CodeService {
	return &CodeService{rt: rt, procs: procs, history: history}
}

func requireModule(name string) error {
	if name == "" {
		return connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("module is required"))
	}
	return nil
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Prepare stages code and returns its handle.
func (s *CodeService) Prepare(
	ctx context.Context,
	req *connect.Request[PrepareRequest],
) (*connect.Response[PrepareResponse], error) {
	h, err := s.rt.Prepare(req.Msg.Module, req.Msg.Code)
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&PrepareResponse{Handle: h.String()}), nil
}

// Finish commits staged handles. Per-entry failures are reported in the
// response; only malformed handles fail the call.
func (s *CodeService) Finish(
	ctx context.Context,
	req *connect.Request[FinishRequest],
) (*connect.Response[FinishResponse], error) {
	handles := make([]codeload.Handle, len(req.Msg.Handles))
	for i, text := range req.Msg.Handles {
		h, err := codeload.ParseHandle(text)
		if err != nil {
			return nil, toConnectError(err)
		}
		handles[i] = h
	}

	// Target modules are read before commit consumes the handles.
	modules := make([]string, len(handles))
	for i, h := range handles {
		modules[i], _ = s.rt.Staged().Module(h)
	}

	resp := &FinishResponse{Loaded: []string{}}
	failed := make([]bool, len(handles))
	err := s.rt.Finish(handles)
	var fe *codeload.FinishError
	switch {
	case err == nil:
	case errors.As(err, &fe):
		for _, f := range fe.Failures {
			failed[f.Index] = true
			resp.Failures = append(resp.Failures, FinishFailure{
				Handle:  f.Handle.String(),
				Module:  f.Module,
				Reason:  reasonOf(f.Err),
				Message: f.Err.Error(),
			})
		}
	default:
		return nil, toConnectError(err)
	}
	for i := range handles {
		if !failed[i] && modules[i] != "" {
			resp.Loaded = append(resp.Loaded, modules[i])
		}
	}
	return connect.NewResponse(resp), nil
}

// FinishAfterOnLoad completes a module waiting for its on_load function.
func (s *CodeService) FinishAfterOnLoad(
	ctx context.Context,
	req *connect.Request[FinishAfterOnLoadRequest],
) (*connect.Response[Empty], error) {
	if err := requireModule(req.Msg.Module); err != nil {
		return nil, err
	}
	if err := s.rt.FinishAfterOnLoad(req.Msg.Module, req.Msg.Success); err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&Empty{}), nil
}

// ---------------------------------------------------------------------------
// Registry
// ---------------------------------------------------------------------------

// Delete removes a module without old code.
func (s *CodeService) Delete(
	ctx context.Context,
	req *connect.Request[ModuleRequest],
) (*connect.Response[Empty], error) {
	if err := requireModule(req.Msg.Module); err != nil {
		return nil, err
	}
	if err := s.rt.Delete(req.Msg.Module); err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&Empty{}), nil
}

// ModuleLoaded reports whether a module is loaded or pre-loaded.
func (s *CodeService) ModuleLoaded(
	ctx context.Context,
	req *connect.Request[ModuleRequest],
) (*connect.Response[BoolResponse], error) {
	return connect.NewResponse(&BoolResponse{Value: s.rt.ModuleLoaded(req.Msg.Module)}), nil
}

// Loaded lists loaded and pre-loaded modules.
func (s *CodeService) Loaded(
	ctx context.Context,
	req *connect.Request[Empty],
) (*connect.Response[ModulesResponse], error) {
	return connect.NewResponse(&ModulesResponse{Modules: s.rt.Loaded()}), nil
}

// PreLoaded lists pre-loaded modules.
func (s *CodeService) PreLoaded(
	ctx context.Context,
	req *connect.Request[Empty],
) (*connect.Response[ModulesResponse], error) {
	return connect.NewResponse(&ModulesResponse{Modules: s.rt.PreLoaded()}), nil
}

// CheckOldCode reports whether a module has old code.
func (s *CodeService) CheckOldCode(
	ctx context.Context,
	req *connect.Request[ModuleRequest],
) (*connect.Response[BoolResponse], error) {
	return connect.NewResponse(&BoolResponse{Value: s.rt.CheckOldCode(req.Msg.Module)}), nil
}

// MayPurge reports whether a module's old code is unreferenced.
func (s *CodeService) MayPurge(
	ctx context.Context,
	req *connect.Request[ModuleRequest],
) (*connect.Response[BoolResponse], error) {
	return connect.NewResponse(&BoolResponse{Value: s.rt.MayPurge(req.Msg.Module)}), nil
}

// Purge discards a module's old code when it is safe to.
func (s *CodeService) Purge(
	ctx context.Context,
	req *connect.Request[PurgeRequest],
) (*connect.Response[PurgeResponse], error) {
	if err := requireModule(req.Msg.Module); err != nil {
		return nil, err
	}
	opt, err := codeload.ParsePurgeOption(req.Msg.Option)
	if err != nil {
		return nil, toConnectError(err)
	}
	purged, err := s.rt.Purge(req.Msg.Module, opt)
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&PurgeResponse{Purged: purged}), nil
}

// ModuleInfo describes a module's registry entry and native functions.
func (s *CodeService) ModuleInfo(
	ctx context.Context,
	req *connect.Request[ModuleRequest],
) (*connect.Response[ModuleInfoResponse], error) {
	if err := requireModule(req.Msg.Module); err != nil {
		return nil, err
	}
	rec, ok := s.rt.Info(req.Msg.Module)
	if !ok {
		return nil, toConnectError(fmt.Errorf("%w: %s", codeload.ErrNotFound, req.Msg.Module))
	}

	info := &ModuleInfoResponse{
		Module:        rec.Name,
		Status:        rec.Status.String(),
		HasOldCode:    rec.HasOldCode,
		HasOnLoad:     rec.HasOnLoad,
		CodeArea:      toArea(rec.CodeArea),
		MD5:           hex.EncodeToString(rec.MD5),
		DebugInfoSize: len(rec.DebugInfo),
		LoadedAt:      rec.LoadedAt,
		Natives:       nativeFunctions(s.rt.Natives().Functions(rec.Name)),
	}
	if rec.HasOldCode {
		old := toArea(rec.OldCodeArea)
		info.OldCodeArea = &old
	}
	for _, e := range rec.Exports {
		info.Exports = append(info.Exports, Export{Function: e.Function, Arity: e.Arity, Label: e.Label})
	}
	if rec.Attributes != nil {
		info.Attributes = etf.Format(rec.Attributes)
	}
	if rec.CompileInfo != nil {
		info.CompileInfo = etf.Format(rec.CompileInfo)
	}
	return connect.NewResponse(info), nil
}

// History returns journaled events.
func (s *CodeService) History(
	ctx context.Context,
	req *connect.Request[HistoryRequest],
) (*connect.Response[HistoryResponse], error) {
	if s.history == nil {
		return nil, connect.NewError(connect.CodeUnimplemented, fmt.Errorf("journal is disabled"))
	}
	events, err := s.history.Events(ctx, req.Msg.Module, req.Msg.Limit)
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	resp := &HistoryResponse{Events: make([]EventInfo, 0, len(events))}
	for _, ev := range events {
		resp.Events = append(resp.Events, EventInfo{
			Kind:   string(ev.Kind),
			Module: ev.Module,
			Detail: ev.Detail,
			At:     ev.At,
		})
	}
	return connect.NewResponse(resp), nil
}

// ---------------------------------------------------------------------------
// Native libraries and processes
// ---------------------------------------------------------------------------

// LoadNativeLibrary loads a native library for a module.
func (s *CodeService) LoadNativeLibrary(
	ctx context.Context,
	req *connect.Request[LoadNativeRequest],
) (*connect.Response[LoadNativeResponse], error) {
	h, err := s.rt.LoadNativeLibrary(req.Msg.Path, req.Msg.Module)
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&LoadNativeResponse{
		Library:   LibraryHandle{Module: h.Module, Serial: h.Serial},
		Functions: nativeFunctions(s.rt.Natives().Functions(h.Module)),
	}), nil
}

// UnloadNativeLibrary unloads a native library nothing references.
func (s *CodeService) UnloadNativeLibrary(
	ctx context.Context,
	req *connect.Request[LibraryRequest],
) (*connect.Response[Empty], error) {
	if err := s.rt.UnloadNativeLibrary(fromLibraryHandle(req.Msg.Library)); err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&Empty{}), nil
}

// ReleaseNativeLibrary drops a library's base reference.
func (s *CodeService) ReleaseNativeLibrary(
	ctx context.Context,
	req *connect.Request[LibraryRequest],
) (*connect.Response[Empty], error) {
	if err := s.rt.ReleaseNativeLibrary(fromLibraryHandle(req.Msg.Library)); err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&Empty{}), nil
}

// AssociateNative binds a native function to a process.
func (s *CodeService) AssociateNative(
	ctx context.Context,
	req *connect.Request[NativeRequest],
) (*connect.Response[NativeResponse], error) {
	p, ptr, err := s.resolveNative(req.Msg)
	if err != nil {
		return nil, err
	}
	if err := s.rt.AssociateNative(p, ptr); err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(s.nativeResponse(ptr)), nil
}

// DisassociateNative ensures a native function is not bound to a process.
func (s *CodeService) DisassociateNative(
	ctx context.Context,
	req *connect.Request[NativeRequest],
) (*connect.Response[NativeResponse], error) {
	p, ptr, err := s.resolveNative(req.Msg)
	if err != nil {
		return nil, err
	}
	if err := s.rt.DisassociateNative(p, ptr); err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(s.nativeResponse(ptr)), nil
}

// SpawnProcess creates a process in the server's table.
func (s *CodeService) SpawnProcess(
	ctx context.Context,
	req *connect.Request[Empty],
) (*connect.Response[ProcessResponse], error) {
	p := s.procs.Spawn()
	return connect.NewResponse(&ProcessResponse{Process: uint64(p.ID())}), nil
}

// ExitProcess marks a process exited and drops its native bindings.
func (s *CodeService) ExitProcess(
	ctx context.Context,
	req *connect.Request[ProcessRequest],
) (*connect.Response[Empty], error) {
	p, ok := s.procs.Get(process.ID(req.Msg.Process))
	if !ok {
		return nil, connect.NewError(connect.CodeNotFound, fmt.Errorf("process %d not found", req.Msg.Process))
	}
	s.rt.ReleaseProcess(p)
	p.Exit()
	s.procs.Sweep()
	return connect.NewResponse(&Empty{}), nil
}

func (s *CodeService) resolveNative(msg *NativeRequest) (*process.Process, uintptr, error) {
	p, ok := s.procs.Get(process.ID(msg.Process))
	if !ok {
		return nil, 0, connect.NewError(connect.CodeNotFound, fmt.Errorf("process %d not found", msg.Process))
	}
	if msg.Pointer != 0 {
		return p, uintptr(msg.Pointer), nil
	}
	if msg.Module == "" || msg.Function == "" {
		return nil, 0, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("pointer or module and function required"))
	}
	ptr, ok := s.rt.Natives().Lookup(msg.Module, msg.Function, msg.Arity)
	if !ok {
		return nil, 0, connect.NewError(connect.CodeNotFound,
			fmt.Errorf("native function %s:%s/%d not loaded", msg.Module, msg.Function, msg.Arity))
	}
	return p, ptr, nil
}

func (s *CodeService) nativeResponse(ptr uintptr) *NativeResponse {
	resp := &NativeResponse{Pointer: uint64(ptr)}
	if rec, ok := s.rt.Natives().Index().Lookup(ptr); ok {
		resp.RefCount, _ = s.rt.Natives().RefCount(rec.Library)
	}
	return resp
}

func toArea(a codearea.Area) Area {
	return Area{Base: uint64(a.Base), Length: uint64(a.Length)}
}

func fromLibraryHandle(h LibraryHandle) nif.LibraryHandle {
	return nif.LibraryHandle{Module: h.Module, Serial: h.Serial}
}

func nativeFunctions(recs []nif.FunctionRecord) []NativeFunction {
	out := make([]NativeFunction, 0, len(recs))
	for _, r := range recs {
		out = append(out, NativeFunction{Name: r.Name, Arity: r.Arity, Pointer: uint64(r.Pointer), Dirty: r.Dirty()})
	}
	return out
}
