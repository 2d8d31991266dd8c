package server

import (
	"context"
	"net/http"
	"strings"

	"connectrpc.com/connect"
)

// Client calls a code server.
type Client struct {
	http    connect.HTTPClient
	baseURL string
	opts    []connect.ClientOption
}

// NewClient creates a client for the server at baseURL. httpClient may
// be nil to use http.DefaultClient.
func NewClient(httpClient connect.HTTPClient, baseURL string, opts ...connect.ClientOption) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		http:    httpClient,
		baseURL: strings.TrimRight(baseURL, "/"),
		opts:    append([]connect.ClientOption{connect.WithCodec(cborCodec{})}, opts...),
	}
}

func call[Req, Res any](ctx context.Context, c *Client, name string, req *Req) (*Res, error) {
	client := connect.NewClient[Req, Res](c.http, c.baseURL+ProcedurePath(name), c.opts...)
	resp, err := client.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}

func (c *Client) Prepare(ctx context.Context, module string, code []byte) (string, error) {
	resp, err := call[PrepareRequest, PrepareResponse](ctx, c, ProcPrepare, &PrepareRequest{Module: module, Code: code})
	if err != nil {
		return "", err
	}
	return resp.Handle, nil
}

func (c *Client) Finish(ctx context.Context, handles ...string) (*FinishResponse, error) {
	return call[FinishRequest, FinishResponse](ctx, c, ProcFinish, &FinishRequest{Handles: handles})
}

// Load prepares and finishes one module.
func (c *Client) Load(ctx context.Context, module string, code []byte) (*FinishResponse, error) {
	h, err := c.Prepare(ctx, module, code)
	if err != nil {
		return nil, err
	}
	return c.Finish(ctx, h)
}

func (c *Client) FinishAfterOnLoad(ctx context.Context, module string, success bool) error {
	_, err := call[FinishAfterOnLoadRequest, Empty](ctx, c, ProcFinishAfterOnLoad,
		&FinishAfterOnLoadRequest{Module: module, Success: success})
	return err
}

func (c *Client) Delete(ctx context.Context, module string) error {
	_, err := call[ModuleRequest, Empty](ctx, c, ProcDelete, &ModuleRequest{Module: module})
	return err
}

func (c *Client) ModuleLoaded(ctx context.Context, module string) (bool, error) {
	return c.boolCall(ctx, ProcModuleLoaded, module)
}

func (c *Client) CheckOldCode(ctx context.Context, module string) (bool, error) {
	return c.boolCall(ctx, ProcCheckOldCode, module)
}

func (c *Client) MayPurge(ctx context.Context, module string) (bool, error) {
	return c.boolCall(ctx, ProcMayPurge, module)
}

func (c *Client) boolCall(ctx context.Context, name, module string) (bool, error) {
	resp, err := call[ModuleRequest, BoolResponse](ctx, c, name, &ModuleRequest{Module: module})
	if err != nil {
		return false, err
	}
	return resp.Value, nil
}

func (c *Client) Loaded(ctx context.Context) ([]string, error) {
	resp, err := call[Empty, ModulesResponse](ctx, c, ProcLoaded, &Empty{})
	if err != nil {
		return nil, err
	}
	return resp.Modules, nil
}

func (c *Client) PreLoaded(ctx context.Context) ([]string, error) {
	resp, err := call[Empty, ModulesResponse](ctx, c, ProcPreLoaded, &Empty{})
	if err != nil {
		return nil, err
	}
	return resp.Modules, nil
}

func (c *Client) Purge(ctx context.Context, module, option string) (bool, error) {
	resp, err := call[PurgeRequest, PurgeResponse](ctx, c, ProcPurge, &PurgeRequest{Module: module, Option: option})
	if err != nil {
		return false, err
	}
	return resp.Purged, nil
}

func (c *Client) ModuleInfo(ctx context.Context, module string) (*ModuleInfoResponse, error) {
	return call[ModuleRequest, ModuleInfoResponse](ctx, c, ProcModuleInfo, &ModuleRequest{Module: module})
}

func (c *Client) History(ctx context.Context, module string, limit int) ([]EventInfo, error) {
	resp, err := call[HistoryRequest, HistoryResponse](ctx, c, ProcHistory, &HistoryRequest{Module: module, Limit: limit})
	if err != nil {
		return nil, err
	}
	return resp.Events, nil
}

func (c *Client) LoadNativeLibrary(ctx context.Context, path, module string) (*LoadNativeResponse, error) {
	return call[LoadNativeRequest, LoadNativeResponse](ctx, c, ProcLoadNativeLibrary,
		&LoadNativeRequest{Path: path, Module: module})
}

func (c *Client) UnloadNativeLibrary(ctx context.Context, lib LibraryHandle) error {
	_, err := call[LibraryRequest, Empty](ctx, c, ProcUnloadNativeLibrary, &LibraryRequest{Library: lib})
	return err
}

func (c *Client) ReleaseNativeLibrary(ctx context.Context, lib LibraryHandle) error {
	_, err := call[LibraryRequest, Empty](ctx, c, ProcReleaseNativeLibrary, &LibraryRequest{Library: lib})
	return err
}

func (c *Client) AssociateNative(ctx context.Context, req *NativeRequest) (*NativeResponse, error) {
	return call[NativeRequest, NativeResponse](ctx, c, ProcAssociateNative, req)
}

func (c *Client) DisassociateNative(ctx context.Context, req *NativeRequest) (*NativeResponse, error) {
	return call[NativeRequest, NativeResponse](ctx, c, ProcDisassociateNative, req)
}

func (c *Client) SpawnProcess(ctx context.Context) (uint64, error) {
	resp, err := call[Empty, ProcessResponse](ctx, c, ProcSpawnProcess, &Empty{})
	if err != nil {
		return 0, err
	}
	return resp.Process, nil
}

func (c *Client) ExitProcess(ctx context.Context, id uint64) error {
	_, err := call[ProcessRequest, Empty](ctx, c, ProcExitProcess, &ProcessRequest{Process: id})
	return err
}
