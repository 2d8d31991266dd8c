// Package server exposes the code loader as a Connect service. Messages
// are plain structs encoded as CBOR.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"connectrpc.com/connect"
	"github.com/tliron/commonlog"

	"github.com/chazu/hotcode/codeload"
	"github.com/chazu/hotcode/process"
)

var log = commonlog.GetLogger("hotcode.server")

// ServiceName prefixes every procedure path.
const ServiceName = "hotcode.v1.CodeService"

// Procedure names.
const (
	ProcPrepare              = "Prepare"
	ProcFinish               = "Finish"
	ProcFinishAfterOnLoad    = "FinishAfterOnLoad"
	ProcDelete               = "Delete"
	ProcModuleLoaded         = "ModuleLoaded"
	ProcLoaded               = "Loaded"
	ProcPreLoaded            = "PreLoaded"
	ProcCheckOldCode         = "CheckOldCode"
	ProcMayPurge             = "MayPurge"
	ProcPurge                = "Purge"
	ProcModuleInfo           = "ModuleInfo"
	ProcHistory              = "History"
	ProcLoadNativeLibrary    = "LoadNativeLibrary"
	ProcUnloadNativeLibrary  = "UnloadNativeLibrary"
	ProcReleaseNativeLibrary = "ReleaseNativeLibrary"
	ProcAssociateNative      = "AssociateNative"
	ProcDisassociateNative   = "DisassociateNative"
	ProcSpawnProcess         = "SpawnProcess"
	ProcExitProcess          = "ExitProcess"
)

// ProcedurePath returns the HTTP path of a procedure.
func ProcedurePath(name string) string {
	return "/" + ServiceName + "/" + name
}

// CodeServer serves the code service for one runtime.
type CodeServer struct {
	rt      *codeload.Runtime
	service *CodeService
	mux     *http.ServeMux

	stopSweeper func()
}

// ServerOption configures a CodeServer.
type ServerOption func(*serverConfig)

type serverConfig struct {
	procs         *process.Table
	history       History
	sweepInterval time.Duration
	stagingTTL    time.Duration
}

// WithProcessTable sets the process table addressed by process ids. It
// should be the table the runtime inspects before purging.
func WithProcessTable(t *process.Table) ServerOption {
	return func(c *serverConfig) { c.procs = t }
}

// WithHistory enables the History procedure.
func WithHistory(h History) ServerOption {
	return func(c *serverConfig) { c.history = h }
}

// WithStagingSweep sets how often abandoned prepared code is swept and
// how old it must be. A zero interval disables sweeping.
func WithStagingSweep(interval, ttl time.Duration) ServerOption {
	return func(c *serverConfig) {
		c.sweepInterval = interval
		c.stagingTTL = ttl
	}
}

// New creates a CodeServer for rt.
func New(rt *codeload.Runtime, opts ...ServerOption) *CodeServer {
	cfg := &serverConfig{
		sweepInterval: 5 * time.Minute,
		stagingTTL:    30 * time.Minute,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.procs == nil {
		cfg.procs = process.NewTable()
	}

	s := &CodeServer{
		rt:      rt,
		service: NewCodeService(rt, cfg.procs, cfg.history),
		mux:     http.NewServeMux(),
	}
	s.register()

	if cfg.sweepInterval > 0 {
		s.stopSweeper = rt.Staged().StartSweeper(cfg.sweepInterval, cfg.stagingTTL)
	}
	return s
}

func (s *CodeServer) register() {
	svc := s.service
	handle(s.mux, ProcPrepare, svc.Prepare)
	handle(s.mux, ProcFinish, svc.Finish)
	handle(s.mux, ProcFinishAfterOnLoad, svc.FinishAfterOnLoad)
	handle(s.mux, ProcDelete, svc.Delete)
	handle(s.mux, ProcModuleLoaded, svc.ModuleLoaded)
	handle(s.mux, ProcLoaded, svc.Loaded)
	handle(s.mux, ProcPreLoaded, svc.PreLoaded)
	handle(s.mux, ProcCheckOldCode, svc.CheckOldCode)
	handle(s.mux, ProcMayPurge, svc.MayPurge)
	handle(s.mux, ProcPurge, svc.Purge)
	handle(s.mux, ProcModuleInfo, svc.ModuleInfo)
	handle(s.mux, ProcHistory, svc.History)
	handle(s.mux, ProcLoadNativeLibrary, svc.LoadNativeLibrary)
	handle(s.mux, ProcUnloadNativeLibrary, svc.UnloadNativeLibrary)
	handle(s.mux, ProcReleaseNativeLibrary, svc.ReleaseNativeLibrary)
	handle(s.mux, ProcAssociateNative, svc.AssociateNative)
	handle(s.mux, ProcDisassociateNative, svc.DisassociateNative)
	handle(s.mux, ProcSpawnProcess, svc.SpawnProcess)
	handle(s.mux, ProcExitProcess, svc.ExitProcess)
}

func handle[Req, Res any](
	mux *http.ServeMux,
	name string,
	fn func(context.Context, *connect.Request[Req]) (*connect.Response[Res], error),
) {
	path := ProcedurePath(name)
	mux.Handle(path, connect.NewUnaryHandler(path, fn, connect.WithCodec(cborCodec{})))
}

// Handler returns the HTTP handler serving every procedure.
func (s *CodeServer) Handler() http.Handler { return s.mux }

// Service returns the procedure implementations.
func (s *CodeServer) Service() *CodeService { return s.service }

// Serve accepts connections on l until ctx is cancelled, then shuts the
// HTTP server down gracefully.
func (s *CodeServer) Serve(ctx context.Context, l net.Listener) error {
	srv := &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(l) }()
	log.Infof("code server listening on %s", l.Addr())

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// ListenAndServe listens on addr and serves until ctx is cancelled.
func (s *CodeServer) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, l)
}

// Stop stops the staged code sweeper.
func (s *CodeServer) Stop() {
	if s.stopSweeper != nil {
		s.stopSweeper()
	}
}
