// codeserver runs the code loading service.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"
	"golang.org/x/sync/errgroup"

	"github.com/chazu/hotcode/codeload"
	"github.com/chazu/hotcode/config"
	"github.com/chazu/hotcode/journal"
	"github.com/chazu/hotcode/process"
	"github.com/chazu/hotcode/server"
)

var log = commonlog.GetLogger("hotcode.codeserver")

func main() {
	configPath := flag.String("config", "", "Configuration file (default: nearest hotcode.toml)")
	addr := flag.String("addr", "", "Listen address (overrides [server] addr)")
	verbosity := flag.Int("v", -1, "Log verbosity (overrides [log] verbosity)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: codeserver [options]\n\n")
		fmt.Fprintf(os.Stderr, "Serves the hot code loading service over Connect.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *verbosity >= 0 {
		cfg.Log.Verbosity = *verbosity
	}
	var logFile *string
	if cfg.Log.File != "" {
		path := cfg.Resolve(cfg.Log.File)
		logFile = &path
	}
	commonlog.Configure(cfg.Log.Verbosity, logFile)

	if err := run(cfg); err != nil {
		log.Errorf("%v", err)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	cfg, err := config.FindAndLoad(".")
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default()
	}
	return cfg, nil
}

func run(cfg *config.Config) error {
	procs := process.NewTable()
	opts := []codeload.Option{
		codeload.WithProcessInspector(procs),
		codeload.WithNativeOptions(cfg.NativeOptions()...),
	}
	// The staging sweeper runs as its own group member below.
	serverOpts := []server.ServerOption{
		server.WithProcessTable(procs),
		server.WithStagingSweep(0, 0),
	}

	var j *journal.Journal
	if cfg.Journal.Path != "" {
		var err error
		j, err = journal.Open(cfg.Resolve(cfg.Journal.Path))
		if err != nil {
			return err
		}
		opts = append(opts, codeload.WithEventSink(j))
		serverOpts = append(serverOpts, server.WithHistory(j))
	}

	rt := codeload.NewRuntime(opts...)
	if err := preload(rt, cfg); err != nil {
		if j != nil {
			j.Close()
		}
		return err
	}

	srv := server.New(rt, serverOpts...)
	defer srv.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(ctx, cfg.Server.Addr)
	})
	if interval := cfg.Staging.SweepInterval.Duration; interval > 0 {
		g.Go(func() error {
			stopSweep := rt.Staged().StartSweeper(interval, cfg.Staging.TTL.Duration)
			<-ctx.Done()
			stopSweep()
			return nil
		})
	}
	if j != nil {
		g.Go(func() error {
			<-ctx.Done()
			return j.Close()
		})
	}
	return g.Wait()
}

func preload(rt *codeload.Runtime, cfg *config.Config) error {
	for _, p := range cfg.Preload {
		code, err := os.ReadFile(cfg.Resolve(p.Path))
		if err != nil {
			return fmt.Errorf("preload %s: %w", p.Module, err)
		}
		if err := rt.Preload(p.Module, code); err != nil {
			return fmt.Errorf("preload %s: %w", p.Module, err)
		}
	}
	if n := len(cfg.Preload); n > 0 {
		log.Infof("pre-loaded %d modules", n)
	}
	return nil
}
