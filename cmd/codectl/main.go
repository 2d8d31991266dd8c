// codectl talks to a running codeserver.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/chazu/hotcode/server"
)

func main() {
	addr := flag.String("addr", "http://localhost:4568", "Code server URL")
	timeout := flag.Duration("timeout", 30*time.Second, "Request timeout")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: codectl [options] <command> [args]\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  load <module> <file>        Prepare and finish one module\n")
		fmt.Fprintf(os.Stderr, "  prepare <module> <file>     Stage code and print its handle\n")
		fmt.Fprintf(os.Stderr, "  finish <handle>...          Commit staged handles\n")
		fmt.Fprintf(os.Stderr, "  on-load <module> ok|failed  Complete a module waiting for on_load\n")
		fmt.Fprintf(os.Stderr, "  purge [-force] <module>     Discard old code\n")
		fmt.Fprintf(os.Stderr, "  may-purge <module>          Report whether old code is unreferenced\n")
		fmt.Fprintf(os.Stderr, "  delete <module>             Remove a module\n")
		fmt.Fprintf(os.Stderr, "  loaded                      List loaded modules\n")
		fmt.Fprintf(os.Stderr, "  preloaded                   List pre-loaded modules\n")
		fmt.Fprintf(os.Stderr, "  info <module>               Describe a module\n")
		fmt.Fprintf(os.Stderr, "  history [module] [limit]    Show journaled events\n")
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	client := server.NewClient(nil, *addr)
	if err := dispatch(ctx, client, flag.Arg(0), flag.Args()[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func dispatch(ctx context.Context, c *server.Client, cmd string, args []string) error {
	switch cmd {
	case "load":
		if len(args) != 2 {
			return usageError("load <module> <file>")
		}
		code, err := os.ReadFile(args[1])
		if err != nil {
			return err
		}
		resp, err := c.Load(ctx, args[0], code)
		if err != nil {
			return err
		}
		return printFinish(resp)

	case "prepare":
		if len(args) != 2 {
			return usageError("prepare <module> <file>")
		}
		code, err := os.ReadFile(args[1])
		if err != nil {
			return err
		}
		h, err := c.Prepare(ctx, args[0], code)
		if err != nil {
			return err
		}
		fmt.Println(h)
		return nil

	case "finish":
		if len(args) == 0 {
			return usageError("finish <handle>...")
		}
		resp, err := c.Finish(ctx, args...)
		if err != nil {
			return err
		}
		return printFinish(resp)

	case "on-load":
		if len(args) != 2 || (args[1] != "ok" && args[1] != "failed") {
			return usageError("on-load <module> ok|failed")
		}
		return c.FinishAfterOnLoad(ctx, args[0], args[1] == "ok")

	case "purge":
		fs := flag.NewFlagSet("purge", flag.ContinueOnError)
		force := fs.Bool("force", false, "Terminate processes still running old code")
		if err := fs.Parse(args); err != nil {
			return err
		}
		if fs.NArg() != 1 {
			return usageError("purge [-force] <module>")
		}
		option := "soft"
		if *force {
			option = "force"
		}
		purged, err := c.Purge(ctx, fs.Arg(0), option)
		if err != nil {
			return err
		}
		if purged {
			fmt.Printf("purged old code of %s\n", fs.Arg(0))
		} else {
			fmt.Printf("%s: nothing purged\n", fs.Arg(0))
		}
		return nil

	case "may-purge":
		if len(args) != 1 {
			return usageError("may-purge <module>")
		}
		ok, err := c.MayPurge(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Println(ok)
		return nil

	case "delete":
		if len(args) != 1 {
			return usageError("delete <module>")
		}
		return c.Delete(ctx, args[0])

	case "loaded", "preloaded":
		var mods []string
		var err error
		if cmd == "loaded" {
			mods, err = c.Loaded(ctx)
		} else {
			mods, err = c.PreLoaded(ctx)
		}
		if err != nil {
			return err
		}
		for _, m := range mods {
			fmt.Println(m)
		}
		return nil

	case "info":
		if len(args) != 1 {
			return usageError("info <module>")
		}
		info, err := c.ModuleInfo(ctx, args[0])
		if err != nil {
			return err
		}
		printInfo(info)
		return nil

	case "history":
		module, limit := "", 0
		if len(args) > 0 {
			module = args[0]
		}
		if len(args) > 1 {
			n, err := strconv.Atoi(args[1])
			if err != nil {
				return usageError("history [module] [limit]")
			}
			limit = n
		}
		events, err := c.History(ctx, module, limit)
		if err != nil {
			return err
		}
		for _, ev := range events {
			fmt.Printf("%s  %-18s %-20s %s\n", ev.At.Format(time.RFC3339), ev.Kind, ev.Module, ev.Detail)
		}
		return nil

	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func usageError(usage string) error {
	return fmt.Errorf("usage: codectl %s", usage)
}

func printFinish(resp *server.FinishResponse) error {
	for _, m := range resp.Loaded {
		fmt.Printf("loaded %s\n", m)
	}
	if len(resp.Failures) == 0 {
		return nil
	}
	names := make([]string, 0, len(resp.Failures))
	for _, f := range resp.Failures {
		fmt.Fprintf(os.Stderr, "failed %s: %s (%s)\n", f.Module, f.Message, f.Reason)
		names = append(names, f.Module)
	}
	return fmt.Errorf("%d modules failed: %s", len(names), strings.Join(names, ", "))
}

func printInfo(info *server.ModuleInfoResponse) {
	fmt.Printf("module:      %s\n", info.Module)
	fmt.Printf("status:      %s\n", info.Status)
	fmt.Printf("md5:         %s\n", info.MD5)
	fmt.Printf("code area:   0x%x+%d\n", info.CodeArea.Base, info.CodeArea.Length)
	if info.OldCodeArea != nil {
		fmt.Printf("old code:    0x%x+%d\n", info.OldCodeArea.Base, info.OldCodeArea.Length)
	}
	if info.HasOnLoad {
		fmt.Printf("on_load:     pending\n")
	}
	for _, e := range info.Exports {
		fmt.Printf("export:      %s/%d\n", e.Function, e.Arity)
	}
	for _, n := range info.Natives {
		fmt.Printf("native:      %s/%d @0x%x\n", n.Name, n.Arity, n.Pointer)
	}
	if info.Attributes != "" {
		fmt.Printf("attributes:  %s\n", info.Attributes)
	}
	if info.CompileInfo != "" {
		fmt.Printf("compile:     %s\n", info.CompileInfo)
	}
}
