package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/chazu/hotcode/nif"
)

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	content := `
[nif]
api-major = 3
manifest-symbol = "my_manifest"
search-paths = ["priv", "/opt/nif"]

[staging]
ttl = "10m"
sweep-interval = "30s"

[journal]
path = "events.db"

[server]
addr = "127.0.0.1:9000"

[log]
verbosity = 0

[[preload]]
module = "init"
path = "ebin/init.beam"

[[preload]]
module = "kernel"
path = "ebin/kernel.beam"
`
	path := filepath.Join(dir, FileName)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if c.NIF.APIMajor != 3 || c.NIF.ManifestSymbol != "my_manifest" {
		t.Errorf("nif = %+v", c.NIF)
	}
	if c.Staging.TTL.Duration != 10*time.Minute {
		t.Errorf("staging ttl = %v, want 10m", c.Staging.TTL)
	}
	if c.Staging.SweepInterval.Duration != 30*time.Second {
		t.Errorf("sweep interval = %v, want 30s", c.Staging.SweepInterval)
	}
	if c.Server.Addr != "127.0.0.1:9000" {
		t.Errorf("server addr = %q", c.Server.Addr)
	}
	if c.Log.Verbosity != 0 {
		t.Errorf("explicit verbosity 0 should be kept, got %d", c.Log.Verbosity)
	}
	if len(c.Preload) != 2 || c.Preload[1].Module != "kernel" {
		t.Errorf("preload = %+v", c.Preload)
	}
	if got := c.Resolve(c.Journal.Path); got != filepath.Join(dir, "events.db") {
		t.Errorf("journal path = %q", got)
	}
	paths := c.SearchPaths()
	if len(paths) != 2 || paths[0] != filepath.Join(dir, "priv") || paths[1] != "/opt/nif" {
		t.Errorf("search paths = %v", paths)
	}
	if n := len(c.NativeOptions()); n != 3 {
		t.Errorf("native options = %d, want 3", n)
	}
}

func TestDefaults(t *testing.T) {
	c, err := Parse([]byte(""), "")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if c.NIF.APIMajor != nif.DefaultAPIMajor {
		t.Errorf("api major = %d, want %d", c.NIF.APIMajor, nif.DefaultAPIMajor)
	}
	if c.NIF.ManifestSymbol != nif.DefaultManifestSymbol {
		t.Errorf("manifest symbol = %q", c.NIF.ManifestSymbol)
	}
	if c.Staging.TTL.Duration != DefaultTTL || c.Staging.SweepInterval.Duration != DefaultSweepInterval {
		t.Errorf("staging = %+v", c.Staging)
	}
	if c.Server.Addr != DefaultAddr || c.Log.Verbosity != DefaultVerbosity {
		t.Errorf("server/log defaults = %q, %d", c.Server.Addr, c.Log.Verbosity)
	}
	if d := Default(); d.Server.Addr != DefaultAddr || d.Log.Verbosity != DefaultVerbosity {
		t.Errorf("Default() = %+v", d)
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad toml", "[nif"},
		{"unknown key", "[nif]\nflavour = 1\n"},
		{"bad duration", "[staging]\nttl = \"soon\"\n"},
		{"negative duration", "[staging]\nttl = \"-1m\"\n"},
		{"preload without path", "[[preload]]\nmodule = \"m\"\n"},
		{"duplicate preload", "[[preload]]\nmodule = \"m\"\npath = \"a\"\n[[preload]]\nmodule = \"m\"\npath = \"b\"\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.content), ""); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestFindAndLoad(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, FileName), []byte("[server]\naddr = \":1\"\n"), 0644); err != nil {
		t.Fatal(err)
	}
	nested := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatal(err)
	}

	c, err := FindAndLoad(nested)
	if err != nil {
		t.Fatalf("FindAndLoad: %v", err)
	}
	if c == nil || c.Server.Addr != ":1" {
		t.Fatalf("FindAndLoad = %+v", c)
	}
	if c.Dir != root {
		t.Errorf("dir = %q, want %q", c.Dir, root)
	}
}
