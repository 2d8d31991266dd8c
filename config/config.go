// Package config handles hotcode.toml runtime configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/chazu/hotcode/nif"
)

// FileName is the configuration file looked up by FindAndLoad.
const FileName = "hotcode.toml"

// Config is a hotcode.toml configuration.
type Config struct {
	NIF     NIF       `toml:"nif"`
	Staging Staging   `toml:"staging"`
	Journal Journal   `toml:"journal"`
	Server  Server    `toml:"server"`
	Log     Log       `toml:"log"`
	Preload []Preload `toml:"preload"`

	// Dir is the directory containing the file (set at load time).
	Dir string `toml:"-"`
}

// NIF configures native library loading.
type NIF struct {
	APIMajor       int      `toml:"api-major"`
	ManifestSymbol string   `toml:"manifest-symbol"`
	SearchPaths    []string `toml:"search-paths"`
}

// Staging configures the prepared code sweeper.
type Staging struct {
	TTL           Duration `toml:"ttl"`
	SweepInterval Duration `toml:"sweep-interval"`
}

// Journal configures the event journal. An empty path disables it.
type Journal struct {
	Path string `toml:"path"`
}

// Server configures the RPC listener.
type Server struct {
	Addr string `toml:"addr"`
}

// Log configures logging.
type Log struct {
	Verbosity int    `toml:"verbosity"`
	File      string `toml:"file"`
}

// Preload names a module installed as pre-loaded at boot.
type Preload struct {
	Module string `toml:"module"`
	Path   string `toml:"path"`
}

// Duration is a time.Duration read from strings like "30m".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Defaults
const (
	DefaultAddr          = ":4568"
	DefaultTTL           = 30 * time.Minute
	DefaultSweepInterval = 5 * time.Minute
	DefaultVerbosity     = 1
)

// Default returns the configuration used when no file is present.
func Default() *Config {
	c := &Config{}
	c.applyDefaults(nil)
	return c
}

func (c *Config) applyDefaults(md *toml.MetaData) {
	if c.NIF.APIMajor == 0 {
		c.NIF.APIMajor = nif.DefaultAPIMajor
	}
	if c.NIF.ManifestSymbol == "" {
		c.NIF.ManifestSymbol = nif.DefaultManifestSymbol
	}
	if c.Staging.TTL.Duration == 0 {
		c.Staging.TTL.Duration = DefaultTTL
	}
	if c.Staging.SweepInterval.Duration == 0 {
		c.Staging.SweepInterval.Duration = DefaultSweepInterval
	}
	if c.Server.Addr == "" {
		c.Server.Addr = DefaultAddr
	}
	if md == nil || !md.IsDefined("log", "verbosity") {
		c.Log.Verbosity = DefaultVerbosity
	}
}

// Parse decodes configuration data. dir is used to resolve relative paths.
func Parse(data []byte, dir string) (*Config, error) {
	var c Config
	md, err := toml.Decode(string(data), &c)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown keys: %v", undecoded)
	}
	c.applyDefaults(&md)
	c.Dir = dir
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) validate() error {
	if c.Staging.TTL.Duration < 0 || c.Staging.SweepInterval.Duration < 0 {
		return fmt.Errorf("staging durations must not be negative")
	}
	seen := make(map[string]bool, len(c.Preload))
	for i, p := range c.Preload {
		if p.Module == "" || p.Path == "" {
			return fmt.Errorf("preload %d: module and path are required", i)
		}
		if seen[p.Module] {
			return fmt.Errorf("preload %d: module %s listed twice", i, p.Module)
		}
		seen[p.Module] = true
	}
	return nil
}

// Load parses the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	dir, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", path, err)
	}
	c, err := Parse(data, dir)
	if err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	return c, nil
}

// FindAndLoad walks up from startDir to find a hotcode.toml file, then
// loads it. Returns nil if no file is found.
func FindAndLoad(startDir string) (*Config, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return nil, nil
		}
		dir = parent
	}
}

// Resolve makes a configured path absolute relative to the file's
// directory.
func (c *Config) Resolve(path string) string {
	if path == "" || filepath.IsAbs(path) || c.Dir == "" {
		return path
	}
	return filepath.Join(c.Dir, path)
}

// SearchPaths returns the native library search paths, resolved.
func (c *Config) SearchPaths() []string {
	paths := make([]string, 0, len(c.NIF.SearchPaths))
	for _, p := range c.NIF.SearchPaths {
		paths = append(paths, c.Resolve(p))
	}
	return paths
}

// NativeOptions returns the native library store options the
// configuration implies.
func (c *Config) NativeOptions() []nif.Option {
	return []nif.Option{
		nif.WithAPIMajor(c.NIF.APIMajor),
		nif.WithManifestSymbol(c.NIF.ManifestSymbol),
		nif.WithSearchPaths(c.SearchPaths()...),
	}
}
