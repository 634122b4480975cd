// Package manifest handles dexvm.toml runtime configuration.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/chazu/dexvm/compiler"
)

// FileName is the name of the configuration file.
const FileName = "dexvm.toml"

// Defaults for settings left out of dexvm.toml.
const (
	DefaultFilter        = "speed"
	DefaultMaxFrameDepth = 1024
	DefaultServerAddr    = ":4568"
	DefaultWorkers       = 4
)

// Manifest represents a dexvm.toml configuration.
type Manifest struct {
	Compiler    Compiler    `toml:"compiler"`
	Verifier    Verifier    `toml:"verifier"`
	Interpreter Interpreter `toml:"interpreter"`
	Server      Server      `toml:"server"`
	Log         Log         `toml:"log"`

	// Dir is the directory containing the dexvm.toml file (set at load time).
	Dir string `toml:"-"`
}

// Compiler configures the ahead-of-time driver.
type Compiler struct {
	Filter          string `toml:"filter"`
	CompileBytecode bool   `toml:"compile-bytecode"`
}

// Verifier configures method verification.
type Verifier struct {
	// Precise keeps a register line at every instruction rather than only
	// at branch targets.
	Precise            bool `toml:"precise"`
	AbortOnHardFailure bool `toml:"abort-on-hard-failure"`
}

// Interpreter configures the shadow-frame interpreter.
type Interpreter struct {
	ForceAccessChecks bool `toml:"force-access-checks"`
	MaxFrameDepth     int  `toml:"max-frame-depth"`
}

// Server configures the remote verification service.
type Server struct {
	Addr    string `toml:"addr"`
	Workers int    `toml:"workers"`
}

// Log configures commonlog.
type Log struct {
	Verbosity int    `toml:"verbosity"`
	File      string `toml:"file"`
}

// Default returns the configuration used when no dexvm.toml exists.
func Default() *Manifest {
	m := &Manifest{}
	m.applyDefaults(toml.MetaData{})
	return m
}

// Load parses a dexvm.toml file from the given directory.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var m Manifest
	md, err := toml.Decode(string(data), &m)
	if err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	if keys := md.Undecoded(); len(keys) > 0 {
		return nil, fmt.Errorf("%s: unknown key %s", path, keys[0])
	}

	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}

	m.applyDefaults(md)
	if _, err := compiler.ParseCompilerFilter(m.Compiler.Filter); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if m.Server.Workers < 0 {
		return nil, fmt.Errorf("%s: server.workers must not be negative", path)
	}
	return &m, nil
}

func (m *Manifest) applyDefaults(md toml.MetaData) {
	if m.Compiler.Filter == "" {
		m.Compiler.Filter = DefaultFilter
	}
	if !md.IsDefined("compiler", "compile-bytecode") {
		m.Compiler.CompileBytecode = true
	}
	if m.Interpreter.MaxFrameDepth == 0 {
		m.Interpreter.MaxFrameDepth = DefaultMaxFrameDepth
	}
	if m.Server.Addr == "" {
		m.Server.Addr = DefaultServerAddr
	}
	if m.Server.Workers == 0 {
		m.Server.Workers = DefaultWorkers
	}
}

// FindAndLoad walks up from startDir to find a dexvm.toml file,
// then loads and returns the manifest. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

// CompilerOptions converts the [compiler] table. The filter was validated
// by Load.
func (m *Manifest) CompilerOptions() compiler.Options {
	opts := compiler.DefaultOptions()
	if f, err := compiler.ParseCompilerFilter(m.Compiler.Filter); err == nil {
		opts.Filter = f
	}
	opts.CompileBytecode = m.Compiler.CompileBytecode
	return opts
}

// LogPath returns the log file path, relative paths resolved against Dir.
// An empty result means stderr.
func (m *Manifest) LogPath() string {
	if m.Log.File == "" || filepath.IsAbs(m.Log.File) || m.Dir == "" {
		return m.Log.File
	}
	return filepath.Join(m.Dir, m.Log.File)
}
