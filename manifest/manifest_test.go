package manifest

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/chazu/dexvm/compiler"
)

func writeManifest(t *testing.T, dir, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadManifest(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, `
[compiler]
filter = "quicken"
compile-bytecode = false

[verifier]
precise = true
abort-on-hard-failure = true

[interpreter]
force-access-checks = true
max-frame-depth = 64

[server]
addr = "127.0.0.1:9000"
workers = 2

[log]
verbosity = 2
file = "dexvm.log"
`)

	m, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	want := Manifest{
		Compiler:    Compiler{Filter: "quicken", CompileBytecode: false},
		Verifier:    Verifier{Precise: true, AbortOnHardFailure: true},
		Interpreter: Interpreter{ForceAccessChecks: true, MaxFrameDepth: 64},
		Server:      Server{Addr: "127.0.0.1:9000", Workers: 2},
		Log:         Log{Verbosity: 2, File: "dexvm.log"},
		Dir:         m.Dir,
	}
	if diff := cmp.Diff(want, *m); diff != "" {
		t.Errorf("Load mismatch (-want +got):\n%s", diff)
	}
	if got := m.LogPath(); got != filepath.Join(m.Dir, "dexvm.log") {
		t.Errorf("LogPath() = %q, want file under %s", got, m.Dir)
	}
}

func TestLoadManifestDefaults(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, `
[verifier]
precise = true
`)

	m, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if m.Compiler.Filter != DefaultFilter {
		t.Errorf("filter = %q, want %q", m.Compiler.Filter, DefaultFilter)
	}
	if !m.Compiler.CompileBytecode {
		t.Error("compile-bytecode = false, want true when omitted")
	}
	if m.Interpreter.MaxFrameDepth != DefaultMaxFrameDepth {
		t.Errorf("max-frame-depth = %d, want %d", m.Interpreter.MaxFrameDepth, DefaultMaxFrameDepth)
	}
	if m.Server.Addr != DefaultServerAddr || m.Server.Workers != DefaultWorkers {
		t.Errorf("server = %+v, want %s with %d workers", m.Server, DefaultServerAddr, DefaultWorkers)
	}
	if m.LogPath() != "" {
		t.Errorf("LogPath() = %q, want stderr", m.LogPath())
	}
}

func TestLoadManifestErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"bad filter", "[compiler]\nfilter = \"fastest\"\n", "unknown compiler filter"},
		{"unknown key", "[verifier]\nstrict = true\n", "unknown key verifier.strict"},
		{"negative workers", "[server]\nworkers = -1\n", "must not be negative"},
		{"syntax", "[compiler\n", "parse error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeManifest(t, dir, tt.content)
			_, err := Load(dir)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Load error = %v, want one containing %q", err, tt.want)
			}
		})
	}
}

func TestFindAndLoad(t *testing.T) {
	// Create nested directory structure
	dir := t.TempDir()
	subDir := filepath.Join(dir, "a", "b", "c")
	if err := os.MkdirAll(subDir, 0755); err != nil {
		t.Fatal(err)
	}
	writeManifest(t, dir, "[server]\nworkers = 8\n")

	// Should find manifest when starting from a deep subdirectory
	m, err := FindAndLoad(subDir)
	if err != nil {
		t.Fatalf("FindAndLoad failed: %v", err)
	}
	if m == nil {
		t.Fatal("FindAndLoad returned nil")
	}
	if m.Server.Workers != 8 {
		t.Errorf("workers = %d, want 8", m.Server.Workers)
	}
}

func TestFindAndLoadNotFound(t *testing.T) {
	dir := t.TempDir()
	m, err := FindAndLoad(dir)
	if err != nil {
		t.Fatalf("FindAndLoad error: %v", err)
	}
	if m != nil {
		t.Error("expected nil manifest when no dexvm.toml exists")
	}
}

func TestCompilerOptions(t *testing.T) {
	tests := []struct {
		filter  string
		bytes   bool
		want    compiler.CompilerFilter
		enabled bool
	}{
		{"speed", true, compiler.FilterSpeed, true},
		{"everything", true, compiler.FilterEverything, true},
		{"speed", false, compiler.FilterSpeed, false},
		{"verify", true, compiler.FilterVerify, false},
	}
	for _, tt := range tests {
		m := Default()
		m.Compiler = Compiler{Filter: tt.filter, CompileBytecode: tt.bytes}
		opts := m.CompilerOptions()
		if opts.Filter != tt.want {
			t.Errorf("%s: Filter = %v, want %v", tt.filter, opts.Filter, tt.want)
		}
		if got := opts.IsBytecodeCompilationEnabled(); got != tt.enabled {
			t.Errorf("%s/%v: IsBytecodeCompilationEnabled() = %v, want %v", tt.filter, tt.bytes, got, tt.enabled)
		}
		if opts.NumMachineRegisters != compiler.DefaultOptions().NumMachineRegisters {
			t.Errorf("NumMachineRegisters = %d, want the default", opts.NumMachineRegisters)
		}
	}
}
