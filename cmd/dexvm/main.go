// dexvm CLI - verify, inspect and run dex files
package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/chazu/dexvm/dex"
	"github.com/chazu/dexvm/manifest"
	"github.com/chazu/dexvm/vm"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func usage(w io.Writer) {
	fmt.Fprintf(w, "Usage: dexvm <command> [options] [file.dex]\n\n")
	fmt.Fprintf(w, "Commands:\n")
	fmt.Fprintf(w, "  verify [-config dir] [-results out.cbor] file.dex   Verify every class, print a per-method report\n")
	fmt.Fprintf(w, "  dump [-raw] file.dex                                Disassemble every method\n")
	fmt.Fprintf(w, "  run -class Lpkg/Main; -method main file.dex         Run a static ()I or ()V method\n")
	fmt.Fprintf(w, "  serve [-addr :4568] [file.dex...]                   Start the verification service\n")
	fmt.Fprintf(w, "\nRun 'dexvm <command> -h' for the options of a command.\n")
}

// run dispatches a command line and returns the exit status: 0 on
// success, 1 when the command failed, 2 on a usage error.
func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		usage(stderr)
		return 2
	}
	var cmd func([]string, io.Writer, io.Writer) int
	switch args[0] {
	case "verify":
		cmd = verifyCommand
	case "dump":
		cmd = dumpCommand
	case "run":
		cmd = runCommand
	case "serve":
		cmd = serveCommand
	case "help", "-h", "-help", "--help":
		usage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n\n", args[0])
		usage(stderr)
		return 2
	}
	return cmd(args[1:], stdout, stderr)
}

// ---------------------------------------------------------------------------
// Shared flags
// ---------------------------------------------------------------------------

// commonFlags are accepted by every command that builds a VM.
type commonFlags struct {
	config  string
	verbose int
}

func newFlagSet(name string, stderr io.Writer, c *commonFlags) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	if c != nil {
		fs.StringVar(&c.config, "config", "", "Directory holding dexvm.toml (default: search upwards from .)")
		fs.IntVar(&c.verbose, "v", 0, "Additional log verbosity")
	}
	return fs
}

// parse parses args and reports whether the command should go on. A
// usage error sets *status.
func parse(fs *flag.FlagSet, args []string, status *int) bool {
	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			*status = 0
		} else {
			*status = 2
		}
		return false
	}
	return true
}

// loadConfig reads dexvm.toml and configures logging from it.
func loadConfig(c *commonFlags) (*manifest.Manifest, error) {
	var (
		m   *manifest.Manifest
		err error
	)
	if c.config != "" {
		m, err = manifest.Load(c.config)
	} else {
		m, err = manifest.FindAndLoad(".")
	}
	if err != nil {
		return nil, err
	}
	if m == nil {
		m = manifest.Default()
	}
	var path *string
	if p := m.LogPath(); p != "" {
		path = &p
	}
	commonlog.Configure(m.Log.Verbosity+c.verbose, path)
	return m, nil
}

// loadDex reads a dex file from disk into v.
func loadDex(v *vm.VM, path string) (*dex.File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return v.LoadDexFile(data, path)
}
