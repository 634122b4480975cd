package vm

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/tliron/commonlog"

	"github.com/chazu/dexvm/compiler"
	"github.com/chazu/dexvm/deopt"
	"github.com/chazu/dexvm/dex"
	"github.com/chazu/dexvm/interp"
	"github.com/chazu/dexvm/manifest"
	"github.com/chazu/dexvm/mirror"
	"github.com/chazu/dexvm/verifier"
)

var log = commonlog.GetLogger("dexvm.vm")

var (
	// ErrMethodNotFound is returned by RunStatic for an unknown entry point.
	ErrMethodNotFound = errors.New("method not found")
	// ErrHardFailure is returned by VerifyDexFile when a class fails hard
	// verification and AbortOnHardFailure is set.
	ErrHardFailure = errors.New("hard verification failure")
)

// ---------------------------------------------------------------------------
// Options
// ---------------------------------------------------------------------------

// Options configure a VM.
type Options struct {
	Compiler           compiler.Options
	Precise            bool
	AbortOnHardFailure bool
	ForceAccessChecks  bool
	MaxFrameDepth      int
	// Workers bounds parallel class verification. Zero means one worker
	// per class.
	Workers int
}

// DefaultOptions compiles for speed with four verification workers.
func DefaultOptions() Options {
	return Options{
		Compiler:      compiler.DefaultOptions(),
		MaxFrameDepth: manifest.DefaultMaxFrameDepth,
		Workers:       manifest.DefaultWorkers,
	}
}

// OptionsFromManifest converts a loaded dexvm.toml.
func OptionsFromManifest(m *manifest.Manifest) Options {
	return Options{
		Compiler:           m.CompilerOptions(),
		Precise:            m.Verifier.Precise,
		AbortOnHardFailure: m.Verifier.AbortOnHardFailure,
		ForceAccessChecks:  m.Interpreter.ForceAccessChecks,
		MaxFrameDepth:      m.Interpreter.MaxFrameDepth,
		Workers:            m.Server.Workers,
	}
}

// ---------------------------------------------------------------------------
// VM
// ---------------------------------------------------------------------------

// VM ties the runtime together: the class linker, the verification results
// and compiled code the driver produces, and the interpreter that runs
// both interpreted and compiled methods.
type VM struct {
	Linker      *mirror.ClassLinker
	Results     *compiler.VerificationResults
	Code        *compiler.CompiledCodeTable
	Driver      *compiler.Driver
	Unwinder    *deopt.Unwinder
	Suspend     *interp.SuspendController
	Interpreter *interp.Interpreter

	opts Options

	mu    sync.Mutex
	files map[string]*dex.File
}

// NewVM creates a VM with only the boot classes loaded.
func NewVM(opts Options) *VM {
	vm := &VM{
		Linker:   mirror.NewClassLinker(),
		Results:  compiler.NewVerificationResults(opts.Compiler),
		Code:     compiler.NewCompiledCodeTable(),
		Unwinder: deopt.NewUnwinder(),
		Suspend:  interp.NewSuspendController(),
		opts:     opts,
		files:    make(map[string]*dex.File),
	}
	vm.Driver = compiler.NewDriver(vm.Results, vm.Code)
	vm.Interpreter = interp.NewInterpreter(vm.Linker, vm.Code, interp.Options{
		ForceAccessChecks: opts.ForceAccessChecks,
		MaxFrameDepth:     opts.MaxFrameDepth,
		VerifyClass:       vm.verifyAtRuntime,
		Unwinder:          vm.Unwinder,
	})
	return vm
}

func (vm *VM) Options() Options { return vm.opts }

// VerifierOptions returns the settings classes are verified with. The
// driver needs precise register lines whenever it compiles.
func (vm *VM) VerifierOptions() verifier.Options {
	opts := vm.Driver.VerifierOptions()
	opts.Precise = opts.Precise || vm.opts.Precise
	return opts
}

// LoadDexFile checks data structurally, parses it and makes its classes
// loadable. Loading a second file at the same location fails.
func (vm *VM) LoadDexFile(data []byte, location string) (*dex.File, error) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if _, ok := vm.files[location]; ok {
		return nil, fmt.Errorf("%s: already loaded", location)
	}
	if err := dex.Verify(data, location); err != nil {
		return nil, fmt.Errorf("%s: %w", location, err)
	}
	f, err := dex.Open(data, location)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", location, err)
	}
	vm.Linker.RegisterDexFile(f)
	vm.Results.PreRegisterDexFile(f)
	vm.files[location] = f
	log.Infof("loaded %s: %d classes, %d methods", location, len(f.ClassDefs), len(f.MethodIDs))
	return f, nil
}

// DexFile returns a loaded file by location.
func (vm *VM) DexFile(location string) (*dex.File, bool) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	f, ok := vm.files[location]
	return f, ok
}

// NewThread creates a managed thread that honors SuspendAll.
func (vm *VM) NewThread() *interp.Thread { return interp.NewThread(vm.Suspend) }

// ---------------------------------------------------------------------------
// Runtime verification
// ---------------------------------------------------------------------------

// verifyAtRuntime is the interpreter's class verification hook. It runs
// for classes the ahead-of-time pass did not settle: never verified,
// or rejected.
func (vm *VM) verifyAtRuntime(c *mirror.Class) error {
	if c.DexFile == nil {
		return nil
	}
	if vm.Results.IsClassRejected(compiler.ClassRefOf(c)) {
		return rejectError(c, nil)
	}
	res := verifier.VerifyClass(vm.Linker, c, vm.Driver, vm.VerifierOptions())
	return settle(c, res)
}

// settle moves c to the status res calls for. A hard failure yields the
// VerifyError the runtime raises.
func settle(c *mirror.Class, res verifier.ClassResult) error {
	switch res.Kind {
	case verifier.HardFailure:
		return rejectError(c, res.Failures)
	case verifier.SoftFailure:
		c.SetStatus(mirror.StatusRetryVerificationAtRuntime)
	default:
		c.SetStatus(mirror.StatusVerified)
	}
	return nil
}

func rejectError(c *mirror.Class, failures []verifier.Failure) error {
	msg := "Verifier rejected class " + c.PrettyName()
	for _, f := range failures {
		if f.Type == verifier.FailBadClassHard {
			msg += ": " + f.Msg
			break
		}
	}
	return &mirror.LinkError{Descriptor: c.Descriptor, Exception: mirror.ExcVerify, Msg: msg}
}

// ---------------------------------------------------------------------------
// Execution
// ---------------------------------------------------------------------------

// FindStaticMethod returns the static method name declared by the class
// descriptor. sig may be empty to match any signature without parameters.
func (vm *VM) FindStaticMethod(descriptor, name, sig string) (*mirror.Method, error) {
	c, err := vm.Linker.FindClass(descriptor)
	if err != nil {
		return nil, err
	}
	for _, m := range c.DirectMethods {
		if m.Name != name || !m.IsStatic() {
			continue
		}
		if sig == m.Signature || (sig == "" && len(m.Params) == 0) {
			return m, nil
		}
	}
	return nil, fmt.Errorf("%s.%s%s: %w", c.PrettyName(), name, sig, ErrMethodNotFound)
}

// RunStatic invokes a static method taking no arguments on a new thread.
// A managed exception escaping it is returned as *interp.ThrownError.
func (vm *VM) RunStatic(descriptor, name string) (mirror.JValue, error) {
	m, err := vm.FindStaticMethod(descriptor, name, "")
	if err != nil {
		return mirror.JValue{}, err
	}
	log.Debugf("running %s", m.PrettyMethod())
	return vm.Interpreter.Invoke(vm.NewThread(), m, nil, nil)
}

// DeoptimizeAll discards every compiled method. Later calls run
// interpreted; compiled activations already on a stack are flagged with
// deopt.DeoptimizeStack by their own thread.
func (vm *VM) DeoptimizeAll() int {
	n := 0
	discard := func(ms []*mirror.Method, c *mirror.Class) {
		for _, m := range ms {
			if m.Class == c && vm.Code.Lookup(m) != nil {
				vm.Code.Remove(m)
				n++
			}
		}
	}
	for _, f := range vm.Linker.DexFiles() {
		for _, c := range vm.classesOf(f) {
			discard(c.DirectMethods, c)
			discard(c.VirtualMethods, c)
		}
	}
	log.Infof("discarded %d compiled methods", n)
	return n
}

// classesOf returns the already linked classes defined by f.
func (vm *VM) classesOf(f *dex.File) []*mirror.Class {
	var out []*mirror.Class
	for i := range f.ClassDefs {
		if c, ok := vm.Linker.LookupClass(f.ClassDescriptor(i)); ok && c.DexFile == f {
			out = append(out, c)
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// Persistence
// ---------------------------------------------------------------------------

// SaveResults writes the verification results of every loaded file.
func (vm *VM) SaveResults(w io.Writer) error {
	return compiler.SaveResults(w, vm.Results)
}

// LoadResults reads results written by SaveResults for the loaded files and
// returns how many method entries were restored.
func (vm *VM) LoadResults(r io.Reader) (int, error) {
	return compiler.LoadResults(r, vm.Results, vm.Linker.DexFiles())
}
