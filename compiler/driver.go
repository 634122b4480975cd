package compiler

import (
	"sync"
	"sync/atomic"

	"github.com/chazu/dexvm/mirror"
	"github.com/chazu/dexvm/verifier"
)

// CompiledCodeTable maps methods to their compiled code. It is filled by
// the Driver and read by the interpreter's invoke path.
type CompiledCodeTable struct {
	code  sync.Map // MethodReference -> *CompiledMethod
	count atomic.Int64
}

func NewCompiledCodeTable() *CompiledCodeTable { return &CompiledCodeTable{} }

// Add installs cm unless the method already has code, and returns the code
// the table holds.
func (t *CompiledCodeTable) Add(cm *CompiledMethod) *CompiledMethod {
	v, loaded := t.code.LoadOrStore(cm.Info.Method, cm)
	if !loaded {
		t.count.Add(1)
	}
	return v.(*CompiledMethod)
}

// Lookup returns the compiled code of m, or nil.
func (t *CompiledCodeTable) Lookup(m *mirror.Method) *CompiledMethod {
	if t == nil {
		return nil
	}
	if v, ok := t.code.Load(MethodRefOf(m)); ok {
		return v.(*CompiledMethod)
	}
	return nil
}

// Remove drops the code of m, sending later calls to the interpreter.
func (t *CompiledCodeTable) Remove(m *mirror.Method) {
	if _, ok := t.code.LoadAndDelete(MethodRefOf(m)); ok {
		t.count.Add(-1)
	}
}

func (t *CompiledCodeTable) Len() int { return int(t.count.Load()) }

// ---------------------------------------------------------------------------
// Driver
// ---------------------------------------------------------------------------

// Driver is the verification callback of an ahead-of-time run: it records
// every verified method and compiles the ones that verified cleanly.
type Driver struct {
	Results *VerificationResults
	Code    *CompiledCodeTable
}

func NewDriver(results *VerificationResults, code *CompiledCodeTable) *Driver {
	return &Driver{Results: results, Code: code}
}

// VerifierOptions returns the verifier settings the driver needs. Stack maps
// need a register line at every instruction.
func (d *Driver) VerifierOptions() verifier.Options {
	return verifier.Options{Precise: d.Results.Options().IsBytecodeCompilationEnabled()}
}

func (d *Driver) MethodVerified(v *verifier.MethodVerifier) {
	vm := d.Results.ProcessVerifiedMethod(v)
	if vm == nil || !vm.IsCompilable() || v.FailureKind() != verifier.NoFailure {
		return
	}
	info, err := BuildCodeInfo(v, d.Results.Options().NumMachineRegisters)
	if err != nil {
		log.Debugf("not compiling %s: %v", v.Method().PrettyMethod(), err)
		return
	}
	d.Code.Add(&CompiledMethod{Info: info, Verified: vm})
	log.Debugf("compiled %s (%d stack maps)", v.Method().PrettyMethod(), len(info.StackMaps))
}

func (d *Driver) ClassRejected(c *mirror.Class) {
	d.Results.ClassRejected(c)
}
