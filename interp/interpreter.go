// Package interp executes dex bytecode on shadow frames: the dispatch loop,
// invoke and exception delivery, class initialization on first use and the
// native intrinsics of the boot classes. Compiled methods run on the same
// engine over a CompiledFrame whose state is published at safepoints.
package interp

import (
	"fmt"
	"sync"

	"github.com/tliron/commonlog"

	"github.com/chazu/dexvm/compiler"
	"github.com/chazu/dexvm/dex"
	"github.com/chazu/dexvm/mirror"
)

var log = commonlog.GetLogger("dexvm.interp")

// DefaultMaxFrameDepth bounds the managed stack when Options leaves it zero.
const DefaultMaxFrameDepth = 1024

// CompiledCodeLookup finds compiled code for a method. It returns nil for
// methods that only run in the interpreter.
type CompiledCodeLookup interface {
	Lookup(m *mirror.Method) *compiler.CompiledMethod
}

// Unwinder moves compiled activations into the interpreter. It is called
// by a compiled activation that has an exception pending, and by one that
// was flagged for deoptimization when an invoke returns to it. In both
// cases the activation is the top frame of t.
type Unwinder interface {
	DeliverException(t *Thread, in *Interpreter) (result mirror.JValue, handled bool, err error)
	DeoptimizeFrame(t *Thread, in *Interpreter, result mirror.JValue) (mirror.JValue, error)
}

// Options configures an Interpreter.
type Options struct {
	// ForceAccessChecks runs every method in access-checked mode, even
	// methods that verified without failures.
	ForceAccessChecks bool
	MaxFrameDepth     int
	// VerifyClass is called the first time a class is initialized. A nil
	// VerifyClass accepts every class.
	VerifyClass func(c *mirror.Class) error
	// Unwinder enables compiled code. Without one, every method is
	// interpreted.
	Unwinder Unwinder
}

// Interpreter runs methods of the classes known to its linker. It is safe
// for concurrent use by multiple threads.
type Interpreter struct {
	linker *mirror.ClassLinker
	code   CompiledCodeLookup
	opts   Options

	// decoded maps *dex.CodeItem to []*dex.Instruction indexed by pc.
	decoded sync.Map
}

// NewInterpreter creates an interpreter and binds the intrinsic natives into
// linker. code may be nil.
func NewInterpreter(linker *mirror.ClassLinker, code CompiledCodeLookup, opts Options) *Interpreter {
	if opts.MaxFrameDepth <= 0 {
		opts.MaxFrameDepth = DefaultMaxFrameDepth
	}
	in := &Interpreter{linker: linker, code: code, opts: opts}
	RegisterIntrinsics(linker)
	return in
}

func (in *Interpreter) Linker() *mirror.ClassLinker { return in.linker }
func (in *Interpreter) Options() Options            { return in.opts }

// Invoke calls m from outside managed code. args holds the parameters only;
// receiver is ignored for static methods. A managed exception escaping m is
// returned as a *ThrownError.
func (in *Interpreter) Invoke(t *Thread, m *mirror.Method, receiver *mirror.Object, args []mirror.JValue) (mirror.JValue, error) {
	if len(args) != len(m.Params) {
		return mirror.JValue{}, fmt.Errorf("%s takes %d arguments, got %d", m.PrettyMethod(), len(m.Params), len(args))
	}
	if t.entered == 0 && t.suspend != nil {
		t.suspend.attach()
		defer t.suspend.detach()
	}
	t.entered++
	defer func() { t.entered-- }()

	full := args
	if !m.IsStatic() {
		if receiver == nil {
			in.throwNew(t, mirror.ExcNullPointer, "Attempt to invoke %s on a null object reference", m.PrettyMethod())
			return in.escape(t)
		}
		full = append([]mirror.JValue{mirror.RefValue(receiver)}, args...)
		if target := receiver.Class.FindVirtualMethodFor(m); target != nil {
			m = target
		}
	}
	result := in.invokeMethod(t, m, full)
	if t.IsExceptionPending() {
		return in.escape(t)
	}
	return result, nil
}

func (in *Interpreter) escape(t *Thread) (mirror.JValue, error) {
	exc := t.Exception()
	t.ClearException()
	return mirror.JValue{}, &ThrownError{Exception: exc}
}

// Resume continues sf, which replaces the top frame of t, from its dex pc.
// The deoptimizer uses it to finish a compiled activation in the
// interpreter. The caller still owns the stack slot and pops it.
func (in *Interpreter) Resume(t *Thread, sf *ShadowFrame) mirror.JValue {
	t.replaceTop(sf)
	return in.run(t, sf, nil)
}

// accessChecks reports whether m runs in access-checked mode.
func (in *Interpreter) accessChecks(m *mirror.Method) bool {
	return in.opts.ForceAccessChecks || !m.SkipAccessChecks()
}

// instructions decodes the code of m once and caches it.
func (in *Interpreter) instructions(m *mirror.Method) ([]*dex.Instruction, error) {
	if v, ok := in.decoded.Load(m.Code); ok {
		return v.([]*dex.Instruction), nil
	}
	insns := m.Code.Insns
	out := make([]*dex.Instruction, len(insns))
	for pc := uint32(0); pc < uint32(len(insns)); {
		inst, err := dex.DecodeInstruction(insns, pc)
		if err != nil {
			return nil, fmt.Errorf("%s at %#x: %w", m.PrettyMethod(), pc, err)
		}
		out[pc] = &inst
		pc = inst.Next()
	}
	v, _ := in.decoded.LoadOrStore(m.Code, out)
	return v.([]*dex.Instruction), nil
}

func (in *Interpreter) compiledCode(m *mirror.Method) *compiler.CompiledMethod {
	if in.code == nil || in.opts.Unwinder == nil || in.opts.ForceAccessChecks {
		return nil
	}
	return in.code.Lookup(m)
}

// ---------------------------------------------------------------------------
// Dispatch loop
// ---------------------------------------------------------------------------

// run executes sf from its dex pc until the method returns or an exception
// leaves it. A non-nil cf marks compiled execution: sf is then the private
// register file of cf, state is published at safepoints and exceptions go
// to the Unwinder instead of the method's own handlers.
func (in *Interpreter) run(t *Thread, sf *ShadowFrame, cf *CompiledFrame) mirror.JValue {
	m := sf.method
	code, err := in.instructions(m)
	if err != nil {
		in.throwNew(t, mirror.ExcVerify, "%v", err)
		return mirror.JValue{}
	}
	checks := in.accessChecks(m)
	pc := sf.pc
	for {
		if int(pc) >= len(code) || code[pc] == nil {
			in.throwNew(t, mirror.ExcInternal, "bad dex pc %#x in %s", pc, m.PrettyMethod())
			in.releaseMonitors(t, sf)
			return mirror.JValue{}
		}
		inst := code[pc]
		op := inst.Opcode
		next := inst.Next()
		sf.pc = pc
		if cf != nil && op.Flags()&(dex.FlagThrow|dex.FlagInvoke) != 0 {
			cf.spill(pc)
		}

		switch {
		case op >= dex.OpAget && op <= dex.OpAputShort:
			in.doArrayAccess(t, sf, inst)
		case op >= dex.OpIget && op <= dex.OpSputShort:
			in.doFieldAccess(t, sf, inst, checks)
		case op >= dex.OpInvokeVirtual && op <= dex.OpInvokeInterfaceRange:
			in.doInvoke(t, sf, inst, checks)
			if cf != nil {
				cf.spill(pc)
				if cf.deopt && !t.IsExceptionPending() {
					result, err := in.opts.Unwinder.DeoptimizeFrame(t, in, sf.result)
					if err != nil {
						in.throwNew(t, mirror.ExcInternal, "deoptimization of %s failed: %v", m.PrettyMethod(), err)
					}
					return result
				}
			}
		case op >= dex.OpNegInt && op <= dex.OpIntToShort:
			doUnaryOp(sf, inst)
		case op >= dex.OpAddInt && op <= dex.OpRemDouble:
			in.doBinaryOp(t, sf, int(op-dex.OpAddInt), inst.A, inst.B, inst.C)
		case op >= dex.OpAddInt2Addr && op <= dex.OpRemDouble2Addr:
			in.doBinaryOp(t, sf, int(op-dex.OpAddInt2Addr), inst.A, inst.A, inst.B)
		case op >= dex.OpAddIntLit16 && op <= dex.OpXorIntLit16:
			in.doLiteralOp(t, sf, int(op-dex.OpAddIntLit16), inst)
		case op >= dex.OpAddIntLit8 && op <= dex.OpUshrIntLit8:
			in.doLiteralOp(t, sf, int(op-dex.OpAddIntLit8), inst)
		case op >= dex.OpIfEq && op <= dex.OpIfLe:
			if compare(op-dex.OpIfEq, sf, inst.A, inst.B) {
				next = inst.Target()
			}
		case op >= dex.OpIfEqz && op <= dex.OpIfLez:
			if compareZero(op-dex.OpIfEqz, sf, inst.A) {
				next = inst.Target()
			}

		default:
			switch op {
			case dex.OpNop:

			case dex.OpMove, dex.OpMoveFrom16, dex.OpMove16,
				dex.OpMoveObject, dex.OpMoveObjectFrom16, dex.OpMoveObject16:
				sf.copyVReg(inst.A, inst.B)
			case dex.OpMoveWide, dex.OpMoveWideFrom16, dex.OpMoveWide16:
				sf.SetVRegLong(inst.A, sf.VRegLong(inst.B))
			case dex.OpMoveResult:
				sf.SetVReg(inst.A, sf.result.Int())
			case dex.OpMoveResultWide:
				sf.SetVRegLong(inst.A, sf.result.Long())
			case dex.OpMoveResultObject:
				sf.SetVRegReference(inst.A, sf.result.Ref())
			case dex.OpMoveException:
				sf.SetVRegReference(inst.A, sf.caught)
				sf.caught = nil

			case dex.OpReturnVoid:
				if in.checkReturn(t, sf, checks) {
					return mirror.JValue{}
				}
			case dex.OpReturn:
				if in.checkReturn(t, sf, checks) {
					return mirror.IntValue(sf.VReg(inst.A))
				}
			case dex.OpReturnWide:
				if in.checkReturn(t, sf, checks) {
					return mirror.LongValue(sf.VRegLong(inst.A))
				}
			case dex.OpReturnObject:
				if in.checkReturn(t, sf, checks) {
					return mirror.RefValue(sf.VRegReference(inst.A))
				}

			case dex.OpConst4, dex.OpConst16, dex.OpConst, dex.OpConstHigh16:
				sf.SetVReg(inst.A, int32(inst.Literal))
			case dex.OpConstWide16, dex.OpConstWide32, dex.OpConstWide, dex.OpConstWideHigh16:
				sf.SetVRegLong(inst.A, inst.Literal)
			case dex.OpConstString, dex.OpConstStringJumbo:
				sf.SetVRegReference(inst.A, in.linker.ResolveString(m.DexFile, inst.Index))
			case dex.OpConstClass:
				if c := in.resolveClass(t, m, inst.Index, checks); c != nil {
					sf.SetVRegReference(inst.A, c.ClassObject())
				}
			case dex.OpConstMethodHandle, dex.OpConstMethodType,
				dex.OpInvokePolymorphic, dex.OpInvokePolymorphicRange,
				dex.OpInvokeCustom, dex.OpInvokeCustomRange:
				in.throwNew(t, mirror.ExcUnsupportedOperation, "%s is not supported", op)

			case dex.OpMonitorEnter:
				in.doMonitorEnter(t, sf, sf.VRegReference(inst.A))
			case dex.OpMonitorExit:
				in.doMonitorExit(t, sf, sf.VRegReference(inst.A))

			case dex.OpCheckCast:
				if c := in.resolveClass(t, m, inst.Index, checks); c != nil {
					if o := sf.VRegReference(inst.A); o != nil && !c.IsAssignableFrom(o.Class) {
						in.throwNew(t, mirror.ExcClassCast, "%s cannot be cast to %s", o.Class.PrettyName(), c.PrettyName())
					}
				}
			case dex.OpInstanceOf:
				if c := in.resolveClass(t, m, inst.Index, checks); c != nil {
					sf.SetVReg(inst.A, boolInt(sf.VRegReference(inst.B).InstanceOf(c)))
				}
			case dex.OpArrayLength:
				if arr := sf.VRegReference(inst.B); arr == nil {
					in.throwNew(t, mirror.ExcNullPointer, "Attempt to get length of null array")
				} else {
					sf.SetVReg(inst.A, arr.Length())
				}
			case dex.OpNewInstance:
				in.doNewInstance(t, sf, inst, checks)
			case dex.OpNewArray:
				in.doNewArray(t, sf, inst, checks)
			case dex.OpFilledNewArray, dex.OpFilledNewArrayRange:
				in.doFilledNewArray(t, sf, inst, checks)
			case dex.OpFillArrayData:
				in.doFillArrayData(t, sf, inst)
			case dex.OpThrow:
				if exc := sf.VRegReference(inst.A); exc == nil {
					in.throwNew(t, mirror.ExcNullPointer, "throw with null exception")
				} else {
					t.SetException(exc)
				}

			case dex.OpGoto, dex.OpGoto16, dex.OpGoto32:
				next = inst.Target()
			case dex.OpPackedSwitch, dex.OpSparseSwitch:
				table, err := dex.DecodeSwitch(m.Code.Insns, inst.Target())
				if err != nil {
					in.throwNew(t, mirror.ExcInternal, "%v", err)
				} else if off, ok := table.Lookup(sf.VReg(inst.A)); ok {
					next = uint32(int64(pc) + int64(off))
				}
			case dex.OpCmplFloat, dex.OpCmpgFloat:
				sf.SetVReg(inst.A, cmpFloat(float64(sf.VRegFloat(inst.B)), float64(sf.VRegFloat(inst.C)), op == dex.OpCmpgFloat))
			case dex.OpCmplDouble, dex.OpCmpgDouble:
				sf.SetVReg(inst.A, cmpFloat(sf.VRegDouble(inst.B), sf.VRegDouble(inst.C), op == dex.OpCmpgDouble))
			case dex.OpCmpLong:
				sf.SetVReg(inst.A, cmpLong(sf.VRegLong(inst.B), sf.VRegLong(inst.C)))

			default:
				in.throwNew(t, mirror.ExcVerify, "unexpected opcode %s in %s", op, m.PrettyMethod())
			}
		}

		if t.IsExceptionPending() {
			if cf != nil {
				return in.deliverCompiled(t, sf, cf)
			}
			handler, ok := in.FindCatchHandler(m, pc, t.Exception())
			if !ok {
				in.releaseMonitors(t, sf)
				return mirror.JValue{}
			}
			log.Debugf("%s: caught %s at %#x, handler %#x", m.PrettyMethod(), t.Exception().Class.Descriptor, pc, handler)
			sf.caught = t.Exception()
			t.ClearException()
			next = handler
		}
		if next <= pc {
			t.CheckSuspend()
		}
		pc = next
	}
}

// deliverCompiled hands a pending exception in a compiled activation to the
// unwinder. When no handler in the method covers the safepoint the
// exception propagates to the caller.
func (in *Interpreter) deliverCompiled(t *Thread, sf *ShadowFrame, cf *CompiledFrame) mirror.JValue {
	result, handled, err := in.opts.Unwinder.DeliverException(t, in)
	if err != nil {
		log.Errorf("exception delivery in %s failed: %v", cf.method.PrettyMethod(), err)
		return mirror.JValue{}
	}
	if !handled {
		in.releaseMonitors(t, sf)
	}
	return result
}

// checkReturn applies the structured locking rule of access-checked mode:
// returning with monitors still held throws IllegalMonitorStateException.
// It reports whether the return may proceed.
func (in *Interpreter) checkReturn(t *Thread, sf *ShadowFrame, checks bool) bool {
	if len(sf.monitors) == 0 {
		return true
	}
	held := len(sf.monitors)
	in.releaseMonitors(t, sf)
	if !checks {
		return true
	}
	in.throwNew(t, mirror.ExcIllegalMonitorState, "%s returned with %d monitors held", sf.method.PrettyMethod(), held)
	return false
}

func boolInt(b bool) int32 {
	if b {
		return 1
	}
	return 0
}

// compare evaluates if-eq .. if-le. References compare by identity.
func compare(rel dex.Opcode, sf *ShadowFrame, a, b uint32) bool {
	if rel <= 1 {
		ra, rb := sf.VRegReference(a), sf.VRegReference(b)
		eq := sf.VReg(a) == sf.VReg(b)
		if ra != nil || rb != nil {
			eq = ra == rb
		}
		return eq == (rel == 0)
	}
	return compareInts(rel, sf.VReg(a), sf.VReg(b))
}

func compareZero(rel dex.Opcode, sf *ShadowFrame, a uint32) bool {
	return compareInts(rel, sf.VReg(a), 0)
}

// compareInts evaluates eq ne lt ge gt le in opcode order.
func compareInts(rel dex.Opcode, a, b int32) bool {
	switch rel {
	case 0:
		return a == b
	case 1:
		return a != b
	case 2:
		return a < b
	case 3:
		return a >= b
	case 4:
		return a > b
	}
	return a <= b
}

// ---------------------------------------------------------------------------
// Arithmetic instructions
// ---------------------------------------------------------------------------

func doUnaryOp(sf *ShadowFrame, inst *dex.Instruction) {
	a, b := inst.A, inst.B
	switch inst.Opcode {
	case dex.OpNegInt:
		sf.SetVReg(a, -sf.VReg(b))
	case dex.OpNotInt:
		sf.SetVReg(a, ^sf.VReg(b))
	case dex.OpNegLong:
		sf.SetVRegLong(a, -sf.VRegLong(b))
	case dex.OpNotLong:
		sf.SetVRegLong(a, ^sf.VRegLong(b))
	case dex.OpNegFloat:
		sf.SetVRegFloat(a, -sf.VRegFloat(b))
	case dex.OpNegDouble:
		sf.SetVRegDouble(a, -sf.VRegDouble(b))
	case dex.OpIntToLong:
		sf.SetVRegLong(a, int64(sf.VReg(b)))
	case dex.OpIntToFloat:
		sf.SetVRegFloat(a, float32(sf.VReg(b)))
	case dex.OpIntToDouble:
		sf.SetVRegDouble(a, float64(sf.VReg(b)))
	case dex.OpLongToInt:
		sf.SetVReg(a, int32(sf.VRegLong(b)))
	case dex.OpLongToFloat:
		sf.SetVRegFloat(a, float32(sf.VRegLong(b)))
	case dex.OpLongToDouble:
		sf.SetVRegDouble(a, float64(sf.VRegLong(b)))
	case dex.OpFloatToInt:
		sf.SetVReg(a, floatToInt(float64(sf.VRegFloat(b))))
	case dex.OpFloatToLong:
		sf.SetVRegLong(a, floatToLong(float64(sf.VRegFloat(b))))
	case dex.OpFloatToDouble:
		sf.SetVRegDouble(a, float64(sf.VRegFloat(b)))
	case dex.OpDoubleToInt:
		sf.SetVReg(a, floatToInt(sf.VRegDouble(b)))
	case dex.OpDoubleToLong:
		sf.SetVRegLong(a, floatToLong(sf.VRegDouble(b)))
	case dex.OpDoubleToFloat:
		sf.SetVRegFloat(a, float32(sf.VRegDouble(b)))
	case dex.OpIntToByte:
		sf.SetVReg(a, int32(int8(sf.VReg(b))))
	case dex.OpIntToChar:
		sf.SetVReg(a, int32(uint16(sf.VReg(b))))
	case dex.OpIntToShort:
		sf.SetVReg(a, int32(int16(sf.VReg(b))))
	}
}

// doBinaryOp executes operation rel of the add-int .. rem-double block.
func (in *Interpreter) doBinaryOp(t *Thread, sf *ShadowFrame, rel int, dst, a, b uint32) {
	switch {
	case rel <= binUshr:
		if v, ok := intOp(rel, sf.VReg(a), sf.VReg(b)); ok {
			sf.SetVReg(dst, v)
		} else {
			in.throwNew(t, mirror.ExcArithmetic, "divide by zero")
		}
	case rel <= 2*binUshr+1:
		rel -= binUshr + 1
		var rhs int64
		if rel >= binShl {
			rhs = int64(sf.VReg(b))
		} else {
			rhs = sf.VRegLong(b)
		}
		if v, ok := longOp(rel, sf.VRegLong(a), rhs); ok {
			sf.SetVRegLong(dst, v)
		} else {
			in.throwNew(t, mirror.ExcArithmetic, "divide by zero")
		}
	case rel <= 2*binUshr+6:
		sf.SetVRegFloat(dst, floatOp(rel-2*binUshr-2, sf.VRegFloat(a), sf.VRegFloat(b)))
	default:
		sf.SetVRegDouble(dst, doubleOp(rel-2*binUshr-7, sf.VRegDouble(a), sf.VRegDouble(b)))
	}
}

func (in *Interpreter) doLiteralOp(t *Thread, sf *ShadowFrame, rel int, inst *dex.Instruction) {
	if v, ok := litOp(rel, sf.VReg(inst.B), int32(inst.Literal)); ok {
		sf.SetVReg(inst.A, v)
	} else {
		in.throwNew(t, mirror.ExcArithmetic, "divide by zero")
	}
}
