package interp

import (
	"errors"

	"github.com/chazu/dexvm/dex"
	"github.com/chazu/dexvm/mirror"
)

// ---------------------------------------------------------------------------
// Method entry
// ---------------------------------------------------------------------------

// invokeMethod calls m with args, receiver first for instance methods. The
// result is undefined when an exception is pending afterwards.
func (in *Interpreter) invokeMethod(t *Thread, m *mirror.Method, args []mirror.JValue) mirror.JValue {
	switch {
	case m.IsAbstract():
		in.throwNew(t, mirror.ExcAbstractMethod, "abstract method \"%s\"", m.PrettyMethod())
		return mirror.JValue{}
	case m.IsNative():
		return in.invokeNative(t, m, args)
	case m.Code == nil:
		in.throwNew(t, mirror.ExcInternal, "%s has no code", m.PrettyMethod())
		return mirror.JValue{}
	}
	regs := int(m.Code.RegistersSize)
	base := regs - m.ArgWords()
	if base < 0 {
		in.throwNew(t, mirror.ExcVerify, "%s has %d registers for %d argument words", m.PrettyMethod(), regs, m.ArgWords())
		return mirror.JValue{}
	}
	sf := NewShadowFrame(m, regs)
	r := uint32(base)
	i := 0
	if !m.IsStatic() {
		sf.SetVRegReference(r, args[0].Ref())
		r++
		i++
	}
	for _, p := range m.Params {
		switch p[0] {
		case 'J', 'D':
			sf.SetVRegLong(r, args[i].Long())
			r += 2
		case 'L', '[':
			sf.SetVRegReference(r, args[i].Ref())
			r++
		default:
			sf.SetVReg(r, args[i].Int())
			r++
		}
		i++
	}
	return in.execute(t, m, sf, args)
}

// execute runs a method with code whose frame is already populated.
func (in *Interpreter) execute(t *Thread, m *mirror.Method, sf *ShadowFrame, args []mirror.JValue) mirror.JValue {
	if t.Depth() >= in.opts.MaxFrameDepth {
		in.throwNew(t, mirror.ExcStackOverflow, "stack size %d", t.Depth())
		return mirror.JValue{}
	}
	if m.IsStatic() && !in.ensureInitialized(t, m.Class) {
		return mirror.JValue{}
	}
	if m.IsSynchronized() {
		lock := m.Class.ClassObject()
		if !m.IsStatic() {
			lock = args[0].Ref()
		}
		lockMonitor(t, lock)
		defer lock.Monitor().Exit(t.id)
	}
	t.CheckSuspend()

	if code := in.compiledCode(m); code != nil {
		cf := newCompiledFrame(m, code, sf)
		t.pushFrame(cf)
		defer t.popFrame()
		return in.run(t, sf, cf)
	}
	t.pushFrame(sf)
	defer t.popFrame()
	return in.run(t, sf, nil)
}

// invokeNative calls through a native bridge. Natives do not get a frame.
func (in *Interpreter) invokeNative(t *Thread, m *mirror.Method, args []mirror.JValue) mirror.JValue {
	if m.Native == nil {
		in.throwNew(t, mirror.ExcUnsatisfiedLink, "No implementation found for %s", m.PrettyMethod())
		return mirror.JValue{}
	}
	if m.IsStatic() && !in.ensureInitialized(t, m.Class) {
		return mirror.JValue{}
	}
	return m.Native(&Env{in: in, t: t}, args)
}

// ---------------------------------------------------------------------------
// invoke-* instructions
// ---------------------------------------------------------------------------

func (in *Interpreter) doInvoke(t *Thread, sf *ShadowFrame, inst *dex.Instruction, checks bool) {
	caller := sf.method
	kind := mirror.InvokeKindOf(inst.Opcode)
	m := in.resolveMethod(t, caller, inst.Index, kind, checks)
	if m == nil {
		return
	}
	args := argumentsFromRegisters(sf, m, kind == mirror.InvokeStatic, inst.Args)
	if args == nil {
		in.throwNew(t, mirror.ExcVerify, "argument registers of %s do not match its signature", m.PrettyMethod())
		return
	}

	if m.IsStringConstructor() {
		in.doStringInit(t, sf, m, inst.Args[0], args[1:])
		return
	}

	target := m
	if kind != mirror.InvokeStatic {
		receiver := args[0].Ref()
		if receiver == nil {
			in.throwNew(t, mirror.ExcNullPointer, "Attempt to invoke %s method '%s' on a null object reference", kind, m.PrettyMethod())
			return
		}
		switch kind {
		case mirror.InvokeVirtual, mirror.InvokeInterface:
			target = receiver.Class.FindVirtualMethodFor(m)
		case mirror.InvokeSuper:
			target = superTarget(caller.Class, m)
		}
		if target == nil {
			in.throwNew(t, mirror.ExcAbstractMethod, "no implementation of %s in %s", m.PrettyMethod(), receiver.Class.PrettyName())
			return
		}
	}
	sf.result = in.invokeMethod(t, target, args)
}

// superTarget selects the implementation an invoke-super from class c
// reaches: the slot of m in the superclass vtable.
func superTarget(c *mirror.Class, m *mirror.Method) *mirror.Method {
	if m.Class.IsInterface() {
		return m
	}
	super := c.Super
	if super == nil || m.VtableIndex < 0 || m.VtableIndex >= len(super.Vtable) {
		return nil
	}
	return super.Vtable[m.VtableIndex]
}

// argumentsFromRegisters reads the argument registers of an invoke in the
// calling convention of m. It returns nil when the register count does not
// match the signature.
func argumentsFromRegisters(sf *ShadowFrame, m *mirror.Method, static bool, regs []uint32) []mirror.JValue {
	words := dex.ArgumentWords(m.Params)
	if !static {
		words++
	}
	if words != len(regs) {
		return nil
	}
	args := make([]mirror.JValue, 0, len(m.Params)+1)
	i := 0
	if !static {
		args = append(args, mirror.RefValue(sf.VRegReference(regs[0])))
		i++
	}
	for _, p := range m.Params {
		r := regs[i]
		switch p[0] {
		case 'J', 'D':
			lo, hi := uint64(sf.vregs[r]), uint64(sf.vregs[regs[i+1]])
			args = append(args, mirror.BitsValue(lo|hi<<32))
			i += 2
		case 'L', '[':
			args = append(args, mirror.RefValue(sf.VRegReference(r)))
			i++
		default:
			args = append(args, mirror.IntValue(sf.VReg(r)))
			i++
		}
	}
	return args
}

func (in *Interpreter) resolveMethod(t *Thread, caller *mirror.Method, idx uint32, kind mirror.InvokeKind, checks bool) *mirror.Method {
	f := caller.DexFile
	m, r := in.linker.ResolveMethod(f, idx, kind)
	switch r {
	case mirror.Deferred:
		in.throwResolutionError(t, f, uint32(f.Method(idx).ClassIdx))
		return nil
	case mirror.Absent:
		in.throwNew(t, mirror.ExcNoSuchMethod, "No %s method %s", kind, f.PrettyMethod(idx))
		return nil
	}
	referenced, _ := in.linker.ResolveType(f, uint32(f.Method(idx).ClassIdx))
	if msg := mirror.CheckInvokeKind(referenced, m, kind); msg != "" {
		in.throwNew(t, mirror.ExcIncompatibleClassChange, "%s", msg)
		return nil
	}
	if checks && !mirror.CanAccessMember(caller.Class, m.Class, m.AccessFlags()) {
		in.throwNew(t, mirror.ExcIllegalAccess, "Method '%s' is inaccessible to class '%s'", m.PrettyMethod(), caller.Class.PrettyName())
		return nil
	}
	return m
}

// ---------------------------------------------------------------------------
// String constructors
// ---------------------------------------------------------------------------

// doStringInit runs a String constructor as the matching StringFactory
// call. Strings are immutable, so the object new-instance left in the
// receiver register is a placeholder: every register aliasing it is
// rewritten to the factory's result.
func (in *Interpreter) doStringInit(t *Thread, sf *ShadowFrame, ctor *mirror.Method, thisReg uint32, args []mirror.JValue) {
	this := sf.VRegReference(thisReg)
	if this == nil {
		in.throwNew(t, mirror.ExcNullPointer, "Attempt to invoke direct method '%s' on a null object reference", ctor.PrettyMethod())
		return
	}
	factory := in.stringFactoryFor(ctor)
	if factory == nil {
		in.throwNew(t, mirror.ExcNoSuchMethod, "no StringFactory method for %s", ctor.PrettyMethod())
		return
	}
	result := in.invokeMethod(t, factory, args)
	if t.IsExceptionPending() {
		return
	}
	n := sf.replaceReference(this, result.Ref())
	sf.result = result
	log.Debugf("%s: %s replaced %d aliases", sf.method.PrettyMethod(), factory.Name, n)
}

func (in *Interpreter) stringFactoryFor(ctor *mirror.Method) *mirror.Method {
	name, ok := mirror.StringFactoryFor(ctor.Signature)
	if !ok {
		return nil
	}
	factory, err := in.linker.FindClass(mirror.DescStringFactory)
	if err != nil {
		return nil
	}
	return factory.FindDirectMethod(name, mirror.StringFactorySignature(ctor.Signature))
}

// ---------------------------------------------------------------------------
// Class initialization
// ---------------------------------------------------------------------------

type initializer struct {
	in *Interpreter
	t  *Thread
}

func (i initializer) ThreadID() uint64 { return i.t.id }
func (i initializer) BeginBlocking()   { i.t.BeginBlocking() }
func (i initializer) EndBlocking()     { i.t.EndBlocking() }

func (i initializer) VerifyClass(c *mirror.Class) error {
	if i.in.opts.VerifyClass == nil {
		return nil
	}
	return i.in.opts.VerifyClass(c)
}

func (i initializer) RunClassInitializer(c *mirror.Class) error {
	clinit := c.FindDeclaredDirectMethod("<clinit>", "()V")
	if clinit == nil {
		return nil
	}
	log.Debugf("running %s", clinit.PrettyMethod())
	i.in.invokeMethod(i.t, clinit, nil)
	if exc := i.t.Exception(); exc != nil {
		i.t.ClearException()
		return &ThrownError{Exception: exc}
	}
	return nil
}

// ensureInitialized initializes c on first use. On failure the matching
// exception is pending and it returns false.
func (in *Interpreter) ensureInitialized(t *Thread, c *mirror.Class) bool {
	if c.IsInitialized() {
		return true
	}
	err := c.EnsureInitialized(initializer{in: in, t: t})
	if err == nil {
		return true
	}
	in.throwError(t, err)
	return false
}

// throwError raises the managed exception behind a runtime error.
func (in *Interpreter) throwError(t *Thread, err error) {
	var le *mirror.LinkError
	var te *ThrownError
	switch {
	case errors.As(err, &le):
		in.throwNew(t, le.Exception, "%s", le.Msg)
	case errors.As(err, &te):
		errClass, _ := in.linker.LookupClass("Ljava/lang/Error;")
		if errClass != nil && te.Exception.InstanceOf(errClass) {
			t.SetException(te.Exception)
			return
		}
		exc := in.newThrowable(mirror.ExcExceptionInInitializer, "")
		setThrowableCause(exc, te.Exception)
		t.SetException(exc)
	default:
		in.throwNew(t, mirror.ExcInternal, "%v", err)
	}
}

// ---------------------------------------------------------------------------
// Native environment
// ---------------------------------------------------------------------------

// Env is the mirror.NativeEnv handed to natives called by the interpreter.
type Env struct {
	in *Interpreter
	t  *Thread
}

func (e *Env) ThrowNew(descriptor, msg string)   { e.in.throwNew(e.t, descriptor, "%s", msg) }
func (e *Env) Throw(exc *mirror.Object)          { e.t.SetException(exc) }
func (e *Env) ExceptionPending() bool            { return e.t.IsExceptionPending() }
func (e *Env) Linker() *mirror.ClassLinker       { return e.in.linker }
func (e *Env) NewString(s string) *mirror.Object { return e.in.linker.NewString(s) }
func (e *Env) ThreadID() uint64                  { return e.t.id }
func (e *Env) Thread() *Thread                   { return e.t }
func (e *Env) Interpreter() *Interpreter         { return e.in }

// Call invokes m from native code; args include the receiver of instance
// methods.
func (e *Env) Call(m *mirror.Method, args []mirror.JValue) mirror.JValue {
	return e.in.invokeMethod(e.t, m, args)
}
