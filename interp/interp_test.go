package interp

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/chazu/dexvm/dex"
	"github.com/chazu/dexvm/mirror"
)

const calcDesc = "LCalc;"

// link builds a dex image with build and registers it with a new linker.
func link(t *testing.T, build func(b *dex.Builder)) *mirror.ClassLinker {
	t.Helper()
	b := dex.NewBuilder()
	build(b)
	data, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	f, err := dex.Open(data, "interp_test.dex")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	l := mirror.NewClassLinker()
	l.RegisterDexFile(f)
	return l
}

func method(t *testing.T, l *mirror.ClassLinker, desc, name, sig string) *mirror.Method {
	t.Helper()
	c, err := l.FindClass(desc)
	if err != nil {
		t.Fatalf("FindClass(%s): %v", desc, err)
	}
	m := c.FindDirectMethod(name, sig)
	if m == nil {
		m = c.FindVirtualMethod(name, sig)
	}
	if m == nil {
		t.Fatalf("%s->%s%s not found", desc, name, sig)
	}
	return m
}

func calcClass(b *dex.Builder) *dex.ClassBuilder {
	return b.Class(calcDesc, mirror.DescObject, dex.AccPublic)
}

// invokeStatic runs a static method of LCalc; on a fresh thread.
func invokeStatic(t *testing.T, in *Interpreter, name, sig string, args ...mirror.JValue) (mirror.JValue, error) {
	t.Helper()
	m := method(t, in.Linker(), calcDesc, name, sig)
	return in.Invoke(NewThread(nil), m, nil, args)
}

func wantThrown(t *testing.T, err error, desc string) *ThrownError {
	t.Helper()
	var te *ThrownError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want %s", err, dex.PrettyDescriptor(desc))
	}
	if te.Descriptor() != desc {
		t.Fatalf("thrown %s, want %s", te, dex.PrettyDescriptor(desc))
	}
	return te
}

// ---------------------------------------------------------------------------
// Arithmetic
// ---------------------------------------------------------------------------

func TestDivisionEdgeCases(t *testing.T) {
	intCases := []struct {
		a, b     int32
		quo, rem int32
		ok       bool
	}{
		{7, 2, 3, 1, true},
		{-7, 2, -3, -1, true},
		{math.MinInt32, -1, math.MinInt32, 0, true},
		{5, 0, 0, 0, false},
	}
	for _, c := range intCases {
		q, ok := DoIntDivide(c.a, c.b)
		if q != c.quo || ok != c.ok {
			t.Errorf("DoIntDivide(%d, %d) = %d, %v, want %d, %v", c.a, c.b, q, ok, c.quo, c.ok)
		}
		r, ok := DoIntRemainder(c.a, c.b)
		if r != c.rem || ok != c.ok {
			t.Errorf("DoIntRemainder(%d, %d) = %d, %v, want %d, %v", c.a, c.b, r, ok, c.rem, c.ok)
		}
	}
	if q, ok := DoLongDivide(math.MinInt64, -1); q != math.MinInt64 || !ok {
		t.Errorf("DoLongDivide(MinInt64, -1) = %d, %v", q, ok)
	}
	if r, ok := DoLongRemainder(math.MinInt64, -1); r != 0 || !ok {
		t.Errorf("DoLongRemainder(MinInt64, -1) = %d, %v", r, ok)
	}
	if _, ok := DoLongDivide(1, 0); ok {
		t.Error("DoLongDivide(1, 0) succeeded")
	}
}

func TestConversions(t *testing.T) {
	cases := []struct {
		in   float64
		want int32
	}{
		{math.NaN(), 0},
		{1e20, math.MaxInt32},
		{-1e20, math.MinInt32},
		{-2.9, -2},
	}
	for _, c := range cases {
		if got := floatToInt(c.in); got != c.want {
			t.Errorf("floatToInt(%v) = %d, want %d", c.in, got, c.want)
		}
	}
	if got := cmpFloat(math.NaN(), 1, true); got != 1 {
		t.Errorf("cmpg(NaN, 1) = %d, want 1", got)
	}
	if got := cmpFloat(math.NaN(), 1, false); got != -1 {
		t.Errorf("cmpl(NaN, 1) = %d, want -1", got)
	}
	if got, _ := litOp(binSub, 3, 10); got != 7 {
		t.Errorf("rsub-int 10 - 3 = %d, want 7", got)
	}
	if got, _ := intOp(binShl, 1, 33); got != 2 {
		t.Errorf("1 << 33 = %d, want 2", got)
	}
}

// ---------------------------------------------------------------------------
// Control flow
// ---------------------------------------------------------------------------

func TestLoopAndSwitch(t *testing.T) {
	l := link(t, func(b *dex.Builder) {
		calc := calcClass(b)

		// sum(I)I: 1 + 2 + ... + n
		sum := dex.NewCodeBuilder(3)
		loop, done := sum.NewLabel(), sum.NewLabel()
		sum.EmitConst(dex.OpConst4, 0, 0)
		sum.EmitConst(dex.OpConst4, 1, 1)
		sum.Mark(loop)
		sum.EmitJump(dex.OpIfGt, done, 1, 2)
		sum.Emit12x(dex.OpAddInt2Addr, 0, 1)
		sum.EmitLit(dex.OpAddIntLit8, 1, 1, 1)
		sum.EmitJump(dex.OpGoto, loop)
		sum.Mark(done)
		sum.Emit11x(dex.OpReturn, 0)
		calc.Method("sum", "(I)I", dex.AccPublic|dex.AccStatic, sum)

		// classify(I)I: switch (n) { 0 -> 10; 1 -> 20; 2 -> 30; default -> -1 }
		sw := dex.NewCodeBuilder(2)
		cases := []*dex.Label{sw.NewLabel(), sw.NewLabel(), sw.NewLabel()}
		sw.EmitPackedSwitch(1, 0, cases...)
		sw.EmitConst(dex.OpConst4, 0, -1)
		sw.Emit11x(dex.OpReturn, 0)
		for i, c := range cases {
			sw.Mark(c)
			sw.EmitConst(dex.OpConst16, 0, int64(10*(i+1)))
			sw.Emit11x(dex.OpReturn, 0)
		}
		calc.Method("classify", "(I)I", dex.AccPublic|dex.AccStatic, sw)
	})
	in := NewInterpreter(l, nil, Options{})

	for n, want := range map[int32]int32{0: 0, 1: 1, 10: 55} {
		got, err := invokeStatic(t, in, "sum", "(I)I", mirror.IntValue(n))
		if err != nil {
			t.Fatalf("sum(%d): %v", n, err)
		}
		if got.Int() != want {
			t.Errorf("sum(%d) = %d, want %d", n, got.Int(), want)
		}
	}
	for n, want := range map[int32]int32{-5: -1, 0: 10, 1: 20, 2: 30, 3: -1} {
		got, err := invokeStatic(t, in, "classify", "(I)I", mirror.IntValue(n))
		if err != nil {
			t.Fatalf("classify(%d): %v", n, err)
		}
		if got.Int() != want {
			t.Errorf("classify(%d) = %d, want %d", n, got.Int(), want)
		}
	}
}

// ---------------------------------------------------------------------------
// Exceptions
// ---------------------------------------------------------------------------

func buildExceptions(b *dex.Builder) {
	calc := calcClass(b)

	// div(II)I
	div := dex.NewCodeBuilder(3)
	div.Emit23x(dex.OpDivInt, 0, 1, 2)
	div.Emit11x(dex.OpReturn, 0)
	calc.Method("div", "(II)I", dex.AccPublic|dex.AccStatic, div)

	// safeDiv(II)I: try { return a / b } catch (ArithmeticException e) { return -1 }
	safe := dex.NewCodeBuilder(4)
	start, end, handler := safe.NewLabel(), safe.NewLabel(), safe.NewLabel()
	safe.Mark(start)
	safe.Emit23x(dex.OpDivInt, 0, 2, 3)
	safe.Mark(end)
	safe.Emit11x(dex.OpReturn, 0)
	safe.Mark(handler)
	safe.Emit11x(dex.OpMoveException, 1)
	safe.EmitConst(dex.OpConst4, 0, -1)
	safe.Emit11x(dex.OpReturn, 0)
	safe.Try(start, end, []dex.Catch{{TypeIdx: b.TypeIdx(mirror.ExcArithmetic), Handler: handler}}, nil)
	calc.Method("safeDiv", "(II)I", dex.AccPublic|dex.AccStatic, safe)

	// boom()V: throw new IllegalStateException("boom")
	ise := "Ljava/lang/IllegalStateException;"
	boom := dex.NewCodeBuilder(2)
	boom.EmitIndex(dex.OpNewInstance, b.TypeIdx(ise), 0)
	boom.EmitIndex(dex.OpConstString, b.StringIdx("boom"), 1)
	boom.EmitInvoke(dex.OpInvokeDirect, b.MethodIdx(ise, "<init>", "(Ljava/lang/String;)V"), 0, 1)
	boom.Emit11x(dex.OpThrow, 0)
	calc.Method("boom", "()V", dex.AccPublic|dex.AccStatic, boom)

	// recurse()V
	recurse := dex.NewCodeBuilder(0)
	recurse.EmitInvoke(dex.OpInvokeStatic, b.MethodIdx(calcDesc, "recurse", "()V"))
	recurse.Emit(dex.OpReturnVoid)
	calc.Method("recurse", "()V", dex.AccPublic|dex.AccStatic, recurse)

	// unlock(Object)V: monitor-exit without monitor-enter
	unlock := dex.NewCodeBuilder(1)
	unlock.Emit11x(dex.OpMonitorExit, 0)
	unlock.Emit(dex.OpReturnVoid)
	calc.Method("unlock", "(Ljava/lang/Object;)V", dex.AccPublic|dex.AccStatic, unlock)

	// lock(Object)V: returns with the monitor held
	lock := dex.NewCodeBuilder(1)
	lock.Emit11x(dex.OpMonitorEnter, 0)
	lock.Emit(dex.OpReturnVoid)
	calc.Method("lock", "(Ljava/lang/Object;)V", dex.AccPublic|dex.AccStatic, lock)
}

func TestArithmeticException(t *testing.T) {
	in := NewInterpreter(link(t, buildExceptions), nil, Options{})

	got, err := invokeStatic(t, in, "div", "(II)I", mirror.IntValue(math.MinInt32), mirror.IntValue(-1))
	if err != nil || got.Int() != math.MinInt32 {
		t.Errorf("div(MinInt32, -1) = %d, %v", got.Int(), err)
	}
	_, err = invokeStatic(t, in, "div", "(II)I", mirror.IntValue(1), mirror.IntValue(0))
	te := wantThrown(t, err, mirror.ExcArithmetic)
	if te.Error() != "java.lang.ArithmeticException: divide by zero" {
		t.Errorf("Error() = %q", te.Error())
	}
}

func TestCatchHandler(t *testing.T) {
	in := NewInterpreter(link(t, buildExceptions), nil, Options{})
	for _, c := range []struct{ a, b, want int32 }{{7, 2, 3}, {7, 0, -1}} {
		got, err := invokeStatic(t, in, "safeDiv", "(II)I", mirror.IntValue(c.a), mirror.IntValue(c.b))
		if err != nil {
			t.Fatalf("safeDiv(%d, %d): %v", c.a, c.b, err)
		}
		if got.Int() != c.want {
			t.Errorf("safeDiv(%d, %d) = %d, want %d", c.a, c.b, got.Int(), c.want)
		}
	}
}

func TestUncaughtException(t *testing.T) {
	in := NewInterpreter(link(t, buildExceptions), nil, Options{})
	th := NewThread(nil)
	_, err := in.Invoke(th, method(t, in.Linker(), calcDesc, "boom", "()V"), nil, nil)
	te := wantThrown(t, err, "Ljava/lang/IllegalStateException;")
	if te.Error() != "java.lang.IllegalStateException: boom" {
		t.Errorf("Error() = %q", te.Error())
	}
	if th.IsExceptionPending() || th.Depth() != 0 {
		t.Errorf("after escape: pending=%v depth=%d", th.IsExceptionPending(), th.Depth())
	}
}

func TestStackOverflow(t *testing.T) {
	in := NewInterpreter(link(t, buildExceptions), nil, Options{MaxFrameDepth: 16})
	_, err := invokeStatic(t, in, "recurse", "()V")
	wantThrown(t, err, mirror.ExcStackOverflow)
}

func TestMonitorRules(t *testing.T) {
	l := link(t, buildExceptions)
	in := NewInterpreter(l, nil, Options{})
	obj := mirror.NewInstance(l.ObjectClass)

	_, err := invokeStatic(t, in, "unlock", "(Ljava/lang/Object;)V", mirror.RefValue(obj))
	te := wantThrown(t, err, mirror.ExcIllegalMonitorState)
	want := "java.lang.IllegalMonitorStateException: did not lock monitor on object of type 'java.lang.Object' before unlocking"
	if te.Error() != want {
		t.Errorf("Error() = %q, want %q", te.Error(), want)
	}

	_, err = invokeStatic(t, in, "lock", "(Ljava/lang/Object;)V", mirror.RefValue(obj))
	wantThrown(t, err, mirror.ExcIllegalMonitorState)
	if n := obj.Monitor().Count(); n != 0 {
		t.Errorf("monitor count after return = %d, want 0", n)
	}
}

// ---------------------------------------------------------------------------
// Objects, fields and arrays
// ---------------------------------------------------------------------------

func buildObjects(b *dex.Builder) {
	calc := calcClass(b)
	count := calc.Field("count", "I", dex.AccPublic|dex.AccStatic)
	value := calc.Field("value", "J", dex.AccPublic)

	ctor := dex.NewCodeBuilder(1)
	ctor.EmitInvoke(dex.OpInvokeDirect, b.MethodIdx(mirror.DescObject, "<init>", "()V"), 0)
	ctor.Emit(dex.OpReturnVoid)
	calc.Method("<init>", "()V", dex.AccPublic|dex.AccConstructor, ctor)

	// arrays(I)I: a = new int[n]; a[0] = 7; count = a[0] + a.length; return count
	arr := dex.NewCodeBuilder(4)
	arr.EmitIndex(dex.OpNewArray, b.TypeIdx("[I"), 0, 3)
	arr.EmitConst(dex.OpConst4, 1, 0)
	arr.EmitConst(dex.OpConst4, 2, 7)
	arr.Emit23x(dex.OpAput, 2, 0, 1)
	arr.Emit23x(dex.OpAget, 1, 0, 1)
	arr.Emit12x(dex.OpArrayLength, 2, 0)
	arr.Emit12x(dex.OpAddInt2Addr, 1, 2)
	arr.EmitIndex(dex.OpSput, count, 1)
	arr.EmitIndex(dex.OpSget, count, 2)
	arr.Emit11x(dex.OpReturn, 2)
	calc.Method("arrays", "(I)I", dex.AccPublic|dex.AccStatic, arr)

	// bytes()I: b = new byte[2]; fill {-1, 5}; return b[0]
	by := dex.NewCodeBuilder(2)
	by.EmitConst(dex.OpConst4, 1, 2)
	by.EmitIndex(dex.OpNewArray, b.TypeIdx("[B"), 0, 1)
	by.EmitFillArrayData(0, 1, []int64{-1, 5})
	by.EmitConst(dex.OpConst4, 1, 0)
	by.Emit23x(dex.OpAgetByte, 1, 0, 1)
	by.Emit11x(dex.OpReturn, 1)
	calc.Method("bytes", "()I", dex.AccPublic|dex.AccStatic, by)

	// wide()J: c = new Calc(); c.value = 40; return c.value
	wide := dex.NewCodeBuilder(3)
	wide.EmitIndex(dex.OpNewInstance, b.TypeIdx(calcDesc), 0)
	wide.EmitInvoke(dex.OpInvokeDirect, b.MethodIdx(calcDesc, "<init>", "()V"), 0)
	wide.EmitConst(dex.OpConstWide16, 1, 40)
	wide.EmitIndex(dex.OpIputWide, value, 1, 0)
	wide.EmitConst(dex.OpConstWide16, 1, 0)
	wide.EmitIndex(dex.OpIgetWide, value, 1, 0)
	wide.Emit11x(dex.OpReturnWide, 1)
	calc.Method("wide", "()J", dex.AccPublic|dex.AccStatic, wide)

	// makeString()String: s = new String(new char[]{'h', 'i'}) with an alias
	// of the uninitialized string taken before the constructor runs.
	ms := dex.NewCodeBuilder(4)
	ms.EmitIndex(dex.OpNewInstance, b.TypeIdx(mirror.DescString), 0)
	ms.EmitMove(dex.OpMoveObject, 1, 0)
	ms.EmitConst(dex.OpConst4, 2, 2)
	ms.EmitIndex(dex.OpNewArray, b.TypeIdx("[C"), 3, 2)
	ms.EmitFillArrayData(3, 2, []int64{'h', 'i'})
	ms.EmitInvoke(dex.OpInvokeDirect, b.MethodIdx(mirror.DescString, "<init>", "([C)V"), 0, 3)
	ms.Emit11x(dex.OpReturnObject, 1)
	calc.Method("makeString", "()Ljava/lang/String;", dex.AccPublic|dex.AccStatic, ms)
}

func TestFieldsAndArrays(t *testing.T) {
	in := NewInterpreter(link(t, buildObjects), nil, Options{})

	got, err := invokeStatic(t, in, "arrays", "(I)I", mirror.IntValue(3))
	if err != nil || got.Int() != 10 {
		t.Errorf("arrays(3) = %d, %v, want 10", got.Int(), err)
	}
	_, err = invokeStatic(t, in, "arrays", "(I)I", mirror.IntValue(0))
	te := wantThrown(t, err, mirror.ExcArrayIndexOutOfBounds)
	if msg := ThrowableMessage(te.Exception); msg != "length=0; index=0" {
		t.Errorf("message = %q", msg)
	}
	_, err = invokeStatic(t, in, "arrays", "(I)I", mirror.IntValue(-1))
	wantThrown(t, err, mirror.ExcNegativeArraySize)

	got, err = invokeStatic(t, in, "bytes", "()I")
	if err != nil || got.Int() != -1 {
		t.Errorf("bytes() = %d, %v, want -1", got.Int(), err)
	}
	got, err = invokeStatic(t, in, "wide", "()J")
	if err != nil || got.Long() != 40 {
		t.Errorf("wide() = %d, %v, want 40", got.Long(), err)
	}
}

func TestStringConstructorRewritesAliases(t *testing.T) {
	in := NewInterpreter(link(t, buildObjects), nil, Options{})
	got, err := invokeStatic(t, in, "makeString", "()Ljava/lang/String;")
	if err != nil {
		t.Fatalf("makeString: %v", err)
	}
	s := got.Ref()
	if s == nil || s.StringValue() != "hi" {
		t.Fatalf("makeString() = %v, want \"hi\"", s)
	}
}

func TestConstructorThroughAlias(t *testing.T) {
	const point = "LPoint;"
	l := link(t, func(b *dex.Builder) {
		pc := b.Class(point, mirror.DescObject, dex.AccPublic)
		x := pc.Field("x", "I", dex.AccPublic)
		ctor := dex.NewCodeBuilder(2)
		ctor.EmitInvoke(dex.OpInvokeDirect, b.MethodIdx(mirror.DescObject, "<init>", "()V"), 0)
		ctor.EmitIndex(dex.OpIput, x, 1, 0)
		ctor.Emit(dex.OpReturnVoid)
		pc.Method("<init>", "(I)V", dex.AccPublic|dex.AccConstructor, ctor)

		// make()I: v0 = new Point; v1 = v0; v1.<init>(7); return v0.x
		mk := dex.NewCodeBuilder(3)
		mk.EmitIndex(dex.OpNewInstance, b.TypeIdx(point), 0)
		mk.EmitMove(dex.OpMoveObject, 1, 0)
		mk.EmitConst(dex.OpConst4, 2, 7)
		mk.EmitInvoke(dex.OpInvokeDirect, b.MethodIdx(point, "<init>", "(I)V"), 1, 2)
		mk.EmitIndex(dex.OpIget, x, 2, 0)
		mk.Emit11x(dex.OpReturn, 2)
		calcClass(b).Method("make", "()I", dex.AccPublic|dex.AccStatic, mk)
	})
	in := NewInterpreter(l, nil, Options{})
	for _, skip := range []bool{false, true} {
		if skip {
			method(t, l, calcDesc, "make", "()I").SetSkipAccessChecks()
		}
		got, err := invokeStatic(t, in, "make", "()I")
		if err != nil || got.Int() != 7 {
			t.Errorf("make() skip=%v = %d, %v, want 7", skip, got.Int(), err)
		}
	}
}

func TestReplaceReference(t *testing.T) {
	l := mirror.NewClassLinker()
	old, repl := l.NewString(""), l.NewString("x")
	sf := NewShadowFrame(nil, 4)
	sf.SetVRegReference(0, old)
	sf.SetVRegReference(2, old)
	sf.SetVReg(3, 9)
	if n := sf.replaceReference(old, repl); n != 2 {
		t.Errorf("replaced %d registers, want 2", n)
	}
	if sf.VRegReference(0) != repl || sf.VRegReference(2) != repl {
		t.Error("aliases still hold the placeholder")
	}
	if sf.VReg(3) != 9 {
		t.Errorf("v3 = %d, want 9", sf.VReg(3))
	}
}

// ---------------------------------------------------------------------------
// Dispatch and class initialization
// ---------------------------------------------------------------------------

func TestVirtualDispatch(t *testing.T) {
	const base, derived = "LBase;", "LDerived;"
	l := link(t, func(b *dex.Builder) {
		for i, desc := range []string{base, derived} {
			super := mirror.DescObject
			if desc == derived {
				super = base
			}
			c := b.Class(desc, super, dex.AccPublic)
			name := dex.NewCodeBuilder(2)
			name.EmitConst(dex.OpConst4, 0, int64(i+1))
			name.Emit11x(dex.OpReturn, 0)
			c.Method("name", "()I", dex.AccPublic, name)
		}
		call := dex.NewCodeBuilder(1)
		call.EmitInvoke(dex.OpInvokeVirtual, b.MethodIdx(base, "name", "()I"), 0)
		call.Emit11x(dex.OpMoveResult, 0)
		call.Emit11x(dex.OpReturn, 0)
		calcClass(b).Method("call", "(LBase;)I", dex.AccPublic|dex.AccStatic, call)
	})
	in := NewInterpreter(l, nil, Options{})
	for desc, want := range map[string]int32{base: 1, derived: 2} {
		c, err := l.FindClass(desc)
		if err != nil {
			t.Fatal(err)
		}
		got, err := invokeStatic(t, in, "call", "(LBase;)I", mirror.RefValue(mirror.NewInstance(c)))
		if err != nil || got.Int() != want {
			t.Errorf("call(new %s) = %d, %v, want %d", desc, got.Int(), err, want)
		}
	}
	_, err := invokeStatic(t, in, "call", "(LBase;)I", mirror.RefValue(nil))
	wantThrown(t, err, mirror.ExcNullPointer)
}

func TestClassInitialization(t *testing.T) {
	const good, bad = "LGood;", "LBad;"
	l := link(t, func(b *dex.Builder) {
		g := b.Class(good, mirror.DescObject, dex.AccPublic)
		x := g.Field("x", "I", dex.AccStatic)
		clinit := dex.NewCodeBuilder(1)
		clinit.EmitConst(dex.OpConst16, 0, 42)
		clinit.EmitIndex(dex.OpSput, x, 0)
		clinit.Emit(dex.OpReturnVoid)
		g.Method("<clinit>", "()V", dex.AccStatic|dex.AccConstructor, clinit)
		get := dex.NewCodeBuilder(1)
		get.EmitIndex(dex.OpSget, x, 0)
		get.Emit11x(dex.OpReturn, 0)
		g.Method("get", "()I", dex.AccPublic|dex.AccStatic, get)

		bc := b.Class(bad, mirror.DescObject, dex.AccPublic)
		fail := dex.NewCodeBuilder(1)
		fail.EmitConst(dex.OpConst4, 0, 0)
		fail.Emit23x(dex.OpDivInt, 0, 0, 0)
		fail.Emit(dex.OpReturnVoid)
		bc.Method("<clinit>", "()V", dex.AccStatic|dex.AccConstructor, fail)
		run := dex.NewCodeBuilder(0)
		run.Emit(dex.OpReturnVoid)
		bc.Method("run", "()V", dex.AccPublic|dex.AccStatic, run)
	})
	in := NewInterpreter(l, nil, Options{})
	th := NewThread(nil)

	got, err := in.Invoke(th, method(t, l, good, "get", "()I"), nil, nil)
	if err != nil || got.Int() != 42 {
		t.Errorf("Good.get() = %d, %v, want 42", got.Int(), err)
	}

	run := method(t, l, bad, "run", "()V")
	_, err = in.Invoke(th, run, nil, nil)
	te := wantThrown(t, err, mirror.ExcExceptionInInitializer)
	if cause := ThrowableCause(te.Exception); cause == nil || cause.Class.Descriptor != mirror.ExcArithmetic {
		t.Errorf("cause = %v, want ArithmeticException", cause)
	}
	_, err = in.Invoke(th, run, nil, nil)
	wantThrown(t, err, mirror.ExcNoClassDefFound)
}

func TestIntrinsics(t *testing.T) {
	l := mirror.NewClassLinker()
	in := NewInterpreter(l, nil, Options{})
	th := NewThread(nil)
	str := func(s string) mirror.JValue { return mirror.RefValue(l.NewString(s)) }

	call := func(desc, name, sig string, recv *mirror.Object, args ...mirror.JValue) (mirror.JValue, error) {
		return in.Invoke(th, method(t, l, desc, name, sig), recv, args)
	}

	got, err := call(mirror.DescString, "concat", "(Ljava/lang/String;)Ljava/lang/String;", l.NewString("ab"), str("cd"))
	if err != nil || got.Ref().StringValue() != "abcd" {
		t.Errorf("concat = %v, %v", got.Ref(), err)
	}
	got, err = call(mirror.DescString, "hashCode", "()I", l.NewString("hi"))
	if err != nil || got.Int() != 'h'*31+'i' {
		t.Errorf("\"hi\".hashCode() = %d, %v", got.Int(), err)
	}
	_, err = call(mirror.DescString, "charAt", "(I)C", l.NewString("hi"), mirror.IntValue(2))
	wantThrown(t, err, mirror.ExcStringIndexOutOfBounds)

	got, err = call("Ljava/lang/Integer;", "parseInt", "(Ljava/lang/String;)I", nil, str("-17"))
	if err != nil || got.Int() != -17 {
		t.Errorf("parseInt(-17) = %d, %v", got.Int(), err)
	}
	_, err = call("Ljava/lang/Integer;", "parseInt", "(Ljava/lang/String;)I", nil, str("x"))
	wantThrown(t, err, mirror.ExcNumberFormat)

	got, err = call(mirror.DescClass, "getName", "()Ljava/lang/String;", l.StringClass.ClassObject())
	if err != nil || got.Ref().StringValue() != "java.lang.String" {
		t.Errorf("String.class.getName() = %v, %v", got.Ref(), err)
	}

	intArray, _ := l.FindClass("[I")
	src, dst := mirror.NewArray(intArray, 4), mirror.NewArray(intArray, 4)
	for i := int32(0); i < 4; i++ {
		src.SetElem(i, uint64(i+1))
	}
	_, err = call("Ljava/lang/System;", "arraycopy", "(Ljava/lang/Object;ILjava/lang/Object;II)V", nil,
		mirror.RefValue(src), mirror.IntValue(1), mirror.RefValue(dst), mirror.IntValue(0), mirror.IntValue(3))
	if err != nil {
		t.Fatalf("arraycopy: %v", err)
	}
	for i, want := range []uint64{2, 3, 4, 0} {
		if got := dst.Elem(int32(i)); got != want {
			t.Errorf("dst[%d] = %d, want %d", i, got, want)
		}
	}
}

// ---------------------------------------------------------------------------
// Suspension
// ---------------------------------------------------------------------------

func TestSuspendAllParksRunningThread(t *testing.T) {
	const spin = "LSpin;"
	l := link(t, func(b *dex.Builder) {
		c := b.Class(spin, mirror.DescObject, dex.AccPublic)
		c.Field("stop", "I", dex.AccPublic|dex.AccStatic)
		started := c.Method("started", "()V", dex.AccPublic|dex.AccStatic|dex.AccNative, nil)

		// run()V: started(); while (stop == 0) {}
		run := dex.NewCodeBuilder(1)
		loop := run.NewLabel()
		run.EmitInvoke(dex.OpInvokeStatic, started)
		run.Mark(loop)
		run.EmitIndex(dex.OpSget, b.FieldIdx(spin, "stop", "I"), 0)
		run.EmitJump(dex.OpIfEqz, loop, 0)
		run.Emit(dex.OpReturnVoid)
		c.Method("run", "()V", dex.AccPublic|dex.AccStatic, run)
	})
	startedCh := make(chan struct{})
	l.RegisterNative("LSpin;->started()V", func(mirror.NativeEnv, []mirror.JValue) mirror.JValue {
		close(startedCh)
		return mirror.JValue{}
	})
	sc := NewSuspendController()
	in := NewInterpreter(l, nil, Options{})
	c, err := l.FindClass(spin)
	if err != nil {
		t.Fatal(err)
	}
	stop := c.FindStaticField("stop", "I")
	run := method(t, l, spin, "run", "()V")

	done := make(chan error, 1)
	go func() {
		_, err := in.Invoke(NewThread(sc), run, nil, nil)
		done <- err
	}()
	<-startedCh

	sc.SuspendAll()
	c.SetStatic32(stop, 1)
	sc.ResumeAll()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("thread did not finish after ResumeAll")
	}
}

// waitUntil polls cond until it holds or ten seconds pass.
func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestSuspendAllWithMonitorWaiter(t *testing.T) {
	const locked = "LLocked;"
	l := link(t, func(b *dex.Builder) {
		c := b.Class(locked, mirror.DescObject, dex.AccPublic)
		c.Field("stop", "I", dex.AccPublic|dex.AccStatic)
		started := c.Method("started", "()V", dex.AccPublic|dex.AccStatic|dex.AccNative, nil)

		// hold()V, synchronized on the class: started(); while (stop == 0) {}
		hold := dex.NewCodeBuilder(1)
		loop := hold.NewLabel()
		hold.EmitInvoke(dex.OpInvokeStatic, started)
		hold.Mark(loop)
		hold.EmitIndex(dex.OpSget, b.FieldIdx(locked, "stop", "I"), 0)
		hold.EmitJump(dex.OpIfEqz, loop, 0)
		hold.Emit(dex.OpReturnVoid)
		c.Method("hold", "()V", dex.AccPublic|dex.AccStatic|dex.AccDeclaredSynchronized, hold)

		// enter()V, synchronized on the class as well.
		enter := dex.NewCodeBuilder(0)
		enter.Emit(dex.OpReturnVoid)
		c.Method("enter", "()V", dex.AccPublic|dex.AccStatic|dex.AccDeclaredSynchronized, enter)
	})
	startedCh := make(chan struct{})
	l.RegisterNative("LLocked;->started()V", func(mirror.NativeEnv, []mirror.JValue) mirror.JValue {
		close(startedCh)
		return mirror.JValue{}
	})
	sc := NewSuspendController()
	in := NewInterpreter(l, nil, Options{})
	c, err := l.FindClass(locked)
	if err != nil {
		t.Fatal(err)
	}
	stop := c.FindStaticField("stop", "I")
	hold := method(t, l, locked, "hold", "()V")
	enter := method(t, l, locked, "enter", "()V")

	holderDone, waiterDone := make(chan error, 1), make(chan error, 1)
	go func() {
		_, err := in.Invoke(NewThread(sc), hold, nil, nil)
		holderDone <- err
	}()
	<-startedCh
	go func() {
		_, err := in.Invoke(NewThread(sc), enter, nil, nil)
		waiterDone <- err
	}()
	waitUntil(t, "the second thread to block on the monitor", func() bool {
		sc.mu.Lock()
		defer sc.mu.Unlock()
		return sc.running == 2 && sc.parked == 1
	})

	suspended := make(chan struct{})
	go func() {
		sc.SuspendAll()
		close(suspended)
	}()
	select {
	case <-suspended:
	case <-time.After(10 * time.Second):
		t.Fatal("SuspendAll did not return while a thread waited on a monitor")
	}
	if owner := c.ClassObject().Monitor().Owner(); owner == 0 {
		t.Error("monitor released during suspension")
	}

	c.SetStatic32(stop, 1)
	sc.ResumeAll()
	for name, ch := range map[string]chan error{"hold": holderDone, "enter": waiterDone} {
		select {
		case err := <-ch:
			if err != nil {
				t.Errorf("%s: %v", name, err)
			}
		case <-time.After(10 * time.Second):
			t.Fatalf("%s did not finish after ResumeAll", name)
		}
	}
}

func TestBlockingOutsideManagedCode(t *testing.T) {
	sc := NewSuspendController()
	th := NewThread(sc)
	// Not inside Invoke: nothing to account for.
	th.BeginBlocking()
	th.EndBlocking()
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.parked != 0 {
		t.Errorf("parked = %d, want 0", sc.parked)
	}
}
