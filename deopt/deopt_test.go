package deopt

import (
	"errors"
	"testing"

	"github.com/chazu/dexvm/compiler"
	"github.com/chazu/dexvm/dex"
	"github.com/chazu/dexvm/interp"
	"github.com/chazu/dexvm/mirror"
	"github.com/chazu/dexvm/verifier"
)

const calcDesc = "LCalc;"

// buildCalc links LCalc; with:
//
//	static native int trigger()
//	static int caller(int x) { int c = 5; return trigger() + c + x; }
//	static int safeDiv(int a, int b) { try { return a / b; } catch (ArithmeticException e) { return -1; } }
//	static int guarded() { try { return trigger(); } catch (ArithmeticException e) { return -2; } }
func buildCalc(t *testing.T) *mirror.ClassLinker {
	t.Helper()
	b := dex.NewBuilder()
	calc := b.Class(calcDesc, mirror.DescObject, dex.AccPublic)
	trigger := calc.Method("trigger", "()I", dex.AccPublic|dex.AccStatic|dex.AccNative, nil)

	caller := dex.NewCodeBuilder(3)
	caller.EmitConst(dex.OpConst4, 0, 5)
	caller.EmitInvoke(dex.OpInvokeStatic, trigger)
	caller.Emit11x(dex.OpMoveResult, 1)
	caller.Emit12x(dex.OpAddInt2Addr, 1, 0)
	caller.Emit12x(dex.OpAddInt2Addr, 1, 2)
	caller.Emit11x(dex.OpReturn, 1)
	calc.Method("caller", "(I)I", dex.AccPublic|dex.AccStatic, caller)

	arith := b.TypeIdx(mirror.ExcArithmetic)

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
	safe.Try(start, end, []dex.Catch{{TypeIdx: arith, Handler: handler}}, nil)
	calc.Method("safeDiv", "(II)I", dex.AccPublic|dex.AccStatic, safe)

	guarded := dex.NewCodeBuilder(2)
	gStart, gEnd, gHandler := guarded.NewLabel(), guarded.NewLabel(), guarded.NewLabel()
	guarded.Mark(gStart)
	guarded.EmitInvoke(dex.OpInvokeStatic, trigger)
	guarded.Mark(gEnd)
	guarded.Emit11x(dex.OpMoveResult, 0)
	guarded.Emit11x(dex.OpReturn, 0)
	guarded.Mark(gHandler)
	guarded.Emit11x(dex.OpMoveException, 1)
	guarded.EmitConst(dex.OpConst4, 0, -2)
	guarded.Emit11x(dex.OpReturn, 0)
	guarded.Try(gStart, gEnd, []dex.Catch{{TypeIdx: arith, Handler: gHandler}}, nil)
	calc.Method("guarded", "()I", dex.AccPublic|dex.AccStatic, guarded)

	data, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	f, err := dex.Open(data, "deopt_test.dex")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	l := mirror.NewClassLinker()
	l.RegisterDexFile(f)
	return l
}

type fixture struct {
	l    *mirror.ClassLinker
	calc *mirror.Class
	code *compiler.CompiledCodeTable
	u    *Unwinder
	in   *interp.Interpreter
}

// newFixture compiles LCalc; and binds trigger to fn.
func newFixture(t *testing.T, fn mirror.NativeFunc) *fixture {
	t.Helper()
	l := buildCalc(t)
	calc, err := l.FindClass(calcDesc)
	if err != nil {
		t.Fatalf("FindClass: %v", err)
	}
	d := compiler.NewDriver(compiler.NewVerificationResults(compiler.DefaultOptions()), compiler.NewCompiledCodeTable())
	if res := verifier.VerifyClass(l, calc, d, d.VerifierOptions()); res.Kind != verifier.NoFailure {
		t.Fatalf("VerifyClass: %v", res.Failures)
	}
	l.RegisterNative(calcDesc+"->trigger()I", fn)
	u := NewUnwinder()
	return &fixture{
		l:    l,
		calc: calc,
		code: d.Code,
		u:    u,
		in:   interp.NewInterpreter(l, d.Code, interp.Options{Unwinder: u}),
	}
}

func (f *fixture) method(t *testing.T, name, sig string) *mirror.Method {
	t.Helper()
	m := f.calc.FindDirectMethod(name, sig)
	if m == nil {
		t.Fatalf("%s%s not found", name, sig)
	}
	if f.code.Lookup(m) == nil {
		t.Fatalf("%s%s was not compiled", name, sig)
	}
	return m
}

func returnTen(mirror.NativeEnv, []mirror.JValue) mirror.JValue { return mirror.IntValue(10) }

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestDeoptimizeAfterInvoke(t *testing.T) {
	flagged := 0
	f := newFixture(t, func(env mirror.NativeEnv, _ []mirror.JValue) mirror.JValue {
		flagged = DeoptimizeStack(env.(*interp.Env).Thread())
		return mirror.IntValue(10)
	})
	got, err := f.in.Invoke(interp.NewThread(nil), f.method(t, "caller", "(I)I"), nil, []mirror.JValue{mirror.IntValue(100)})
	if err != nil {
		t.Fatalf("caller: %v", err)
	}
	if got.Int() != 115 {
		t.Errorf("caller(100) = %d, want 115", got.Int())
	}
	if flagged != 1 {
		t.Errorf("DeoptimizeStack flagged %d frames, want 1", flagged)
	}
	if s := f.u.Stats(); s.FramesDeoptimized != 1 {
		t.Errorf("FramesDeoptimized = %d, want 1", s.FramesDeoptimized)
	}
}

func TestCompiledMatchesInterpreted(t *testing.T) {
	f := newFixture(t, returnTen)
	plain := interp.NewInterpreter(f.l, nil, interp.Options{})
	m := f.method(t, "caller", "(I)I")
	for _, x := range []int32{0, -7, 1 << 20} {
		args := []mirror.JValue{mirror.IntValue(x)}
		want, err := plain.Invoke(interp.NewThread(nil), m, nil, args)
		if err != nil {
			t.Fatalf("interpreted caller(%d): %v", x, err)
		}
		got, err := f.in.Invoke(interp.NewThread(nil), m, nil, args)
		if err != nil {
			t.Fatalf("compiled caller(%d): %v", x, err)
		}
		if got.Int() != want.Int() {
			t.Errorf("caller(%d): compiled %d, interpreted %d", x, got.Int(), want.Int())
		}
	}
	if s := f.u.Stats(); s.FramesDeoptimized != 0 {
		t.Errorf("FramesDeoptimized = %d without a request", s.FramesDeoptimized)
	}
}

func TestDeliverExceptionInCompiledFrame(t *testing.T) {
	f := newFixture(t, returnTen)
	m := f.method(t, "safeDiv", "(II)I")
	for _, c := range []struct{ a, b, want int32 }{{9, 3, 3}, {9, 0, -1}} {
		got, err := f.in.Invoke(interp.NewThread(nil), m, nil, []mirror.JValue{mirror.IntValue(c.a), mirror.IntValue(c.b)})
		if err != nil {
			t.Fatalf("safeDiv(%d, %d): %v", c.a, c.b, err)
		}
		if got.Int() != c.want {
			t.Errorf("safeDiv(%d, %d) = %d, want %d", c.a, c.b, got.Int(), c.want)
		}
	}
	if s := f.u.Stats(); s.ExceptionsDelivered != 1 {
		t.Errorf("ExceptionsDelivered = %d, want 1", s.ExceptionsDelivered)
	}
}

func TestExceptionFromCallee(t *testing.T) {
	var kind string
	f := newFixture(t, func(env mirror.NativeEnv, _ []mirror.JValue) mirror.JValue {
		env.ThrowNew(kind, "from native")
		return mirror.JValue{}
	})
	m := f.method(t, "guarded", "()I")

	kind = mirror.ExcArithmetic
	got, err := f.in.Invoke(interp.NewThread(nil), m, nil, nil)
	if err != nil || got.Int() != -2 {
		t.Errorf("guarded() with ArithmeticException = %d, %v, want -2", got.Int(), err)
	}

	kind = mirror.ExcIllegalState
	_, err = f.in.Invoke(interp.NewThread(nil), m, nil, nil)
	var te *interp.ThrownError
	if !errors.As(err, &te) || te.Descriptor() != mirror.ExcIllegalState {
		t.Fatalf("guarded() with IllegalStateException: err = %v", err)
	}
	if s := f.u.Stats(); s.ExceptionsDelivered != 1 || s.ExceptionsUnhandled != 1 {
		t.Errorf("stats = %+v, want 1 delivered and 1 unhandled", s)
	}
}

func TestBuildShadowFrameNeedsCompiledTop(t *testing.T) {
	f := newFixture(t, returnTen)
	th := interp.NewThread(nil)
	if _, err := f.u.DeoptimizeFrame(th, f.in, mirror.JValue{}); !errors.Is(err, ErrNotCompiled) {
		t.Errorf("DeoptimizeFrame on empty stack: err = %v, want ErrNotCompiled", err)
	}
	if _, _, err := f.u.DeliverException(th, f.in); !errors.Is(err, ErrNotCompiled) {
		t.Errorf("DeliverException on empty stack: err = %v, want ErrNotCompiled", err)
	}
}
