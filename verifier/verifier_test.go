package verifier

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/chazu/dexvm/dex"
	"github.com/chazu/dexvm/mirror"
)

const fooDesc = "LFoo;"

// fooPool is a dex under construction holding LFoo; with a public int
// field x, a constructor and the static natives f()I and g()V.
type fooPool struct {
	b       *dex.Builder
	foo     *dex.ClassBuilder
	fooType uint32
	x       uint32
	fooInit uint32
	objInit uint32
	f, g    uint32
}

func newFooPool() *fooPool {
	b := dex.NewBuilder()
	p := &fooPool{b: b}
	p.foo = b.Class(fooDesc, mirror.DescObject, dex.AccPublic)
	p.fooType = b.TypeIdx(fooDesc)
	p.x = p.foo.Field("x", "I", dex.AccPublic)
	p.objInit = b.MethodIdx(mirror.DescObject, "<init>", "()V")

	ctor := dex.NewCodeBuilder(1)
	ctor.EmitInvoke(dex.OpInvokeDirect, p.objInit, 0)
	ctor.Emit(dex.OpReturnVoid)
	p.fooInit = p.foo.Method("<init>", "()V", dex.AccPublic|dex.AccConstructor, ctor)
	p.f = p.foo.Method("f", "()I", dex.AccPublic|dex.AccStatic|dex.AccNative, nil)
	p.g = p.foo.Method("g", "()V", dex.AccPublic|dex.AccStatic|dex.AccNative, nil)
	return p
}

// link builds the dex and returns a linker with it registered.
func (p *fooPool) link(t *testing.T) *mirror.ClassLinker {
	t.Helper()
	data, err := p.b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	f, err := dex.Open(data, "foo.dex")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	l := mirror.NewClassLinker()
	l.RegisterDexFile(f)
	return l
}

func findMethod(t *testing.T, l *mirror.ClassLinker, desc, name, sig string) *mirror.Method {
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

// verifyStatic adds a public static method test with the given code to LFoo;
// and verifies it.
func verifyStatic(t *testing.T, p *fooPool, sig string, code *dex.CodeBuilder, opts Options) (*MethodVerifier, bool) {
	t.Helper()
	p.foo.Method("test", sig, dex.AccPublic|dex.AccStatic, code)
	l := p.link(t)
	v := NewMethodVerifier(l, findMethod(t, l, fooDesc, "test", sig), opts)
	ok := v.Verify()
	return v, ok
}

func hasFailure(v *MethodVerifier, ft FailureType, substr string) bool {
	for _, f := range v.Failures() {
		if f.Type == ft && strings.Contains(f.Msg, substr) {
			return true
		}
	}
	return false
}

func dumpFailures(v *MethodVerifier) string {
	var b strings.Builder
	for _, f := range v.Failures() {
		b.WriteString(f.Error())
		b.WriteByte('\n')
	}
	return b.String()
}

// ---------------------------------------------------------------------------
// Type lattice
// ---------------------------------------------------------------------------

func TestMergeLattice(t *testing.T) {
	l := mirror.NewClassLinker()
	c := NewRegTypeCache(l)
	npe, err := l.FindClass(mirror.ExcNullPointer)
	if err != nil {
		t.Fatal(err)
	}
	str := c.JavaLangString()
	thr := c.JavaLangThrowable(false)
	types := []*RegType{
		c.Undefined(), c.Conflict(), c.Boolean(), c.Byte(), c.Short(), c.Char(),
		c.Integer(), c.Float(), c.LongLo(), c.LongHi(), c.DoubleLo(),
		c.Zero(), c.FromConstant(1, true), c.FromConstant(-3, true), c.FromConstant(200, false),
		c.ConstantLo(7, true), c.ConstantHi(0, true),
		str, thr, c.JavaLangObject(false), c.FromClass(npe, false),
		c.FromDescriptor("LMissing;", false), c.FromDescriptor("[I", false),
		c.Uninitialized(str, 4), c.UninitializedThis(thr),
	}
	for _, a := range types {
		if m, _ := c.Merge(a, a); m != a {
			t.Errorf("Merge(%s, %s) = %s, want identity", a, a, m)
		}
		if m, _ := c.Merge(a, c.Conflict()); m != c.Conflict() {
			t.Errorf("Merge(%s, Conflict) = %s", a, m)
		}
		for _, b := range types {
			ab, _ := c.Merge(a, b)
			ba, _ := c.Merge(b, a)
			if ab != ba {
				t.Errorf("Merge(%s, %s) = %s but Merge(%s, %s) = %s", a, b, ab, b, a, ba)
			}
		}
	}

	tests := []struct {
		a, b, want *RegType
	}{
		{c.Char(), c.Short(), c.Integer()},
		{c.Boolean(), c.FromConstant(5, true), c.Byte()},
		{c.FromConstant(-1, true), c.Char(), c.Integer()},
		{c.Zero(), str, str},
		{c.Zero(), c.Float(), c.Float()},
		{str, thr, c.JavaLangObject(false)},
		{c.FromClass(npe, false), thr, thr},
		{c.Integer(), c.Float(), c.Conflict()},
		{c.Uninitialized(str, 4), str, c.Conflict()},
		{c.FromConstant(1, true), c.FromConstant(9, true), c.Constant(1, 9, false)},
	}
	for _, tt := range tests {
		if got, _ := c.Merge(tt.a, tt.b); got != tt.want {
			t.Errorf("Merge(%s, %s) = %s, want %s", tt.a, tt.b, got, tt.want)
		}
	}

	if _, unresolved := c.Merge(c.FromDescriptor("LMissing;", false), str); !unresolved {
		t.Error("merge with an unresolved class not reported")
	}
}

func TestAssignability(t *testing.T) {
	l := mirror.NewClassLinker()
	c := NewRegTypeCache(l)
	tests := []struct {
		dst, src *RegType
		want     bool
	}{
		{c.Integer(), c.FromConstant(70000, true), true},
		{c.Short(), c.FromConstant(70000, true), false},
		{c.Boolean(), c.Byte(), false},
		{c.Float(), c.Zero(), true},
		{c.LongLo(), c.ConstantLo(1, true), true},
		{c.JavaLangObject(false), c.JavaLangString(), true},
		{c.JavaLangString(), c.JavaLangObject(false), false},
		{c.JavaLangString(), c.Zero(), true},
		{c.JavaLangObject(false), c.Integer(), false},
		{c.FromDescriptor(mirror.DescCloneable, false), c.FromDescriptor("[I", false), true},
	}
	for _, tt := range tests {
		if got := c.IsAssignableFrom(tt.dst, tt.src); got != tt.want {
			t.Errorf("IsAssignableFrom(%s, %s) = %v, want %v", tt.dst, tt.src, got, tt.want)
		}
	}
}

func TestCanCompilerHandleVerificationFailure(t *testing.T) {
	tests := []struct {
		mask FailureMask
		want bool
	}{
		{0, true},
		{FailureMask(FailNoClass | FailAccessField), true},
		{FailureMask(FailNoMethod | FailAccessMethod | FailNoField | FailAccessClass), true},
		{FailureMask(FailNoClass | FailLocking), false},
		{FailureMask(FailBadClassSoft), false},
		{FailureMask(FailClassChange), false},
		{FailureMask(FailForceInterpreter), false},
	}
	for _, tt := range tests {
		if got := CanCompilerHandleVerificationFailure(tt.mask); got != tt.want {
			t.Errorf("CanCompilerHandleVerificationFailure(%s) = %v, want %v", tt.mask, got, tt.want)
		}
	}
	if got := KindOf(FailureMask(FailLocking | FailBadClassHard)); got != HardFailure {
		t.Errorf("KindOf = %s, want hard", got)
	}
}

// ---------------------------------------------------------------------------
// Method verification
// ---------------------------------------------------------------------------

func TestVerifyArithmetic(t *testing.T) {
	code := dex.NewCodeBuilder(3)
	code.Emit23x(dex.OpAddInt, 0, 1, 2)
	code.EmitLit(dex.OpMulIntLit8, 0, 0, 3)
	code.Emit11x(dex.OpReturn, 0)
	v, ok := verifyStatic(t, newFooPool(), "(II)I", code, Options{Precise: true})
	if !ok || v.FailureKind() != NoFailure {
		t.Fatalf("verification failed:\n%s", dumpFailures(v))
	}
	ret := v.RegisterLine(4)
	if ret == nil {
		t.Fatal("no register line at return in precise mode")
	}
	if got := ret.Get(v, 0); !got.IsInteger() {
		t.Errorf("v0 at return = %s, want Integer", got)
	}
}

func TestVerifyConstructor(t *testing.T) {
	p := newFooPool()
	l := p.link(t)
	v := NewMethodVerifier(l, findMethod(t, l, fooDesc, "<init>", "()V"), Options{})
	if !v.Verify() || v.FailureKind() != NoFailure {
		t.Fatalf("constructor failed:\n%s", dumpFailures(v))
	}

	p = newFooPool()
	noSuper := dex.NewCodeBuilder(2)
	noSuper.Emit(dex.OpReturnVoid)
	p.foo.Method("<init>", "(I)V", dex.AccPublic|dex.AccConstructor, noSuper)
	l = p.link(t)
	v = NewMethodVerifier(l, findMethod(t, l, fooDesc, "<init>", "(I)V"), Options{})
	v.Verify()
	if !hasFailure(v, FailBadClassHard, "without calling superclass constructor") {
		t.Errorf("missing constructor failure, got:\n%s", dumpFailures(v))
	}
}

func TestNewInstanceAliasing(t *testing.T) {
	p := newFooPool()
	code := dex.NewCodeBuilder(2)
	code.EmitIndex(dex.OpNewInstance, p.fooType, 0)
	code.EmitMove(dex.OpMoveObject, 1, 0)
	code.EmitInvoke(dex.OpInvokeDirect, p.fooInit, 1)
	code.EmitIndex(dex.OpIget, p.x, 1, 0)
	code.Emit11x(dex.OpReturn, 1)
	v, ok := verifyStatic(t, p, "()I", code, Options{})
	if !ok || v.FailureKind() != NoFailure {
		t.Errorf("initialized alias rejected:\n%s", dumpFailures(v))
	}

	p = newFooPool()
	code = dex.NewCodeBuilder(2)
	code.EmitIndex(dex.OpNewInstance, p.fooType, 0)
	code.EmitMove(dex.OpMoveObject, 1, 0)
	code.EmitIndex(dex.OpIget, p.x, 1, 0)
	code.Emit11x(dex.OpReturn, 1)
	v, _ = verifyStatic(t, p, "()I", code, Options{})
	if !hasFailure(v, FailBadClassHard, "not fully initialized") {
		t.Errorf("uninitialized field read accepted:\n%s", dumpFailures(v))
	}
}

func TestLastInstructionOverrunsCode(t *testing.T) {
	code := dex.NewCodeBuilder(1)
	code.EmitRaw(uint16(dex.OpConst16))
	v, ok := verifyStatic(t, newFooPool(), "()V", code, Options{})
	if ok {
		t.Fatal("Verify accepted truncated code")
	}
	if !hasFailure(v, FailBadClassHard, "code did not end where expected (2 vs. 1)") {
		t.Errorf("unexpected failures:\n%s", dumpFailures(v))
	}
}

func TestForbiddenBranchTargets(t *testing.T) {
	t.Run("move-result", func(t *testing.T) {
		p := newFooPool()
		code := dex.NewCodeBuilder(1)
		code.EmitInvoke(dex.OpInvokeStatic, p.f)
		target := code.NewLabel()
		code.Mark(target)
		code.Emit11x(dex.OpMoveResult, 0)
		code.EmitJump(dex.OpIfEqz, target, 0)
		code.Emit(dex.OpReturnVoid)
		v, ok := verifyStatic(t, p, "()V", code, Options{})
		if ok || !hasFailure(v, FailBadClassHard, "is a move-result instruction") {
			t.Errorf("branch to move-result accepted:\n%s", dumpFailures(v))
		}
	})
	t.Run("move-exception", func(t *testing.T) {
		p := newFooPool()
		code := dex.NewCodeBuilder(1)
		start, end, handler := code.NewLabel(), code.NewLabel(), code.NewLabel()
		code.Mark(start)
		code.EmitInvoke(dex.OpInvokeStatic, p.g)
		code.Mark(end)
		code.Emit(dex.OpReturnVoid)
		code.Mark(handler)
		code.Emit11x(dex.OpMoveException, 0)
		code.EmitJump(dex.OpGoto, handler)
		code.Try(start, end, nil, handler)
		v, ok := verifyStatic(t, p, "()V", code, Options{})
		if ok || !hasFailure(v, FailBadClassHard, "is a move-exception instruction") {
			t.Errorf("branch to move-exception accepted:\n%s", dumpFailures(v))
		}
	})
}

func TestFlowOffEndOfCode(t *testing.T) {
	code := dex.NewCodeBuilder(1)
	code.EmitConst(dex.OpConst4, 0, 0)
	v, ok := verifyStatic(t, newFooPool(), "()V", code, Options{})
	if !ok {
		t.Fatalf("structural failure:\n%s", dumpFailures(v))
	}
	if v.FailureKind() != HardFailure || !hasFailure(v, FailBadClassHard, "can flow through end of code area") {
		t.Errorf("failures:\n%s", dumpFailures(v))
	}
}

func TestBackwardBranchWithUninitializedRef(t *testing.T) {
	p := newFooPool()
	code := dex.NewCodeBuilder(1)
	loop := code.NewLabel()
	code.Mark(loop)
	code.EmitIndex(dex.OpNewInstance, p.fooType, 0)
	code.EmitJump(dex.OpGoto, loop)
	v, _ := verifyStatic(t, p, "()V", code, Options{})
	if !hasFailure(v, FailBadClassHard, "backward branch with uninitialized reference") {
		t.Errorf("failures:\n%s", dumpFailures(v))
	}
}

func TestMonitorBalance(t *testing.T) {
	tests := []struct {
		name  string
		emit  func(c *dex.CodeBuilder)
		fail  string
		clean bool
	}{
		{"balanced", func(c *dex.CodeBuilder) {
			c.Emit11x(dex.OpMonitorEnter, 0)
			c.Emit11x(dex.OpMonitorExit, 0)
			c.Emit(dex.OpReturnVoid)
		}, "", true},
		{"leaked", func(c *dex.CodeBuilder) {
			c.Emit11x(dex.OpMonitorEnter, 0)
			c.Emit(dex.OpReturnVoid)
		}, "expected empty monitor stack", false},
		{"underflow", func(c *dex.CodeBuilder) {
			c.Emit11x(dex.OpMonitorExit, 0)
			c.Emit(dex.OpReturnVoid)
		}, "monitor-exit stack underflow", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code := dex.NewCodeBuilder(1)
			tt.emit(code)
			v, ok := verifyStatic(t, newFooPool(), "(Ljava/lang/Object;)V", code, Options{})
			if !ok {
				t.Fatalf("structural failure:\n%s", dumpFailures(v))
			}
			if tt.clean {
				if v.FailureKind() != NoFailure {
					t.Errorf("failures:\n%s", dumpFailures(v))
				}
				return
			}
			if v.FailureKind() != SoftFailure || !hasFailure(v, FailLocking, tt.fail) {
				t.Errorf("kind = %s, failures:\n%s", v.FailureKind(), dumpFailures(v))
			}
		})
	}
}

func TestFillArrayDataWidth(t *testing.T) {
	p := newFooPool()
	code := dex.NewCodeBuilder(2)
	code.EmitConst(dex.OpConst4, 1, 3)
	code.EmitIndex(dex.OpNewArray, p.b.TypeIdx("[I"), 0, 1)
	code.EmitFillArrayData(0, 2, []int64{1, 2, 3})
	code.Emit(dex.OpReturnVoid)
	v, _ := verifyStatic(t, p, "()V", code, Options{})
	if !hasFailure(v, FailBadClassHard, "array-data size mismatch (4 vs 2)") {
		t.Errorf("failures:\n%s", dumpFailures(v))
	}
}

func TestUnresolvedInvokeIsSoft(t *testing.T) {
	p := newFooPool()
	missing := p.b.MethodIdx("LMissing;", "run", "()V")
	code := dex.NewCodeBuilder(1)
	code.EmitInvoke(dex.OpInvokeStatic, missing)
	code.Emit(dex.OpReturnVoid)
	v, ok := verifyStatic(t, p, "()V", code, Options{})
	if !ok || v.FailureKind() != SoftFailure {
		t.Fatalf("kind = %s:\n%s", v.FailureKind(), dumpFailures(v))
	}
	if !v.EncounteredFailureTypes().Has(FailNoClass) || !v.HasRuntimeThrow() {
		t.Errorf("mask = %s, runtime throw = %v", v.EncounteredFailureTypes(), v.HasRuntimeThrow())
	}
	if !CanCompilerHandleVerificationFailure(v.EncounteredFailureTypes()) {
		t.Error("unresolved class should be left to the compiler")
	}
}

func TestReturnTypeMismatch(t *testing.T) {
	code := dex.NewCodeBuilder(1)
	code.EmitConst(dex.OpConst4, 0, 1)
	code.Emit11x(dex.OpReturnObject, 0)
	v, _ := verifyStatic(t, newFooPool(), "()Ljava/lang/String;", code, Options{})
	if v.FailureKind() != HardFailure {
		t.Errorf("returning an int as String: kind = %s", v.FailureKind())
	}
}

func TestSafeCast(t *testing.T) {
	p := newFooPool()
	code := dex.NewCodeBuilder(1)
	code.EmitIndex(dex.OpConstString, p.b.StringIdx("x"), 0)
	code.EmitIndex(dex.OpCheckCast, p.b.TypeIdx(mirror.DescObject), 0)
	code.EmitIndex(dex.OpCheckCast, p.b.TypeIdx(mirror.DescString), 0)
	code.Emit(dex.OpReturnVoid)
	v, ok := verifyStatic(t, p, "()V", code, Options{})
	if !ok || v.FailureKind() != NoFailure {
		t.Fatalf("failures:\n%s", dumpFailures(v))
	}
	// The second cast narrows Object back to String and may fail.
	if diff := cmp.Diff([]uint32{2}, v.SafeCastPCs()); diff != "" {
		t.Errorf("safe casts (-want +got):\n%s", diff)
	}
}

func TestDevirtualization(t *testing.T) {
	p := newFooPool()
	hash := p.b.MethodIdx(mirror.DescObject, "hashCode", "()I")
	code := dex.NewCodeBuilder(1)
	code.EmitIndex(dex.OpConstString, p.b.StringIdx("x"), 0)
	code.EmitInvoke(dex.OpInvokeVirtual, hash, 0)
	code.Emit(dex.OpReturnVoid)
	v, ok := verifyStatic(t, p, "()V", code, Options{})
	if !ok || v.FailureKind() != NoFailure {
		t.Fatalf("failures:\n%s", dumpFailures(v))
	}
	m := v.DevirtTargets()[2]
	if m == nil || m.Class.Descriptor != mirror.DescString || m.Name != "hashCode" {
		t.Errorf("devirtualized target = %v, want String.hashCode", m)
	}
}

func TestVerifyIsIdempotent(t *testing.T) {
	p := newFooPool()
	code := dex.NewCodeBuilder(2)
	code.EmitConst(dex.OpConst4, 0, 1)
	code.Emit11x(dex.OpMonitorEnter, 1)
	code.Emit11x(dex.OpReturnObject, 0)
	p.foo.Method("test", "(Ljava/lang/Object;)Ljava/lang/Object;", dex.AccPublic|dex.AccStatic, code)
	l := p.link(t)
	m := findMethod(t, l, fooDesc, "test", "(Ljava/lang/Object;)Ljava/lang/Object;")

	v := NewMethodVerifier(l, m, Options{})
	v.Verify()
	first := append([]Failure(nil), v.Failures()...)
	v.Verify()
	if diff := cmp.Diff(first, v.Failures()); diff != "" {
		t.Errorf("second Verify differs (-first +second):\n%s", diff)
	}
	other := NewMethodVerifier(l, m, Options{})
	other.Verify()
	if diff := cmp.Diff(first, other.Failures()); diff != "" {
		t.Errorf("fresh verifier differs (-first +fresh):\n%s", diff)
	}
	if len(first) == 0 {
		t.Error("expected failures")
	}
}

type recordingCallback struct {
	verified []string
	rejected []string
}

func (r *recordingCallback) MethodVerified(v *MethodVerifier) {
	r.verified = append(r.verified, v.Method().Name)
}

func (r *recordingCallback) ClassRejected(c *mirror.Class) {
	r.rejected = append(r.rejected, c.Descriptor)
}

func TestVerifyClass(t *testing.T) {
	p := newFooPool()
	l := p.link(t)
	foo, err := l.FindClass(fooDesc)
	if err != nil {
		t.Fatal(err)
	}
	cb := &recordingCallback{}
	res := VerifyClass(l, foo, cb, Options{})
	if res.Kind != NoFailure || res.Methods != 3 {
		t.Errorf("result = %+v", res)
	}
	if len(cb.verified) != 3 || len(cb.rejected) != 0 {
		t.Errorf("callbacks: verified %v, rejected %v", cb.verified, cb.rejected)
	}
	if !findMethod(t, l, fooDesc, "<init>", "()V").SkipAccessChecks() {
		t.Error("clean constructor does not skip access checks")
	}

	p = newFooPool()
	code := dex.NewCodeBuilder(1)
	code.EmitConst(dex.OpConst4, 0, 0)
	p.foo.Method("bad", "()V", dex.AccPublic|dex.AccStatic, code)
	l = p.link(t)
	foo, _ = l.FindClass(fooDesc)
	cb = &recordingCallback{}
	if res := VerifyClass(l, foo, cb, Options{}); res.Kind != HardFailure {
		t.Errorf("kind = %s", res.Kind)
	}
	if diff := cmp.Diff([]string{fooDesc}, cb.rejected); diff != "" {
		t.Errorf("rejected (-want +got):\n%s", diff)
	}
	for _, name := range cb.verified {
		if name == "bad" {
			t.Error("hard-failed method reported to MethodVerified")
		}
	}
	if len(cb.verified) != 3 {
		t.Errorf("verified %v, want the 3 clean methods", cb.verified)
	}
}
