package compiler

import (
	"bytes"
	"errors"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/chazu/dexvm/dex"
	"github.com/chazu/dexvm/mirror"
	"github.com/chazu/dexvm/verifier"
)

const fooDesc = "LFoo;"

// buildFoo links a dex holding LFoo; with a constructor, a static native
// g()V, a clean static run(I)V, and a static broken()V that falls off the
// end of its code.
func buildFoo(t *testing.T, location string) (*mirror.ClassLinker, *dex.File) {
	t.Helper()
	return buildFooWith(t, location, 5)
}

// buildFooWith is buildFoo with the constant loaded by run replaced.
func buildFooWith(t *testing.T, location string, runConst int64) (*mirror.ClassLinker, *dex.File) {
	t.Helper()
	b := dex.NewBuilder()
	foo := b.Class(fooDesc, mirror.DescObject, dex.AccPublic)
	objInit := b.MethodIdx(mirror.DescObject, "<init>", "()V")

	ctor := dex.NewCodeBuilder(1)
	ctor.EmitInvoke(dex.OpInvokeDirect, objInit, 0)
	ctor.Emit(dex.OpReturnVoid)
	foo.Method("<init>", "()V", dex.AccPublic|dex.AccConstructor, ctor)
	g := foo.Method("g", "()V", dex.AccPublic|dex.AccStatic|dex.AccNative, nil)

	// run(I)V: v0 = 5; v1 = "s"; g(); return
	run := dex.NewCodeBuilder(3)
	run.EmitConst(dex.OpConst4, 0, runConst)
	run.EmitIndex(dex.OpConstString, b.StringIdx("s"), 1)
	run.EmitInvoke(dex.OpInvokeStatic, g)
	run.Emit(dex.OpReturnVoid)
	foo.Method("run", "(I)V", dex.AccPublic|dex.AccStatic, run)

	broken := dex.NewCodeBuilder(1)
	broken.EmitConst(dex.OpConst4, 0, 0)
	foo.Method("broken", "()V", dex.AccPublic|dex.AccStatic, broken)

	data, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	f, err := dex.Open(data, location)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	l := mirror.NewClassLinker()
	l.RegisterDexFile(f)
	return l, f
}

func findMethod(t *testing.T, l *mirror.ClassLinker, name, sig string) *mirror.Method {
	t.Helper()
	c, err := l.FindClass(fooDesc)
	if err != nil {
		t.Fatalf("FindClass: %v", err)
	}
	m := c.FindDirectMethod(name, sig)
	if m == nil {
		t.Fatalf("%s%s not found", name, sig)
	}
	return m
}

func verified(t *testing.T, l *mirror.ClassLinker, m *mirror.Method, precise bool) *verifier.MethodVerifier {
	t.Helper()
	v := verifier.NewMethodVerifier(l, m, verifier.Options{Precise: precise})
	if !v.Verify() {
		t.Fatalf("Verify(%s) failed: %v", m.PrettyMethod(), v.Failures())
	}
	return v
}

// ---------------------------------------------------------------------------
// VerificationResults
// ---------------------------------------------------------------------------

func TestProcessVerifiedMethodAtMostOnce(t *testing.T) {
	for _, prereg := range []bool{false, true} {
		l, f := buildFoo(t, "foo.dex")
		results := NewVerificationResults(DefaultOptions())
		if prereg {
			results.PreRegisterDexFile(f)
		}
		m := findMethod(t, l, "run", "(I)V")

		const n = 32
		verifiers := make([]*verifier.MethodVerifier, n)
		for i := range verifiers {
			verifiers[i] = verified(t, l, m, false)
		}
		got := make([]*VerifiedMethod, n)
		var wg sync.WaitGroup
		for i := range n {
			wg.Add(1)
			go func() {
				defer wg.Done()
				got[i] = results.ProcessVerifiedMethod(verifiers[i])
			}()
		}
		wg.Wait()

		stored := results.GetVerifiedMethod(MethodRefOf(m))
		if stored == nil {
			t.Fatalf("prereg=%v: no entry stored", prereg)
		}
		for i, vm := range got {
			if vm != stored {
				t.Errorf("prereg=%v: caller %d got %p, table holds %p", prereg, i, vm, stored)
			}
		}
		count := 0
		results.Range(func(*VerifiedMethod) bool { count++; return true })
		if count != 1 {
			t.Errorf("prereg=%v: %d entries, want 1", prereg, count)
		}
	}
}

func TestPreRegisterMovesExistingEntries(t *testing.T) {
	l, f := buildFoo(t, "foo.dex")
	results := NewVerificationResults(DefaultOptions())
	m := findMethod(t, l, "run", "(I)V")
	before := results.ProcessVerifiedMethod(verified(t, l, m, false))

	results.PreRegisterDexFile(f)
	if got := results.GetVerifiedMethod(MethodRefOf(m)); got != before {
		t.Errorf("after preregistration got %p, want %p", got, before)
	}
	if again := results.ProcessVerifiedMethod(verified(t, l, m, false)); again != before {
		t.Error("second insert replaced the migrated entry")
	}
}

func TestPreRegisterDuringInserts(t *testing.T) {
	for range 20 {
		l, f := buildFoo(t, "foo.dex")
		results := NewVerificationResults(DefaultOptions())
		m := findMethod(t, l, "run", "(I)V")
		ref := MethodRefOf(m)

		const n = 16
		verifiers := make([]*verifier.MethodVerifier, n)
		for i := range verifiers {
			verifiers[i] = verified(t, l, m, false)
		}
		got := make([]*VerifiedMethod, n)
		start := make(chan struct{})
		var wg sync.WaitGroup
		for i := range n {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				got[i] = results.ProcessVerifiedMethod(verifiers[i])
			}()
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			results.PreRegisterDexFile(f)
		}()
		close(start)
		wg.Wait()

		stored := results.GetVerifiedMethod(ref)
		if stored == nil {
			t.Fatal("no entry stored")
		}
		for i, vm := range got {
			if vm != stored {
				t.Fatalf("caller %d got %p, table holds %p", i, vm, stored)
			}
		}
		count := 0
		results.Range(func(*VerifiedMethod) bool { count++; return true })
		if count != 1 {
			t.Fatalf("%d entries, want 1", count)
		}
	}
}

func TestPreRegisterTwicePanics(t *testing.T) {
	_, f := buildFoo(t, "foo.dex")
	results := NewVerificationResults(DefaultOptions())
	results.PreRegisterDexFile(f)
	defer func() {
		err, _ := recover().(error)
		if !errors.Is(err, ErrAlreadyRegistered) {
			t.Errorf("recovered %v, want ErrAlreadyRegistered", err)
		}
	}()
	results.PreRegisterDexFile(f)
}

func TestIsCandidateForCompilation(t *testing.T) {
	_, f := buildFoo(t, "foo.dex")
	ref := MethodReference{DexFile: f, Index: 0}
	clinit := dex.AccStatic | dex.AccConstructor
	tests := []struct {
		filter CompilerFilter
		flags  uint32
		want   bool
	}{
		{FilterSpeed, dex.AccPublic, true},
		{FilterSpeed, clinit, false},
		{FilterEverything, clinit, true},
		{FilterSpeed, dex.AccNative, false},
		{FilterQuicken, dex.AccPublic, false},
		{FilterVerify, dex.AccPublic, false},
	}
	for _, tt := range tests {
		r := NewVerificationResults(Options{Filter: tt.filter, CompileBytecode: true})
		if got := r.IsCandidateForCompilation(ref, tt.flags); got != tt.want {
			t.Errorf("IsCandidateForCompilation(%s, %#x) = %v, want %v", tt.filter, tt.flags, got, tt.want)
		}
	}
	off := NewVerificationResults(Options{Filter: FilterSpeed})
	if off.IsCandidateForCompilation(ref, dex.AccPublic) {
		t.Error("candidate with bytecode compilation disabled")
	}
	if off.IsCandidateForCompilation(MethodReference{Index: 0}, dex.AccPublic) {
		t.Error("candidate without a dex file")
	}
}

func TestCreateVerifiedMethodFor(t *testing.T) {
	_, f := buildFoo(t, "foo.dex")
	results := NewVerificationResults(DefaultOptions())
	ref := MethodReference{DexFile: f, Index: 1}
	vm := results.CreateVerifiedMethodFor(ref)
	if vm == nil || vm.EncounteredVerificationFailures() != 0 || vm.HasRuntimeThrow() {
		t.Fatalf("CreateVerifiedMethodFor = %+v", vm)
	}
	if results.GetVerifiedMethod(ref) != vm {
		t.Error("synthesized entry not stored")
	}
}

func TestRejectedClass(t *testing.T) {
	l, _ := buildFoo(t, "foo.dex")
	foo, err := l.FindClass(fooDesc)
	if err != nil {
		t.Fatal(err)
	}
	results := NewVerificationResults(DefaultOptions())
	res := verifier.VerifyClass(l, foo, results, verifier.Options{})
	if res.Kind != verifier.HardFailure {
		t.Fatalf("kind = %s, want hard", res.Kind)
	}
	if !results.IsClassRejected(ClassRefOf(foo)) {
		t.Error("class not recorded as rejected")
	}
	if broken := results.GetVerifiedMethod(MethodRefOf(findMethod(t, l, "broken", "()V"))); broken != nil {
		t.Errorf("hard-failed method recorded: %+v", broken)
	}
	if results.GetVerifiedMethod(MethodRefOf(findMethod(t, l, "run", "(I)V"))) == nil {
		t.Error("clean method of a rejected class not recorded")
	}
}

// ---------------------------------------------------------------------------
// Persistence
// ---------------------------------------------------------------------------

func TestSaveLoadResults(t *testing.T) {
	l, f := buildFoo(t, "foo.dex")
	foo, _ := l.FindClass(fooDesc)
	results := NewVerificationResults(DefaultOptions())
	verifier.VerifyClass(l, foo, results, verifier.Options{})

	var buf bytes.Buffer
	if err := SaveResults(&buf, results); err != nil {
		t.Fatalf("SaveResults: %v", err)
	}
	saved := buf.Bytes()

	loaded := NewVerificationResults(DefaultOptions())
	n, err := LoadResults(bytes.NewReader(saved), loaded, []*dex.File{f})
	if err != nil {
		t.Fatalf("LoadResults: %v", err)
	}
	if n != 3 {
		t.Errorf("applied %d records, want 3", n)
	}
	if !loaded.IsClassRejected(ClassRefOf(foo)) {
		t.Error("rejection lost")
	}

	type summary struct {
		Failures  verifier.FailureMask
		Candidate bool
		SafeCasts []uint32
	}
	project := func(r *VerificationResults) map[uint32]summary {
		out := make(map[uint32]summary)
		r.Range(func(vm *VerifiedMethod) bool {
			out[vm.Ref().Index] = summary{vm.EncounteredVerificationFailures(), vm.IsCandidateForCompilation(), vm.SafeCastPCs()}
			return true
		})
		return out
	}
	if diff := cmp.Diff(project(results), project(loaded)); diff != "" {
		t.Errorf("loaded results differ (-saved +loaded):\n%s", diff)
	}

	_, other := buildFoo(t, "other.dex")
	elsewhere := NewVerificationResults(DefaultOptions())
	if n, err := LoadResults(bytes.NewReader(saved), elsewhere, []*dex.File{other}); err != nil || n != 0 {
		t.Errorf("LoadResults for another location = %d, %v; want 0, nil", n, err)
	}
}

func TestLoadResultsSkipsChangedMethods(t *testing.T) {
	l, _ := buildFoo(t, "foo.dex")
	foo, _ := l.FindClass(fooDesc)
	results := NewVerificationResults(DefaultOptions())
	verifier.VerifyClass(l, foo, results, verifier.Options{})
	var buf bytes.Buffer
	if err := SaveResults(&buf, results); err != nil {
		t.Fatalf("SaveResults: %v", err)
	}

	_, changed := buildFooWith(t, "foo.dex", 6)
	loaded := NewVerificationResults(DefaultOptions())
	n, err := LoadResults(&buf, loaded, []*dex.File{changed})
	if err != nil {
		t.Fatalf("LoadResults: %v", err)
	}
	if n != 2 {
		t.Errorf("applied %d records, want 2", n)
	}
	def, _ := changed.FindClassDef(fooDesc)
	em, _ := changed.FindMethodInClass(def, "run", "(I)V")
	if vm := loaded.GetVerifiedMethod(MethodReference{DexFile: changed, Index: em.MethodIdx}); vm != nil {
		t.Error("stale record for run(I)V was applied")
	}
}

func TestLoadResultsRejectsGarbage(t *testing.T) {
	results := NewVerificationResults(DefaultOptions())
	if _, err := LoadResults(bytes.NewReader([]byte{0xff, 0x00}), results, nil); err == nil {
		t.Error("LoadResults accepted garbage")
	}
}

// ---------------------------------------------------------------------------
// Code info
// ---------------------------------------------------------------------------

func TestBuildCodeInfo(t *testing.T) {
	l, _ := buildFoo(t, "foo.dex")
	m := findMethod(t, l, "run", "(I)V")

	info, err := BuildCodeInfo(verified(t, l, m, true), 2)
	if err != nil {
		t.Fatalf("BuildCodeInfo: %v", err)
	}
	if info.NumMachineRegisters != 2 || info.NumStackSlots != 1 {
		t.Errorf("layout = %d regs, %d slots; want 2, 1", info.NumMachineRegisters, info.NumStackSlots)
	}
	// const-string at 1 and invoke-static at 3 are safepoints.
	var pcs []uint32
	for _, sm := range info.StackMaps {
		pcs = append(pcs, sm.DexPC)
	}
	if diff := cmp.Diff([]uint32{1, 3}, pcs); diff != "" {
		t.Errorf("stack map pcs (-want +got):\n%s", diff)
	}

	sm := info.StackMapForDexPC(3)
	if sm == nil {
		t.Fatal("no stack map at invoke")
	}
	want := []VRegLocation{
		{Kind: LocationConstant, Value: 5, VReg: VRegKind{Width: 1}},
		{Kind: LocationRegister, Value: 1, VReg: VRegKind{Width: 1, Reference: true}},
		{Kind: LocationStack, Value: 0, VReg: VRegKind{Width: 1}},
	}
	if diff := cmp.Diff(want, sm.VRegs); diff != "" {
		t.Errorf("vregs at invoke (-want +got):\n%s", diff)
	}
	if got := info.StackMapForNativePC(NativePCFor(3)); got != sm {
		t.Errorf("StackMapForNativePC = %v, want the invoke's map", got)
	}
	// Before const-string, v1 is still undefined.
	if got := info.StackMapForDexPC(1).VRegs[1].Kind; got != LocationNone {
		t.Errorf("v1 at const-string = %s, want none", got)
	}

	if _, err := BuildCodeInfo(verified(t, l, m, false), 2); !errors.Is(err, ErrImpreciseLines) {
		t.Errorf("imprecise verifier: err = %v, want ErrImpreciseLines", err)
	}
}

func TestDriverCompilesCleanMethods(t *testing.T) {
	l, _ := buildFoo(t, "foo.dex")
	foo, _ := l.FindClass(fooDesc)
	d := NewDriver(NewVerificationResults(DefaultOptions()), NewCompiledCodeTable())
	verifier.VerifyClass(l, foo, d, d.VerifierOptions())

	if d.Code.Lookup(findMethod(t, l, "run", "(I)V")) == nil {
		t.Error("run(I)V not compiled")
	}
	if d.Code.Lookup(findMethod(t, l, "broken", "()V")) != nil {
		t.Error("broken()V compiled")
	}
	if d.Code.Lookup(findMethod(t, l, "g", "()V")) != nil {
		t.Error("native g()V compiled")
	}

	quick := NewDriver(NewVerificationResults(Options{Filter: FilterQuicken, CompileBytecode: true}), NewCompiledCodeTable())
	verifier.VerifyClass(l, foo, quick, quick.VerifierOptions())
	if quick.Code.Len() != 0 {
		t.Errorf("quicken filter compiled %d methods", quick.Code.Len())
	}
	if quick.Results.GetVerifiedMethod(MethodRefOf(findMethod(t, l, "run", "(I)V"))) == nil {
		t.Error("quicken filter did not record results")
	}
}

func TestVRegKindString(t *testing.T) {
	tests := []struct {
		k    VRegKind
		want string
	}{
		{VRegKind{Width: 1}, "int"},
		{VRegKind{Width: 1, Reference: true}, "ref"},
		{VRegKind{Width: 2, Floating: true, Half: HalfHi}, "double/hi"},
		{VRegKind{Width: 2, Half: HalfLo}, "long/lo"},
	}
	for _, tt := range tests {
		if got := tt.k.String(); got != tt.want {
			t.Errorf("%+v.String() = %q, want %q", tt.k, got, tt.want)
		}
	}
}
