package vm

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/chazu/dexvm/compiler"
	"github.com/chazu/dexvm/dex"
	"github.com/chazu/dexvm/interp"
	"github.com/chazu/dexvm/manifest"
	"github.com/chazu/dexvm/mirror"
	"github.com/chazu/dexvm/verifier"
)

const (
	mainDesc   = "LMain;"
	softDesc   = "LSoft;"
	brokenDesc = "LBroken;"
	orphanDesc = "LOrphan;"
	location   = "app.dex"
)

// buildApp assembles a dex file with one class per verification outcome:
//
//	LMain;    clean: answer()I returns 42
//	LSoft;    calls a method of a missing class
//	LBroken;  bad()V falls off the end of its code
//	LOrphan;  extends a class nothing defines
func buildApp(t *testing.T) []byte {
	t.Helper()
	b := dex.NewBuilder()

	main := b.Class(mainDesc, mirror.DescObject, dex.AccPublic)
	answer := dex.NewCodeBuilder(1)
	answer.EmitConst(dex.OpConst16, 0, 42)
	answer.Emit11x(dex.OpReturn, 0)
	main.Method("answer", "()I", dex.AccPublic|dex.AccStatic, answer)

	soft := b.Class(softDesc, mirror.DescObject, dex.AccPublic)
	missing := b.MethodIdx("LMissing;", "run", "()V")
	call := dex.NewCodeBuilder(0)
	call.EmitInvoke(dex.OpInvokeStatic, missing)
	call.Emit(dex.OpReturnVoid)
	soft.Method("missing", "()V", dex.AccPublic|dex.AccStatic, call)

	broken := b.Class(brokenDesc, mirror.DescObject, dex.AccPublic)
	bad := dex.NewCodeBuilder(1)
	bad.EmitConst(dex.OpConst4, 0, 0)
	broken.Method("bad", "()V", dex.AccPublic|dex.AccStatic, bad)
	one := dex.NewCodeBuilder(1)
	one.EmitConst(dex.OpConst4, 0, 1)
	one.Emit11x(dex.OpReturn, 0)
	broken.Method("one", "()I", dex.AccPublic|dex.AccStatic, one)

	orphan := b.Class(orphanDesc, "LNowhere;", dex.AccPublic)
	ret := dex.NewCodeBuilder(0)
	ret.Emit(dex.OpReturnVoid)
	orphan.Method("run", "()V", dex.AccPublic|dex.AccStatic, ret)

	data, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return data
}

func newLoadedVM(t *testing.T, opts Options) (*VM, *dex.File) {
	t.Helper()
	vm := NewVM(opts)
	f, err := vm.LoadDexFile(buildApp(t), location)
	if err != nil {
		t.Fatalf("LoadDexFile: %v", err)
	}
	return vm, f
}

func findClass(t *testing.T, vm *VM, desc string) *mirror.Class {
	t.Helper()
	c, err := vm.Linker.FindClass(desc)
	if err != nil {
		t.Fatalf("FindClass(%s): %v", desc, err)
	}
	return c
}

func wantThrown(t *testing.T, err error, desc string) {
	t.Helper()
	var te *interp.ThrownError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want %s", err, dex.PrettyDescriptor(desc))
	}
	if te.Descriptor() != desc {
		t.Fatalf("thrown %s, want %s", te.Descriptor(), desc)
	}
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

func TestLoadDexFile(t *testing.T) {
	vm, f := newLoadedVM(t, DefaultOptions())
	if got, ok := vm.DexFile(location); !ok || got != f {
		t.Errorf("DexFile(%q) = %v, %v", location, got, ok)
	}
	if _, err := vm.LoadDexFile(buildApp(t), location); err == nil {
		t.Error("second load at the same location succeeded")
	}

	data := buildApp(t)
	data[0] = 'x'
	if _, err := NewVM(DefaultOptions()).LoadDexFile(data, "bad.dex"); err == nil {
		t.Error("LoadDexFile accepted a file with a bad magic")
	}
}

func TestOptionsFromManifest(t *testing.T) {
	m := manifest.Default()
	m.Verifier.AbortOnHardFailure = true
	m.Interpreter.ForceAccessChecks = true
	m.Compiler.Filter = "verify"
	opts := OptionsFromManifest(m)
	if !opts.AbortOnHardFailure || !opts.ForceAccessChecks {
		t.Errorf("opts = %+v", opts)
	}
	if opts.Compiler.Filter != compiler.FilterVerify || opts.Workers != manifest.DefaultWorkers {
		t.Errorf("filter = %v, workers = %d", opts.Compiler.Filter, opts.Workers)
	}
	if opts.MaxFrameDepth != manifest.DefaultMaxFrameDepth {
		t.Errorf("MaxFrameDepth = %d, want %d", opts.MaxFrameDepth, manifest.DefaultMaxFrameDepth)
	}
}

// ---------------------------------------------------------------------------
// Verification
// ---------------------------------------------------------------------------

func TestVerifyDexFile(t *testing.T) {
	vm, f := newLoadedVM(t, DefaultOptions())
	report, err := vm.VerifyDexFile(context.Background(), f)
	if err != nil {
		t.Fatalf("VerifyDexFile: %v", err)
	}

	var got []string
	for _, c := range report.Classes {
		got = append(got, c.Descriptor)
	}
	if diff := cmp.Diff([]string{mainDesc, softDesc, brokenDesc, orphanDesc}, got); diff != "" {
		t.Errorf("class order (-want +got):\n%s", diff)
	}
	if n := report.Count(verifier.NoFailure); n != 1 {
		t.Errorf("clean classes = %d, want 1", n)
	}
	if n := report.Count(verifier.SoftFailure); n != 1 {
		t.Errorf("soft classes = %d, want 1", n)
	}
	if !report.HasHardFailure() || !report.Classes[2].Rejected() {
		t.Errorf("LBroken; not rejected: %+v", report.Classes[2].Result)
	}
	if lf := report.LinkFailures(); len(lf) != 1 || lf[0].Descriptor != orphanDesc {
		t.Errorf("link failures = %+v, want only %s", lf, orphanDesc)
	}

	statuses := []struct {
		desc string
		want mirror.ClassStatus
	}{
		{mainDesc, mirror.StatusVerified},
		{softDesc, mirror.StatusRetryVerificationAtRuntime},
		{brokenDesc, mirror.StatusResolved},
	}
	for _, s := range statuses {
		if got := findClass(t, vm, s.desc).Status(); got != s.want {
			t.Errorf("%s status = %s, want %s", s.desc, got, s.want)
		}
	}
	if !vm.Results.IsClassRejected(compiler.ClassRefOf(findClass(t, vm, brokenDesc))) {
		t.Error("LBroken; missing from the rejected classes")
	}

	answer, err := vm.FindStaticMethod(mainDesc, "answer", "()I")
	if err != nil {
		t.Fatal(err)
	}
	if vm.Code.Lookup(answer) == nil {
		t.Error("answer()I was not compiled")
	}
	if !answer.SkipAccessChecks() {
		t.Error("answer()I verified cleanly but does not skip access checks")
	}
}

func TestAbortOnHardFailure(t *testing.T) {
	opts := DefaultOptions()
	opts.AbortOnHardFailure = true
	opts.Workers = 1
	vm, f := newLoadedVM(t, opts)
	_, err := vm.VerifyDexFile(context.Background(), f)
	if !errors.Is(err, ErrHardFailure) {
		t.Fatalf("err = %v, want ErrHardFailure", err)
	}
	if !strings.Contains(err.Error(), "Broken") {
		t.Errorf("err = %v, want the rejected class named", err)
	}
}

func TestVerifyDexFileCanceled(t *testing.T) {
	vm, f := newLoadedVM(t, DefaultOptions())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := vm.VerifyDexFile(ctx, f); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

// ---------------------------------------------------------------------------
// Execution
// ---------------------------------------------------------------------------

func TestRunStatic(t *testing.T) {
	vm, f := newLoadedVM(t, DefaultOptions())
	if _, err := vm.VerifyDexFile(context.Background(), f); err != nil {
		t.Fatal(err)
	}

	got, err := vm.RunStatic(mainDesc, "answer")
	if err != nil {
		t.Fatalf("RunStatic: %v", err)
	}
	if got.Int() != 42 {
		t.Errorf("answer() = %d, want 42", got.Int())
	}

	_, err = vm.RunStatic(brokenDesc, "one")
	wantThrown(t, err, mirror.ExcVerify)

	_, err = vm.RunStatic(softDesc, "missing")
	wantThrown(t, err, mirror.ExcNoClassDefFound)

	if _, err := vm.RunStatic(mainDesc, "question"); !errors.Is(err, ErrMethodNotFound) {
		t.Errorf("unknown method: err = %v, want ErrMethodNotFound", err)
	}
}

func TestRuntimeVerification(t *testing.T) {
	// Nothing is verified ahead of time; class initialization does it.
	vm, _ := newLoadedVM(t, DefaultOptions())

	got, err := vm.RunStatic(mainDesc, "answer")
	if err != nil || got.Int() != 42 {
		t.Fatalf("answer() = %d, %v, want 42", got.Int(), err)
	}
	if s := findClass(t, vm, mainDesc).Status(); s != mirror.StatusInitialized {
		t.Errorf("LMain; status = %s, want Initialized", s)
	}

	_, err = vm.RunStatic(brokenDesc, "one")
	wantThrown(t, err, mirror.ExcVerify)
	_, err = vm.RunStatic(brokenDesc, "one")
	wantThrown(t, err, mirror.ExcNoClassDefFound)
	if !vm.Results.IsClassRejected(compiler.ClassRefOf(findClass(t, vm, brokenDesc))) {
		t.Error("runtime rejection was not recorded")
	}
}

func TestDeoptimizeAll(t *testing.T) {
	vm, f := newLoadedVM(t, DefaultOptions())
	if _, err := vm.VerifyDexFile(context.Background(), f); err != nil {
		t.Fatal(err)
	}
	before := vm.Code.Len()
	if before == 0 {
		t.Fatal("nothing was compiled")
	}
	if n := vm.DeoptimizeAll(); n != before {
		t.Errorf("DeoptimizeAll() = %d, want %d", n, before)
	}
	if vm.Code.Len() != 0 {
		t.Errorf("%d compiled methods left", vm.Code.Len())
	}
	got, err := vm.RunStatic(mainDesc, "answer")
	if err != nil || got.Int() != 42 {
		t.Errorf("interpreted answer() = %d, %v, want 42", got.Int(), err)
	}
}

func TestSaveAndLoadResults(t *testing.T) {
	vm, f := newLoadedVM(t, DefaultOptions())
	if _, err := vm.VerifyDexFile(context.Background(), f); err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := vm.SaveResults(&buf); err != nil {
		t.Fatalf("SaveResults: %v", err)
	}

	next, nf := newLoadedVM(t, DefaultOptions())
	n, err := next.LoadResults(&buf)
	if err != nil {
		t.Fatalf("LoadResults: %v", err)
	}
	if n == 0 {
		t.Error("no method results restored")
	}
	if !next.Results.IsClassRejected(compiler.ClassReference{DexFile: nf, ClassDef: 2}) {
		t.Error("LBroken; rejection was not restored")
	}
	_, err = next.RunStatic(brokenDesc, "one")
	wantThrown(t, err, mirror.ExcVerify)
}
