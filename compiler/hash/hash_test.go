package hash

import (
	"testing"

	"github.com/chazu/dexvm/dex"
	"github.com/chazu/dexvm/mirror"
)

type variant struct {
	padding  bool   // intern unrelated entries first so every pool index shifts
	constant int64  // value loaded by run
	message  string // string loaded by run
}

// build returns a dex with LFoo;.run()V, which loads a constant and a
// string, reads a static field and calls a native method inside a try,
// and the index of run.
func build(t *testing.T, v variant) (*dex.File, uint32) {
	t.Helper()
	b := dex.NewBuilder()
	if v.padding {
		b.StringIdx("aaa")
		b.TypeIdx("LAaa;")
		b.MethodIdx("LAaa;", "zz", "()V")
		b.FieldIdx("LAaa;", "x", "I")
	}
	foo := b.Class("LFoo;", mirror.DescObject, dex.AccPublic)
	field := foo.Field("count", "I", dex.AccStatic)
	native := foo.Method("log", "()V", dex.AccPublic|dex.AccStatic|dex.AccNative, nil)

	code := dex.NewCodeBuilder(2)
	start, end, handler := code.NewLabel(), code.NewLabel(), code.NewLabel()
	code.Mark(start)
	code.EmitConst(dex.OpConst16, 0, v.constant)
	code.EmitIndex(dex.OpConstString, b.StringIdx(v.message), 1)
	code.EmitIndex(dex.OpSget, field, 0)
	code.EmitInvoke(dex.OpInvokeStatic, native)
	code.Mark(end)
	code.Emit(dex.OpReturnVoid)
	code.Mark(handler)
	code.Emit(dex.OpReturnVoid)
	code.Try(start, end, nil, handler)
	run := foo.Method("run", "()V", dex.AccPublic|dex.AccStatic, code)

	data, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	f, err := dex.Open(data, "foo.dex")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return f, run
}

func mustHash(t *testing.T, f *dex.File, idx uint32) [32]byte {
	t.Helper()
	h, err := HashMethod(f, idx)
	if err != nil {
		t.Fatalf("HashMethod: %v", err)
	}
	return h
}

func TestHashIgnoresPoolLayout(t *testing.T) {
	f1, run1 := build(t, variant{constant: 7, message: "hi"})
	f2, run2 := build(t, variant{padding: true, constant: 7, message: "hi"})
	if run1 == run2 {
		t.Fatal("padding did not shift the method index")
	}
	if mustHash(t, f1, run1) != mustHash(t, f2, run2) {
		t.Error("same method in two layouts hashed differently")
	}
}

func TestHashSeesBodyChanges(t *testing.T) {
	base, run := build(t, variant{constant: 7, message: "hi"})
	want := mustHash(t, base, run)

	tests := []struct {
		name string
		v    variant
	}{
		{"constant", variant{constant: 8, message: "hi"}},
		{"string", variant{constant: 7, message: "bye"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, idx := build(t, tt.v)
			if mustHash(t, f, idx) == want {
				t.Error("changed body kept its fingerprint")
			}
		})
	}
}

func TestHashDeterministic(t *testing.T) {
	f, run := build(t, variant{constant: 1, message: "x"})
	if mustHash(t, f, run) != mustHash(t, f, run) {
		t.Error("fingerprint is not deterministic")
	}
}

func TestHashNativeMethod(t *testing.T) {
	f, run := build(t, variant{constant: 1, message: "x"})
	def, _ := f.FindClassDef("LFoo;")
	em, ok := f.FindMethodInClass(def, "log", "()V")
	if !ok {
		t.Fatal("log()V not found")
	}
	hm, err := NormalizeMethod(f, em.MethodIdx)
	if err != nil {
		t.Fatalf("NormalizeMethod: %v", err)
	}
	if hm.Code != nil {
		t.Error("native method has code")
	}
	if mustHash(t, f, em.MethodIdx) == mustHash(t, f, run) {
		t.Error("different methods share a fingerprint")
	}
}

func TestNormalizeResolvesReferences(t *testing.T) {
	f, run := build(t, variant{constant: 1, message: "hello"})
	hm, err := NormalizeMethod(f, run)
	if err != nil {
		t.Fatalf("NormalizeMethod: %v", err)
	}
	seen := make(map[HRef]bool)
	for _, in := range hm.Code.Insns {
		seen[in.Ref] = true
	}
	for _, ref := range []HRef{
		{Tag: TagStringRef, Name: "hello"},
		{Tag: TagFieldRef, Name: "LFoo;->count:I"},
		{Tag: TagMethodRef, Name: "LFoo;->log()V"},
	} {
		if !seen[ref] {
			t.Errorf("no instruction references %+v", ref)
		}
	}
	if len(hm.Code.Tries) != 1 || hm.Code.Tries[0].CatchAll == nil {
		t.Errorf("tries = %+v, want one catch-all range", hm.Code.Tries)
	}
}

func TestHashErrors(t *testing.T) {
	f, _ := build(t, variant{padding: true, constant: 1, message: "x"})
	if _, err := HashMethod(f, uint32(len(f.MethodIDs))); err == nil {
		t.Error("out-of-range index accepted")
	}
	// LAaa;->zz()V is referenced but not defined here.
	zz := uint32(0)
	if got := f.PrettyMethod(zz); got != "LAaa;->zz()V" {
		t.Fatalf("method 0 = %s, want LAaa;->zz()V", got)
	}
	if _, err := HashMethod(f, zz); err == nil {
		t.Error("hashed a method defined elsewhere")
	}
}
