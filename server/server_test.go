package server

import (
	"context"
	"errors"
	"net/http/httptest"
	"sync"
	"testing"

	"connectrpc.com/connect"
	"github.com/google/go-cmp/cmp"

	"github.com/chazu/dexvm/dex"
	"github.com/chazu/dexvm/mirror"
	"github.com/chazu/dexvm/vm"
)

const (
	goodDesc = "LGood;"
	badDesc  = "LBad;"
)

// buildDex assembles LGood; with a clean answer()I and LBad; whose only
// method falls off the end of its code.
func buildDex(t *testing.T) []byte {
	t.Helper()
	b := dex.NewBuilder()
	good := b.Class(goodDesc, mirror.DescObject, dex.AccPublic)
	answer := dex.NewCodeBuilder(1)
	answer.EmitConst(dex.OpConst4, 0, 7)
	answer.Emit11x(dex.OpReturn, 0)
	good.Method("answer", "()I", dex.AccPublic|dex.AccStatic, answer)

	bad := b.Class(badDesc, mirror.DescObject, dex.AccPublic)
	code := dex.NewCodeBuilder(1)
	code.EmitConst(dex.OpConst4, 0, 0)
	bad.Method("bad", "()V", dex.AccPublic|dex.AccStatic, code)

	data, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return data
}

// startTestServer serves a fresh VM and returns a client for it.
func startTestServer(t *testing.T) (*Client, *vm.VM) {
	t.Helper()
	v := vm.NewVM(vm.DefaultOptions())
	s := New(v, WithWorkers(2))
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		s.Stop(context.Background())
	})
	return NewClient(ts.Client(), ts.URL), v
}

func bg() context.Context {
	return context.Background()
}

// ---------------------------------------------------------------------------
// VerifyDex
// ---------------------------------------------------------------------------

func TestVerifyDex(t *testing.T) {
	client, _ := startTestServer(t)
	resp, err := client.VerifyDex(bg(), "app.dex", buildDex(t))
	if err != nil {
		t.Fatalf("VerifyDex: %v", err)
	}
	if resp.Location != "app.dex" || resp.Cached || resp.Aborted {
		t.Errorf("response = %+v", resp)
	}

	type verdict struct {
		Descriptor, Kind string
		Rejected         bool
	}
	var got []verdict
	for _, c := range resp.Classes {
		got = append(got, verdict{c.Descriptor, c.Kind, c.Rejected})
	}
	want := []verdict{{goodDesc, "ok", false}, {badDesc, "hard", true}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("verdicts (-want +got):\n%s", diff)
	}

	methods := resp.Classes[0].Methods
	if len(methods) != 1 || methods[0].Name != "answer" || !methods[0].Compiled {
		t.Errorf("LGood; methods = %+v, want compiled answer", methods)
	}
	if bad := resp.Classes[1].Methods; len(bad) != 1 || len(bad[0].Failures) == 0 {
		t.Errorf("LBad; methods = %+v, want failures", bad)
	}

	again, err := client.VerifyDex(bg(), "app.dex", nil)
	if err != nil {
		t.Fatalf("second VerifyDex: %v", err)
	}
	if !again.Cached {
		t.Error("second VerifyDex was not answered from the first")
	}
	if diff := cmp.Diff(resp.Classes, again.Classes); diff != "" {
		t.Errorf("cached verdicts differ (-first +second):\n%s", diff)
	}
}

func TestVerifyDexConcurrentSameLocation(t *testing.T) {
	client, _ := startTestServer(t)
	data := buildDex(t)
	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = client.VerifyDex(bg(), "shared.dex", data)
		}()
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Errorf("request %d: %v", i, err)
		}
	}
}

func TestVerifyDexErrors(t *testing.T) {
	client, _ := startTestServer(t)

	_, err := client.VerifyDex(bg(), "", buildDex(t))
	if connect.CodeOf(err) != connect.CodeInvalidArgument {
		t.Errorf("empty location: code = %v, want invalid_argument", connect.CodeOf(err))
	}

	_, err = client.VerifyDex(bg(), "junk.dex", []byte("not a dex file"))
	if connect.CodeOf(err) != connect.CodeInvalidArgument {
		t.Errorf("junk: code = %v, want invalid_argument", connect.CodeOf(err))
	}

	// A failed load does not poison the location.
	if _, err := client.VerifyDex(bg(), "junk.dex", buildDex(t)); err != nil {
		t.Errorf("retry after failure: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

func TestGetVerifiedMethod(t *testing.T) {
	client, v := startTestServer(t)
	if _, err := client.VerifyDex(bg(), "app.dex", buildDex(t)); err != nil {
		t.Fatal(err)
	}
	f, _ := v.DexFile("app.dex")
	var idx uint32 = dex.NoIndex
	for i := range f.MethodIDs {
		if f.MethodName(uint32(i)) == "answer" {
			idx = uint32(i)
		}
	}
	if idx == dex.NoIndex {
		t.Fatal("answer not in the method pool")
	}

	resp, err := client.GetVerifiedMethod(bg(), "app.dex", idx)
	if err != nil {
		t.Fatalf("GetVerifiedMethod: %v", err)
	}
	if !resp.Found || !resp.Compilable || resp.Failures != "none" {
		t.Errorf("answer = %+v, want a clean compilable method", resp)
	}

	_, err = client.GetVerifiedMethod(bg(), "app.dex", 1<<20)
	if connect.CodeOf(err) != connect.CodeInvalidArgument {
		t.Errorf("out of range: code = %v, want invalid_argument", connect.CodeOf(err))
	}
	_, err = client.GetVerifiedMethod(bg(), "other.dex", 0)
	if connect.CodeOf(err) != connect.CodeNotFound {
		t.Errorf("unknown file: code = %v, want not_found", connect.CodeOf(err))
	}
}

func TestIsClassRejected(t *testing.T) {
	client, _ := startTestServer(t)
	if _, err := client.VerifyDex(bg(), "app.dex", buildDex(t)); err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		desc string
		want bool
	}{
		{goodDesc, false},
		{badDesc, true},
	}
	for _, tt := range tests {
		got, err := client.IsClassRejected(bg(), "app.dex", tt.desc)
		if err != nil {
			t.Fatalf("IsClassRejected(%s): %v", tt.desc, err)
		}
		if got != tt.want {
			t.Errorf("IsClassRejected(%s) = %v, want %v", tt.desc, got, tt.want)
		}
	}
	_, err := client.IsClassRejected(bg(), "app.dex", "LMissing;")
	if connect.CodeOf(err) != connect.CodeNotFound {
		t.Errorf("unknown class: code = %v, want not_found", connect.CodeOf(err))
	}
}

// ---------------------------------------------------------------------------
// Worker pool
// ---------------------------------------------------------------------------

func TestVMWorker(t *testing.T) {
	w := NewVMWorker(vm.NewVM(vm.DefaultOptions()), 2)

	got, err := w.Do(bg(), func(_ context.Context, v *vm.VM) (any, error) {
		return v.Options().Workers, nil
	})
	if err != nil || got != 4 {
		t.Errorf("Do = %v, %v, want 4", got, err)
	}

	_, err = w.Do(bg(), func(context.Context, *vm.VM) (any, error) {
		panic("boom")
	})
	if err == nil || err.Error() != "boom" {
		t.Errorf("panic: err = %v, want boom", err)
	}

	ctx, cancel := context.WithCancel(bg())
	cancel()
	if _, err := w.Do(ctx, func(context.Context, *vm.VM) (any, error) { return nil, nil }); !errors.Is(err, context.Canceled) {
		t.Errorf("canceled: err = %v, want context.Canceled", err)
	}

	w.Stop()
	if _, err := w.Do(bg(), func(context.Context, *vm.VM) (any, error) { return nil, nil }); !errors.Is(err, ErrStopped) {
		t.Errorf("after Stop: err = %v, want ErrStopped", err)
	}
}
