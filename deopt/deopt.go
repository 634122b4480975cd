// Package deopt moves compiled activations into the interpreter. It
// rebuilds a ShadowFrame from the stack map of a compiled frame's current
// safepoint, either to run the catch handler of an exception thrown there or
// to finish the method after a deoptimization request.
package deopt

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/tliron/commonlog"

	"github.com/chazu/dexvm/compiler"
	"github.com/chazu/dexvm/dex"
	"github.com/chazu/dexvm/interp"
	"github.com/chazu/dexvm/mirror"
)

var log = commonlog.GetLogger("dexvm.deopt")

var (
	// ErrNotCompiled is returned when the top frame is interpreted.
	ErrNotCompiled = errors.New("top frame is not a compiled frame")
	// ErrNoStackMap is returned for a compiled frame stopped at a pc
	// without a stack map.
	ErrNoStackMap = errors.New("no stack map at dex pc")
)

// ---------------------------------------------------------------------------
// Frame reconstruction
// ---------------------------------------------------------------------------

// BuildShadowFrame synthesizes the interpreter frame equivalent to cf at its
// current safepoint. Registers the stack map marks dead are left zero.
func BuildShadowFrame(cf *interp.CompiledFrame) (*interp.ShadowFrame, error) {
	m := cf.Method()
	sm := cf.StackMap()
	if sm == nil {
		return nil, fmt.Errorf("%s at %#x: %w", m.PrettyMethod(), cf.DexPC(), ErrNoStackMap)
	}
	sf := interp.NewShadowFrame(m, len(sm.VRegs))
	for i, loc := range sm.VRegs {
		r := uint32(i)
		switch loc.Kind {
		case compiler.LocationNone:
		case compiler.LocationConstant:
			sf.SetVReg(r, loc.Value)
		default:
			slot, err := cf.Location(loc.Kind, loc.Value)
			if err != nil {
				return nil, fmt.Errorf("%s v%d: %w", m.PrettyMethod(), r, err)
			}
			if loc.VReg.Reference {
				sf.SetVRegReference(r, slot.Ref)
			} else {
				sf.SetVReg(r, int32(slot.Bits))
			}
		}
	}
	sf.SetHeldMonitors(cf.HeldMonitors())
	sf.SetDexPC(cf.DexPC())
	return sf, nil
}

func topCompiled(t *interp.Thread) (*interp.CompiledFrame, error) {
	cf, ok := t.TopFrame().(*interp.CompiledFrame)
	if !ok {
		return nil, ErrNotCompiled
	}
	return cf, nil
}

// DeoptimizeStack flags every compiled frame on t. Each one continues in
// the interpreter as soon as control returns to it. t must be the calling
// thread or suspended. It returns the number of frames flagged.
func DeoptimizeStack(t *interp.Thread) int {
	n := 0
	for _, f := range t.Frames() {
		if cf, ok := f.(*interp.CompiledFrame); ok && !cf.ShouldDeoptimize() {
			cf.SetShouldDeoptimize()
			n++
		}
	}
	if n > 0 {
		log.Infof("%s: %d compiled frames flagged for deoptimization", t, n)
	}
	return n
}

// ---------------------------------------------------------------------------
// Unwinder
// ---------------------------------------------------------------------------

// Stats counts the transitions an Unwinder performed.
type Stats struct {
	FramesDeoptimized   int64
	ExceptionsDelivered int64
	ExceptionsUnhandled int64
}

// Unwinder is the interp.Unwinder that rebuilds frames from stack maps.
// The zero value is ready to use.
type Unwinder struct {
	deoptimized atomic.Int64
	delivered   atomic.Int64
	unhandled   atomic.Int64
}

func NewUnwinder() *Unwinder { return &Unwinder{} }

func (u *Unwinder) Stats() Stats {
	return Stats{
		FramesDeoptimized:   u.deoptimized.Load(),
		ExceptionsDelivered: u.delivered.Load(),
		ExceptionsUnhandled: u.unhandled.Load(),
	}
}

// DeliverException looks for a handler for t's pending exception in the
// compiled frame on top of t. When one covers the safepoint, the frame is
// rebuilt with the exception caught and the handler runs in the
// interpreter. Otherwise the exception stays pending for the caller.
func (u *Unwinder) DeliverException(t *interp.Thread, in *interp.Interpreter) (mirror.JValue, bool, error) {
	cf, err := topCompiled(t)
	if err != nil {
		return mirror.JValue{}, false, err
	}
	exc := t.Exception()
	m := cf.Method()
	handler, ok := in.FindCatchHandler(m, cf.DexPC(), exc)
	if !ok {
		u.unhandled.Add(1)
		return mirror.JValue{}, false, nil
	}
	sf, err := BuildShadowFrame(cf)
	if err != nil {
		return mirror.JValue{}, false, err
	}
	log.Debugf("%s: delivering %s from %#x to handler %#x", m.PrettyMethod(), exc.Class.Descriptor, cf.DexPC(), handler)
	sf.SetCaughtException(exc)
	t.ClearException()
	sf.SetDexPC(handler)
	u.delivered.Add(1)
	return in.Resume(t, sf), true, nil
}

// DeoptimizeFrame finishes the compiled frame on top of t in the
// interpreter. The frame is stopped at an invoke that returned result;
// execution continues with the following instruction.
func (u *Unwinder) DeoptimizeFrame(t *interp.Thread, in *interp.Interpreter, result mirror.JValue) (mirror.JValue, error) {
	cf, err := topCompiled(t)
	if err != nil {
		return mirror.JValue{}, err
	}
	m := cf.Method()
	inst, err := dex.DecodeInstruction(m.Code.Insns, cf.DexPC())
	if err != nil {
		return mirror.JValue{}, fmt.Errorf("%s at %#x: %w", m.PrettyMethod(), cf.DexPC(), err)
	}
	sf, err := BuildShadowFrame(cf)
	if err != nil {
		return mirror.JValue{}, err
	}
	sf.SetResult(result)
	sf.SetDexPC(inst.Next())
	u.deoptimized.Add(1)
	log.Debugf("%s: deoptimized at %#x", m.PrettyMethod(), cf.DexPC())
	return in.Resume(t, sf), nil
}
