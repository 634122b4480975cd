package interp

import (
	"fmt"
	"math"
	"strings"

	"github.com/chazu/dexvm/compiler"
	"github.com/chazu/dexvm/mirror"
)

// ---------------------------------------------------------------------------
// ShadowFrame
// ---------------------------------------------------------------------------

// ShadowFrame is the register file of one interpreted activation. Every
// vreg has a 32-bit primitive slot and a reference slot; writing one kind
// clears the other, so a reference is only ever read back from a register
// that was last written with a reference.
type ShadowFrame struct {
	method *mirror.Method
	pc     uint32

	vregs []uint32
	refs  []*mirror.Object

	// result holds the value of the last invoke or filled-new-array for a
	// following move-result.
	result mirror.JValue
	// caught is the exception delivered to the current handler.
	caught *mirror.Object
	// monitors lists objects locked by monitor-enter, in order.
	monitors []*mirror.Object
}

// NewShadowFrame allocates a zeroed frame of numRegs registers for m.
func NewShadowFrame(m *mirror.Method, numRegs int) *ShadowFrame {
	return &ShadowFrame{
		method: m,
		vregs:  make([]uint32, numRegs),
		refs:   make([]*mirror.Object, numRegs),
	}
}

func (f *ShadowFrame) Method() *mirror.Method { return f.method }
func (f *ShadowFrame) DexPC() uint32          { return f.pc }
func (f *ShadowFrame) SetDexPC(pc uint32)     { f.pc = pc }
func (f *ShadowFrame) NumberOfVRegs() int     { return len(f.vregs) }

func (f *ShadowFrame) VReg(r uint32) int32 { return int32(f.vregs[r]) }

func (f *ShadowFrame) SetVReg(r uint32, v int32) {
	f.vregs[r] = uint32(v)
	f.refs[r] = nil
}

func (f *ShadowFrame) VRegLong(r uint32) int64 {
	return int64(uint64(f.vregs[r]) | uint64(f.vregs[r+1])<<32)
}

func (f *ShadowFrame) SetVRegLong(r uint32, v int64) {
	f.vregs[r], f.vregs[r+1] = uint32(v), uint32(uint64(v)>>32)
	f.refs[r], f.refs[r+1] = nil, nil
}

func (f *ShadowFrame) VRegFloat(r uint32) float32 { return math.Float32frombits(f.vregs[r]) }

func (f *ShadowFrame) SetVRegFloat(r uint32, v float32) { f.SetVReg(r, int32(math.Float32bits(v))) }

func (f *ShadowFrame) VRegDouble(r uint32) float64 { return math.Float64frombits(uint64(f.VRegLong(r))) }

func (f *ShadowFrame) SetVRegDouble(r uint32, v float64) {
	f.SetVRegLong(r, int64(math.Float64bits(v)))
}

func (f *ShadowFrame) VRegReference(r uint32) *mirror.Object { return f.refs[r] }

// SetVRegReference stores a reference. The primitive slot is cleared so
// if-eqz sees null as zero.
func (f *ShadowFrame) SetVRegReference(r uint32, o *mirror.Object) {
	f.refs[r] = o
	if o == nil {
		f.vregs[r] = 0
	} else {
		f.vregs[r] = 1
	}
}

// Result returns the value of the last invoke.
func (f *ShadowFrame) Result() mirror.JValue   { return f.result }
func (f *ShadowFrame) SetResult(v mirror.JValue) { f.result = v }

// SetCaughtException hands exc to a handler starting at the frame's pc.
func (f *ShadowFrame) SetCaughtException(exc *mirror.Object) { f.caught = exc }

// HeldMonitors returns the objects locked by this activation, in order.
func (f *ShadowFrame) HeldMonitors() []*mirror.Object { return f.monitors }

func (f *ShadowFrame) SetHeldMonitors(list []*mirror.Object) {
	f.monitors = append([]*mirror.Object(nil), list...)
}

// copyVReg copies one register with its kind.
func (f *ShadowFrame) copyVReg(dst, src uint32) {
	f.vregs[dst], f.refs[dst] = f.vregs[src], f.refs[src]
}

// replaceReference rewrites every register holding old to hold new.
func (f *ShadowFrame) replaceReference(old, new *mirror.Object) int {
	n := 0
	for r, o := range f.refs {
		if o == old {
			f.SetVRegReference(uint32(r), new)
			n++
		}
	}
	return n
}

// String renders the registers for logs, e.g. "v0=5 v1=\"s\"".
func (f *ShadowFrame) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s@%#x", f.method.PrettyMethod(), f.pc)
	for r := range f.vregs {
		if o := f.refs[r]; o != nil {
			fmt.Fprintf(&b, " v%d=%s", r, o)
		} else {
			fmt.Fprintf(&b, " v%d=%d", r, int32(f.vregs[r]))
		}
	}
	return b.String()
}

// ---------------------------------------------------------------------------
// CompiledFrame
// ---------------------------------------------------------------------------

// Slot is one machine register or stack slot of a compiled frame.
type Slot struct {
	Bits uint32
	Ref  *mirror.Object
}

// CompiledFrame is an activation of compiled code. Between safepoints the
// code works on a private register file; at every safepoint it stores the
// live dex registers to the machine registers and stack slots its stack
// map names. Only that stored state is visible to stack walkers.
type CompiledFrame struct {
	Code  *compiler.CompiledMethod
	Regs  []Slot
	Stack []Slot

	method   *mirror.Method
	pc       uint32
	deopt    bool
	monitors []*mirror.Object
	work     *ShadowFrame
}

func newCompiledFrame(m *mirror.Method, code *compiler.CompiledMethod, work *ShadowFrame) *CompiledFrame {
	return &CompiledFrame{
		Code:   code,
		Regs:   make([]Slot, code.Info.NumMachineRegisters),
		Stack:  make([]Slot, code.Info.NumStackSlots),
		method: m,
		work:   work,
	}
}

func (f *CompiledFrame) Method() *mirror.Method { return f.method }

// DexPC returns the pc of the safepoint the frame last passed.
func (f *CompiledFrame) DexPC() uint32 { return f.pc }

// StackMap returns the stack map of the current safepoint.
func (f *CompiledFrame) StackMap() *compiler.StackMap {
	return f.Code.Info.StackMapForDexPC(f.pc)
}

// SetShouldDeoptimize asks the frame to continue in the interpreter as soon
// as control returns to it.
func (f *CompiledFrame) SetShouldDeoptimize()   { f.deopt = true }
func (f *CompiledFrame) ShouldDeoptimize() bool { return f.deopt }

// HeldMonitors returns the objects the activation has locked.
func (f *CompiledFrame) HeldMonitors() []*mirror.Object { return f.monitors }

// Location reads the stored value of a register or stack location.
func (f *CompiledFrame) Location(kind compiler.LocationKind, index int32) (Slot, error) {
	switch kind {
	case compiler.LocationRegister:
		if int(index) < len(f.Regs) {
			return f.Regs[index], nil
		}
	case compiler.LocationStack:
		if int(index) < len(f.Stack) {
			return f.Stack[index], nil
		}
	default:
		return Slot{}, fmt.Errorf("location %s has no storage", kind)
	}
	return Slot{}, fmt.Errorf("%s %d out of range", kind, index)
}

// spill records pc as the current safepoint and stores the live registers.
func (f *CompiledFrame) spill(pc uint32) {
	f.pc = pc
	f.monitors = f.work.monitors
	sm := f.Code.Info.StackMapForDexPC(pc)
	if sm == nil {
		return
	}
	w := f.work
	for r, loc := range sm.VRegs {
		s := Slot{Bits: w.vregs[r], Ref: w.refs[r]}
		switch loc.Kind {
		case compiler.LocationRegister:
			f.Regs[loc.Value] = s
		case compiler.LocationStack:
			f.Stack[loc.Value] = s
		}
	}
}
