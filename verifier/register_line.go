package verifier

import (
	"fmt"
	"maps"
	"slices"
	"strings"
)

// maxMonitorDepth bounds the monitor stack; lock depths are tracked in a
// 32-bit set per register.
const maxMonitorDepth = 32

// typeCategory selects which register types a move may copy.
type typeCategory int

const (
	catNonRef typeCategory = iota + 1
	catRef
)

// RegisterLine holds the type of every register at one program point,
// together with the result register and the monitor stack.
type RegisterLine struct {
	regs []uint16

	// monitors holds the pc of each monitor-enter, innermost last.
	monitors []uint32
	// lockDepths maps a register to the set of monitor depths it locked.
	lockDepths map[uint32]uint32

	result          [2]uint16
	thisInitialized bool
}

// NewRegisterLine returns a line with n Undefined registers.
func NewRegisterLine(n int) *RegisterLine {
	return &RegisterLine{regs: make([]uint16, n), lockDepths: make(map[uint32]uint32)}
}

func (l *RegisterLine) NumRegs() int { return len(l.regs) }

// Get returns the type of register r. Registers outside the frame read as
// Conflict.
func (l *RegisterLine) Get(v *MethodVerifier, r uint32) *RegType {
	if r >= uint32(len(l.regs)) {
		return v.cache.Conflict()
	}
	return v.cache.Get(l.regs[r])
}

// MonitorStackDepth returns the number of monitors held.
func (l *RegisterLine) MonitorStackDepth() int { return len(l.monitors) }

// CopyFrom makes l an independent copy of o.
func (l *RegisterLine) CopyFrom(o *RegisterLine) {
	copy(l.regs, o.regs)
	l.monitors = append(l.monitors[:0], o.monitors...)
	clear(l.lockDepths)
	maps.Copy(l.lockDepths, o.lockDepths)
	l.result = o.result
	l.thisInitialized = o.thisInitialized
}

// Equal compares register types, result, monitors and lock depths.
func (l *RegisterLine) Equal(o *RegisterLine) bool {
	return slices.Equal(l.regs, o.regs) && slices.Equal(l.monitors, o.monitors) &&
		maps.Equal(l.lockDepths, o.lockDepths) && l.result == o.result &&
		l.thisInitialized == o.thisInitialized
}

// ---------------------------------------------------------------------------
// Writes
// ---------------------------------------------------------------------------

func (l *RegisterLine) inRange(v *MethodVerifier, r, width uint32) bool {
	if r+width > uint32(len(l.regs)) {
		v.fail(FailBadClassHard, "register index out of range (%d >= %d)", r+width-1, len(l.regs))
		return false
	}
	return true
}

// SetRegisterType stores a category-1 or reference type in r.
func (l *RegisterLine) SetRegisterType(v *MethodVerifier, r uint32, t *RegType) bool {
	return l.setRegisterType(v, r, t, false)
}

func (l *RegisterLine) setRegisterType(v *MethodVerifier, r uint32, t *RegType, keepLocks bool) bool {
	if !l.inRange(v, r, 1) {
		return false
	}
	if t.IsLowHalf() || t.IsHighHalf() {
		v.fail(FailBadClassHard, "expected category1 register type not '%s'", t)
		return false
	}
	l.regs[r] = t.id
	if !keepLocks {
		delete(l.lockDepths, r)
	}
	return true
}

// SetRegisterTypeWide stores a register pair starting at r.
func (l *RegisterLine) SetRegisterTypeWide(v *MethodVerifier, r uint32, lo, hi *RegType) bool {
	if !l.inRange(v, r, 2) {
		return false
	}
	if !lo.CheckWidePair(hi) {
		v.fail(FailBadClassHard, "invalid wide pair '%s' '%s'", lo, hi)
		return false
	}
	l.regs[r], l.regs[r+1] = lo.id, hi.id
	delete(l.lockDepths, r)
	delete(l.lockDepths, r+1)
	return true
}

// setRegisterTypeAny stores t, splitting wide types across a pair.
func (l *RegisterLine) setRegisterTypeAny(v *MethodVerifier, r uint32, t *RegType) bool {
	if t.IsLowHalf() {
		return l.SetRegisterTypeWide(v, r, t, v.cache.HighHalf(t))
	}
	return l.SetRegisterType(v, r, t)
}

func (l *RegisterLine) SetResultTypeToUnknown(v *MethodVerifier) {
	l.result = [2]uint16{v.cache.Undefined().id, v.cache.Undefined().id}
}

func (l *RegisterLine) SetResultRegisterType(v *MethodVerifier, t *RegType) {
	l.result = [2]uint16{t.id, v.cache.Undefined().id}
}

func (l *RegisterLine) SetResultRegisterTypeWide(lo, hi *RegType) {
	l.result = [2]uint16{lo.id, hi.id}
}

// ---------------------------------------------------------------------------
// Copies
// ---------------------------------------------------------------------------

// CopyRegister1 implements move and move-object.
func (l *RegisterLine) CopyRegister1(v *MethodVerifier, dst, src uint32, cat typeCategory) {
	t := l.Get(v, src)
	if !l.inRange(v, dst, 1) {
		return
	}
	ok := t.IsCategory1Types()
	if cat == catRef {
		ok = t.IsReferenceTypes()
	}
	if !ok {
		v.fail(FailBadClassHard, "copy1 v%d<-v%d type=%s cat=%d", dst, src, t, cat)
		return
	}
	l.regs[dst] = t.id
	if d, ok := l.lockDepths[src]; ok && cat == catRef {
		l.lockDepths[dst] = d
	} else {
		delete(l.lockDepths, dst)
	}
}

// CopyRegister2 implements move-wide.
func (l *RegisterLine) CopyRegister2(v *MethodVerifier, dst, src uint32) {
	lo, hi := l.Get(v, src), l.Get(v, src+1)
	if !lo.CheckWidePair(hi) {
		v.fail(FailBadClassHard, "copy2 v%d<-v%d type=%s/%s", dst, src, lo, hi)
		return
	}
	l.SetRegisterTypeWide(v, dst, lo, hi)
}

// CopyResultRegister1 implements move-result and move-result-object.
func (l *RegisterLine) CopyResultRegister1(v *MethodVerifier, dst uint32, isRef bool) {
	t := v.cache.Get(l.result[0])
	if (!isRef && !t.IsCategory1Types()) || (isRef && !t.IsReferenceTypes()) {
		v.fail(FailBadClassHard, "copyRes1 v%d<-result0 type=%s", dst, t)
		return
	}
	if l.SetRegisterType(v, dst, t) {
		l.SetResultTypeToUnknown(v)
	}
}

// CopyResultRegister2 implements move-result-wide.
func (l *RegisterLine) CopyResultRegister2(v *MethodVerifier, dst uint32) {
	lo, hi := v.cache.Get(l.result[0]), v.cache.Get(l.result[1])
	if !lo.CheckWidePair(hi) {
		v.fail(FailBadClassHard, "copyRes2 v%d<-result0 type=%s/%s", dst, lo, hi)
		return
	}
	if l.SetRegisterTypeWide(v, dst, lo, hi) {
		l.SetResultTypeToUnknown(v)
	}
}

// ---------------------------------------------------------------------------
// Checks
// ---------------------------------------------------------------------------

// VerifyRegisterType checks that register r may be used as check. A precise
// constant consumed as a primitive becomes imprecise.
func (l *RegisterLine) VerifyRegisterType(v *MethodVerifier, r uint32, check *RegType) bool {
	src := l.Get(v, r)
	if !v.cache.IsAssignableFrom(check, src) {
		var ft FailureType
		switch {
		case !check.IsReferenceTypes() || !src.IsReferenceTypes():
			ft = FailBadClassHard
		case check.IsUninitializedTypes() || src.IsUninitializedTypes():
			ft = FailBadClassHard
		case check.IsUnresolvedTypes() || src.IsUnresolvedTypes():
			ft = FailNoClass
		default:
			ft = FailBadClassSoft
		}
		v.fail(ft, "register v%d has type %s but expected %s", r, src, check)
		return false
	}
	if !check.IsReferenceTypes() && src.IsPreciseConstant() {
		l.regs[r] = v.cache.Imprecise(src).id
	}
	return true
}

// VerifyRegisterTypeWide checks the pair starting at r against a wide type.
func (l *RegisterLine) VerifyRegisterTypeWide(v *MethodVerifier, r uint32, check *RegType) bool {
	lo, hi := l.Get(v, r), l.Get(v, r+1)
	if !v.cache.IsAssignableFrom(check, lo) {
		v.fail(FailBadClassHard, "register v%d has type %s but expected %s", r, lo, check)
		return false
	}
	if !lo.CheckWidePair(hi) {
		v.fail(FailBadClassHard, "wide register v%d has type %s/%s", r, lo, hi)
		return false
	}
	if lo.IsPreciseConstant() {
		l.regs[r] = v.cache.Imprecise(lo).id
		l.regs[r+1] = v.cache.Imprecise(hi).id
	}
	return true
}

// verifyAny dispatches to the narrow or wide check.
func (l *RegisterLine) verifyAny(v *MethodVerifier, r uint32, check *RegType) bool {
	if check.IsLowHalf() {
		return l.VerifyRegisterTypeWide(v, r, check)
	}
	return l.VerifyRegisterType(v, r, check)
}

// ---------------------------------------------------------------------------
// Initialization tracking
// ---------------------------------------------------------------------------

// MarkRefsAsInitialized rewrites every register holding uninit to the
// initialized type, so aliases of a new-instance result all see the
// constructor call. It returns the number of registers changed.
func (l *RegisterLine) MarkRefsAsInitialized(v *MethodVerifier, uninit *RegType) int {
	init := v.cache.FromUninitialized(uninit)
	n := 0
	for i, id := range l.regs {
		if id == uninit.id {
			l.regs[i] = init.id
			n++
		}
	}
	if uninit.IsUninitializedThis() {
		l.thisInitialized = true
	}
	return n
}

// MarkUninitRefsAsInvalid kills stale copies of an allocation when the same
// new-instance runs again.
func (l *RegisterLine) MarkUninitRefsAsInvalid(v *MethodVerifier, uninit *RegType) {
	for i, id := range l.regs {
		if id == uninit.id {
			l.regs[i] = v.cache.Conflict().id
			delete(l.lockDepths, uint32(i))
		}
	}
}

// UninitializedRegister returns the first register holding a new-instance
// result that has not been initialized.
func (l *RegisterLine) UninitializedRegister(v *MethodVerifier) (uint32, bool) {
	for i, id := range l.regs {
		if v.cache.Get(id).kind == KindUninitializedRef {
			return uint32(i), true
		}
	}
	return 0, false
}

// CheckConstructorReturn fails a constructor that returns before calling its
// superclass constructor.
func (l *RegisterLine) CheckConstructorReturn(v *MethodVerifier) bool {
	if !l.thisInitialized {
		v.fail(FailBadClassHard, "Constructor returning without calling superclass constructor")
	}
	return l.thisInitialized
}

// GetInvocationThis returns the receiver type of an invoke.
func (l *RegisterLine) GetInvocationThis(v *MethodVerifier, args []uint32) *RegType {
	if len(args) == 0 {
		v.fail(FailBadClassHard, "invoke lacks 'this'")
		return v.cache.Conflict()
	}
	t := l.Get(v, args[0])
	if !t.IsReferenceTypes() {
		v.fail(FailBadClassHard, "tried to get class from non-reference register v%d (type=%s)", args[0], t)
		return v.cache.Conflict()
	}
	return t
}

// ---------------------------------------------------------------------------
// Monitors
// ---------------------------------------------------------------------------

func (l *RegisterLine) PushMonitor(v *MethodVerifier, r, pc uint32) {
	t := l.Get(v, r)
	if !t.IsReferenceTypes() {
		v.fail(FailBadClassHard, "monitor-enter on non-object (%s)", t)
		return
	}
	if len(l.monitors) >= maxMonitorDepth {
		v.fail(FailLocking, "monitor-enter stack overflow while verifying")
		return
	}
	l.lockDepths[r] |= 1 << len(l.monitors)
	l.monitors = append(l.monitors, pc)
}

func (l *RegisterLine) PopMonitor(v *MethodVerifier, r uint32) {
	t := l.Get(v, r)
	if !t.IsReferenceTypes() {
		v.fail(FailBadClassHard, "monitor-exit on non-object (%s)", t)
		return
	}
	if len(l.monitors) == 0 {
		v.fail(FailLocking, "monitor-exit stack underflow while verifying")
		return
	}
	depth := len(l.monitors) - 1
	l.monitors = l.monitors[:depth]
	bit := uint32(1) << depth
	if l.lockDepths[r]&bit == 0 {
		v.fail(FailLocking, "monitor-exit not unlocking the top-most monitor")
		return
	}
	for reg, d := range l.lockDepths {
		if d&bit != 0 {
			if d &^= bit; d == 0 {
				delete(l.lockDepths, reg)
			} else {
				l.lockDepths[reg] = d
			}
		}
	}
}

func (l *RegisterLine) VerifyMonitorStackEmpty(v *MethodVerifier) bool {
	if len(l.monitors) != 0 {
		v.fail(FailLocking, "expected empty monitor stack in %s", v.method.PrettyMethod())
		return false
	}
	return true
}

// ---------------------------------------------------------------------------
// Merge
// ---------------------------------------------------------------------------

// MergeRegisters joins o into l and reports whether l changed.
func (l *RegisterLine) MergeRegisters(v *MethodVerifier, o *RegisterLine) bool {
	changed := false
	for i, id := range l.regs {
		if id == o.regs[i] {
			continue
		}
		a, b := v.cache.Get(id), v.cache.Get(o.regs[i])
		m, unresolved := v.cache.Merge(a, b)
		if unresolved {
			v.fail(FailBadClassSoft, "could not merge unresolved types %s and %s in v%d", a, b, i)
		}
		if m.id != id {
			l.regs[i] = m.id
			changed = true
		}
	}

	if len(l.monitors) != len(o.monitors) {
		v.fail(FailLocking, "mismatched stack depths (depth=%d, incoming depth=%d)", len(l.monitors), len(o.monitors))
	} else if !maps.Equal(l.lockDepths, o.lockDepths) {
		for reg, d := range l.lockDepths {
			if od := o.lockDepths[reg]; od != d {
				v.fail(FailLocking, "mismatched stack depths for register v%d: %d != %d", reg, d, od)
				if d &= od; d == 0 {
					delete(l.lockDepths, reg)
				} else {
					l.lockDepths[reg] = d
				}
				changed = true
			}
		}
		for reg, od := range o.lockDepths {
			if _, ok := l.lockDepths[reg]; !ok {
				v.fail(FailLocking, "mismatched stack depths for register v%d: 0 != %d", reg, od)
			}
		}
	}

	if l.thisInitialized && !o.thisInitialized {
		l.thisInitialized = false
		changed = true
	}
	return changed
}

// Dump renders the line for verifier traces.
func (l *RegisterLine) Dump(v *MethodVerifier) string {
	var b strings.Builder
	for i, id := range l.regs {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "v%d=%s", i, v.cache.Get(id))
		if d := l.lockDepths[uint32(i)]; d != 0 {
			fmt.Fprintf(&b, "{locks=%#x}", d)
		}
	}
	if len(l.monitors) > 0 {
		fmt.Fprintf(&b, " monitors=%v", l.monitors)
	}
	return b.String()
}
