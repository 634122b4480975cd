package compiler

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/chazu/dexvm/dex"
	"github.com/chazu/dexvm/verifier"
)

// ErrImpreciseLines is returned by BuildCodeInfo for a verifier that only
// kept register lines at branch targets.
var ErrImpreciseLines = errors.New("register lines missing; verify in precise mode")

// nativeBytesPerCodeUnit is the fixed expansion from dex pcs to native pcs
// used by the code layout.
const nativeBytesPerCodeUnit = 4

// ---------------------------------------------------------------------------
// Dex register kinds and locations
// ---------------------------------------------------------------------------

// Half tells the two registers of a 64-bit value apart.
type Half uint8

const (
	HalfLo Half = iota
	HalfHi
)

// VRegKind classifies what a dex register holds at a safepoint. Width and
// floating-ness are separate so a double pair never has to be confused with
// a long pair.
type VRegKind struct {
	Width     uint8 // 1 or 2 registers
	Floating  bool
	Reference bool
	Half      Half
}

func (k VRegKind) IsWide() bool { return k.Width == 2 }

func (k VRegKind) String() string {
	var b strings.Builder
	switch {
	case k.Reference:
		b.WriteString("ref")
	case k.Floating && k.Width == 2:
		b.WriteString("double")
	case k.Floating:
		b.WriteString("float")
	case k.Width == 2:
		b.WriteString("long")
	default:
		b.WriteString("int")
	}
	if k.Width == 2 {
		if k.Half == HalfLo {
			b.WriteString("/lo")
		} else {
			b.WriteString("/hi")
		}
	}
	return b.String()
}

// VRegKindOf maps a verifier type to a register kind. Undefined and
// Conflict registers are dead and report false.
func VRegKindOf(t *verifier.RegType) (VRegKind, bool) {
	switch t.Kind() {
	case verifier.KindUndefined, verifier.KindConflict:
		return VRegKind{}, false
	case verifier.KindFloat:
		return VRegKind{Width: 1, Floating: true}, true
	case verifier.KindLongLo, verifier.KindConstantLo:
		return VRegKind{Width: 2, Half: HalfLo}, true
	case verifier.KindLongHi, verifier.KindConstantHi:
		return VRegKind{Width: 2, Half: HalfHi}, true
	case verifier.KindDoubleLo:
		return VRegKind{Width: 2, Floating: true, Half: HalfLo}, true
	case verifier.KindDoubleHi:
		return VRegKind{Width: 2, Floating: true, Half: HalfHi}, true
	}
	if t.IsNonZeroReferenceTypes() {
		return VRegKind{Width: 1, Reference: true}, true
	}
	return VRegKind{Width: 1}, true
}

// LocationKind says where a compiled frame keeps a dex register.
type LocationKind uint8

const (
	LocationNone LocationKind = iota
	LocationConstant
	LocationRegister
	LocationStack
)

var locationNames = [...]string{"none", "const", "reg", "stack"}

func (k LocationKind) String() string { return locationNames[k] }

// VRegLocation is one dex register's location at a stack map. Value is the
// machine register, the stack slot or the constant, depending on Kind.
type VRegLocation struct {
	Kind  LocationKind
	Value int32
	VReg  VRegKind
}

func (l VRegLocation) String() string {
	if l.Kind == LocationNone {
		return "-"
	}
	return fmt.Sprintf("%s:%d(%s)", l.Kind, l.Value, l.VReg)
}

// StackMap describes a compiled frame at one safepoint.
type StackMap struct {
	DexPC    uint32
	NativePC uint32
	VRegs    []VRegLocation
}

// ---------------------------------------------------------------------------
// CodeInfo
// ---------------------------------------------------------------------------

// CodeInfo is the metadata of one compiled method: frame layout and a
// stack map for every instruction that may invoke or throw.
type CodeInfo struct {
	Method              MethodReference
	NumVRegs            int
	NumMachineRegisters int
	NumStackSlots       int
	StackMaps           []StackMap
}

// StackMapForDexPC returns the stack map at dex pc, or nil.
func (c *CodeInfo) StackMapForDexPC(pc uint32) *StackMap {
	i := sort.Search(len(c.StackMaps), func(i int) bool { return c.StackMaps[i].DexPC >= pc })
	if i < len(c.StackMaps) && c.StackMaps[i].DexPC == pc {
		return &c.StackMaps[i]
	}
	return nil
}

// StackMapForNativePC returns the stack map at native pc, or nil.
func (c *CodeInfo) StackMapForNativePC(npc uint32) *StackMap {
	i := sort.Search(len(c.StackMaps), func(i int) bool { return c.StackMaps[i].NativePC >= npc })
	if i < len(c.StackMaps) && c.StackMaps[i].NativePC == npc {
		return &c.StackMaps[i]
	}
	return nil
}

// NativePCFor returns the native pc of the safepoint at dex pc.
func NativePCFor(dexPC uint32) uint32 { return dexPC * nativeBytesPerCodeUnit }

// LocationOf returns where the frame layout keeps vreg r when it is live
// and not a constant.
func (c *CodeInfo) LocationOf(r int) (LocationKind, int32) {
	if r < c.NumMachineRegisters {
		return LocationRegister, int32(r)
	}
	return LocationStack, int32(r - c.NumMachineRegisters)
}

// BuildCodeInfo derives stack maps from the register lines of a finished
// precise verification. The first numMachineRegs dex registers are placed
// in machine registers and the rest in stack slots; registers the verifier
// proved to hold a single constant are not stored at all.
func BuildCodeInfo(v *verifier.MethodVerifier, numMachineRegs int) (*CodeInfo, error) {
	m := v.Method()
	if m.Code == nil {
		return nil, fmt.Errorf("%s has no code", m.PrettyMethod())
	}
	regs := int(m.Code.RegistersSize)
	info := &CodeInfo{
		Method:              MethodRefOf(m),
		NumVRegs:            regs,
		NumMachineRegisters: min(numMachineRegs, regs),
	}
	info.NumStackSlots = regs - info.NumMachineRegisters

	insns := m.Code.Insns
	for pc := uint32(0); pc < uint32(len(insns)); {
		inst, err := dex.DecodeInstruction(insns, pc)
		if err != nil {
			return nil, fmt.Errorf("%s at %#x: %w", m.PrettyMethod(), pc, err)
		}
		pc = inst.Next()
		if inst.IsPayload() || inst.Opcode.Flags()&(dex.FlagThrow|dex.FlagInvoke) == 0 {
			continue
		}
		if !v.InstructionFlags(inst.PC).IsVisited() {
			continue
		}
		line := v.RegisterLine(inst.PC)
		if line == nil {
			return nil, fmt.Errorf("%s at %#x: %w", m.PrettyMethod(), inst.PC, ErrImpreciseLines)
		}
		sm := StackMap{DexPC: inst.PC, NativePC: NativePCFor(inst.PC), VRegs: make([]VRegLocation, regs)}
		for r := range regs {
			sm.VRegs[r] = info.locate(v, line, r)
		}
		info.StackMaps = append(info.StackMaps, sm)
	}
	return info, nil
}

func (c *CodeInfo) locate(v *verifier.MethodVerifier, line *verifier.RegisterLine, r int) VRegLocation {
	t := line.Get(v, uint32(r))
	kind, live := VRegKindOf(t)
	if !live {
		return VRegLocation{}
	}
	if t.IsPreciseConstant() {
		lo, hi := t.ConstantRange()
		if lo == hi {
			return VRegLocation{Kind: LocationConstant, Value: lo, VReg: kind}
		}
	}
	lk, val := c.LocationOf(r)
	return VRegLocation{Kind: lk, Value: val, VReg: kind}
}

// ---------------------------------------------------------------------------
// CompiledMethod
// ---------------------------------------------------------------------------

// CompiledMethod is the product of compiling one verified method.
type CompiledMethod struct {
	Info     *CodeInfo
	Verified *VerifiedMethod
}
