package verifier

import (
	"fmt"

	"github.com/chazu/dexvm/dex"
	"github.com/chazu/dexvm/mirror"
)

// Kind is the variant of a RegType.
type Kind uint8

const (
	KindUndefined Kind = iota
	KindConflict
	KindBoolean
	KindByte
	KindShort
	KindChar
	KindInteger
	KindFloat
	KindLongLo
	KindLongHi
	KindDoubleLo
	KindDoubleHi
	// KindConstant is an untyped category-1 constant with a value range.
	KindConstant
	// KindConstantLo and KindConstantHi are the halves of a category-2
	// constant.
	KindConstantLo
	KindConstantHi
	KindReference
	KindUninitializedRef
	KindUninitializedThis
)

var kindNames = [...]string{
	"Undefined", "Conflict", "Boolean", "Byte", "Short", "Char", "Integer", "Float",
	"Long (Low Half)", "Long (High Half)", "Double (Low Half)", "Double (High Half)",
	"Constant", "Constant (Low Half)", "Constant (High Half)",
	"Reference", "Uninitialized Reference", "Uninitialized This Reference",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", k)
}

// RegType is the abstract type of one register at one program point. Values
// are interned by a RegTypeCache, so two RegTypes from the same cache are
// equal exactly when their pointers are.
type RegType struct {
	id   uint16
	kind Kind

	// lo and hi bound the value of a constant.
	lo, hi  int32
	precise bool

	descriptor string
	class      *mirror.Class // nil when the descriptor did not resolve
	allocPC    uint32        // new-instance pc of an uninitialized reference
}

func (t *RegType) ID() uint16 { return t.id }
func (t *RegType) Kind() Kind { return t.kind }

// Descriptor returns the type descriptor of a primitive or reference type.
func (t *RegType) Descriptor() string { return t.descriptor }

// Class returns the resolved class of a reference, or nil.
func (t *RegType) Class() *mirror.Class { return t.class }

// AllocationPC returns the new-instance pc of an uninitialized reference.
func (t *RegType) AllocationPC() uint32 { return t.allocPC }

// ConstantRange returns the bounds of a constant.
func (t *RegType) ConstantRange() (lo, hi int32) { return t.lo, t.hi }

func (t *RegType) IsUndefined() bool { return t.kind == KindUndefined }
func (t *RegType) IsConflict() bool  { return t.kind == KindConflict }
func (t *RegType) IsBoolean() bool   { return t.kind == KindBoolean }
func (t *RegType) IsByte() bool      { return t.kind == KindByte }
func (t *RegType) IsShort() bool     { return t.kind == KindShort }
func (t *RegType) IsChar() bool      { return t.kind == KindChar }
func (t *RegType) IsInteger() bool   { return t.kind == KindInteger }
func (t *RegType) IsFloat() bool     { return t.kind == KindFloat }
func (t *RegType) IsLongLo() bool    { return t.kind == KindLongLo }
func (t *RegType) IsDoubleLo() bool  { return t.kind == KindDoubleLo }
func (t *RegType) IsConstant() bool  { return t.kind == KindConstant }

func (t *RegType) IsPreciseConstant() bool {
	return (t.kind == KindConstant || t.kind == KindConstantLo || t.kind == KindConstantHi) && t.precise
}

// IsPrecise reports precise constants and references whose runtime class is
// known exactly.
func (t *RegType) IsPrecise() bool { return t.precise }

// IsZero reports the null/zero constant.
func (t *RegType) IsZero() bool { return t.kind == KindConstant && t.lo == 0 && t.hi == 0 }

// IsPrimitive reports the typed primitive kinds, constants excluded.
func (t *RegType) IsPrimitive() bool { return t.kind >= KindBoolean && t.kind <= KindDoubleHi }

// IsCategory1Types reports values that fit in one register and are not
// references.
func (t *RegType) IsCategory1Types() bool {
	return (t.kind >= KindBoolean && t.kind <= KindFloat) || t.kind == KindConstant
}

// IsLowHalf reports the first register of a wide value.
func (t *RegType) IsLowHalf() bool {
	return t.kind == KindLongLo || t.kind == KindDoubleLo || t.kind == KindConstantLo
}

func (t *RegType) IsHighHalf() bool {
	return t.kind == KindLongHi || t.kind == KindDoubleHi || t.kind == KindConstantHi
}

// CheckWidePair reports whether hi is the matching upper half of t.
func (t *RegType) CheckWidePair(hi *RegType) bool {
	switch t.kind {
	case KindLongLo:
		return hi.kind == KindLongHi || hi.kind == KindConstantHi
	case KindDoubleLo:
		return hi.kind == KindDoubleHi || hi.kind == KindConstantHi
	case KindConstantLo:
		return hi.kind == KindConstantHi || hi.kind == KindLongHi || hi.kind == KindDoubleHi
	}
	return false
}

func (t *RegType) IsReference() bool { return t.kind == KindReference }

// IsReferenceTypes reports anything that may be held as an object reference,
// including null and uninitialized references.
func (t *RegType) IsReferenceTypes() bool {
	return t.kind == KindReference || t.IsUninitializedTypes() || t.IsZero()
}

// IsNonZeroReferenceTypes excludes null.
func (t *RegType) IsNonZeroReferenceTypes() bool {
	return t.kind == KindReference || t.IsUninitializedTypes()
}

func (t *RegType) IsUninitializedTypes() bool {
	return t.kind == KindUninitializedRef || t.kind == KindUninitializedThis
}

func (t *RegType) IsUninitializedThis() bool { return t.kind == KindUninitializedThis }

// IsUnresolvedTypes reports references whose class could not be loaded.
func (t *RegType) IsUnresolvedTypes() bool {
	return (t.kind == KindReference || t.IsUninitializedTypes()) && t.class == nil
}

func (t *RegType) IsJavaLangObject() bool {
	return t.kind == KindReference && t.descriptor == mirror.DescObject
}

func (t *RegType) IsArrayTypes() bool {
	return t.kind == KindReference && dex.IsArrayDescriptor(t.descriptor)
}

// IsInstantiableTypes reports references new-instance may allocate.
// Unresolved classes are assumed instantiable.
func (t *RegType) IsInstantiableTypes() bool {
	if t.kind != KindReference {
		return false
	}
	return t.class == nil || t.class.IsInstantiable()
}

// fits reports whether every value of t belongs to the integral type k.
func (t *RegType) fits(k Kind) bool {
	if t.kind == KindConstant {
		lo, hi := integralBounds(k)
		return t.lo >= lo && t.hi <= hi
	}
	switch k {
	case KindBoolean:
		return t.kind == KindBoolean
	case KindByte:
		return t.kind == KindBoolean || t.kind == KindByte
	case KindShort:
		return t.kind == KindBoolean || t.kind == KindByte || t.kind == KindShort
	case KindChar:
		return t.kind == KindBoolean || t.kind == KindChar
	case KindInteger:
		return t.IsIntegralTypes()
	}
	return false
}

func integralBounds(k Kind) (int32, int32) {
	switch k {
	case KindBoolean:
		return 0, 1
	case KindByte:
		return -128, 127
	case KindShort:
		return -32768, 32767
	case KindChar:
		return 0, 65535
	}
	return -1 << 31, 1<<31 - 1
}

// IsIntegralTypes reports int-like values: boolean, byte, short, char, int
// and category-1 constants.
func (t *RegType) IsIntegralTypes() bool {
	return (t.kind >= KindBoolean && t.kind <= KindInteger) || t.kind == KindConstant
}

func (t *RegType) IsBooleanTypes() bool    { return t.fits(KindBoolean) }
func (t *RegType) IsArrayIndexTypes() bool { return t.IsIntegralTypes() }
func (t *RegType) IsFloatTypes() bool      { return t.kind == KindFloat || t.kind == KindConstant }
func (t *RegType) IsLongTypes() bool       { return t.kind == KindLongLo || t.kind == KindConstantLo }
func (t *RegType) IsDoubleTypes() bool     { return t.kind == KindDoubleLo || t.kind == KindConstantLo }

func (t *RegType) String() string {
	switch t.kind {
	case KindConstant:
		return constantString("Constant", t)
	case KindConstantLo:
		return constantString("Low-half Constant", t)
	case KindConstantHi:
		return constantString("High-half Constant", t)
	case KindReference:
		prefix := "Reference"
		if t.class == nil {
			prefix = "Unresolved Reference"
		} else if t.precise {
			prefix = "Precise Reference"
		}
		return prefix + ": " + dex.PrettyDescriptor(t.descriptor)
	case KindUninitializedRef:
		return fmt.Sprintf("Uninitialized Reference: %s Allocation PC: %d", dex.PrettyDescriptor(t.descriptor), t.allocPC)
	case KindUninitializedThis:
		return "Uninitialized This Reference: " + dex.PrettyDescriptor(t.descriptor)
	}
	return t.kind.String()
}

func constantString(name string, t *RegType) string {
	if t.IsZero() {
		return "Zero/null"
	}
	p := "Imprecise"
	if t.precise {
		p = "Precise"
	}
	if t.lo == t.hi {
		return fmt.Sprintf("%s %s: %d", p, name, t.lo)
	}
	return fmt.Sprintf("%s %s: %d..%d", p, name, t.lo, t.hi)
}
