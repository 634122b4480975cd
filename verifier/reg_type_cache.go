package verifier

import (
	"github.com/chazu/dexvm/dex"
	"github.com/chazu/dexvm/mirror"
)

// Resolver is the class-loading collaborator the verifier consults.
// *mirror.ClassLinker implements it.
type Resolver interface {
	FindClass(descriptor string) (*mirror.Class, error)
	ResolveType(f *dex.File, typeIdx uint32) (*mirror.Class, mirror.Resolution)
	ResolveField(f *dex.File, fieldIdx uint32, static bool) (*mirror.Field, mirror.Resolution)
	ResolveMethod(f *dex.File, methodIdx uint32, kind mirror.InvokeKind) (*mirror.Method, mirror.Resolution)
	CommonSuperClass(a, b *mirror.Class) *mirror.Class
}

type regKey struct {
	kind       Kind
	lo, hi     int32
	precise    bool
	descriptor string
	allocPC    uint32
}

// RegTypeCache interns RegTypes for one verification. Register lines store
// the 16-bit ids it hands out. A cache is confined to a single verifier.
type RegTypeCache struct {
	resolver Resolver
	entries  []*RegType
	index    map[regKey]uint16
	classes  map[string]*mirror.Class
}

var primitiveKinds = []struct {
	kind Kind
	desc string
}{
	{KindUndefined, ""}, {KindConflict, ""},
	{KindBoolean, "Z"}, {KindByte, "B"}, {KindShort, "S"}, {KindChar, "C"},
	{KindInteger, "I"}, {KindFloat, "F"},
	{KindLongLo, "J"}, {KindLongHi, "J"}, {KindDoubleLo, "D"}, {KindDoubleHi, "D"},
}

// NewRegTypeCache creates a cache whose first entries are the fixed
// primitive types, so their ids equal their Kind.
func NewRegTypeCache(r Resolver) *RegTypeCache {
	c := &RegTypeCache{resolver: r, index: make(map[regKey]uint16), classes: make(map[string]*mirror.Class)}
	for _, p := range primitiveKinds {
		c.intern(regKey{kind: p.kind, descriptor: p.desc, precise: true}, nil)
	}
	return c
}

func (c *RegTypeCache) intern(k regKey, class *mirror.Class) *RegType {
	if id, ok := c.index[k]; ok {
		return c.entries[id]
	}
	t := &RegType{
		id: uint16(len(c.entries)), kind: k.kind, lo: k.lo, hi: k.hi, precise: k.precise,
		descriptor: k.descriptor, class: class, allocPC: k.allocPC,
	}
	c.entries = append(c.entries, t)
	c.index[k] = t.id
	return t
}

// Get returns the type with the given id.
func (c *RegTypeCache) Get(id uint16) *RegType { return c.entries[id] }

// Len returns the number of interned types.
func (c *RegTypeCache) Len() int { return len(c.entries) }

func (c *RegTypeCache) Undefined() *RegType { return c.entries[KindUndefined] }
func (c *RegTypeCache) Conflict() *RegType  { return c.entries[KindConflict] }
func (c *RegTypeCache) Boolean() *RegType   { return c.entries[KindBoolean] }
func (c *RegTypeCache) Byte() *RegType      { return c.entries[KindByte] }
func (c *RegTypeCache) Short() *RegType     { return c.entries[KindShort] }
func (c *RegTypeCache) Char() *RegType      { return c.entries[KindChar] }
func (c *RegTypeCache) Integer() *RegType   { return c.entries[KindInteger] }
func (c *RegTypeCache) Float() *RegType     { return c.entries[KindFloat] }
func (c *RegTypeCache) LongLo() *RegType    { return c.entries[KindLongLo] }
func (c *RegTypeCache) LongHi() *RegType    { return c.entries[KindLongHi] }
func (c *RegTypeCache) DoubleLo() *RegType  { return c.entries[KindDoubleLo] }
func (c *RegTypeCache) DoubleHi() *RegType  { return c.entries[KindDoubleHi] }

// HighHalf returns the upper register type matching a low half.
func (c *RegTypeCache) HighHalf(lo *RegType) *RegType {
	switch lo.kind {
	case KindLongLo:
		return c.LongHi()
	case KindDoubleLo:
		return c.DoubleHi()
	case KindConstantLo:
		return c.ConstantHi(0, false)
	}
	return c.Conflict()
}

// ---------------------------------------------------------------------------
// Constants
// ---------------------------------------------------------------------------

// Constant returns a category-1 constant covering [lo, hi].
func (c *RegTypeCache) Constant(lo, hi int32, precise bool) *RegType {
	return c.intern(regKey{kind: KindConstant, lo: lo, hi: hi, precise: precise}, nil)
}

// FromConstant returns the constant type of a single value.
func (c *RegTypeCache) FromConstant(v int32, precise bool) *RegType {
	return c.Constant(v, v, precise)
}

// Zero is the precise constant 0, which also stands for null.
func (c *RegTypeCache) Zero() *RegType { return c.FromConstant(0, true) }

func (c *RegTypeCache) ConstantLo(v int32, precise bool) *RegType {
	return c.intern(regKey{kind: KindConstantLo, lo: v, hi: v, precise: precise}, nil)
}

func (c *RegTypeCache) ConstantHi(v int32, precise bool) *RegType {
	return c.intern(regKey{kind: KindConstantHi, lo: v, hi: v, precise: precise}, nil)
}

func (c *RegTypeCache) constantRange(kind Kind, lo, hi int32) *RegType {
	return c.intern(regKey{kind: kind, lo: lo, hi: hi}, nil)
}

// Imprecise returns the imprecise version of a constant, which is what a
// precise constant becomes once it has been used as a typed value.
func (c *RegTypeCache) Imprecise(t *RegType) *RegType {
	switch t.kind {
	case KindConstant, KindConstantLo, KindConstantHi:
		return c.constantRange(t.kind, t.lo, t.hi)
	case KindReference:
		return c.reference(t.descriptor, t.class, false)
	}
	return t
}

// ---------------------------------------------------------------------------
// References
// ---------------------------------------------------------------------------

func (c *RegTypeCache) reference(desc string, class *mirror.Class, precise bool) *RegType {
	return c.intern(regKey{kind: KindReference, descriptor: desc, precise: precise}, class)
}

func (c *RegTypeCache) lookupClass(desc string) *mirror.Class {
	if k, ok := c.classes[desc]; ok {
		return k
	}
	k, err := c.resolver.FindClass(desc)
	if err != nil {
		k = nil
	}
	c.classes[desc] = k
	return k
}

// mustBePrecise reports classes no other class can be assigned to.
func mustBePrecise(k *mirror.Class) bool {
	if k == nil {
		return false
	}
	if k.IsArray() {
		return k.ComponentType.IsPrimitive() || mustBePrecise(k.ComponentType)
	}
	return k.IsFinal()
}

// FromDescriptor returns the type for a field, parameter or return
// descriptor. 'V' and malformed descriptors yield Conflict.
func (c *RegTypeCache) FromDescriptor(desc string, precise bool) *RegType {
	if len(desc) == 1 {
		switch desc[0] {
		case 'Z':
			return c.Boolean()
		case 'B':
			return c.Byte()
		case 'S':
			return c.Short()
		case 'C':
			return c.Char()
		case 'I':
			return c.Integer()
		case 'F':
			return c.Float()
		case 'J':
			return c.LongLo()
		case 'D':
			return c.DoubleLo()
		}
		return c.Conflict()
	}
	if !dex.IsValidDescriptor(desc, false) {
		return c.Conflict()
	}
	k := c.lookupClass(desc)
	return c.reference(desc, k, k != nil && (precise || mustBePrecise(k)))
}

// FromClass returns the reference type of a loaded class.
func (c *RegTypeCache) FromClass(k *mirror.Class, precise bool) *RegType {
	if k.IsPrimitive() {
		return c.FromDescriptor(k.Descriptor, true)
	}
	c.classes[k.Descriptor] = k
	return c.reference(k.Descriptor, k, precise || mustBePrecise(k))
}

func (c *RegTypeCache) JavaLangObject(precise bool) *RegType {
	return c.FromDescriptor(mirror.DescObject, precise)
}

func (c *RegTypeCache) JavaLangString() *RegType { return c.FromDescriptor(mirror.DescString, true) }
func (c *RegTypeCache) JavaLangClass() *RegType  { return c.FromDescriptor(mirror.DescClass, true) }

func (c *RegTypeCache) JavaLangThrowable(precise bool) *RegType {
	return c.FromDescriptor(mirror.DescThrowable, precise)
}

// Uninitialized returns the type new-instance at pc produces for t.
func (c *RegTypeCache) Uninitialized(t *RegType, pc uint32) *RegType {
	return c.intern(regKey{kind: KindUninitializedRef, descriptor: t.descriptor, allocPC: pc}, t.class)
}

// UninitializedThis returns the type of "this" in a constructor of t.
func (c *RegTypeCache) UninitializedThis(t *RegType) *RegType {
	return c.intern(regKey{kind: KindUninitializedThis, descriptor: t.descriptor}, t.class)
}

// FromUninitialized returns the type an uninitialized reference has once
// its constructor has run. A new-instance result has an exact class.
func (c *RegTypeCache) FromUninitialized(u *RegType) *RegType {
	switch u.kind {
	case KindUninitializedRef:
		return c.reference(u.descriptor, u.class, u.class != nil)
	case KindUninitializedThis:
		return c.reference(u.descriptor, u.class, mustBePrecise(u.class))
	}
	return u
}

// ComponentType returns the element type of an array type.
func (c *RegTypeCache) ComponentType(array *RegType) *RegType {
	if !array.IsArrayTypes() {
		return c.Conflict()
	}
	return c.FromDescriptor(dex.ComponentDescriptor(array.descriptor), false)
}

// ---------------------------------------------------------------------------
// Merge
// ---------------------------------------------------------------------------

// integralOrder lists the integral types from narrowest to widest; a merge of
// two integral values yields the first one that holds both.
var integralOrder = []Kind{KindBoolean, KindByte, KindShort, KindChar, KindInteger}

// Merge joins two types at a control-flow merge point. It is symmetric and
// Conflict is absorbing. unresolved is set when two references could not be
// joined because a class is missing.
func (c *RegTypeCache) Merge(a, b *RegType) (merged *RegType, unresolved bool) {
	if a == b {
		return a, false
	}
	if a.IsConflict() || b.IsConflict() || a.IsUndefined() || b.IsUndefined() {
		return c.Conflict(), false
	}

	switch {
	case a.kind == KindConstant && b.kind == KindConstant:
		return c.constantRange(KindConstant, min(a.lo, b.lo), max(a.hi, b.hi)), false
	case a.kind == KindConstantLo && b.kind == KindConstantLo,
		a.kind == KindConstantHi && b.kind == KindConstantHi:
		return c.constantRange(a.kind, min(a.lo, b.lo), max(a.hi, b.hi)), false
	}

	if a.IsIntegralTypes() && b.IsIntegralTypes() {
		for _, k := range integralOrder {
			if a.fits(k) && b.fits(k) {
				return c.entries[k], false
			}
		}
	}
	if t, ok := mergeTypedConstant(a, b); ok {
		return t, false
	}
	if t, ok := mergeTypedConstant(b, a); ok {
		return t, false
	}

	if !a.IsReferenceTypes() || !b.IsReferenceTypes() {
		return c.Conflict(), false
	}
	if a.IsUninitializedTypes() || b.IsUninitializedTypes() {
		return c.Conflict(), false
	}
	switch {
	case a.IsZero():
		return b, false
	case b.IsZero():
		return a, false
	case a.descriptor == b.descriptor:
		return c.reference(a.descriptor, a.class, false), false
	case a.class != nil && b.class != nil:
		if k := c.resolver.CommonSuperClass(a.class, b.class); k != nil {
			return c.FromClass(k, false), false
		}
		return c.Conflict(), false
	case a.IsJavaLangObject():
		return c.Imprecise(a), false
	case b.IsJavaLangObject():
		return c.Imprecise(b), false
	}
	return c.Conflict(), true
}

// mergeTypedConstant merges an untyped constant with a float or a wide half.
func mergeTypedConstant(k, t *RegType) (*RegType, bool) {
	switch {
	case k.kind == KindConstant && t.kind == KindFloat:
		return t, true
	case k.kind == KindConstantLo && (t.kind == KindLongLo || t.kind == KindDoubleLo):
		return t, true
	case k.kind == KindConstantHi && (t.kind == KindLongHi || t.kind == KindDoubleHi):
		return t, true
	}
	return nil, false
}

// ---------------------------------------------------------------------------
// Assignability
// ---------------------------------------------------------------------------

// IsAssignableFrom reports whether a value of type src may be used where dst
// is expected. Interfaces are treated like java.lang.Object, leaving the
// check to the runtime.
func (c *RegTypeCache) IsAssignableFrom(dst, src *RegType) bool {
	return c.assignable(dst, src, false)
}

// IsStrictlyAssignableFrom is IsAssignableFrom without the interface
// leniency. It decides whether a check-cast can be elided.
func (c *RegTypeCache) IsStrictlyAssignableFrom(dst, src *RegType) bool {
	return c.assignable(dst, src, true)
}

func (c *RegTypeCache) assignable(dst, src *RegType, strict bool) bool {
	if dst == src {
		return true
	}
	switch dst.kind {
	case KindBoolean, KindByte, KindShort, KindChar, KindInteger:
		return src.fits(dst.kind)
	case KindFloat:
		return src.IsFloatTypes()
	case KindLongLo:
		return src.IsLongTypes()
	case KindDoubleLo:
		return src.IsDoubleTypes()
	case KindReference:
		if src.IsZero() {
			return true
		}
		if src.kind != KindReference {
			return false
		}
		if dst.IsJavaLangObject() || dst.descriptor == src.descriptor {
			return true
		}
		if dst.class == nil || src.class == nil {
			return false
		}
		if !strict && dst.class.IsInterface() {
			return true
		}
		return dst.class.IsAssignableFrom(src.class)
	}
	return false
}
