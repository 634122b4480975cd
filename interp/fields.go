package interp

import (
	"errors"

	"github.com/chazu/dexvm/dex"
	"github.com/chazu/dexvm/mirror"
)

// Element and field kinds in the order of the aget/iget/sget families.
const (
	kindInt = iota
	kindWide
	kindObject
	kindBoolean
	kindByte
	kindChar
	kindShort
)

// narrow truncates an int register value to the width of kind and widens it
// back, which is how sub-int values are stored in fields and arrays.
func narrow(kind int, v int32) uint32 {
	switch kind {
	case kindBoolean:
		return uint32(uint8(v))
	case kindByte:
		return uint32(int32(int8(v)))
	case kindChar:
		return uint32(uint16(v))
	case kindShort:
		return uint32(int32(int16(v)))
	}
	return uint32(v)
}

func shortyKind(shorty byte) int {
	switch shorty {
	case 'J', 'D':
		return kindWide
	case 'L', '[':
		return kindObject
	case 'Z':
		return kindBoolean
	case 'B':
		return kindByte
	case 'C':
		return kindChar
	case 'S':
		return kindShort
	}
	return kindInt
}

// ---------------------------------------------------------------------------
// Types
// ---------------------------------------------------------------------------

// resolveClass resolves a type index for const-class, check-cast,
// instance-of and the allocation instructions. On failure an exception is
// pending and it returns nil.
func (in *Interpreter) resolveClass(t *Thread, m *mirror.Method, idx uint32, checks bool) *mirror.Class {
	c, r := in.linker.ResolveType(m.DexFile, idx)
	switch r {
	case mirror.Deferred:
		in.throwResolutionError(t, m.DexFile, idx)
		return nil
	case mirror.Absent:
		in.throwNew(t, mirror.ExcNoClassDefFound, "%s", m.DexFile.TypeDescriptor(idx))
		return nil
	}
	if checks && !mirror.CanAccessClass(m.Class, c) {
		in.throwNew(t, mirror.ExcIllegalAccess, "Illegal class access: '%s' attempting to access '%s'",
			m.Class.PrettyName(), c.PrettyName())
		return nil
	}
	return c
}

// throwResolutionError raises the link error behind a deferred type.
func (in *Interpreter) throwResolutionError(t *Thread, f *dex.File, typeIdx uint32) {
	var le *mirror.LinkError
	if err := in.linker.TypeError(f, typeIdx); errors.As(err, &le) {
		in.throwNew(t, le.Exception, "%s", le.Msg)
		return
	}
	in.throwNew(t, mirror.ExcNoClassDefFound, "%s", f.TypeDescriptor(typeIdx))
}

// ---------------------------------------------------------------------------
// Field access
// ---------------------------------------------------------------------------

// doFieldAccess executes iget*, iput*, sget* and sput*.
func (in *Interpreter) doFieldAccess(t *Thread, sf *ShadowFrame, inst *dex.Instruction, checks bool) {
	rel := int(inst.Opcode - dex.OpIget)
	static := rel >= 14
	put := rel%14 >= 7
	kind := rel % 7
	m := sf.method

	fld, r := in.linker.ResolveField(m.DexFile, inst.Index, static)
	switch r {
	case mirror.Deferred:
		in.throwResolutionError(t, m.DexFile, uint32(m.DexFile.Field(inst.Index).ClassIdx))
		return
	case mirror.Absent:
		in.throwNew(t, mirror.ExcNoSuchField, "No field %s", m.DexFile.PrettyField(inst.Index))
		return
	}
	if fld.IsStatic() != static {
		want := "instance"
		if static {
			want = "static"
		}
		in.throwNew(t, mirror.ExcIncompatibleClassChange, "Expected %s field %s", want, fld)
		return
	}
	if checks {
		if !mirror.CanAccessMember(m.Class, fld.Class, fld.AccessFlags) {
			in.throwNew(t, mirror.ExcIllegalAccess, "Field '%s' is inaccessible to class '%s'", fld, m.Class.PrettyName())
			return
		}
		if put && fld.IsFinal() && fld.Class != m.Class {
			in.throwNew(t, mirror.ExcIllegalAccess, "Final field '%s' cannot be written to by method %s", fld, m.PrettyMethod())
			return
		}
	}

	if static {
		if !in.ensureInitialized(t, fld.Class) {
			return
		}
		c := fld.Class
		switch {
		case put && kind == kindWide:
			c.SetStatic64(fld, uint64(sf.VRegLong(inst.A)))
		case put && kind == kindObject:
			c.SetStaticRef(fld, sf.VRegReference(inst.A))
		case put:
			c.SetStatic32(fld, narrow(kind, sf.VReg(inst.A)))
		case kind == kindWide:
			sf.SetVRegLong(inst.A, int64(c.GetStatic64(fld)))
		case kind == kindObject:
			sf.SetVRegReference(inst.A, c.GetStaticRef(fld))
		default:
			sf.SetVReg(inst.A, int32(c.GetStatic32(fld)))
		}
		return
	}

	obj := sf.VRegReference(inst.B)
	if obj == nil {
		verb := "read from"
		if put {
			verb = "write to"
		}
		in.throwNew(t, mirror.ExcNullPointer, "Attempt to %s field '%s' on a null object reference", verb, fld)
		return
	}
	switch {
	case put && kind == kindWide:
		obj.SetField64(fld, uint64(sf.VRegLong(inst.A)))
	case put && kind == kindObject:
		obj.SetFieldRef(fld, sf.VRegReference(inst.A))
	case put:
		obj.SetField32(fld, narrow(kind, sf.VReg(inst.A)))
	case kind == kindWide:
		sf.SetVRegLong(inst.A, int64(obj.GetField64(fld)))
	case kind == kindObject:
		sf.SetVRegReference(inst.A, obj.GetFieldRef(fld))
	default:
		sf.SetVReg(inst.A, int32(obj.GetField32(fld)))
	}
}

// ---------------------------------------------------------------------------
// Arrays
// ---------------------------------------------------------------------------

// doArrayAccess executes aget* and aput*.
func (in *Interpreter) doArrayAccess(t *Thread, sf *ShadowFrame, inst *dex.Instruction) {
	rel := int(inst.Opcode - dex.OpAget)
	put := rel >= 7
	kind := rel % 7

	arr := sf.VRegReference(inst.B)
	if arr == nil {
		verb := "read from"
		if put {
			verb = "write to"
		}
		in.throwNew(t, mirror.ExcNullPointer, "Attempt to %s null array", verb)
		return
	}
	idx := sf.VReg(inst.C)
	if idx < 0 || idx >= arr.Length() {
		in.throwNew(t, mirror.ExcArrayIndexOutOfBounds, "length=%d; index=%d", arr.Length(), idx)
		return
	}
	switch {
	case put && kind == kindObject:
		v := sf.VRegReference(inst.A)
		if v != nil && !arr.Class.ComponentType.IsAssignableFrom(v.Class) {
			in.throwNew(t, mirror.ExcArrayStore, "%s cannot be stored in an array of type %s",
				v.Class.PrettyName(), arr.Class.PrettyName())
			return
		}
		arr.SetElemRef(idx, v)
	case put && kind == kindWide:
		arr.SetElem(idx, uint64(sf.VRegLong(inst.A)))
	case put:
		arr.SetElem(idx, uint64(narrow(kind, sf.VReg(inst.A))))
	case kind == kindObject:
		sf.SetVRegReference(inst.A, arr.ElemRef(idx))
	case kind == kindWide:
		sf.SetVRegLong(inst.A, int64(arr.Elem(idx)))
	default:
		sf.SetVReg(inst.A, int32(uint32(arr.Elem(idx))))
	}
}

func (in *Interpreter) doNewArray(t *Thread, sf *ShadowFrame, inst *dex.Instruction, checks bool) {
	n := sf.VReg(inst.B)
	if n < 0 {
		in.throwNew(t, mirror.ExcNegativeArraySize, "%d", n)
		return
	}
	c := in.resolveClass(t, sf.method, inst.Index, checks)
	if c == nil {
		return
	}
	sf.SetVRegReference(inst.A, mirror.NewArray(c, n))
}

// doFilledNewArray builds an int or reference array from argument registers
// and leaves it for move-result-object.
func (in *Interpreter) doFilledNewArray(t *Thread, sf *ShadowFrame, inst *dex.Instruction, checks bool) {
	c := in.resolveClass(t, sf.method, inst.Index, checks)
	if c == nil {
		return
	}
	comp := c.ComponentType
	switch {
	case comp == nil:
		in.throwNew(t, mirror.ExcInternal, "filled-new-array of non-array type %s", c.PrettyName())
		return
	case comp.IsPrimitive() && comp.PrimitiveType != 'I':
		in.throwNew(t, mirror.ExcInternal, "Found type %s; filled-new-array not implemented for anything but 'int'", c.PrettyName())
		return
	}
	arr := mirror.NewArray(c, int32(len(inst.Args)))
	for i, r := range inst.Args {
		if comp.IsPrimitive() {
			arr.SetElem(int32(i), uint64(sf.vregs[r]))
		} else {
			arr.SetElemRef(int32(i), sf.VRegReference(r))
		}
	}
	sf.result = mirror.RefValue(arr)
}

func (in *Interpreter) doFillArrayData(t *Thread, sf *ShadowFrame, inst *dex.Instruction) {
	arr := sf.VRegReference(inst.A)
	if arr == nil {
		in.throwNew(t, mirror.ExcNullPointer, "null array in fill-array-data")
		return
	}
	data, err := dex.DecodeArrayData(sf.method.Code.Insns, inst.Target())
	if err != nil {
		in.throwNew(t, mirror.ExcInternal, "%v", err)
		return
	}
	if int64(data.Count) > int64(arr.Length()) {
		in.throwNew(t, mirror.ExcArrayIndexOutOfBounds, "failed FILL_ARRAY_DATA; length=%d, index=%d", arr.Length(), data.Count)
		return
	}
	kind := shortyKind(arr.Class.ComponentType.PrimitiveType)
	for i := uint32(0); i < data.Count; i++ {
		v := data.Element(i)
		if kind == kindWide {
			arr.SetElem(int32(i), uint64(v))
		} else {
			arr.SetElem(int32(i), uint64(narrow(kind, int32(v))))
		}
	}
}

// doNewInstance allocates an instance. new-instance of String yields a
// placeholder that the following String constructor call replaces.
func (in *Interpreter) doNewInstance(t *Thread, sf *ShadowFrame, inst *dex.Instruction, checks bool) {
	c := in.resolveClass(t, sf.method, inst.Index, checks)
	if c == nil {
		return
	}
	if !c.IsInstantiable() {
		in.throwNew(t, mirror.ExcInstantiation, "%s", c.PrettyName())
		return
	}
	if !in.ensureInitialized(t, c) {
		return
	}
	if c == in.linker.StringClass {
		sf.SetVRegReference(inst.A, in.linker.NewString(""))
		return
	}
	sf.SetVRegReference(inst.A, mirror.NewInstance(c))
}
