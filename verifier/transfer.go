package verifier

import (
	"github.com/chazu/dexvm/dex"
	"github.com/chazu/dexvm/mirror"
)

// accessKinds is the operand type of the aget/aput/iget/iput/sget/sput
// variants, in opcode order.
var accessKinds = [...]Kind{KindInteger, KindLongLo, KindReference, KindBoolean, KindByte, KindChar, KindShort}

// unaryKinds lists {result, operand} for neg-int through int-to-short.
var unaryKinds = [...][2]Kind{
	{KindInteger, KindInteger}, {KindInteger, KindInteger},
	{KindLongLo, KindLongLo}, {KindLongLo, KindLongLo},
	{KindFloat, KindFloat}, {KindDoubleLo, KindDoubleLo},
	{KindLongLo, KindInteger}, {KindFloat, KindInteger}, {KindDoubleLo, KindInteger},
	{KindInteger, KindLongLo}, {KindFloat, KindLongLo}, {KindDoubleLo, KindLongLo},
	{KindInteger, KindFloat}, {KindLongLo, KindFloat}, {KindDoubleLo, KindFloat},
	{KindInteger, KindDoubleLo}, {KindLongLo, KindDoubleLo}, {KindFloat, KindDoubleLo},
	{KindByte, KindInteger}, {KindChar, KindInteger}, {KindShort, KindInteger},
}

// Positions within a binary-operation family.
const (
	binAnd  = 5
	binXor  = 7
	binShl  = 8
	binUshr = 10
)

func (v *MethodVerifier) typeOfKind(k Kind, object bool) *RegType {
	if object {
		return v.cache.JavaLangObject(false)
	}
	return v.cache.Get(uint16(k))
}

// transfer applies the effect of one instruction to the work line.
func (v *MethodVerifier) transfer(inst *dex.Instruction) {
	w, c := v.work, v.cache
	op := inst.Opcode
	switch {
	case op >= dex.OpAget && op <= dex.OpAgetShort:
		k := accessKinds[op-dex.OpAget]
		v.verifyAGet(inst, v.typeOfKind(k, k == KindReference), k != KindReference)
		return
	case op >= dex.OpAput && op <= dex.OpAputShort:
		k := accessKinds[op-dex.OpAput]
		v.verifyAPut(inst, v.typeOfKind(k, k == KindReference), k != KindReference)
		return
	case op >= dex.OpIget && op <= dex.OpSputShort:
		rel := int(op - dex.OpIget)
		k := accessKinds[rel%7]
		v.verifyFieldAccess(inst, v.typeOfKind(k, k == KindReference), k != KindReference, rel >= 14, rel%14 >= 7)
		return
	case op >= dex.OpNegInt && op <= dex.OpIntToShort:
		ks := unaryKinds[op-dex.OpNegInt]
		v.checkUnaryOp(inst.A, inst.B, ks[0], ks[1])
		return
	case op >= dex.OpAddInt && op <= dex.OpRemDouble:
		v.checkBinaryFamily(int(op-dex.OpAddInt), inst.A, inst.B, inst.C)
		return
	case op >= dex.OpAddInt2Addr && op <= dex.OpRemDouble2Addr:
		v.checkBinaryFamily(int(op-dex.OpAddInt2Addr), inst.A, inst.A, inst.B)
		return
	case op >= dex.OpAddIntLit16 && op <= dex.OpXorIntLit16:
		rel := int(op - dex.OpAddIntLit16)
		v.checkLiteralOp(inst, rel >= binAnd && rel <= binXor)
		return
	case op >= dex.OpAddIntLit8 && op <= dex.OpUshrIntLit8:
		rel := int(op - dex.OpAddIntLit8)
		v.checkLiteralOp(inst, rel >= binAnd && rel <= binXor)
		return
	}

	switch op {
	case dex.OpNop, dex.OpGoto, dex.OpGoto16, dex.OpGoto32:

	case dex.OpMove, dex.OpMoveFrom16, dex.OpMove16:
		w.CopyRegister1(v, inst.A, inst.B, catNonRef)
	case dex.OpMoveWide, dex.OpMoveWideFrom16, dex.OpMoveWide16:
		w.CopyRegister2(v, inst.A, inst.B)
	case dex.OpMoveObject, dex.OpMoveObjectFrom16, dex.OpMoveObject16:
		w.CopyRegister1(v, inst.A, inst.B, catRef)
	case dex.OpMoveResult:
		w.CopyResultRegister1(v, inst.A, false)
	case dex.OpMoveResultWide:
		w.CopyResultRegister2(v, inst.A)
	case dex.OpMoveResultObject:
		w.CopyResultRegister1(v, inst.A, true)
	case dex.OpMoveException:
		if t := v.caughtExceptionType(); !t.IsConflict() {
			w.SetRegisterType(v, inst.A, t)
		}

	case dex.OpReturnVoid:
		if !v.method.IsConstructor() || w.CheckConstructorReturn(v) {
			if v.method.Return != "V" {
				v.fail(FailBadClassHard, "return-void not expected")
			}
		}
	case dex.OpReturn:
		v.verifyReturn(inst.A)
	case dex.OpReturnWide:
		if !v.returnType.IsLowHalf() {
			v.fail(FailBadClassHard, "return-wide not expected")
		} else {
			w.VerifyRegisterTypeWide(v, inst.A, v.returnType)
		}
	case dex.OpReturnObject:
		v.verifyReturnObject(inst.A)

	case dex.OpConst4, dex.OpConst16, dex.OpConst, dex.OpConstHigh16:
		w.SetRegisterType(v, inst.A, c.FromConstant(int32(inst.Literal), true))
	case dex.OpConstWide16, dex.OpConstWide32, dex.OpConstWide, dex.OpConstWideHigh16:
		val := inst.Literal
		w.SetRegisterTypeWide(v, inst.A, c.ConstantLo(int32(uint32(val)), true), c.ConstantHi(int32(val>>32), true))
	case dex.OpConstString, dex.OpConstStringJumbo:
		w.SetRegisterType(v, inst.A, c.JavaLangString())
	case dex.OpConstClass:
		t := v.resolveClass(inst.Index)
		if !t.IsConflict() {
			t = c.JavaLangClass()
		}
		w.SetRegisterType(v, inst.A, t)
	case dex.OpConstMethodHandle:
		v.fail(FailForceInterpreter, "const-method-handle is not verified")
		w.SetRegisterType(v, inst.A, c.FromDescriptor("Ljava/lang/invoke/MethodHandle;", true))
	case dex.OpConstMethodType:
		v.fail(FailForceInterpreter, "const-method-type is not verified")
		w.SetRegisterType(v, inst.A, c.FromDescriptor("Ljava/lang/invoke/MethodType;", true))

	case dex.OpMonitorEnter:
		w.PushMonitor(v, inst.A, inst.PC)
	case dex.OpMonitorExit:
		w.PopMonitor(v, inst.A)

	case dex.OpCheckCast:
		v.verifyCheckCast(inst, true)
	case dex.OpInstanceOf:
		v.verifyCheckCast(inst, false)
	case dex.OpArrayLength:
		t := w.Get(v, inst.B)
		if !t.IsReferenceTypes() || (!t.IsArrayTypes() && !t.IsZero()) {
			v.fail(FailBadClassHard, "array-length on non-array %s", t)
			return
		}
		w.SetRegisterType(v, inst.A, c.Integer())
	case dex.OpNewInstance:
		v.verifyNewInstance(inst)
	case dex.OpNewArray:
		v.verifyNewArray(inst, false)
	case dex.OpFilledNewArray, dex.OpFilledNewArrayRange:
		v.verifyNewArray(inst, true)
	case dex.OpFillArrayData:
		v.verifyFillArrayData(inst)
	case dex.OpThrow:
		v.verifyThrow(inst.A)

	case dex.OpPackedSwitch, dex.OpSparseSwitch:
		w.VerifyRegisterType(v, inst.A, c.Integer())
	case dex.OpCmplFloat, dex.OpCmpgFloat:
		v.checkBinaryOp(inst.A, inst.B, inst.C, KindInteger, KindFloat, KindFloat, false)
	case dex.OpCmplDouble, dex.OpCmpgDouble:
		v.checkBinaryOp(inst.A, inst.B, inst.C, KindInteger, KindDoubleLo, KindDoubleLo, false)
	case dex.OpCmpLong:
		v.checkBinaryOp(inst.A, inst.B, inst.C, KindInteger, KindLongLo, KindLongLo, false)

	case dex.OpIfEq, dex.OpIfNe:
		a, b := w.Get(v, inst.A), w.Get(v, inst.B)
		var mismatch bool
		switch {
		case a.IsZero():
			mismatch = !b.IsReferenceTypes() && !b.IsIntegralTypes()
		case a.IsReferenceTypes():
			mismatch = !b.IsReferenceTypes()
		default:
			mismatch = !a.IsIntegralTypes() || !b.IsIntegralTypes()
		}
		if mismatch {
			v.fail(FailBadClassHard, "args to if-eq/if-ne (%s,%s) must both be references or integral", a, b)
		}
	case dex.OpIfLt, dex.OpIfGe, dex.OpIfGt, dex.OpIfLe:
		a, b := w.Get(v, inst.A), w.Get(v, inst.B)
		if !a.IsIntegralTypes() || !b.IsIntegralTypes() {
			v.fail(FailBadClassHard, "args to 'if' (%s,%s) must be integral", a, b)
		}
	case dex.OpIfEqz, dex.OpIfNez:
		if a := w.Get(v, inst.A); !a.IsReferenceTypes() && !a.IsIntegralTypes() {
			v.fail(FailBadClassHard, "type %s unexpected as arg to if-eqz/if-nez", a)
		}
	case dex.OpIfLtz, dex.OpIfGez, dex.OpIfGtz, dex.OpIfLez:
		if a := w.Get(v, inst.A); !a.IsIntegralTypes() {
			v.fail(FailBadClassHard, "type %s unexpected as arg to if-ltz/if-gez/if-gtz/if-lez", a)
		}

	case dex.OpInvokePolymorphic, dex.OpInvokePolymorphicRange:
		v.fail(FailForceInterpreter, "invoke-polymorphic is not verified")
		w.SetResultRegisterType(v, v.cache.FromDescriptor(v.dexFile.ProtoReturnDescriptor(inst.H), false))
	case dex.OpInvokeCustom, dex.OpInvokeCustomRange:
		v.fail(FailForceInterpreter, "invoke-custom is not verified")
		w.SetResultRegisterType(v, c.Conflict())

	default:
		if op.IsInvoke() {
			v.verifyInvoke(inst)
			return
		}
		v.fail(FailBadClassHard, "unexpected opcode %s", op)
	}
}

// ---------------------------------------------------------------------------
// Class resolution
// ---------------------------------------------------------------------------

// resolveClass resolves a type index from the method's dex file. Missing
// classes yield an unresolved reference; malformed descriptors yield
// Conflict.
func (v *MethodVerifier) resolveClass(typeIdx uint32) *RegType {
	k, res := v.resolver.ResolveType(v.dexFile, typeIdx)
	desc := v.dexFile.TypeDescriptor(typeIdx)
	var t *RegType
	switch res {
	case mirror.Resolved:
		t = v.cache.FromClass(k, false)
	case mirror.Deferred:
		t = v.cache.FromDescriptor(desc, false)
	default:
		v.fail(FailBadClassHard, "bad type descriptor '%s'", desc)
		return v.cache.Conflict()
	}
	if t.IsReference() && t.class != nil && !mirror.CanAccessClass(v.method.Class, t.class) {
		v.fail(FailAccessClass, "(possibly) illegal class access: '%s' -> '%s'", v.declaring, t)
	}
	return t
}

func (v *MethodVerifier) caughtExceptionType() *RegType {
	c := v.cache
	throwable := c.JavaLangThrowable(false)
	var common *RegType
	add := func(t *RegType) {
		if common == nil {
			common = t
			return
		}
		common, _ = c.Merge(common, t)
	}
	for _, h := range v.code.Handlers {
		for _, e := range h.Entries {
			if e.Addr != v.pc {
				continue
			}
			exc := v.resolveClass(e.TypeIdx)
			switch {
			case exc.IsConflict():
				return exc
			case exc.IsUnresolvedTypes():
				add(throwable)
			case !c.IsAssignableFrom(throwable, exc):
				v.fail(FailNoClass, "unexpected non-exception class %s", exc)
				return c.Conflict()
			default:
				add(exc)
			}
		}
		if h.HasCatchAll && h.CatchAllAddr == v.pc {
			add(throwable)
		}
	}
	if common == nil {
		v.fail(FailBadClassHard, "unable to find exception handler")
		return c.Conflict()
	}
	return common
}

// ---------------------------------------------------------------------------
// Returns
// ---------------------------------------------------------------------------

func (v *MethodVerifier) verifyReturn(r uint32) {
	if v.method.IsConstructor() && !v.work.CheckConstructorReturn(v) {
		return
	}
	rt := v.returnType
	if !rt.IsCategory1Types() {
		v.fail(FailBadClassHard, "unexpected non-category 1 return type %s", rt)
		return
	}
	// Compilers return bytes for booleans and ints for any narrower type.
	src := v.work.Get(v, r)
	useSrc := (rt.IsBoolean() && src.IsByte()) ||
		((rt.IsBoolean() || rt.IsByte() || rt.IsShort() || rt.IsChar()) && src.IsInteger())
	check := rt
	if useSrc {
		check = src
	}
	v.work.VerifyRegisterType(v, r, check)
}

func (v *MethodVerifier) verifyReturnObject(r uint32) {
	if v.method.IsConstructor() && !v.work.CheckConstructorReturn(v) {
		return
	}
	rt := v.returnType
	if !rt.IsReferenceTypes() {
		v.fail(FailBadClassHard, "method returns a reference type but is declared %s", rt)
		return
	}
	t := v.work.Get(v, r)
	switch {
	case t.IsUninitializedTypes():
		v.fail(FailBadClassHard, "returning uninitialized object '%s'", t)
	case !t.IsReferenceTypes():
		v.fail(FailBadClassHard, "return-object returns a non-reference type %s", t)
	case !v.cache.IsAssignableFrom(rt, t):
		if t.IsUnresolvedTypes() || rt.IsUnresolvedTypes() {
			v.fail(FailNoClass, "can't resolve returned type '%s' or '%s'", rt, t)
		} else {
			v.fail(FailBadClassSoft, "returning '%s', but expected from declaration '%s'", t, rt)
		}
	}
}

// ---------------------------------------------------------------------------
// Objects and arrays
// ---------------------------------------------------------------------------

func (v *MethodVerifier) verifyCheckCast(inst *dex.Instruction, isCheckCast bool) {
	w, c := v.work, v.cache
	name, src := "instance-of", inst.B
	if isCheckCast {
		name, src = "check-cast", inst.A
	}
	res := v.resolveClass(inst.Index)
	if res.IsConflict() {
		if !isCheckCast {
			w.SetRegisterType(v, inst.A, c.Boolean())
		}
		return
	}
	if !res.IsNonZeroReferenceTypes() {
		v.fail(FailBadClassHard, "%s on unexpected class %s", name, res)
		return
	}
	orig := w.Get(v, src)
	switch {
	case !orig.IsReferenceTypes():
		v.fail(FailBadClassHard, "%s on non-reference in v%d", name, src)
		return
	case orig.IsUninitializedTypes():
		v.fail(FailBadClassHard, "%s on uninitialized reference in v%d", name, src)
		return
	}
	if isCheckCast {
		v.safeCasts[inst.PC] = c.IsStrictlyAssignableFrom(res, orig)
		w.setRegisterType(v, src, res, true)
		return
	}
	w.SetRegisterType(v, inst.A, c.Boolean())
}

func (v *MethodVerifier) verifyNewInstance(inst *dex.Instruction) {
	w, c := v.work, v.cache
	t := v.resolveClass(inst.Index)
	if t.IsConflict() {
		return
	}
	if !t.IsInstantiableTypes() {
		v.fail(FailInstantiation, "new-instance on primitive, interface or abstract class %s", t)
	}
	uninit := c.Uninitialized(t, inst.PC)
	// A second execution of this new-instance invalidates copies of the
	// previous allocation.
	w.MarkUninitRefsAsInvalid(v, uninit)
	w.SetRegisterType(v, inst.A, uninit)
}

func (v *MethodVerifier) verifyNewArray(inst *dex.Instruction, filled bool) {
	w, c := v.work, v.cache
	res := v.resolveClass(inst.Index)
	if res.IsConflict() {
		return
	}
	if !res.IsArrayTypes() {
		v.fail(FailBadClassHard, "new-array on non-array class %s", res)
		return
	}
	exact := c.FromDescriptor(res.descriptor, true)
	if !filled {
		w.VerifyRegisterType(v, inst.B, c.Integer())
		w.SetRegisterType(v, inst.A, exact)
		return
	}
	comp := c.ComponentType(res)
	if comp.IsLowHalf() {
		v.fail(FailBadClassHard, "filled-new-array on wide array type %s", res)
		return
	}
	for _, r := range inst.Args {
		if !w.VerifyRegisterType(v, r, comp) {
			return
		}
	}
	w.SetResultRegisterType(v, exact)
}

// componentSize returns the element width in bytes of a primitive type.
func componentSize(t *RegType) int {
	switch t.kind {
	case KindBoolean, KindByte:
		return 1
	case KindShort, KindChar:
		return 2
	case KindInteger, KindFloat:
		return 4
	case KindLongLo, KindDoubleLo:
		return 8
	}
	return 0
}

func (v *MethodVerifier) verifyFillArrayData(inst *dex.Instruction) {
	array := v.work.Get(v, inst.A)
	if array.IsZero() {
		return
	}
	if !array.IsArrayTypes() {
		v.fail(FailBadClassHard, "invalid fill-array-data with array type %s", array)
		return
	}
	comp := v.cache.ComponentType(array)
	if !comp.IsPrimitive() {
		v.fail(FailBadClassHard, "invalid fill-array-data with component type %s", comp)
		return
	}
	data, err := dex.DecodeArrayData(v.code.Insns, inst.Target())
	if err != nil {
		v.fail(FailBadClassHard, "invalid array data: %v", err)
		return
	}
	if int(data.ElementWidth) != componentSize(comp) {
		v.fail(FailBadClassHard, "array-data size mismatch (%d vs %d)", componentSize(comp), data.ElementWidth)
	}
}

func (v *MethodVerifier) verifyThrow(r uint32) {
	c := v.cache
	t := v.work.Get(v, r)
	if c.IsAssignableFrom(c.JavaLangThrowable(false), t) {
		return
	}
	switch {
	case t.IsUninitializedTypes():
		v.fail(FailBadClassHard, "thrown exception not initialized")
	case !t.IsReferenceTypes():
		v.fail(FailBadClassHard, "thrown value of non-reference type %s", t)
	case t.IsUnresolvedTypes():
		v.fail(FailNoClass, "thrown class %s not instanceof Throwable", t)
	default:
		v.fail(FailBadClassSoft, "thrown class %s not instanceof Throwable", t)
	}
}

func (v *MethodVerifier) verifyAGet(inst *dex.Instruction, insnType *RegType, isPrimitive bool) {
	w, c := v.work, v.cache
	if idx := w.Get(v, inst.C); !idx.IsArrayIndexTypes() {
		v.fail(FailBadClassHard, "invalid reg type for array index (%s)", idx)
		return
	}
	array := w.Get(v, inst.B)
	if array.IsZero() {
		// The access throws; pick a type every successor can merge.
		switch {
		case !isPrimitive:
			w.SetRegisterType(v, inst.A, c.Zero())
		case insnType.IsInteger():
			w.SetRegisterType(v, inst.A, c.FromConstant(1, false))
		case insnType.IsLowHalf():
			w.SetRegisterTypeWide(v, inst.A, c.ConstantLo(0, false), c.ConstantHi(0, false))
		default:
			w.SetRegisterType(v, inst.A, insnType)
		}
		return
	}
	if !array.IsArrayTypes() {
		v.fail(FailBadClassHard, "not array type %s with aget", array)
		return
	}
	comp := c.ComponentType(array)
	switch {
	case !isPrimitive && !comp.IsReferenceTypes():
		v.fail(FailBadClassHard, "primitive array type %s source for aget-object", array)
	case isPrimitive && comp.IsNonZeroReferenceTypes():
		v.fail(FailBadClassHard, "reference array type %s source for category 1 aget", array)
	case isPrimitive && !compatibleArrayOp(insnType, comp):
		v.fail(FailBadClassHard, "array type %s incompatible with aget of type %s", array, insnType)
	default:
		w.setRegisterTypeAny(v, inst.A, comp)
	}
}

// compatibleArrayOp accepts an exact match, an int access of a float element
// and a long access of a double element.
func compatibleArrayOp(insnType, comp *RegType) bool {
	return insnType == comp ||
		(insnType.IsInteger() && comp.IsFloat()) ||
		(insnType.IsLongLo() && comp.IsDoubleLo())
}

func (v *MethodVerifier) verifyAPut(inst *dex.Instruction, insnType *RegType, isPrimitive bool) {
	w, c := v.work, v.cache
	if idx := w.Get(v, inst.C); !idx.IsArrayIndexTypes() {
		v.fail(FailBadClassHard, "invalid reg type for array index (%s)", idx)
		return
	}
	array := w.Get(v, inst.B)
	if array.IsZero() {
		if isPrimitive {
			v.verifyPrimitivePut(insnType, inst.A)
		} else {
			w.VerifyRegisterType(v, inst.A, insnType)
		}
		return
	}
	if !array.IsArrayTypes() {
		v.fail(FailBadClassHard, "not array type %s with aput", array)
		return
	}
	comp := c.ComponentType(array)
	switch {
	case isPrimitive && comp.IsNonZeroReferenceTypes():
		v.fail(FailBadClassHard, "reference array type %s source for aput", array)
	case isPrimitive && !compatibleArrayOp(insnType, comp):
		v.fail(FailBadClassHard, "array type %s incompatible with aput of type %s", array, insnType)
	case isPrimitive:
		v.verifyPrimitivePut(comp, inst.A)
	case !comp.IsReferenceTypes():
		v.fail(FailBadClassHard, "primitive array type %s source for aput-object", array)
	default:
		// Element compatibility is an ArrayStoreException at runtime.
		w.VerifyRegisterType(v, inst.A, insnType)
	}
}

// verifyPrimitivePut checks a stored value against a field or element type.
// Integral targets accept any integral value.
func (v *MethodVerifier) verifyPrimitivePut(target *RegType, r uint32) {
	w := v.work
	value := w.Get(v, r)
	var ok bool
	switch {
	case target.IsIntegralTypes():
		ok = value.IsIntegralTypes()
	case target.IsFloat():
		ok = value.IsFloatTypes()
	case target.IsLongLo():
		ok = value.IsLongTypes()
	case target.IsDoubleLo():
		ok = value.IsDoubleTypes()
	}
	if !ok {
		v.fail(FailBadClassHard, "unexpected value in v%d of type %s but expected %s for put", r, value, target)
		return
	}
	if target.IsLowHalf() {
		w.VerifyRegisterTypeWide(v, r, target)
	} else if value.IsPreciseConstant() {
		w.regs[r] = v.cache.Imprecise(value).id
	}
}

// ---------------------------------------------------------------------------
// Fields
// ---------------------------------------------------------------------------

func (v *MethodVerifier) verifyFieldAccess(inst *dex.Instruction, insnType *RegType, isPrimitive, isStatic, isPut bool) {
	w, c := v.work, v.cache
	var field *mirror.Field
	if isStatic {
		field = v.staticField(inst.Index)
	} else {
		obj := w.Get(v, inst.B)
		// A constructor may store its own fields before calling super.
		adjust := isPut && obj.IsUninitializedThis()
		if adjust {
			obj = c.FromUninitialized(obj)
		}
		field = v.instanceField(obj, inst.Index)
		if v.pendingHard {
			return
		}
		if adjust {
			if field == nil {
				v.fail(FailBadClassHard, "might be accessing a superclass instance field prior to the superclass being initialized in %s", v.method.PrettyMethod())
				return
			}
			if field.Class != v.method.Class {
				v.fail(FailBadClassHard, "cannot access superclass instance field %s of a not fully initialized object within the context of %s", field, v.method.PrettyMethod())
				return
			}
		}
	}

	var fieldType *RegType
	if field != nil {
		if isPut && field.IsFinal() && field.Class != v.method.Class {
			v.fail(FailAccessField, "cannot modify final field %s from other class %s", field, v.declaring)
			return
		}
		fieldType = c.FromDescriptor(field.Type, false)
	} else {
		fid := v.dexFile.Field(inst.Index)
		fieldType = c.FromDescriptor(v.dexFile.TypeDescriptor(uint32(fid.TypeIdx)), false)
	}
	if fieldType.IsConflict() {
		v.fail(FailBadClassHard, "bad field type for %s", v.dexFile.PrettyField(inst.Index))
		return
	}

	r := inst.A
	switch {
	case isPut && isPrimitive:
		if !compatibleFieldOp(insnType, fieldType) {
			v.fail(FailBadClassHard, "put insn has type '%s' but expected type '%s'", insnType, fieldType)
			return
		}
		v.verifyPrimitivePut(fieldType, r)
	case isPut:
		if !c.IsAssignableFrom(insnType, fieldType) {
			v.fail(FailBadClassHard, "expected field %s to be compatible with type '%s' but found type '%s' in put-object",
				v.dexFile.PrettyField(inst.Index), insnType, fieldType)
			return
		}
		w.VerifyRegisterType(v, r, fieldType)
	case isPrimitive:
		if !compatibleFieldOp(insnType, fieldType) {
			v.fail(FailBadClassHard, "expected field %s to be of type '%s' but found type '%s' in get",
				v.dexFile.PrettyField(inst.Index), insnType, fieldType)
			return
		}
		w.setRegisterTypeAny(v, r, fieldType)
	default:
		if !c.IsAssignableFrom(insnType, fieldType) {
			ft := FailBadClassHard
			if fieldType.IsReferenceTypes() {
				ft = FailBadClassSoft
			}
			v.fail(ft, "expected field %s to be compatible with type '%s' but found type '%s' in get-object",
				v.dexFile.PrettyField(inst.Index), insnType, fieldType)
			if ft != FailBadClassHard {
				w.SetRegisterType(v, r, c.Conflict())
			}
			return
		}
		w.SetRegisterType(v, r, fieldType)
	}
}

// compatibleFieldOp matches the instruction variant to the declared field
// type; the int and long variants also access float and double fields.
func compatibleFieldOp(insnType, fieldType *RegType) bool {
	return compatibleArrayOp(insnType, fieldType)
}

// fieldClass resolves the class named by a field reference, reporting why
// the field cannot be resolved when it is missing.
func (v *MethodVerifier) fieldClass(fieldIdx uint32, kind string) *RegType {
	fid := v.dexFile.Field(fieldIdx)
	klass := v.resolveClass(uint32(fid.ClassIdx))
	if klass.IsUnresolvedTypes() {
		v.fail(FailNoClass, "unable to resolve class %s of %s field %s", klass, kind, v.dexFile.PrettyField(fieldIdx))
	}
	return klass
}

func (v *MethodVerifier) resolveField(fieldIdx uint32, static bool, kind string) *mirror.Field {
	f, res := v.resolver.ResolveField(v.dexFile, fieldIdx, static)
	switch res {
	case mirror.Absent:
		v.fail(FailNoField, "unable to resolve %s field %d (%s)", kind, fieldIdx, v.dexFile.PrettyField(fieldIdx))
		return nil
	case mirror.Deferred:
		v.fail(FailNoClass, "unable to load class of %s field %s", kind, v.dexFile.PrettyField(fieldIdx))
		return nil
	}
	return f
}

func (v *MethodVerifier) staticField(fieldIdx uint32) *mirror.Field {
	klass := v.fieldClass(fieldIdx, "static")
	if klass.IsConflict() || klass.IsUnresolvedTypes() {
		return nil
	}
	f := v.resolveField(fieldIdx, true, "static")
	if f == nil {
		return nil
	}
	if !mirror.CanAccessMember(v.method.Class, f.Class, f.AccessFlags) {
		v.fail(FailAccessField, "cannot access static field %s from %s", f, v.declaring)
		return nil
	}
	if !f.IsStatic() {
		v.fail(FailClassChange, "expected field %s to be static", f)
		return nil
	}
	return f
}

func (v *MethodVerifier) instanceField(obj *RegType, fieldIdx uint32) *mirror.Field {
	c := v.cache
	klass := v.fieldClass(fieldIdx, "instance")
	if klass.IsConflict() || klass.IsUnresolvedTypes() {
		return nil
	}
	f := v.resolveField(fieldIdx, false, "instance")
	if f == nil {
		return nil
	}
	switch {
	case obj.IsZero():
		// The access throws NullPointerException.
	case !obj.IsReferenceTypes():
		v.fail(FailBadClassHard, "instance field access on object that has non-reference type %s", obj)
		return nil
	case obj.IsUninitializedTypes():
		if !obj.IsUninitializedThis() || !v.method.IsConstructor() || f.Class != v.method.Class {
			v.fail(FailBadClassHard, "cannot access instance field %s of a not fully initialized object within the context of %s", f, v.method.PrettyMethod())
			return nil
		}
	default:
		declared := c.FromClass(f.Class, false)
		if !c.IsAssignableFrom(declared, obj) {
			ft := FailBadClassHard
			if declared.IsUnresolvedTypes() || obj.IsUnresolvedTypes() {
				ft = FailNoClass
			}
			v.fail(ft, "cannot access instance field %s from object of type %s", f, obj)
			return nil
		}
	}
	if !mirror.CanAccessMember(v.method.Class, f.Class, f.AccessFlags) {
		v.fail(FailAccessField, "cannot access instance field %s from %s", f, v.declaring)
		return nil
	}
	if f.IsStatic() {
		v.fail(FailClassChange, "expected field %s to not be static", f)
		return nil
	}
	return f
}

// ---------------------------------------------------------------------------
// Invokes
// ---------------------------------------------------------------------------

func (v *MethodVerifier) resolveMethod(methodIdx uint32, kind mirror.InvokeKind) *mirror.Method {
	f := v.dexFile
	mid := f.Method(methodIdx)
	klass := v.resolveClass(uint32(mid.ClassIdx))
	if klass.IsConflict() {
		return nil
	}
	if klass.IsUnresolvedTypes() {
		v.fail(FailNoClass, "unable to resolve class %s for method %s", klass, f.PrettyMethod(methodIdx))
		return nil
	}
	m, res := v.resolver.ResolveMethod(f, methodIdx, kind)
	switch res {
	case mirror.Absent:
		v.fail(FailNoMethod, "unable to resolve %s method %d: %s", kind, methodIdx, f.PrettyMethod(methodIdx))
		return nil
	case mirror.Deferred:
		v.fail(FailNoClass, "unable to load class for method %s", f.PrettyMethod(methodIdx))
		return nil
	}
	if klass.class == nil {
		return m
	}
	if msg := mirror.CheckInvokeKind(klass.class, m, kind); msg != "" {
		v.fail(FailClassChange, "%s", msg)
		return nil
	}
	if !mirror.CanAccessMember(v.method.Class, m.Class, m.AccessFlags()) {
		v.fail(FailAccessMethod, "illegal method access (call %s from %s)", m.PrettyMethod(), v.declaring)
		return nil
	}
	if kind == mirror.InvokeSuper {
		super := v.method.Class.Super
		switch {
		case super == nil:
			v.fail(FailNoMethod, "unknown super class in invoke-super from %s to %s", v.method.PrettyMethod(), m.PrettyMethod())
			return nil
		case !m.Class.IsInterface() && (m.VtableIndex < 0 || m.VtableIndex >= len(super.Vtable)):
			v.fail(FailNoMethod, "invalid invoke-super from %s to super %s", v.method.PrettyMethod(), m.PrettyMethod())
			return nil
		}
	}
	return m
}

func (v *MethodVerifier) verifyInvoke(inst *dex.Instruction) {
	w, c, f := v.work, v.cache, v.dexFile
	kind := mirror.InvokeKindOf(inst.Opcode)
	mid := f.Method(inst.Index)
	name := f.MethodName(inst.Index)
	params := f.ProtoParameterDescriptors(uint32(mid.ProtoIdx))
	isInit := name == "<init>"

	m := v.resolveMethod(inst.Index, kind)
	if v.pendingHard {
		return
	}

	args := inst.Args
	if len(args) > int(v.code.OutsSize) {
		v.fail(FailBadClassHard, "invalid argument count (%d) exceeds outsSize (%d)", len(args), v.code.OutsSize)
		return
	}
	words := dex.ArgumentWords(params)
	if kind != mirror.InvokeStatic {
		words++
	}
	if words != len(args) {
		v.fail(FailBadClassHard, "rejecting invocation of %s: expected %d argument registers, method signature has %d",
			f.PrettyMethod(inst.Index), len(args), words)
		return
	}

	cur := 0
	var this *RegType
	if kind != mirror.InvokeStatic {
		this = w.GetInvocationThis(v, args)
		if v.pendingHard {
			return
		}
		if this.IsUninitializedTypes() && !isInit {
			v.fail(FailBadClassHard, "'this' arg must be initialized")
			return
		}
		if kind != mirror.InvokeInterface && !this.IsZero() {
			declared := c.FromDescriptor(f.MethodClassDescriptor(inst.Index), false)
			if m != nil {
				declared = c.FromClass(m.Class, false)
			}
			actual := this
			if isInit {
				actual = c.FromUninitialized(this)
			}
			if !c.IsAssignableFrom(declared, actual) {
				ft := FailBadClassSoft
				if actual.IsUnresolvedTypes() || declared.IsUnresolvedTypes() {
					ft = FailNoClass
				}
				v.fail(ft, "'this' argument '%s' not instance of '%s'", this, declared)
			}
		}
		cur = 1
	}

	for _, p := range params {
		t := c.FromDescriptor(p, false)
		if t.IsConflict() {
			v.fail(FailBadClassHard, "invocation of %s has bad parameter type '%s'", f.PrettyMethod(inst.Index), p)
			return
		}
		r := args[cur]
		if t.IsLowHalf() {
			if args[cur+1] != r+1 {
				v.fail(FailBadClassHard, "rejecting invocation of %s: wide argument v%d/v%d is not a register pair",
					f.PrettyMethod(inst.Index), r, args[cur+1])
				return
			}
			if !w.VerifyRegisterTypeWide(v, r, t) {
				return
			}
			cur += 2
			continue
		}
		if !w.VerifyRegisterType(v, r, t) {
			return
		}
		cur++
	}

	if m != nil && this != nil && (kind == mirror.InvokeVirtual || kind == mirror.InvokeInterface) {
		v.recordDevirt(inst.PC, m, this)
	}

	if isInit && kind == mirror.InvokeDirect {
		switch {
		case this.IsZero():
			v.fail(FailBadClassHard, "unable to initialize null ref")
			return
		case !this.IsUninitializedTypes():
			v.fail(FailBadClassHard, "Expected initialization on uninitialized reference %s", this)
			return
		}
		w.MarkRefsAsInitialized(v, this)
	}

	rt := c.FromDescriptor(f.ProtoReturnDescriptor(uint32(mid.ProtoIdx)), false)
	if rt.IsLowHalf() {
		w.SetResultRegisterTypeWide(rt, c.HighHalf(rt))
	} else {
		w.SetResultRegisterType(v, rt)
	}
}

// recordDevirt notes the single implementation a virtual or interface call
// can reach, or forgets a previous guess when the receiver got wider.
func (v *MethodVerifier) recordDevirt(pc uint32, m *mirror.Method, receiver *RegType) {
	var target *mirror.Method
	switch {
	case !receiver.IsReference() || receiver.class == nil:
	case m.IsFinal() && !m.Class.IsInterface():
		target = m
	case receiver.precise && !receiver.class.IsInterface():
		target = receiver.class.FindVirtualMethodFor(m)
	}
	if target == nil || target.IsAbstract() {
		delete(v.devirt, pc)
		return
	}
	v.devirt[pc] = target
}

// ---------------------------------------------------------------------------
// Arithmetic
// ---------------------------------------------------------------------------

func (v *MethodVerifier) checkUnaryOp(dst, src uint32, dstKind, srcKind Kind) {
	w := v.work
	if w.verifyAny(v, src, v.cache.Get(uint16(srcKind))) {
		w.setRegisterTypeAny(v, dst, v.cache.Get(uint16(dstKind)))
	}
}

// checkBinaryFamily verifies a binop from its position rel in the
// add-int .. rem-double block.
func (v *MethodVerifier) checkBinaryFamily(rel int, dst, a, b uint32) {
	switch {
	case rel <= binUshr:
		v.checkBinaryOp(dst, a, b, KindInteger, KindInteger, KindInteger, rel >= binAnd && rel <= binXor)
	case rel <= 2*binUshr+1:
		rel -= binUshr + 1
		shift := KindLongLo
		if rel >= binShl {
			shift = KindInteger
		}
		v.checkBinaryOp(dst, a, b, KindLongLo, KindLongLo, shift, false)
	case rel <= 2*binUshr+6:
		v.checkBinaryOp(dst, a, b, KindFloat, KindFloat, KindFloat, false)
	default:
		v.checkBinaryOp(dst, a, b, KindDoubleLo, KindDoubleLo, KindDoubleLo, false)
	}
}

// checkBinaryOp verifies both operands and sets the result. The bitwise
// operations on two booleans produce a boolean.
func (v *MethodVerifier) checkBinaryOp(dst, a, b uint32, dstKind, aKind, bKind Kind, checkBoolean bool) {
	w, c := v.work, v.cache
	if !w.verifyAny(v, a, c.Get(uint16(aKind))) || !w.verifyAny(v, b, c.Get(uint16(bKind))) {
		return
	}
	if checkBoolean && w.Get(v, a).IsBooleanTypes() && w.Get(v, b).IsBooleanTypes() {
		w.SetRegisterType(v, dst, c.Boolean())
		return
	}
	w.setRegisterTypeAny(v, dst, c.Get(uint16(dstKind)))
}

func (v *MethodVerifier) checkLiteralOp(inst *dex.Instruction, checkBoolean bool) {
	w, c := v.work, v.cache
	if !w.VerifyRegisterType(v, inst.B, c.Integer()) {
		return
	}
	if checkBoolean && w.Get(v, inst.B).IsBooleanTypes() && (inst.Literal == 0 || inst.Literal == 1) {
		w.SetRegisterType(v, inst.A, c.Boolean())
		return
	}
	w.SetRegisterType(v, inst.A, c.Integer())
}
