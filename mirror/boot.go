package mirror

import (
	"github.com/chazu/dexvm/dex"
)

// Well-known class descriptors.
const (
	DescObject        = "Ljava/lang/Object;"
	DescClass         = "Ljava/lang/Class;"
	DescString        = "Ljava/lang/String;"
	DescStringFactory = "Ljava/lang/StringFactory;"
	DescThrowable     = "Ljava/lang/Throwable;"
	DescCloneable     = "Ljava/lang/Cloneable;"
	DescSerializable  = "Ljava/io/Serializable;"
)

// Throwable descriptors raised by the runtime.
const (
	ExcNullPointer             = "Ljava/lang/NullPointerException;"
	ExcArithmetic              = "Ljava/lang/ArithmeticException;"
	ExcArrayIndexOutOfBounds   = "Ljava/lang/ArrayIndexOutOfBoundsException;"
	ExcArrayStore              = "Ljava/lang/ArrayStoreException;"
	ExcClassCast               = "Ljava/lang/ClassCastException;"
	ExcNegativeArraySize       = "Ljava/lang/NegativeArraySizeException;"
	ExcIllegalMonitorState     = "Ljava/lang/IllegalMonitorStateException;"
	ExcUnsupportedOperation    = "Ljava/lang/UnsupportedOperationException;"
	ExcIllegalState            = "Ljava/lang/IllegalStateException;"
	ExcIllegalArgument         = "Ljava/lang/IllegalArgumentException;"
	ExcNumberFormat            = "Ljava/lang/NumberFormatException;"
	ExcStringIndexOutOfBounds  = "Ljava/lang/StringIndexOutOfBoundsException;"
	ExcStackOverflow           = "Ljava/lang/StackOverflowError;"
	ExcNoSuchField             = "Ljava/lang/NoSuchFieldError;"
	ExcNoSuchMethod            = "Ljava/lang/NoSuchMethodError;"
	ExcIllegalAccess           = "Ljava/lang/IllegalAccessError;"
	ExcIncompatibleClassChange = "Ljava/lang/IncompatibleClassChangeError;"
	ExcInstantiation           = "Ljava/lang/InstantiationError;"
	ExcAbstractMethod          = "Ljava/lang/AbstractMethodError;"
	ExcVerify                  = "Ljava/lang/VerifyError;"
	ExcNoClassDefFound         = "Ljava/lang/NoClassDefFoundError;"
	ExcClassCircularity        = "Ljava/lang/ClassCircularityError;"
	ExcExceptionInInitializer  = "Ljava/lang/ExceptionInInitializerError;"
	ExcUnsatisfiedLink         = "Ljava/lang/UnsatisfiedLinkError;"
	ExcInternal                = "Ljava/lang/InternalError;"
)

type bootMethod struct {
	name, sig string
	flags     uint32
}

type bootField struct {
	name, typ string
	flags     uint32
}

type bootClass struct {
	desc, super string
	flags       uint32
	interfaces  []string
	fields      []bootField
	methods     []bootMethod
}

const (
	pub       = dex.AccPublic
	pubStatic = dex.AccPublic | dex.AccStatic
	pubFinal  = dex.AccPublic | dex.AccFinal
	ctor      = dex.AccPublic | dex.AccConstructor
	iface     = dex.AccPublic | dex.AccInterface | dex.AccAbstract
)

var throwableCtors = []bootMethod{
	{"<init>", "()V", ctor},
	{"<init>", "(Ljava/lang/String;)V", ctor},
}

// bootClasses lists the classes every linker starts with, superclasses
// before subclasses. All boot methods are native.
var bootClasses = []bootClass{
	{desc: DescObject, flags: pub, methods: []bootMethod{
		{"<init>", "()V", ctor},
		{"hashCode", "()I", pub},
		{"equals", "(Ljava/lang/Object;)Z", pub},
		{"toString", "()Ljava/lang/String;", pub},
		{"getClass", "()Ljava/lang/Class;", pubFinal},
	}},
	{desc: DescCloneable, super: DescObject, flags: iface},
	{desc: DescSerializable, super: DescObject, flags: iface},
	{desc: "Ljava/lang/CharSequence;", super: DescObject, flags: iface, methods: []bootMethod{
		{"length", "()I", pub | dex.AccAbstract},
		{"charAt", "(I)C", pub | dex.AccAbstract},
	}},
	{desc: DescClass, super: DescObject, flags: pubFinal, methods: []bootMethod{
		{"getName", "()Ljava/lang/String;", pub},
	}},
	{desc: DescString, super: DescObject, flags: pubFinal,
		interfaces: []string{"Ljava/lang/CharSequence;", DescSerializable},
		methods: []bootMethod{
			{"<init>", "()V", ctor},
			{"<init>", "(Ljava/lang/String;)V", ctor},
			{"<init>", "([C)V", ctor},
			{"<init>", "([CII)V", ctor},
			{"length", "()I", pub},
			{"charAt", "(I)C", pub},
			{"isEmpty", "()Z", pub},
			{"equals", "(Ljava/lang/Object;)Z", pub},
			{"hashCode", "()I", pub},
			{"toString", "()Ljava/lang/String;", pub},
			{"concat", "(Ljava/lang/String;)Ljava/lang/String;", pub},
			{"valueOf", "(I)Ljava/lang/String;", pubStatic},
		}},
	{desc: DescStringFactory, super: DescObject, flags: pubFinal, methods: []bootMethod{
		{"newEmptyString", "()Ljava/lang/String;", pubStatic},
		{"newStringFromString", "(Ljava/lang/String;)Ljava/lang/String;", pubStatic},
		{"newStringFromChars", "([C)Ljava/lang/String;", pubStatic},
		{"newStringFromCharsRange", "([CII)Ljava/lang/String;", pubStatic},
	}},
	{desc: DescThrowable, super: DescObject, flags: pub, interfaces: []string{DescSerializable},
		fields: []bootField{
			{"detailMessage", DescString, dex.AccPrivate},
			{"cause", DescThrowable, dex.AccPrivate},
		},
		methods: append(append([]bootMethod(nil), throwableCtors...),
			bootMethod{"getMessage", "()Ljava/lang/String;", pub},
			bootMethod{"getCause", "()Ljava/lang/Throwable;", pub},
			bootMethod{"initCause", "(Ljava/lang/Throwable;)Ljava/lang/Throwable;", pub},
		)},
	exception("Ljava/lang/Exception;", DescThrowable),
	exception("Ljava/lang/RuntimeException;", "Ljava/lang/Exception;"),
	exception("Ljava/lang/Error;", DescThrowable),
	exception("Ljava/lang/LinkageError;", "Ljava/lang/Error;"),
	exception("Ljava/lang/VirtualMachineError;", "Ljava/lang/Error;"),
	exception(ExcInternal, "Ljava/lang/VirtualMachineError;"),
	exception(ExcStackOverflow, "Ljava/lang/VirtualMachineError;"),
	exception(ExcIncompatibleClassChange, "Ljava/lang/LinkageError;"),
	exception(ExcNoSuchField, ExcIncompatibleClassChange),
	exception(ExcNoSuchMethod, ExcIncompatibleClassChange),
	exception(ExcIllegalAccess, ExcIncompatibleClassChange),
	exception(ExcInstantiation, ExcIncompatibleClassChange),
	exception(ExcAbstractMethod, ExcIncompatibleClassChange),
	exception(ExcVerify, "Ljava/lang/LinkageError;"),
	exception(ExcNoClassDefFound, "Ljava/lang/LinkageError;"),
	exception(ExcClassCircularity, "Ljava/lang/LinkageError;"),
	exception(ExcExceptionInInitializer, "Ljava/lang/LinkageError;"),
	exception(ExcUnsatisfiedLink, "Ljava/lang/LinkageError;"),
	exception(ExcNullPointer, "Ljava/lang/RuntimeException;"),
	exception(ExcArithmetic, "Ljava/lang/RuntimeException;"),
	exception("Ljava/lang/IndexOutOfBoundsException;", "Ljava/lang/RuntimeException;"),
	exception(ExcArrayIndexOutOfBounds, "Ljava/lang/IndexOutOfBoundsException;"),
	exception(ExcArrayStore, "Ljava/lang/RuntimeException;"),
	exception(ExcClassCast, "Ljava/lang/RuntimeException;"),
	exception(ExcNegativeArraySize, "Ljava/lang/RuntimeException;"),
	exception(ExcIllegalMonitorState, "Ljava/lang/RuntimeException;"),
	exception(ExcUnsupportedOperation, "Ljava/lang/RuntimeException;"),
	exception(ExcIllegalState, "Ljava/lang/RuntimeException;"),
	exception(ExcIllegalArgument, "Ljava/lang/RuntimeException;"),
	exception(ExcNumberFormat, ExcIllegalArgument),
	exception(ExcStringIndexOutOfBounds, "Ljava/lang/IndexOutOfBoundsException;"),
	{desc: "Ljava/lang/Math;", super: DescObject, flags: pubFinal, methods: []bootMethod{
		{"abs", "(I)I", pubStatic},
		{"abs", "(J)J", pubStatic},
		{"max", "(II)I", pubStatic},
		{"min", "(II)I", pubStatic},
		{"sqrt", "(D)D", pubStatic},
	}},
	{desc: "Ljava/lang/System;", super: DescObject, flags: pubFinal, methods: []bootMethod{
		{"identityHashCode", "(Ljava/lang/Object;)I", pubStatic},
		{"arraycopy", "(Ljava/lang/Object;ILjava/lang/Object;II)V", pubStatic},
	}},
	{desc: "Ljava/lang/Integer;", super: DescObject, flags: pubFinal, methods: []bootMethod{
		{"toString", "(I)Ljava/lang/String;", pubStatic},
		{"parseInt", "(Ljava/lang/String;)I", pubStatic},
	}},
	{desc: "Ljava/lang/invoke/MethodHandle;", super: DescObject, flags: pub | dex.AccAbstract},
	{desc: "Ljava/lang/invoke/MethodType;", super: DescObject, flags: pubFinal},
}

func exception(desc, super string) bootClass {
	return bootClass{desc: desc, super: super, flags: pub, methods: throwableCtors}
}

func (l *ClassLinker) defineBootClasses() {
	for _, bc := range bootClasses {
		c := newClass(l, bc.desc, bc.flags)
		if bc.super != "" {
			c.Super = l.classes[bc.super]
			c.NumPrimSlots, c.NumRefSlots = c.Super.NumPrimSlots, c.Super.NumRefSlots
		}
		for _, i := range bc.interfaces {
			c.Interfaces = append(c.Interfaces, l.classes[i])
		}
		for _, bf := range bc.fields {
			f := &Field{Class: c, Name: bf.name, Type: bf.typ, AccessFlags: bf.flags, DexFieldIdx: dex.NoIndex}
			f.Offset, c.NumPrimSlots, c.NumRefSlots = allocSlot(f, c.NumPrimSlots, c.NumRefSlots)
			c.InstanceFields = append(c.InstanceFields, f)
		}
		for _, bm := range bc.methods {
			flags := bm.flags
			if flags&dex.AccAbstract == 0 {
				flags |= dex.AccNative
			}
			m := newMethod(c, bm.name, bm.sig, flags)
			m.DexMethodIdx = dex.NoIndex
			if m.IsDirect() {
				c.DirectMethods = append(c.DirectMethods, m)
			} else {
				c.VirtualMethods = append(c.VirtualMethods, m)
			}
		}
		if c.Super != nil && !c.IsInterface() {
			if err := l.buildVtable(c); err != nil {
				panic(err)
			}
		} else if c.Super == nil {
			for i, m := range c.VirtualMethods {
				m.VtableIndex = i
			}
			c.Vtable = append([]*Method(nil), c.VirtualMethods...)
		}
		c.SetStatus(StatusInitialized)
		l.classes[c.Descriptor] = c
	}
}

// IsBootClass reports classes defined by the linker itself.
func IsBootClass(c *Class) bool { return c.DexFile == nil }

// BootClasses returns the boot classes, superclasses first.
func (l *ClassLinker) BootClasses() []*Class {
	out := make([]*Class, 0, len(bootClasses))
	for _, bc := range bootClasses {
		if c, ok := l.LookupClass(bc.desc); ok {
			out = append(out, c)
		}
	}
	return out
}
