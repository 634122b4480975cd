package interp

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/chazu/dexvm/mirror"
)

// ---------------------------------------------------------------------------
// Intrinsic natives of the boot classes
// ---------------------------------------------------------------------------

type intrinsic struct {
	key string
	fn  mirror.NativeFunc
}

// RegisterIntrinsics binds the built-in implementations of the boot
// classes' native methods into l. Calling it again rebinds the same
// functions.
func RegisterIntrinsics(l *mirror.ClassLinker) {
	list := append(append(append(objectIntrinsics(), stringIntrinsics()...), libraryIntrinsics()...),
		throwableIntrinsics(l)...)
	for _, i := range list {
		l.RegisterNative(i.key, i.fn)
	}
	log.Debugf("registered %d intrinsics", len(list))
}

func ret(v mirror.JValue) mirror.NativeFunc {
	return func(mirror.NativeEnv, []mirror.JValue) mirror.JValue { return v }
}

func javaString(env mirror.NativeEnv, s string) mirror.JValue {
	return mirror.RefValue(env.NewString(s))
}

// javaName renders a class the way Class.getName does.
func javaName(c *mirror.Class) string {
	if c.IsArray() {
		return strings.ReplaceAll(c.Descriptor, "/", ".")
	}
	return c.PrettyName()
}

func objectIntrinsics() []intrinsic {
	return []intrinsic{
		{"Ljava/lang/Object;-><init>()V", ret(mirror.JValue{})},
		{"Ljava/lang/Object;->hashCode()I", func(_ mirror.NativeEnv, args []mirror.JValue) mirror.JValue {
			return mirror.IntValue(args[0].Ref().IdentityHashCode())
		}},
		{"Ljava/lang/Object;->equals(Ljava/lang/Object;)Z", func(_ mirror.NativeEnv, args []mirror.JValue) mirror.JValue {
			return mirror.BoolValue(args[0].Ref() == args[1].Ref())
		}},
		{"Ljava/lang/Object;->getClass()Ljava/lang/Class;", func(_ mirror.NativeEnv, args []mirror.JValue) mirror.JValue {
			return mirror.RefValue(args[0].Ref().Class.ClassObject())
		}},
		{"Ljava/lang/Object;->toString()Ljava/lang/String;", func(env mirror.NativeEnv, args []mirror.JValue) mirror.JValue {
			o := args[0].Ref()
			return javaString(env, fmt.Sprintf("%s@%x", javaName(o.Class), uint32(o.IdentityHashCode())))
		}},
		{"Ljava/lang/Class;->getName()Ljava/lang/String;", func(env mirror.NativeEnv, args []mirror.JValue) mirror.JValue {
			return javaString(env, javaName(args[0].Ref().ClassValue()))
		}},
	}
}

// ---------------------------------------------------------------------------
// String and StringFactory
// ---------------------------------------------------------------------------

func stringHash(chars []uint16) int32 {
	var h int32
	for _, c := range chars {
		h = 31*h + int32(c)
	}
	return h
}

func equalChars(a, b []uint16) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// charArray reads a char[] object. It raises NullPointerException for null.
func charArray(env mirror.NativeEnv, arr *mirror.Object) ([]uint16, bool) {
	if arr == nil {
		env.ThrowNew(mirror.ExcNullPointer, "Attempt to get length of null array")
		return nil, false
	}
	chars := make([]uint16, arr.Length())
	for i := range chars {
		chars[i] = uint16(arr.Elem(int32(i)))
	}
	return chars, true
}

func stringIntrinsics() []intrinsic {
	const s = "Ljava/lang/String;->"
	const f = "Ljava/lang/StringFactory;->"
	return []intrinsic{
		{s + "length()I", func(_ mirror.NativeEnv, args []mirror.JValue) mirror.JValue {
			return mirror.IntValue(int32(len(args[0].Ref().Chars())))
		}},
		{s + "charAt(I)C", func(env mirror.NativeEnv, args []mirror.JValue) mirror.JValue {
			chars, i := args[0].Ref().Chars(), args[1].Int()
			if i < 0 || int(i) >= len(chars) {
				env.ThrowNew(mirror.ExcStringIndexOutOfBounds, fmt.Sprintf("index=%d length=%d", i, len(chars)))
				return mirror.JValue{}
			}
			return mirror.IntValue(int32(chars[i]))
		}},
		{s + "isEmpty()Z", func(_ mirror.NativeEnv, args []mirror.JValue) mirror.JValue {
			return mirror.BoolValue(len(args[0].Ref().Chars()) == 0)
		}},
		{s + "equals(Ljava/lang/Object;)Z", func(_ mirror.NativeEnv, args []mirror.JValue) mirror.JValue {
			a, b := args[0].Ref(), args[1].Ref()
			if a == b {
				return mirror.BoolValue(true)
			}
			return mirror.BoolValue(b != nil && b.IsString() && equalChars(a.Chars(), b.Chars()))
		}},
		{s + "hashCode()I", func(_ mirror.NativeEnv, args []mirror.JValue) mirror.JValue {
			return mirror.IntValue(stringHash(args[0].Ref().Chars()))
		}},
		{s + "toString()Ljava/lang/String;", func(_ mirror.NativeEnv, args []mirror.JValue) mirror.JValue {
			return args[0]
		}},
		{s + "concat(Ljava/lang/String;)Ljava/lang/String;", func(env mirror.NativeEnv, args []mirror.JValue) mirror.JValue {
			a, b := args[0].Ref(), args[1].Ref()
			if b == nil {
				env.ThrowNew(mirror.ExcNullPointer, "Attempt to invoke virtual method 'int java.lang.String.length()' on a null object reference")
				return mirror.JValue{}
			}
			if len(b.Chars()) == 0 {
				return args[0]
			}
			return mirror.RefValue(env.Linker().NewStringFromChars(append(append([]uint16(nil), a.Chars()...), b.Chars()...)))
		}},
		{s + "valueOf(I)Ljava/lang/String;", func(env mirror.NativeEnv, args []mirror.JValue) mirror.JValue {
			return javaString(env, strconv.Itoa(int(args[0].Int())))
		}},

		{f + "newEmptyString()Ljava/lang/String;", func(env mirror.NativeEnv, _ []mirror.JValue) mirror.JValue {
			return javaString(env, "")
		}},
		{f + "newStringFromString(Ljava/lang/String;)Ljava/lang/String;", func(env mirror.NativeEnv, args []mirror.JValue) mirror.JValue {
			src := args[0].Ref()
			if src == nil {
				env.ThrowNew(mirror.ExcNullPointer, "original == null")
				return mirror.JValue{}
			}
			return mirror.RefValue(env.Linker().NewStringFromChars(src.Chars()))
		}},
		{f + "newStringFromChars([C)Ljava/lang/String;", func(env mirror.NativeEnv, args []mirror.JValue) mirror.JValue {
			chars, ok := charArray(env, args[0].Ref())
			if !ok {
				return mirror.JValue{}
			}
			return mirror.RefValue(env.Linker().NewStringFromChars(chars))
		}},
		{f + "newStringFromCharsRange([CII)Ljava/lang/String;", func(env mirror.NativeEnv, args []mirror.JValue) mirror.JValue {
			chars, ok := charArray(env, args[0].Ref())
			if !ok {
				return mirror.JValue{}
			}
			off, n := args[1].Int(), args[2].Int()
			if off < 0 || n < 0 || int(off)+int(n) > len(chars) {
				env.ThrowNew(mirror.ExcStringIndexOutOfBounds,
					fmt.Sprintf("length=%d; regionStart=%d; regionLength=%d", len(chars), off, n))
				return mirror.JValue{}
			}
			return mirror.RefValue(env.Linker().NewStringFromChars(chars[off : off+n]))
		}},
	}
}

// ---------------------------------------------------------------------------
// Math, System, Integer
// ---------------------------------------------------------------------------

func libraryIntrinsics() []intrinsic {
	return []intrinsic{
		{"Ljava/lang/Math;->abs(I)I", func(_ mirror.NativeEnv, args []mirror.JValue) mirror.JValue {
			if v := args[0].Int(); v < 0 {
				return mirror.IntValue(-v)
			}
			return args[0]
		}},
		{"Ljava/lang/Math;->abs(J)J", func(_ mirror.NativeEnv, args []mirror.JValue) mirror.JValue {
			if v := args[0].Long(); v < 0 {
				return mirror.LongValue(-v)
			}
			return args[0]
		}},
		{"Ljava/lang/Math;->max(II)I", func(_ mirror.NativeEnv, args []mirror.JValue) mirror.JValue {
			return mirror.IntValue(max(args[0].Int(), args[1].Int()))
		}},
		{"Ljava/lang/Math;->min(II)I", func(_ mirror.NativeEnv, args []mirror.JValue) mirror.JValue {
			return mirror.IntValue(min(args[0].Int(), args[1].Int()))
		}},
		{"Ljava/lang/Math;->sqrt(D)D", func(_ mirror.NativeEnv, args []mirror.JValue) mirror.JValue {
			return mirror.DoubleValue(math.Sqrt(args[0].Double()))
		}},
		{"Ljava/lang/System;->identityHashCode(Ljava/lang/Object;)I", func(_ mirror.NativeEnv, args []mirror.JValue) mirror.JValue {
			if o := args[0].Ref(); o != nil {
				return mirror.IntValue(o.IdentityHashCode())
			}
			return mirror.IntValue(0)
		}},
		{"Ljava/lang/System;->arraycopy(Ljava/lang/Object;ILjava/lang/Object;II)V", arraycopy},
		{"Ljava/lang/Integer;->toString(I)Ljava/lang/String;", func(env mirror.NativeEnv, args []mirror.JValue) mirror.JValue {
			return javaString(env, strconv.Itoa(int(args[0].Int())))
		}},
		{"Ljava/lang/Integer;->parseInt(Ljava/lang/String;)I", func(env mirror.NativeEnv, args []mirror.JValue) mirror.JValue {
			s := args[0].Ref()
			if s == nil {
				env.ThrowNew(mirror.ExcNumberFormat, "s == null")
				return mirror.JValue{}
			}
			v, err := strconv.ParseInt(s.StringValue(), 10, 32)
			if err != nil {
				env.ThrowNew(mirror.ExcNumberFormat, fmt.Sprintf("For input string: %q", s.StringValue()))
				return mirror.JValue{}
			}
			return mirror.IntValue(int32(v))
		}},
	}
}

func arraycopy(env mirror.NativeEnv, args []mirror.JValue) mirror.JValue {
	src, srcPos := args[0].Ref(), args[1].Int()
	dst, dstPos := args[2].Ref(), args[3].Int()
	n := args[4].Int()
	switch {
	case src == nil:
		env.ThrowNew(mirror.ExcNullPointer, "src == null")
		return mirror.JValue{}
	case dst == nil:
		env.ThrowNew(mirror.ExcNullPointer, "dst == null")
		return mirror.JValue{}
	case !src.IsArray():
		env.ThrowNew(mirror.ExcArrayStore, "source of type "+src.Class.PrettyName()+" is not an array")
		return mirror.JValue{}
	case !dst.IsArray():
		env.ThrowNew(mirror.ExcArrayStore, "destination of type "+dst.Class.PrettyName()+" is not an array")
		return mirror.JValue{}
	}
	if srcPos < 0 || dstPos < 0 || n < 0 || int64(srcPos)+int64(n) > int64(src.Length()) || int64(dstPos)+int64(n) > int64(dst.Length()) {
		env.ThrowNew(mirror.ExcArrayIndexOutOfBounds, fmt.Sprintf(
			"src.length=%d srcPos=%d dst.length=%d dstPos=%d length=%d", src.Length(), srcPos, dst.Length(), dstPos, n))
		return mirror.JValue{}
	}
	sc, dc := src.Class.ComponentType, dst.Class.ComponentType
	if sc.IsPrimitive() || dc.IsPrimitive() {
		if sc != dc {
			env.ThrowNew(mirror.ExcArrayStore, fmt.Sprintf("Incompatible types: src=%s, dst=%s",
				src.Class.PrettyName(), dst.Class.PrettyName()))
			return mirror.JValue{}
		}
		tmp := make([]uint64, n)
		for i := range tmp {
			tmp[i] = src.Elem(srcPos + int32(i))
		}
		for i, v := range tmp {
			dst.SetElem(dstPos+int32(i), v)
		}
		return mirror.JValue{}
	}
	tmp := make([]*mirror.Object, n)
	for i := range tmp {
		tmp[i] = src.ElemRef(srcPos + int32(i))
	}
	for i, o := range tmp {
		if o != nil && !dc.IsAssignableFrom(o.Class) {
			env.ThrowNew(mirror.ExcArrayStore, fmt.Sprintf("source[%d] of type %s cannot be stored in destination array of type %s",
				srcPos+int32(i), o.Class.PrettyName(), dst.Class.PrettyName()))
			return mirror.JValue{}
		}
		dst.SetElemRef(dstPos+int32(i), o)
	}
	return mirror.JValue{}
}

// ---------------------------------------------------------------------------
// Throwable
// ---------------------------------------------------------------------------

func throwableIntrinsics(l *mirror.ClassLinker) []intrinsic {
	const th = "Ljava/lang/Throwable;->"
	list := []intrinsic{
		{th + "getMessage()Ljava/lang/String;", func(env mirror.NativeEnv, args []mirror.JValue) mirror.JValue {
			if f := throwableField(args[0].Ref(), "detailMessage", mirror.DescString); f != nil {
				return mirror.RefValue(args[0].Ref().GetFieldRef(f))
			}
			return mirror.JValue{}
		}},
		{th + "getCause()Ljava/lang/Throwable;", func(_ mirror.NativeEnv, args []mirror.JValue) mirror.JValue {
			return mirror.RefValue(ThrowableCause(args[0].Ref()))
		}},
		{th + "initCause(Ljava/lang/Throwable;)Ljava/lang/Throwable;", func(env mirror.NativeEnv, args []mirror.JValue) mirror.JValue {
			exc, cause := args[0].Ref(), args[1].Ref()
			switch {
			case exc == cause:
				env.ThrowNew(mirror.ExcIllegalArgument, "Self-causation not permitted")
				return mirror.JValue{}
			case ThrowableCause(exc) != nil:
				env.ThrowNew(mirror.ExcIllegalState, "Can't overwrite cause")
				return mirror.JValue{}
			}
			setThrowableCause(exc, cause)
			return args[0]
		}},
	}
	ctor := func(_ mirror.NativeEnv, args []mirror.JValue) mirror.JValue {
		if len(args) > 1 {
			setThrowableMessage(args[0].Ref(), args[1].Ref())
		}
		return mirror.JValue{}
	}
	for _, c := range l.BootClasses() {
		if !l.ThrowableClass.IsAssignableFrom(c) {
			continue
		}
		list = append(list,
			intrinsic{c.Descriptor + "-><init>()V", ctor},
			intrinsic{c.Descriptor + "-><init>(Ljava/lang/String;)V", ctor})
	}
	return list
}
