package mirror

import (
	"strings"
	"sync/atomic"

	"github.com/chazu/dexvm/dex"
)

// AccSkipAccessChecks marks a method whose verification produced no
// failures; the interpreter runs it without re-deriving access checks.
const AccSkipAccessChecks uint32 = 0x80000

// Field is a resolved field. Offset indexes the owner's primitive slots or
// reference slots depending on IsReference; static fields index the
// declaring class's static storage.
type Field struct {
	Class       *Class
	Name        string
	Type        string
	AccessFlags uint32
	Offset      int
	DexFieldIdx uint32
}

func (f *Field) IsStatic() bool    { return f.AccessFlags&dex.AccStatic != 0 }
func (f *Field) IsFinal() bool     { return f.AccessFlags&dex.AccFinal != 0 }
func (f *Field) IsPrivate() bool   { return f.AccessFlags&dex.AccPrivate != 0 }
func (f *Field) IsPublic() bool    { return f.AccessFlags&dex.AccPublic != 0 }
func (f *Field) IsProtected() bool { return f.AccessFlags&dex.AccProtected != 0 }
func (f *Field) IsVolatile() bool  { return f.AccessFlags&dex.AccVolatile != 0 }
func (f *Field) IsReference() bool { return dex.IsReferenceDescriptor(f.Type) }
func (f *Field) IsWide() bool      { return dex.IsWideDescriptor(f.Type) }

func (f *Field) String() string {
	return f.Class.Descriptor + "->" + f.Name + ":" + f.Type
}

// NativeEnv is what a native implementation may ask of its caller.
type NativeEnv interface {
	// ThrowNew raises a new exception of the given class descriptor.
	ThrowNew(descriptor, msg string)
	// Throw raises an existing throwable.
	Throw(exc *Object)
	ExceptionPending() bool
	Linker() *ClassLinker
	NewString(s string) *Object
	// ThreadID identifies the calling thread for monitor ownership.
	ThreadID() uint64
}

// NativeFunc implements a native method. args includes the receiver for
// instance methods. A pending exception on env takes precedence over the
// returned value.
type NativeFunc func(env NativeEnv, args []JValue) JValue

// Method is a resolved method.
type Method struct {
	Class        *Class
	Name         string
	Signature    string
	Params       []string
	Return       string
	Shorty       string
	DexFile      *dex.File
	DexMethodIdx uint32
	Code         *dex.CodeItem
	Native       NativeFunc
	VtableIndex  int

	accessFlags atomic.Uint32
}

func newMethod(c *Class, name, sig string, flags uint32) *Method {
	params, ret, _ := dex.ParseSignature(sig)
	m := &Method{
		Class:       c,
		Name:        name,
		Signature:   sig,
		Params:      params,
		Return:      ret,
		Shorty:      dex.MethodShorty(ret, params),
		VtableIndex: -1,
	}
	m.accessFlags.Store(flags)
	return m
}

// AccessFlags returns the current flags. Verification may add
// AccSkipAccessChecks concurrently with execution.
func (m *Method) AccessFlags() uint32 { return m.accessFlags.Load() }

// SetSkipAccessChecks records that the method verified cleanly.
func (m *Method) SetSkipAccessChecks() {
	for {
		old := m.accessFlags.Load()
		if old&AccSkipAccessChecks != 0 || m.accessFlags.CompareAndSwap(old, old|AccSkipAccessChecks) {
			return
		}
	}
}

func (m *Method) SkipAccessChecks() bool { return m.AccessFlags()&AccSkipAccessChecks != 0 }
func (m *Method) IsStatic() bool         { return m.AccessFlags()&dex.AccStatic != 0 }
func (m *Method) IsPrivate() bool        { return m.AccessFlags()&dex.AccPrivate != 0 }
func (m *Method) IsPublic() bool         { return m.AccessFlags()&dex.AccPublic != 0 }
func (m *Method) IsProtected() bool      { return m.AccessFlags()&dex.AccProtected != 0 }
func (m *Method) IsFinal() bool          { return m.AccessFlags()&dex.AccFinal != 0 }
func (m *Method) IsAbstract() bool       { return m.AccessFlags()&dex.AccAbstract != 0 }
func (m *Method) IsNative() bool         { return m.AccessFlags()&dex.AccNative != 0 }
func (m *Method) IsConstructor() bool    { return m.Name == "<init>" }
func (m *Method) IsClassInitializer() bool {
	return m.Name == "<clinit>"
}

// IsSynchronized covers both the declared flag and the runtime flag.
func (m *Method) IsSynchronized() bool {
	return m.AccessFlags()&(dex.AccSynchronized|dex.AccDeclaredSynchronized) != 0
}

// IsDirect reports methods bound without virtual dispatch.
func (m *Method) IsDirect() bool {
	return m.IsStatic() || m.IsPrivate() || m.IsConstructor() || m.IsClassInitializer()
}

// ArgWords counts the argument registers, including the receiver.
func (m *Method) ArgWords() int {
	n := dex.ArgumentWords(m.Params)
	if !m.IsStatic() {
		n++
	}
	return n
}

// IsStringConstructor reports constructors of java.lang.String, which the
// runtime replaces with StringFactory calls.
func (m *Method) IsStringConstructor() bool {
	return m.IsConstructor() && m.Class.Descriptor == "Ljava/lang/String;"
}

// PrettyMethod renders Lpkg/C;->name(sig).
func (m *Method) PrettyMethod() string {
	return m.Class.Descriptor + "->" + m.Name + m.Signature
}

func (m *Method) String() string { return m.PrettyMethod() }

// Key identifies a method across linkers, e.g. "Ljava/lang/String;->length()I".
func (m *Method) Key() string { return m.PrettyMethod() }

// StringFactoryFor maps a String constructor signature to the factory method
// name that replaces it. The factory takes the constructor's parameters and
// returns the new string.
func StringFactoryFor(signature string) (string, bool) {
	switch signature {
	case "()V":
		return "newEmptyString", true
	case "(Ljava/lang/String;)V":
		return "newStringFromString", true
	case "([C)V":
		return "newStringFromChars", true
	case "([CII)V":
		return "newStringFromCharsRange", true
	}
	return "", false
}

// StringFactorySignature converts a constructor signature to the factory's.
func StringFactorySignature(ctorSig string) string {
	return strings.TrimSuffix(ctorSig, "V") + "Ljava/lang/String;"
}
