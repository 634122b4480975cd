package mirror

import (
	"strings"
	"sync"
	"sync/atomic"

	"github.com/chazu/dexvm/dex"
)

// ClassStatus tracks a class through linking, verification and
// initialization. Statuses only move forward, except to StatusError.
type ClassStatus int32

const (
	StatusError ClassStatus = iota - 1
	StatusNotReady
	StatusLoaded
	StatusResolved
	StatusVerifying
	StatusRetryVerificationAtRuntime
	StatusVerified
	StatusInitializing
	StatusInitialized
)

var statusNames = map[ClassStatus]string{
	StatusError:                      "Error",
	StatusNotReady:                   "NotReady",
	StatusLoaded:                     "Loaded",
	StatusResolved:                   "Resolved",
	StatusVerifying:                  "Verifying",
	StatusRetryVerificationAtRuntime: "RetryVerificationAtRuntime",
	StatusVerified:                   "Verified",
	StatusInitializing:               "Initializing",
	StatusInitialized:                "Initialized",
}

func (s ClassStatus) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return "Unknown"
}

// Class is a linked class: boot, dex-defined, array or primitive.
type Class struct {
	Descriptor    string
	AccessFlags   uint32
	Super         *Class
	Interfaces    []*Class
	ComponentType *Class
	// PrimitiveType is the shorty character of a primitive class, else 0.
	PrimitiveType byte

	DexFile     *dex.File
	ClassDefIdx int

	DirectMethods  []*Method
	VirtualMethods []*Method
	InstanceFields []*Field
	StaticFields   []*Field
	Vtable         []*Method

	NumPrimSlots int
	NumRefSlots  int
	staticPrims  []uint32
	staticRefs   []*Object

	status     atomic.Int32
	initMu     sync.Mutex
	initCond   *sync.Cond
	initThread uint64
	initErr    error

	classObjOnce sync.Once
	classObj     *Object
	linker       *ClassLinker
}

func newClass(l *ClassLinker, descriptor string, flags uint32) *Class {
	c := &Class{Descriptor: descriptor, AccessFlags: flags, ClassDefIdx: -1, linker: l}
	c.initCond = sync.NewCond(&c.initMu)
	return c
}

func (c *Class) Status() ClassStatus { return ClassStatus(c.status.Load()) }

// SetStatus moves the class to s. Used by the verification driver.
func (c *Class) SetStatus(s ClassStatus) { c.status.Store(int32(s)) }

func (c *Class) IsInterface() bool   { return c.AccessFlags&dex.AccInterface != 0 }
func (c *Class) IsAbstract() bool    { return c.AccessFlags&dex.AccAbstract != 0 }
func (c *Class) IsFinal() bool       { return c.AccessFlags&dex.AccFinal != 0 }
func (c *Class) IsPublic() bool      { return c.AccessFlags&dex.AccPublic != 0 }
func (c *Class) IsArray() bool       { return c.ComponentType != nil }
func (c *Class) IsPrimitive() bool   { return c.PrimitiveType != 0 }
func (c *Class) IsErroneous() bool   { return c.Status() == StatusError }
func (c *Class) IsInitialized() bool { return c.Status() == StatusInitialized }

// IsVerified reports classes whose methods passed verification, including
// classes left for runtime re-verification.
func (c *Class) IsVerified() bool {
	s := c.Status()
	return s >= StatusVerified || s == StatusRetryVerificationAtRuntime
}

// IsObjectClass reports java.lang.Object.
func (c *Class) IsObjectClass() bool {
	return c.Super == nil && !c.IsPrimitive() && !c.IsInterface()
}

// IsInstantiable reports classes new-instance may allocate.
func (c *Class) IsInstantiable() bool {
	return !c.IsInterface() && !c.IsAbstract() && !c.IsArray() && !c.IsPrimitive()
}

// PrettyName renders the class in Java source form.
func (c *Class) PrettyName() string { return dex.PrettyDescriptor(c.Descriptor) }

func (c *Class) String() string { return c.Descriptor }

// Package returns the descriptor's package prefix, e.g. "Ljava/lang".
func (c *Class) Package() string {
	d := c.Descriptor
	for d != "" && d[0] == '[' {
		d = d[1:]
	}
	if i := strings.LastIndexByte(d, '/'); i >= 0 {
		return d[:i]
	}
	return ""
}

// InSamePackage compares packages. Primitive and array classes compare by
// their element type.
func (c *Class) InSamePackage(o *Class) bool { return c.Package() == o.Package() }

// ---------------------------------------------------------------------------
// Type relations
// ---------------------------------------------------------------------------

// IsSubclassOf walks the superclass chain, including c itself.
func (c *Class) IsSubclassOf(o *Class) bool {
	for k := c; k != nil; k = k.Super {
		if k == o {
			return true
		}
	}
	return false
}

// Implements reports whether c or a superclass implements iface, directly or
// through superinterfaces.
func (c *Class) Implements(iface *Class) bool {
	for k := c; k != nil; k = k.Super {
		for _, i := range k.Interfaces {
			if i == iface || i.Implements(iface) {
				return true
			}
		}
	}
	return false
}

// IsAssignableFrom reports whether a value of class src can be stored in a
// variable of class c.
func (c *Class) IsAssignableFrom(src *Class) bool {
	switch {
	case c == src:
		return true
	case c.IsPrimitive() || src.IsPrimitive():
		return false
	case c.IsObjectClass():
		return true
	case c.IsArray():
		if !src.IsArray() {
			return false
		}
		if c.ComponentType.IsPrimitive() || src.ComponentType.IsPrimitive() {
			return c.ComponentType == src.ComponentType
		}
		return c.ComponentType.IsAssignableFrom(src.ComponentType)
	case c.IsInterface():
		return src.Implements(c)
	}
	return !src.IsInterface() && src.IsSubclassOf(c)
}

func (c *Class) depth() int {
	n := 0
	for k := c.Super; k != nil; k = k.Super {
		n++
	}
	return n
}

// ---------------------------------------------------------------------------
// Member lookup
// ---------------------------------------------------------------------------

func findIn(list []*Method, name, sig string) *Method {
	for _, m := range list {
		if m.Name == name && m.Signature == sig {
			return m
		}
	}
	return nil
}

func (c *Class) FindDeclaredDirectMethod(name, sig string) *Method {
	return findIn(c.DirectMethods, name, sig)
}

func (c *Class) FindDeclaredVirtualMethod(name, sig string) *Method {
	return findIn(c.VirtualMethods, name, sig)
}

// FindDirectMethod searches direct methods of c and its superclasses.
func (c *Class) FindDirectMethod(name, sig string) *Method {
	for k := c; k != nil; k = k.Super {
		if m := k.FindDeclaredDirectMethod(name, sig); m != nil {
			return m
		}
	}
	return nil
}

// FindVirtualMethod searches virtual methods of c and its superclasses.
func (c *Class) FindVirtualMethod(name, sig string) *Method {
	for k := c; k != nil; k = k.Super {
		if m := k.FindDeclaredVirtualMethod(name, sig); m != nil {
			return m
		}
	}
	return nil
}

// FindInterfaceMethod searches c, its superinterfaces breadth first, and
// finally the public methods of java.lang.Object.
func (c *Class) FindInterfaceMethod(name, sig string) *Method {
	seen := map[*Class]bool{}
	queue := []*Class{c}
	for len(queue) > 0 {
		k := queue[0]
		queue = queue[1:]
		if seen[k] {
			continue
		}
		seen[k] = true
		if m := k.FindDeclaredVirtualMethod(name, sig); m != nil {
			return m
		}
		queue = append(queue, k.Interfaces...)
	}
	for k := c.Super; k != nil; k = k.Super {
		if m := k.FindDeclaredVirtualMethod(name, sig); m != nil && m.IsPublic() {
			return m
		}
	}
	return nil
}

// FindVirtualMethodFor selects the implementation of m that a receiver of
// class c dispatches to. Direct methods bind to themselves.
func (c *Class) FindVirtualMethodFor(m *Method) *Method {
	if m.IsDirect() {
		return m
	}
	if m.Class.IsInterface() {
		for i := len(c.Vtable) - 1; i >= 0; i-- {
			if v := c.Vtable[i]; v.Name == m.Name && v.Signature == m.Signature {
				return v
			}
		}
		return nil
	}
	if m.VtableIndex >= 0 && m.VtableIndex < len(c.Vtable) {
		return c.Vtable[m.VtableIndex]
	}
	return nil
}

// FindInstanceField searches c and its superclasses.
func (c *Class) FindInstanceField(name, typ string) *Field {
	for k := c; k != nil; k = k.Super {
		for _, f := range k.InstanceFields {
			if f.Name == name && f.Type == typ {
				return f
			}
		}
	}
	return nil
}

// FindStaticField searches c, its interfaces, then its superclass, as field
// resolution specifies.
func (c *Class) FindStaticField(name, typ string) *Field {
	for _, f := range c.StaticFields {
		if f.Name == name && f.Type == typ {
			return f
		}
	}
	for _, i := range c.Interfaces {
		if f := i.FindStaticField(name, typ); f != nil {
			return f
		}
	}
	if c.Super != nil {
		return c.Super.FindStaticField(name, typ)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Static storage
// ---------------------------------------------------------------------------

func (c *Class) GetStatic32(f *Field) uint32      { return f.Class.staticPrims[f.Offset] }
func (c *Class) SetStatic32(f *Field, v uint32)   { f.Class.staticPrims[f.Offset] = v }
func (c *Class) GetStaticRef(f *Field) *Object    { return f.Class.staticRefs[f.Offset] }
func (c *Class) SetStaticRef(f *Field, v *Object) { f.Class.staticRefs[f.Offset] = v }

func (c *Class) GetStatic64(f *Field) uint64 {
	p := f.Class.staticPrims
	return uint64(p[f.Offset]) | uint64(p[f.Offset+1])<<32
}

func (c *Class) SetStatic64(f *Field, v uint64) {
	p := f.Class.staticPrims
	p[f.Offset] = uint32(v)
	p[f.Offset+1] = uint32(v >> 32)
}

// ClassObject returns the java.lang.Class instance for c.
func (c *Class) ClassObject() *Object {
	c.classObjOnce.Do(func() {
		c.classObj = &Object{Class: c.linker.ClassClass, classValue: c}
	})
	return c.classObj
}

// InitializationError returns the error recorded when c failed to
// initialize, if any.
func (c *Class) InitializationError() error {
	c.initMu.Lock()
	defer c.initMu.Unlock()
	return c.initErr
}
