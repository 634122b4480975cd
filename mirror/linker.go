// Package mirror is the runtime object model: classes, fields, methods,
// heap objects, monitors and the class linker that resolves dex pool
// references against them.
package mirror

import (
	"errors"
	"fmt"
	"sync"
	"unicode/utf16"

	lru "github.com/hashicorp/golang-lru"
	"github.com/tliron/commonlog"

	"github.com/chazu/dexvm/dex"
)

var log = commonlog.GetLogger("dexvm.mirror")

// ErrClassNotFound is wrapped by link errors for descriptors no registered
// dex file or boot class defines.
var ErrClassNotFound = errors.New("class not found")

// LinkError describes a class that could not be found or linked. Exception
// is the descriptor of the throwable the runtime raises for it.
type LinkError struct {
	Descriptor string
	Exception  string
	Msg        string
	Err        error
}

func (e *LinkError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", dex.PrettyDescriptor(e.Exception), e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", dex.PrettyDescriptor(e.Exception), e.Msg)
}

func (e *LinkError) Unwrap() error { return e.Err }

// Resolution is the three-valued outcome of resolving a pool reference.
type Resolution int

const (
	// Resolved: the reference names a linked class or member.
	Resolved Resolution = iota
	// Absent: the class resolved but the member does not exist, or the
	// reference itself is malformed.
	Absent
	// Deferred: the class is not available now; the outcome may change.
	Deferred
)

func (r Resolution) String() string {
	switch r {
	case Resolved:
		return "resolved"
	case Absent:
		return "absent"
	}
	return "deferred"
}

// InvokeKind is the dispatch flavor of an invoke instruction.
type InvokeKind int

const (
	InvokeStatic InvokeKind = iota
	InvokeDirect
	InvokeVirtual
	InvokeSuper
	InvokeInterface
)

func (k InvokeKind) String() string {
	return [...]string{"static", "direct", "virtual", "super", "interface"}[k]
}

// InvokeKindOf maps an invoke opcode to its kind.
func InvokeKindOf(op dex.Opcode) InvokeKind {
	switch op {
	case dex.OpInvokeStatic, dex.OpInvokeStaticRange:
		return InvokeStatic
	case dex.OpInvokeDirect, dex.OpInvokeDirectRange:
		return InvokeDirect
	case dex.OpInvokeSuper, dex.OpInvokeSuperRange:
		return InvokeSuper
	case dex.OpInvokeInterface, dex.OpInvokeInterfaceRange:
		return InvokeInterface
	}
	return InvokeVirtual
}

type classDefRef struct {
	file *dex.File
	idx  int
}

type resolveKey struct {
	file *dex.File
	kind byte
	idx  uint32
}

// resolveCacheSize bounds the pool-resolution cache.
const resolveCacheSize = 4096

// ClassLinker owns every loaded class. Classes are defined on first lookup
// from the registered dex files; boot classes exist from construction.
type ClassLinker struct {
	mu       sync.RWMutex
	classes  map[string]*Class
	defs     map[string]classDefRef
	failed   map[string]error
	loading  map[string]bool
	dexFiles []*dex.File
	natives  map[string]NativeFunc

	cache *lru.ARCCache

	stringsMu sync.Mutex
	interned  map[string]*Object

	ObjectClass    *Class
	ClassClass     *Class
	StringClass    *Class
	ThrowableClass *Class
}

// NewClassLinker creates a linker holding the primitive and boot classes.
func NewClassLinker() *ClassLinker {
	cache, err := lru.NewARC(resolveCacheSize)
	if err != nil {
		panic(err)
	}
	l := &ClassLinker{
		classes:  make(map[string]*Class),
		defs:     make(map[string]classDefRef),
		failed:   make(map[string]error),
		loading:  make(map[string]bool),
		natives:  make(map[string]NativeFunc),
		cache:    cache,
		interned: make(map[string]*Object),
	}
	for _, p := range "ZBSCIJFDV" {
		c := newClass(l, string(p), dex.AccPublic|dex.AccFinal|dex.AccAbstract)
		c.PrimitiveType = byte(p)
		c.SetStatus(StatusInitialized)
		l.classes[c.Descriptor] = c
	}
	l.defineBootClasses()
	l.ObjectClass = l.classes[DescObject]
	l.ClassClass = l.classes[DescClass]
	l.StringClass = l.classes[DescString]
	l.ThrowableClass = l.classes[DescThrowable]
	return l
}

// RegisterDexFile makes the classes of f loadable. The first definition of
// a descriptor wins; boot classes cannot be redefined.
func (l *ClassLinker) RegisterDexFile(f *dex.File) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dexFiles = append(l.dexFiles, f)
	for i := range f.ClassDefs {
		desc := f.ClassDescriptor(i)
		if _, ok := l.classes[desc]; ok {
			log.Warningf("%s: ignoring redefinition of %s", f.Location, desc)
			continue
		}
		if prev, ok := l.defs[desc]; ok {
			log.Warningf("%s: %s already defined by %s", f.Location, desc, prev.file.Location)
			continue
		}
		l.defs[desc] = classDefRef{file: f, idx: i}
	}
	log.Debugf("registered %s (%d class defs)", f.Location, len(f.ClassDefs))
}

// DexFiles returns the registered files in registration order.
func (l *ClassLinker) DexFiles() []*dex.File {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]*dex.File(nil), l.dexFiles...)
}

// LookupClass returns an already loaded class without loading anything.
func (l *ClassLinker) LookupClass(descriptor string) (*Class, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	c, ok := l.classes[descriptor]
	return c, ok
}

// FindClass returns the class for descriptor, loading and linking it (and
// its superclasses, interfaces or component type) on demand.
func (l *ClassLinker) FindClass(descriptor string) (*Class, error) {
	if c, ok := l.LookupClass(descriptor); ok {
		return c, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.findLocked(descriptor)
}

func (l *ClassLinker) findLocked(desc string) (*Class, error) {
	if c, ok := l.classes[desc]; ok {
		return c, nil
	}
	if err, ok := l.failed[desc]; ok {
		return nil, err
	}
	if dex.IsArrayDescriptor(desc) {
		if dex.ArrayDimensions(desc) > 255 || !dex.IsValidDescriptor(desc, false) {
			return nil, &LinkError{Descriptor: desc, Exception: ExcNoClassDefFound, Msg: "invalid array descriptor", Err: ErrClassNotFound}
		}
		comp, err := l.findLocked(desc[1:])
		if err != nil {
			return nil, err
		}
		return l.defineArrayLocked(desc, comp), nil
	}
	ref, ok := l.defs[desc]
	if !ok {
		return nil, &LinkError{Descriptor: desc, Exception: ExcNoClassDefFound, Msg: dex.PrettyDescriptor(desc), Err: ErrClassNotFound}
	}
	c, err := l.defineLocked(desc, ref)
	if err != nil {
		l.failed[desc] = err
		log.Warningf("linking %s failed: %v", desc, err)
		return nil, err
	}
	return c, nil
}

func (l *ClassLinker) defineArrayLocked(desc string, comp *Class) *Class {
	obj := l.classes[DescObject]
	c := newClass(l, desc, dex.AccPublic|dex.AccFinal|dex.AccAbstract)
	c.Super = obj
	c.ComponentType = comp
	c.Interfaces = []*Class{l.classes[DescCloneable], l.classes[DescSerializable]}
	c.Vtable = obj.Vtable
	c.SetStatus(StatusInitialized)
	l.classes[desc] = c
	return c
}

func (l *ClassLinker) defineLocked(desc string, ref classDefRef) (*Class, error) {
	f := ref.file
	def := &f.ClassDefs[ref.idx]
	c := newClass(l, desc, def.AccessFlags)
	c.DexFile = f
	c.ClassDefIdx = ref.idx
	c.SetStatus(StatusLoaded)

	l.loading[desc] = true
	defer delete(l.loading, desc)

	linkErr := func(exc, format string, args ...interface{}) error {
		return &LinkError{Descriptor: desc, Exception: exc, Msg: fmt.Sprintf(format, args...)}
	}
	dependency := func(d string) (*Class, error) {
		if l.loading[d] {
			return nil, linkErr(ExcClassCircularity, "%s depends on itself through %s", dex.PrettyDescriptor(desc), dex.PrettyDescriptor(d))
		}
		return l.findLocked(d)
	}

	if def.SuperclassIdx == dex.NoIndex {
		return nil, linkErr(ExcNoClassDefFound, "%s has no superclass", dex.PrettyDescriptor(desc))
	}
	super, err := dependency(f.TypeDescriptor(def.SuperclassIdx))
	if err != nil {
		return nil, err
	}
	if super.IsInterface() {
		return nil, linkErr(ExcIncompatibleClassChange, "superclass %s of %s is an interface", super.PrettyName(), dex.PrettyDescriptor(desc))
	}
	if super.IsFinal() {
		return nil, linkErr(ExcVerify, "superclass %s of %s is declared final", super.PrettyName(), dex.PrettyDescriptor(desc))
	}
	if !super.IsPublic() && !super.InSamePackage(c) {
		return nil, linkErr(ExcIllegalAccess, "superclass %s of %s is inaccessible", super.PrettyName(), dex.PrettyDescriptor(desc))
	}
	c.Super = super
	for _, ti := range def.Interfaces {
		iface, err := dependency(f.TypeDescriptor(uint32(ti)))
		if err != nil {
			return nil, err
		}
		if !iface.IsInterface() {
			return nil, linkErr(ExcIncompatibleClassChange, "class %s implements non-interface class %s", dex.PrettyDescriptor(desc), iface.PrettyName())
		}
		c.Interfaces = append(c.Interfaces, iface)
	}

	c.NumPrimSlots, c.NumRefSlots = super.NumPrimSlots, super.NumRefSlots
	var staticPrims, staticRefs int
	if cd := def.Data; cd != nil {
		for _, ef := range cd.StaticFields {
			fld := l.newDexField(c, f, ef)
			fld.Offset, staticPrims, staticRefs = allocSlot(fld, staticPrims, staticRefs)
			c.StaticFields = append(c.StaticFields, fld)
		}
		for _, ef := range cd.InstanceFields {
			fld := l.newDexField(c, f, ef)
			fld.Offset, c.NumPrimSlots, c.NumRefSlots = allocSlot(fld, c.NumPrimSlots, c.NumRefSlots)
			c.InstanceFields = append(c.InstanceFields, fld)
		}
		for _, em := range cd.DirectMethods {
			c.DirectMethods = append(c.DirectMethods, l.newDexMethod(c, f, em))
		}
		for _, em := range cd.VirtualMethods {
			c.VirtualMethods = append(c.VirtualMethods, l.newDexMethod(c, f, em))
		}
	}
	c.staticPrims = make([]uint32, staticPrims)
	c.staticRefs = make([]*Object, staticRefs)

	if !c.IsInterface() {
		if err := l.buildVtable(c); err != nil {
			return nil, err
		}
	}
	c.SetStatus(StatusResolved)
	l.classes[desc] = c
	log.Debugf("linked %s (%d vtable entries)", desc, len(c.Vtable))
	return c, nil
}

func allocSlot(f *Field, prims, refs int) (offset, newPrims, newRefs int) {
	switch {
	case f.IsReference():
		return refs, prims, refs + 1
	case f.IsWide():
		return prims, prims + 2, refs
	}
	return prims, prims + 1, refs
}

func (l *ClassLinker) newDexField(c *Class, f *dex.File, ef dex.EncodedField) *Field {
	fid := f.Field(ef.FieldIdx)
	fld := &Field{Class: c, AccessFlags: ef.AccessFlags, DexFieldIdx: ef.FieldIdx}
	if fid != nil {
		fld.Name = f.String(fid.NameIdx)
		fld.Type = f.TypeDescriptor(uint32(fid.TypeIdx))
	}
	return fld
}

func (l *ClassLinker) newDexMethod(c *Class, f *dex.File, em dex.EncodedMethod) *Method {
	m := newMethod(c, f.MethodName(em.MethodIdx), f.MethodSignature(em.MethodIdx), em.AccessFlags)
	m.DexFile = f
	m.DexMethodIdx = em.MethodIdx
	m.Code = em.Code
	if m.IsNative() {
		m.Native = l.natives[m.Key()]
	}
	return m
}

// buildVtable copies the superclass table and lets c's virtual methods
// override entries with the same name and signature.
func (l *ClassLinker) buildVtable(c *Class) error {
	vt := append([]*Method(nil), c.Super.Vtable...)
	for _, m := range c.VirtualMethods {
		slot := -1
		for i, sm := range vt {
			if sm.Name == m.Name && sm.Signature == m.Signature {
				slot = i
				break
			}
		}
		if slot < 0 {
			m.VtableIndex = len(vt)
			vt = append(vt, m)
			continue
		}
		if vt[slot].IsFinal() {
			return &LinkError{Descriptor: c.Descriptor, Exception: ExcVerify,
				Msg: fmt.Sprintf("method %s overrides final method %s", m.PrettyMethod(), vt[slot].PrettyMethod())}
		}
		m.VtableIndex = slot
		vt[slot] = m
	}
	c.Vtable = vt
	return nil
}

// RegisterNative binds fn to every method with the given key
// ("Lpkg/C;->name(sig)"), now and for classes linked later.
func (l *ClassLinker) RegisterNative(key string, fn NativeFunc) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.natives[key] = fn
	for _, c := range l.classes {
		for _, list := range [][]*Method{c.DirectMethods, c.VirtualMethods} {
			for _, m := range list {
				if m.Key() == key {
					m.Native = fn
				}
			}
		}
	}
}

// ---------------------------------------------------------------------------
// Pool resolution
// ---------------------------------------------------------------------------

// ResolveType resolves a type index. Classes that cannot be found or linked
// are Deferred; a malformed descriptor is Absent.
func (l *ClassLinker) ResolveType(f *dex.File, typeIdx uint32) (*Class, Resolution) {
	key := resolveKey{f, 't', typeIdx}
	if v, ok := l.cache.Get(key); ok {
		return v.(*Class), Resolved
	}
	desc := f.TypeDescriptor(typeIdx)
	if !dex.IsValidDescriptor(desc, true) {
		return nil, Absent
	}
	c, err := l.FindClass(desc)
	if err != nil {
		return nil, Deferred
	}
	l.cache.Add(key, c)
	return c, Resolved
}

// TypeError returns the link error behind a Deferred type resolution.
func (l *ClassLinker) TypeError(f *dex.File, typeIdx uint32) error {
	_, err := l.FindClass(f.TypeDescriptor(typeIdx))
	return err
}

// ResolveField resolves a field index. When no field of the requested
// staticness exists, a field of the other kind is returned so the caller can
// report IncompatibleClassChangeError.
func (l *ClassLinker) ResolveField(f *dex.File, fieldIdx uint32, static bool) (*Field, Resolution) {
	kind := byte('i')
	if static {
		kind = 's'
	}
	key := resolveKey{f, kind, fieldIdx}
	if v, ok := l.cache.Get(key); ok {
		return v.(*Field), Resolved
	}
	fid := f.Field(fieldIdx)
	if fid == nil {
		return nil, Absent
	}
	c, r := l.ResolveType(f, uint32(fid.ClassIdx))
	if r != Resolved {
		return nil, r
	}
	name, typ := f.String(fid.NameIdx), f.TypeDescriptor(uint32(fid.TypeIdx))
	first, second := c.FindInstanceField, c.FindStaticField
	if static {
		first, second = second, first
	}
	fld := first(name, typ)
	if fld == nil {
		fld = second(name, typ)
	}
	if fld == nil {
		return nil, Absent
	}
	l.cache.Add(key, fld)
	return fld, Resolved
}

// ResolveMethod resolves a method index for an invoke of the given kind. The
// returned method may still be incompatible with kind; see CheckInvokeKind.
func (l *ClassLinker) ResolveMethod(f *dex.File, methodIdx uint32, kind InvokeKind) (*Method, Resolution) {
	key := resolveKey{f, 'm' + byte(kind), methodIdx}
	if v, ok := l.cache.Get(key); ok {
		return v.(*Method), Resolved
	}
	mid := f.Method(methodIdx)
	if mid == nil {
		return nil, Absent
	}
	c, r := l.ResolveType(f, uint32(mid.ClassIdx))
	if r != Resolved {
		return nil, r
	}
	name, sig := f.MethodName(methodIdx), f.MethodSignature(methodIdx)
	var m *Method
	switch kind {
	case InvokeStatic, InvokeDirect:
		if m = c.FindDirectMethod(name, sig); m == nil {
			m = c.FindVirtualMethod(name, sig)
		}
	case InvokeInterface:
		if m = c.FindInterfaceMethod(name, sig); m == nil {
			m = c.FindDirectMethod(name, sig)
		}
	default:
		if m = c.FindVirtualMethod(name, sig); m == nil {
			if m = c.FindInterfaceMethod(name, sig); m == nil {
				m = c.FindDirectMethod(name, sig)
			}
		}
	}
	if m == nil {
		return nil, Absent
	}
	l.cache.Add(key, m)
	return m, Resolved
}

// CheckInvokeKind validates a resolved method against the invoke that named
// it through referenced. It returns an empty string when compatible.
func CheckInvokeKind(referenced *Class, m *Method, kind InvokeKind) string {
	switch kind {
	case InvokeStatic:
		if !m.IsStatic() {
			return fmt.Sprintf("expected static method %s", m.PrettyMethod())
		}
	case InvokeDirect:
		if m.IsStatic() || !(m.IsPrivate() || m.IsConstructor()) {
			return fmt.Sprintf("expected direct method %s", m.PrettyMethod())
		}
	case InvokeInterface:
		if !referenced.IsInterface() {
			return fmt.Sprintf("interface invoke of non-interface class %s", referenced.PrettyName())
		}
		if m.IsStatic() || m.IsConstructor() {
			return fmt.Sprintf("expected interface method %s", m.PrettyMethod())
		}
	default:
		if referenced.IsInterface() {
			return fmt.Sprintf("%s invoke of interface class %s", kind, referenced.PrettyName())
		}
		if m.IsStatic() || m.IsConstructor() || m.IsClassInitializer() {
			return fmt.Sprintf("expected virtual method %s", m.PrettyMethod())
		}
	}
	return ""
}

// ResolveString interns the string at idx.
func (l *ClassLinker) ResolveString(f *dex.File, idx uint32) *Object {
	return l.InternString(f.String(idx))
}

// InternString returns the canonical string object for s.
func (l *ClassLinker) InternString(s string) *Object {
	l.stringsMu.Lock()
	defer l.stringsMu.Unlock()
	if o, ok := l.interned[s]; ok {
		return o
	}
	o := l.NewString(s)
	l.interned[s] = o
	return o
}

// NewString allocates a fresh string object.
func (l *ClassLinker) NewString(s string) *Object {
	return l.NewStringFromChars(utf16.Encode([]rune(s)))
}

// NewStringFromChars allocates a string over a copy of chars.
func (l *ClassLinker) NewStringFromChars(chars []uint16) *Object {
	cp := make([]uint16, len(chars))
	copy(cp, chars)
	return &Object{Class: l.StringClass, chars: cp}
}

// ArrayClassOf returns the array class with the given component.
func (l *ClassLinker) ArrayClassOf(component *Class) (*Class, error) {
	return l.FindClass("[" + component.Descriptor)
}

// CommonSuperClass joins two reference classes: the most specific class both
// are assignable to, with interfaces and unrelated arrays collapsing to
// java.lang.Object.
func (l *ClassLinker) CommonSuperClass(a, b *Class) *Class {
	switch {
	case a == b:
		return a
	case a.IsAssignableFrom(b):
		return a
	case b.IsAssignableFrom(a):
		return b
	case a.IsArray() && b.IsArray():
		if a.ComponentType.IsPrimitive() || b.ComponentType.IsPrimitive() {
			return l.ObjectClass
		}
		elem := l.CommonSuperClass(a.ComponentType, b.ComponentType)
		arr, err := l.ArrayClassOf(elem)
		if err != nil {
			return l.ObjectClass
		}
		return arr
	case a.IsInterface() || b.IsInterface():
		return l.ObjectClass
	}
	da, db := a.depth(), b.depth()
	for da > db {
		a, da = a.Super, da-1
	}
	for db > da {
		b, db = b.Super, db-1
	}
	for a != b {
		a, b = a.Super, b.Super
	}
	return a
}

// CanAccessClass applies Java class accessibility.
func CanAccessClass(from, to *Class) bool {
	for to.IsArray() {
		to = to.ComponentType
	}
	return to.IsPrimitive() || to.IsPublic() || from.InSamePackage(to)
}

// CanAccessMember applies Java member accessibility for a member of declaring
// with the given flags, accessed from code in class from.
func CanAccessMember(from, declaring *Class, flags uint32) bool {
	switch {
	case from == declaring || flags&dex.AccPublic != 0:
		return true
	case flags&dex.AccPrivate != 0:
		return false
	case flags&dex.AccProtected != 0:
		return from.InSamePackage(declaring) || from.IsSubclassOf(declaring)
	}
	return from.InSamePackage(declaring)
}
