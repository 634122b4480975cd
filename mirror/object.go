package mirror

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unicode/utf16"
)

var nextIdentityHash atomic.Int32

// Object is a heap instance. Instance fields are split between 32-bit
// primitive slots and reference slots, indexed by Field.Offset. Arrays keep
// one 64-bit cell per primitive element. Strings keep UTF-16 code units.
type Object struct {
	Class *Class

	prims []uint32
	refs  []*Object

	elems    []uint64
	elemRefs []*Object
	length   int32

	chars []uint16

	classValue *Class

	monitorOnce sync.Once
	monitor     *Monitor
	hash        atomic.Int32
}

// NewInstance allocates a zeroed instance of c.
func NewInstance(c *Class) *Object {
	return &Object{
		Class: c,
		prims: make([]uint32, c.NumPrimSlots),
		refs:  make([]*Object, c.NumRefSlots),
	}
}

// NewArray allocates an array of class c, which must be an array class.
func NewArray(c *Class, length int32) *Object {
	o := &Object{Class: c, length: length}
	if c.ComponentType.IsPrimitive() {
		o.elems = make([]uint64, length)
	} else {
		o.elemRefs = make([]*Object, length)
	}
	return o
}

func (o *Object) IsArray() bool  { return o.Class.IsArray() }
func (o *Object) IsString() bool { return o.chars != nil || o.Class.Descriptor == "Ljava/lang/String;" }

// Length returns the array length.
func (o *Object) Length() int32 { return o.length }

func (o *Object) Elem(i int32) uint64           { return o.elems[i] }
func (o *Object) SetElem(i int32, v uint64)     { o.elems[i] = v }
func (o *Object) ElemRef(i int32) *Object       { return o.elemRefs[i] }
func (o *Object) SetElemRef(i int32, v *Object) { o.elemRefs[i] = v }

// Field accessors. Wide fields occupy two consecutive primitive slots.

func (o *Object) GetField32(f *Field) uint32      { return o.prims[f.Offset] }
func (o *Object) SetField32(f *Field, v uint32)   { o.prims[f.Offset] = v }
func (o *Object) GetFieldRef(f *Field) *Object    { return o.refs[f.Offset] }
func (o *Object) SetFieldRef(f *Field, v *Object) { o.refs[f.Offset] = v }

func (o *Object) GetField64(f *Field) uint64 {
	return uint64(o.prims[f.Offset]) | uint64(o.prims[f.Offset+1])<<32
}

func (o *Object) SetField64(f *Field, v uint64) {
	o.prims[f.Offset] = uint32(v)
	o.prims[f.Offset+1] = uint32(v >> 32)
}

// Chars returns the UTF-16 contents of a string object.
func (o *Object) Chars() []uint16 { return o.chars }

// StringValue converts a string object to a Go string.
func (o *Object) StringValue() string {
	return string(utf16.Decode(o.chars))
}

// ClassValue returns the class represented by a java.lang.Class instance.
func (o *Object) ClassValue() *Class { return o.classValue }

// Monitor returns the object's lock, inflating it on first use.
func (o *Object) Monitor() *Monitor {
	o.monitorOnce.Do(func() { o.monitor = NewMonitor() })
	return o.monitor
}

// IdentityHashCode returns a stable, lazily assigned hash.
func (o *Object) IdentityHashCode() int32 {
	if h := o.hash.Load(); h != 0 {
		return h
	}
	h := nextIdentityHash.Add(1)
	if o.hash.CompareAndSwap(0, h) {
		return h
	}
	return o.hash.Load()
}

// InstanceOf reports whether o is an instance of c.
func (o *Object) InstanceOf(c *Class) bool {
	return o != nil && c.IsAssignableFrom(o.Class)
}

func (o *Object) String() string {
	if o == nil {
		return "null"
	}
	if o.chars != nil {
		return fmt.Sprintf("%q", o.StringValue())
	}
	if o.classValue != nil {
		return "class " + o.classValue.PrettyName()
	}
	return fmt.Sprintf("%s@%x", o.Class.PrettyName(), o.IdentityHashCode())
}

// CloneShallow copies o's slots into a new object of the same class.
func (o *Object) CloneShallow() *Object {
	c := &Object{
		Class:      o.Class,
		prims:      append([]uint32(nil), o.prims...),
		refs:       append([]*Object(nil), o.refs...),
		elems:      append([]uint64(nil), o.elems...),
		elemRefs:   append([]*Object(nil), o.elemRefs...),
		length:     o.length,
		chars:      o.chars,
		classValue: o.classValue,
	}
	if o.elems != nil && c.elems == nil {
		c.elems = []uint64{}
	}
	return c
}
