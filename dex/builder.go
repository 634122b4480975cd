package dex

import (
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"hash/adler32"
	"sort"
)

// ---------------------------------------------------------------------------
// Builder: helper for constructing whole DEX images
// ---------------------------------------------------------------------------

// Builder writes a DEX image. Pool entries are interned in first-use order,
// so the returned indices are stable while the image is being described.
type Builder struct {
	strings   []string
	stringIdx map[string]uint32
	types     []uint32
	typeIdx   map[string]uint32
	protos    []protoDef
	protoIdx  map[string]uint32
	fields    []FieldID
	fieldIdx  map[string]uint32
	methods   []MethodID
	methodIdx map[string]uint32
	classes   []*ClassBuilder
}

type protoDef struct {
	shorty uint32
	ret    uint32
	params []uint16
}

// NewBuilder creates an empty image builder.
func NewBuilder() *Builder {
	return &Builder{
		stringIdx: make(map[string]uint32),
		typeIdx:   make(map[string]uint32),
		protoIdx:  make(map[string]uint32),
		fieldIdx:  make(map[string]uint32),
		methodIdx: make(map[string]uint32),
	}
}

// StringIdx interns a string.
func (b *Builder) StringIdx(s string) uint32 {
	if i, ok := b.stringIdx[s]; ok {
		return i
	}
	i := uint32(len(b.strings))
	b.strings = append(b.strings, s)
	b.stringIdx[s] = i
	return i
}

// TypeIdx interns a type descriptor.
func (b *Builder) TypeIdx(descriptor string) uint32 {
	if i, ok := b.typeIdx[descriptor]; ok {
		return i
	}
	s := b.StringIdx(descriptor)
	i := uint32(len(b.types))
	b.types = append(b.types, s)
	b.typeIdx[descriptor] = i
	return i
}

// ProtoIdx interns a method prototype given as "(params)return".
func (b *Builder) ProtoIdx(signature string) uint32 {
	if i, ok := b.protoIdx[signature]; ok {
		return i
	}
	params, ret, err := ParseSignature(signature)
	if err != nil {
		panic(err)
	}
	p := protoDef{shorty: b.StringIdx(MethodShorty(ret, params)), ret: b.TypeIdx(ret)}
	for _, d := range params {
		p.params = append(p.params, uint16(b.TypeIdx(d)))
	}
	i := uint32(len(b.protos))
	b.protos = append(b.protos, p)
	b.protoIdx[signature] = i
	return i
}

// FieldIdx interns a field reference.
func (b *Builder) FieldIdx(class, name, typ string) uint32 {
	key := class + "->" + name + ":" + typ
	if i, ok := b.fieldIdx[key]; ok {
		return i
	}
	f := FieldID{ClassIdx: uint16(b.TypeIdx(class)), TypeIdx: uint16(b.TypeIdx(typ)), NameIdx: b.StringIdx(name)}
	i := uint32(len(b.fields))
	b.fields = append(b.fields, f)
	b.fieldIdx[key] = i
	return i
}

// MethodIdx interns a method reference.
func (b *Builder) MethodIdx(class, name, signature string) uint32 {
	key := class + "->" + name + signature
	if i, ok := b.methodIdx[key]; ok {
		return i
	}
	m := MethodID{ClassIdx: uint16(b.TypeIdx(class)), ProtoIdx: uint16(b.ProtoIdx(signature)), NameIdx: b.StringIdx(name)}
	i := uint32(len(b.methods))
	b.methods = append(b.methods, m)
	b.methodIdx[key] = i
	return i
}

// ClassBuilder describes one class definition.
type ClassBuilder struct {
	b            *Builder
	descriptor   string
	super        string
	flags        uint32
	interfaces   []string
	static       []EncodedField
	instance     []EncodedField
	direct       []builtMethod
	virtual      []builtMethod
	staticValues []EncodedValue
}

type builtMethod struct {
	idx   uint32
	flags uint32
	code  *CodeBuilder
}

// Class starts a class definition. super is "" only for java.lang.Object.
func (b *Builder) Class(descriptor, super string, flags uint32, interfaces ...string) *ClassBuilder {
	b.TypeIdx(descriptor)
	if super != "" {
		b.TypeIdx(super)
	}
	for _, i := range interfaces {
		b.TypeIdx(i)
	}
	c := &ClassBuilder{b: b, descriptor: descriptor, super: super, flags: flags, interfaces: interfaces}
	b.classes = append(b.classes, c)
	return c
}

// Field declares a field. AccStatic in flags selects the static list.
func (c *ClassBuilder) Field(name, typ string, flags uint32) uint32 {
	idx := c.b.FieldIdx(c.descriptor, name, typ)
	f := EncodedField{FieldIdx: idx, AccessFlags: flags}
	if flags&AccStatic != 0 {
		c.static = append(c.static, f)
	} else {
		c.instance = append(c.instance, f)
	}
	return idx
}

// StaticValues sets the initial values of static fields, in declaration order.
func (c *ClassBuilder) StaticValues(vals ...EncodedValue) {
	c.staticValues = vals
}

// Method declares a method. Static, private and constructor methods go in
// the direct list. code may be nil for abstract and native methods.
func (c *ClassBuilder) Method(name, signature string, flags uint32, code *CodeBuilder) uint32 {
	idx := c.b.MethodIdx(c.descriptor, name, signature)
	m := builtMethod{idx: idx, flags: flags, code: code}
	if flags&(AccStatic|AccPrivate|AccConstructor) != 0 {
		c.direct = append(c.direct, m)
	} else {
		c.virtual = append(c.virtual, m)
	}
	return idx
}

// Descriptor returns the class descriptor.
func (c *ClassBuilder) Descriptor() string { return c.descriptor }

// ---------------------------------------------------------------------------
// Serialization
// ---------------------------------------------------------------------------

type imageWriter struct {
	out []byte
}

func (w *imageWriter) align(n int) {
	for len(w.out)%n != 0 {
		w.out = append(w.out, 0)
	}
}

func (w *imageWriter) u16(v uint16) { w.out = binary.LittleEndian.AppendUint16(w.out, v) }
func (w *imageWriter) u32(v uint32) { w.out = binary.LittleEndian.AppendUint32(w.out, v) }

func (w *imageWriter) put32(at int, v uint32) {
	binary.LittleEndian.PutUint32(w.out[at:], v)
}

func (w *imageWriter) reserve(n int) int {
	at := len(w.out)
	w.out = append(w.out, make([]byte, n)...)
	return at
}

type mapItem struct {
	typ  uint16
	size uint32
	off  uint32
}

// Map item type codes.
const (
	mapHeader     = 0x0000
	mapStringID   = 0x0001
	mapTypeID     = 0x0002
	mapProtoID    = 0x0003
	mapFieldID    = 0x0004
	mapMethodID   = 0x0005
	mapClassDef   = 0x0006
	mapMapList    = 0x1000
	mapTypeList   = 0x1001
	mapClassData  = 0x2000
	mapCodeItem   = 0x2001
	mapStringData = 0x2002
	mapEncodedArr = 0x2005
)

// Build serializes the image, filling in checksum and signature.
func (b *Builder) Build() ([]byte, error) {
	type codeOut struct {
		item *CodeItem
		off  uint32
	}
	codes := make(map[*CodeBuilder]*codeOut)
	for _, c := range b.classes {
		for _, list := range [][]builtMethod{c.direct, c.virtual} {
			for _, m := range list {
				if m.code == nil {
					continue
				}
				item, err := m.code.Finish()
				if err != nil {
					return nil, fmt.Errorf("%s: %w", c.descriptor, err)
				}
				params, _, _ := ParseSignature(b.methodSignature(m.idx))
				ins := ArgumentWords(params)
				if m.flags&AccStatic == 0 {
					ins++
				}
				item.InsSize = uint16(ins)
				codes[m.code] = &codeOut{item: item}
			}
		}
	}

	w := &imageWriter{out: make([]byte, HeaderSize)}
	items := []mapItem{{typ: mapHeader, size: 1, off: 0}}
	section := func(typ uint16, n, per int) uint32 {
		if n == 0 {
			return 0
		}
		at := w.reserve(n * per)
		items = append(items, mapItem{typ: typ, size: uint32(n), off: uint32(at)})
		return uint32(at)
	}
	stringIDsOff := section(mapStringID, len(b.strings), 4)
	typeIDsOff := section(mapTypeID, len(b.types), 4)
	protoIDsOff := section(mapProtoID, len(b.protos), 12)
	fieldIDsOff := section(mapFieldID, len(b.fields), 8)
	methodIDsOff := section(mapMethodID, len(b.methods), 8)
	classDefsOff := section(mapClassDef, len(b.classes), 32)
	dataOff := len(w.out)

	// string_data_item
	if len(b.strings) > 0 {
		items = append(items, mapItem{typ: mapStringData, size: uint32(len(b.strings)), off: uint32(len(w.out))})
	}
	for i, s := range b.strings {
		w.put32(int(stringIDsOff)+4*i, uint32(len(w.out)))
		enc, n := EncodeMUTF8(s)
		w.out = AppendUleb128(w.out, uint32(n))
		w.out = append(w.out, enc...)
		w.out = append(w.out, 0)
	}
	for i, s := range b.types {
		w.put32(int(typeIDsOff)+4*i, s)
	}

	// type_list items for protos and interfaces
	typeLists := 0
	firstList := uint32(0)
	writeList := func(list []uint16) uint32 {
		if len(list) == 0 {
			return 0
		}
		w.align(4)
		at := uint32(len(w.out))
		if typeLists == 0 {
			firstList = at
		}
		typeLists++
		w.u32(uint32(len(list)))
		for _, t := range list {
			w.u16(t)
		}
		return at
	}
	for i, p := range b.protos {
		at := int(protoIDsOff) + 12*i
		w.put32(at, p.shorty)
		w.put32(at+4, p.ret)
		w.put32(at+8, writeList(p.params))
	}
	interfaceOffs := make([]uint32, len(b.classes))
	for i, c := range b.classes {
		var list []uint16
		for _, d := range c.interfaces {
			list = append(list, uint16(b.TypeIdx(d)))
		}
		interfaceOffs[i] = writeList(list)
	}
	if typeLists > 0 {
		items = append(items, mapItem{typ: mapTypeList, size: uint32(typeLists), off: firstList})
	}

	for i, f := range b.fields {
		at := int(fieldIDsOff) + 8*i
		binary.LittleEndian.PutUint16(w.out[at:], f.ClassIdx)
		binary.LittleEndian.PutUint16(w.out[at+2:], f.TypeIdx)
		w.put32(at+4, f.NameIdx)
	}
	for i, m := range b.methods {
		at := int(methodIDsOff) + 8*i
		binary.LittleEndian.PutUint16(w.out[at:], m.ClassIdx)
		binary.LittleEndian.PutUint16(w.out[at+2:], m.ProtoIdx)
		w.put32(at+4, m.NameIdx)
	}

	// code_item
	nCodes := 0
	for _, c := range b.classes {
		for _, list := range [][]builtMethod{c.direct, c.virtual} {
			for _, m := range list {
				co := codes[m.code]
				if co == nil || co.off != 0 {
					continue
				}
				w.align(4)
				co.off = uint32(len(w.out))
				if nCodes == 0 {
					items = append(items, mapItem{typ: mapCodeItem, off: co.off})
				}
				nCodes++
				writeCodeItem(w, co.item)
			}
		}
	}
	if nCodes > 0 {
		for i := range items {
			if items[i].typ == mapCodeItem {
				items[i].size = uint32(nCodes)
			}
		}
	}

	// class_data_item and encoded_array_item
	classDataOffs := make([]uint32, len(b.classes))
	staticOffs := make([]uint32, len(b.classes))
	nData, nArrays := 0, 0
	for i, c := range b.classes {
		if len(c.static)+len(c.instance)+len(c.direct)+len(c.virtual) == 0 {
			continue
		}
		classDataOffs[i] = uint32(len(w.out))
		if nData == 0 {
			items = append(items, mapItem{typ: mapClassData, off: classDataOffs[i]})
		}
		nData++
		w.out = AppendUleb128(w.out, uint32(len(c.static)))
		w.out = AppendUleb128(w.out, uint32(len(c.instance)))
		w.out = AppendUleb128(w.out, uint32(len(c.direct)))
		w.out = AppendUleb128(w.out, uint32(len(c.virtual)))
		for _, list := range [][]EncodedField{c.static, c.instance} {
			sorted := append([]EncodedField(nil), list...)
			sort.Slice(sorted, func(a, b int) bool { return sorted[a].FieldIdx < sorted[b].FieldIdx })
			prev := uint32(0)
			for _, f := range sorted {
				w.out = AppendUleb128(w.out, f.FieldIdx-prev)
				w.out = AppendUleb128(w.out, f.AccessFlags)
				prev = f.FieldIdx
			}
		}
		for _, list := range [][]builtMethod{c.direct, c.virtual} {
			sorted := append([]builtMethod(nil), list...)
			sort.Slice(sorted, func(a, b int) bool { return sorted[a].idx < sorted[b].idx })
			prev := uint32(0)
			for _, m := range sorted {
				w.out = AppendUleb128(w.out, m.idx-prev)
				w.out = AppendUleb128(w.out, m.flags)
				off := uint32(0)
				if co := codes[m.code]; co != nil {
					off = co.off
				}
				w.out = AppendUleb128(w.out, off)
				prev = m.idx
			}
		}
	}
	for i := range items {
		if items[i].typ == mapClassData {
			items[i].size = uint32(nData)
		}
	}
	for i, c := range b.classes {
		if len(c.staticValues) == 0 {
			continue
		}
		staticOffs[i] = uint32(len(w.out))
		if nArrays == 0 {
			items = append(items, mapItem{typ: mapEncodedArr, off: staticOffs[i]})
		}
		nArrays++
		w.out = AppendUleb128(w.out, uint32(len(c.staticValues)))
		for _, v := range c.staticValues {
			w.out = appendEncodedValue(w.out, v)
		}
	}
	for i := range items {
		if items[i].typ == mapEncodedArr {
			items[i].size = uint32(nArrays)
		}
	}

	for i, c := range b.classes {
		at := int(classDefsOff) + 32*i
		super := uint32(NoIndex)
		if c.super != "" {
			super = b.TypeIdx(c.super)
		}
		for j, v := range []uint32{b.TypeIdx(c.descriptor), c.flags, super, interfaceOffs[i], NoIndex, 0, classDataOffs[i], staticOffs[i]} {
			w.put32(at+4*j, v)
		}
	}

	// map_list
	w.align(4)
	mapOff := uint32(len(w.out))
	items = append(items, mapItem{typ: mapMapList, size: 1, off: mapOff})
	w.u32(uint32(len(items)))
	for _, it := range items {
		w.u16(it.typ)
		w.u16(0)
		w.u32(it.size)
		w.u32(it.off)
	}

	h := w.out
	copy(h[0:8], "dex\n035\x00")
	hdr := []uint32{
		uint32(len(h)), HeaderSize, EndianConstant, 0, 0, mapOff,
		uint32(len(b.strings)), stringIDsOff, uint32(len(b.types)), typeIDsOff,
		uint32(len(b.protos)), protoIDsOff, uint32(len(b.fields)), fieldIDsOff,
		uint32(len(b.methods)), methodIDsOff, uint32(len(b.classes)), classDefsOff,
		uint32(len(h) - dataOff), uint32(dataOff),
	}
	for i, v := range hdr {
		binary.LittleEndian.PutUint32(h[32+4*i:], v)
	}
	UpdateChecksum(h)
	return h, nil
}

func (b *Builder) methodSignature(idx uint32) string {
	m := b.methods[idx]
	p := b.protos[m.ProtoIdx]
	sig := "("
	for _, t := range p.params {
		sig += b.strings[b.types[t]]
	}
	return sig + ")" + b.strings[b.types[p.ret]]
}

func writeCodeItem(w *imageWriter, c *CodeItem) {
	w.u16(c.RegistersSize)
	w.u16(c.InsSize)
	w.u16(c.OutsSize)
	w.u16(uint16(len(c.Tries)))
	w.u32(c.DebugInfoOff)
	w.u32(uint32(len(c.Insns)))
	for _, u := range c.Insns {
		w.u16(u)
	}
	if len(c.Tries) == 0 {
		return
	}
	if len(c.Insns)%2 == 1 {
		w.u16(0)
	}
	for _, t := range c.Tries {
		w.u32(t.StartAddr)
		w.u16(t.InsnCount)
		w.u16(t.HandlerOff)
	}
	w.out = AppendUleb128(w.out, uint32(len(c.Handlers)))
	for _, h := range c.Handlers {
		size := int32(len(h.Entries))
		if h.HasCatchAll {
			size = -size
		}
		w.out = AppendSleb128(w.out, size)
		for _, e := range h.Entries {
			w.out = AppendUleb128(w.out, e.TypeIdx)
			w.out = AppendUleb128(w.out, e.Addr)
		}
		if h.HasCatchAll {
			w.out = AppendUleb128(w.out, h.CatchAllAddr)
		}
	}
}

func appendEncodedValue(out []byte, v EncodedValue) []byte {
	switch v.Type {
	case ValueNull:
		return append(out, ValueNull)
	case ValueBoolean:
		return append(out, byte(v.Bits&1)<<5|ValueBoolean)
	case ValueLong, ValueDouble:
		out = append(out, 7<<5|v.Type)
		return binary.LittleEndian.AppendUint64(out, v.Bits)
	case ValueFloat:
		out = append(out, 3<<5|v.Type)
		return binary.LittleEndian.AppendUint32(out, uint32(v.Bits))
	default:
		out = append(out, 3<<5|v.Type)
		return binary.LittleEndian.AppendUint32(out, uint32(v.Bits))
	}
}

// UpdateChecksum recomputes the SHA-1 signature and adler32 checksum of an
// image in place.
func UpdateChecksum(data []byte) {
	if len(data) < HeaderSize {
		return
	}
	sum := sha1.Sum(data[32:])
	copy(data[12:32], sum[:])
	binary.LittleEndian.PutUint32(data[8:], adler32.Checksum(data[12:]))
}
