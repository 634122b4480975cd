package dex

import (
	"fmt"
	"strings"
)

// HeaderSize is the fixed size of header_item.
const HeaderSize = 0x70

// EndianConstant is the expected endian_tag.
const EndianConstant = 0x12345678

// Header mirrors header_item.
type Header struct {
	Magic         [8]byte
	Checksum      uint32
	Signature     [20]byte
	FileSize      uint32
	HeaderSize    uint32
	EndianTag     uint32
	LinkSize      uint32
	LinkOff       uint32
	MapOff        uint32
	StringIDsSize uint32
	StringIDsOff  uint32
	TypeIDsSize   uint32
	TypeIDsOff    uint32
	ProtoIDsSize  uint32
	ProtoIDsOff   uint32
	FieldIDsSize  uint32
	FieldIDsOff   uint32
	MethodIDsSize uint32
	MethodIDsOff  uint32
	ClassDefsSize uint32
	ClassDefsOff  uint32
	DataSize      uint32
	DataOff       uint32
}

func readHeader(r *Reader) Header {
	var h Header
	copy(h.Magic[:], r.Bytes(8))
	h.Checksum = r.U32()
	copy(h.Signature[:], r.Bytes(20))
	for _, p := range []*uint32{
		&h.FileSize, &h.HeaderSize, &h.EndianTag, &h.LinkSize, &h.LinkOff, &h.MapOff,
		&h.StringIDsSize, &h.StringIDsOff, &h.TypeIDsSize, &h.TypeIDsOff,
		&h.ProtoIDsSize, &h.ProtoIDsOff, &h.FieldIDsSize, &h.FieldIDsOff,
		&h.MethodIDsSize, &h.MethodIDsOff, &h.ClassDefsSize, &h.ClassDefsOff,
		&h.DataSize, &h.DataOff,
	} {
		*p = r.U32()
	}
	return h
}

// ProtoID mirrors proto_id_item with its parameter list resolved.
type ProtoID struct {
	ShortyIdx     uint32
	ReturnTypeIdx uint32
	ParametersOff uint32
	Parameters    []uint16
}

// FieldID mirrors field_id_item.
type FieldID struct {
	ClassIdx uint16
	TypeIdx  uint16
	NameIdx  uint32
}

// MethodID mirrors method_id_item.
type MethodID struct {
	ClassIdx uint16
	ProtoIdx uint16
	NameIdx  uint32
}

// ClassDef mirrors class_def_item with its interface list and class data.
type ClassDef struct {
	ClassIdx        uint32
	AccessFlags     uint32
	SuperclassIdx   uint32
	InterfacesOff   uint32
	SourceFileIdx   uint32
	AnnotationsOff  uint32
	ClassDataOff    uint32
	StaticValuesOff uint32

	Interfaces []uint16
	Data       *ClassData
}

// EncodedField is one entry of a class_data_item field list, with the
// delta-encoded index already accumulated.
type EncodedField struct {
	FieldIdx    uint32
	AccessFlags uint32
}

// EncodedMethod is one entry of a class_data_item method list.
type EncodedMethod struct {
	MethodIdx   uint32
	AccessFlags uint32
	CodeOff     uint32
	Code        *CodeItem
}

// ClassData mirrors class_data_item.
type ClassData struct {
	StaticFields   []EncodedField
	InstanceFields []EncodedField
	DirectMethods  []EncodedMethod
	VirtualMethods []EncodedMethod
}

// TryItem mirrors try_item. HandlerIndex is the position in CodeItem.Handlers
// of the handler list at HandlerOff.
type TryItem struct {
	StartAddr    uint32
	InsnCount    uint16
	HandlerOff   uint16
	HandlerIndex int
}

// Covers reports whether the try range includes pc.
func (t *TryItem) Covers(pc uint32) bool {
	return pc >= t.StartAddr && pc < t.StartAddr+uint32(t.InsnCount)
}

// CatchEntry is one typed handler.
type CatchEntry struct {
	TypeIdx uint32
	Addr    uint32
}

// CatchHandler mirrors encoded_catch_handler. Offset is relative to the start
// of the handler list, which is what try_item.handler_off refers to.
type CatchHandler struct {
	Offset       uint32
	Entries      []CatchEntry
	HasCatchAll  bool
	CatchAllAddr uint32
}

// CodeItem mirrors code_item.
type CodeItem struct {
	RegistersSize uint16
	InsSize       uint16
	OutsSize      uint16
	DebugInfoOff  uint32
	Insns         []uint16
	Tries         []TryItem
	Handlers      []CatchHandler
}

// Handler returns the catch handler list for a try item.
func (c *CodeItem) Handler(t *TryItem) *CatchHandler {
	if t.HandlerIndex < 0 || t.HandlerIndex >= len(c.Handlers) {
		return nil
	}
	return &c.Handlers[t.HandlerIndex]
}

// FindTry returns the try item covering pc, if any. Try items never overlap.
func (c *CodeItem) FindTry(pc uint32) *TryItem {
	for i := range c.Tries {
		if c.Tries[i].Covers(pc) {
			return &c.Tries[i]
		}
	}
	return nil
}

// File is a parsed DEX image. Pool accessors tolerate out-of-range indices
// and return zero values; structural validation is Verify's job.
type File struct {
	Location string
	Header   Header

	StringIDs []uint32
	TypeIDs   []uint32
	ProtoIDs  []ProtoID
	FieldIDs  []FieldID
	MethodIDs []MethodID
	ClassDefs []ClassDef

	data    []byte
	strings []string
}

// Open parses data. It reads every pool, class definition and code item but
// does not check cross references.
func Open(data []byte, location string) (*File, error) {
	if len(data) < HeaderSize {
		return nil, &FormatError{Offset: 0, Msg: fmt.Sprintf("file too short for header (%d bytes)", len(data))}
	}
	f := &File{Location: location, data: data}
	r := NewReader(data, 0)
	f.Header = readHeader(r)
	if string(f.Header.Magic[:4]) != "dex\n" {
		return nil, ErrBadMagic
	}
	h := &f.Header
	for _, sec := range []struct {
		name           string
		size, off, per uint32
	}{
		{"string_ids", h.StringIDsSize, h.StringIDsOff, 4},
		{"type_ids", h.TypeIDsSize, h.TypeIDsOff, 4},
		{"proto_ids", h.ProtoIDsSize, h.ProtoIDsOff, 12},
		{"field_ids", h.FieldIDsSize, h.FieldIDsOff, 8},
		{"method_ids", h.MethodIDsSize, h.MethodIDsOff, 8},
		{"class_defs", h.ClassDefsSize, h.ClassDefsOff, 32},
	} {
		if uint64(sec.off)+uint64(sec.size)*uint64(sec.per) > uint64(len(data)) {
			return nil, &FormatError{Offset: sec.off, Msg: fmt.Sprintf("%s section of %d items exceeds file", sec.name, sec.size)}
		}
	}

	r.Seek(h.StringIDsOff)
	f.StringIDs = make([]uint32, h.StringIDsSize)
	for i := range f.StringIDs {
		f.StringIDs[i] = r.U32()
	}
	r.Seek(h.TypeIDsOff)
	f.TypeIDs = make([]uint32, h.TypeIDsSize)
	for i := range f.TypeIDs {
		f.TypeIDs[i] = r.U32()
	}
	if err := r.Err(); err != nil {
		return nil, err
	}

	f.ProtoIDs = make([]ProtoID, h.ProtoIDsSize)
	for i := range f.ProtoIDs {
		r.Seek(h.ProtoIDsOff + uint32(i)*12)
		p := &f.ProtoIDs[i]
		p.ShortyIdx, p.ReturnTypeIdx, p.ParametersOff = r.U32(), r.U32(), r.U32()
		if p.ParametersOff != 0 {
			p.Parameters = readTypeList(r, p.ParametersOff)
		}
	}
	r.Seek(h.FieldIDsOff)
	f.FieldIDs = make([]FieldID, h.FieldIDsSize)
	for i := range f.FieldIDs {
		f.FieldIDs[i] = FieldID{ClassIdx: r.U16(), TypeIdx: r.U16(), NameIdx: r.U32()}
	}
	r.Seek(h.MethodIDsOff)
	f.MethodIDs = make([]MethodID, h.MethodIDsSize)
	for i := range f.MethodIDs {
		f.MethodIDs[i] = MethodID{ClassIdx: r.U16(), ProtoIdx: r.U16(), NameIdx: r.U32()}
	}
	if err := r.Err(); err != nil {
		return nil, err
	}

	f.ClassDefs = make([]ClassDef, h.ClassDefsSize)
	for i := range f.ClassDefs {
		r.Seek(h.ClassDefsOff + uint32(i)*32)
		c := &f.ClassDefs[i]
		c.ClassIdx, c.AccessFlags, c.SuperclassIdx, c.InterfacesOff = r.U32(), r.U32(), r.U32(), r.U32()
		c.SourceFileIdx, c.AnnotationsOff, c.ClassDataOff, c.StaticValuesOff = r.U32(), r.U32(), r.U32(), r.U32()
		if c.InterfacesOff != 0 {
			c.Interfaces = readTypeList(r, c.InterfacesOff)
		}
		if c.ClassDataOff != 0 {
			c.Data = readClassData(r, c.ClassDataOff)
		}
		if err := r.Err(); err != nil {
			return nil, fmt.Errorf("class_def %d: %w", i, err)
		}
	}

	f.strings = make([]string, len(f.StringIDs))
	for i, off := range f.StringIDs {
		r.Seek(off)
		r.Uleb128() // utf16 length
		s, err := DecodeMUTF8(r.CStr())
		if r.Err() != nil {
			return nil, fmt.Errorf("string %d: %w", i, r.Err())
		}
		if err != nil {
			return nil, &FormatError{Offset: off, Msg: fmt.Sprintf("string %d: %v", i, err)}
		}
		f.strings[i] = s
	}
	log.Debugf("opened %s: %d classes, %d methods", location, len(f.ClassDefs), len(f.MethodIDs))
	return f, nil
}

// Bytes returns the raw image.
func (f *File) Bytes() []byte { return f.data }

func readTypeList(r *Reader, off uint32) []uint16 {
	save := r.Pos()
	defer r.Seek(save)
	r.Seek(off)
	n := r.U32()
	if uint64(n)*2 > uint64(len(r.data)) {
		r.err = &FormatError{Offset: off, Msg: fmt.Sprintf("type list size %d too large", n)}
		return nil
	}
	list := make([]uint16, n)
	for i := range list {
		list[i] = r.U16()
	}
	return list
}

func readClassData(r *Reader, off uint32) *ClassData {
	save := r.Pos()
	defer r.Seek(save)
	r.Seek(off)
	cd := &ClassData{}
	sizes := [4]uint32{r.Uleb128(), r.Uleb128(), r.Uleb128(), r.Uleb128()}
	for _, n := range sizes {
		if uint64(n) > uint64(len(r.data)) {
			r.err = &FormatError{Offset: off, Msg: "class_data list size too large"}
			return cd
		}
	}
	readFields := func(n uint32) []EncodedField {
		out := make([]EncodedField, 0, n)
		idx := uint32(0)
		for i := uint32(0); i < n && r.Err() == nil; i++ {
			idx += r.Uleb128()
			out = append(out, EncodedField{FieldIdx: idx, AccessFlags: r.Uleb128()})
		}
		return out
	}
	readMethods := func(n uint32) []EncodedMethod {
		out := make([]EncodedMethod, 0, n)
		idx := uint32(0)
		for i := uint32(0); i < n && r.Err() == nil; i++ {
			idx += r.Uleb128()
			m := EncodedMethod{MethodIdx: idx, AccessFlags: r.Uleb128(), CodeOff: r.Uleb128()}
			if m.CodeOff != 0 && r.Err() == nil {
				m.Code = readCodeItem(r, m.CodeOff)
			}
			out = append(out, m)
		}
		return out
	}
	cd.StaticFields = readFields(sizes[0])
	cd.InstanceFields = readFields(sizes[1])
	cd.DirectMethods = readMethods(sizes[2])
	cd.VirtualMethods = readMethods(sizes[3])
	return cd
}

func readCodeItem(r *Reader, off uint32) *CodeItem {
	save := r.Pos()
	defer r.Seek(save)
	r.Seek(off)
	c := &CodeItem{RegistersSize: r.U16(), InsSize: r.U16(), OutsSize: r.U16()}
	triesSize := r.U16()
	c.DebugInfoOff = r.U32()
	n := r.U32()
	if uint64(n)*2 > uint64(len(r.data)) {
		r.err = &FormatError{Offset: off, Msg: fmt.Sprintf("insns_size %d too large", n)}
		return c
	}
	c.Insns = make([]uint16, n)
	for i := range c.Insns {
		c.Insns[i] = r.U16()
	}
	if triesSize == 0 {
		return c
	}
	if n%2 == 1 {
		r.U16() // padding
	}
	c.Tries = make([]TryItem, triesSize)
	for i := range c.Tries {
		c.Tries[i] = TryItem{StartAddr: r.U32(), InsnCount: r.U16(), HandlerOff: r.U16(), HandlerIndex: -1}
	}
	listStart := r.Pos()
	count := r.Uleb128()
	if uint64(count) > uint64(len(r.data)) {
		r.err = &FormatError{Offset: listStart, Msg: "handler list size too large"}
		return c
	}
	for i := uint32(0); i < count && r.Err() == nil; i++ {
		h := CatchHandler{Offset: r.Pos() - listStart}
		size := r.Sleb128()
		typed := size
		if typed < 0 {
			typed = -typed
		}
		for j := int32(0); j < typed && r.Err() == nil; j++ {
			h.Entries = append(h.Entries, CatchEntry{TypeIdx: r.Uleb128(), Addr: r.Uleb128()})
		}
		if size <= 0 {
			h.HasCatchAll = true
			h.CatchAllAddr = r.Uleb128()
		}
		c.Handlers = append(c.Handlers, h)
	}
	for i := range c.Tries {
		for j := range c.Handlers {
			if c.Handlers[j].Offset == uint32(c.Tries[i].HandlerOff) {
				c.Tries[i].HandlerIndex = j
			}
		}
	}
	return c
}

// ---------------------------------------------------------------------------
// Pool accessors
// ---------------------------------------------------------------------------

// String returns string_ids[idx], or "" when out of range.
func (f *File) String(idx uint32) string {
	if idx >= uint32(len(f.strings)) {
		return ""
	}
	return f.strings[idx]
}

// TypeDescriptor returns the descriptor for type_ids[idx].
func (f *File) TypeDescriptor(idx uint32) string {
	if idx >= uint32(len(f.TypeIDs)) {
		return ""
	}
	return f.String(f.TypeIDs[idx])
}

// Proto returns proto_ids[idx].
func (f *File) Proto(idx uint32) *ProtoID {
	if idx >= uint32(len(f.ProtoIDs)) {
		return nil
	}
	return &f.ProtoIDs[idx]
}

// ProtoSignature renders a proto as "(params)return" descriptors.
func (f *File) ProtoSignature(idx uint32) string {
	p := f.Proto(idx)
	if p == nil {
		return ""
	}
	var b strings.Builder
	b.WriteByte('(')
	for _, t := range p.Parameters {
		b.WriteString(f.TypeDescriptor(uint32(t)))
	}
	b.WriteByte(')')
	b.WriteString(f.TypeDescriptor(p.ReturnTypeIdx))
	return b.String()
}

// ProtoParameterDescriptors returns the parameter type descriptors of a proto.
func (f *File) ProtoParameterDescriptors(idx uint32) []string {
	p := f.Proto(idx)
	if p == nil {
		return nil
	}
	out := make([]string, len(p.Parameters))
	for i, t := range p.Parameters {
		out[i] = f.TypeDescriptor(uint32(t))
	}
	return out
}

// ProtoReturnDescriptor returns the return type descriptor of a proto.
func (f *File) ProtoReturnDescriptor(idx uint32) string {
	p := f.Proto(idx)
	if p == nil {
		return ""
	}
	return f.TypeDescriptor(p.ReturnTypeIdx)
}

// Method returns method_ids[idx].
func (f *File) Method(idx uint32) *MethodID {
	if idx >= uint32(len(f.MethodIDs)) {
		return nil
	}
	return &f.MethodIDs[idx]
}

// MethodName returns the simple name of method_ids[idx].
func (f *File) MethodName(idx uint32) string {
	m := f.Method(idx)
	if m == nil {
		return ""
	}
	return f.String(m.NameIdx)
}

// MethodClassDescriptor returns the declaring class of method_ids[idx].
func (f *File) MethodClassDescriptor(idx uint32) string {
	m := f.Method(idx)
	if m == nil {
		return ""
	}
	return f.TypeDescriptor(uint32(m.ClassIdx))
}

// MethodSignature returns the proto signature of method_ids[idx].
func (f *File) MethodSignature(idx uint32) string {
	m := f.Method(idx)
	if m == nil {
		return ""
	}
	return f.ProtoSignature(uint32(m.ProtoIdx))
}

// PrettyMethod renders "Lpkg/Cls;->name(sig)ret".
func (f *File) PrettyMethod(idx uint32) string {
	return f.MethodClassDescriptor(idx) + "->" + f.MethodName(idx) + f.MethodSignature(idx)
}

// Field returns field_ids[idx].
func (f *File) Field(idx uint32) *FieldID {
	if idx >= uint32(len(f.FieldIDs)) {
		return nil
	}
	return &f.FieldIDs[idx]
}

// PrettyField renders "Lpkg/Cls;->name:type".
func (f *File) PrettyField(idx uint32) string {
	fid := f.Field(idx)
	if fid == nil {
		return fmt.Sprintf("<invalid field %d>", idx)
	}
	return f.TypeDescriptor(uint32(fid.ClassIdx)) + "->" + f.String(fid.NameIdx) + ":" + f.TypeDescriptor(uint32(fid.TypeIdx))
}

// FindClassDef returns the index of the class definition for a descriptor.
func (f *File) FindClassDef(descriptor string) (int, bool) {
	for i := range f.ClassDefs {
		if f.TypeDescriptor(f.ClassDefs[i].ClassIdx) == descriptor {
			return i, true
		}
	}
	return -1, false
}

// ClassDescriptor returns the descriptor of class_defs[i].
func (f *File) ClassDescriptor(i int) string {
	if i < 0 || i >= len(f.ClassDefs) {
		return ""
	}
	return f.TypeDescriptor(f.ClassDefs[i].ClassIdx)
}

// FindMethodInClass looks up a method of class_defs[classDef] by name and
// signature.
func (f *File) FindMethodInClass(classDef int, name, signature string) (*EncodedMethod, bool) {
	if classDef < 0 || classDef >= len(f.ClassDefs) || f.ClassDefs[classDef].Data == nil {
		return nil, false
	}
	cd := f.ClassDefs[classDef].Data
	for _, list := range [][]EncodedMethod{cd.DirectMethods, cd.VirtualMethods} {
		for i := range list {
			if f.MethodName(list[i].MethodIdx) == name && f.MethodSignature(list[i].MethodIdx) == signature {
				return &list[i], true
			}
		}
	}
	return nil, false
}
