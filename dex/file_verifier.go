package dex

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/adler32"
)

// VerifyError is a structural rejection of a DEX image.
type VerifyError struct {
	Location string
	Msg      string
}

func (e *VerifyError) Error() string {
	return fmt.Sprintf("failure to verify dex file '%s': %s", e.Location, e.Msg)
}

// Verify checks the structural integrity of a DEX image: header, section
// bounds, class data, id cross references and class definitions, in that
// order. Pool sort order is not checked.
func Verify(data []byte, location string) error {
	v := &fileVerifier{data: data, location: location}
	if err := v.verify(); err != nil {
		log.Debugf("%s", err)
		return err
	}
	return nil
}

type fileVerifier struct {
	data     []byte
	location string
	f        *File
}

func (v *fileVerifier) fail(format string, args ...any) error {
	return &VerifyError{Location: v.location, Msg: fmt.Sprintf(format, args...)}
}

func (v *fileVerifier) verify() error {
	if err := v.checkHeader(); err != nil {
		return err
	}
	if err := v.checkSections(); err != nil {
		return err
	}
	f, err := Open(v.data, v.location)
	if err != nil {
		return v.fail("%v", err)
	}
	v.f = f
	if err := v.checkStrings(); err != nil {
		return err
	}
	for i := range f.ClassDefs {
		if err := v.checkClassData(i); err != nil {
			return err
		}
	}
	if err := v.checkIDs(); err != nil {
		return err
	}
	for i := range f.ClassDefs {
		if err := v.checkClassDef(i); err != nil {
			return err
		}
	}
	return nil
}

func (v *fileVerifier) checkHeader() error {
	if len(v.data) < HeaderSize {
		return v.fail("file too short for header (%d bytes)", len(v.data))
	}
	magic := v.data[:8]
	if !bytes.Equal(magic[:4], []byte("dex\n")) || magic[7] != 0 {
		return v.fail("bad file magic")
	}
	switch string(magic[4:7]) {
	case "035", "037", "038", "039":
	default:
		return v.fail("unknown dex version %q", magic[4:7])
	}
	h := readHeader(NewReader(v.data, 0))
	if h.FileSize != uint32(len(v.data)) {
		return v.fail("bad file size (%d, expected %d)", h.FileSize, len(v.data))
	}
	if got := adler32.Checksum(v.data[12:]); got != h.Checksum {
		return v.fail("bad checksum (%08x, expected %08x)", got, h.Checksum)
	}
	if h.EndianTag != EndianConstant {
		return v.fail("unexpected endian_tag: %x", h.EndianTag)
	}
	if h.HeaderSize != HeaderSize {
		return v.fail("bad header size: %d", h.HeaderSize)
	}
	return nil
}

func (v *fileVerifier) checkSections() error {
	h := readHeader(NewReader(v.data, 0))
	size := uint64(len(v.data))
	for _, s := range []struct {
		name           string
		n, off, per, a uint32
	}{
		{"string-ids", h.StringIDsSize, h.StringIDsOff, 4, 4},
		{"type-ids", h.TypeIDsSize, h.TypeIDsOff, 4, 4},
		{"proto-ids", h.ProtoIDsSize, h.ProtoIDsOff, 12, 4},
		{"field-ids", h.FieldIDsSize, h.FieldIDsOff, 8, 4},
		{"method-ids", h.MethodIDsSize, h.MethodIDsOff, 8, 4},
		{"class-defs", h.ClassDefsSize, h.ClassDefsOff, 32, 4},
		{"data", h.DataSize, h.DataOff, 1, 1},
	} {
		if s.n == 0 {
			if s.off != 0 && s.name != "data" {
				return v.fail("offset(%d) should be zero when size is zero for %s", s.off, s.name)
			}
			continue
		}
		if s.off < HeaderSize {
			return v.fail("%s offset %d inside header", s.name, s.off)
		}
		if uint64(s.off)+uint64(s.n)*uint64(s.per) > size {
			return v.fail("%s section too large (%d items at %d)", s.name, s.n, s.off)
		}
		if s.off%s.a != 0 {
			return v.fail("%s offset %d not aligned", s.name, s.off)
		}
	}
	if h.TypeIDsSize > 65535 {
		return v.fail("Too many type-ids: %d", h.TypeIDsSize)
	}
	if h.ProtoIDsSize > 65535 {
		return v.fail("Too many proto-ids: %d", h.ProtoIDsSize)
	}
	if h.MapOff == 0 || uint64(h.MapOff)+4 > size || h.MapOff%4 != 0 {
		return v.fail("bad map_off %d", h.MapOff)
	}
	n := binary.LittleEndian.Uint32(v.data[h.MapOff:])
	if uint64(h.MapOff)+4+uint64(n)*12 > size {
		return v.fail("map list of %d items runs past end of file", n)
	}
	seen := map[uint16]bool{}
	prevOff := int64(-1)
	for i := uint32(0); i < n; i++ {
		at := h.MapOff + 4 + i*12
		typ := binary.LittleEndian.Uint16(v.data[at:])
		off := binary.LittleEndian.Uint32(v.data[at+8:])
		if seen[typ] {
			return v.fail("duplicate map section of type %x", typ)
		}
		seen[typ] = true
		if int64(off) <= prevOff {
			return v.fail("out-of-order map item: %x then %x", prevOff, off)
		}
		prevOff = int64(off)
	}
	if !seen[mapHeader] || !seen[mapMapList] {
		return v.fail("map is missing header or map_list entry")
	}
	return nil
}

func (v *fileVerifier) checkStrings() error {
	h := v.f.Header
	for i, off := range v.f.StringIDs {
		if off < h.DataOff || uint64(off) >= uint64(h.DataOff)+uint64(h.DataSize) {
			return v.fail("string data offset %d for string %d outside data section", off, i)
		}
	}
	return nil
}

// checkClassData validates the member lists of class_defs[i]. Every member's
// declaring class must name a class defined in this file.
func (v *fileVerifier) checkClassData(i int) error {
	f := v.f
	def := &f.ClassDefs[i]
	cd := def.Data
	if cd == nil {
		return nil
	}
	checkFields := func(list []EncodedField, static bool) error {
		prev := int64(-1)
		for _, fld := range list {
			if int64(fld.FieldIdx) <= prev {
				return v.fail("Out-of-order field_idx for class_data_item: %d then %d", prev, fld.FieldIdx)
			}
			prev = int64(fld.FieldIdx)
			if fld.FieldIdx >= uint32(len(f.FieldIDs)) {
				return v.fail("field index %d out of range (%d)", fld.FieldIdx, len(f.FieldIDs))
			}
			if _, ok := v.declaringClass(uint32(f.FieldIDs[fld.FieldIdx].ClassIdx)); !ok {
				return v.fail("could not find declaring class for field index %d", fld.FieldIdx)
			}
			if (fld.AccessFlags&AccStatic != 0) != static {
				return v.fail("Field %d(%s) is not flagged correctly wrt/ static", fld.FieldIdx, f.PrettyField(fld.FieldIdx))
			}
		}
		return nil
	}
	if err := checkFields(cd.StaticFields, true); err != nil {
		return err
	}
	if err := checkFields(cd.InstanceFields, false); err != nil {
		return err
	}
	for _, list := range []struct {
		methods []EncodedMethod
		direct  bool
	}{{cd.DirectMethods, true}, {cd.VirtualMethods, false}} {
		prev := int64(-1)
		for j := range list.methods {
			m := &list.methods[j]
			if int64(m.MethodIdx) <= prev {
				return v.fail("Out-of-order method_idx for class_data_item: %d then %d", prev, m.MethodIdx)
			}
			prev = int64(m.MethodIdx)
			if m.MethodIdx >= uint32(len(f.MethodIDs)) {
				return v.fail("method index %d out of range (%d)", m.MethodIdx, len(f.MethodIDs))
			}
			owner, ok := v.declaringClass(uint32(f.MethodIDs[m.MethodIdx].ClassIdx))
			if !ok {
				return v.fail("could not find declaring class for method index %d", m.MethodIdx)
			}
			if owner != i {
				return v.fail("method index %d declared by %s but listed in %s", m.MethodIdx,
					f.ClassDescriptor(owner), f.ClassDescriptor(i))
			}
			if err := v.checkMethodFlags(m, list.direct, def.AccessFlags); err != nil {
				return err
			}
		}
	}
	return nil
}

func (v *fileVerifier) declaringClass(typeIdx uint32) (int, bool) {
	if typeIdx >= uint32(len(v.f.TypeIDs)) {
		return -1, false
	}
	for i := range v.f.ClassDefs {
		if v.f.ClassDefs[i].ClassIdx == typeIdx {
			return i, true
		}
	}
	return -1, false
}

const (
	methodAccessMask = AccPublic | AccPrivate | AccProtected | AccStatic | AccFinal |
		AccSynchronized | AccBridge | AccVarargs | AccNative | AccAbstract | AccStrict |
		AccSynthetic | AccConstructor | AccDeclaredSynchronized
	initAllowed   = AccPublic | AccPrivate | AccProtected | AccStrict | AccVarargs | AccSynthetic | AccConstructor
	clinitAllowed = AccStatic | AccStrict | AccConstructor | AccSynthetic
)

func (v *fileVerifier) checkMethodFlags(m *EncodedMethod, direct bool, classFlags uint32) error {
	f := v.f
	name := f.MethodName(m.MethodIdx)
	pretty := f.PrettyMethod(m.MethodIdx)
	flags := m.AccessFlags
	isInit := name == "<init>"
	isClinit := name == "<clinit>"
	ctor := isInit || isClinit

	if flags&^methodAccessMask != 0 {
		return v.fail("Method %d(%s) has unknown access flags %x", m.MethodIdx, pretty, flags&^methodAccessMask)
	}
	if n := popcount(flags & (AccPublic | AccPrivate | AccProtected)); n > 1 {
		return v.fail("Method %d(%s) has more than one access specifier", m.MethodIdx, pretty)
	}
	if ctor && flags&AccConstructor == 0 {
		return v.fail("Constructor %d(%s) not marked as constructor.", m.MethodIdx, pretty)
	}
	if !ctor && flags&AccConstructor != 0 {
		return v.fail("Method %d(%s) is marked constructor, but doesn't match name", m.MethodIdx, pretty)
	}
	if ctor {
		if isClinit != (flags&AccStatic != 0) {
			return v.fail("Constructor %d(%s) is not flagged correctly wrt/ static.", m.MethodIdx, pretty)
		}
		allowed := initAllowed
		if isClinit {
			allowed = clinitAllowed
		}
		if flags&^allowed != 0 {
			return v.fail("Constructor %d(%s) flagged inappropriately %x", m.MethodIdx, pretty, flags)
		}
	}
	isDirect := flags&(AccStatic|AccPrivate|AccConstructor) != 0
	if isDirect != direct {
		if direct {
			return v.fail("Direct method %d(%s) not marked static, private or constructor", m.MethodIdx, pretty)
		}
		return v.fail("Virtual method %d(%s) marked static, private or constructor", m.MethodIdx, pretty)
	}
	if flags&AccAbstract != 0 {
		if flags&(AccPrivate|AccStatic|AccFinal|AccNative|AccSynchronized|AccStrict) != 0 {
			return v.fail("Method %d(%s) has disallowed access flags %x", m.MethodIdx, pretty, flags)
		}
		if classFlags&(AccAbstract|AccInterface) == 0 {
			return v.fail("Method %d(%s) is abstract, but the declaring class is neither abstract nor an interface", m.MethodIdx, pretty)
		}
	}
	hasCode := m.CodeOff != 0
	if flags&(AccNative|AccAbstract) != 0 {
		if hasCode {
			return v.fail("Method %d(%s) has code, but is marked native or abstract", m.MethodIdx, pretty)
		}
		return nil
	}
	if !hasCode {
		return v.fail("Method %d(%s) has no code, but is not marked native or abstract", m.MethodIdx, pretty)
	}
	code := m.Code
	if code.InsSize > code.RegistersSize {
		return v.fail("Method %d(%s) has ins_size %d larger than registers_size %d", m.MethodIdx, pretty, code.InsSize, code.RegistersSize)
	}
	if len(code.Insns) == 0 {
		return v.fail("Method %d(%s) has empty code", m.MethodIdx, pretty)
	}
	for _, t := range code.Tries {
		end := uint64(t.StartAddr) + uint64(t.InsnCount)
		if t.InsnCount == 0 || end > uint64(len(code.Insns)) {
			return v.fail("Method %d(%s) has bad try range [%d, %d)", m.MethodIdx, pretty, t.StartAddr, end)
		}
		if t.HandlerIndex < 0 {
			return v.fail("Method %d(%s) has try with bogus handler offset %d", m.MethodIdx, pretty, t.HandlerOff)
		}
	}
	for _, hl := range code.Handlers {
		for _, e := range hl.Entries {
			if e.Addr >= uint32(len(code.Insns)) {
				return v.fail("Method %d(%s) has handler address %d past end of code", m.MethodIdx, pretty, e.Addr)
			}
		}
		if hl.HasCatchAll && hl.CatchAllAddr >= uint32(len(code.Insns)) {
			return v.fail("Method %d(%s) has catch-all address %d past end of code", m.MethodIdx, pretty, hl.CatchAllAddr)
		}
	}
	return nil
}

func popcount(x uint32) int {
	n := 0
	for ; x != 0; x &= x - 1 {
		n++
	}
	return n
}

func (v *fileVerifier) checkIDs() error {
	f := v.f
	nStrings := uint32(len(f.StringIDs))
	nTypes := uint32(len(f.TypeIDs))
	for i, s := range f.TypeIDs {
		if s >= nStrings {
			return v.fail("type_id %d: descriptor_idx %d out of range", i, s)
		}
		if !IsValidDescriptor(f.String(s), true) {
			return v.fail("Invalid type descriptor: '%s'", f.String(s))
		}
	}
	for i, p := range f.ProtoIDs {
		if p.ShortyIdx >= nStrings {
			return v.fail("proto_id %d: shorty_idx %d out of range", i, p.ShortyIdx)
		}
		if p.ReturnTypeIdx >= nTypes {
			return v.fail("proto_id %d: return_type_idx %d out of range", i, p.ReturnTypeIdx)
		}
		params := make([]string, 0, len(p.Parameters))
		for _, t := range p.Parameters {
			if uint32(t) >= nTypes {
				return v.fail("proto_id %d: parameter type %d out of range", i, t)
			}
			d := f.TypeDescriptor(uint32(t))
			if d == "V" {
				return v.fail("proto_id %d: void parameter", i)
			}
			params = append(params, d)
		}
		if got, want := f.String(p.ShortyIdx), MethodShorty(f.TypeDescriptor(p.ReturnTypeIdx), params); got != want {
			return v.fail("proto_id %d: shorty %q does not match signature (%q)", i, got, want)
		}
	}
	for i, fid := range f.FieldIDs {
		if uint32(fid.ClassIdx) >= nTypes || uint32(fid.TypeIdx) >= nTypes || fid.NameIdx >= nStrings {
			return v.fail("field_id %d has out of range index", i)
		}
		if d := f.TypeDescriptor(uint32(fid.ClassIdx)); len(d) == 0 || d[0] != 'L' {
			return v.fail("Invalid descriptor for class_idx: '%s'", d)
		}
		if d := f.TypeDescriptor(uint32(fid.TypeIdx)); d == "V" {
			return v.fail("field_id %d has void type", i)
		}
		if !IsValidMemberName(f.String(fid.NameIdx), false) {
			return v.fail("Invalid field name: '%s'", f.String(fid.NameIdx))
		}
	}
	for i, mid := range f.MethodIDs {
		if uint32(mid.ClassIdx) >= nTypes {
			return v.fail("method_id %d: class_idx %d out of range", i, mid.ClassIdx)
		}
		if uint32(mid.ProtoIdx) >= uint32(len(f.ProtoIDs)) || mid.NameIdx >= nStrings {
			return v.fail("method_id %d has out of range index", i)
		}
		if d := f.TypeDescriptor(uint32(mid.ClassIdx)); len(d) == 0 || (d[0] != 'L' && d[0] != '[') {
			return v.fail("Invalid descriptor for class_idx: '%s'", d)
		}
		if !IsValidMemberName(f.String(mid.NameIdx), true) {
			return v.fail("Invalid method name: '%s'", f.String(mid.NameIdx))
		}
	}
	return nil
}

func (v *fileVerifier) checkClassDef(i int) error {
	f := v.f
	def := &f.ClassDefs[i]
	nTypes := uint32(len(f.TypeIDs))
	if def.ClassIdx >= nTypes {
		return v.fail("class_def %d: class_idx %d out of range", i, def.ClassIdx)
	}
	desc := f.TypeDescriptor(def.ClassIdx)
	if len(desc) == 0 || desc[0] != 'L' {
		return v.fail("Invalid class descriptor: '%s'", desc)
	}
	for j := 0; j < i; j++ {
		if f.ClassDefs[j].ClassIdx == def.ClassIdx {
			return v.fail("Redefinition of class with type idx: '%d'", def.ClassIdx)
		}
	}
	if def.SuperclassIdx != NoIndex {
		if def.SuperclassIdx >= nTypes {
			return v.fail("class_def %d: superclass_idx %d out of range", i, def.SuperclassIdx)
		}
		if def.SuperclassIdx == def.ClassIdx {
			return v.fail("Class with same type idx as its superclass: '%d'", def.ClassIdx)
		}
		if s := f.TypeDescriptor(def.SuperclassIdx); s[0] != 'L' {
			return v.fail("Invalid superclass: '%s'", s)
		}
	} else if desc != "Ljava/lang/Object;" {
		return v.fail("class %s has no superclass", desc)
	}
	if def.AccessFlags&AccInterface != 0 && def.AccessFlags&AccAbstract == 0 {
		return v.fail("Interface class %s is not marked abstract", desc)
	}
	if def.AccessFlags&(AccAbstract|AccFinal) == AccAbstract|AccFinal {
		return v.fail("Class %s is both abstract and final", desc)
	}
	for j, t := range def.Interfaces {
		if uint32(t) >= nTypes {
			return v.fail("class_def %d: interface %d out of range", i, t)
		}
		if d := f.TypeDescriptor(uint32(t)); d[0] != 'L' {
			return v.fail("Invalid interface: '%s'", d)
		}
		for k := 0; k < j; k++ {
			if def.Interfaces[k] == t {
				return v.fail("Duplicate interface: '%s'", f.TypeDescriptor(uint32(t)))
			}
		}
	}
	if def.StaticValuesOff != 0 {
		if _, err := f.StaticValues(i); err != nil {
			return v.fail("class_def %d: bad static values: %v", i, err)
		}
	}
	return nil
}
