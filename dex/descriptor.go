package dex

import (
	"fmt"
	"strings"
)

// IsPrimitiveDescriptor reports single-character primitive descriptors,
// including V.
func IsPrimitiveDescriptor(d string) bool {
	return len(d) == 1 && strings.ContainsRune("ZBSCIJFDV", rune(d[0]))
}

// IsReferenceDescriptor reports class and array descriptors.
func IsReferenceDescriptor(d string) bool {
	return len(d) > 1 && (d[0] == 'L' || d[0] == '[')
}

// IsArrayDescriptor reports array descriptors.
func IsArrayDescriptor(d string) bool {
	return len(d) > 1 && d[0] == '['
}

// IsWideDescriptor reports J and D.
func IsWideDescriptor(d string) bool {
	return d == "J" || d == "D"
}

// ArrayDimensions counts the leading '[' characters.
func ArrayDimensions(d string) int {
	n := 0
	for n < len(d) && d[n] == '[' {
		n++
	}
	return n
}

// ComponentDescriptor strips one array dimension. It returns "" for
// non-array descriptors.
func ComponentDescriptor(d string) string {
	if !IsArrayDescriptor(d) {
		return ""
	}
	return d[1:]
}

// IsValidDescriptor checks the descriptor grammar. V is only valid when
// allowVoid is set.
func IsValidDescriptor(d string, allowVoid bool) bool {
	dims := ArrayDimensions(d)
	if dims > 255 {
		return false
	}
	rest := d[dims:]
	if len(rest) == 0 {
		return false
	}
	switch rest[0] {
	case 'Z', 'B', 'S', 'C', 'I', 'J', 'F', 'D':
		return len(rest) == 1
	case 'V':
		return len(rest) == 1 && dims == 0 && allowVoid
	case 'L':
		if len(rest) < 3 || rest[len(rest)-1] != ';' {
			return false
		}
		name := rest[1 : len(rest)-1]
		if strings.ContainsAny(name, ";[.") || strings.HasPrefix(name, "/") || strings.HasSuffix(name, "/") || strings.Contains(name, "//") {
			return false
		}
		return true
	}
	return false
}

// IsValidMemberName checks a field or method simple name. Constructor names
// are accepted only when allowInit is set.
func IsValidMemberName(name string, allowInit bool) bool {
	if name == "" {
		return false
	}
	if name[0] == '<' {
		return allowInit && (name == "<init>" || name == "<clinit>")
	}
	return !strings.ContainsAny(name, ";[/.<>()")
}

// Shorty maps a descriptor to its shorty character.
func Shorty(d string) byte {
	if len(d) == 0 {
		return 0
	}
	if d[0] == '[' || d[0] == 'L' {
		return 'L'
	}
	return d[0]
}

// MethodShorty builds the shorty string for a return type and parameters.
func MethodShorty(ret string, params []string) string {
	b := make([]byte, 0, len(params)+1)
	b = append(b, Shorty(ret))
	for _, p := range params {
		b = append(b, Shorty(p))
	}
	return string(b)
}

// ParseSignature splits "(II[Ljava/lang/String;)V" into parameter and return
// descriptors.
func ParseSignature(sig string) ([]string, string, error) {
	if len(sig) < 3 || sig[0] != '(' {
		return nil, "", fmt.Errorf("malformed signature %q", sig)
	}
	var params []string
	i := 1
	for i < len(sig) && sig[i] != ')' {
		start := i
		for i < len(sig) && sig[i] == '[' {
			i++
		}
		if i >= len(sig) {
			return nil, "", fmt.Errorf("malformed signature %q", sig)
		}
		if sig[i] == 'L' {
			end := strings.IndexByte(sig[i:], ';')
			if end < 0 {
				return nil, "", fmt.Errorf("malformed signature %q", sig)
			}
			i += end
		}
		i++
		params = append(params, sig[start:i])
	}
	if i >= len(sig)-1 {
		return nil, "", fmt.Errorf("malformed signature %q", sig)
	}
	return params, sig[i+1:], nil
}

// ArgumentWords counts the 32-bit registers taken by parameters.
func ArgumentWords(params []string) int {
	n := 0
	for _, p := range params {
		if IsWideDescriptor(p) {
			n += 2
		} else {
			n++
		}
	}
	return n
}

// PrettyDescriptor renders a descriptor in Java source form.
func PrettyDescriptor(d string) string {
	dims := ArrayDimensions(d)
	base := d[dims:]
	var name string
	switch base {
	case "Z":
		name = "boolean"
	case "B":
		name = "byte"
	case "S":
		name = "short"
	case "C":
		name = "char"
	case "I":
		name = "int"
	case "J":
		name = "long"
	case "F":
		name = "float"
	case "D":
		name = "double"
	case "V":
		name = "void"
	default:
		if len(base) > 2 && base[0] == 'L' {
			name = strings.ReplaceAll(base[1:len(base)-1], "/", ".")
		} else {
			name = base
		}
	}
	return name + strings.Repeat("[]", dims)
}

// ---------------------------------------------------------------------------
// Encoded values
// ---------------------------------------------------------------------------

// Value types of encoded_value.
const (
	ValueByte         = 0x00
	ValueShort        = 0x02
	ValueChar         = 0x03
	ValueInt          = 0x04
	ValueLong         = 0x06
	ValueFloat        = 0x10
	ValueDouble       = 0x11
	ValueMethodType   = 0x15
	ValueMethodHandle = 0x16
	ValueString       = 0x17
	ValueType         = 0x18
	ValueField        = 0x19
	ValueMethod       = 0x1a
	ValueEnum         = 0x1b
	ValueArray        = 0x1c
	ValueAnnotation   = 0x1d
	ValueNull         = 0x1e
	ValueBoolean      = 0x1f
)

// EncodedValue is a decoded encoded_value. Bits holds the raw payload for
// numeric kinds (floats right-zero-extended as the format stores them) and
// the pool index for string, type, field and method kinds.
type EncodedValue struct {
	Type byte
	Bits uint64
}

// StaticValues decodes the static initial values of class_defs[i]. Fields
// past the end of the list take their zero value.
func (f *File) StaticValues(i int) ([]EncodedValue, error) {
	if i < 0 || i >= len(f.ClassDefs) || f.ClassDefs[i].StaticValuesOff == 0 {
		return nil, nil
	}
	r := NewReader(f.data, f.ClassDefs[i].StaticValuesOff)
	vals, err := readEncodedArray(r)
	if err != nil {
		return nil, err
	}
	return vals, r.Err()
}

func readEncodedArray(r *Reader) ([]EncodedValue, error) {
	n := r.Uleb128()
	if uint64(n) > uint64(len(r.data)) {
		return nil, &FormatError{Offset: r.Pos(), Msg: "encoded array too large"}
	}
	vals := make([]EncodedValue, 0, n)
	for i := uint32(0); i < n && r.Err() == nil; i++ {
		v, err := readEncodedValue(r)
		if err != nil {
			return nil, err
		}
		vals = append(vals, v)
	}
	return vals, nil
}

func readEncodedValue(r *Reader) (EncodedValue, error) {
	start := r.Pos()
	head := r.U8()
	typ, arg := head&0x1f, head>>5
	v := EncodedValue{Type: typ}
	readBits := func(n int, signExtend, rightAlign bool) uint64 {
		var bits uint64
		for i := 0; i < n; i++ {
			bits |= uint64(r.U8()) << (8 * uint(i))
		}
		if rightAlign {
			return bits << (64 - 8*uint(n))
		}
		if signExtend && n < 8 {
			shift := 64 - 8*uint(n)
			return uint64(int64(bits<<shift) >> shift)
		}
		return bits
	}
	size := int(arg) + 1
	switch typ {
	case ValueByte, ValueShort, ValueInt, ValueLong:
		v.Bits = readBits(size, true, false)
	case ValueChar, ValueString, ValueType, ValueField, ValueMethod, ValueEnum, ValueMethodType, ValueMethodHandle:
		v.Bits = readBits(size, false, false)
	case ValueFloat:
		v.Bits = readBits(size, false, true) >> 32
	case ValueDouble:
		v.Bits = readBits(size, false, true)
	case ValueNull:
	case ValueBoolean:
		v.Bits = uint64(arg)
	case ValueArray:
		if _, err := readEncodedArray(r); err != nil {
			return v, err
		}
	case ValueAnnotation:
		r.Uleb128()
		n := r.Uleb128()
		for i := uint32(0); i < n && r.Err() == nil; i++ {
			r.Uleb128()
			if _, err := readEncodedValue(r); err != nil {
				return v, err
			}
		}
	default:
		return v, &FormatError{Offset: start, Msg: fmt.Sprintf("unknown encoded value type 0x%02x", typ)}
	}
	return v, r.Err()
}
