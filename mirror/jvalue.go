package mirror

import (
	"fmt"
	"math"
)

// JValue is an argument or return value crossing a call boundary. Primitive
// values live in bits; references in ref.
type JValue struct {
	bits uint64
	ref  *Object
}

func IntValue(v int32) JValue      { return JValue{bits: uint64(uint32(v))} }
func LongValue(v int64) JValue     { return JValue{bits: uint64(v)} }
func FloatValue(v float32) JValue  { return JValue{bits: uint64(math.Float32bits(v))} }
func DoubleValue(v float64) JValue { return JValue{bits: math.Float64bits(v)} }
func RefValue(o *Object) JValue    { return JValue{ref: o} }
func BoolValue(b bool) JValue {
	if b {
		return IntValue(1)
	}
	return IntValue(0)
}

// BitsValue builds a primitive JValue from raw bits.
func BitsValue(bits uint64) JValue { return JValue{bits: bits} }

func (v JValue) Int() int32      { return int32(uint32(v.bits)) }
func (v JValue) Long() int64     { return int64(v.bits) }
func (v JValue) Float() float32  { return math.Float32frombits(uint32(v.bits)) }
func (v JValue) Double() float64 { return math.Float64frombits(v.bits) }
func (v JValue) Ref() *Object    { return v.ref }
func (v JValue) Bits() uint64    { return v.bits }
func (v JValue) Bool() bool      { return uint32(v.bits) != 0 }

// Format renders v according to a shorty character.
func (v JValue) Format(shorty byte) string {
	switch shorty {
	case 'Z':
		return fmt.Sprint(v.Bool())
	case 'B', 'S', 'I':
		return fmt.Sprint(v.Int())
	case 'C':
		return fmt.Sprintf("%q", rune(uint16(v.Int())))
	case 'J':
		return fmt.Sprint(v.Long())
	case 'F':
		return fmt.Sprint(v.Float())
	case 'D':
		return fmt.Sprint(v.Double())
	case 'V':
		return "void"
	}
	return v.ref.String()
}
