package dex

import (
	"encoding/binary"
	"fmt"
	"unicode/utf16"
)

// Reader is a little-endian cursor over a DEX image. The first out-of-range
// read sets a sticky error and every later read returns zero, so callers can
// decode a whole structure and check Err once.
type Reader struct {
	data []byte
	pos  uint32
	err  error
}

// NewReader returns a Reader positioned at pos.
func NewReader(data []byte, pos uint32) *Reader {
	return &Reader{data: data, pos: pos}
}

func (r *Reader) Pos() uint32 { return r.pos }
func (r *Reader) Err() error  { return r.err }

// Seek moves the cursor. Seeking past the end is only reported on the next read.
func (r *Reader) Seek(pos uint32) { r.pos = pos }

func (r *Reader) need(n uint32) bool {
	if r.err != nil {
		return false
	}
	if uint64(r.pos)+uint64(n) > uint64(len(r.data)) {
		r.err = &FormatError{Offset: r.pos, Msg: fmt.Sprintf("read of %d bytes past end of file (size %d)", n, len(r.data))}
		return false
	}
	return true
}

func (r *Reader) U8() uint8 {
	if !r.need(1) {
		return 0
	}
	v := r.data[r.pos]
	r.pos++
	return v
}

func (r *Reader) U16() uint16 {
	if !r.need(2) {
		return 0
	}
	v := binary.LittleEndian.Uint16(r.data[r.pos:])
	r.pos += 2
	return v
}

func (r *Reader) U32() uint32 {
	if !r.need(4) {
		return 0
	}
	v := binary.LittleEndian.Uint32(r.data[r.pos:])
	r.pos += 4
	return v
}

func (r *Reader) U64() uint64 {
	if !r.need(8) {
		return 0
	}
	v := binary.LittleEndian.Uint64(r.data[r.pos:])
	r.pos += 8
	return v
}

// Bytes returns the next n bytes without copying.
func (r *Reader) Bytes(n uint32) []byte {
	if !r.need(n) {
		return nil
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b
}

// Uleb128 decodes an unsigned LEB128 value of at most five bytes.
func (r *Reader) Uleb128() uint32 {
	var result uint32
	for i := uint(0); i < 5; i++ {
		b := r.U8()
		if r.err != nil {
			return 0
		}
		result |= uint32(b&0x7f) << (7 * i)
		if b&0x80 == 0 {
			return result
		}
	}
	r.err = &FormatError{Offset: r.pos, Msg: "uleb128 value longer than five bytes"}
	return 0
}

// Uleb128p1 decodes a uleb128 biased by one, so that NoIndex encodes as zero.
func (r *Reader) Uleb128p1() uint32 {
	return r.Uleb128() - 1
}

// Sleb128 decodes a signed LEB128 value of at most five bytes.
func (r *Reader) Sleb128() int32 {
	var result int32
	var shift uint
	for i := 0; i < 5; i++ {
		b := r.U8()
		if r.err != nil {
			return 0
		}
		result |= int32(b&0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			if shift < 32 && b&0x40 != 0 {
				result |= -1 << shift
			}
			return result
		}
	}
	r.err = &FormatError{Offset: r.pos, Msg: "sleb128 value longer than five bytes"}
	return 0
}

// CStr reads a NUL-terminated byte string.
func (r *Reader) CStr() []byte {
	if r.err != nil {
		return nil
	}
	start := r.pos
	for int(r.pos) < len(r.data) {
		if r.data[r.pos] == 0 {
			b := r.data[start:r.pos]
			r.pos++
			return b
		}
		r.pos++
	}
	r.err = &FormatError{Offset: start, Msg: "unterminated string data"}
	return nil
}

// DecodeMUTF8 converts modified UTF-8 (NUL as C0 80, supplementary
// characters as surrogate pairs) into a Go string.
func DecodeMUTF8(b []byte) (string, error) {
	units := make([]uint16, 0, len(b))
	for i := 0; i < len(b); {
		c := b[i]
		switch {
		case c < 0x80:
			if c == 0 {
				return "", fmt.Errorf("embedded NUL in string data")
			}
			units = append(units, uint16(c))
			i++
		case c&0xe0 == 0xc0:
			if i+1 >= len(b) || b[i+1]&0xc0 != 0x80 {
				return "", fmt.Errorf("bad two-byte sequence at %d", i)
			}
			units = append(units, uint16(c&0x1f)<<6|uint16(b[i+1]&0x3f))
			i += 2
		case c&0xf0 == 0xe0:
			if i+2 >= len(b) || b[i+1]&0xc0 != 0x80 || b[i+2]&0xc0 != 0x80 {
				return "", fmt.Errorf("bad three-byte sequence at %d", i)
			}
			units = append(units, uint16(c&0x0f)<<12|uint16(b[i+1]&0x3f)<<6|uint16(b[i+2]&0x3f))
			i += 3
		default:
			return "", fmt.Errorf("illegal start byte 0x%02x at %d", c, i)
		}
	}
	return string(utf16.Decode(units)), nil
}

// EncodeMUTF8 is the inverse of DecodeMUTF8. It also returns the UTF-16
// length, which is what string_data_item records.
func EncodeMUTF8(s string) ([]byte, int) {
	units := utf16.Encode([]rune(s))
	out := make([]byte, 0, len(units))
	for _, u := range units {
		switch {
		case u != 0 && u < 0x80:
			out = append(out, byte(u))
		case u < 0x800:
			out = append(out, 0xc0|byte(u>>6), 0x80|byte(u&0x3f))
		default:
			out = append(out, 0xe0|byte(u>>12), 0x80|byte(u>>6&0x3f), 0x80|byte(u&0x3f))
		}
	}
	return out, len(units)
}

// AppendUleb128 appends v in unsigned LEB128 form.
func AppendUleb128(b []byte, v uint32) []byte {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if v == 0 {
			return append(b, c)
		}
		b = append(b, c|0x80)
	}
}

// AppendSleb128 appends v in signed LEB128 form.
func AppendSleb128(b []byte, v int32) []byte {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && c&0x40 == 0) || (v == -1 && c&0x40 != 0) {
			return append(b, c)
		}
		b = append(b, c|0x80)
	}
}
