package hash

import (
	"encoding/binary"
)

// ---------------------------------------------------------------------------
// Deterministic binary serialization of a normalized method.
//
// Encoding conventions:
//   - First byte: HashVersion (0x01)
//   - Integers: big-endian fixed-width
//   - Strings: uint32 big-endian length + UTF-8 bytes
//   - Lists: uint32 big-endian count + elements
// ---------------------------------------------------------------------------

// Serialize produces a deterministic byte serialization of hm.
// The returned bytes are suitable for hashing with SHA-256.
func Serialize(hm *HMethod) []byte {
	s := &serializer{buf: make([]byte, 0, 256)}
	s.writeByte(HashVersion)
	s.serializeMethod(hm)
	return s.buf
}

type serializer struct {
	buf []byte
}

func (s *serializer) writeByte(b byte) {
	s.buf = append(s.buf, b)
}

func (s *serializer) writeUint16(v uint16) {
	s.buf = binary.BigEndian.AppendUint16(s.buf, v)
}

func (s *serializer) writeUint32(v uint32) {
	s.buf = binary.BigEndian.AppendUint32(s.buf, v)
}

func (s *serializer) writeInt64(v int64) {
	s.buf = binary.BigEndian.AppendUint64(s.buf, uint64(v))
}

func (s *serializer) writeString(v string) {
	s.writeUint32(uint32(len(v)))
	s.buf = append(s.buf, v...)
}

func (s *serializer) serializeMethod(hm *HMethod) {
	s.writeByte(TagMethod)
	s.writeString(hm.Class)
	s.writeString(hm.Name)
	s.writeString(hm.Signature)
	s.writeUint32(hm.AccessFlags)
	if hm.Code == nil {
		s.writeByte(TagNoCode)
		return
	}
	c := hm.Code
	s.writeUint16(c.Registers)
	s.writeUint16(c.Ins)
	s.writeUint16(c.Outs)
	s.writeUint32(uint32(len(c.Insns)))
	for i := range c.Insns {
		s.serializeInsn(&c.Insns[i])
	}
	s.writeUint32(uint32(len(c.Tries)))
	for i := range c.Tries {
		s.serializeTry(&c.Tries[i])
	}
}

func (s *serializer) serializeInsn(hi *HInsn) {
	if hi.Payload != nil {
		s.writeByte(TagPayload)
		s.writeUint32(uint32(len(hi.Payload)))
		for _, u := range hi.Payload {
			s.writeUint16(u)
		}
		return
	}
	s.writeByte(TagInstruction)
	s.writeByte(hi.Opcode)
	s.writeUint32(hi.A)
	s.writeUint32(hi.B)
	s.writeUint32(hi.C)
	s.writeInt64(hi.Literal)
	s.writeUint32(uint32(hi.Offset))
	s.writeByte(TagArgumentList)
	s.writeUint32(uint32(len(hi.Args)))
	for _, r := range hi.Args {
		s.writeUint32(r)
	}
	s.serializeRef(hi.Ref)
	if hi.Proto.Tag != 0 {
		s.serializeRef(hi.Proto)
	}
}

func (s *serializer) serializeRef(r HRef) {
	s.writeByte(r.Tag)
	switch r.Tag {
	case TagNoRef:
	case TagRawIndex:
		s.writeUint32(r.Raw)
	default:
		s.writeString(r.Name)
	}
}

func (s *serializer) serializeTry(ht *HTry) {
	s.writeByte(TagTry)
	s.writeUint32(ht.Start)
	s.writeUint16(ht.Count)
	s.writeUint32(uint32(len(ht.Catches)))
	for _, c := range ht.Catches {
		s.writeByte(TagCatch)
		s.writeString(c.Type)
		s.writeUint32(c.Addr)
	}
	if ht.CatchAll != nil {
		s.writeByte(TagCatchAll)
		s.writeUint32(*ht.CatchAll)
	}
}
