package hash

// ---------------------------------------------------------------------------
// Normalized method form
//
// Pool indices differ between dex files holding the same code, so every
// index operand is replaced by the name it resolves to. Registers, literals
// and branch offsets are kept as they are.
// ---------------------------------------------------------------------------

// HMethod is the normalized form of one method.
type HMethod struct {
	Class       string
	Name        string
	Signature   string
	AccessFlags uint32
	Code        *HCode // nil for abstract and native methods
}

// HCode is a normalized code item.
type HCode struct {
	Registers uint16
	Ins       uint16
	Outs      uint16
	Insns     []HInsn
	Tries     []HTry
}

// HInsn is one instruction. Payload tables carry their raw code units,
// which never contain pool indices.
type HInsn struct {
	Opcode  uint8
	A, B, C uint32
	Literal int64
	Offset  int32
	Args    []uint32
	Ref     HRef
	Proto   HRef // second reference of invoke-polymorphic
	Payload []uint16
}

// HRef is a resolved pool reference.
type HRef struct {
	Tag  byte
	Name string
	Raw  uint32 // index for pools that are not resolved by name
}

// HTry is a try range with its resolved handlers.
type HTry struct {
	Start    uint32
	Count    uint16
	Catches  []HCatch
	CatchAll *uint32
}

// HCatch is one typed handler.
type HCatch struct {
	Type string
	Addr uint32
}
