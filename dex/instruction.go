package dex

import "fmt"

// Instruction is one decoded Dalvik instruction. Register operands keep the
// Dalvik letters: A is the destination or first operand, B and C follow.
// For invoke and filled-new-array the argument registers are in Args.
type Instruction struct {
	Opcode Opcode
	PC     uint32 // dex pc of the first code unit
	Size   uint32 // width in code units, payloads included

	A, B, C uint32
	H       uint32 // proto index of invoke-polymorphic

	Literal int64  // sign-extended literal for 11n/21s/21h/31i/22b/22s/51l
	Offset  int32  // relative branch or payload offset for *t formats
	Index   uint32 // pool index for *c formats
	Args    []uint32

	payload uint16 // non-zero for switch and array data tables
}

// Target returns the absolute pc of a branch or payload reference.
func (i *Instruction) Target() uint32 {
	return uint32(int64(i.PC) + int64(i.Offset))
}

// IsPayload reports whether the instruction is a data table embedded in the
// instruction stream rather than executable code.
func (i *Instruction) IsPayload() bool {
	return i.payload != 0
}

// PayloadSignature returns the table identifier, or 0 for real instructions.
func (i *Instruction) PayloadSignature() uint16 {
	return i.payload
}

// Next returns the pc of the instruction that follows.
func (i *Instruction) Next() uint32 {
	return i.PC + i.Size
}

// IsWideOperation reports whether A names the low half of a register pair.
func (i *Instruction) IsWideOperation() bool {
	switch i.Opcode {
	case OpMoveWide, OpMoveWideFrom16, OpMoveWide16, OpMoveResultWide, OpReturnWide,
		OpConstWide16, OpConstWide32, OpConstWide, OpConstWideHigh16,
		OpAgetWide, OpAputWide, OpIgetWide, OpIputWide, OpSgetWide, OpSputWide:
		return true
	}
	return false
}

// payloadSize returns the width in code units of the data table at pc. The
// bool is false when insns[pc] is an ordinary nop.
func payloadSize(insns []uint16, pc uint32) (uint32, bool, error) {
	ident := insns[pc]
	avail := uint32(len(insns)) - pc
	need := func(n uint32) error {
		if n > avail {
			return ErrTruncated
		}
		return nil
	}
	switch ident {
	case PackedSwitchSignature:
		if err := need(2); err != nil {
			return 0, true, err
		}
		return 4 + uint32(insns[pc+1])*2, true, nil
	case SparseSwitchSignature:
		if err := need(2); err != nil {
			return 0, true, err
		}
		return 2 + uint32(insns[pc+1])*4, true, nil
	case FillArrayDataSignature:
		if err := need(4); err != nil {
			return 0, true, err
		}
		width := uint64(insns[pc+1])
		count := uint64(insns[pc+2]) | uint64(insns[pc+3])<<16
		bytes := width * count
		return uint32(4 + (bytes+1)/2), true, nil
	}
	return 0, false, nil
}

// DecodeInstruction decodes the instruction at pc. It fails with
// ErrTruncated if the instruction or its payload runs past the end of insns.
func DecodeInstruction(insns []uint16, pc uint32) (Instruction, error) {
	if pc >= uint32(len(insns)) {
		return Instruction{}, ErrTruncated
	}
	w := insns[pc]
	inst := Instruction{Opcode: Opcode(w & 0xff), PC: pc}

	if inst.Opcode == OpNop {
		size, isPayload, err := payloadSize(insns, pc)
		if err != nil {
			return inst, err
		}
		if isPayload {
			if uint64(pc)+uint64(size) > uint64(len(insns)) {
				return inst, ErrTruncated
			}
			inst.Size = size
			inst.payload = w
			return inst, nil
		}
	}

	format := inst.Opcode.Format()
	inst.Size = format.Units()
	if uint64(pc)+uint64(inst.Size) > uint64(len(insns)) {
		return inst, ErrTruncated
	}
	u := func(i uint32) uint32 { return uint32(insns[pc+i]) }
	aa := uint32(w >> 8)
	a4 := uint32(w>>8) & 0xf
	b4 := uint32(w >> 12)

	switch format {
	case Format10x:
	case Format12x:
		inst.A, inst.B = a4, b4
	case Format11n:
		inst.A = a4
		inst.Literal = int64(int32(b4<<28) >> 28)
	case Format11x:
		inst.A = aa
	case Format10t:
		inst.Offset = int32(int8(aa))
	case Format20t:
		inst.Offset = int32(int16(u(1)))
	case Format22x:
		inst.A, inst.B = aa, u(1)
	case Format21t:
		inst.A = aa
		inst.Offset = int32(int16(u(1)))
	case Format21s:
		inst.A = aa
		inst.Literal = int64(int16(u(1)))
	case Format21h:
		inst.A = aa
		if inst.Opcode == OpConstWideHigh16 {
			inst.Literal = int64(u(1)) << 48
		} else {
			inst.Literal = int64(int32(u(1) << 16))
		}
	case Format21c:
		inst.A, inst.Index = aa, u(1)
	case Format23x:
		inst.A = aa
		inst.B, inst.C = u(1)&0xff, u(1)>>8
	case Format22b:
		inst.A = aa
		inst.B = u(1) & 0xff
		inst.Literal = int64(int8(u(1) >> 8))
	case Format22t:
		inst.A, inst.B = a4, b4
		inst.Offset = int32(int16(u(1)))
	case Format22s:
		inst.A, inst.B = a4, b4
		inst.Literal = int64(int16(u(1)))
	case Format22c:
		inst.A, inst.B = a4, b4
		inst.Index = u(1)
	case Format32x:
		inst.A, inst.B = u(1), u(2)
	case Format30t:
		inst.Offset = int32(u(1) | u(2)<<16)
	case Format31t:
		inst.A = aa
		inst.Offset = int32(u(1) | u(2)<<16)
	case Format31i:
		inst.A = aa
		inst.Literal = int64(int32(u(1) | u(2)<<16))
	case Format31c:
		inst.A = aa
		inst.Index = u(1) | u(2)<<16
	case Format35c, Format45cc:
		inst.A = b4 // argument count
		inst.Index = u(1)
		regs := [5]uint32{u(2) & 0xf, u(2) >> 4 & 0xf, u(2) >> 8 & 0xf, u(2) >> 12, a4}
		if inst.A > 5 {
			return inst, fmt.Errorf("dex: %s at %d has %d arguments", inst.Opcode, pc, inst.A)
		}
		inst.Args = append([]uint32(nil), regs[:inst.A]...)
		if inst.A > 0 {
			inst.C = regs[0]
		}
		if format == Format45cc {
			inst.H = u(3)
		}
	case Format3rc, Format4rcc:
		inst.A = aa
		inst.Index = u(1)
		inst.C = u(2)
		inst.Args = make([]uint32, inst.A)
		for i := range inst.Args {
			inst.Args[i] = inst.C + uint32(i)
		}
		if format == Format4rcc {
			inst.H = u(3)
		}
	case Format51l:
		inst.A = aa
		inst.Literal = int64(uint64(u(1)) | uint64(u(2))<<16 | uint64(u(3))<<32 | uint64(u(4))<<48)
	default:
		return inst, fmt.Errorf("dex: unknown format for opcode 0x%02x", uint8(inst.Opcode))
	}
	return inst, nil
}

// ---------------------------------------------------------------------------
// Payloads
// ---------------------------------------------------------------------------

// SwitchTable is a decoded packed- or sparse-switch payload. Targets are
// relative to the switch instruction, as stored.
type SwitchTable struct {
	Keys    []int32
	Targets []int32
}

// Lookup returns the relative branch offset for value.
func (s *SwitchTable) Lookup(value int32) (int32, bool) {
	lo, hi := 0, len(s.Keys)-1
	for lo <= hi {
		mid := (lo + hi) / 2
		switch k := s.Keys[mid]; {
		case k < value:
			lo = mid + 1
		case k > value:
			hi = mid - 1
		default:
			return s.Targets[mid], true
		}
	}
	return 0, false
}

// DecodeSwitch decodes the switch payload at payloadPC. Packed tables are
// expanded to explicit keys.
func DecodeSwitch(insns []uint16, payloadPC uint32) (*SwitchTable, error) {
	if payloadPC >= uint32(len(insns)) {
		return nil, ErrTruncated
	}
	size, isPayload, err := payloadSize(insns, payloadPC)
	if err != nil {
		return nil, err
	}
	ident := insns[payloadPC]
	if !isPayload || ident == FillArrayDataSignature {
		return nil, fmt.Errorf("dex: no switch table at %d (found 0x%04x)", payloadPC, ident)
	}
	if uint64(payloadPC)+uint64(size) > uint64(len(insns)) {
		return nil, ErrTruncated
	}
	n := uint32(insns[payloadPC+1])
	u32 := func(at uint32) int32 {
		return int32(uint32(insns[at]) | uint32(insns[at+1])<<16)
	}
	t := &SwitchTable{Keys: make([]int32, n), Targets: make([]int32, n)}
	if ident == PackedSwitchSignature {
		first := u32(payloadPC + 2)
		for i := uint32(0); i < n; i++ {
			t.Keys[i] = first + int32(i)
			t.Targets[i] = u32(payloadPC + 4 + i*2)
		}
		return t, nil
	}
	for i := uint32(0); i < n; i++ {
		t.Keys[i] = u32(payloadPC + 2 + i*2)
		t.Targets[i] = u32(payloadPC + 2 + n*2 + i*2)
	}
	return t, nil
}

// ArrayData is a decoded fill-array-data payload.
type ArrayData struct {
	ElementWidth uint16
	Count        uint32
	Data         []byte
}

// Element returns element i sign-extended from its width.
func (a *ArrayData) Element(i uint32) int64 {
	off := i * uint32(a.ElementWidth)
	var v uint64
	for b := uint32(0); b < uint32(a.ElementWidth); b++ {
		v |= uint64(a.Data[off+b]) << (8 * b)
	}
	shift := 64 - 8*uint(a.ElementWidth)
	return int64(v<<shift) >> shift
}

// DecodeArrayData decodes the fill-array-data payload at payloadPC.
func DecodeArrayData(insns []uint16, payloadPC uint32) (*ArrayData, error) {
	if payloadPC >= uint32(len(insns)) {
		return nil, ErrTruncated
	}
	if insns[payloadPC] != FillArrayDataSignature {
		return nil, fmt.Errorf("dex: no array data at %d (found 0x%04x)", payloadPC, insns[payloadPC])
	}
	size, _, err := payloadSize(insns, payloadPC)
	if err != nil {
		return nil, err
	}
	if uint64(payloadPC)+uint64(size) > uint64(len(insns)) {
		return nil, ErrTruncated
	}
	a := &ArrayData{
		ElementWidth: insns[payloadPC+1],
		Count:        uint32(insns[payloadPC+2]) | uint32(insns[payloadPC+3])<<16,
	}
	n := uint32(a.ElementWidth) * a.Count
	a.Data = make([]byte, 0, n+1)
	for i := uint32(0); uint32(len(a.Data)) < n; i++ {
		unit := insns[payloadPC+4+i]
		a.Data = append(a.Data, byte(unit), byte(unit>>8))
	}
	a.Data = a.Data[:n]
	return a, nil
}
