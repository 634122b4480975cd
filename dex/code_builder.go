package dex

import (
	"errors"
	"fmt"
)

// ---------------------------------------------------------------------------
// CodeBuilder: helper for constructing code items
// ---------------------------------------------------------------------------

// CodeBuilder assembles a code_item. Operands are raw field values; branch
// targets are Labels resolved when Finish runs, and switch and array-data
// payloads are appended after the last instruction.
type CodeBuilder struct {
	registers uint16
	insns     []uint16
	fixups    []fixup
	payloads  []payload
	tries     []tryDef
	outs      int
	err       error
}

type fixup struct {
	pc    uint32
	label *Label
}

type payload struct {
	pc    uint32 // referencing instruction
	units []uint16
	// labels are resolved relative to pc and written at the given unit offsets
	labels []*Label
	at     []int
}

type tryDef struct {
	start, end *Label
	handlers   []Catch
	catchAll   *Label
}

// Catch is one typed handler of a try range.
type Catch struct {
	TypeIdx uint32
	Handler *Label
}

// Label is a position in the instruction stream.
type Label struct {
	resolved bool
	position uint32
}

// NewCodeBuilder creates a builder for a method with the given frame size.
func NewCodeBuilder(registers int) *CodeBuilder {
	return &CodeBuilder{registers: uint16(registers), insns: make([]uint16, 0, 32)}
}

// PC returns the pc of the next emitted instruction.
func (c *CodeBuilder) PC() uint32 {
	return uint32(len(c.insns))
}

func (c *CodeBuilder) fail(format string, args ...any) {
	if c.err == nil {
		c.err = fmt.Errorf(format, args...)
	}
}

func (c *CodeBuilder) check(op Opcode, want ...Format) {
	f := op.Format()
	for _, w := range want {
		if f == w {
			return
		}
	}
	c.fail("%s has format %s, not %v", op, f, want)
}

func unit(op Opcode, hi uint32) uint16 {
	return uint16(op) | uint16(hi<<8)
}

// EmitRaw appends raw code units. It is used for hand-built payloads and
// deliberately malformed code.
func (c *CodeBuilder) EmitRaw(units ...uint16) {
	c.insns = append(c.insns, units...)
}

// Emit appends a 10x instruction.
func (c *CodeBuilder) Emit(op Opcode) {
	c.check(op, Format10x)
	c.insns = append(c.insns, unit(op, 0))
}

// Emit11x appends a single-register instruction (move-result, return, throw...).
func (c *CodeBuilder) Emit11x(op Opcode, a int) {
	c.check(op, Format11x)
	c.insns = append(c.insns, unit(op, uint32(a)))
}

// EmitMove appends a move in 12x, 22x or 32x form.
func (c *CodeBuilder) EmitMove(op Opcode, a, b int) {
	switch op.Format() {
	case Format12x:
		c.insns = append(c.insns, unit(op, uint32(a&0xf|(b&0xf)<<4)))
	case Format22x:
		c.insns = append(c.insns, unit(op, uint32(a)), uint16(b))
	case Format32x:
		c.insns = append(c.insns, unit(op, 0), uint16(a), uint16(b))
	default:
		c.fail("%s is not a move", op)
	}
}

// Emit12x appends a two-register 4-bit instruction (unops, 2addr, array-length).
func (c *CodeBuilder) Emit12x(op Opcode, a, b int) {
	c.check(op, Format12x)
	c.insns = append(c.insns, unit(op, uint32(a&0xf|(b&0xf)<<4)))
}

// Emit23x appends a three-register instruction (binops, cmp, aget, aput).
func (c *CodeBuilder) Emit23x(op Opcode, a, b, cc int) {
	c.check(op, Format23x)
	c.insns = append(c.insns, unit(op, uint32(a)), uint16(b&0xff|(cc&0xff)<<8))
}

// EmitConst appends a const instruction. value is the full constant; the
// high16 forms require the low bits to be zero.
func (c *CodeBuilder) EmitConst(op Opcode, a int, value int64) {
	switch op.Format() {
	case Format11n:
		c.insns = append(c.insns, unit(op, uint32(a&0xf)|uint32(value&0xf)<<4))
	case Format21s:
		c.insns = append(c.insns, unit(op, uint32(a)), uint16(value))
	case Format21h:
		shift := 16
		if op == OpConstWideHigh16 {
			shift = 48
		}
		c.insns = append(c.insns, unit(op, uint32(a)), uint16(value>>shift))
	case Format31i:
		c.insns = append(c.insns, unit(op, uint32(a)), uint16(value), uint16(value>>16))
	case Format51l:
		c.insns = append(c.insns, unit(op, uint32(a)), uint16(value), uint16(value>>16), uint16(value>>32), uint16(value>>48))
	default:
		c.fail("%s is not a const", op)
	}
}

// EmitLit appends a binop with a literal (22s or 22b form).
func (c *CodeBuilder) EmitLit(op Opcode, a, b int, lit int) {
	switch op.Format() {
	case Format22s:
		c.insns = append(c.insns, unit(op, uint32(a&0xf|(b&0xf)<<4)), uint16(lit))
	case Format22b:
		c.insns = append(c.insns, unit(op, uint32(a)), uint16(b&0xff|(lit&0xff)<<8))
	default:
		c.fail("%s takes no literal", op)
	}
}

// EmitIndex appends a 21c, 31c or 22c instruction. For 22c the second register
// comes first in regs.
func (c *CodeBuilder) EmitIndex(op Opcode, idx uint32, regs ...int) {
	switch op.Format() {
	case Format21c:
		c.insns = append(c.insns, unit(op, uint32(regs[0])), uint16(idx))
	case Format31c:
		c.insns = append(c.insns, unit(op, uint32(regs[0])), uint16(idx), uint16(idx>>16))
	case Format22c:
		c.insns = append(c.insns, unit(op, uint32(regs[0]&0xf|(regs[1]&0xf)<<4)), uint16(idx))
	default:
		c.fail("%s takes no pool index", op)
	}
}

// EmitInvoke appends a 35c instruction (invoke-kind or filled-new-array).
func (c *CodeBuilder) EmitInvoke(op Opcode, idx uint32, args ...int) {
	c.check(op, Format35c, Format45cc)
	if len(args) > 5 {
		c.fail("%s with %d arguments", op, len(args))
		return
	}
	var r [5]int
	copy(r[:], args)
	c.insns = append(c.insns,
		unit(op, uint32(len(args))<<4|uint32(r[4]&0xf)),
		uint16(idx),
		uint16(r[0]&0xf|(r[1]&0xf)<<4|(r[2]&0xf)<<8|(r[3]&0xf)<<12))
	if op.IsInvoke() && len(args) > c.outs {
		c.outs = len(args)
	}
}

// EmitInvokeRange appends a 3rc instruction.
func (c *CodeBuilder) EmitInvokeRange(op Opcode, idx uint32, first, count int) {
	c.check(op, Format3rc, Format4rcc)
	c.insns = append(c.insns, unit(op, uint32(count)), uint16(idx), uint16(first))
	if op.IsInvoke() && count > c.outs {
		c.outs = count
	}
}

// ---------------------------------------------------------------------------
// Labels and branches
// ---------------------------------------------------------------------------

// NewLabel creates an unresolved label.
func (c *CodeBuilder) NewLabel() *Label {
	return &Label{}
}

// Mark resolves a label to the current position.
func (c *CodeBuilder) Mark(label *Label) {
	if label.resolved {
		c.fail("label marked twice")
		return
	}
	label.resolved = true
	label.position = c.PC()
}

// EmitJump appends a goto or if-* to label. regs are the compared registers.
func (c *CodeBuilder) EmitJump(op Opcode, label *Label, regs ...int) {
	pc := c.PC()
	c.fixups = append(c.fixups, fixup{pc: pc, label: label})
	switch op.Format() {
	case Format10t:
		c.insns = append(c.insns, unit(op, 0))
	case Format20t:
		c.insns = append(c.insns, unit(op, 0), 0)
	case Format30t:
		c.insns = append(c.insns, unit(op, 0), 0, 0)
	case Format21t:
		c.insns = append(c.insns, unit(op, uint32(regs[0])), 0)
	case Format22t:
		c.insns = append(c.insns, unit(op, uint32(regs[0]&0xf|(regs[1]&0xf)<<4)), 0)
	default:
		c.fail("%s is not a branch", op)
	}
}

// EmitPackedSwitch appends a packed-switch over consecutive keys from firstKey.
func (c *CodeBuilder) EmitPackedSwitch(a int, firstKey int32, targets ...*Label) {
	p := payload{pc: c.PC()}
	p.units = []uint16{PackedSwitchSignature, uint16(len(targets)), uint16(firstKey), uint16(uint32(firstKey) >> 16)}
	for _, t := range targets {
		p.labels = append(p.labels, t)
		p.at = append(p.at, len(p.units))
		p.units = append(p.units, 0, 0)
	}
	c.payloads = append(c.payloads, p)
	c.insns = append(c.insns, unit(OpPackedSwitch, uint32(a)), 0, 0)
}

// EmitSparseSwitch appends a sparse-switch. keys must be ascending.
func (c *CodeBuilder) EmitSparseSwitch(a int, keys []int32, targets []*Label) {
	if len(keys) != len(targets) {
		c.fail("sparse-switch with %d keys and %d targets", len(keys), len(targets))
		return
	}
	p := payload{pc: c.PC()}
	p.units = []uint16{SparseSwitchSignature, uint16(len(keys))}
	for _, k := range keys {
		p.units = append(p.units, uint16(k), uint16(uint32(k)>>16))
	}
	for _, t := range targets {
		p.labels = append(p.labels, t)
		p.at = append(p.at, len(p.units))
		p.units = append(p.units, 0, 0)
	}
	c.payloads = append(c.payloads, p)
	c.insns = append(c.insns, unit(OpSparseSwitch, uint32(a)), 0, 0)
}

// EmitFillArrayData appends a fill-array-data with elements of width bytes.
func (c *CodeBuilder) EmitFillArrayData(a int, width int, values []int64) {
	p := payload{pc: c.PC()}
	n := uint32(len(values))
	p.units = []uint16{FillArrayDataSignature, uint16(width), uint16(n), uint16(n >> 16)}
	var bytes []byte
	for _, v := range values {
		for b := 0; b < width; b++ {
			bytes = append(bytes, byte(v>>(8*b)))
		}
	}
	if len(bytes)%2 == 1 {
		bytes = append(bytes, 0)
	}
	for i := 0; i < len(bytes); i += 2 {
		p.units = append(p.units, uint16(bytes[i])|uint16(bytes[i+1])<<8)
	}
	c.payloads = append(c.payloads, p)
	c.insns = append(c.insns, unit(OpFillArrayData, uint32(a)), 0, 0)
}

// Try registers a try range [start, end) with typed handlers and an optional
// catch-all. Ranges must be added in pc order and must not overlap.
func (c *CodeBuilder) Try(start, end *Label, handlers []Catch, catchAll *Label) {
	c.tries = append(c.tries, tryDef{start: start, end: end, handlers: handlers, catchAll: catchAll})
}

var errUnresolvedLabel = errors.New("dex: branch to unmarked label")

// Finish resolves labels, appends payloads and returns the code item. InsSize
// is left for the class builder, which knows the method signature.
func (c *CodeBuilder) Finish() (*CodeItem, error) {
	if c.err != nil {
		return nil, c.err
	}
	insns := append([]uint16(nil), c.insns...)
	for _, fx := range c.fixups {
		if !fx.label.resolved {
			return nil, errUnresolvedLabel
		}
		off := int32(fx.label.position) - int32(fx.pc)
		op := Opcode(insns[fx.pc] & 0xff)
		switch op.Format() {
		case Format10t:
			insns[fx.pc] = unit(op, uint32(uint8(int8(off))))
		case Format20t, Format21t, Format22t:
			insns[fx.pc+1] = uint16(off)
		case Format30t:
			insns[fx.pc+1], insns[fx.pc+2] = uint16(off), uint16(uint32(off)>>16)
		}
	}
	for _, p := range c.payloads {
		if len(insns)%2 == 1 {
			insns = append(insns, uint16(OpNop))
		}
		at := uint32(len(insns))
		units := append([]uint16(nil), p.units...)
		for i, l := range p.labels {
			if !l.resolved {
				return nil, errUnresolvedLabel
			}
			off := int32(l.position) - int32(p.pc)
			units[p.at[i]], units[p.at[i]+1] = uint16(off), uint16(uint32(off)>>16)
		}
		insns = append(insns, units...)
		off := int32(at) - int32(p.pc)
		insns[p.pc+1], insns[p.pc+2] = uint16(off), uint16(uint32(off)>>16)
	}

	code := &CodeItem{RegistersSize: c.registers, OutsSize: uint16(c.outs), Insns: insns}
	handlerOff := uint32(0)
	list := AppendUleb128(nil, uint32(len(c.tries)))
	for _, t := range c.tries {
		if !t.start.resolved || !t.end.resolved {
			return nil, errUnresolvedLabel
		}
		h := CatchHandler{Offset: uint32(len(list))}
		size := int32(len(t.handlers))
		if t.catchAll != nil {
			size = -size
		}
		list = AppendSleb128(list, size)
		for _, e := range t.handlers {
			h.Entries = append(h.Entries, CatchEntry{TypeIdx: e.TypeIdx, Addr: e.Handler.position})
			list = AppendUleb128(list, e.TypeIdx)
			list = AppendUleb128(list, e.Handler.position)
		}
		if t.catchAll != nil {
			h.HasCatchAll = true
			h.CatchAllAddr = t.catchAll.position
			list = AppendUleb128(list, h.CatchAllAddr)
		}
		handlerOff = h.Offset
		code.Tries = append(code.Tries, TryItem{
			StartAddr:    t.start.position,
			InsnCount:    uint16(t.end.position - t.start.position),
			HandlerOff:   uint16(handlerOff),
			HandlerIndex: len(code.Handlers),
		})
		code.Handlers = append(code.Handlers, h)
	}
	return code, nil
}
