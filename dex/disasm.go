package dex

import (
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Disassembly
// ---------------------------------------------------------------------------

// Describe renders an instruction in smali-like syntax. f may be nil, in
// which case pool references print as raw indices.
func (i *Instruction) Describe(f *File) string {
	name := i.Opcode.Name()
	if i.IsPayload() {
		switch i.payload {
		case PackedSwitchSignature:
			return "packed-switch-payload"
		case SparseSwitchSignature:
			return "sparse-switch-payload"
		default:
			return "array-data-payload"
		}
	}
	ref := func() string {
		if f == nil {
			return fmt.Sprintf("@%d", i.Index)
		}
		switch i.Opcode.Info().Index {
		case IndexString:
			return fmt.Sprintf("%q", f.String(i.Index))
		case IndexTypeRef:
			return f.TypeDescriptor(i.Index)
		case IndexField:
			return f.PrettyField(i.Index)
		case IndexMethod, IndexMethodAndProto:
			return f.PrettyMethod(i.Index)
		}
		return fmt.Sprintf("@%d", i.Index)
	}
	args := func() string {
		regs := make([]string, len(i.Args))
		for k, r := range i.Args {
			regs[k] = fmt.Sprintf("v%d", r)
		}
		return "{" + strings.Join(regs, ", ") + "}"
	}

	switch i.Opcode.Format() {
	case Format10x:
		return name
	case Format11x:
		return fmt.Sprintf("%s v%d", name, i.A)
	case Format12x, Format22x, Format32x:
		return fmt.Sprintf("%s v%d, v%d", name, i.A, i.B)
	case Format11n, Format21s, Format21h, Format31i, Format51l:
		return fmt.Sprintf("%s v%d, #%d", name, i.A, i.Literal)
	case Format10t, Format20t, Format30t:
		return fmt.Sprintf("%s %+d (-> %04d)", name, i.Offset, i.Target())
	case Format21t, Format31t:
		return fmt.Sprintf("%s v%d, %+d (-> %04d)", name, i.A, i.Offset, i.Target())
	case Format22t:
		return fmt.Sprintf("%s v%d, v%d, %+d (-> %04d)", name, i.A, i.B, i.Offset, i.Target())
	case Format21c, Format31c:
		return fmt.Sprintf("%s v%d, %s", name, i.A, ref())
	case Format22c:
		return fmt.Sprintf("%s v%d, v%d, %s", name, i.A, i.B, ref())
	case Format23x:
		return fmt.Sprintf("%s v%d, v%d, v%d", name, i.A, i.B, i.C)
	case Format22b, Format22s:
		return fmt.Sprintf("%s v%d, v%d, #%d", name, i.A, i.B, i.Literal)
	case Format35c, Format3rc:
		return fmt.Sprintf("%s %s, %s", name, args(), ref())
	case Format45cc, Format4rcc:
		return fmt.Sprintf("%s %s, %s, proto@%d", name, args(), ref(), i.H)
	}
	return name
}

// DisassembleInstruction decodes and renders the instruction at pc.
func DisassembleInstruction(f *File, insns []uint16, pc uint32) (string, uint32) {
	inst, err := DecodeInstruction(insns, pc)
	if err != nil {
		return fmt.Sprintf("%04d  <%v>", pc, err), 0
	}
	return fmt.Sprintf("%04d  %s", pc, inst.Describe(f)), inst.Size
}

// Disassemble returns a full listing of a code item.
func Disassemble(f *File, code *CodeItem) string {
	var b strings.Builder
	for pc := uint32(0); pc < uint32(len(code.Insns)); {
		line, size := DisassembleInstruction(f, code.Insns, pc)
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(line)
		if size == 0 {
			break
		}
		pc += size
	}
	for _, t := range code.Tries {
		h := code.Handler(&t)
		fmt.Fprintf(&b, "\ntry %04d..%04d", t.StartAddr, t.StartAddr+uint32(t.InsnCount))
		if h == nil {
			continue
		}
		for _, e := range h.Entries {
			name := fmt.Sprintf("type@%d", e.TypeIdx)
			if f != nil {
				name = f.TypeDescriptor(e.TypeIdx)
			}
			fmt.Fprintf(&b, " catch %s -> %04d", name, e.Addr)
		}
		if h.HasCatchAll {
			fmt.Fprintf(&b, " catchall -> %04d", h.CatchAllAddr)
		}
	}
	return b.String()
}
