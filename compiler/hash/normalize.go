package hash

import (
	"fmt"

	"github.com/chazu/dexvm/dex"
)

// NormalizeMethod builds the normalized form of method_ids[idx] in f. It
// fails if the method is not defined by f or its code does not decode.
func NormalizeMethod(f *dex.File, idx uint32) (*HMethod, error) {
	em, err := findEncodedMethod(f, idx)
	if err != nil {
		return nil, err
	}
	hm := &HMethod{
		Class:       f.MethodClassDescriptor(idx),
		Name:        f.MethodName(idx),
		Signature:   f.MethodSignature(idx),
		AccessFlags: em.AccessFlags,
	}
	if em.Code == nil {
		return hm, nil
	}
	hm.Code, err = normalizeCode(f, em.Code)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", f.PrettyMethod(idx), err)
	}
	return hm, nil
}

func findEncodedMethod(f *dex.File, idx uint32) (*dex.EncodedMethod, error) {
	if idx >= uint32(len(f.MethodIDs)) {
		return nil, fmt.Errorf("method index %d out of range", idx)
	}
	def, ok := f.FindClassDef(f.MethodClassDescriptor(idx))
	if !ok {
		return nil, fmt.Errorf("%s: declaring class not defined in %s", f.PrettyMethod(idx), f.Location)
	}
	em, ok := f.FindMethodInClass(def, f.MethodName(idx), f.MethodSignature(idx))
	if !ok {
		return nil, fmt.Errorf("%s: not defined in %s", f.PrettyMethod(idx), f.Location)
	}
	return em, nil
}

func normalizeCode(f *dex.File, code *dex.CodeItem) (*HCode, error) {
	hc := &HCode{Registers: code.RegistersSize, Ins: code.InsSize, Outs: code.OutsSize}
	for pc := uint32(0); pc < uint32(len(code.Insns)); {
		inst, err := dex.DecodeInstruction(code.Insns, pc)
		if err != nil {
			return nil, fmt.Errorf("pc %d: %w", pc, err)
		}
		hc.Insns = append(hc.Insns, normalizeInsn(f, code, &inst))
		pc = inst.Next()
	}
	for i := range code.Tries {
		t := &code.Tries[i]
		ht := HTry{Start: t.StartAddr, Count: t.InsnCount}
		if h := code.Handler(t); h != nil {
			for _, e := range h.Entries {
				ht.Catches = append(ht.Catches, HCatch{Type: f.TypeDescriptor(e.TypeIdx), Addr: e.Addr})
			}
			if h.HasCatchAll {
				addr := h.CatchAllAddr
				ht.CatchAll = &addr
			}
		}
		hc.Tries = append(hc.Tries, ht)
	}
	return hc, nil
}

func normalizeInsn(f *dex.File, code *dex.CodeItem, inst *dex.Instruction) HInsn {
	if inst.IsPayload() {
		return HInsn{Payload: code.Insns[inst.PC:inst.Next()]}
	}
	hi := HInsn{
		Opcode:  uint8(inst.Opcode),
		A:       inst.A,
		B:       inst.B,
		C:       inst.C,
		Literal: inst.Literal,
		Offset:  inst.Offset,
		Args:    inst.Args,
		Ref:     resolveRef(f, inst.Opcode.Info().Index, inst.Index),
	}
	if inst.Opcode.Info().Index == dex.IndexMethodAndProto {
		hi.Proto = resolveRef(f, dex.IndexProto, inst.H)
	}
	return hi
}

func resolveRef(f *dex.File, kind dex.IndexType, idx uint32) HRef {
	switch kind {
	case dex.IndexNone:
		return HRef{Tag: TagNoRef}
	case dex.IndexString:
		return HRef{Tag: TagStringRef, Name: f.String(idx)}
	case dex.IndexTypeRef:
		return HRef{Tag: TagTypeRef, Name: f.TypeDescriptor(idx)}
	case dex.IndexField:
		return HRef{Tag: TagFieldRef, Name: f.PrettyField(idx)}
	case dex.IndexMethod, dex.IndexMethodAndProto:
		return HRef{Tag: TagMethodRef, Name: f.PrettyMethod(idx)}
	case dex.IndexProto:
		return HRef{Tag: TagProtoRef, Name: f.ProtoSignature(idx)}
	}
	// Call sites and method handles are not resolved by name.
	return HRef{Tag: TagRawIndex, Raw: idx}
}
