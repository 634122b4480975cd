package verifier

import (
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/tliron/commonlog"

	"github.com/chazu/dexvm/dex"
	"github.com/chazu/dexvm/mirror"
)

var log = commonlog.GetLogger("dexvm.verifier")

// maxArrayDimensions is the deepest array type new-array may create.
const maxArrayDimensions = 255

// Options control one verification.
type Options struct {
	// Precise keeps a register line for every instruction instead of only
	// at branch targets. Stack maps for deoptimization need it.
	Precise bool
}

// MethodVerifier checks one method body. A verifier is single-use per
// Verify call and is not safe for concurrent use.
type MethodVerifier struct {
	resolver Resolver
	method   *mirror.Method
	dexFile  *dex.File
	code     *dex.CodeItem
	opts     Options
	cache    *RegTypeCache

	insns []dex.Instruction
	at    []int32 // code unit -> index in insns, -1 inside an instruction
	flags []InstructionFlags
	lines []*RegisterLine
	work  *RegisterLine
	saved *RegisterLine

	declaring  *RegType
	returnType *RegType

	pc                  uint32
	pendingHard         bool
	pendingRuntimeThrow bool
	hasRuntimeThrow     bool

	failures []Failure
	seen     map[Failure]bool
	mask     FailureMask

	safeCasts map[uint32]bool
	devirt    map[uint32]*mirror.Method
}

// NewMethodVerifier prepares the verification of m. m.Code may be nil for
// native and abstract methods.
func NewMethodVerifier(r Resolver, m *mirror.Method, opts Options) *MethodVerifier {
	return &MethodVerifier{
		resolver: r,
		method:   m,
		dexFile:  m.DexFile,
		code:     m.Code,
		opts:     opts,
	}
}

func (v *MethodVerifier) Method() *mirror.Method { return v.method }

// Cache returns the type cache backing the register lines.
func (v *MethodVerifier) Cache() *RegTypeCache { return v.cache }

func (v *MethodVerifier) reset() {
	v.cache = NewRegTypeCache(v.resolver)
	v.insns, v.at, v.flags, v.lines = nil, nil, nil, nil
	v.work, v.saved = nil, nil
	v.pc = 0
	v.pendingHard, v.pendingRuntimeThrow, v.hasRuntimeThrow = false, false, false
	v.failures = nil
	v.seen = make(map[Failure]bool)
	v.mask = 0
	v.safeCasts = make(map[uint32]bool)
	v.devirt = make(map[uint32]*mirror.Method)
	v.declaring = v.cache.FromClass(v.method.Class, false)
}

// fail records a failure at the current pc. Hard failures stop propagation
// from the current instruction; runtime failures make it throw-only.
func (v *MethodVerifier) fail(t FailureType, format string, args ...any) {
	f := Failure{Type: t, PC: v.pc, Msg: fmt.Sprintf(format, args...)}
	v.mask |= FailureMask(t)
	switch {
	case t == FailBadClassHard:
		v.pendingHard = true
	case t.throwsAtRuntime():
		v.pendingRuntimeThrow = true
	}
	if v.seen[f] {
		return
	}
	v.seen[f] = true
	v.failures = append(v.failures, f)
	log.Debug("verification failure", "method", v.method.PrettyMethod(), "pc", f.PC, "kind", t.String(), "msg", f.Msg)
}

// Verify runs all passes. It returns false when the method is structurally
// invalid; type errors found by data-flow analysis are reported through
// FailureKind. Verify may be called again and starts from scratch.
func (v *MethodVerifier) Verify() bool {
	v.reset()
	m := v.method
	if v.code == nil {
		if m.IsNative() || m.IsAbstract() {
			return true
		}
		v.fail(FailBadClassHard, "method %s has no code, but is not marked native or abstract", m.PrettyMethod())
		return false
	}
	if m.IsNative() || m.IsAbstract() {
		v.fail(FailBadClassHard, "native or abstract method %s has code", m.PrettyMethod())
		return false
	}
	if v.code.InsSize > v.code.RegistersSize {
		v.fail(FailBadClassHard, "bad register counts (ins=%d regs=%d)", v.code.InsSize, v.code.RegistersSize)
		return false
	}
	if len(v.code.Insns) == 0 {
		v.fail(FailBadClassHard, "code item has no instructions")
		return false
	}
	if !v.computeWidthsAndCountOps() || !v.scanTryCatchBlocks() || !v.verifyInstructions() {
		return false
	}
	v.verifyCodeFlow()
	return true
}

// FailureKind summarizes the failures found by Verify.
func (v *MethodVerifier) FailureKind() FailureKind { return KindOf(v.mask) }

// Failures returns the distinct failures in the order they were found.
func (v *MethodVerifier) Failures() []Failure { return v.failures }

func (v *MethodVerifier) EncounteredFailureTypes() FailureMask { return v.mask }

// HasRuntimeThrow reports whether some instruction was turned into an
// unconditional throw.
func (v *MethodVerifier) HasRuntimeThrow() bool { return v.hasRuntimeThrow }

// RegisterLine returns the stored line at pc, or nil. Outside precise mode
// only branch targets have lines.
func (v *MethodVerifier) RegisterLine(pc uint32) *RegisterLine {
	if int(pc) >= len(v.lines) {
		return nil
	}
	return v.lines[pc]
}

// InstructionFlags returns the flags of the code unit at pc.
func (v *MethodVerifier) InstructionFlags(pc uint32) InstructionFlags {
	if int(pc) >= len(v.flags) {
		return 0
	}
	return v.flags[pc]
}

// SafeCastPCs returns the check-casts that can never fail, in pc order.
func (v *MethodVerifier) SafeCastPCs() []uint32 {
	var pcs []uint32
	for pc, ok := range v.safeCasts {
		if ok {
			pcs = append(pcs, pc)
		}
	}
	slices.Sort(pcs)
	return pcs
}

// DevirtTargets maps invoke pcs to the single method they can reach.
func (v *MethodVerifier) DevirtTargets() map[uint32]*mirror.Method { return v.devirt }

func (v *MethodVerifier) instAt(pc uint32) *dex.Instruction {
	if int(pc) >= len(v.at) || v.at[pc] < 0 {
		return nil
	}
	return &v.insns[v.at[pc]]
}

// ---------------------------------------------------------------------------
// Pass 1: instruction boundaries
// ---------------------------------------------------------------------------

func (v *MethodVerifier) computeWidthsAndCountOps() bool {
	insns := v.code.Insns
	n := uint32(len(insns))
	v.at = make([]int32, n)
	v.flags = make([]InstructionFlags, n)
	for i := range v.at {
		v.at[i] = -1
	}
	for pc := uint32(0); pc < n; {
		v.pc = pc
		inst, err := dex.DecodeInstruction(insns, pc)
		switch {
		case errors.Is(err, dex.ErrTruncated) && inst.Size > 0:
			v.fail(FailBadClassHard, "code did not end where expected (%d vs. %d)", pc+inst.Size, n)
			return false
		case errors.Is(err, dex.ErrTruncated):
			v.fail(FailBadClassHard, "truncated data table at %d", pc)
			return false
		case err != nil:
			v.fail(FailBadClassHard, "invalid instruction: %v", err)
			return false
		}
		if !inst.IsPayload() && !inst.Opcode.IsValid() {
			v.fail(FailBadClassHard, "invalid opcode 0x%02x", uint8(inst.Opcode))
			return false
		}
		v.at[pc] = int32(len(v.insns))
		v.insns = append(v.insns, inst)
		v.flags[pc].set(flagOpcode)
		pc += inst.Size
	}
	return true
}

// ---------------------------------------------------------------------------
// Pass 2: try blocks and static instruction checks
// ---------------------------------------------------------------------------

func (v *MethodVerifier) scanTryCatchBlocks() bool {
	n := uint32(len(v.code.Insns))
	for _, t := range v.code.Tries {
		start, end := t.StartAddr, t.StartAddr+uint32(t.InsnCount)
		v.pc = start
		if start >= end || start >= n || end > n {
			v.fail(FailBadClassHard, "bad exception entry: startAddr=%d endAddr=%d (size=%d)", start, end, n)
			return false
		}
		if !v.flags[start].IsOpcode() {
			v.fail(FailBadClassHard, "'try' block starts inside an instruction (%d)", start)
			return false
		}
		for pc := start; pc < end; pc++ {
			if v.flags[pc].IsOpcode() {
				v.flags[pc].set(flagInTry)
			}
		}
	}
	for _, h := range v.code.Handlers {
		addrs := make([]uint32, 0, len(h.Entries)+1)
		for _, e := range h.Entries {
			addrs = append(addrs, e.Addr)
		}
		if h.HasCatchAll {
			addrs = append(addrs, h.CatchAllAddr)
		}
		for _, addr := range addrs {
			if addr >= n || !v.flags[addr].IsOpcode() || v.instAt(addr).IsPayload() {
				v.fail(FailBadClassHard, "exception handler starts at bad address (%d)", addr)
				return false
			}
			switch v.instAt(addr).Opcode {
			case dex.OpMoveResult, dex.OpMoveResultWide, dex.OpMoveResultObject:
				v.pc = addr
				v.fail(FailBadClassHard, "exception handler begins with move-result* (%d)", addr)
				return false
			}
			v.flags[addr].set(flagBranchTarget | flagHandler)
		}
	}
	return true
}

func (v *MethodVerifier) verifyInstructions() bool {
	v.flags[0].set(flagBranchTarget)
	for i := range v.insns {
		inst := &v.insns[i]
		v.pc = inst.PC
		if inst.IsPayload() {
			continue
		}
		ok := v.checkRegisters(inst) && v.checkIndex(inst)
		switch {
		case !ok:
		case inst.Opcode.IsBranch():
			ok = v.checkBranchTarget(inst)
		case inst.Opcode.IsSwitch():
			ok = v.checkSwitchTargets(inst)
		case inst.Opcode == dex.OpFillArrayData:
			ok = v.checkArrayData(inst)
		case isMoveResult(inst.Opcode):
			if i == 0 || !producesResult(v.insns[i-1].Opcode) {
				v.fail(FailBadClassHard, "%s must immediately follow an invoke or filled-new-array", inst.Opcode)
				ok = false
			}
		case inst.Opcode == dex.OpMoveException:
			if inst.PC == 0 || !v.flags[inst.PC].IsHandler() {
				v.fail(FailBadClassHard, "move-exception at pc 0x%x is not the start of a handler", inst.PC)
				ok = false
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

func isMoveResult(op dex.Opcode) bool {
	return op == dex.OpMoveResult || op == dex.OpMoveResultWide || op == dex.OpMoveResultObject
}

// producesResult reports instructions that leave a value in the result
// register.
func producesResult(op dex.Opcode) bool {
	return op.IsInvoke() || op == dex.OpFilledNewArray || op == dex.OpFilledNewArrayRange
}

func (v *MethodVerifier) checkRegisters(inst *dex.Instruction) bool {
	regs := uint32(v.code.RegistersSize)
	check := func(r uint32) bool {
		if r >= regs {
			v.fail(FailBadClassHard, "register index out of range (%d >= %d)", r, regs)
			return false
		}
		return true
	}
	wide := uint32(0)
	if inst.IsWideOperation() {
		wide = 1
	}
	switch inst.Opcode.Format() {
	case dex.Format11x, dex.Format11n, dex.Format21t, dex.Format21s, dex.Format21h, dex.Format21c,
		dex.Format31t, dex.Format31i, dex.Format31c, dex.Format51l:
		return check(inst.A + wide)
	case dex.Format12x, dex.Format22x, dex.Format22b, dex.Format22t, dex.Format22s, dex.Format22c, dex.Format32x:
		return check(inst.A+wide) && check(inst.B)
	case dex.Format23x:
		return check(inst.A) && check(inst.B) && check(inst.C)
	case dex.Format35c, dex.Format45cc:
		for _, r := range inst.Args {
			if !check(r) {
				return false
			}
		}
	case dex.Format3rc, dex.Format4rcc:
		if inst.A > 0 && inst.C+inst.A > regs {
			v.fail(FailBadClassHard, "invalid reg index %d+%d in range invoke (> %d)", inst.C, inst.A, regs)
			return false
		}
	}
	return true
}

func (v *MethodVerifier) checkIndex(inst *dex.Instruction) bool {
	f := v.dexFile
	op := inst.Opcode
	idx := inst.Index
	bad := func(what string, limit int) bool {
		v.fail(FailBadClassHard, "invalid %s index %d (max %d)", what, idx, limit)
		return false
	}
	switch op.Info().Index {
	case dex.IndexString:
		if idx >= uint32(len(f.StringIDs)) {
			return bad("string", len(f.StringIDs))
		}
	case dex.IndexTypeRef:
		if idx >= uint32(len(f.TypeIDs)) {
			return bad("type", len(f.TypeIDs))
		}
		desc := f.TypeDescriptor(idx)
		switch op {
		case dex.OpNewInstance:
			if !strings.HasPrefix(desc, "L") {
				v.fail(FailBadClassHard, "can't call new-instance on type '%s'", desc)
				return false
			}
		case dex.OpNewArray, dex.OpFilledNewArray, dex.OpFilledNewArrayRange:
			if !dex.IsArrayDescriptor(desc) {
				v.fail(FailBadClassHard, "can't new-array class '%s' (not an array)", desc)
				return false
			}
			if dex.ArrayDimensions(desc) > maxArrayDimensions {
				v.fail(FailBadClassHard, "can't new-array class '%s' (exceeds limit)", desc)
				return false
			}
		}
	case dex.IndexField:
		if idx >= uint32(len(f.FieldIDs)) {
			return bad("field", len(f.FieldIDs))
		}
	case dex.IndexMethod, dex.IndexMethodAndProto:
		if idx >= uint32(len(f.MethodIDs)) {
			return bad("method", len(f.MethodIDs))
		}
		if name := f.MethodName(idx); strings.HasPrefix(name, "<") {
			direct := op == dex.OpInvokeDirect || op == dex.OpInvokeDirectRange
			if !direct || name != "<init>" {
				v.fail(FailBadClassHard, "invalid call to %s", f.PrettyMethod(idx))
				return false
			}
		}
		if op.Info().Index == dex.IndexMethodAndProto && inst.H >= uint32(len(f.ProtoIDs)) {
			v.fail(FailBadClassHard, "invalid proto index %d (max %d)", inst.H, len(f.ProtoIDs))
			return false
		}
	case dex.IndexProto:
		if idx >= uint32(len(f.ProtoIDs)) {
			return bad("proto", len(f.ProtoIDs))
		}
	}
	return true
}

// checkTarget validates an absolute branch or switch destination and marks
// it as a branch target.
func (v *MethodVerifier) checkTarget(from uint32, offset int32) bool {
	abs := int64(from) + int64(offset)
	if abs < 0 || abs >= int64(len(v.flags)) || !v.flags[abs].IsOpcode() {
		v.fail(FailBadClassHard, "invalid branch target %d (-> %#x) at %#x", offset, abs, from)
		return false
	}
	target := v.instAt(uint32(abs))
	switch {
	case target.IsPayload():
		v.fail(FailBadClassHard, "branch target at %#x is a data table", abs)
		return false
	case isMoveResult(target.Opcode), target.Opcode == dex.OpMoveException:
		v.fail(FailBadClassHard, "branch target at %#x is a %s instruction", abs, target.Opcode)
		return false
	}
	v.flags[abs].set(flagBranchTarget)
	return true
}

func (v *MethodVerifier) checkBranchTarget(inst *dex.Instruction) bool {
	if inst.Offset == 0 && inst.Opcode != dex.OpGoto32 {
		v.fail(FailBadClassHard, "branch offset of zero not allowed at %#x", inst.PC)
		return false
	}
	return v.checkTarget(inst.PC, inst.Offset)
}

// payloadAt returns the data table an instruction refers to, checking its
// position and signature.
func (v *MethodVerifier) payloadAt(inst *dex.Instruction, sig uint16) (uint32, bool) {
	abs := int64(inst.PC) + int64(inst.Offset)
	if abs < 0 || abs >= int64(len(v.flags)) {
		v.fail(FailBadClassHard, "invalid %s pointer %d at %#x", inst.Opcode, inst.Offset, inst.PC)
		return 0, false
	}
	if abs&1 != 0 {
		v.fail(FailBadClassHard, "unaligned %s table: at %d, offset %d", inst.Opcode, inst.PC, inst.Offset)
		return 0, false
	}
	p := v.instAt(uint32(abs))
	if p == nil || p.PayloadSignature() != sig {
		v.fail(FailBadClassHard, "wrong signature for %s table at %#x (wanted %#x)", inst.Opcode, abs, sig)
		return 0, false
	}
	return uint32(abs), true
}

func (v *MethodVerifier) checkSwitchTargets(inst *dex.Instruction) bool {
	sig := dex.PackedSwitchSignature
	if inst.Opcode == dex.OpSparseSwitch {
		sig = dex.SparseSwitchSignature
	}
	at, ok := v.payloadAt(inst, sig)
	if !ok {
		return false
	}
	table, err := dex.DecodeSwitch(v.code.Insns, at)
	if err != nil {
		v.fail(FailBadClassHard, "invalid switch table at %#x: %v", at, err)
		return false
	}
	if sig == dex.SparseSwitchSignature {
		for i := 1; i < len(table.Keys); i++ {
			if table.Keys[i] <= table.Keys[i-1] {
				v.fail(FailBadClassHard, "invalid sparse-switch: last key=%d, this=%d", table.Keys[i-1], table.Keys[i])
				return false
			}
		}
	}
	for _, off := range table.Targets {
		if !v.checkTarget(inst.PC, off) {
			return false
		}
	}
	return true
}

func (v *MethodVerifier) checkArrayData(inst *dex.Instruction) bool {
	at, ok := v.payloadAt(inst, dex.FillArrayDataSignature)
	if !ok {
		return false
	}
	if _, err := dex.DecodeArrayData(v.code.Insns, at); err != nil {
		v.fail(FailBadClassHard, "invalid array data at %#x: %v", at, err)
		return false
	}
	return true
}

// ---------------------------------------------------------------------------
// Pass 3: data flow
// ---------------------------------------------------------------------------

func (v *MethodVerifier) verifyCodeFlow() {
	n := uint32(len(v.code.Insns))
	regs := int(v.code.RegistersSize)
	v.lines = make([]*RegisterLine, n)
	for _, inst := range v.insns {
		pc := inst.PC
		if !inst.IsPayload() && (v.flags[pc].IsBranchTarget() || v.opts.Precise) {
			v.lines[pc] = NewRegisterLine(regs)
		}
	}
	v.work = NewRegisterLine(regs)
	v.saved = NewRegisterLine(regs)

	v.pc = 0
	if !v.setTypesFromSignature() {
		return
	}
	v.returnType = v.cache.FromDescriptor(v.method.Return, false)
	v.flags[0].set(flagChanged)

	startGuess := uint32(0)
	for {
		pc := startGuess
		for pc < n && !v.flags[pc].IsChanged() {
			pc++
		}
		if pc >= n {
			if startGuess != 0 {
				startGuess = 0
				continue
			}
			break
		}
		if l := v.lines[pc]; l != nil {
			v.work.CopyFrom(l)
		}
		v.flags[pc].clear(flagChanged)
		startGuess = v.codeFlowVerifyInstruction(pc)
		v.flags[pc].set(flagVisited)
	}

	for _, inst := range v.insns {
		if !inst.IsPayload() && !v.flags[inst.PC].IsVisited() {
			log.Debugf("%s: dead code at 0x%04x", v.method.PrettyMethod(), inst.PC)
		}
	}
}

// setTypesFromSignature seeds the entry line: "this" followed by the
// parameters in the last InsSize registers.
func (v *MethodVerifier) setTypesFromSignature() bool {
	m := v.method
	line := v.lines[0]
	expected := uint32(m.ArgWords())
	ins := uint32(v.code.InsSize)
	if expected != ins {
		v.fail(FailBadClassHard, "expected %d args, found %d", expected, ins)
		return false
	}
	cur := uint32(v.code.RegistersSize) - ins
	line.thisInitialized = true
	if !m.IsStatic() {
		this := v.declaring
		if m.IsConstructor() && !m.Class.IsObjectClass() {
			this = v.cache.UninitializedThis(v.declaring)
			line.thisInitialized = false
		}
		line.SetRegisterType(v, cur, this)
		cur++
	}
	for _, p := range m.Params {
		t := v.cache.FromDescriptor(p, false)
		if t.IsConflict() {
			v.fail(FailBadClassHard, "bad signature component '%s'", p)
			return false
		}
		if !line.setRegisterTypeAny(v, cur, t) {
			return false
		}
		cur++
		if t.IsLowHalf() {
			cur++
		}
	}
	line.SetResultTypeToUnknown(v)
	return !v.pendingHard
}

// codeFlowVerifyInstruction applies the transfer function at pc and
// propagates the resulting line to every successor. It returns the pc to
// resume the worklist scan from.
func (v *MethodVerifier) codeFlowVerifyInstruction(pc uint32) uint32 {
	inst := v.instAt(pc)
	v.pc = pc
	v.pendingHard, v.pendingRuntimeThrow = false, false
	if inst.IsPayload() {
		v.fail(FailBadClassHard, "encountered data table in instruction stream")
		return pc
	}

	opFlags := inst.Opcode.Flags()
	inTry := v.flags[pc].IsInTry()
	if opFlags&dex.FlagThrow != 0 && inTry {
		v.saved.CopyFrom(v.work)
	}

	v.transfer(inst)
	if !producesResult(inst.Opcode) {
		v.work.SetResultTypeToUnknown(v)
	}
	if v.pendingHard {
		return pc
	}
	if v.pendingRuntimeThrow {
		v.hasRuntimeThrow = true
		opFlags = dex.FlagThrow
	}
	if opFlags&dex.FlagReturn != 0 {
		v.work.VerifyMonitorStackEmpty(v)
	}

	if opFlags&dex.FlagBranch != 0 {
		if !v.checkBackwardBranch(pc, inst.Target()) {
			return pc
		}
		v.updateRegisters(inst.Target(), v.work)
	}
	if opFlags&dex.FlagSwitch != 0 {
		table, err := dex.DecodeSwitch(v.code.Insns, inst.Target())
		if err != nil {
			v.fail(FailBadClassHard, "invalid switch table: %v", err)
			return pc
		}
		for _, off := range table.Targets {
			target := uint32(int64(pc) + int64(off))
			if !v.checkBackwardBranch(pc, target) {
				return pc
			}
			v.updateRegisters(target, v.work)
		}
	}

	if opFlags&dex.FlagThrow != 0 && inTry {
		hasCatchAll := false
		if t := v.code.FindTry(pc); t != nil {
			if h := v.code.Handler(t); h != nil {
				// monitor-exit releases the lock even when it throws.
				line := v.saved
				if inst.Opcode == dex.OpMonitorExit {
					line = v.work
				}
				for _, e := range h.Entries {
					v.updateRegisters(e.Addr, line)
				}
				if h.HasCatchAll {
					hasCatchAll = true
					v.updateRegisters(h.CatchAllAddr, line)
				}
			}
		}
		if v.work.MonitorStackDepth() > 0 && !hasCatchAll {
			v.fail(FailLocking, "expected to be within a catch-all for an instruction where a monitor is held")
		}
	}

	next := inst.Next()
	if opFlags&dex.FlagContinue == 0 {
		if opFlags&dex.FlagBranch != 0 {
			return inst.Target()
		}
		return pc
	}
	if next >= uint32(len(v.code.Insns)) {
		v.fail(FailBadClassHard, "can flow through end of code area")
		return pc
	}
	if v.lines[next] != nil {
		v.updateRegisters(next, v.work)
	} else {
		v.flags[next].set(flagChanged)
	}
	return next
}

// checkBackwardBranch rejects loops that carry an uninitialized reference.
func (v *MethodVerifier) checkBackwardBranch(pc, target uint32) bool {
	if target > pc {
		return true
	}
	if r, ok := v.work.UninitializedRegister(v); ok {
		v.fail(FailBadClassHard, "backward branch with uninitialized reference in v%d (%s)", r, v.work.Get(v, r))
		return false
	}
	return true
}

// updateRegisters copies line into the stored line at target on the first
// visit and merges it afterwards, queueing target when it changed.
func (v *MethodVerifier) updateRegisters(target uint32, line *RegisterLine) {
	t := v.lines[target]
	if t == nil {
		v.fail(FailBadClassHard, "no register line at branch target %#x", target)
		return
	}
	changed := true
	if !v.flags[target].IsVisitedOrChanged() {
		t.CopyFrom(line)
	} else {
		changed = t.MergeRegisters(v, line)
	}
	if changed {
		v.flags[target].set(flagChanged)
	}
}

// ---------------------------------------------------------------------------
// Dump
// ---------------------------------------------------------------------------

// Dump writes the disassembly annotated with flags and register lines.
func (v *MethodVerifier) Dump(w io.Writer) {
	fmt.Fprintf(w, "%s (%s)\n", v.method.PrettyMethod(), v.FailureKind())
	for i := range v.insns {
		inst := &v.insns[i]
		fmt.Fprintf(w, "0x%04x %s: %s\n", inst.PC, v.flags[inst.PC], inst.Describe(v.dexFile))
		if l := v.RegisterLine(inst.PC); l != nil {
			fmt.Fprintf(w, "       %s\n", l.Dump(v))
		}
	}
	for _, f := range v.failures {
		fmt.Fprintf(w, "  %s\n", f.Error())
	}
}
