package dex

import "fmt"

// ---------------------------------------------------------------------------
// Opcode definitions
// ---------------------------------------------------------------------------

// Opcode is the low byte of the first code unit of an instruction.
type Opcode byte

// Moves and returns
const (
	OpNop              Opcode = 0x00
	OpMove             Opcode = 0x01
	OpMoveFrom16       Opcode = 0x02
	OpMove16           Opcode = 0x03
	OpMoveWide         Opcode = 0x04
	OpMoveWideFrom16   Opcode = 0x05
	OpMoveWide16       Opcode = 0x06
	OpMoveObject       Opcode = 0x07
	OpMoveObjectFrom16 Opcode = 0x08
	OpMoveObject16     Opcode = 0x09
	OpMoveResult       Opcode = 0x0a
	OpMoveResultWide   Opcode = 0x0b
	OpMoveResultObject Opcode = 0x0c
	OpMoveException    Opcode = 0x0d
	OpReturnVoid       Opcode = 0x0e
	OpReturn           Opcode = 0x0f
	OpReturnWide       Opcode = 0x10
	OpReturnObject     Opcode = 0x11
)

// Constants
const (
	OpConst4           Opcode = 0x12
	OpConst16          Opcode = 0x13
	OpConst            Opcode = 0x14
	OpConstHigh16      Opcode = 0x15
	OpConstWide16      Opcode = 0x16
	OpConstWide32      Opcode = 0x17
	OpConstWide        Opcode = 0x18
	OpConstWideHigh16  Opcode = 0x19
	OpConstString      Opcode = 0x1a
	OpConstStringJumbo Opcode = 0x1b
	OpConstClass       Opcode = 0x1c
)

// Monitors, types and allocation
const (
	OpMonitorEnter        Opcode = 0x1d
	OpMonitorExit         Opcode = 0x1e
	OpCheckCast           Opcode = 0x1f
	OpInstanceOf          Opcode = 0x20
	OpArrayLength         Opcode = 0x21
	OpNewInstance         Opcode = 0x22
	OpNewArray            Opcode = 0x23
	OpFilledNewArray      Opcode = 0x24
	OpFilledNewArrayRange Opcode = 0x25
	OpFillArrayData       Opcode = 0x26
	OpThrow               Opcode = 0x27
)

// Control flow
const (
	OpGoto         Opcode = 0x28
	OpGoto16       Opcode = 0x29
	OpGoto32       Opcode = 0x2a
	OpPackedSwitch Opcode = 0x2b
	OpSparseSwitch Opcode = 0x2c
	OpCmplFloat    Opcode = 0x2d
	OpCmpgFloat    Opcode = 0x2e
	OpCmplDouble   Opcode = 0x2f
	OpCmpgDouble   Opcode = 0x30
	OpCmpLong      Opcode = 0x31
	OpIfEq         Opcode = 0x32
	OpIfNe         Opcode = 0x33
	OpIfLt         Opcode = 0x34
	OpIfGe         Opcode = 0x35
	OpIfGt         Opcode = 0x36
	OpIfLe         Opcode = 0x37
	OpIfEqz        Opcode = 0x38
	OpIfNez        Opcode = 0x39
	OpIfLtz        Opcode = 0x3a
	OpIfGez        Opcode = 0x3b
	OpIfGtz        Opcode = 0x3c
	OpIfLez        Opcode = 0x3d
)

// Array, instance and static field access
const (
	OpAget        Opcode = 0x44
	OpAgetWide    Opcode = 0x45
	OpAgetObject  Opcode = 0x46
	OpAgetBoolean Opcode = 0x47
	OpAgetByte    Opcode = 0x48
	OpAgetChar    Opcode = 0x49
	OpAgetShort   Opcode = 0x4a
	OpAput        Opcode = 0x4b
	OpAputWide    Opcode = 0x4c
	OpAputObject  Opcode = 0x4d
	OpAputBoolean Opcode = 0x4e
	OpAputByte    Opcode = 0x4f
	OpAputChar    Opcode = 0x50
	OpAputShort   Opcode = 0x51
	OpIget        Opcode = 0x52
	OpIgetWide    Opcode = 0x53
	OpIgetObject  Opcode = 0x54
	OpIgetBoolean Opcode = 0x55
	OpIgetByte    Opcode = 0x56
	OpIgetChar    Opcode = 0x57
	OpIgetShort   Opcode = 0x58
	OpIput        Opcode = 0x59
	OpIputWide    Opcode = 0x5a
	OpIputObject  Opcode = 0x5b
	OpIputBoolean Opcode = 0x5c
	OpIputByte    Opcode = 0x5d
	OpIputChar    Opcode = 0x5e
	OpIputShort   Opcode = 0x5f
	OpSget        Opcode = 0x60
	OpSgetWide    Opcode = 0x61
	OpSgetObject  Opcode = 0x62
	OpSgetBoolean Opcode = 0x63
	OpSgetByte    Opcode = 0x64
	OpSgetChar    Opcode = 0x65
	OpSgetShort   Opcode = 0x66
	OpSput        Opcode = 0x67
	OpSputWide    Opcode = 0x68
	OpSputObject  Opcode = 0x69
	OpSputBoolean Opcode = 0x6a
	OpSputByte    Opcode = 0x6b
	OpSputChar    Opcode = 0x6c
	OpSputShort   Opcode = 0x6d
)

// Invokes
const (
	OpInvokeVirtual        Opcode = 0x6e
	OpInvokeSuper          Opcode = 0x6f
	OpInvokeDirect         Opcode = 0x70
	OpInvokeStatic         Opcode = 0x71
	OpInvokeInterface      Opcode = 0x72
	OpInvokeVirtualRange   Opcode = 0x74
	OpInvokeSuperRange     Opcode = 0x75
	OpInvokeDirectRange    Opcode = 0x76
	OpInvokeStaticRange    Opcode = 0x77
	OpInvokeInterfaceRange Opcode = 0x78
)

// Unary operations and conversions
const (
	OpNegInt        Opcode = 0x7b
	OpNotInt        Opcode = 0x7c
	OpNegLong       Opcode = 0x7d
	OpNotLong       Opcode = 0x7e
	OpNegFloat      Opcode = 0x7f
	OpNegDouble     Opcode = 0x80
	OpIntToLong     Opcode = 0x81
	OpIntToFloat    Opcode = 0x82
	OpIntToDouble   Opcode = 0x83
	OpLongToInt     Opcode = 0x84
	OpLongToFloat   Opcode = 0x85
	OpLongToDouble  Opcode = 0x86
	OpFloatToInt    Opcode = 0x87
	OpFloatToLong   Opcode = 0x88
	OpFloatToDouble Opcode = 0x89
	OpDoubleToInt   Opcode = 0x8a
	OpDoubleToLong  Opcode = 0x8b
	OpDoubleToFloat Opcode = 0x8c
	OpIntToByte     Opcode = 0x8d
	OpIntToChar     Opcode = 0x8e
	OpIntToShort    Opcode = 0x8f
)

// Binary operations. Each family is laid out in the same order:
// add sub mul div rem and or xor shl shr ushr (floating point stops at rem).
const (
	OpAddInt    Opcode = 0x90
	OpSubInt    Opcode = 0x91
	OpMulInt    Opcode = 0x92
	OpDivInt    Opcode = 0x93
	OpRemInt    Opcode = 0x94
	OpAndInt    Opcode = 0x95
	OpOrInt     Opcode = 0x96
	OpXorInt    Opcode = 0x97
	OpShlInt    Opcode = 0x98
	OpShrInt    Opcode = 0x99
	OpUshrInt   Opcode = 0x9a
	OpAddLong   Opcode = 0x9b
	OpSubLong   Opcode = 0x9c
	OpMulLong   Opcode = 0x9d
	OpDivLong   Opcode = 0x9e
	OpRemLong   Opcode = 0x9f
	OpAndLong   Opcode = 0xa0
	OpOrLong    Opcode = 0xa1
	OpXorLong   Opcode = 0xa2
	OpShlLong   Opcode = 0xa3
	OpShrLong   Opcode = 0xa4
	OpUshrLong  Opcode = 0xa5
	OpAddFloat  Opcode = 0xa6
	OpSubFloat  Opcode = 0xa7
	OpMulFloat  Opcode = 0xa8
	OpDivFloat  Opcode = 0xa9
	OpRemFloat  Opcode = 0xaa
	OpAddDouble Opcode = 0xab
	OpSubDouble Opcode = 0xac
	OpMulDouble Opcode = 0xad
	OpDivDouble Opcode = 0xae
	OpRemDouble Opcode = 0xaf

	OpAddInt2Addr    Opcode = 0xb0
	OpShlInt2Addr    Opcode = 0xb8
	OpUshrInt2Addr   Opcode = 0xba
	OpAddLong2Addr   Opcode = 0xbb
	OpUshrLong2Addr  Opcode = 0xc5
	OpAddFloat2Addr  Opcode = 0xc6
	OpRemFloat2Addr  Opcode = 0xca
	OpAddDouble2Addr Opcode = 0xcb
	OpRemDouble2Addr Opcode = 0xcf

	OpAddIntLit16 Opcode = 0xd0
	OpRsubInt     Opcode = 0xd1
	OpXorIntLit16 Opcode = 0xd7
	OpAddIntLit8  Opcode = 0xd8
	OpRsubIntLit8 Opcode = 0xd9
	OpMulIntLit8  Opcode = 0xda
	OpUshrIntLit8 Opcode = 0xe2
)

// Method handles and call sites
const (
	OpInvokePolymorphic      Opcode = 0xfa
	OpInvokePolymorphicRange Opcode = 0xfb
	OpInvokeCustom           Opcode = 0xfc
	OpInvokeCustomRange      Opcode = 0xfd
	OpConstMethodHandle      Opcode = 0xfe
	OpConstMethodType        Opcode = 0xff
)

// Pseudo-opcode identifiers carried in the first unit of a data payload.
const (
	PackedSwitchSignature  uint16 = 0x0100
	SparseSwitchSignature  uint16 = 0x0200
	FillArrayDataSignature uint16 = 0x0300
)

// ---------------------------------------------------------------------------
// Opcode metadata
// ---------------------------------------------------------------------------

// Format names the encoding of an instruction's operands, following the
// Dalvik "<units><regs><kind>" naming.
type Format uint8

const (
	FormatInvalid Format = iota
	Format10x
	Format12x
	Format11n
	Format11x
	Format10t
	Format20t
	Format22x
	Format21t
	Format21s
	Format21h
	Format21c
	Format23x
	Format22b
	Format22t
	Format22s
	Format22c
	Format32x
	Format30t
	Format31t
	Format31i
	Format31c
	Format35c
	Format3rc
	Format45cc
	Format4rcc
	Format51l
)

var formatNames = [...]string{
	"invalid", "10x", "12x", "11n", "11x", "10t", "20t", "22x", "21t", "21s", "21h",
	"21c", "23x", "22b", "22t", "22s", "22c", "32x", "30t", "31t", "31i", "31c",
	"35c", "3rc", "45cc", "4rcc", "51l",
}

func (f Format) String() string { return formatNames[f] }

// Units returns the instruction width in 16-bit code units.
func (f Format) Units() uint32 {
	switch f {
	case Format10x, Format12x, Format11n, Format11x, Format10t:
		return 1
	case Format20t, Format22x, Format21t, Format21s, Format21h, Format21c,
		Format23x, Format22b, Format22t, Format22s, Format22c:
		return 2
	case Format32x, Format30t, Format31t, Format31i, Format31c, Format35c, Format3rc:
		return 3
	case Format45cc, Format4rcc:
		return 4
	case Format51l:
		return 5
	}
	return 0
}

// IndexType says which pool an instruction's index operand refers to.
type IndexType uint8

const (
	IndexNone IndexType = iota
	IndexString
	IndexTypeRef
	IndexField
	IndexMethod
	IndexMethodAndProto
	IndexCallSite
	IndexMethodHandle
	IndexProto
)

// Flags describe how control leaves an instruction.
type Flags uint8

const (
	FlagContinue Flags = 1 << iota // may fall through to the next instruction
	FlagBranch                     // has a branch target
	FlagSwitch                     // has a switch table
	FlagThrow                      // may throw
	FlagReturn                     // leaves the method
	FlagInvoke                     // invokes a method
)

// OpcodeInfo holds static metadata about an opcode.
type OpcodeInfo struct {
	Name   string
	Format Format
	Index  IndexType
	Flags  Flags
}

var opcodeTable [256]OpcodeInfo

func def(op int, name string, f Format, idx IndexType, flags Flags) {
	opcodeTable[op] = OpcodeInfo{Name: name, Format: f, Index: idx, Flags: flags}
}

func defFamily(base int, names []string, f Format, idx IndexType, flags Flags) {
	for i, n := range names {
		def(base+i, n, f, idx, flags)
	}
}

const (
	contFlags  = FlagContinue
	throwFlags = FlagContinue | FlagThrow
)

func init() {
	def(0x00, "nop", Format10x, IndexNone, contFlags)
	defFamily(0x01, []string{"move", "move/from16", "move/16"}, Format12x, IndexNone, contFlags)
	defFamily(0x04, []string{"move-wide", "move-wide/from16", "move-wide/16"}, Format12x, IndexNone, contFlags)
	defFamily(0x07, []string{"move-object", "move-object/from16", "move-object/16"}, Format12x, IndexNone, contFlags)
	for _, op := range []int{0x02, 0x05, 0x08} {
		opcodeTable[op].Format = Format22x
	}
	for _, op := range []int{0x03, 0x06, 0x09} {
		opcodeTable[op].Format = Format32x
	}
	defFamily(0x0a, []string{"move-result", "move-result-wide", "move-result-object", "move-exception"}, Format11x, IndexNone, contFlags)
	def(0x0e, "return-void", Format10x, IndexNone, FlagReturn)
	defFamily(0x0f, []string{"return", "return-wide", "return-object"}, Format11x, IndexNone, FlagReturn)

	def(0x12, "const/4", Format11n, IndexNone, contFlags)
	def(0x13, "const/16", Format21s, IndexNone, contFlags)
	def(0x14, "const", Format31i, IndexNone, contFlags)
	def(0x15, "const/high16", Format21h, IndexNone, contFlags)
	def(0x16, "const-wide/16", Format21s, IndexNone, contFlags)
	def(0x17, "const-wide/32", Format31i, IndexNone, contFlags)
	def(0x18, "const-wide", Format51l, IndexNone, contFlags)
	def(0x19, "const-wide/high16", Format21h, IndexNone, contFlags)
	def(0x1a, "const-string", Format21c, IndexString, throwFlags)
	def(0x1b, "const-string/jumbo", Format31c, IndexString, throwFlags)
	def(0x1c, "const-class", Format21c, IndexTypeRef, throwFlags)

	def(0x1d, "monitor-enter", Format11x, IndexNone, throwFlags)
	def(0x1e, "monitor-exit", Format11x, IndexNone, throwFlags)
	def(0x1f, "check-cast", Format21c, IndexTypeRef, throwFlags)
	def(0x20, "instance-of", Format22c, IndexTypeRef, throwFlags)
	def(0x21, "array-length", Format12x, IndexNone, throwFlags)
	def(0x22, "new-instance", Format21c, IndexTypeRef, throwFlags)
	def(0x23, "new-array", Format22c, IndexTypeRef, throwFlags)
	def(0x24, "filled-new-array", Format35c, IndexTypeRef, throwFlags)
	def(0x25, "filled-new-array/range", Format3rc, IndexTypeRef, throwFlags)
	def(0x26, "fill-array-data", Format31t, IndexNone, throwFlags)
	def(0x27, "throw", Format11x, IndexNone, FlagThrow)

	def(0x28, "goto", Format10t, IndexNone, FlagBranch)
	def(0x29, "goto/16", Format20t, IndexNone, FlagBranch)
	def(0x2a, "goto/32", Format30t, IndexNone, FlagBranch)
	def(0x2b, "packed-switch", Format31t, IndexNone, contFlags|FlagSwitch)
	def(0x2c, "sparse-switch", Format31t, IndexNone, contFlags|FlagSwitch)
	defFamily(0x2d, []string{"cmpl-float", "cmpg-float", "cmpl-double", "cmpg-double", "cmp-long"}, Format23x, IndexNone, contFlags)
	defFamily(0x32, []string{"if-eq", "if-ne", "if-lt", "if-ge", "if-gt", "if-le"}, Format22t, IndexNone, contFlags|FlagBranch)
	defFamily(0x38, []string{"if-eqz", "if-nez", "if-ltz", "if-gez", "if-gtz", "if-lez"}, Format21t, IndexNone, contFlags|FlagBranch)

	kinds := []string{"", "-wide", "-object", "-boolean", "-byte", "-char", "-short"}
	for i, k := range kinds {
		def(0x44+i, "aget"+k, Format23x, IndexNone, throwFlags)
		def(0x4b+i, "aput"+k, Format23x, IndexNone, throwFlags)
		def(0x52+i, "iget"+k, Format22c, IndexField, throwFlags)
		def(0x59+i, "iput"+k, Format22c, IndexField, throwFlags)
		def(0x60+i, "sget"+k, Format21c, IndexField, throwFlags)
		def(0x67+i, "sput"+k, Format21c, IndexField, throwFlags)
	}

	invokes := []string{"invoke-virtual", "invoke-super", "invoke-direct", "invoke-static", "invoke-interface"}
	for i, n := range invokes {
		def(0x6e+i, n, Format35c, IndexMethod, throwFlags|FlagInvoke)
		def(0x74+i, n+"/range", Format3rc, IndexMethod, throwFlags|FlagInvoke)
	}

	defFamily(0x7b, []string{
		"neg-int", "not-int", "neg-long", "not-long", "neg-float", "neg-double",
		"int-to-long", "int-to-float", "int-to-double", "long-to-int", "long-to-float",
		"long-to-double", "float-to-int", "float-to-long", "float-to-double",
		"double-to-int", "double-to-long", "double-to-float", "int-to-byte",
		"int-to-char", "int-to-short",
	}, Format12x, IndexNone, contFlags)

	intOps := []string{"add", "sub", "mul", "div", "rem", "and", "or", "xor", "shl", "shr", "ushr"}
	fpOps := intOps[:5]
	base := 0x90
	for _, fam := range []struct {
		ops  []string
		kind string
	}{{intOps, "int"}, {intOps, "long"}, {fpOps, "float"}, {fpOps, "double"}} {
		for i, op := range fam.ops {
			flags := contFlags
			if (op == "div" || op == "rem") && (fam.kind == "int" || fam.kind == "long") {
				flags = throwFlags
			}
			def(base+i, op+"-"+fam.kind, Format23x, IndexNone, flags)
			def(base+0x20+i, op+"-"+fam.kind+"/2addr", Format12x, IndexNone, flags)
		}
		base += len(fam.ops)
	}

	lit16 := []string{"add-int/lit16", "rsub-int", "mul-int/lit16", "div-int/lit16", "rem-int/lit16", "and-int/lit16", "or-int/lit16", "xor-int/lit16"}
	for i, n := range lit16 {
		flags := contFlags
		if i == 3 || i == 4 {
			flags = throwFlags
		}
		def(0xd0+i, n, Format22s, IndexNone, flags)
	}
	lit8 := []string{"add-int/lit8", "rsub-int/lit8", "mul-int/lit8", "div-int/lit8", "rem-int/lit8", "and-int/lit8", "or-int/lit8", "xor-int/lit8", "shl-int/lit8", "shr-int/lit8", "ushr-int/lit8"}
	for i, n := range lit8 {
		flags := contFlags
		if i == 3 || i == 4 {
			flags = throwFlags
		}
		def(0xd8+i, n, Format22b, IndexNone, flags)
	}

	def(0xfa, "invoke-polymorphic", Format45cc, IndexMethodAndProto, throwFlags|FlagInvoke)
	def(0xfb, "invoke-polymorphic/range", Format4rcc, IndexMethodAndProto, throwFlags|FlagInvoke)
	def(0xfc, "invoke-custom", Format35c, IndexCallSite, throwFlags|FlagInvoke)
	def(0xfd, "invoke-custom/range", Format3rc, IndexCallSite, throwFlags|FlagInvoke)
	def(0xfe, "const-method-handle", Format21c, IndexMethodHandle, throwFlags)
	def(0xff, "const-method-type", Format21c, IndexProto, throwFlags)

	for op := range opcodeTable {
		if opcodeTable[op].Name == "" {
			opcodeTable[op] = OpcodeInfo{Name: fmt.Sprintf("unused-%02x", op), Format: Format10x}
		}
	}
}

// Info returns the metadata for an opcode.
func (op Opcode) Info() OpcodeInfo {
	return opcodeTable[op]
}

// Name returns the smali mnemonic.
func (op Opcode) Name() string {
	return opcodeTable[op].Name
}

func (op Opcode) String() string {
	return op.Name()
}

// Format returns the operand encoding.
func (op Opcode) Format() Format {
	return opcodeTable[op].Format
}

// Flags returns the control-flow flags.
func (op Opcode) Flags() Flags {
	return opcodeTable[op].Flags
}

// IsValid reports whether op is assigned in the Dalvik instruction set.
func (op Opcode) IsValid() bool {
	return opcodeTable[op].Flags != 0 || op == OpNop
}

func (op Opcode) CanContinue() bool { return op.Flags()&FlagContinue != 0 }
func (op Opcode) CanThrow() bool    { return op.Flags()&FlagThrow != 0 }
func (op Opcode) IsBranch() bool    { return op.Flags()&FlagBranch != 0 }
func (op Opcode) IsSwitch() bool    { return op.Flags()&FlagSwitch != 0 }
func (op Opcode) IsReturn() bool    { return op.Flags()&FlagReturn != 0 }
func (op Opcode) IsInvoke() bool    { return op.Flags()&FlagInvoke != 0 }

// IsRange reports the register-range forms of invoke and
// filled-new-array.
func (op Opcode) IsRange() bool {
	f := op.Format()
	return f == Format3rc || f == Format4rcc
}
