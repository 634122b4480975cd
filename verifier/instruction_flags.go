package verifier

// InstructionFlags annotate one code unit of the method being verified.
type InstructionFlags uint8

const (
	flagOpcode InstructionFlags = 1 << iota
	flagBranchTarget
	flagInTry
	flagVisited
	flagChanged
	flagHandler
)

func (f InstructionFlags) IsOpcode() bool       { return f&flagOpcode != 0 }
func (f InstructionFlags) IsBranchTarget() bool { return f&flagBranchTarget != 0 }
func (f InstructionFlags) IsInTry() bool        { return f&flagInTry != 0 }
func (f InstructionFlags) IsVisited() bool      { return f&flagVisited != 0 }
func (f InstructionFlags) IsChanged() bool      { return f&flagChanged != 0 }

// IsHandler reports the first instruction of a catch handler.
func (f InstructionFlags) IsHandler() bool { return f&flagHandler != 0 }

func (f InstructionFlags) IsVisitedOrChanged() bool { return f&(flagVisited|flagChanged) != 0 }

func (f *InstructionFlags) set(bit InstructionFlags)   { *f |= bit }
func (f *InstructionFlags) clear(bit InstructionFlags) { *f &^= bit }

func (f InstructionFlags) String() string {
	b := []byte("------")
	for i, c := range "OBTVCH" {
		if f&(1<<i) != 0 {
			b[i] = byte(c)
		}
	}
	return string(b)
}
