package compiler

import "fmt"

// CompilerFilter selects how much ahead-of-time work the driver does.
type CompilerFilter int

const (
	// FilterVerify only verifies; nothing is compiled.
	FilterVerify CompilerFilter = iota
	// FilterQuicken verifies and records results but does not compile.
	FilterQuicken
	// FilterSpeed compiles every candidate method.
	FilterSpeed
	// FilterEverything also compiles class initializers.
	FilterEverything
)

var filterNames = []string{"verify", "quicken", "speed", "everything"}

func (f CompilerFilter) String() string {
	if f >= 0 && int(f) < len(filterNames) {
		return filterNames[f]
	}
	return fmt.Sprintf("CompilerFilter(%d)", int(f))
}

// ParseCompilerFilter parses the configuration spelling of a filter.
func ParseCompilerFilter(s string) (CompilerFilter, error) {
	for i, n := range filterNames {
		if n == s {
			return CompilerFilter(i), nil
		}
	}
	return FilterVerify, fmt.Errorf("unknown compiler filter %q", s)
}

// IsAotCompilationEnabled reports filters that produce code.
func (f CompilerFilter) IsAotCompilationEnabled() bool {
	return f == FilterSpeed || f == FilterEverything
}

// Options are the compiler driver settings the verification results
// consult.
type Options struct {
	Filter          CompilerFilter
	CompileBytecode bool
	// NumMachineRegisters is how many dex registers the code generator
	// keeps in machine registers; the rest live in stack slots.
	NumMachineRegisters int
}

// DefaultOptions compiles for speed.
func DefaultOptions() Options {
	return Options{Filter: FilterSpeed, CompileBytecode: true, NumMachineRegisters: 4}
}

func (o Options) IsBytecodeCompilationEnabled() bool {
	return o.CompileBytecode && o.Filter.IsAotCompilationEnabled()
}

func (o Options) GetCompilerFilter() CompilerFilter { return o.Filter }
