package verifier

import (
	"fmt"
	"strings"
)

// FailureType is one cause of a verification failure. Types are bit flags
// so a method's encountered failures fit in a FailureMask.
type FailureType uint32

const (
	// FailBadClassHard rejects the class permanently.
	FailBadClassHard FailureType = 1 << iota
	// FailBadClassSoft rejects the class until it is verified again at runtime.
	FailBadClassSoft
	FailNoClass
	FailNoField
	FailNoMethod
	FailAccessClass
	FailAccessField
	FailAccessMethod
	FailClassChange
	FailInstantiation
	// FailForceInterpreter marks an instruction the verifier does not model;
	// the method runs in the access-checked interpreter.
	FailForceInterpreter
	// FailLocking marks monitor use whose balance could not be proven.
	FailLocking
)

var failureNames = []struct {
	t    FailureType
	name string
}{
	{FailBadClassHard, "BAD_CLASS_HARD"},
	{FailBadClassSoft, "BAD_CLASS_SOFT"},
	{FailNoClass, "NO_CLASS"},
	{FailNoField, "NO_FIELD"},
	{FailNoMethod, "NO_METHOD"},
	{FailAccessClass, "ACCESS_CLASS"},
	{FailAccessField, "ACCESS_FIELD"},
	{FailAccessMethod, "ACCESS_METHOD"},
	{FailClassChange, "CLASS_CHANGE"},
	{FailInstantiation, "INSTANTIATION"},
	{FailForceInterpreter, "FORCE_INTERPRETER"},
	{FailLocking, "LOCKING"},
}

func (t FailureType) String() string {
	for _, n := range failureNames {
		if n.t == t {
			return n.name
		}
	}
	return fmt.Sprintf("FailureType(%#x)", uint32(t))
}

// throwsAtRuntime reports failures that turn the instruction into a throw
// of the matching linkage error.
func (t FailureType) throwsAtRuntime() bool {
	switch t {
	case FailNoClass, FailNoField, FailNoMethod, FailAccessClass, FailAccessField,
		FailAccessMethod, FailClassChange, FailInstantiation, FailForceInterpreter:
		return true
	}
	return false
}

// FailureMask is the union of the failure types a method encountered.
type FailureMask uint32

func (m FailureMask) Has(t FailureType) bool { return uint32(m)&uint32(t) != 0 }

func (m FailureMask) String() string {
	if m == 0 {
		return "none"
	}
	var names []string
	for _, n := range failureNames {
		if m.Has(n.t) {
			names = append(names, n.name)
		}
	}
	return strings.Join(names, "|")
}

// compilerHandled lists the failures that resolve the same way at runtime
// as at compile time: unresolved symbols and access checks.
const compilerHandled = FailureMask(FailNoClass | FailNoField | FailNoMethod |
	FailAccessClass | FailAccessField | FailAccessMethod)

// CanCompilerHandleVerificationFailure reports whether a method with the
// given failures may still be compiled ahead of time.
func CanCompilerHandleVerificationFailure(m FailureMask) bool {
	return m&^compilerHandled == 0
}

// FailureKind is the severity of a verification result.
type FailureKind int

const (
	NoFailure FailureKind = iota
	SoftFailure
	HardFailure
)

func (k FailureKind) String() string {
	switch k {
	case NoFailure:
		return "ok"
	case SoftFailure:
		return "soft"
	case HardFailure:
		return "hard"
	}
	return "unknown"
}

// KindOf returns the severity of a failure mask.
func KindOf(m FailureMask) FailureKind {
	switch {
	case m.Has(FailBadClassHard):
		return HardFailure
	case m != 0:
		return SoftFailure
	}
	return NoFailure
}

// Failure is one recorded verification failure.
type Failure struct {
	Type FailureType
	PC   uint32
	Msg  string
}

func (f Failure) Error() string {
	return fmt.Sprintf("[0x%x] %s: %s", f.PC, f.Type, f.Msg)
}
