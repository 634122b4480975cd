package compiler

import (
	"slices"

	"github.com/chazu/dexvm/mirror"
	"github.com/chazu/dexvm/verifier"
)

// VerifiedMethod is the part of a method's verification the compiler and
// the interpreter keep after the verifier is gone. It is immutable once
// published in VerificationResults.
type VerifiedMethod struct {
	ref             MethodReference
	failures        verifier.FailureMask
	hasRuntimeThrow bool
	candidate       bool
	safeCasts       []uint32
	devirt          map[uint32]*mirror.Method
}

// NewVerifiedMethod summarizes a finished verification. candidate records
// whether the driver may compile the method.
func NewVerifiedMethod(v *verifier.MethodVerifier, candidate bool) *VerifiedMethod {
	vm := &VerifiedMethod{
		ref:             MethodRefOf(v.Method()),
		failures:        v.EncounteredFailureTypes(),
		hasRuntimeThrow: v.HasRuntimeThrow(),
		candidate:       candidate,
		safeCasts:       v.SafeCastPCs(),
	}
	if targets := v.DevirtTargets(); len(targets) > 0 {
		vm.devirt = make(map[uint32]*mirror.Method, len(targets))
		for pc, m := range targets {
			vm.devirt[pc] = m
		}
	}
	return vm
}

func (m *VerifiedMethod) Ref() MethodReference { return m.ref }

func (m *VerifiedMethod) EncounteredVerificationFailures() verifier.FailureMask { return m.failures }

func (m *VerifiedMethod) HasRuntimeThrow() bool { return m.hasRuntimeThrow }

// IsCandidateForCompilation is the driver's verdict at the time the method
// was processed.
func (m *VerifiedMethod) IsCandidateForCompilation() bool { return m.candidate }

// IsCompilable reports whether code may be generated for the method: it
// was a candidate and all its failures resolve the same way at runtime.
func (m *VerifiedMethod) IsCompilable() bool {
	return m.candidate && verifier.CanCompilerHandleVerificationFailure(m.failures)
}

// IsSafeCast reports whether the check-cast at pc can never fail.
func (m *VerifiedMethod) IsSafeCast(pc uint32) bool {
	_, ok := slices.BinarySearch(m.safeCasts, pc)
	return ok
}

func (m *VerifiedMethod) SafeCastPCs() []uint32 { return m.safeCasts }

// DevirtTarget returns the method an invoke at pc always reaches, or nil.
func (m *VerifiedMethod) DevirtTarget(pc uint32) *mirror.Method { return m.devirt[pc] }
