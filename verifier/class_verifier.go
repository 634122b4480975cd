package verifier

import (
	"github.com/chazu/dexvm/mirror"
)

// Callback receives the outcome of class verification. VerificationResults
// in the compiler package implements it.
type Callback interface {
	MethodVerified(v *MethodVerifier)
	ClassRejected(c *mirror.Class)
}

// MethodResult is the verdict for one method of a class.
type MethodResult struct {
	Method   *mirror.Method
	Kind     FailureKind
	Mask     FailureMask
	Failures []Failure
}

// ClassResult summarizes the verification of one class.
type ClassResult struct {
	Kind      FailureKind
	Methods   int
	Failures  []Failure
	PerMethod []MethodResult
}

// VerifyClass verifies every method declared by c. Methods that verify
// cleanly skip access checks in the interpreter. A hard failure in any
// method rejects the class, and hard-failed methods are not reported to
// cb. cb may be nil.
func VerifyClass(r Resolver, c *mirror.Class, cb Callback, opts Options) ClassResult {
	var res ClassResult
	if c.DexFile == nil {
		// Boot classes are trusted.
		return res
	}
	methods := make([]*mirror.Method, 0, len(c.DirectMethods)+len(c.VirtualMethods))
	methods = append(methods, c.DirectMethods...)
	methods = append(methods, c.VirtualMethods...)
	for _, m := range methods {
		if m.Class != c {
			continue
		}
		v := NewMethodVerifier(r, m, opts)
		v.Verify()
		res.Methods++
		res.Failures = append(res.Failures, v.Failures()...)
		kind := v.FailureKind()
		res.PerMethod = append(res.PerMethod, MethodResult{
			Method:   m,
			Kind:     kind,
			Mask:     v.EncounteredFailureTypes(),
			Failures: v.Failures(),
		})
		if kind > res.Kind {
			res.Kind = kind
		}
		if kind == NoFailure {
			m.SetSkipAccessChecks()
		}
		if cb != nil && kind != HardFailure {
			cb.MethodVerified(v)
		}
	}
	if res.Kind == HardFailure {
		log.Warningf("rejecting class %s: %d failures", c.PrettyName(), len(res.Failures))
		if cb != nil {
			cb.ClassRejected(c)
		}
	} else if res.Kind == SoftFailure {
		log.Infof("class %s will be verified again at runtime", c.PrettyName())
	}
	return res
}
