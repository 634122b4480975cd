package vm

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/chazu/dexvm/dex"
	"github.com/chazu/dexvm/mirror"
	"github.com/chazu/dexvm/verifier"
)

// ClassVerdict is the verification outcome of one class definition.
type ClassVerdict struct {
	Descriptor string
	// LinkErr is set when the class could not be loaded; it was not
	// verified and Result is empty.
	LinkErr error
	Result  verifier.ClassResult
}

// Rejected reports classes that fail at runtime with VerifyError.
func (v ClassVerdict) Rejected() bool { return v.Result.Kind == verifier.HardFailure }

// Report collects the verdicts of a dex file in class_def order.
type Report struct {
	Location string
	Classes  []ClassVerdict
}

// Count returns how many classes ended with kind.
func (r *Report) Count(kind verifier.FailureKind) int {
	n := 0
	for _, c := range r.Classes {
		if c.LinkErr == nil && c.Result.Kind == kind {
			n++
		}
	}
	return n
}

// HasHardFailure reports whether any class was rejected.
func (r *Report) HasHardFailure() bool { return r.Count(verifier.HardFailure) > 0 }

// LinkFailures returns the classes that could not be loaded.
func (r *Report) LinkFailures() []ClassVerdict {
	var out []ClassVerdict
	for _, c := range r.Classes {
		if c.LinkErr != nil {
			out = append(out, c)
		}
	}
	return out
}

// VerifyDexFile verifies every class of a loaded dex file, in parallel on
// up to Options.Workers goroutines. Each class moves to StatusVerified,
// StatusRetryVerificationAtRuntime, or stays unverified and is recorded as
// rejected. With AbortOnHardFailure the first rejection cancels the
// remaining work and is returned wrapping ErrHardFailure.
func (vm *VM) VerifyDexFile(ctx context.Context, f *dex.File) (*Report, error) {
	report := &Report{Location: f.Location, Classes: make([]ClassVerdict, len(f.ClassDefs))}
	opts := vm.VerifierOptions()

	g, ctx := errgroup.WithContext(ctx)
	if vm.opts.Workers > 0 {
		g.SetLimit(vm.opts.Workers)
	}
	for i := range f.ClassDefs {
		desc := f.ClassDescriptor(i)
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			verdict := &report.Classes[i]
			verdict.Descriptor = desc
			c, err := vm.Linker.FindClass(desc)
			if err != nil {
				log.Debugf("%s: cannot load %s: %v", f.Location, desc, err)
				verdict.LinkErr = err
				return nil
			}
			if c.DexFile != f {
				verdict.LinkErr = fmt.Errorf("%s is defined by %s", desc, definingLocation(c))
				return nil
			}
			if c.IsVerified() {
				return nil
			}
			verdict.Result = verifier.VerifyClass(vm.Linker, c, vm.Driver, opts)
			if verdict.Result.Kind != verifier.HardFailure {
				settle(c, verdict.Result)
			} else if vm.opts.AbortOnHardFailure {
				return fmt.Errorf("%s: %w: %s", f.Location, ErrHardFailure, c.PrettyName())
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}
	log.Infof("%s: verified %d classes (%d soft, %d hard, %d not loadable)", f.Location, len(report.Classes),
		report.Count(verifier.SoftFailure), report.Count(verifier.HardFailure), len(report.LinkFailures()))
	return report, nil
}

func definingLocation(c *mirror.Class) string {
	if c.DexFile == nil {
		return "the boot class path"
	}
	return c.DexFile.Location
}
