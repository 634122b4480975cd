package compiler

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/tliron/commonlog"

	"github.com/chazu/dexvm/dex"
	"github.com/chazu/dexvm/mirror"
	"github.com/chazu/dexvm/verifier"
)

var log = commonlog.GetLogger("dexvm.compiler")

// ErrAlreadyRegistered is the panic value of a second PreRegisterDexFile
// for the same file.
var ErrAlreadyRegistered = errors.New("dex file already preregistered")

// methodSlots holds one insert-once slot per method index of a
// preregistered dex file.
type methodSlots []atomic.Pointer[VerifiedMethod]

// ---------------------------------------------------------------------------
// VerificationResults
// ---------------------------------------------------------------------------

// VerificationResults is the process-wide table of verified methods and
// rejected classes. Entries are inserted at most once and never replaced,
// so a *VerifiedMethod handed out stays valid.
//
// Methods of a preregistered dex file live in a fixed array of atomic
// slots and are inserted with a single compare-and-swap. Everything else
// goes through a map guarded by verifiedMu.
type VerificationResults struct {
	opts Options

	// slots maps *dex.File to methodSlots.
	slots sync.Map

	verifiedMu sync.RWMutex
	verified   map[MethodReference]*VerifiedMethod

	rejectedMu sync.RWMutex
	rejected   map[ClassReference]struct{}
}

// NewVerificationResults creates an empty table.
func NewVerificationResults(opts Options) *VerificationResults {
	return &VerificationResults{
		opts:     opts,
		verified: make(map[MethodReference]*VerifiedMethod),
		rejected: make(map[ClassReference]struct{}),
	}
}

func (r *VerificationResults) Options() Options { return r.opts }

func (r *VerificationResults) slotsFor(f *dex.File) methodSlots {
	if v, ok := r.slots.Load(f); ok {
		return v.(methodSlots)
	}
	return nil
}

// PreRegisterDexFile switches f to the lock-free path. Results already
// stored for f move into its slots before the slots are published, so a
// concurrent insert either sees the moved entry or takes the locked path.
// Calling it twice for the same file panics with ErrAlreadyRegistered.
func (r *VerificationResults) PreRegisterDexFile(f *dex.File) {
	r.verifiedMu.Lock()
	defer r.verifiedMu.Unlock()
	if _, ok := r.slots.Load(f); ok {
		panic(fmt.Errorf("%w: %s", ErrAlreadyRegistered, f.Location))
	}
	slots := make(methodSlots, len(f.MethodIDs))
	var moved []MethodReference
	for ref, vm := range r.verified {
		if ref.DexFile != f {
			continue
		}
		slots[ref.Index].Store(vm)
		moved = append(moved, ref)
	}
	// Slots are only ever published here, under verifiedMu.
	r.slots.Store(f, slots)
	for _, ref := range moved {
		delete(r.verified, ref)
	}
	log.Debugf("preregistered %s (%d methods, %d moved)", f.Location, len(slots), len(moved))
}

// IsCandidateForCompilation reports whether a method with the given access
// flags may be compiled. Class initializers run once and are only compiled
// with FilterEverything.
func (r *VerificationResults) IsCandidateForCompilation(ref MethodReference, accessFlags uint32) bool {
	if !ref.Valid() || !r.opts.IsBytecodeCompilationEnabled() {
		return false
	}
	if accessFlags&(dex.AccNative|dex.AccAbstract) != 0 {
		return false
	}
	clinit := accessFlags&dex.AccConstructor != 0 && accessFlags&dex.AccStatic != 0
	return !clinit || r.opts.Filter == FilterEverything
}

// ProcessVerifiedMethod records the outcome of v and returns the entry the
// table holds for the method afterwards. When another thread got there
// first its entry is kept and returned.
func (r *VerificationResults) ProcessVerifiedMethod(v *verifier.MethodVerifier) *VerifiedMethod {
	m := v.Method()
	ref := MethodRefOf(m)
	if !ref.Valid() {
		return nil
	}
	vm := NewVerifiedMethod(v, r.IsCandidateForCompilation(ref, m.AccessFlags()))
	return r.insert(ref, vm)
}

// MethodVerified implements verifier.Callback.
func (r *VerificationResults) MethodVerified(v *verifier.MethodVerifier) {
	r.ProcessVerifiedMethod(v)
}

// ClassRejected implements verifier.Callback.
func (r *VerificationResults) ClassRejected(c *mirror.Class) {
	r.AddRejectedClass(ClassRefOf(c))
}

func (r *VerificationResults) insert(ref MethodReference, vm *VerifiedMethod) *VerifiedMethod {
	if slots := r.slotsFor(ref.DexFile); slots != nil {
		return insertSlot(&slots[ref.Index], ref, vm)
	}
	r.verifiedMu.Lock()
	defer r.verifiedMu.Unlock()
	// The file may have been preregistered since the check above.
	if slots := r.slotsFor(ref.DexFile); slots != nil {
		return insertSlot(&slots[ref.Index], ref, vm)
	}
	if prev, ok := r.verified[ref]; ok {
		log.Debugf("discarding duplicate verification of %s", ref)
		return prev
	}
	r.verified[ref] = vm
	return vm
}

func insertSlot(slot *atomic.Pointer[VerifiedMethod], ref MethodReference, vm *VerifiedMethod) *VerifiedMethod {
	if slot.CompareAndSwap(nil, vm) {
		return vm
	}
	prev := slot.Load()
	if prev.failures != vm.failures {
		log.Warningf("%s verified twice with different failures (%s vs %s)", ref, prev.failures, vm.failures)
	}
	return prev
}

// GetVerifiedMethod returns the entry for ref, or nil.
func (r *VerificationResults) GetVerifiedMethod(ref MethodReference) *VerifiedMethod {
	if !ref.Valid() {
		return nil
	}
	if slots := r.slotsFor(ref.DexFile); slots != nil {
		return slots[ref.Index].Load()
	}
	r.verifiedMu.RLock()
	defer r.verifiedMu.RUnlock()
	if slots := r.slotsFor(ref.DexFile); slots != nil {
		return slots[ref.Index].Load()
	}
	return r.verified[ref]
}

// CreateVerifiedMethodFor records a method known to be safe without running
// the verifier: no failures, no runtime throws.
func (r *VerificationResults) CreateVerifiedMethodFor(ref MethodReference) *VerifiedMethod {
	if !ref.Valid() {
		return nil
	}
	vm := &VerifiedMethod{ref: ref, candidate: r.opts.IsBytecodeCompilationEnabled()}
	return r.insert(ref, vm)
}

func (r *VerificationResults) AddRejectedClass(ref ClassReference) {
	r.rejectedMu.Lock()
	defer r.rejectedMu.Unlock()
	r.rejected[ref] = struct{}{}
}

func (r *VerificationResults) IsClassRejected(ref ClassReference) bool {
	r.rejectedMu.RLock()
	defer r.rejectedMu.RUnlock()
	_, ok := r.rejected[ref]
	return ok
}

// Range calls fn for every verified method until fn returns false. The
// order is unspecified.
func (r *VerificationResults) Range(fn func(*VerifiedMethod) bool) {
	stop := false
	r.slots.Range(func(_, v any) bool {
		for i := range v.(methodSlots) {
			if vm := v.(methodSlots)[i].Load(); vm != nil && !fn(vm) {
				stop = true
				return false
			}
		}
		return true
	})
	if stop {
		return
	}
	r.verifiedMu.RLock()
	list := make([]*VerifiedMethod, 0, len(r.verified))
	for _, vm := range r.verified {
		list = append(list, vm)
	}
	r.verifiedMu.RUnlock()
	for _, vm := range list {
		if !fn(vm) {
			return
		}
	}
}

// RejectedClasses returns a snapshot of the rejected classes.
func (r *VerificationResults) RejectedClasses() []ClassReference {
	r.rejectedMu.RLock()
	defer r.rejectedMu.RUnlock()
	out := make([]ClassReference, 0, len(r.rejected))
	for ref := range r.rejected {
		out = append(out, ref)
	}
	return out
}
