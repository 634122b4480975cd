package compiler

import (
	"bytes"
	"cmp"
	"fmt"
	"io"
	"slices"

	"github.com/fxamacker/cbor/v2"

	"github.com/chazu/dexvm/compiler/hash"
	"github.com/chazu/dexvm/dex"
	"github.com/chazu/dexvm/verifier"
)

// resultsVersion is bumped whenever the record layout changes.
const resultsVersion = 2

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("compiler: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

type resultsFile struct {
	Version  int            `cbor:"1,keyasint"`
	Methods  []methodRecord `cbor:"2,keyasint,omitempty"`
	Rejected []classRecord  `cbor:"3,keyasint,omitempty"`
}

type methodRecord struct {
	Location     string   `cbor:"1,keyasint"`
	Index        uint32   `cbor:"2,keyasint"`
	Failures     uint32   `cbor:"3,keyasint,omitempty"`
	RuntimeThrow bool     `cbor:"4,keyasint,omitempty"`
	Candidate    bool     `cbor:"5,keyasint,omitempty"`
	SafeCasts    []uint32 `cbor:"6,keyasint,omitempty"`
	Fingerprint  []byte   `cbor:"7,keyasint,omitempty"`
}

type classRecord struct {
	Location string `cbor:"1,keyasint"`
	ClassDef int    `cbor:"2,keyasint"`
}

// SaveResults writes the verified methods and rejected classes of r as
// CBOR. Devirtualization targets are not saved; they point into a class
// linker and are recomputed by the next verification.
func SaveResults(w io.Writer, r *VerificationResults) error {
	var f resultsFile
	f.Version = resultsVersion
	r.Range(func(vm *VerifiedMethod) bool {
		f.Methods = append(f.Methods, methodRecord{
			Location:     vm.ref.DexFile.Location,
			Index:        vm.ref.Index,
			Failures:     uint32(vm.failures),
			RuntimeThrow: vm.hasRuntimeThrow,
			Candidate:    vm.candidate,
			SafeCasts:    vm.safeCasts,
			Fingerprint:  fingerprint(vm.ref),
		})
		return true
	})
	slices.SortFunc(f.Methods, func(a, b methodRecord) int {
		return cmp.Or(cmp.Compare(a.Location, b.Location), cmp.Compare(a.Index, b.Index))
	})
	for _, c := range r.RejectedClasses() {
		f.Rejected = append(f.Rejected, classRecord{Location: c.DexFile.Location, ClassDef: c.ClassDef})
	}
	slices.SortFunc(f.Rejected, func(a, b classRecord) int {
		return cmp.Or(cmp.Compare(a.Location, b.Location), cmp.Compare(a.ClassDef, b.ClassDef))
	})
	if err := cborEncMode.NewEncoder(w).Encode(&f); err != nil {
		return fmt.Errorf("compiler: save results: %w", err)
	}
	return nil
}

func fingerprint(ref MethodReference) []byte {
	sum, err := hash.HashMethod(ref.DexFile, ref.Index)
	if err != nil {
		log.Debugf("no fingerprint for %s: %s", ref, err)
		return nil
	}
	return sum[:]
}

// LoadResults reads results written by SaveResults into r. Records are
// matched to files by location; records for other files, with an
// out-of-range index, or whose method body no longer matches its saved
// fingerprint are skipped. Existing entries win over loaded ones.
// It returns the number of method records applied.
func LoadResults(rd io.Reader, r *VerificationResults, files []*dex.File) (int, error) {
	var f resultsFile
	if err := cbor.NewDecoder(rd).Decode(&f); err != nil {
		return 0, fmt.Errorf("compiler: load results: %w", err)
	}
	if f.Version != resultsVersion {
		return 0, fmt.Errorf("compiler: load results: version %d, want %d", f.Version, resultsVersion)
	}
	byLocation := make(map[string]*dex.File, len(files))
	for _, df := range files {
		byLocation[df.Location] = df
	}
	applied, stale := 0, 0
	for _, rec := range f.Methods {
		ref := MethodReference{DexFile: byLocation[rec.Location], Index: rec.Index}
		if !ref.Valid() {
			continue
		}
		if rec.Fingerprint != nil && !bytes.Equal(rec.Fingerprint, fingerprint(ref)) {
			stale++
			continue
		}
		r.insert(ref, &VerifiedMethod{
			ref:             ref,
			failures:        verifier.FailureMask(rec.Failures),
			hasRuntimeThrow: rec.RuntimeThrow,
			candidate:       rec.Candidate,
			safeCasts:       rec.SafeCasts,
		})
		applied++
	}
	for _, rec := range f.Rejected {
		df := byLocation[rec.Location]
		if df == nil || rec.ClassDef < 0 || rec.ClassDef >= len(df.ClassDefs) {
			continue
		}
		r.AddRejectedClass(ClassReference{DexFile: df, ClassDef: rec.ClassDef})
	}
	if stale > 0 {
		log.Warningf("skipped %d verified methods whose code changed", stale)
	}
	log.Infof("loaded %d of %d verified methods", applied, len(f.Methods))
	return applied, nil
}
