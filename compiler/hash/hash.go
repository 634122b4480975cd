// Package hash fingerprints dex methods by content.
//
// A fingerprint covers the method's name, signature, access flags and
// code, with every pool index replaced by the name it resolves to. The
// same method compiled into two dex files with different pool layouts
// gets the same fingerprint; any change to its body changes it.
package hash

import (
	"crypto/sha256"

	"github.com/chazu/dexvm/dex"
)

// HashMethod computes the SHA-256 fingerprint of method_ids[idx] in f.
func HashMethod(f *dex.File, idx uint32) ([32]byte, error) {
	hm, err := NormalizeMethod(f, idx)
	if err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(Serialize(hm)), nil
}
