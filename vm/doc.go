// Package vm implements the dexvm runtime root.
//
// This package contains:
//   - the VM object wiring class linker, verification results, compiled
//     code and interpreter together
//   - parallel verification of whole dex files
//   - the runtime class verification hook used at class initialization
//   - static entry points for running managed code
package vm
