package compiler

import (
	"fmt"

	"github.com/chazu/dexvm/dex"
	"github.com/chazu/dexvm/mirror"
)

// MethodReference names a method by its dex file and method index.
type MethodReference struct {
	DexFile *dex.File
	Index   uint32
}

// MethodRefOf returns the reference of a dex-defined method. Boot methods
// have no dex file and yield an invalid reference.
func MethodRefOf(m *mirror.Method) MethodReference {
	if m.DexFile == nil {
		return MethodReference{Index: dex.NoIndex}
	}
	return MethodReference{DexFile: m.DexFile, Index: m.DexMethodIdx}
}

func (r MethodReference) Valid() bool {
	return r.DexFile != nil && r.Index < uint32(len(r.DexFile.MethodIDs))
}

func (r MethodReference) String() string {
	if !r.Valid() {
		return "<invalid method reference>"
	}
	return r.DexFile.PrettyMethod(r.Index)
}

// ClassReference names a class by its dex file and class_def index.
type ClassReference struct {
	DexFile  *dex.File
	ClassDef int
}

// ClassRefOf returns the reference of a dex-defined class.
func ClassRefOf(c *mirror.Class) ClassReference {
	return ClassReference{DexFile: c.DexFile, ClassDef: c.ClassDefIdx}
}

func (r ClassReference) String() string {
	if r.DexFile == nil || r.ClassDef < 0 {
		return "<invalid class reference>"
	}
	return fmt.Sprintf("%s:%s", r.DexFile.Location, dex.PrettyDescriptor(r.DexFile.ClassDescriptor(r.ClassDef)))
}
