package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/davecgh/go-spew/spew"

	"github.com/chazu/dexvm/dex"
)

// ---------------------------------------------------------------------------
// dexvm dump
// ---------------------------------------------------------------------------

// rawConfig prints code items without addresses so dumps diff cleanly.
var rawConfig = spew.ConfigState{
	Indent:                  "  ",
	DisablePointerAddresses: true,
	DisableCapacities:       true,
	SortKeys:                true,
}

func dumpCommand(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("dump", stderr, nil)
	raw := fs.Bool("raw", false, "Also dump the parsed code items")
	status := 0
	if !parse(fs, args, &status) {
		return status
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "Usage: dexvm dump [-raw] file.dex")
		return 2
	}
	data, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	f, err := dex.Open(data, fs.Arg(0))
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	dumpFile(stdout, f, *raw)
	return 0
}

func dumpFile(w io.Writer, f *dex.File, raw bool) {
	fmt.Fprintf(w, "# %s: %d classes, %d methods\n", f.Location, len(f.ClassDefs), len(f.MethodIDs))
	for i := range f.ClassDefs {
		def := &f.ClassDefs[i]
		fmt.Fprintf(w, "\n.class %s", f.ClassDescriptor(i))
		if def.SuperclassIdx != dex.NoIndex {
			fmt.Fprintf(w, " extends %s", f.TypeDescriptor(def.SuperclassIdx))
		}
		fmt.Fprintln(w)
		if def.Data == nil {
			continue
		}
		for _, list := range [][]dex.EncodedMethod{def.Data.DirectMethods, def.Data.VirtualMethods} {
			for _, em := range list {
				dumpMethod(w, f, em, raw)
			}
		}
	}
}

func dumpMethod(w io.Writer, f *dex.File, em dex.EncodedMethod, raw bool) {
	fmt.Fprintf(w, "  .method 0x%04x %s%s\n", em.AccessFlags, f.MethodName(em.MethodIdx), f.MethodSignature(em.MethodIdx))
	if em.Code == nil {
		return
	}
	fmt.Fprintf(w, "    .registers %d (ins %d, outs %d)\n", em.Code.RegistersSize, em.Code.InsSize, em.Code.OutsSize)
	for _, line := range strings.Split(dex.Disassemble(f, em.Code), "\n") {
		fmt.Fprintf(w, "    %s\n", line)
	}
	if raw {
		rawConfig.Fdump(w, em.Code)
	}
}
