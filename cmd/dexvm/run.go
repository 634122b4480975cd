package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/chazu/dexvm/interp"
	"github.com/chazu/dexvm/vm"
)

// ---------------------------------------------------------------------------
// dexvm run
// ---------------------------------------------------------------------------

func runCommand(args []string, stdout, stderr io.Writer) int {
	var c commonFlags
	fs := newFlagSet("run", stderr, &c)
	class := fs.String("class", "", "Descriptor of the class declaring the method (e.g. Lcom/example/Main;)")
	method := fs.String("method", "main", "Name of a static method taking no arguments and returning int or void")
	verifyFirst := fs.Bool("verify", true, "Verify and compile the whole file before running")
	status := 0
	if !parse(fs, args, &status) {
		return status
	}
	if fs.NArg() != 1 || *class == "" {
		fmt.Fprintln(stderr, "Usage: dexvm run -class Lpkg/Main; [-method main] file.dex")
		return 2
	}

	m, err := loadConfig(&c)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	v := vm.NewVM(vm.OptionsFromManifest(m))
	f, err := loadDex(v, fs.Arg(0))
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if *verifyFirst {
		// Rejected classes fail with VerifyError when they are initialized.
		if _, err := v.VerifyDexFile(context.Background(), f); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
	}

	entry, err := v.FindStaticMethod(*class, *method, "")
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if entry.Return != "I" && entry.Return != "V" {
		fmt.Fprintf(stderr, "Error: %s returns %s, want int or void\n", entry.PrettyMethod(), entry.Return)
		return 1
	}

	result, err := v.Interpreter.Invoke(v.NewThread(), entry, nil, nil)
	var thrown *interp.ThrownError
	switch {
	case errors.As(err, &thrown):
		fmt.Fprintf(stderr, "Exception in thread \"main\" %v\n", thrown)
		if cause := interp.ThrowableCause(thrown.Exception); cause != nil {
			fmt.Fprintf(stderr, "Caused by: %v\n", &interp.ThrownError{Exception: cause})
		}
		return 1
	case err != nil:
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if entry.Return == "I" {
		fmt.Fprintln(stdout, result.Int())
	}
	return 0
}
