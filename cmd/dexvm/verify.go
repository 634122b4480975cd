package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/olekukonko/tablewriter"

	"github.com/chazu/dexvm/verifier"
	"github.com/chazu/dexvm/vm"
)

// ---------------------------------------------------------------------------
// dexvm verify
// ---------------------------------------------------------------------------

func verifyCommand(args []string, stdout, stderr io.Writer) int {
	var c commonFlags
	fs := newFlagSet("verify", stderr, &c)
	results := fs.String("results", "", "Write the verification results (CBOR) to this file")
	status := 0
	if !parse(fs, args, &status) {
		return status
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "Usage: dexvm verify [-config dir] [-results out.cbor] file.dex")
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
	report, err := v.VerifyDexFile(context.Background(), f)
	if report != nil {
		renderReport(stdout, v, report)
	}
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if *results != "" {
		if err := writeResults(v, *results); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
	}
	if report.HasHardFailure() {
		return 1
	}
	return 0
}

// renderReport prints one row per method plus one per class that could
// not be loaded, then a summary line.
func renderReport(w io.Writer, v *vm.VM, report *vm.Report) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Class", "Method", "Verdict", "Failures", "Compiled"})
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(false)

	methods := 0
	for _, c := range report.Classes {
		if c.Descriptor == "" {
			continue
		}
		if c.LinkErr != nil {
			table.Append([]string{c.Descriptor, "-", "unloadable", c.LinkErr.Error(), ""})
			continue
		}
		for _, mr := range c.Result.PerMethod {
			methods++
			compiled := ""
			if v.Code.Lookup(mr.Method) != nil {
				compiled = "yes"
			}
			table.Append([]string{
				c.Descriptor,
				mr.Method.Name + mr.Method.Signature,
				mr.Kind.String(),
				describeFailures(mr),
				compiled,
			})
		}
	}
	table.Render()

	fmt.Fprintf(w, "%s: %d classes, %d methods; %d ok, %d soft, %d hard, %d unloadable\n",
		report.Location, len(report.Classes), methods,
		report.Count(verifier.NoFailure), report.Count(verifier.SoftFailure),
		report.Count(verifier.HardFailure), len(report.LinkFailures()))
}

func describeFailures(mr verifier.MethodResult) string {
	if len(mr.Failures) == 0 {
		return ""
	}
	parts := make([]string, 0, len(mr.Failures))
	for _, f := range mr.Failures {
		parts = append(parts, f.Error())
	}
	return strings.Join(parts, "; ")
}

func writeResults(v *vm.VM, path string) error {
	out, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := v.SaveResults(out); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
