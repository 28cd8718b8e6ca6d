package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/basket/tally/internal/config"
	"github.com/basket/tally/internal/doctor"
)

func runDoctorCommand(ctx context.Context, args []string, out io.Writer) int {
	fs := flag.NewFlagSet("doctor", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	asJSON := fs.Bool("json", false, "print the diagnosis as JSON")
	if err := fs.Parse(args); err != nil || fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "usage: tally doctor [-json]")
		return 2
	}

	// A config that fails validation is itself a finding, so keep going.
	var cfgPtr *config.Config
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
	} else {
		cfgPtr = &cfg
	}

	diag := doctor.Run(ctx, cfgPtr, Version)
	if *asJSON {
		if err := writeJSONTo(out, diag); err != nil {
			fmt.Fprintf(os.Stderr, "encode diagnosis: %v\n", err)
			return 1
		}
	} else {
		printDiagnosis(out, diag)
	}
	if diag.Failed() > 0 {
		return 1
	}
	return 0
}

func printDiagnosis(w io.Writer, d doctor.Diagnosis) {
	fmt.Fprintf(w, "tally %s (%s/%s, %s)\n\n", d.System.Version, d.System.OS, d.System.Arch, d.System.Go)
	for _, r := range d.Results {
		fmt.Fprintf(w, "[%-4s] %-12s %s\n", r.Status, r.Name, r.Message)
		if r.Detail != "" {
			fmt.Fprintf(w, "       %-12s %s\n", "", r.Detail)
		}
	}
	if n := d.Failed(); n > 0 {
		fmt.Fprintf(w, "\n%d check(s) failed\n", n)
	}
}
