package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/basket/tally/internal/export"
	"github.com/basket/tally/internal/model"
)

// runExportCommand writes a user's stored rollups over [start, end] to out.
func runExportCommand(ctx context.Context, args []string, out io.Writer) int {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	user := fs.String("user", "", "user id")
	start := fs.String("start", "", "first day, YYYY-MM-DD")
	end := fs.String("end", "", "last day, YYYY-MM-DD")
	formatFlag := fs.String("format", "json", "json or csv")
	if err := fs.Parse(args); err != nil || fs.NArg() > 0 || *user == "" || *start == "" || *end == "" {
		fmt.Fprintln(os.Stderr, "usage: tally export -user ID -start YYYY-MM-DD -end YYYY-MM-DD [-format json|csv]")
		return 2
	}
	format, err := export.ParseFormat(*formatFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "export: %v\n", err)
		return 2
	}

	cfg, logger, closer, err := loadForCommand()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer closer.Close()
	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup: %v\n", err)
		return 1
	}
	defer a.Close(context.Background())

	r, err := model.ParseDateRange(*start, *end, a.loc)
	if err != nil {
		fmt.Fprintf(os.Stderr, "export: %v\n", err)
		return 2
	}
	rows, err := a.svc.Export(ctx, *user, r)
	if err != nil {
		fmt.Fprintf(os.Stderr, "export: %v\n", err)
		return 1
	}
	if err := export.Write(out, format, rows); err != nil {
		fmt.Fprintf(os.Stderr, "export: %v\n", err)
		return 1
	}
	return 0
}
