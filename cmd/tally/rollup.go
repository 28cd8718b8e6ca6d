package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/basket/tally/internal/audit"
	"github.com/basket/tally/internal/model"
	"github.com/basket/tally/internal/rollup"
	"github.com/basket/tally/internal/shared"
)

type rollupArgs struct {
	date     string
	from, to string
	users    []string
	json     bool
}

func parseRollupArgs(args []string) (rollupArgs, error) {
	var ra rollupArgs
	var users string
	fs := flag.NewFlagSet("rollup", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&ra.date, "date", "", "day to roll up, YYYY-MM-DD (default yesterday)")
	fs.StringVar(&ra.from, "from", "", "first day of a backfill")
	fs.StringVar(&ra.to, "to", "", "last day of a backfill")
	fs.StringVar(&users, "users", "", "comma-separated users to replay")
	fs.BoolVar(&ra.json, "json", false, "print JSON even on a terminal")
	if err := fs.Parse(args); err != nil {
		return ra, err
	}
	if fs.NArg() > 0 {
		return ra, fmt.Errorf("unexpected argument %q", fs.Arg(0))
	}
	for _, u := range strings.Split(users, ",") {
		if u = strings.TrimSpace(u); u != "" {
			ra.users = append(ra.users, u)
		}
	}
	backfill := ra.from != "" || ra.to != ""
	switch {
	case backfill && (ra.from == "" || ra.to == ""):
		return ra, fmt.Errorf("-from and -to must be given together")
	case backfill && ra.date != "":
		return ra, fmt.Errorf("-date cannot be combined with -from/-to")
	case backfill && len(ra.users) > 0:
		return ra, fmt.Errorf("-users replays a single -date")
	}
	return ra, nil
}

// runRollupCommand rolls up one day (yesterday by default), replays a day
// for named users, or backfills a range. It exits 1 when any user failed.
func runRollupCommand(ctx context.Context, args []string, out io.Writer) int {
	ra, err := parseRollupArgs(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "rollup: %v\nusage: tally rollup [-date YYYY-MM-DD [-users a,b]] | [-from YYYY-MM-DD -to YYYY-MM-DD] [-json]\n", err)
		return 2
	}
	cfg, logger, closer, err := loadForCommand()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer closer.Close()
	if err := audit.Init(cfg.HomeDir); err != nil {
		logger.Warn("audit trail unavailable", "error", err)
	}
	defer audit.Close()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup: %v\n", err)
		return 1
	}
	defer a.Close(context.Background())
	ctx = shared.WithJob(shared.WithRunID(ctx, shared.NewRunID()), "rollup.manual")

	var results []rollup.Result
	switch {
	case ra.from != "":
		r, err := model.ParseDateRange(ra.from, ra.to, a.loc)
		if err != nil {
			fmt.Fprintf(os.Stderr, "rollup: %v\n", err)
			return 2
		}
		results, err = a.rollups.RunRange(ctx, r)
		audit.Record(ctx, "cli", "rollup.range", ra.from+".."+ra.to, errors.Join(err, resultsErr(results)))
		if err != nil {
			fmt.Fprintf(os.Stderr, "rollup: %v\n", err)
			printRollupResults(out, results, ra.json)
			return 1
		}
	default:
		day := a.rollups.TargetDate(time.Now())
		if ra.date != "" {
			if day, err = model.ParseDay(ra.date, a.loc); err != nil {
				fmt.Fprintf(os.Stderr, "rollup: %v\n", err)
				return 2
			}
		}
		var res rollup.Result
		subject := day.Format("2006-01-02")
		if len(ra.users) > 0 {
			res, err = a.rollups.Replay(ctx, day, ra.users)
			subject += " users=" + strings.Join(ra.users, ",")
		} else {
			res, err = a.rollups.Run(ctx, day)
		}
		audit.Record(ctx, "cli", "rollup.run", subject, errors.Join(err, failedUsers(res)))
		if err != nil {
			fmt.Fprintf(os.Stderr, "rollup: %v\n", err)
			return 1
		}
		results = []rollup.Result{res}
	}

	printRollupResults(out, results, ra.json)
	for _, res := range results {
		if len(res.Failed) > 0 {
			return 1
		}
	}
	return 0
}

func resultsErr(results []rollup.Result) error {
	var errs []error
	for _, res := range results {
		errs = append(errs, failedUsers(res))
	}
	return errors.Join(errs...)
}

func printRollupResults(out io.Writer, results []rollup.Result, forceJSON bool) {
	if forceJSON || !isTerminal(out) {
		_ = writeJSONTo(out, results)
		return
	}
	for _, res := range results {
		fmt.Fprintf(out, "%s  users=%d written=%d kept=%d failed=%d\n",
			res.Date, res.Users, res.Written, res.Kept, len(res.Failed))
		for _, f := range res.Failed {
			fmt.Fprintf(out, "  %s: %s\n", f.UserID, f.Error)
		}
	}
}
