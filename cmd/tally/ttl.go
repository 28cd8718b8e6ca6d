package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/basket/tally/internal/audit"
	"github.com/basket/tally/internal/cache"
	"github.com/basket/tally/internal/config"
)

// runTTLCommand persists a cache TTL override. A running daemon applies
// it through its config watcher.
func runTTLCommand(args []string, out io.Writer) int {
	if len(args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: tally ttl <class> <seconds>")
		return 2
	}
	seconds, err := strconv.Atoi(args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "ttl: seconds must be an integer, got %q\n", args[1])
		return 2
	}
	home := config.HomeDir()
	if err := audit.Init(home); err == nil {
		defer audit.Close()
	}
	err = config.SetTTL(home, cache.Class(args[0]), seconds)
	audit.Record(context.Background(), "cli", "ttl.set", fmt.Sprintf("%s=%d", args[0], seconds), err)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ttl: %v\n", err)
		return 1
	}
	fmt.Fprintf(out, "%s ttl set to %ds\n", args[0], seconds)
	return 0
}
