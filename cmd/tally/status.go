package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/basket/tally/internal/config"
)

// health mirrors the daemon's /healthz body.
type health struct {
	Healthy            bool      `json:"healthy"`
	DBOK               bool      `json:"db_ok"`
	SourceOK           *bool     `json:"source_ok,omitempty"`
	FeedOK             *bool     `json:"mutation_feed_ok,omitempty"`
	SnapshotGeneration uint64    `json:"snapshot_generation"`
	SnapshotBuiltAt    time.Time `json:"snapshot_built_at"`
	SnapshotUsers      int       `json:"snapshot_users"`
	FailingJobs        []string  `json:"failing_jobs"`
}

func runStatusCommand(ctx context.Context, args []string, out io.Writer) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	asJSON := fs.Bool("json", false, "print the raw /healthz body")
	addrFlag := fs.String("addr", "", "daemon address (default bind_addr from config)")
	if err := fs.Parse(args); err != nil || fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "usage: tally status [-json] [-addr host:port]")
		return 2
	}

	addr := strings.TrimSpace(*addrFlag)
	if addr == "" {
		cfg, err := config.Load()
		if err != nil {
			fmt.Fprintf(os.Stderr, "config load: %v\n", err)
			return 1
		}
		addr = cfg.BindAddr
	}

	reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, healthURL(addr), nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "request: %v\n", err)
		return 1
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: daemon unreachable at %s: %v\n", addr, err)
		return 1
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: read body: %v\n", err)
		return 1
	}
	var h health
	if err := json.Unmarshal(body, &h); err != nil {
		fmt.Fprintf(os.Stderr, "status: unexpected response (%d): %s\n", resp.StatusCode, strings.TrimSpace(string(body)))
		return 1
	}

	if *asJSON || !isTerminal(out) {
		_ = writeJSONTo(out, h)
	} else {
		printHealth(out, addr, h, time.Now())
	}
	if resp.StatusCode != http.StatusOK || !h.Healthy {
		return 1
	}
	return 0
}

func healthURL(addr string) string {
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/") + "/healthz"
	}
	if host, port, err := net.SplitHostPort(addr); err == nil {
		addr = net.JoinHostPort(host, port)
	}
	return "http://" + addr + "/healthz"
}

func printHealth(w io.Writer, addr string, h health, now time.Time) {
	state := "healthy"
	if !h.Healthy {
		state = "UNHEALTHY"
	}
	fmt.Fprintf(w, "tally at %s: %s\n", addr, state)
	fmt.Fprintf(w, "  store      %s\n", okText(h.DBOK))
	if h.SourceOK != nil {
		fmt.Fprintf(w, "  postgres   %s\n", okText(*h.SourceOK))
	}
	if h.FeedOK != nil {
		fmt.Fprintf(w, "  feed       %s\n", okText(*h.FeedOK))
	}
	if h.SnapshotGeneration == 0 {
		fmt.Fprintln(w, "  snapshot   not built yet")
	} else {
		fmt.Fprintf(w, "  snapshot   generation %d, %d users, built %s ago\n",
			h.SnapshotGeneration, h.SnapshotUsers, now.Sub(h.SnapshotBuiltAt).Round(time.Second))
	}
	if len(h.FailingJobs) > 0 {
		fmt.Fprintf(w, "  failing    %s\n", strings.Join(h.FailingJobs, ", "))
	}
}

func okText(ok bool) string {
	if ok {
		return "ok"
	}
	return "down"
}
