package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/basket/tally/internal/audit"
	"github.com/basket/tally/internal/bus"
	"github.com/basket/tally/internal/config"
	"github.com/basket/tally/internal/cron"
	"github.com/basket/tally/internal/gateway"
	"github.com/basket/tally/internal/model"
	"github.com/basket/tally/internal/persistence"
	"github.com/basket/tally/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage(w io.Writer) {
	name := "tally"
	fmt.Fprintf(w, `Usage of %[1]s:

DAEMON MODE (default):
  %[1]s [daemon]                  Serve metrics, run scheduled jobs

SUBCOMMANDS:
  %[1]s rollup [flags]            Roll up one day, replay users or backfill a range
                                 -date YYYY-MM-DD   day to roll up (default yesterday)
                                 -users a,b         replay only these users
                                 -from/-to          backfill every day in the range
  %[1]s export [flags]            Write stored rollups to stdout
                                 -user, -start, -end, -format json|csv
  %[1]s ttl <class> <seconds>     Set a cache TTL in config.yaml
  %[1]s status [-json] [-addr]    Show daemon health (/healthz)
  %[1]s doctor [-json]            Check config, store, schedules and bind address
  %[1]s version                   Print the version
  %[1]s help                      Show this message

ENVIRONMENT VARIABLES:
  TALLY_HOME              Data directory (default: ~/.tally)
  TALLY_POSTGRES_DSN      Read tasks from PostgreSQL instead of the local store
  TALLY_TIMEZONE          Zone that defines calendar days (default: UTC)

TALLY_* variables may also be set in $TALLY_HOME/.env; the process
environment wins over the file.
`, name)
}

func main() {
	flag.Usage = func() { printUsage(os.Stderr) }
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage(os.Stdout)
			return
		case "version":
			fmt.Println(Version)
			return
		case "rollup":
			os.Exit(runRollupCommand(ctx, args[1:], os.Stdout))
		case "export":
			os.Exit(runExportCommand(ctx, args[1:], os.Stdout))
		case "ttl":
			os.Exit(runTTLCommand(args[1:], os.Stdout))
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:], os.Stdout))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:], os.Stdout))
		case "daemon":
			if len(args) > 1 {
				if isHelpArg(args[1]) {
					printUsage(os.Stdout)
					return
				}
				fmt.Fprintln(os.Stderr, "usage: tally daemon [--help]")
				os.Exit(2)
			}
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
			printUsage(os.Stderr)
			os.Exit(2)
		}
	}
	runDaemon(ctx)
}

func runDaemon(ctx context.Context) {
	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "version", Version,
		"config_hash", cfg.Fingerprint(), "defaults", cfg.FileMissing)

	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(logger, "E_AUDIT_INIT", err)
	}
	defer audit.Close()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		fatalStartupErr(logger, err)
	}
	defer a.Close(context.Background())
	logger.Info("startup phase", "phase", "store_opened", "db", cfg.DBPath,
		"postgres", a.pg != nil, "cache_backend", cfg.Cache.Backend)

	// The synchronous hook covers local writes; the bus covers rollup
	// writes and anything published after a hook failure.
	taskSub := a.bus.SubscribeBuffered(bus.TopicTaskPrefix, 256)
	rollupSub := a.bus.SubscribeBuffered("rollup.", 256)
	go a.inv.Run(ctx, taskSub)
	go a.inv.Run(ctx, rollupSub)

	var feed *persistence.MutationFeed
	if a.pg != nil {
		feed = persistence.NewMutationFeed(persistence.FeedConfig{
			Listen:  a.pg.Listen,
			Channel: cfg.Postgres.NotifyChannel,
			Handler: func(ctx context.Context, ev model.MutationEvent) {
				if err := a.onMutation(ctx, ev); err != nil {
					logger.Warn("invalidation for notification failed", "user_id", ev.UserID, "error", err)
				}
				a.bus.Publish(bus.TaskTopic(ev.Kind), ev)
			},
			Logger: logger,
		})
		go feed.Run(ctx)
	}

	restored, err := a.snaps.Restore(ctx)
	if err != nil {
		logger.Warn("snapshot restore failed; waiting for first refresh", "error", err)
	}
	if !restored {
		go func() {
			if _, err := a.snaps.Refresh(ctx, time.Now()); err != nil && ctx.Err() == nil {
				logger.Warn("initial snapshot refresh failed", "error", err)
			}
		}()
	}

	sched := cron.NewScheduler(cron.Config{Logger: logger, Workers: cfg.Jobs.Workers, State: a.store})
	if err := a.registerJobs(sched); err != nil {
		fatalStartup(logger, "E_JOB_REGISTER", err)
	}
	sched.Start(ctx)
	logger.Info("startup phase", "phase", "scheduler_started", "jobs", len(sched.Status()))

	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	go func() {
		for ev := range confWatcher.Events() {
			logger.Info("config hot-reload event", "path", ev.Path, "op", ev.Op.String())
			a.reload(ev.Path)
		}
	}()

	gwCfg := gateway.Config{
		Service:           a.svc,
		Store:             a.store,
		Jobs:              sched,
		Generations:       a.snaps,
		Location:          a.loc,
		RateLimit:         cfg.RateLimit,
		ConfigFingerprint: a.Fingerprint,
		Logger:            logger,
	}
	if a.pg != nil {
		gwCfg.Source = a.pg
		gwCfg.Feed = feed
	}
	gw := gateway.New(gwCfg)
	gw.Limiter().StartEviction(ctx, 5*time.Minute, 30*time.Minute)

	server := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	lc := &net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
		},
	}
	ln, err := lc.Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			err = fmt.Errorf("%w (stop the other process or change bind_addr in config.yaml)", err)
		}
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", ln.Addr().String())
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	// Stop intake first, then let running jobs finish.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	sched.Stop()
	a.bus.Unsubscribe(taskSub)
	a.bus.Unsubscribe(rollupSub)
	logger.Info("shutdown complete")
}

// loadForCommand loads config and a file-only logger so stdout stays
// clean for command output.
func loadForCommand() (config.Config, *slog.Logger, io.Closer, error) {
	cfg, err := config.Load()
	if err != nil {
		return cfg, nil, nil, fmt.Errorf("config load: %w", err)
	}
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, true)
	if err != nil {
		return cfg, nil, nil, fmt.Errorf("logger init: %w", err)
	}
	slog.SetDefault(logger)
	return cfg, logger, closer, nil
}

func fatalStartupErr(logger *slog.Logger, err error) {
	var se *startupError
	if errors.As(err, &se) {
		fatalStartup(logger, se.code, se.err)
	}
	fatalStartup(logger, "E_STARTUP", err)
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func isAddrInUse(err error) bool {
	var sysErr *os.SyscallError
	if errors.As(err, &sysErr) {
		return errors.Is(sysErr.Err, syscall.EADDRINUSE)
	}
	return strings.Contains(err.Error(), "address already in use")
}

func isHelpArg(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "-h", "--help", "help":
		return true
	default:
		return false
	}
}
