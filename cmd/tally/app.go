package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/basket/tally/internal/audit"
	"github.com/basket/tally/internal/bus"
	"github.com/basket/tally/internal/cache"
	"github.com/basket/tally/internal/config"
	"github.com/basket/tally/internal/cron"
	"github.com/basket/tally/internal/invalidate"
	"github.com/basket/tally/internal/model"
	otelPkg "github.com/basket/tally/internal/otel"
	"github.com/basket/tally/internal/persistence"
	"github.com/basket/tally/internal/rollup"
	"github.com/basket/tally/internal/service"
	"github.com/basket/tally/internal/snapshot"
	"github.com/basket/tally/internal/warmer"
)

// taskSource is the record store the engine reads tasks from: the local
// SQLite store, or PostgreSQL when a DSN is configured.
type taskSource interface {
	TasksForUser(ctx context.Context, userID string) ([]model.TaskSnapshot, error)
	ActiveUsers(ctx context.Context, from, until time.Time) ([]string, error)
	Users(ctx context.Context) ([]string, error)
}

// app holds every long-lived component. Subcommands build the same graph
// the daemon runs so a manual rollup writes exactly what a scheduled one would.
type app struct {
	cfg      config.Config
	loc      *time.Location
	logger   *slog.Logger
	bus      *bus.Bus
	store    *persistence.Store
	pg       *persistence.PGSource // nil without a DSN
	tasks    taskSource
	provider *otelPkg.Provider
	metrics  *otelPkg.Metrics
	cache    *cache.Manager
	inv      *invalidate.Invalidator
	svc      *service.Service
	snaps    *snapshot.Refresher
	rollups  *rollup.Job
	warmer   *warmer.Warmer

	fingerprint atomic.Value // string
}

// startupError carries the reason code reported by fatalStartup.
type startupError struct {
	code string
	err  error
}

func (e *startupError) Error() string { return e.code + ": " + e.err.Error() }
func (e *startupError) Unwrap() error { return e.err }

func fail(code string, err error) error { return &startupError{code: code, err: err} }

func buildApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, fail("E_CONFIG_TIMEZONE", err)
	}
	a := &app{cfg: cfg, loc: loc, logger: logger, bus: bus.New()}
	a.fingerprint.Store(cfg.Fingerprint())

	a.provider, err = otelPkg.Init(ctx, cfg.OTel)
	if err != nil {
		return nil, fail("E_OTEL_INIT", err)
	}
	a.metrics, err = otelPkg.NewMetrics(a.provider.Meter)
	if err != nil {
		return nil, fail("E_OTEL_METRICS", err)
	}

	a.store, err = persistence.Open(cfg.DBPath, a.bus)
	if err != nil {
		return nil, fail("E_STORE_OPEN", err)
	}
	a.store.SetLogger(logger)
	a.tasks = a.store

	if cfg.Postgres.DSN != "" {
		a.pg, err = persistence.NewPGSource(ctx, persistence.PGSourceConfig{
			DSN:      cfg.Postgres.DSN,
			Table:    cfg.Postgres.Table,
			MaxConns: cfg.Postgres.MaxConns,
			Logger:   logger,
		})
		if err != nil {
			_ = a.store.Close()
			return nil, fail("E_POSTGRES_CONNECT", err)
		}
		a.tasks = a.pg
	}

	var backend cache.Backend = cache.NewMemoryBackend()
	if cfg.Cache.Backend == "sqlite" {
		backend = a.store.CacheBackend()
	}
	a.cache = cache.New(cache.Config{
		Backend:        backend,
		TTLs:           cfg.TTLs(),
		WaitTimeout:    cfg.WaitTimeout(),
		ComputeTimeout: cfg.ComputeTimeout(),
		Logger:         logger,
		Metrics:        a.metrics,
	})
	a.inv = invalidate.New(a.cache, loc, logger)

	a.snaps = snapshot.New(snapshot.Config{
		Source:      a.tasks,
		Publisher:   a.store,
		Bus:         a.bus,
		Concurrency: cfg.Jobs.Concurrency,
		ItemTimeout: cfg.ItemTimeout(),
		Logger:      logger,
		Metrics:     a.metrics,
		Tracer:      a.provider.Tracer,
	})
	a.svc = service.New(service.Config{
		Tasks:             a.tasks,
		Rollups:           a.store,
		Cache:             a.cache,
		Snapshots:         a.snaps,
		Location:          loc,
		DefaultWindowDays: cfg.DefaultWindowDays,
		Logger:            logger,
		Metrics:           a.metrics,
		Tracer:            a.provider.Tracer,
	})
	a.rollups = rollup.New(rollup.Config{
		Source:      a.tasks,
		Sink:        a.store,
		Location:    loc,
		BatchSize:   cfg.Jobs.BatchSize,
		Concurrency: cfg.Jobs.Concurrency,
		ItemTimeout: cfg.ItemTimeout(),
		Logger:      logger,
		Metrics:     a.metrics,
		Tracer:      a.provider.Tracer,
	})
	a.warmer = warmer.New(warmer.Config{
		Source:       a.tasks,
		Target:       a.svc,
		ActiveWindow: time.Duration(cfg.Warmer.ActiveWindowDays) * 24 * time.Hour,
		Concurrency:  cfg.Warmer.Concurrency,
		UserTimeout:  cfg.ItemTimeout(),
		Logger:       logger,
		Metrics:      a.metrics,
		Tracer:       a.provider.Tracer,
	})

	// Local writes invalidate inline, before the write call returns.
	a.store.OnMutation(a.onMutation)
	return a, nil
}

// onMutation marks the user touched and drops the cached metrics the
// mutation affects.
func (a *app) onMutation(ctx context.Context, ev model.MutationEvent) error {
	a.svc.NoteMutation(ev)
	return a.inv.Handle(ctx, ev)
}

func (a *app) Fingerprint() string {
	s, _ := a.fingerprint.Load().(string)
	return s
}

// reload re-reads config.yaml and applies what can change without a
// restart: cache TTLs. Anything else is logged and waits for a restart.
func (a *app) reload(path string) {
	next, err := config.Load()
	audit.Record(context.Background(), "daemon", "config.reload", path, err)
	if err != nil {
		a.logger.Error("config reload rejected; keeping previous config", "path", path, "error", err)
		return
	}
	a.cache.SetTTLs(next.TTLs())
	a.fingerprint.Store(next.Fingerprint())
	if next.Jobs != a.cfg.Jobs || next.BindAddr != a.cfg.BindAddr || next.Postgres != a.cfg.Postgres {
		a.logger.Warn("config change needs a restart to take effect", "path", path)
	}
	a.bus.Publish(bus.TopicConfigReloaded, bus.ConfigReloaded{Path: path})
	a.logger.Info("config reloaded", "path", path, "config_hash", next.Fingerprint())
}

// registerJobs adds every job with a non-empty schedule.
func (a *app) registerJobs(s *cron.Scheduler) error {
	retentionDays, deletedDays := a.cfg.Retention.RollupDays, a.cfg.Retention.DeletedTaskDays
	jobs := []cron.Job{
		{Name: "rollup", Spec: a.cfg.Jobs.RollupSpec, Run: func(ctx context.Context, now time.Time) error {
			res, err := a.rollups.Run(ctx, a.rollups.TargetDate(now))
			if err != nil {
				return err
			}
			return failedUsers(res)
		}},
		{Name: "rollup_today", Spec: a.cfg.Jobs.RollupTodaySpec, Run: func(ctx context.Context, now time.Time) error {
			res, err := a.rollups.Run(ctx, now)
			if err != nil {
				return err
			}
			return failedUsers(res)
		}},
		{Name: "snapshot", Spec: a.cfg.Jobs.SnapshotSpec, Run: func(ctx context.Context, now time.Time) error {
			_, err := a.snaps.Refresh(ctx, now)
			return err
		}},
		{Name: "warmer", Spec: a.cfg.Jobs.WarmerSpec, Run: func(ctx context.Context, now time.Time) error {
			res, err := a.warmer.Run(ctx, now)
			if err != nil {
				return err
			}
			if n := len(res.Failed); n > 0 {
				return fmt.Errorf("warm failed for %d of %d users", n, res.Users)
			}
			return nil
		}},
		{Name: "retention", Spec: a.cfg.Jobs.RetentionSpec, Run: func(ctx context.Context, now time.Time) error {
			res, err := a.store.RunRetention(ctx, now, retentionDays, deletedDays)
			if err != nil {
				return err
			}
			purged, err := a.cache.Purge(ctx)
			a.logger.InfoContext(ctx, "retention complete",
				"purged_rollups", res.PurgedRollups,
				"purged_cache_rows", res.PurgedCacheEntries,
				"purged_tasks", res.PurgedTasks,
				"purged_cache_entries", purged)
			return err
		}},
	}
	var errs []error
	for _, j := range jobs {
		if j.Spec == "" {
			a.logger.Info("job disabled", "job", j.Name)
			continue
		}
		errs = append(errs, s.Register(j))
	}
	return errors.Join(errs...)
}

func failedUsers(res rollup.Result) error {
	if n := len(res.Failed); n > 0 {
		return fmt.Errorf("rollup %s failed for %d of %d users", res.Date, n, res.Users)
	}
	return nil
}

// Close releases resources in reverse order of construction.
func (a *app) Close(ctx context.Context) {
	if a.pg != nil {
		a.pg.Close()
	}
	if err := a.provider.Shutdown(ctx); err != nil {
		a.logger.Warn("otel shutdown failed", "error", err)
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("store close failed", "error", err)
	}
}
