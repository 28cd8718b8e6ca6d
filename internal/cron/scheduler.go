// Package cron runs tally's background jobs (rollups, snapshot refresh,
// cache warming, retention) on cron schedules over a small worker pool.
package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/tally/internal/shared"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom,
// month, dow) and descriptors such as @daily or @every 5m.
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

var (
	ErrUnknownJob = errors.New("unknown job")
	ErrJobRunning = errors.New("job already running")
)

// Job is one named unit of scheduled work.
type Job struct {
	Name string
	Spec string
	Run  func(ctx context.Context, now time.Time) error
}

// StateStore persists each job's last run so a restart can catch up on a
// missed slot. persistence.Store satisfies it.
type StateStore interface {
	KVGet(ctx context.Context, key string) (string, error)
	KVSet(ctx context.Context, key, val string) error
}

// Config holds the dependencies for the cron scheduler.
type Config struct {
	Logger   *slog.Logger
	Interval time.Duration // tick interval; defaults to 1 minute if zero
	Workers  int           // concurrent jobs; defaults to 2
	State    StateStore    // optional
	Now      func() time.Time
}

type entry struct {
	job   Job
	sched cronlib.Schedule
	next  time.Time // owned by the loop goroutine once started

	running atomic.Bool

	mu       sync.Mutex
	lastRun  time.Time
	lastErr  string
	lastTook time.Duration
}

// Scheduler ticks at a fixed interval and hands due jobs to a fixed pool
// of workers. A job never overlaps itself: a slot that comes due while the
// previous run is still going is skipped.
type Scheduler struct {
	logger   *slog.Logger
	interval time.Duration
	workers  int
	state    StateStore
	now      func() time.Time

	mu      sync.Mutex
	jobs    map[string]*entry
	order   []string
	started bool

	queue  chan *entry
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a new Scheduler with the given config.
func NewScheduler(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 2
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		logger:   logger.With("component", "cron"),
		interval: interval,
		workers:  workers,
		state:    cfg.State,
		now:      now,
		jobs:     make(map[string]*entry),
	}
}

// Register adds a job. It must be called before Start.
func (s *Scheduler) Register(job Job) error {
	if job.Name == "" || job.Run == nil {
		return errors.New("cron: job needs a name and a run function")
	}
	sched, err := cronParser.Parse(job.Spec)
	if err != nil {
		return fmt.Errorf("cron: job %s: parse %q: %w", job.Name, job.Spec, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("cron: register %s after start", job.Name)
	}
	if _, dup := s.jobs[job.Name]; dup {
		return fmt.Errorf("cron: job %s registered twice", job.Name)
	}
	s.jobs[job.Name] = &entry{job: job, sched: sched}
	s.order = append(s.order, job.Name)
	return nil
}

// Start begins the scheduler loop and worker pool. It runs in background
// goroutines and respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.started = true
	entries := s.entries()
	s.mu.Unlock()

	ctx, s.cancel = context.WithCancel(ctx)
	s.queue = make(chan *entry, len(entries))

	now := s.now()
	for _, e := range entries {
		e.next = e.sched.Next(now)
		if last, ok := s.loadLastRun(ctx, e.job.Name); ok {
			e.mu.Lock()
			e.lastRun = last
			e.mu.Unlock()
			// A slot was missed while the process was down: run it now.
			if missed := e.sched.Next(last); !missed.After(now) {
				e.next = now
			}
		}
	}

	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}
	s.wg.Add(1)
	go s.loop(ctx, entries)
	s.logger.Info("cron scheduler started", "interval", s.interval, "workers", s.workers, "jobs", len(entries))
}

// Stop cancels the scheduler loop, waits for running jobs to return and
// for the loop to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("cron scheduler stopped")
}

func (s *Scheduler) entries() []*entry {
	out := make([]*entry, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.jobs[name])
	}
	return out
}

// loop is the main scheduler loop. It ticks at the configured interval and
// dispatches every job whose next slot has passed.
func (s *Scheduler) loop(ctx context.Context, entries []*entry) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Check immediately on startup, then on each tick.
	s.tick(ctx, entries)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, entries)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, entries []*entry) {
	now := s.now()
	for _, e := range entries {
		if now.Before(e.next) {
			continue
		}
		e.next = e.sched.Next(now)
		s.dispatch(ctx, e)
	}
}

func (s *Scheduler) dispatch(ctx context.Context, e *entry) {
	if !e.running.CompareAndSwap(false, true) {
		s.logger.Warn("cron: previous run still active; skipping slot", "job", e.job.Name, "next_run_at", e.next)
		return
	}
	select {
	case s.queue <- e:
	case <-ctx.Done():
		e.running.Store(false)
	}
}

func (s *Scheduler) worker(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-s.queue:
			_ = s.execute(ctx, e, "schedule")
		}
	}
}

// RunNow runs name synchronously on the caller's goroutine. It fails with
// ErrJobRunning rather than overlap a run already in progress.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	e, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	if !e.running.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: %s", ErrJobRunning, name)
	}
	return s.execute(ctx, e, "manual")
}

// execute runs e and clears its running flag. The caller must have set it.
func (s *Scheduler) execute(ctx context.Context, e *entry, trigger string) (err error) {
	defer e.running.Store(false)

	runID := shared.NewRunID()
	ctx = shared.WithRunID(shared.WithJob(ctx, e.job.Name), runID)
	now := s.now()
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cron: job %s panicked: %v", e.job.Name, r)
		}
		took := time.Since(start)
		e.mu.Lock()
		e.lastRun, e.lastTook, e.lastErr = now, took, ""
		if err != nil {
			e.lastErr = err.Error()
		}
		e.mu.Unlock()
		s.saveLastRun(ctx, e.job.Name, now)

		if err != nil {
			s.logger.Error("cron: job failed",
				"job", e.job.Name, "run_id", runID, "trigger", trigger,
				"duration_ms", took.Milliseconds(), "error", err)
			return
		}
		s.logger.Info("cron: job finished",
			"job", e.job.Name, "run_id", runID, "trigger", trigger,
			"duration_ms", took.Milliseconds())
	}()

	return e.job.Run(ctx, now)
}

func lastRunKey(name string) string { return "cron.last_run." + name }

func (s *Scheduler) loadLastRun(ctx context.Context, name string) (time.Time, bool) {
	if s.state == nil {
		return time.Time{}, false
	}
	raw, err := s.state.KVGet(ctx, lastRunKey(name))
	if err != nil || raw == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		s.logger.Warn("cron: ignoring unreadable last run", "job", name, "value", raw)
		return time.Time{}, false
	}
	return t, true
}

func (s *Scheduler) saveLastRun(ctx context.Context, name string, at time.Time) {
	if s.state == nil {
		return
	}
	if err := s.state.KVSet(context.WithoutCancel(ctx), lastRunKey(name), at.UTC().Format(time.RFC3339Nano)); err != nil {
		s.logger.Warn("cron: persist last run failed", "job", name, "error", err)
	}
}

// JobStatus is a point-in-time view of one registered job.
type JobStatus struct {
	Name       string    `json:"name"`
	Spec       string    `json:"spec"`
	Running    bool      `json:"running"`
	LastRun    time.Time `json:"last_run,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
	DurationMS int64     `json:"duration_ms,omitempty"`
}

// Status lists registered jobs sorted by name.
func (s *Scheduler) Status() []JobStatus {
	s.mu.Lock()
	entries := s.entries()
	s.mu.Unlock()

	out := make([]JobStatus, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, JobStatus{
			Name:       e.job.Name,
			Spec:       e.job.Spec,
			Running:    e.running.Load(),
			LastRun:    e.lastRun,
			LastError:  e.lastErr,
			DurationMS: e.lastTook.Milliseconds(),
		})
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
