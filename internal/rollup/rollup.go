// Package rollup computes and stores one DailyRollup per active user per day.
package rollup

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/basket/tally/internal/metrics"
	"github.com/basket/tally/internal/model"
	"github.com/basket/tally/internal/otel"
	"github.com/basket/tally/internal/shared"
)

// Source reads task snapshots from the record store.
type Source interface {
	ActiveUsers(ctx context.Context, from, until time.Time) ([]string, error)
	TasksForUser(ctx context.Context, userID string) ([]model.TaskSnapshot, error)
}

// Sink stores rollups.
type Sink interface {
	// WriteRollup stores r; final rows are insert-once and replace a
	// provisional row left by an earlier run while the day was open.
	WriteRollup(ctx context.Context, r model.DailyRollup, final bool) (bool, error)
}

const (
	defaultBatchSize   = 50
	defaultConcurrency = 4
	defaultItemTimeout = 30 * time.Second
)

// Config configures a Job.
type Config struct {
	Source   Source
	Sink     Sink
	Location *time.Location
	// BatchSize bounds how many users are in flight per batch.
	BatchSize int
	// Concurrency bounds parallel users within a batch.
	Concurrency int
	ItemTimeout time.Duration
	Logger      *slog.Logger
	Metrics     *otel.Metrics
	Tracer      trace.Tracer
	Now         func() time.Time
}

// Job is the daily rollup batch.
type Job struct {
	source      Source
	sink        Sink
	loc         *time.Location
	batchSize   int
	concurrency int
	itemTimeout time.Duration
	logger      *slog.Logger
	metrics     *otel.Metrics
	tracer      trace.Tracer
	now         func() time.Time
}

func New(cfg Config) *Job {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.ItemTimeout <= 0 {
		cfg.ItemTimeout = defaultItemTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Job{
		source:      cfg.Source,
		sink:        cfg.Sink,
		loc:         cfg.Location,
		batchSize:   cfg.BatchSize,
		concurrency: cfg.Concurrency,
		itemTimeout: cfg.ItemTimeout,
		logger:      cfg.Logger.With("component", "rollup"),
		metrics:     cfg.Metrics,
		tracer:      cfg.Tracer,
		now:         cfg.Now,
	}
}

// Failure records one user that could not be rolled up.
type Failure struct {
	UserID string `json:"user_id"`
	Error  string `json:"error"`
}

// Result summarises one run for one date.
type Result struct {
	Date    string    `json:"date"`
	RunID   string    `json:"run_id"`
	Users   int       `json:"users"`
	Written int       `json:"written"`
	Kept    int       `json:"kept"`
	Failed  []Failure `json:"failed,omitempty"`
}

// FailedUsers lists the users to hand to Replay.
func (r Result) FailedUsers() []string {
	out := make([]string, len(r.Failed))
	for i, f := range r.Failed {
		out[i] = f.UserID
	}
	return out
}

// TargetDate is the day a scheduled run covers: yesterday in the job's zone.
func (j *Job) TargetDate(now time.Time) time.Time {
	return model.StartOfDay(now, j.loc).AddDate(0, 0, -1)
}

// Today is midnight of the current day in the job's zone.
func (j *Job) Today() time.Time {
	return model.StartOfDay(j.now(), j.loc)
}

// Run rolls up every user active on date. It returns an error only when the
// set of users cannot be read; per-user failures land in Result.Failed.
func (j *Job) Run(ctx context.Context, date time.Time) (Result, error) {
	day := model.StartOfDay(date, j.loc)
	from, until := model.DateRange{Start: day, End: day}.Bounds()
	users, err := j.source.ActiveUsers(ctx, from, until)
	if err != nil {
		return Result{Date: day.Format(model.DayLayout)}, fmt.Errorf("list active users for %s: %w", day.Format(model.DayLayout), err)
	}
	return j.process(ctx, day, users)
}

// Replay rolls up date for the given users only.
func (j *Job) Replay(ctx context.Context, date time.Time, users []string) (Result, error) {
	return j.process(ctx, model.StartOfDay(date, j.loc), users)
}

// RunRange backfills every day of r in order. A day whose user listing
// fails stops the backfill.
func (j *Job) RunRange(ctx context.Context, r model.DateRange) ([]Result, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	if r.Days() > model.MaxExportDays {
		return nil, fmt.Errorf("%w: backfill of %d days exceeds %d", model.ErrInvalidPeriod, r.Days(), model.MaxExportDays)
	}
	var results []Result
	for d := r.Start; !d.After(r.End); d = d.AddDate(0, 0, 1) {
		res, err := j.Run(ctx, d)
		results = append(results, res)
		if err != nil {
			return results, err
		}
	}
	return results, nil
}

func (j *Job) process(ctx context.Context, day time.Time, users []string) (Result, error) {
	date := day.Format(model.DayLayout)
	res := Result{Date: date, RunID: shared.RunID(ctx), Users: len(users)}
	if res.RunID == "" {
		res.RunID = shared.NewRunID()
		ctx = shared.WithRunID(ctx, res.RunID)
	}
	ctx, span := otel.StartSpan(ctx, j.tracer, "rollup.run", otel.AttrDate.String(date), otel.AttrRunID.String(res.RunID))
	defer span.End()

	// Rows for an open day are provisional. The first run after the day
	// closes finalises the row; later runs keep it.
	final := day.Before(j.Today())
	start := time.Now()

	var mu sync.Mutex
	for lo := 0; lo < len(users); lo += j.batchSize {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		hi := min(lo+j.batchSize, len(users))
		g := new(errgroup.Group)
		g.SetLimit(j.concurrency)
		for _, userID := range users[lo:hi] {
			g.Go(func() error {
				written, err := j.rollupUser(ctx, userID, day, final)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err != nil:
					res.Failed = append(res.Failed, Failure{UserID: userID, Error: err.Error()})
					j.logger.WarnContext(ctx, "rollup failed for user", "date", date, "user_id", userID, "error", err)
				case written:
					res.Written++
				default:
					res.Kept++
				}
				return nil
			})
		}
		_ = g.Wait()
	}

	j.metrics.RecordJob(ctx, "rollup", time.Since(start), res.Written+res.Kept, len(res.Failed))
	if len(res.Failed) > 0 {
		span.SetStatus(codes.Error, fmt.Sprintf("%d users failed", len(res.Failed)))
	}
	j.logger.InfoContext(ctx, "rollup complete",
		"date", date, "users", res.Users,
		"written", res.Written, "kept", res.Kept, "failed", len(res.Failed),
		"final", final, "duration_ms", time.Since(start).Milliseconds())
	return res, nil
}

func (j *Job) rollupUser(ctx context.Context, userID string, day time.Time, final bool) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, j.itemTimeout)
	defer cancel()

	tasks, err := j.source.TasksForUser(ctx, userID)
	if err != nil {
		return false, err
	}
	r, err := metrics.DailyRollup(userID, tasks, day)
	if err != nil {
		return false, err
	}
	return j.sink.WriteRollup(ctx, r, final)
}
