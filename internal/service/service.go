// Package service answers metric queries for one user at a time, reading
// through the cache manager and falling back to the record store, the
// rollup table or the published snapshot generation.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/tally/internal/cache"
	"github.com/basket/tally/internal/metrics"
	"github.com/basket/tally/internal/model"
	"github.com/basket/tally/internal/otel"
	"github.com/basket/tally/internal/snapshot"
	"github.com/basket/tally/internal/trends"
)

// TaskSource reads a user's task snapshots.
type TaskSource interface {
	TasksForUser(ctx context.Context, userID string) ([]model.TaskSnapshot, error)
}

// RollupSource reads stored daily rollups.
type RollupSource interface {
	RollupsForUser(ctx context.Context, userID string, r model.DateRange) ([]model.DailyRollup, error)
}

// SnapshotReader serves the published aggregate generation.
type SnapshotReader interface {
	Get(userID string) (model.AggregateSnapshot, bool)
}

type Config struct {
	Tasks     TaskSource
	Rollups   RollupSource
	Cache     *cache.Manager
	Snapshots SnapshotReader // optional
	Location  *time.Location
	// DefaultWindowDays is the window used when a query names no range.
	DefaultWindowDays int
	Logger            *slog.Logger
	Metrics           *otel.Metrics
	Tracer            trace.Tracer
	Now               func() time.Time
}

type Service struct {
	tasks      TaskSource
	rollups    RollupSource
	cache      *cache.Manager
	snapshots  SnapshotReader
	location   *time.Location
	windowDays int
	logger     *slog.Logger
	metrics    *otel.Metrics
	tracer     trace.Tracer
	now        func() time.Time

	// touched records the last mutation seen per user; a snapshot built
	// before it is not served.
	touchedMu sync.Mutex
	touched   map[string]time.Time
}

func New(cfg Config) *Service {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.DefaultWindowDays <= 0 {
		cfg.DefaultWindowDays = 30
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Service{
		tasks:      cfg.Tasks,
		rollups:    cfg.Rollups,
		cache:      cfg.Cache,
		snapshots:  cfg.Snapshots,
		location:   cfg.Location,
		windowDays: cfg.DefaultWindowDays,
		logger:     cfg.Logger.With("component", "service"),
		metrics:    cfg.Metrics,
		tracer:     cfg.Tracer,
		now:        cfg.Now,
		touched:    make(map[string]time.Time),
	}
}

// NoteMutation marks userID as changed. Call it before the cache is
// invalidated so recomputed overviews skip the older snapshot entry.
func (s *Service) NoteMutation(ev model.MutationEvent) {
	if ev.UserID == "" {
		return
	}
	at := s.now()
	s.touchedMu.Lock()
	if at.After(s.touched[ev.UserID]) {
		s.touched[ev.UserID] = at
	}
	s.touchedMu.Unlock()
}

func (s *Service) lastTouched(userID string) time.Time {
	s.touchedMu.Lock()
	defer s.touchedMu.Unlock()
	return s.touched[userID]
}

// Query computes or serves q.
func (s *Service) Query(ctx context.Context, q Query) (Result, error) {
	start := time.Now()
	ctx, span := otel.StartServerSpan(ctx, s.tracer, "metrics.query",
		otel.AttrUserID.String(q.UserID), otel.AttrMetric.String(string(q.Metric)))
	defer span.End()

	q, r, g, err := q.normalize(s.now(), s.windowDays, s.location)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return Result{}, err
	}

	var (
		p      Payload
		status cache.Status
	)
	switch q.Metric {
	case model.MetricOverview:
		p, status, err = fetch(ctx, s, q, nil, cache.ClassOverview, s.overview)
	case model.MetricStatusDistribution:
		p, status, err = fetch(ctx, s, q, nil, cache.ClassDistribution, s.statusDistribution)
	case model.MetricPriorityDistribution:
		p, status, err = fetch(ctx, s, q, nil, cache.ClassDistribution, s.priorityDistribution)
	case model.MetricCompletionRate:
		p, status, err = fetch(ctx, s, q, rangeParams(r), cache.ClassCompletion, func(ctx context.Context, user string) (CompletionRate, error) {
			return s.completionRate(ctx, user, r)
		})
	case model.MetricAdherence:
		p, status, err = fetch(ctx, s, q, rangeParams(r), cache.ClassAdherence, func(ctx context.Context, user string) (Adherence, error) {
			return s.adherence(ctx, user, r)
		})
	case model.MetricVelocity:
		p, status, err = fetch(ctx, s, q, rangeParams(r), cache.ClassVelocity, func(ctx context.Context, user string) (Velocity, error) {
			return s.velocity(ctx, user, r)
		})
	case model.MetricProductivityScore:
		p, status, err = fetch(ctx, s, q, rangeParams(r), cache.ClassProductivity, func(ctx context.Context, user string) (Productivity, error) {
			return s.productivity(ctx, user, r)
		})
	case model.MetricTrend:
		params := rangeParams(r)
		params["granularity"] = string(g)
		p, status, err = fetch(ctx, s, q, params, cache.ClassTrend, func(ctx context.Context, user string) (Trend, error) {
			return s.trend(ctx, user, r, g)
		})
	default:
		err = fmt.Errorf("%w: unknown metric %q", model.ErrInvalidQuery, q.Metric)
	}

	if status == cache.StatusStale {
		status = cache.StatusMiss
	}
	s.metrics.RecordQuery(ctx, string(q.Metric), queryStatus(status, err), time.Since(start))
	span.SetAttributes(otel.AttrCacheStatus.String(string(status)))
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		s.logger.Warn("metric query failed", "user_id", q.UserID, "metric", q.Metric, "error", err)
		return Result{}, err
	}
	return Result{Metric: q.Metric, CacheStatus: string(status), Payload: p}, nil
}

func queryStatus(status cache.Status, err error) string {
	if err != nil {
		return "error"
	}
	return string(status)
}

// fetch reads one typed payload through the cache.
func fetch[T Payload](ctx context.Context, s *Service, q Query, params map[string]string, class cache.Class,
	compute func(context.Context, string) (T, error)) (Payload, cache.Status, error) {
	key := cache.Key(q.UserID, string(q.Metric), params)
	v, status, err := cache.Fetch(ctx, s.cache, key, class, func(ctx context.Context) (T, error) {
		return compute(ctx, q.UserID)
	})
	if err != nil {
		return nil, status, err
	}
	return v, status, nil
}

func rangeParams(r model.DateRange) map[string]string {
	return map[string]string{
		"start": r.Start.Format(model.DayLayout),
		"end":   r.End.Format(model.DayLayout),
	}
}

func (s *Service) readTasks(ctx context.Context, userID string) ([]model.TaskSnapshot, error) {
	ctx, span := otel.StartClientSpan(ctx, s.tracer, "tasks.read", otel.AttrUserID.String(userID))
	defer span.End()
	tasks, err := s.tasks.TasksForUser(ctx, userID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, model.ErrDataUnavailable) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: read tasks: %v", model.ErrDataUnavailable, err)
	}
	return tasks, nil
}

// windowTasks keeps tasks created or completed inside r.
func windowTasks(tasks []model.TaskSnapshot, r model.DateRange) []model.TaskSnapshot {
	out := make([]model.TaskSnapshot, 0, len(tasks))
	for _, t := range tasks {
		if r.Contains(t.CreatedAt) || (t.CompletedAt != nil && r.Contains(*t.CompletedAt)) {
			out = append(out, t)
		}
	}
	return out
}

func (s *Service) summarize(ctx context.Context, userID string, r model.DateRange) (metrics.Summary, error) {
	tasks, err := s.readTasks(ctx, userID)
	if err != nil {
		return metrics.Summary{}, err
	}
	return metrics.Summarize(windowTasks(tasks, r), r)
}

func (s *Service) overview(ctx context.Context, userID string) (Overview, error) {
	if s.snapshots != nil {
		if snap, ok := s.snapshots.Get(userID); ok && snap.ComputedAt.After(s.lastTouched(userID)) {
			return overviewFrom(snap, "snapshot"), nil
		}
	}
	tasks, err := s.readTasks(ctx, userID)
	if err != nil {
		return Overview{}, err
	}
	snap, err := snapshot.Aggregate(userID, tasks, 0, s.now())
	if err != nil {
		return Overview{}, err
	}
	return overviewFrom(snap, "live"), nil
}

func overviewFrom(snap model.AggregateSnapshot, source string) Overview {
	return Overview{
		UserID:            snap.UserID,
		Source:            source,
		Generation:        snap.Generation,
		Status:            snap.Status,
		Priority:          snap.Priority,
		Totals:            snap.Totals,
		CompletionRate:    snap.CompletionRate,
		AvgCompletionDays: snap.AvgCompletionDays,
	}
}

func (s *Service) statusDistribution(ctx context.Context, userID string) (Distribution, error) {
	tasks, err := s.readTasks(ctx, userID)
	if err != nil {
		return Distribution{}, err
	}
	if err := metrics.Validate(tasks); err != nil {
		return Distribution{}, err
	}
	d := metrics.StatusDistribution(tasks)
	return Distribution{
		Kind: "status",
		Counts: map[string]int{
			string(model.StatusPending):    d.Pending,
			string(model.StatusInProgress): d.InProgress,
			string(model.StatusDone):       d.Done,
		},
		Total: d.Total,
	}, nil
}

func (s *Service) priorityDistribution(ctx context.Context, userID string) (Distribution, error) {
	tasks, err := s.readTasks(ctx, userID)
	if err != nil {
		return Distribution{}, err
	}
	if err := metrics.Validate(tasks); err != nil {
		return Distribution{}, err
	}
	d := metrics.PriorityDistribution(tasks)
	return Distribution{
		Kind: "priority",
		Counts: map[string]int{
			string(model.PriorityLow):    d.Low,
			string(model.PriorityMedium): d.Medium,
			string(model.PriorityHigh):   d.High,
		},
		Total: d.Low + d.Medium + d.High,
	}, nil
}

func (s *Service) completionRate(ctx context.Context, userID string, r model.DateRange) (CompletionRate, error) {
	sum, err := s.summarize(ctx, userID, r)
	if err != nil {
		return CompletionRate{}, err
	}
	return CompletionRate{Range: r, Completed: sum.Completed, Total: sum.Total, Rate: sum.CompletionRate}, nil
}

func (s *Service) adherence(ctx context.Context, userID string, r model.DateRange) (Adherence, error) {
	sum, err := s.summarize(ctx, userID, r)
	if err != nil {
		return Adherence{}, err
	}
	return Adherence{
		Range:        r,
		OnTime:       sum.OnTime,
		WithDueDate:  sum.WithDueDate,
		Rate:         sum.AdherenceRate,
		AvgDelayDays: metrics.Round1(sum.AvgDelayDays),
	}, nil
}

func (s *Service) velocity(ctx context.Context, userID string, r model.DateRange) (Velocity, error) {
	sum, err := s.summarize(ctx, userID, r)
	if err != nil {
		return Velocity{}, err
	}
	return Velocity{
		Range:             r,
		Completed:         sum.CompletedInRange,
		Days:              r.Days(),
		TasksPerWeek:      sum.Velocity,
		AvgCompletionDays: metrics.Round1(sum.AvgCompletionDays),
	}, nil
}

func (s *Service) productivity(ctx context.Context, userID string, r model.DateRange) (Productivity, error) {
	sum, err := s.summarize(ctx, userID, r)
	if err != nil {
		return Productivity{}, err
	}
	return Productivity{
		Range:          r,
		Score:          sum.ProductivityScore,
		CompletionRate: sum.CompletionRate,
		AdherenceRate:  sum.AdherenceRate,
		Velocity:       metrics.Round1(sum.Velocity),
		Consistency:    metrics.Round1(sum.Consistency),
	}, nil
}

func (s *Service) trend(ctx context.Context, userID string, r model.DateRange, g trends.Granularity) (Trend, error) {
	rollups, err := s.readRollups(ctx, userID, r)
	if err != nil {
		return Trend{}, err
	}
	t, err := trends.Aggregate(rollups, r, g)
	if err != nil {
		return Trend{}, err
	}
	return Trend{Trend: t}, nil
}

func (s *Service) readRollups(ctx context.Context, userID string, r model.DateRange) ([]model.DailyRollup, error) {
	rollups, err := s.rollups.RollupsForUser(ctx, userID, r)
	if err != nil {
		if errors.Is(err, model.ErrDataUnavailable) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: read rollups: %v", model.ErrDataUnavailable, err)
	}
	return rollups, nil
}

// Export returns the stored rollups for userID over r, at most one year.
// Missing days are absent; exports are never cached.
func (s *Service) Export(ctx context.Context, userID string, r model.DateRange) ([]model.DailyRollup, error) {
	ctx, span := otel.StartServerSpan(ctx, s.tracer, "metrics.export", otel.AttrUserID.String(userID))
	defer span.End()

	if err := validateStruct(exportRequest{UserID: userID}); err != nil {
		return nil, err
	}
	r = model.NewDateRange(r.Start, r.End, s.location)
	if err := checkRange(r); err != nil {
		return nil, err
	}
	rows, err := s.readRollups(ctx, userID, r)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	s.logger.Debug("rollups exported", "user_id", userID, "range", r.String(), "rows", len(rows))
	return rows, nil
}

type exportRequest struct {
	UserID string `validate:"required,nonempty,max=256"`
}

// Warm recomputes and stores the user's overview, productivity score and
// daily trend over the default window. It only writes entries.
func (s *Service) Warm(ctx context.Context, userID string) error {
	r := model.LastNDays(s.now(), s.windowDays, s.location)
	_, _, errOverview := cache.Warm(ctx, s.cache, cache.Key(userID, string(model.MetricOverview), nil), cache.ClassOverview,
		func(ctx context.Context) (Overview, error) { return s.overview(ctx, userID) })
	_, _, errScore := cache.Warm(ctx, s.cache, cache.Key(userID, string(model.MetricProductivityScore), rangeParams(r)), cache.ClassProductivity,
		func(ctx context.Context) (Productivity, error) { return s.productivity(ctx, userID, r) })

	params := rangeParams(r)
	params["granularity"] = string(trends.Daily)
	_, _, errTrend := cache.Warm(ctx, s.cache, cache.Key(userID, string(model.MetricTrend), params), cache.ClassTrend,
		func(ctx context.Context) (Trend, error) { return s.trend(ctx, userID, r, trends.Daily) })
	return errors.Join(errOverview, errScore, errTrend)
}
