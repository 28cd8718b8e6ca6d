// Package snapshot maintains the double-buffered per-user aggregate
// generation read by overview queries.
package snapshot

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/basket/tally/internal/bus"
	"github.com/basket/tally/internal/metrics"
	"github.com/basket/tally/internal/model"
	"github.com/basket/tally/internal/otel"
)

// Source lists users and reads their tasks.
type Source interface {
	Users(ctx context.Context) ([]string, error)
	TasksForUser(ctx context.Context, userID string) ([]model.TaskSnapshot, error)
}

// Publisher persists a generation so a restart can serve it immediately.
type Publisher interface {
	SaveGeneration(ctx context.Context, gen *model.Generation) error
	LoadLatestGeneration(ctx context.Context) (*model.Generation, error)
}

type Config struct {
	Source      Source
	Publisher   Publisher // optional
	Bus         *bus.Bus  // optional
	Concurrency int
	ItemTimeout time.Duration
	Logger      *slog.Logger
	Metrics     *otel.Metrics
	Tracer      trace.Tracer
}

// Refresher builds generations off to the side and swaps them in whole.
// Readers never block and never see a partially built generation.
type Refresher struct {
	source      Source
	publisher   Publisher
	bus         *bus.Bus
	concurrency int
	itemTimeout time.Duration
	logger      *slog.Logger
	metrics     *otel.Metrics
	tracer      trace.Tracer

	current atomic.Pointer[model.Generation]
	// refreshMu serialises builders; readers never take it.
	refreshMu sync.Mutex
}

func New(cfg Config) *Refresher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.ItemTimeout <= 0 {
		cfg.ItemTimeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Refresher{
		source:      cfg.Source,
		publisher:   cfg.Publisher,
		bus:         cfg.Bus,
		concurrency: cfg.Concurrency,
		itemTimeout: cfg.ItemTimeout,
		logger:      cfg.Logger.With("component", "snapshot"),
		metrics:     cfg.Metrics,
		tracer:      cfg.Tracer,
	}
}

// Current returns the published generation, or nil before the first one.
func (r *Refresher) Current() *model.Generation {
	return r.current.Load()
}

// Get returns userID's aggregate from the published generation.
func (r *Refresher) Get(userID string) (model.AggregateSnapshot, bool) {
	return r.current.Load().Lookup(userID)
}

// Restore installs the latest persisted generation when nothing has been
// published yet in this process.
func (r *Refresher) Restore(ctx context.Context) (bool, error) {
	if r.publisher == nil {
		return false, nil
	}
	gen, err := r.publisher.LoadLatestGeneration(ctx)
	if err != nil {
		return false, fmt.Errorf("restore snapshot generation: %w", err)
	}
	if gen == nil {
		return false, nil
	}
	swapped := r.current.CompareAndSwap(nil, gen)
	if swapped {
		r.logger.Info("restored snapshot generation", "generation", gen.ID, "users", len(gen.Users))
		r.metrics.RecordGeneration(ctx, gen.ID)
	}
	return swapped, nil
}

// Refresh builds the next generation and publishes it. A user whose
// aggregate cannot be computed keeps the entry from the previous
// generation. Listing users failing aborts the refresh and leaves the
// current generation in place.
func (r *Refresher) Refresh(ctx context.Context, now time.Time) (*model.Generation, error) {
	r.refreshMu.Lock()
	defer r.refreshMu.Unlock()

	prev := r.current.Load()
	var nextID uint64 = 1
	if prev != nil {
		nextID = prev.ID + 1
	}
	ctx, span := otel.StartSpan(ctx, r.tracer, "snapshot.refresh", otel.AttrGeneration.Int64(int64(nextID)))
	defer span.End()
	start := time.Now()

	users, err := r.source.Users(ctx)
	if err != nil {
		return nil, fmt.Errorf("list users for snapshot: %w", err)
	}

	next := &model.Generation{ID: nextID, BuiltAt: now, Users: make(map[string]model.AggregateSnapshot, len(users))}
	var (
		mu     sync.Mutex
		failed int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for _, userID := range users {
		g.Go(func() error {
			snap, err := r.build(gctx, userID, nextID, now)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed++
				if old, ok := prev.Lookup(userID); ok {
					next.Users[userID] = old
				}
				r.logger.WarnContext(gctx, "snapshot build failed; carrying previous entry", "user_id", userID, "error", err)
				return nil
			}
			next.Users[userID] = snap
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if r.publisher != nil {
		if err := r.publisher.SaveGeneration(ctx, next); err != nil {
			// The in-memory swap still happens; the next refresh persists again.
			r.logger.Warn("persist snapshot generation failed", "generation", next.ID, "error", err)
		}
	}
	r.current.Store(next)

	r.metrics.RecordGeneration(ctx, next.ID)
	r.metrics.RecordJob(ctx, "snapshot", time.Since(start), len(users)-failed, failed)
	r.bus.Publish(bus.TopicSnapshotPublished, bus.SnapshotPublished{Generation: next.ID, Users: len(next.Users)})
	r.logger.InfoContext(ctx, "snapshot generation published",
		"generation", next.ID, "users", len(next.Users), "failed", failed,
		"duration_ms", time.Since(start).Milliseconds())
	return next, nil
}

func (r *Refresher) build(ctx context.Context, userID string, gen uint64, now time.Time) (model.AggregateSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, r.itemTimeout)
	defer cancel()
	tasks, err := r.source.TasksForUser(ctx, userID)
	if err != nil {
		return model.AggregateSnapshot{}, err
	}
	return Aggregate(userID, tasks, gen, now)
}

// Aggregate computes one user's snapshot at now.
func Aggregate(userID string, tasks []model.TaskSnapshot, gen uint64, now time.Time) (model.AggregateSnapshot, error) {
	if err := metrics.Validate(tasks); err != nil {
		return model.AggregateSnapshot{}, err
	}
	status := metrics.StatusDistribution(tasks)
	snap := model.AggregateSnapshot{
		UserID:            userID,
		Generation:        gen,
		ComputedAt:        now,
		Status:            status,
		Priority:          metrics.PriorityDistribution(tasks),
		CompletionRate:    metrics.Round1(metrics.CompletionRate(status.Done, status.Total)),
		AvgCompletionDays: metrics.Round1(metrics.AverageCompletionTime(tasks)),
	}
	for _, t := range tasks {
		if t.Deleted {
			snap.Totals.Deleted++
			continue
		}
		snap.Totals.Created++
		if t.CompletedAt != nil {
			snap.Totals.Completed++
		} else if t.DueAt != nil && t.DueAt.Before(now) {
			snap.Totals.Overdue++
		}
	}
	return snap, nil
}
