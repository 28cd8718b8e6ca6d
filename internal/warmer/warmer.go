// Package warmer refreshes cached metrics for recently active users ahead
// of their next request.
package warmer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/basket/tally/internal/otel"
	"github.com/basket/tally/internal/shared"
)

// Source lists users with task activity in [from, until).
type Source interface {
	ActiveUsers(ctx context.Context, from, until time.Time) ([]string, error)
}

// Target stores fresh entries for one user. It must only write.
type Target interface {
	Warm(ctx context.Context, userID string) error
}

type Config struct {
	Source       Source
	Target       Target
	ActiveWindow time.Duration
	Concurrency  int
	UserTimeout  time.Duration
	Logger       *slog.Logger
	Metrics      *otel.Metrics
	Tracer       trace.Tracer
}

type Warmer struct {
	source      Source
	target      Target
	window      time.Duration
	concurrency int
	userTimeout time.Duration
	logger      *slog.Logger
	metrics     *otel.Metrics
	tracer      trace.Tracer
}

func New(cfg Config) *Warmer {
	if cfg.ActiveWindow <= 0 {
		cfg.ActiveWindow = 7 * 24 * time.Hour
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 10
	}
	if cfg.UserTimeout <= 0 {
		cfg.UserTimeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Warmer{
		source:      cfg.Source,
		target:      cfg.Target,
		window:      cfg.ActiveWindow,
		concurrency: cfg.Concurrency,
		userTimeout: cfg.UserTimeout,
		logger:      cfg.Logger.With("component", "warmer"),
		metrics:     cfg.Metrics,
		tracer:      cfg.Tracer,
	}
}

type Result struct {
	Users  int               `json:"users"`
	Warmed int               `json:"warmed"`
	Failed map[string]string `json:"failed,omitempty"`
}

// Run warms every user active in the window ending at now. One user
// failing does not stop the others.
func (w *Warmer) Run(ctx context.Context, now time.Time) (Result, error) {
	ctx, span := otel.StartSpan(ctx, w.tracer, "warmer.run", otel.AttrJobName.String("warmer"))
	defer span.End()
	start := time.Now()

	users, err := w.source.ActiveUsers(ctx, now.Add(-w.window), now)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return Result{}, fmt.Errorf("list active users: %w", err)
	}

	res := Result{Users: len(users)}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.concurrency)
	for _, userID := range users {
		g.Go(func() error {
			uctx, cancel := context.WithTimeout(shared.WithUserID(gctx, userID), w.userTimeout)
			defer cancel()
			err := w.target.Warm(uctx, userID)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if res.Failed == nil {
					res.Failed = make(map[string]string)
				}
				res.Failed[userID] = err.Error()
				w.logger.WarnContext(gctx, "warm user failed", "user_id", userID, "error", err)
				return nil
			}
			res.Warmed++
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return res, err
	}

	w.metrics.RecordJob(ctx, "warmer", time.Since(start), res.Warmed, len(res.Failed))
	w.logger.InfoContext(ctx, "cache warm complete",
		"users", res.Users, "warmed", res.Warmed, "failed", len(res.Failed),
		"duration_ms", time.Since(start).Milliseconds())
	return res, nil
}
