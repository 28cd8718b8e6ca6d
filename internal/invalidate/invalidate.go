// Package invalidate removes cached metrics when a user's tasks change.
package invalidate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/tally/internal/bus"
	"github.com/basket/tally/internal/cache"
	"github.com/basket/tally/internal/model"
)

// Invalidator maps mutations onto the cache keys they make wrong.
type Invalidator struct {
	cache    *cache.Manager
	location *time.Location
	logger   *slog.Logger
}

// New creates an Invalidator. Days are evaluated in loc (UTC when nil).
func New(m *cache.Manager, loc *time.Location, logger *slog.Logger) *Invalidator {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Invalidator{cache: m, location: loc, logger: logger.With("component", "invalidate")}
}

// Handle invalidates everything ev affects. It runs inline with the write so
// a read that follows the write for the same user never sees the old value.
func (iv *Invalidator) Handle(ctx context.Context, ev model.MutationEvent) error {
	if ev.UserID == "" {
		return fmt.Errorf("%w: mutation without user", model.ErrInvalidSnapshot)
	}
	at := ev.OccurredAt
	if at.IsZero() {
		at = time.Now()
	}
	var errs []error
	removed := 0
	for _, metric := range model.VolatileMetrics {
		n, err := iv.cache.InvalidatePrefix(ctx, cache.MetricPrefix(ev.UserID, string(metric)))
		removed += n
		if err != nil {
			errs = append(errs, err)
		}
	}
	n, err := iv.invalidateTrends(ctx, ev.UserID, model.StartOfDay(at, iv.location))
	removed += n
	if err != nil {
		errs = append(errs, err)
	}
	iv.logger.Debug("mutation invalidated cache",
		"user_id", ev.UserID, "event", ev.Kind, "task_id", ev.TaskID, "removed", removed)
	return errors.Join(errs...)
}

// HandleRollup invalidates the trends a newly written rollup feeds.
func (iv *Invalidator) HandleRollup(ctx context.Context, userID, date string) error {
	day, err := model.ParseDay(date, iv.location)
	if err != nil {
		return err
	}
	_, err = iv.invalidateTrends(ctx, userID, day)
	return err
}

// invalidateTrends removes trend entries whose range ends on or after day.
// Closed historical ranges stay cached. Keys without a parseable end are
// removed.
func (iv *Invalidator) invalidateTrends(ctx context.Context, userID string, day time.Time) (int, error) {
	keys, err := iv.cache.Keys(ctx, cache.MetricPrefix(userID, string(model.MetricTrend)))
	if err != nil {
		return 0, err
	}
	var open []string
	for _, k := range keys {
		pk, ok := cache.ParseKey(k)
		if !ok {
			open = append(open, k)
			continue
		}
		end, err := model.ParseDay(pk.Params["end"], iv.location)
		if err != nil || !end.Before(day) {
			open = append(open, k)
		}
	}
	if len(open) == 0 {
		return 0, nil
	}
	return iv.cache.InvalidateKeys(ctx, open)
}

// Run consumes task and rollup events from sub until ctx is done or the
// subscription closes. Failures are logged; the synchronous path in Handle
// remains authoritative.
func (iv *Invalidator) Run(ctx context.Context, sub *bus.Subscription) {
	var dropped int64
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			if n := sub.Dropped(); n > dropped {
				iv.logger.Warn("invalidation events dropped; entries expire by TTL", "dropped", n-dropped, "total", n)
				dropped = n
			}
			iv.dispatch(ctx, ev)
		}
	}
}

func (iv *Invalidator) dispatch(ctx context.Context, ev bus.Event) {
	switch p := ev.Payload.(type) {
	case model.MutationEvent:
		if err := iv.Handle(ctx, p); err != nil {
			iv.logger.Warn("async invalidation failed", "user_id", p.UserID, "error", err)
		}
	case bus.RollupWritten:
		if err := iv.HandleRollup(ctx, p.UserID, p.Date); err != nil {
			iv.logger.Warn("rollup invalidation failed", "user_id", p.UserID, "date", p.Date, "error", err)
		}
	default:
		iv.logger.Debug("ignoring event", "topic", ev.Topic)
	}
}
