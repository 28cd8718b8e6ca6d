package persistence

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/tally/internal/model"
)

// ListenFunc matches PGSource.Listen.
type ListenFunc func(ctx context.Context, channel string, ready func(), fn func(context.Context, model.MutationEvent)) error

// FeedConfig configures NewMutationFeed.
type FeedConfig struct {
	Listen  ListenFunc
	Channel string
	Handler func(context.Context, model.MutationEvent)
	// MinBackoff and MaxBackoff bound the delay between reconnect
	// attempts. Defaults are 500ms and 30s.
	MinBackoff time.Duration
	MaxBackoff time.Duration
	Logger     *slog.Logger
}

// FeedState is a point-in-time view of a MutationFeed.
type FeedState struct {
	Connected  bool      `json:"connected"`
	Reconnects int64     `json:"reconnects"`
	LastError  string    `json:"last_error,omitempty"`
	Since      time.Time `json:"since"`
}

// MutationFeed keeps a LISTEN subscription alive, reconnecting with
// exponential backoff whenever the connection drops.
type MutationFeed struct {
	cfg        FeedConfig
	connected  atomic.Bool
	reconnects atomic.Int64

	mu      sync.Mutex
	lastErr string
	since   time.Time
}

func NewMutationFeed(cfg FeedConfig) *MutationFeed {
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = max(30*time.Second, cfg.MinBackoff)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cfg.Logger = cfg.Logger.With("component", "mutation_feed", "channel", cfg.Channel)
	return &MutationFeed{cfg: cfg, since: time.Now()}
}

// Run listens until ctx is done. A listen call that was connected resets
// the backoff; one that never got as far as LISTEN grows it.
func (f *MutationFeed) Run(ctx context.Context) {
	delay := f.cfg.MinBackoff
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			f.reconnects.Add(1)
		}
		var wasReady atomic.Bool
		err := f.cfg.Listen(ctx, f.cfg.Channel, func() {
			wasReady.Store(true)
			f.setConnected(true, "")
			if attempt > 0 {
				f.cfg.Logger.Info("mutation feed reconnected", "attempt", attempt)
			}
		}, f.cfg.Handler)
		if ctx.Err() != nil {
			f.setConnected(false, "")
			return
		}
		if err == nil {
			err = errors.New("listen returned without error")
		}
		f.setConnected(false, err.Error())
		if wasReady.Load() {
			delay = f.cfg.MinBackoff
		}
		wait := jitter(delay)
		f.cfg.Logger.Warn("mutation feed disconnected", "error", err, "retry_in", wait.String())

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
		delay = min(delay*2, f.cfg.MaxBackoff)
	}
}

// Connected reports whether the feed currently holds a LISTEN connection.
func (f *MutationFeed) Connected() bool { return f.connected.Load() }

func (f *MutationFeed) State() FeedState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return FeedState{
		Connected:  f.connected.Load(),
		Reconnects: f.reconnects.Load(),
		LastError:  f.lastErr,
		Since:      f.since,
	}
}

func (f *MutationFeed) setConnected(ok bool, errText string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connected.Swap(ok) != ok {
		f.since = time.Now()
	}
	if errText != "" {
		f.lastErr = errText
	}
}

// jitter spreads d by ±25%.
func jitter(d time.Duration) time.Duration {
	if d < 4 {
		return d
	}
	return d - d/4 + time.Duration(rand.Int64N(int64(d/2)))
}
