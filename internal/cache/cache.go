// Package cache is the read-through cache in front of metric computation.
// A Manager wraps a Backend with TTL classes, single-flight recomputation
// and per-user invalidation epochs.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/basket/tally/internal/model"
	"github.com/basket/tally/internal/otel"
)

// Status describes how a read was served.
type Status string

const (
	StatusHit      Status = "hit"
	StatusMiss     Status = "miss"
	StatusStale    Status = "stale"
	StatusDegraded Status = "degraded"
)

// Entry is one cached value. Payload is the JSON encoding of the metric
// result and is always written whole.
type Entry struct {
	Key        string
	Payload    []byte
	ComputedAt time.Time
	TTL        time.Duration
}

// ExpiresAt is the instant the entry stops being served.
func (e Entry) ExpiresAt() time.Time { return e.ComputedAt.Add(e.TTL) }

// Fresh reports whether e may still be served at now.
func (e Entry) Fresh(now time.Time) bool { return now.Before(e.ExpiresAt()) }

// Backend stores entries. Implementations return expired entries as-is;
// freshness is decided by the Manager.
type Backend interface {
	Get(ctx context.Context, key string) (Entry, bool, error)
	Set(ctx context.Context, e Entry) error
	Delete(ctx context.Context, key string) error
	DeletePrefix(ctx context.Context, prefix string) (int, error)
	Keys(ctx context.Context, prefix string) ([]string, error)
	// Purge removes entries that are no longer fresh at now.
	Purge(ctx context.Context, now time.Time) (int, error)
}

// Class groups metrics that share a TTL.
type Class string

const (
	ClassOverview     Class = "overview"
	ClassDistribution Class = "distribution"
	ClassCompletion   Class = "completion_rate"
	ClassAdherence    Class = "adherence"
	ClassVelocity     Class = "velocity"
	ClassProductivity Class = "productivity"
	ClassTrend        Class = "trend"
)

// TTLPolicy maps a class to its TTL.
type TTLPolicy map[Class]time.Duration

const fallbackTTL = 5 * time.Minute

// DefaultTTLs returns the built-in TTL per class.
func DefaultTTLs() TTLPolicy {
	return TTLPolicy{
		ClassOverview:     5 * time.Minute,
		ClassDistribution: 5 * time.Minute,
		ClassCompletion:   5 * time.Minute,
		ClassAdherence:    10 * time.Minute,
		ClassVelocity:     10 * time.Minute,
		ClassProductivity: 10 * time.Minute,
		ClassTrend:        15 * time.Minute,
	}
}

// TTL returns the TTL for c, falling back to five minutes.
func (p TTLPolicy) TTL(c Class) time.Duration {
	if d, ok := p[c]; ok && d > 0 {
		return d
	}
	return fallbackTTL
}

// Config configures a Manager.
type Config struct {
	Backend Backend
	TTLs    TTLPolicy
	// WaitTimeout bounds how long a caller waits on another caller's
	// computation before computing directly.
	WaitTimeout time.Duration
	// OpTimeout bounds each backend call.
	OpTimeout time.Duration
	// ComputeTimeout bounds a shared computation, which runs detached from
	// any single caller's cancellation.
	ComputeTimeout time.Duration
	Logger         *slog.Logger
	Metrics        *otel.Metrics
	Now            func() time.Time
}

const (
	defaultWaitTimeout    = 5 * time.Second
	defaultOpTimeout      = 500 * time.Millisecond
	defaultComputeTimeout = 30 * time.Second
)

// Manager is safe for concurrent use.
type Manager struct {
	backend        Backend
	ttls           atomic.Pointer[TTLPolicy]
	waitTimeout    time.Duration
	opTimeout      time.Duration
	computeTimeout time.Duration
	logger         *slog.Logger
	metrics        *otel.Metrics
	now            func() time.Time

	group singleflight.Group

	// Epochs are drawn from seq so a value never repeats, even after
	// epochs is cleared.
	mu          sync.Mutex
	seq         uint64
	epochs      map[string]uint64
	globalEpoch uint64
}

// New creates a Manager. A nil Backend gets an in-process MemoryBackend.
func New(cfg Config) *Manager {
	if cfg.Backend == nil {
		cfg.Backend = NewMemoryBackend()
	}
	if cfg.TTLs == nil {
		cfg.TTLs = DefaultTTLs()
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = defaultWaitTimeout
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = defaultOpTimeout
	}
	if cfg.ComputeTimeout <= 0 {
		cfg.ComputeTimeout = defaultComputeTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	m := &Manager{
		backend:        cfg.Backend,
		waitTimeout:    cfg.WaitTimeout,
		opTimeout:      cfg.OpTimeout,
		computeTimeout: cfg.ComputeTimeout,
		logger:         cfg.Logger.With("component", "cache"),
		metrics:        cfg.Metrics,
		now:            cfg.Now,
		epochs:         make(map[string]uint64),
	}
	m.SetTTLs(cfg.TTLs)
	return m
}

// SetTTLs replaces the TTL policy. Entries already stored keep their TTL.
func (m *Manager) SetTTLs(p TTLPolicy) {
	cp := make(TTLPolicy, len(p))
	for k, v := range p {
		cp[k] = v
	}
	m.ttls.Store(&cp)
}

// TTL returns the current TTL for c.
func (m *Manager) TTL(c Class) time.Duration {
	return (*m.ttls.Load()).TTL(c)
}

// Backend exposes the underlying store for housekeeping.
func (m *Manager) Backend() Backend { return m.backend }

// Get looks key up. A backend failure is returned wrapped in
// model.ErrCacheUnavailable with StatusMiss.
func (m *Manager) Get(ctx context.Context, key string) (Entry, Status, error) {
	opCtx, cancel := context.WithTimeout(ctx, m.opTimeout)
	defer cancel()
	e, ok, err := m.backend.Get(opCtx, key)
	if err != nil {
		return Entry{}, StatusMiss, fmt.Errorf("%w: get %s: %v", model.ErrCacheUnavailable, key, err)
	}
	if !ok {
		return Entry{}, StatusMiss, nil
	}
	if !e.Fresh(m.now()) {
		return e, StatusStale, nil
	}
	return e, StatusHit, nil
}

// Put stores payload under key with ttl.
func (m *Manager) Put(ctx context.Context, key string, payload []byte, ttl time.Duration) error {
	opCtx, cancel := context.WithTimeout(ctx, m.opTimeout)
	defer cancel()
	e := Entry{Key: key, Payload: payload, ComputedAt: m.now(), TTL: ttl}
	if err := m.backend.Set(opCtx, e); err != nil {
		return fmt.Errorf("%w: set %s: %v", model.ErrCacheUnavailable, key, err)
	}
	return nil
}

// Invalidate removes key and fences off computations already in flight for
// the key's user.
func (m *Manager) Invalidate(ctx context.Context, key string) error {
	m.bump(userScope(key))
	opCtx, cancel := context.WithTimeout(ctx, m.opTimeout)
	defer cancel()
	if err := m.backend.Delete(opCtx, key); err != nil {
		return fmt.Errorf("%w: delete %s: %v", model.ErrCacheUnavailable, key, err)
	}
	m.metrics.RecordInvalidations(ctx, "key", 1)
	return nil
}

// InvalidatePrefix removes every key starting with prefix and returns how
// many were removed.
func (m *Manager) InvalidatePrefix(ctx context.Context, prefix string) (int, error) {
	m.bump(userScope(prefix))
	opCtx, cancel := context.WithTimeout(ctx, m.opTimeout)
	defer cancel()
	n, err := m.backend.DeletePrefix(opCtx, prefix)
	if err != nil {
		return n, fmt.Errorf("%w: delete prefix %s: %v", model.ErrCacheUnavailable, prefix, err)
	}
	m.metrics.RecordInvalidations(ctx, "prefix", n)
	return n, nil
}

// InvalidateKeys removes each key in keys, bumping each user's epoch once.
func (m *Manager) InvalidateKeys(ctx context.Context, keys []string) (int, error) {
	seen := map[string]bool{}
	for _, k := range keys {
		if s := userScope(k); !seen[s] {
			seen[s] = true
			m.bump(s)
		}
	}
	var errs []error
	n := 0
	for _, k := range keys {
		opCtx, cancel := context.WithTimeout(ctx, m.opTimeout)
		err := m.backend.Delete(opCtx, k)
		cancel()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		n++
	}
	m.metrics.RecordInvalidations(ctx, "keys", n)
	if len(errs) > 0 {
		return n, fmt.Errorf("%w: delete keys: %v", model.ErrCacheUnavailable, errors.Join(errs...))
	}
	return n, nil
}

// Keys lists stored keys under prefix.
func (m *Manager) Keys(ctx context.Context, prefix string) ([]string, error) {
	opCtx, cancel := context.WithTimeout(ctx, m.opTimeout)
	defer cancel()
	keys, err := m.backend.Keys(opCtx, prefix)
	if err != nil {
		return nil, fmt.Errorf("%w: keys %s: %v", model.ErrCacheUnavailable, prefix, err)
	}
	return keys, nil
}

// Purge drops expired entries from the backend and resets the per-user
// epoch table. Results still in flight are discarded rather than stored.
func (m *Manager) Purge(ctx context.Context) (int, error) {
	m.bump("")
	m.mu.Lock()
	clear(m.epochs)
	m.mu.Unlock()

	n, err := m.backend.Purge(ctx, m.now())
	if err != nil {
		return n, fmt.Errorf("%w: purge: %v", model.ErrCacheUnavailable, err)
	}
	return n, nil
}

// bump advances the epoch for scope. An empty scope spans all users.
func (m *Manager) bump(scope string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	if scope == "" {
		m.globalEpoch = m.seq
		return
	}
	m.epochs[scope] = m.seq
}

func (m *Manager) epoch(key string) uint64 {
	scope := userScope(key)
	m.mu.Lock()
	defer m.mu.Unlock()
	return max(m.globalEpoch, m.epochs[scope])
}

// TrackedUsers reports how many users have an epoch entry.
func (m *Manager) TrackedUsers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.epochs)
}

// ComputeFunc produces the encoded payload for a key.
type ComputeFunc func(ctx context.Context) ([]byte, error)

// Load returns the payload for key, computing it on a miss. Concurrent
// callers for the same key share one computation. Errors from compute are
// returned to every waiter and never stored.
func (m *Manager) Load(ctx context.Context, key string, class Class, compute ComputeFunc) ([]byte, Status, error) {
	return m.load(ctx, key, class, compute, false)
}

// Refresh recomputes key and stores the result even when a fresh entry
// exists. It still joins a computation already in flight.
func (m *Manager) Refresh(ctx context.Context, key string, class Class, compute ComputeFunc) ([]byte, Status, error) {
	return m.load(ctx, key, class, compute, true)
}

type flightResult struct {
	payload  []byte
	uncached bool
}

func (m *Manager) load(ctx context.Context, key string, class Class, compute ComputeFunc, force bool) ([]byte, Status, error) {
	if !force {
		e, status, err := m.Get(ctx, key)
		if err != nil {
			return m.degraded(ctx, key, class, compute, err)
		}
		if status == StatusHit {
			m.metrics.RecordLookup(ctx, string(class), string(StatusHit))
			return e.Payload, StatusHit, nil
		}
	}

	epoch := m.epoch(key)
	flightKey := key + "#" + strconv.FormatUint(epoch, 10)

	ch := m.group.DoChan(flightKey, func() (any, error) {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.computeTimeout)
		defer cancel()

		if !force {
			// A previous flight may have stored the value after our lookup.
			if e, status, err := m.Get(cctx, key); err == nil && status == StatusHit {
				return flightResult{payload: e.Payload}, nil
			}
		}

		start := time.Now()
		payload, err := compute(cctx)
		m.metrics.RecordCompute(cctx, string(class), time.Since(start))
		if err != nil {
			return nil, err
		}
		if m.epoch(key) != epoch {
			m.logger.Debug("discarding result computed before invalidation", "key", key)
			return flightResult{payload: payload}, nil
		}
		if err := m.Put(cctx, key, payload, m.TTL(class)); err != nil {
			m.logger.Warn("cache store failed; result served uncached", "key", key, "error", err)
			return flightResult{payload: payload, uncached: true}, nil
		}
		// An invalidation may have deleted the key while Put was in progress.
		if m.epoch(key) != epoch {
			m.logger.Debug("withdrawing result stored across an invalidation", "key", key)
			opCtx, cancel := context.WithTimeout(cctx, m.opTimeout)
			err := m.backend.Delete(opCtx, key)
			cancel()
			if err != nil {
				m.logger.Warn("withdrawing stale entry failed", "key", key, "error", err)
			}
		}
		return flightResult{payload: payload}, nil
	})

	timer := time.NewTimer(m.waitTimeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, StatusMiss, res.Err
		}
		fr := res.Val.(flightResult)
		status := StatusMiss
		if fr.uncached {
			status = StatusDegraded
		}
		m.metrics.RecordLookup(ctx, string(class), string(status))
		return fr.payload, status, nil
	case <-timer.C:
		m.logger.Warn("single-flight wait timed out; computing directly",
			"key", key, "wait_timeout", m.waitTimeout.String())
		return m.direct(ctx, class, compute)
	case <-ctx.Done():
		return nil, StatusMiss, ctx.Err()
	}
}

func (m *Manager) degraded(ctx context.Context, key string, class Class, compute ComputeFunc, cause error) ([]byte, Status, error) {
	m.logger.Warn("cache backend unavailable; computing directly", "key", key, "error", cause)
	return m.direct(ctx, class, compute)
}

func (m *Manager) direct(ctx context.Context, class Class, compute ComputeFunc) ([]byte, Status, error) {
	m.metrics.RecordLookup(ctx, string(class), string(StatusDegraded))
	start := time.Now()
	payload, err := compute(ctx)
	m.metrics.RecordCompute(ctx, string(class), time.Since(start))
	if err != nil {
		return nil, StatusDegraded, err
	}
	return payload, StatusDegraded, nil
}

// Fetch is the typed form of Manager.Load. Values round-trip through JSON,
// so every caller receives its own copy.
func Fetch[T any](ctx context.Context, m *Manager, key string, class Class, compute func(context.Context) (T, error)) (T, Status, error) {
	payload, status, err := m.Load(ctx, key, class, encoder(compute))
	return decode[T](key, payload, status, err)
}

// Warm is the typed form of Manager.Refresh.
func Warm[T any](ctx context.Context, m *Manager, key string, class Class, compute func(context.Context) (T, error)) (T, Status, error) {
	payload, status, err := m.Refresh(ctx, key, class, encoder(compute))
	return decode[T](key, payload, status, err)
}

func encoder[T any](compute func(context.Context) (T, error)) ComputeFunc {
	return func(ctx context.Context) ([]byte, error) {
		v, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(v)
	}
}

func decode[T any](key string, payload []byte, status Status, err error) (T, Status, error) {
	var out T
	if err != nil {
		return out, status, err
	}
	if err := json.Unmarshal(payload, &out); err != nil {
		return out, status, fmt.Errorf("decode cached %s: %w", key, err)
	}
	return out, status, nil
}
