// Package gateway is tally's HTTP surface: health, metric reads, rollup
// exports and job status. It holds no state of its own.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/basket/tally/internal/audit"
	"github.com/basket/tally/internal/config"
	"github.com/basket/tally/internal/cron"
	"github.com/basket/tally/internal/export"
	"github.com/basket/tally/internal/model"
	"github.com/basket/tally/internal/service"
	"github.com/basket/tally/internal/shared"
)

// MetricsService answers metric queries and exports.
type MetricsService interface {
	Query(ctx context.Context, q service.Query) (service.Result, error)
	Export(ctx context.Context, userID string, r model.DateRange) ([]model.DailyRollup, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// Feed reports whether the mutation notification subscription is live.
type Feed interface {
	Connected() bool
}

// Jobs exposes the scheduler.
type Jobs interface {
	Status() []cron.JobStatus
	RunNow(ctx context.Context, name string) error
}

type Generations interface {
	Current() *model.Generation
}

type Config struct {
	Service     MetricsService
	Store       Pinger
	Source      Pinger      // optional external record store
	Feed        Feed        // optional
	Jobs        Jobs        // optional
	Generations Generations // optional
	Location    *time.Location
	RateLimit   config.RateLimitConfig

	// ConfigFingerprint is the hash of the active config, reported by /api/config.
	ConfigFingerprint func() string
	Logger            *slog.Logger
}

type Server struct {
	cfg     Config
	limiter *RateLimiter
	logger  *slog.Logger
}

func New(cfg Config) *Server {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		limiter: NewRateLimiter(cfg.RateLimit),
		logger:  cfg.Logger.With("component", "gateway"),
	}
}

// Limiter returns the per-user rate limiter so the daemon can start its
// eviction loop.
func (s *Server) Limiter() *RateLimiter { return s.limiter }

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /api/metrics", s.handleMetrics)
	mux.HandleFunc("GET /api/export", s.handleExport)
	mux.HandleFunc("GET /api/jobs", s.handleJobs)
	mux.HandleFunc("POST /api/jobs/{name}/run", s.handleRunJob)
	mux.HandleFunc("GET /api/config", s.handleConfig)
	return s.traced(s.limiter.Wrap(mux))
}

// traced stamps every request with a trace id, echoed in X-Trace-ID.
func (s *Server) traced(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get("X-Trace-ID")
		if traceID == "" {
			traceID = shared.NewTraceID()
		}
		w.Header().Set("X-Trace-ID", traceID)
		ctx := shared.WithTraceID(r.Context(), traceID)
		start := time.Now()
		next.ServeHTTP(w, r.WithContext(ctx))
		s.logger.DebugContext(ctx, "http request", "method", r.Method, "path", r.URL.Path,
			"duration_ms", time.Since(start).Milliseconds())
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	dbOK := s.cfg.Store == nil || s.cfg.Store.Ping(ctx) == nil
	payload := map[string]any{"db_ok": dbOK}
	healthy := dbOK
	if s.cfg.Source != nil {
		sourceOK := s.cfg.Source.Ping(ctx) == nil
		payload["source_ok"] = sourceOK
		healthy = healthy && sourceOK
	}
	if s.cfg.Feed != nil {
		feedOK := s.cfg.Feed.Connected()
		payload["mutation_feed_ok"] = feedOK
		healthy = healthy && feedOK
	}
	if s.cfg.Generations != nil {
		if gen := s.cfg.Generations.Current(); gen != nil {
			payload["snapshot_generation"] = gen.ID
			payload["snapshot_built_at"] = gen.BuiltAt
			payload["snapshot_users"] = len(gen.Users)
		} else {
			payload["snapshot_generation"] = 0
		}
	}
	if s.cfg.Jobs != nil {
		failing := []string{}
		for _, st := range s.cfg.Jobs.Status() {
			if st.LastError != "" {
				failing = append(failing, st.Name)
			}
		}
		payload["failing_jobs"] = failing
	}
	payload["healthy"] = healthy

	code := http.StatusOK
	if !healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

// handleMetrics serves GET /api/metrics?user=&metric=&period=&start=&end=.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	qs := r.URL.Query()
	q := service.Query{
		UserID: qs.Get("user"),
		Metric: model.Metric(qs.Get("metric")),
		Period: qs.Get("period"),
	}
	rng, err := s.rangeParam(qs.Get("start"), qs.Get("end"), false)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	q.Range = rng

	res, err := s.cfg.Service.Query(r.Context(), q)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("X-Cache", res.CacheStatus)
	writeJSON(w, http.StatusOK, res)
}

// handleExport serves GET /api/export?user=&start=&end=&format=json|csv.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	qs := r.URL.Query()
	format, err := export.ParseFormat(qs.Get("format"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	rng, err := s.rangeParam(qs.Get("start"), qs.Get("end"), true)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	user := qs.Get("user")
	rows, err := s.cfg.Service.Export(r.Context(), user, *rng)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", format.ContentType())
	if format == export.FormatCSV {
		w.Header().Set("Content-Disposition",
			fmt.Sprintf(`attachment; filename="rollups-%s-%s.csv"`, rng.Start.Format(model.DayLayout), rng.End.Format(model.DayLayout)))
	}
	if err := export.Write(w, format, rows); err != nil {
		s.logger.WarnContext(r.Context(), "export write failed", "user_id", user, "error", err)
	}
}

func (s *Server) handleJobs(w http.ResponseWriter, _ *http.Request) {
	jobs := []cron.JobStatus{}
	if s.cfg.Jobs != nil {
		jobs = s.cfg.Jobs.Status()
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

// handleRunJob triggers a job and waits for it to finish.
func (s *Server) handleRunJob(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Jobs == nil {
		writeError(w, http.StatusNotFound, "no scheduler")
		return
	}
	name := r.PathValue("name")
	start := time.Now()
	err := s.cfg.Jobs.RunNow(r.Context(), name)
	audit.Record(r.Context(), "api", "job.run", name, err)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": name, "duration_ms": time.Since(start).Milliseconds()})
}

func (s *Server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	hash := ""
	if s.cfg.ConfigFingerprint != nil {
		hash = s.cfg.ConfigFingerprint()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"config_hash": hash,
		"timezone":    s.cfg.Location.String(),
	})
}

// rangeParam parses start/end. Both or neither must be given; required
// rejects neither.
func (s *Server) rangeParam(start, end string, required bool) (*model.DateRange, error) {
	if start == "" && end == "" {
		if required {
			return nil, fmt.Errorf("%w: start and end are required", model.ErrInvalidPeriod)
		}
		return nil, nil
	}
	if start == "" || end == "" {
		return nil, fmt.Errorf("%w: start and end must be given together", model.ErrInvalidPeriod)
	}
	r, err := model.ParseDateRange(start, end, s.cfg.Location)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// fail maps err onto a status code. Server-side failures are logged.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "status", code, "error", err)
	}
	writeError(w, code, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrInvalidQuery), errors.Is(err, model.ErrInvalidPeriod):
		return http.StatusBadRequest
	case errors.Is(err, cron.ErrUnknownJob):
		return http.StatusNotFound
	case errors.Is(err, cron.ErrJobRunning):
		return http.StatusConflict
	case errors.Is(err, model.ErrDataUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
