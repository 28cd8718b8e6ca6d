package gateway_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/tally/internal/cache"
	"github.com/basket/tally/internal/cron"
	"github.com/basket/tally/internal/gateway"
	"github.com/basket/tally/internal/model"
	"github.com/basket/tally/internal/persistence"
	"github.com/basket/tally/internal/service"
)

var now = time.Date(2026, 3, 9, 12, 0, 0, 0, time.UTC)

type fakeJobs struct {
	ran    []string
	status []cron.JobStatus
}

func (f *fakeJobs) Status() []cron.JobStatus { return f.status }

func (f *fakeJobs) RunNow(_ context.Context, name string) error {
	switch name {
	case "rollup":
		f.ran = append(f.ran, name)
		return nil
	case "snapshot":
		return fmt.Errorf("%w: %s", cron.ErrJobRunning, name)
	default:
		return fmt.Errorf("%w: %s", cron.ErrUnknownJob, name)
	}
}

type downPinger struct{}

func (downPinger) Ping(context.Context) error { return errors.New("connection refused") }

type fixedGenerations struct{ gen *model.Generation }

func (f fixedGenerations) Current() *model.Generation { return f.gen }

func newTestServer(t *testing.T) (*httptest.Server, *persistence.Store, *fakeJobs) {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "tally.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	clock := func() time.Time { return now }
	svc := service.New(service.Config{
		Tasks:   store,
		Rollups: store,
		Cache:   cache.New(cache.Config{Backend: cache.NewMemoryBackend(), Now: clock}),
		Now:     clock,
	})
	jobs := &fakeJobs{status: []cron.JobStatus{{Name: "rollup", Spec: "10 0 * * *"}}}
	srv := gateway.New(gateway.Config{
		Service:           svc,
		Store:             store,
		Jobs:              jobs,
		Generations:       fixedGenerations{gen: &model.Generation{ID: 7, BuiltAt: now, Users: map[string]model.AggregateSnapshot{}}},
		ConfigFingerprint: func() string { return "abc123" },
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, store, jobs
}

func getJSON(t *testing.T, url string, out any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp
}

func TestHealthz_ReportsGenerationAndDB(t *testing.T) {
	ts, _, _ := newTestServer(t)

	var body map[string]any
	resp := getJSON(t, ts.URL+"/healthz", &body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["healthy"] != true || body["db_ok"] != true {
		t.Fatalf("body = %v", body)
	}
	if body["snapshot_generation"] != float64(7) {
		t.Fatalf("snapshot_generation = %v", body["snapshot_generation"])
	}
	if resp.Header.Get("X-Trace-ID") == "" {
		t.Fatal("expected X-Trace-ID header")
	}
}

func TestHealthz_SourceDownIsUnavailable(t *testing.T) {
	srv := gateway.New(gateway.Config{Source: downPinger{}})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"source_ok":false`) {
		t.Fatalf("body = %s", rec.Body.String())
	}
}

type stubFeed bool

func (f stubFeed) Connected() bool { return bool(f) }

func TestHealthz_MutationFeedDownIsUnavailable(t *testing.T) {
	srv := gateway.New(gateway.Config{Feed: stubFeed(false)})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"mutation_feed_ok":false`) {
		t.Fatalf("body = %s", rec.Body.String())
	}

	srv = gateway.New(gateway.Config{Feed: stubFeed(true)})
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"mutation_feed_ok":true`) {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
}

func TestMetrics_MissThenHit(t *testing.T) {
	ts, store, _ := newTestServer(t)
	if _, err := store.SaveTask(context.Background(), model.TaskSnapshot{
		ID: "t1", UserID: "alice", Status: model.StatusPending, CreatedAt: now.Add(-time.Hour),
	}); err != nil {
		t.Fatalf("SaveTask: %v", err)
	}

	url := ts.URL + "/api/metrics?user=alice&metric=status_distribution"
	var first struct {
		Metric      string `json:"metric"`
		CacheStatus string `json:"cache_status"`
		Payload     struct {
			Counts map[string]int `json:"counts"`
			Total  int            `json:"total"`
		} `json:"payload"`
	}
	resp := getJSON(t, url, &first)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if first.CacheStatus != "miss" || first.Payload.Total != 1 || first.Payload.Counts["pending"] != 1 {
		t.Fatalf("first = %+v", first)
	}

	resp = getJSON(t, url, nil)
	if got := resp.Header.Get("X-Cache"); got != "hit" {
		t.Fatalf("X-Cache = %q, want hit", got)
	}
}

func TestMetrics_BadRequests(t *testing.T) {
	ts, _, _ := newTestServer(t)
	for _, q := range []string{
		"metric=overview",
		"user=alice&metric=bogus",
		"user=alice&metric=trend&period=hourly",
		"user=alice&metric=velocity&start=2026-03-01",
		"user=alice&metric=velocity&start=2026-03-09&end=2026-03-01",
		"user=alice&metric=velocity&start=03/01/2026&end=2026-03-09",
	} {
		var body map[string]string
		resp := getJSON(t, ts.URL+"/api/metrics?"+q, &body)
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s: status = %d, want 400", q, resp.StatusCode)
		}
		if body["error"] == "" {
			t.Fatalf("%s: missing error message", q)
		}
	}
}

func TestExport_CSVAndJSON(t *testing.T) {
	ts, store, _ := newTestServer(t)
	for _, d := range []string{"2026-03-02", "2026-03-05"} {
		if _, err := store.WriteRollup(context.Background(), model.DailyRollup{
			UserID: "alice", Date: d, TasksCreated: 2, TasksCompleted: 1, CompletionRate: 50, ProductivityScore: 40,
		}, true); err != nil {
			t.Fatalf("WriteRollup: %v", err)
		}
	}

	resp, err := http.Get(ts.URL + "/api/export?user=alice&start=2026-03-01&end=2026-03-07&format=csv")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/csv") {
		t.Fatalf("status=%d content-type=%q", resp.StatusCode, resp.Header.Get("Content-Type"))
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if lines := strings.Split(strings.TrimSpace(string(body)), "\n"); len(lines) != 3 {
		t.Fatalf("expected header plus 2 rows, got %q", body)
	}

	var rows []model.DailyRollup
	getJSON(t, ts.URL+"/api/export?user=alice&start=2026-03-03&end=2026-03-07", &rows)
	if len(rows) != 1 || rows[0].Date != "2026-03-05" {
		t.Fatalf("rows = %+v", rows)
	}
}

func TestExport_RequiresBoundedRange(t *testing.T) {
	ts, _, _ := newTestServer(t)
	for _, q := range []string{
		"user=alice",
		"user=alice&start=2024-01-01&end=2026-03-01",
		"user=alice&start=2026-03-01&end=2026-03-02&format=xml",
		"start=2026-03-01&end=2026-03-02",
	} {
		resp := getJSON(t, ts.URL+"/api/export?"+q, nil)
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s: status = %d, want 400", q, resp.StatusCode)
		}
	}
}

func TestJobs_StatusAndRunNow(t *testing.T) {
	ts, _, jobs := newTestServer(t)

	var status struct {
		Jobs []cron.JobStatus `json:"jobs"`
	}
	getJSON(t, ts.URL+"/api/jobs", &status)
	if len(status.Jobs) != 1 || status.Jobs[0].Name != "rollup" {
		t.Fatalf("jobs = %+v", status.Jobs)
	}

	cases := map[string]int{
		"rollup":   http.StatusOK,
		"snapshot": http.StatusConflict,
		"nope":     http.StatusNotFound,
	}
	for name, want := range cases {
		resp, err := http.Post(ts.URL+"/api/jobs/"+name+"/run", "application/json", nil)
		if err != nil {
			t.Fatalf("POST %s: %v", name, err)
		}
		resp.Body.Close()
		if resp.StatusCode != want {
			t.Fatalf("%s: status = %d, want %d", name, resp.StatusCode, want)
		}
	}
	if len(jobs.ran) != 1 {
		t.Fatalf("ran = %v", jobs.ran)
	}
}

func TestConfig_ReportsFingerprint(t *testing.T) {
	ts, _, _ := newTestServer(t)
	var body map[string]string
	getJSON(t, ts.URL+"/api/config", &body)
	if body["config_hash"] != "abc123" || body["timezone"] != "UTC" {
		t.Fatalf("body = %v", body)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	ts, _, _ := newTestServer(t)
	resp, err := http.Post(ts.URL+"/api/metrics", "application/json", nil)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", resp.StatusCode)
	}
}
