package rollup_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/tally/internal/model"
	"github.com/basket/tally/internal/persistence"
	"github.com/basket/tally/internal/rollup"
)

func at(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}

func ptr(t time.Time) *time.Time { return &t }

func openTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "tally.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func seedTasks(t *testing.T, store *persistence.Store, tasks ...model.TaskSnapshot) {
	t.Helper()
	for _, task := range tasks {
		if _, err := store.SaveTask(context.Background(), task); err != nil {
			t.Fatalf("seed %s: %v", task.ID, err)
		}
	}
}

// flakySource fails TasksForUser for the listed users.
type flakySource struct {
	rollup.Source
	fail map[string]bool
}

func (f flakySource) TasksForUser(ctx context.Context, userID string) ([]model.TaskSnapshot, error) {
	if f.fail[userID] {
		return nil, fmt.Errorf("read %s: %w", userID, model.ErrDataUnavailable)
	}
	return f.Source.TasksForUser(ctx, userID)
}

func TestRun_PastDateIsIdempotent(t *testing.T) {
	store := openTestStore(t)
	seedTasks(t, store,
		model.TaskSnapshot{ID: "a1", UserID: "alice", Status: model.StatusDone, CreatedAt: at("2026-03-02T09:00:00Z"), CompletedAt: ptr(at("2026-03-02T15:00:00Z"))},
		model.TaskSnapshot{ID: "a2", UserID: "alice", Status: model.StatusPending, CreatedAt: at("2026-03-02T10:00:00Z")},
		model.TaskSnapshot{ID: "b1", UserID: "bob", Status: model.StatusPending, CreatedAt: at("2026-03-02T11:00:00Z")},
	)
	job := rollup.New(rollup.Config{Source: store, Sink: store, Now: func() time.Time { return at("2026-03-03T06:00:00Z") }})
	day := job.TargetDate(at("2026-03-03T06:00:00Z"))
	if got := day.Format(model.DayLayout); got != "2026-03-02" {
		t.Fatalf("target date = %s", got)
	}

	first, err := job.Run(context.Background(), day)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if first.Users != 2 || first.Written != 2 || len(first.Failed) != 0 {
		t.Fatalf("first run = %+v", first)
	}
	before, _, _ := store.GetRollup(context.Background(), "alice", "2026-03-02")

	// A later deletion must not change the elapsed day's row.
	if err := store.DeleteTask(context.Background(), "a2", at("2026-03-03T08:00:00Z")); err != nil {
		t.Fatalf("DeleteTask: %v", err)
	}
	second, err := job.Run(context.Background(), day)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if second.Written != 0 || second.Kept != 2 {
		t.Fatalf("second run = %+v, want all rows kept", second)
	}
	after, _, _ := store.GetRollup(context.Background(), "alice", "2026-03-02")
	if before != after {
		t.Fatalf("row changed: %+v -> %+v", before, after)
	}
	if after.TasksCreated != 2 || after.TasksCompleted != 1 || after.CompletionRate != 50 {
		t.Fatalf("alice rollup = %+v", after)
	}

	// Recomputing from scratch yields the same values even after the deletion.
	fresh := openTestStore(t)
	tasks, _ := store.TasksForUser(context.Background(), "alice")
	seedTasks(t, fresh, tasks...)
	if _, err := rollup.New(rollup.Config{Source: fresh, Sink: fresh}).Replay(context.Background(), day, []string{"alice"}); err != nil {
		t.Fatalf("Replay: %v", err)
	}
	recomputed, _, _ := fresh.GetRollup(context.Background(), "alice", "2026-03-02")
	if recomputed != before {
		t.Fatalf("recomputed = %+v, want %+v", recomputed, before)
	}
}

func TestRun_TodayIsUpserted(t *testing.T) {
	store := openTestStore(t)
	now := at("2026-03-09T12:00:00Z")
	seedTasks(t, store, model.TaskSnapshot{ID: "a1", UserID: "alice", Status: model.StatusPending, CreatedAt: at("2026-03-09T09:00:00Z")})
	job := rollup.New(rollup.Config{Source: store, Sink: store, Now: func() time.Time { return now }})

	if _, err := job.Run(context.Background(), job.Today()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := store.CompleteTask(context.Background(), "a1", at("2026-03-09T13:00:00Z")); err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}
	res, err := job.Run(context.Background(), job.Today())
	if err != nil || res.Written != 1 {
		t.Fatalf("second run = %+v, %v", res, err)
	}
	got, _, _ := store.GetRollup(context.Background(), "alice", "2026-03-09")
	if got.TasksCompleted != 1 || got.CompletionRate != 100 {
		t.Fatalf("today's rollup not refreshed: %+v", got)
	}
}

func TestRun_NightlyRunFinalisesProvisionalRow(t *testing.T) {
	store := openTestStore(t)
	var clk atomic.Pointer[time.Time]
	setNow := func(s string) { ts := at(s); clk.Store(&ts) }
	setNow("2026-03-09T23:45:00Z")
	seedTasks(t, store, model.TaskSnapshot{ID: "a1", UserID: "alice", Status: model.StatusPending, CreatedAt: at("2026-03-09T09:00:00Z")})
	job := rollup.New(rollup.Config{Source: store, Sink: store, Now: func() time.Time { return *clk.Load() }})
	ctx := context.Background()

	// Intra-day refresh while the day is open.
	if res, err := job.Run(ctx, job.Today()); err != nil || res.Written != 1 {
		t.Fatalf("intra-day run = %+v, %v", res, err)
	}
	if final, ok, _ := store.RollupFinal(ctx, "alice", "2026-03-09"); !ok || final {
		t.Fatalf("intra-day row final=%v ok=%v, want provisional", final, ok)
	}

	// Activity after the last intra-day slot.
	if err := store.CompleteTask(ctx, "a1", at("2026-03-09T23:55:00Z")); err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}

	setNow("2026-03-10T00:10:00Z")
	res, err := job.Run(ctx, job.TargetDate(*clk.Load()))
	if err != nil || res.Written != 1 || res.Kept != 0 {
		t.Fatalf("nightly run = %+v, %v; want the provisional row replaced", res, err)
	}
	got, _, _ := store.GetRollup(ctx, "alice", "2026-03-09")
	if got.TasksCompleted != 1 || got.CompletionRate != 100 {
		t.Fatalf("final rollup = %+v, want the 23:55 completion counted", got)
	}
	if final, _, _ := store.RollupFinal(ctx, "alice", "2026-03-09"); !final {
		t.Fatal("nightly row should be final")
	}

	// Once final, the day is immutable.
	if err := store.DeleteTask(ctx, "a1", at("2026-03-10T08:00:00Z")); err != nil {
		t.Fatalf("DeleteTask: %v", err)
	}
	again, err := job.Run(ctx, job.TargetDate(*clk.Load()))
	if err != nil || again.Written != 0 || again.Kept != 1 {
		t.Fatalf("rerun = %+v, %v; want row kept", again, err)
	}
}

func TestRun_PartialFailureIsolation(t *testing.T) {
	store := openTestStore(t)
	var tasks []model.TaskSnapshot
	for i := 0; i < 7; i++ {
		tasks = append(tasks, model.TaskSnapshot{
			ID: fmt.Sprintf("t%d", i), UserID: fmt.Sprintf("user%d", i),
			Status: model.StatusPending, CreatedAt: at("2026-03-02T09:00:00Z"),
		})
	}
	seedTasks(t, store, tasks...)

	src := flakySource{Source: store, fail: map[string]bool{"user1": true, "user4": true}}
	job := rollup.New(rollup.Config{Source: src, Sink: store, BatchSize: 3, Concurrency: 2})
	res, err := job.Run(context.Background(), at("2026-03-02T00:00:00Z"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Written != 5 || len(res.Failed) != 2 {
		t.Fatalf("result = %+v", res)
	}
	failed := map[string]bool{}
	for _, u := range res.FailedUsers() {
		failed[u] = true
	}
	if !failed["user1"] || !failed["user4"] {
		t.Fatalf("failed = %v", res.FailedUsers())
	}

	// Manual replay of the failed users once the source recovers.
	replay := rollup.New(rollup.Config{Source: store, Sink: store})
	again, err := replay.Replay(context.Background(), at("2026-03-02T00:00:00Z"), res.FailedUsers())
	if err != nil || again.Written != 2 || len(again.Failed) != 0 {
		t.Fatalf("replay = %+v, %v", again, err)
	}
}

type slowSource struct {
	rollup.Source
	calls atomic.Int32
}

func (s *slowSource) TasksForUser(ctx context.Context, userID string) ([]model.TaskSnapshot, error) {
	s.calls.Add(1)
	if userID == "slow" {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return nil, nil
}

func TestRun_ItemTimeoutDoesNotStallOthers(t *testing.T) {
	store := openTestStore(t)
	src := &slowSource{Source: store}
	job := rollup.New(rollup.Config{Source: src, Sink: store, ItemTimeout: 20 * time.Millisecond})

	res, err := job.Replay(context.Background(), at("2026-03-02T00:00:00Z"), []string{"a", "slow", "b"})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(res.Failed) != 1 || res.Failed[0].UserID != "slow" || res.Written != 2 {
		t.Fatalf("result = %+v", res)
	}
	if src.calls.Load() != 3 {
		t.Fatalf("calls = %d, want 3", src.calls.Load())
	}
}

type downSource struct{ rollup.Source }

func (downSource) ActiveUsers(context.Context, time.Time, time.Time) ([]string, error) {
	return nil, model.ErrDataUnavailable
}

func TestRun_SourceDownIsAnError(t *testing.T) {
	job := rollup.New(rollup.Config{Source: downSource{}, Sink: nil})
	if _, err := job.Run(context.Background(), at("2026-03-02T00:00:00Z")); !errors.Is(err, model.ErrDataUnavailable) {
		t.Fatalf("err = %v, want ErrDataUnavailable", err)
	}
}

func TestRunRange(t *testing.T) {
	store := openTestStore(t)
	seedTasks(t, store,
		model.TaskSnapshot{ID: "a1", UserID: "alice", Status: model.StatusPending, CreatedAt: at("2026-03-01T09:00:00Z")},
		model.TaskSnapshot{ID: "a2", UserID: "alice", Status: model.StatusPending, CreatedAt: at("2026-03-03T09:00:00Z")},
	)
	job := rollup.New(rollup.Config{Source: store, Sink: store})
	r, _ := model.ParseDateRange("2026-03-01", "2026-03-03", time.UTC)
	results, err := job.RunRange(context.Background(), r)
	if err != nil {
		t.Fatalf("RunRange: %v", err)
	}
	if len(results) != 3 || results[0].Written != 1 || results[1].Users != 0 || results[2].Written != 1 {
		t.Fatalf("results = %+v", results)
	}

	tooLong := model.DateRange{Start: r.Start, End: r.Start.AddDate(2, 0, 0)}
	if _, err := job.RunRange(context.Background(), tooLong); !errors.Is(err, model.ErrInvalidPeriod) {
		t.Fatalf("err = %v, want ErrInvalidPeriod", err)
	}
}
