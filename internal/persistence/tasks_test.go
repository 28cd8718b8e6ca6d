package persistence_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/tally/internal/bus"
	"github.com/basket/tally/internal/model"
	"github.com/basket/tally/internal/persistence"
)

func ptr(t time.Time) *time.Time { return &t }

func TestSaveTask_EmitsKindsInOrder(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe(bus.TopicTaskPrefix)
	defer b.Unsubscribe(sub)

	store, err := persistence.Open(filepath.Join(t.TempDir(), "tally.db"), b)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	var mu sync.Mutex
	var hooked []model.MutationKind
	store.OnMutation(func(ctx context.Context, ev model.MutationEvent) error {
		mu.Lock()
		hooked = append(hooked, ev.Kind)
		mu.Unlock()
		return nil
	})

	ctx := context.Background()
	task := model.TaskSnapshot{
		ID: "t1", UserID: "u1", Status: model.StatusPending, Priority: model.PriorityHigh,
		CreatedAt: ts("2026-03-02T09:00:00Z"), DueAt: ptr(ts("2026-03-05T00:00:00Z")),
	}
	ev, err := store.SaveTask(ctx, task)
	if err != nil {
		t.Fatalf("SaveTask create: %v", err)
	}
	if ev.Kind != model.MutationCreated || ev.ID == "" {
		t.Fatalf("create event = %+v", ev)
	}

	task.Status = model.StatusInProgress
	if ev, _ = store.SaveTask(ctx, task); ev.Kind != model.MutationUpdated {
		t.Fatalf("update kind = %s", ev.Kind)
	}
	task.Status = model.StatusDone
	task.CompletedAt = ptr(ts("2026-03-04T17:00:00Z"))
	if ev, _ = store.SaveTask(ctx, task); ev.Kind != model.MutationCompleted {
		t.Fatalf("complete kind = %s", ev.Kind)
	}
	if err := store.DeleteTask(ctx, "t1", ts("2026-03-06T10:00:00Z")); err != nil {
		t.Fatalf("DeleteTask: %v", err)
	}

	want := []model.MutationKind{model.MutationCreated, model.MutationUpdated, model.MutationCompleted, model.MutationDeleted}
	mu.Lock()
	got := append([]model.MutationKind(nil), hooked...)
	mu.Unlock()
	if len(got) != len(want) {
		t.Fatalf("hooked = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("hooked = %v, want %v", got, want)
		}
		select {
		case e := <-sub.Ch():
			if e.Topic != bus.TaskTopic(want[i]) {
				t.Fatalf("bus topic %d = %q, want %q", i, e.Topic, bus.TaskTopic(want[i]))
			}
		case <-time.After(time.Second):
			t.Fatalf("missing bus event %d", i)
		}
	}

	stored, err := store.GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if !stored.Deleted || stored.DeletedAt == nil || !stored.DeletedAt.Equal(ts("2026-03-06T10:00:00Z")) {
		t.Fatalf("stored = %+v", stored)
	}
	if stored.Priority != model.PriorityHigh || stored.DueAt == nil {
		t.Fatalf("lost fields: %+v", stored)
	}
}

func TestSaveTask_RejectsContractViolation(t *testing.T) {
	store, _ := openTestStore(t)
	_, err := store.SaveTask(context.Background(), model.TaskSnapshot{
		ID: "t1", UserID: "u1", Status: model.StatusDone, CreatedAt: ts("2026-03-02T09:00:00Z"),
	})
	if !errors.Is(err, model.ErrInvalidSnapshot) {
		t.Fatalf("err = %v, want ErrInvalidSnapshot", err)
	}
}

func TestCompleteTask(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	if _, err := store.SaveTask(ctx, model.TaskSnapshot{ID: "t1", UserID: "u1", Status: model.StatusPending, CreatedAt: ts("2026-03-02T09:00:00Z")}); err != nil {
		t.Fatalf("SaveTask: %v", err)
	}
	if err := store.CompleteTask(ctx, "t1", ts("2026-03-03T09:00:00Z")); err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}
	if err := store.CompleteTask(ctx, "t1", ts("2026-03-03T10:00:00Z")); !errors.Is(err, persistence.ErrTaskNotFound) {
		t.Fatalf("second complete err = %v, want ErrTaskNotFound", err)
	}
	got, _ := store.GetTask(ctx, "t1")
	if got.Status != model.StatusDone || got.CompletedAt == nil {
		t.Fatalf("task = %+v", got)
	}
	if err := got.Validate(); err != nil {
		t.Fatalf("stored task violates contract: %v", err)
	}
}

func TestActiveUsersAndTasksForUser(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	seed := []model.TaskSnapshot{
		{ID: "a1", UserID: "alice", Status: model.StatusPending, CreatedAt: ts("2026-03-02T09:00:00Z")},
		{ID: "a2", UserID: "alice", Status: model.StatusDone, CreatedAt: ts("2026-02-20T09:00:00Z"), CompletedAt: ptr(ts("2026-03-02T11:00:00Z"))},
		{ID: "b1", UserID: "bob", Status: model.StatusPending, CreatedAt: ts("2026-02-01T09:00:00Z")},
		{ID: "c1", UserID: "carol", Status: model.StatusPending, CreatedAt: ts("2026-02-01T09:00:00Z"), Deleted: true, DeletedAt: ptr(ts("2026-03-02T23:59:00Z"))},
	}
	for _, task := range seed {
		if _, err := store.SaveTask(ctx, task); err != nil {
			t.Fatalf("SaveTask %s: %v", task.ID, err)
		}
	}

	users, err := store.ActiveUsers(ctx, ts("2026-03-02T00:00:00Z"), ts("2026-03-03T00:00:00Z"))
	if err != nil {
		t.Fatalf("ActiveUsers: %v", err)
	}
	if len(users) != 2 || users[0] != "alice" || users[1] != "carol" {
		t.Fatalf("active = %v, want [alice carol]", users)
	}

	tasks, err := store.TasksForUser(ctx, "alice")
	if err != nil {
		t.Fatalf("TasksForUser: %v", err)
	}
	if len(tasks) != 2 || tasks[0].ID != "a2" {
		t.Fatalf("tasks = %+v", tasks)
	}

	all, _ := store.Users(ctx)
	if len(all) != 3 {
		t.Fatalf("users = %v", all)
	}
}
