package snapshot_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/tally/internal/bus"
	"github.com/basket/tally/internal/model"
	"github.com/basket/tally/internal/persistence"
	"github.com/basket/tally/internal/snapshot"
)

var now = time.Date(2026, 3, 9, 12, 0, 0, 0, time.UTC)

func ptr(t time.Time) *time.Time { return &t }

// memSource serves a fixed task set; users listed in fail return an error.
type memSource struct {
	mu    sync.Mutex
	tasks map[string][]model.TaskSnapshot
	fail  map[string]bool
	down  bool
}

func (m *memSource) Users(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return nil, model.ErrDataUnavailable
	}
	var out []string
	for u := range m.tasks {
		out = append(out, u)
	}
	return out, nil
}

func (m *memSource) TasksForUser(_ context.Context, userID string) ([]model.TaskSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail[userID] {
		return nil, fmt.Errorf("read %s: %w", userID, model.ErrDataUnavailable)
	}
	return m.tasks[userID], nil
}

func newSource(users ...string) *memSource {
	src := &memSource{tasks: map[string][]model.TaskSnapshot{}, fail: map[string]bool{}}
	for _, u := range users {
		src.tasks[u] = []model.TaskSnapshot{
			{ID: u + "-1", UserID: u, Status: model.StatusDone, CreatedAt: now.Add(-72 * time.Hour), CompletedAt: ptr(now.Add(-24 * time.Hour))},
			{ID: u + "-2", UserID: u, Status: model.StatusPending, CreatedAt: now.Add(-48 * time.Hour), DueAt: ptr(now.Add(-time.Hour))},
			{ID: u + "-3", UserID: u, Status: model.StatusPending, CreatedAt: now.Add(-48 * time.Hour), Deleted: true, DeletedAt: ptr(now.Add(-time.Hour))},
		}
	}
	return src
}

func TestAggregate(t *testing.T) {
	src := newSource("alice")
	snap, err := snapshot.Aggregate("alice", src.tasks["alice"], 4, now)
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if snap.Status.Total != 2 || snap.Status.Done != 1 || snap.CompletionRate != 50 {
		t.Fatalf("status = %+v rate=%v", snap.Status, snap.CompletionRate)
	}
	want := model.Totals{Created: 2, Completed: 1, Deleted: 1, Overdue: 1}
	if snap.Totals != want {
		t.Fatalf("totals = %+v, want %+v", snap.Totals, want)
	}
	if snap.AvgCompletionDays != 2 || snap.Generation != 4 {
		t.Fatalf("snap = %+v", snap)
	}
}

func TestRefresh_PublishesWholeGenerations(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe(bus.TopicSnapshotPublished)
	defer b.Unsubscribe(sub)
	r := snapshot.New(snapshot.Config{Source: newSource("alice", "bob"), Bus: b})

	if r.Current() != nil {
		t.Fatal("expected no generation before first refresh")
	}
	if _, ok := r.Get("alice"); ok {
		t.Fatal("lookup before first refresh should miss")
	}

	gen, err := r.Refresh(context.Background(), now)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if gen.ID != 1 || len(gen.Users) != 2 || r.Current() != gen {
		t.Fatalf("generation = %+v", gen)
	}
	select {
	case ev := <-sub.Ch():
		if p := ev.Payload.(bus.SnapshotPublished); p.Generation != 1 || p.Users != 2 {
			t.Fatalf("event = %+v", p)
		}
	case <-time.After(time.Second):
		t.Fatal("no snapshot.published event")
	}
}

func TestRefresh_ReadersNeverSeeMixedGenerations(t *testing.T) {
	users := make([]string, 50)
	for i := range users {
		users[i] = fmt.Sprintf("user%02d", i)
	}
	r := snapshot.New(snapshot.Config{Source: newSource(users...), Concurrency: 4})
	if _, err := r.Refresh(context.Background(), now); err != nil {
		t.Fatalf("initial Refresh: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	var torn atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				gen := r.Current()
				if len(gen.Users) != len(users) {
					torn.Add(1)
				}
				for _, s := range gen.Users {
					if s.Generation != gen.ID {
						torn.Add(1)
					}
				}
			}
		}()
	}
	for i := 0; i < 20; i++ {
		if _, err := r.Refresh(context.Background(), now.Add(time.Duration(i)*time.Minute)); err != nil {
			t.Fatalf("Refresh %d: %v", i, err)
		}
	}
	cancel()
	wg.Wait()

	if torn.Load() != 0 {
		t.Fatalf("readers observed %d torn reads", torn.Load())
	}
	if got := r.Current().ID; got != 21 {
		t.Fatalf("generation = %d, want 21", got)
	}
}

func TestRefresh_FailedUserCarriesPreviousEntry(t *testing.T) {
	src := newSource("alice", "bob")
	r := snapshot.New(snapshot.Config{Source: src})
	first, err := r.Refresh(context.Background(), now)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	src.mu.Lock()
	src.fail["bob"] = true
	src.mu.Unlock()
	second, err := r.Refresh(context.Background(), now.Add(5*time.Minute))
	if err != nil {
		t.Fatalf("second Refresh: %v", err)
	}
	bob, ok := second.Lookup("bob")
	if !ok || bob != first.Users["bob"] {
		t.Fatalf("bob = %+v, %v; want carried from generation 1", bob, ok)
	}
	if alice, _ := second.Lookup("alice"); alice.Generation != 2 {
		t.Fatalf("alice generation = %d, want 2", alice.Generation)
	}
}

func TestRefresh_SourceDownKeepsCurrent(t *testing.T) {
	src := newSource("alice")
	r := snapshot.New(snapshot.Config{Source: src})
	first, _ := r.Refresh(context.Background(), now)

	src.mu.Lock()
	src.down = true
	src.mu.Unlock()
	if _, err := r.Refresh(context.Background(), now); !errors.Is(err, model.ErrDataUnavailable) {
		t.Fatalf("err = %v, want ErrDataUnavailable", err)
	}
	if r.Current() != first {
		t.Fatal("failed refresh replaced the published generation")
	}
}

func TestRestore_FromPersistedGeneration(t *testing.T) {
	store, err := persistence.Open(filepath.Join(t.TempDir(), "tally.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	writer := snapshot.New(snapshot.Config{Source: newSource("alice", "bob"), Publisher: store})
	for i := 0; i < 2; i++ {
		if _, err := writer.Refresh(context.Background(), now); err != nil {
			t.Fatalf("Refresh: %v", err)
		}
	}

	reader := snapshot.New(snapshot.Config{Source: newSource(), Publisher: store})
	ok, err := reader.Restore(context.Background())
	if err != nil || !ok {
		t.Fatalf("Restore = %v, %v", ok, err)
	}
	if gen := reader.Current(); gen.ID != 2 || len(gen.Users) != 2 {
		t.Fatalf("restored = %+v", gen)
	}
	if next, _ := reader.Refresh(context.Background(), now); next.ID != 3 {
		t.Fatalf("next generation after restore = %d, want 3", next.ID)
	}
}
