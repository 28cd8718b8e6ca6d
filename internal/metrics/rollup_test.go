package metrics_test

import (
	"testing"
	"time"

	"github.com/basket/tally/internal/metrics"
	"github.com/basket/tally/internal/model"
)

func TestDailyRollup(t *testing.T) {
	day := time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC)
	late := doneTask("late", 2, 4)
	late.DueAt = ts(3, 9)
	onTime := doneTask("ontime", 4, 4)
	onTime.DueAt = ts(5, 9)
	removed := pendingTask("removed", 4)
	removed.Deleted = true
	removed.DeletedAt = ts(4, 18)
	laterDeleted := pendingTask("later", 4)
	laterDeleted.Deleted = true
	laterDeleted.DeletedAt = ts(6, 9)

	tasks := []model.TaskSnapshot{late, onTime, removed, laterDeleted, pendingTask("other-day", 3)}
	got, err := metrics.DailyRollup("u1", tasks, day)
	if err != nil {
		t.Fatalf("DailyRollup: %v", err)
	}

	want := model.DailyRollup{
		UserID:         "u1",
		Date:           "2026-03-04",
		TasksCreated:   3, // ontime, removed, later
		TasksCompleted: 2, // late, ontime
		TasksDeleted:   1,
		CompletionRate: 66.7,
		// 66.67*0.30 + 50*0.30 + 100*0.25 + 100*0.15
		ProductivityScore: 75,
	}
	if got != want {
		t.Fatalf("rollup = %+v\nwant     %+v", got, want)
	}

	again, _ := metrics.DailyRollup("u1", tasks, day)
	if again != got {
		t.Fatal("rollup is not deterministic")
	}
}

func TestDailyRollup_CompletionsExceedingCreationsCap(t *testing.T) {
	day := time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC)
	tasks := []model.TaskSnapshot{doneTask("a", 1, 4), doneTask("b", 2, 4)}
	got, err := metrics.DailyRollup("u1", tasks, day)
	if err != nil {
		t.Fatalf("DailyRollup: %v", err)
	}
	if got.CompletionRate != 100 || got.TasksCreated != 0 {
		t.Fatalf("rollup = %+v", got)
	}
}
