package trends_test

import (
	"errors"
	"testing"
	"time"

	"github.com/basket/tally/internal/model"
	"github.com/basket/tally/internal/trends"
)

func day(m time.Month, d int) time.Time {
	return time.Date(2026, m, d, 0, 0, 0, 0, time.UTC)
}

func rollup(date string, created, completed int, score float64) model.DailyRollup {
	return model.DailyRollup{
		UserID:            "u1",
		Date:              date,
		TasksCreated:      created,
		TasksCompleted:    completed,
		ProductivityScore: score,
	}
}

func TestAggregate_WeeklyZeroFillsMissingDays(t *testing.T) {
	// Wed 2026-03-04 .. Tue 2026-03-10 spans two ISO weeks.
	r := model.DateRange{Start: day(3, 4), End: day(3, 10)}
	rollups := []model.DailyRollup{
		rollup("2026-03-04", 2, 1, 40),
		rollup("2026-03-06", 3, 3, 80),
		rollup("2026-03-09", 1, 0, 10),
	}

	tr, err := trends.Aggregate(rollups, r, trends.Weekly)
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if tr.Complete {
		t.Fatal("expected complete=false with missing days")
	}
	if tr.MissingDays != 4 {
		t.Fatalf("missing days = %d, want 4", tr.MissingDays)
	}
	if len(tr.Points) != 2 {
		t.Fatalf("points = %d, want 2: %+v", len(tr.Points), tr.Points)
	}

	covered := 0
	for _, p := range tr.Points {
		covered += p.Days
	}
	if covered != 7 {
		t.Fatalf("coverage = %d days, want 7", covered)
	}

	first := tr.Points[0]
	if first.Label != "2026-W10" || first.Start != "2026-03-04" || first.End != "2026-03-08" {
		t.Fatalf("first point = %+v", first)
	}
	if first.TasksCreated != 5 || first.TasksCompleted != 4 || first.DaysWithData != 2 {
		t.Fatalf("first point sums = %+v", first)
	}
	// Mean over five days, three of them zero-filled: (40+80)/5.
	if first.ProductivityScore != 24 {
		t.Fatalf("first productivity = %v, want 24", first.ProductivityScore)
	}

	second := tr.Points[1]
	if second.Label != "2026-W11" || second.Start != "2026-03-09" || second.End != "2026-03-10" {
		t.Fatalf("second point = %+v", second)
	}
}

func TestAggregate_RecomputesRateFromSums(t *testing.T) {
	r := model.DateRange{Start: day(3, 2), End: day(3, 3)}
	rollups := []model.DailyRollup{
		rollup("2026-03-02", 10, 1, 0), // 10%
		rollup("2026-03-03", 1, 1, 0),  // 100%
	}
	tr, err := trends.Aggregate(rollups, r, trends.Weekly)
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if len(tr.Points) != 1 {
		t.Fatalf("points = %d, want 1", len(tr.Points))
	}
	// 2/11, not the 55% mean of daily rates.
	if got := tr.Points[0].CompletionRate; got != 18.2 {
		t.Fatalf("completion rate = %v, want 18.2", got)
	}
	if !tr.Complete {
		t.Fatal("expected complete trend")
	}
}

func TestAggregate_MonthlyBoundaries(t *testing.T) {
	r := model.DateRange{Start: day(1, 30), End: day(2, 2)}
	tr, err := trends.Aggregate(nil, r, trends.Monthly)
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if len(tr.Points) != 2 {
		t.Fatalf("points = %d, want 2", len(tr.Points))
	}
	if tr.Points[0].Label != "2026-01" || tr.Points[0].Days != 2 {
		t.Fatalf("january = %+v", tr.Points[0])
	}
	if tr.Points[1].Label != "2026-02" || tr.Points[1].Days != 2 {
		t.Fatalf("february = %+v", tr.Points[1])
	}
	if tr.MissingDays != 4 {
		t.Fatalf("missing = %d, want 4", tr.MissingDays)
	}
}

func TestAggregate_DailyOnePointPerDay(t *testing.T) {
	r := model.DateRange{Start: day(3, 1), End: day(3, 30)}
	tr, err := trends.Aggregate([]model.DailyRollup{rollup("2026-03-15", 1, 1, 50)}, r, trends.Daily)
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if len(tr.Points) != 30 {
		t.Fatalf("points = %d, want 30", len(tr.Points))
	}
	if tr.Points[14].ProductivityScore != 50 || tr.Points[14].CompletionRate != 100 {
		t.Fatalf("day 15 = %+v", tr.Points[14])
	}
	if tr.Points[0].TasksCreated != 0 || tr.Points[0].Label != "2026-03-01" {
		t.Fatalf("day 1 = %+v", tr.Points[0])
	}
}

func TestAggregate_RejectsInvertedRange(t *testing.T) {
	_, err := trends.Aggregate(nil, model.DateRange{Start: day(3, 5), End: day(3, 1)}, trends.Daily)
	if !errors.Is(err, model.ErrInvalidPeriod) {
		t.Fatalf("expected ErrInvalidPeriod, got %v", err)
	}
}

func TestParseGranularity(t *testing.T) {
	if g, err := trends.ParseGranularity(""); err != nil || g != trends.Daily {
		t.Fatalf("empty = %q, %v", g, err)
	}
	if g, err := trends.ParseGranularity("Weekly"); err != nil || g != trends.Weekly {
		t.Fatalf("Weekly = %q, %v", g, err)
	}
	if _, err := trends.ParseGranularity("hourly"); !errors.Is(err, model.ErrInvalidQuery) {
		t.Fatalf("expected ErrInvalidQuery, got %v", err)
	}
}
