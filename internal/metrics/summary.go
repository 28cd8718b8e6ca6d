package metrics

import (
	"math"
	"time"

	"github.com/basket/tally/internal/model"
)

// Summary is every metric derived for one window of tasks.
type Summary struct {
	Range             model.DateRange            `json:"range"`
	Total             int                        `json:"total"`
	Completed         int                        `json:"completed"`
	CompletedInRange  int                        `json:"completed_in_range"`
	OnTime            int                        `json:"on_time"`
	WithDueDate       int                        `json:"with_due_date"`
	CompletionRate    float64                    `json:"completion_rate"`
	AdherenceRate     float64                    `json:"adherence_rate"`
	Velocity          float64                    `json:"velocity"`
	AvgCompletionDays float64                    `json:"avg_completion_days"`
	AvgDelayDays      float64                    `json:"avg_delay_days"`
	Consistency       float64                    `json:"consistency"`
	ProductivityScore float64                    `json:"productivity_score"`
	Status            model.StatusDistribution   `json:"status"`
	Priority          model.PriorityDistribution `json:"priority"`
}

// Validate checks every snapshot and returns the first contract violation.
func Validate(tasks []model.TaskSnapshot) error {
	for _, t := range tasks {
		if err := t.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Summarize derives all metrics for tasks observed over r. Velocity and
// consistency only count completions that fall inside r; rates cover the
// whole live set passed in.
func Summarize(tasks []model.TaskSnapshot, r model.DateRange) (Summary, error) {
	if err := r.Validate(); err != nil {
		return Summary{}, err
	}
	if err := Validate(tasks); err != nil {
		return Summary{}, err
	}

	s := Summary{
		Range:    r,
		Status:   StatusDistribution(tasks),
		Priority: PriorityDistribution(tasks),
	}
	s.Total = s.Status.Total
	s.Completed = s.Status.Done
	for _, t := range tasks {
		if t.Live() && t.CompletedAt != nil && r.Contains(*t.CompletedAt) {
			s.CompletedInRange++
		}
	}
	s.OnTime, s.WithDueDate = CountAdherence(tasks)

	s.CompletionRate = Round1(CompletionRate(s.Completed, s.Total))
	s.AdherenceRate = Round1(AdherenceRate(s.OnTime, s.WithDueDate))
	s.Velocity = Velocity(s.CompletedInRange, r.Days())
	s.AvgCompletionDays = AverageCompletionTime(tasks)
	s.AvgDelayDays = AverageDelay(tasks)
	s.Consistency = Consistency(WeeklyCompletionCounts(tasks, r))
	s.ProductivityScore = ProductivityScore(
		CompletionRate(s.Completed, s.Total),
		AdherenceRate(s.OnTime, s.WithDueDate),
		s.Velocity,
		s.Consistency,
	)
	return s, nil
}

// WeeklyCompletionCounts buckets completions into consecutive 7-day periods
// starting at r.Start. A trailing partial week is dropped.
func WeeklyCompletionCounts(tasks []model.TaskSnapshot, r model.DateRange) []int {
	weeks := r.Days() / 7
	if weeks == 0 {
		return nil
	}
	counts := make([]int, weeks)
	for _, t := range tasks {
		if !t.Live() || t.CompletedAt == nil || t.CompletedAt.Before(r.Start) {
			continue
		}
		idx := weekIndex(r.Start, *t.CompletedAt)
		if idx >= 0 && idx < weeks {
			counts[idx]++
		}
	}
	return counts
}

func weekIndex(start, t time.Time) int {
	// Round so a DST transition inside the range does not shift buckets.
	d := model.StartOfDay(t, start.Location())
	days := int(math.Round(d.Sub(start).Hours() / 24))
	return days / 7
}
