// Package metrics derives productivity statistics from task snapshots.
//
// Every function here is pure: no I/O, no package state, deterministic
// output for a given input. They are safe to call from any goroutine.
package metrics

import (
	"math"

	"github.com/basket/tally/internal/model"
)

// Productivity score weights. Velocity saturates at 10 tasks/week.
const (
	WeightCompletion  = 0.30
	WeightAdherence   = 0.30
	WeightVelocity    = 0.25
	WeightConsistency = 0.15

	velocitySaturation = 10.0
)

// CompletionRate returns completed/total as a percentage, 0 when total is 0.
func CompletionRate(completed, total int) float64 {
	if total <= 0 || completed <= 0 {
		return 0
	}
	return clamp(float64(completed)/float64(total)*100, 0, 100)
}

// AdherenceRate returns the share of completed, due-dated tasks that were
// finished on time. It is 0 when no completed task had a due date.
func AdherenceRate(onTime, withDueDate int) float64 {
	if withDueDate <= 0 || onTime <= 0 {
		return 0
	}
	return clamp(float64(onTime)/float64(withDueDate)*100, 0, 100)
}

// CountAdherence counts live, completed tasks that carry a due date and how
// many of them were completed at or before it.
func CountAdherence(tasks []model.TaskSnapshot) (onTime, withDueDate int) {
	for _, t := range tasks {
		if !t.Live() || t.CompletedAt == nil || t.DueAt == nil {
			continue
		}
		withDueDate++
		if !t.CompletedAt.After(*t.DueAt) {
			onTime++
		}
	}
	return onTime, withDueDate
}

// Velocity returns completions per week over a span of days. Fractional
// weeks are not rounded.
func Velocity(completed, days int) float64 {
	if days <= 0 || completed <= 0 {
		return 0
	}
	return float64(completed) / (float64(days) / 7)
}

// AverageCompletionTime is the mean of completed_at - created_at, in days,
// over live tasks with both timestamps.
func AverageCompletionTime(tasks []model.TaskSnapshot) float64 {
	var sum float64
	var n int
	for _, t := range tasks {
		if !t.Live() || t.CompletedAt == nil || t.CreatedAt.IsZero() {
			continue
		}
		d := t.CompletedAt.Sub(t.CreatedAt)
		if d < 0 {
			d = 0
		}
		sum += d.Hours() / 24
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// AverageDelay is the mean lateness, in days, of tasks completed strictly
// after their due date. On-time tasks do not contribute.
func AverageDelay(tasks []model.TaskSnapshot) float64 {
	var sum float64
	var n int
	for _, t := range tasks {
		if !t.Live() || t.CompletedAt == nil || t.DueAt == nil {
			continue
		}
		if !t.CompletedAt.After(*t.DueAt) {
			continue
		}
		sum += t.CompletedAt.Sub(*t.DueAt).Hours() / 24
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// Consistency maps the coefficient of variation of per-period completion
// counts onto [0,100]: CV=0 scores 100, CV>=1 scores 0. Fewer than two
// periods scores 100. Two or more periods with no completions score 0.
func Consistency(counts []int) float64 {
	if len(counts) < 2 {
		return 100
	}
	var sum float64
	for _, c := range counts {
		sum += float64(c)
	}
	mean := sum / float64(len(counts))
	if mean <= 0 {
		return 0
	}
	var sq float64
	for _, c := range counts {
		d := float64(c) - mean
		sq += d * d
	}
	stddev := math.Sqrt(sq / float64(len(counts)))
	return clamp((1-stddev/mean)*100, 0, 100)
}

// NormalizeVelocity scales tasks/week onto [0,100].
func NormalizeVelocity(v float64) float64 {
	if v <= 0 {
		return 0
	}
	return math.Min(v*velocitySaturation, 100)
}

// ProductivityScore combines the four components with fixed weights, clamps
// to [0,100] and rounds to one decimal.
func ProductivityScore(completionRate, adherenceRate, velocity, consistency float64) float64 {
	score := completionRate*WeightCompletion +
		adherenceRate*WeightAdherence +
		NormalizeVelocity(velocity)*WeightVelocity +
		consistency*WeightConsistency
	return Round1(clamp(score, 0, 100))
}

// Round1 rounds to one decimal place.
func Round1(v float64) float64 {
	return math.Round(v*10) / 10
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}

// PeriodCompletionRate is the completion rate used for rollups and trend
// periods: completions against the work that entered the period. A period
// that clears more backlog than it receives is capped at 100.
func PeriodCompletionRate(created, completed int) float64 {
	denom := created
	if completed > denom {
		denom = completed
	}
	return Round1(CompletionRate(completed, denom))
}
