package service

import (
	"github.com/basket/tally/internal/model"
	"github.com/basket/tally/internal/trends"
)

// Payload is the typed result of one metric query. The set of
// implementations is closed: Overview, Distribution, CompletionRate,
// Adherence, Velocity, Productivity and Trend.
type Payload interface {
	payload()
}

// Overview is the per-user aggregate. Source is "snapshot" when it came
// from the published generation and "live" when computed on demand.
type Overview struct {
	UserID            string                     `json:"user_id"`
	Source            string                     `json:"source"`
	Generation        uint64                     `json:"generation,omitempty"`
	Status            model.StatusDistribution   `json:"status"`
	Priority          model.PriorityDistribution `json:"priority"`
	Totals            model.Totals               `json:"totals"`
	CompletionRate    float64                    `json:"completion_rate"`
	AvgCompletionDays float64                    `json:"avg_completion_days"`
}

// Distribution counts live tasks by status or priority.
type Distribution struct {
	Kind   string         `json:"kind"`
	Counts map[string]int `json:"counts"`
	Total  int            `json:"total"`
}

type CompletionRate struct {
	Range     model.DateRange `json:"range"`
	Completed int             `json:"completed"`
	Total     int             `json:"total"`
	Rate      float64         `json:"rate"`
}

type Adherence struct {
	Range        model.DateRange `json:"range"`
	OnTime       int             `json:"on_time"`
	WithDueDate  int             `json:"with_due_date"`
	Rate         float64         `json:"rate"`
	AvgDelayDays float64         `json:"avg_delay_days"`
}

type Velocity struct {
	Range             model.DateRange `json:"range"`
	Completed         int             `json:"completed"`
	Days              int             `json:"days"`
	TasksPerWeek      float64         `json:"tasks_per_week"`
	AvgCompletionDays float64         `json:"avg_completion_days"`
}

// Productivity is the composite score with the components that fed it.
type Productivity struct {
	Range          model.DateRange `json:"range"`
	Score          float64         `json:"score"`
	CompletionRate float64         `json:"completion_rate"`
	AdherenceRate  float64         `json:"adherence_rate"`
	Velocity       float64         `json:"velocity"`
	Consistency    float64         `json:"consistency"`
}

type Trend struct {
	trends.Trend
}

func (Overview) payload()       {}
func (Distribution) payload()   {}
func (CompletionRate) payload() {}
func (Adherence) payload()      {}
func (Velocity) payload()       {}
func (Productivity) payload()   {}
func (Trend) payload()          {}
