package model

import "time"

// StatusDistribution counts live tasks by status. Total always equals the
// sum of the three buckets.
type StatusDistribution struct {
	Pending    int `json:"pending"`
	InProgress int `json:"in_progress"`
	Done       int `json:"done"`
	Total      int `json:"total"`
}

type PriorityDistribution struct {
	Low    int `json:"low"`
	Medium int `json:"medium"`
	High   int `json:"high"`
}

// Totals are running, all-time counters for one user.
type Totals struct {
	Created   int `json:"created"`
	Completed int `json:"completed"`
	Deleted   int `json:"deleted"`
	Overdue   int `json:"overdue"`
}

// AggregateSnapshot is the precomputed per-user aggregate published by the
// snapshot refresher.
type AggregateSnapshot struct {
	UserID            string               `json:"user_id"`
	Generation        uint64               `json:"generation"`
	ComputedAt        time.Time            `json:"computed_at"`
	Status            StatusDistribution   `json:"status"`
	Priority          PriorityDistribution `json:"priority"`
	Totals            Totals               `json:"totals"`
	CompletionRate    float64              `json:"completion_rate"`
	AvgCompletionDays float64              `json:"avg_completion_days"`
}

// Generation is one immutable, fully built set of aggregate snapshots.
// Once published it must not be mutated.
type Generation struct {
	ID      uint64                       `json:"id"`
	BuiltAt time.Time                    `json:"built_at"`
	Users   map[string]AggregateSnapshot `json:"users"`
}

// Lookup returns the snapshot for userID within this generation.
func (g *Generation) Lookup(userID string) (AggregateSnapshot, bool) {
	if g == nil {
		return AggregateSnapshot{}, false
	}
	s, ok := g.Users[userID]
	return s, ok
}
