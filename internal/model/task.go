// Package model holds the value types shared by the metrics engine: task
// snapshots read from the record store, daily rollups, date ranges,
// mutation events and aggregate snapshot generations.
package model

import (
	"fmt"
	"time"
)

type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusInProgress TaskStatus = "in_progress"
	StatusDone       TaskStatus = "done"
)

// Valid reports whether s is one of the known statuses.
func (s TaskStatus) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusDone:
		return true
	}
	return false
}

type TaskPriority string

const (
	PriorityLow    TaskPriority = "low"
	PriorityMedium TaskPriority = "medium"
	PriorityHigh   TaskPriority = "high"
)

func (p TaskPriority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return true
	}
	return false
}

// TaskSnapshot is a point-in-time, read-only projection of a task row owned
// by the record store. The engine never writes it back.
type TaskSnapshot struct {
	ID          string       `json:"id"`
	UserID      string       `json:"user_id"`
	Status      TaskStatus   `json:"status"`
	Priority    TaskPriority `json:"priority"`
	CreatedAt   time.Time    `json:"created_at"`
	DueAt       *time.Time   `json:"due_at,omitempty"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
	Deleted     bool         `json:"deleted"`
	DeletedAt   *time.Time   `json:"deleted_at,omitempty"`
}

// Validate checks the structural contract of a snapshot: completed_at is set
// iff the task is done, and never precedes created_at.
func (t TaskSnapshot) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("%w: empty task id", ErrInvalidSnapshot)
	}
	if !t.Status.Valid() {
		return fmt.Errorf("%w: task %s has unknown status %q", ErrInvalidSnapshot, t.ID, t.Status)
	}
	if t.Priority != "" && !t.Priority.Valid() {
		return fmt.Errorf("%w: task %s has unknown priority %q", ErrInvalidSnapshot, t.ID, t.Priority)
	}
	done := t.Status == StatusDone
	if done != (t.CompletedAt != nil) {
		return fmt.Errorf("%w: task %s status=%s completed_at set=%t", ErrInvalidSnapshot, t.ID, t.Status, t.CompletedAt != nil)
	}
	if t.CompletedAt != nil && t.CompletedAt.Before(t.CreatedAt) {
		return fmt.Errorf("%w: task %s completed before it was created", ErrInvalidSnapshot, t.ID)
	}
	return nil
}

// Live reports whether the task participates in computation.
func (t TaskSnapshot) Live() bool { return !t.Deleted }

// DeletedDay returns the time the deletion is attributed to. Record stores
// that do not track deleted_at fall back to created_at.
func (t TaskSnapshot) DeletedDay() time.Time {
	if t.DeletedAt != nil {
		return *t.DeletedAt
	}
	return t.CreatedAt
}
