package model

import "time"

type MutationKind string

const (
	MutationCreated   MutationKind = "created"
	MutationCompleted MutationKind = "completed"
	MutationUpdated   MutationKind = "updated"
	MutationDeleted   MutationKind = "deleted"
)

// MutationEvent is emitted by the record store after a task write commits.
type MutationEvent struct {
	ID         string       `json:"id"`
	UserID     string       `json:"user_id"`
	TaskID     string       `json:"task_id"`
	Kind       MutationKind `json:"event"`
	OccurredAt time.Time    `json:"occurred_at"`
}
