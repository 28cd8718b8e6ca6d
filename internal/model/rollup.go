package model

// DailyRollup is the per-user, per-day summary written by the rollup job.
// Rows for days before today are immutable once written.
type DailyRollup struct {
	UserID            string  `json:"user_id"`
	Date              string  `json:"date"`
	TasksCreated      int     `json:"tasks_created"`
	TasksCompleted    int     `json:"tasks_completed"`
	TasksDeleted      int     `json:"tasks_deleted"`
	CompletionRate    float64 `json:"completion_rate"`
	ProductivityScore float64 `json:"productivity_score"`
}
