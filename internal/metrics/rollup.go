package metrics

import (
	"time"

	"github.com/basket/tally/internal/model"
)

// DailyRollup summarises userID's activity on the calendar day starting at
// day. Tasks deleted after the day still count toward created and completed
// so a rollup recomputed later for an elapsed day is identical.
func DailyRollup(userID string, tasks []model.TaskSnapshot, day time.Time) (model.DailyRollup, error) {
	if err := Validate(tasks); err != nil {
		return model.DailyRollup{}, err
	}
	r := model.DateRange{Start: day, End: day}

	var created, completed, deleted, onTime, withDue int
	for _, t := range tasks {
		if r.Contains(t.CreatedAt) {
			created++
		}
		if t.CompletedAt != nil && r.Contains(*t.CompletedAt) {
			completed++
			if t.DueAt != nil {
				withDue++
				if !t.CompletedAt.After(*t.DueAt) {
					onTime++
				}
			}
		}
		if t.Deleted && r.Contains(t.DeletedDay()) {
			deleted++
		}
	}

	denom := max(created, completed)
	return model.DailyRollup{
		UserID:         userID,
		Date:           day.Format(model.DayLayout),
		TasksCreated:   created,
		TasksCompleted: completed,
		TasksDeleted:   deleted,
		CompletionRate: PeriodCompletionRate(created, completed),
		ProductivityScore: ProductivityScore(
			CompletionRate(completed, denom),
			AdherenceRate(onTime, withDue),
			Velocity(completed, 1),
			100,
		),
	}, nil
}
