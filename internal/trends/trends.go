// Package trends groups daily rollups into daily, weekly (ISO) or monthly
// trend points over a requested date range.
package trends

import (
	"fmt"
	"strings"
	"time"

	"github.com/basket/tally/internal/metrics"
	"github.com/basket/tally/internal/model"
)

type Granularity string

const (
	Daily   Granularity = "daily"
	Weekly  Granularity = "weekly"
	Monthly Granularity = "monthly"
)

// ParseGranularity accepts daily, weekly or monthly (case-insensitive).
// An empty string means daily.
func ParseGranularity(s string) (Granularity, error) {
	switch g := Granularity(strings.ToLower(strings.TrimSpace(s))); g {
	case "":
		return Daily, nil
	case Daily, Weekly, Monthly:
		return g, nil
	default:
		return "", fmt.Errorf("%w: unknown granularity %q", model.ErrInvalidQuery, s)
	}
}

// Point is one aggregated period. Start and End are clipped to the
// requested range.
type Point struct {
	Label             string  `json:"label"`
	Start             string  `json:"start"`
	End               string  `json:"end"`
	Days              int     `json:"days"`
	DaysWithData      int     `json:"days_with_data"`
	TasksCreated      int     `json:"tasks_created"`
	TasksCompleted    int     `json:"tasks_completed"`
	TasksDeleted      int     `json:"tasks_deleted"`
	CompletionRate    float64 `json:"completion_rate"`
	ProductivityScore float64 `json:"productivity_score"`
}

// Trend is a zero-filled time series covering exactly the requested range.
// Complete is false when any day in the range had no rollup.
type Trend struct {
	Granularity Granularity `json:"granularity"`
	Start       string      `json:"start"`
	End         string      `json:"end"`
	Points      []Point     `json:"points"`
	Complete    bool        `json:"complete"`
	MissingDays int         `json:"missing_days"`
}

// Aggregate builds the trend for r from rollups belonging to one user.
// Rollups outside r are ignored; a missing day counts as a zero-activity day.
func Aggregate(rollups []model.DailyRollup, r model.DateRange, g Granularity) (Trend, error) {
	if err := r.Validate(); err != nil {
		return Trend{}, err
	}
	if g == "" {
		g = Daily
	}
	if _, err := ParseGranularity(string(g)); err != nil {
		return Trend{}, err
	}

	byDay := make(map[string]model.DailyRollup, len(rollups))
	for _, ru := range rollups {
		if _, dup := byDay[ru.Date]; dup {
			continue
		}
		byDay[ru.Date] = ru
	}

	out := Trend{
		Granularity: g,
		Start:       r.Start.Format(model.DayLayout),
		End:         r.End.Format(model.DayLayout),
		Points:      []Point{},
	}

	var (
		cur      *Point
		curKey   time.Time
		scoreSum float64
	)
	flush := func() {
		if cur == nil {
			return
		}
		cur.CompletionRate = metrics.PeriodCompletionRate(cur.TasksCreated, cur.TasksCompleted)
		cur.ProductivityScore = metrics.Round1(scoreSum / float64(cur.Days))
		out.Points = append(out.Points, *cur)
	}

	r.EachDay(func(day time.Time) {
		key := periodStart(day, g)
		if cur == nil || !key.Equal(curKey) {
			flush()
			curKey = key
			scoreSum = 0
			cur = &Point{
				Label: label(key, g),
				Start: day.Format(model.DayLayout),
			}
		}
		cur.End = day.Format(model.DayLayout)
		cur.Days++

		ru, ok := byDay[day.Format(model.DayLayout)]
		if !ok {
			out.MissingDays++
			return
		}
		cur.DaysWithData++
		cur.TasksCreated += ru.TasksCreated
		cur.TasksCompleted += ru.TasksCompleted
		cur.TasksDeleted += ru.TasksDeleted
		scoreSum += ru.ProductivityScore
	})
	flush()

	out.Complete = out.MissingDays == 0
	return out, nil
}

// periodStart maps a day onto the first day of its period.
func periodStart(day time.Time, g Granularity) time.Time {
	switch g {
	case Weekly:
		offset := (int(day.Weekday()) + 6) % 7 // Monday = 0
		return day.AddDate(0, 0, -offset)
	case Monthly:
		return time.Date(day.Year(), day.Month(), 1, 0, 0, 0, 0, day.Location())
	default:
		return day
	}
}

func label(start time.Time, g Granularity) string {
	switch g {
	case Weekly:
		y, w := start.ISOWeek()
		return fmt.Sprintf("%04d-W%02d", y, w)
	case Monthly:
		return start.Format("2006-01")
	default:
		return start.Format(model.DayLayout)
	}
}
