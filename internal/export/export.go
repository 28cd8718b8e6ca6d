// Package export encodes daily rollup rows for download.
package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/basket/tally/internal/model"
)

type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
)

// ParseFormat accepts "json" (the default for "") or "csv".
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case "", FormatJSON:
		return FormatJSON, nil
	case FormatCSV:
		return FormatCSV, nil
	default:
		return "", fmt.Errorf("%w: unknown export format %q", model.ErrInvalidQuery, s)
	}
}

// ContentType is the HTTP media type for f.
func (f Format) ContentType() string {
	if f == FormatCSV {
		return "text/csv; charset=utf-8"
	}
	return "application/json"
}

var header = []string{
	"user_id", "date", "tasks_created", "tasks_completed", "tasks_deleted",
	"completion_rate", "productivity_score",
}

// Write encodes rows to w in format f. An empty export is "[]" in JSON
// and a lone header line in CSV.
func Write(w io.Writer, f Format, rows []model.DailyRollup) error {
	switch f {
	case FormatCSV:
		return writeCSV(w, rows)
	default:
		if rows == nil {
			rows = []model.DailyRollup{}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}
}

func writeCSV(w io.Writer, rows []model.DailyRollup) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, r := range rows {
		if err := cw.Write([]string{
			r.UserID,
			r.Date,
			strconv.Itoa(r.TasksCreated),
			strconv.Itoa(r.TasksCompleted),
			strconv.Itoa(r.TasksDeleted),
			strconv.FormatFloat(r.CompletionRate, 'f', 2, 64),
			strconv.FormatFloat(r.ProductivityScore, 'f', 2, 64),
		}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
