package service

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/basket/tally/internal/model"
	"github.com/basket/tally/internal/trends"
)

var validate *validator.Validate

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())

	_ = validate.RegisterValidation("metric", func(fl validator.FieldLevel) bool {
		_, err := model.ParseMetric(fl.Field().String())
		return err == nil
	})
	_ = validate.RegisterValidation("nonempty", func(fl validator.FieldLevel) bool {
		return strings.TrimSpace(fl.Field().String()) != ""
	})
}

// Query asks for one metric for one user. Period is the trend
// granularity; Range defaults to the service's default window ending today.
type Query struct {
	UserID string           `json:"user_id" validate:"required,nonempty,max=256"`
	Metric model.Metric     `json:"metric" validate:"required,metric"`
	Period string           `json:"period,omitempty" validate:"omitempty,oneof=daily weekly monthly"`
	Range  *model.DateRange `json:"range,omitempty"`
}

// Result is a metric payload plus how the cache served it.
type Result struct {
	Metric      model.Metric `json:"metric"`
	CacheStatus string       `json:"cache_status"`
	Payload     Payload      `json:"payload"`
}

// normalize validates q and resolves its window.
func (q Query) normalize(now time.Time, defaultDays int, loc *time.Location) (Query, model.DateRange, trends.Granularity, error) {
	if err := validateStruct(q); err != nil {
		return q, model.DateRange{}, "", err
	}
	var r model.DateRange
	if q.Range != nil {
		r = model.NewDateRange(q.Range.Start, q.Range.End, loc)
		if err := checkRange(r); err != nil {
			return q, r, "", err
		}
	} else {
		r = model.LastNDays(now, defaultDays, loc)
	}
	g, err := trends.ParseGranularity(q.Period)
	if err != nil {
		return q, r, "", err
	}
	return q, r, g, nil
}

func checkRange(r model.DateRange) error {
	if err := r.Validate(); err != nil {
		return err
	}
	if r.Days() > model.MaxExportDays {
		return fmt.Errorf("%w: %d days exceeds the %d-day limit", model.ErrInvalidPeriod, r.Days(), model.MaxExportDays)
	}
	return nil
}

// validateStruct turns validator failures into one ErrInvalidQuery.
func validateStruct(s any) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", model.ErrInvalidQuery, err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, formatValidationError(fe))
	}
	return fmt.Errorf("%w: %s", model.ErrInvalidQuery, strings.Join(msgs, "; "))
}

func formatValidationError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "nonempty":
		return fmt.Sprintf("%s is required", fe.Field())
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", fe.Field(), fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", fe.Field(), fe.Param())
	case "metric":
		return fmt.Sprintf("unknown metric %q", fe.Value())
	default:
		return fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag())
	}
}
