package model

import "fmt"

// Metric names a queryable statistic.
type Metric string

const (
	MetricOverview             Metric = "overview"
	MetricStatusDistribution   Metric = "status_distribution"
	MetricPriorityDistribution Metric = "priority_distribution"
	MetricCompletionRate       Metric = "completion_rate"
	MetricAdherence            Metric = "adherence"
	MetricVelocity             Metric = "velocity"
	MetricProductivityScore    Metric = "productivity_score"
	MetricTrend                Metric = "trend"
)

// Metrics lists every queryable metric.
var Metrics = []Metric{
	MetricOverview,
	MetricStatusDistribution,
	MetricPriorityDistribution,
	MetricCompletionRate,
	MetricAdherence,
	MetricVelocity,
	MetricProductivityScore,
	MetricTrend,
}

// VolatileMetrics change with any task write and are invalidated on every
// mutation. Trends are handled by range.
var VolatileMetrics = []Metric{
	MetricOverview,
	MetricStatusDistribution,
	MetricPriorityDistribution,
	MetricCompletionRate,
	MetricAdherence,
	MetricVelocity,
	MetricProductivityScore,
}

// ParseMetric validates s.
func ParseMetric(s string) (Metric, error) {
	for _, m := range Metrics {
		if string(m) == s {
			return m, nil
		}
	}
	return "", fmt.Errorf("%w: unknown metric %q", ErrInvalidQuery, s)
}
