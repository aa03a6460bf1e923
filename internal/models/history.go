package models

import (
	"fmt"
	"time"
)

type Period string

const (
	PeriodDay   Period = "day"
	PeriodWeek  Period = "week"
	PeriodMonth Period = "month"
	PeriodAll   Period = "all"
)

// Periods lists every historical window in recompute order.
var Periods = []Period{PeriodDay, PeriodWeek, PeriodMonth, PeriodAll}

// ParsePeriod validates a raw period name.
func ParsePeriod(raw string) (Period, error) {
	for _, p := range Periods {
		if string(p) == raw {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown period %q", raw)
}

type Trend string

const (
	TrendImproving Trend = "improving"
	TrendDeclining Trend = "declining"
	TrendStable    Trend = "stable"
)

// HistoricalMetrics is the rolling aggregate for one period. It is replaced, not
// appended, whenever any session changes.
type HistoricalMetrics struct {
	Period                    Period    `json:"period"`
	StartTime                 time.Time `json:"start_time"`
	EndTime                   time.Time `json:"end_time"`
	AverageQualityScore       float64   `json:"average_quality_score"`
	AverageDisconnectionCount float64   `json:"average_disconnection_count"`
	AverageDowntimePercentage float64   `json:"average_downtime_percentage"`
	SessionCount              int       `json:"session_count"`
	Trend                     Trend     `json:"trend"`
	ChangePercentage          *float64  `json:"change_percentage,omitempty"`
	ProblemSessionCount       int       `json:"problem_session_count"`
}
