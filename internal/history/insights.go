package history

import (
	"fmt"
	"sort"

	"pwrec/internal/models"
)

// ThirdsTrend splits a time-ordered series into three equal parts and compares the mean
// of the first third with the mean of the last. Series shorter than three values, or
// with a zero first-third mean, are stable. When higherIsBetter is false a rising
// series is reported as declining.
func ThirdsTrend(values []float64, higherIsBetter bool) (models.Trend, float64) {
	size := len(values) / 3
	if size == 0 {
		return models.TrendStable, 0
	}
	first := mean(values[:size])
	last := mean(values[len(values)-size:])
	if first == 0 {
		return models.TrendStable, 0
	}
	change := round1((last - first) / first * 100)
	if !higherIsBetter {
		return trendFor(-change), change
	}
	return trendFor(change), change
}

func mean(values []float64) float64 {
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// Insight is one human-readable observation over a series of sessions.
type Insight struct {
	Metric           string       `json:"metric"`
	Trend            models.Trend `json:"trend"`
	ChangePercentage float64      `json:"change_percentage"`
	SessionCount     int          `json:"session_count"`
	Message          string       `json:"message"`
}

type insightMetric struct {
	name           string
	label          string
	higherIsBetter bool
	value          func(*models.Session) float64
}

var insightMetrics = []insightMetric{
	{"quality_score", "Connection quality", true, func(s *models.Session) float64 { return float64(s.Metrics().QualityScore) }},
	{"disconnection_count", "Disconnections per session", false, func(s *models.Session) float64 { return float64(s.Metrics().DisconnectionCount) }},
	{"stability_percentage", "Connection stability", true, func(s *models.Session) float64 { return float64(s.Metrics().StabilityPercentage) }},
}

// Insights runs ThirdsTrend over quality, disconnections and stability of the given
// sessions, oldest first.
func Insights(sessions []*models.Session) []Insight {
	ordered := make([]*models.Session, 0, len(sessions))
	for _, s := range sessions {
		if s != nil {
			ordered = append(ordered, s)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
	})

	out := make([]Insight, 0, len(insightMetrics))
	for _, im := range insightMetrics {
		values := make([]float64, len(ordered))
		for i, s := range ordered {
			values[i] = im.value(s)
		}
		trend, change := ThirdsTrend(values, im.higherIsBetter)
		out = append(out, Insight{
			Metric:           im.name,
			Trend:            trend,
			ChangePercentage: change,
			SessionCount:     len(ordered),
			Message:          insightMessage(im.label, trend, change, len(ordered)),
		})
	}
	return out
}

func insightMessage(label string, trend models.Trend, change float64, n int) string {
	if n < 3 {
		return fmt.Sprintf("%s: not enough sessions yet to spot a trend", label)
	}
	switch trend {
	case models.TrendImproving:
		return fmt.Sprintf("%s is improving (%+.1f%% across the last %d sessions)", label, change, n)
	case models.TrendDeclining:
		return fmt.Sprintf("%s is getting worse (%+.1f%% across the last %d sessions)", label, change, n)
	default:
		return fmt.Sprintf("%s is holding steady across the last %d sessions", label, n)
	}
}
