// Package quality scores connection health. Two formulas live here on purpose:
// SessionScore feeds persisted session metrics, StreamScore feeds ad-hoc charts and
// quality indicators computed straight from an event stream. They may disagree on
// the same session and callers depend on each one's behaviour.
package quality

import (
	"math"
	"time"

	"pwrec/internal/models"
)

// Calculator scores a session from its persisted metrics.
type Calculator interface {
	SessionScore(s *models.Session) int
}

// Scorer is the default Calculator.
type Scorer struct{}

// SessionScore implements Calculator.
func (Scorer) SessionScore(s *models.Session) int {
	return SessionScore(s.Metrics(), s.DurationMs())
}

const (
	disconnectionPenaltyEach = 5
	disconnectionPenaltyCap  = 30
	downtimePenaltyFactor    = 0.4
	downtimePenaltyCap       = 40
	reconnectionPenaltyScale = 20
	latencyPenaltyDivisor    = 100
	latencyPenaltyCap        = 10
)

// SessionScore applies the persisted-metrics formula: start at 100 and subtract the
// disconnection, downtime, reconnection and latency penalties.
func SessionScore(m models.ConnectionMetrics, sessionDurationMs int64) int {
	if sessionDurationMs < 1 {
		sessionDurationMs = 1
	}
	penalty := math.Min(float64(m.DisconnectionCount*disconnectionPenaltyEach), disconnectionPenaltyCap)

	downtimePct := math.Min(float64(m.TotalDisconnectionTime)/float64(sessionDurationMs)*100, 100)
	if downtimePct < 0 {
		downtimePct = 0
	}
	penalty += math.Min(downtimePct*downtimePenaltyFactor, downtimePenaltyCap)

	if m.ReconnectionCount > 0 {
		penalty += (1 - m.ReconnectionSuccessRate) * reconnectionPenaltyScale
	}
	if m.AverageLatency != nil {
		penalty += math.Min(*m.AverageLatency/latencyPenaltyDivisor, latencyPenaltyCap)
	}
	return int(math.Round(clamp(100-penalty, 0, 100)))
}

// StreamStats are the event-frequency figures behind StreamScore.
type StreamStats struct {
	TotalEvents             int      `json:"total_events"`
	Disconnections          int      `json:"disconnections"`
	Reconnections           int      `json:"reconnections"`
	Failures                int      `json:"failures"`
	Warnings                int      `json:"warnings"`
	SpanMs                  int64    `json:"span_ms"`
	DowntimeMs              int64    `json:"downtime_ms"`
	DowntimePercent         float64  `json:"downtime_percent"`
	DisconnectionsPerMinute float64  `json:"disconnections_per_minute"`
	ReconnectSuccessPercent float64  `json:"reconnect_success_percent"`
	AverageLatency          *float64 `json:"average_latency,omitempty"`
}

// AnalyzeStream walks a time-ordered event stream up to now. Downtime is the explicit
// duration of a disconnected event when present; otherwise the gap until the next
// connected/reconnected event (or now, if the link never came back).
func AnalyzeStream(events []models.ConnectionEvent, now time.Time) StreamStats {
	stats := StreamStats{TotalEvents: len(events), ReconnectSuccessPercent: 100}
	if len(events) == 0 {
		return stats
	}

	var downSince *time.Time
	var latencySum float64
	var latencyCount int
	for i := range events {
		ev := events[i]
		switch ev.Type {
		case models.EventDisconnected:
			stats.Disconnections++
			if ev.Duration != nil {
				stats.DowntimeMs += ev.DurationMs()
			} else if downSince == nil {
				ts := ev.Timestamp
				downSince = &ts
			}
		case models.EventReconnected, models.EventConnected:
			if ev.Type == models.EventReconnected {
				stats.Reconnections++
			}
			if downSince != nil {
				if gap := ev.Timestamp.Sub(*downSince).Milliseconds(); gap > 0 {
					stats.DowntimeMs += gap
				}
				downSince = nil
			}
		case models.EventFailed:
			stats.Failures++
		case models.EventWarning:
			stats.Warnings++
		}
		if ev.HasLatency() {
			latencySum += *ev.Latency
			latencyCount++
		}
	}
	if downSince != nil {
		if gap := now.Sub(*downSince).Milliseconds(); gap > 0 {
			stats.DowntimeMs += gap
		}
	}

	stats.SpanMs = now.Sub(events[0].Timestamp).Milliseconds()
	if stats.SpanMs < 1 {
		stats.SpanMs = 1
	}
	stats.DowntimePercent = math.Min(float64(stats.DowntimeMs)/float64(stats.SpanMs)*100, 100)

	minutes := math.Max(float64(stats.SpanMs)/float64(time.Minute.Milliseconds()), 1)
	stats.DisconnectionsPerMinute = float64(stats.Disconnections) / minutes

	if attempts := stats.Reconnections + stats.Failures; attempts > 0 {
		stats.ReconnectSuccessPercent = float64(stats.Reconnections) / float64(attempts) * 100
	}
	if latencyCount > 0 {
		avg := latencySum / float64(latencyCount)
		stats.AverageLatency = &avg
	}
	return stats
}

// StreamScore applies the event-frequency formula:
// 100 - downtime%*0.5 - disconnectionsPerMinute*10 + reconnectSuccess%*0.2, clamped.
func StreamScore(stats StreamStats) int {
	if stats.TotalEvents == 0 {
		return 100
	}
	score := 100 - stats.DowntimePercent*0.5 - stats.DisconnectionsPerMinute*10 + stats.ReconnectSuccessPercent*0.2
	return int(math.Round(clamp(score, 0, 100)))
}

// Summary is what the UI renders for a quality indicator.
type Summary struct {
	Score   int         `json:"score"`
	Label   Label       `json:"label"`
	Color   string      `json:"color"`
	Metrics StreamStats `json:"metrics"`
}

// Summarize scores an event stream with the event-frequency formula.
func Summarize(events []models.ConnectionEvent, now time.Time) Summary {
	stats := AnalyzeStream(events, now)
	score := StreamScore(stats)
	return Summary{Score: score, Label: LabelFor(score), Color: ColorFor(score), Metrics: stats}
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
