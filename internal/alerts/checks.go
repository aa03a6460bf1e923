package alerts

import (
	"fmt"
	"math"

	"pwrec/internal/models"
)

// Escalation cutoffs are fixed; only the trigger levels come from AlertThresholds.
const (
	qualityCriticalBelow = 40
	qualityWarningBelow  = 50

	disconnectionCriticalAt = 5

	reconnectionRateGate     = 0.7
	reconnectionCriticalRate = 0.5
	reconnectionMinAttempts  = 3

	downtimePercentGate     = 20
	downtimeCriticalPercent = 40
	downtimeMinMs           = 10000
)

// candidate is an alert a check wants to raise before deduplication.
type candidate struct {
	kind     models.AlertType
	severity models.AlertSeverity
	message  string
	context  map[string]any
}

type check func(s *models.Session, th models.AlertThresholds) (candidate, bool)

// checks run in this order on every evaluation pass.
var checks = []check{
	checkQuality,
	checkDisconnections,
	checkReconnections,
	checkDowntime,
}

func checkQuality(s *models.Session, th models.AlertThresholds) (candidate, bool) {
	m := s.Metrics()
	if m.QualityScore >= th.QualityScore {
		return candidate{}, false
	}
	severity := models.SeverityInfo
	switch {
	case m.QualityScore < qualityCriticalBelow:
		severity = models.SeverityCritical
	case m.QualityScore < qualityWarningBelow:
		severity = models.SeverityWarning
	}
	return candidate{
		kind:     models.AlertQuality,
		severity: severity,
		message:  fmt.Sprintf("Connection quality for %s dropped to %d (minimum %d)", sessionLabel(s), m.QualityScore, th.QualityScore),
		context: map[string]any{
			"quality_score": m.QualityScore,
			"threshold":     th.QualityScore,
		},
	}, true
}

func checkDisconnections(s *models.Session, th models.AlertThresholds) (candidate, bool) {
	m := s.Metrics()
	if m.DisconnectionCount == 0 || m.DisconnectionCount < th.DisconnectionCount {
		return candidate{}, false
	}
	severity := models.SeverityWarning
	if m.DisconnectionCount >= disconnectionCriticalAt {
		severity = models.SeverityCritical
	}
	return candidate{
		kind:     models.AlertDisconnection,
		severity: severity,
		message:  fmt.Sprintf("%s disconnected %d times", sessionLabel(s), m.DisconnectionCount),
		context: map[string]any{
			"disconnection_count": m.DisconnectionCount,
			"threshold":           th.DisconnectionCount,
		},
	}, true
}

// The reconnection and downtime checks fire on fixed gates. Their context reports the
// gate that fired and, separately, the user's configured_threshold, which does not
// decide the outcome.
func checkReconnections(s *models.Session, th models.AlertThresholds) (candidate, bool) {
	m := s.Metrics()
	attempts := m.ReconnectionAttempts()
	if attempts < reconnectionMinAttempts || m.ReconnectionSuccessRate >= reconnectionRateGate {
		return candidate{}, false
	}
	severity := models.SeverityWarning
	if m.ReconnectionSuccessRate < reconnectionCriticalRate {
		severity = models.SeverityCritical
	}
	failRate := round1((1 - m.ReconnectionSuccessRate) * 100)
	return candidate{
		kind:     models.AlertReconnection,
		severity: severity,
		message:  fmt.Sprintf("%s failed %d of %d reconnection attempts", sessionLabel(s), m.FailedReconnectionCount, attempts),
		context: map[string]any{
			"attempts":             attempts,
			"success_rate":         m.ReconnectionSuccessRate,
			"fail_rate_percent":    failRate,
			"success_rate_below":   reconnectionRateGate,
			"configured_threshold": th.ReconnectionFailRate,
		},
	}, true
}

func checkDowntime(s *models.Session, th models.AlertThresholds) (candidate, bool) {
	m := s.Metrics()
	pct := s.DowntimePercentage()
	if pct <= downtimePercentGate || m.TotalDisconnectionTime <= downtimeMinMs {
		return candidate{}, false
	}
	severity := models.SeverityWarning
	if pct > downtimeCriticalPercent {
		severity = models.SeverityCritical
	}
	return candidate{
		kind:     models.AlertDowntime,
		severity: severity,
		message:  fmt.Sprintf("%s was disconnected for %.1f%% of the session", sessionLabel(s), round1(pct)),
		context: map[string]any{
			"downtime_percentage":  round1(pct),
			"downtime_ms":          m.TotalDisconnectionTime,
			"percent_above":        downtimePercentGate,
			"configured_threshold": th.DowntimeThreshold,
		},
	}, true
}

func sessionLabel(s *models.Session) string {
	if s.Name != "" {
		return fmt.Sprintf("Session %q", s.Name)
	}
	return "Session " + s.ID
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
