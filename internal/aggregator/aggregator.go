package aggregator

import (
	"math"

	"go.uber.org/zap"

	"pwrec/internal/models"
	"pwrec/internal/quality"
)

// Aggregator derives a session's ConnectionMetrics from its event log. It keeps no
// state of its own: the session carries the running metrics, so one Aggregator can
// serve every session.
type Aggregator struct {
	calc   quality.Calculator
	logger *zap.Logger
}

// New returns an Aggregator that scores with calc. A nil logger disables logging.
func New(calc quality.Calculator, logger *zap.Logger) *Aggregator {
	if calc == nil {
		calc = quality.Scorer{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{calc: calc, logger: logger.Named("metrics-aggregator")}
}

// ApplyEvent folds ev into the session's metrics and returns the result. The caller
// must already have appended ev to s.ConnectionEvents and stamped s.UpdatedAt; the
// session itself is not modified. Applying the same appended event twice double counts.
func (a *Aggregator) ApplyEvent(s *models.Session, ev models.ConnectionEvent) models.ConnectionMetrics {
	m := s.Metrics()

	prior := s.ConnectionEvents
	if n := len(prior); n > 0 {
		prior = prior[:n-1]
	}
	applyType(&m, ev, hasConnected(prior))
	applyLatency(&m, s.ConnectionEvents)
	a.finish(s, &m)

	a.logger.Debug("applied connection event",
		zap.String("session", s.ID),
		zap.String("type", string(ev.Type)),
		zap.Int("quality", m.QualityScore),
		zap.Int("stability", m.StabilityPercentage))
	return m
}

// Rebuild recomputes metrics from scratch by replaying the session's whole event log.
// The result matches what successive ApplyEvent calls produced for the same log.
func (a *Aggregator) Rebuild(s *models.Session) models.ConnectionMetrics {
	m := models.DefaultConnectionMetrics()
	m.CompletedNormally = s.Metrics().CompletedNormally

	seenConnected := false
	for _, ev := range s.ConnectionEvents {
		applyType(&m, ev, seenConnected)
		if ev.Type == models.EventConnected {
			seenConnected = true
		}
	}
	applyLatency(&m, s.ConnectionEvents)
	a.finish(s, &m)
	return m
}

func applyType(m *models.ConnectionMetrics, ev models.ConnectionEvent, connectedBefore bool) {
	switch ev.Type {
	case models.EventDisconnected:
		m.DisconnectionCount++
		m.TotalDisconnectionTime += ev.DurationMs()
	case models.EventReconnected:
		m.ReconnectionCount++
		m.ReconnectionSuccessRate = successRate(*m)
	case models.EventFailed:
		m.FailedReconnectionCount++
		m.ReconnectionSuccessRate = successRate(*m)
	case models.EventConnected:
		// The session's first connect is the initial link, not a recovery.
		if connectedBefore {
			m.ReconnectionCount++
			m.ReconnectionSuccessRate = successRate(*m)
		}
	}
}

// applyLatency recomputes max and mean latency across every event that carries one.
func applyLatency(m *models.ConnectionMetrics, events []models.ConnectionEvent) {
	var sum float64
	var count int
	var maxLatency float64
	for _, ev := range events {
		if !ev.HasLatency() {
			continue
		}
		l := *ev.Latency
		if l < 0 {
			l = 0
		}
		sum += l
		if count == 0 || l > maxLatency {
			maxLatency = l
		}
		count++
	}
	if count == 0 {
		m.AverageLatency = nil
		m.MaxLatency = nil
		return
	}
	m.AverageLatency = models.Float64Ptr(sum / float64(count))
	m.MaxLatency = models.Float64Ptr(maxLatency)
}

func (a *Aggregator) finish(s *models.Session, m *models.ConnectionMetrics) {
	m.StabilityPercentage = stability(m.TotalDisconnectionTime, s.DurationMs())
	m.ReconnectionSuccessRate = successRate(*m)

	scored := *s
	scored.ConnectionMetrics = m
	m.QualityScore = a.calc.SessionScore(&scored)
	if m.QualityScore < 0 {
		m.QualityScore = 0
	} else if m.QualityScore > 100 {
		m.QualityScore = 100
	}
}

func hasConnected(events []models.ConnectionEvent) bool {
	for _, ev := range events {
		if ev.Type == models.EventConnected {
			return true
		}
	}
	return false
}

func successRate(m models.ConnectionMetrics) float64 {
	attempts := m.ReconnectionAttempts()
	if attempts == 0 {
		return 1
	}
	return float64(m.ReconnectionCount) / float64(attempts)
}

func stability(downtimeMs, durationMs int64) int {
	if durationMs < 1 {
		durationMs = 1
	}
	stable := durationMs - downtimeMs
	if stable < 0 {
		stable = 0
	}
	pct := int(math.Round(float64(stable) / float64(durationMs) * 100))
	if pct > 100 {
		return 100
	}
	return pct
}
