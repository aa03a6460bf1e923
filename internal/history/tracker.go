// Package history keeps rolling per-period aggregates of session connection metrics.
package history

import (
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"pwrec/internal/models"
)

// Trend band: changes within ±5% are stable.
const stableBandPercent = 5

// Problem session criteria.
const (
	problemQualityBelow     = 60
	problemDisconnectionsAt = 3
	problemSuccessRateBelow = 0.7
)

// SessionSource lists the sessions created at or after since.
type SessionSource interface {
	ListSessionsSince(since time.Time) ([]*models.Session, error)
}

// Tracker caches one HistoricalMetrics value per period. Each recompute replaces the
// cached value and compares against the one it replaces to derive the trend.
type Tracker struct {
	source SessionSource
	logger *zap.Logger
	now    func() time.Time

	// recomputeMu spans list and store so a slower recompute cannot overwrite the
	// result of one that read a newer snapshot.
	recomputeMu sync.Mutex

	mu    sync.RWMutex
	cache map[models.Period]models.HistoricalMetrics
}

// NewTracker returns a tracker over source. Period boundaries use the location of the
// times returned by now, so pass a clock in the desired zone.
func NewTracker(source SessionSource, logger *zap.Logger, now func() time.Time) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if now == nil {
		now = time.Now
	}
	return &Tracker{
		source: source,
		logger: logger.Named("history"),
		now:    now,
		cache:  make(map[models.Period]models.HistoricalMetrics),
	}
}

// PeriodStart returns the inclusive lower bound of period p relative to now. Days start
// at local midnight, weeks on Sunday, months on the 1st; "all" starts at the Unix epoch.
func PeriodStart(p models.Period, now time.Time) time.Time {
	y, mo, d := now.Date()
	loc := now.Location()
	switch p {
	case models.PeriodDay:
		return time.Date(y, mo, d, 0, 0, 0, 0, loc)
	case models.PeriodWeek:
		return time.Date(y, mo, d-int(now.Weekday()), 0, 0, 0, 0, loc)
	case models.PeriodMonth:
		return time.Date(y, mo, 1, 0, 0, 0, 0, loc)
	default:
		return time.Unix(0, 0).In(loc)
	}
}

// Get returns the cached aggregate; ok is false until the period has been computed.
func (t *Tracker) Get(p models.Period) (models.HistoricalMetrics, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	hm, ok := t.cache[p]
	return hm, ok
}

// Recompute rebuilds one period from the session source and caches the result.
func (t *Tracker) Recompute(p models.Period) (models.HistoricalMetrics, error) {
	t.recomputeMu.Lock()
	defer t.recomputeMu.Unlock()

	now := t.now()
	start := PeriodStart(p, now)
	sessions, err := t.source.ListSessionsSince(start)
	if err != nil {
		return models.HistoricalMetrics{}, fmt.Errorf("list sessions for %s: %w", p, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	var previous *models.HistoricalMetrics
	if old, ok := t.cache[p]; ok {
		previous = &old
	}
	hm := Compute(p, sessions, start, now, previous)
	t.cache[p] = hm
	return hm, nil
}

// RecomputeAll refreshes every period independently. A failing period is logged and
// does not stop the others; the first error is returned.
func (t *Tracker) RecomputeAll() error {
	var firstErr error
	for _, p := range models.Periods {
		if _, err := t.Recompute(p); err != nil {
			t.logger.Warn("recompute period", zap.String("period", string(p)), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Reset drops every cached period.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.cache = make(map[models.Period]models.HistoricalMetrics)
	t.mu.Unlock()
}

// Compute aggregates sessions created in [start, now] for period p. previous is the
// value being replaced, if any, and drives the trend.
func Compute(p models.Period, sessions []*models.Session, start, now time.Time, previous *models.HistoricalMetrics) models.HistoricalMetrics {
	hm := models.HistoricalMetrics{
		Period:    p,
		StartTime: start,
		EndTime:   now,
		Trend:     models.TrendStable,
	}

	var qualitySum, disconnectSum, downtimeSum float64
	for _, s := range sessions {
		if s == nil || s.CreatedAt.Before(start) {
			continue
		}
		m := s.Metrics()
		hm.SessionCount++
		qualitySum += float64(m.QualityScore)
		disconnectSum += float64(m.DisconnectionCount)
		downtimeSum += s.DowntimePercentage()
		if isProblem(m) {
			hm.ProblemSessionCount++
		}
	}
	if hm.SessionCount == 0 {
		return hm
	}

	n := float64(hm.SessionCount)
	hm.AverageQualityScore = round1(qualitySum / n)
	hm.AverageDisconnectionCount = round1(disconnectSum / n)
	hm.AverageDowntimePercentage = round1(downtimeSum / n)

	if previous != nil && previous.AverageQualityScore != 0 {
		change := round1((hm.AverageQualityScore - previous.AverageQualityScore) / previous.AverageQualityScore * 100)
		hm.ChangePercentage = &change
		hm.Trend = trendFor(change)
	}
	return hm
}

func isProblem(m models.ConnectionMetrics) bool {
	return m.QualityScore < problemQualityBelow ||
		m.DisconnectionCount >= problemDisconnectionsAt ||
		m.ReconnectionSuccessRate < problemSuccessRateBelow
}

func trendFor(changePercent float64) models.Trend {
	switch {
	case changePercent > stableBandPercent:
		return models.TrendImproving
	case changePercent < -stableBandPercent:
		return models.TrendDeclining
	default:
		return models.TrendStable
	}
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
