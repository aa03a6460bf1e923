// Package connection owns the process-wide connection-quality state: it appends events,
// keeps session metrics current, raises alerts and refreshes the historical aggregates.
package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"pwrec/internal/aggregator"
	"pwrec/internal/alerts"
	"pwrec/internal/history"
	"pwrec/internal/metrics"
	"pwrec/internal/models"
	"pwrec/internal/quality"
)

// Realtime message kinds.
const (
	KindSessionUpdated = "session_updated"
	KindSessionDeleted = "session_deleted"
	KindAlert          = "alert"
	KindThresholds     = "thresholds_updated"
	KindHistory        = "history_updated"
)

// SessionStore is the event log store the service reads and appends to.
type SessionStore interface {
	GetSession(id string) (*models.Session, error)
	// UpdateSession applies fn to a private copy of the session and persists it when fn
	// returns nil. Unknown IDs return models.ErrSessionNotFound.
	UpdateSession(id string, fn func(*models.Session) error) (*models.Session, error)
	ListSessions() ([]*models.Session, error)
	ListSessionsSince(since time.Time) ([]*models.Session, error)
}

// Publisher pushes realtime updates to connected UIs.
type Publisher interface {
	Publish(kind string, data any)
}

// Options configures a Service. Store is required.
type Options struct {
	Store      SessionStore
	Calculator quality.Calculator
	AlertStore alerts.Store
	Thresholds *models.AlertThresholds
	Publisher  Publisher
	Logger     *zap.Logger
	Now        func() time.Time
}

// Event is an append request; nil optional fields are left unset.
type Event struct {
	Type             models.EventType
	Details          string
	Duration         *int64
	Latency          *float64
	QualityIndicator *float64
}

// Service is the single owner of alert, threshold and history state. Construct one per
// process (or per test) and share it.
type Service struct {
	store     SessionStore
	agg       *aggregator.Aggregator
	alerts    *alerts.Engine
	history   *history.Tracker
	publisher Publisher
	logger    *zap.Logger
	now       func() time.Time

	// serialises append-and-evaluate so alerts see metrics in append order
	appendMu sync.Mutex
	unsub    func()
}

// New builds a Service and loads persisted alerts and thresholds.
func New(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	s := &Service{
		store:     opts.Store,
		agg:       aggregator.New(opts.Calculator, logger),
		publisher: opts.Publisher,
		logger:    logger.Named("connection"),
		now:       now,
	}
	s.alerts = alerts.NewEngine(alerts.Options{
		Store:      opts.AlertStore,
		Logger:     logger,
		Thresholds: opts.Thresholds,
		Now:        now,
	})
	s.history = history.NewTracker(opts.Store, logger, now)
	s.unsub = s.alerts.Subscribe(s.onAlert)
	metrics.SetActiveAlerts(len(s.alerts.Active()))
	return s
}

// Close detaches the service from its alert engine.
func (s *Service) Close() {
	if s.unsub != nil {
		s.unsub()
		s.unsub = nil
	}
}

// Start primes the historical cache and tracks every stored session so threshold
// edits re-evaluate sessions created before this process started.
func (s *Service) Start() error {
	sessions, err := s.store.ListSessions()
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	for _, sess := range sessions {
		s.alerts.Evaluate(sess)
	}
	return s.history.RecomputeAll()
}

// AppendEvent stamps and appends an event to the session's log, recomputes its metrics
// and runs the alert and history passes. Unknown sessions return models.ErrSessionNotFound;
// the event type must already be validated.
func (s *Service) AppendEvent(sessionID string, in Event) (*models.Session, error) {
	if !in.Type.Valid() {
		return nil, fmt.Errorf("%w: %q", models.ErrInvalidEventType, in.Type)
	}
	ev := models.ConnectionEvent{
		Timestamp:        s.now(),
		Type:             in.Type,
		Duration:         in.Duration,
		Details:          in.Details,
		Latency:          in.Latency,
		QualityIndicator: in.QualityIndicator,
	}

	s.appendMu.Lock()
	defer s.appendMu.Unlock()

	updated, err := s.store.UpdateSession(sessionID, func(sess *models.Session) error {
		sess.ConnectionEvents = append(sess.ConnectionEvents, ev)
		sess.UpdatedAt = ev.Timestamp
		m := s.agg.ApplyEvent(sess, ev)
		sess.ConnectionMetrics = &m
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.ObserveEvent(string(ev.Type), updated.Metrics().QualityScore)
	s.afterChange(updated)
	return updated, nil
}

// RecordEvent adapts AppendEvent for reconnection monitors running in this process.
func (s *Service) RecordEvent(_ context.Context, sessionID string, ev models.ConnectionEvent) error {
	_, err := s.AppendEvent(sessionID, Event{
		Type:             ev.Type,
		Details:          ev.Details,
		Duration:         ev.Duration,
		Latency:          ev.Latency,
		QualityIndicator: ev.QualityIndicator,
	})
	return err
}

// Complete marks the session terminal. A normal process exit also sets completedNormally,
// which the quality score does not use but the UI reports.
func (s *Service) Complete(sessionID string, normally bool) (*models.Session, error) {
	s.appendMu.Lock()
	defer s.appendMu.Unlock()

	at := s.now()
	updated, err := s.store.UpdateSession(sessionID, func(sess *models.Session) error {
		if sess.Completed {
			return nil
		}
		sess.Completed = true
		sess.CompletedAt = &at
		m := sess.Metrics()
		if normally {
			m.CompletedNormally = true
		}
		sess.ConnectionMetrics = &m
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.afterChange(updated)
	return updated, nil
}

// SessionChanged re-runs the alert and history passes for a session modified outside
// AppendEvent (created, renamed, process attached).
func (s *Service) SessionChanged(sess *models.Session) {
	if sess == nil {
		return
	}
	s.afterChange(sess)
}

// Forget drops alert state for a deleted session and refreshes history.
func (s *Service) Forget(sessionID string) {
	s.alerts.Forget(sessionID)
	metrics.SetActiveAlerts(len(s.alerts.Active()))
	s.publish(KindSessionDeleted, map[string]string{"id": sessionID})
	s.refreshHistory()
}

func (s *Service) afterChange(sess *models.Session) {
	s.alerts.Evaluate(sess)
	s.publish(KindSessionUpdated, sess)
	s.refreshHistory()
}

func (s *Service) refreshHistory() {
	if err := s.history.RecomputeAll(); err != nil {
		s.logger.Warn("history recompute failed", zap.Error(err))
		return
	}
	s.publish(KindHistory, s.allHistory())
}

func (s *Service) allHistory() []models.HistoricalMetrics {
	out := make([]models.HistoricalMetrics, 0, len(models.Periods))
	for _, p := range models.Periods {
		if hm, ok := s.history.Get(p); ok {
			out = append(out, hm)
		}
	}
	return out
}

// SessionQuality scores a stored session with the persisted-metrics formula.
func (s *Service) SessionQuality(sessionID string) (SessionReport, error) {
	sess, err := s.store.GetSession(sessionID)
	if err != nil {
		return SessionReport{}, err
	}
	m := sess.Metrics()
	score := quality.SessionScore(m, sess.DurationMs())
	return SessionReport{
		SessionID: sess.ID,
		Score:     score,
		Label:     quality.LabelFor(score),
		Color:     quality.ColorFor(score),
		Metrics:   m,
		Stream:    quality.Summarize(sess.ConnectionEvents, s.now()),
	}, nil
}

// SessionReport pairs a session's persisted score with the event-stream view of the
// same log. The two scores may differ.
type SessionReport struct {
	SessionID string                   `json:"session_id"`
	Score     int                      `json:"score"`
	Label     quality.Label            `json:"label"`
	Color     string                   `json:"color"`
	Metrics   models.ConnectionMetrics `json:"metrics"`
	Stream    quality.Summary          `json:"stream"`
}

// QualityScore scores an arbitrary event stream with the event-frequency formula.
func (s *Service) QualityScore(events []models.ConnectionEvent) quality.Summary {
	return quality.Summarize(events, s.now())
}

// ActiveAlerts returns non-dismissed alerts newest first, optionally only the
// unacknowledged ones.
func (s *Service) ActiveAlerts(unacknowledgedOnly bool) []models.ConnectionAlert {
	if unacknowledgedOnly {
		return s.alerts.Unacknowledged()
	}
	return s.alerts.Active()
}

// AcknowledgeAlert marks an alert acknowledged; repeating it is a no-op.
func (s *Service) AcknowledgeAlert(id string) error {
	return s.alerts.Acknowledge(id)
}

// DismissAlert removes an alert from the active set.
func (s *Service) DismissAlert(id string) error {
	return s.alerts.Dismiss(id)
}

// Thresholds returns the thresholds in force.
func (s *Service) Thresholds() models.AlertThresholds {
	return s.alerts.Thresholds()
}

// UpdateThresholds applies a partial update and re-evaluates every tracked session.
func (s *Service) UpdateThresholds(patch models.ThresholdsPatch) (models.AlertThresholds, []models.ConnectionAlert) {
	th, created := s.alerts.UpdateThresholds(patch)
	s.publish(KindThresholds, th)
	return th, created
}

// HistoricalMetrics returns the cached aggregate for p; ok is false until the first
// recompute.
func (s *Service) HistoricalMetrics(p models.Period) (models.HistoricalMetrics, bool) {
	return s.history.Get(p)
}

// Insights runs the thirds-trend comparison over every stored session.
func (s *Service) Insights() ([]history.Insight, error) {
	sessions, err := s.store.ListSessions()
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return history.Insights(sessions), nil
}

// Subscribe registers an alert listener.
func (s *Service) Subscribe(fn alerts.Listener) func() {
	return s.alerts.Subscribe(fn)
}

// Reset clears alerts and the historical cache and restores the initial thresholds.
func (s *Service) Reset() {
	s.alerts.Reset()
	s.history.Reset()
	metrics.SetActiveAlerts(0)
}

func (s *Service) onAlert(n alerts.Notification) {
	if n.Action == alerts.ActionCreated {
		metrics.ObserveAlert(string(n.Alert.Type), string(n.Alert.Severity))
	}
	metrics.SetActiveAlerts(len(s.alerts.Active()))
	s.publish(KindAlert, n)
}

func (s *Service) publish(kind string, data any) {
	if s.publisher == nil {
		return
	}
	s.publisher.Publish(kind, data)
}

// IsNotFound reports whether err means the session does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, models.ErrSessionNotFound)
}
