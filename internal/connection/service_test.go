package connection

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"pwrec/internal/aggregator"
	"pwrec/internal/alerts"
	"pwrec/internal/models"
	"pwrec/internal/quality"
)

type memStore struct {
	mu       sync.Mutex
	sessions map[string]*models.Session
}

func newMemStore(sessions ...*models.Session) *memStore {
	st := &memStore{sessions: make(map[string]*models.Session)}
	for _, s := range sessions {
		st.sessions[s.ID] = s
	}
	return st
}

func (m *memStore) GetSession(id string) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, models.ErrSessionNotFound
	}
	return s.Copy(), nil
}

func (m *memStore) UpdateSession(id string, fn func(*models.Session) error) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, models.ErrSessionNotFound
	}
	dup := s.Copy()
	if err := fn(dup); err != nil {
		return nil, err
	}
	m.sessions[id] = dup
	return dup.Copy(), nil
}

func (m *memStore) ListSessions() ([]*models.Session, error) {
	return m.ListSessionsSince(time.Time{})
}

func (m *memStore) ListSessionsSince(since time.Time) ([]*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Session
	for _, s := range m.sessions {
		if !s.CreatedAt.Before(since) {
			out = append(out, s.Copy())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

type recordingPublisher struct {
	mu    sync.Mutex
	kinds []string
}

func (p *recordingPublisher) Publish(kind string, _ any) {
	p.mu.Lock()
	p.kinds = append(p.kinds, kind)
	p.mu.Unlock()
}

func (p *recordingPublisher) count(kind string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, k := range p.kinds {
		if k == kind {
			n++
		}
	}
	return n
}

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

var base = time.Date(2026, 7, 15, 10, 0, 0, 0, time.UTC)

func newSession(id string) *models.Session {
	return &models.Session{ID: id, Name: id, URL: "https://example.test", CreatedAt: base, UpdatedAt: base}
}

func newService(t *testing.T, sessions ...*models.Session) (*Service, *memStore, *recordingPublisher) {
	t.Helper()
	store := newMemStore(sessions...)
	pub := &recordingPublisher{}
	clock := &stepClock{now: base}
	svc := New(Options{Store: store, Publisher: pub, Now: clock.Now})
	t.Cleanup(svc.Close)
	return svc, store, pub
}

func TestAppendEventUnknownSession(t *testing.T) {
	svc, _, _ := newService(t)
	_, err := svc.AppendEvent("missing", Event{Type: models.EventConnected})
	if !IsNotFound(err) {
		t.Fatalf("err = %v, want not found", err)
	}
}

func TestAppendEventRejectsInvalidType(t *testing.T) {
	svc, _, _ := newService(t, newSession("s1"))
	_, err := svc.AppendEvent("s1", Event{Type: "Connected"})
	if !errors.Is(err, models.ErrInvalidEventType) {
		t.Fatalf("err = %v", err)
	}
}

func TestAppendEventUpdatesMetricsAlertsAndHistory(t *testing.T) {
	svc, _, pub := newService(t, newSession("s1"))

	if _, err := svc.AppendEvent("s1", Event{Type: models.EventConnected}); err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}
	var sess *models.Session
	var err error
	for i := 0; i < 3; i++ {
		sess, err = svc.AppendEvent("s1", Event{Type: models.EventDisconnected})
		if err != nil {
			t.Fatalf("AppendEvent: %v", err)
		}
	}

	m := sess.Metrics()
	if m.DisconnectionCount != 3 || m.ReconnectionCount != 0 {
		t.Fatalf("metrics = %+v", m)
	}
	if m.QualityScore != 85 {
		t.Fatalf("quality = %d, want 85", m.QualityScore)
	}
	if len(sess.ConnectionEvents) != 4 {
		t.Fatalf("events = %d", len(sess.ConnectionEvents))
	}

	active := svc.ActiveAlerts(false)
	if len(active) != 1 || active[0].Type != models.AlertDisconnection || active[0].Severity != models.SeverityWarning {
		t.Fatalf("alerts = %+v", active)
	}
	if pub.count(KindAlert) != 1 {
		t.Fatalf("alert broadcasts = %d", pub.count(KindAlert))
	}
	if pub.count(KindSessionUpdated) != 4 {
		t.Fatalf("session broadcasts = %d", pub.count(KindSessionUpdated))
	}

	day, ok := svc.HistoricalMetrics(models.PeriodDay)
	if !ok {
		t.Fatalf("day history not computed")
	}
	if day.SessionCount != 1 || day.AverageQualityScore != 85 || day.AverageDisconnectionCount != 3 {
		t.Fatalf("day history = %+v", day)
	}
	if day.ProblemSessionCount != 1 {
		t.Fatalf("problem sessions = %d", day.ProblemSessionCount)
	}
}

func TestStoredMetricsMatchRebuild(t *testing.T) {
	svc, store, _ := newService(t, newSession("s1"))
	steps := []Event{
		{Type: models.EventConnected, Latency: models.Float64Ptr(40)},
		{Type: models.EventDisconnected, Duration: models.Int64Ptr(1500)},
		{Type: models.EventReconnecting},
		{Type: models.EventReconnected, Latency: models.Float64Ptr(120)},
		{Type: models.EventFailed},
		{Type: models.EventConnected},
	}
	for _, ev := range steps {
		if _, err := svc.AppendEvent("s1", ev); err != nil {
			t.Fatalf("AppendEvent: %v", err)
		}
	}
	stored, err := store.GetSession("s1")
	if err != nil {
		t.Fatal(err)
	}
	rebuilt := aggregator.New(quality.Scorer{}, nil).Rebuild(stored)
	got := stored.Metrics()
	if got.QualityScore != rebuilt.QualityScore ||
		got.StabilityPercentage != rebuilt.StabilityPercentage ||
		got.ReconnectionCount != rebuilt.ReconnectionCount ||
		got.FailedReconnectionCount != rebuilt.FailedReconnectionCount ||
		got.TotalDisconnectionTime != rebuilt.TotalDisconnectionTime ||
		*got.AverageLatency != *rebuilt.AverageLatency {
		t.Fatalf("stored %+v != rebuilt %+v", got, rebuilt)
	}
	if got.ReconnectionCount != 2 || got.FailedReconnectionCount != 1 {
		t.Fatalf("reconnection counts = %d/%d", got.ReconnectionCount, got.FailedReconnectionCount)
	}
}

func TestUpdateThresholdsReevaluatesTrackedSessions(t *testing.T) {
	svc, _, pub := newService(t, newSession("s1"))
	if _, err := svc.AppendEvent("s1", Event{Type: models.EventDisconnected}); err != nil {
		t.Fatal(err)
	}
	if got := svc.ActiveAlerts(false); len(got) != 0 {
		t.Fatalf("unexpected alerts %+v", got)
	}

	q := 99
	th, created := svc.UpdateThresholds(models.ThresholdsPatch{QualityScore: &q})
	if th.QualityScore != 99 {
		t.Fatalf("thresholds = %+v", th)
	}
	if len(created) != 1 || created[0].Type != models.AlertQuality {
		t.Fatalf("created = %+v", created)
	}
	if pub.count(KindThresholds) != 1 {
		t.Fatalf("threshold broadcasts = %d", pub.count(KindThresholds))
	}
}

func TestStartTracksExistingSessions(t *testing.T) {
	old := newSession("old")
	old.ConnectionMetrics = &models.ConnectionMetrics{QualityScore: 55, StabilityPercentage: 100, ReconnectionSuccessRate: 1}
	svc, _, _ := newService(t, old)
	if err := svc.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	active := svc.ActiveAlerts(true)
	if len(active) != 1 || active[0].SessionID != "old" || active[0].Severity != models.SeverityInfo {
		t.Fatalf("alerts = %+v", active)
	}
	if _, ok := svc.HistoricalMetrics(models.PeriodAll); !ok {
		t.Fatalf("all-time history should be primed")
	}
}

func TestCompleteAndForget(t *testing.T) {
	svc, _, pub := newService(t, newSession("s1"))
	for i := 0; i < 3; i++ {
		if _, err := svc.AppendEvent("s1", Event{Type: models.EventDisconnected}); err != nil {
			t.Fatal(err)
		}
	}
	sess, err := svc.Complete("s1", true)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if !sess.Completed || sess.CompletedAt == nil || !sess.Metrics().CompletedNormally {
		t.Fatalf("session = %+v", sess)
	}
	if sess.Metrics().DisconnectionCount != 3 {
		t.Fatalf("completion must keep metrics: %+v", sess.Metrics())
	}

	svc.Forget("s1")
	if got := svc.ActiveAlerts(false); len(got) != 0 {
		t.Fatalf("alerts after forget = %+v", got)
	}
	if pub.count(KindSessionDeleted) != 1 {
		t.Fatalf("delete broadcasts = %d", pub.count(KindSessionDeleted))
	}
}

func TestAcknowledgeAndDismissThroughService(t *testing.T) {
	svc, _, _ := newService(t, newSession("s1"))
	for i := 0; i < 3; i++ {
		if _, err := svc.AppendEvent("s1", Event{Type: models.EventDisconnected}); err != nil {
			t.Fatal(err)
		}
	}
	id := svc.ActiveAlerts(false)[0].ID
	if err := svc.AcknowledgeAlert(id); err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}
	if got := svc.ActiveAlerts(true); len(got) != 0 {
		t.Fatalf("unacknowledged = %+v", got)
	}
	if err := svc.DismissAlert(id); err != nil {
		t.Fatalf("Dismiss: %v", err)
	}
	if err := svc.DismissAlert(id); !errors.Is(err, alerts.ErrAlertNotFound) {
		t.Fatalf("second dismiss err = %v", err)
	}
}

func TestRecordEventAndQualityScore(t *testing.T) {
	svc, store, _ := newService(t, newSession("s1"))
	ev := models.ConnectionEvent{Type: models.EventReconnected, Duration: models.Int64Ptr(20000), Details: "back"}
	if err := svc.RecordEvent(context.Background(), "s1", ev); err != nil {
		t.Fatalf("RecordEvent: %v", err)
	}
	sess, _ := store.GetSession("s1")
	if got := sess.ConnectionEvents[0]; got.Details != "back" || got.Timestamp.IsZero() {
		t.Fatalf("event = %+v", got)
	}
	if sum := svc.QualityScore(nil); sum.Score != 100 || sum.Label != quality.LabelExcellent {
		t.Fatalf("empty stream summary = %+v", sum)
	}
	report, err := svc.SessionQuality("s1")
	if err != nil {
		t.Fatalf("SessionQuality: %v", err)
	}
	if report.Score != sess.Metrics().QualityScore {
		t.Fatalf("report score %d != stored %d", report.Score, sess.Metrics().QualityScore)
	}
}

func TestReset(t *testing.T) {
	svc, _, _ := newService(t, newSession("s1"))
	for i := 0; i < 3; i++ {
		if _, err := svc.AppendEvent("s1", Event{Type: models.EventDisconnected}); err != nil {
			t.Fatal(err)
		}
	}
	svc.Reset()
	if len(svc.ActiveAlerts(false)) != 0 {
		t.Fatalf("alerts survived reset")
	}
	if _, ok := svc.HistoricalMetrics(models.PeriodDay); ok {
		t.Fatalf("history survived reset")
	}
}
