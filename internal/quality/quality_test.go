package quality

import (
	"testing"
	"time"

	"pwrec/internal/models"
)

func TestSessionScore_DefaultsAreNeutral(t *testing.T) {
	if got := SessionScore(models.DefaultConnectionMetrics(), 0); got != 100 {
		t.Fatalf("default metrics score = %d, want 100", got)
	}
}

func TestSessionScore_DisconnectionPenalty(t *testing.T) {
	m := models.DefaultConnectionMetrics()
	m.DisconnectionCount = 3
	m.AverageLatency = models.Float64Ptr(0)
	if got := SessionScore(m, 1); got != 85 {
		t.Fatalf("score = %d, want 85", got)
	}
}

func TestSessionScore_DowntimePenaltyCapsAt40(t *testing.T) {
	m := models.DefaultConnectionMetrics()
	m.TotalDisconnectionTime = 60000
	if got := SessionScore(m, 60000); got != 60 {
		t.Fatalf("score = %d, want 60", got)
	}
	m.TotalDisconnectionTime = 600000
	if got := SessionScore(m, 60000); got != 60 {
		t.Fatalf("score with downtime beyond duration = %d, want 60", got)
	}
}

func TestSessionScore_ClampsAtZero(t *testing.T) {
	m := models.ConnectionMetrics{
		DisconnectionCount:      50,
		TotalDisconnectionTime:  1000,
		ReconnectionCount:       1,
		FailedReconnectionCount: 9,
		ReconnectionSuccessRate: 0,
		AverageLatency:          models.Float64Ptr(5000),
	}
	if got := SessionScore(m, 1000); got != 0 {
		t.Fatalf("score = %d, want 0", got)
	}
}

func TestSessionScore_ReconnectionAndLatency(t *testing.T) {
	m := models.DefaultConnectionMetrics()
	m.ReconnectionCount = 1
	m.FailedReconnectionCount = 1
	m.ReconnectionSuccessRate = 0.5
	m.AverageLatency = models.Float64Ptr(250)
	// 100 - 10 (reconnection) - 2.5 (latency) = 87.5 -> 88
	if got := SessionScore(m, 10000); got != 88 {
		t.Fatalf("score = %d, want 88", got)
	}
}

func TestScorerUsesSessionDuration(t *testing.T) {
	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s := &models.Session{
		CreatedAt: created,
		UpdatedAt: created.Add(time.Minute),
		ConnectionMetrics: &models.ConnectionMetrics{
			TotalDisconnectionTime:  30000,
			ReconnectionSuccessRate: 1,
		},
	}
	// 50% downtime -> penalty 20
	if got := (Scorer{}).SessionScore(s); got != 80 {
		t.Fatalf("score = %d, want 80", got)
	}
}

func TestLabelBoundaries(t *testing.T) {
	cases := []struct {
		score int
		want  Label
	}{
		{100, LabelExcellent},
		{90, LabelExcellent},
		{89, LabelGood},
		{75, LabelGood},
		{74, LabelFair},
		{60, LabelFair},
		{59, LabelPoor},
		{40, LabelPoor},
		{39, LabelCritical},
		{0, LabelCritical},
	}
	for _, tc := range cases {
		if got := LabelFor(tc.score); got != tc.want {
			t.Errorf("LabelFor(%d) = %s, want %s", tc.score, got, tc.want)
		}
	}
	if ColorFor(95) == ColorFor(10) {
		t.Fatalf("excellent and critical should not share a color")
	}
}

func TestStreamScore_EmptyStream(t *testing.T) {
	s := Summarize(nil, time.Now())
	if s.Score != 100 || s.Label != LabelExcellent {
		t.Fatalf("empty stream summary = %+v", s)
	}
}

func TestStreamScore_OpenDowntimeAndFailedReconnect(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	events := []models.ConnectionEvent{
		{Timestamp: t0, Type: models.EventConnected},
		{Timestamp: t0.Add(time.Minute), Type: models.EventDisconnected},
		{Timestamp: t0.Add(2 * time.Minute), Type: models.EventFailed},
	}
	stats := AnalyzeStream(events, t0.Add(4*time.Minute))
	if stats.DowntimeMs != 180000 {
		t.Fatalf("downtime = %d, want 180000", stats.DowntimeMs)
	}
	if stats.ReconnectSuccessPercent != 0 {
		t.Fatalf("reconnect success = %v, want 0", stats.ReconnectSuccessPercent)
	}
	// 100 - 75*0.5 - 0.25*10 + 0 = 60
	if got := StreamScore(stats); got != 60 {
		t.Fatalf("stream score = %d, want 60", got)
	}
}

func TestStreamScore_ExplicitDuration(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	events := []models.ConnectionEvent{
		{Timestamp: t0, Type: models.EventDisconnected, Duration: models.Int64Ptr(30000), Latency: models.Float64Ptr(40)},
		{Timestamp: t0.Add(30 * time.Second), Type: models.EventConnected, Latency: models.Float64Ptr(60)},
	}
	summary := Summarize(events, t0.Add(time.Minute))
	// 100 - 50*0.5 - 1*10 + 100*0.2 = 85
	if summary.Score != 85 {
		t.Fatalf("stream score = %d, want 85", summary.Score)
	}
	if summary.Metrics.AverageLatency == nil || *summary.Metrics.AverageLatency != 50 {
		t.Fatalf("average latency = %v, want 50", summary.Metrics.AverageLatency)
	}
	if summary.Label != LabelGood {
		t.Fatalf("label = %s, want Good", summary.Label)
	}
}
