package models

import (
	"errors"
	"time"
)

// ErrSessionNotFound is returned by session lookups and updates for unknown IDs.
var ErrSessionNotFound = errors.New("session not found")

// ProcessType identifies what a tracked external process is doing for a session.
type ProcessType string

const (
	ProcessRecording ProcessType = "recording"
	ProcessReplay    ProcessType = "replay"
)

// ConnectionMetrics are derived from a session's event log. They are recomputed after
// every append because several fields depend on the whole history and session duration.
type ConnectionMetrics struct {
	DisconnectionCount      int      `json:"disconnection_count"`
	TotalDisconnectionTime  int64    `json:"total_disconnection_time"` // milliseconds
	ReconnectionCount       int      `json:"reconnection_count"`
	FailedReconnectionCount int      `json:"failed_reconnection_count"`
	CompletedNormally       bool     `json:"completed_normally"`
	QualityScore            int      `json:"quality_score"`
	AverageLatency          *float64 `json:"average_latency,omitempty"`
	MaxLatency              *float64 `json:"max_latency,omitempty"`
	StabilityPercentage     int      `json:"stability_percentage"`
	ReconnectionSuccessRate float64  `json:"reconnection_success_rate"`
}

// DefaultConnectionMetrics returns the neutral metrics of a session with no history.
func DefaultConnectionMetrics() ConnectionMetrics {
	return ConnectionMetrics{
		QualityScore:            100,
		StabilityPercentage:     100,
		ReconnectionSuccessRate: 1,
	}
}

// ReconnectionAttempts is the number of reconnection outcomes observed.
func (m ConnectionMetrics) ReconnectionAttempts() int {
	return m.ReconnectionCount + m.FailedReconnectionCount
}

// Session is a recorded or replayed browsing interaction and its connection history.
type Session struct {
	ID                string             `json:"id"`
	Name              string             `json:"name"`
	URL               string             `json:"url"`
	CreatedAt         time.Time          `json:"created_at"`
	UpdatedAt         time.Time          `json:"updated_at"`
	ConnectionMetrics *ConnectionMetrics `json:"connection_metrics,omitempty"`
	ConnectionEvents  []ConnectionEvent  `json:"connection_events"`
	ProcessID         int                `json:"process_id,omitempty"`
	ProcessType       ProcessType        `json:"process_type,omitempty"`
	ScriptPath        string             `json:"script_path,omitempty"`
	Completed         bool               `json:"completed"`
	CompletedAt       *time.Time         `json:"completed_at,omitempty"`
}

// Metrics returns the stored metrics or the defaults when none have been computed.
func (s *Session) Metrics() ConnectionMetrics {
	if s == nil || s.ConnectionMetrics == nil {
		return DefaultConnectionMetrics()
	}
	return *s.ConnectionMetrics
}

// DurationMs is the session length used as a divisor; never below 1ms.
func (s *Session) DurationMs() int64 {
	if s == nil {
		return 1
	}
	d := s.UpdatedAt.Sub(s.CreatedAt).Milliseconds()
	if d < 1 {
		return 1
	}
	return d
}

// DowntimePercentage is the share of the session spent disconnected, capped at 100.
func (s *Session) DowntimePercentage() float64 {
	pct := float64(s.Metrics().TotalDisconnectionTime) / float64(s.DurationMs()) * 100
	if pct > 100 {
		return 100
	}
	if pct < 0 {
		return 0
	}
	return pct
}

// Copy returns a deep copy so callers can mutate without touching stored state.
func (s *Session) Copy() *Session {
	if s == nil {
		return nil
	}
	dup := *s
	if s.ConnectionMetrics != nil {
		m := *s.ConnectionMetrics
		if m.AverageLatency != nil {
			m.AverageLatency = Float64Ptr(*m.AverageLatency)
		}
		if m.MaxLatency != nil {
			m.MaxLatency = Float64Ptr(*m.MaxLatency)
		}
		dup.ConnectionMetrics = &m
	}
	if s.ConnectionEvents != nil {
		dup.ConnectionEvents = make([]ConnectionEvent, len(s.ConnectionEvents))
		copy(dup.ConnectionEvents, s.ConnectionEvents)
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		dup.CompletedAt = &t
	}
	return &dup
}
