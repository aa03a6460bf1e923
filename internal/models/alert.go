package models

import "time"

type AlertSeverity string

const (
	SeverityInfo     AlertSeverity = "info"
	SeverityWarning  AlertSeverity = "warning"
	SeverityCritical AlertSeverity = "critical"
)

type AlertType string

const (
	AlertQuality       AlertType = "quality"
	AlertDisconnection AlertType = "disconnection"
	AlertReconnection  AlertType = "reconnection"
	AlertDowntime      AlertType = "downtime"
)

// ConnectionAlert is raised when a session metric crosses a threshold. Only
// acknowledge and dismiss mutate it after creation.
type ConnectionAlert struct {
	ID             string         `json:"id"`
	Timestamp      time.Time      `json:"timestamp"`
	Severity       AlertSeverity  `json:"severity"`
	Type           AlertType      `json:"type"`
	Message        string         `json:"message"`
	SessionID      string         `json:"session_id"`
	Acknowledged   bool           `json:"acknowledged"`
	AcknowledgedAt *time.Time     `json:"acknowledged_at,omitempty"`
	Context        map[string]any `json:"context,omitempty"`
}

// Copy returns a copy whose context map and timestamps are not shared.
func (a ConnectionAlert) Copy() ConnectionAlert {
	dup := a
	if a.AcknowledgedAt != nil {
		t := *a.AcknowledgedAt
		dup.AcknowledgedAt = &t
	}
	if a.Context != nil {
		dup.Context = make(map[string]any, len(a.Context))
		for k, v := range a.Context {
			dup.Context[k] = v
		}
	}
	return dup
}

// AlertThresholds are the user-configurable limits applied on every evaluation pass.
type AlertThresholds struct {
	QualityScore         int     `json:"quality_score" yaml:"qualityScore"`                 // minimum acceptable
	DisconnectionCount   int     `json:"disconnection_count" yaml:"disconnectionCount"`     // maximum acceptable
	ReconnectionFailRate float64 `json:"reconnection_fail_rate" yaml:"reconnectionFailRate"` // maximum acceptable, percent
	DowntimeThreshold    int64   `json:"downtime_threshold" yaml:"downtimeThreshold"`       // maximum acceptable, ms
}

// DefaultAlertThresholds returns the stock limits.
func DefaultAlertThresholds() AlertThresholds {
	return AlertThresholds{
		QualityScore:         60,
		DisconnectionCount:   3,
		ReconnectionFailRate: 25,
		DowntimeThreshold:    30000,
	}
}

// ThresholdsPatch is a partial threshold update; nil fields keep their current value.
type ThresholdsPatch struct {
	QualityScore         *int     `json:"quality_score,omitempty" validate:"omitempty,min=0,max=100"`
	DisconnectionCount   *int     `json:"disconnection_count,omitempty" validate:"omitempty,min=0"`
	ReconnectionFailRate *float64 `json:"reconnection_fail_rate,omitempty" validate:"omitempty,min=0,max=100"`
	DowntimeThreshold    *int64   `json:"downtime_threshold,omitempty" validate:"omitempty,min=0"`
}

// Apply returns t with the non-nil patch fields applied.
func (p ThresholdsPatch) Apply(t AlertThresholds) AlertThresholds {
	if p.QualityScore != nil {
		t.QualityScore = *p.QualityScore
	}
	if p.DisconnectionCount != nil {
		t.DisconnectionCount = *p.DisconnectionCount
	}
	if p.ReconnectionFailRate != nil {
		t.ReconnectionFailRate = *p.ReconnectionFailRate
	}
	if p.DowntimeThreshold != nil {
		t.DowntimeThreshold = *p.DowntimeThreshold
	}
	return t
}
