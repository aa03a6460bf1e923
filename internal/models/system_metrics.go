package models

import "time"

// SystemTelemetry captures host-level resource usage sampled for dashboard display.
type SystemTelemetry struct {
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	MemoryUsed    uint64    `json:"memory_used_bytes"`
	MemoryTotal   uint64    `json:"memory_total_bytes"`
	UptimeSeconds uint64    `json:"uptime_seconds"`
	ProcessCount  uint64    `json:"process_count"`
	HealthPercent float64   `json:"health_percent"`
	SampledAt     time.Time `json:"sampled_at"`
}

// DashboardNotification is an entry in the recent-activity feed (alerts, process lifecycle).
type DashboardNotification struct {
	ID        uint64    `json:"id"`
	Kind      string    `json:"kind"`
	Event     string    `json:"event,omitempty"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	SessionID string    `json:"session_id,omitempty"`
	Source    string    `json:"source,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

const (
	NotificationKindInfo    = "info"
	NotificationKindSuccess = "success"
	NotificationKindWarning = "warning"
	NotificationKindDanger  = "danger"
)
