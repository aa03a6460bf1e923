package models

import "time"

// ProcessResourceUsage captures sampled CPU/memory telemetry for a recorder or replay process.
type ProcessResourceUsage struct {
	PID            int         `json:"pid"`
	SessionID      string      `json:"session_id"`
	Type           ProcessType `json:"type"`
	CPUPercent     float64     `json:"cpu_percent"`
	MemoryPercent  float64     `json:"memory_percent"`
	MemoryRSSBytes uint64      `json:"memory_rss_bytes"`
	SampledAt      time.Time   `json:"sampled_at"`
}

// Copy returns a copy of the usage snapshot so callers can mutate safely.
func (u *ProcessResourceUsage) Copy() *ProcessResourceUsage {
	if u == nil {
		return nil
	}
	dup := *u
	return &dup
}
