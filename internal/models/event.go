package models

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidEventType is returned when a value outside the wire enumeration is parsed.
var ErrInvalidEventType = errors.New("invalid connection event type")

// EventType is the wire-level connection event kind. Values are case-sensitive.
type EventType string

const (
	EventConnected    EventType = "connected"
	EventDisconnected EventType = "disconnected"
	EventWarning      EventType = "warning"
	EventReconnecting EventType = "reconnecting"
	EventReconnected  EventType = "reconnected"
	EventFailed       EventType = "failed"
)

// EventTypes lists every accepted event type in wire order.
var EventTypes = []EventType{
	EventConnected,
	EventDisconnected,
	EventWarning,
	EventReconnecting,
	EventReconnected,
	EventFailed,
}

// Valid reports whether t is one of the accepted wire values.
func (t EventType) Valid() bool {
	for _, known := range EventTypes {
		if t == known {
			return true
		}
	}
	return false
}

// ParseEventType converts a raw wire value into an EventType.
func ParseEventType(raw string) (EventType, error) {
	t := EventType(raw)
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidEventType, raw)
	}
	return t, nil
}

// ConnectionEvent is a single timestamped observation about the link between the UI
// and a backing recorder/replay process. Events are immutable once appended.
type ConnectionEvent struct {
	Timestamp        time.Time `json:"timestamp"`
	Type             EventType `json:"type"`
	Duration         *int64    `json:"duration,omitempty"` // milliseconds
	Details          string    `json:"details,omitempty"`
	Latency          *float64  `json:"latency,omitempty"` // milliseconds
	QualityIndicator *float64  `json:"quality_indicator,omitempty"`
}

// HasLatency reports whether the event carries a latency sample.
func (e ConnectionEvent) HasLatency() bool {
	return e.Latency != nil
}

// DurationMs returns the event duration or zero when absent.
func (e ConnectionEvent) DurationMs() int64 {
	if e.Duration == nil || *e.Duration < 0 {
		return 0
	}
	return *e.Duration
}

// Int64Ptr and Float64Ptr help build optional event fields.
func Int64Ptr(v int64) *int64 { return &v }

func Float64Ptr(v float64) *float64 { return &v }
