// Package reconnect watches the liveness of a recording or replay process and drives
// bounded reconnection attempts when status checks keep failing.
package reconnect

import (
	"context"
	"time"

	"pwrec/internal/models"
)

// State is the connection state of a monitored process.
type State string

const (
	StateIdle         State = "idle"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateWarning      State = "warning"
	StateReconnecting State = "reconnecting"
	StateFailed       State = "failed"
)

// Event details written by the monitor.
const (
	DetailsMaxAttempts    = "Maximum reconnection attempts reached"
	DetailsCrashed        = "Process stopped unexpectedly"
	DetailsManualStop     = "Recording manually stopped"
	DetailsNetworkLost    = "Network connection lost"
	DetailsProcessExited  = "Process finished normally"
	DetailsConfirmedAlive = "Process confirmed running"
)

// Config holds the polling cadence and failure thresholds.
type Config struct {
	PollInterval          time.Duration `yaml:"pollInterval"`
	CheckTimeout          time.Duration `yaml:"checkTimeout"`
	ReconnectCheckTimeout time.Duration `yaml:"reconnectCheckTimeout"`
	ToastAfter            int           `yaml:"toastAfter"`
	WarnAfter             int           `yaml:"warnAfter"`
	ReconnectAfter        int           `yaml:"reconnectAfter"`
	MaxAttempts           int           `yaml:"maxAttempts"`
	RetryDelay            time.Duration `yaml:"retryDelay"`
}

// DefaultConfig returns the stock cadence: poll every 2s, 5s per check, 10s per
// reconnection check, warn after 3 failures, reconnect after 5, give up after 3 attempts.
func DefaultConfig() Config {
	return Config{
		PollInterval:          2 * time.Second,
		CheckTimeout:          5 * time.Second,
		ReconnectCheckTimeout: 10 * time.Second,
		ToastAfter:            1,
		WarnAfter:             3,
		ReconnectAfter:        5,
		MaxAttempts:           3,
		RetryDelay:            2 * time.Second,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.CheckTimeout <= 0 {
		c.CheckTimeout = d.CheckTimeout
	}
	if c.ReconnectCheckTimeout <= 0 {
		c.ReconnectCheckTimeout = d.ReconnectCheckTimeout
	}
	if c.ToastAfter <= 0 {
		c.ToastAfter = d.ToastAfter
	}
	if c.WarnAfter <= 0 {
		c.WarnAfter = d.WarnAfter
	}
	if c.ReconnectAfter <= 0 {
		c.ReconnectAfter = d.ReconnectAfter
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.RetryDelay < 0 {
		c.RetryDelay = d.RetryDelay
	}
	return c
}

// ProcessStatus is the answer to a liveness check.
type ProcessStatus struct {
	Running   bool               `json:"running"`
	Completed bool               `json:"completed"`
	Type      models.ProcessType `json:"type,omitempty"`
}

// StatusChecker asks whether the process behind pid is alive. It must honour ctx.
type StatusChecker interface {
	CheckStatus(ctx context.Context, pid int) (ProcessStatus, error)
}

// EventSink appends connection events to a session's log.
type EventSink interface {
	RecordEvent(ctx context.Context, sessionID string, ev models.ConnectionEvent) error
}

// Cleaner releases backend tracking for a process the monitor has given up on.
type Cleaner interface {
	Cleanup(ctx context.Context, sessionID string, pid int) error
}

// Transition describes one state change.
type Transition struct {
	SessionID string    `json:"session_id"`
	PID       int       `json:"pid"`
	From      State     `json:"from"`
	To        State     `json:"to"`
	Reason    string    `json:"reason"`
	Attempts  int       `json:"attempts"`
	At        time.Time `json:"at"`
}

// Hooks receive UI-facing signals. Both run on the monitor goroutine.
type Hooks struct {
	OnTransition func(Transition)
	OnToast      func(sessionID, message string)
}

// Status is a point-in-time view of a monitor.
type Status struct {
	SessionID    string `json:"session_id"`
	PID          int    `json:"pid"`
	State        State  `json:"state"`
	Failures     int    `json:"failures"`
	Attempts     int    `json:"attempts"`
	Reconnecting bool   `json:"reconnecting"`
	Offline      bool   `json:"offline"`
	Halted       bool   `json:"halted"`
}
