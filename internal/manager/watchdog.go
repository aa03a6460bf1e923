package manager

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"pwrec/internal/metrics"
	"pwrec/internal/models"
	"pwrec/internal/reconnect"
)

// Realtime message kinds published by watchdogs.
const (
	KindMonitorState = "monitor_state"
	KindToast        = "toast"
)

type watchdog struct {
	sessionID string
	mon       *reconnect.Monitor
	cancel    context.CancelFunc
}

// startWatchdog runs a reconnection monitor against the local process tracker until the
// process ends, the monitor gives up or the manager shuts down.
func (m *Manager) startWatchdog(sessionID string, pid int) {
	if !m.Config.Monitor.Enabled || pid <= 0 {
		return
	}
	m.stopWatchdog(pid)

	ctx, cancel := context.WithCancel(m.ctx)
	mon := reconnect.New(reconnect.Params{
		SessionID: sessionID,
		PID:       pid,
		Checker:   m.Processes,
		Sink:      m.Conn,
		Cleaner:   m.Processes,
		Config:    m.Config.Monitor.Config,
		Logger:    m.Log.Zap(),
		Hooks: reconnect.Hooks{
			OnTransition: m.onTransition,
			OnToast:      m.onToast,
		},
	})
	wd := &watchdog{sessionID: sessionID, mon: mon, cancel: cancel}

	m.watchMu.Lock()
	m.watchdogs[pid] = wd
	m.watchMu.Unlock()
	metrics.MonitorTransition("", string(reconnect.StateIdle))

	m.watchWG.Add(1)
	go func() {
		defer m.watchWG.Done()
		mon.Run(ctx)
		metrics.MonitorTransition(string(mon.Status().State), "")
		m.watchMu.Lock()
		if m.watchdogs[pid] == wd {
			delete(m.watchdogs, pid)
		}
		m.watchMu.Unlock()
	}()
}

// stopWatchdog cancels the monitor for pid without recording anything.
func (m *Manager) stopWatchdog(pid int) {
	m.watchMu.Lock()
	wd, ok := m.watchdogs[pid]
	if ok {
		delete(m.watchdogs, pid)
	}
	m.watchMu.Unlock()
	if ok {
		wd.cancel()
		<-wd.mon.Done()
	}
}

func (m *Manager) watchdogFor(pid int) *watchdog {
	if pid <= 0 {
		return nil
	}
	m.watchMu.Lock()
	defer m.watchMu.Unlock()
	return m.watchdogs[pid]
}

// MonitorStatuses returns a snapshot of every running watchdog.
func (m *Manager) MonitorStatuses() []reconnect.Status {
	m.watchMu.Lock()
	defer m.watchMu.Unlock()
	out := make([]reconnect.Status, 0, len(m.watchdogs))
	for _, wd := range m.watchdogs {
		out = append(out, wd.mon.Status())
	}
	return out
}

func (m *Manager) onTransition(t reconnect.Transition) {
	metrics.MonitorTransition(string(t.From), string(t.To))
	switch {
	case t.From == reconnect.StateReconnecting && t.To == reconnect.StateConnected:
		metrics.ObserveReconnect(metrics.OutcomeReconnected)
		m.enqueueDashboardNotification(models.NotificationKindSuccess, "reconnected",
			"Connection restored", fmt.Sprintf("Reconnected after %d attempt(s)", t.Attempts), t.SessionID, "monitor")
	case t.To == reconnect.StateFailed:
		metrics.ObserveReconnect(metrics.OutcomeFailed)
		m.enqueueDashboardNotification(models.NotificationKindDanger, "reconnect-failed",
			"Reconnection failed", t.Reason, t.SessionID, "monitor")
	case t.To == reconnect.StateWarning:
		m.enqueueDashboardNotification(models.NotificationKindWarning, "unstable",
			"Connection unstable", t.Reason, t.SessionID, "monitor")
	}
	m.logger.Debug("monitor transition",
		zap.String("session", t.SessionID),
		zap.String("from", string(t.From)),
		zap.String("to", string(t.To)))
	m.publish(KindMonitorState, t)
}

func (m *Manager) onToast(sessionID, message string) {
	m.publish(KindToast, map[string]string{"session_id": sessionID, "type": "warning", "message": message})
}
