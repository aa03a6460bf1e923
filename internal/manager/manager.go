// Package manager owns sessions, the recorder and replay processes behind them and the
// watchdogs that report their connection health.
package manager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"pwrec/internal/alerts"
	"pwrec/internal/config"
	"pwrec/internal/connection"
	"pwrec/internal/models"
	"pwrec/internal/reconnect"
	"pwrec/internal/utils"
)

// ErrProcessActive is returned when a session already has a running process.
var ErrProcessActive = errors.New("session already has a running process")

// ErrNoScript is returned when replay is requested before anything was recorded.
var ErrNoScript = errors.New("session has no recorded script")

// Manager is the application root. Construct it with New and call Start once.
type Manager struct {
	Config    *config.Config
	Paths     *utils.Paths
	Log       *utils.Logger
	Sessions  *SessionStore
	Processes *ProcessTracker
	Conn      *connection.Service

	publisher connection.Publisher
	logger    *zap.Logger
	started   time.Time

	ctx    context.Context
	cancel context.CancelFunc

	watchMu   sync.Mutex
	watchdogs map[int]*watchdog
	watchWG   sync.WaitGroup

	notificationsMu sync.RWMutex
	notifications   []models.DashboardNotification
	notificationSeq atomic.Uint64
	discordLimiter  *rate.Limiter
	discordWG       sync.WaitGroup
	unsubAlerts     func()

	telemetryMu     sync.RWMutex
	telemetryStop   chan struct{}
	telemetryWG     sync.WaitGroup
	systemTelemetry *models.SystemTelemetry
	processUsage    map[int]*models.ProcessResourceUsage
	processCPUTimes map[int]float64
	lastCPUTotal    float64
	lastCPUIdle     float64
}

// New prepares the data directory, loads stored sessions and wires the connection
// service. publisher may be nil.
func New(cfg *config.Config, log *utils.Logger, publisher connection.Publisher) (*Manager, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if log == nil {
		log = utils.NewNopLogger()
	}
	paths := utils.NewPaths(cfg.Paths.Root)
	if err := paths.DeployRoot(log); err != nil {
		return nil, fmt.Errorf("prepare root %s: %w", paths.RootPath, err)
	}

	m := &Manager{
		Config:          cfg,
		Paths:           paths,
		Log:             log,
		publisher:       publisher,
		logger:          log.Named("manager"),
		started:         time.Now(),
		watchdogs:       make(map[int]*watchdog),
		processUsage:    make(map[int]*models.ProcessResourceUsage),
		processCPUTimes: make(map[int]float64),
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())

	sessions, err := OpenSessionStore(paths, log.Zap(), nil)
	if err != nil {
		return nil, err
	}
	m.Sessions = sessions
	m.Processes = NewProcessTracker(cfg.Recorder, paths, log.Zap())
	m.Processes.SetExitHandler(m.handleExit)

	thresholds := cfg.Alerts.Thresholds
	m.Conn = connection.New(connection.Options{
		Store:      sessions,
		AlertStore: alerts.NewFileStore(paths.AlertsFile(), paths.ThresholdsFile()),
		Thresholds: &thresholds,
		Publisher:  publisher,
		Logger:     log.Zap(),
	})

	if r := cfg.Notifications.DiscordRate; r > 0 {
		m.discordLimiter = rate.NewLimiter(rate.Limit(r), 3)
	}
	m.unsubAlerts = m.Conn.Subscribe(m.onAlert)
	return m, nil
}

// Start primes history and alert state, re-attaches to recorders that survived a
// restart and begins telemetry sampling.
func (m *Manager) Start() error {
	if err := m.Conn.Start(); err != nil {
		m.safeLog(fmt.Sprintf("Initial history computation failed: %v", err))
	}
	m.reattachDiscovered()
	if m.Config.Telemetry.Enabled {
		m.StartTelemetryMonitor()
	}
	m.safeLog(fmt.Sprintf("pwrec manager ready (root %s)", m.Paths.RootPath))
	return nil
}

// Uptime reports how long the manager has been running.
func (m *Manager) Uptime() time.Duration {
	return time.Since(m.started)
}

// StartRecording creates a session and launches the recorder for it.
func (m *Manager) StartRecording(name, url string) (*models.Session, error) {
	sess, err := m.Sessions.Create(name, url)
	if err != nil {
		return nil, err
	}
	script := m.Paths.ScriptFile(sess.ID)
	info, err := m.Processes.StartRecording(sess.ID, sess.URL, script)
	if err != nil {
		if derr := m.Sessions.Delete(sess.ID); derr != nil {
			m.logger.Warn("remove session after failed start", zap.String("session", sess.ID), zap.Error(derr))
		}
		return nil, err
	}
	sess, err = m.attachProcess(sess.ID, info, script)
	if err != nil {
		return nil, err
	}
	m.enqueueDashboardNotification(models.NotificationKindInfo, "recording-started",
		fmt.Sprintf("Recording %s", sess.Name), fmt.Sprintf("Recording %s started", sess.URL), sess.ID, "process")
	return sess, nil
}

// StartReplay runs the session's recorded script.
func (m *Manager) StartReplay(id string) (*models.Session, error) {
	sess, err := m.Sessions.GetSession(id)
	if err != nil {
		return nil, err
	}
	if sess.ProcessID > 0 && m.Processes.IsProcessRunning(m.ctx, sess.ProcessID) {
		return nil, ErrProcessActive
	}
	script := sess.ScriptPath
	if script == "" {
		script = m.Paths.ScriptFile(id)
	}
	if _, err := os.Stat(script); err != nil {
		return nil, ErrNoScript
	}
	info, err := m.Processes.StartReplay(id, script)
	if err != nil {
		return nil, err
	}
	sess, err = m.attachProcess(id, info, script)
	if err != nil {
		return nil, err
	}
	m.enqueueDashboardNotification(models.NotificationKindInfo, "replay-started",
		fmt.Sprintf("Replay %s", sess.Name), "Replay started", sess.ID, "process")
	return sess, nil
}

func (m *Manager) attachProcess(id string, info ProcessInfo, script string) (*models.Session, error) {
	sess, err := m.Sessions.UpdateSession(id, func(s *models.Session) error {
		s.ProcessID = info.PID
		s.ProcessType = info.Type
		s.ScriptPath = script
		s.Completed = false
		s.CompletedAt = nil
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.Conn.SessionChanged(sess)
	m.startWatchdog(sess.ID, info.PID)
	return sess, nil
}

// StopSession stops the session's process at the user's request. The event log records
// a manual stop, never a crash.
func (m *Manager) StopSession(id string) (*models.Session, error) {
	sess, err := m.Sessions.GetSession(id)
	if err != nil {
		return nil, err
	}
	pid := sess.ProcessID
	if pid <= 0 {
		return sess, nil
	}
	ctx, cancel := context.WithTimeout(m.ctx, 5*time.Second)
	defer cancel()
	if !m.Processes.IsProcessRunning(ctx, pid) {
		return sess, nil
	}
	recorded := false
	if wd := m.watchdogFor(pid); wd != nil {
		recorded = wd.mon.UserStop(ctx) == nil
	}
	if !recorded {
		if _, err := m.Conn.AppendEvent(id, connection.Event{Type: models.EventDisconnected, Details: reconnect.DetailsManualStop}); err != nil {
			m.logger.Warn("record manual stop", zap.String("session", id), zap.Error(err))
		}
	}
	if err := m.Processes.Stop(pid); err != nil && !errors.Is(err, ErrProcessNotFound) {
		return nil, err
	}
	m.enqueueDashboardNotification(models.NotificationKindWarning, "stopped",
		fmt.Sprintf("%s stopped", sess.Name), "Stopped by user", id, "process")
	return m.Sessions.GetSession(id)
}

// CompleteSession marks a session terminal without touching its process.
func (m *Manager) CompleteSession(id string) (*models.Session, error) {
	return m.Conn.Complete(id, false)
}

// DeleteSession stops any running process and removes the session, its script and
// its alerts.
func (m *Manager) DeleteSession(id string) error {
	sess, err := m.Sessions.GetSession(id)
	if err != nil {
		return err
	}
	if pid := sess.ProcessID; pid > 0 {
		m.stopWatchdog(pid)
		if m.Processes.IsProcessRunning(m.ctx, pid) {
			if err := m.Processes.Stop(pid); err != nil && !errors.Is(err, ErrProcessNotFound) {
				m.logger.Warn("stop before delete", zap.Int("pid", pid), zap.Error(err))
			}
		}
		m.Processes.Forget(pid)
	}
	if err := m.Sessions.Delete(id); err != nil {
		return err
	}
	if script := sess.ScriptPath; script != "" {
		// only scripts pwrec wrote under its own scripts directory are removed
		if p := filepath.Clean(script); utils.Within(m.Paths.ScriptsDir(), p) && strings.HasSuffix(p, scriptSuffix) {
			_ = os.Remove(p)
		}
	}
	m.Conn.Forget(id)
	return nil
}

// ProcessStatus answers the liveness poll used by reconnection monitors.
func (m *Manager) ProcessStatus(ctx context.Context, pid int) (reconnect.ProcessStatus, error) {
	return m.Processes.CheckStatus(ctx, pid)
}

// CleanupProcess releases tracking for pid after a monitor gave up on it. Untracked
// PIDs are ErrProcessNotFound.
func (m *Manager) CleanupProcess(ctx context.Context, pid int) error {
	info, ok := m.Processes.Info(pid)
	if !ok {
		return ErrProcessNotFound
	}
	m.stopWatchdog(pid)
	return m.Processes.Cleanup(ctx, info.SessionID, pid)
}

// NetworkChanged forwards a browser online/offline signal to the session's watchdog.
func (m *Manager) NetworkChanged(ctx context.Context, id string, online bool) error {
	sess, err := m.Sessions.GetSession(id)
	if err != nil {
		return err
	}
	wd := m.watchdogFor(sess.ProcessID)
	if wd == nil {
		return ErrProcessNotFound
	}
	if online {
		return wd.mon.NetworkOnline(ctx)
	}
	return wd.mon.NetworkOffline(ctx)
}

// handleExit runs on the process wait goroutine. A clean exit completes the session;
// events are left to the watchdog when one is running.
func (m *Manager) handleExit(info ProcessInfo) {
	switch {
	case info.Completed():
		if _, err := m.Conn.Complete(info.SessionID, true); err != nil && !connection.IsNotFound(err) {
			m.logger.Warn("complete session", zap.String("session", info.SessionID), zap.Error(err))
		}
		m.enqueueDashboardNotification(models.NotificationKindSuccess, "completed",
			fmt.Sprintf("%s finished", info.Type), reconnect.DetailsProcessExited, info.SessionID, "process")
	case info.Stopped:
		return
	default:
		m.enqueueDashboardNotification(models.NotificationKindDanger, "crashed",
			fmt.Sprintf("%s crashed", info.Type), fmt.Sprintf("Exit code %d", info.ExitCode), info.SessionID, "process")
	}
	if m.watchdogFor(info.PID) != nil {
		return
	}
	ev := connection.Event{Type: models.EventFailed, Details: reconnect.DetailsCrashed}
	if info.Completed() {
		ev = connection.Event{Type: models.EventDisconnected, Details: reconnect.DetailsProcessExited}
	}
	if _, err := m.Conn.AppendEvent(info.SessionID, ev); err != nil && !connection.IsNotFound(err) {
		m.logger.Warn("record process exit", zap.String("session", info.SessionID), zap.Error(err))
	}
}

// Shutdown stops background work. Recorders run in their own process group and are
// left alive unless stopProcesses is set; the next start re-attaches to them.
func (m *Manager) Shutdown(stopProcesses bool) {
	m.safeLog("Shutting down pwrec manager")
	m.cancel()
	m.watchWG.Wait()
	m.StopTelemetryMonitor()
	if stopProcesses {
		m.Processes.StopAll()
	} else {
		m.safeLog("Leaving recorder processes running")
	}
	if m.unsubAlerts != nil {
		m.unsubAlerts()
	}
	m.discordWG.Wait()
	m.Conn.Close()
	m.safeLog("pwrec manager stopped")
}

func (m *Manager) safeLog(message string) {
	if m.Log != nil {
		m.Log.Write(message)
	}
}

func (m *Manager) publish(kind string, data any) {
	if m.publisher != nil {
		m.publisher.Publish(kind, data)
	}
}
