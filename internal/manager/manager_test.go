package manager

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"pwrec/internal/config"
	"pwrec/internal/models"
	"pwrec/internal/reconnect"
)

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

func newTestManager(t *testing.T, mutate func(*config.Config)) (*Manager, *recordingPublisher) {
	t.Helper()
	cfg := config.Default()
	cfg.Paths.Root = t.TempDir()
	cfg.Monitor.Enabled = false
	cfg.Telemetry.Enabled = false
	cfg.Notifications.DiscordWebhook = ""
	if mutate != nil {
		mutate(cfg)
	}
	pub := &recordingPublisher{}
	m, err := New(cfg, nil, pub)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { m.Shutdown(true) })
	return m, pub
}

func lastEvent(t *testing.T, m *Manager, id string) models.ConnectionEvent {
	t.Helper()
	s, err := m.Sessions.GetSession(id)
	if err != nil {
		t.Fatal(err)
	}
	if len(s.ConnectionEvents) == 0 {
		t.Fatal("no events recorded")
	}
	return s.ConnectionEvents[len(s.ConnectionEvents)-1]
}

func TestHandleExitRecordsCrash(t *testing.T) {
	m, _ := newTestManager(t, nil)
	s, _ := m.Sessions.Create("crashy", "https://a.test")
	at := time.Now()

	m.handleExit(ProcessInfo{PID: 999999, SessionID: s.ID, Type: models.ProcessRecording, ExitedAt: &at, ExitCode: 2})

	ev := lastEvent(t, m, s.ID)
	if ev.Type != models.EventFailed || ev.Details != reconnect.DetailsCrashed {
		t.Fatalf("event = %+v", ev)
	}
	n := m.RecentNotifications(1)
	if len(n) != 1 || n[0].Event != "crashed" || n[0].Kind != models.NotificationKindDanger {
		t.Fatalf("notification = %+v", n)
	}
}

func TestHandleExitCleanCompletesSession(t *testing.T) {
	m, _ := newTestManager(t, nil)
	s, _ := m.Sessions.Create("done", "https://a.test")
	at := time.Now()

	m.handleExit(ProcessInfo{PID: 999999, SessionID: s.ID, Type: models.ProcessReplay, ExitedAt: &at})

	got, _ := m.Sessions.GetSession(s.ID)
	if !got.Completed || got.CompletedAt == nil || !got.Metrics().CompletedNormally {
		t.Fatalf("session = %+v", got)
	}
	ev := lastEvent(t, m, s.ID)
	if ev.Type != models.EventDisconnected || ev.Details != reconnect.DetailsProcessExited {
		t.Fatalf("event = %+v", ev)
	}
}

func TestHandleExitIgnoresUserStop(t *testing.T) {
	m, _ := newTestManager(t, nil)
	s, _ := m.Sessions.Create("stopped", "")
	at := time.Now()

	m.handleExit(ProcessInfo{PID: 999999, SessionID: s.ID, ExitedAt: &at, Stopped: true, ExitCode: -1})

	got, _ := m.Sessions.GetSession(s.ID)
	if len(got.ConnectionEvents) != 0 || got.Completed {
		t.Fatalf("user stop should leave the session alone: %+v", got)
	}
}

func TestDashboardNotificationsCapped(t *testing.T) {
	m, pub := newTestManager(t, nil)
	for i := 0; i < maxDashboardNotifications+10; i++ {
		m.enqueueDashboardNotification(models.NotificationKindInfo, "tick", "Tick", "", "", "test")
	}
	all := m.RecentNotifications(0)
	if len(all) != maxDashboardNotifications {
		t.Fatalf("len = %d", len(all))
	}
	if all[0].ID != uint64(maxDashboardNotifications+10) || all[0].ID <= all[1].ID {
		t.Fatalf("not newest first: %d, %d", all[0].ID, all[1].ID)
	}
	if got := m.RecentNotifications(3); len(got) != 3 {
		t.Fatalf("limit ignored: %d", len(got))
	}
	if pub.count(KindNotification) != maxDashboardNotifications+10 {
		t.Fatalf("published %d notifications", pub.count(KindNotification))
	}
}

func TestSeverityFloor(t *testing.T) {
	m, _ := newTestManager(t, func(c *config.Config) { c.Notifications.MinSeverity = "warning" })
	if m.severityNotifies(models.SeverityInfo) {
		t.Error("info should be below the warning floor")
	}
	if !m.severityNotifies(models.SeverityWarning) || !m.severityNotifies(models.SeverityCritical) {
		t.Error("warning and critical should notify")
	}

	m.Config.Notifications.MinSeverity = ""
	if !m.severityNotifies(models.SeverityInfo) {
		t.Error("empty floor should notify everything")
	}
}

func TestColorForSeverity(t *testing.T) {
	m, _ := newTestManager(t, func(c *config.Config) {
		c.Notifications.Colors = map[string]string{"critical": "#010203", "warning": "bogus"}
	})
	if got := m.colorForSeverity(models.SeverityCritical); got != 0x010203 {
		t.Errorf("critical = %#x", got)
	}
	if got := m.colorForSeverity(models.SeverityWarning); got != 0xF59E0B {
		t.Errorf("warning fallback = %#x", got)
	}
}

func TestFormatEventLabel(t *testing.T) {
	cases := map[string]string{
		"disconnection":    "Disconnection",
		"reconnect-failed": "Reconnect Failed",
		"high_downtime":    "High Downtime",
		"":                 "",
	}
	for in, want := range cases {
		if got := formatEventLabel(in); got != want {
			t.Errorf("formatEventLabel(%q) = %q", in, got)
		}
	}
}

func TestStartReplayWithoutScript(t *testing.T) {
	m, _ := newTestManager(t, nil)
	s, _ := m.Sessions.Create("x", "")
	if _, err := m.StartReplay(s.ID); !errors.Is(err, ErrNoScript) {
		t.Fatalf("err = %v", err)
	}
	if _, err := m.StartReplay("missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestDeleteSessionRemovesOwnScriptOnly(t *testing.T) {
	m, _ := newTestManager(t, nil)
	own, _ := m.Sessions.Create("own", "")
	foreign, _ := m.Sessions.Create("foreign", "")

	ownScript := m.Paths.ScriptFile(own.ID)
	foreignScript := filepath.Join(t.TempDir(), "keep.spec.ts")
	for _, p := range []string{ownScript, foreignScript} {
		if err := os.WriteFile(p, []byte("test()"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	_, _ = m.Sessions.UpdateSession(own.ID, func(s *models.Session) error { s.ScriptPath = ownScript; return nil })
	_, _ = m.Sessions.UpdateSession(foreign.ID, func(s *models.Session) error { s.ScriptPath = foreignScript; return nil })

	if err := m.DeleteSession(own.ID); err != nil {
		t.Fatal(err)
	}
	if err := m.DeleteSession(foreign.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(ownScript); !os.IsNotExist(err) {
		t.Errorf("own script not removed: %v", err)
	}
	if _, err := os.Stat(foreignScript); err != nil {
		t.Errorf("foreign script removed: %v", err)
	}
	if _, err := m.Sessions.GetSession(own.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("session still present: %v", err)
	}
}

func TestRecordingProcessExitCompletesSession(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses sh")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	m, _ := newTestManager(t, func(c *config.Config) {
		c.Recorder.Command = "sh"
		c.Recorder.BaseArgs = []string{"-c", "exit 0"}
	})

	s, err := m.StartRecording("quick", "https://a.test")
	if err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	if s.ProcessID <= 0 || s.ProcessType != models.ProcessRecording {
		t.Fatalf("session = %+v", s)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		got, _ := m.Sessions.GetSession(s.ID)
		if got.Completed {
			if !got.Metrics().CompletedNormally {
				t.Fatalf("metrics = %+v", got.Metrics())
			}
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("session never completed")
}

func TestStartRecordingFailureRemovesSession(t *testing.T) {
	m, _ := newTestManager(t, func(c *config.Config) {
		c.Recorder.Command = filepath.Join(t.TempDir(), "no-such-binary")
	})
	if _, err := m.StartRecording("x", ""); err == nil {
		t.Fatal("expected start failure")
	}
	list, _ := m.Sessions.ListSessions()
	if len(list) != 0 {
		t.Fatalf("session left behind: %+v", list)
	}
}

func TestReattachTargetSkipsOwnedPIDs(t *testing.T) {
	m, _ := newTestManager(t, nil)
	a, _ := m.Sessions.Create("a", "")
	b, _ := m.Sessions.Create("b", "")
	if _, err := m.Sessions.UpdateSession(a.ID, func(s *models.Session) error {
		s.ProcessID = 4242
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	if _, ok := m.reattachTarget(discoveredProcess{PID: 4242, SessionID: b.ID}); ok {
		t.Fatal("pid recorded on another session was reattached")
	}
	if _, ok := m.reattachTarget(discoveredProcess{PID: 7, SessionID: "missing"}); ok {
		t.Fatal("process without a session was reattached")
	}
	sess, ok := m.reattachTarget(discoveredProcess{PID: 4242, SessionID: a.ID})
	if !ok || sess.ID != a.ID {
		t.Fatalf("reattachTarget = %v, %v", sess, ok)
	}

	m.watchMu.Lock()
	m.watchdogs[4242] = &watchdog{sessionID: a.ID}
	m.watchMu.Unlock()
	defer func() {
		m.watchMu.Lock()
		delete(m.watchdogs, 4242)
		m.watchMu.Unlock()
	}()
	if _, ok := m.reattachTarget(discoveredProcess{PID: 4242, SessionID: a.ID}); ok {
		t.Fatal("already watched process was reattached")
	}
}
