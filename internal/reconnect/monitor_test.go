package reconnect

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pwrec/internal/models"
)

type recordingSink struct {
	mu     sync.Mutex
	events []models.ConnectionEvent
}

func (r *recordingSink) RecordEvent(_ context.Context, _ string, ev models.ConnectionEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingSink) ofType(t models.EventType) []models.ConnectionEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.ConnectionEvent
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type countingCleaner struct {
	mu    sync.Mutex
	calls int
}

func (c *countingCleaner) Cleanup(context.Context, string, int) error {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return nil
}

func (c *countingCleaner) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type staticChecker struct {
	status ProcessStatus
	err    error
}

func (s staticChecker) CheckStatus(context.Context, int) (ProcessStatus, error) {
	return s.status, s.err
}

var errDown = errors.New("connection refused")

func newTestMonitor(checker StatusChecker) (*Monitor, *recordingSink, *countingCleaner, *[]string) {
	sink := &recordingSink{}
	cleaner := &countingCleaner{}
	toasts := &[]string{}
	m := New(Params{
		SessionID: "sess-1",
		PID:       4242,
		Checker:   checker,
		Sink:      sink,
		Cleaner:   cleaner,
		Hooks: Hooks{
			OnToast: func(_, msg string) { *toasts = append(*toasts, msg) },
		},
	})
	return m, sink, cleaner, toasts
}

var running = ProcessStatus{Running: true, Type: models.ProcessRecording}

func TestPollConfirmsInitialConnection(t *testing.T) {
	m, sink, _, _ := newTestMonitor(nil)
	ctx := context.Background()

	m.handlePoll(ctx, m.gen, running, nil)
	if m.Status().State != StateConnected {
		t.Fatalf("state = %s, want connected", m.Status().State)
	}
	if got := sink.ofType(models.EventConnected); len(got) != 1 {
		t.Fatalf("connected events = %d, want 1", len(got))
	}
	m.handlePoll(ctx, m.gen, running, nil)
	if got := sink.ofType(models.EventConnected); len(got) != 1 {
		t.Fatalf("steady polls should not emit, got %d connected events", len(got))
	}
}

func TestPollFailuresEscalate(t *testing.T) {
	m, sink, _, toasts := newTestMonitor(nil)
	ctx := context.Background()
	m.handlePoll(ctx, m.gen, running, nil)

	for i := 1; i <= 4; i++ {
		if act := m.handlePoll(ctx, m.gen, ProcessStatus{}, errDown); act != actNone {
			t.Fatalf("failure %d scheduled %v", i, act)
		}
		switch i {
		case 1:
			if len(*toasts) != 1 || m.Status().State != StateConnected {
				t.Fatalf("after 1 failure: toasts=%d state=%s", len(*toasts), m.Status().State)
			}
		case 3:
			if m.Status().State != StateWarning {
				t.Fatalf("after 3 failures state = %s, want warning", m.Status().State)
			}
		}
	}
	if len(sink.ofType(models.EventWarning)) != 1 {
		t.Fatalf("warning events = %d, want 1", len(sink.ofType(models.EventWarning)))
	}
	if act := m.handlePoll(ctx, m.gen, ProcessStatus{}, errDown); act != actAttempt {
		t.Fatalf("fifth failure should start reconnecting, got %v", act)
	}
	st := m.Status()
	if st.State != StateReconnecting || !st.Reconnecting {
		t.Fatalf("status = %+v", st)
	}
}

func TestRecoveryFromWarningEmitsConnected(t *testing.T) {
	m, sink, _, _ := newTestMonitor(nil)
	ctx := context.Background()
	m.handlePoll(ctx, m.gen, running, nil)
	for i := 0; i < 3; i++ {
		m.handlePoll(ctx, m.gen, ProcessStatus{}, errDown)
	}
	m.handlePoll(ctx, m.gen, running, nil)
	st := m.Status()
	if st.State != StateConnected || st.Failures != 0 {
		t.Fatalf("status = %+v", st)
	}
	if len(sink.ofType(models.EventConnected)) != 2 {
		t.Fatalf("connected events = %d, want 2", len(sink.ofType(models.EventConnected)))
	}
}

func TestMaxAttemptsReachesFailedOnce(t *testing.T) {
	m, sink, cleaner, _ := newTestMonitor(nil)
	ctx := context.Background()
	if act := m.startReconnect("test"); act != actAttempt {
		t.Fatalf("startReconnect = %v", act)
	}

	for attempt := 1; attempt <= 3; attempt++ {
		gen := m.beginAttempt(ctx)
		act := m.handleAttempt(ctx, gen, ProcessStatus{}, errDown)
		if attempt < 3 && act != actRetry {
			t.Fatalf("attempt %d: action = %v, want retry", attempt, act)
		}
		if attempt == 3 && act != actNone {
			t.Fatalf("final attempt scheduled %v", act)
		}
	}

	st := m.Status()
	if st.State != StateFailed || !st.Halted {
		t.Fatalf("status = %+v", st)
	}
	failed := sink.ofType(models.EventFailed)
	if len(failed) != 1 || !strings.HasPrefix(failed[0].Details, DetailsMaxAttempts) {
		t.Fatalf("failed events = %+v", failed)
	}
	if !strings.Contains(failed[0].Details, "(3 of 3)") {
		t.Fatalf("failed details = %q, want attempt count", failed[0].Details)
	}
	if failed[0].DurationMs() != 30000 {
		t.Fatalf("failed duration = %d, want 30000", failed[0].DurationMs())
	}
	if n := len(sink.ofType(models.EventReconnecting)); n != 3 {
		t.Fatalf("reconnecting events = %d, want 3", n)
	}
	if cleaner.count() != 1 {
		t.Fatalf("cleanup calls = %d, want 1", cleaner.count())
	}

	// late results and new triggers are ignored once failed
	m.handleAttempt(ctx, m.gen, ProcessStatus{}, errDown)
	if act := m.handleOnline(ctx); act != actNone {
		t.Fatalf("online after failure scheduled %v", act)
	}
	if len(sink.ofType(models.EventFailed)) != 1 {
		t.Fatalf("extra failed events emitted")
	}
}

func TestReconnectSuccessResetsCounters(t *testing.T) {
	m, sink, _, _ := newTestMonitor(nil)
	ctx := context.Background()
	m.handlePoll(ctx, m.gen, running, nil)
	for i := 0; i < 5; i++ {
		m.handlePoll(ctx, m.gen, ProcessStatus{}, errDown)
	}

	gen := m.beginAttempt(ctx)
	if act := m.handleAttempt(ctx, gen, ProcessStatus{}, errDown); act != actRetry {
		t.Fatalf("first attempt = %v", act)
	}
	gen = m.beginAttempt(ctx)
	m.handleAttempt(ctx, gen, running, nil)

	st := m.Status()
	if st.State != StateConnected || st.Attempts != 0 || st.Failures != 0 || st.Reconnecting {
		t.Fatalf("status after success = %+v", st)
	}
	rec := sink.ofType(models.EventReconnected)
	if len(rec) != 1 || rec[0].DurationMs() != 20000 {
		t.Fatalf("reconnected events = %+v", rec)
	}
}

func TestStaleResultsAreIgnored(t *testing.T) {
	m, _, _, _ := newTestMonitor(nil)
	ctx := context.Background()
	stalePoll := m.gen
	m.startReconnect("test")
	gen := m.beginAttempt(ctx)
	m.handleAttempt(ctx, gen, running, nil)

	// a poll launched before the reconnection reports failure late
	m.handlePoll(ctx, stalePoll, ProcessStatus{}, errDown)
	// and so does the attempt that already succeeded
	m.handleAttempt(ctx, gen, ProcessStatus{}, errDown)

	st := m.Status()
	if st.State != StateConnected || st.Failures != 0 {
		t.Fatalf("stale results changed state: %+v", st)
	}
}

func TestCrashIsDistinguishedFromUserStop(t *testing.T) {
	m, sink, cleaner, _ := newTestMonitor(nil)
	ctx := context.Background()
	m.handlePoll(ctx, m.gen, running, nil)
	m.handlePoll(ctx, m.gen, ProcessStatus{Running: false}, nil)

	if m.Status().State != StateDisconnected {
		t.Fatalf("crash state = %s", m.Status().State)
	}
	failed := sink.ofType(models.EventFailed)
	if len(failed) != 1 || failed[0].Details != DetailsCrashed {
		t.Fatalf("crash events = %+v", failed)
	}
	if cleaner.count() != 1 {
		t.Fatalf("cleanup after crash = %d", cleaner.count())
	}

	m2, sink2, _, _ := newTestMonitor(nil)
	m2.handlePoll(ctx, m2.gen, running, nil)
	m2.handleUserStop(ctx)
	if m2.Status().State != StateIdle {
		t.Fatalf("user stop state = %s", m2.Status().State)
	}
	stops := sink2.ofType(models.EventDisconnected)
	if len(stops) != 1 || stops[0].Details != DetailsManualStop {
		t.Fatalf("user stop events = %+v", stops)
	}
	if len(sink2.ofType(models.EventFailed)) != 0 {
		t.Fatalf("user stop emitted failed")
	}
}

func TestNormalExitDoesNotLookLikeCrash(t *testing.T) {
	m, sink, cleaner, _ := newTestMonitor(nil)
	ctx := context.Background()
	m.handlePoll(ctx, m.gen, running, nil)
	m.handlePoll(ctx, m.gen, ProcessStatus{Completed: true}, nil)
	if m.Status().State != StateIdle || len(sink.ofType(models.EventFailed)) != 0 || cleaner.count() != 0 {
		t.Fatalf("normal exit handled as crash: %+v", m.Status())
	}
}

func TestNetworkEventsDriveTransitions(t *testing.T) {
	m, sink, _, _ := newTestMonitor(nil)
	ctx := context.Background()
	m.handlePoll(ctx, m.gen, running, nil)

	m.handleOffline(ctx)
	if st := m.Status(); st.State != StateDisconnected || !st.Offline {
		t.Fatalf("offline status = %+v", st)
	}
	if len(sink.ofType(models.EventDisconnected)) != 1 {
		t.Fatalf("offline should emit disconnected")
	}
	if act := m.handleOnline(ctx); act != actAttempt {
		t.Fatalf("online = %v, want attempt", act)
	}
	if act := m.handleOnline(ctx); act != actNone {
		t.Fatalf("second online while reconnecting = %v, want none", act)
	}
	if m.Status().State != StateReconnecting {
		t.Fatalf("state = %s", m.Status().State)
	}
}

func fastConfig() Config {
	return Config{
		PollInterval:          2 * time.Millisecond,
		CheckTimeout:          20 * time.Millisecond,
		ReconnectCheckTimeout: 20 * time.Millisecond,
		RetryDelay:            time.Millisecond,
	}
}

func runUntilDone(t *testing.T, m *Monitor) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go m.Run(ctx)
	select {
	case <-m.Done():
	case <-ctx.Done():
		t.Fatalf("monitor did not finish: %+v", m.Status())
	}
}

func TestRunGivesUpAfterMaxAttempts(t *testing.T) {
	sink := &recordingSink{}
	m := New(Params{SessionID: "s", PID: 1, Checker: staticChecker{err: errDown}, Sink: sink, Config: fastConfig()})
	runUntilDone(t, m)

	if m.Status().State != StateFailed {
		t.Fatalf("state = %s, want failed", m.Status().State)
	}
	if n := len(sink.ofType(models.EventReconnecting)); n != 3 {
		t.Fatalf("reconnecting events = %d, want 3", n)
	}
	if n := len(sink.ofType(models.EventFailed)); n != 1 {
		t.Fatalf("failed events = %d, want 1", n)
	}
}

type hangingChecker struct{ release chan struct{} }

func (h hangingChecker) CheckStatus(context.Context, int) (ProcessStatus, error) {
	<-h.release
	return ProcessStatus{}, errDown
}

func TestRunSurvivesHungChecks(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	sink := &recordingSink{}
	m := New(Params{SessionID: "s", PID: 1, Checker: hangingChecker{release: release}, Sink: sink, Config: fastConfig()})
	runUntilDone(t, m)

	if m.Status().State != StateFailed {
		t.Fatalf("state = %s, want failed", m.Status().State)
	}
}

func TestUserStopThroughLoop(t *testing.T) {
	sink := &recordingSink{}
	m := New(Params{SessionID: "s", PID: 1, Checker: staticChecker{status: running}, Sink: sink, Config: fastConfig()})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go m.Run(ctx)

	if err := m.UserStop(ctx); err != nil {
		t.Fatalf("UserStop: %v", err)
	}
	<-m.Done()
	if m.Status().State != StateIdle {
		t.Fatalf("state = %s, want idle", m.Status().State)
	}
	if err := m.UserStop(ctx); !errors.Is(err, ErrMonitorStopped) {
		t.Fatalf("second UserStop = %v, want ErrMonitorStopped", err)
	}
}

// scriptedChecker fails the first `fail` checks and then blocks until release closes.
type scriptedChecker struct {
	calls   atomic.Int32
	fail    int32
	release chan struct{}
}

func (c *scriptedChecker) CheckStatus(context.Context, int) (ProcessStatus, error) {
	if c.calls.Add(1) <= c.fail {
		return ProcessStatus{}, errDown
	}
	<-c.release
	return ProcessStatus{}, errDown
}

func TestRetryTimerDoesNotLeakIntoNextCycle(t *testing.T) {
	checker := &scriptedChecker{fail: 2, release: make(chan struct{})}
	defer close(checker.release)
	sink := &recordingSink{}
	cfg := fastConfig()
	cfg.ReconnectAfter = 1
	cfg.RetryDelay = 200 * time.Millisecond
	cfg.ReconnectCheckTimeout = 2 * time.Second
	m := New(Params{SessionID: "s", PID: 1, Checker: checker, Sink: sink, Config: cfg})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go m.Run(ctx)

	// First poll fails, reconnection starts, attempt 1 fails and arms the retry timer.
	deadline := time.Now().Add(time.Second)
	for checker.calls.Load() < 2 || m.Status().Attempts != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("first attempt never ran: %+v", m.Status())
		}
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)

	if err := m.NetworkOffline(ctx); err != nil {
		t.Fatalf("NetworkOffline: %v", err)
	}
	if err := m.NetworkOnline(ctx); err != nil {
		t.Fatalf("NetworkOnline: %v", err)
	}

	// Past the old timer's deadline; only the new cycle's first attempt may be running.
	time.Sleep(300 * time.Millisecond)
	st := m.Status()
	if st.Attempts != 1 || !st.Reconnecting {
		t.Fatalf("status = %+v, want one attempt in the new cycle", st)
	}
	if n := checker.calls.Load(); n != 3 {
		t.Fatalf("checks = %d, want 3", n)
	}
	if n := len(sink.ofType(models.EventReconnecting)); n != 2 {
		t.Fatalf("reconnecting events = %d, want 2", n)
	}
}
