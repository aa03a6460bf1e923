package reconnect

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"pwrec/internal/models"
)

// ErrMonitorStopped is returned when a command is sent to a monitor that is not running.
var ErrMonitorStopped = errors.New("monitor stopped")

type checkKind int

const (
	pollCheck checkKind = iota
	attemptCheck
)

type checkResult struct {
	gen    uint64
	kind   checkKind
	status ProcessStatus
	err    error
}

// action tells the loop what to schedule after a handler ran.
type action int

const (
	actNone action = iota
	actAttempt
	actRetry
)

type command func(ctx context.Context) action

// Params wires a Monitor to its collaborators. Checker and Sink are required.
type Params struct {
	SessionID string
	PID       int
	Checker   StatusChecker
	Sink      EventSink
	Cleaner   Cleaner
	Config    Config
	Logger    *zap.Logger
	Hooks     Hooks
	Now       func() time.Time
}

// Monitor is a single-goroutine state machine. Run owns every field below the channels;
// other goroutines talk to it through commands and read it through Status.
type Monitor struct {
	sessionID string
	pid       int
	cfg       Config
	checker   StatusChecker
	sink      EventSink
	cleaner   Cleaner
	hooks     Hooks
	logger    *zap.Logger
	now       func() time.Time

	results chan checkResult
	cmds    chan command
	done    chan struct{}
	started atomic.Bool

	state        State
	failures     int
	attempts     int
	gen          uint64
	reconnecting bool
	offline      bool
	halted       bool

	snapshot atomic.Pointer[Status]
}

// New builds an idle monitor. Call Run to start polling.
func New(p Params) *Monitor {
	m := &Monitor{
		sessionID: p.SessionID,
		pid:       p.PID,
		cfg:       p.Config.withDefaults(),
		checker:   p.Checker,
		sink:      p.Sink,
		cleaner:   p.Cleaner,
		hooks:     p.Hooks,
		logger:    p.Logger,
		now:       p.Now,
		results:   make(chan checkResult, 4),
		cmds:      make(chan command),
		done:      make(chan struct{}),
		state:     StateIdle,
	}
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	m.logger = m.logger.Named("reconnect").With(zap.String("session", p.SessionID), zap.Int("pid", p.PID))
	if m.now == nil {
		m.now = time.Now
	}
	m.publish()
	return m
}

// Status returns the latest published state.
func (m *Monitor) Status() Status {
	return *m.snapshot.Load()
}

// Done is closed when Run returns.
func (m *Monitor) Done() <-chan struct{} {
	return m.done
}

// Run polls until ctx is cancelled or the monitor reaches a terminal outcome
// (user stop, crash, normal exit or exhausted reconnection).
func (m *Monitor) Run(ctx context.Context) {
	if !m.started.CompareAndSwap(false, true) {
		return
	}
	defer close(m.done)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	// retryGen is the reconnection cycle that armed retry; a timer from an
	// earlier cycle must never launch an attempt in a later one.
	var retry *time.Timer
	var retryC <-chan time.Time
	var retryGen uint64
	stopRetry := func() {
		if retry != nil {
			retry.Stop()
		}
		retry, retryC = nil, nil
	}
	defer stopRetry()

	pollInFlight := true
	m.launch(ctx, pollCheck, m.gen)

	schedule := func(act action) {
		switch act {
		case actAttempt:
			m.launch(ctx, attemptCheck, m.beginAttempt(ctx))
		case actRetry:
			stopRetry()
			retry = time.NewTimer(m.cfg.RetryDelay)
			retryC = retry.C
			retryGen = m.gen
		}
		if retryC != nil && retryGen != m.gen {
			stopRetry()
		}
	}

	for !m.halted {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if pollInFlight || m.reconnecting || m.offline {
				continue
			}
			pollInFlight = true
			m.launch(ctx, pollCheck, m.gen)
		case r := <-m.results:
			var act action
			if r.kind == pollCheck {
				pollInFlight = false
				act = m.handlePoll(ctx, r.gen, r.status, r.err)
			} else {
				act = m.handleAttempt(ctx, r.gen, r.status, r.err)
			}
			schedule(act)
		case cmd := <-m.cmds:
			schedule(cmd(ctx))
		case <-retryC:
			stale := retryGen != m.gen
			retry, retryC = nil, nil
			if m.reconnecting && !stale {
				schedule(actAttempt)
			}
		}
	}
}

// launch runs one status check off the loop. The result always arrives within the
// check's timeout even when the checker ignores its context.
func (m *Monitor) launch(ctx context.Context, kind checkKind, gen uint64) {
	timeout := m.cfg.CheckTimeout
	if kind == attemptCheck {
		timeout = m.cfg.ReconnectCheckTimeout
	}
	go func() {
		cctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		out := make(chan checkResult, 1)
		go func() {
			st, err := m.checker.CheckStatus(cctx, m.pid)
			out <- checkResult{status: st, err: err}
		}()

		var res checkResult
		select {
		case res = <-out:
		case <-cctx.Done():
			res.err = fmt.Errorf("status check timed out: %w", cctx.Err())
		}
		res.gen = gen
		res.kind = kind
		select {
		case m.results <- res:
		case <-ctx.Done():
		}
	}()
}

// send hands cmd to the loop and waits for it to be accepted. It blocks until Run
// picks it up, Run exits, or ctx ends.
func (m *Monitor) send(ctx context.Context, cmd command) error {
	select {
	case m.cmds <- cmd:
		return nil
	case <-m.done:
		return ErrMonitorStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// UserStop records a user-initiated stop and ends monitoring.
func (m *Monitor) UserStop(ctx context.Context) error {
	return m.send(ctx, func(ctx context.Context) action { return m.handleUserStop(ctx) })
}

// NetworkOffline reports that the client lost network connectivity.
func (m *Monitor) NetworkOffline(ctx context.Context) error {
	return m.send(ctx, func(ctx context.Context) action { return m.handleOffline(ctx) })
}

// NetworkOnline reports that connectivity returned; a reconnection flow starts.
func (m *Monitor) NetworkOnline(ctx context.Context) error {
	return m.send(ctx, func(ctx context.Context) action { return m.handleOnline(ctx) })
}

func (m *Monitor) handlePoll(ctx context.Context, gen uint64, st ProcessStatus, err error) action {
	if gen != m.gen || m.halted || m.reconnecting {
		return actNone
	}
	if err != nil {
		return m.pollFailed(ctx, err)
	}

	if st.Running {
		m.failures = 0
		switch m.state {
		case StateIdle:
			m.transition(StateConnected, DetailsConfirmedAlive)
			m.emit(ctx, models.EventConnected, DetailsConfirmedAlive, nil)
		case StateWarning, StateDisconnected:
			m.transition(StateConnected, "Connection restored")
			m.emit(ctx, models.EventConnected, "Connection restored", nil)
		default:
			m.publish()
		}
		return actNone
	}

	if st.Completed {
		m.halted = true
		m.transition(StateIdle, DetailsProcessExited)
		m.emit(ctx, models.EventDisconnected, DetailsProcessExited, nil)
		return actNone
	}

	m.halted = true
	m.transition(StateDisconnected, DetailsCrashed)
	m.emit(ctx, models.EventFailed, DetailsCrashed, nil)
	m.cleanup(ctx)
	return actNone
}

// pollFailed counts a failed check. Only sustained failure changes state.
func (m *Monitor) pollFailed(ctx context.Context, err error) action {
	m.failures++
	m.logger.Debug("status check failed", zap.Int("failures", m.failures), zap.Error(err))

	if m.failures == m.cfg.ToastAfter && m.hooks.OnToast != nil {
		m.hooks.OnToast(m.sessionID, "Connection check failed, retrying")
	}
	if m.failures >= m.cfg.ReconnectAfter {
		return m.startReconnect(fmt.Sprintf("%d consecutive status checks failed", m.failures))
	}
	if m.failures >= m.cfg.WarnAfter && m.state == StateConnected {
		reason := fmt.Sprintf("Connection unstable: %d consecutive status checks failed", m.failures)
		m.transition(StateWarning, reason)
		m.emit(ctx, models.EventWarning, reason, nil)
		return actNone
	}
	m.publish()
	return actNone
}

// startReconnect enters Reconnecting unless a reconnection is already running.
func (m *Monitor) startReconnect(reason string) action {
	if m.reconnecting || m.halted {
		return actNone
	}
	m.reconnecting = true
	m.attempts = 0
	m.gen++
	m.transition(StateReconnecting, reason)
	return actAttempt
}

// beginAttempt records the start of the next attempt and returns the generation its
// check belongs to.
func (m *Monitor) beginAttempt(ctx context.Context) uint64 {
	m.attempts++
	m.publish()
	m.emit(ctx, models.EventReconnecting, fmt.Sprintf("Reconnection attempt %d of %d", m.attempts, m.cfg.MaxAttempts), nil)
	return m.gen
}

func (m *Monitor) handleAttempt(ctx context.Context, gen uint64, st ProcessStatus, err error) action {
	if gen != m.gen || !m.reconnecting || m.halted {
		return actNone
	}
	elapsed := int64(m.attempts) * m.cfg.ReconnectCheckTimeout.Milliseconds()

	if err == nil && st.Running {
		attempts := m.attempts
		m.reconnecting = false
		m.failures = 0
		m.attempts = 0
		m.offline = false
		m.gen++
		details := fmt.Sprintf("Reconnected after %d attempt(s)", attempts)
		m.transition(StateConnected, details)
		m.emit(ctx, models.EventReconnected, details, &elapsed)
		return actNone
	}

	if err != nil {
		m.logger.Info("reconnection attempt failed", zap.Int("attempt", m.attempts), zap.Error(err))
	} else {
		m.logger.Info("reconnection attempt found process not running", zap.Int("attempt", m.attempts))
	}
	if m.attempts < m.cfg.MaxAttempts {
		m.publish()
		return actRetry
	}

	m.reconnecting = false
	m.halted = true
	m.gen++
	details := fmt.Sprintf("%s (%d of %d)", DetailsMaxAttempts, m.attempts, m.cfg.MaxAttempts)
	m.transition(StateFailed, details)
	m.emit(ctx, models.EventFailed, details, &elapsed)
	m.cleanup(ctx)
	return actNone
}

func (m *Monitor) handleUserStop(ctx context.Context) action {
	if m.halted {
		return actNone
	}
	m.halted = true
	m.reconnecting = false
	m.gen++
	m.transition(StateIdle, DetailsManualStop)
	m.emit(ctx, models.EventDisconnected, DetailsManualStop, nil)
	return actNone
}

func (m *Monitor) handleOffline(ctx context.Context) action {
	if m.halted || m.offline {
		return actNone
	}
	m.offline = true
	m.reconnecting = false
	m.gen++
	m.transition(StateDisconnected, DetailsNetworkLost)
	m.emit(ctx, models.EventDisconnected, DetailsNetworkLost, nil)
	return actNone
}

func (m *Monitor) handleOnline(ctx context.Context) action {
	if m.halted {
		return actNone
	}
	m.offline = false
	return m.startReconnect("Network connection restored")
}

func (m *Monitor) transition(to State, reason string) {
	from := m.state
	m.state = to
	m.publish()
	if from == to {
		return
	}
	m.logger.Info("connection state changed",
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("reason", reason))
	if m.hooks.OnTransition != nil {
		m.hooks.OnTransition(Transition{
			SessionID: m.sessionID,
			PID:       m.pid,
			From:      from,
			To:        to,
			Reason:    reason,
			Attempts:  m.attempts,
			At:        m.now(),
		})
	}
}

// emit appends an event. Failures are logged; the loop carries on.
func (m *Monitor) emit(ctx context.Context, t models.EventType, details string, durationMs *int64) {
	ev := models.ConnectionEvent{
		Timestamp: m.now(),
		Type:      t,
		Details:   details,
		Duration:  durationMs,
	}
	ectx, cancel := context.WithTimeout(ctx, m.cfg.CheckTimeout)
	defer cancel()
	if err := m.sink.RecordEvent(ectx, m.sessionID, ev); err != nil {
		m.logger.Warn("record connection event", zap.String("type", string(t)), zap.Error(err))
	}
}

func (m *Monitor) cleanup(ctx context.Context) {
	if m.cleaner == nil {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, m.cfg.CheckTimeout)
	defer cancel()
	if err := m.cleaner.Cleanup(cctx, m.sessionID, m.pid); err != nil {
		m.logger.Warn("cleanup process tracking", zap.Error(err))
	}
}

func (m *Monitor) publish() {
	m.snapshot.Store(&Status{
		SessionID:    m.sessionID,
		PID:          m.pid,
		State:        m.state,
		Failures:     m.failures,
		Attempts:     m.attempts,
		Reconnecting: m.reconnecting,
		Offline:      m.offline,
		Halted:       m.halted,
	})
}
