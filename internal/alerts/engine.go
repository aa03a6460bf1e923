// Package alerts raises, deduplicates and tracks connection alerts for sessions.
package alerts

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"pwrec/internal/models"
)

// ErrAlertNotFound is returned by Acknowledge and Dismiss for unknown alert IDs.
var ErrAlertNotFound = errors.New("alert not found")

// Action describes what happened to an alert in a subscriber notification.
type Action string

const (
	ActionCreated      Action = "created"
	ActionAcknowledged Action = "acknowledged"
	ActionDismissed    Action = "dismissed"
)

// Notification is delivered to subscribers after the engine state has changed.
type Notification struct {
	Action Action                 `json:"action"`
	Alert  models.ConnectionAlert `json:"alert"`
}

// Listener receives notifications on the caller's goroutine after the engine lock has
// been released. It may read engine state but must not block.
type Listener func(Notification)

// Options configures a new Engine. Zero values fall back to defaults.
type Options struct {
	Store      Store
	Logger     *zap.Logger
	Thresholds *models.AlertThresholds
	Now        func() time.Time
	NewID      func() string
}

// Engine owns the active alert set, the thresholds and the latest snapshot of every
// session it has evaluated. It is safe for concurrent use.
type Engine struct {
	mu         sync.Mutex
	store      Store
	logger     *zap.Logger
	now        func() time.Time
	newID      func() string
	initial    models.AlertThresholds
	thresholds models.AlertThresholds
	active     []models.ConnectionAlert
	tracked    map[string]*models.Session

	subMu   sync.RWMutex
	subs    map[int]Listener
	nextSub int
}

// NewEngine builds an engine and loads persisted alerts and thresholds from the store.
// Persisted thresholds win over opts.Thresholds. Load failures are logged.
func NewEngine(opts Options) *Engine {
	e := &Engine{
		store:   opts.Store,
		logger:  opts.Logger,
		now:     opts.Now,
		newID:   opts.NewID,
		initial: models.DefaultAlertThresholds(),
		tracked: make(map[string]*models.Session),
		subs:    make(map[int]Listener),
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	e.logger = e.logger.Named("alerts")
	if e.now == nil {
		e.now = time.Now
	}
	if e.newID == nil {
		e.newID = uuid.NewString
	}
	if opts.Thresholds != nil {
		e.initial = *opts.Thresholds
	}
	e.thresholds = e.initial

	if e.store != nil {
		if th, ok, err := e.store.LoadThresholds(); err != nil {
			e.logger.Warn("load thresholds", zap.Error(err))
		} else if ok {
			e.thresholds = th
		}
		if saved, err := e.store.LoadAlerts(); err != nil {
			e.logger.Warn("load alerts", zap.Error(err))
		} else {
			e.active = saved
		}
	}
	return e
}

// Evaluate runs every threshold check against the session and returns the alerts it
// created. A check never fires while an unacknowledged alert of the same type is
// open for the session.
func (e *Engine) Evaluate(s *models.Session) []models.ConnectionAlert {
	if s == nil {
		return nil
	}
	e.mu.Lock()
	e.tracked[s.ID] = s.Copy()
	created := e.evaluateLocked(s)
	if len(created) > 0 {
		e.persistAlertsLocked()
	}
	e.mu.Unlock()

	e.publish(ActionCreated, created)
	return created
}

func (e *Engine) evaluateLocked(s *models.Session) []models.ConnectionAlert {
	var created []models.ConnectionAlert
	for _, run := range checks {
		c, fire := run(s, e.thresholds)
		if !fire || e.hasOpenLocked(s.ID, c.kind) {
			continue
		}
		alert := models.ConnectionAlert{
			ID:        e.newID(),
			Timestamp: e.now(),
			Severity:  c.severity,
			Type:      c.kind,
			Message:   c.message,
			SessionID: s.ID,
			Context:   c.context,
		}
		e.active = append(e.active, alert)
		created = append(created, alert.Copy())
		e.logger.Info("alert raised",
			zap.String("session", s.ID),
			zap.String("type", string(c.kind)),
			zap.String("severity", string(c.severity)))
	}
	return created
}

func (e *Engine) hasOpenLocked(sessionID string, kind models.AlertType) bool {
	for i := range e.active {
		a := &e.active[i]
		if a.SessionID == sessionID && a.Type == kind && !a.Acknowledged {
			return true
		}
	}
	return false
}

// Active returns every alert that has not been dismissed, newest first.
func (e *Engine) Active() []models.ConnectionAlert {
	e.mu.Lock()
	out := make([]models.ConnectionAlert, 0, len(e.active))
	for _, a := range e.active {
		out = append(out, a.Copy())
	}
	e.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out
}

// Unacknowledged returns the active alerts still awaiting acknowledgement, newest first.
func (e *Engine) Unacknowledged() []models.ConnectionAlert {
	all := e.Active()
	out := all[:0]
	for _, a := range all {
		if !a.Acknowledged {
			out = append(out, a)
		}
	}
	return out
}

// Acknowledge marks the alert acknowledged. Acknowledging twice is a no-op.
func (e *Engine) Acknowledge(id string) error {
	e.mu.Lock()
	idx := e.indexLocked(id)
	if idx < 0 {
		e.mu.Unlock()
		return ErrAlertNotFound
	}
	a := &e.active[idx]
	if a.Acknowledged {
		e.mu.Unlock()
		return nil
	}
	at := e.now()
	a.Acknowledged = true
	a.AcknowledgedAt = &at
	snapshot := a.Copy()
	e.persistAlertsLocked()
	e.mu.Unlock()

	e.publish(ActionAcknowledged, []models.ConnectionAlert{snapshot})
	return nil
}

// Dismiss removes the alert from the active set whether or not it was acknowledged.
func (e *Engine) Dismiss(id string) error {
	e.mu.Lock()
	idx := e.indexLocked(id)
	if idx < 0 {
		e.mu.Unlock()
		return ErrAlertNotFound
	}
	removed := e.active[idx]
	e.active = append(e.active[:idx], e.active[idx+1:]...)
	e.persistAlertsLocked()
	e.mu.Unlock()

	e.publish(ActionDismissed, []models.ConnectionAlert{removed})
	return nil
}

func (e *Engine) indexLocked(id string) int {
	for i := range e.active {
		if e.active[i].ID == id {
			return i
		}
	}
	return -1
}

// Thresholds returns the limits currently applied.
func (e *Engine) Thresholds() models.AlertThresholds {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.thresholds
}

// UpdateThresholds applies the patch, persists the result and immediately re-evaluates
// every tracked session. It returns the new thresholds and any alerts created.
func (e *Engine) UpdateThresholds(patch models.ThresholdsPatch) (models.AlertThresholds, []models.ConnectionAlert) {
	e.mu.Lock()
	e.thresholds = patch.Apply(e.thresholds)
	th := e.thresholds
	if e.store != nil {
		if err := e.store.SaveThresholds(th); err != nil {
			e.logger.Error("persist thresholds", zap.Error(err))
		}
	}

	ids := make([]string, 0, len(e.tracked))
	for id := range e.tracked {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var created []models.ConnectionAlert
	for _, id := range ids {
		created = append(created, e.evaluateLocked(e.tracked[id])...)
	}
	if len(created) > 0 {
		e.persistAlertsLocked()
	}
	e.mu.Unlock()

	e.logger.Info("thresholds updated",
		zap.Int("quality_score", th.QualityScore),
		zap.Int("disconnection_count", th.DisconnectionCount),
		zap.Float64("reconnection_fail_rate", th.ReconnectionFailRate),
		zap.Int64("downtime_threshold", th.DowntimeThreshold),
		zap.Int("reevaluated", len(ids)))
	e.publish(ActionCreated, created)
	return th, created
}

// Forget stops tracking a session and drops its alerts, acknowledged or not.
func (e *Engine) Forget(sessionID string) {
	e.mu.Lock()
	delete(e.tracked, sessionID)
	kept := e.active[:0]
	for _, a := range e.active {
		if a.SessionID != sessionID {
			kept = append(kept, a)
		}
	}
	changed := len(kept) != len(e.active)
	e.active = kept
	if changed {
		e.persistAlertsLocked()
	}
	e.mu.Unlock()
}

// Reset clears alerts and tracked sessions and restores the initial thresholds.
// Subscribers stay registered.
func (e *Engine) Reset() {
	e.mu.Lock()
	e.active = nil
	e.tracked = make(map[string]*models.Session)
	e.thresholds = e.initial
	e.persistAlertsLocked()
	if e.store != nil {
		if err := e.store.SaveThresholds(e.thresholds); err != nil {
			e.logger.Error("persist thresholds", zap.Error(err))
		}
	}
	e.mu.Unlock()
}

// Subscribe registers fn and returns a function that removes it.
func (e *Engine) Subscribe(fn Listener) (unsubscribe func()) {
	e.subMu.Lock()
	id := e.nextSub
	e.nextSub++
	e.subs[id] = fn
	e.subMu.Unlock()
	return func() {
		e.subMu.Lock()
		delete(e.subs, id)
		e.subMu.Unlock()
	}
}

func (e *Engine) publish(action Action, alerts []models.ConnectionAlert) {
	if len(alerts) == 0 {
		return
	}
	e.subMu.RLock()
	listeners := make([]Listener, 0, len(e.subs))
	for _, fn := range e.subs {
		listeners = append(listeners, fn)
	}
	e.subMu.RUnlock()
	for _, a := range alerts {
		for _, fn := range listeners {
			fn(Notification{Action: action, Alert: a.Copy()})
		}
	}
}

// persistAlertsLocked writes the active set. Failures are logged and otherwise ignored.
func (e *Engine) persistAlertsLocked() {
	if e.store == nil {
		return
	}
	snapshot := make([]models.ConnectionAlert, len(e.active))
	copy(snapshot, e.active)
	if err := e.store.SaveAlerts(snapshot); err != nil {
		e.logger.Error("persist alerts", zap.Int("count", len(snapshot)), zap.Error(err))
	}
}
