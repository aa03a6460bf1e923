package manager

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"pwrec/internal/models"
	"pwrec/internal/utils"
)

// ErrSessionNotFound is returned for unknown session IDs.
var ErrSessionNotFound = models.ErrSessionNotFound

// SessionStore keeps sessions in memory and mirrors each one to its own JSON file.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session
	paths    *utils.Paths
	logger   *zap.Logger
	now      func() time.Time
}

// OpenSessionStore loads every session document under paths.SessionsDir(). Unreadable
// documents are logged and skipped.
func OpenSessionStore(paths *utils.Paths, logger *zap.Logger, now func() time.Time) (*SessionStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if now == nil {
		now = time.Now
	}
	st := &SessionStore{
		sessions: make(map[string]*models.Session),
		paths:    paths,
		logger:   logger.Named("sessions"),
		now:      now,
	}
	if err := os.MkdirAll(paths.SessionsDir(), 0o755); err != nil {
		return nil, fmt.Errorf("create sessions dir: %w", err)
	}
	entries, err := os.ReadDir(paths.SessionsDir())
	if err != nil {
		return nil, fmt.Errorf("read sessions dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		path := filepath.Join(paths.SessionsDir(), e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			st.logger.Warn("skip unreadable session", zap.String("path", path), zap.Error(err))
			continue
		}
		var s models.Session
		if err := json.Unmarshal(data, &s); err != nil || s.ID == "" {
			st.logger.Warn("skip malformed session", zap.String("path", path), zap.Error(err))
			continue
		}
		if s.ConnectionEvents == nil {
			s.ConnectionEvents = []models.ConnectionEvent{}
		}
		st.sessions[s.ID] = &s
	}
	st.logger.Info("sessions loaded", zap.Int("count", len(st.sessions)))
	return st, nil
}

// Create stores a new session with neutral metrics and an empty event log.
func (st *SessionStore) Create(name, url string) (*models.Session, error) {
	now := st.now()
	name = strings.TrimSpace(name)
	if name == "" {
		name = "Recording " + now.Format("2006-01-02 15:04:05")
	}
	m := models.DefaultConnectionMetrics()
	s := &models.Session{
		ID:                uuid.NewString(),
		Name:              name,
		URL:               strings.TrimSpace(url),
		CreatedAt:         now,
		UpdatedAt:         now,
		ConnectionMetrics: &m,
		ConnectionEvents:  []models.ConnectionEvent{},
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if err := st.saveLocked(s); err != nil {
		return nil, err
	}
	st.sessions[s.ID] = s
	return s.Copy(), nil
}

// GetSession returns a copy of the session.
func (st *SessionStore) GetSession(id string) (*models.Session, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s.Copy(), nil
}

// ListSessions returns every session, newest first.
func (st *SessionStore) ListSessions() ([]*models.Session, error) {
	return st.ListSessionsSince(time.Time{})
}

// ListSessionsSince returns sessions created at or after since, newest first.
func (st *SessionStore) ListSessionsSince(since time.Time) ([]*models.Session, error) {
	st.mu.RLock()
	out := make([]*models.Session, 0, len(st.sessions))
	for _, s := range st.sessions {
		if !s.CreatedAt.Before(since) {
			out = append(out, s.Copy())
		}
	}
	st.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// UpdateSession applies fn to a copy of the session and persists the copy when fn
// succeeds. The stored session is untouched if fn or the write fails.
func (st *SessionStore) UpdateSession(id string, fn func(*models.Session) error) (*models.Session, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	cur, ok := st.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	next := cur.Copy()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.ID = cur.ID
	if err := st.saveLocked(next); err != nil {
		return nil, err
	}
	st.sessions[id] = next
	return next.Copy(), nil
}

// FindByPID returns the session whose process is pid.
func (st *SessionStore) FindByPID(pid int) (*models.Session, bool) {
	if pid <= 0 {
		return nil, false
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	for _, s := range st.sessions {
		if s.ProcessID == pid {
			return s.Copy(), true
		}
	}
	return nil, false
}

// Delete removes the session and its document.
func (st *SessionStore) Delete(id string) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.sessions[id]; !ok {
		return ErrSessionNotFound
	}
	if err := os.Remove(st.paths.SessionFile(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove session %s: %w", id, err)
	}
	delete(st.sessions, id)
	return nil
}

func (st *SessionStore) saveLocked(s *models.Session) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session %s: %w", s.ID, err)
	}
	path := st.paths.SessionFile(s.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write session %s: %w", s.ID, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("write session %s: %w", s.ID, err)
	}
	return nil
}
