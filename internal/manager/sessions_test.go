package manager

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"pwrec/internal/models"
	"pwrec/internal/utils"
)

func newTestStore(t *testing.T, now func() time.Time) (*SessionStore, *utils.Paths) {
	t.Helper()
	paths := utils.NewPaths(t.TempDir())
	st, err := OpenSessionStore(paths, nil, now)
	if err != nil {
		t.Fatalf("OpenSessionStore: %v", err)
	}
	return st, paths
}

func TestSessionStoreCreateDefaults(t *testing.T) {
	at := time.Date(2026, 7, 15, 10, 0, 0, 0, time.UTC)
	st, paths := newTestStore(t, func() time.Time { return at })

	s, err := st.Create("  ", " https://example.com ")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if s.Name != "Recording 2026-07-15 10:00:00" {
		t.Errorf("name = %q", s.Name)
	}
	if s.URL != "https://example.com" {
		t.Errorf("url = %q", s.URL)
	}
	if m := s.Metrics(); m.QualityScore != 100 || m.StabilityPercentage != 100 {
		t.Errorf("metrics = %+v", m)
	}
	if s.ConnectionEvents == nil {
		t.Error("events should be an empty slice")
	}
	if _, err := os.Stat(paths.SessionFile(s.ID)); err != nil {
		t.Fatalf("session file: %v", err)
	}
}

func TestSessionStoreReloadSkipsMalformed(t *testing.T) {
	st, paths := newTestStore(t, nil)
	s, err := st.Create("one", "https://a.test")
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(paths.SessionsDir(), "broken.json"), []byte("{"), 0o644); err != nil {
		t.Fatal(err)
	}

	reopened, err := OpenSessionStore(paths, nil, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	list, _ := reopened.ListSessions()
	if len(list) != 1 || list[0].ID != s.ID || list[0].Name != "one" {
		t.Fatalf("reloaded = %+v", list)
	}
}

func TestSessionStoreListNewestFirst(t *testing.T) {
	at := time.Date(2026, 7, 15, 10, 0, 0, 0, time.UTC)
	tick := 0
	st, _ := newTestStore(t, func() time.Time {
		tick++
		return at.Add(time.Duration(tick) * time.Hour)
	})
	a, _ := st.Create("a", "")
	b, _ := st.Create("b", "")
	c, _ := st.Create("c", "")

	list, _ := st.ListSessions()
	if len(list) != 3 || list[0].ID != c.ID || list[1].ID != b.ID || list[2].ID != a.ID {
		t.Fatalf("order = %v %v %v", list[0].Name, list[1].Name, list[2].Name)
	}
	since, _ := st.ListSessionsSince(b.CreatedAt)
	if len(since) != 2 {
		t.Fatalf("since = %d sessions", len(since))
	}
}

func TestSessionStoreUpdateIsAtomic(t *testing.T) {
	st, _ := newTestStore(t, nil)
	s, _ := st.Create("x", "")

	boom := errors.New("boom")
	if _, err := st.UpdateSession(s.ID, func(s *models.Session) error {
		s.Name = "changed"
		return boom
	}); !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	got, _ := st.GetSession(s.ID)
	if got.Name != "x" {
		t.Fatalf("failed update leaked: %q", got.Name)
	}

	updated, err := st.UpdateSession(s.ID, func(s *models.Session) error {
		s.ProcessID = 42
		s.ID = "hijack"
		return nil
	})
	if err != nil || updated.ID != s.ID || updated.ProcessID != 42 {
		t.Fatalf("update = %+v, %v", updated, err)
	}
	if found, ok := st.FindByPID(42); !ok || found.ID != s.ID {
		t.Fatalf("FindByPID = %v %v", found, ok)
	}
}

func TestSessionStoreDelete(t *testing.T) {
	st, paths := newTestStore(t, nil)
	s, _ := st.Create("x", "")
	if err := st.Delete(s.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := st.GetSession(s.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("get after delete: %v", err)
	}
	if _, err := os.Stat(paths.SessionFile(s.ID)); !os.IsNotExist(err) {
		t.Fatalf("file still present: %v", err)
	}
	if err := st.Delete(s.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("second delete: %v", err)
	}
}
