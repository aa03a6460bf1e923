package manager

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"

	"pwrec/internal/models"
)

const scriptSuffix = ".spec.ts"

// discoveredProcess is a recorder or replayer left running by a previous manager instance.
type discoveredProcess struct {
	PID       int
	SessionID string
	Type      models.ProcessType
}

// discoverRunningProcesses scans the process table for Playwright codegen and test runs
// whose script argument lives in the scripts directory. The session ID is the script's
// base name. Best-effort: unreadable processes are skipped.
func (m *Manager) discoverRunningProcesses(ctx context.Context) []discoveredProcess {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		m.logger.Warn("process discovery failed", zap.Error(err))
		return nil
	}
	scriptsDir := filepath.Clean(m.Paths.ScriptsDir())
	seen := make(map[string]bool)
	var found []discoveredProcess
	for _, p := range procs {
		args, err := p.CmdlineSliceWithContext(ctx)
		if err != nil || len(args) == 0 {
			continue
		}
		typ, ok := classifyCmdline(args)
		if !ok {
			continue
		}
		sid := scriptSessionID(args, scriptsDir)
		if sid == "" || seen[sid] {
			continue
		}
		seen[sid] = true
		found = append(found, discoveredProcess{PID: int(p.Pid), SessionID: sid, Type: typ})
	}
	return found
}

// scriptSessionID returns the session ID encoded in the first *.spec.ts argument found
// directly under scriptsDir.
func scriptSessionID(args []string, scriptsDir string) string {
	for _, a := range args {
		if !strings.HasSuffix(a, scriptSuffix) {
			continue
		}
		path := a
		if !filepath.IsAbs(path) {
			path = filepath.Join(filepath.Dir(scriptsDir), path)
		}
		if !samePath(filepath.Dir(path), scriptsDir) {
			continue
		}
		return strings.TrimSuffix(filepath.Base(path), scriptSuffix)
	}
	return ""
}

// reattachTarget returns the session a discovered process should be attached to. A pid
// already recorded on another session, or already watched for this one, is left alone.
func (m *Manager) reattachTarget(d discoveredProcess) (*models.Session, bool) {
	if owner, ok := m.Sessions.FindByPID(d.PID); ok {
		if owner.ID != d.SessionID {
			m.logger.Debug("discovered process belongs to another session",
				zap.Int("pid", d.PID), zap.String("session", d.SessionID), zap.String("owner", owner.ID))
			return nil, false
		}
		if m.watchdogFor(d.PID) != nil {
			return nil, false
		}
	}
	sess, err := m.Sessions.GetSession(d.SessionID)
	if err != nil {
		m.logger.Debug("discovered process has no session", zap.Int("pid", d.PID), zap.String("session", d.SessionID))
		return nil, false
	}
	return sess, true
}

// reattachDiscovered adopts processes from a previous run so their sessions keep their
// watchdogs and telemetry.
func (m *Manager) reattachDiscovered() {
	ctx, cancel := context.WithTimeout(m.ctx, 10*time.Second)
	defer cancel()
	var summary []string
	for _, d := range m.discoverRunningProcesses(ctx) {
		sess, ok := m.reattachTarget(d)
		if !ok {
			continue
		}
		info := m.Processes.Attach(d.PID, d.SessionID, d.Type)
		if _, err := m.attachProcess(d.SessionID, info, sess.ScriptPath); err != nil {
			m.logger.Warn("reattach failed", zap.Int("pid", d.PID), zap.String("session", d.SessionID), zap.Error(err))
			continue
		}
		summary = append(summary, fmt.Sprintf("%s:%d", d.SessionID, d.PID))
	}
	if len(summary) == 0 {
		m.logger.Info("process discovery: no running recorder or replay processes found")
		return
	}
	sort.Strings(summary)
	m.logger.Info("process discovery: reattached", zap.Int("count", len(summary)), zap.String("processes", strings.Join(summary, ", ")))
}

// samePath compares cleaned paths after resolving symlinks where possible.
func samePath(a, b string) bool {
	aa := filepath.Clean(strings.TrimSpace(a))
	bb := filepath.Clean(strings.TrimSpace(b))
	if aa == bb {
		return true
	}
	if ea, err := filepath.EvalSymlinks(aa); err == nil {
		aa = ea
	}
	if eb, err := filepath.EvalSymlinks(bb); err == nil {
		bb = eb
	}
	return aa == bb
}
