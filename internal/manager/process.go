package manager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"

	"pwrec/internal/config"
	"pwrec/internal/models"
	"pwrec/internal/reconnect"
	"pwrec/internal/utils"
)

// ErrProcessNotFound is returned for PIDs the tracker does not know about.
var ErrProcessNotFound = errors.New("process not tracked")

// ProcessInfo describes a recorder or replay process started (or adopted) by pwrec.
type ProcessInfo struct {
	PID       int                `json:"pid"`
	SessionID string             `json:"session_id"`
	Type      models.ProcessType `json:"type"`
	StartedAt time.Time          `json:"started_at"`
	Running   bool               `json:"running"`
	ExitedAt  *time.Time         `json:"exited_at,omitempty"`
	ExitCode  int                `json:"exit_code"`
	Stopped   bool               `json:"stopped"`  // stop was requested by the user
	Attached  bool               `json:"attached"` // adopted at startup, not our child
}

// Completed reports a clean exit that nobody asked for: the user closed the recorder
// window or the replay finished.
func (p ProcessInfo) Completed() bool {
	return !p.Running && p.ExitedAt != nil && p.ExitCode == 0 && !p.Stopped
}

type trackedProcess struct {
	info ProcessInfo
	cmd  *exec.Cmd
	done chan struct{}
}

// ProcessTracker spawns the external recorder and replayer and answers liveness
// questions about them.
type ProcessTracker struct {
	cfg    config.RecorderConfig
	paths  *utils.Paths
	logger *zap.Logger

	mu     sync.Mutex
	procs  map[int]*trackedProcess
	onExit func(ProcessInfo)
	wg     sync.WaitGroup
}

// NewProcessTracker returns an empty tracker.
func NewProcessTracker(cfg config.RecorderConfig, paths *utils.Paths, logger *zap.Logger) *ProcessTracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProcessTracker{
		cfg:    cfg,
		paths:  paths,
		logger: logger.Named("process"),
		procs:  make(map[int]*trackedProcess),
	}
}

// SetExitHandler registers fn to run after a child process exits.
func (pt *ProcessTracker) SetExitHandler(fn func(ProcessInfo)) {
	pt.mu.Lock()
	pt.onExit = fn
	pt.mu.Unlock()
}

func (pt *ProcessTracker) recordArgs(scriptPath, url string) []string {
	args := slices.Clone(pt.cfg.BaseArgs)
	args = append(args, "codegen", "--target", pt.cfg.Target, "--output", scriptPath)
	if pt.cfg.Browser != "" {
		args = append(args, "--browser", pt.cfg.Browser)
	}
	if url != "" {
		args = append(args, url)
	}
	return args
}

func (pt *ProcessTracker) replayArgs(scriptPath string) []string {
	args := slices.Clone(pt.cfg.BaseArgs)
	return append(args, "test", scriptPath)
}

// StartRecording launches the code generator writing to scriptPath.
func (pt *ProcessTracker) StartRecording(sessionID, url, scriptPath string) (ProcessInfo, error) {
	return pt.start(sessionID, models.ProcessRecording, pt.recordArgs(scriptPath, url))
}

// StartReplay runs a recorded script.
func (pt *ProcessTracker) StartReplay(sessionID, scriptPath string) (ProcessInfo, error) {
	if _, err := os.Stat(scriptPath); err != nil {
		return ProcessInfo{}, fmt.Errorf("script for session %s: %w", sessionID, err)
	}
	return pt.start(sessionID, models.ProcessReplay, pt.replayArgs(scriptPath))
}

func (pt *ProcessTracker) start(sessionID string, typ models.ProcessType, args []string) (ProcessInfo, error) {
	cmd := exec.Command(pt.cfg.Command, args...)
	cmd.Dir = pt.paths.RootPath
	models.SetDetachedProcessGroup(cmd)

	logFile, err := os.OpenFile(pt.paths.ProcessLogFile(sessionID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		pt.logger.Warn("process log unavailable", zap.String("session", sessionID), zap.Error(err))
	} else {
		cmd.Stdout = logFile
		cmd.Stderr = logFile
	}

	if err := cmd.Start(); err != nil {
		if logFile != nil {
			_ = logFile.Close()
		}
		return ProcessInfo{}, fmt.Errorf("start %s for session %s: %w", typ, sessionID, err)
	}

	tp := &trackedProcess{
		info: ProcessInfo{
			PID:       cmd.Process.Pid,
			SessionID: sessionID,
			Type:      typ,
			StartedAt: time.Now(),
			Running:   true,
		},
		cmd:  cmd,
		done: make(chan struct{}),
	}
	pt.mu.Lock()
	pt.procs[tp.info.PID] = tp
	pt.mu.Unlock()

	pt.logger.Info("process started",
		zap.String("session", sessionID),
		zap.String("type", string(typ)),
		zap.Int("pid", tp.info.PID),
		zap.Strings("args", args))

	pt.wg.Add(1)
	go pt.wait(tp, logFile)
	return tp.info, nil
}

func (pt *ProcessTracker) wait(tp *trackedProcess, logFile *os.File) {
	defer pt.wg.Done()
	err := tp.cmd.Wait()
	if logFile != nil {
		_ = logFile.Close()
	}
	code := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}
	now := time.Now()

	pt.mu.Lock()
	tp.info.Running = false
	tp.info.ExitedAt = &now
	tp.info.ExitCode = code
	info := tp.info
	onExit := pt.onExit
	pt.mu.Unlock()
	close(tp.done)

	pt.logger.Info("process exited",
		zap.String("session", info.SessionID),
		zap.Int("pid", info.PID),
		zap.Int("code", code),
		zap.Bool("stopped", info.Stopped))
	if onExit != nil {
		onExit(info)
	}
}

// Attach tracks a process that pwrec did not start, such as one discovered at startup.
func (pt *ProcessTracker) Attach(pid int, sessionID string, typ models.ProcessType) ProcessInfo {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	if tp, ok := pt.procs[pid]; ok {
		return tp.info
	}
	tp := &trackedProcess{
		info: ProcessInfo{PID: pid, SessionID: sessionID, Type: typ, StartedAt: time.Now(), Running: true, Attached: true},
		done: make(chan struct{}),
	}
	pt.procs[pid] = tp
	return tp.info
}

// Info returns the tracked state of pid.
func (pt *ProcessTracker) Info(pid int) (ProcessInfo, bool) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	tp, ok := pt.procs[pid]
	if !ok {
		return ProcessInfo{}, false
	}
	return tp.info, true
}

// Running lists tracked processes that have not exited.
func (pt *ProcessTracker) Running() []ProcessInfo {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	var out []ProcessInfo
	for _, tp := range pt.procs {
		if tp.info.Running {
			out = append(out, tp.info)
		}
	}
	return out
}

// IsProcessRunning reports whether pid is alive. Children are answered from their
// wait state; anything else is asked of the OS.
func (pt *ProcessTracker) IsProcessRunning(ctx context.Context, pid int) bool {
	if pid <= 0 {
		return false
	}
	pt.mu.Lock()
	tp, ok := pt.procs[pid]
	var child, running bool
	if ok {
		child = !tp.info.Attached
		running = tp.info.Running
	}
	pt.mu.Unlock()
	if child {
		return running
	}
	return osProcessAlive(ctx, pid)
}

// GetProcessType returns the kind of a tracked process, or infers it from the command
// line of an untracked one. ok is false when pid is not a recorder or replayer.
func (pt *ProcessTracker) GetProcessType(ctx context.Context, pid int) (models.ProcessType, bool) {
	pt.mu.Lock()
	tp, tracked := pt.procs[pid]
	var typ models.ProcessType
	if tracked {
		typ = tp.info.Type
	}
	pt.mu.Unlock()
	if tracked {
		return typ, true
	}
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return "", false
	}
	cmdline, err := p.CmdlineSliceWithContext(ctx)
	if err != nil {
		return "", false
	}
	return classifyCmdline(cmdline)
}

// CheckStatus answers a monitor's liveness poll.
func (pt *ProcessTracker) CheckStatus(ctx context.Context, pid int) (reconnect.ProcessStatus, error) {
	if err := ctx.Err(); err != nil {
		return reconnect.ProcessStatus{}, err
	}
	pt.mu.Lock()
	tp, ok := pt.procs[pid]
	var info ProcessInfo
	if ok {
		info = tp.info
	}
	pt.mu.Unlock()

	if ok && !info.Attached {
		return reconnect.ProcessStatus{Running: info.Running, Completed: info.Completed(), Type: info.Type}, nil
	}
	running := osProcessAlive(ctx, pid)
	if err := ctx.Err(); err != nil {
		return reconnect.ProcessStatus{}, err
	}
	if ok {
		if !running {
			pt.markGone(pid)
		}
		return reconnect.ProcessStatus{Running: running, Type: info.Type}, nil
	}
	typ, _ := pt.GetProcessType(ctx, pid)
	return reconnect.ProcessStatus{Running: running, Type: typ}, nil
}

func (pt *ProcessTracker) markGone(pid int) {
	now := time.Now()
	pt.mu.Lock()
	defer pt.mu.Unlock()
	if tp, ok := pt.procs[pid]; ok && tp.info.Running {
		tp.info.Running = false
		tp.info.ExitedAt = &now
		tp.info.ExitCode = -1
	}
}

// Stop interrupts the process group and waits up to the configured grace period
// before killing it. The exit is recorded as user-requested.
func (pt *ProcessTracker) Stop(pid int) error {
	pt.mu.Lock()
	tp, ok := pt.procs[pid]
	var running, attached bool
	if ok {
		tp.info.Stopped = true
		running = tp.info.Running
		attached = tp.info.Attached
	}
	pt.mu.Unlock()
	if !ok {
		return ErrProcessNotFound
	}
	if !running {
		return nil
	}

	if err := models.InterruptProcessGroup(pid); err != nil {
		pt.logger.Debug("interrupt failed", zap.Int("pid", pid), zap.Error(err))
	}
	if attached {
		return pt.stopAttached(pid)
	}

	grace := pt.cfg.StopGrace
	if grace <= 0 {
		grace = 5 * time.Second
	}
	select {
	case <-tp.done:
		return nil
	case <-time.After(grace):
	}
	pt.logger.Warn("process ignored interrupt; killing", zap.Int("pid", pid))
	if err := tp.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill %d: %w", pid, err)
	}
	<-tp.done
	return nil
}

func (pt *ProcessTracker) stopAttached(pid int) error {
	ctx, cancel := context.WithTimeout(context.Background(), pt.cfg.StopGrace+time.Second)
	defer cancel()
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		pt.markGone(pid)
		return nil
	}
	deadline := time.Now().Add(pt.cfg.StopGrace)
	for time.Now().Before(deadline) {
		if !osProcessAlive(ctx, pid) {
			pt.markGone(pid)
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}
	if err := p.KillWithContext(ctx); err != nil {
		return fmt.Errorf("kill %d: %w", pid, err)
	}
	pt.markGone(pid)
	return nil
}

// Cleanup releases tracking for a process a monitor has given up on. A process that
// is somehow still alive is stopped first.
func (pt *ProcessTracker) Cleanup(ctx context.Context, sessionID string, pid int) error {
	info, ok := pt.Info(pid)
	if !ok {
		return nil
	}
	if sessionID != "" && info.SessionID != sessionID {
		return fmt.Errorf("pid %d belongs to session %s, not %s", pid, info.SessionID, sessionID)
	}
	if pt.IsProcessRunning(ctx, pid) {
		if err := pt.Stop(pid); err != nil {
			pt.logger.Warn("cleanup stop failed", zap.Int("pid", pid), zap.Error(err))
		}
	}
	pt.Forget(pid)
	return nil
}

// Forget drops pid from the tracker. The process itself is left alone.
func (pt *ProcessTracker) Forget(pid int) {
	pt.mu.Lock()
	delete(pt.procs, pid)
	pt.mu.Unlock()
}

// StopAll stops every running child and waits for their wait goroutines.
func (pt *ProcessTracker) StopAll() {
	for _, info := range pt.Running() {
		if err := pt.Stop(info.PID); err != nil {
			pt.logger.Warn("stop on shutdown failed", zap.Int("pid", info.PID), zap.Error(err))
		}
	}
	pt.wg.Wait()
}

func osProcessAlive(ctx context.Context, pid int) bool {
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return false
	}
	running, err := p.IsRunningWithContext(ctx)
	if err != nil || !running {
		return false
	}
	status, err := p.StatusWithContext(ctx)
	if err == nil && slices.Contains(status, process.Zombie) {
		return false
	}
	return true
}

// classifyCmdline recognises the recorder and replayer command lines.
func classifyCmdline(args []string) (models.ProcessType, bool) {
	joined := strings.ToLower(strings.Join(args, " "))
	if !strings.Contains(joined, "playwright") {
		return "", false
	}
	for _, a := range args {
		switch a {
		case "codegen":
			return models.ProcessRecording, true
		case "test":
			return models.ProcessReplay, true
		}
	}
	return "", false
}
