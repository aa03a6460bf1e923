// Package utils contains logging and filesystem path helpers shared across pwrec.
package utils

import (
	"fmt"
	"os"
	"path/filepath"
)

// Paths resolves the filesystem locations used by pwrec under one root.
type Paths struct {
	RootPath string `json:"root_path"`
}

// NewPaths constructs Paths rooted at the specified directory.
func NewPaths(rootPath string) *Paths {
	return &Paths{RootPath: rootPath}
}

// SessionsDir holds one JSON document per session.
func (p *Paths) SessionsDir() string {
	return filepath.Join(p.RootPath, "sessions")
}

// ScriptsDir holds the scripts written by the recorder.
func (p *Paths) ScriptsDir() string {
	return filepath.Join(p.RootPath, "scripts")
}

// LogsDir returns the global logs directory.
func (p *Paths) LogsDir() string {
	return filepath.Join(p.RootPath, "logs")
}

// ConfigDir returns the application configuration directory.
func (p *Paths) ConfigDir() string {
	return filepath.Join(p.RootPath, "config")
}

// LogFile returns the main log file path.
func (p *Paths) LogFile() string {
	return filepath.Join(p.LogsDir(), "pwrec.log")
}

// ThresholdsFile stores the user's alert thresholds.
func (p *Paths) ThresholdsFile() string {
	return filepath.Join(p.ConfigDir(), "thresholds.json")
}

// AlertsFile stores the active alert set.
func (p *Paths) AlertsFile() string {
	return filepath.Join(p.ConfigDir(), "alerts.json")
}

// SessionFile returns the metadata document for a session.
func (p *Paths) SessionFile(id string) string {
	return filepath.Join(p.SessionsDir(), id+".json")
}

// ScriptFile returns the recorded script path for a session.
func (p *Paths) ScriptFile(id string) string {
	return filepath.Join(p.ScriptsDir(), id+".spec.ts")
}

// ProcessLogFile captures stdout/stderr of a session's recorder or replay process.
func (p *Paths) ProcessLogFile(id string) string {
	return filepath.Join(p.LogsDir(), fmt.Sprintf("session-%s.log", id))
}

// CheckRoot verifies that core directories exist under the root path.
func (p *Paths) CheckRoot() bool {
	for _, dir := range p.dirs() {
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			return false
		}
	}
	return true
}

// DeployRoot creates the root directory structure (idempotent).
func (p *Paths) DeployRoot(logger *Logger) error {
	for _, dir := range p.dirs() {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
		if logger != nil {
			logger.Debugw("ensured directory", "path", dir)
		}
	}
	return nil
}

func (p *Paths) dirs() []string {
	return []string{p.RootPath, p.SessionsDir(), p.ScriptsDir(), p.LogsDir(), p.ConfigDir()}
}
