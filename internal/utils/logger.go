package utils

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger writes structured entries to a log file and stderr. Write keeps the plain
// one-line API used for operator messages; components take Named loggers.
type Logger struct {
	*zap.SugaredLogger
	base *zap.Logger
	file *os.File
}

// LogOptions select the level and encoding.
type LogOptions struct {
	Level string // debug, info, warn, error
	JSON  bool
	// Quiet drops the stderr copy.
	Quiet bool
}

// defaultLogPath returns Paths.LogFile() rooted next to the running executable.
func defaultLogPath() string {
	exe, err := os.Executable()
	if err == nil {
		if resolved, rerr := filepath.EvalSymlinks(exe); rerr == nil && resolved != "" {
			exe = resolved
		}
		return NewPaths(filepath.Dir(exe)).LogFile()
	}
	return NewPaths(filepath.Join(os.TempDir(), "pwrec")).LogFile()
}

// NewLogger opens logFile for appending at info level with console encoding.
// If the file cannot be opened the logger still writes to stderr.
func NewLogger(logFile string) *Logger {
	return NewLoggerWithOptions(logFile, LogOptions{Level: "info"})
}

// NewLoggerWithOptions builds a logger tee'd to logFile and stderr.
func NewLoggerWithOptions(logFile string, opts LogOptions) *Logger {
	if logFile == "" {
		logFile = defaultLogPath()
	}
	level := zap.NewAtomicLevelAt(parseLevel(opts.Level))

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05")
	var enc zapcore.Encoder
	if opts.JSON {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	l := &Logger{}
	var cores []zapcore.Core
	_ = os.MkdirAll(filepath.Dir(logFile), 0o755)
	f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening log file (%s): %v\n", logFile, err)
	} else {
		l.file = f
		cores = append(cores, zapcore.NewCore(enc, zapcore.AddSync(f), level))
	}
	if !opts.Quiet || l.file == nil {
		cores = append(cores, zapcore.NewCore(enc.Clone(), zapcore.Lock(os.Stderr), level))
	}

	l.base = zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddCallerSkip(0))
	l.SugaredLogger = l.base.Sugar()
	return l
}

// NewNopLogger discards everything; tests use it.
func NewNopLogger() *Logger {
	base := zap.NewNop()
	return &Logger{SugaredLogger: base.Sugar(), base: base}
}

func parseLevel(s string) zapcore.Level {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(s)))); err != nil {
		return zapcore.InfoLevel
	}
	return lvl
}

// Write logs a plain operator message at info level.
func (l *Logger) Write(message string) {
	if l == nil || l.base == nil {
		return
	}
	l.base.WithOptions(zap.AddCallerSkip(1)).Info(message)
}

// Zap exposes the structured logger.
func (l *Logger) Zap() *zap.Logger {
	if l == nil || l.base == nil {
		return zap.NewNop()
	}
	return l.base
}

// Named returns a child logger for one component.
func (l *Logger) Named(name string) *zap.Logger {
	return l.Zap().Named(name)
}

// Close flushes and closes the log file.
func (l *Logger) Close() {
	if l == nil || l.base == nil {
		return
	}
	_ = l.base.Sync()
	if l.file != nil {
		_ = l.file.Close()
		l.file = nil
	}
}

// File returns the underlying log file handle when available.
func (l *Logger) File() *os.File {
	if l == nil {
		return nil
	}
	return l.file
}
