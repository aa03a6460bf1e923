// Command pwrec-monitor watches one recorder or replay process from outside the server
// and reports connection events to it over the HTTP API. It is meant for servers
// running with monitor.enabled=false; when the server already watches the pid it
// refuses to start unless -force is given, so one process never gets two monitors.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"pwrec/internal/config"
	"pwrec/internal/reconnect"
	"pwrec/internal/utils"
)

type options struct {
	server    string
	token     string
	sessionID string
	pid       int
	config    string
	logLevel  string
	force     bool
}

func parseFlags(args []string) (options, error) {
	var o options
	fs := flag.NewFlagSet("pwrec-monitor", flag.ContinueOnError)
	fs.StringVar(&o.server, "server", "http://127.0.0.1:5000", "pwrec server base URL")
	fs.StringVar(&o.token, "token", os.Getenv("PWREC_TOKEN"), "API bearer token (defaults to $PWREC_TOKEN)")
	fs.StringVar(&o.sessionID, "session", "", "session ID to report events for")
	fs.IntVar(&o.pid, "pid", 0, "process ID to watch")
	fs.StringVar(&o.config, "config", "", "YAML config supplying monitor cadence")
	fs.StringVar(&o.logLevel, "log-level", "info", "debug, info, warn or error")
	fs.BoolVar(&o.force, "force", false, "start even if the server already monitors the process")
	if err := fs.Parse(args); err != nil {
		return o, err
	}
	if o.sessionID == "" {
		return o, fmt.Errorf("-session is required")
	}
	if o.pid <= 0 {
		return o, fmt.Errorf("-pid must be a positive process ID")
	}
	return o, nil
}

// errAlreadyWatched means the server runs its own monitor for the process.
var errAlreadyWatched = errors.New("server already monitors this process")

// claimProcess fails when the server's in-process watchdog already covers pid. A server
// that cannot be asked is not treated as a conflict.
func claimProcess(ctx context.Context, client *reconnect.Client, pid int, force bool) error {
	if force {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	st, ok, err := client.ServerMonitor(ctx, pid)
	if err != nil || !ok {
		return nil
	}
	return fmt.Errorf("%w (session %s, state %s); rerun with -force to override", errAlreadyWatched, st.SessionID, st.State)
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	cfg := config.Default()
	if opts.config != "" {
		if cfg, err = config.Load(opts.config); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}

	paths := utils.NewPaths(cfg.Paths.Root)
	logFile := filepath.Join(paths.LogsDir(), fmt.Sprintf("monitor-%d.log", opts.pid))
	log := utils.NewLoggerWithOptions(logFile, utils.LogOptions{Level: opts.logLevel, JSON: cfg.Logging.JSON})
	defer log.Close()
	logger := log.Named("monitor")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := reconnect.NewClient(opts.server, opts.token)
	if err := claimProcess(ctx, client, opts.pid, opts.force); err != nil {
		logger.Error("refusing to start", zap.Error(err))
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	mon := reconnect.New(reconnect.Params{
		SessionID: opts.sessionID,
		PID:       opts.pid,
		Checker:   client,
		Sink:      client,
		Cleaner:   client,
		Config:    cfg.Monitor.Config,
		Logger:    log.Zap(),
		Hooks: reconnect.Hooks{
			OnTransition: func(t reconnect.Transition) {
				logger.Info("state changed",
					zap.String("from", string(t.From)),
					zap.String("to", string(t.To)),
					zap.String("reason", t.Reason),
					zap.Int("attempts", t.Attempts))
			},
			OnToast: func(_, message string) {
				logger.Warn(message)
			},
		},
	})

	logger.Info("watching process", zap.String("server", opts.server), zap.String("session", opts.sessionID), zap.Int("pid", opts.pid))
	mon.Run(ctx)

	st := mon.Status()
	logger.Info("monitor finished", zap.String("state", string(st.State)), zap.Int("attempts", st.Attempts))
	if st.State == reconnect.StateFailed {
		os.Exit(1)
	}
}
