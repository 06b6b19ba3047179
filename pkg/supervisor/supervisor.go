// Package supervisor runs the daemon as a child process and restarts it on
// crashes with exponential backoff. It also owns the daemon PID file.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Restart policy defaults.
const (
	DefaultInitialDelay = 2 * time.Second
	DefaultMaxDelay     = 30 * time.Second
	DefaultMaxCrashes   = 5
	DefaultCrashWindow  = 5 * time.Minute
)

// Supervisor restarts a crashing child until the crash budget within the
// window is exhausted. A clean exit stops supervision.
type Supervisor struct {
	command string
	args    []string
	pidPath string
	logger  *slog.Logger

	InitialDelay time.Duration
	MaxDelay     time.Duration
	MaxCrashes   int
	CrashWindow  time.Duration

	now func() time.Time
}

// New creates a supervisor for the given command with the default policy.
func New(command string, args []string, pidPath string, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		command:      command,
		args:         args,
		pidPath:      pidPath,
		logger:       logger.With("component", "supervisor"),
		InitialDelay: DefaultInitialDelay,
		MaxDelay:     DefaultMaxDelay,
		MaxCrashes:   DefaultMaxCrashes,
		CrashWindow:  DefaultCrashWindow,
		now:          time.Now,
	}
}

// Run supervises the child until it exits cleanly, the context is cancelled,
// or the crash budget runs out.
func (s *Supervisor) Run(ctx context.Context) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.InitialDelay
	policy.MaxInterval = s.MaxDelay
	policy.Multiplier = 2
	policy.RandomizationFactor = 0
	policy.MaxElapsedTime = 0
	policy.Reset()

	var crashes []time.Time
	for {
		err := s.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == nil {
			s.logger.Info("child exited cleanly, stopping supervision")
			return nil
		}

		crashes = s.recordCrash(crashes)
		s.logger.Warn("child crashed", "error", err, "crashes_in_window", len(crashes))
		if len(crashes) > s.MaxCrashes {
			return fmt.Errorf("giving up: %d crashes within %s, last: %w",
				len(crashes), s.CrashWindow, err)
		}

		delay := policy.NextBackOff()
		s.logger.Info("restarting child", "delay", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (s *Supervisor) runOnce(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, s.command, s.args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start child: %w", err)
	}
	if s.pidPath != "" {
		if err := WritePIDFile(s.pidPath, cmd.Process.Pid); err != nil {
			s.logger.Warn("failed to write pid file", "error", err)
		}
		defer RemovePIDFile(s.pidPath)
	}

	s.logger.Info("child started", "pid", cmd.Process.Pid)
	return cmd.Wait()
}

// recordCrash appends now and drops entries older than the window.
func (s *Supervisor) recordCrash(crashes []time.Time) []time.Time {
	cutoff := s.now().Add(-s.CrashWindow)
	kept := crashes[:0]
	for _, at := range crashes {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	return append(kept, s.now())
}
