package supervisor

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// ErrAlreadyRunning is returned when the PID file points at a live process.
var ErrAlreadyRunning = errors.New("daemon is already running")

// ProcessAlive reports whether a process with the given pid exists, using a
// zero-signal liveness check.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// ReadPIDFile returns the pid stored in the file, or 0 when the file does
// not exist or holds garbage.
func ReadPIDFile(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return pid
}

// WritePIDFile stores pid in the file after clearing any stale entry.
// Returns ErrAlreadyRunning when the recorded process is still alive.
func WritePIDFile(path string, pid int) error {
	if err := RemoveStalePIDFile(path); err != nil {
		return err
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0o600); err != nil {
		return fmt.Errorf("failed to write pid file: %w", err)
	}
	return nil
}

// RemoveStalePIDFile deletes the PID file when its process is no longer
// alive. A live process yields ErrAlreadyRunning; a missing file is fine.
func RemoveStalePIDFile(path string) error {
	pid := ReadPIDFile(path)
	if pid == 0 {
		return nil
	}
	if ProcessAlive(pid) {
		return fmt.Errorf("pid %d: %w", pid, ErrAlreadyRunning)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove stale pid file: %w", err)
	}
	return nil
}

// RemovePIDFile deletes the PID file unconditionally.
func RemovePIDFile(path string) {
	_ = os.Remove(path)
}
