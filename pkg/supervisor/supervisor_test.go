package supervisor

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastSupervisor(command string, args []string, pidPath string) *Supervisor {
	s := New(command, args, pidPath, quietLogger())
	s.InitialDelay = time.Millisecond
	s.MaxDelay = 5 * time.Millisecond
	return s
}

func TestProcessAlive(t *testing.T) {
	assert.True(t, ProcessAlive(os.Getpid()))
	assert.False(t, ProcessAlive(0))
	assert.False(t, ProcessAlive(-1))

	// A finished child's pid is no longer alive.
	cmd := exec.Command("true")
	require.NoError(t, cmd.Start())
	pid := cmd.Process.Pid
	require.NoError(t, cmd.Wait())
	assert.False(t, ProcessAlive(pid))
}

func TestPIDFile_WriteReadRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.pid")

	assert.Zero(t, ReadPIDFile(path), "missing file reads as zero")

	require.NoError(t, WritePIDFile(path, 12345))
	assert.Equal(t, 12345, ReadPIDFile(path))

	RemovePIDFile(path)
	assert.Zero(t, ReadPIDFile(path))
}

func TestPIDFile_StaleEntryIsReplaced(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.pid")

	cmd := exec.Command("true")
	require.NoError(t, cmd.Start())
	deadPid := cmd.Process.Pid
	require.NoError(t, cmd.Wait())

	require.NoError(t, WritePIDFile(path, deadPid))
	require.NoError(t, WritePIDFile(path, 777), "stale entry must not block")
	assert.Equal(t, 777, ReadPIDFile(path))
}

func TestPIDFile_LiveProcessBlocks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.pid")
	require.NoError(t, WritePIDFile(path, os.Getpid()))

	err := WritePIDFile(path, 999)
	require.ErrorIs(t, err, ErrAlreadyRunning)
	assert.Equal(t, os.Getpid(), ReadPIDFile(path), "file untouched")
}

func TestRun_CleanExitStops(t *testing.T) {
	pidPath := filepath.Join(t.TempDir(), "daemon.pid")
	s := fastSupervisor("true", nil, pidPath)

	err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, ReadPIDFile(pidPath), "pid file removed after exit")
}

func TestRun_GivesUpAfterCrashBudget(t *testing.T) {
	s := fastSupervisor("false", nil, "")

	start := time.Now()
	err := s.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "giving up")
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRun_ContextCancelStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := fastSupervisor("sleep", []string{"60"}, "")

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not stop on cancel")
	}
}

func TestRecordCrash_WindowPruning(t *testing.T) {
	s := New("true", nil, "", quietLogger())
	s.CrashWindow = time.Minute

	base := time.Now()
	s.now = func() time.Time { return base }
	crashes := s.recordCrash(nil)
	crashes = s.recordCrash(crashes)
	require.Len(t, crashes, 2)

	// Two minutes later both old entries are outside the window.
	s.now = func() time.Time { return base.Add(2 * time.Minute) }
	crashes = s.recordCrash(crashes)
	assert.Len(t, crashes, 1)
}
