// Package proc manages the lifecycle of named capture processes across
// independent CLI invocations: PID files, an advisory file lock, staleness
// detection, and escalating graceful shutdown.
package proc

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/harkvoice/hark/internal/errors"
)

// identityMarker must appear in a process's command line for a PID to be
// accepted as ours. Rejects accidental PID reuse by unrelated processes.
const identityMarker = "hark"

// Default timing for lock acquisition and shutdown escalation.
const (
	DefaultLockTimeout   = 1 * time.Second
	DefaultLockInterval  = 10 * time.Millisecond
	DefaultStopTimeout   = 5 * time.Second
	DefaultCheckInterval = 100 * time.Millisecond
	termGrace            = 1 * time.Second
	killGrace            = 500 * time.Millisecond
)

// Manager tracks one logical process name (e.g. "listen", "long_dictation").
// At most one live process per name is ever considered running; the lock
// serializes the read-decide-write sequence of toggle and start across racing
// invocations. It is never held across a capture or network call.
type Manager struct {
	name       string
	runtimeDir string
	marker     string
	lockFd     int
}

// NewManager creates a manager for the named process, ensuring the runtime
// directory exists.
func NewManager(name, runtimeDir string) (*Manager, error) {
	if err := os.MkdirAll(runtimeDir, 0o755); err != nil {
		return nil, fmt.Errorf("create runtime dir: %w", err)
	}
	return &Manager{name: name, runtimeDir: runtimeDir, marker: identityMarker, lockFd: -1}, nil
}

// PIDFile returns the path of the PID file.
func (m *Manager) PIDFile() string {
	return filepath.Join(m.runtimeDir, m.name+".pid")
}

// LockFile returns the path of the advisory lock file.
func (m *Manager) LockFile() string {
	return filepath.Join(m.runtimeDir, m.name+".lock")
}

// AcquireLock tries a non-blocking exclusive flock in a poll loop until
// timeout. Returns false on timeout instead of blocking indefinitely.
func (m *Manager) AcquireLock(timeout time.Duration) bool {
	fd, err := unix.Open(m.LockFile(), unix.O_CREAT|unix.O_WRONLY, 0o644)
	if err != nil {
		slog.Error("could not open lock file", "path", m.LockFile(), "error", err)
		return false
	}

	deadline := time.Now().Add(timeout)
	for {
		if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err == nil {
			m.lockFd = fd
			slog.Debug("acquired lock", "name", m.name)
			return true
		}
		if time.Now().After(deadline) {
			break
		}
		time.Sleep(DefaultLockInterval)
	}

	_ = unix.Close(fd)
	slog.Warn("failed to acquire lock", "name", m.name, "timeout", timeout)
	return false
}

// ReleaseLock drops the advisory lock if held.
func (m *Manager) ReleaseLock() {
	if m.lockFd < 0 {
		return
	}
	if err := unix.Flock(m.lockFd, unix.LOCK_UN); err != nil {
		slog.Error("error releasing lock", "name", m.name, "error", err)
	}
	_ = unix.Close(m.lockFd)
	m.lockFd = -1
	slog.Debug("released lock", "name", m.name)
}

// IsRunning reports whether a live process owns this name. Stale state (dead
// PID, or a live PID whose command line is not ours) is cleaned up on the
// spot and reported as not running.
func (m *Manager) IsRunning() (bool, int) {
	data, err := os.ReadFile(m.PIDFile())
	if err != nil {
		return false, 0
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		slog.Warn("PID file is corrupt, removing", "path", m.PIDFile())
		m.CleanupPIDFile()
		return false, 0
	}

	// Zero-effect existence probe. Only ESRCH means gone; EPERM means the
	// process exists but belongs to another user.
	if err := unix.Kill(pid, 0); err == unix.ESRCH {
		slog.Debug("process no longer exists", "pid", pid)
		m.CleanupPIDFile()
		return false, 0
	}

	if !m.isOurs(pid) {
		slog.Warn("PID exists but belongs to another program, removing stale record", "pid", pid)
		m.CleanupPIDFile()
		return false, 0
	}

	return true, pid
}

// isOurs inspects /proc/<pid>/cmdline for the identity marker. When /proc is
// unavailable the existence probe alone decides.
func (m *Manager) isOurs(pid int) bool {
	cmdline, err := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", pid))
	if err != nil {
		return true
	}
	return strings.Contains(string(cmdline), m.marker)
}

// WritePID persists pid atomically: write a temp file in the same directory,
// then rename over the destination, so a concurrent reader never observes a
// partial write.
func (m *Manager) WritePID(pid int) error {
	tmp := m.PIDFile() + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.Itoa(pid)), 0o644); err != nil {
		return errors.Wrap(err, errors.CodePIDFile, "write temp PID file")
	}
	if err := os.Rename(tmp, m.PIDFile()); err != nil {
		_ = os.Remove(tmp)
		return errors.Wrap(err, errors.CodePIDFile, "rename PID file into place")
	}
	slog.Debug("wrote PID file", "pid", pid, "path", m.PIDFile())
	return nil
}

// CleanupPIDFile removes the PID file if present.
func (m *Manager) CleanupPIDFile() {
	if err := os.Remove(m.PIDFile()); err != nil && !os.IsNotExist(err) {
		slog.Error("error removing PID file", "path", m.PIDFile(), "error", err)
	}
}

// StopProcess requests graceful shutdown and escalates only if ignored:
// SIGINT, poll for exit up to timeout; then SIGTERM and a short wait; then
// SIGKILL as the last resort. Gentlest first, always.
func (m *Manager) StopProcess(timeout time.Duration) bool {
	running, pid := m.IsRunning()
	if !running {
		slog.Info("no process to stop", "name", m.name)
		return true
	}

	slog.Info("sending interrupt", "name", m.name, "pid", pid)
	if err := unix.Kill(pid, unix.SIGINT); err != nil {
		slog.Error("error signaling process", "pid", pid, "error", err)
		return false
	}
	if m.waitGone(pid, timeout) {
		slog.Info("process stopped gracefully", "pid", pid)
		m.CleanupPIDFile()
		return true
	}

	slog.Warn("process ignored interrupt, sending terminate", "pid", pid)
	_ = unix.Kill(pid, unix.SIGTERM)
	if m.waitGone(pid, termGrace) {
		m.CleanupPIDFile()
		return true
	}

	slog.Error("process won't stop, sending kill", "pid", pid)
	_ = unix.Kill(pid, unix.SIGKILL)
	m.waitGone(pid, killGrace)
	m.CleanupPIDFile()
	return true
}

// waitGone polls for process exit up to the deadline.
func (m *Manager) waitGone(pid int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if unix.Kill(pid, 0) == unix.ESRCH {
			return true
		}
		time.Sleep(DefaultCheckInterval)
	}
	return unix.Kill(pid, 0) == unix.ESRCH
}

// ToggleResult says what the caller should do after a toggle decision.
type ToggleResult int

const (
	// ToggleStopped means a running instance was found and stopped.
	ToggleStopped ToggleResult = iota
	// ToggleShouldStart means nothing was running; the given PID is now
	// registered and the caller starts the session (starting requires
	// knowing what to launch, which is the caller's business).
	ToggleShouldStart
	// ToggleBusy means the lock could not be acquired; another invocation is
	// mid-decision.
	ToggleBusy
)

// Toggle performs the stop-if-running / start-if-not decision under the lock,
// registering pid before the lock is released on the start path. Registration
// must not happen later: a racing invocation acquiring the freed lock has to
// see this PID, not an empty slot, or both would start. The lock is held only
// for the decision and the PID write, never across a capture session.
func (m *Manager) Toggle(pid int) (ToggleResult, error) {
	if !m.AcquireLock(DefaultLockTimeout) {
		return ToggleBusy, errors.Newf(errors.CodeLockBusy,
			"another %s operation is in progress", m.name)
	}
	defer m.ReleaseLock()

	running, _ := m.IsRunning()
	if running {
		if !m.StopProcess(DefaultStopTimeout) {
			return ToggleStopped, errors.Newf(errors.CodeUnknown,
				"failed to stop %s process", m.name)
		}
		return ToggleStopped, nil
	}
	if err := m.WritePID(pid); err != nil {
		return ToggleShouldStart, err
	}
	return ToggleShouldStart, nil
}
