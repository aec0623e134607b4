package proc

import (
	"os"
	"os/exec"
	"strconv"
	"testing"
	"time"
)

func newTestManager(t *testing.T, name string) *Manager {
	t.Helper()
	m, err := NewManager(name, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestWritePIDRoundTrip(t *testing.T) {
	m := newTestManager(t, "listen")
	// The test binary's own command line won't contain the marker, so match
	// on something it does contain.
	m.marker = "proc.test"

	if err := m.WritePID(os.Getpid()); err != nil {
		t.Fatalf("WritePID: %v", err)
	}
	running, pid := m.IsRunning()
	if !running {
		t.Fatal("own PID should be reported running")
	}
	if pid != os.Getpid() {
		t.Errorf("pid = %d, want %d", pid, os.Getpid())
	}

	m.CleanupPIDFile()
	if running, _ := m.IsRunning(); running {
		t.Error("still running after cleanup")
	}
}

func TestNoPIDFileMeansNotRunning(t *testing.T) {
	m := newTestManager(t, "listen")
	if running, _ := m.IsRunning(); running {
		t.Error("fresh manager should report not running")
	}
}

func TestCorruptPIDFileIsRemoved(t *testing.T) {
	m := newTestManager(t, "listen")
	if err := os.WriteFile(m.PIDFile(), []byte("not-a-pid"), 0o644); err != nil {
		t.Fatal(err)
	}
	if running, _ := m.IsRunning(); running {
		t.Error("corrupt PID file should read as not running")
	}
	if _, err := os.Stat(m.PIDFile()); !os.IsNotExist(err) {
		t.Error("corrupt PID file should be removed")
	}
}

func TestDeadPIDIsCleanedUp(t *testing.T) {
	m := newTestManager(t, "listen")

	// Spawn a process that exits immediately and reap it, leaving a PID
	// that is guaranteed dead.
	cmd := exec.Command("true")
	if err := cmd.Start(); err != nil {
		t.Fatal(err)
	}
	pid := cmd.Process.Pid
	_ = cmd.Wait()

	if err := m.WritePID(pid); err != nil {
		t.Fatal(err)
	}
	if running, _ := m.IsRunning(); running {
		t.Error("dead PID should read as not running")
	}
	if _, err := os.Stat(m.PIDFile()); !os.IsNotExist(err) {
		t.Error("stale PID file should be removed")
	}
}

func TestForeignProcessIsRejected(t *testing.T) {
	m := newTestManager(t, "listen")
	m.marker = "no-cmdline-will-ever-contain-this"

	if err := m.WritePID(os.Getpid()); err != nil {
		t.Fatal(err)
	}
	if running, _ := m.IsRunning(); running {
		t.Error("live PID with a foreign command line should be rejected")
	}
	if _, err := os.Stat(m.PIDFile()); !os.IsNotExist(err) {
		t.Error("foreign PID record should be removed")
	}
}

func TestLockExcludesSecondManager(t *testing.T) {
	dir := t.TempDir()
	a, err := NewManager("listen", dir)
	if err != nil {
		t.Fatal(err)
	}
	b, err := NewManager("listen", dir)
	if err != nil {
		t.Fatal(err)
	}

	if !a.AcquireLock(100 * time.Millisecond) {
		t.Fatal("first lock acquisition failed")
	}
	if b.AcquireLock(50 * time.Millisecond) {
		t.Fatal("second acquisition should time out while first holds the lock")
	}
	a.ReleaseLock()
	if !b.AcquireLock(100 * time.Millisecond) {
		t.Error("lock should be free after release")
	}
	b.ReleaseLock()
}

func TestDifferentNamesDoNotContend(t *testing.T) {
	dir := t.TempDir()
	a, _ := NewManager("listen", dir)
	b, _ := NewManager("long_dictation", dir)

	if !a.AcquireLock(100 * time.Millisecond) {
		t.Fatal("listen lock failed")
	}
	defer a.ReleaseLock()
	if !b.AcquireLock(100 * time.Millisecond) {
		t.Error("long_dictation lock should be independent of listen")
	}
	b.ReleaseLock()
}

func TestToggleWithNothingRunning(t *testing.T) {
	m := newTestManager(t, "listen")
	res, err := m.Toggle(os.Getpid())
	if err != nil {
		t.Fatalf("Toggle: %v", err)
	}
	if res != ToggleShouldStart {
		t.Errorf("result = %v, want ToggleShouldStart", res)
	}
	// The decision and the registration are one atomic step: by the time
	// Toggle returns, the PID is already on disk.
	data, err := os.ReadFile(m.PIDFile())
	if err != nil {
		t.Fatalf("PID file missing after ToggleShouldStart: %v", err)
	}
	if got, _ := strconv.Atoi(string(data)); got != os.Getpid() {
		t.Errorf("registered pid = %q, want %d", data, os.Getpid())
	}
}

func TestToggleContentionNoDoubleStart(t *testing.T) {
	dir := t.TempDir()
	a, err := NewManager("listen", dir)
	if err != nil {
		t.Fatal(err)
	}
	b, err := NewManager("listen", dir)
	if err != nil {
		t.Fatal(err)
	}
	a.marker = "sleep"
	b.marker = "sleep"

	// Stand-in for the first invocation's capture process.
	cmd := exec.Command("sleep", "30")
	if err := cmd.Start(); err != nil {
		t.Fatal(err)
	}
	done := make(chan struct{})
	go func() { _ = cmd.Wait(); close(done) }()

	resA, err := a.Toggle(cmd.Process.Pid)
	if err != nil {
		t.Fatalf("first Toggle: %v", err)
	}
	if resA != ToggleShouldStart {
		t.Fatalf("first result = %v, want ToggleShouldStart", resA)
	}

	// The second toggle lands before the first invocation does anything else
	// (health probes, opening the microphone). It must observe the
	// registration, not an empty slot.
	resB, err := b.Toggle(os.Getpid())
	if err != nil {
		t.Fatalf("second Toggle: %v", err)
	}
	if resB != ToggleStopped {
		t.Fatalf("second result = %v, want ToggleStopped (never a second start)", resB)
	}
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("first process not stopped by the second toggle")
	}
}

func TestToggleStopsRunningProcess(t *testing.T) {
	m := newTestManager(t, "listen")
	m.marker = "sleep"

	// A process that exits on SIGINT, standing in for a capture loop.
	cmd := exec.Command("sleep", "30")
	if err := cmd.Start(); err != nil {
		t.Fatal(err)
	}
	done := make(chan struct{})
	go func() { _ = cmd.Wait(); close(done) }()

	if err := m.WritePID(cmd.Process.Pid); err != nil {
		t.Fatal(err)
	}

	res, err := m.Toggle(os.Getpid())
	if err != nil {
		t.Fatalf("Toggle: %v", err)
	}
	if res != ToggleStopped {
		t.Errorf("result = %v, want ToggleStopped", res)
	}
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("process not reaped after toggle stop")
	}
	if _, err := os.Stat(m.PIDFile()); !os.IsNotExist(err) {
		t.Error("PID file should be gone after stop")
	}
}

func TestStopEscalatesPastIgnoredInterrupt(t *testing.T) {
	m := newTestManager(t, "listen")
	m.marker = "sh"

	// Ignores SIGINT so the manager has to escalate to SIGTERM.
	cmd := exec.Command("sh", "-c", `trap '' INT; sleep 30`)
	if err := cmd.Start(); err != nil {
		t.Fatal(err)
	}
	done := make(chan struct{})
	go func() { _ = cmd.Wait(); close(done) }()

	if err := m.WritePID(cmd.Process.Pid); err != nil {
		t.Fatal(err)
	}
	if !m.StopProcess(300 * time.Millisecond) {
		t.Error("StopProcess should succeed via escalation")
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("process survived escalation")
	}
}

func TestWritePIDIsAtomic(t *testing.T) {
	m := newTestManager(t, "listen")
	if err := m.WritePID(12345); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(m.PIDFile())
	if err != nil {
		t.Fatal(err)
	}
	if got, _ := strconv.Atoi(string(data)); got != 12345 {
		t.Errorf("PID file contents = %q", data)
	}
	if _, err := os.Stat(m.PIDFile() + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file left behind")
	}
}
