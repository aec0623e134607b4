package session

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/harkvoice/hark/internal/audio"
	"github.com/harkvoice/hark/internal/config"
	"github.com/harkvoice/hark/internal/errors"
)

// fakeSource replays scripted constant-amplitude chunks, then silence.
type fakeSource struct {
	amps []int16
	pos  int
}

func (f *fakeSource) Read() (audio.Chunk, error) {
	var amp int16
	if f.pos < len(f.amps) {
		amp = f.amps[f.pos]
		f.pos++
	}
	samples := make([]int16, 16)
	for i := range samples {
		samples[i] = amp
	}
	return audio.Chunk{Samples: samples}, nil
}

func (f *fakeSource) SampleRate() int { return 16000 }
func (f *fakeSource) Close() error    { return nil }

// fakeBackend counts calls, drains the stream, and replays scripted replies.
// noDrain mimics the real client's failure mode: a request that errors out
// stops consuming the stream mid-way.
type fakeBackend struct {
	mu      sync.Mutex
	calls   int
	replies []string
	errs    []error
	onCall  func(n int)
	noDrain bool
}

func (b *fakeBackend) Transcribe(ctx context.Context, rate int, chunks <-chan audio.Chunk) (string, error) {
	if !b.noDrain {
		for range chunks {
		}
	}
	b.mu.Lock()
	b.calls++
	n := b.calls
	b.mu.Unlock()
	if b.onCall != nil {
		b.onCall(n)
	}
	if n <= len(b.errs) && b.errs[n-1] != nil {
		return "", b.errs[n-1]
	}
	if n <= len(b.replies) {
		return b.replies[n-1], nil
	}
	return "", nil
}

func (b *fakeBackend) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.SilenceThreshold = 100
	cfg.SilenceDuration = 0.09  // 3 chunks
	cfg.PreSpeechPadding = 0.03 // 1 chunk
	cfg.MaxRecordingDuration = 1.0
	cfg.LongModeMaxDuration = 0.09 // 3 chunks per cycle
	cfg.AutoSaveInterval = 3600    // keep the timer out of the way
	cfg.TranscriptDir = t.TempDir()
	return cfg
}

// newTestSession wires a session with all desktop side effects captured.
func newTestSession(cfg *config.Config, backend *fakeBackend, amps func() []int16) (*Session, *[]string, *[]string) {
	var notifications, typed []string
	s := New(cfg, backend, func() (audio.Source, error) {
		return &fakeSource{amps: amps()}, nil
	})
	s.notify = func(_, msg string) { notifications = append(notifications, msg) }
	s.typeText = func(text string) bool { typed = append(typed, text); return true }
	s.clipboard = func(string) bool { return true }
	return s, &notifications, &typed
}

func TestListenTypesRecognizedText(t *testing.T) {
	cfg := testConfig(t)
	backend := &fakeBackend{replies: []string{"hello world"}}
	s, _, typed := newTestSession(cfg, backend, func() []int16 {
		return []int16{500, 500, 500, 0, 0, 0, 0, 0, 0}
	})

	if err := s.RunListen(context.Background()); err != nil {
		t.Fatalf("RunListen: %v", err)
	}
	if backend.callCount() != 1 {
		t.Errorf("backend calls = %d, want 1", backend.callCount())
	}
	if len(*typed) != 1 || (*typed)[0] != "hello world" {
		t.Errorf("typed = %v, want [hello world]", *typed)
	}
}

func TestListenSavesTranscript(t *testing.T) {
	cfg := testConfig(t)
	backend := &fakeBackend{replies: []string{"note to self"}}
	s, _, _ := newTestSession(cfg, backend, func() []int16 {
		return []int16{500, 500, 500, 0, 0, 0, 0, 0, 0}
	})

	if err := s.RunListen(context.Background()); err != nil {
		t.Fatalf("RunListen: %v", err)
	}

	matches, err := filepath.Glob(filepath.Join(cfg.TranscriptDir, "*_short.txt"))
	if err != nil || len(matches) != 1 {
		t.Fatalf("transcript files = %v (err %v), want exactly one", matches, err)
	}
	data, err := os.ReadFile(matches[0])
	if err != nil {
		t.Fatal(err)
	}
	if got := string(data); got != "note to self\n" {
		t.Errorf("transcript = %q", got)
	}
}

func TestSilenceNeverTouchesTheNetwork(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxRecordingDuration = 0.3 // bound the wait
	backend := &fakeBackend{}
	s, notifications, typed := newTestSession(cfg, backend, func() []int16 {
		return nil // silence from the first sample
	})

	if err := s.RunListen(context.Background()); err != nil {
		t.Fatalf("RunListen: %v", err)
	}
	if backend.callCount() != 0 {
		t.Errorf("backend calls = %d, silence must not open a connection", backend.callCount())
	}
	if len(*typed) != 0 {
		t.Errorf("typed = %v, want nothing", *typed)
	}
	found := false
	for _, n := range *notifications {
		if strings.Contains(n, "No speech") {
			found = true
		}
	}
	if !found {
		t.Errorf("notifications = %v, want a no-speech notice", *notifications)
	}
}

func TestListenSurfacesTranscriptionError(t *testing.T) {
	cfg := testConfig(t)
	backend := &fakeBackend{errs: []error{errors.New(errors.CodeUnreachable, "refused")}}
	s, _, typed := newTestSession(cfg, backend, func() []int16 {
		return []int16{500, 500, 500, 0, 0, 0, 0, 0, 0}
	})

	err := s.RunListen(context.Background())
	if !errors.IsCode(err, errors.CodeUnreachable) {
		t.Errorf("err = %v, want CodeUnreachable", err)
	}
	if len(*typed) != 0 {
		t.Errorf("typed = %v, want nothing on failure", *typed)
	}
}

func TestDictationAccumulatesSegments(t *testing.T) {
	cfg := testConfig(t)
	ctx, cancel := context.WithCancel(context.Background())
	backend := &fakeBackend{replies: []string{"alpha", "beta"}}
	backend.onCall = func(n int) {
		if n == 2 {
			cancel()
		}
	}

	var copied string
	s, _, _ := newTestSession(cfg, backend, func() []int16 {
		return []int16{200, 200, 200}
	})
	s.clipboard = func(text string) bool { copied = text; return true }

	if err := s.RunLongDictation(ctx); err != nil {
		t.Fatalf("RunLongDictation: %v", err)
	}
	if backend.callCount() != 2 {
		t.Errorf("backend calls = %d, want 2", backend.callCount())
	}

	matches, err := filepath.Glob(filepath.Join(cfg.TranscriptDir, "*_long.txt"))
	if err != nil || len(matches) != 1 {
		t.Fatalf("transcript files = %v (err %v), want exactly one", matches, err)
	}
	data, err := os.ReadFile(matches[0])
	if err != nil {
		t.Fatal(err)
	}
	if got := string(data); got != "alpha beta " {
		t.Errorf("transcript = %q, want %q", got, "alpha beta ")
	}
	if copied != "alpha beta" {
		t.Errorf("clipboard = %q, want %q", copied, "alpha beta")
	}
}

func TestDictationAbortsWhenBackendUnreachable(t *testing.T) {
	cfg := testConfig(t)
	backend := &fakeBackend{errs: []error{errors.New(errors.CodeUnreachable, "refused")}}
	s, _, _ := newTestSession(cfg, backend, func() []int16 {
		return []int16{200, 200, 200}
	})

	err := s.RunLongDictation(context.Background())
	if !errors.IsCode(err, errors.CodeUnreachable) {
		t.Errorf("err = %v, want CodeUnreachable", err)
	}
	if backend.callCount() != 1 {
		t.Errorf("backend calls = %d, unreachable must not be retried", backend.callCount())
	}
}

func TestFailedTranscriptionReleasesPipeline(t *testing.T) {
	cfg := testConfig(t)
	backend := &fakeBackend{
		errs:    []error{errors.New(errors.CodeUnreachable, "refused")},
		noDrain: true,
	}
	s, _, _ := newTestSession(cfg, backend, func() []int16 {
		return []int16{200, 200, 200}
	})

	before := runtime.NumGoroutine()
	err := s.RunLongDictation(context.Background())
	if !errors.IsCode(err, errors.CodeUnreachable) {
		t.Fatalf("err = %v, want CodeUnreachable", err)
	}

	// The capture and forwarding goroutines must wind down even though the
	// backend abandoned the stream without draining it.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if runtime.NumGoroutine() <= before {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Errorf("goroutines = %d after failed cycle, want <= %d (pipeline leaked)",
		runtime.NumGoroutine(), before)
}

func TestDictationGivesUpAfterRepeatedFailures(t *testing.T) {
	if testing.Short() {
		t.Skip("waits out real backoff delays")
	}
	cfg := testConfig(t)
	errs := make([]error, maxConsecutiveFailures)
	for i := range errs {
		errs[i] = errors.New(errors.CodeTimeout, "slow")
	}
	backend := &fakeBackend{errs: errs}
	s, _, _ := newTestSession(cfg, backend, func() []int16 {
		return []int16{200, 200, 200}
	})

	err := s.RunLongDictation(context.Background())
	if !errors.IsCode(err, errors.CodeTimeout) {
		t.Errorf("err = %v, want CodeTimeout after exhausted budget", err)
	}
	if backend.callCount() != maxConsecutiveFailures {
		t.Errorf("backend calls = %d, want %d", backend.callCount(), maxConsecutiveFailures)
	}
}
