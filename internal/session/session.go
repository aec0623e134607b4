// Package session wires capture, segmentation, transport, and side effects
// into the two user-facing modes: one-shot listen and long dictation.
package session

import (
	"context"
	"time"

	"github.com/harkvoice/hark/internal/audio"
	"github.com/harkvoice/hark/internal/config"
	"github.com/harkvoice/hark/internal/desktop"
	"github.com/harkvoice/hark/internal/transport"
	"github.com/harkvoice/hark/internal/vad"
)

// SourceOpener opens a fresh audio source. Injected so tests can substitute
// synthetic streams for the microphone.
type SourceOpener func() (audio.Source, error)

// Session holds the collaborators shared by both modes. The transcription
// backend is passed in explicitly; nothing reaches for global state.
type Session struct {
	cfg     *config.Config
	backend transport.Backend
	open    SourceOpener

	// Desktop side effects, overridable in tests.
	notify    func(title, message string)
	typeText  func(text string) bool
	clipboard func(text string) bool
}

// New creates a session with desktop side effects wired to the real tools.
// Process registration and PID cleanup belong to the caller; the session only
// runs the capture loop.
func New(cfg *config.Config, backend transport.Backend, open SourceOpener) *Session {
	return &Session{
		cfg:       cfg,
		backend:   backend,
		open:      open,
		notify:    desktop.Notify,
		typeText:  desktop.TypeText,
		clipboard: desktop.CopyClipboard,
	}
}

// segment runs one capture-and-segment pass and hands the stream back. The
// ctx here is the cooperative-stop context: cancelling it finalizes the
// in-flight utterance rather than dropping it.
func (s *Session) segment(ctx context.Context, threshold float64, maxDuration time.Duration) (*vad.Stream, func(), error) {
	src, err := s.open()
	if err != nil {
		return nil, nil, err
	}

	seg := vad.New(src, vad.Config{
		SilenceThreshold: threshold,
		SilenceDuration:  secs(s.cfg.SilenceDuration),
		PrePadding:       secs(s.cfg.PreSpeechPadding),
		MaxDuration:      maxDuration,
		ChunkDuration:    s.cfg.ChunkDuration(),
	})

	st := seg.Run(ctx)
	return st, func() { _ = src.Close() }, nil
}

// forward re-emits an already-received first chunk ahead of the rest of the
// stream, so the caller can peek for speech before opening a network
// connection. No speech means no transport call.
func forward(first audio.Chunk, rest <-chan audio.Chunk) <-chan audio.Chunk {
	out := make(chan audio.Chunk, 1)
	go func() {
		out <- first
		for c := range rest {
			out <- c
		}
		close(out)
	}()
	return out
}

// drain discards the remainder of a stream whose consumer gave up, so the
// forward goroutine and the segmenter behind it can exit instead of blocking
// on a send forever. The source must already be closed or bounded; draining
// then terminates promptly.
func drain(ch <-chan audio.Chunk) {
	for range ch {
	}
}

func secs(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}
