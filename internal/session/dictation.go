package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/harkvoice/hark/internal/errors"
	"github.com/harkvoice/hark/internal/resilience"
	"github.com/harkvoice/hark/internal/transcript"
	"github.com/harkvoice/hark/internal/vad"
)

// maxConsecutiveFailures bounds how many utterance cycles in a row may fail
// on transient transport errors before the session gives up. A persistently
// broken backend surfaces as an error instead of an infinite silent retry.
const maxConsecutiveFailures = 5

// RunLongDictation captures continuously (VAD disabled, utterance boundaries
// decided by this outer loop) until stopped, appending each recognized
// segment to a single session transcript. An auto-save task persists session
// metadata on a timer and doubles as the liveness watchdog for long network
// stalls.
func (s *Session) RunLongDictation(ctx context.Context) error {
	sess, err := transcript.NewSession(s.cfg.TranscriptDir, "long")
	if err != nil {
		return fmt.Errorf("create session transcript: %w", err)
	}

	slog.Info("long dictation started", "transcript", sess.Path())
	s.notify("Hark", "Long dictation mode started. Run \"hark long\" again to stop.")

	actx, stopAutosave := context.WithCancel(ctx)
	autosaveDone := make(chan struct{})
	go s.autosave(actx, sess, autosaveDone)
	defer func() {
		stopAutosave()
		<-autosaveDone
		s.finishDictation(sess)
	}()

	retryCfg := resilience.DefaultRetryConfig()
	failures := 0

	for ctx.Err() == nil {
		st, closeSrc, err := s.segment(ctx, 0, secs(s.cfg.LongModeMaxDuration))
		if err != nil {
			return err
		}

		first, ok := <-st.Chunks()
		if !ok {
			closeSrc()
			if outcome, serr := st.Outcome(); outcome == vad.OutcomeAborted {
				return serr
			}
			// No audio this cycle; breathe before reopening the device.
			sleepCtx(ctx, 100*time.Millisecond)
			continue
		}

		// Cancellation point: never issue a new request once stopped. The
		// in-flight stream is still drained and sent.
		stream := forward(first, st.Chunks())
		text, err := s.backend.Transcribe(ctx, st.Rate(), stream)
		closeSrc()

		if err != nil {
			drain(stream)
			if ctx.Err() != nil {
				return nil
			}
			if errors.IsCode(err, errors.CodeUnreachable) {
				s.notify("Hark", "Model server not reachable")
				return err
			}
			failures++
			if failures >= maxConsecutiveFailures {
				return errors.Wrapf(err, errors.CodeOf(err),
					"giving up after %d consecutive transcription failures", failures)
			}
			delay := resilience.Backoff(retryCfg, failures-1)
			slog.Warn("transcription failed, continuing", "failures", failures, "delay", delay, "error", err)
			sleepCtx(ctx, delay)
			continue
		}
		failures = 0

		if text != "" {
			slog.Info("recognized", "text", text)
			if err := sess.Append(text); err != nil {
				slog.Error("could not append to transcript", "error", err)
			}
		}

		if outcome, serr := st.Outcome(); outcome == vad.OutcomeAborted {
			return serr
		}
	}
	return nil
}

// autosave persists session metadata and prints running stats on a timer.
// Appends to the session are atomic at the granularity read here.
func (s *Session) autosave(ctx context.Context, sess *transcript.Session, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(secs(s.cfg.AutoSaveInterval))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := sess.SaveMetadata(); err != nil {
				slog.Error("auto-save failed", "error", err)
				continue
			}
			st := sess.Stats()
			fmt.Printf("\r[%.1fm | %d words | %.0f wpm | %d segments]",
				st.DurationMinutes, st.WordCount, st.WordsPerMinute, st.Segments)
		}
	}
}

// finishDictation runs the end-of-session side effects: final metadata save,
// clipboard copy, notification.
func (s *Session) finishDictation(sess *transcript.Session) {
	if err := sess.SaveMetadata(); err != nil {
		slog.Error("final session save failed", "error", err)
	}

	full := sess.FullText()
	stats := sess.Stats()
	slog.Info("long dictation stopped",
		"transcript", sess.Path(), "words", stats.WordCount, "segments", stats.Segments)

	if full != "" && s.cfg.ClipboardOnLong {
		if s.clipboard(full) {
			slog.Info("transcript copied to clipboard")
		}
	}
	s.notify("Hark", "Long dictation stopped. Saved to "+sess.Path())
}

func sleepCtx(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
