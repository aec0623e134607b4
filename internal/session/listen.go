package session

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/harkvoice/hark/internal/transcript"
	"github.com/harkvoice/hark/internal/vad"
)

// RunListen captures one utterance, streams it for transcription, and types
// the result. "No speech detected" is a success with empty text. The stop
// context (toggle or Ctrl+C) ends capture gracefully: the utterance gathered
// so far is still transcribed.
func (s *Session) RunListen(ctx context.Context) error {
	st, closeSrc, err := s.segment(ctx, s.cfg.SilenceThreshold, secs(s.cfg.MaxRecordingDuration))
	if err != nil {
		s.notify("Hark", "Could not open microphone")
		return err
	}
	defer closeSrc()

	slog.Info("listening", "threshold", s.cfg.SilenceThreshold, "silence_duration", s.cfg.SilenceDuration)
	s.notify("Hark", "Listening... Speak now!")

	first, ok := <-st.Chunks()
	if !ok {
		return s.finishListen(st, "")
	}

	s.notify("Hark", "Recording... Run \"hark listen\" again to stop")
	slog.Info("speech detected, streaming to model server", "rate", st.Rate())

	// The request deliberately outlives the stop signal: cancellation ends
	// capture, the stream drains, and the response still comes back with
	// whatever was said. The request keeps its own deadline.
	reqCtx, cancel := context.WithTimeout(context.Background(), secs(s.cfg.HTTPTimeout))
	defer cancel()

	stream := forward(first, st.Chunks())
	text, err := s.backend.Transcribe(reqCtx, st.Rate(), stream)
	if err != nil {
		// A failed request stops consuming; release the producers.
		closeSrc()
		drain(stream)
		s.notify("Hark", "Transcription failed")
		return err
	}

	return s.finishListen(st, text)
}

// finishListen handles the terminal outcomes of a listen pass.
func (s *Session) finishListen(st *vad.Stream, text string) error {
	outcome, streamErr := st.Outcome()

	switch outcome {
	case vad.OutcomeNoSpeech:
		slog.Info("no speech detected")
		s.notify("Hark", "No speech detected")
		return nil
	case vad.OutcomeAborted:
		// The partial utterance was still transcribed and delivered below,
		// but the session reports the failure.
		slog.Warn("capture aborted mid-utterance", "error", streamErr)
	}

	if text != "" {
		slog.Info("recognized", "text", text)
		if s.cfg.SaveTranscripts {
			if path, err := transcript.SaveOnce(s.cfg.TranscriptDir, "short", text); err == nil {
				slog.Info("transcript saved", "path", path)
			} else {
				slog.Error("could not save transcript", "error", err)
			}
		}
		if s.typeText(text) {
			s.notify("Hark", "Typed: "+text)
		} else {
			fmt.Printf("TEXT: %s\n", text)
			s.notify("Hark", "Recognized: "+text)
		}
	} else {
		slog.Warn("no text recognized in the audio")
		s.notify("Hark", "No text recognized")
	}

	if outcome == vad.OutcomeAborted {
		return streamErr
	}
	return nil
}
