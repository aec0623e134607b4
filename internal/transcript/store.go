// Package transcript handles transcript accumulation and persistence for
// dictation sessions.
package transcript

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Stats summarizes a session for auto-save output.
type Stats struct {
	DurationMinutes float64 `json:"duration_minutes"`
	WordCount       int     `json:"word_count"`
	WordsPerMinute  float64 `json:"words_per_minute"`
	Segments        int     `json:"segments"`
}

// Session accumulates recognized text across a long-dictation run. Appends
// are the only mutation; the auto-save task reads a consistent snapshot under
// the same lock.
type Session struct {
	mu        sync.RWMutex
	startTime time.Time
	segments  []string
	wordCount int

	transcriptFn string
	sessionFn    string
}

// NewSession creates the transcript directory and a timestamped transcript
// file for this session.
func NewSession(dir, mode string) (*Session, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	now := time.Now()
	stamp := now.Format("20060102_150405")
	s := &Session{
		startTime:    now,
		transcriptFn: filepath.Join(dir, stamp+"_"+mode+".txt"),
		sessionFn:    filepath.Join(dir, stamp+"_session.json"),
	}
	// Create the file up front so the user can tail it immediately.
	f, err := os.OpenFile(s.transcriptFn, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return s, f.Close()
}

// Path returns the transcript file path.
func (s *Session) Path() string { return s.transcriptFn }

// Append records one recognized segment and writes it through to the
// transcript file immediately, so a crash loses at most the in-flight
// utterance.
func (s *Session) Append(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	s.mu.Lock()
	s.segments = append(s.segments, text)
	s.wordCount += len(strings.Fields(text))
	s.mu.Unlock()

	f, err := os.OpenFile(s.transcriptFn, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	_, err = f.WriteString(text + " ")
	return err
}

// FullText returns the complete transcript joined with spaces.
func (s *Session) FullText() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return strings.Join(s.segments, " ")
}

// Stats returns current session statistics.
func (s *Session) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	minutes := time.Since(s.startTime).Minutes()
	wpm := 0.0
	if minutes > 0 {
		wpm = float64(s.wordCount) / minutes
	}
	return Stats{
		DurationMinutes: minutes,
		WordCount:       s.wordCount,
		WordsPerMinute:  wpm,
		Segments:        len(s.segments),
	}
}

// sessionMetadata is the on-disk shape of the session sidecar file.
type sessionMetadata struct {
	StartTime      time.Time `json:"start_time"`
	Stats          Stats     `json:"stats"`
	TranscriptFile string    `json:"transcript_file"`
}

// SaveMetadata writes the session sidecar JSON. Called by the periodic
// auto-save task and once more on shutdown.
func (s *Session) SaveMetadata() error {
	meta := sessionMetadata{
		StartTime:      s.startTime,
		Stats:          s.Stats(),
		TranscriptFile: s.transcriptFn,
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.sessionFn, data, 0o644)
}

// SaveOnce appends a single short-mode transcript to its own timestamped
// file and returns the path.
func SaveOnce(dir, mode, text string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	fn := filepath.Join(dir, time.Now().Format("20060102_150405")+"_"+mode+".txt")
	f, err := os.OpenFile(fn, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()
	if _, err := f.WriteString(text + "\n"); err != nil {
		return "", err
	}
	return fn, nil
}
