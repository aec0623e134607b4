// Package vad segments a microphone stream into speech utterances using
// smoothed RMS energy against a calibrated silence threshold.
package vad

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/harkvoice/hark/internal/audio"
	"github.com/harkvoice/hark/internal/errors"
)

// State of the segmentation machine.
type State int

const (
	// Waiting buffers pre-speech audio until the smoothed volume crosses the
	// threshold.
	Waiting State = iota
	// Speaking captures every chunk, speech or silence, into the utterance.
	Speaking
	// Done is terminal: the segment completed or was aborted.
	Done
)

// Outcome distinguishes the three ways a segment ends. "Nothing was said" is
// a normal result, not an error.
type Outcome int

const (
	// OutcomePending means the stream is still being produced.
	OutcomePending Outcome = iota
	// OutcomeSpeech means at least one chunk was emitted.
	OutcomeSpeech
	// OutcomeNoSpeech means input ended without the volume ever crossing the
	// threshold; zero chunks were emitted.
	OutcomeNoSpeech
	// OutcomeAborted means a fatal read error cut the segment short. Whatever
	// was captured before the error was still emitted.
	OutcomeAborted
)

// Config controls one segmentation run.
type Config struct {
	// SilenceThreshold is the smoothed-RMS level separating speech from
	// silence. Zero disables the state machine entirely: every chunk is
	// emitted immediately with no pre-roll and no silence stop, bounded only
	// by MaxDuration. Used for continuous long-dictation capture.
	SilenceThreshold float64
	// SilenceDuration is how much sustained silence ends an utterance.
	SilenceDuration time.Duration
	// PrePadding is how much audio before the speech onset is kept.
	PrePadding time.Duration
	// MaxDuration bounds the whole capture regardless of state.
	MaxDuration time.Duration
	// ChunkDuration is the length of one source chunk.
	ChunkDuration time.Duration
	// QueueSize bounds the channel between the capture loop and the consumer.
	// When the consumer stalls the capture loop blocks once the queue fills,
	// pushing backpressure into capture timing.
	QueueSize int
	// Smoothing overrides the moving-average window length (chunks).
	Smoothing int
}

// DefaultQueueSize keeps roughly two seconds of 30ms chunks queued before the
// capture loop blocks on a stalled consumer.
const DefaultQueueSize = 64

// Segmenter drives one source through the VAD state machine.
type Segmenter struct {
	src audio.Source
	cfg Config
}

// New creates a Segmenter over src.
func New(src audio.Source, cfg Config) *Segmenter {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.ChunkDuration <= 0 {
		cfg.ChunkDuration = audio.DefaultChunkMillis * time.Millisecond
	}
	return &Segmenter{src: src, cfg: cfg}
}

// Stream is the lazy chunk sequence of one utterance. It has exactly one
// producer (the segmenter goroutine) and at most one consumer; once the
// channel closes, Outcome reports how the segment ended.
type Stream struct {
	ch   chan audio.Chunk
	rate int

	mu      sync.Mutex
	outcome Outcome
	err     error
}

// Chunks returns the utterance chunk sequence. The channel closes when the
// segment is done.
func (st *Stream) Chunks() <-chan audio.Chunk { return st.ch }

// Rate reports the stream's sample rate in Hz.
func (st *Stream) Rate() int { return st.rate }

// Outcome reports how the segment ended, with the fatal error for
// OutcomeAborted. Valid once Chunks has been drained.
func (st *Stream) Outcome() (Outcome, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.outcome, st.err
}

func (st *Stream) finish(o Outcome, err error) {
	st.mu.Lock()
	st.outcome, st.err = o, err
	st.mu.Unlock()
	close(st.ch)
}

// Run starts the capture loop in its own goroutine and returns the stream.
// The loop exits on segment completion, max duration, fatal read error, or
// context cancellation, whichever comes first. Cancellation is checked
// between chunk reads; the in-flight utterance is finalized, not dropped.
func (s *Segmenter) Run(ctx context.Context) *Stream {
	st := &Stream{
		ch:   make(chan audio.Chunk, s.cfg.QueueSize),
		rate: s.src.SampleRate(),
	}
	go s.loop(ctx, st)
	return st
}

func (s *Segmenter) loop(ctx context.Context, st *Stream) {
	var (
		state        = Waiting
		smoother     = audio.NewSmoother(s.cfg.Smoothing)
		preRoll      = newRing(chunkCount(s.cfg.PrePadding, s.cfg.ChunkDuration))
		maxSilent    = chunkCount(s.cfg.SilenceDuration, s.cfg.ChunkDuration)
		maxTotal     = chunkCount(s.cfg.MaxDuration, s.cfg.ChunkDuration)
		silentChunks = 0
		total        = 0
		emitted      = false
		passthrough  = s.cfg.SilenceThreshold == 0
	)

	emit := func(c audio.Chunk) bool {
		select {
		case st.ch <- c:
			emitted = true
			return true
		case <-ctx.Done():
			return false
		}
	}

	finish := func(err error) {
		switch {
		case err != nil:
			st.finish(OutcomeAborted, err)
		case emitted:
			st.finish(OutcomeSpeech, nil)
		default:
			st.finish(OutcomeNoSpeech, nil)
		}
	}

	for maxTotal <= 0 || total < maxTotal {
		if ctx.Err() != nil {
			finish(nil)
			return
		}

		chunk, err := s.src.Read()
		if err != nil {
			if errors.IsCode(err, errors.CodeOverflow) {
				slog.Debug("input overflowed, skipping chunk")
				continue
			}
			slog.Error("audio read failed", "error", err)
			finish(err)
			return
		}
		total++
		if len(chunk.Samples) == 0 {
			continue
		}

		if passthrough {
			if !emit(chunk) {
				finish(nil)
				return
			}
			continue
		}

		volume := audio.RMS(chunk.Samples)
		smoothed := smoother.Push(volume)

		switch state {
		case Waiting:
			if smoothed > s.cfg.SilenceThreshold {
				slog.Debug("speech detected", "volume", volume, "smoothed", smoothed)
				state = Speaking
				for _, buffered := range preRoll.drain() {
					if !emit(buffered) {
						finish(nil)
						return
					}
				}
				if !emit(chunk) {
					finish(nil)
					return
				}
				silentChunks = 0
			} else {
				preRoll.push(chunk)
			}

		case Speaking:
			// Silence inside an utterance is part of it; the backend trims.
			if !emit(chunk) {
				finish(nil)
				return
			}
			if smoothed > s.cfg.SilenceThreshold {
				silentChunks = 0
			} else {
				silentChunks++
				if silentChunks > maxSilent {
					slog.Debug("silence duration exceeded, segment finished", "chunks", total)
					finish(nil)
					return
				}
			}
		}
	}

	slog.Debug("maximum capture duration reached", "chunks", total)
	finish(nil)
}

// chunkCount converts a duration budget into whole chunks.
func chunkCount(d, chunk time.Duration) int {
	if d <= 0 || chunk <= 0 {
		return 0
	}
	return int(d / chunk)
}

// ring is a bounded FIFO of chunks; pushing past capacity evicts the oldest.
type ring struct {
	buf  []audio.Chunk
	head int
	n    int
}

func newRing(capacity int) *ring {
	if capacity < 0 {
		capacity = 0
	}
	return &ring{buf: make([]audio.Chunk, capacity)}
}

func (r *ring) push(c audio.Chunk) {
	if len(r.buf) == 0 {
		return
	}
	if r.n < len(r.buf) {
		r.buf[(r.head+r.n)%len(r.buf)] = c
		r.n++
		return
	}
	r.buf[r.head] = c
	r.head = (r.head + 1) % len(r.buf)
}

// drain returns buffered chunks oldest-first and empties the ring.
func (r *ring) drain() []audio.Chunk {
	out := make([]audio.Chunk, 0, r.n)
	for i := 0; i < r.n; i++ {
		out = append(out, r.buf[(r.head+i)%len(r.buf)])
	}
	r.head, r.n = 0, 0
	return out
}
