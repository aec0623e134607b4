package audio

import "math"

// RMS computes the root-mean-square energy of a chunk. Samples are widened to
// float64 before squaring: squaring int16 values in integer arithmetic wraps
// silently and would corrupt every downstream threshold decision.
func RMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		f := float64(s)
		sum += f * f
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// SmoothingWindow is the number of recent volume samples averaged before any
// threshold comparison, rejecting single-chunk noise spikes.
const SmoothingWindow = 3

// Smoother keeps a short moving average over the volume stream. Only the
// smoothed value may be compared against a silence threshold.
type Smoother struct {
	window []float64
	size   int
	next   int
	count  int
	sum    float64
}

// NewSmoother returns a Smoother averaging the last size samples. A size of
// zero or less falls back to SmoothingWindow.
func NewSmoother(size int) *Smoother {
	if size <= 0 {
		size = SmoothingWindow
	}
	return &Smoother{window: make([]float64, size), size: size}
}

// Push adds one volume sample and returns the current moving average.
func (s *Smoother) Push(v float64) float64 {
	if s.count == s.size {
		s.sum -= s.window[s.next]
	} else {
		s.count++
	}
	s.window[s.next] = v
	s.sum += v
	s.next = (s.next + 1) % s.size
	return s.sum / float64(s.count)
}
