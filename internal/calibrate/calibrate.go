// Package calibrate derives a silence threshold from ambient noise.
package calibrate

import (
	"fmt"
	"io"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/harkvoice/hark/internal/audio"
	"github.com/harkvoice/hark/internal/errors"
)

// Config controls a calibration run.
type Config struct {
	Duration     time.Duration
	ChunkMillis  int
	ThresholdMin float64
	ThresholdMax float64
	// Fallback is returned when no input device is available or the stream
	// cannot be read. Calibration is never fatal to the caller.
	Fallback float64
	// Progress, when non-nil, receives a live progress bar. Presentational
	// only.
	Progress io.Writer
}

// Stats summarizes the observed noise distribution.
type Stats struct {
	Threshold  float64 // recommended, already clamped
	NoiseFloor float64 // 90th percentile
	Median     float64
	P95        float64
	P99        float64
	Min        float64
	Max        float64
	Samples    int
}

// Run opens a source via open and measures ambient energy for cfg.Duration,
// assuming the user stays quiet. The threshold is the 95th percentile of
// observed chunk RMS (rejecting the top 5% as noise spikes), clamped to
// [ThresholdMin, ThresholdMax].
func Run(open func() (audio.Source, error), cfg Config) Stats {
	src, err := open()
	if err != nil {
		slog.Warn("calibration could not open microphone, using fallback threshold",
			"fallback", cfg.Fallback, "error", err)
		return Stats{Threshold: cfg.Fallback}
	}
	defer func() { _ = src.Close() }()

	chunkDur := time.Duration(cfg.ChunkMillis) * time.Millisecond
	toRead := int(cfg.Duration / chunkDur)
	if toRead <= 0 {
		toRead = 1
	}

	volumes := make([]float64, 0, toRead)
	for i := 0; i < toRead; i++ {
		chunk, err := src.Read()
		if err != nil {
			if errors.IsCode(err, errors.CodeOverflow) {
				continue
			}
			slog.Warn("calibration read failed, stopping early", "error", err)
			break
		}
		if len(chunk.Samples) == 0 {
			continue
		}
		v := audio.RMS(chunk.Samples)
		volumes = append(volumes, v)
		drawProgress(cfg.Progress, float64(i+1)/float64(toRead), v)
	}
	if cfg.Progress != nil {
		fmt.Fprintln(cfg.Progress)
	}

	if len(volumes) == 0 {
		slog.Warn("calibration captured no audio, using fallback threshold", "fallback", cfg.Fallback)
		return Stats{Threshold: cfg.Fallback}
	}

	sorted := append([]float64(nil), volumes...)
	sort.Float64s(sorted)

	stats := Stats{
		NoiseFloor: percentile(sorted, 90),
		Median:     percentile(sorted, 50),
		P95:        percentile(sorted, 95),
		P99:        percentile(sorted, 99),
		Min:        sorted[0],
		Max:        sorted[len(sorted)-1],
		Samples:    len(sorted),
	}
	stats.Threshold = clamp(stats.P95, cfg.ThresholdMin, cfg.ThresholdMax)

	slog.Info("calibration complete",
		"threshold", stats.Threshold,
		"noise_floor", stats.NoiseFloor,
		"median", stats.Median,
		"p99", stats.P99,
		"max", stats.Max,
		"samples", stats.Samples)

	return stats
}

// percentile interpolates the p-th percentile of an ascending-sorted slice.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

const barWidth = 40

func drawProgress(w io.Writer, frac, volume float64) {
	if w == nil {
		return
	}
	filled := int(barWidth * frac)
	if filled > barWidth {
		filled = barWidth
	}
	bar := ""
	for i := 0; i < barWidth; i++ {
		if i < filled {
			bar += "█"
		} else {
			bar += "░"
		}
	}
	fmt.Fprintf(w, "\rProgress: [%s] %3.0f%% | Current: %6.1f", bar, frac*100, volume)
}
