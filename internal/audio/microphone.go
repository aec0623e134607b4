package audio

import (
	"log/slog"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/harkvoice/hark/internal/errors"
)

// Microphone is a Source backed by a portaudio input stream.
type Microphone struct {
	stream     *portaudio.Stream
	buf        []int16
	sampleRate int
	closeOnce  sync.Once
	closeErr   error
}

// OpenMicrophone initializes portaudio and opens a mono int16 input stream on
// the default input device at the given rate, reading chunkSamples per call.
func OpenMicrophone(sampleRate, chunkSamples int) (*Microphone, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, errors.Wrap(err, errors.CodeDeviceOpen, "audio subsystem init failed")
	}

	dev, err := portaudio.DefaultInputDevice()
	if err != nil || dev == nil || dev.MaxInputChannels < 1 {
		_ = portaudio.Terminate()
		return nil, errors.Wrap(err, errors.CodeDeviceNotFound, "no input device found")
	}

	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: 1,
			Latency:  dev.DefaultLowInputLatency,
		},
		SampleRate:      float64(sampleRate),
		FramesPerBuffer: chunkSamples,
	}

	buf := make([]int16, chunkSamples)
	stream, err := portaudio.OpenStream(params, buf)
	if err != nil {
		_ = portaudio.Terminate()
		return nil, errors.Wrapf(err, errors.CodeDeviceOpen, "open stream on %q", dev.Name)
	}

	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = portaudio.Terminate()
		return nil, errors.Wrapf(err, errors.CodeDeviceOpen, "start stream on %q", dev.Name)
	}

	slog.Info("opened microphone", "device", dev.Name, "rate", sampleRate, "chunk_samples", chunkSamples)

	return &Microphone{stream: stream, buf: buf, sampleRate: sampleRate}, nil
}

// Read blocks until one chunk has been captured. The returned chunk owns its
// samples; the internal buffer is reused across reads.
func (m *Microphone) Read() (Chunk, error) {
	if err := m.stream.Read(); err != nil {
		if err == portaudio.InputOverflowed {
			return Chunk{}, errors.Wrap(err, errors.CodeOverflow, "input overflowed")
		}
		return Chunk{}, errors.Wrap(err, errors.CodeDeviceRead, "stream read failed")
	}
	return Chunk{Samples: append([]int16(nil), m.buf...)}, nil
}

// SampleRate reports the stream's sample rate in Hz.
func (m *Microphone) SampleRate() int { return m.sampleRate }

// Close stops the stream and tears down portaudio. Safe to call more than once.
func (m *Microphone) Close() error {
	m.closeOnce.Do(func() {
		if err := m.stream.Stop(); err != nil {
			m.closeErr = err
		}
		if err := m.stream.Close(); err != nil && m.closeErr == nil {
			m.closeErr = err
		}
		_ = portaudio.Terminate()
	})
	return m.closeErr
}
