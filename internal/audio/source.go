// Package audio handles microphone capture and energy estimation.
package audio

// Format constants for the capture pipeline. All audio is signed 16-bit
// little-endian mono PCM.
const (
	DefaultSampleRate  = 16000
	DefaultChunkMillis = 30
	BytesPerSample     = 2
)

// Chunk is one fixed-size buffer of PCM samples read from the source. Chunks
// are immutable once produced; downstream stages forward them unmodified.
type Chunk struct {
	Samples []int16
}

// Bytes returns the chunk as little-endian PCM bytes, the wire representation
// the transcription backend consumes.
func (c Chunk) Bytes() []byte {
	buf := make([]byte, len(c.Samples)*BytesPerSample)
	for i, s := range c.Samples {
		buf[i*2] = byte(s)
		buf[i*2+1] = byte(uint16(s) >> 8)
	}
	return buf
}

// Source is a blocking PCM input stream with fixed-size reads.
type Source interface {
	// Read blocks until one chunk is available. Overflow on a single read
	// returns an error with code CodeOverflow and no chunk; the caller skips
	// it and reads again. Any other error is fatal to the stream.
	Read() (Chunk, error)
	// SampleRate reports the stream's sample rate in Hz.
	SampleRate() int
	// Close stops the stream and releases the device.
	Close() error
}
