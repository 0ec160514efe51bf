package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
)

// ErrMalformedFrame is returned when PCM data is not sample-aligned, does
// not match the configured frame length, or declares an unsupported rate.
var ErrMalformedFrame = errors.New("audio: malformed frame")

// Supported sample rates for inbound audio and sessions.
const (
	MinSampleRate = 8000
	MaxSampleRate = 48000
)

// ValidateRate reports whether rate lies within [MinSampleRate, MaxSampleRate].
func ValidateRate(rate int) error {
	if rate < MinSampleRate || rate > MaxSampleRate {
		return fmt.Errorf("%w: sample rate %d outside [%d, %d]", ErrMalformedFrame, rate, MinSampleRate, MaxSampleRate)
	}
	return nil
}

// ValidateChunk reports whether pcm is a whole number of PCM16 samples.
func ValidateChunk(pcm []byte) error {
	if len(pcm)%BytesPerSample != 0 {
		return fmt.Errorf("%w: odd byte count %d", ErrMalformedFrame, len(pcm))
	}
	return nil
}

// ValidateFrame reports whether pcm is exactly one analysis frame of f.
func ValidateFrame(pcm []byte, f Format) error {
	if err := ValidateChunk(pcm); err != nil {
		return err
	}
	if want := f.FrameBytes(); len(pcm) != want {
		return fmt.Errorf("%w: got %d bytes, want %d", ErrMalformedFrame, len(pcm), want)
	}
	return nil
}

// Samples decodes PCM16 into float32 samples normalised to [-1, 1].
// A trailing odd byte is ignored.
func Samples(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/BytesPerSample)
	for i := range out {
		out[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768
	}
	return out
}

// Ints decodes PCM16 into integer samples in the int16 range.
func Ints(pcm []byte) []int {
	out := make([]int, len(pcm)/BytesPerSample)
	for i := range out {
		out[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	return out
}

// RMS returns the root-mean-square energy of normalised samples.
// An empty slice has zero energy.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// Converter brings inbound chunks to a session's sample rate. It logs a
// warning on the first rate mismatch. Create one per stream; not designed for
// shared use across goroutines.
type Converter struct {
	TargetRate int
	warned     sync.Once
}

// Convert validates c and resamples it to the target rate. If the chunk
// already matches, its data is returned unchanged (zero allocation). Chunks
// declaring a rate outside [MinSampleRate, MaxSampleRate] are rejected with
// [ErrMalformedFrame].
func (c *Converter) Convert(ch Chunk) ([]byte, error) {
	if err := ValidateChunk(ch.Data); err != nil {
		return nil, err
	}
	if ch.SampleRate == 0 || ch.SampleRate == c.TargetRate {
		return ch.Data, nil
	}
	if err := ValidateRate(ch.SampleRate); err != nil {
		return nil, err
	}
	c.warned.Do(func() {
		slog.Warn("audio converter: sample rate mismatch, resampling",
			"from", ch.SampleRate,
			"to", c.TargetRate,
		)
	})
	return ResampleMono16(ch.Data, ch.SampleRate, c.TargetRate), nil
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using linear
// interpolation. The input must be little-endian int16 samples. If srcRate ==
// dstRate, the input is returned unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 {
		return pcm
	}
	if srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)

		s0 := int16(binary.LittleEndian.Uint16(pcm[idx*2:]))
		s1 := s0
		if idx+1 < srcSamples {
			s1 = int16(binary.LittleEndian.Uint16(pcm[(idx+1)*2:]))
		}
		v := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}
