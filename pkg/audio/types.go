// Package audio holds the PCM16 primitives shared by the listening pipeline:
// inbound chunks, fixed analysis frames, sample decoding, energy measurement,
// resampling, and WAV spooling of finished utterances.
//
// All PCM in Vigil is little-endian signed 16-bit mono.
package audio

import "time"

// BytesPerSample is the width of one PCM16 sample.
const BytesPerSample = 2

// Chunk is a piece of inbound microphone audio as delivered by a transport.
// Chunks have arbitrary length; the listening session re-frames them into
// fixed [Format] frames before analysis.
type Chunk struct {
	// Data is little-endian PCM16 mono.
	Data []byte

	// SampleRate in Hz. Zero means the chunk already uses the session rate.
	SampleRate int

	// Timestamp marks when the client captured the chunk, relative to stream start.
	Timestamp time.Duration
}

// Format describes a PCM16 mono stream and the length of its analysis frame.
type Format struct {
	// SampleRate in Hz (16000 for speaker embedding models).
	SampleRate int

	// FrameMs is the duration of one analysis frame in milliseconds.
	FrameMs int
}

// FrameSamples returns the number of samples in one analysis frame.
func (f Format) FrameSamples() int {
	return f.SampleRate * f.FrameMs / 1000
}

// FrameBytes returns the byte length of one analysis frame.
func (f Format) FrameBytes() int {
	return f.FrameSamples() * BytesPerSample
}

// FrameDuration returns the duration of one analysis frame.
func (f Format) FrameDuration() time.Duration {
	return time.Duration(f.FrameMs) * time.Millisecond
}

// Duration returns the playback duration of n bytes of PCM in this format.
func (f Format) Duration(n int) time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	samples := n / BytesPerSample
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}
