// Package vad defines the Engine interface for neural Voice Activity Detection
// backends.
//
// A VAD engine wraps a frame-level speech model (e.g., Silero VAD) and surfaces
// it as a stateful, per-stream session. Each session maintains its own
// recurrent state so that multiple concurrent listening sessions can be scored
// independently.
//
// The engine only produces a speech probability per frame. Energy
// pre-filtering, thresholds and hysteresis live in internal/vad, which falls
// back to an energy proxy whenever a session returns an error.
//
// Implementations must be safe for concurrent use across different sessions.
// A single SessionHandle should not be shared across goroutines unless the
// implementation explicitly documents thread safety for that type.
package vad

import "context"

// Config holds the parameters for a VAD session.
type Config struct {
	// SampleRate is the audio sample rate in Hz. Must match the rate of the
	// samples passed to Score. Silero supports 8000 and 16000.
	SampleRate int

	// FrameSizeMs is the duration of each analysis frame in milliseconds.
	FrameSizeMs int
}

// SessionHandle represents an active VAD session for a single audio stream. It
// is an interface so that test code can supply mock implementations without a
// live model.
type SessionHandle interface {
	// Score returns the probability in [0, 1] that the frame contains speech.
	// samples are mono and normalised to [-1, 1]. Implementations should honour
	// ctx cancellation where the model allows it; callers treat any error as
	// "model unavailable for this frame".
	Score(ctx context.Context, samples []float32) (float64, error)

	// Reset clears the model's recurrent state without closing the session.
	Reset() error

	// Close releases all resources associated with the session. Calling Close
	// more than once is safe and returns nil.
	Close() error
}

// Engine is the factory for VAD sessions. It is the top-level interface
// implemented by each VAD backend.
//
// Implementations must be safe for concurrent use: multiple goroutines may call
// NewSession simultaneously to create independent sessions.
type Engine interface {
	// NewSession creates a new VAD session with the given configuration.
	// Returns an error if the configuration is unsupported or if the engine
	// cannot allocate resources for the session.
	NewSession(cfg Config) (SessionHandle, error)
}
