//go:build silero

// Package silero provides a [vad.Engine] backed by the Silero VAD ONNX model
// through github.com/streamer45/silero-vad-go. It requires cgo and the ONNX
// runtime, so it is only compiled with the "silero" build tag.
package silero

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/streamer45/silero-vad-go/speech"

	"github.com/MrWong99/vigil/pkg/provider/vad"
)

// Engine creates Silero sessions sharing one model path.
type Engine struct {
	modelPath string
	threshold float32
}

// Option is a functional option for [New].
type Option func(*Engine)

// WithThreshold overrides the model-internal segment threshold (default 0.5).
func WithThreshold(t float32) Option {
	return func(e *Engine) { e.threshold = t }
}

// New returns an Engine loading the ONNX model at modelPath for each session.
func New(modelPath string, opts ...Option) (*Engine, error) {
	if modelPath == "" {
		return nil, errors.New("silero: model path must not be empty")
	}
	e := &Engine{modelPath: modelPath, threshold: 0.5}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// NewSession implements [vad.Engine].
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if cfg.SampleRate != 8000 && cfg.SampleRate != 16000 {
		return nil, fmt.Errorf("silero: unsupported sample rate %d", cfg.SampleRate)
	}
	d, err := speech.NewDetector(speech.DetectorConfig{
		ModelPath:            e.modelPath,
		SampleRate:           cfg.SampleRate,
		Threshold:            e.threshold,
		MinSilenceDurationMs: 0,
		SpeechPadMs:          0,
	})
	if err != nil {
		return nil, fmt.Errorf("silero: create detector: %w", err)
	}
	return &session{detector: d, sampleRate: cfg.SampleRate}, nil
}

type session struct {
	mu         sync.Mutex
	detector   *speech.Detector
	sampleRate int
	closed     bool

	// inSpeech is true while the model's speech trigger is held across
	// frame boundaries: a segment has started and not yet ended.
	inSpeech bool
}

// Score feeds one frame to the detector and returns 1 if the model's speech
// trigger was active at any point during the frame, 0 otherwise. The model's
// recurrent state carries over between frames until [session.Reset].
func (s *session) Score(ctx context.Context, samples []float32) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, errors.New("silero: session closed")
	}
	segments, err := s.detector.Detect(samples)
	if err != nil {
		return 0, fmt.Errorf("silero: detect: %w", err)
	}
	active := s.inSpeech || len(segments) > 0
	for _, seg := range segments {
		s.inSpeech = seg.SpeechEndAt == 0
	}
	if active {
		return 1, nil
	}
	return 0, nil
}

// Reset clears the model's recurrent state and the held speech trigger.
func (s *session) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.inSpeech = false
	return s.detector.Reset()
}

func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.detector.Destroy()
}

var (
	_ vad.Engine        = (*Engine)(nil)
	_ vad.SessionHandle = (*session)(nil)
)
