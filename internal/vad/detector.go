// Package vad decides, frame by frame, whether the user is speaking and when
// an utterance has ended.
//
// Each frame goes through an energy pre-filter, is scored either by a neural
// model ([Neural]) or by an energy proxy ([EnergyOnly]), and is compared with
// the effective threshold. A hysteresis tracker turns per-frame decisions
// into utterance edges: speech is confirmed after MinSpeechFrames consecutive
// speech frames and ends once a silence run lasts SilenceDuration.
//
// A Detector belongs to one listening session and is not safe for concurrent
// use.
package vad

import (
	"context"
	"log/slog"

	"github.com/MrWong99/vigil/internal/observe"
	"github.com/MrWong99/vigil/pkg/audio"
	"github.com/MrWong99/vigil/pkg/provider/vad"
)

// Result is the analysis of a single frame.
type Result struct {
	// IsSpeech is the per-frame decision (before hysteresis).
	IsSpeech bool

	// Confidence is VADScore for speech frames and 1 − VADScore otherwise.
	Confidence float64

	// EnergyLevel is the frame's RMS energy over normalised samples.
	EnergyLevel float64

	// VADScore is the model (or proxy) speech probability. Zero for frames
	// rejected by the energy pre-filter.
	VADScore float64
}

// Detector analyses fixed-size PCM16 frames and tracks utterance edges.
type Detector interface {
	// Analyze scores one frame and advances the hysteresis state. It returns
	// [audio.ErrMalformedFrame] for frames that do not match the configured
	// format and never fails otherwise.
	Analyze(ctx context.Context, frame []byte) (Result, error)

	// IsSpeaking reports whether an utterance is currently confirmed.
	IsSpeaking() bool

	// HasSpeechEnded reports whether the last analysed frame closed an
	// utterance. It is true for exactly one frame per utterance.
	HasSpeechEnded() bool

	// SpeechStartFrame returns the index of the frame that opened the
	// current (or most recently ended) confirmed utterance, or -1.
	SpeechStartFrame() int

	// Frames returns the number of frames analysed since the last Reset.
	Frames() int

	// SilenceFrames returns the length of the silence run inside the active
	// utterance.
	SilenceFrames() int

	// ForceEnd closes an active utterance immediately; HasSpeechEnded then
	// reports true until the next frame.
	ForceEnd()

	// Reset clears counters and model state. Configuration is kept.
	Reset()

	// UpdateConfig applies new tuning to subsequent frames without
	// resetting counters.
	UpdateConfig(cfg Config)

	// Config returns the active configuration.
	Config() Config

	// Close releases the model session, if any.
	Close() error
}

// Option configures a detector built by [NewDetector].
type Option func(*options)

type options struct {
	metrics *observe.Metrics
}

// WithMetrics records frame and fallback counters on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// NewDetector returns a [Neural] detector when model is non-nil, and an
// [EnergyOnly] detector otherwise.
func NewDetector(cfg Config, model vad.SessionHandle, opts ...Option) (Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	if model == nil {
		return &EnergyOnly{tracker: newTracker(cfg), metrics: o.metrics}, nil
	}
	return &Neural{
		EnergyOnly: EnergyOnly{tracker: newTracker(cfg), metrics: o.metrics},
		model:      model,
	}, nil
}

// EnergyOnly scores frames with the energy proxy min(1, E / (3 × floor)).
type EnergyOnly struct {
	tracker
	metrics *observe.Metrics
}

// Analyze implements [Detector].
func (d *EnergyOnly) Analyze(ctx context.Context, frame []byte) (Result, error) {
	return d.analyze(ctx, frame, nil)
}

func (d *EnergyOnly) analyze(ctx context.Context, frame []byte, score func(context.Context, []float32, float64) float64) (Result, error) {
	if err := audio.ValidateFrame(frame, d.cfg.Format); err != nil {
		return Result{}, err
	}
	samples := audio.Samples(frame)
	energy := audio.RMS(samples)

	var res Result
	res.EnergyLevel = energy
	if energy > d.cfg.EnergyFloor {
		if score != nil {
			res.VADScore = score(ctx, samples, energy)
		} else {
			res.VADScore = proxyScore(energy, d.cfg.EnergyFloor)
		}
		res.IsSpeech = res.VADScore > d.cfg.EffectiveThreshold()
	}
	if res.IsSpeech {
		res.Confidence = res.VADScore
	} else {
		res.Confidence = 1 - res.VADScore
	}

	d.advance(res.IsSpeech)
	if d.metrics != nil {
		d.metrics.RecordVADFrame(ctx, res.IsSpeech)
	}
	return res, nil
}

// Close implements [Detector].
func (d *EnergyOnly) Close() error { return nil }

// Neural scores frames with a neural model session and falls back to the
// energy proxy for any frame on which the model errors or times out.
type Neural struct {
	EnergyOnly
	model vad.SessionHandle
}

// Analyze implements [Detector].
func (d *Neural) Analyze(ctx context.Context, frame []byte) (Result, error) {
	return d.analyze(ctx, frame, d.modelScore)
}

func (d *Neural) modelScore(ctx context.Context, samples []float32, energy float64) float64 {
	mctx := ctx
	if d.cfg.ModelTimeout > 0 {
		var cancel context.CancelFunc
		mctx, cancel = context.WithTimeout(ctx, d.cfg.ModelTimeout)
		defer cancel()
	}
	p, err := d.model.Score(mctx, samples)
	if err == nil && mctx.Err() != nil {
		err = mctx.Err()
	}
	if err != nil {
		reason := "model_error"
		if mctx.Err() != nil {
			reason = "timeout"
		}
		slog.Debug("vad: model unavailable for frame, using energy proxy", "reason", reason, "err", err)
		if d.metrics != nil {
			d.metrics.RecordVADFallback(ctx, reason)
		}
		return proxyScore(energy, d.cfg.EnergyFloor)
	}
	return min(1, max(0, p))
}

// Reset implements [Detector].
func (d *Neural) Reset() {
	d.tracker.Reset()
	if err := d.model.Reset(); err != nil {
		slog.Warn("vad: model reset failed", "err", err)
	}
}

// Close implements [Detector].
func (d *Neural) Close() error { return d.model.Close() }

func proxyScore(energy, floor float64) float64 {
	if floor <= 0 {
		return 1
	}
	return min(1, energy/(3*floor))
}

var (
	_ Detector = (*EnergyOnly)(nil)
	_ Detector = (*Neural)(nil)
)
