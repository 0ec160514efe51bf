package vad

import (
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/vigil/pkg/audio"
)

// Config tunes a [Detector]. The zero value is not valid; start from
// [DefaultConfig].
type Config struct {
	// Format is the PCM layout and analysis frame length.
	Format audio.Format

	// Sensitivity in [0, 1]. Higher values lower the effective speech
	// threshold.
	Sensitivity float64

	// SilenceDuration is how long a silence run must last before an active
	// utterance is considered ended.
	SilenceDuration time.Duration

	// EnergyFloor is the RMS energy at or below which a frame is treated as
	// silence without consulting the model.
	EnergyFloor float64

	// BaseThreshold is the model score threshold at sensitivity 1.
	BaseThreshold float64

	// MinSpeechFrames is the number of consecutive speech frames required
	// before an utterance is confirmed.
	MinSpeechFrames int

	// ModelTimeout bounds one neural model call. Zero disables the bound.
	ModelTimeout time.Duration
}

// DefaultConfig returns the detector defaults: 100 ms frames at 16 kHz,
// sensitivity 0.5, 1500 ms silence, energy floor 0.01, base threshold 0.5
// and three confirming frames.
func DefaultConfig() Config {
	return Config{
		Format:          audio.Format{SampleRate: 16000, FrameMs: 100},
		Sensitivity:     0.5,
		SilenceDuration: 1500 * time.Millisecond,
		EnergyFloor:     0.01,
		BaseThreshold:   0.5,
		MinSpeechFrames: 3,
		ModelTimeout:    50 * time.Millisecond,
	}
}

// EffectiveThreshold returns the score a frame must exceed to count as
// speech: BaseThreshold × (2 − Sensitivity).
func (c Config) EffectiveThreshold() float64 {
	return c.BaseThreshold * (2 - c.Sensitivity)
}

// Validate checks the configuration and returns all problems joined.
func (c Config) Validate() error {
	var errs []error
	if err := audio.ValidateRate(c.Format.SampleRate); err != nil {
		errs = append(errs, fmt.Errorf("vad: %w", err))
	}
	if c.Format.FrameMs <= 0 {
		errs = append(errs, fmt.Errorf("vad: frame length must be positive, got %d ms", c.Format.FrameMs))
	}
	if c.Sensitivity < 0 || c.Sensitivity > 1 {
		errs = append(errs, fmt.Errorf("vad: sensitivity %v out of range [0, 1]", c.Sensitivity))
	}
	if c.SilenceDuration <= 0 {
		errs = append(errs, errors.New("vad: silence duration must be positive"))
	}
	if c.EnergyFloor < 0 {
		errs = append(errs, fmt.Errorf("vad: energy floor must not be negative, got %v", c.EnergyFloor))
	}
	if c.BaseThreshold <= 0 || c.BaseThreshold > 1 {
		errs = append(errs, fmt.Errorf("vad: base threshold %v out of range (0, 1]", c.BaseThreshold))
	}
	if c.MinSpeechFrames < 1 {
		errs = append(errs, fmt.Errorf("vad: min speech frames must be at least 1, got %d", c.MinSpeechFrames))
	}
	return errors.Join(errs...)
}
