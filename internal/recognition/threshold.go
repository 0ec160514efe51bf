package recognition

import (
	"errors"
	"fmt"
	"math"

	"github.com/MrWong99/vigil/internal/embedding"
)

// Config tunes the learning loop. All fields are hot-reloadable through
// [Learner.SetConfig].
type Config struct {
	// RetrainThreshold is the number of user-confirmed owner samples since
	// the last retrain that triggers an automatic retrain.
	RetrainThreshold int

	// MaxAdaptiveSamples and MaxNegativeSamples cap sample retention per
	// profile. The oldest samples are evicted first.
	MaxAdaptiveSamples int
	MaxNegativeSamples int

	// MinThreshold and MaxThreshold bound derived owner thresholds.
	MinThreshold float64
	MaxThreshold float64

	// ThresholdMargin is kept between the derived threshold and the most
	// similar negative example.
	ThresholdMargin float64

	// DefaultMinConfidence is the enrollment threshold for users without
	// saved settings.
	DefaultMinConfidence float64
}

// DefaultConfig returns the learning defaults.
func DefaultConfig() Config {
	return Config{
		RetrainThreshold:     10,
		MaxAdaptiveSamples:   200,
		MaxNegativeSamples:   200,
		MinThreshold:         0.5,
		MaxThreshold:         0.95,
		ThresholdMargin:      0.02,
		DefaultMinConfidence: 0.7,
	}
}

// Validate reports every invalid field.
func (c Config) Validate() error {
	var errs []error
	if c.RetrainThreshold < 1 {
		errs = append(errs, fmt.Errorf("retrain_threshold must be >= 1, got %d", c.RetrainThreshold))
	}
	if c.MaxAdaptiveSamples < 1 {
		errs = append(errs, fmt.Errorf("max_adaptive_samples must be >= 1, got %d", c.MaxAdaptiveSamples))
	}
	if c.MaxNegativeSamples < 1 {
		errs = append(errs, fmt.Errorf("max_negative_samples must be >= 1, got %d", c.MaxNegativeSamples))
	}
	if c.MinThreshold < 0 || c.MaxThreshold > 1 || c.MinThreshold > c.MaxThreshold {
		errs = append(errs, fmt.Errorf("threshold bounds must satisfy 0 <= min <= max <= 1, got [%v, %v]", c.MinThreshold, c.MaxThreshold))
	}
	if c.ThresholdMargin < 0 {
		errs = append(errs, fmt.Errorf("threshold_margin must be >= 0, got %v", c.ThresholdMargin))
	}
	if c.DefaultMinConfidence < 0 || c.DefaultMinConfidence > 1 {
		errs = append(errs, fmt.Errorf("default_min_confidence must be in [0, 1], got %v", c.DefaultMinConfidence))
	}
	return errors.Join(errs...)
}

// deriveThreshold computes the owner threshold for a new centroid.
//
// The base is mean - 2*stddev of the training similarities to the centroid.
// It is raised to clear the most similar negative example by the margin,
// but never above the training mean, then clamped to the configured bounds.
// With fewer than two training vectors the previous threshold is kept.
func deriveThreshold(cfg Config, centroid embedding.Vector, training, negatives []embedding.Vector, previous float64) float64 {
	if len(training) < 2 {
		return previous
	}

	sims := make([]float64, 0, len(training))
	for _, v := range training {
		if s, err := embedding.Similarity(v, centroid); err == nil {
			sims = append(sims, s)
		}
	}
	if len(sims) < 2 {
		return previous
	}

	var sum float64
	for _, s := range sims {
		sum += s
	}
	mean := sum / float64(len(sims))
	var sq float64
	for _, s := range sims {
		sq += (s - mean) * (s - mean)
	}
	std := math.Sqrt(sq / float64(len(sims)))

	t := mean - 2*std

	maxNeg := math.Inf(-1)
	for _, v := range negatives {
		if s, err := embedding.Similarity(v, centroid); err == nil && s > maxNeg {
			maxNeg = s
		}
	}
	if !math.IsInf(maxNeg, -1) {
		t = math.Max(t, math.Min(maxNeg+cfg.ThresholdMargin, mean))
	}

	return math.Min(math.Max(t, cfg.MinThreshold), cfg.MaxThreshold)
}
