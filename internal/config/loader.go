package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/vigil/pkg/audio"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"embeddings": {"speechbrain"},
	"vad":        {"silero"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, fills defaults and validates
// the result. Useful in tests where configs are constructed from string
// literals. An empty document yields the default configuration.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.ApplyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil && (cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}
	if cfg.Server.ShutdownTimeout < 0 {
		errs = append(errs, fmt.Errorf("server.shutdown_timeout %v must not be negative", cfg.Server.ShutdownTimeout))
	}

	// Inference
	if cfg.Inference.Embeddings.Name == "" {
		errs = append(errs, errors.New("inference.embeddings.name is required"))
	}
	validateProviderName("embeddings", cfg.Inference.Embeddings.Name)
	for i, fb := range cfg.Inference.Fallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("inference.fallbacks[%d].name is required", i))
		}
		validateProviderName("embeddings", fb.Name)
	}
	validateProviderName("vad", cfg.Inference.VAD.Name)
	if cfg.Inference.Timeout < 0 {
		errs = append(errs, fmt.Errorf("inference.timeout %v must not be negative", cfg.Inference.Timeout))
	}
	if cfg.Inference.BatchConcurrency < 0 {
		errs = append(errs, fmt.Errorf("inference.batch_concurrency %d must not be negative", cfg.Inference.BatchConcurrency))
	}

	// Storage
	if cfg.Storage.EmbeddingDimensions < 0 {
		errs = append(errs, fmt.Errorf("storage.embedding_dimensions %d must be positive", cfg.Storage.EmbeddingDimensions))
	}
	if cfg.Storage.PostgresDSN == "" {
		slog.Warn("storage.postgres_dsn is empty; voice profiles will be kept in memory only")
	}

	// Listening
	l := cfg.Listening
	if l.SampleRate < audio.MinSampleRate || l.SampleRate > audio.MaxSampleRate {
		errs = append(errs, fmt.Errorf("listening.sample_rate %d is out of range [%d, %d]", l.SampleRate, audio.MinSampleRate, audio.MaxSampleRate))
	}
	if l.FrameMs <= 0 || l.SampleRate*l.FrameMs%1000 != 0 {
		errs = append(errs, fmt.Errorf("listening.frame_ms %d must be positive and yield a whole number of samples", l.FrameMs))
	}
	if l.Sensitivity < 0 || l.Sensitivity > 1 {
		errs = append(errs, fmt.Errorf("listening.sensitivity %.2f is out of range [0, 1]", l.Sensitivity))
	}
	if l.SilenceMs <= 0 {
		errs = append(errs, fmt.Errorf("listening.silence_ms %d must be positive", l.SilenceMs))
	}
	if l.MinConfidence < 0 || l.MinConfidence > 1 {
		errs = append(errs, fmt.Errorf("listening.min_confidence %.2f is out of range [0, 1]", l.MinConfidence))
	}
	if l.BaseThreshold <= 0 || l.BaseThreshold > 1 {
		errs = append(errs, fmt.Errorf("listening.base_threshold %.2f is out of range (0, 1]", l.BaseThreshold))
	}
	if l.EnergyFloor < 0 {
		errs = append(errs, fmt.Errorf("listening.energy_floor %v must not be negative", l.EnergyFloor))
	}
	if l.MinSpeechFrames < 1 {
		errs = append(errs, fmt.Errorf("listening.min_speech_frames %d must be at least 1", l.MinSpeechFrames))
	}
	if l.MaxFailures < 1 {
		errs = append(errs, fmt.Errorf("listening.max_failures %d must be at least 1", l.MaxFailures))
	}

	// Cache
	if cfg.Cache.Capacity < 1 {
		errs = append(errs, fmt.Errorf("cache.capacity %d must be at least 1", cfg.Cache.Capacity))
	}

	// Learning
	g := cfg.Learning
	if g.RetrainThreshold < 1 {
		errs = append(errs, fmt.Errorf("learning.retrain_threshold %d must be at least 1", g.RetrainThreshold))
	}
	if g.MaxAdaptiveSamples < 1 || g.MaxNegativeSamples < 1 {
		errs = append(errs, errors.New("learning.max_adaptive_samples and max_negative_samples must be at least 1"))
	}
	if g.MinThreshold < 0 || g.MaxThreshold > 1 || g.MinThreshold > g.MaxThreshold {
		errs = append(errs, fmt.Errorf("learning threshold bounds [%.2f, %.2f] are invalid", g.MinThreshold, g.MaxThreshold))
	}
	if g.ThresholdMargin < 0 {
		errs = append(errs, fmt.Errorf("learning.threshold_margin %.2f must not be negative", g.ThresholdMargin))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
