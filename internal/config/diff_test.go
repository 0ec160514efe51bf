package config_test

import (
	"slices"
	"testing"

	"github.com/MrWong99/vigil/internal/config"
)

func baseConfig() *config.Config {
	cfg := &config.Config{
		Inference: config.InferenceConfig{
			Embeddings: config.ProviderEntry{
				Name:    "speechbrain",
				BaseURL: "http://embedder:8001",
				Options: map[string]any{"preprocessing": true},
			},
		},
	}
	cfg.ApplyDefaults()
	return cfg
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	d := config.Diff(baseConfig(), baseConfig())
	if d.Changed() {
		t.Errorf("expected no changes for identical configs, got %+v", d)
	}
}

func TestDiff(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		mutate      func(*config.Config)
		logLevel    bool
		listening   bool
		learning    bool
		restartWant []string
	}{
		{
			name:     "log level",
			mutate:   func(c *config.Config) { c.Server.LogLevel = config.LogDebug },
			logLevel: true,
		},
		{
			name:      "listening defaults",
			mutate:    func(c *config.Config) { c.Listening.Sensitivity = 0.8 },
			listening: true,
		},
		{
			name:     "learning knob",
			mutate:   func(c *config.Config) { c.Learning.RetrainThreshold = 25 },
			learning: true,
		},
		{
			name:        "listen address",
			mutate:      func(c *config.Config) { c.Server.ListenAddr = ":9999" },
			restartWant: []string{"server"},
		},
		{
			name:        "embedding option",
			mutate:      func(c *config.Config) { c.Inference.Embeddings.Options["preprocessing"] = false },
			restartWant: []string{"inference"},
		},
		{
			name: "fallback added",
			mutate: func(c *config.Config) {
				c.Inference.Fallbacks = append(c.Inference.Fallbacks, config.ProviderEntry{Name: "speechbrain"})
			},
			restartWant: []string{"inference"},
		},
		{
			name:        "storage and cache",
			mutate:      func(c *config.Config) { c.Storage.SpoolDir = "/tmp/x"; c.Cache.Capacity = 5 },
			restartWant: []string{"storage", "cache"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			old, updated := baseConfig(), baseConfig()
			tt.mutate(updated)

			d := config.Diff(old, updated)
			if d.LogLevelChanged != tt.logLevel {
				t.Errorf("LogLevelChanged = %v, want %v", d.LogLevelChanged, tt.logLevel)
			}
			if d.ListeningChanged != tt.listening {
				t.Errorf("ListeningChanged = %v, want %v", d.ListeningChanged, tt.listening)
			}
			if d.LearningChanged != tt.learning {
				t.Errorf("LearningChanged = %v, want %v", d.LearningChanged, tt.learning)
			}
			if !slices.Equal(d.RestartRequired, tt.restartWant) {
				t.Errorf("RestartRequired = %v, want %v", d.RestartRequired, tt.restartWant)
			}
			if !d.Changed() {
				t.Error("Changed() = false")
			}
		})
	}
}

func TestDiff_NewLogLevel(t *testing.T) {
	t.Parallel()
	old, updated := baseConfig(), baseConfig()
	updated.Server.LogLevel = config.LogWarn
	if d := config.Diff(old, updated); d.NewLogLevel != config.LogWarn {
		t.Errorf("NewLogLevel = %q, want warn", d.NewLogLevel)
	}
}
