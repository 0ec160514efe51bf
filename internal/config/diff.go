package config

import "fmt"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// ListeningChanged is true if any default for new sessions changed.
	ListeningChanged bool

	// LearningChanged is true if any adaptive learning knob changed.
	LearningChanged bool

	// RestartRequired lists sections that changed but only take effect after
	// a restart (server address, inference backends, storage, cache).
	RestartRequired []string
}

// Changed reports whether d contains any change.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.ListeningChanged || d.LearningChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	d.ListeningChanged = old.Listening != new.Listening
	d.LearningChanged = old.Learning != new.Learning

	if old.Server.ListenAddr != new.Server.ListenAddr || !sameTLS(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !sameInference(old.Inference, new.Inference) {
		d.RestartRequired = append(d.RestartRequired, "inference")
	}
	if old.Storage != new.Storage {
		d.RestartRequired = append(d.RestartRequired, "storage")
	}
	if old.Cache != new.Cache {
		d.RestartRequired = append(d.RestartRequired, "cache")
	}
	return d
}

func sameTLS(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func sameInference(a, b InferenceConfig) bool {
	if a.Timeout != b.Timeout || a.BatchConcurrency != b.BatchConcurrency || a.CircuitBreaker != b.CircuitBreaker {
		return false
	}
	if !sameEntry(a.Embeddings, b.Embeddings) || !sameEntry(a.VAD, b.VAD) || len(a.Fallbacks) != len(b.Fallbacks) {
		return false
	}
	for i := range a.Fallbacks {
		if !sameEntry(a.Fallbacks[i], b.Fallbacks[i]) {
			return false
		}
	}
	return true
}

// sameEntry compares the scalar fields of two entries and the string form of
// their options.
func sameEntry(a, b ProviderEntry) bool {
	if a.Name != b.Name || a.BaseURL != b.BaseURL || a.Model != b.Model || len(a.Options) != len(b.Options) {
		return false
	}
	for k, av := range a.Options {
		bv, ok := b.Options[k]
		if !ok || fmt.Sprint(av) != fmt.Sprint(bv) {
			return false
		}
	}
	return true
}
