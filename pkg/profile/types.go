// Package profile holds the persistent data model of speaker recognition:
// one [Profile] per user, its enrollment [VoiceSample]s, the [Sample]s
// collected while listening, immutable [Snapshot]s of past reference states,
// and per-user listening [Settings].
//
// Storage is abstracted behind [Store]. [MemStore] is an in-memory
// implementation for tests and single-process deployments; the postgres
// subpackage persists to PostgreSQL with pgvector.
package profile

import (
	"time"
)

// SampleStatus is the processing state of an enrollment [VoiceSample].
type SampleStatus string

const (
	StatusPending    SampleStatus = "pending"
	StatusProcessing SampleStatus = "processing"
	StatusCompleted  SampleStatus = "completed"
	StatusFailed     SampleStatus = "failed"
)

// SampleKind distinguishes utterances attributed to the owner from those
// attributed to someone else.
type SampleKind string

const (
	KindAdaptive SampleKind = "adaptive"
	KindNegative SampleKind = "negative"
)

// Valid reports whether k is a known kind.
func (k SampleKind) Valid() bool {
	return k == KindAdaptive || k == KindNegative
}

// Profile is the learned voice identity of one user.
//
// AdaptiveCount and NegativeCount are derived from the stored samples on
// read; writes ignore them.
type Profile struct {
	ID          string
	UserID      string
	DisplayName string

	// Centroid is the reference embedding. Empty until enrolled.
	Centroid []float32
	ModelID  string

	// Threshold is the minimum cosine similarity for the owner.
	Threshold float64

	Enrolled bool
	Frozen   bool

	// ConfirmedSinceRetrain counts user-confirmed owner samples since the
	// last retrain.
	ConfirmedSinceRetrain int

	AdaptiveCount int
	NegativeCount int

	// Version increases with every reference change (retrain, rollback,
	// enrollment).
	Version int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// VoiceSample is an enrollment recording.
type VoiceSample struct {
	ID        string
	ProfileID string
	AudioPath string
	Duration  time.Duration
	Status    SampleStatus
	Phrase    string
	Embedding []float32
	ModelID   string
	Error     string
	CreatedAt time.Time
}

// Sample is an utterance observed while listening, kept as an adaptive
// (owner) sample or a negative example.
type Sample struct {
	ID         string
	ProfileID  string
	Kind       SampleKind
	Embedding  []float32
	ModelID    string
	Similarity float64
	AudioPath  string

	// Confirmed is set once the user explicitly attributed the sample to
	// themselves.
	Confirmed  bool
	CapturedAt time.Time
}

// Snapshot is an immutable copy of a profile's reference state taken before
// it changed.
type Snapshot struct {
	ID        string
	ProfileID string
	Centroid  []float32
	ModelID   string
	Threshold float64
	Reason    string
	CreatedAt time.Time
}

// Reference is the part of a profile replaced atomically by retraining and
// rollback.
type Reference struct {
	Centroid  []float32
	ModelID   string
	Threshold float64

	// ResetConfirmed zeroes ConfirmedSinceRetrain.
	ResetConfirmed bool
}

// Settings are the per-user listening preferences.
type Settings struct {
	UserID string

	// Sensitivity in [0, 1]; higher detects quieter speech.
	Sensitivity float64

	// SilenceMs is the trailing silence that ends an utterance.
	SilenceMs int

	// MinConfidence is the initial owner threshold set at enrollment.
	MinConfidence float64

	SampleRate int

	// AutoDelete removes spooled utterance audio after extraction.
	AutoDelete bool

	UpdatedAt time.Time
}

// SampleFilter narrows [Store.ListSamples].
type SampleFilter struct {
	// Kind restricts results to one kind. Empty means both.
	Kind SampleKind

	// ConfirmedOnly returns only confirmed samples.
	ConfirmedOnly bool

	// Limit caps the number of results. Zero means no limit.
	Limit int
}

func cloneFloats(v []float32) []float32 {
	if v == nil {
		return nil
	}
	out := make([]float32, len(v))
	copy(out, v)
	return out
}

// Clone returns a deep copy of p.
func (p Profile) Clone() Profile {
	p.Centroid = cloneFloats(p.Centroid)
	return p
}

// Clone returns a deep copy of s.
func (s Sample) Clone() Sample {
	s.Embedding = cloneFloats(s.Embedding)
	return s
}

// Clone returns a deep copy of s.
func (s Snapshot) Clone() Snapshot {
	s.Centroid = cloneFloats(s.Centroid)
	return s
}

// Clone returns a deep copy of v.
func (v VoiceSample) Clone() VoiceSample {
	v.Embedding = cloneFloats(v.Embedding)
	return v
}
