package api

import (
	"time"

	"github.com/MrWong99/vigil/pkg/profile"
)

// ProfileView is the wire form of a profile. Embeddings are never returned.
type ProfileView struct {
	ID                    string    `json:"id"`
	UserID                string    `json:"user_id"`
	DisplayName           string    `json:"display_name,omitempty"`
	ModelID               string    `json:"model_id,omitempty"`
	Dimensions            int       `json:"dimensions"`
	Threshold             float64   `json:"threshold"`
	Enrolled              bool      `json:"enrolled"`
	Frozen                bool      `json:"frozen"`
	ConfirmedSinceRetrain int       `json:"confirmed_since_retrain"`
	AdaptiveCount         int       `json:"adaptive_count"`
	NegativeCount         int       `json:"negative_count"`
	Version               int64     `json:"version"`
	CreatedAt             time.Time `json:"created_at"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// SampleView is the wire form of an observed sample.
type SampleView struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	Similarity float64   `json:"similarity"`
	Confirmed  bool      `json:"confirmed"`
	HasAudio   bool      `json:"has_audio"`
	ModelID    string    `json:"model_id"`
	CapturedAt time.Time `json:"captured_at"`
}

// SnapshotView is the wire form of a snapshot.
type SnapshotView struct {
	ID        string    `json:"id"`
	ModelID   string    `json:"model_id"`
	Threshold float64   `json:"threshold"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

// VoiceSampleView is the wire form of an enrollment recording.
type VoiceSampleView struct {
	ID         string    `json:"id"`
	Status     string    `json:"status"`
	Phrase     string    `json:"phrase,omitempty"`
	DurationMs int64     `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

func profileView(p profile.Profile) ProfileView {
	return ProfileView{
		ID:                    p.ID,
		UserID:                p.UserID,
		DisplayName:           p.DisplayName,
		ModelID:               p.ModelID,
		Dimensions:            len(p.Centroid),
		Threshold:             p.Threshold,
		Enrolled:              p.Enrolled,
		Frozen:                p.Frozen,
		ConfirmedSinceRetrain: p.ConfirmedSinceRetrain,
		AdaptiveCount:         p.AdaptiveCount,
		NegativeCount:         p.NegativeCount,
		Version:               p.Version,
		CreatedAt:             p.CreatedAt,
		UpdatedAt:             p.UpdatedAt,
	}
}

func sampleView(s profile.Sample) SampleView {
	return SampleView{
		ID:         s.ID,
		Kind:       string(s.Kind),
		Similarity: s.Similarity,
		Confirmed:  s.Confirmed,
		HasAudio:   s.AudioPath != "",
		ModelID:    s.ModelID,
		CapturedAt: s.CapturedAt,
	}
}

func snapshotView(s profile.Snapshot) SnapshotView {
	return SnapshotView{
		ID:        s.ID,
		ModelID:   s.ModelID,
		Threshold: s.Threshold,
		Reason:    s.Reason,
		CreatedAt: s.CreatedAt,
	}
}

func voiceSampleView(v profile.VoiceSample) VoiceSampleView {
	return VoiceSampleView{
		ID:         v.ID,
		Status:     string(v.Status),
		Phrase:     v.Phrase,
		DurationMs: v.Duration.Milliseconds(),
		Error:      v.Error,
		CreatedAt:  v.CreatedAt,
	}
}
