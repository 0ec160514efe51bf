// Package recognition decides whether an utterance belongs to the enrolled
// profile owner and maintains the learned decision boundary: observed
// samples, user reclassification, retraining, snapshots and rollback.
package recognition

import (
	"errors"
	"fmt"

	"github.com/MrWong99/vigil/internal/embedding"
)

// Sentinel errors returned by [Learner].
var (
	// ErrProfileNotFound is returned when the user has no enrolled profile.
	ErrProfileNotFound = errors.New("recognition: profile not found")

	// ErrProfileFrozen is returned when adaptive mutation is requested on a
	// frozen profile.
	ErrProfileFrozen = errors.New("recognition: profile is frozen")

	// ErrRetrainingConflict is returned when a retrain, rollback or
	// enrollment is already in flight for the same profile.
	ErrRetrainingConflict = errors.New("recognition: retraining already in progress")

	ErrSampleNotFound   = errors.New("recognition: sample not found")
	ErrSnapshotNotFound = errors.New("recognition: snapshot not found")

	// ErrNoTrainingData is returned by Retrain when no usable enrollment or
	// confirmed embeddings exist.
	ErrNoTrainingData = errors.New("recognition: no training data")

	// ErrNoVoiceSamples is returned by Enroll when there is nothing to
	// extract.
	ErrNoVoiceSamples = errors.New("recognition: no voice samples")
)

// Classification is the owner decision for one utterance.
type Classification struct {
	IsOwner    bool
	Similarity float64

	// Confidence is the raw similarity. Display scaling is up to callers.
	Confidence float64

	// Threshold is the boundary the decision was made against.
	Threshold float64
}

// Classify compares emb with the reference centroid. The utterance belongs
// to the owner iff the cosine similarity reaches the reference threshold.
func Classify(emb embedding.Vector, ref embedding.Reference) (Classification, error) {
	sim, err := embedding.Similarity(emb, ref.Centroid)
	if err != nil {
		return Classification{}, fmt.Errorf("recognition: classify: %w", err)
	}
	return Classification{
		IsOwner:    sim >= ref.Threshold,
		Similarity: sim,
		Confidence: sim,
		Threshold:  ref.Threshold,
	}, nil
}
