package recognition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/vigil/internal/embedding"
	"github.com/MrWong99/vigil/pkg/profile"
)

// AddVoiceSample registers an enrollment recording for userID, creating an
// unenrolled profile on first use.
func (l *Learner) AddVoiceSample(ctx context.Context, userID, displayName string, v profile.VoiceSample) (profile.VoiceSample, error) {
	if v.AudioPath == "" {
		return profile.VoiceSample{}, fmt.Errorf("recognition: add voice sample: audio path is required")
	}

	lk := l.lock(userID)
	lk.mu.Lock()
	defer lk.mu.Unlock()

	p, err := l.profile(ctx, userID)
	if errors.Is(err, ErrProfileNotFound) {
		p, err = l.store.SaveProfile(ctx, profile.Profile{UserID: userID, DisplayName: displayName})
	}
	if err != nil {
		return profile.VoiceSample{}, fmt.Errorf("recognition: add voice sample: %w", err)
	}

	v.ProfileID = p.ID
	v.Status = profile.StatusPending
	v.Embedding = nil
	v.Error = ""
	out, err := l.store.AddVoiceSample(ctx, v)
	if err != nil {
		return profile.VoiceSample{}, fmt.Errorf("recognition: add voice sample: %w", err)
	}
	return out, nil
}

// EnrollResult reports the outcome of [Learner.Enroll].
type EnrollResult struct {
	Profile   profile.Profile
	Extracted int
	Failed    int

	model string
}

// Enroll extracts every pending or previously failed voice sample in one
// batch, computes the centroid from all completed recordings, and sets the
// threshold to the user's minimum confidence. Re-enrolling an enrolled
// profile snapshots its prior state first.
func (l *Learner) Enroll(ctx context.Context, userID string) (EnrollResult, error) {
	if l.extractor == nil {
		return EnrollResult{}, errors.New("recognition: enroll: no extractor configured")
	}

	lk := l.lock(userID)
	if !lk.retraining.CompareAndSwap(false, true) {
		return EnrollResult{}, ErrRetrainingConflict
	}
	defer lk.retraining.Store(false)

	lk.mu.Lock()
	defer lk.mu.Unlock()

	p, err := l.profile(ctx, userID)
	if err != nil {
		return EnrollResult{}, err
	}
	voice, err := l.store.ListVoiceSamples(ctx, p.ID)
	if err != nil {
		return EnrollResult{}, fmt.Errorf("recognition: enroll: %w", err)
	}

	var (
		todo  []profile.VoiceSample
		paths []string
	)
	for _, v := range voice {
		if v.Status == profile.StatusPending || v.Status == profile.StatusFailed {
			v.Status = profile.StatusProcessing
			if err := l.store.UpdateVoiceSample(ctx, v); err != nil {
				return EnrollResult{}, fmt.Errorf("recognition: enroll: %w", err)
			}
			todo = append(todo, v)
			paths = append(paths, v.AudioPath)
		}
	}

	res := EnrollResult{}
	if len(todo) > 0 {
		batch, err := l.extractor.BatchExtract(ctx, paths)
		if err != nil && !errors.Is(err, embedding.ErrBatchFailed) {
			l.markFailed(ctx, todo, err)
			return EnrollResult{}, fmt.Errorf("recognition: enroll: %w", err)
		}
		for _, it := range batch.Items {
			v := todo[it.Index]
			if it.Err != nil {
				v.Status = profile.StatusFailed
				v.Error = it.Err.Error()
				res.Failed++
			} else {
				v.Status = profile.StatusCompleted
				v.Embedding = it.Vector.Values
				v.ModelID = it.Vector.ModelID
				v.Error = ""
				res.Extracted++
				if res.model == "" {
					res.model = v.ModelID
				}
			}
			if err := l.store.UpdateVoiceSample(ctx, v); err != nil {
				return EnrollResult{}, fmt.Errorf("recognition: enroll: %w", err)
			}
		}
		if len(batch.Items) == 0 {
			l.markFailed(ctx, todo, err)
			res.Failed = len(todo)
		}
	}

	voice, err = l.store.ListVoiceSamples(ctx, p.ID)
	if err != nil {
		return EnrollResult{}, fmt.Errorf("recognition: enroll: %w", err)
	}
	model := res.model
	if model == "" {
		model = p.ModelID
	}
	if model == "" {
		model = l.extractor.ModelID()
	}
	var vectors []embedding.Vector
	for _, v := range voice {
		if v.Status == profile.StatusCompleted && len(v.Embedding) > 0 && v.ModelID == model {
			vectors = append(vectors, embedding.NewVector(v.Embedding, v.ModelID))
		}
	}
	if len(vectors) == 0 {
		if res.Failed > 0 {
			return res, fmt.Errorf("recognition: enroll: %w", embedding.ErrBatchFailed)
		}
		return res, ErrNoVoiceSamples
	}

	centroid, err := embedding.Centroid(vectors)
	if err != nil {
		return res, fmt.Errorf("recognition: enroll: %w", err)
	}
	threshold := l.minConfidence(ctx, userID)

	if p.Enrolled {
		snap := profile.Snapshot{
			ID:        uuid.NewString(),
			Centroid:  p.Centroid,
			ModelID:   p.ModelID,
			Threshold: p.Threshold,
			Reason:    ReasonReenrollment,
			CreatedAt: time.Now(),
		}
		p, err = l.store.SwapReference(ctx, p.ID, p.Version, snap, profile.Reference{
			Centroid:       centroid.Values,
			ModelID:        centroid.ModelID,
			Threshold:      threshold,
			ResetConfirmed: true,
		})
	} else {
		p.Centroid = centroid.Values
		p.ModelID = centroid.ModelID
		p.Threshold = threshold
		p.Enrolled = true
		p.ConfirmedSinceRetrain = 0
		p.Version++
		p, err = l.store.SaveProfile(ctx, p)
	}
	if err != nil {
		return res, fmt.Errorf("recognition: enroll: %w", err)
	}
	l.cache.Invalidate(p.ID)
	l.ids.Store(userID, p.ID)

	slog.Info("recognition: profile enrolled",
		"user_id", userID,
		"vectors", len(vectors),
		"failed", res.Failed,
		"threshold", threshold,
	)
	res.Profile = p
	return res, nil
}

func (l *Learner) markFailed(ctx context.Context, todo []profile.VoiceSample, cause error) {
	msg := "extraction failed"
	if cause != nil {
		msg = cause.Error()
	}
	for _, v := range todo {
		v.Status = profile.StatusFailed
		v.Error = msg
		if err := l.store.UpdateVoiceSample(ctx, v); err != nil {
			slog.Warn("recognition: mark voice sample failed", "sample_id", v.ID, "err", err)
		}
	}
}

func (l *Learner) minConfidence(ctx context.Context, userID string) float64 {
	st, err := l.store.GetSettings(ctx, userID)
	if err != nil || st.MinConfidence <= 0 {
		return l.Config().DefaultMinConfidence
	}
	return st.MinConfidence
}
