package recognition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/vigil/internal/embedding"
	"github.com/MrWong99/vigil/internal/observe"
	"github.com/MrWong99/vigil/pkg/profile"
)

// Retrain reasons recorded on snapshots.
const (
	ReasonManual       = "manual"
	ReasonReclassify   = "reclassification"
	ReasonPreRollback  = "pre-rollback"
	ReasonReenrollment = "re-enrollment"
)

// Extractor produces embeddings for enrollment recordings.
// [*embedding.Engine] satisfies it.
type Extractor interface {
	BatchExtract(ctx context.Context, paths []string) (embedding.BatchResult, error)
	ModelID() string
}

// profileLock serialises writes to one profile. retraining marks a
// snapshot/compute/swap in flight; a second one is rejected, not queued.
type profileLock struct {
	mu         sync.Mutex
	retraining atomic.Bool
}

// Learner owns the adaptive decision boundary of every profile.
//
// All methods are safe for concurrent use.
type Learner struct {
	store     profile.Store
	cache     *embedding.CentroidCache
	extractor Extractor
	metrics   *observe.Metrics

	cfg   atomic.Pointer[Config]
	locks sync.Map // user id -> *profileLock
	ids   sync.Map // user id -> profile id
}

// Option configures a [Learner].
type Option func(*Learner)

// WithMetrics records learning metrics on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(l *Learner) { l.metrics = m }
}

// WithExtractor sets the embedding extractor used by [Learner.Enroll].
func WithExtractor(e Extractor) Option {
	return func(l *Learner) { l.extractor = e }
}

// NewLearner creates a Learner over store. References are served through
// cache.
func NewLearner(store profile.Store, cache *embedding.CentroidCache, cfg Config, opts ...Option) (*Learner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("recognition: %w", err)
	}
	l := &Learner{store: store, cache: cache}
	l.cfg.Store(&cfg)
	for _, o := range opts {
		o(l)
	}
	return l, nil
}

// Config returns the active learning configuration.
func (l *Learner) Config() Config { return *l.cfg.Load() }

// SetConfig replaces the learning configuration. Invalid values are rejected
// and the previous configuration stays active.
func (l *Learner) SetConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("recognition: %w", err)
	}
	l.cfg.Store(&cfg)
	return nil
}

// Classify is [Classify] with metrics.
func (l *Learner) Classify(ctx context.Context, emb embedding.Vector, ref embedding.Reference) (Classification, error) {
	cls, err := Classify(emb, ref)
	if err == nil && l.metrics != nil {
		l.metrics.RecordClassification(ctx, cls.IsOwner)
	}
	return cls, err
}

// Reference returns the cached centroid and threshold of the user's profile.
// It returns [ErrProfileNotFound] when the user has no enrolled profile.
func (l *Learner) Reference(ctx context.Context, userID string) (embedding.Reference, error) {
	if id, ok := l.ids.Load(userID); ok {
		ref, err := l.cache.Get(ctx, id.(string), l.load)
		if !errors.Is(err, ErrProfileNotFound) {
			return ref, err
		}
		// The profile may have been recreated under a new id.
		l.ids.Delete(userID)
	}

	p, err := l.profile(ctx, userID)
	if err != nil {
		return embedding.Reference{}, err
	}
	if !p.Enrolled || len(p.Centroid) == 0 {
		return embedding.Reference{}, ErrProfileNotFound
	}
	l.ids.Store(userID, p.ID)
	// Reload by id under the cache's generation so a concurrent retrain or
	// rollback cannot leave the profile read above in the cache.
	return l.cache.Get(ctx, p.ID, l.load)
}

func (l *Learner) load(ctx context.Context, profileID string) (embedding.Reference, error) {
	p, err := l.store.GetProfileByID(ctx, profileID)
	if errors.Is(err, profile.ErrNotFound) {
		return embedding.Reference{}, ErrProfileNotFound
	}
	if err != nil {
		return embedding.Reference{}, fmt.Errorf("recognition: load profile: %w", err)
	}
	if !p.Enrolled || len(p.Centroid) == 0 {
		return embedding.Reference{}, ErrProfileNotFound
	}
	return referenceOf(p), nil
}

// Observe records a classified utterance as an adaptive sample (owner) or a
// negative example (other), evicting the oldest samples beyond the retention
// cap. Nothing is recorded for a frozen profile: the result is (nil, nil).
func (l *Learner) Observe(ctx context.Context, userID string, emb embedding.Vector, cls Classification, audioPath string) (*profile.Sample, error) {
	p, err := l.profile(ctx, userID)
	if err != nil {
		return nil, err
	}
	if p.Frozen {
		return nil, nil
	}

	cfg := l.Config()
	kind, keep := profile.KindNegative, cfg.MaxNegativeSamples
	if cls.IsOwner {
		kind, keep = profile.KindAdaptive, cfg.MaxAdaptiveSamples
	}

	smp, err := l.store.AddSample(ctx, profile.Sample{
		ProfileID:  p.ID,
		Kind:       kind,
		Embedding:  emb.Values,
		ModelID:    emb.ModelID,
		Similarity: cls.Similarity,
		AudioPath:  audioPath,
	})
	if err != nil {
		return nil, fmt.Errorf("recognition: observe: %w", err)
	}
	if n, err := l.store.TrimSamples(ctx, p.ID, kind, keep); err != nil {
		slog.Warn("recognition: trim samples failed", "user_id", userID, "kind", kind, "err", err)
	} else if n > 0 {
		slog.Debug("recognition: evicted samples", "user_id", userID, "kind", kind, "count", n)
	}
	return &smp, nil
}

// ReclassifyResult reports the outcome of [Learner.Reclassify].
type ReclassifyResult struct {
	Sample  profile.Sample
	Profile profile.Profile

	// Retrained is set when the reclassification triggered a retrain.
	Retrained bool
}

// Reclassify moves a sample between the adaptive and negative sets. Moving a
// sample to the owner marks it confirmed; once enough confirmed samples
// accumulated since the last retrain, the profile is retrained exactly once.
// Reclassifying to the sample's current kind is a no-op.
func (l *Learner) Reclassify(ctx context.Context, userID, sampleID string, toOwner bool) (ReclassifyResult, error) {
	lk := l.lock(userID)
	lk.mu.Lock()

	p, err := l.profile(ctx, userID)
	if err != nil {
		lk.mu.Unlock()
		return ReclassifyResult{}, err
	}
	smp, err := l.store.GetSample(ctx, p.ID, sampleID)
	if errors.Is(err, profile.ErrNotFound) {
		lk.mu.Unlock()
		return ReclassifyResult{}, ErrSampleNotFound
	}
	if err != nil {
		lk.mu.Unlock()
		return ReclassifyResult{}, fmt.Errorf("recognition: reclassify: %w", err)
	}

	target := profile.KindNegative
	if toOwner {
		target = profile.KindAdaptive
	}
	if smp.Kind == target {
		lk.mu.Unlock()
		return ReclassifyResult{Sample: smp, Profile: p}, nil
	}

	cfg := l.Config()
	if toOwner {
		smp.Confirmed = true
		p.ConfirmedSinceRetrain++
	} else {
		if smp.Confirmed && p.ConfirmedSinceRetrain > 0 {
			p.ConfirmedSinceRetrain--
		}
		smp.Confirmed = false
	}
	smp.Kind = target

	if err := l.store.UpdateSample(ctx, smp); err != nil {
		lk.mu.Unlock()
		return ReclassifyResult{}, fmt.Errorf("recognition: reclassify: %w", err)
	}
	if p, err = l.store.SaveProfile(ctx, p); err != nil {
		lk.mu.Unlock()
		return ReclassifyResult{}, fmt.Errorf("recognition: reclassify: %w", err)
	}
	lk.mu.Unlock()

	res := ReclassifyResult{Sample: smp, Profile: p}
	if !toOwner || p.Frozen || p.ConfirmedSinceRetrain < cfg.RetrainThreshold {
		return res, nil
	}

	rr, err := l.retrain(ctx, userID, ReasonReclassify, true)
	switch {
	case err == nil && rr.Snapshot != nil:
		res.Profile = rr.Profile
		res.Retrained = true
	case errors.Is(err, ErrRetrainingConflict):
		slog.Info("recognition: retrain already in flight", "user_id", userID)
	case err != nil:
		slog.Warn("recognition: automatic retrain failed", "user_id", userID, "err", err)
	}
	return res, nil
}

// RetrainResult reports the outcome of a retrain.
type RetrainResult struct {
	Profile profile.Profile

	// Snapshot is the saved prior state. Nil when nothing was retrained.
	Snapshot *profile.Snapshot
}

// Retrain recomputes the centroid from the enrollment embeddings plus all
// confirmed adaptive samples, re-derives the threshold, and swaps both in
// atomically after snapshotting the prior state.
func (l *Learner) Retrain(ctx context.Context, userID, reason string) (RetrainResult, error) {
	if reason == "" {
		reason = ReasonManual
	}
	return l.retrain(ctx, userID, reason, false)
}

// retrain runs one snapshot/compute/swap. With onlyIfDue it re-checks the
// confirmation counter under the profile lock and does nothing when another
// retrain already consumed it.
func (l *Learner) retrain(ctx context.Context, userID, reason string, onlyIfDue bool) (res RetrainResult, err error) {
	lk := l.lock(userID)
	if !lk.retraining.CompareAndSwap(false, true) {
		return RetrainResult{}, ErrRetrainingConflict
	}
	defer lk.retraining.Store(false)

	lk.mu.Lock()
	defer lk.mu.Unlock()

	start := time.Now()
	defer func() {
		if l.metrics != nil && (err != nil || res.Snapshot != nil) {
			l.metrics.RecordRetrain(ctx, reason, time.Since(start), err)
		}
	}()

	p, err := l.profile(ctx, userID)
	if err != nil {
		return RetrainResult{}, err
	}
	if !p.Enrolled {
		return RetrainResult{}, ErrProfileNotFound
	}
	if p.Frozen {
		return RetrainResult{}, ErrProfileFrozen
	}
	cfg := l.Config()
	if onlyIfDue && p.ConfirmedSinceRetrain < cfg.RetrainThreshold {
		return RetrainResult{Profile: p}, nil
	}

	training, err := l.trainingVectors(ctx, p)
	if err != nil {
		return RetrainResult{}, err
	}
	if len(training) == 0 {
		return RetrainResult{}, ErrNoTrainingData
	}
	centroid, err := embedding.Centroid(training)
	if err != nil {
		return RetrainResult{}, fmt.Errorf("recognition: retrain: %w", err)
	}
	negatives, err := l.sampleVectors(ctx, p, profile.SampleFilter{Kind: profile.KindNegative})
	if err != nil {
		return RetrainResult{}, err
	}
	threshold := deriveThreshold(cfg, centroid, training, negatives, p.Threshold)

	snap := profile.Snapshot{
		ID:        uuid.NewString(),
		ProfileID: p.ID,
		Centroid:  p.Centroid,
		ModelID:   p.ModelID,
		Threshold: p.Threshold,
		Reason:    reason,
		CreatedAt: time.Now(),
	}
	next, err := l.store.SwapReference(ctx, p.ID, p.Version, snap, profile.Reference{
		Centroid:       centroid.Values,
		ModelID:        centroid.ModelID,
		Threshold:      threshold,
		ResetConfirmed: true,
	})
	if err != nil {
		return RetrainResult{}, fmt.Errorf("recognition: retrain: swap: %w", err)
	}
	l.cache.Invalidate(p.ID)

	slog.Info("recognition: profile retrained",
		"user_id", userID,
		"reason", reason,
		"vectors", len(training),
		"threshold", threshold,
		"version", next.Version,
	)
	return RetrainResult{Profile: next, Snapshot: &snap}, nil
}

// Rollback restores the centroid and threshold of snapshotID exactly, after
// snapshotting the current state. Newer snapshots are kept.
func (l *Learner) Rollback(ctx context.Context, userID, snapshotID string) (p profile.Profile, err error) {
	lk := l.lock(userID)
	if !lk.retraining.CompareAndSwap(false, true) {
		return profile.Profile{}, ErrRetrainingConflict
	}
	defer lk.retraining.Store(false)

	lk.mu.Lock()
	defer lk.mu.Unlock()

	defer func() {
		if l.metrics != nil {
			l.metrics.RecordRollback(ctx, err)
		}
	}()

	cur, err := l.profile(ctx, userID)
	if err != nil {
		return profile.Profile{}, err
	}
	snap, err := l.store.GetSnapshot(ctx, cur.ID, snapshotID)
	if errors.Is(err, profile.ErrNotFound) {
		return profile.Profile{}, ErrSnapshotNotFound
	}
	if err != nil {
		return profile.Profile{}, fmt.Errorf("recognition: rollback: %w", err)
	}

	pre := profile.Snapshot{
		Centroid:  cur.Centroid,
		ModelID:   cur.ModelID,
		Threshold: cur.Threshold,
		Reason:    ReasonPreRollback,
	}
	p, err = l.store.SwapReference(ctx, cur.ID, cur.Version, pre, profile.Reference{
		Centroid:  snap.Centroid,
		ModelID:   snap.ModelID,
		Threshold: snap.Threshold,
	})
	if err != nil {
		return profile.Profile{}, fmt.Errorf("recognition: rollback: swap: %w", err)
	}
	l.cache.Invalidate(cur.ID)

	slog.Info("recognition: profile rolled back", "user_id", userID, "snapshot_id", snapshotID, "version", p.Version)
	return p, nil
}

// SetFrozen pauses or resumes adaptive learning. Classification keeps
// running while frozen.
func (l *Learner) SetFrozen(ctx context.Context, userID string, frozen bool) (profile.Profile, error) {
	lk := l.lock(userID)
	lk.mu.Lock()
	defer lk.mu.Unlock()

	p, err := l.profile(ctx, userID)
	if err != nil {
		return profile.Profile{}, err
	}
	if p.Frozen == frozen {
		return p, nil
	}
	p.Frozen = frozen
	p, err = l.store.SaveProfile(ctx, p)
	if err != nil {
		return profile.Profile{}, fmt.Errorf("recognition: set frozen: %w", err)
	}
	slog.Info("recognition: profile frozen state changed", "user_id", userID, "frozen", frozen)
	return p, nil
}

// ClearNegatives deletes every negative example of the user's profile and
// returns how many were removed.
func (l *Learner) ClearNegatives(ctx context.Context, userID string) (int, error) {
	p, err := l.profile(ctx, userID)
	if err != nil {
		return 0, err
	}
	n, err := l.store.DeleteSamples(ctx, p.ID, profile.KindNegative)
	if err != nil {
		return 0, fmt.Errorf("recognition: clear negatives: %w", err)
	}
	slog.Info("recognition: negatives cleared", "user_id", userID, "count", n)
	return n, nil
}

// Snapshots returns the user's snapshots, newest first.
func (l *Learner) Snapshots(ctx context.Context, userID string) ([]profile.Snapshot, error) {
	p, err := l.profile(ctx, userID)
	if err != nil {
		return nil, err
	}
	snaps, err := l.store.ListSnapshots(ctx, p.ID)
	if err != nil {
		return nil, fmt.Errorf("recognition: list snapshots: %w", err)
	}
	return snaps, nil
}

// Samples returns the user's observed samples, newest first.
func (l *Learner) Samples(ctx context.Context, userID string, f profile.SampleFilter) ([]profile.Sample, error) {
	p, err := l.profile(ctx, userID)
	if err != nil {
		return nil, err
	}
	out, err := l.store.ListSamples(ctx, p.ID, f)
	if err != nil {
		return nil, fmt.Errorf("recognition: list samples: %w", err)
	}
	return out, nil
}

// Profile returns the user's profile.
func (l *Learner) Profile(ctx context.Context, userID string) (profile.Profile, error) {
	return l.profile(ctx, userID)
}

// ─────────────────────────────────────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────────────────────────────────────

func (l *Learner) lock(userID string) *profileLock {
	v, _ := l.locks.LoadOrStore(userID, &profileLock{})
	return v.(*profileLock)
}

func (l *Learner) profile(ctx context.Context, userID string) (profile.Profile, error) {
	p, err := l.store.GetProfile(ctx, userID)
	if errors.Is(err, profile.ErrNotFound) {
		return profile.Profile{}, ErrProfileNotFound
	}
	if err != nil {
		return profile.Profile{}, fmt.Errorf("recognition: get profile: %w", err)
	}
	return p, nil
}

// trainingVectors collects the completed enrollment embeddings and the
// confirmed adaptive samples produced by the profile's model.
func (l *Learner) trainingVectors(ctx context.Context, p profile.Profile) ([]embedding.Vector, error) {
	voice, err := l.store.ListVoiceSamples(ctx, p.ID)
	if err != nil {
		return nil, fmt.Errorf("recognition: list voice samples: %w", err)
	}
	var out []embedding.Vector
	for _, v := range voice {
		if v.Status == profile.StatusCompleted && len(v.Embedding) > 0 && v.ModelID == p.ModelID {
			out = append(out, embedding.NewVector(v.Embedding, v.ModelID))
		}
	}
	confirmed, err := l.sampleVectors(ctx, p, profile.SampleFilter{Kind: profile.KindAdaptive, ConfirmedOnly: true})
	if err != nil {
		return nil, err
	}
	return append(out, confirmed...), nil
}

func (l *Learner) sampleVectors(ctx context.Context, p profile.Profile, f profile.SampleFilter) ([]embedding.Vector, error) {
	samples, err := l.store.ListSamples(ctx, p.ID, f)
	if err != nil {
		return nil, fmt.Errorf("recognition: list samples: %w", err)
	}
	out := make([]embedding.Vector, 0, len(samples))
	for _, s := range samples {
		if len(s.Embedding) > 0 && s.ModelID == p.ModelID {
			out = append(out, embedding.NewVector(s.Embedding, s.ModelID))
		}
	}
	return out, nil
}

func referenceOf(p profile.Profile) embedding.Reference {
	return embedding.Reference{
		ProfileID: p.ID,
		Centroid:  embedding.NewVector(p.Centroid, p.ModelID),
		Threshold: p.Threshold,
		Version:   p.Version,
	}
}
