package profile

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Compile-time assertion that MemStore satisfies the Store interface.
var _ Store = (*MemStore)(nil)

type memSample struct {
	Sample
	seq uint64
}

// MemStore is a thread-safe, in-memory implementation of [Store].
// It is suitable for single-process use and testing.
type MemStore struct {
	mu sync.RWMutex

	seq       uint64
	profiles  map[string]Profile // keyed by user id
	byID      map[string]string  // profile id -> user id
	voice     map[string][]VoiceSample
	samples   map[string]map[string]memSample
	snapshots map[string][]Snapshot // oldest first
	settings  map[string]Settings

	now func() time.Time
}

// NewMemStore returns an initialised [MemStore].
func NewMemStore() *MemStore {
	return &MemStore{
		profiles:  make(map[string]Profile),
		byID:      make(map[string]string),
		voice:     make(map[string][]VoiceSample),
		samples:   make(map[string]map[string]memSample),
		snapshots: make(map[string][]Snapshot),
		settings:  make(map[string]Settings),
		now:       time.Now,
	}
}

// GetProfile implements [Store.GetProfile].
func (s *MemStore) GetProfile(_ context.Context, userID string) (Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.profiles[userID]
	if !ok {
		return Profile{}, ErrNotFound
	}
	return s.withCounts(p), nil
}

// GetProfileByID implements [Store.GetProfileByID].
func (s *MemStore) GetProfileByID(ctx context.Context, id string) (Profile, error) {
	s.mu.RLock()
	userID, ok := s.byID[id]
	s.mu.RUnlock()
	if !ok {
		return Profile{}, ErrNotFound
	}
	return s.GetProfile(ctx, userID)
}

// SaveProfile implements [Store.SaveProfile].
func (s *MemStore) SaveProfile(_ context.Context, p Profile) (Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if old, ok := s.profiles[p.UserID]; ok {
		p.ID = old.ID
		p.CreatedAt = old.CreatedAt
	} else {
		if p.ID == "" {
			p.ID = uuid.NewString()
		}
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	p = p.Clone()
	s.profiles[p.UserID] = p
	s.byID[p.ID] = p.UserID
	return s.withCounts(p), nil
}

// DeleteProfile implements [Store.DeleteProfile].
func (s *MemStore) DeleteProfile(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.profiles[userID]
	if !ok {
		return ErrNotFound
	}
	delete(s.profiles, userID)
	delete(s.byID, p.ID)
	delete(s.voice, p.ID)
	delete(s.samples, p.ID)
	delete(s.snapshots, p.ID)
	return nil
}

// AddVoiceSample implements [Store.AddVoiceSample].
func (s *MemStore) AddVoiceSample(_ context.Context, v VoiceSample) (VoiceSample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[v.ProfileID]; !ok {
		return VoiceSample{}, ErrNotFound
	}
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	if v.Status == "" {
		v.Status = StatusPending
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = s.now()
	}
	v = v.Clone()
	s.voice[v.ProfileID] = append(s.voice[v.ProfileID], v)
	return v.Clone(), nil
}

// UpdateVoiceSample implements [Store.UpdateVoiceSample].
func (s *MemStore) UpdateVoiceSample(_ context.Context, v VoiceSample) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.voice[v.ProfileID]
	for i := range list {
		if list[i].ID == v.ID {
			list[i] = v.Clone()
			return nil
		}
	}
	return ErrNotFound
}

// ListVoiceSamples implements [Store.ListVoiceSamples].
func (s *MemStore) ListVoiceSamples(_ context.Context, profileID string) ([]VoiceSample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.voice[profileID]
	out := make([]VoiceSample, len(list))
	for i, v := range list {
		out[i] = v.Clone()
	}
	return out, nil
}

// AddSample implements [Store.AddSample].
func (s *MemStore) AddSample(_ context.Context, smp Sample) (Sample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[smp.ProfileID]; !ok {
		return Sample{}, ErrNotFound
	}
	if smp.ID == "" {
		smp.ID = uuid.NewString()
	}
	if smp.CapturedAt.IsZero() {
		smp.CapturedAt = s.now()
	}
	m := s.samples[smp.ProfileID]
	if m == nil {
		m = make(map[string]memSample)
		s.samples[smp.ProfileID] = m
	}
	s.seq++
	m[smp.ID] = memSample{Sample: smp.Clone(), seq: s.seq}
	return smp.Clone(), nil
}

// GetSample implements [Store.GetSample].
func (s *MemStore) GetSample(_ context.Context, profileID, sampleID string) (Sample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.samples[profileID][sampleID]
	if !ok {
		return Sample{}, ErrNotFound
	}
	return e.Clone(), nil
}

// UpdateSample implements [Store.UpdateSample].
func (s *MemStore) UpdateSample(_ context.Context, smp Sample) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.samples[smp.ProfileID]
	e, ok := m[smp.ID]
	if !ok {
		return ErrNotFound
	}
	e.Sample = smp.Clone()
	m[smp.ID] = e
	return nil
}

// ListSamples implements [Store.ListSamples].
func (s *MemStore) ListSamples(_ context.Context, profileID string, f SampleFilter) ([]Sample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.sortedSamples(profileID, f.Kind)
	slices.Reverse(entries)

	out := make([]Sample, 0, len(entries))
	for _, e := range entries {
		if f.ConfirmedOnly && !e.Confirmed {
			continue
		}
		out = append(out, e.Clone())
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

// TrimSamples implements [Store.TrimSamples].
func (s *MemStore) TrimSamples(_ context.Context, profileID string, kind SampleKind, keep int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.sortedSamples(profileID, kind)
	excess := len(entries) - max(keep, 0)
	if excess <= 0 {
		return 0, nil
	}
	for _, e := range entries[:excess] {
		delete(s.samples[profileID], e.ID)
	}
	return excess, nil
}

// DeleteSamples implements [Store.DeleteSamples].
func (s *MemStore) DeleteSamples(_ context.Context, profileID string, kind SampleKind) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, e := range s.samples[profileID] {
		if e.Kind == kind {
			delete(s.samples[profileID], id)
			n++
		}
	}
	return n, nil
}

// SwapReference implements [Store.SwapReference].
func (s *MemStore) SwapReference(_ context.Context, profileID string, expectVersion int64, snap Snapshot, ref Reference) (Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	userID, ok := s.byID[profileID]
	if !ok {
		return Profile{}, ErrNotFound
	}
	p := s.profiles[userID]
	if p.Version != expectVersion {
		return Profile{}, ErrVersionConflict
	}

	now := s.now()
	if snap.ID == "" {
		snap.ID = uuid.NewString()
	}
	snap.ProfileID = profileID
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = now
	}
	s.snapshots[profileID] = append(s.snapshots[profileID], snap.Clone())

	p.Centroid = cloneFloats(ref.Centroid)
	p.ModelID = ref.ModelID
	p.Threshold = ref.Threshold
	if ref.ResetConfirmed {
		p.ConfirmedSinceRetrain = 0
	}
	p.Version++
	p.UpdatedAt = now
	s.profiles[userID] = p
	return s.withCounts(p.Clone()), nil
}

// ListSnapshots implements [Store.ListSnapshots].
func (s *MemStore) ListSnapshots(_ context.Context, profileID string) ([]Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.snapshots[profileID]
	out := make([]Snapshot, 0, len(list))
	for i := len(list) - 1; i >= 0; i-- {
		out = append(out, list[i].Clone())
	}
	return out, nil
}

// GetSnapshot implements [Store.GetSnapshot].
func (s *MemStore) GetSnapshot(_ context.Context, profileID, snapshotID string) (Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, snap := range s.snapshots[profileID] {
		if snap.ID == snapshotID {
			return snap.Clone(), nil
		}
	}
	return Snapshot{}, ErrNotFound
}

// GetSettings implements [Store.GetSettings].
func (s *MemStore) GetSettings(_ context.Context, userID string) (Settings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.settings[userID]
	if !ok {
		return Settings{}, ErrNotFound
	}
	return st, nil
}

// SaveSettings implements [Store.SaveSettings].
func (s *MemStore) SaveSettings(_ context.Context, st Settings) (Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st.UpdatedAt = s.now()
	s.settings[st.UserID] = st
	return st, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────────────────────────────────────

// sortedSamples returns the samples of kind (or all when kind is empty),
// oldest first. Callers must hold s.mu.
func (s *MemStore) sortedSamples(profileID string, kind SampleKind) []memSample {
	m := s.samples[profileID]
	out := make([]memSample, 0, len(m))
	for _, e := range m {
		if kind == "" || e.Kind == kind {
			out = append(out, e)
		}
	}
	slices.SortFunc(out, func(a, b memSample) int {
		if c := a.CapturedAt.Compare(b.CapturedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.seq, b.seq)
	})
	return out
}

// withCounts fills the derived sample counters. Callers must hold s.mu.
func (s *MemStore) withCounts(p Profile) Profile {
	p.AdaptiveCount, p.NegativeCount = 0, 0
	for _, e := range s.samples[p.ID] {
		switch e.Kind {
		case KindAdaptive:
			p.AdaptiveCount++
		case KindNegative:
			p.NegativeCount++
		}
	}
	return p.Clone()
}
