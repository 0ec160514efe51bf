package profile

import (
	"context"
	"errors"
)

// ErrNotFound is returned when the requested profile, sample, snapshot or
// settings row does not exist.
var ErrNotFound = errors.New("profile: not found")

// ErrVersionConflict is returned by [Store.SwapReference] when the profile
// changed since the caller read it.
var ErrVersionConflict = errors.New("profile: version conflict")

// Store persists profiles and everything hanging off them.
//
// Returned values are copies; callers may modify them freely.
// All implementations must be safe for concurrent use.
type Store interface {
	// GetProfile returns the profile of userID.
	// Returns [ErrNotFound] when the user has none.
	GetProfile(ctx context.Context, userID string) (Profile, error)

	// GetProfileByID returns a profile by its own id.
	GetProfileByID(ctx context.Context, id string) (Profile, error)

	// SaveProfile creates or replaces the profile of p.UserID. An empty ID is
	// generated. The stored profile is returned.
	SaveProfile(ctx context.Context, p Profile) (Profile, error)

	// DeleteProfile removes the profile of userID together with its voice
	// samples, samples and snapshots.
	DeleteProfile(ctx context.Context, userID string) error

	// AddVoiceSample stores an enrollment recording.
	AddVoiceSample(ctx context.Context, v VoiceSample) (VoiceSample, error)

	// UpdateVoiceSample replaces a stored enrollment recording.
	UpdateVoiceSample(ctx context.Context, v VoiceSample) error

	// ListVoiceSamples returns the enrollment recordings of a profile,
	// oldest first.
	ListVoiceSamples(ctx context.Context, profileID string) ([]VoiceSample, error)

	// AddSample stores an observed sample.
	AddSample(ctx context.Context, s Sample) (Sample, error)

	// GetSample returns one sample of a profile.
	GetSample(ctx context.Context, profileID, sampleID string) (Sample, error)

	// UpdateSample replaces a stored sample.
	UpdateSample(ctx context.Context, s Sample) error

	// ListSamples returns samples newest first.
	ListSamples(ctx context.Context, profileID string, f SampleFilter) ([]Sample, error)

	// TrimSamples deletes the oldest samples of kind beyond keep and returns
	// how many were removed.
	TrimSamples(ctx context.Context, profileID string, kind SampleKind, keep int) (int, error)

	// DeleteSamples removes every sample of kind and returns the count.
	DeleteSamples(ctx context.Context, profileID string, kind SampleKind) (int, error)

	// SwapReference atomically records snap and replaces the profile's
	// reference with ref, bumping Version. It fails with
	// [ErrVersionConflict] if the stored version is not expectVersion.
	SwapReference(ctx context.Context, profileID string, expectVersion int64, snap Snapshot, ref Reference) (Profile, error)

	// ListSnapshots returns the snapshots of a profile, newest first.
	ListSnapshots(ctx context.Context, profileID string) ([]Snapshot, error)

	// GetSnapshot returns one snapshot of a profile.
	GetSnapshot(ctx context.Context, profileID, snapshotID string) (Snapshot, error)

	// GetSettings returns the listening settings of userID.
	// Returns [ErrNotFound] when none were saved.
	GetSettings(ctx context.Context, userID string) (Settings, error)

	// SaveSettings creates or replaces the settings of s.UserID.
	SaveSettings(ctx context.Context, s Settings) (Settings, error)
}
