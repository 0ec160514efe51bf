package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/MrWong99/vigil/pkg/profile"
)

const snapshotColumns = `id, profile_id, centroid, model_id, threshold, reason, created_at`

// SwapReference implements [profile.Store]. The snapshot insert and the
// profile update run in one transaction with the profile row locked.
func (s *Store) SwapReference(ctx context.Context, profileID string, expectVersion int64, snap profile.Snapshot, ref profile.Reference) (profile.Profile, error) {
	var out profile.Profile
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var version int64
		err := tx.QueryRow(ctx,
			`SELECT version FROM speaker_profiles WHERE id = $1 FOR UPDATE`,
			profileID).Scan(&version)
		if errors.Is(err, pgx.ErrNoRows) {
			return profile.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lock profile: %w", err)
		}
		if version != expectVersion {
			return profile.ErrVersionConflict
		}

		if snap.ID == "" {
			snap.ID = uuid.NewString()
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO profile_snapshots (id, profile_id, centroid, model_id, threshold, reason)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			snap.ID,
			profileID,
			toVector(snap.Centroid),
			snap.ModelID,
			snap.Threshold,
			snap.Reason,
		)
		if err != nil {
			return fmt.Errorf("insert snapshot: %w", err)
		}

		_, err = tx.Exec(ctx, `
			UPDATE speaker_profiles SET
			    centroid                = $2,
			    model_id                = $3,
			    threshold               = $4,
			    confirmed_since_retrain = CASE WHEN $5 THEN 0 ELSE confirmed_since_retrain END,
			    version                 = version + 1,
			    updated_at              = now()
			WHERE id = $1`,
			profileID,
			toVector(ref.Centroid),
			ref.ModelID,
			ref.Threshold,
			ref.ResetConfirmed,
		)
		if err != nil {
			return fmt.Errorf("update profile: %w", err)
		}

		out, err = scanProfile(tx.QueryRow(ctx, selectProfile+` WHERE p.id = $1`, profileID))
		return err
	})
	if errors.Is(err, profile.ErrNotFound) || errors.Is(err, profile.ErrVersionConflict) {
		return profile.Profile{}, err
	}
	if err != nil {
		return profile.Profile{}, fmt.Errorf("profile store: swap reference: %w", err)
	}
	return out, nil
}

// ListSnapshots implements [profile.Store]. Results are ordered newest first.
func (s *Store) ListSnapshots(ctx context.Context, profileID string) ([]profile.Snapshot, error) {
	q := `SELECT ` + snapshotColumns + ` FROM profile_snapshots WHERE profile_id = $1 ORDER BY seq DESC`
	rows, err := s.pool.Query(ctx, q, profileID)
	if err != nil {
		return nil, fmt.Errorf("profile store: list snapshots: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (profile.Snapshot, error) {
		return scanSnapshot(row)
	})
	if err != nil {
		return nil, fmt.Errorf("profile store: scan snapshots: %w", err)
	}
	if out == nil {
		out = []profile.Snapshot{}
	}
	return out, nil
}

// GetSnapshot implements [profile.Store].
func (s *Store) GetSnapshot(ctx context.Context, profileID, snapshotID string) (profile.Snapshot, error) {
	q := `SELECT ` + snapshotColumns + ` FROM profile_snapshots WHERE profile_id = $1 AND id = $2`
	snap, err := scanSnapshot(s.pool.QueryRow(ctx, q, profileID, snapshotID))
	if err != nil {
		return profile.Snapshot{}, wrapNotFound("get snapshot", err)
	}
	return snap, nil
}

func scanSnapshot(row pgx.Row) (profile.Snapshot, error) {
	var (
		snap profile.Snapshot
		vec  *pgvector.Vector
	)
	if err := row.Scan(
		&snap.ID,
		&snap.ProfileID,
		&vec,
		&snap.ModelID,
		&snap.Threshold,
		&snap.Reason,
		&snap.CreatedAt,
	); err != nil {
		return profile.Snapshot{}, err
	}
	snap.Centroid = fromVector(vec)
	return snap, nil
}
