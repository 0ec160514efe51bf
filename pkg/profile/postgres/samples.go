package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/MrWong99/vigil/pkg/profile"
)

// ─────────────────────────────────────────────────────────────────────────────
// Voice samples (enrollment)
// ─────────────────────────────────────────────────────────────────────────────

// AddVoiceSample implements [profile.Store].
func (s *Store) AddVoiceSample(ctx context.Context, v profile.VoiceSample) (profile.VoiceSample, error) {
	const q = `
		INSERT INTO voice_samples
		    (id, profile_id, audio_path, duration_ms, status, phrase, embedding, model_id, error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, COALESCE($10, now()))
		RETURNING created_at`

	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	if v.Status == "" {
		v.Status = profile.StatusPending
	}
	var created *time.Time
	if !v.CreatedAt.IsZero() {
		created = &v.CreatedAt
	}
	err := s.pool.QueryRow(ctx, q,
		v.ID,
		v.ProfileID,
		v.AudioPath,
		v.Duration.Milliseconds(),
		string(v.Status),
		v.Phrase,
		toVector(v.Embedding),
		v.ModelID,
		v.Error,
		created,
	).Scan(&v.CreatedAt)
	if err != nil {
		return profile.VoiceSample{}, fmt.Errorf("profile store: add voice sample: %w", err)
	}
	return v, nil
}

// UpdateVoiceSample implements [profile.Store].
func (s *Store) UpdateVoiceSample(ctx context.Context, v profile.VoiceSample) error {
	const q = `
		UPDATE voice_samples SET
		    audio_path  = $3,
		    duration_ms = $4,
		    status      = $5,
		    phrase      = $6,
		    embedding   = $7,
		    model_id    = $8,
		    error       = $9
		WHERE id = $1 AND profile_id = $2`

	tag, err := s.pool.Exec(ctx, q,
		v.ID,
		v.ProfileID,
		v.AudioPath,
		v.Duration.Milliseconds(),
		string(v.Status),
		v.Phrase,
		toVector(v.Embedding),
		v.ModelID,
		v.Error,
	)
	if err != nil {
		return fmt.Errorf("profile store: update voice sample: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return profile.ErrNotFound
	}
	return nil
}

// ListVoiceSamples implements [profile.Store].
func (s *Store) ListVoiceSamples(ctx context.Context, profileID string) ([]profile.VoiceSample, error) {
	const q = `
		SELECT id, profile_id, audio_path, duration_ms, status, phrase, embedding, model_id, error, created_at
		FROM   voice_samples
		WHERE  profile_id = $1
		ORDER  BY seq`

	rows, err := s.pool.Query(ctx, q, profileID)
	if err != nil {
		return nil, fmt.Errorf("profile store: list voice samples: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (profile.VoiceSample, error) {
		var (
			v      profile.VoiceSample
			ms     int64
			status string
			vec    *pgvector.Vector
		)
		if err := row.Scan(
			&v.ID,
			&v.ProfileID,
			&v.AudioPath,
			&ms,
			&status,
			&v.Phrase,
			&vec,
			&v.ModelID,
			&v.Error,
			&v.CreatedAt,
		); err != nil {
			return profile.VoiceSample{}, err
		}
		v.Duration = time.Duration(ms) * time.Millisecond
		v.Status = profile.SampleStatus(status)
		v.Embedding = fromVector(vec)
		return v, nil
	})
	if err != nil {
		return nil, fmt.Errorf("profile store: scan voice samples: %w", err)
	}
	if out == nil {
		out = []profile.VoiceSample{}
	}
	return out, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Learning samples
// ─────────────────────────────────────────────────────────────────────────────

const sampleColumns = `id, profile_id, kind, embedding, model_id, similarity, audio_path, confirmed, captured_at`

// AddSample implements [profile.Store].
func (s *Store) AddSample(ctx context.Context, smp profile.Sample) (profile.Sample, error) {
	const q = `
		INSERT INTO learning_samples (` + sampleColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, COALESCE($9, now()))
		RETURNING captured_at`

	if smp.ID == "" {
		smp.ID = uuid.NewString()
	}
	var captured *time.Time
	if !smp.CapturedAt.IsZero() {
		captured = &smp.CapturedAt
	}
	err := s.pool.QueryRow(ctx, q,
		smp.ID,
		smp.ProfileID,
		string(smp.Kind),
		toVector(smp.Embedding),
		smp.ModelID,
		smp.Similarity,
		smp.AudioPath,
		smp.Confirmed,
		captured,
	).Scan(&smp.CapturedAt)
	if err != nil {
		return profile.Sample{}, fmt.Errorf("profile store: add sample: %w", err)
	}
	return smp, nil
}

// GetSample implements [profile.Store].
func (s *Store) GetSample(ctx context.Context, profileID, sampleID string) (profile.Sample, error) {
	q := `SELECT ` + sampleColumns + ` FROM learning_samples WHERE profile_id = $1 AND id = $2`
	smp, err := scanSample(s.pool.QueryRow(ctx, q, profileID, sampleID))
	if err != nil {
		return profile.Sample{}, wrapNotFound("get sample", err)
	}
	return smp, nil
}

// UpdateSample implements [profile.Store].
func (s *Store) UpdateSample(ctx context.Context, smp profile.Sample) error {
	const q = `
		UPDATE learning_samples SET
		    kind       = $3,
		    embedding  = $4,
		    model_id   = $5,
		    similarity = $6,
		    audio_path = $7,
		    confirmed  = $8
		WHERE profile_id = $1 AND id = $2`

	tag, err := s.pool.Exec(ctx, q,
		smp.ProfileID,
		smp.ID,
		string(smp.Kind),
		toVector(smp.Embedding),
		smp.ModelID,
		smp.Similarity,
		smp.AudioPath,
		smp.Confirmed,
	)
	if err != nil {
		return fmt.Errorf("profile store: update sample: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return profile.ErrNotFound
	}
	return nil
}

// ListSamples implements [profile.Store]. Results are ordered newest first.
func (s *Store) ListSamples(ctx context.Context, profileID string, f profile.SampleFilter) ([]profile.Sample, error) {
	args := []any{profileID}
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	conditions := []string{"profile_id = $1"}
	if f.Kind != "" {
		conditions = append(conditions, "kind = "+next(string(f.Kind)))
	}
	if f.ConfirmedOnly {
		conditions = append(conditions, "confirmed")
	}

	limitClause := ""
	if f.Limit > 0 {
		limitClause = "LIMIT " + next(f.Limit)
	}

	q := fmt.Sprintf(`
		SELECT %s
		FROM   learning_samples
		WHERE  %s
		ORDER  BY captured_at DESC, seq DESC
		%s`, sampleColumns, strings.Join(conditions, "\n  AND "), limitClause)

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("profile store: list samples: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (profile.Sample, error) {
		return scanSample(row)
	})
	if err != nil {
		return nil, fmt.Errorf("profile store: scan samples: %w", err)
	}
	if out == nil {
		out = []profile.Sample{}
	}
	return out, nil
}

// TrimSamples implements [profile.Store].
func (s *Store) TrimSamples(ctx context.Context, profileID string, kind profile.SampleKind, keep int) (int, error) {
	const q = `
		DELETE FROM learning_samples
		WHERE id IN (
		    SELECT id FROM learning_samples
		    WHERE  profile_id = $1 AND kind = $2
		    ORDER  BY captured_at DESC, seq DESC
		    OFFSET $3
		)`

	tag, err := s.pool.Exec(ctx, q, profileID, string(kind), max(keep, 0))
	if err != nil {
		return 0, fmt.Errorf("profile store: trim samples: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// DeleteSamples implements [profile.Store].
func (s *Store) DeleteSamples(ctx context.Context, profileID string, kind profile.SampleKind) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM learning_samples WHERE profile_id = $1 AND kind = $2`,
		profileID, string(kind))
	if err != nil {
		return 0, fmt.Errorf("profile store: delete samples: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func scanSample(row pgx.Row) (profile.Sample, error) {
	var (
		smp  profile.Sample
		kind string
		vec  *pgvector.Vector
	)
	err := row.Scan(
		&smp.ID,
		&smp.ProfileID,
		&kind,
		&vec,
		&smp.ModelID,
		&smp.Similarity,
		&smp.AudioPath,
		&smp.Confirmed,
		&smp.CapturedAt,
	)
	if err != nil {
		return profile.Sample{}, err
	}
	smp.Kind = profile.SampleKind(kind)
	smp.Embedding = fromVector(vec)
	return smp, nil
}
