package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/MrWong99/vigil/pkg/profile"
)

// Compile-time interface check.
var _ profile.Store = (*Store)(nil)

// Store is the PostgreSQL-backed [profile.Store]. All operations are safe for
// concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store, establishes a connection pool to the
// PostgreSQL database at dsn, registers pgvector types on every connection,
// and runs [Migrate].
func NewStore(ctx context.Context, dsn string, embeddingDimensions int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool, embeddingDimensions); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Ping checks connectivity. It is used by readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all connections held by the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}

// ─────────────────────────────────────────────────────────────────────────────
// Profiles
// ─────────────────────────────────────────────────────────────────────────────

const selectProfile = `
	SELECT p.id, p.user_id, p.display_name, p.centroid, p.model_id, p.threshold,
	       p.enrolled, p.frozen, p.confirmed_since_retrain, p.version,
	       p.created_at, p.updated_at,
	       (SELECT count(*) FROM learning_samples s WHERE s.profile_id = p.id AND s.kind = 'adaptive'),
	       (SELECT count(*) FROM learning_samples s WHERE s.profile_id = p.id AND s.kind = 'negative')
	FROM   speaker_profiles p`

// GetProfile implements [profile.Store].
func (s *Store) GetProfile(ctx context.Context, userID string) (profile.Profile, error) {
	p, err := scanProfile(s.pool.QueryRow(ctx, selectProfile+` WHERE p.user_id = $1`, userID))
	if err != nil {
		return profile.Profile{}, wrapNotFound("get profile", err)
	}
	return p, nil
}

// GetProfileByID implements [profile.Store].
func (s *Store) GetProfileByID(ctx context.Context, id string) (profile.Profile, error) {
	p, err := scanProfile(s.pool.QueryRow(ctx, selectProfile+` WHERE p.id = $1`, id))
	if err != nil {
		return profile.Profile{}, wrapNotFound("get profile", err)
	}
	return p, nil
}

// SaveProfile implements [profile.Store]. An existing row of the same user
// keeps its id and creation time.
func (s *Store) SaveProfile(ctx context.Context, p profile.Profile) (profile.Profile, error) {
	const q = `
		INSERT INTO speaker_profiles
		    (id, user_id, display_name, centroid, model_id, threshold, enrolled, frozen,
		     confirmed_since_retrain, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now(), now())
		ON CONFLICT (user_id) DO UPDATE SET
		    display_name            = EXCLUDED.display_name,
		    centroid                = EXCLUDED.centroid,
		    model_id                = EXCLUDED.model_id,
		    threshold               = EXCLUDED.threshold,
		    enrolled                = EXCLUDED.enrolled,
		    frozen                  = EXCLUDED.frozen,
		    confirmed_since_retrain = EXCLUDED.confirmed_since_retrain,
		    version                 = EXCLUDED.version,
		    updated_at              = now()`

	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	_, err := s.pool.Exec(ctx, q,
		p.ID,
		p.UserID,
		p.DisplayName,
		toVector(p.Centroid),
		p.ModelID,
		p.Threshold,
		p.Enrolled,
		p.Frozen,
		p.ConfirmedSinceRetrain,
		p.Version,
	)
	if err != nil {
		return profile.Profile{}, fmt.Errorf("profile store: save profile: %w", err)
	}
	return s.GetProfile(ctx, p.UserID)
}

// DeleteProfile implements [profile.Store]. Samples and snapshots are removed
// by ON DELETE CASCADE.
func (s *Store) DeleteProfile(ctx context.Context, userID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM speaker_profiles WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("profile store: delete profile: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return profile.ErrNotFound
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Settings
// ─────────────────────────────────────────────────────────────────────────────

// GetSettings implements [profile.Store].
func (s *Store) GetSettings(ctx context.Context, userID string) (profile.Settings, error) {
	const q = `
		SELECT user_id, sensitivity, silence_ms, min_confidence, sample_rate, auto_delete, updated_at
		FROM   listening_settings
		WHERE  user_id = $1`

	var st profile.Settings
	err := s.pool.QueryRow(ctx, q, userID).Scan(
		&st.UserID,
		&st.Sensitivity,
		&st.SilenceMs,
		&st.MinConfidence,
		&st.SampleRate,
		&st.AutoDelete,
		&st.UpdatedAt,
	)
	if err != nil {
		return profile.Settings{}, wrapNotFound("get settings", err)
	}
	return st, nil
}

// SaveSettings implements [profile.Store].
func (s *Store) SaveSettings(ctx context.Context, st profile.Settings) (profile.Settings, error) {
	const q = `
		INSERT INTO listening_settings
		    (user_id, sensitivity, silence_ms, min_confidence, sample_rate, auto_delete, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (user_id) DO UPDATE SET
		    sensitivity    = EXCLUDED.sensitivity,
		    silence_ms     = EXCLUDED.silence_ms,
		    min_confidence = EXCLUDED.min_confidence,
		    sample_rate    = EXCLUDED.sample_rate,
		    auto_delete    = EXCLUDED.auto_delete,
		    updated_at     = now()
		RETURNING updated_at`

	err := s.pool.QueryRow(ctx, q,
		st.UserID,
		st.Sensitivity,
		st.SilenceMs,
		st.MinConfidence,
		st.SampleRate,
		st.AutoDelete,
	).Scan(&st.UpdatedAt)
	if err != nil {
		return profile.Settings{}, fmt.Errorf("profile store: save settings: %w", err)
	}
	return st, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────────────────────────────────────

func scanProfile(row pgx.Row) (profile.Profile, error) {
	var (
		p   profile.Profile
		vec *pgvector.Vector
	)
	err := row.Scan(
		&p.ID,
		&p.UserID,
		&p.DisplayName,
		&vec,
		&p.ModelID,
		&p.Threshold,
		&p.Enrolled,
		&p.Frozen,
		&p.ConfirmedSinceRetrain,
		&p.Version,
		&p.CreatedAt,
		&p.UpdatedAt,
		&p.AdaptiveCount,
		&p.NegativeCount,
	)
	if err != nil {
		return profile.Profile{}, err
	}
	p.Centroid = fromVector(vec)
	return p, nil
}

// toVector maps an empty slice to SQL NULL.
func toVector(v []float32) *pgvector.Vector {
	if len(v) == 0 {
		return nil
	}
	vec := pgvector.NewVector(v)
	return &vec
}

func fromVector(v *pgvector.Vector) []float32 {
	if v == nil {
		return nil
	}
	return v.Slice()
}

func wrapNotFound(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return profile.ErrNotFound
	}
	return fmt.Errorf("profile store: %s: %w", op, err)
}
