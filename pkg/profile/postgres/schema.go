// Package postgres provides a PostgreSQL-backed implementation of
// [profile.Store]. Centroids and embeddings are stored in pgvector columns;
// the pgvector extension is installed by [Migrate] via CREATE EXTENSION IF
// NOT EXISTS.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn, 192)
//	if err != nil { … }
//	defer store.Close()
//
//	p, err := store.GetProfile(ctx, userID)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlSettings = `
CREATE TABLE IF NOT EXISTS listening_settings (
    user_id         TEXT              PRIMARY KEY,
    sensitivity     DOUBLE PRECISION  NOT NULL,
    silence_ms      INTEGER           NOT NULL,
    min_confidence  DOUBLE PRECISION  NOT NULL,
    sample_rate     INTEGER           NOT NULL,
    auto_delete     BOOLEAN           NOT NULL DEFAULT false,
    updated_at      TIMESTAMPTZ       NOT NULL DEFAULT now()
);
`

// ddlProfiles returns the profile DDL with the embedding dimension
// substituted. The dimension is baked into the column types at schema
// creation time.
func ddlProfiles(dim int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS speaker_profiles (
    id                       TEXT              PRIMARY KEY,
    user_id                  TEXT              NOT NULL UNIQUE,
    display_name             TEXT              NOT NULL DEFAULT '',
    centroid                 vector(%[1]d),
    model_id                 TEXT              NOT NULL DEFAULT '',
    threshold                DOUBLE PRECISION  NOT NULL DEFAULT 0,
    enrolled                 BOOLEAN           NOT NULL DEFAULT false,
    frozen                   BOOLEAN           NOT NULL DEFAULT false,
    confirmed_since_retrain  INTEGER           NOT NULL DEFAULT 0,
    version                  BIGINT            NOT NULL DEFAULT 0,
    created_at               TIMESTAMPTZ       NOT NULL DEFAULT now(),
    updated_at               TIMESTAMPTZ       NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS voice_samples (
    id           TEXT         PRIMARY KEY,
    profile_id   TEXT         NOT NULL REFERENCES speaker_profiles (id) ON DELETE CASCADE,
    seq          BIGSERIAL,
    audio_path   TEXT         NOT NULL,
    duration_ms  BIGINT       NOT NULL DEFAULT 0,
    status       TEXT         NOT NULL DEFAULT 'pending',
    phrase       TEXT         NOT NULL DEFAULT '',
    embedding    vector(%[1]d),
    model_id     TEXT         NOT NULL DEFAULT '',
    error        TEXT         NOT NULL DEFAULT '',
    created_at   TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_voice_samples_profile
    ON voice_samples (profile_id, seq);

CREATE TABLE IF NOT EXISTS learning_samples (
    id           TEXT              PRIMARY KEY,
    profile_id   TEXT              NOT NULL REFERENCES speaker_profiles (id) ON DELETE CASCADE,
    seq          BIGSERIAL,
    kind         TEXT              NOT NULL,
    embedding    vector(%[1]d),
    model_id     TEXT              NOT NULL DEFAULT '',
    similarity   DOUBLE PRECISION  NOT NULL DEFAULT 0,
    audio_path   TEXT              NOT NULL DEFAULT '',
    confirmed    BOOLEAN           NOT NULL DEFAULT false,
    captured_at  TIMESTAMPTZ       NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_learning_samples_profile_kind
    ON learning_samples (profile_id, kind, captured_at, seq);

CREATE TABLE IF NOT EXISTS profile_snapshots (
    id          TEXT              PRIMARY KEY,
    profile_id  TEXT              NOT NULL REFERENCES speaker_profiles (id) ON DELETE CASCADE,
    seq         BIGSERIAL,
    centroid    vector(%[1]d),
    model_id    TEXT              NOT NULL DEFAULT '',
    threshold   DOUBLE PRECISION  NOT NULL DEFAULT 0,
    reason      TEXT              NOT NULL DEFAULT '',
    created_at  TIMESTAMPTZ       NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_profile_snapshots_profile
    ON profile_snapshots (profile_id, seq);
`, dim)
}

// Migrate creates or ensures all required tables and extensions exist. It is
// idempotent and safe to call on every start.
//
// embeddingDimensions must match the speaker embedding model (192 for
// ECAPA-TDNN). Changing it after the first migration requires a manual
// schema update.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	statements := []string{
		ddlProfiles(embeddingDimensions),
		ddlSettings,
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
