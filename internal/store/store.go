// Package store is the optional PostgreSQL registry of prepared avatars and
// the utterances rendered with them. Bundles themselves live in a
// storage.FileStore; the registry only records what exists where.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// ErrNotFound is returned when a requested avatar is not registered.
var ErrNotFound = errors.New("avatar not registered")

// Store manages the PostgreSQL connection.
type Store struct {
	conn *pgx.Conn
}

// Avatar is a registered, prepared identity.
type Avatar struct {
	ID          string
	Fingerprint string
	FrameCount  int
	Source      string
	StoreURI    string
	PreparedAt  time.Time
}

// AvatarSummary adds usage totals to an Avatar.
type AvatarSummary struct {
	Avatar
	Utterances  int
	TotalFrames int64
}

// Utterance records one finished pipeline run.
type Utterance struct {
	ID         string
	AvatarID   string
	StartIndex uint64
	Frames     int
	Fallbacks  int
	Duration   time.Duration
	Elapsed    time.Duration
	CreatedAt  time.Time
}

// New establishes a connection to the database and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, err
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, conn); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{conn: conn}, nil
}

// initSchema creates the necessary tables if they don't exist (Auto-Migration).
func initSchema(ctx context.Context, conn *pgx.Conn) error {
	query := `
		CREATE TABLE IF NOT EXISTS avatars (
			id TEXT PRIMARY KEY,
			fingerprint TEXT NOT NULL,
			frame_count INT NOT NULL,
			source TEXT NOT NULL,
			store_uri TEXT NOT NULL,
			prepared_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS utterances (
			id UUID PRIMARY KEY,
			avatar_id TEXT NOT NULL REFERENCES avatars(id) ON DELETE CASCADE,
			start_index BIGINT NOT NULL,
			frames INT NOT NULL,
			fallbacks INT NOT NULL,
			duration_ms BIGINT NOT NULL,
			elapsed_ms BIGINT NOT NULL,
			created_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS utterances_avatar_id_idx ON utterances (avatar_id);
	`
	_, err := conn.Exec(ctx, query)
	return err
}

// Close terminates the database connection.
func (s *Store) Close(ctx context.Context) {
	s.conn.Close(ctx)
}

// UpsertAvatar registers a prepared bundle. Re-preparing an identity
// replaces its row and keeps its utterance history. A zero PreparedAt is
// stored as the current time.
func (s *Store) UpsertAvatar(ctx context.Context, a Avatar) error {
	var preparedAt any
	if !a.PreparedAt.IsZero() {
		preparedAt = a.PreparedAt
	}
	_, err := s.conn.Exec(ctx, `
		INSERT INTO avatars (id, fingerprint, frame_count, source, store_uri, prepared_at)
		VALUES ($1, $2, $3, $4, $5, COALESCE($6::timestamptz, NOW()))
		ON CONFLICT (id) DO UPDATE SET
			fingerprint = EXCLUDED.fingerprint,
			frame_count = EXCLUDED.frame_count,
			source = EXCLUDED.source,
			store_uri = EXCLUDED.store_uri,
			prepared_at = EXCLUDED.prepared_at
	`, a.ID, a.Fingerprint, a.FrameCount, a.Source, a.StoreURI, preparedAt)
	return err
}

// GetAvatar returns the registered avatar or ErrNotFound.
func (s *Store) GetAvatar(ctx context.Context, id string) (*Avatar, error) {
	var a Avatar
	err := s.conn.QueryRow(ctx, `
		SELECT id, fingerprint, frame_count, source, store_uri, prepared_at
		FROM avatars WHERE id = $1
	`, id).Scan(&a.ID, &a.Fingerprint, &a.FrameCount, &a.Source, &a.StoreURI, &a.PreparedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// ListAvatars returns every registered avatar with its usage totals.
func (s *Store) ListAvatars(ctx context.Context) ([]AvatarSummary, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT a.id, a.fingerprint, a.frame_count, a.source, a.store_uri, a.prepared_at,
			COUNT(u.id), COALESCE(SUM(u.frames), 0)
		FROM avatars a
		LEFT JOIN utterances u ON u.avatar_id = a.id
		GROUP BY a.id
		ORDER BY a.id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AvatarSummary
	for rows.Next() {
		var a AvatarSummary
		if err := rows.Scan(&a.ID, &a.Fingerprint, &a.FrameCount, &a.Source, &a.StoreURI, &a.PreparedAt,
			&a.Utterances, &a.TotalFrames); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// InsertUtterance records a finished run.
func (s *Store) InsertUtterance(ctx context.Context, u Utterance) error {
	_, err := s.conn.Exec(ctx, `
		INSERT INTO utterances (id, avatar_id, start_index, frames, fallbacks, duration_ms, elapsed_ms)
		VALUES ($1::uuid, $2, $3, $4, $5, $6, $7)
	`, u.ID, u.AvatarID, int64(u.StartIndex), u.Frames, u.Fallbacks, u.Duration.Milliseconds(), u.Elapsed.Milliseconds())
	return err
}

// ListUtterances returns the most recent runs for an avatar, newest first.
func (s *Store) ListUtterances(ctx context.Context, avatarID string, limit int) ([]Utterance, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT id::text, avatar_id, start_index, frames, fallbacks, duration_ms, elapsed_ms, created_at
		FROM utterances WHERE avatar_id = $1
		ORDER BY created_at DESC, start_index DESC
		LIMIT $2
	`, avatarID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Utterance
	for rows.Next() {
		var (
			u                     Utterance
			start                 int64
			durationMs, elapsedMs int64
		)
		if err := rows.Scan(&u.ID, &u.AvatarID, &start, &u.Frames, &u.Fallbacks, &durationMs, &elapsedMs, &u.CreatedAt); err != nil {
			return nil, err
		}
		u.StartIndex = uint64(start)
		u.Duration = time.Duration(durationMs) * time.Millisecond
		u.Elapsed = time.Duration(elapsedMs) * time.Millisecond
		out = append(out, u)
	}
	return out, rows.Err()
}

// DeleteAvatar removes an avatar and, by cascade, its utterances.
func (s *Store) DeleteAvatar(ctx context.Context, id string) error {
	tag, err := s.conn.Exec(ctx, "DELETE FROM avatars WHERE id = $1", id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// Reset drops all application tables to clear the database state.
// This is useful for development to force a schema refresh without migrations.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.conn.Exec(ctx, `
		DROP TABLE IF EXISTS utterances CASCADE;
		DROP TABLE IF EXISTS avatars CASCADE;
	`)
	return err
}
