package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"bunnyhop/internal/apperr"
	"bunnyhop/internal/strava"
)

type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection serializes writers and keeps :memory: databases shared.
	db.SetMaxOpenConns(1)
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) InitSchema(ctx context.Context) error {
	schema := `
CREATE TABLE IF NOT EXISTS strava_tokens (
	athlete_id INTEGER PRIMARY KEY,
	access_token TEXT NOT NULL,
	refresh_token TEXT NOT NULL,
	expires_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS rider_results (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	athlete_id INTEGER NOT NULL UNIQUE,
	name TEXT NOT NULL,
	profile_photo TEXT NOT NULL,
	total_points INTEGER NOT NULL,
	completed_segment_ids TEXT NOT NULL,
	fetched_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS rider_results_points ON rider_results (total_points DESC, seq);
`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// SaveCredential stores the latest OAuth grant for a rider, replacing any
// previous one.
func (s *Store) SaveCredential(ctx context.Context, cred strava.Credential) error {
	if cred.AthleteID <= 0 {
		return errors.New("credential athlete id required")
	}
	if cred.RefreshToken == "" {
		return errors.New("credential refresh token required")
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO strava_tokens (athlete_id, access_token, refresh_token, expires_at, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(athlete_id) DO UPDATE SET
	access_token = excluded.access_token,
	refresh_token = excluded.refresh_token,
	expires_at = excluded.expires_at,
	updated_at = excluded.updated_at
`, cred.AthleteID, cred.AccessToken, cred.RefreshToken, cred.ExpiresAt.Unix(), time.Now().Unix())
	return err
}

func (s *Store) Credential(ctx context.Context, athleteID int64) (strava.Credential, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT access_token, refresh_token, expires_at
FROM strava_tokens
WHERE athlete_id = ?
`, athleteID)
	cred := strava.Credential{AthleteID: athleteID}
	var expiresAt int64
	if err := row.Scan(&cred.AccessToken, &cred.RefreshToken, &expiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return strava.Credential{}, fmt.Errorf("credential for athlete %d: %w", athleteID, apperr.ErrNotFound)
		}
		return strava.Credential{}, err
	}
	cred.ExpiresAt = time.Unix(expiresAt, 0).UTC()
	return cred, nil
}
