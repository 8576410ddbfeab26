package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"bunnyhop/internal/apperr"
	"bunnyhop/internal/results"
)

// Results exposes the rider_results table as a results.Store.
func (s *Store) Results() results.Store {
	return resultStore{db: s.db}
}

type resultStore struct {
	db *sql.DB
}

func (r resultStore) Upsert(ctx context.Context, result results.RiderResult) error {
	if err := result.Validate(); err != nil {
		return err
	}
	completed := result.CompletedSegmentIDs
	if completed == nil {
		completed = []string{}
	}
	encoded, err := json.Marshal(completed)
	if err != nil {
		return err
	}

	// seq is left alone on conflict so a rider keeps its first-insert position.
	_, err = r.db.ExecContext(ctx, `
INSERT INTO rider_results (athlete_id, name, profile_photo, total_points, completed_segment_ids, fetched_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(athlete_id) DO UPDATE SET
	name = excluded.name,
	profile_photo = excluded.profile_photo,
	total_points = excluded.total_points,
	completed_segment_ids = excluded.completed_segment_ids,
	fetched_at = excluded.fetched_at
`, result.AthleteID, result.Name, result.ProfilePhoto, result.TotalPoints, string(encoded), result.FetchedAt.UnixMilli())
	return err
}

func (r resultStore) Get(ctx context.Context, athleteID int64) (results.RiderResult, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT athlete_id, name, profile_photo, total_points, completed_segment_ids, fetched_at
FROM rider_results
WHERE athlete_id = ?
`, athleteID)
	result, err := scanResult(row)
	if errors.Is(err, sql.ErrNoRows) {
		return results.RiderResult{}, fmt.Errorf("result for athlete %d: %w", athleteID, apperr.ErrNotFound)
	}
	return result, err
}

func (r resultStore) ListAll(ctx context.Context) ([]results.RiderResult, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT athlete_id, name, profile_photo, total_points, completed_segment_ids, fetched_at
FROM rider_results
ORDER BY total_points DESC, seq
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	all := []results.RiderResult{}
	for rows.Next() {
		result, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		all = append(all, result)
	}
	return all, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanResult(row scanner) (results.RiderResult, error) {
	var result results.RiderResult
	var completed string
	var fetchedAt int64
	if err := row.Scan(&result.AthleteID, &result.Name, &result.ProfilePhoto, &result.TotalPoints, &completed, &fetchedAt); err != nil {
		return results.RiderResult{}, err
	}
	if err := json.Unmarshal([]byte(completed), &result.CompletedSegmentIDs); err != nil {
		return results.RiderResult{}, fmt.Errorf("athlete %d completed segments: %w: %w", result.AthleteID, apperr.ErrCorrupt, err)
	}
	if result.CompletedSegmentIDs == nil {
		result.CompletedSegmentIDs = []string{}
	}
	result.FetchedAt = time.UnixMilli(fetchedAt).UTC()
	return result, nil
}
