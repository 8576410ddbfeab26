// Package results holds the persisted per-rider scoring outcome and the
// stores backing the leaderboard.
package results

import (
	"context"
	"fmt"
	"sort"
	"time"

	"bunnyhop/internal/apperr"
)

// RiderResult is the outcome of one successful sync. It is replaced
// wholesale on every sync and never partially updated.
type RiderResult struct {
	AthleteID           int64     `json:"athleteId"`
	Name                string    `json:"name"`
	ProfilePhoto        string    `json:"profilePhoto,omitempty"`
	TotalPoints         int       `json:"totalPoints"`
	CompletedSegmentIDs []string  `json:"completedSegmentIds"`
	FetchedAt           time.Time `json:"fetchedAt"`
}

func (r RiderResult) Validate() error {
	if r.AthleteID <= 0 {
		return fmt.Errorf("rider result: %w: athlete id required", apperr.ErrValidation)
	}
	if r.TotalPoints < 0 {
		return fmt.Errorf("rider result %d: %w: negative points", r.AthleteID, apperr.ErrValidation)
	}
	return nil
}

// LeaderboardEntry is a RiderResult with its rank in the current snapshot.
type LeaderboardEntry struct {
	RiderResult
	Rank int `json:"rank"`
}

// Store persists rider results keyed by athlete id.
type Store interface {
	// Upsert replaces the rider's entry. A rider seen for the first time is
	// appended to the store order; later upserts keep that position.
	Upsert(ctx context.Context, result RiderResult) error
	// Get returns apperr.ErrNotFound when the rider never synced.
	Get(ctx context.Context, athleteID int64) (RiderResult, error)
	// ListAll returns every result by total points descending, ties in
	// store order.
	ListAll(ctx context.Context) ([]RiderResult, error)
}

// SortByPoints orders results by total points descending. Ties keep their
// relative order.
func SortByPoints(all []RiderResult) {
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].TotalPoints > all[j].TotalPoints
	})
}

// Rank numbers already-sorted results from 1.
func Rank(sorted []RiderResult) []LeaderboardEntry {
	entries := make([]LeaderboardEntry, 0, len(sorted))
	for i, r := range sorted {
		entries = append(entries, LeaderboardEntry{RiderResult: r, Rank: i + 1})
	}
	return entries
}

func notFound(athleteID int64) error {
	return fmt.Errorf("result for athlete %d: %w", athleteID, apperr.ErrNotFound)
}

func normalize(result RiderResult) RiderResult {
	if result.CompletedSegmentIDs == nil {
		result.CompletedSegmentIDs = []string{}
	}
	result.FetchedAt = result.FetchedAt.UTC()
	return result
}
