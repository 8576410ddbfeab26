package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"bunnyhop/internal/scoring"
	"bunnyhop/internal/strava"
)

const (
	DefaultPageSize    = 100
	DefaultConcurrency = 4
)

// Window is a half-open time range [Start, End).
type Window struct {
	Start time.Time
	End   time.Time
}

// EventWindow covers the whole UTC calendar day of date.
func EventWindow(date time.Time) Window {
	y, m, d := date.UTC().Date()
	start := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return Window{Start: start, End: start.Add(24 * time.Hour)}
}

func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

type ActivityLister interface {
	ListActivities(ctx context.Context, accessToken string, after, before time.Time, page, perPage int) ([]strava.ActivitySummary, error)
}

type DetailGetter interface {
	GetActivity(ctx context.Context, accessToken string, id int64) (strava.ActivityDetail, error)
}

// WindowFetcher enumerates a rider's activities that started inside a window.
type WindowFetcher struct {
	Client   ActivityLister
	PageSize int
}

// List pages through the activity listing until a short page. Any page
// failure aborts the whole listing.
func (f *WindowFetcher) List(ctx context.Context, accessToken string, window Window) ([]strava.ActivitySummary, error) {
	if f.Client == nil {
		return nil, errors.New("activity client not configured")
	}
	perPage := f.PageSize
	if perPage <= 0 {
		perPage = DefaultPageSize
	}

	// The listing's after bound is exclusive.
	after := window.Start.Add(-time.Second)

	var activities []strava.ActivitySummary
	for page := 1; ; page++ {
		batch, err := f.Client.ListActivities(ctx, accessToken, after, window.End, page, perPage)
		if err != nil {
			return nil, fmt.Errorf("list activities page %d: %w", page, err)
		}
		for _, activity := range batch {
			if window.Contains(activity.StartDate) {
				activities = append(activities, activity)
			}
		}
		if len(batch) < perPage {
			break
		}
	}
	return activities, nil
}

// SegmentExtractor collects the catalog segments completed across a set of
// activities.
type SegmentExtractor struct {
	Client      DetailGetter
	Concurrency int
	Logger      *zap.Logger
}

// Completed fetches every activity detail with bounded concurrency. The first
// failure cancels the remaining fetches and no partial set is returned. The
// result holds catalog ids only, in catalog order.
func (e *SegmentExtractor) Completed(ctx context.Context, accessToken string, activityIDs []int64, catalog scoring.Catalog) ([]string, error) {
	if len(activityIDs) == 0 {
		return []string{}, nil
	}
	if e.Client == nil {
		return nil, errors.New("activity client not configured")
	}
	limit := e.Concurrency
	if limit <= 0 {
		limit = DefaultConcurrency
	}
	logger := e.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	seen := make([][]string, len(activityIDs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, id := range activityIDs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			detail, err := e.Client.GetActivity(gctx, accessToken, id)
			if err != nil {
				return fmt.Errorf("activity %d: %w", id, err)
			}
			ids := make([]string, 0, len(detail.SegmentEfforts))
			for _, effort := range detail.SegmentEfforts {
				ids = append(ids, effort.SegmentID)
			}
			seen[i] = ids
			logger.Debug("activity efforts fetched",
				zap.Int64("activity_id", id),
				zap.Int("efforts", len(ids)),
			)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var union []string
	for _, ids := range seen {
		union = append(union, ids...)
	}
	return catalog.Filter(union), nil
}
