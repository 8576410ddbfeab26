// Package syncer runs one rider's synchronization: token validation, activity
// enumeration, segment extraction, scoring and persistence.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"bunnyhop/internal/apperr"
	"bunnyhop/internal/ingest"
	"bunnyhop/internal/metrics"
	"bunnyhop/internal/results"
	"bunnyhop/internal/scoring"
	"bunnyhop/internal/strava"
)

type Stage string

const (
	StageIdle               Stage = "idle"
	StageValidatingToken    Stage = "validating_token"
	StageRefreshing         Stage = "refreshing"
	StageFetchingActivities Stage = "fetching_activities"
	StageExtractingSegments Stage = "extracting_segments"
	StageScoring            Stage = "scoring"
	StagePersisted          Stage = "persisted"
)

// StageError reports the stage a sync failed in.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("sync failed while %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

type CredentialStore interface {
	Credential(ctx context.Context, athleteID int64) (strava.Credential, error)
	SaveCredential(ctx context.Context, cred strava.Credential) error
}

type TokenValidator interface {
	NeedsRefresh(cred strava.Credential) bool
	EnsureValid(ctx context.Context, cred strava.Credential) (strava.Credential, bool, error)
}

type ProfileFetcher interface {
	GetAthlete(ctx context.Context, accessToken string) (strava.Athlete, error)
}

type ActivityFetcher interface {
	List(ctx context.Context, accessToken string, window ingest.Window) ([]strava.ActivitySummary, error)
}

type SegmentSource interface {
	Completed(ctx context.Context, accessToken string, activityIDs []int64, catalog scoring.Catalog) ([]string, error)
}

type Service struct {
	Credentials CredentialStore
	Tokens      TokenValidator
	Profiles    ProfileFetcher
	Activities  ActivityFetcher
	Segments    SegmentSource
	Results     results.Store
	Catalog     scoring.Catalog
	Window      ingest.Window
	Metrics     *metrics.Metrics
	Logger      *zap.Logger
	Tracer      trace.Tracer
	Now         func() time.Time

	locks riderLocks
}

// Sync refreshes one rider's result. A second sync for a rider that is
// already syncing fails fast with apperr.ErrConflict. Any failure leaves the
// stored result untouched.
func (s *Service) Sync(ctx context.Context, athleteID int64) (result results.RiderResult, err error) {
	if !s.locks.tryLock(athleteID) {
		return results.RiderResult{}, fmt.Errorf("sync athlete %d: %w", athleteID, apperr.ErrConflict)
	}
	defer s.locks.unlock(athleteID)

	started := time.Now()
	ctx, span := s.tracer().Start(ctx, "syncer.Sync", trace.WithAttributes(
		attribute.Int64("athlete.id", athleteID),
	))
	logger := s.logger().With(
		zap.String("sync_id", uuid.NewString()),
		zap.Int64("athlete_id", athleteID),
	)

	stage := StageIdle
	enter := func(next Stage) {
		stage = next
		span.AddEvent(string(next))
		logger.Debug("sync stage", zap.String("stage", string(next)))
	}
	defer func() {
		s.Metrics.ObserveSync(err, time.Since(started))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, apperr.Kind(err))
			fields := []zap.Field{
				zap.String("stage", string(stage)),
				zap.String("kind", apperr.Kind(err)),
				zap.Error(err),
			}
			if strava.IsRateLimited(err) {
				fields = append(fields, zap.Bool("rate_limited", true))
				if wait, ok := strava.RateLimitBackoff(err); ok {
					fields = append(fields, zap.Duration("retry_after", wait))
					span.SetAttributes(attribute.Int64("strava.retry_after_seconds", int64(wait/time.Second)))
				}
			}
			logger.Warn("sync failed", fields...)
			err = &StageError{Stage: stage, Err: err}
		} else {
			logger.Info("sync complete",
				zap.Int("points", result.TotalPoints),
				zap.Int("segments", len(result.CompletedSegmentIDs)),
				zap.Duration("elapsed", time.Since(started)),
			)
		}
		span.End()
	}()

	enter(StageValidatingToken)
	cred, err := s.Credentials.Credential(ctx, athleteID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return results.RiderResult{}, fmt.Errorf("load credential: %w: %w", apperr.ErrAuth, err)
		}
		return results.RiderResult{}, fmt.Errorf("load credential: %w", err)
	}
	if s.Tokens.NeedsRefresh(cred) {
		enter(StageRefreshing)
	}
	cred, refreshed, err := s.Tokens.EnsureValid(ctx, cred)
	if err != nil {
		return results.RiderResult{}, err
	}
	if refreshed {
		if err := s.Credentials.SaveCredential(ctx, cred); err != nil {
			logger.Warn("persist refreshed credential", zap.Error(err))
		}
	}

	enter(StageFetchingActivities)
	var (
		athlete    strava.Athlete
		activities []strava.ActivitySummary
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		athlete, err = s.Profiles.GetAthlete(gctx, cred.AccessToken)
		return err
	})
	g.Go(func() error {
		var err error
		activities, err = s.Activities.List(gctx, cred.AccessToken, s.Window)
		return err
	})
	if err := g.Wait(); err != nil {
		return results.RiderResult{}, err
	}
	if athlete.ID != athleteID {
		return results.RiderResult{}, fmt.Errorf("profile: %w: athlete %d returned for %d", apperr.ErrValidation, athlete.ID, athleteID)
	}
	span.SetAttributes(attribute.Int("activities", len(activities)))

	enter(StageExtractingSegments)
	ids := make([]int64, 0, len(activities))
	for _, a := range activities {
		ids = append(ids, a.ID)
	}
	completed, err := s.Segments.Completed(ctx, cred.AccessToken, ids, s.Catalog)
	if err != nil {
		return results.RiderResult{}, err
	}

	enter(StageScoring)
	completed = s.Catalog.Filter(completed)
	result = results.RiderResult{
		AthleteID:           athleteID,
		Name:                athlete.DisplayName(),
		ProfilePhoto:        athlete.PhotoURL(),
		TotalPoints:         scoring.Score(completed, s.Catalog),
		CompletedSegmentIDs: completed,
		FetchedAt:           s.now().UTC(),
	}

	if err := ctx.Err(); err != nil {
		return results.RiderResult{}, err
	}
	if err := s.Results.Upsert(ctx, result); err != nil {
		return results.RiderResult{}, fmt.Errorf("persist result: %w", err)
	}
	enter(StagePersisted)
	return result, nil
}

// Result returns the rider's last persisted result.
func (s *Service) Result(ctx context.Context, athleteID int64) (results.RiderResult, error) {
	return s.Results.Get(ctx, athleteID)
}

// Leaderboard returns every stored result ranked by total points.
func (s *Service) Leaderboard(ctx context.Context) ([]results.LeaderboardEntry, error) {
	ctx, span := s.tracer().Start(ctx, "syncer.Leaderboard")
	defer span.End()

	all, err := s.Results.ListAll(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list results")
		return nil, err
	}
	s.Metrics.SetRiders(len(all))
	return results.Rank(all), nil
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Service) logger() *zap.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return zap.NewNop()
}

func (s *Service) tracer() trace.Tracer {
	if s.Tracer != nil {
		return s.Tracer
	}
	return otel.Tracer("bunnyhop/syncer")
}

type riderLocks struct {
	mu     sync.Mutex
	active map[int64]struct{}
}

func (l *riderLocks) tryLock(athleteID int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active == nil {
		l.active = make(map[int64]struct{})
	}
	if _, busy := l.active[athleteID]; busy {
		return false
	}
	l.active[athleteID] = struct{}{}
	return true
}

func (l *riderLocks) unlock(athleteID int64) {
	l.mu.Lock()
	delete(l.active, athleteID)
	l.mu.Unlock()
}
