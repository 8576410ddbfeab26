package web

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"bunnyhop/internal/metrics"
	"bunnyhop/internal/results"
)

type leaderboardLoader func(ctx context.Context) ([]results.LeaderboardEntry, error)

// LeaderboardCache serves the leaderboard from memory. Entries younger than
// ttl are fresh; entries within the following stale window are served while
// a single background load replaces them.
type LeaderboardCache struct {
	load    leaderboardLoader
	ttl     time.Duration
	stale   time.Duration
	timeout time.Duration
	now     func() time.Time
	metrics *metrics.Metrics
	logger  *zap.Logger

	group singleflight.Group

	mu         sync.Mutex
	entries    []results.LeaderboardEntry
	loadedAt   time.Time
	valid      bool
	generation uint64
}

func NewLeaderboardCache(load leaderboardLoader, ttl, stale time.Duration, m *metrics.Metrics, logger *zap.Logger) *LeaderboardCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LeaderboardCache{
		load:    load,
		ttl:     ttl,
		stale:   stale,
		timeout: 30 * time.Second,
		now:     time.Now,
		metrics: m,
		logger:  logger,
	}
}

func (c *LeaderboardCache) Get(ctx context.Context) ([]results.LeaderboardEntry, error) {
	c.mu.Lock()
	entries, loadedAt, valid, generation := c.entries, c.loadedAt, c.valid, c.generation
	c.mu.Unlock()
	// Keyed by generation so a load started before Invalidate is never shared
	// with callers arriving after it.
	key := "leaderboard:" + strconv.FormatUint(generation, 10)

	if valid {
		age := c.now().Sub(loadedAt)
		if age < c.ttl {
			c.metrics.ObserveCache("hit")
			return entries, nil
		}
		if age < c.ttl+c.stale {
			c.metrics.ObserveCache("stale")
			c.group.DoChan(key, func() (any, error) {
				ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
				defer cancel()
				entries, err := c.refresh(ctx, generation)
				if err != nil {
					c.logger.Warn("leaderboard revalidation failed", zap.Error(err))
				}
				return entries, err
			})
			return entries, nil
		}
	}

	c.metrics.ObserveCache("miss")
	// The shared load outlives any single caller; each caller stops waiting
	// on its own context.
	ch := c.group.DoChan(key, func() (any, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()
		return c.refresh(loadCtx, generation)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]results.LeaderboardEntry), nil
	}
}

// Invalidate drops the cached snapshot. Loads already in flight are not
// allowed to repopulate it.
func (c *LeaderboardCache) Invalidate() {
	c.mu.Lock()
	c.valid = false
	c.entries = nil
	c.generation++
	c.mu.Unlock()
}

func (c *LeaderboardCache) refresh(ctx context.Context, generation uint64) ([]results.LeaderboardEntry, error) {
	entries, err := c.load(ctx)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []results.LeaderboardEntry{}
	}

	c.mu.Lock()
	if c.generation == generation {
		c.entries = entries
		c.loadedAt = c.now()
		c.valid = true
	}
	c.mu.Unlock()
	return entries, nil
}
