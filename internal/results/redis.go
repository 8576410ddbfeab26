package results

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type redisCommander interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd
}

// releaseScript deletes the lock only while it still holds our token.
const releaseScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`

var errLockTimeout = errors.New("results lock not acquired")

type RedisStoreConfig struct {
	Key          string
	LockTTL      time.Duration
	LockWait     time.Duration
	PollInterval time.Duration
	Logger       *zap.Logger
}

// RedisStore keeps the results document under a single Redis key so several
// processes can share one leaderboard. Read-modify-write cycles are guarded
// by a SET NX lock.
type RedisStore struct {
	client  redisCommander
	closeFn func() error
	key     string
	lockTTL time.Duration
	wait    time.Duration
	poll    time.Duration
	logger  *zap.Logger
}

func NewRedisStore(client redis.UniversalClient, cfg RedisStoreConfig) *RedisStore {
	closeFn := func() error { return nil }
	if client != nil {
		closeFn = client.Close
	}
	return newRedisStoreFromCommander(client, closeFn, cfg)
}

func newRedisStoreFromCommander(client redisCommander, closeFn func() error, cfg RedisStoreConfig) *RedisStore {
	if cfg.Key == "" {
		cfg.Key = "bunnyhop:results"
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 10 * time.Second
	}
	if cfg.LockWait <= 0 {
		cfg.LockWait = 5 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 50 * time.Millisecond
	}
	if closeFn == nil {
		closeFn = func() error { return nil }
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &RedisStore{
		client:  client,
		closeFn: closeFn,
		key:     cfg.Key,
		lockTTL: cfg.LockTTL,
		wait:    cfg.LockWait,
		poll:    cfg.PollInterval,
		logger:  cfg.Logger,
	}
}

func (s *RedisStore) Close() error {
	if s == nil || s.closeFn == nil {
		return nil
	}
	return s.closeFn()
}

func (s *RedisStore) Upsert(ctx context.Context, result RiderResult) error {
	if err := result.Validate(); err != nil {
		return err
	}

	token, err := s.lock(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := s.unlock(token); err != nil {
			s.logger.Warn("release results lock",
				zap.String("key", s.lockKey()),
				zap.Duration("ttl", s.lockTTL),
				zap.Error(err),
			)
		}
	}()

	doc, err := s.read(ctx)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	doc.Put(result)

	data, err := doc.MarshalJSON()
	if err != nil {
		return fmt.Errorf("encode results document: %w", err)
	}
	if err := s.client.Set(ctx, s.key, data, 0).Err(); err != nil {
		return fmt.Errorf("write results document: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, athleteID int64) (RiderResult, error) {
	doc, err := s.read(ctx)
	if err != nil {
		return RiderResult{}, err
	}
	result, ok := doc.Get(athleteID)
	if !ok {
		return RiderResult{}, notFound(athleteID)
	}
	return result, nil
}

func (s *RedisStore) ListAll(ctx context.Context) ([]RiderResult, error) {
	doc, err := s.read(ctx)
	if err != nil {
		return nil, err
	}
	all := doc.Results()
	SortByPoints(all)
	return all, nil
}

func (s *RedisStore) read(ctx context.Context) (*Document, error) {
	raw, err := s.client.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return NewDocument(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read results document: %w", err)
	}
	return DecodeDocument(raw)
}

func (s *RedisStore) lockKey() string {
	return s.key + ":lock"
}

func (s *RedisStore) lock(ctx context.Context) (string, error) {
	token := uuid.NewString()
	deadline := time.Now().Add(s.wait)
	for {
		acquired, err := s.client.SetNX(ctx, s.lockKey(), token, s.lockTTL).Result()
		if err != nil {
			return "", fmt.Errorf("acquire results lock: %w", err)
		}
		if acquired {
			return token, nil
		}
		if time.Now().After(deadline) {
			return "", errLockTimeout
		}

		timer := time.NewTimer(s.poll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		case <-timer.C:
		}
	}
}

// unlock is a no-op when the lock already expired or changed hands.
func (s *RedisStore) unlock(token string) error {
	// Released with a fresh context so a canceled request still frees the lock.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return s.client.Eval(ctx, releaseScript, []string{s.lockKey()}, token).Err()
}
