// Package locks provides a Redis-backed per-project publish lock shared across
// API replicas.
package locks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/dealroom/backend/internal/dealroom"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	defaultKeyPrefix  = "dealroom:publish-lock:"
	defaultTTL        = 30 * time.Second
	defaultRetryDelay = 50 * time.Millisecond
	connectTimeout    = 5 * time.Second
	releaseTimeout    = 2 * time.Second
	operationRelease  = "locks.redis.release"
	operationAcquire  = "locks.redis.acquire"
	logFieldLockKey   = "lock_key"
	logFieldOperation = "operation"
)

// releaseScript deletes the key only when it still holds the caller's token,
// so an expired holder never frees a lock taken over by someone else.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// ErrLockTimeout is returned when the context ends before the lock is acquired.
var ErrLockTimeout = errors.New("locks: timed out waiting for project lock")

// RedisLockerConfig tunes lock expiry and polling.
type RedisLockerConfig struct {
	TTL        time.Duration
	RetryDelay time.Duration
	KeyPrefix  string
	Logger     *zap.Logger
}

var _ dealroom.ProjectLocker = (*RedisLocker)(nil)

// RedisLocker implements dealroom.ProjectLocker with SET NX PX.
type RedisLocker struct {
	client     *redis.Client
	ttl        time.Duration
	retryDelay time.Duration
	prefix     string
	logger     *zap.Logger
}

// NewRedisLocker connects to redisURL and verifies the connection.
func NewRedisLocker(redisURL string, cfg RedisLockerConfig) (*RedisLocker, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisLockerWithClient(client, cfg), nil
}

// NewRedisLockerWithClient wraps an existing client.
func NewRedisLockerWithClient(client *redis.Client, cfg RedisLockerConfig) *RedisLocker {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = defaultRetryDelay
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisLocker{
		client:     client,
		ttl:        ttl,
		retryDelay: retryDelay,
		prefix:     prefix,
		logger:     logger,
	}
}

func (l *RedisLocker) key(projectID dealroom.ProjectID) string {
	return l.prefix + projectID.String()
}

// Lock polls until the project key is free or ctx is done. The returned
// release func is safe to call more than once.
func (l *RedisLocker) Lock(ctx context.Context, projectID dealroom.ProjectID) (func(), error) {
	key := l.key(projectID)
	token := uuid.NewString()

	for {
		acquired, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: %v", ErrLockTimeout, ctx.Err())
			}
			l.logger.Error("project lock acquire failed",
				zap.String(logFieldOperation, operationAcquire),
				zap.String(logFieldLockKey, key),
				zap.Error(err))
			return nil, fmt.Errorf("acquire project lock: %w", err)
		}
		if acquired {
			break
		}

		timer := time.NewTimer(l.retryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("%w: %v", ErrLockTimeout, ctx.Err())
		case <-timer.C:
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() { l.release(key, token) })
	}, nil
}

func (l *RedisLocker) release(key, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := releaseScript.Run(ctx, l.client, []string{key}, token).Err(); err != nil {
		l.logger.Warn("project lock release failed",
			zap.String(logFieldOperation, operationRelease),
			zap.String(logFieldLockKey, key),
			zap.Error(err))
	}
}

// Close closes the Redis connection.
func (l *RedisLocker) Close() error {
	return l.client.Close()
}

// Ping checks if Redis is reachable.
func (l *RedisLocker) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}
