package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	pperrors "github.com/practicepulse/commlog-engine/pkg/errors"
	"github.com/practicepulse/commlog-engine/pkg/logging"
)

// Locker serializes writers on an output stream. Only one pipeline run may
// hold the lock for a stream at a time.
type Locker interface {
	// Acquire takes the lock for stream, returning a release function.
	// When another writer holds the lock it returns ErrLockHeld.
	Acquire(ctx context.Context, stream string) (release func(), err error)
}

const lockKeyPrefix = "commlog:lock:"

// RedisLocker implements Locker with a Redis SET NX PX lock. The lock value
// is a per-run token so an expired lock is never released by a stale holder.
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
	logger logging.Logger
}

// NewRedisLocker creates a locker with the given lease TTL.
func NewRedisLocker(client *redis.Client, ttl time.Duration, logger logging.Logger) *RedisLocker {
	return &RedisLocker{
		client: client,
		ttl:    ttl,
		logger: logger.With(logging.F("component", "run_lock")),
	}
}

// releaseScript deletes the lock only when this run still holds it.
var releaseScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	end
	return 0
`)

// Acquire takes the stream lock or fails fast with ErrLockHeld.
func (l *RedisLocker) Acquire(ctx context.Context, stream string) (func(), error) {
	key := lockKeyPrefix + stream
	token := uuid.New().String()

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock for %s: %w", stream, err)
	}
	if !ok {
		return nil, fmt.Errorf("stream %s: %w", stream, pperrors.ErrLockHeld)
	}

	l.logger.Debug("lock acquired", logging.F("stream", stream), logging.F("ttl", l.ttl))

	return func() {
		// Release uses a background context so a cancelled run still
		// frees the lock.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := releaseScript.Run(releaseCtx, l.client, []string{key}, token).Err(); err != nil {
			l.logger.Warn("failed to release lock, lease will expire",
				logging.F("stream", stream), logging.Err(err))
		}
	}, nil
}

// NoopLocker is a Locker that always succeeds. Used for dry runs and tests.
type NoopLocker struct{}

// Acquire trivially succeeds.
func (NoopLocker) Acquire(context.Context, string) (func(), error) {
	return func() {}, nil
}
