package billing

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"

	"github.com/fishtrade/fishtrade/internal/shared"
)

// RedisLocker implements PartyLocker on redislock.
type RedisLocker struct {
	client  *redislock.Client
	ttl     time.Duration
	retries int
	logger  *slog.Logger
}

// NewRedisLocker builds a locker whose locks expire after ttl.
func NewRedisLocker(rdb *redis.Client, ttl time.Duration, logger *slog.Logger) *RedisLocker {
	if ttl <= 0 {
		ttl = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisLocker{client: redislock.New(rdb), ttl: ttl, retries: 20, logger: logger}
}

// Lock obtains the party lock, waiting briefly for a concurrent holder.
func (l *RedisLocker) Lock(ctx context.Context, party PartyRef) (func(), error) {
	key := shared.PartyLockKey(string(party.Type), party.ID)
	lock, err := l.client.Obtain(ctx, key, l.ttl, &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(50*time.Millisecond), l.retries),
	})
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrPartyBusy
	}
	if err != nil {
		return nil, err
	}
	return func() {
		// Release must run even when the request context is already done.
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			l.logger.Warn("release party lock", slog.String("key", key), slog.Any("error", err))
		}
	}, nil
}
