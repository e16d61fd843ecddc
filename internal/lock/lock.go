package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	redis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

var ErrNotObtained = errors.New("engine lock not obtained")

type Release func()

// Locker serializes engine mutations. Shared reports whether other processes can
// hold the same lock, in which case callers must reload state after acquiring it.
type Locker interface {
	Acquire(ctx context.Context, key string) (Release, error)
	Shared() bool
}

type Noop struct{}

func (Noop) Acquire(context.Context, string) (Release, error) {
	return func() {}, nil
}

func (Noop) Shared() bool {
	return false
}

type Redis struct {
	client *redislock.Client
	ttl    time.Duration
	wait   time.Duration
	log    logrus.FieldLogger
}

func NewRedis(client *redis.Client, ttl time.Duration, wait time.Duration, logger logrus.FieldLogger) *Redis {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if wait <= 0 {
		wait = 5 * time.Second
	}
	return &Redis{
		client: redislock.New(client),
		ttl:    ttl,
		wait:   wait,
		log:    logger.WithField("component", "lock"),
	}
}

func (r *Redis) Acquire(ctx context.Context, key string) (Release, error) {
	waitCtx, cancel := context.WithTimeout(ctx, r.wait)
	defer cancel()

	l, err := r.client.Obtain(waitCtx, key, r.ttl, &redislock.Options{
		RetryStrategy: redislock.LinearBackoff(50 * time.Millisecond),
	})
	if errors.Is(err, redislock.ErrNotObtained) || errors.Is(err, context.DeadlineExceeded) {
		r.log.WithField("key", key).Warn("could not obtain engine lock")
		return nil, fmt.Errorf("%w: %s", ErrNotObtained, key)
	}
	if err != nil {
		return nil, err
	}

	return func() {
		// Release uses a fresh context so a cancelled request still frees the lock.
		releaseCtx, releaseCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer releaseCancel()
		if err := l.Release(releaseCtx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			r.log.WithError(err).WithField("key", key).Warn("engine lock release failed")
		}
	}, nil
}

func (r *Redis) Shared() bool {
	return true
}
