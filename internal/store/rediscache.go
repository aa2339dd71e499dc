package store

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"

	"edgeattend/internal/attendance"
)

const (
	defaultLockTTL   = 10 * time.Second
	defaultLockRetry = 25 * time.Millisecond
)

// releaseLock deletes the lock only if it still holds our token.
var releaseLock = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// renewLock extends the lease only if it still holds our token.
var renewLock = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisKeyedCache is a LockedKeyedCache shared by every device pointed at
// the same Redis. A held lock is renewed every LockTTL/3; a crashed holder
// stops renewing and its lock expires after LockTTL.
//
// Callers on one device first serialize on a process-local lock. When Redis
// cannot be reached the local lock alone is returned, so scans keep being
// recorded and only cross-device exclusion is lost.
type RedisKeyedCache struct {
	client    *redis.Client
	prefix    string
	local     *attendance.MemoryCache
	logger    slog.Logger
	LockTTL   time.Duration
	LockRetry time.Duration
	Clock     quartz.Clock
}

var _ attendance.LockedKeyedCache = (*RedisKeyedCache)(nil)

// NewRedisKeyedCache returns a cache storing keys under prefix.
func NewRedisKeyedCache(client *redis.Client, prefix string, logger slog.Logger) *RedisKeyedCache {
	if prefix == "" {
		prefix = "attendance"
	}
	return &RedisKeyedCache{
		client:    client,
		prefix:    prefix,
		local:     attendance.NewMemoryCache(),
		logger:    logger,
		LockTTL:   defaultLockTTL,
		LockRetry: defaultLockRetry,
		Clock:     quartz.NewReal(),
	}
}

func (c *RedisKeyedCache) lockKey(key attendance.Key) string {
	return c.prefix + ":lock:" + key.String()
}

func (c *RedisKeyedCache) scanKey(key attendance.Key) string {
	return c.prefix + ":scan:" + key.String()
}

// Lock takes the local lock, then polls SET NX until it wins or ctx is done.
func (c *RedisKeyedCache) Lock(ctx context.Context, key attendance.Key) (func(), error) {
	unlockLocal, err := c.local.Lock(ctx, key)
	if err != nil {
		return nil, err
	}

	name := c.lockKey(key)
	token := uuid.NewString()
	for {
		ok, err := c.client.SetNX(ctx, name, token, c.LockTTL).Result()
		if err != nil {
			if ctx.Err() != nil {
				unlockLocal()
				return nil, ctx.Err()
			}
			c.logger.Warn(ctx, "redis lock unavailable, holding local lock only",
				slog.F("key", key.String()), slog.Error(err))
			return unlockLocal, nil
		}
		if ok {
			break
		}
		t := time.NewTimer(c.LockRetry)
		select {
		case <-ctx.Done():
			t.Stop()
			unlockLocal()
			return nil, ctx.Err()
		case <-t.C:
		}
	}

	stop := c.keepAlive(name, token)
	var once sync.Once
	return func() {
		once.Do(func() {
			stop()
			rctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = releaseLock.Run(rctx, c.client, []string{name}, token).Err()
			unlockLocal()
		})
	}, nil
}

// keepAlive renews the lease until the returned func is called or the lease
// is found to belong to someone else. The returned func waits for the
// renewal goroutine to exit.
func (c *RedisKeyedCache) keepAlive(name, token string) func() {
	every := c.LockTTL / 3
	ticker := c.Clock.NewTicker(every, "rediscache", "renew")
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
			}
			ctx, cancel := context.WithTimeout(context.Background(), every)
			n, err := renewLock.Run(ctx, c.client, []string{name}, token, c.LockTTL.Milliseconds()).Int()
			cancel()
			switch {
			case err != nil:
				// The lease may still be valid; try again on the next tick.
				c.logger.Warn(context.Background(), "renew redis lock", slog.F("lock", name), slog.Error(err))
			case n == 0:
				c.logger.Error(context.Background(), "redis lock lease lost while held", slog.F("lock", name))
				return
			}
		}
	}()
	return func() {
		close(stop)
		<-done
	}
}

// LastScan returns the last accepted scan time for key.
func (c *RedisKeyedCache) LastScan(ctx context.Context, key attendance.Key) (time.Time, bool, error) {
	v, err := c.client.Get(ctx, c.scanKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, xerrors.Errorf("get last scan: %w", err)
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, false, xerrors.Errorf("parse last scan %q: %w", v, err)
	}
	return time.Unix(0, n), true, nil
}

// RecordScan stores at and lets Redis expire it after window.
func (c *RedisKeyedCache) RecordScan(ctx context.Context, key attendance.Key, at time.Time, window time.Duration) error {
	if err := c.client.Set(ctx, c.scanKey(key), at.UnixNano(), window).Err(); err != nil {
		return xerrors.Errorf("record scan: %w", err)
	}
	return nil
}
