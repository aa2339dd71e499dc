// Package roster caches worker lookups against the central store so a scan
// does not pay a database round trip for every recognition.
package roster

import (
	"context"
	"errors"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"golang.org/x/sync/singleflight"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"

	"edgeattend/internal/attendance"
)

// DefaultTTL is how long a worker stays cached when no TTL is configured.
const DefaultTTL = 10 * time.Minute

const maxWorkers = 10_000

// Getter resolves a worker from the system of record.
type Getter interface {
	GetWorker(ctx context.Context, id attendance.WorkerID) (attendance.Worker, error)
}

// Cache is a read-through Getter. Misses for unknown workers are not
// cached so a freshly enrolled worker is seen on the next scan.
type Cache struct {
	getter Getter
	cache  *ristretto.Cache[string, attendance.Worker]
	ttl    time.Duration
	logger slog.Logger
	group  singleflight.Group
}

var _ Getter = (*Cache)(nil)

func New(getter Getter, ttl time.Duration, logger slog.Logger) (*Cache, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	cache, err := ristretto.NewCache(&ristretto.Config[string, attendance.Worker]{
		NumCounters:        maxWorkers * 10,
		MaxCost:            maxWorkers,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, xerrors.Errorf("create roster cache: %w", err)
	}
	return &Cache{
		getter: getter,
		cache:  cache,
		ttl:    ttl,
		logger: logger,
	}, nil
}

// GetWorker returns the worker, consulting the cache first.
func (c *Cache) GetWorker(ctx context.Context, id attendance.WorkerID) (attendance.Worker, error) {
	if w, ok := c.cache.Get(string(id)); ok {
		return w, nil
	}

	v, err, _ := c.group.Do(string(id), func() (any, error) {
		w, err := c.getter.GetWorker(ctx, id)
		if err != nil {
			return attendance.Worker{}, err
		}
		c.cache.SetWithTTL(string(id), w, 1, c.ttl)
		c.cache.Wait()
		return w, nil
	})
	if err != nil {
		if !errors.Is(err, attendance.ErrNotFound) {
			c.logger.Debug(ctx, "roster lookup failed", slog.F("worker_id", id), slog.Error(err))
		}
		return attendance.Worker{}, err
	}
	return v.(attendance.Worker), nil
}

// Clear drops every cached worker. Called when the central store comes back
// so renamed or deactivated workers are picked up.
func (c *Cache) Clear() {
	c.cache.Clear()
}

func (c *Cache) Close() {
	c.cache.Close()
}
