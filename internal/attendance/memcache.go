package attendance

import (
	"context"
	"sync"
	"time"
)

// MemoryCache is a process-local LockedKeyedCache. Entries are lost on
// restart, which only means a restarted device accepts one extra scan.
type MemoryCache struct {
	mu    sync.Mutex
	locks map[Key]*keyLock
	scans map[Key]scanEntry
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

type scanEntry struct {
	at      time.Time
	expires time.Time
}

var _ LockedKeyedCache = (*MemoryCache)(nil)

// NewMemoryCache returns an empty cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		locks: make(map[Key]*keyLock),
		scans: make(map[Key]scanEntry),
	}
}

// Lock acquires the per-key lock.
func (c *MemoryCache) Lock(ctx context.Context, key Key) (func(), error) {
	c.mu.Lock()
	kl, ok := c.locks[key]
	if !ok {
		kl = &keyLock{ch: make(chan struct{}, 1)}
		c.locks[key] = kl
	}
	kl.refs++
	c.mu.Unlock()

	select {
	case kl.ch <- struct{}{}:
	case <-ctx.Done():
		c.release(key, kl)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-kl.ch
			c.release(key, kl)
		})
	}, nil
}

func (c *MemoryCache) release(key Key, kl *keyLock) {
	c.mu.Lock()
	defer c.mu.Unlock()
	kl.refs--
	if kl.refs == 0 {
		delete(c.locks, key)
	}
}

// LastScan returns the last recorded scan for key.
func (c *MemoryCache) LastScan(_ context.Context, key Key) (time.Time, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.scans[key]
	return e.at, ok, nil
}

// RecordScan stores at for key and drops entries that expired before at.
func (c *MemoryCache) RecordScan(_ context.Context, key Key, at time.Time, window time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.scans {
		if e.expires.Before(at) {
			delete(c.scans, k)
		}
	}
	c.scans[key] = scanEntry{at: at, expires: at.Add(window)}
	return nil
}

// Len returns the number of live scan entries. Used by tests and metrics.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.scans)
}
