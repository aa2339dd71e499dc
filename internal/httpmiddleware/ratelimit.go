package httpmiddleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/gin-gonic/gin"
)

// KeyFunc picks the bucket a request is charged to.
type KeyFunc func(c *gin.Context) string

// ClientIP charges requests to the caller's address.
func ClientIP(c *gin.Context) string {
	return c.ClientIP()
}

// ScanLimiter caps how fast one caller may submit scans. Each caller gets a
// bucket of burst tokens refilled continuously at perMinute.
type ScanLimiter struct {
	burst   float64
	perSec  float64
	idleTTL time.Duration
	clock   quartz.Clock
	mu      sync.Mutex
	buckets map[string]*bucket
	lastGC  time.Time
}

type bucket struct {
	tokens float64
	seen   time.Time
}

// NewScanLimiter returns a limiter. A non-positive perMinute disables it.
func NewScanLimiter(burst, perMinute int, clock quartz.Clock) *ScanLimiter {
	if burst <= 0 {
		burst = perMinute
	}
	if clock == nil {
		clock = quartz.NewReal()
	}
	l := &ScanLimiter{
		burst:   float64(burst),
		perSec:  float64(perMinute) / 60,
		clock:   clock,
		buckets: make(map[string]*bucket),
		lastGC:  clock.Now(),
	}
	if perMinute > 0 {
		// A bucket idle this long is full again and can be dropped.
		l.idleTTL = time.Duration(l.burst / l.perSec * float64(time.Second))
	}
	return l
}

// Middleware rejects requests with 429 once key's bucket is empty. Requests
// for which key returns "" share one bucket.
func (l *ScanLimiter) Middleware(key KeyFunc) gin.HandlerFunc {
	if key == nil {
		key = ClientIP
	}
	return func(c *gin.Context) {
		if l.perSec <= 0 {
			c.Next()
			return
		}
		k := key(c)
		if k == "" {
			k = "unknown"
		}
		if !l.Allow(k) {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many scans"})
			return
		}
		c.Next()
	}
}

// Allow spends one token from key's bucket if it has one.
func (l *ScanLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	l.gc(now)

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: l.burst, seen: now}
		l.buckets[key] = b
	}
	b.tokens = min(l.burst, b.tokens+now.Sub(b.seen).Seconds()*l.perSec)
	b.seen = now
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Tracked returns the number of callers with a live bucket.
func (l *ScanLimiter) Tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

func (l *ScanLimiter) gc(now time.Time) {
	if l.idleTTL <= 0 || now.Sub(l.lastGC) < l.idleTTL {
		return
	}
	for k, b := range l.buckets {
		if now.Sub(b.seen) >= l.idleTTL {
			delete(l.buckets, k)
		}
	}
	l.lastGC = now
}
