// Package ratelimit provides keyed token bucket rate limiting middleware.
package ratelimit

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/pendergraft/sorobanregistry/internal/middleware/realip"
)

// Config holds one rate limit budget
type Config struct {
	Enabled bool
	// PerMinute is the sustained number of requests allowed per key
	PerMinute int
	Burst     int
	// IdleTTL is how long an unused key is kept before it is swept
	IdleTTL time.Duration
}

// KeyFunc derives the limiting key for a request
type KeyFunc func(r *http.Request) string

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter tracks one token bucket per key
type Limiter struct {
	name  string
	rate  rate.Limit
	burst int
	ttl   time.Duration
	key   KeyFunc

	mu      sync.Mutex
	entries map[string]*entry
	now     func() time.Time
	stopCh  chan struct{}
	once    sync.Once
}

// exemptPaths are never limited
var exemptPaths = map[string]bool{
	"/health":  true,
	"/healthz": true,
	"/readyz":  true,
	"/metrics": true,
}

// New creates a limiter keyed by client address. A background sweep drops
// idle keys until Stop is called.
func New(name string, cfg Config) *Limiter {
	ttl := cfg.IdleTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	l := &Limiter{
		name:    name,
		rate:    rate.Limit(float64(cfg.PerMinute) / 60.0),
		burst:   burst,
		ttl:     ttl,
		key:     realip.FromRequest,
		entries: make(map[string]*entry),
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}
	go l.sweepLoop()
	return l
}

// WithKey replaces the key function
func (l *Limiter) WithKey(fn KeyFunc) *Limiter {
	l.key = fn
	return l
}

// Stop ends the background sweep
func (l *Limiter) Stop() {
	l.once.Do(func() { close(l.stopCh) })
}

// Len reports the number of tracked keys
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Allow consumes a token for key
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	now := l.now()
	e, ok := l.entries[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.entries[key] = e
	}
	e.lastSeen = now
	l.mu.Unlock()
	return e.limiter.AllowN(now, 1)
}

func (l *Limiter) sweepLoop() {
	ticker := time.NewTicker(l.ttl)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.sweep()
		case <-l.stopCh:
			return
		}
	}
}

func (l *Limiter) sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-l.ttl)
	for k, e := range l.entries {
		if e.lastSeen.Before(cutoff) {
			delete(l.entries, k)
		}
	}
}

// retryAfter is the number of seconds until one token refills
func (l *Limiter) retryAfter() int {
	if l.rate <= 0 {
		return 60
	}
	return int(math.Ceil(1 / float64(l.rate)))
}

// Middleware rejects requests over budget with 429
func (l *Limiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if exemptPaths[r.URL.Path] || l.Allow(l.key(r)) {
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", strconv.Itoa(l.retryAfter()))
			w.Header().Set("X-Rate-Limit-Scope", l.name)
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(map[string]any{
				"error": map[string]any{
					"code":    "RATE_LIMIT_EXCEEDED",
					"message": "Too many " + l.name + " requests. Please try again later.",
				},
			})
		})
	}
}

// Middleware returns a client-address limiter for cfg, or a pass-through
// when cfg is disabled. The returned stop func is always safe to call.
func Middleware(name string, cfg Config) (func(http.Handler) http.Handler, func()) {
	if !cfg.Enabled {
		return func(next http.Handler) http.Handler { return next }, func() {}
	}
	l := New(name, cfg)
	return l.Middleware(), l.Stop
}
