// Package ratelimit admits requests per client key with a sliding window.
package ratelimit

import (
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	DefaultWindow      = 60 * time.Second
	DefaultMaxRequests = 10

	unknownKey = "unknown"
	pruneEvery = 256
)

// Config sets how many requests a key may make per window.
type Config struct {
	Window      time.Duration
	MaxRequests int // <= 0 disables limiting.
	// IdleTTL drops state for keys idle this long. Values below Window select 10x Window.
	IdleTTL time.Duration
}

// DefaultConfig returns the default admission policy: 10 requests per minute per key.
func DefaultConfig() Config {
	return Config{Window: DefaultWindow, MaxRequests: DefaultMaxRequests}
}

type entry struct {
	hits []time.Time // admitted request times, oldest first
	last time.Time
}

// evict drops hits that fell out of the window ending at now.
func (e *entry) evict(now time.Time, window time.Duration) {
	i := 0
	for i < len(e.hits) && now.Sub(e.hits[i]) > window {
		i++
	}
	if i > 0 {
		e.hits = append(e.hits[:0], e.hits[i:]...)
	}
}

// Limiter keeps a sliding-window log per key. It is safe for concurrent use.
type Limiter struct {
	mu    sync.Mutex
	cfg   Config
	keys  map[string]*entry
	calls int
	now   func() time.Time
}

// New returns a limiter for cfg.
func New(cfg Config) *Limiter {
	l := &Limiter{keys: make(map[string]*entry), now: time.Now}
	l.cfg = normalize(cfg)
	return l
}

func normalize(cfg Config) Config {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.IdleTTL < cfg.Window {
		cfg.IdleTTL = 10 * cfg.Window
	}
	return cfg
}

// Allow reports whether key has made fewer than MaxRequests admitted requests
// within the last Window, and records the request when it is admitted.
// Rejected requests do not count against the key.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cfg.MaxRequests <= 0 {
		return true
	}
	now := l.now()
	l.calls++
	if l.calls%pruneEvery == 0 {
		l.pruneLocked(now)
	}
	e := l.keys[key]
	if e == nil {
		e = &entry{}
		l.keys[key] = e
	}
	e.last = now
	e.evict(now, l.cfg.Window)
	if len(e.hits) >= l.cfg.MaxRequests {
		return false
	}
	e.hits = append(e.hits, now)
	return true
}

// SetConfig replaces the policy. Recorded hits are kept and judged against the new window.
func (l *Limiter) SetConfig(cfg Config) {
	cfg = normalize(cfg)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cfg = cfg
	if cfg.MaxRequests <= 0 {
		clear(l.keys)
	}
}

// Config returns the active policy.
func (l *Limiter) Config() Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cfg
}

// Len reports how many keys currently hold state.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.keys)
}

func (l *Limiter) pruneLocked(now time.Time) {
	for k, e := range l.keys {
		if now.Sub(e.last) > l.cfg.IdleTTL {
			delete(l.keys, k)
		}
	}
}

// KeyFromRequest keys clients by User-Agent; requests without one share a key.
func KeyFromRequest(r *http.Request) string {
	if ua := strings.TrimSpace(r.Header.Get("User-Agent")); ua != "" {
		return ua
	}
	return unknownKey
}
