// Package ratelimit implements the fixed-window request limiter that gates
// the activation and verification endpoints. Counters live in process memory:
// each running instance enforces its own independent limit. Swap in another
// Store implementation to share counters across instances.
package ratelimit

import (
	"sync"
	"time"
)

// Config describes one rate-limit bucket dimension.
type Config struct {
	MaxRequests int           // requests allowed per window
	Window      time.Duration // window size
	KeyPrefix   string        // bucket namespace, e.g. "activate_ip"
}

// Result is the outcome of a single limit check.
type Result struct {
	Limited     bool
	Count       int
	Remaining   int
	ResetTime   time.Time
	ResetTimeMs int64 // milliseconds until the window resets
}

// RetryAfter returns the retry hint in whole seconds, rounded up.
func (r Result) RetryAfter() int {
	secs := (r.ResetTimeMs + 999) / 1000
	if secs < 1 {
		secs = 1
	}
	return int(secs)
}

type entry struct {
	count     int
	resetTime time.Time
}

// Store holds fixed-window counters keyed by prefix:identifier. Safe for
// concurrent use.
type Store interface {
	Check(key string, cfg Config) Result
	Sweep()
}

// MemoryStore is the in-process Store implementation.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*entry
	now     func() time.Time
}

// NewMemoryStore creates an empty in-memory counter store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*entry),
		now:     time.Now,
	}
}

// Check records one request against the bucket identified by cfg.KeyPrefix
// and key, and reports whether it exceeded the window limit. The first
// request of a fresh (or elapsed) window restarts the count at 1. The request
// that crosses MaxRequests is counted and marked limited; the caller is
// expected to reject it.
func (s *MemoryStore) Check(key string, cfg Config) Result {
	fullKey := key
	if cfg.KeyPrefix != "" {
		fullKey = cfg.KeyPrefix + ":" + key
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	e, ok := s.entries[fullKey]
	if !ok || now.After(e.resetTime) {
		e = &entry{count: 1, resetTime: now.Add(cfg.Window)}
		s.entries[fullKey] = e
		return Result{
			Limited:     false,
			Count:       1,
			Remaining:   cfg.MaxRequests - 1,
			ResetTime:   e.resetTime,
			ResetTimeMs: cfg.Window.Milliseconds(),
		}
	}

	e.count++
	remaining := cfg.MaxRequests - e.count
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Limited:     e.count > cfg.MaxRequests,
		Count:       e.count,
		Remaining:   remaining,
		ResetTime:   e.resetTime,
		ResetTimeMs: e.resetTime.Sub(now).Milliseconds(),
	}
}

// Sweep evicts entries whose window has elapsed. Purely housekeeping: a stale
// entry left behind is treated as a fresh window on its next lookup anyway.
func (s *MemoryStore) Sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for k, e := range s.entries {
		if now.After(e.resetTime) {
			delete(s.entries, k)
		}
	}
}

// StartSweeper runs Sweep on the given interval until stop is closed.
func (s *MemoryStore) StartSweeper(interval time.Duration, stop <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.Sweep()
			case <-stop:
				return
			}
		}
	}()
}

// Len reports the number of live counter entries, for tests and diagnostics.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Limits groups the bucket configurations for one protected operation.
// Device buckets use tighter ceilings and longer windows than IP buckets:
// they slow credential stuffing against one device identity while leaving
// many distinct devices behind a shared NAT unaffected.
type Limits struct {
	IP     Config
	Device Config
	Global Config
}

// ActivateLimits returns the default bucket set for the activation endpoint.
func ActivateLimits() Limits {
	return Limits{
		IP:     Config{MaxRequests: 10, Window: time.Minute, KeyPrefix: "activate_ip"},
		Device: Config{MaxRequests: 5, Window: time.Hour, KeyPrefix: "activate_device"},
		Global: Config{MaxRequests: 50, Window: time.Minute, KeyPrefix: "activate_global"},
	}
}

// VerifyLimits returns the default bucket set for the verification endpoint.
// Verification is a read, so the ceilings sit higher than activation's.
func VerifyLimits() Limits {
	return Limits{
		IP:     Config{MaxRequests: 30, Window: time.Minute, KeyPrefix: "verify_ip"},
		Device: Config{MaxRequests: 20, Window: time.Hour, KeyPrefix: "verify_device"},
		Global: Config{MaxRequests: 200, Window: time.Minute, KeyPrefix: "verify_global"},
	}
}
