// Package ratelimit throttles inbound user events with a per-user
// fixed window that resets on expiry and a temporary block once the
// window overflows.
package ratelimit

import (
	"sync"
	"time"
)

const (
	DefaultWindowSeconds = 3
	DefaultMaxEvents     = 5
	DefaultBlockSeconds  = 30
)

// Config holds the process-wide throttling options.
type Config struct {
	WindowSeconds int
	MaxEvents     int
	BlockSeconds  int
}

// Decision is the outcome of a single Check.
type Decision struct {
	Allowed      bool
	RetryAfter   time.Duration
	BlockedUntil time.Time
}

// RetryAfterSeconds rounds the remaining block up to whole seconds.
func (d Decision) RetryAfterSeconds() int {
	if d.Allowed {
		return 0
	}
	secs := int((d.RetryAfter + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

type record struct {
	windowStart   time.Time
	countInWindow int
	blockedUntil  time.Time
}

// Limiter owns one record per user. Records are created lazily and are
// never removed.
type Limiter struct {
	mu      sync.Mutex
	records map[string]*record
	window  time.Duration
	max     int
	block   time.Duration
}

func New(cfg Config) *Limiter {
	if cfg.WindowSeconds <= 0 {
		cfg.WindowSeconds = DefaultWindowSeconds
	}
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = DefaultMaxEvents
	}
	if cfg.BlockSeconds <= 0 {
		cfg.BlockSeconds = DefaultBlockSeconds
	}
	return &Limiter{
		records: make(map[string]*record),
		window:  time.Duration(cfg.WindowSeconds) * time.Second,
		max:     cfg.MaxEvents,
		block:   time.Duration(cfg.BlockSeconds) * time.Second,
	}
}

// Check registers one event for userID at now and reports whether it may
// proceed.
//
// The window is not rolling: once more than the window length has passed
// since windowStart the counter restarts at 1, so bursts straddling a
// boundary can exceed MaxEvents per window length.
func (l *Limiter) Check(userID string, now time.Time) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.records[userID]
	if !ok {
		l.records[userID] = &record{windowStart: now, countInWindow: 1}
		return Decision{Allowed: true}
	}

	if !r.blockedUntil.IsZero() {
		if now.Before(r.blockedUntil) {
			return Decision{
				RetryAfter:   r.blockedUntil.Sub(now),
				BlockedUntil: r.blockedUntil,
			}
		}
		r.blockedUntil = time.Time{}
		r.countInWindow = 0
	}

	if now.Sub(r.windowStart) > l.window {
		r.windowStart = now
		r.countInWindow = 1
		return Decision{Allowed: true}
	}

	r.countInWindow++
	if r.countInWindow > l.max {
		r.blockedUntil = now.Add(l.block)
		return Decision{
			RetryAfter:   l.block,
			BlockedUntil: r.blockedUntil,
		}
	}
	return Decision{Allowed: true}
}

// Blocked reports whether userID is inside a block at now without
// registering an event.
func (l *Limiter) Blocked(userID string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.records[userID]
	return ok && !r.blockedUntil.IsZero() && now.Before(r.blockedUntil)
}

// Len returns the number of tracked users.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}
