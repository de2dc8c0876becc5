// Package ratelimit provides per-key token-bucket limiting shared by the
// registry HTTP server and the management handshake.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	sweepInterval = 5 * time.Minute
	idleTimeout   = 10 * time.Minute
)

type keyLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Set holds one limiter per key (usually a client IP). Stale entries are
// swept lazily on access.
type Set struct {
	mu        sync.Mutex
	limiters  map[string]*keyLimiter
	rps       rate.Limit
	burst     int
	lastSweep time.Time
}

// New returns a Set allowing rps steady-state events per second per key with
// the given burst. rps <= 0 disables limiting.
func New(rps, burst int) *Set {
	if burst <= 0 {
		burst = 1
	}
	return &Set{
		limiters:  make(map[string]*keyLimiter),
		rps:       rate.Limit(rps),
		burst:     burst,
		lastSweep: time.Now(),
	}
}

// Allow reports whether an event for key may happen now.
func (s *Set) Allow(key string) bool {
	if s == nil || s.rps <= 0 {
		return true
	}

	now := time.Now()
	s.mu.Lock()
	if now.Sub(s.lastSweep) > sweepInterval {
		for k, l := range s.limiters {
			if now.Sub(l.lastSeen) > idleTimeout {
				delete(s.limiters, k)
			}
		}
		s.lastSweep = now
	}
	l, ok := s.limiters[key]
	if !ok {
		l = &keyLimiter{limiter: rate.NewLimiter(s.rps, s.burst)}
		s.limiters[key] = l
	}
	l.lastSeen = now
	s.mu.Unlock()

	return l.limiter.Allow()
}

// Len returns the number of tracked keys.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.limiters)
}
