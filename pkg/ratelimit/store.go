package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Store keeps one token bucket per key. The sinks use it to throttle
// repeated warnings, one key per failing target.
type Store struct {
	mu        sync.Mutex
	entries   map[string]*entry
	rate      rate.Limit
	burst     int
	ttl       time.Duration
	lastSweep time.Time
	now       func() time.Time
}

func NewStore(r rate.Limit, burst int, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Store{
		entries: make(map[string]*entry, 64),
		rate:    r,
		burst:   burst,
		ttl:     ttl,
		now:     time.Now,
	}
}

// Allow reports whether key may pass now. Idle keys are swept once per ttl.
func (s *Store) Allow(key string) bool {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	if now.Sub(s.lastSweep) >= s.ttl {
		s.sweep(now)
	}
	e, ok := s.entries[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(s.rate, s.burst)}
		s.entries[key] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

// Len is the number of tracked keys.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Store) sweep(now time.Time) {
	cut := now.Add(-s.ttl)
	for k, e := range s.entries {
		if e.lastSeen.Before(cut) {
			delete(s.entries, k)
		}
	}
	s.lastSweep = now
}
