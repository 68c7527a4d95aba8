package command

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// limiterSet keeps one token bucket per conversation id.
type limiterSet struct {
	limit rate.Limit
	burst int
	now   func() time.Time

	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
	lastSeen map[string]time.Time
}

func newLimiterSet(perSecond float64, burst int) *limiterSet {
	if burst < 1 {
		burst = 1
	}
	return &limiterSet{
		limit:    rate.Limit(perSecond),
		burst:    burst,
		now:      time.Now,
		limiters: make(map[string]*rate.Limiter),
		lastSeen: make(map[string]time.Time),
	}
}

func (s *limiterSet) allow(userID string) bool {
	now := s.now()
	limiter := s.get(userID, now)
	return limiter.AllowN(now, 1)
}

func (s *limiterSet) get(userID string, now time.Time) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastSeen[userID] = now
	if limiter, ok := s.limiters[userID]; ok {
		return limiter
	}
	limiter := rate.NewLimiter(s.limit, s.burst)
	s.limiters[userID] = limiter
	return limiter
}

// prune drops buckets unused for longer than idle and reports how many went.
func (s *limiterSet) prune(idle time.Duration) int {
	cutoff := s.now().Add(-idle)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for userID, seen := range s.lastSeen {
		if seen.Before(cutoff) {
			delete(s.limiters, userID)
			delete(s.lastSeen, userID)
			removed++
		}
	}
	return removed
}

func (s *limiterSet) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.limiters)
}
