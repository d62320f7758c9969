package iot

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type limiterEntry struct {
	limiter  *rate.Limiter
	lastUsed time.Time
	pinned   bool
}

// RateLimiterStore keeps one token bucket per sensor id for the ingest paths.
// Buckets created from the defaults are dropped by PruneIdle once unused;
// buckets set explicitly are kept.
type RateLimiterStore struct {
	mu           sync.Mutex
	limiters     map[string]*limiterEntry
	defaultRate  rate.Limit
	defaultBurst int
	now          func() time.Time
}

func NewRateLimiterStore(defaultRate rate.Limit, defaultBurst int) *RateLimiterStore {
	return &RateLimiterStore{
		limiters:     make(map[string]*limiterEntry),
		defaultRate:  defaultRate,
		defaultBurst: defaultBurst,
		now:          time.Now,
	}
}

func (s *RateLimiterStore) GetLimiter(sensorID string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, exists := s.limiters[sensorID]
	if !exists {
		entry = &limiterEntry{limiter: rate.NewLimiter(s.defaultRate, s.defaultBurst)}
		s.limiters[sensorID] = entry
	}
	entry.lastUsed = s.now()
	return entry.limiter
}

func (s *RateLimiterStore) SetLimiter(sensorID string, sensorRate rate.Limit, sensorBurst int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limiters[sensorID] = &limiterEntry{
		limiter:  rate.NewLimiter(sensorRate, sensorBurst),
		lastUsed: s.now(),
		pinned:   true,
	}
}

// Allow is a nil-safe shortcut used by the transports.
func (s *RateLimiterStore) Allow(sensorID string) bool {
	if s == nil {
		return true
	}
	return s.GetLimiter(sensorID).Allow()
}

func (s *RateLimiterStore) PruneIdle(idle time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-idle)
	removed := 0
	for id, entry := range s.limiters {
		if !entry.pinned && entry.lastUsed.Before(cutoff) {
			delete(s.limiters, id)
			removed++
		}
	}
	return removed
}

func (s *RateLimiterStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.limiters)
}
