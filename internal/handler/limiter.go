package handler

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const limiterEvictAfter = 10 * time.Minute

type limiterEntry struct {
	limiter  *rate.Limiter
	lastUsed time.Time
}

// userLimiter hands every user their own token bucket. A nil userLimiter
// allows everything.
type userLimiter struct {
	perMinute int

	mu        sync.Mutex
	entries   map[string]limiterEntry
	lastSweep time.Time
}

func newUserLimiter(perMinute int) *userLimiter {
	if perMinute <= 0 {
		return nil
	}
	return &userLimiter{
		perMinute: perMinute,
		entries:   make(map[string]limiterEntry),
	}
}

func (l *userLimiter) allow(userID string, now time.Time) bool {
	if l == nil {
		return true
	}

	l.mu.Lock()
	if now.Sub(l.lastSweep) > limiterEvictAfter {
		for key, entry := range l.entries {
			if now.Sub(entry.lastUsed) > limiterEvictAfter {
				delete(l.entries, key)
			}
		}
		l.lastSweep = now
	}
	entry, ok := l.entries[userID]
	if !ok {
		entry = limiterEntry{
			limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(l.perMinute)), l.perMinute),
		}
	}
	entry.lastUsed = now
	l.entries[userID] = entry
	l.mu.Unlock()

	return entry.limiter.AllowN(now, 1)
}
