package handlers

import (
	"strings"
	"sync"
	"time"
)

// userRateLimiter throttles a single endpoint per user over a fixed window.
type userRateLimiter struct {
	limit  int
	window time.Duration
	clock  func() time.Time

	mu      sync.Mutex
	windows map[string]rateWindow
}

type rateWindow struct {
	count int
	reset time.Time
}

func newUserRateLimiter(limit int, window time.Duration, clock func() time.Time) *userRateLimiter {
	if limit <= 0 || window <= 0 {
		return nil
	}
	if clock == nil {
		clock = time.Now
	}
	return &userRateLimiter{
		limit:   limit,
		window:  window,
		clock:   clock,
		windows: make(map[string]rateWindow),
	}
}

// Allow records an attempt for userID. When refused it returns how long until the window resets.
func (l *userRateLimiter) Allow(userID string) (bool, time.Duration) {
	if l == nil {
		return true, 0
	}
	userID = strings.TrimSpace(userID)
	now := l.clock()

	l.mu.Lock()
	defer l.mu.Unlock()

	current, ok := l.windows[userID]
	if !ok || !now.Before(current.reset) {
		l.windows[userID] = rateWindow{count: 1, reset: now.Add(l.window)}
		l.pruneLocked(now)
		return true, 0
	}
	if current.count >= l.limit {
		return false, current.reset.Sub(now)
	}
	current.count++
	l.windows[userID] = current
	return true, 0
}

func (l *userRateLimiter) pruneLocked(now time.Time) {
	for key, w := range l.windows {
		if !now.Before(w.reset) {
			delete(l.windows, key)
		}
	}
}
