package main

import (
	"sync"
	"time"
)

const (
	maxInputsPerSecond = 60
	inputRateWindow    = time.Second
)

type rateWindow struct {
	count   int
	resetAt time.Time
}

// RateLimiter caps accepted INPUT packets per player per one-second window.
// State is keyed by player id and must be released with Clear on disconnect.
type RateLimiter struct {
	mu      sync.Mutex
	max     int
	windows map[string]*rateWindow
	now     func() time.Time
}

// NewRateLimiter creates a limiter allowing max calls per window per player
func NewRateLimiter(max int) *RateLimiter {
	if max <= 0 {
		max = maxInputsPerSecond
	}
	return &RateLimiter{
		max:     max,
		windows: make(map[string]*rateWindow),
		now:     time.Now,
	}
}

// Check records one call for playerID and reports whether it is within the cap
func (rl *RateLimiter) Check(playerID string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	w, ok := rl.windows[playerID]
	if !ok || now.After(w.resetAt) {
		w = &rateWindow{resetAt: now.Add(inputRateWindow)}
		rl.windows[playerID] = w
	}
	w.count++
	return w.count <= rl.max
}

// Clear drops the window for playerID
func (rl *RateLimiter) Clear(playerID string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.windows, playerID)
}

// Tracked returns how many players currently hold limiter state
func (rl *RateLimiter) Tracked() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.windows)
}
