package ember

import (
	"sync"
	"time"
)

// Defaults for the local send guard. The server enforces its own limit
// independently; this exists to avoid round-trips that would certainly be
// rejected and to give immediate feedback.
const (
	DefaultSendLimit  = 10
	DefaultSendWindow = 60 * time.Second
)

// RateLimiter throttles local send attempts with a sliding window per chat:
// at most limit sends within the trailing window. Timestamps older than the
// window are pruned on every check.
type RateLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	sends  map[string][]time.Time
	now    func() time.Time
}

// NewRateLimiter creates a limiter. Non-positive arguments fall back to the
// defaults (10 sends per 60s).
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = DefaultSendLimit
	}
	if window <= 0 {
		window = DefaultSendWindow
	}
	return &RateLimiter{
		limit:  limit,
		window: window,
		sends:  make(map[string][]time.Time),
		now:    time.Now,
	}
}

// Check permits or rejects a send attempt for the chat. A permitted attempt
// is recorded immediately. On rejection, retryAfter is the time until the
// oldest timestamp in the window expires.
func (rl *RateLimiter) Check(chatID string) (ok bool, retryAfter time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	cutoff := now.Add(-rl.window)
	var recent []time.Time
	for _, t := range rl.sends[chatID] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= rl.limit {
		rl.sends[chatID] = recent
		return false, recent[0].Sub(cutoff)
	}

	rl.sends[chatID] = append(recent, now)
	return true, 0
}

// Reset clears the window for a chat.
func (rl *RateLimiter) Reset(chatID string) {
	rl.mu.Lock()
	delete(rl.sends, chatID)
	rl.mu.Unlock()
}
