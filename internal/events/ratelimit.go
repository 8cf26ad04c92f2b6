package events

import "time"

// rateLimiter is a fixed one-second window counter. Events beyond the
// per-second limit are dropped rather than delayed: a slow consumer
// must never stall filesystem operations.
type rateLimiter struct {
	limit  int
	window int64
	count  int
}

func newRateLimiter(perSecond int) *rateLimiter {
	return &rateLimiter{limit: perSecond}
}

// allow consumes one slot in the current window. Callers hold the bus
// lock.
func (r *rateLimiter) allow(now time.Time) bool {
	if r.limit <= 0 {
		return true
	}
	sec := now.Unix()
	if sec != r.window {
		r.window = sec
		r.count = 0
	}
	if r.count >= r.limit {
		return false
	}
	r.count++
	return true
}
