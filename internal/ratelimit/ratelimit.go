// Package ratelimit decides which arriving frames get processed.
package ratelimit

import "time"

// DefaultFPS is the target processing rate when none is configured.
const DefaultFPS = 10

// RateLimiter admits at most one frame per interval. There is no queue: a
// frame that is not admitted is gone. Not safe for concurrent use; it is
// driven from the single capture goroutine.
type RateLimiter struct {
	intervalMs   int64
	lastAdmitted int64
	admitted     bool
}

// New returns a limiter for targetFPS frames per second. Non-positive values
// fall back to DefaultFPS.
func New(targetFPS int) *RateLimiter {
	if targetFPS <= 0 {
		targetFPS = DefaultFPS
	}
	// Round up so that targetFPS admissions never fit in less than a second.
	return &RateLimiter{intervalMs: int64((1000 + targetFPS - 1) / targetFPS)}
}

// Admit reports whether a frame arriving at nowMs should be processed.
// lastAdmitted only moves on admission.
func (r *RateLimiter) Admit(nowMs int64) bool {
	if r.admitted && nowMs-r.lastAdmitted < r.intervalMs {
		return false
	}
	r.lastAdmitted = nowMs
	r.admitted = true
	return true
}

// Interval is the minimum spacing between admitted frames.
func (r *RateLimiter) Interval() time.Duration {
	return time.Duration(r.intervalMs) * time.Millisecond
}
