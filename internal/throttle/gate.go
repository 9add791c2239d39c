// Package throttle limits how often a position may be sent.
package throttle

import (
	"sync"
	"time"
)

// Gate is the single admission point for outbound reports. Check and update
// happen under one lock so concurrent timelines cannot both pass on a stale
// last-sent value.
type Gate struct {
	mu         sync.Mutex
	intervalMs int64
	lastSentMs int64
}

// NewGate creates a gate that admits at most one report per interval.
func NewGate(interval time.Duration) *Gate {
	return &Gate{intervalMs: interval.Milliseconds()}
}

// Accept admits now and records it as the last send time iff at least one
// interval has elapsed since the previous admission. Rejections do not mutate.
func (g *Gate) Accept(now time.Time) bool {
	nowMs := now.UnixMilli()

	g.mu.Lock()
	defer g.mu.Unlock()
	if nowMs-g.lastSentMs < g.intervalMs {
		return false
	}
	g.lastSentMs = nowMs
	return true
}

// LastSent returns the last admission time, or the zero time if none.
func (g *Gate) LastSent() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.lastSentMs == 0 {
		return time.Time{}
	}
	return time.UnixMilli(g.lastSentMs).UTC()
}

// Interval returns the configured minimum gap.
func (g *Gate) Interval() time.Duration {
	return time.Duration(g.intervalMs) * time.Millisecond
}
