// Package lifecycle keeps the reporter eligible to run and re-arms it after
// the host tears it down.
package lifecycle

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

const (
	// WakeLockCeiling bounds every wake lock so a leaked one still expires.
	WakeLockCeiling = 10 * time.Hour
	// RestartDelay is how long after host removal the reporter is restarted.
	RestartDelay = time.Second
)

// WakeLock keeps the host from suspending the process.
type WakeLock interface {
	Acquire(timeout time.Duration) error
	Release() error
}

// Alarm runs a function once after a delay.
type Alarm interface {
	Set(delay time.Duration, fn func()) (cancel func())
}

// ClockAlarm implements Alarm with a clockwork clock.
type ClockAlarm struct {
	Clock clockwork.Clock
}

func (a ClockAlarm) Set(delay time.Duration, fn func()) func() {
	clock := a.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	t := clock.AfterFunc(delay, fn)
	return func() { t.Stop() }
}

// Guard pairs wake lock acquire/release with the reporter's operating window
// and owns the one-shot restart alarm. Wake lock failures are logged and never
// abort the reporter.
type Guard struct {
	lock    WakeLock
	alarm   Alarm
	ceiling time.Duration
	delay   time.Duration
	log     *zap.Logger

	mu      sync.Mutex
	held    bool
	pending func()
}

// NewGuard creates a Guard. A nil lock behaves like NoopWakeLock.
func NewGuard(lock WakeLock, alarm Alarm, log *zap.Logger) *Guard {
	if lock == nil {
		lock = NoopWakeLock{}
	}
	if alarm == nil {
		alarm = ClockAlarm{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Guard{
		lock:    lock,
		alarm:   alarm,
		ceiling: WakeLockCeiling,
		delay:   RestartDelay,
		log:     log,
	}
}

// Acquire takes the wake lock for at most the ceiling.
func (g *Guard) Acquire() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.held {
		return
	}
	if err := g.lock.Acquire(g.ceiling); err != nil {
		g.log.Warn("wake lock acquire failed", zap.Error(err))
		return
	}
	g.held = true
	g.log.Debug("wake lock acquired", zap.Duration("ceiling", g.ceiling))
}

// Release drops the wake lock. Releasing when nothing is held is a no-op.
func (g *Guard) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.held {
		return
	}
	g.held = false
	if err := g.lock.Release(); err != nil {
		g.log.Warn("wake lock release failed", zap.Error(err))
		return
	}
	g.log.Debug("wake lock released")
}

// Held reports whether the wake lock is currently held.
func (g *Guard) Held() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.held
}

// ScheduleRestart arms a single alarm that calls fn after the restart delay.
// It returns false if an alarm is already pending.
func (g *Guard) ScheduleRestart(fn func()) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pending != nil {
		return false
	}
	g.pending = g.alarm.Set(g.delay, func() {
		g.mu.Lock()
		g.pending = nil
		g.mu.Unlock()
		fn()
	})
	g.log.Info("restart alarm armed", zap.Duration("delay", g.delay))
	return true
}

// CancelRestart disarms a pending restart alarm.
func (g *Guard) CancelRestart() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pending != nil {
		g.pending()
		g.pending = nil
	}
}

// RestartPending reports whether a restart alarm is armed.
func (g *Guard) RestartPending() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pending != nil
}
