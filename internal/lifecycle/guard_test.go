package lifecycle

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLock struct {
	acquired   []time.Duration
	releases   int
	acquireErr error
	releaseErr error
}

func (f *fakeLock) Acquire(timeout time.Duration) error {
	if f.acquireErr != nil {
		return f.acquireErr
	}
	f.acquired = append(f.acquired, timeout)
	return nil
}

func (f *fakeLock) Release() error {
	f.releases++
	return f.releaseErr
}

func TestGuard_AcquireRelease(t *testing.T) {
	lock := &fakeLock{}
	g := NewGuard(lock, nil, nil)

	g.Acquire()
	g.Acquire()
	assert.True(t, g.Held())
	assert.Equal(t, []time.Duration{WakeLockCeiling}, lock.acquired)

	g.Release()
	g.Release()
	assert.False(t, g.Held())
	assert.Equal(t, 1, lock.releases)
}

func TestGuard_ErrorsAreBestEffort(t *testing.T) {
	lock := &fakeLock{acquireErr: errors.New("no sysfs")}
	g := NewGuard(lock, nil, nil)

	g.Acquire()
	assert.False(t, g.Held())
	g.Release()
	assert.Equal(t, 0, lock.releases, "never-acquired lock is not released")

	lock.acquireErr = nil
	lock.releaseErr = errors.New("gone")
	g.Acquire()
	g.Release()
	assert.False(t, g.Held())
}

func TestGuard_ScheduleRestartOneShot(t *testing.T) {
	clock := clockwork.NewFakeClock()
	g := NewGuard(nil, ClockAlarm{Clock: clock}, nil)

	var fired atomic.Int32
	assert.True(t, g.ScheduleRestart(func() { fired.Add(1) }))
	assert.False(t, g.ScheduleRestart(func() { fired.Add(1) }), "second alarm while pending")
	assert.True(t, g.RestartPending())

	clock.Advance(999 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())

	clock.Advance(time.Millisecond)
	require.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return !g.RestartPending() }, time.Second, time.Millisecond)

	assert.True(t, g.ScheduleRestart(func() { fired.Add(1) }), "re-armable after firing")
	g.CancelRestart()
	clock.Advance(time.Second)
	assert.False(t, g.RestartPending())
	assert.Equal(t, int32(1), fired.Load())
}

func TestClockAlarm_RealClock(t *testing.T) {
	done := make(chan struct{})
	ClockAlarm{}.Set(time.Millisecond, func() { close(done) })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	select {
	case <-done:
	case <-ctx.Done():
		t.Fatal("alarm did not fire")
	}
}

func TestSysfsWakeLock(t *testing.T) {
	dir := t.TempDir()
	for _, f := range []string{"wake_lock", "wake_unlock"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, f), nil, 0644))
	}
	w := &SysfsWakeLock{name: "gpsreporter", dir: dir}

	require.NoError(t, w.Release(), "release before acquire")

	require.NoError(t, w.Acquire(time.Hour))
	data, err := os.ReadFile(filepath.Join(dir, "wake_lock"))
	require.NoError(t, err)
	assert.Equal(t, "gpsreporter 3600000000000", string(data))

	require.NoError(t, w.Release())
	data, err = os.ReadFile(filepath.Join(dir, "wake_unlock"))
	require.NoError(t, err)
	assert.Equal(t, "gpsreporter", string(data))
}

func TestSysfsWakeLock_Missing(t *testing.T) {
	w := &SysfsWakeLock{name: "x", dir: filepath.Join(t.TempDir(), "absent")}
	assert.Error(t, w.Acquire(time.Second))
	assert.NoError(t, w.Release())
}
