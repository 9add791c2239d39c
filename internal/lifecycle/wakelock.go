package lifecycle

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

// NoopWakeLock is used where the host has no wake lock facility.
type NoopWakeLock struct{}

func (NoopWakeLock) Acquire(time.Duration) error { return nil }
func (NoopWakeLock) Release() error              { return nil }

// SysfsWakeLock uses the Linux PM wakeup source interface
// (/sys/power/wake_lock and /sys/power/wake_unlock, CONFIG_PM_WAKELOCKS).
type SysfsWakeLock struct {
	name string
	dir  string

	mu   sync.Mutex
	held bool
}

// NewSysfsWakeLock creates a wake lock called name under /sys/power.
func NewSysfsWakeLock(name string) *SysfsWakeLock {
	return &SysfsWakeLock{name: name, dir: "/sys/power"}
}

// Acquire writes "<name> <timeout ns>" so the kernel drops the lock by itself
// once timeout passes.
func (w *SysfsWakeLock) Acquire(timeout time.Duration) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	value := w.name
	if timeout > 0 {
		value += " " + strconv.FormatInt(timeout.Nanoseconds(), 10)
	}
	if err := w.write("wake_lock", value); err != nil {
		return err
	}
	w.held = true
	return nil
}

// Release unlocks. Releasing an unheld lock is a no-op.
func (w *SysfsWakeLock) Release() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.held {
		return nil
	}
	w.held = false
	return w.write("wake_unlock", w.name)
}

func (w *SysfsWakeLock) write(file, value string) error {
	path := filepath.Join(w.dir, file)
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("wake lock: open %s: %w", path, err)
	}
	defer f.Close()
	if _, err := f.WriteString(value); err != nil {
		return fmt.Errorf("wake lock: write %s: %w", path, err)
	}
	return nil
}
