package gps

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNoFix is returned by LastKnown when no position has been acquired yet.
	ErrNoFix = errors.New("gps: no fix available")
	// ErrPermissionDenied means the process may not read the position source.
	ErrPermissionDenied = errors.New("gps: location permission denied")
)

// Fix holds a single point-in-time position reading.
type Fix struct {
	Latitude   float64   `json:"latitude"`   // Decimal degrees
	Longitude  float64   `json:"longitude"`  // Decimal degrees
	CapturedAt time.Time `json:"capturedAt"` // When the receiver produced it
}

// CapturedAtMillis returns the capture time as Unix epoch milliseconds.
func (f Fix) CapturedAtMillis() int64 {
	return f.CapturedAt.UnixMilli()
}

// Request tunes how often a push subscription is notified.
type Request struct {
	MinInterval     time.Duration // Minimum capture-time gap between notifications
	MinDisplacement float64       // Meters; 0 delivers even when stationary
}

// PushProvider invokes a registered callback whenever a new fix is produced.
type PushProvider interface {
	Subscribe(req Request, fn func(Fix)) (*Subscription, error)
}

// PullProvider returns the most recently known fix on demand. The result is
// not guaranteed to be fresh.
type PullProvider interface {
	LastKnown(ctx context.Context) (Fix, error)
}

// Provider is the interface for GPS data sources. Every source can be both
// pushed from and pulled from.
type Provider interface {
	PushProvider
	PullProvider
	Name() string
	Connect() error
	Close() error
}
