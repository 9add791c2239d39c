package gps

import (
	"math"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// DemoGPS publishes simulated fixes along a small circle once per period.
type DemoGPS struct {
	Feed

	clock  clockwork.Clock
	period time.Duration

	mu   sync.Mutex
	t    float64
	stop chan struct{}
	done chan struct{}
}

// NewDemoGPS creates a simulator driven by clock. A nil clock uses real time.
func NewDemoGPS(clock clockwork.Clock, period time.Duration) *DemoGPS {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if period <= 0 {
		period = time.Second
	}
	return &DemoGPS{clock: clock, period: period}
}

func (d *DemoGPS) Name() string { return "Demo GPS (Simulated)" }

// Connect starts publishing. Calling it twice is a no-op.
func (d *DemoGPS) Connect() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stop != nil {
		return nil
	}
	d.stop = make(chan struct{})
	d.done = make(chan struct{})
	go d.loop(d.stop, d.done)
	return nil
}

// Close stops publishing.
func (d *DemoGPS) Close() error {
	d.mu.Lock()
	stop, done := d.stop, d.done
	d.stop, d.done = nil, nil
	d.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
	return nil
}

func (d *DemoGPS) loop(stop, done chan struct{}) {
	defer close(done)
	ticker := d.clock.NewTicker(d.period)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case now := <-ticker.Chan():
			d.Publish(d.next(now))
		}
	}
}

func (d *DemoGPS) next(now time.Time) Fix {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.t += 0.1

	// Circle around a fixed point
	centerLat := -7.2575 // Surabaya
	centerLon := 112.7521
	radius := 0.005 // ~500m

	return Fix{
		Latitude:   centerLat + radius*math.Sin(d.t*0.1),
		Longitude:  centerLon + radius*math.Cos(d.t*0.1),
		CapturedAt: now.UTC(),
	}
}
