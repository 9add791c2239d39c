package gps

import (
	"context"
	"errors"
	"math"
	"sync"
)

// Subscription is a registered push callback. Cancel is deterministic: once it
// returns, no new callback invocation starts. An invocation already running
// when Cancel is called is allowed to finish.
type Subscription struct {
	mu        sync.Mutex
	req       Request
	fn        func(Fix)
	cancelled bool
	last      *Fix

	errCh    chan error
	onCancel func(*Subscription)
}

// Cancel deregisters the subscription. Safe to call more than once.
func (s *Subscription) Cancel() {
	s.mu.Lock()
	if s.cancelled {
		s.mu.Unlock()
		return
	}
	s.cancelled = true
	s.mu.Unlock()

	if s.onCancel != nil {
		s.onCancel(s)
	}
}

// Cancelled reports whether Cancel has been called.
func (s *Subscription) Cancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

// Err delivers at most one unrecoverable provider error.
func (s *Subscription) Err() <-chan error {
	return s.errCh
}

func (s *Subscription) fail(err error) {
	select {
	case s.errCh <- err:
	default:
	}
}

// deliver invokes the callback if the fix passes the request filters.
func (s *Subscription) deliver(f Fix) bool {
	s.mu.Lock()
	if s.cancelled || !s.due(f) {
		s.mu.Unlock()
		return false
	}
	fix := f
	s.last = &fix
	fn := s.fn
	s.mu.Unlock()

	fn(f)
	return true
}

func (s *Subscription) due(f Fix) bool {
	if s.last == nil {
		return true
	}
	if f.CapturedAt.Sub(s.last.CapturedAt) < s.req.MinInterval {
		return false
	}
	if s.req.MinDisplacement > 0 &&
		haversineMeters(s.last.Latitude, s.last.Longitude, f.Latitude, f.Longitude) < s.req.MinDisplacement {
		return false
	}
	return true
}

// Feed fans fixes out to push subscribers and remembers the last known fix.
// Providers embed it to satisfy PushProvider and PullProvider.
type Feed struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}
	last *Fix
	err  error // sticky error returned to new subscribers and pullers
}

// Subscribe registers fn for every published fix that satisfies req.
func (f *Feed) Subscribe(req Request, fn func(Fix)) (*Subscription, error) {
	if fn == nil {
		return nil, errors.New("gps: nil subscription callback")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if errors.Is(f.err, ErrPermissionDenied) {
		return nil, f.err
	}
	if f.subs == nil {
		f.subs = make(map[*Subscription]struct{})
	}

	sub := &Subscription{
		req:      req,
		fn:       fn,
		errCh:    make(chan error, 1),
		onCancel: f.remove,
	}
	f.subs[sub] = struct{}{}
	return sub, nil
}

func (f *Feed) remove(sub *Subscription) {
	f.mu.Lock()
	delete(f.subs, sub)
	f.mu.Unlock()
}

// Publish records fix as the last known position and notifies subscribers.
func (f *Feed) Publish(fix Fix) {
	f.mu.Lock()
	last := fix
	f.last = &last
	subs := make([]*Subscription, 0, len(f.subs))
	for s := range f.subs {
		subs = append(subs, s)
	}
	f.mu.Unlock()

	for _, s := range subs {
		s.deliver(fix)
	}
}

// Fail reports an unrecoverable error to every current subscriber.
func (f *Feed) Fail(err error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for s := range f.subs {
		s.fail(err)
	}
}

// SetError records a sticky provider error such as ErrPermissionDenied.
// A nil err clears it.
func (f *Feed) SetError(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

// LastKnown returns the most recently published fix.
func (f *Feed) LastKnown(ctx context.Context) (Fix, error) {
	if err := ctx.Err(); err != nil {
		return Fix{}, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	if errors.Is(f.err, ErrPermissionDenied) {
		return Fix{}, f.err
	}
	if f.last == nil {
		return Fix{}, ErrNoFix
	}
	return *f.last, nil
}

// Subscribers returns the number of active subscriptions.
func (f *Feed) Subscribers() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs)
}

// haversineMeters calculates the great-circle distance between two lat/lon points.
func haversineMeters(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0 // Earth radius m
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*
			math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
