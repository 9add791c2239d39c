package gps

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func fixAt(offset time.Duration, lat, lon float64) Fix {
	return Fix{Latitude: lat, Longitude: lon, CapturedAt: t0.Add(offset)}
}

func TestFeed_LastKnown(t *testing.T) {
	var f Feed
	ctx := context.Background()

	_, err := f.LastKnown(ctx)
	assert.ErrorIs(t, err, ErrNoFix)

	f.Publish(fixAt(0, 1, 2))
	f.Publish(fixAt(time.Second, 3, 4))

	got, err := f.LastKnown(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3.0, got.Latitude)
	assert.Equal(t, 4.0, got.Longitude)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = f.LastKnown(cancelled)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFeed_SubscribeMinInterval(t *testing.T) {
	var f Feed
	var got []Fix
	sub, err := f.Subscribe(Request{MinInterval: 10 * time.Second}, func(fix Fix) {
		got = append(got, fix)
	})
	require.NoError(t, err)
	defer sub.Cancel()

	f.Publish(fixAt(0, 1, 1))
	f.Publish(fixAt(5*time.Second, 1, 1))
	f.Publish(fixAt(10*time.Second, 1, 1))
	f.Publish(fixAt(15*time.Second, 1, 1))

	require.Len(t, got, 2)
	assert.Equal(t, t0, got[0].CapturedAt)
	assert.Equal(t, t0.Add(10*time.Second), got[1].CapturedAt)
}

func TestFeed_SubscribeDisplacement(t *testing.T) {
	var f Feed
	stationary, moving := 0, 0

	s1, err := f.Subscribe(Request{}, func(Fix) { stationary++ })
	require.NoError(t, err)
	s2, err := f.Subscribe(Request{MinDisplacement: 100}, func(Fix) { moving++ })
	require.NoError(t, err)
	defer s1.Cancel()
	defer s2.Cancel()

	// Same position three times, then ~1.1 km north.
	f.Publish(fixAt(0, -7.25, 112.75))
	f.Publish(fixAt(time.Second, -7.25, 112.75))
	f.Publish(fixAt(2*time.Second, -7.25, 112.75))
	f.Publish(fixAt(3*time.Second, -7.24, 112.75))

	assert.Equal(t, 4, stationary)
	assert.Equal(t, 2, moving)
}

func TestSubscription_CancelStopsDelivery(t *testing.T) {
	var f Feed
	calls := 0
	sub, err := f.Subscribe(Request{}, func(Fix) { calls++ })
	require.NoError(t, err)
	assert.Equal(t, 1, f.Subscribers())

	f.Publish(fixAt(0, 1, 1))
	sub.Cancel()
	sub.Cancel()
	f.Publish(fixAt(time.Second, 1, 1))

	assert.Equal(t, 1, calls)
	assert.True(t, sub.Cancelled())
	assert.Equal(t, 0, f.Subscribers())
}

func TestSubscription_InFlightCallbackCompletes(t *testing.T) {
	var f Feed
	entered := make(chan struct{})
	release := make(chan struct{})
	var mu sync.Mutex
	calls := 0

	sub, err := f.Subscribe(Request{}, func(Fix) {
		mu.Lock()
		calls++
		mu.Unlock()
		close(entered)
		<-release
	})
	require.NoError(t, err)

	published := make(chan struct{})
	go func() {
		f.Publish(fixAt(0, 1, 1))
		close(published)
	}()

	<-entered
	sub.Cancel()
	close(release)
	<-published

	f.Publish(fixAt(time.Second, 1, 1))
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
}

func TestFeed_Fail(t *testing.T) {
	var f Feed
	sub, err := f.Subscribe(Request{}, func(Fix) {})
	require.NoError(t, err)

	boom := errors.New("unplugged")
	f.Fail(boom)
	f.Fail(errors.New("second error is dropped"))

	select {
	case got := <-sub.Err():
		assert.Equal(t, boom, got)
	default:
		t.Fatal("expected provider error")
	}
}

func TestFeed_PermissionDenied(t *testing.T) {
	var f Feed
	f.SetError(ErrPermissionDenied)

	_, err := f.Subscribe(Request{}, func(Fix) {})
	assert.ErrorIs(t, err, ErrPermissionDenied)
	_, err = f.LastKnown(context.Background())
	assert.ErrorIs(t, err, ErrPermissionDenied)

	f.SetError(nil)
	_, err = f.Subscribe(Request{}, func(Fix) {})
	assert.NoError(t, err)
}

func TestFeed_NilCallback(t *testing.T) {
	var f Feed
	_, err := f.Subscribe(Request{}, nil)
	assert.Error(t, err)
}

func TestDemoGPS_PublishesOnClock(t *testing.T) {
	clock := clockwork.NewFakeClockAt(t0)
	d := NewDemoGPS(clock, time.Second)

	fixes := make(chan Fix, 4)
	sub, err := d.Subscribe(Request{}, func(fix Fix) { fixes <- fix })
	require.NoError(t, err)
	defer sub.Cancel()

	require.NoError(t, d.Connect())
	defer d.Close()

	require.NoError(t, clock.BlockUntilContext(context.Background(), 1))
	clock.Advance(time.Second)

	select {
	case fix := <-fixes:
		assert.InDelta(t, -7.2575, fix.Latitude, 0.01)
		assert.InDelta(t, 112.7521, fix.Longitude, 0.01)
		assert.Equal(t, t0.Add(time.Second), fix.CapturedAt)
	case <-time.After(2 * time.Second):
		t.Fatal("no fix published")
	}

	last, err := d.LastKnown(context.Background())
	require.NoError(t, err)
	assert.Equal(t, t0.Add(time.Second), last.CapturedAt)
}

func TestHaversineMeters(t *testing.T) {
	assert.InDelta(t, 0, haversineMeters(10, 10, 10, 10), 1e-9)
	// One hundredth of a degree of latitude is ~1112 m.
	assert.InDelta(t, 1112, haversineMeters(-7.25, 112.75, -7.24, 112.75), 2)
}
