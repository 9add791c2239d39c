package throttle

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestGate_Accept(t *testing.T) {
	g := NewGate(60 * time.Second)
	assert.True(t, g.LastSent().IsZero())

	assert.True(t, g.Accept(t0), "first fix is always admitted")
	assert.False(t, g.Accept(t0.Add(30*time.Second)), "30s < 60s")
	assert.Equal(t, t0, g.LastSent(), "rejection must not mutate")
	assert.False(t, g.Accept(t0.Add(59999*time.Millisecond)))
	assert.True(t, g.Accept(t0.Add(60*time.Second)), "elapsed == interval is admitted")
	assert.True(t, g.Accept(t0.Add(125*time.Second)))
	assert.Equal(t, t0.Add(125*time.Second), g.LastSent())
	assert.Equal(t, 60*time.Second, g.Interval())
}

func TestGate_ConcurrentSameInstant(t *testing.T) {
	g := NewGate(time.Minute)
	g.Accept(t0)

	var accepted atomic.Int32
	var wg sync.WaitGroup
	now := t0.Add(2 * time.Minute)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if g.Accept(now) {
				accepted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), accepted.Load())
	assert.Equal(t, now, g.LastSent())
}

func TestGate_MonotonicProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		intervalMs := rapid.Int64Range(1, 120_000).Draw(t, "intervalMs")
		steps := rapid.SliceOfN(rapid.Int64Range(0, 200_000), 1, 50).Draw(t, "steps")

		g := NewGate(time.Duration(intervalMs) * time.Millisecond)
		now := t0
		var prev time.Time
		for _, step := range steps {
			now = now.Add(time.Duration(step) * time.Millisecond)
			before := g.LastSent()
			ok := g.Accept(now)

			want := before.IsZero() || now.Sub(before) >= time.Duration(intervalMs)*time.Millisecond
			if ok != want {
				t.Fatalf("Accept(%v) = %v, want %v (last %v)", now, ok, want, before)
			}
			if ok {
				if !prev.IsZero() && !g.LastSent().After(prev) {
					t.Fatalf("last sent did not increase: %v -> %v", prev, g.LastSent())
				}
				prev = g.LastSent()
			} else if !g.LastSent().Equal(before) {
				t.Fatalf("rejected call mutated state")
			}
		}
	})
}
