package reporter

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/shaunagostinho/gpsreporter/internal/gps"
	"github.com/shaunagostinho/gpsreporter/internal/status"
)

// armPush registers with the push provider and starts the goroutine that
// drains its callbacks. Any earlier registration of rn is dropped first.
func (r *Reporter) armPush(rn *run) error {
	if rn.sub != nil {
		rn.sub.Cancel()
		rn.sub = nil
	}

	req := gps.Request{MinInterval: rn.cfg.PushInterval(), MinDisplacement: 0}
	sub, err := r.push.Subscribe(req, func(fix gps.Fix) {
		// Keep only the newest fix if the loop is behind.
		select {
		case rn.pushCh <- fix:
		default:
			select {
			case <-rn.pushCh:
			default:
			}
			select {
			case rn.pushCh <- fix:
			default:
			}
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe to position updates: %w", err)
	}
	rn.sub = sub

	r.safeGo(rn, SourcePush, func() { r.pushLoop(rn, sub) })
	return nil
}

func (r *Reporter) pushLoop(rn *run, sub *gps.Subscription) {
	for {
		select {
		case <-rn.ctx.Done():
			return
		case fix := <-rn.pushCh:
			r.admit(rn, fix, SourcePush)
		case err := <-sub.Err():
			r.log.Error("position provider failed", zap.Error(err))
			r.publish(status.Error(r.clock.Now(), err))
			go r.stopRun(rn, "position provider failed")
			return
		}
	}
}

// armPoll starts the periodic pull. The ticker is created here so the first
// tick is exactly one interval after Start.
func (r *Reporter) armPoll(rn *run) {
	ticker := r.clock.NewTicker(rn.cfg.Interval())
	r.safeGo(rn, SourcePoll, func() {
		defer ticker.Stop()
		for {
			select {
			case <-rn.ctx.Done():
				return
			case <-ticker.Chan():
				r.pollOnce(rn)
			}
		}
	})
}

// pollOnce handles one tick. The tick is finished only after the pull
// completes, and a result arriving after Stop is discarded.
func (r *Reporter) pollOnce(rn *run) {
	fix, err := r.lastKnown(rn.ctx)
	if rn.ctx.Err() != nil {
		r.log.Debug("discarding poll result after stop")
		return
	}
	if err != nil {
		r.reportPullError(err, SourcePoll)
		return
	}
	r.admit(rn, fix, SourcePoll)
}

// lastKnown queries the pull provider without outliving ctx. Providers that
// ignore ctx keep running in the background and their result is dropped.
func (r *Reporter) lastKnown(ctx context.Context) (gps.Fix, error) {
	type result struct {
		fix gps.Fix
		err error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				ch <- result{err: fmt.Errorf("pull provider panic: %v", p)}
			}
		}()
		fix, err := r.pull.LastKnown(ctx)
		ch <- result{fix: fix, err: err}
	}()

	select {
	case <-ctx.Done():
		return gps.Fix{}, ctx.Err()
	case res := <-ch:
		return res.fix, res.err
	}
}

func (r *Reporter) reportPullError(err error, source string) {
	now := r.clock.Now()
	switch {
	case errors.Is(err, gps.ErrNoFix):
		r.log.Warn("position unavailable", zap.String("source", source))
		r.publish(status.PositionUnavailable(now, source))
	case errors.Is(err, gps.ErrPermissionDenied):
		r.log.Warn("location permission missing", zap.String("source", source))
		r.publish(status.PermissionMissing(now))
	default:
		r.log.Error("position query failed", zap.String("source", source), zap.Error(err))
		r.publish(status.Error(now, err))
	}
}

// admit offers fix to the throttle gate and, when accepted, queues delivery.
func (r *Reporter) admit(rn *run, fix gps.Fix, source string) {
	if rn.ctx.Err() != nil {
		return
	}
	if !rn.gate.Accept(r.clock.Now()) {
		r.log.Debug("fix throttled", zap.String("source", source), zap.Int64("captured_at", fix.CapturedAtMillis()))
		return
	}
	if err := rn.pool.Submit(func() { r.deliver(rn, fix, source) }); err != nil {
		r.log.Warn("delivery dropped", zap.String("source", source), zap.Error(err))
		r.publish(status.Error(r.clock.Now(), fmt.Errorf("delivery dropped: %w", err)))
	}
}

func (r *Reporter) deliver(rn *run, fix gps.Fix, source string) {
	res := rn.deliverer.Deliver(rn.ctx, fix)
	if rn.ctx.Err() != nil {
		r.log.Debug("dropping delivery result after stop", zap.String("request_id", res.RequestID))
		return
	}
	r.publish(status.FromResult(r.clock.Now(), res, source))
}
