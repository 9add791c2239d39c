// Package reporter runs the location reporting state machine: a push timeline
// and a poll timeline feed one throttle gate, and admitted fixes are delivered
// on a bounded worker pool.
package reporter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/shaunagostinho/gpsreporter/internal/delivery"
	"github.com/shaunagostinho/gpsreporter/internal/gps"
	"github.com/shaunagostinho/gpsreporter/internal/lifecycle"
	"github.com/shaunagostinho/gpsreporter/internal/logger"
	"github.com/shaunagostinho/gpsreporter/internal/status"
	"github.com/shaunagostinho/gpsreporter/internal/throttle"
)

var (
	// ErrNotStopped is returned by Start when a run is already active.
	ErrNotStopped = errors.New("reporter: already running")
	// ErrNotRunning is returned by Stop when nothing is running.
	ErrNotRunning = errors.New("reporter: not running")
)

// Origins of a fix, carried into status messages.
const (
	SourcePush   = "push"
	SourcePoll   = "poll"
	SourceManual = "manual"
)

const (
	defaultWorkers = 4
	drainTimeout   = 5 * time.Second
)

// Deliverer sends one fix to the collector.
type Deliverer interface {
	Deliver(ctx context.Context, fix gps.Fix) delivery.Result
}

// DelivererFactory builds a Deliverer for an endpoint.
type DelivererFactory func(delivery.Endpoint) (Deliverer, error)

func newPipeline(ep delivery.Endpoint) (Deliverer, error) {
	return delivery.New(ep, 0)
}

// Options wires a Reporter. Push and Pull are required.
type Options struct {
	Push   gps.PushProvider
	Pull   gps.PullProvider
	Guard  *lifecycle.Guard
	Sink   status.Sink
	Clock  clockwork.Clock
	Source ConfigSource // read when the restart alarm fires

	NewDeliverer DelivererFactory
	Workers      int // delivery pool size
	Logger       *zap.Logger
}

// Reporter is the long-running reporting component. Start, Stop and
// HostRemoved are serialized; everything else may be called concurrently.
type Reporter struct {
	push         gps.PushProvider
	pull         gps.PullProvider
	guard        *lifecycle.Guard
	sink         status.Sink
	clock        clockwork.Clock
	source       ConfigSource
	newDeliverer DelivererFactory
	workers      int
	log          *zap.Logger

	state atomicState
	opMu  sync.Mutex
	run   *run   // guarded by opMu
	last  Config // config of the most recent successful Start
}

// run holds everything owned by one Running period.
type run struct {
	cfg       Config
	ctx       context.Context
	cancel    context.CancelFunc
	gate      *throttle.Gate
	deliverer Deliverer
	pool      *ants.Pool
	sub       *gps.Subscription
	pushCh    chan gps.Fix
	wg        sync.WaitGroup
}

// New creates a stopped Reporter.
func New(opts Options) *Reporter {
	r := &Reporter{
		push:         opts.Push,
		pull:         opts.Pull,
		guard:        opts.Guard,
		sink:         opts.Sink,
		clock:        opts.Clock,
		source:       opts.Source,
		newDeliverer: opts.NewDeliverer,
		workers:      opts.Workers,
		log:          opts.Logger,
	}
	if r.log == nil {
		r.log = logger.Named("reporter")
	}
	if r.clock == nil {
		r.clock = clockwork.NewRealClock()
	}
	if r.sink == nil {
		r.sink = status.Discard
	}
	if r.guard == nil {
		r.guard = lifecycle.NewGuard(nil, lifecycle.ClockAlarm{Clock: r.clock}, r.log)
	}
	if r.newDeliverer == nil {
		r.newDeliverer = newPipeline
	}
	if r.workers <= 0 {
		r.workers = defaultWorkers
	}
	return r
}

// State returns the current lifecycle state.
func (r *Reporter) State() State {
	return r.state.Load()
}

// Guard exposes the lifecycle guard, mainly for status reporting.
func (r *Reporter) Guard() *lifecycle.Guard {
	return r.guard
}

// Config returns the config of the current or most recent run.
func (r *Reporter) Config() Config {
	r.opMu.Lock()
	defer r.opMu.Unlock()
	return r.last
}

// Start validates cfg, takes the wake lock and arms both timelines.
// Starting while not Stopped returns ErrNotStopped.
func (r *Reporter) Start(cfg Config) error {
	r.opMu.Lock()
	defer r.opMu.Unlock()
	return r.startLocked(cfg)
}

func (r *Reporter) startLocked(cfg Config) error {
	if !r.state.CompareAndSwap(Stopped, Starting) {
		return ErrNotStopped
	}

	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return r.abortStart(fmt.Errorf("invalid config: %w", err))
	}

	r.guard.Acquire()

	deliverer, err := r.newDeliverer(cfg.Endpoint())
	if err != nil {
		return r.abortStart(fmt.Errorf("create delivery pipeline: %w", err))
	}

	pool, err := ants.NewPool(r.workers,
		ants.WithNonblocking(true),
		ants.WithPanicHandler(func(p any) {
			r.log.Error("delivery worker panic", zap.Any("panic", p))
		}),
	)
	if err != nil {
		return r.abortStart(fmt.Errorf("create delivery pool: %w", err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	rn := &run{
		cfg:       cfg,
		ctx:       ctx,
		cancel:    cancel,
		gate:      throttle.NewGate(cfg.Interval()),
		deliverer: deliverer,
		pool:      pool,
		pushCh:    make(chan gps.Fix, 1),
	}

	if err := r.armPush(rn); err != nil {
		cancel()
		pool.Release()
		return r.abortStart(err)
	}
	r.armPoll(rn)

	r.run = rn
	r.last = cfg
	r.publish(status.Started(r.clock.Now(), cfg.Interval()))
	r.state.Store(Running)

	r.log.Info("reporter started",
		zap.String("server", cfg.ServerBaseURL),
		zap.Duration("interval", cfg.Interval()),
		zap.Duration("push_interval", cfg.PushInterval()),
	)
	return nil
}

// abortStart rolls a failed start back to Stopped.
func (r *Reporter) abortStart(err error) error {
	r.guard.Release()
	r.state.Store(Stopped)
	if errors.Is(err, gps.ErrPermissionDenied) {
		r.publish(status.PermissionMissing(r.clock.Now()))
	} else {
		r.publish(status.Error(r.clock.Now(), err))
	}
	r.log.Error("reporter start failed", zap.Error(err))
	return err
}

// Stop cancels both timelines, deregisters from the push provider and
// releases the wake lock. Deliveries still in flight are abandoned.
func (r *Reporter) Stop() error {
	r.opMu.Lock()
	defer r.opMu.Unlock()
	return r.stopLocked("")
}

func (r *Reporter) stopLocked(reason string) error {
	if !r.state.CompareAndSwap(Running, Stopping) {
		return ErrNotRunning
	}
	rn := r.run

	rn.sub.Cancel()
	rn.cancel()
	rn.wg.Wait()
	if err := rn.pool.ReleaseTimeout(drainTimeout); err != nil {
		r.log.Warn("delivery pool did not drain", zap.Error(err))
	}

	r.guard.Release()
	r.run = nil
	r.state.Store(Stopped)
	r.publish(status.Stopped(r.clock.Now(), reason))

	if reason == "" {
		r.log.Info("reporter stopped")
	} else {
		r.log.Info("reporter stopped", zap.String("reason", reason))
	}
	return nil
}

// stopRun stops only if rn is still the active run. A late failure from an
// earlier run must not tear down a newer one.
func (r *Reporter) stopRun(rn *run, reason string) {
	r.opMu.Lock()
	defer r.opMu.Unlock()
	if r.run != rn {
		return
	}
	_ = r.stopLocked(reason)
}

// HostRemoved handles the host discarding the process while it should keep
// running: one restart alarm is armed and the reporter stops. When the alarm
// fires the persisted config is re-read and the reporter started again.
// It returns false if the reporter was not running.
func (r *Reporter) HostRemoved() bool {
	r.opMu.Lock()
	defer r.opMu.Unlock()
	if r.state.Load() != Running {
		return false
	}

	fallback := r.last
	if r.guard.ScheduleRestart(func() { r.restart(fallback) }) {
		r.log.Info("host removed reporter, restart scheduled")
	}
	_ = r.stopLocked("host removed")
	return true
}

func (r *Reporter) restart(fallback Config) {
	cfg := fallback
	if r.source != nil {
		c, err := r.source.ReporterConfig()
		if err != nil {
			r.log.Warn("reload config for restart failed, using previous config", zap.Error(err))
		} else {
			cfg = c
		}
	}
	if err := r.Start(cfg); err != nil {
		r.log.Error("restart failed", zap.Error(err))
	}
}

// SendNow pulls one fix and delivers it outside the scheduler. The throttle
// gate is neither consulted nor updated.
func (r *Reporter) SendNow(ctx context.Context, cfg Config) (delivery.Result, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		r.publish(status.Error(r.clock.Now(), err))
		return delivery.Result{}, err
	}

	fix, err := r.lastKnown(ctx)
	if err != nil {
		r.reportPullError(err, SourceManual)
		return delivery.Result{}, err
	}

	d, err := r.newDeliverer(cfg.Endpoint())
	if err != nil {
		r.publish(status.Error(r.clock.Now(), err))
		return delivery.Result{}, err
	}
	res := d.Deliver(ctx, fix)
	r.publish(status.FromResult(r.clock.Now(), res, SourceManual))
	return res, res.Err
}

func (r *Reporter) publish(s status.Status) {
	r.sink.Publish(s)
}

// safeGo runs fn on a goroutine tracked by rn and keeps a panic inside it.
func (r *Reporter) safeGo(rn *run, name string, fn func()) {
	rn.wg.Add(1)
	go func() {
		defer rn.wg.Done()
		defer func() {
			if p := recover(); p != nil {
				r.log.Error("timeline panic", zap.String("timeline", name), zap.Any("panic", p), zap.Stack("stack"))
			}
		}()
		fn()
	}()
}
