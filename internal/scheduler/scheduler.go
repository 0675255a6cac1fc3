package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/doridoridoriand/latency-probe/internal/clock"
	"github.com/doridoridoriand/latency-probe/internal/config"
	"github.com/doridoridoriand/latency-probe/internal/log"
	"github.com/doridoridoriand/latency-probe/internal/probe"
	"github.com/doridoridoriand/latency-probe/internal/state"
)

var (
	ErrAlreadyRunning = errors.New("scheduler already running")
	ErrNoSnapshot     = errors.New("no target snapshot has been published")
)

// Scheduler drives periodic probe cycles.
type Scheduler interface {
	Run(ctx context.Context) error
	Stop()
}

// Source yields the snapshot in effect. *config.Source satisfies it.
type Source interface {
	Load() *config.Snapshot
}

// Registry resolves the prober for a kind. *probe.Registry satisfies it.
type Registry interface {
	For(kind config.Kind) (probe.Prober, bool)
}

// Tick describes one fired cycle.
type Tick struct {
	N        uint64
	Deadline clock.Instant
	FiredAt  clock.Instant
	Targets  int
}

// Option configures an Impl.
type Option func(*Impl)

// WithTickHook calls fn on the driver goroutine after each cycle has been
// dispatched. fn must not block.
func WithTickHook(fn func(Tick)) Option {
	return func(s *Impl) {
		s.onTick = fn
	}
}

// Impl fires cycles on an absolute grid: tick n is due at start + n*interval,
// independent of how long earlier cycles' probes took. Each cycle fans out one
// goroutine per target and never waits for them.
type Impl struct {
	source   Source
	clock    clock.Clock
	registry Registry
	recorder state.Recorder
	logger   *log.Logger
	onTick   func(Tick)

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
	ticks  atomic.Uint64
}

// New constructs a scheduler. A nil logger discards log output.
func New(source Source, c clock.Clock, registry Registry, recorder state.Recorder, logger *log.Logger, opts ...Option) *Impl {
	if logger == nil {
		logger = log.Nop()
	}
	s := &Impl{
		source:   source,
		clock:    c,
		registry: registry,
		recorder: recorder,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run blocks until ctx is cancelled or Stop is called, then waits for
// in-flight probes to return.
func (s *Impl) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	snap := s.source.Load()
	if snap == nil {
		s.mu.Unlock()
		return ErrNoSnapshot
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	defer func() {
		cancel()
		s.wg.Wait()
		s.mu.Lock()
		s.cancel = nil
		s.mu.Unlock()
	}()

	base := s.clock.Now()
	interval := snap.Interval
	var n int64

	for {
		deadline := base.Add(time.Duration(n) * interval)
		if wait := deadline.Sub(s.clock.Now()); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-runCtx.Done():
				timer.Stop()
				return runCtx.Err()
			case <-timer.C:
			}
		} else if err := runCtx.Err(); err != nil {
			return err
		}

		snap = s.source.Load()
		s.dispatch(runCtx, snap)
		tick := s.ticks.Add(1)
		if s.onTick != nil {
			s.onTick(Tick{N: tick, Deadline: deadline, FiredAt: s.clock.Now(), Targets: len(snap.Targets)})
		}

		if snap.Interval != interval {
			s.logger.Info("probe interval changed",
				zap.Duration("from", interval),
				zap.Duration("to", snap.Interval),
			)
			base, interval, n = deadline, snap.Interval, 0
		}
		n++

		// After a stall, run once and resume at the next boundary on the grid.
		if elapsed := s.clock.Now().Sub(base); elapsed >= time.Duration(n)*interval {
			next := int64(elapsed/interval) + 1
			s.logger.Warn("skipped missed probe cycles", zap.Int64("missed", next-n))
			n = next
		}
	}
}

// Stop cancels a running scheduler. Run returns once in-flight probes finish.
func (s *Impl) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Ticks reports how many cycles have been dispatched.
func (s *Impl) Ticks() uint64 {
	return s.ticks.Load()
}

func (s *Impl) dispatch(ctx context.Context, snap *config.Snapshot) {
	for _, target := range snap.Targets {
		jitter := Jitter(target, snap.Interval, snap.JitterFraction)
		timeout := snap.TimeoutFor(target.Kind)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.probeTarget(ctx, target, jitter, timeout)
		}()
	}
}

func (s *Impl) probeTarget(ctx context.Context, target config.Target, jitter, timeout time.Duration) {
	if jitter > 0 {
		timer := time.NewTimer(jitter)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}

	prober, ok := s.registry.For(target.Kind)
	if !ok {
		s.logger.LogError("scheduler", fmt.Errorf("no prober for kind %s", target.Kind), zap.String("target", target.Name))
		return
	}

	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	outcome := prober.Probe(probeCtx, target.Host, target.Port, timeout)
	cancel()
	outcome.Target = target.Name
	outcome.Kind = target.Kind

	// Shutdown interrupted the probe; its outcome says nothing about the target.
	if ctx.Err() != nil && outcome.Status != probe.StatusSuccess {
		return
	}
	s.recorder.Record(outcome)
	s.logger.LogProbeOutcome(target.Name, target.Kind.String(), outcome.Status.String(), outcome.Elapsed, string(outcome.Reason), outcome.Err)
}
