package scheduler

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/doridoridoriand/latency-probe/internal/clock"
	"github.com/doridoridoriand/latency-probe/internal/config"
	"github.com/doridoridoriand/latency-probe/internal/probe"
	"github.com/doridoridoriand/latency-probe/internal/state"
)

type proberFunc func(ctx context.Context, host string, port uint16, timeout time.Duration) probe.Outcome

func (f proberFunc) Probe(ctx context.Context, host string, port uint16, timeout time.Duration) probe.Outcome {
	return f(ctx, host, port, timeout)
}

type registryFunc func(kind config.Kind) (probe.Prober, bool)

func (f registryFunc) For(kind config.Kind) (probe.Prober, bool) {
	return f(kind)
}

func allKinds(p probe.Prober) Registry {
	return registryFunc(func(config.Kind) (probe.Prober, bool) { return p, true })
}

// byHost routes probes by host so tests can give each target its own behaviour.
func byHost(probers map[string]proberFunc) Registry {
	return allKinds(proberFunc(func(ctx context.Context, host string, port uint16, timeout time.Duration) probe.Outcome {
		return probers[host](ctx, host, port, timeout)
	}))
}

func instant(elapsed time.Duration) proberFunc {
	return func(context.Context, string, uint16, time.Duration) probe.Outcome {
		return probe.Outcome{Status: probe.StatusSuccess, Elapsed: elapsed}
	}
}

// hang never answers and reports a timeout once its deadline passes.
func hang(ctx context.Context, _ string, _ uint16, timeout time.Duration) probe.Outcome {
	<-ctx.Done()
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return probe.Outcome{Status: probe.StatusTimeout, Elapsed: timeout}
	}
	return probe.Outcome{Status: probe.StatusError, Reason: probe.ReasonAborted, Err: ctx.Err()}
}

func testClock(t *testing.T) clock.Clock {
	t.Helper()
	c, err := clock.New()
	if err != nil {
		t.Fatalf("clock.New: %v", err)
	}
	return c
}

func publish(t *testing.T, src *config.Source, interval, timeout time.Duration, targets ...config.Target) {
	t.Helper()
	if err := src.Publish(config.NewSnapshot(targets, interval, timeout, nil, 0)); err != nil {
		t.Fatalf("publish: %v", err)
	}
}

func icmpTarget(name string) config.Target {
	return config.Target{Name: name, Kind: config.KindICMP, Host: name}
}

type tickLog struct {
	mu    sync.Mutex
	ticks []Tick
}

func (l *tickLog) record(t Tick) {
	l.mu.Lock()
	l.ticks = append(l.ticks, t)
	l.mu.Unlock()
}

func (l *tickLog) snapshot() []Tick {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Tick(nil), l.ticks...)
}

func TestRunWithoutSnapshot(t *testing.T) {
	s := New(config.NewSource(nil), testClock(t), allKinds(proberFunc(hang)), state.NewAggregator(), nil)
	if err := s.Run(context.Background()); !errors.Is(err, ErrNoSnapshot) {
		t.Fatalf("expected ErrNoSnapshot, got %v", err)
	}
}

func TestRunTwice(t *testing.T) {
	src := config.NewSource(nil)
	publish(t, src, 10*time.Millisecond, 5*time.Millisecond, icmpTarget("a"))
	s := New(src, testClock(t), allKinds(instant(time.Millisecond)), state.NewAggregator(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	waitFor(t, func() bool { return s.Ticks() > 0 })
	if err := s.Run(ctx); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestTicksStayOnGridWithSlowProbes(t *testing.T) {
	const interval = 20 * time.Millisecond
	src := config.NewSource(nil)
	publish(t, src, interval, 15*time.Millisecond, icmpTarget("a"), icmpTarget("b"), icmpTarget("c"))

	var log tickLog
	s := New(src, testClock(t), allKinds(proberFunc(hang)), state.NewAggregator(), nil, WithTickHook(log.record))

	ctx, cancel := context.WithTimeout(context.Background(), 210*time.Millisecond)
	defer cancel()
	_ = s.Run(ctx)

	ticks := log.snapshot()
	if len(ticks) < 9 || len(ticks) > 12 {
		t.Fatalf("expected about 11 ticks in 210ms at 20ms, got %d", len(ticks))
	}
	base := ticks[0].Deadline
	for i, tick := range ticks {
		want := base.Add(time.Duration(i) * interval)
		if tick.Deadline != want {
			t.Fatalf("tick %d deadline off grid: %v from base, want %v", i, tick.Deadline.Sub(base), time.Duration(i)*interval)
		}
		if late := tick.FiredAt.Sub(tick.Deadline); late < 0 || late > interval {
			t.Fatalf("tick %d fired %v after its deadline", i, late)
		}
	}
}

func TestStopWaitsForInFlightProbes(t *testing.T) {
	src := config.NewSource(nil)
	publish(t, src, 50*time.Millisecond, 40*time.Millisecond, icmpTarget("a"))

	var mu sync.Mutex
	running := 0
	p := proberFunc(func(ctx context.Context, host string, port uint16, timeout time.Duration) probe.Outcome {
		mu.Lock()
		running++
		mu.Unlock()
		outcome := hang(ctx, host, port, timeout)
		mu.Lock()
		running--
		mu.Unlock()
		return outcome
	})
	agg := state.NewAggregator()
	s := New(src, testClock(t), allKinds(p), agg, nil)

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return running > 0
	})
	s.Stop()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Run did not return after Stop")
	}
	mu.Lock()
	defer mu.Unlock()
	if running != 0 {
		t.Fatalf("Run returned with %d probes in flight", running)
	}
	if agg.Len() != 0 {
		t.Fatalf("aborted probes must not be recorded, got %d series", agg.Len())
	}
}

func TestFailingTargetDoesNotAffectHealthyTarget(t *testing.T) {
	const interval = 20 * time.Millisecond
	src := config.NewSource(nil)
	publish(t, src, interval, 10*time.Millisecond, icmpTarget("good"), icmpTarget("bad"))

	agg := state.NewAggregator()
	s := New(src, testClock(t), byHost(map[string]proberFunc{
		"good": instant(time.Millisecond),
		"bad":  hang,
	}), agg, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	_ = s.Run(ctx)

	good, _ := agg.Series(state.Key{Target: "good", Kind: config.KindICMP})
	bad, _ := agg.Series(state.Key{Target: "bad", Kind: config.KindICMP})
	ticks := s.Ticks()

	if good.Count != ticks {
		t.Fatalf("healthy target recorded %d of %d cycles", good.Count, ticks)
	}
	if good.Timeouts != 0 || good.ErrorTotal() != 0 {
		t.Fatalf("healthy target picked up failures: %+v", good)
	}
	if bad.Count != 0 || bad.Timeouts == 0 {
		t.Fatalf("failing target should only time out: %+v", bad)
	}
	if good.LastLatency != time.Millisecond {
		t.Fatalf("unexpected healthy latency %v", good.LastLatency)
	}
}

func TestReloadAddsTargetsFromNextCycle(t *testing.T) {
	const interval = 20 * time.Millisecond
	src := config.NewSource(nil)
	publish(t, src, interval, 10*time.Millisecond, icmpTarget("a"))

	agg := state.NewAggregator()
	reloadAt := uint64(3)
	var mu sync.Mutex
	var reloadedTick uint64
	hook := func(tick Tick) {
		if tick.N == reloadAt {
			publish(t, src, interval, 10*time.Millisecond, icmpTarget("a"), icmpTarget("b"))
			mu.Lock()
			reloadedTick = tick.N
			mu.Unlock()
		}
	}
	s := New(src, testClock(t), allKinds(instant(time.Millisecond)), agg, nil, WithTickHook(hook))

	ctx, cancel := context.WithTimeout(context.Background(), 190*time.Millisecond)
	defer cancel()
	_ = s.Run(ctx)

	ticks := s.Ticks()
	a, _ := agg.Series(state.Key{Target: "a", Kind: config.KindICMP})
	b, _ := agg.Series(state.Key{Target: "b", Kind: config.KindICMP})

	if a.Count != ticks {
		t.Fatalf("existing target probed %d times over %d cycles", a.Count, ticks)
	}
	mu.Lock()
	defer mu.Unlock()
	if b.Count != ticks-reloadedTick {
		t.Fatalf("new target probed %d times, want %d", b.Count, ticks-reloadedTick)
	}
}

func TestInvalidReloadKeepsPreviousSnapshot(t *testing.T) {
	const interval = 20 * time.Millisecond
	src := config.NewSource(nil)
	publish(t, src, interval, 10*time.Millisecond, icmpTarget("a"))

	agg := state.NewAggregator()
	var rejectErr error
	hook := func(tick Tick) {
		if tick.N == 2 {
			// timeout not below interval
			rejectErr = src.Publish(config.NewSnapshot([]config.Target{icmpTarget("z")}, interval, interval, nil, 0))
		}
	}
	s := New(src, testClock(t), allKinds(instant(time.Millisecond)), agg, nil, WithTickHook(hook))

	ctx, cancel := context.WithTimeout(context.Background(), 130*time.Millisecond)
	defer cancel()
	_ = s.Run(ctx)

	if !errors.Is(rejectErr, config.ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", rejectErr)
	}
	if src.Rejected() != 1 {
		t.Fatalf("expected one rejection, got %d", src.Rejected())
	}
	if _, found := agg.Series(state.Key{Target: "z", Kind: config.KindICMP}); found {
		t.Fatalf("rejected snapshot was probed")
	}
	a, _ := agg.Series(state.Key{Target: "a", Kind: config.KindICMP})
	if a.Count != s.Ticks() {
		t.Fatalf("previous target probed %d of %d cycles", a.Count, s.Ticks())
	}
}

func TestIntervalChangeRebasesSchedule(t *testing.T) {
	src := config.NewSource(nil)
	publish(t, src, 30*time.Millisecond, 10*time.Millisecond, icmpTarget("a"))

	var log tickLog
	hook := func(tick Tick) {
		log.record(tick)
		if tick.N == 2 {
			publish(t, src, 15*time.Millisecond, 10*time.Millisecond, icmpTarget("a"))
		}
	}
	s := New(src, testClock(t), allKinds(instant(time.Millisecond)), state.NewAggregator(), nil, WithTickHook(hook))

	ctx, cancel := context.WithTimeout(context.Background(), 160*time.Millisecond)
	defer cancel()
	_ = s.Run(ctx)

	ticks := log.snapshot()
	if len(ticks) < 5 {
		t.Fatalf("expected at least 5 ticks, got %d", len(ticks))
	}
	if gap := ticks[1].Deadline.Sub(ticks[0].Deadline); gap != 30*time.Millisecond {
		t.Fatalf("expected 30ms spacing before reload, got %v", gap)
	}
	for i := 2; i < len(ticks)-1; i++ {
		if gap := ticks[i+1].Deadline.Sub(ticks[i].Deadline); gap != 15*time.Millisecond {
			t.Fatalf("expected 15ms spacing after reload at tick %d, got %v", i+1, gap)
		}
	}
}

func TestMissingProberSkipsTarget(t *testing.T) {
	src := config.NewSource(nil)
	publish(t, src, 20*time.Millisecond, 10*time.Millisecond, icmpTarget("a"))
	none := registryFunc(func(config.Kind) (probe.Prober, bool) { return nil, false })
	agg := state.NewAggregator()
	s := New(src, testClock(t), none, agg, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_ = s.Run(ctx)
	if agg.Len() != 0 {
		t.Fatalf("expected nothing recorded without a prober")
	}
}

func TestTCPConnectScenario(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			_ = conn.Close()
		}
	}()

	const interval = 50 * time.Millisecond
	c := testClock(t)
	src := config.NewSource(nil)
	port := uint16(ln.Addr().(*net.TCPAddr).Port)
	publish(t, src, interval, 40*time.Millisecond, config.Target{Name: "local", Kind: config.KindTCPConnect, Host: "127.0.0.1", Port: port})

	agg := state.NewAggregator()
	s := New(src, c, probe.NewRegistry(c), agg, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*interval-interval/2)
	defer cancel()
	_ = s.Run(ctx)

	row, _ := agg.Series(state.Key{Target: "local", Kind: config.KindTCPConnect})
	if row.Count < 4 || row.Count > 6 {
		t.Fatalf("expected 5±1 observations, got %d", row.Count)
	}
	if row.Timeouts != 0 || row.ErrorTotal() != 0 {
		t.Fatalf("expected no failures, got timeouts=%d errors=%v", row.Timeouts, row.Errors)
	}
	if row.Mean() <= 0 || row.Mean() > 40*time.Millisecond {
		t.Fatalf("unexpected mean connect latency %v", row.Mean())
	}
}

func TestHTTPTimeoutScenario(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer srv.Close()

	const interval = 50 * time.Millisecond
	c := testClock(t)
	src := config.NewSource(nil)
	publish(t, src, interval, 20*time.Millisecond, config.Target{Name: "slow", Kind: config.KindHTTP, Host: srv.URL})

	agg := state.NewAggregator()
	s := New(src, c, probe.NewRegistry(c), agg, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*interval-interval/2)
	defer cancel()
	_ = s.Run(ctx)

	row, _ := agg.Series(state.Key{Target: "slow", Kind: config.KindHTTP})
	ticks := s.Ticks()
	if row.Timeouts == 0 || row.Timeouts > ticks || row.Timeouts+1 < ticks {
		t.Fatalf("expected one timeout per cycle, got %d over %d cycles", row.Timeouts, ticks)
	}
	if row.Count != 0 {
		t.Fatalf("histogram must stay empty, got %d observations", row.Count)
	}
	if row.ErrorTotal() != 0 {
		t.Fatalf("unexpected errors %v", row.Errors)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met in time")
		}
		time.Sleep(2 * time.Millisecond)
	}
}
